// Package workflow defines the workflow definition data model consumed
// by the execution engine, strict YAML loading, inline-tag parsing of
// step bodies, validation, and JSON Schema export.
package workflow

import "fmt"

// Definition is an ordered sequence of steps plus seed variables.
// Step declaration order is semantically meaningful and preserved.
type Definition struct {
	ID    string         `yaml:"id"              json:"id"              jsonschema:"required"`
	Name  string         `yaml:"name,omitempty"  json:"name,omitempty"`
	Vars  map[string]any `yaml:"vars,omitempty"  json:"vars,omitempty"`
	Steps []Step         `yaml:"steps"           json:"steps"           jsonschema:"required,minItems=1"`
}

// Step is an atomic, indexed, optionally-guarded unit of a workflow.
// Body holds the raw inline-tag content; actions and checks are parsed
// from it lazily on first use and cached on the step.
type Step struct {
	Index    int    `yaml:"index"              json:"index"              jsonschema:"required"`
	Goal     string `yaml:"goal,omitempty"     json:"goal,omitempty"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
	Guard    string `yaml:"guard,omitempty"    json:"guard,omitempty"`
	Body     string `yaml:"body,omitempty"     json:"body,omitempty"`

	actions []Action
	checks  []Check
	parsed  bool
}

// ActionKind discriminates the action variants. The executor switches
// exhaustively on it; an unknown kind is a dispatch error, never a
// silent no-op.
type ActionKind uint8

const (
	KindAction ActionKind = iota
	KindAsk
	KindOutput
	KindGoto
	KindInvokeWorkflow
	KindInvokeTask
)

// String returns the tag name for the kind.
func (k ActionKind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindAsk:
		return "ask"
	case KindOutput:
		return "output"
	case KindGoto:
		return "goto"
	case KindInvokeWorkflow:
		return "invoke-workflow"
	case KindInvokeTask:
		return "invoke-task"
	}
	return fmt.Sprintf("ActionKind(%d)", uint8(k))
}

// Action is one guarded operation inside a step body.
//   - Content carries the action text, ask prompt, output artifact, or
//     invoke reference depending on Kind; it may contain {{ }} tokens.
//   - If is an optional per-action guard condition.
//   - Target is the destination step index for KindGoto.
type Action struct {
	Kind    ActionKind
	Content string
	If      string
	Target  int
}

// Check is a guarded group of actions evaluated after a step's actions.
// Its actions run only when If evaluates true.
type Check struct {
	If      string
	Actions []Action
}

// ParseError reports malformed inline-tag syntax in a step body.
// Parse-time errors are fatal and abort before any execution begins.
type ParseError struct {
	StepIndex int
	Snippet   string
	Reason    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("step %d: parse body: %s near %q (fix the tag syntax and re-run)", e.StepIndex, e.Reason, e.Snippet)
}

// StepAt returns the step with the given declared index, or nil.
func (d *Definition) StepAt(index int) *Step {
	for i := range d.Steps {
		if d.Steps[i].Index == index {
			return &d.Steps[i]
		}
	}
	return nil
}
