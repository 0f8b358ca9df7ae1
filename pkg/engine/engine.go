package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/substratumlabs/conduct/pkg/cond"
	"github.com/substratumlabs/conduct/pkg/prompt"
	"github.com/substratumlabs/conduct/pkg/vars"
	"github.com/substratumlabs/conduct/pkg/workflow"
)

// MaxDepth limits how deep nested invocation can go when Options leaves
// it unset.
const MaxDepth = 5

// Options configures a workflow engine.
type Options struct {
	// Autonomous enables YOLO mode: optional steps are skipped
	// unconditionally, ask actions are skipped with a log entry, and
	// output actions are auto-approved. Persistence after every step
	// is never skipped.
	Autonomous bool

	// Root is the base location for relative file-existence predicates
	// and nested sub-workflow references.
	Root string

	// Defaults seed the variable scope before the definition's own
	// vars are applied.
	Defaults map[string]any

	// MaxDepth caps nested invocation depth. Zero means MaxDepth.
	MaxDepth int

	// Prompter handles ask and output actions in normal mode. Nil
	// falls back to prompt.Auto.
	Prompter prompt.Prompter

	// Files answers "file exists" predicates. Nil falls back to the
	// local filesystem rooted at Root.
	Files cond.FileChecker

	// Logger receives structured execution events. Nil falls back to
	// slog.Default().
	Logger *slog.Logger
}

// Engine executes one workflow definition. It exclusively owns its
// in-memory run state; the persisted copy belongs to the store.
// Execution is single-threaded: steps run strictly one at a time.
type Engine struct {
	def    *workflow.Definition
	loader workflow.Loader
	store  Store
	opts   Options
	log    *slog.Logger
	exec   *StepExecutor

	state     *RunState
	depth     int
	suspended atomic.Bool
	children  []ChildRunRef
}

// New creates an engine for the given definition. The loader resolves
// nested invocation references; the store persists run state.
func New(def *workflow.Definition, loader workflow.Loader, store Store, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Prompter == nil {
		opts.Prompter = prompt.Auto{}
	}
	if opts.Files == nil {
		opts.Files = cond.OSFiles{Root: opts.Root}
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = MaxDepth
	}

	e := &Engine{
		def:    def,
		loader: loader,
		store:  store,
		opts:   opts,
		log:    opts.Logger.With("workflow", def.ID),
	}
	resolver := vars.NewResolver()
	e.exec = &StepExecutor{
		resolver:   resolver,
		evaluator:  cond.NewEvaluator(resolver, opts.Files),
		parser:     workflow.NewParser(),
		prompter:   opts.Prompter,
		log:        e.log,
		autonomous: opts.Autonomous,
		invoke:     e.invokeChild,
	}
	return e
}

// State returns the engine's in-memory run state (nil before Execute or
// Resume).
func (e *Engine) State() *RunState { return e.state }

// Children returns references to nested runs spawned so far.
func (e *Engine) Children() []ChildRunRef { return e.children }

// RequestSuspend asks the engine to pause at the next step boundary.
// Safe to call from another goroutine; paused is only reachable through
// this request.
func (e *Engine) RequestSuspend() { e.suspended.Store(true) }

// Execute runs the workflow from the beginning: it seeds the variable
// scope from configured defaults plus the definition's vars, creates
// fresh run state, and drives the step loop.
func (e *Engine) Execute(ctx context.Context) error {
	if len(e.def.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", e.def.ID)
	}

	scope := make(vars.Scope, len(e.opts.Defaults)+len(e.def.Vars))
	for k, v := range e.opts.Defaults {
		scope[k] = v
	}
	for k, v := range e.def.Vars {
		scope[k] = v
	}

	now := time.Now().UTC()
	e.state = &RunState{
		WorkflowID:       e.def.ID,
		Status:           StatusRunning,
		CurrentStepIndex: e.def.Steps[0].Index,
		Variables:        scope,
		StartedAt:        now,
		UpdatedAt:        now,
	}
	e.suspended.Store(false)
	e.log.Info("workflow started", "steps", len(e.def.Steps), "autonomous", e.opts.Autonomous)
	return e.run(ctx)
}

// Resume validates that the supplied state belongs to this engine's
// definition, restores variables and position from it, and re-enters
// the step loop. Prior steps' actions are not re-executed. On identity
// mismatch it fails immediately with no state changes.
func (e *Engine) Resume(ctx context.Context, state *RunState) error {
	if state.WorkflowID != e.def.ID {
		return &MismatchError{Want: e.def.ID, Got: state.WorkflowID}
	}
	e.state = state.Clone()
	e.state.Status = StatusRunning
	if e.state.Variables == nil {
		e.state.Variables = make(vars.Scope)
	}
	e.suspended.Store(false)
	e.log.Info("workflow resumed", "step", e.state.CurrentStepIndex)
	return e.run(ctx)
}

// run is the step loop shared by Execute and Resume. After every step —
// executed, skipped, or goto-redirected — the state is persisted. On a
// fatal error the last consistent state is persisted with status=error
// and the error is returned to the caller; nothing is swallowed.
func (e *Engine) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return e.fail(err)
		}
		if e.suspended.Load() {
			e.state.Status = StatusPaused
			if err := e.persist(); err != nil {
				return err
			}
			e.log.Info("workflow paused", "step", e.state.CurrentStepIndex)
			return nil
		}

		pos := e.position(e.state.CurrentStepIndex)
		if pos < 0 {
			return e.fail(&StepError{
				StepIndex: e.state.CurrentStepIndex,
				Detail:    "no step with this index is declared",
				Hint:      "the definition changed since this run was persisted — fix the goto target or start a fresh run",
			})
		}
		step := &e.def.Steps[pos]

		var outcome *StepOutcome
		if e.opts.Autonomous && step.Optional {
			// Optional steps never execute in autonomous mode; no
			// action inside them has any observable effect.
			e.log.Info("optional step skipped in autonomous mode", "step", step.Index)
			outcome = &StepOutcome{Skipped: true}
		} else {
			var err error
			outcome, err = e.exec.ExecuteStep(ctx, step, e.state.Variables)
			if err != nil {
				return e.fail(err)
			}
		}

		e.state.Summary.Total++
		if outcome.Skipped {
			e.state.Summary.Skipped++
		} else {
			e.state.Summary.Executed++
		}

		if outcome.Goto != nil {
			target := *outcome.Goto
			if e.position(target) < 0 {
				return e.fail(&StepError{
					StepIndex: step.Index,
					Detail:    fmt.Sprintf("goto targets undeclared step %d", target),
					Hint:      "declare the step or fix the goto target",
				})
			}
			e.state.CurrentStepIndex = target
			if err := e.persist(); err != nil {
				return err
			}
			continue
		}

		if pos == len(e.def.Steps)-1 {
			if err := e.persist(); err != nil {
				return err
			}
			e.state.Status = StatusCompleted
			if err := e.persist(); err != nil {
				return err
			}
			e.log.Info("workflow completed", "executed", e.state.Summary.Executed, "skipped", e.state.Summary.Skipped)
			return nil
		}

		e.state.CurrentStepIndex = e.def.Steps[pos+1].Index
		if err := e.persist(); err != nil {
			return err
		}
	}
}

// fail persists the last consistent state with status=error, then
// surfaces the original error. A persistence failure is joined rather
// than masking the root cause.
func (e *Engine) fail(cause error) error {
	e.state.Status = StatusError
	if err := e.persist(); err != nil {
		return errors.Join(cause, err)
	}
	e.log.Error("workflow failed", "step", e.state.CurrentStepIndex, "error", cause)
	return cause
}

func (e *Engine) persist() error {
	e.state.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(e.state); err != nil {
		return fmt.Errorf("persist run state: %w", err)
	}
	return nil
}

// position returns the declaration position of the step with the given
// index, or -1.
func (e *Engine) position(index int) int {
	for i := range e.def.Steps {
		if e.def.Steps[i].Index == index {
			return i
		}
	}
	return -1
}

// invokeChild loads the referenced sub-definition and runs a nested
// engine against it, synchronously, to completion or failure. The child
// receives a copy of the parent's current bindings; its mutations do
// not leak back.
func (e *Engine) invokeChild(ctx context.Context, kind workflow.ActionKind, ref string, scope vars.Scope) error {
	depth := e.depth + 1
	if depth > e.opts.MaxDepth {
		return fmt.Errorf("invocation depth %d exceeds maximum %d", depth, e.opts.MaxDepth)
	}

	if e.loader == nil {
		return fmt.Errorf("no definition loader configured for nested invocation")
	}
	childDef, err := e.loader.Load(ref)
	if err != nil {
		return fmt.Errorf("load %s: %w", kind, err)
	}

	seed := make(map[string]any, len(scope))
	for k, v := range scope {
		seed[k] = v
	}

	childOpts := e.opts
	childOpts.Defaults = seed
	child := New(childDef, e.loader, e.store, childOpts)
	child.depth = depth

	runErr := child.Execute(ctx)
	status := StatusError
	if child.state != nil {
		status = child.state.Status
	}
	e.children = append(e.children, ChildRunRef{Ref: ref, WorkflowID: childDef.ID, Status: status})
	return runErr
}

// BuildManifest summarizes the run for reporting once the loop has
// terminated.
func (e *Engine) BuildManifest() *RunManifest {
	return &RunManifest{
		WorkflowID: e.state.WorkflowID,
		Status:     e.state.Status,
		StartedAt:  e.state.StartedAt.Format(time.RFC3339),
		EndedAt:    e.state.UpdatedAt.Format(time.RFC3339),
		Steps:      e.state.Summary,
		ChildRuns:  e.children,
	}
}
