package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError is a single validation finding with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[2].guard")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile runs the full 3-phase validation pipeline on a
// definition file.
// Phase 1: structural (strict YAML decode)
// Phase 2: semantic (JSON Schema validation)
// Phase 3: domain (index ordering, goto targets, tag syntax)
func ValidateFile(path string) (*Definition, []*ValidationError) {
	def, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	var all []*ValidationError
	all = append(all, validateSemantic(def)...)
	all = append(all, ValidateDomain(def)...)
	return def, all
}

// validateSemantic validates the definition against the generated JSON
// Schema.
func validateSemantic(def *Definition) []*ValidationError {
	fail := func(msg string) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: msg, Severity: "error"}}
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fail(fmt.Sprintf("marshal for schema validation: %v", err))
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return fail(fmt.Sprintf("generate schema: %v", err))
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fail(fmt.Sprintf("unmarshal schema: %v", err))
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("workflow-v1.json", schemaDoc); err != nil {
		return fail(fmt.Sprintf("add schema resource: %v", err))
	}
	sch, err := c.Compile("workflow-v1.json")
	if err != nil {
		return fail(fmt.Sprintf("compile schema: %v", err))
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fail(fmt.Sprintf("unmarshal document: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{Phase: "semantic", Message: err.Error(), Severity: "error"})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs Phase 3 domain-level validation: step indices
// must be unique and strictly increasing in declaration order, goto
// targets must reference declared steps, and every step body must parse.
func ValidateDomain(def *Definition) []*ValidationError {
	var errs []*ValidationError

	if def.ID == "" {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "id",
			Message:  "definition id is required — it anchors persisted run state to this workflow",
			Severity: "error",
		})
	}

	declared := make(map[int]bool, len(def.Steps))
	prev := -1
	for i := range def.Steps {
		step := &def.Steps[i]
		loc := fmt.Sprintf("steps[%d]", i)
		if declared[step.Index] {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     loc + ".index",
				Message:  fmt.Sprintf("duplicate step index %d", step.Index),
				Severity: "error",
			})
		}
		if step.Index <= prev {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     loc + ".index",
				Message:  fmt.Sprintf("step index %d is not strictly increasing (previous: %d)", step.Index, prev),
				Severity: "error",
			})
		}
		declared[step.Index] = true
		prev = step.Index
	}

	// Tag syntax and goto targets. A fresh parser per call: validation
	// must not populate the caller's lazy caches with half-checked data.
	parser := NewParser()
	for i := range def.Steps {
		probe := def.Steps[i] // copy, so the original stays unparsed
		loc := fmt.Sprintf("steps[%d]", i)
		actions, checks, err := parser.Parse(&probe)
		if err != nil {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     loc + ".body",
				Message:  err.Error(),
				Severity: "error",
			})
			continue
		}
		for _, check := range checks {
			actions = append(actions, check.Actions...)
		}
		for _, a := range actions {
			if a.Kind == KindGoto && !declared[a.Target] {
				errs = append(errs, &ValidationError{
					Phase:    "domain",
					Path:     loc + ".body",
					Message:  fmt.Sprintf("goto targets step %d, which is not declared", a.Target),
					Severity: "error",
				})
			}
		}
	}
	return errs
}
