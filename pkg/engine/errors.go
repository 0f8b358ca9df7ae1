package engine

import "fmt"

// MismatchError is returned when resuming with state that belongs to a
// different workflow definition. No state mutation happens before it.
type MismatchError struct {
	Want string // the engine's definition identity
	Got  string // the identity recorded in the supplied state
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("run state belongs to workflow %q, this engine runs %q (resume the matching definition, or start a fresh run)", e.Got, e.Want)
}

// NestedInvocationError wraps a child engine's fatal error with the
// invoking step's index, preserving full causal context.
type NestedInvocationError struct {
	StepIndex int
	Ref       string
	Err       error
}

func (e *NestedInvocationError) Error() string {
	return fmt.Sprintf("step %d: nested invocation %q failed: %v", e.StepIndex, e.Ref, e.Err)
}

func (e *NestedInvocationError) Unwrap() error { return e.Err }

// StepError is the generic execution failure, carrying the step index
// and a human-actionable hint.
type StepError struct {
	StepIndex int
	Detail    string
	Hint      string
	Err       error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %d: %s", e.StepIndex, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }
