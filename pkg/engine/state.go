// Package engine drives workflow execution: the step executor, the
// run-state coordinator with crash-safe persistence, suspend/resume,
// goto jumps, nested invocation, and autonomous mode.
package engine

import (
	"time"

	"github.com/substratumlabs/conduct/pkg/vars"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// RunState is the persisted snapshot of execution progress. Serialized
// to JSON after every step so a crash loses at most the in-progress
// step's uncommitted side effects.
//
// CurrentStepIndex is the declared index of the next step to execute
// while the run is in flight; after a goto it equals the jump target;
// on completion it remains at the last executed index. Resume re-enters
// the loop at exactly CurrentStepIndex.
type RunState struct {
	WorkflowID       string       `json:"workflow_id"`
	Status           Status       `json:"status"`
	CurrentStepIndex int          `json:"current_step_index"`
	Variables        vars.Scope   `json:"variables"`
	StartedAt        time.Time    `json:"started_at"`
	UpdatedAt        time.Time    `json:"last_updated_at"`
	Summary          StepsSummary `json:"steps_summary"`
}

// StepsSummary counts step outcomes across the run.
type StepsSummary struct {
	Executed int `json:"executed" yaml:"executed"`
	Skipped  int `json:"skipped"  yaml:"skipped"`
	Total    int `json:"total"    yaml:"total"`
}

// Clone returns a deep-enough copy: the variable scope map is copied so
// the engine's in-memory mutations never alias the caller's snapshot.
// Nested maps are shared; steps overwrite them additively rather than
// mutating in place.
func (s *RunState) Clone() *RunState {
	out := *s
	out.Variables = make(vars.Scope, len(s.Variables))
	for k, v := range s.Variables {
		out.Variables[k] = v
	}
	return &out
}

// ChildRunRef records a nested workflow or task run spawned by a step.
type ChildRunRef struct {
	Ref        string `json:"ref"         yaml:"ref"`
	WorkflowID string `json:"workflow_id" yaml:"workflow_id"`
	Status     Status `json:"status"      yaml:"status"`
}

// RunManifest is the terminal summary of a run, written as YAML by the
// CLI after execution finishes.
type RunManifest struct {
	WorkflowID string        `yaml:"workflow_id"`
	Status     Status        `yaml:"status"`
	StartedAt  string        `yaml:"started_at"`
	EndedAt    string        `yaml:"ended_at"`
	Steps      StepsSummary  `yaml:"steps"`
	ChildRuns  []ChildRunRef `yaml:"child_runs,omitempty"`
}
