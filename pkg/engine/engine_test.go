package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/substratumlabs/conduct/pkg/vars"
	"github.com/substratumlabs/conduct/pkg/workflow"
)

// memStore keeps every persisted state in order, so tests can inspect
// the exact save-point sequence.
type memStore struct {
	saves  []*RunState
	latest map[string]*RunState
}

func newMemStore() *memStore {
	return &memStore{latest: make(map[string]*RunState)}
}

func (m *memStore) Save(state *RunState) error {
	snap := state.Clone()
	m.saves = append(m.saves, snap)
	m.latest[state.WorkflowID] = snap
	return nil
}

func (m *memStore) Load(workflowID string) (*RunState, error) {
	state, ok := m.latest[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return state, nil
}

// scriptPrompter answers every ask with a fixed response and records
// what it was asked; approvals are scripted per call.
type scriptPrompter struct {
	asked     []string
	approvals []bool
	approved  []string
	onAsk     func(question string)
}

func (p *scriptPrompter) Ask(_ context.Context, question string) (string, error) {
	p.asked = append(p.asked, question)
	if p.onAsk != nil {
		p.onAsk(question)
	}
	return "ok", nil
}

func (p *scriptPrompter) Approve(_ context.Context, artifact string) (bool, error) {
	p.approved = append(p.approved, artifact)
	if len(p.approvals) == 0 {
		return true, nil
	}
	next := p.approvals[0]
	p.approvals = p.approvals[1:]
	return next, nil
}

// mapLoader serves definitions from a fixed map.
type mapLoader map[string]*workflow.Definition

func (m mapLoader) Load(ref string) (*workflow.Definition, error) {
	def, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("definition %q not found", ref)
	}
	return def, nil
}

func testDef(id string, steps ...workflow.Step) *workflow.Definition {
	return &workflow.Definition{ID: id, Steps: steps}
}

func askStep(index int, prompt string) workflow.Step {
	return workflow.Step{Index: index, Body: fmt.Sprintf("<ask>%s</ask>", prompt)}
}

func TestExecuteLinearRun(t *testing.T) {
	def := testDef("flows/linear.yaml",
		workflow.Step{Index: 1, Body: `<action>prepare {{project}}</action>`},
		workflow.Step{Index: 2, Body: `<action>finish</action>`},
	)
	store := newMemStore()
	eng := New(def, nil, store, Options{Defaults: map[string]any{"project": "conduct"}})

	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	state := eng.State()
	if state.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", state.Status)
	}
	if state.CurrentStepIndex != 2 {
		t.Errorf("CurrentStepIndex = %d, want 2", state.CurrentStepIndex)
	}
	if state.Summary.Executed != 2 || state.Summary.Total != 2 {
		t.Errorf("Summary = %+v", state.Summary)
	}
	// Persist after step 1, after step 2, and once more on completion.
	if len(store.saves) != 3 {
		t.Errorf("saves = %d, want 3", len(store.saves))
	}
	if last := store.saves[len(store.saves)-1]; last.Status != StatusCompleted {
		t.Errorf("final persisted status = %q, want completed", last.Status)
	}
}

// TestAutonomousSkipsOptional pins scenario: steps 1-3 with step 2
// optional, autonomous mode on → executes 1 then 3, final state
// currentStepIndex=3, status=completed, and nothing inside step 2 has
// any observable effect.
func TestAutonomousSkipsOptional(t *testing.T) {
	def := testDef("flows/report.yaml",
		workflow.Step{Index: 1, Body: `<action>one</action>`},
		workflow.Step{Index: 2, Optional: true, Body: `<ask>should never surface</ask>`},
		workflow.Step{Index: 3, Body: `<action>three</action>`},
	)
	store := newMemStore()
	prompter := &scriptPrompter{}
	eng := New(def, nil, store, Options{Autonomous: true, Prompter: prompter})

	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	state := eng.State()
	if state.Status != StatusCompleted || state.CurrentStepIndex != 3 {
		t.Errorf("state = %q at %d, want completed at 3", state.Status, state.CurrentStepIndex)
	}
	if state.Summary.Executed != 2 || state.Summary.Skipped != 1 {
		t.Errorf("Summary = %+v, want 2 executed 1 skipped", state.Summary)
	}
	if len(prompter.asked) != 0 {
		t.Errorf("optional step's ask ran: %v", prompter.asked)
	}
}

// TestAutonomousAskAndOutput pins YOLO semantics for non-optional
// steps: asks are skipped, outputs auto-approved, persistence intact.
func TestAutonomousAskAndOutput(t *testing.T) {
	def := testDef("flows/auto.yaml",
		workflow.Step{Index: 1, Body: `<ask>blocked?</ask><output>artifact.md</output>`},
	)
	store := newMemStore()
	prompter := &scriptPrompter{approvals: []bool{false}} // would reject if consulted
	eng := New(def, nil, store, Options{Autonomous: true, Prompter: prompter})

	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(prompter.asked) != 0 || len(prompter.approved) != 0 {
		t.Errorf("prompter consulted in autonomous mode: asked=%v approved=%v", prompter.asked, prompter.approved)
	}
	if len(store.saves) == 0 {
		t.Error("autonomous mode must still persist after every step")
	}
}

func TestGotoSkipsIntermediateSteps(t *testing.T) {
	def := testDef("flows/jump.yaml",
		workflow.Step{Index: 1, Body: `<goto step="3"/>`},
		askStep(2, "step two"),
		askStep(3, "step three"),
		askStep(4, "step four"),
	)
	store := newMemStore()
	prompter := &scriptPrompter{}
	eng := New(def, nil, store, Options{Prompter: prompter})

	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if len(prompter.asked) != 2 || prompter.asked[0] != "step three" || prompter.asked[1] != "step four" {
		t.Errorf("asked = %v, want steps three and four only", prompter.asked)
	}
	// The save right after the jump records CurrentStepIndex == target.
	if store.saves[0].CurrentStepIndex != 3 {
		t.Errorf("post-jump CurrentStepIndex = %d, want 3", store.saves[0].CurrentStepIndex)
	}
	if eng.State().Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", eng.State().Status)
	}
}

// TestResumeContinuesAfterSavePoint pins resume idempotence: resuming
// from the save-point after step K continues at step K+1 with the same
// bindings an uninterrupted run would have, without re-running earlier
// steps.
func TestResumeContinuesAfterSavePoint(t *testing.T) {
	build := func() (*workflow.Definition, *memStore, *scriptPrompter) {
		def := testDef("flows/resume.yaml",
			askStep(1, "step one"),
			askStep(2, "step two"),
			askStep(3, "step three"),
		)
		return def, newMemStore(), &scriptPrompter{}
	}

	// Uninterrupted run, for the expected final state.
	def, store, prompter := build()
	eng := New(def, nil, store, Options{Prompter: prompter, Defaults: map[string]any{"seed": "v"}})
	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	wantFinal := eng.State()
	savePoint := store.saves[0] // persisted right after step 1

	// Fresh engine resumes from the step-1 save-point.
	def2, store2, prompter2 := build()
	eng2 := New(def2, nil, store2, Options{Prompter: prompter2})
	if err := eng2.Resume(context.Background(), savePoint); err != nil {
		t.Fatalf("Resume error: %v", err)
	}

	if len(prompter2.asked) != 2 || prompter2.asked[0] != "step two" {
		t.Errorf("resumed run asked %v, want steps two and three only", prompter2.asked)
	}
	got := eng2.State()
	if got.Status != wantFinal.Status || got.CurrentStepIndex != wantFinal.CurrentStepIndex {
		t.Errorf("final state %q at %d, want %q at %d", got.Status, got.CurrentStepIndex, wantFinal.Status, wantFinal.CurrentStepIndex)
	}
	if len(got.Variables) != len(wantFinal.Variables) {
		t.Errorf("variables diverged: %v vs %v", got.Variables, wantFinal.Variables)
	}
	for k, v := range wantFinal.Variables {
		if got.Variables[k] != v {
			t.Errorf("variable %q = %v, want %v", k, got.Variables[k], v)
		}
	}
}

// TestResumeMismatch pins that resuming with state from a different
// definition fails immediately and touches nothing.
func TestResumeMismatch(t *testing.T) {
	def := testDef("flows/a.yaml", workflow.Step{Index: 1, Body: `<action>x</action>`})
	store := newMemStore()
	eng := New(def, nil, store, Options{})

	foreign := &RunState{WorkflowID: "flows/b.yaml", Status: StatusRunning, CurrentStepIndex: 1, Variables: vars.Scope{}}
	err := eng.Resume(context.Background(), foreign)

	var mm *MismatchError
	if !errors.As(err, &mm) {
		t.Fatalf("error = %v, want *MismatchError", err)
	}
	if mm.Want != "flows/a.yaml" || mm.Got != "flows/b.yaml" {
		t.Errorf("MismatchError = %+v", mm)
	}
	if len(store.saves) != 0 {
		t.Errorf("resume mismatch persisted %d states, want 0", len(store.saves))
	}
	if eng.State() != nil {
		t.Error("engine state mutated on mismatch")
	}
}

func TestErrorPersistsLastConsistentState(t *testing.T) {
	def := testDef("flows/broken.yaml",
		workflow.Step{Index: 1, Body: `<action>fine</action>`},
		workflow.Step{Index: 2, Body: `<action>uses {{never.defined}}</action>`},
	)
	store := newMemStore()
	eng := New(def, nil, store, Options{})

	err := eng.Execute(context.Background())
	if err == nil {
		t.Fatal("expected error from undefined variable")
	}
	var uv *vars.UndefinedVariableError
	if !errors.As(err, &uv) {
		t.Errorf("cause = %v, want *vars.UndefinedVariableError", err)
	}
	var se *StepError
	if !errors.As(err, &se) || se.StepIndex != 2 {
		t.Errorf("error should carry step index 2, got %v", err)
	}

	last := store.saves[len(store.saves)-1]
	if last.Status != StatusError || last.CurrentStepIndex != 2 {
		t.Errorf("persisted %q at %d, want error at 2 (so a corrected run resumes there)", last.Status, last.CurrentStepIndex)
	}
}

func TestOutputRejectionFailsStep(t *testing.T) {
	def := testDef("flows/out.yaml",
		workflow.Step{Index: 1, Body: `<output>draft.md</output>`},
	)
	store := newMemStore()
	prompter := &scriptPrompter{approvals: []bool{false}}
	eng := New(def, nil, store, Options{Prompter: prompter})

	err := eng.Execute(context.Background())
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StepError", err)
	}
	if se.StepIndex != 1 {
		t.Errorf("StepIndex = %d, want 1", se.StepIndex)
	}
	if eng.State().Status != StatusError {
		t.Errorf("Status = %q, want error", eng.State().Status)
	}
}

func TestStepAndActionGuards(t *testing.T) {
	def := testDef("flows/guards.yaml",
		workflow.Step{Index: 1, Guard: "{{mode}} == fast", Body: `<ask>guarded step</ask>`},
		workflow.Step{Index: 2, Body: `<ask if="{{mode}} == slow">guarded action</ask><ask>always</ask>`},
	)
	store := newMemStore()
	prompter := &scriptPrompter{}
	eng := New(def, nil, store, Options{
		Prompter: prompter,
		Defaults: map[string]any{"mode": "slow"},
	})

	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	// Step 1's guard is false: skipped entirely. Step 2's first ask is
	// guarded true, second always runs.
	if len(prompter.asked) != 2 || prompter.asked[0] != "guarded action" || prompter.asked[1] != "always" {
		t.Errorf("asked = %v", prompter.asked)
	}
	if eng.State().Summary.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", eng.State().Summary.Skipped)
	}
}

func TestChecksRunAfterActions(t *testing.T) {
	def := testDef("flows/checks.yaml",
		workflow.Step{Index: 1, Body: `<ask>main action</ask>
<check if="{{retry}} is true"><ask>check action</ask></check>
<check if="{{retry}} is false"><ask>never</ask></check>`},
	)
	prompter := &scriptPrompter{}
	eng := New(def, nil, newMemStore(), Options{
		Prompter: prompter,
		Defaults: map[string]any{"retry": "true"},
	})

	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(prompter.asked) != 2 || prompter.asked[0] != "main action" || prompter.asked[1] != "check action" {
		t.Errorf("asked = %v", prompter.asked)
	}
}

func TestNestedInvocation(t *testing.T) {
	child := testDef("flows/child.yaml",
		workflow.Step{Index: 1, Body: `<ask>child sees {{project}}</ask>`},
	)
	parent := testDef("flows/parent.yaml",
		workflow.Step{Index: 1, Body: `<invoke-workflow path="flows/child.yaml"/>`},
		workflow.Step{Index: 2, Body: `<action>after child</action>`},
	)
	store := newMemStore()
	prompter := &scriptPrompter{}
	eng := New(parent, mapLoader{"flows/child.yaml": child}, store, Options{
		Prompter: prompter,
		Defaults: map[string]any{"project": "conduct"},
	})

	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	// The child ran synchronously with a copy of the parent's bindings.
	if len(prompter.asked) != 1 || prompter.asked[0] != "child sees conduct" {
		t.Errorf("asked = %v", prompter.asked)
	}
	// The child persisted its own state under its own identity.
	childState, err := store.Load("flows/child.yaml")
	if err != nil {
		t.Fatalf("child state not persisted: %v", err)
	}
	if childState.Status != StatusCompleted {
		t.Errorf("child status = %q, want completed", childState.Status)
	}
	children := eng.Children()
	if len(children) != 1 || children[0].WorkflowID != "flows/child.yaml" || children[0].Status != StatusCompleted {
		t.Errorf("Children() = %+v", children)
	}
}

func TestNestedInvocationFailureWrapsParentStep(t *testing.T) {
	child := testDef("flows/bad-child.yaml",
		workflow.Step{Index: 1, Body: `<action>{{boom}}</action>`},
	)
	parent := testDef("flows/parent.yaml",
		workflow.Step{Index: 1, Body: `<action>setup</action>`},
		workflow.Step{Index: 2, Body: `<invoke-task path="flows/bad-child.yaml"/>`},
	)
	eng := New(parent, mapLoader{"flows/bad-child.yaml": child}, newMemStore(), Options{})

	err := eng.Execute(context.Background())
	var ne *NestedInvocationError
	if !errors.As(err, &ne) {
		t.Fatalf("error = %v, want *NestedInvocationError", err)
	}
	if ne.StepIndex != 2 {
		t.Errorf("StepIndex = %d, want parent step 2", ne.StepIndex)
	}
	if ne.Ref != "flows/bad-child.yaml" {
		t.Errorf("Ref = %q", ne.Ref)
	}
	// The child's root cause stays reachable through the wrap chain.
	var uv *vars.UndefinedVariableError
	if !errors.As(err, &uv) {
		t.Errorf("child cause lost: %v", err)
	}
}

func TestInvocationDepthLimit(t *testing.T) {
	self := testDef("flows/self.yaml",
		workflow.Step{Index: 1, Body: `<invoke-workflow path="flows/self.yaml"/>`},
	)
	eng := New(self, mapLoader{"flows/self.yaml": self}, newMemStore(), Options{MaxDepth: 3})

	err := eng.Execute(context.Background())
	var ne *NestedInvocationError
	if !errors.As(err, &ne) {
		t.Fatalf("error = %v, want *NestedInvocationError", err)
	}
}

func TestSuspendPausesAtStepBoundary(t *testing.T) {
	def := testDef("flows/pause.yaml",
		askStep(1, "one"),
		askStep(2, "two"),
		askStep(3, "three"),
	)
	store := newMemStore()
	var eng *Engine
	prompter := &scriptPrompter{}
	prompter.onAsk = func(question string) {
		if question == "one" {
			eng.RequestSuspend()
		}
	}
	eng = New(def, nil, store, Options{Prompter: prompter})

	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	state := eng.State()
	if state.Status != StatusPaused {
		t.Fatalf("Status = %q, want paused", state.Status)
	}
	if len(prompter.asked) != 1 {
		t.Errorf("asked = %v, want only step one before the pause", prompter.asked)
	}

	// A later engine resumes from the paused snapshot and finishes.
	resumed, err := store.Load(def.ID)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	eng2 := New(def, nil, store, Options{Prompter: prompter})
	if err := eng2.Resume(context.Background(), resumed); err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if eng2.State().Status != StatusCompleted {
		t.Errorf("Status after resume = %q, want completed", eng2.State().Status)
	}
	if len(prompter.asked) != 3 {
		t.Errorf("asked = %v, want all three after resume", prompter.asked)
	}
}

func TestGotoUndeclaredTargetFails(t *testing.T) {
	def := testDef("flows/badjump.yaml",
		workflow.Step{Index: 1, Body: `<goto step="9"/>`},
	)
	eng := New(def, nil, newMemStore(), Options{})
	err := eng.Execute(context.Background())
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StepError", err)
	}
	if eng.State().Status != StatusError {
		t.Errorf("Status = %q, want error", eng.State().Status)
	}
}

func TestBuildManifest(t *testing.T) {
	def := testDef("flows/m.yaml", workflow.Step{Index: 1, Body: `<action>x</action>`})
	eng := New(def, nil, newMemStore(), Options{})
	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	m := eng.BuildManifest()
	if m.WorkflowID != "flows/m.yaml" || m.Status != StatusCompleted || m.Steps.Executed != 1 {
		t.Errorf("manifest = %+v", m)
	}
}
