package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/substratumlabs/conduct/pkg/cond"
	"github.com/substratumlabs/conduct/pkg/prompt"
	"github.com/substratumlabs/conduct/pkg/vars"
	"github.com/substratumlabs/conduct/pkg/workflow"
)

// invokeFunc runs a nested workflow or task to completion. Supplied by
// the owning engine so the executor stays free of engine construction.
type invokeFunc func(ctx context.Context, kind workflow.ActionKind, ref string, scope vars.Scope) error

// StepExecutor runs one step at a time: it evaluates the step guard,
// parses and dispatches the step's actions, then processes its checks.
type StepExecutor struct {
	resolver   *vars.Resolver
	evaluator  *cond.Evaluator
	parser     *workflow.Parser
	prompter   prompt.Prompter
	log        *slog.Logger
	autonomous bool
	invoke     invokeFunc
}

// StepOutcome reports what a step execution did.
type StepOutcome struct {
	Skipped bool           // step guard evaluated false
	Goto    *int           // set when a goto action fired; execution jumps there
	Actions []ActionRecord // effects in dispatch order
}

// ActionRecord is one dispatched (or skipped) action, exposed to the
// caller as the step's described effects.
type ActionRecord struct {
	Kind     workflow.ActionKind `json:"kind"`
	Content  string              `json:"content"`
	Response string              `json:"response,omitempty"`
	Skipped  bool                `json:"skipped,omitempty"`
}

// ExecuteStep runs a single step against the scope. The scope is the
// run's accumulated variable bindings; action side effects recorded in
// the outcome (goto targets, responses) are applied by the caller.
func (x *StepExecutor) ExecuteStep(ctx context.Context, step *workflow.Step, scope vars.Scope) (*StepOutcome, error) {
	outcome := &StepOutcome{}

	if step.Guard != "" {
		ok, err := x.evaluator.Evaluate(step.Guard, scope)
		if err != nil {
			return nil, &StepError{StepIndex: step.Index, Detail: fmt.Sprintf("guard %q", step.Guard), Err: err, Hint: "fix the guard condition or define the missing variable"}
		}
		if !ok {
			x.log.Info("step skipped", "step", step.Index, "guard", step.Guard)
			outcome.Skipped = true
			return outcome, nil
		}
	}

	actions, checks, err := x.parser.Parse(step)
	if err != nil {
		return nil, err
	}

	if err := x.runActions(ctx, step, actions, scope, outcome); err != nil {
		return nil, err
	}
	if outcome.Goto != nil {
		return outcome, nil
	}

	for _, check := range checks {
		ok, err := x.evaluator.Evaluate(check.If, scope)
		if err != nil {
			return nil, &StepError{StepIndex: step.Index, Detail: fmt.Sprintf("check %q", check.If), Err: err, Hint: "fix the check condition or define the missing variable"}
		}
		if !ok {
			continue
		}
		if err := x.runActions(ctx, step, check.Actions, scope, outcome); err != nil {
			return nil, err
		}
		if outcome.Goto != nil {
			return outcome, nil
		}
	}
	return outcome, nil
}

// runActions dispatches actions in declared order. A goto short-circuits
// the rest of the step: everything after the jump belongs to the target.
func (x *StepExecutor) runActions(ctx context.Context, step *workflow.Step, actions []workflow.Action, scope vars.Scope, outcome *StepOutcome) error {
	for _, action := range actions {
		if action.If != "" {
			ok, err := x.evaluator.Evaluate(action.If, scope)
			if err != nil {
				return &StepError{StepIndex: step.Index, Detail: fmt.Sprintf("action guard %q", action.If), Err: err, Hint: "fix the action guard or define the missing variable"}
			}
			if !ok {
				outcome.Actions = append(outcome.Actions, ActionRecord{Kind: action.Kind, Content: action.Content, Skipped: true})
				continue
			}
		}
		if err := x.dispatch(ctx, step, action, scope, outcome); err != nil {
			return err
		}
		if outcome.Goto != nil {
			return nil
		}
	}
	return nil
}

// dispatch resolves the action's content and performs it by kind. The
// switch is exhaustive over ActionKind; an unknown kind is an error.
func (x *StepExecutor) dispatch(ctx context.Context, step *workflow.Step, action workflow.Action, scope vars.Scope, outcome *StepOutcome) error {
	content, err := x.resolver.Resolve(action.Content, scope)
	if err != nil {
		return &StepError{StepIndex: step.Index, Detail: fmt.Sprintf("resolve %s content", action.Kind), Err: err, Hint: "define the variable in an earlier step or add a |default"}
	}

	record := ActionRecord{Kind: action.Kind, Content: content}
	switch action.Kind {
	case workflow.KindAction:
		x.log.Info("action", "step", step.Index, "content", content)

	case workflow.KindAsk:
		if x.autonomous {
			x.log.Info("ask skipped in autonomous mode", "step", step.Index, "prompt", content)
			record.Skipped = true
			break
		}
		response, err := x.prompter.Ask(ctx, content)
		if err != nil {
			return &StepError{StepIndex: step.Index, Detail: "ask action", Err: err, Hint: "re-run and answer the prompt, or use autonomous mode"}
		}
		record.Response = response

	case workflow.KindOutput:
		if x.autonomous {
			x.log.Info("output auto-approved in autonomous mode", "step", step.Index)
			record.Response = "auto-approved"
			break
		}
		approved, err := x.prompter.Approve(ctx, content)
		if err != nil {
			return &StepError{StepIndex: step.Index, Detail: "output approval", Err: err, Hint: "re-run and answer the approval prompt"}
		}
		if !approved {
			return &StepError{StepIndex: step.Index, Detail: "output rejected by operator", Hint: "revise the generated artifact and re-run from this step"}
		}
		record.Response = "approved"

	case workflow.KindGoto:
		target := action.Target
		outcome.Goto = &target
		x.log.Info("goto", "step", step.Index, "target", target)

	case workflow.KindInvokeWorkflow, workflow.KindInvokeTask:
		x.log.Info("invoke", "step", step.Index, "kind", action.Kind.String(), "ref", content)
		if err := x.invoke(ctx, action.Kind, content, scope); err != nil {
			return &NestedInvocationError{StepIndex: step.Index, Ref: content, Err: err}
		}

	default:
		return &StepError{StepIndex: step.Index, Detail: fmt.Sprintf("unhandled action kind %s", action.Kind), Hint: "the definition uses an action this engine version does not know"}
	}

	outcome.Actions = append(outcome.Actions, record)
	return nil
}
