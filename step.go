package leadflow

import (
	"context"
	"fmt"
	"runtime/debug"
)

// StepFunc is one step of the workflow graph: a function of the current
// StateDocument (plus an optional resume payload) returning a partial
// update. Suspension is an ordinary return value, not a thrown signal.
type StepFunc func(ctx context.Context, stepCtx StepContext, state StateDocument, resume *ResumeInput) StepResult

// StepContext is what the engine hands a step about its own invocation.
// Audit writes through it are best-effort: a logging failure never fails
// the step.
type StepContext interface {
	ThreadID() string
	StepName() string
	Audit(ctx context.Context, eventType string, actor Actor, payload any)
}

type resultKind uint8

const (
	resultCompleted resultKind = iota
	resultSuspended
	resultFailed
)

// StepResult is the tagged union a step returns:
// Completed(update) | Suspended(prompt, update) | Failed(err).
type StepResult struct {
	kind   resultKind
	update *StateUpdate
	prompt string
	err    error
}

// Completed finishes the step with a partial state update (nil is allowed).
func Completed(update *StateUpdate) StepResult {
	return StepResult{kind: resultCompleted, update: update}
}

// Suspended parks the thread at this step until external input arrives.
// The partial update produced so far is persisted with the checkpoint.
func Suspended(prompt string, update *StateUpdate) StepResult {
	return StepResult{kind: resultSuspended, prompt: prompt, update: update}
}

// Failed reports a side-effect failure. The thread stays at this step.
func Failed(err error) StepResult {
	return StepResult{kind: resultFailed, err: err}
}

// InvalidInput rejects a resume payload whose shape does not match this
// suspension point. Nothing is persisted.
func InvalidInput(action ResumeAction) StepResult {
	return StepResult{kind: resultFailed, err: fmt.Errorf("%w: action %q", ErrInvalidResumeInput, action)}
}

// runStep executes fn converting panics into Failed results, so a buggy
// step cannot take the whole engine down.
func runStep(name string, fn StepFunc, ctx context.Context, stepCtx StepContext, state StateDocument, resume *ResumeInput) (res StepResult) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(fmt.Errorf("panic in step %q: %v\n%s", name, r, debug.Stack()))
		}
	}()

	return fn(ctx, stepCtx, state, resume)
}
