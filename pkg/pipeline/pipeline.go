// Package pipeline runs the staged creation flow: validate, upload
// attachments, commit the record and compensate when the commit fails.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"memome/internal/metrics"
	"memome/internal/util"
	"memome/pkg/domain"
	"memome/pkg/staging"
)

type State string

const (
	StateValidating State = "validating"
	StateStaging    State = "staging"
	StateCommitting State = "committing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Stager is the attachment stage of the pipeline.
type Stager interface {
	Stage(ctx context.Context, files []staging.RawFile, scope staging.Scope, limits staging.Limits) (staging.Result, error)
	Discard(ctx context.Context, keys []string, reason string) error
}

// Trace records the states a run passes through.
type Trace struct {
	mu     sync.Mutex
	states []State
	reason error
}

func (t *Trace) enter(s State) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.states = append(t.states, s)
	t.mu.Unlock()
}

func (t *Trace) fail(err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.states = append(t.states, StateFailed)
	t.reason = err
	t.mu.Unlock()
}

// States returns a copy of the visited states in order.
func (t *Trace) States() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.states...)
}

// Final returns the last state reached.
func (t *Trace) Final() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.states) == 0 {
		return ""
	}
	return t.states[len(t.states)-1]
}

// Reason returns the error that moved the run to StateFailed.
func (t *Trace) Reason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Plan describes one creation run. Validate and Commit are required.
type Plan[R any] struct {
	Name     string
	Validate func(ctx context.Context) error
	Files    []staging.RawFile
	Scope    staging.Scope
	Limits   staging.Limits
	// Commit persists the record referencing the staged attachments.
	Commit func(ctx context.Context, attachments []domain.Attachment) (R, error)
	Trace  *Trace
}

// Run executes plan. Whatever the outcome, no blob staged by the run is left
// behind unless its record was committed.
func Run[R any](ctx context.Context, stager Stager, plan Plan[R]) (R, error) {
	var zero R
	logger := util.LoggerFromContext(ctx).With("pipeline", plan.Name)
	if plan.Commit == nil {
		return zero, errors.New("pipeline plan has no commit step")
	}

	plan.Trace.enter(StateValidating)
	if plan.Validate != nil {
		if err := plan.Validate(ctx); err != nil {
			plan.Trace.fail(err)
			metrics.PipelineRun(plan.Name, metrics.OutcomeValidationError)
			logger.Info("pipeline rejected", "err", err)
			return zero, err
		}
	}

	plan.Trace.enter(StateStaging)
	staged, err := stager.Stage(ctx, plan.Files, plan.Scope, plan.Limits)
	if err != nil {
		plan.Trace.fail(err)
		metrics.PipelineRun(plan.Name, metrics.OutcomeStagingError)
		logger.Warn("pipeline staging failed", "failed_at", staged.FailedAt, "err", err)
		return zero, err
	}

	plan.Trace.enter(StateCommitting)
	record, err := plan.Commit(ctx, staged.Attachments)
	if err != nil {
		cleanup := stager.Discard(ctx, domain.Keys(staged.Attachments), metrics.ReasonCommitRollback)
		commitErr := &CommitError{Cause: err, Cleanup: cleanup}
		plan.Trace.fail(commitErr)
		metrics.PipelineRun(plan.Name, metrics.OutcomeCommitError)
		logger.Error("pipeline commit failed", "attachments", len(staged.Attachments), "err", err, "cleanup_err", cleanup)
		return zero, commitErr
	}

	plan.Trace.enter(StateDone)
	metrics.PipelineRun(plan.Name, metrics.OutcomeDone)
	logger.Info("pipeline done", "attachments", len(staged.Attachments))
	return record, nil
}
