package engine

import (
	"context"

	"github.com/pesio-ai/orchestrator/internal/apierr"
	"github.com/pesio-ai/orchestrator/internal/clock"
	"github.com/pesio-ai/orchestrator/internal/store"
)

// RunResult is what StartRun hands back to the /task/run handler.
type RunResult struct {
	Task        *store.Task
	AlreadyRun  bool // true when an idempotency key hit, no new pass started
}

// StartRun performs the READY -> RUNNING transition and idempotency
// bookkeeping as one atomic, locked mutation (spec.md §5 "Idempotency").
// actorID/actorRole are authorization-checked by the caller before this is
// invoked; StartRun only enforces task existence and state.
func (e *Engine) StartRun(ctx context.Context, taskID, idempotencyKey, actorID, actorRole string) (*RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[taskID]
	if !ok {
		return nil, apierr.TaskNotFound(taskID)
	}

	if idempotencyKey != "" {
		key := store.IdempotencyKey{TaskID: taskID, Key: idempotencyKey}
		if _, hit := e.idempotency[key]; hit {
			return &RunResult{Task: task.Clone(), AlreadyRun: true}, nil
		}
	}

	if task.Status != store.StatusReady {
		return nil, apierr.InvalidTaskState("task is not READY: " + string(task.Status))
	}

	task.StartedAt = clock.Now()
	if err := e.transitionLocked(ctx, task, store.StatusRunning, transitionOpts{NextAction: "wait_for_completion"}); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if err := e.backend.SaveIdempotency(ctx, taskID, idempotencyKey, taskID); err != nil {
			return nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist idempotency record")
		}
		e.idempotency[store.IdempotencyKey{TaskID: taskID, Key: idempotencyKey}] = taskID
	}

	if _, err := e.appendEventLocked(ctx, taskID, "RUN_REQUESTED", map[string]interface{}{
		"actor_id":   actorID,
		"actor_role": actorRole,
	}); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist event")
	}

	return &RunResult{Task: task.Clone()}, nil
}

// transitionOpts carries the optional fields a status transition may set,
// mirroring the reference Python's _set_status kwargs.
type transitionOpts struct {
	ReasonCode      string
	LastError       string
	NextAction      string
	ApprovalQueueID string
	FinalReason     string
	ClearApproval   bool // clears ApprovalQueueID/ApprovalReason
}

// transitionLocked mutates task's status in place, persists it, and emits
// STATUS_CHANGED. Callers must already hold e.mu. It never repeats the
// current status (spec.md §3 "no edge repeats the same status") — that
// invariant is enforced by every caller only invoking this along a valid
// §4.5 edge.
func (e *Engine) transitionLocked(ctx context.Context, task *store.Task, to store.TaskStatus, opts transitionOpts) error {
	from := task.Status
	task.Status = to
	task.UpdatedAt = clock.Now()

	if opts.ReasonCode != "" {
		task.ApprovalReason = opts.ReasonCode
	}
	if opts.LastError != "" {
		task.LastError = opts.LastError
	}
	if opts.NextAction != "" {
		task.NextAction = opts.NextAction
	}
	if opts.ApprovalQueueID != "" {
		task.ApprovalQueueID = opts.ApprovalQueueID
	}
	if opts.FinalReason != "" {
		task.FinalReason = opts.FinalReason
	}
	if opts.ClearApproval {
		task.ApprovalQueueID = ""
		task.ApprovalReason = ""
	}

	if err := e.backend.SaveTask(ctx, task); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist task")
	}

	fields := map[string]interface{}{
		"from_status": string(from),
		"to_status":   string(to),
	}
	if opts.ReasonCode != "" {
		fields["reason_code"] = opts.ReasonCode
	} else {
		fields["reason_code"] = nil
	}
	if _, err := e.appendEventLocked(ctx, task.TaskID, "STATUS_CHANGED", fields); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist event")
	}
	return nil
}

// setStageLocked sets current_stage and emits STAGE_CHANGED. Callers must
// already hold e.mu.
func (e *Engine) setStageLocked(ctx context.Context, task *store.Task, stage string) error {
	task.CurrentStage = stage
	task.UpdatedAt = clock.Now()
	if err := e.backend.SaveTask(ctx, task); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist task")
	}
	if _, err := e.appendEventLocked(ctx, task.TaskID, "STAGE_CHANGED", map[string]interface{}{"stage": stage}); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist event")
	}
	return nil
}
