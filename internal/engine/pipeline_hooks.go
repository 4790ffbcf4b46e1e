package engine

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/orchestrator/internal/apierr"
	"github.com/pesio-ai/orchestrator/internal/clock"
	"github.com/pesio-ai/orchestrator/internal/idgen"
	"github.com/pesio-ai/orchestrator/internal/store"
)

// BeginRunPass enters the "planner" stage for one pipeline pass. Returns
// runnable=false (no error) when the task has vanished or is no longer
// RUNNING — the pipeline worker should simply stop, matching the reference
// _execute_once's "already handled, nothing to do" short-circuit.
func (e *Engine) BeginRunPass(ctx context.Context, taskID string) (task *store.Task, runnable bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return nil, false, nil
	}
	if t.Status != store.StatusRunning {
		return t.Clone(), false, nil
	}
	if err := e.setStageLocked(ctx, t, "planner"); err != nil {
		return nil, false, err
	}
	return t.Clone(), true, nil
}

// EnterExecutorStage sets current_stage to "executor" and returns the task
// (including ApprovedReasons, needed for the policy check) so the caller
// can run the policy detector without holding the lock.
func (e *Engine) EnterExecutorStage(ctx context.Context, taskID string) (*store.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return nil, apierr.TaskNotFound(taskID)
	}
	if err := e.setStageLocked(ctx, t, "executor"); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// EnterReviewStage sets current_stage to "reviewer".
func (e *Engine) EnterReviewStage(ctx context.Context, taskID string) (*store.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return nil, apierr.TaskNotFound(taskID)
	}
	if err := e.setStageLocked(ctx, t, "reviewer"); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// BlockOnPolicy records the policy block and transitions the task to
// NEEDS_HUMAN_APPROVAL, ending the current pipeline pass (spec.md §4.5
// stage 2 "executor").
func (e *Engine) BlockOnPolicy(ctx context.Context, taskID, reasonCode, approverGroup string) (*store.Approval, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return nil, apierr.TaskNotFound(taskID)
	}

	if _, err := e.appendEventLocked(ctx, taskID, "BLOCKED_POLICY", map[string]interface{}{"reason_code": reasonCode}); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist event")
	}

	approval, err := e.createApprovalLocked(ctx, t, reasonCode, approverGroup)
	if err != nil {
		return nil, err
	}

	if err := e.transitionLocked(ctx, t, store.StatusNeedsHumanApproval, transitionOpts{
		ReasonCode:      reasonCode,
		NextAction:      "approve_or_reject",
		ApprovalQueueID: approval.QueueID,
	}); err != nil {
		return nil, err
	}

	cp := *approval
	return &cp, nil
}

// CompleteTask enters the "reporter" stage, records the artifact location,
// and transitions the task to DONE (spec.md §4.5 stage 5 "reporter"). The
// artifact itself must already be written to reportPath before this call —
// this method never touches the filesystem, preserving "never hold the
// store lock across ... persistence of the artifact" (spec.md §5).
func (e *Engine) CompleteTask(ctx context.Context, taskID, reportPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return apierr.TaskNotFound(taskID)
	}
	if err := e.setStageLocked(ctx, t, "reporter"); err != nil {
		return err
	}
	t.Result = &store.Result{ReportPath: reportPath}
	t.CompletedAt = clock.Now()
	return e.transitionLocked(ctx, t, store.StatusDone, transitionOpts{NextAction: "none"})
}

// FailStage records a stage exception. While retries remain it cycles
// FAILED_RETRYABLE -> RUNNING and returns escalated=false so the caller
// loops for another pass. Once the retry budget is exhausted it escalates
// to NEEDS_HUMAN_APPROVAL with reason_code "retry_exhausted" and returns
// escalated=true, ending the pipeline run (spec.md §4.5 "Retry loop").
func (e *Engine) FailStage(ctx context.Context, taskID string, stageErr error, approverGroup string) (escalated bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return false, nil
	}

	if t.RetryCount < e.maxRetry {
		t.RetryCount++
		if err := e.transitionLocked(ctx, t, store.StatusFailedRetryable, transitionOpts{
			LastError:  stageErr.Error(),
			NextAction: "retrying",
		}); err != nil {
			return false, err
		}
		if _, err := e.appendEventLocked(ctx, taskID, "RETRY_STARTED", map[string]interface{}{"retry_count": t.RetryCount}); err != nil {
			return false, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist event")
		}
		if err := e.transitionLocked(ctx, t, store.StatusRunning, transitionOpts{NextAction: "wait_for_completion"}); err != nil {
			return false, err
		}
		return false, nil
	}

	approval, err := e.createApprovalLocked(ctx, t, "retry_exhausted", approverGroup)
	if err != nil {
		return false, err
	}
	if err := e.transitionLocked(ctx, t, store.StatusNeedsHumanApproval, transitionOpts{
		ReasonCode:      "retry_exhausted",
		LastError:       stageErr.Error(),
		NextAction:      "approve_or_reject",
		ApprovalQueueID: approval.QueueID,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// createApprovalLocked builds, persists and indexes a new PENDING approval
// item, emitting APPROVAL_REQUESTED. Callers must already hold e.mu.
func (e *Engine) createApprovalLocked(ctx context.Context, task *store.Task, reasonCode, approverGroup string) (*store.Approval, error) {
	approval := &store.Approval{
		QueueID:       idgen.ApprovalID(),
		TaskID:        task.TaskID,
		RequestID:     idgen.RequestID(),
		ReasonCode:    reasonCode,
		ReasonMessage: "approval required: " + reasonCode,
		RequestedBy:   task.RequestedBy,
		ApproverGroup: approverGroup,
		Status:        store.ApprovalPending,
		CreatedAt:     clock.Now(),
	}
	if e.approvalTTL > 0 {
		approval.ExpiresAt = clock.NowTime().Add(e.approvalTTL).Format(time.RFC3339)
	}
	if err := e.backend.SaveApproval(ctx, approval); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist approval")
	}
	e.approvals[approval.QueueID] = approval
	if _, err := e.appendEventLocked(ctx, task.TaskID, "APPROVAL_REQUESTED", map[string]interface{}{
		"queue_id":    approval.QueueID,
		"reason_code": reasonCode,
	}); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist event")
	}
	return approval, nil
}

// ApproveQueueItem resolves a PENDING approval item to APPROVED, records
// the approval action, adds the reason code to the task's cleared set, and
// re-dispatches the task to RUNNING (spec.md §4.3 "Approve").
func (e *Engine) ApproveQueueItem(ctx context.Context, queueID, actedBy, actorRole, comment string) (*store.Approval, *store.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	approval, ok := e.approvals[queueID]
	if !ok {
		return nil, nil, apierr.ApprovalNotFound(queueID)
	}
	if approval.Status != store.ApprovalPending {
		return nil, nil, apierr.InvalidApprovalState("approval item is not PENDING: " + string(approval.Status))
	}

	approval.Status = store.ApprovalApproved
	approval.ResolvedAt = clock.Now()
	if err := e.backend.SaveApproval(ctx, approval); err != nil {
		return nil, nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist approval")
	}

	if err := e.recordActionLocked(ctx, queueID, approval.TaskID, "APPROVE", actedBy, comment); err != nil {
		return nil, nil, err
	}

	t, ok := e.tasks[approval.TaskID]
	if !ok {
		return nil, nil, apierr.TaskNotFound(approval.TaskID)
	}
	t.ApprovedReasons = addReason(t.ApprovedReasons, approval.ReasonCode)
	if err := e.transitionLocked(ctx, t, store.StatusRunning, transitionOpts{NextAction: "wait_for_completion"}); err != nil {
		return nil, nil, err
	}
	if _, err := e.appendEventLocked(ctx, t.TaskID, "HUMAN_APPROVED", map[string]interface{}{
		"queue_id":   queueID,
		"acted_by":   actedBy,
		"actor_role": actorRole,
	}); err != nil {
		return nil, nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist event")
	}

	cp := *approval
	return &cp, t.Clone(), nil
}

// RejectQueueItem resolves a PENDING approval item to REJECTED and
// finalizes the task as DONE with final_reason "rejected_by_human" — no
// artifact is produced (spec.md §4.3 "Reject").
func (e *Engine) RejectQueueItem(ctx context.Context, queueID, actedBy, actorRole, comment string) (*store.Approval, *store.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	approval, ok := e.approvals[queueID]
	if !ok {
		return nil, nil, apierr.ApprovalNotFound(queueID)
	}
	if approval.Status != store.ApprovalPending {
		return nil, nil, apierr.InvalidApprovalState("approval item is not PENDING: " + string(approval.Status))
	}

	approval.Status = store.ApprovalRejected
	approval.ResolvedAt = clock.Now()
	if err := e.backend.SaveApproval(ctx, approval); err != nil {
		return nil, nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist approval")
	}

	if err := e.recordActionLocked(ctx, queueID, approval.TaskID, "REJECT", actedBy, comment); err != nil {
		return nil, nil, err
	}

	t, ok := e.tasks[approval.TaskID]
	if !ok {
		return nil, nil, apierr.TaskNotFound(approval.TaskID)
	}
	t.CompletedAt = clock.Now()
	if err := e.transitionLocked(ctx, t, store.StatusDone, transitionOpts{
		NextAction:  "none",
		FinalReason: "rejected_by_human",
	}); err != nil {
		return nil, nil, err
	}
	if _, err := e.appendEventLocked(ctx, t.TaskID, "HUMAN_REJECTED", map[string]interface{}{
		"queue_id":   queueID,
		"acted_by":   actedBy,
		"actor_role": actorRole,
	}); err != nil {
		return nil, nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist event")
	}

	cp := *approval
	return &cp, t.Clone(), nil
}

func (e *Engine) recordActionLocked(ctx context.Context, queueID, taskID, action, actedBy, comment string) error {
	record := &store.ApprovalAction{
		ActionID:  idgen.ActionID(),
		QueueID:   queueID,
		TaskID:    taskID,
		Action:    action,
		ActedBy:   actedBy,
		Comment:   comment,
		CreatedAt: clock.Now(),
	}
	if err := e.backend.SaveApprovalAction(ctx, record); err != nil {
		return apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist approval action")
	}
	e.approvalActions = append(e.approvalActions, record)
	return nil
}

// addReason returns reasons with code inserted, sorted, de-duplicated —
// approved_reasons grows monotonically (spec.md §3 invariant).
func addReason(reasons []string, code string) []string {
	set := make(map[string]bool, len(reasons)+1)
	for _, r := range reasons {
		set[r] = true
	}
	set[code] = true
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
