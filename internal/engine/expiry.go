package engine

import (
	"context"

	"github.com/pesio-ai/orchestrator/internal/apierr"
	"github.com/pesio-ai/orchestrator/internal/clock"
	"github.com/pesio-ai/orchestrator/internal/store"
)

// SweepExpiredApprovals marks every PENDING approval item whose expires_at
// has passed as EXPIRED and emits APPROVAL_EXPIRED. It returns the number of
// items swept. This is the Open Question resolution SPEC_FULL.md §9
// documents: implemented, gated off by default via
// approvals.expiry_sweep_enabled. An expired item simply stops being
// actionable — ApproveQueueItem/RejectQueueItem already reject any item
// whose status is not PENDING — the owning task is left in
// NEEDS_HUMAN_APPROVAL for an operator to resubmit or otherwise resolve.
func (e *Engine) SweepExpiredApprovals(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := clock.NowTime()
	swept := 0
	for _, a := range e.approvals {
		if a.Status != store.ApprovalPending || a.ExpiresAt == "" {
			continue
		}
		expiresAt, err := clock.Parse(a.ExpiresAt)
		if err != nil || now.Before(expiresAt) {
			continue
		}
		a.Status = store.ApprovalExpired
		a.ResolvedAt = clock.Now()
		if err := e.backend.SaveApproval(ctx, a); err != nil {
			return swept, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist approval")
		}
		if _, err := e.appendEventLocked(ctx, a.TaskID, "APPROVAL_EXPIRED", map[string]interface{}{"queue_id": a.QueueID}); err != nil {
			return swept, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist event")
		}
		swept++
	}
	return swept, nil
}
