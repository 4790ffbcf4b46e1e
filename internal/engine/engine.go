// Package engine owns all mutable orchestrator state — the "owned
// subsystem" spec.md §9 calls for in place of module-level globals — and
// the single store lock guarding it. HTTP handlers and pipeline workers are
// both given an *Engine explicitly; neither holds any state of its own.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/orchestrator/internal/apierr"
	"github.com/pesio-ai/orchestrator/internal/clock"
	"github.com/pesio-ai/orchestrator/internal/eventlog"
	"github.com/pesio-ai/orchestrator/internal/idgen"
	"github.com/pesio-ai/orchestrator/internal/store"
	"github.com/pesio-ai/orchestrator/internal/template"
)

// Engine is the single owned subsystem holding every in-memory task,
// event, approval, approval action, and idempotency record, plus the
// store lock (spec.md §5 "the store lock") guarding all of it.
type Engine struct {
	mu sync.Mutex

	backend   store.Backend
	events    *eventlog.Log
	templates *template.Registry

	tasks           map[string]*store.Task
	allEvents       []*store.Event
	approvals       map[string]*store.Approval
	approvalActions []*store.ApprovalAction
	idempotency     map[store.IdempotencyKey]string

	maxRetry             int
	defaultApproverGroup string
	approvalTTL          time.Duration
}

// New constructs an Engine. Call LoadState before serving traffic.
// approvalTTL is the lifetime stamped onto new approval items as
// expires_at; zero disables expiry (items never become sweepable).
func New(backend store.Backend, events *eventlog.Log, templates *template.Registry, maxRetry int, defaultApproverGroup string, approvalTTL time.Duration) *Engine {
	return &Engine{
		backend:              backend,
		events:               events,
		templates:            templates,
		tasks:                make(map[string]*store.Task),
		approvals:            make(map[string]*store.Approval),
		idempotency:          make(map[store.IdempotencyKey]string),
		maxRetry:             maxRetry,
		defaultApproverGroup: defaultApproverGroup,
		approvalTTL:          approvalTTL,
	}
}

// LoadState reconstructs in-memory state from the backend (spec.md §4.1
// "a snapshot load on startup that reconstructs in-memory state").
func (e *Engine) LoadState(ctx context.Context) error {
	snap, err := e.backend.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = snap.Tasks
	if e.tasks == nil {
		e.tasks = make(map[string]*store.Task)
	}
	e.allEvents = snap.Events
	e.approvals = snap.Approvals
	if e.approvals == nil {
		e.approvals = make(map[string]*store.Approval)
	}
	e.approvalActions = snap.ApprovalActions
	e.idempotency = snap.Idempotency
	if e.idempotency == nil {
		e.idempotency = make(map[store.IdempotencyKey]string)
	}
	return nil
}

// CreateTaskParams are the validated inputs to CreateTask.
type CreateTaskParams struct {
	Title        string
	TemplateType string
	Input        map[string]interface{}
	RequestedBy  string
	ActorID      string
	ActorRole    string
}

// CreateTask validates the template type and its required input fields,
// then persists a new READY task and its TASK_CREATED event under the
// store lock (spec.md §3 "input ... validated on create").
func (e *Engine) CreateTask(ctx context.Context, p CreateTaskParams) (*store.Task, error) {
	tmpl, ok := e.templates.Lookup(p.TemplateType)
	if !ok {
		return nil, apierr.InvalidRequest(fmt.Sprintf("unsupported template_type: %s", p.TemplateType))
	}
	var missing []string
	for _, field := range tmpl.RequiredFields {
		v, present := p.Input[field]
		if !present || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, apierr.InvalidRequest(fmt.Sprintf("missing required input fields: %s", joinComma(missing)))
	}

	now := clock.Now()
	task := &store.Task{
		TaskID:          idgen.TaskID(),
		Title:           p.Title,
		TemplateType:    p.TemplateType,
		Input:           p.Input,
		RequestedBy:     p.RequestedBy,
		Status:          store.StatusReady,
		NextAction:      "run_task",
		ApprovedReasons: []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.backend.SaveTask(ctx, task); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist task")
	}
	if _, err := e.appendEventLocked(ctx, task.TaskID, "TASK_CREATED", map[string]interface{}{
		"actor_id":     p.ActorID,
		"actor_role":   p.ActorRole,
		"requested_by": p.RequestedBy,
	}); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInternal, 500, "failed to persist event")
	}
	e.tasks[task.TaskID] = task

	return task.Clone(), nil
}

// GetTask returns a clone of the task, or (nil, false) if unknown.
func (e *Engine) GetTask(taskID string) (*store.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// EventsForTask returns every event recorded for taskID, in creation order.
func (e *Engine) EventsForTask(taskID string) []*store.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*store.Event
	for _, evt := range e.allEvents {
		if evt.TaskID == taskID {
			out = append(out, evt)
		}
	}
	return out
}

// appendEventLocked persists an event and appends it to the in-memory log.
// Callers must already hold e.mu.
func (e *Engine) appendEventLocked(ctx context.Context, taskID, eventType string, fields map[string]interface{}) (*store.Event, error) {
	evt, err := e.events.Append(ctx, taskID, eventType, fields)
	if err != nil {
		return nil, err
	}
	e.allEvents = append(e.allEvents, evt)
	return evt, nil
}

// AuditSummary returns the aggregate counts spec.md §8 "Audit summary
// shape" specifies.
type AuditSummary struct {
	TotalEvents         int `json:"total_events"`
	BlockedPolicyEvents int `json:"blocked_policy_events"`
	PolicyBypassEvents  int `json:"policy_bypass_events"`
	ApprovalsPending    int `json:"approvals_pending"`
	ApprovalsResolved   int `json:"approvals_resolved"`
}

func (e *Engine) AuditSummary() AuditSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	summary := AuditSummary{TotalEvents: len(e.allEvents)}
	for _, evt := range e.allEvents {
		if evt.EventType == "BLOCKED_POLICY" {
			summary.BlockedPolicyEvents++
		}
	}
	for _, a := range e.approvals {
		switch a.Status {
		case store.ApprovalPending:
			summary.ApprovalsPending++
		case store.ApprovalApproved, store.ApprovalRejected:
			summary.ApprovalsResolved++
		}
	}
	return summary
}

// ListApprovals returns approval items optionally filtered by status and
// approver group (spec.md §4.3 "Listing"). Ordering is stable within a
// call but otherwise unspecified, matching the spec.
func (e *Engine) ListApprovals(status, approverGroup string) []*store.Approval {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*store.Approval, 0, len(e.approvals))
	for _, a := range e.approvals {
		if status != "" && string(a.Status) != status {
			continue
		}
		if approverGroup != "" && a.ApproverGroup != approverGroup {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueID < out[j].QueueID })
	return out
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}
