package store

import "context"

// Snapshot is the full in-memory reconstruction produced by LoadState, with
// events and approval actions already in non-decreasing created_at order
// (spec.md §4.1 "Ordering guarantee").
type Snapshot struct {
	Tasks           map[string]*Task
	Events          []*Event
	Approvals       map[string]*Approval
	ApprovalActions []*ApprovalAction
	Idempotency     map[IdempotencyKey]string
}

// Backend is the single capability set the Pipeline Executor, Approval
// Queue and HTTP handlers are written against. Two implementations
// (sqlitebackend, pgbackend) satisfy it over the same five-table schema
// (spec.md §4.1).
type Backend interface {
	// LoadState reconstructs the full in-memory snapshot on startup.
	LoadState(ctx context.Context) (*Snapshot, error)

	// SaveTask upserts a task by task_id.
	SaveTask(ctx context.Context, task *Task) error

	// SaveEvent inserts an event by event_id. Idempotent overwrite allowed.
	SaveEvent(ctx context.Context, event *Event) error

	// SaveApproval upserts an approval by queue_id.
	SaveApproval(ctx context.Context, approval *Approval) error

	// SaveApprovalAction inserts an action by action_id. Idempotent
	// overwrite allowed.
	SaveApprovalAction(ctx context.Context, action *ApprovalAction) error

	// SaveIdempotency upserts the (task_id, key) -> task_ref mapping.
	SaveIdempotency(ctx context.Context, taskID, key, taskRef string) error

	// Close releases any underlying connection resources.
	Close() error
}
