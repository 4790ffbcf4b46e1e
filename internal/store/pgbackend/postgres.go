// Package pgbackend is the networked State Store backend: a DSN-configured
// Postgres connection pool, expecting the companion migration (schema.sql)
// to have already been applied (spec.md §6 "The networked backend uses a
// DSN-configured connection and expects the same schema to be present").
// Grounded on the teacher's direct pgx.Tx / QueryRow usage in
// internal/repository/approval_workflow_repository.go.
package pgbackend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/orchestrator/internal/store"
)

// Backend is the Postgres-backed store.Backend implementation.
type Backend struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func (b *Backend) LoadState(ctx context.Context) (*store.Snapshot, error) {
	snap := &store.Snapshot{
		Tasks:       make(map[string]*store.Task),
		Approvals:   make(map[string]*store.Approval),
		Idempotency: make(map[store.IdempotencyKey]string),
	}

	if err := b.loadTasks(ctx, snap); err != nil {
		return nil, err
	}
	if err := b.loadEvents(ctx, snap); err != nil {
		return nil, err
	}
	if err := b.loadApprovals(ctx, snap); err != nil {
		return nil, err
	}
	if err := b.loadApprovalActions(ctx, snap); err != nil {
		return nil, err
	}
	if err := b.loadIdempotency(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *Backend) loadTasks(ctx context.Context, snap *store.Snapshot) error {
	rows, err := b.pool.Query(ctx, `SELECT payload FROM tasks`)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		var t store.Task
		if err := json.Unmarshal(payload, &t); err != nil {
			return err
		}
		snap.Tasks[t.TaskID] = &t
	}
	return rows.Err()
}

func (b *Backend) loadEvents(ctx context.Context, snap *store.Snapshot) error {
	rows, err := b.pool.Query(ctx, `SELECT payload FROM events ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		var e store.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		snap.Events = append(snap.Events, &e)
	}
	return rows.Err()
}

func (b *Backend) loadApprovals(ctx context.Context, snap *store.Snapshot) error {
	rows, err := b.pool.Query(ctx, `SELECT payload FROM approvals`)
	if err != nil {
		return fmt.Errorf("load approvals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		var a store.Approval
		if err := json.Unmarshal(payload, &a); err != nil {
			return err
		}
		snap.Approvals[a.QueueID] = &a
	}
	return rows.Err()
}

func (b *Backend) loadApprovalActions(ctx context.Context, snap *store.Snapshot) error {
	rows, err := b.pool.Query(ctx, `SELECT payload FROM approval_actions ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("load approval actions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		var a store.ApprovalAction
		if err := json.Unmarshal(payload, &a); err != nil {
			return err
		}
		snap.ApprovalActions = append(snap.ApprovalActions, &a)
	}
	return rows.Err()
}

func (b *Backend) loadIdempotency(ctx context.Context, snap *store.Snapshot) error {
	rows, err := b.pool.Query(ctx, `SELECT task_id, idem_key, task_ref FROM run_idempotency`)
	if err != nil {
		return fmt.Errorf("load idempotency: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, key, ref string
		if err := rows.Scan(&taskID, &key, &ref); err != nil {
			return err
		}
		snap.Idempotency[store.IdempotencyKey{TaskID: taskID, Key: key}] = ref
	}
	return rows.Err()
}

func (b *Backend) SaveTask(ctx context.Context, task *store.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO tasks(task_id, status, requested_by, updated_at, payload)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT(task_id) DO UPDATE SET
			status=excluded.status,
			requested_by=excluded.requested_by,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, task.TaskID, string(task.Status), task.RequestedBy, task.UpdatedAt, payload)
	return err
}

func (b *Backend) SaveEvent(ctx context.Context, event *store.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO events(event_id, task_id, event_type, created_at, payload)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT(event_id) DO UPDATE SET payload=excluded.payload
	`, event.EventID, event.TaskID, event.EventType, event.CreatedAt, payload)
	return err
}

func (b *Backend) SaveApproval(ctx context.Context, approval *store.Approval) error {
	payload, err := json.Marshal(approval)
	if err != nil {
		return err
	}
	updatedAt := approval.ResolvedAt
	if updatedAt == "" {
		updatedAt = approval.CreatedAt
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO approvals(queue_id, task_id, status, approver_group, updated_at, payload)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT(queue_id) DO UPDATE SET
			task_id=excluded.task_id,
			status=excluded.status,
			approver_group=excluded.approver_group,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, approval.QueueID, approval.TaskID, string(approval.Status), approval.ApproverGroup, updatedAt, payload)
	return err
}

func (b *Backend) SaveApprovalAction(ctx context.Context, action *store.ApprovalAction) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO approval_actions(action_id, queue_id, task_id, action, created_at, payload)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT(action_id) DO UPDATE SET payload=excluded.payload
	`, action.ActionID, action.QueueID, action.TaskID, action.Action, action.CreatedAt, payload)
	return err
}

func (b *Backend) SaveIdempotency(ctx context.Context, taskID, key, taskRef string) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO run_idempotency(task_id, idem_key, task_ref)
		VALUES($1,$2,$3)
		ON CONFLICT(task_id, idem_key) DO UPDATE SET task_ref=excluded.task_ref
	`, taskID, key, taskRef)
	return err
}

var _ store.Backend = (*Backend)(nil)

// Migration is the companion SQL migration expected by spec.md §6 ("supplied
// by a companion migration step"). Exposed so a migration tool (e.g.
// pressly/goose, as seen elsewhere in the corpus) or a manual psql run can
// apply it; it is intentionally not auto-applied by this backend.
const Migration = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	requested_by TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS approvals (
	queue_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	approver_group TEXT,
	updated_at TEXT NOT NULL,
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_actions (
	action_id TEXT PRIMARY KEY,
	queue_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	action TEXT NOT NULL,
	created_at TEXT NOT NULL,
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS run_idempotency (
	task_id TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	task_ref TEXT NOT NULL,
	PRIMARY KEY (task_id, idem_key)
);
`
