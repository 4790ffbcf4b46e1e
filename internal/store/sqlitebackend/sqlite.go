// Package sqlitebackend is the embedded State Store backend: a single
// file-backed SQLite database, created (with its parent directory) on
// first use, per spec.md §6 "The embedded backend creates the database
// file and its parent directory on first use."
package sqlitebackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pesio-ai/orchestrator/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	requested_by TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS approvals (
	queue_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	approver_group TEXT,
	updated_at TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_actions (
	action_id TEXT PRIMARY KEY,
	queue_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	action TEXT NOT NULL,
	created_at TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_idempotency (
	task_id TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	task_ref TEXT NOT NULL,
	PRIMARY KEY (task_id, idem_key)
);
`

// Backend is the sqlite-backed store.Backend implementation.
type Backend struct {
	db *sql.DB
}

// Open creates the parent directory for dbPath if needed, opens the
// database, and applies the schema.
func Open(dbPath string) (*Backend, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite parent dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite tolerates exactly one writer; serialize all access through a
	// single connection so concurrent pipeline workers never hit
	// "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) LoadState(ctx context.Context) (*store.Snapshot, error) {
	snap := &store.Snapshot{
		Tasks:       make(map[string]*store.Task),
		Approvals:   make(map[string]*store.Approval),
		Idempotency: make(map[store.IdempotencyKey]string),
	}

	taskRows, err := b.db.QueryContext(ctx, `SELECT payload FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var payload string
		if err := taskRows.Scan(&payload); err != nil {
			return nil, err
		}
		var t store.Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, err
		}
		snap.Tasks[t.TaskID] = &t
	}
	if err := taskRows.Err(); err != nil {
		return nil, err
	}

	eventRows, err := b.db.QueryContext(ctx, `SELECT payload FROM events ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer eventRows.Close()
	for eventRows.Next() {
		var payload string
		if err := eventRows.Scan(&payload); err != nil {
			return nil, err
		}
		var e store.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, err
		}
		snap.Events = append(snap.Events, &e)
	}
	if err := eventRows.Err(); err != nil {
		return nil, err
	}

	approvalRows, err := b.db.QueryContext(ctx, `SELECT payload FROM approvals`)
	if err != nil {
		return nil, fmt.Errorf("load approvals: %w", err)
	}
	defer approvalRows.Close()
	for approvalRows.Next() {
		var payload string
		if err := approvalRows.Scan(&payload); err != nil {
			return nil, err
		}
		var a store.Approval
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, err
		}
		snap.Approvals[a.QueueID] = &a
	}
	if err := approvalRows.Err(); err != nil {
		return nil, err
	}

	actionRows, err := b.db.QueryContext(ctx, `SELECT payload FROM approval_actions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load approval actions: %w", err)
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var payload string
		if err := actionRows.Scan(&payload); err != nil {
			return nil, err
		}
		var a store.ApprovalAction
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, err
		}
		snap.ApprovalActions = append(snap.ApprovalActions, &a)
	}
	if err := actionRows.Err(); err != nil {
		return nil, err
	}

	idemRows, err := b.db.QueryContext(ctx, `SELECT task_id, idem_key, task_ref FROM run_idempotency`)
	if err != nil {
		return nil, fmt.Errorf("load idempotency: %w", err)
	}
	defer idemRows.Close()
	for idemRows.Next() {
		var taskID, key, ref string
		if err := idemRows.Scan(&taskID, &key, &ref); err != nil {
			return nil, err
		}
		snap.Idempotency[store.IdempotencyKey{TaskID: taskID, Key: key}] = ref
	}
	if err := idemRows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

func (b *Backend) SaveTask(ctx context.Context, task *store.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO tasks(task_id, status, requested_by, updated_at, payload)
		VALUES(?,?,?,?,?)
		ON CONFLICT(task_id) DO UPDATE SET
			status=excluded.status,
			requested_by=excluded.requested_by,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, task.TaskID, string(task.Status), task.RequestedBy, task.UpdatedAt, string(payload))
	return err
}

func (b *Backend) SaveEvent(ctx context.Context, event *store.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO events(event_id, task_id, event_type, created_at, payload)
		VALUES(?,?,?,?,?)
	`, event.EventID, event.TaskID, event.EventType, event.CreatedAt, string(payload))
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
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO approvals(queue_id, task_id, status, approver_group, updated_at, payload)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(queue_id) DO UPDATE SET
			task_id=excluded.task_id,
			status=excluded.status,
			approver_group=excluded.approver_group,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, approval.QueueID, approval.TaskID, string(approval.Status), approval.ApproverGroup, updatedAt, string(payload))
	return err
}

func (b *Backend) SaveApprovalAction(ctx context.Context, action *store.ApprovalAction) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO approval_actions(action_id, queue_id, task_id, action, created_at, payload)
		VALUES(?,?,?,?,?,?)
	`, action.ActionID, action.QueueID, action.TaskID, action.Action, action.CreatedAt, string(payload))
	return err
}

func (b *Backend) SaveIdempotency(ctx context.Context, taskID, key, taskRef string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_idempotency(task_id, idem_key, task_ref)
		VALUES(?,?,?)
	`, taskID, key, taskRef)
	return err
}

var _ store.Backend = (*Backend)(nil)
