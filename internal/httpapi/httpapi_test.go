package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/orchestrator/internal/authn"
	"github.com/pesio-ai/orchestrator/internal/config"
	"github.com/pesio-ai/orchestrator/internal/engine"
	"github.com/pesio-ai/orchestrator/internal/eventlog"
	"github.com/pesio-ai/orchestrator/internal/pipeline"
	"github.com/pesio-ai/orchestrator/internal/policy"
	"github.com/pesio-ai/orchestrator/internal/store"
	"github.com/pesio-ai/orchestrator/internal/template"
)

// fakeBackend is an in-memory store.Backend stand-in, avoiding any real
// database dependency in these handler tests (same shape as the engine
// package's own fakeBackend).
type fakeBackend struct {
	tasks           map[string]*store.Task
	events          []*store.Event
	approvals       map[string]*store.Approval
	approvalActions []*store.ApprovalAction
	idempotency     map[store.IdempotencyKey]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tasks:       make(map[string]*store.Task),
		approvals:   make(map[string]*store.Approval),
		idempotency: make(map[store.IdempotencyKey]string),
	}
}

func (f *fakeBackend) LoadState(ctx context.Context) (*store.Snapshot, error) {
	return &store.Snapshot{
		Tasks:           f.tasks,
		Events:          f.events,
		Approvals:       f.approvals,
		ApprovalActions: f.approvalActions,
		Idempotency:     f.idempotency,
	}, nil
}

func (f *fakeBackend) SaveTask(ctx context.Context, task *store.Task) error {
	f.tasks[task.TaskID] = task
	return nil
}

func (f *fakeBackend) SaveEvent(ctx context.Context, event *store.Event) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeBackend) SaveApproval(ctx context.Context, approval *store.Approval) error {
	f.approvals[approval.QueueID] = approval
	return nil
}

func (f *fakeBackend) SaveApprovalAction(ctx context.Context, action *store.ApprovalAction) error {
	f.approvalActions = append(f.approvalActions, action)
	return nil
}

func (f *fakeBackend) SaveIdempotency(ctx context.Context, taskID, key, taskRef string) error {
	f.idempotency[store.IdempotencyKey{TaskID: taskID, Key: key}] = taskRef
	return nil
}

func (f *fakeBackend) Close() error { return nil }

var _ store.Backend = (*fakeBackend)(nil)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	backend := newFakeBackend()
	events := eventlog.New(backend, nil)
	eng := engine.New(backend, events, template.Default(), 1, "ops_team", 0)
	require.NoError(t, eng.LoadState(context.Background()))

	runner := pipeline.New(eng, template.Default(), policy.Default(), t.TempDir(), "ops_team", zerolog.Nop())

	resolver, err := authn.NewResolver(config.Auth{
		Mode:               "local",
		AllowCompatHeaders: true,
	})
	require.NoError(t, err)

	return NewRouter(eng, runner, resolver, zerolog.Nop())
}

func doRequest(t *testing.T, h http.Handler, method, path, actorID, actorRole string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
	}
	if actorRole != "" {
		req.Header.Set("X-Actor-Role", actorRole)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}
