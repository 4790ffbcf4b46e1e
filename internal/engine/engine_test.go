package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/orchestrator/internal/apierr"
	"github.com/pesio-ai/orchestrator/internal/eventlog"
	"github.com/pesio-ai/orchestrator/internal/store"
	"github.com/pesio-ai/orchestrator/internal/template"
)

// fakeBackend is an in-memory store.Backend stand-in, avoiding any real
// database dependency in these tests.
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

func newTestEngine(t *testing.T, maxRetry int) *Engine {
	t.Helper()
	backend := newFakeBackend()
	events := eventlog.New(backend, nil)
	eng := New(backend, events, template.Default(), maxRetry, "ops_team", 0)
	require.NoError(t, eng.LoadState(context.Background()))
	return eng
}

func createTestTask(t *testing.T, eng *Engine, input map[string]interface{}) *store.Task {
	t.Helper()
	task, err := eng.CreateTask(context.Background(), CreateTaskParams{
		Title:        "weekly sync",
		TemplateType: "meeting_summary",
		Input:        input,
		RequestedBy:  "user_1",
		ActorID:      "user_1",
		ActorRole:    "member",
	})
	require.NoError(t, err)
	return task
}

func validMeetingInput() map[string]interface{} {
	return map[string]interface{}{
		"meeting_title": "Weekly Sync",
		"meeting_date":  "2026-07-29",
		"participants":  []interface{}{"Alice", "Bob"},
		"notes":         "discussed roadmap\nagreed on next steps",
	}
}

func TestCreateTaskRejectsMissingRequiredFields(t *testing.T) {
	eng := newTestEngine(t, 1)

	_, err := eng.CreateTask(context.Background(), CreateTaskParams{
		Title:        "bad task",
		TemplateType: "meeting_summary",
		Input:        map[string]interface{}{"meeting_title": "x"},
		RequestedBy:  "user_1",
	})

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidRequest, apiErr.Code)
}

func TestCreateTaskRejectsUnknownTemplate(t *testing.T) {
	eng := newTestEngine(t, 1)

	_, err := eng.CreateTask(context.Background(), CreateTaskParams{
		Title:        "bad task",
		TemplateType: "not_a_real_template",
		RequestedBy:  "user_1",
	})

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidRequest, apiErr.Code)
}

func TestCreateTaskStartsReadyWithEmptyApprovedReasons(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())

	assert.Equal(t, store.StatusReady, task.Status)
	assert.Equal(t, "run_task", task.NextAction)
	assert.Empty(t, task.ApprovedReasons)

	events := eng.EventsForTask(task.TaskID)
	require.Len(t, events, 1)
	assert.Equal(t, "TASK_CREATED", events[0].EventType)
}

func TestStartRunTransitionsReadyToRunning(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())

	result, err := eng.StartRun(context.Background(), task.TaskID, "idem-1", "user_1", "member")
	require.NoError(t, err)
	assert.False(t, result.AlreadyRun)
	assert.Equal(t, store.StatusRunning, result.Task.Status)
}

func TestStartRunIsIdempotentOnRepeatedKey(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())

	first, err := eng.StartRun(context.Background(), task.TaskID, "idem-1", "user_1", "member")
	require.NoError(t, err)
	require.False(t, first.AlreadyRun)

	second, err := eng.StartRun(context.Background(), task.TaskID, "idem-1", "user_1", "member")
	require.NoError(t, err)
	assert.True(t, second.AlreadyRun)
}

func TestStartRunRejectsNonReadyTask(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())

	_, err := eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	require.NoError(t, err)

	_, err = eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidTaskState, apiErr.Code)
}

func TestBlockOnPolicyMovesTaskToNeedsHumanApproval(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())
	_, err := eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	require.NoError(t, err)

	approval, err := eng.BlockOnPolicy(context.Background(), task.TaskID, "external_send_requested", "ops_team")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, approval.Status)

	got, ok := eng.GetTask(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, store.StatusNeedsHumanApproval, got.Status)
	assert.Equal(t, approval.QueueID, got.ApprovalQueueID)
	assert.Equal(t, "external_send_requested", got.ApprovalReason)
}

func TestApproveQueueItemResumesTaskAndRecordsReason(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())
	_, err := eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	require.NoError(t, err)
	approval, err := eng.BlockOnPolicy(context.Background(), task.TaskID, "external_send_requested", "ops_team")
	require.NoError(t, err)

	_, resumed, err := eng.ApproveQueueItem(context.Background(), approval.QueueID, "approver_1", "approver", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, resumed.Status)
	assert.Contains(t, resumed.ApprovedReasons, "external_send_requested")
}

func TestApproveQueueItemRejectsAlreadyResolvedItem(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())
	_, err := eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	require.NoError(t, err)
	approval, err := eng.BlockOnPolicy(context.Background(), task.TaskID, "external_send_requested", "ops_team")
	require.NoError(t, err)

	_, _, err = eng.ApproveQueueItem(context.Background(), approval.QueueID, "approver_1", "approver", "")
	require.NoError(t, err)

	_, _, err = eng.ApproveQueueItem(context.Background(), approval.QueueID, "approver_1", "approver", "")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidApprovalState, apiErr.Code)
}

func TestRejectQueueItemFinalizesTaskAsDone(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())
	_, err := eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	require.NoError(t, err)
	approval, err := eng.BlockOnPolicy(context.Background(), task.TaskID, "external_send_requested", "ops_team")
	require.NoError(t, err)

	_, resolved, err := eng.RejectQueueItem(context.Background(), approval.QueueID, "approver_1", "approver", "declined")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, resolved.Status)
	assert.Equal(t, "rejected_by_human", resolved.FinalReason)
	assert.Nil(t, resolved.Result)
}

func TestFailStageRetriesBeforeEscalating(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())
	_, err := eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	require.NoError(t, err)

	escalated, err := eng.FailStage(context.Background(), task.TaskID, assertErr("render failed"), "ops_team")
	require.NoError(t, err)
	assert.False(t, escalated)

	got, ok := eng.GetTask(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	escalated, err = eng.FailStage(context.Background(), task.TaskID, assertErr("render failed again"), "ops_team")
	require.NoError(t, err)
	assert.True(t, escalated)

	got, ok = eng.GetTask(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, store.StatusNeedsHumanApproval, got.Status)
	assert.Equal(t, "retry_exhausted", got.ApprovalReason)
}

func TestCompleteTaskSetsResultAndDone(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())
	_, err := eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	require.NoError(t, err)

	require.NoError(t, eng.CompleteTask(context.Background(), task.TaskID, "reports/"+task.TaskID+"/report.md"))

	got, ok := eng.GetTask(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, store.StatusDone, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "reports/"+task.TaskID+"/report.md", got.Result.ReportPath)
}

func TestListApprovalsFiltersByStatusAndGroup(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())
	_, err := eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	require.NoError(t, err)
	_, err = eng.BlockOnPolicy(context.Background(), task.TaskID, "external_send_requested", "ops_team")
	require.NoError(t, err)

	pending := eng.ListApprovals("PENDING", "ops_team")
	assert.Len(t, pending, 1)

	assert.Empty(t, eng.ListApprovals("PENDING", "finance_team"))
	assert.Empty(t, eng.ListApprovals("APPROVED", "ops_team"))
}

func TestAuditSummaryCountsBlockedAndPendingApprovals(t *testing.T) {
	eng := newTestEngine(t, 1)
	task := createTestTask(t, eng, validMeetingInput())
	_, err := eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	require.NoError(t, err)
	_, err = eng.BlockOnPolicy(context.Background(), task.TaskID, "external_send_requested", "ops_team")
	require.NoError(t, err)

	summary := eng.AuditSummary()
	assert.Equal(t, 1, summary.BlockedPolicyEvents)
	assert.Equal(t, 1, summary.ApprovalsPending)
	assert.Equal(t, 0, summary.ApprovalsResolved)
}

func TestSweepExpiredApprovalsMarksPastDeadlineItemsExpired(t *testing.T) {
	eng := newTestEngine(t, 1)
	eng.approvalTTL = time.Millisecond
	task := createTestTask(t, eng, validMeetingInput())
	_, err := eng.StartRun(context.Background(), task.TaskID, "", "user_1", "member")
	require.NoError(t, err)
	approval, err := eng.BlockOnPolicy(context.Background(), task.TaskID, "external_send_requested", "ops_team")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	swept, err := eng.SweepExpiredApprovals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	all := eng.ListApprovals("", "")
	require.Len(t, all, 1)
	assert.Equal(t, approval.QueueID, all[0].QueueID)
	assert.Equal(t, store.ApprovalExpired, all[0].Status)
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(msg string) error { return testErr(msg) }
