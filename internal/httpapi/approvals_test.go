package httpapi

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/orchestrator/internal/store"
)

// policyBlockedInput triggers the "external_send_requested" policy gate so
// creating and running it lands the task in NEEDS_HUMAN_APPROVAL with a
// queue item the approval tests can act on.
func policyBlockedInput() map[string]interface{} {
	input := validMeetingInput()
	input["notes"] = "요약 결과를 외부 전송 해주세요"
	return input
}

func createBlockedApproval(t *testing.T, h http.Handler) (taskID, queueID string) {
	t.Helper()

	createRec := doRequest(t, h, http.MethodPost, "/api/v1/task/create", "user_1", "requester", map[string]interface{}{
		"title":         "weekly sync",
		"template_type": "meeting_summary",
		"input":         policyBlockedInput(),
		"requested_by":  "user_1",
	})
	require.Equal(t, http.StatusCreated, createRec.Code)
	var task store.Task
	decodeBody(t, createRec, &task)

	runRec := doRequest(t, h, http.MethodPost, "/api/v1/task/run", "user_1", "requester",
		map[string]interface{}{"task_id": task.TaskID})
	require.Equal(t, http.StatusAccepted, runRec.Code)

	// the pipeline runs in its own goroutine; poll briefly for the approval
	// item to appear rather than assuming instantaneous completion.
	for i := 0; i < 200; i++ {
		listRec := doRequest(t, h, http.MethodGet, "/api/v1/approvals?status=PENDING&approver_group=ops_team", "approver_1", "approver", nil)
		require.Equal(t, http.StatusOK, listRec.Code)
		var approvals []*store.Approval
		decodeBody(t, listRec, &approvals)
		for _, a := range approvals {
			if a.TaskID == task.TaskID {
				return task.TaskID, a.QueueID
			}
		}
	}
	t.Fatalf("approval item for task %s never appeared", task.TaskID)
	return "", ""
}

func TestHandleApprovalsListRejectsRequesterRole(t *testing.T) {
	h := newTestServer(t)
	rec := doRequest(t, h, http.MethodGet, "/api/v1/approvals", "user_1", "requester", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleApprovalApproveReturnsQueueAndTaskStatus(t *testing.T) {
	h := newTestServer(t)
	_, queueID := createBlockedApproval(t, h)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/approvals/"+queueID+"/approve", "approver_1", "approver", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp approvalDecisionResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, queueID, resp.QueueID)
	assert.Equal(t, "APPROVED", resp.Status)
	assert.Equal(t, "RUNNING", resp.TaskStatus)
}

func TestHandleApprovalRejectReturnsQueueAndTaskStatus(t *testing.T) {
	h := newTestServer(t)
	_, queueID := createBlockedApproval(t, h)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/approvals/"+queueID+"/reject", "approver_1", "approver", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp approvalDecisionResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, queueID, resp.QueueID)
	assert.Equal(t, "REJECTED", resp.Status)
	assert.Equal(t, "DONE", resp.TaskStatus)
}

func TestHandleApprovalDecisionRejectsRequesterRole(t *testing.T) {
	h := newTestServer(t)
	_, queueID := createBlockedApproval(t, h)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/approvals/"+queueID+"/approve", "user_1", "requester", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
