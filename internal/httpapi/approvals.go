package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, "approver", "admin"); err != nil {
		writeError(w, r, err)
		return
	}
	status := r.URL.Query().Get("status")
	approverGroup := r.URL.Query().Get("approver_group")
	writeJSON(w, http.StatusOK, s.engine.ListApprovals(status, approverGroup))
}

type approvalDecisionRequest struct {
	Comment string `json:"comment"`
}

// approvalDecisionResponse is spec.md §6's success shape for both decision
// endpoints: `{queue_id, status, task_status}`, matching
// original_source/app/main.py:556,594 exactly.
type approvalDecisionResponse struct {
	QueueID    string `json:"queue_id"`
	Status     string `json:"status"`
	TaskStatus string `json:"task_status"`
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	s.handleApprovalDecision(w, r, true)
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	s.handleApprovalDecision(w, r, false)
}

func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request, approve bool) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, "approver", "admin"); err != nil {
		writeError(w, r, err)
		return
	}

	queueID := chi.URLParam(r, "id")
	var req approvalDecisionRequest
	// comment is optional — an empty or absent body is valid, so decode
	// errors here are not reported back to the caller.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if approve {
		a, task, err := s.engine.ApproveQueueItem(r.Context(), queueID, actor.ActorID, actor.ActorRole, req.Comment)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.runner.Dispatch(task.TaskID)
		writeJSON(w, http.StatusOK, approvalDecisionResponse{
			QueueID:    a.QueueID,
			Status:     string(a.Status),
			TaskStatus: string(task.Status),
		})
		return
	}

	a, task, err := s.engine.RejectQueueItem(r.Context(), queueID, actor.ActorID, actor.ActorRole, req.Comment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalDecisionResponse{
		QueueID:    a.QueueID,
		Status:     string(a.Status),
		TaskStatus: string(task.Status),
	})
}
