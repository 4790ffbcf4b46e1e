package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/orchestrator/internal/apierr"
	"github.com/pesio-ai/orchestrator/internal/engine"
)

type createTaskRequest struct {
	Title        string                 `json:"title"`
	TemplateType string                 `json:"template_type"`
	Input        map[string]interface{} `json:"input"`
	RequestedBy  string                 `json:"requested_by"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, "requester", "admin"); err != nil {
		writeError(w, r, err)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.InvalidRequest("malformed request body"))
		return
	}
	if req.Title == "" || req.TemplateType == "" || req.RequestedBy == "" {
		writeError(w, r, apierr.InvalidRequest("title, template_type and requested_by are required"))
		return
	}
	if actor.ActorRole == "requester" && actor.ActorID != req.RequestedBy {
		writeError(w, r, apierr.Forbidden("requester must match requested_by"))
		return
	}

	task, err := s.engine.CreateTask(r.Context(), engine.CreateTaskParams{
		Title:        req.Title,
		TemplateType: req.TemplateType,
		Input:        req.Input,
		RequestedBy:  req.RequestedBy,
		ActorID:      actor.ActorID,
		ActorRole:    actor.ActorRole,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type runTaskRequest struct {
	TaskID         string `json:"task_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())

	var req runTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.InvalidRequest("malformed request body"))
		return
	}
	if req.TaskID == "" {
		writeError(w, r, apierr.InvalidRequest("task_id is required"))
		return
	}

	task, ok := s.engine.GetTask(req.TaskID)
	if !ok {
		writeError(w, r, apierr.TaskNotFound(req.TaskID))
		return
	}
	if err := requireTaskAccess(actor, task.RequestedBy, "requester", "admin"); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.engine.StartRun(r.Context(), req.TaskID, req.IdempotencyKey, actor.ActorID, actor.ActorRole)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !result.AlreadyRun {
		s.runner.Dispatch(req.TaskID)
	}
	writeJSON(w, http.StatusAccepted, result.Task)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	taskID := chi.URLParam(r, "id")

	task, ok := s.engine.GetTask(taskID)
	if !ok {
		writeError(w, r, apierr.TaskNotFound(taskID))
		return
	}
	if err := requireTaskAccess(actor, task.RequestedBy, "requester", "reviewer", "approver", "admin"); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	taskID := chi.URLParam(r, "id")

	task, ok := s.engine.GetTask(taskID)
	if !ok {
		writeError(w, r, apierr.TaskNotFound(taskID))
		return
	}
	if err := requireTaskAccess(actor, task.RequestedBy, "requester", "reviewer", "approver", "admin"); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.EventsForTask(taskID))
}

func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := requireRole(actor, "reviewer", "admin"); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.AuditSummary())
}
