// Package httpapi wires the chi router spec.md §6 describes: nine routes
// over task lifecycle, the approval queue, and the audit summary, each
// wrapped in the same request-id/logging/recovery middleware chain the
// teacher's cmd/server/main.go assembles from be-lib-common/middleware.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/orchestrator/internal/authn"
	"github.com/pesio-ai/orchestrator/internal/engine"
	"github.com/pesio-ai/orchestrator/internal/pipeline"
)

// Server bundles the collaborators every handler needs.
type Server struct {
	engine   *engine.Engine
	runner   *pipeline.Runner
	resolver *authn.Resolver
	log      zerolog.Logger
}

// NewRouter builds the complete chi.Mux for the orchestrator API.
func NewRouter(eng *engine.Engine, runner *pipeline.Runner, resolver *authn.Resolver, log zerolog.Logger) http.Handler {
	s := &Server{engine: eng, runner: runner, resolver: resolver, log: log}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Post("/task/create", s.handleTaskCreate)
		api.Post("/task/run", s.handleTaskRun)
		api.Get("/task/status/{id}", s.handleTaskStatus)
		api.Get("/task/events/{id}", s.handleTaskEvents)

		api.Get("/approvals", s.handleApprovalsList)
		api.Post("/approvals/{id}/approve", s.handleApprovalApprove)
		api.Post("/approvals/{id}/reject", s.handleApprovalReject)

		api.Get("/audit/summary", s.handleAuditSummary)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per completed request at the teacher's
// access-log granularity (method, path, status, duration, request id).
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
