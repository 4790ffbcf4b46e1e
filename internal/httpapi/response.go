package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/orchestrator/internal/apierr"
	"github.com/pesio-ai/orchestrator/internal/authn"
)

type actorCtxKey struct{}

func withActor(ctx context.Context, actor *authn.ActorContext) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, actor)
}

func actorFrom(ctx context.Context) *authn.ActorContext {
	actor, _ := ctx.Value(actorCtxKey{}).(*authn.ActorContext)
	return actor
}

// errorEnvelope is the body shape spec.md §7 specifies for every failure
// response: {"error":{"code","message","request_id"}}.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as the standard error envelope. Unrecognized
// errors (anything not already an *apierr.Error) are folded into
// CodeInternal without leaking their message to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal("an internal error occurred")
	}
	writeJSON(w, apiErr.Status, errorEnvelope{Error: errorBody{
		Code:      string(apiErr.Code),
		Message:   apiErr.Message,
		RequestID: chimiddleware.GetReqID(r.Context()),
	}})
}
