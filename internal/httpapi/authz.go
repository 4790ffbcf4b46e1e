package httpapi

import (
	"github.com/pesio-ai/orchestrator/internal/apierr"
	"github.com/pesio-ai/orchestrator/internal/authn"
)

// requireRole checks actor.ActorRole against an allow-list, matching the
// reference auth.py's _authorize: the role must appear in the list the
// caller names for this action. There is no implicit blanket-access role —
// every action names every role it permits explicitly, "admin" included.
func requireRole(actor *authn.ActorContext, roles ...string) error {
	for _, role := range roles {
		if actor.ActorRole == role {
			return nil
		}
	}
	return apierr.Forbidden("role '" + actor.ActorRole + "' is not allowed for this action")
}

// requireTaskAccess checks actor.ActorRole against an allow-list exactly as
// requireRole does, then, only when the actor's role is "requester",
// additionally requires ownership of the task — ported from auth.py's
// _authorize_task_access, where non-requester roles in the allow-list (e.g.
// reviewer, approver, admin) never need to own the task.
func requireTaskAccess(actor *authn.ActorContext, ownerID string, roles ...string) error {
	if err := requireRole(actor, roles...); err != nil {
		return err
	}
	if actor.ActorRole == "requester" && actor.ActorID != ownerID {
		return apierr.Forbidden("requester can only access their own task")
	}
	return nil
}
