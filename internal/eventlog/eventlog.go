// Package eventlog is the thin wrapper over store.Backend.SaveEvent that
// assigns identity and timestamp (spec.md §4.2). Writes are synchronous
// relative to the state change they describe: callers invoke Append from
// inside the same locked section that performed the mutation, so no event
// becomes observable on /events before the state change is observable on
// /status.
package eventlog

import (
	"context"

	"github.com/pesio-ai/orchestrator/internal/clock"
	"github.com/pesio-ai/orchestrator/internal/idgen"
	"github.com/pesio-ai/orchestrator/internal/store"
)

// Notifier mirrors an event somewhere best-effort (e.g. NATS). A nil
// Notifier is a valid no-op.
type Notifier interface {
	Publish(event *store.Event)
}

// Log appends events to a Backend and mirrors them to the Notifier. It keeps
// no events itself; the caller holds the in-memory slice that answers
// /events.
type Log struct {
	backend  store.Backend
	notifier Notifier
}

// New builds a Log. notifier may be nil.
func New(backend store.Backend, notifier Notifier) *Log {
	return &Log{backend: backend, notifier: notifier}
}

// Append persists a new event for taskID of the given type, merging fields
// into the event payload, and returns the event so the caller can also
// append it to its in-memory slice under the same lock.
func (l *Log) Append(ctx context.Context, taskID, eventType string, fields map[string]interface{}) (*store.Event, error) {
	event := &store.Event{
		EventID:   idgen.EventID(),
		TaskID:    taskID,
		EventType: eventType,
		CreatedAt: clock.Now(),
		Fields:    fields,
	}
	if err := l.backend.SaveEvent(ctx, event); err != nil {
		return nil, err
	}
	if l.notifier != nil {
		l.notifier.Publish(event)
	}
	return event, nil
}
