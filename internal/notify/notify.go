// Package notify publishes a best-effort mirror of event-log entries onto
// NATS, grounded on the teacher's NotificationPublisher: publish failures
// are logged and never propagated, and a missing/unreachable NATS server
// never interrupts orchestrator operations.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/orchestrator/internal/store"
)

// Publisher mirrors store.Event values onto "orchestrator.events.<type>".
type Publisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// Connect dials url. An empty url disables notifications entirely (Publish
// becomes a no-op) — this is the default, matching spec.md's core scope
// which does not require any messaging component.
func Connect(url string, log zerolog.Logger) (*Publisher, error) {
	if url == "" {
		return &Publisher{log: log}, nil
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Publisher{conn: conn, log: log}, nil
}

// Close releases the underlying NATS connection, if any.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// Publish mirrors event onto its subject. Never blocks the caller on error;
// failures are logged at warn level, matching NotificationPublisher's
// "all publish operations are non-fatal" contract.
func (p *Publisher) Publish(event *store.Event) {
	if p.conn == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_id", event.EventID).Msg("failed to marshal event for notification")
		return
	}
	subject := "orchestrator.events." + event.EventType
	if err := p.conn.Publish(subject, payload); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("failed to publish event notification")
	}
}
