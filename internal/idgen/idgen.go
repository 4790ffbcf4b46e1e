// Package idgen mints collision-resistant opaque identifiers for every
// entity kind the orchestrator persists.
package idgen

import "github.com/google/uuid"

func withPrefix(prefix string) string {
	return prefix + uuid.New().String()
}

// TaskID returns a new opaque task identifier.
func TaskID() string { return withPrefix("task_") }

// EventID returns a new opaque event identifier.
func EventID() string { return withPrefix("evt_") }

// ApprovalID returns a new opaque approval queue item identifier.
func ApprovalID() string { return withPrefix("aq_") }

// ActionID returns a new opaque approval action identifier.
func ActionID() string { return withPrefix("aa_") }

// RequestID returns a new opaque request correlation identifier.
func RequestID() string { return withPrefix("req_") }
