package models

import (
	"time"
)

// AuditEvent is one structured record in the audit/event stream: every job
// state transition, mutator outcome, and health transition is recorded for
// the external monitoring collaborators.
type AuditEvent struct {
	ID        string
	AccountID string
	ServerID  string
	Action    string
	Outcome   string
	Message   string
	CreatedAt time.Time
}
