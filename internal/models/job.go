package models

import (
	"time"
)

// Provisioning job action constants
const (
	ActionCreate  = "create"
	ActionRenew   = "renew"
	ActionRevoke  = "revoke"
	ActionMigrate = "migrate"
)

// Provisioning job state constants
const (
	JobQueued    = "queued"
	JobPlacing   = "placing"
	JobMutating  = "mutating"
	JobCommitted = "committed"
	JobFailed    = "failed"
)

// Failure reason constants surfaced to callers. A failed job always carries
// one of these so the user sees "no capacity" vs "temporarily degraded",
// never a bare generic error.
const (
	ReasonNoCapacity = "no_capacity"
	ReasonDegraded   = "service_degraded"
	ReasonCancelled  = "cancelled"
)

// ProvisioningJob tracks one activation/renewal/revocation/migration attempt.
// At most one job per account id is in flight at any time.
type ProvisioningJob struct {
	ID        string
	AccountID string
	Action    string
	State     string
	Attempts  int

	// Renewal parameters
	ExtensionDays    int
	RotateCredential bool

	// Servers excluded from placement (migration away from a failed node)
	ExcludeServerIDs []string

	FailureReason string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the job has reached a final state
func (j *ProvisioningJob) Terminal() bool {
	return j.State == JobCommitted || j.State == JobFailed
}
