package models

import (
	"time"
)

// Account state constants
const (
	AccountPending = "pending"
	AccountActive  = "active"
	AccountExpired = "expired"
	AccountRevoked = "revoked"
)

// Account represents a provisioned VPN credential bound to one server and protocol.
// An active account's credential is present in the assigned server's deployed
// configuration; the orchestrator is the only writer of state transitions.
type Account struct {
	ID       string
	UserID   string
	Protocol string

	// Assigned server. Nil while the account is pending placement.
	ServerID *string

	// Credential material. UUID is the client id for vless/vmess; Secret is
	// the trojan password. Username is the human-readable config label.
	Username         string
	CredentialUUID   string
	CredentialSecret string

	DeviceLimit   int
	ActiveDevices int

	State     string
	ExpiresAt time.Time

	// Extension days recorded by a renewal payment that has not been applied
	// yet. Cleared when the renew job commits.
	PendingRenewalDays int

	// Server that still carries a stale config entry after a migration whose
	// cleanup failed. Reconciliation retries the removal.
	CleanupServerID *string

	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsExpired reports whether the account is past its expiry timestamp
func (a *Account) IsExpired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
