package models

// ==================== Request DTOs ====================

// PaymentConfirmedRequest is the authenticated "payment confirmed" event
// delivered by the payment gateway collaborator. Triggers a Create job.
type PaymentConfirmedRequest struct {
	AccountRequestID string `json:"account_request_id" binding:"required"`
	UserID           string `json:"user_id" binding:"required"`
	Protocol         string `json:"protocol" binding:"required"`
	PlanDurationDays int    `json:"plan_duration_days" binding:"required"`
	DeviceLimit      int    `json:"device_limit"`
}

// RenewalRequest is the renewal payment event. Triggers a Renew job.
type RenewalRequest struct {
	AccountID     string `json:"account_id" binding:"required"`
	ExtensionDays int    `json:"extension_days" binding:"required"`
}

// RegisterServerRequest adds a node to the fleet (admin)
type RegisterServerRequest struct {
	Name      string   `json:"name" binding:"required"`
	Address   string   `json:"address" binding:"required"`
	SSHUser   string   `json:"ssh_user"`
	SSHPort   int      `json:"ssh_port"`
	Protocols []string `json:"protocols" binding:"required"`
	Capacity  int      `json:"capacity" binding:"required"`
}

// UpdateCapacityRequest edits a server's declared capacity (admin)
type UpdateCapacityRequest struct {
	Capacity int `json:"capacity" binding:"required"`
}

// RevokeAccountRequest force-revokes an account (admin)
type RevokeAccountRequest struct {
	Reason string `json:"reason"`
}

// ==================== Response DTOs ====================

// JobStatusResponse answers the job status query
type JobStatusResponse struct {
	JobID         string  `json:"job_id"`
	AccountID     string  `json:"account_id"`
	Action        string  `json:"action"`
	State         string  `json:"state"`
	AttemptCount  int     `json:"attempt_count"`
	FailureReason string  `json:"failure_reason,omitempty"`
	LastError     *string `json:"last_error,omitempty"`
}

// SubmitJobResponse is returned when a job is accepted
type SubmitJobResponse struct {
	JobID     string `json:"job_id"`
	AccountID string `json:"account_id"`
	State     string `json:"state"`
	Message   string `json:"message"`
}

// AccountStatusResponse answers the account status query. Credential material
// is only populated for an active account.
type AccountStatusResponse struct {
	AccountID  string  `json:"account_id"`
	UserID     string  `json:"user_id"`
	Protocol   string  `json:"protocol"`
	State      string  `json:"state"`
	ServerID   *string `json:"server_id,omitempty"`
	ExpiresAt  string  `json:"expires_at"`
	ConfigLink string  `json:"config_link,omitempty"`
}

// ServerInfo describes one fleet node in admin listings
type ServerInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Protocols    []string `json:"protocols"`
	Capacity     int      `json:"capacity"`
	Health       string   `json:"health"`
	LastProbedAt *string  `json:"last_probed_at,omitempty"`
}

// AuditEventInfo is one record in the exposed event stream
type AuditEventInfo struct {
	Timestamp string `json:"timestamp"`
	AccountID string `json:"account_id,omitempty"`
	ServerID  string `json:"server_id,omitempty"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Message   string `json:"message,omitempty"`
}
