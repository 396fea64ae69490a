package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/config"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/credential"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/orchestrator"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/registry"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/repository"
)

type Handler struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	accounts *repository.AccountRepository
	jobs     *repository.JobRepository
	audit    *repository.AuditRepository
}

func NewHandler(
	cfg *config.Config,
	orch *orchestrator.Orchestrator,
	reg *registry.Registry,
	accounts *repository.AccountRepository,
	jobs *repository.JobRepository,
	audit *repository.AuditRepository,
) *Handler {
	return &Handler{
		cfg:      cfg,
		orch:     orch,
		registry: reg,
		accounts: accounts,
		jobs:     jobs,
		audit:    audit,
	}
}

// ==================== Internal API Handlers ====================

// PaymentConfirmed handles the payment gateway's confirmed-payment event and
// starts account activation
func (h *Handler) PaymentConfirmed(c *gin.Context) {
	var req models.PaymentConfirmedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.orch.SubmitCreate(c.Request.Context(), orchestrator.ActivationRequest{
		AccountRequestID: req.AccountRequestID,
		UserID:           req.UserID,
		Protocol:         req.Protocol,
		PlanDurationDays: req.PlanDurationDays,
		DeviceLimit:      req.DeviceLimit,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrAlreadyActive), errors.Is(err, models.ErrJobInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, models.SubmitJobResponse{
		JobID:     job.ID,
		AccountID: job.AccountID,
		State:     job.State,
		Message:   "activation queued",
	})
}

// Renewal handles a renewal payment event. The extension is recorded first,
// so if a job for the account is already in flight the lifecycle pass applies
// the renewal on its next tick.
func (h *Handler) Renewal(c *gin.Context) {
	var req models.RenewalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.accounts.SetPendingRenewal(c.Request.Context(), req.AccountID, req.ExtensionDays); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	job, err := h.orch.SubmitRenew(c.Request.Context(), req.AccountID, req.ExtensionDays, false)
	if err != nil {
		if errors.Is(err, models.ErrJobInFlight) {
			c.JSON(http.StatusAccepted, gin.H{"message": "renewal recorded, will apply when current job resolves"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.SubmitJobResponse{
		JobID:     job.ID,
		AccountID: job.AccountID,
		State:     job.State,
		Message:   "renewal queued",
	})
}

// GetJob answers the job status query
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, models.JobStatusResponse{
		JobID:         job.ID,
		AccountID:     job.AccountID,
		Action:        job.Action,
		State:         job.State,
		AttemptCount:  job.Attempts,
		FailureReason: job.FailureReason,
		LastError:     job.LastError,
	})
}

// CancelJob aborts a job that has not begun mutating remote state
func (h *Handler) CancelJob(c *gin.Context) {
	err := h.orch.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, models.ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled"})
}

// GetAccount answers the account status query. Credential material is only
// exposed for a committed active account.
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.accounts.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	c.JSON(http.StatusOK, h.accountStatus(c, acct))
}

// GetAccountEvents exposes the audit stream for one account
func (h *Handler) GetAccountEvents(c *gin.Context) {
	events, err := h.audit.GetByAccountID(c.Request.Context(), c.Param("id"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	infos := make([]models.AuditEventInfo, 0, len(events))
	for _, ev := range events {
		infos = append(infos, models.AuditEventInfo{
			Timestamp: ev.CreatedAt.Format(time.RFC3339),
			AccountID: ev.AccountID,
			ServerID:  ev.ServerID,
			Action:    ev.Action,
			Outcome:   ev.Outcome,
			Message:   ev.Message,
		})
	}

	c.JSON(http.StatusOK, gin.H{"events": infos})
}

// ==================== Admin API Handlers ====================

// RegisterServer adds a node to the fleet
func (h *Handler) RegisterServer(c *gin.Context) {
	var req models.RegisterServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	srv := &models.Server{
		Name:      req.Name,
		Address:   req.Address,
		SSHUser:   req.SSHUser,
		SSHPort:   req.SSHPort,
		Protocols: req.Protocols,
		Capacity:  req.Capacity,
	}
	if srv.SSHUser == "" {
		srv.SSHUser = h.cfg.SSH.DefaultUser
	}
	if srv.SSHPort <= 0 {
		srv.SSHPort = h.cfg.SSH.DefaultPort
	}

	if err := h.registry.RegisterServer(c.Request.Context(), srv); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"server_id": srv.ID})
}

// ListServers lists the fleet
func (h *Handler) ListServers(c *gin.Context) {
	servers, err := h.registry.ListServers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	infos := make([]models.ServerInfo, 0, len(servers))
	for _, srv := range servers {
		info := models.ServerInfo{
			ID:        srv.ID,
			Name:      srv.Name,
			Address:   srv.Address,
			Protocols: srv.Protocols,
			Capacity:  srv.Capacity,
			Health:    srv.Health,
		}
		if srv.LastProbedAt != nil {
			probed := srv.LastProbedAt.Format(time.RFC3339)
			info.LastProbedAt = &probed
		}
		infos = append(infos, info)
	}

	c.JSON(http.StatusOK, gin.H{"servers": infos})
}

// RemoveServer takes a node out of the fleet
func (h *Handler) RemoveServer(c *gin.Context) {
	if err := h.registry.RemoveServer(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "server removed"})
}

// UpdateCapacity edits a server's declared capacity
func (h *Handler) UpdateCapacity(c *gin.Context) {
	var req models.UpdateCapacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.UpdateCapacity(c.Request.Context(), c.Param("id"), req.Capacity); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "capacity updated"})
}

// RevokeAccount force-revokes an account (admin)
func (h *Handler) RevokeAccount(c *gin.Context) {
	var req models.RevokeAccountRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "admin revocation"
	}

	job, err := h.orch.SubmitRevoke(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		case errors.Is(err, models.ErrJobInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, models.SubmitJobResponse{
		JobID:     job.ID,
		AccountID: job.AccountID,
		State:     job.State,
		Message:   "revocation queued",
	})
}

// ==================== User API Handlers ====================

// GetMyAccount returns the caller's active account with its config link
func (h *Handler) GetMyAccount(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not identified"})
		return
	}

	acct, err := h.accounts.GetActiveByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active account"})
		return
	}

	c.JSON(http.StatusOK, h.accountStatus(c, acct))
}

// GetMyAccountConfig returns only the caller's config link
func (h *Handler) GetMyAccountConfig(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not identified"})
		return
	}

	acct, err := h.accounts.GetActiveByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active account"})
		return
	}

	status := h.accountStatus(c, acct)
	if status.ConfigLink == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "account is not active yet"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"config_link": status.ConfigLink})
}

// Helper functions

func (h *Handler) accountStatus(c *gin.Context, acct *models.Account) models.AccountStatusResponse {
	resp := models.AccountStatusResponse{
		AccountID: acct.ID,
		UserID:    acct.UserID,
		Protocol:  acct.Protocol,
		State:     acct.State,
		ServerID:  acct.ServerID,
		ExpiresAt: acct.ExpiresAt.Format(time.RFC3339),
	}

	if acct.State == models.AccountActive && acct.ServerID != nil {
		srv, err := h.registry.GetServer(c.Request.Context(), *acct.ServerID)
		if err == nil {
			link, err := credential.Link(acct, srv.Address, h.cfg.Node.PortFor(acct.Protocol))
			if err == nil {
				resp.ConfigLink = link
			}
		}
	}

	return resp
}
