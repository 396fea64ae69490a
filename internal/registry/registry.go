package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

// ServerStore is the persistence contract the registry operates over,
// satisfied by repository.ServerRepository
type ServerStore interface {
	Create(ctx context.Context, srv *models.Server) error
	GetByID(ctx context.Context, id string) (*models.Server, error)
	List(ctx context.Context) ([]*models.Server, error)
	ListHealthyByProtocol(ctx context.Context, protocol string) ([]*models.Server, error)
	UpdateCapacity(ctx context.Context, id string, capacity int) error
	UpdateHealth(ctx context.Context, id, health string, probedAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// AuditSink receives structured audit events
type AuditSink interface {
	Record(ctx context.Context, ev *models.AuditEvent)
}

// Registry is the authoritative catalog of fleet nodes. Capacity is edited by
// admin action only; health is mutated only by lifecycle probe results.
type Registry struct {
	store ServerStore
	audit AuditSink
}

func NewRegistry(store ServerStore, audit AuditSink) *Registry {
	return &Registry{store: store, audit: audit}
}

// RegisterServer adds a node to the fleet. New servers start healthy and are
// immediately eligible for placement.
func (r *Registry) RegisterServer(ctx context.Context, srv *models.Server) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	if srv.Health == "" {
		srv.Health = models.HealthHealthy
	}
	if srv.Capacity <= 0 {
		return fmt.Errorf("server capacity must be positive")
	}
	for _, p := range srv.Protocols {
		if !models.ValidProtocol(p) {
			return fmt.Errorf("unsupported protocol %q", p)
		}
	}

	if err := r.store.Create(ctx, srv); err != nil {
		return fmt.Errorf("register server: %w", err)
	}

	log.Printf("[Registry] Server registered: %s (%s) capacity=%d protocols=%v",
		srv.ID, srv.Address, srv.Capacity, srv.Protocols)
	return nil
}

// GetServer retrieves a server by id
func (r *Registry) GetServer(ctx context.Context, id string) (*models.Server, error) {
	return r.store.GetByID(ctx, id)
}

// ListServers retrieves the whole fleet
func (r *Registry) ListServers(ctx context.Context) ([]*models.Server, error) {
	return r.store.List(ctx)
}

// UpdateCapacity sets a server's declared capacity (admin only)
func (r *Registry) UpdateCapacity(ctx context.Context, id string, capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("server capacity must be positive")
	}
	if err := r.store.UpdateCapacity(ctx, id, capacity); err != nil {
		return err
	}
	log.Printf("[Registry] Server %s capacity set to %d", id, capacity)
	return nil
}

// SetHealth records a probe result. Transitions are audited; an unchanged
// state only refreshes the probe timestamp.
func (r *Registry) SetHealth(ctx context.Context, id, health string) error {
	srv, err := r.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := r.store.UpdateHealth(ctx, id, health, now); err != nil {
		return err
	}

	if srv.Health != health {
		log.Printf("[Registry] Server %s health: %s -> %s", id, srv.Health, health)
		r.audit.Record(ctx, &models.AuditEvent{
			ServerID: id,
			Action:   "health_transition",
			Outcome:  health,
			Message:  fmt.Sprintf("health changed from %s to %s", srv.Health, health),
		})
	}

	return nil
}

// RemoveServer takes a node out of the fleet (admin only). Accounts still
// assigned to it are repaired by reconciliation, which re-places any active
// account whose server record is gone.
func (r *Registry) RemoveServer(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}

	log.Printf("[Registry] Server %s removed from fleet", id)
	r.audit.Record(ctx, &models.AuditEvent{
		ServerID: id,
		Action:   "server_removed",
		Outcome:  "removed",
	})
	return nil
}

// ListEligible returns healthy servers supporting the protocol, ordered by
// id. Recomputed on each call; an empty result is the caller's placement
// failure to interpret.
func (r *Registry) ListEligible(ctx context.Context, protocol string) ([]*models.Server, error) {
	if !models.ValidProtocol(protocol) {
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}
	return r.store.ListHealthyByProtocol(ctx, protocol)
}
