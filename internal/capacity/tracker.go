package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

// EligibleLister yields the servers a snapshot may include, satisfied by
// registry.Registry
type EligibleLister interface {
	ListEligible(ctx context.Context, protocol string) ([]*models.Server, error)
}

// ActiveCounter yields active account counts per server, satisfied by
// repository.AccountRepository
type ActiveCounter interface {
	CountActiveByServer(ctx context.Context) (map[string]int, error)
}

// ServerLoad is one server's entry in a load snapshot
type ServerLoad struct {
	ServerID string
	Active   int
	Capacity int
	Headroom float64 // (capacity - active) / capacity, clamped to [0,1]
}

// LoadSnapshot is a transient, per-decision view of fleet load. Servers at or
// above capacity are excluded entirely: the capacity ceiling is a hard
// correctness invariant, not a preference.
type LoadSnapshot struct {
	Protocol string
	Servers  []ServerLoad
	TakenAt  time.Time
}

// Tracker derives load snapshots from the registry and account table. It
// computes and never mutates.
type Tracker struct {
	servers  EligibleLister
	accounts ActiveCounter
}

func NewTracker(servers EligibleLister, accounts ActiveCounter) *Tracker {
	return &Tracker{servers: servers, accounts: accounts}
}

// Snapshot builds the load view for one protocol. Order follows the
// registry's id ordering.
func (t *Tracker) Snapshot(ctx context.Context, protocol string) (*LoadSnapshot, error) {
	eligible, err := t.servers.ListEligible(ctx, protocol)
	if err != nil {
		return nil, fmt.Errorf("list eligible servers: %w", err)
	}

	counts, err := t.accounts.CountActiveByServer(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active accounts: %w", err)
	}

	snap := &LoadSnapshot{Protocol: protocol, TakenAt: time.Now()}
	for _, srv := range eligible {
		active := counts[srv.ID]
		if srv.Capacity <= 0 || active >= srv.Capacity {
			// at or over capacity: excluded, not merely deprioritized
			continue
		}

		headroom := float64(srv.Capacity-active) / float64(srv.Capacity)
		if headroom > 1 {
			headroom = 1
		}
		if headroom < 0 {
			headroom = 0
		}

		snap.Servers = append(snap.Servers, ServerLoad{
			ServerID: srv.ID,
			Active:   active,
			Capacity: srv.Capacity,
			Headroom: headroom,
		})
	}

	return snap, nil
}
