package placement

import (
	"context"
	"log"

	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/capacity"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

// SnapshotTaker is satisfied by capacity.Tracker
type SnapshotTaker interface {
	Snapshot(ctx context.Context, protocol string) (*capacity.LoadSnapshot, error)
}

// Engine chooses a target server for a new or renewing account
type Engine struct {
	tracker SnapshotTaker
}

func NewEngine(tracker SnapshotTaker) *Engine {
	return &Engine{tracker: tracker}
}

// Choose selects the eligible server with maximum headroom, breaking ties by
// lowest server id for determinism. Servers in exclude are skipped (used
// during migration to avoid re-placing on the failed server). Returns
// models.ErrNoCapacity if nothing remains; the caller surfaces that as a
// user-visible "no available server" condition.
func (e *Engine) Choose(ctx context.Context, protocol string, exclude []string) (string, error) {
	snap, err := e.tracker.Snapshot(ctx, protocol)
	if err != nil {
		return "", err
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var best *capacity.ServerLoad
	for i := range snap.Servers {
		s := &snap.Servers[i]
		if excluded[s.ServerID] {
			continue
		}
		if best == nil || s.Headroom > best.Headroom ||
			(s.Headroom == best.Headroom && s.ServerID < best.ServerID) {
			best = s
		}
	}

	if best == nil {
		log.Printf("[Placement] No capacity for protocol=%s (excluded=%d)", protocol, len(exclude))
		return "", models.ErrNoCapacity
	}

	log.Printf("[Placement] Chose server %s for protocol=%s (headroom=%.2f, active=%d/%d)",
		best.ServerID, protocol, best.Headroom, best.Active, best.Capacity)
	return best.ServerID, nil
}
