package capacity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

type fakeLister struct {
	servers []*models.Server
	err     error
}

func (f *fakeLister) ListEligible(ctx context.Context, protocol string) ([]*models.Server, error) {
	return f.servers, f.err
}

type fakeCounter struct {
	counts map[string]int
	err    error
}

func (f *fakeCounter) CountActiveByServer(ctx context.Context) (map[string]int, error) {
	return f.counts, f.err
}

func srv(id string, capacity int) *models.Server {
	return &models.Server{
		ID:        id,
		Address:   id + ".example.com",
		Protocols: []string{models.ProtocolVLESS},
		Capacity:  capacity,
		Health:    models.HealthHealthy,
	}
}

func TestSnapshotHeadroom(t *testing.T) {
	tracker := NewTracker(
		&fakeLister{servers: []*models.Server{srv("a", 10), srv("b", 4)}},
		&fakeCounter{counts: map[string]int{"a": 5, "b": 1}},
	)

	snap, err := tracker.Snapshot(context.Background(), models.ProtocolVLESS)
	require.NoError(t, err)
	require.Len(t, snap.Servers, 2)

	assert.Equal(t, "a", snap.Servers[0].ServerID)
	assert.InDelta(t, 0.5, snap.Servers[0].Headroom, 0.001)
	assert.Equal(t, "b", snap.Servers[1].ServerID)
	assert.InDelta(t, 0.75, snap.Servers[1].Headroom, 0.001)
}

func TestSnapshotExcludesFullServers(t *testing.T) {
	tests := []struct {
		name   string
		active int
		want   int // servers left in snapshot
	}{
		{name: "below capacity", active: 3, want: 1},
		{name: "exactly at capacity", active: 4, want: 0},
		{name: "over capacity", active: 7, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(
				&fakeLister{servers: []*models.Server{srv("a", 4)}},
				&fakeCounter{counts: map[string]int{"a": tt.active}},
			)

			snap, err := tracker.Snapshot(context.Background(), models.ProtocolVLESS)
			require.NoError(t, err)
			assert.Len(t, snap.Servers, tt.want)
		})
	}
}

func TestSnapshotZeroCapacityExcluded(t *testing.T) {
	tracker := NewTracker(
		&fakeLister{servers: []*models.Server{srv("a", 0)}},
		&fakeCounter{counts: map[string]int{}},
	)

	snap, err := tracker.Snapshot(context.Background(), models.ProtocolVLESS)
	require.NoError(t, err)
	assert.Empty(t, snap.Servers)
}

func TestSnapshotUncountedServerIsIdle(t *testing.T) {
	// A server with no active accounts has no row in the count map
	tracker := NewTracker(
		&fakeLister{servers: []*models.Server{srv("a", 8)}},
		&fakeCounter{counts: map[string]int{}},
	)

	snap, err := tracker.Snapshot(context.Background(), models.ProtocolVLESS)
	require.NoError(t, err)
	require.Len(t, snap.Servers, 1)
	assert.Equal(t, 0, snap.Servers[0].Active)
	assert.InDelta(t, 1.0, snap.Servers[0].Headroom, 0.001)
}
