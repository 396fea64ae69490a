package placement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/capacity"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

type fakeTracker struct {
	snap *capacity.LoadSnapshot
	err  error
}

func (f *fakeTracker) Snapshot(ctx context.Context, protocol string) (*capacity.LoadSnapshot, error) {
	return f.snap, f.err
}

func load(id string, active, cap int) capacity.ServerLoad {
	return capacity.ServerLoad{
		ServerID: id,
		Active:   active,
		Capacity: cap,
		Headroom: float64(cap-active) / float64(cap),
	}
}

func TestChoosePicksMaxHeadroom(t *testing.T) {
	engine := NewEngine(&fakeTracker{snap: &capacity.LoadSnapshot{
		Servers: []capacity.ServerLoad{
			load("a", 8, 10), // 0.2
			load("b", 2, 10), // 0.8
			load("c", 5, 10), // 0.5
		},
	}})

	id, err := engine.Choose(context.Background(), models.ProtocolVLESS, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestChooseTieBreaksByLowestID(t *testing.T) {
	snap := &capacity.LoadSnapshot{
		Servers: []capacity.ServerLoad{
			load("c", 5, 10),
			load("a", 5, 10),
			load("b", 5, 10),
		},
	}
	engine := NewEngine(&fakeTracker{snap: snap})

	// Same input must yield the same answer every time
	for i := 0; i < 5; i++ {
		id, err := engine.Choose(context.Background(), models.ProtocolVLESS, nil)
		require.NoError(t, err)
		assert.Equal(t, "a", id)
	}
}

func TestChooseSkipsExcluded(t *testing.T) {
	engine := NewEngine(&fakeTracker{snap: &capacity.LoadSnapshot{
		Servers: []capacity.ServerLoad{
			load("a", 2, 10),
			load("b", 5, 10),
		},
	}})

	id, err := engine.Choose(context.Background(), models.ProtocolVLESS, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestChooseNoCapacity(t *testing.T) {
	t.Run("empty snapshot", func(t *testing.T) {
		engine := NewEngine(&fakeTracker{snap: &capacity.LoadSnapshot{}})
		_, err := engine.Choose(context.Background(), models.ProtocolVLESS, nil)
		assert.ErrorIs(t, err, models.ErrNoCapacity)
	})

	t.Run("everything excluded", func(t *testing.T) {
		engine := NewEngine(&fakeTracker{snap: &capacity.LoadSnapshot{
			Servers: []capacity.ServerLoad{load("a", 1, 10)},
		}})
		_, err := engine.Choose(context.Background(), models.ProtocolVLESS, []string{"a"})
		assert.ErrorIs(t, err, models.ErrNoCapacity)
	})
}

func TestChoosePropagatesSnapshotError(t *testing.T) {
	boom := errors.New("db down")
	engine := NewEngine(&fakeTracker{err: boom})

	_, err := engine.Choose(context.Background(), models.ProtocolVLESS, nil)
	assert.ErrorIs(t, err, boom)
}
