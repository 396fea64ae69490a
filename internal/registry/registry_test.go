package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	servers map[string]*models.Server
}

func newMemStore() *memStore {
	return &memStore{servers: make(map[string]*models.Server)}
}

func (m *memStore) Create(ctx context.Context, srv *models.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *srv
	m.servers[srv.ID] = &cp
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*models.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[id]
	if !ok {
		return nil, assert.AnError
	}
	cp := *srv
	return &cp, nil
}

func (m *memStore) List(ctx context.Context) ([]*models.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Server, 0, len(m.servers))
	for _, srv := range m.servers {
		cp := *srv
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListHealthyByProtocol(ctx context.Context, protocol string) ([]*models.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Server
	for _, srv := range m.servers {
		if srv.Health == models.HealthHealthy && srv.SupportsProtocol(protocol) {
			cp := *srv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateCapacity(ctx context.Context, id string, capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[id].Capacity = capacity
	return nil
}

func (m *memStore) UpdateHealth(ctx context.Context, id, health string, probedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[id].Health = health
	m.servers[id].LastProbedAt = &probedAt
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return assert.AnError
	}
	delete(m.servers, id)
	return nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (r *recordingAudit) Record(ctx context.Context, ev *models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingAudit) byAction(action string) []*models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.AuditEvent
	for _, ev := range r.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

func TestRegisterServer(t *testing.T) {
	tests := []struct {
		name    string
		server  *models.Server
		wantErr bool
	}{
		{
			name:   "valid",
			server: &models.Server{Address: "1.2.3.4", Protocols: []string{"vless"}, Capacity: 10},
		},
		{
			name:    "zero capacity rejected",
			server:  &models.Server{Address: "1.2.3.4", Protocols: []string{"vless"}, Capacity: 0},
			wantErr: true,
		},
		{
			name:    "unknown protocol rejected",
			server:  &models.Server{Address: "1.2.3.4", Protocols: []string{"wireguard"}, Capacity: 10},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(newMemStore(), &recordingAudit{})
			err := reg.RegisterServer(context.Background(), tt.server)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, tt.server.ID)
			assert.Equal(t, models.HealthHealthy, tt.server.Health)
		})
	}
}

func TestSetHealthAuditsTransitions(t *testing.T) {
	store := newMemStore()
	audit := &recordingAudit{}
	reg := NewRegistry(store, audit)

	srv := &models.Server{Address: "1.2.3.4", Protocols: []string{"vless"}, Capacity: 10}
	require.NoError(t, reg.RegisterServer(context.Background(), srv))

	// healthy -> unreachable is a transition
	require.NoError(t, reg.SetHealth(context.Background(), srv.ID, models.HealthUnreachable))
	transitions := audit.byAction("health_transition")
	require.Len(t, transitions, 1)
	assert.Equal(t, models.HealthUnreachable, transitions[0].Outcome)
	assert.Equal(t, srv.ID, transitions[0].ServerID)

	// same state again only refreshes the probe timestamp
	require.NoError(t, reg.SetHealth(context.Background(), srv.ID, models.HealthUnreachable))
	assert.Len(t, audit.byAction("health_transition"), 1)

	got, err := reg.GetServer(context.Background(), srv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnreachable, got.Health)
	assert.NotNil(t, got.LastProbedAt)
}

func TestListEligible(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, &recordingAudit{})

	healthy := &models.Server{Address: "1.1.1.1", Protocols: []string{"vless", "trojan"}, Capacity: 10}
	wrongProto := &models.Server{Address: "2.2.2.2", Protocols: []string{"vmess"}, Capacity: 10}
	down := &models.Server{Address: "3.3.3.3", Protocols: []string{"vless"}, Capacity: 10}
	for _, srv := range []*models.Server{healthy, wrongProto, down} {
		require.NoError(t, reg.RegisterServer(context.Background(), srv))
	}
	require.NoError(t, reg.SetHealth(context.Background(), down.ID, models.HealthUnreachable))

	eligible, err := reg.ListEligible(context.Background(), models.ProtocolVLESS)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, healthy.ID, eligible[0].ID)

	_, err = reg.ListEligible(context.Background(), "wireguard")
	assert.Error(t, err)
}

func TestRemoveServer(t *testing.T) {
	store := newMemStore()
	audit := &recordingAudit{}
	reg := NewRegistry(store, audit)

	srv := &models.Server{Address: "1.2.3.4", Protocols: []string{"vless"}, Capacity: 10}
	require.NoError(t, reg.RegisterServer(context.Background(), srv))

	require.NoError(t, reg.RemoveServer(context.Background(), srv.ID))
	_, err := reg.GetServer(context.Background(), srv.ID)
	assert.Error(t, err)
	assert.Len(t, audit.byAction("server_removed"), 1)
}

func TestUpdateCapacityValidation(t *testing.T) {
	reg := NewRegistry(newMemStore(), &recordingAudit{})
	err := reg.UpdateCapacity(context.Background(), "any", -1)
	assert.Error(t, err)
}
