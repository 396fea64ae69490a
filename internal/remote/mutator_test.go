package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

// fakeNode emulates one fleet server's shell: a file set plus injectable
// failures, driven by the exact commands the mutator issues.
type fakeNode struct {
	mu    sync.Mutex
	files map[string]string

	writeErr   error // returned for the config write phase
	restartErr error // returned for the restart phase
	restarts   int
}

func newFakeNode() *fakeNode {
	return &fakeNode{files: make(map[string]string)}
}

func (n *fakeNode) Run(ctx context.Context, server *models.Server, cmd string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case strings.HasPrefix(cmd, "mkdir -p "):
		if n.writeErr != nil {
			return "", n.writeErr
		}
		// mkdir -p <dir> && cat > <path> <<'EOF'\n<content>\nEOF
		head, content, ok := strings.Cut(cmd, "<<'EOF'\n")
		if !ok {
			return "", &ExitError{Code: 2, Output: "malformed heredoc"}
		}
		fields := strings.Fields(head)
		path := fields[len(fields)-1] // redirect target
		n.files[path] = strings.TrimSuffix(content, "\nEOF")
		return "", nil

	case strings.HasPrefix(cmd, "rm -f "):
		if n.writeErr != nil {
			return "", n.writeErr
		}
		delete(n.files, strings.TrimPrefix(cmd, "rm -f "))
		return "", nil

	case strings.HasPrefix(cmd, "test -f "):
		if _, ok := n.files[strings.TrimPrefix(cmd, "test -f ")]; ok {
			return "", nil
		}
		return "", &ExitError{Code: 1}

	case strings.HasPrefix(cmd, "systemctl restart "):
		if n.restartErr != nil {
			return "", n.restartErr
		}
		n.restarts++
		return "", nil
	}

	return "", &ExitError{Code: 127, Output: "command not found"}
}

func (n *fakeNode) fileCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.files)
}

type nopAudit struct{}

func (nopAudit) Record(ctx context.Context, ev *models.AuditEvent) {}

func testServer() *models.Server {
	return &models.Server{ID: "srv-1", Address: "1.2.3.4"}
}

func vlessAccount() *models.Account {
	return &models.Account{
		ID:             "acct-1",
		Protocol:       models.ProtocolVLESS,
		Username:       "acct-1-vless",
		CredentialUUID: "11111111-2222-4333-8444-555555555555",
		DeviceLimit:    1,
		ExpiresAt:      time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestMutator(node *fakeNode) *Mutator {
	return NewMutator(node, nopAudit{}, "/etc/xray/clients.d", "xray", 5*time.Second)
}

func TestApplyAdd(t *testing.T) {
	node := newFakeNode()
	m := newTestMutator(node)

	outcome, err := m.ApplyAdd(context.Background(), testServer(), vlessAccount())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 1, node.fileCount())
	assert.Equal(t, 1, node.restarts)
	assert.Contains(t, node.files["/etc/xray/clients.d/acct-1.json"], "acct-1")
}

func TestApplyAddIsIdempotent(t *testing.T) {
	node := newFakeNode()
	m := newTestMutator(node)
	acct := vlessAccount()

	for i := 0; i < 3; i++ {
		outcome, err := m.ApplyAdd(context.Background(), testServer(), acct)
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, outcome)
	}

	// Repeated applies overwrite the same entry, never duplicate it
	assert.Equal(t, 1, node.fileCount())
}

func TestApplyAddPartialFailures(t *testing.T) {
	tests := []struct {
		name       string
		writeErr   error
		restartErr error
		want       Outcome
	}{
		{
			name:     "write rejected",
			writeErr: &ExitError{Code: 1, Output: "read-only file system"},
			want:     OutcomeConfigRejected,
		},
		{
			name:     "write unreachable",
			writeErr: errors.New("dial tcp: i/o timeout"),
			want:     OutcomeUnreachable,
		},
		{
			name:       "restart failed after write",
			restartErr: &ExitError{Code: 1, Output: "xray.service failed"},
			want:       OutcomeRestartFailed,
		},
		{
			name:       "restart unreachable after write",
			restartErr: errors.New("connection reset"),
			want:       OutcomeUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeNode()
			node.writeErr = tt.writeErr
			node.restartErr = tt.restartErr
			m := newTestMutator(node)

			outcome, err := m.ApplyAdd(context.Background(), testServer(), vlessAccount())
			assert.Equal(t, tt.want, outcome)
			assert.Error(t, err)
		})
	}
}

func TestApplyRemove(t *testing.T) {
	node := newFakeNode()
	m := newTestMutator(node)
	acct := vlessAccount()

	_, err := m.ApplyAdd(context.Background(), testServer(), acct)
	require.NoError(t, err)

	outcome, err := m.ApplyRemove(context.Background(), testServer(), acct)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 0, node.fileCount())
}

func TestApplyRemoveAbsentEntrySucceeds(t *testing.T) {
	node := newFakeNode()
	m := newTestMutator(node)

	outcome, err := m.ApplyRemove(context.Background(), testServer(), vlessAccount())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestHasEntry(t *testing.T) {
	node := newFakeNode()
	m := newTestMutator(node)
	acct := vlessAccount()

	deployed, err := m.HasEntry(context.Background(), testServer(), acct)
	require.NoError(t, err)
	assert.False(t, deployed)

	_, err = m.ApplyAdd(context.Background(), testServer(), acct)
	require.NoError(t, err)

	deployed, err = m.HasEntry(context.Background(), testServer(), acct)
	require.NoError(t, err)
	assert.True(t, deployed)
}

func TestHasEntryTransportError(t *testing.T) {
	// a transport failure must surface as an error, not "not deployed"
	failing := runnerFunc(func(ctx context.Context, server *models.Server, cmd string) (string, error) {
		return "", errors.New("dial tcp: i/o timeout")
	})
	m := NewMutator(failing, nopAudit{}, "/etc/xray/clients.d", "xray", time.Second)

	_, err := m.HasEntry(context.Background(), testServer(), vlessAccount())
	assert.Error(t, err)
}

type runnerFunc func(ctx context.Context, server *models.Server, cmd string) (string, error)

func (f runnerFunc) Run(ctx context.Context, server *models.Server, cmd string) (string, error) {
	return f(ctx, server, cmd)
}
