package credential

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

func testAccount(protocol string) *models.Account {
	return &models.Account{
		ID:               "acct-1234",
		Protocol:         protocol,
		Username:         "acct-123-" + protocol,
		CredentialUUID:   "5a2b9c1e-0000-4000-8000-000000000001",
		CredentialSecret: "s3cr3tpassw0rd",
		DeviceLimit:      2,
		ExpiresAt:        time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestGenerate(t *testing.T) {
	tests := []struct {
		protocol   string
		wantSecret bool
		wantErr    bool
	}{
		{protocol: models.ProtocolVLESS},
		{protocol: models.ProtocolVMess},
		{protocol: models.ProtocolTrojan, wantSecret: true},
		{protocol: "wireguard", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			m, err := Generate(tt.protocol)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, m.UUID)
			if tt.wantSecret {
				assert.NotEmpty(t, m.Secret)
			} else {
				assert.Empty(t, m.Secret)
			}
		})
	}
}

func TestGenerateUnique(t *testing.T) {
	a, err := Generate(models.ProtocolVLESS)
	require.NoError(t, err)
	b, err := Generate(models.ProtocolVLESS)
	require.NoError(t, err)
	assert.NotEqual(t, a.UUID, b.UUID)
}

func TestRemoteEntry(t *testing.T) {
	t.Run("vless carries client id", func(t *testing.T) {
		entry, err := RemoteEntry(testAccount(models.ProtocolVLESS))
		require.NoError(t, err)

		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(entry), &decoded))
		assert.Equal(t, "acct-1234", decoded["account_id"])
		assert.Equal(t, "5a2b9c1e-0000-4000-8000-000000000001", decoded["id"])
		assert.NotContains(t, decoded, "password")
	})

	t.Run("trojan carries password", func(t *testing.T) {
		entry, err := RemoteEntry(testAccount(models.ProtocolTrojan))
		require.NoError(t, err)

		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(entry), &decoded))
		assert.Equal(t, "s3cr3tpassw0rd", decoded["password"])
		assert.NotContains(t, decoded, "id")
	})
}

func TestLink(t *testing.T) {
	t.Run("vless", func(t *testing.T) {
		link, err := Link(testAccount(models.ProtocolVLESS), "node1.example.com", 443)
		require.NoError(t, err)
		assert.Equal(t,
			"vless://5a2b9c1e-0000-4000-8000-000000000001@node1.example.com:443?path=/vless&encryption=none&type=ws#acct-123-vless",
			link)
	})

	t.Run("vmess decodes to client json", func(t *testing.T) {
		link, err := Link(testAccount(models.ProtocolVMess), "node1.example.com", 8443)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(link, "vmess://"))

		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(link, "vmess://"))
		require.NoError(t, err)

		var payload map[string]string
		require.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, "node1.example.com", payload["add"])
		assert.Equal(t, "8443", payload["port"])
		assert.Equal(t, "5a2b9c1e-0000-4000-8000-000000000001", payload["id"])
		assert.Equal(t, "ws", payload["net"])
	})

	t.Run("trojan", func(t *testing.T) {
		link, err := Link(testAccount(models.ProtocolTrojan), "node2.example.com", 2083)
		require.NoError(t, err)
		assert.Equal(t, "trojan://s3cr3tpassw0rd@node2.example.com:2083?type=ws#acct-123-trojan", link)
	})

	t.Run("unsupported protocol", func(t *testing.T) {
		_, err := Link(testAccount("wireguard"), "node1.example.com", 443)
		require.Error(t, err)
	})
}
