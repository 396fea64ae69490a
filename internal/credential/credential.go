package credential

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

// Material is freshly generated credential material for one account
type Material struct {
	UUID   string // client id for vless/vmess
	Secret string // trojan password
}

// Generate creates protocol-appropriate credential material
func Generate(protocol string) (Material, error) {
	switch protocol {
	case models.ProtocolVLESS, models.ProtocolVMess:
		return Material{UUID: uuid.New().String()}, nil
	case models.ProtocolTrojan:
		return Material{UUID: uuid.New().String(), Secret: randomSecret(16)}, nil
	default:
		return Material{}, fmt.Errorf("unsupported protocol %q", protocol)
	}
}

// remoteEntry is the per-account client object deployed to a node's drop-in
// config directory. Keyed by account id on the remote side so a repeated
// apply overwrites in place.
type remoteEntry struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Protocol  string `json:"protocol"`
	ID        string `json:"id,omitempty"`       // vless/vmess client id
	Password  string `json:"password,omitempty"` // trojan
	Expires   string `json:"expires"`
	Devices   int    `json:"devices"`
}

// RemoteEntry renders the JSON client entry for deployment
func RemoteEntry(acct *models.Account) (string, error) {
	entry := remoteEntry{
		AccountID: acct.ID,
		Email:     acct.Username,
		Protocol:  acct.Protocol,
		Expires:   acct.ExpiresAt.UTC().Format(time.RFC3339),
		Devices:   acct.DeviceLimit,
	}

	switch acct.Protocol {
	case models.ProtocolTrojan:
		entry.Password = acct.CredentialSecret
	default:
		entry.ID = acct.CredentialUUID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal remote entry: %w", err)
	}
	return string(data), nil
}

// Link builds the client config link for an active account.
//
//	vless://uuid@host:port?path=/vless&encryption=none&type=ws#name
//	vmess://base64(json)
//	trojan://password@host:port?type=ws#name
func Link(acct *models.Account, host string, port int) (string, error) {
	switch acct.Protocol {
	case models.ProtocolVLESS:
		return fmt.Sprintf("vless://%s@%s:%d?path=/vless&encryption=none&type=ws#%s",
			acct.CredentialUUID, host, port, url.PathEscape(acct.Username)), nil

	case models.ProtocolVMess:
		payload := map[string]interface{}{
			"v":    "2",
			"ps":   acct.Username,
			"add":  host,
			"port": fmt.Sprintf("%d", port),
			"id":   acct.CredentialUUID,
			"aid":  "0",
			"net":  "ws",
			"path": "/vmess",
			"tls":  "none",
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal vmess payload: %w", err)
		}
		return "vmess://" + base64.StdEncoding.EncodeToString(data), nil

	case models.ProtocolTrojan:
		return fmt.Sprintf("trojan://%s@%s:%d?type=ws#%s",
			acct.CredentialSecret, host, port, url.PathEscape(acct.Username)), nil

	default:
		return "", fmt.Errorf("unsupported protocol %q", acct.Protocol)
	}
}

// randomSecret generates a random hex secret of the given length
func randomSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to UUID if crypto/rand fails
		return uuid.New().String()[:length]
	}
	return hex.EncodeToString(bytes)[:length]
}
