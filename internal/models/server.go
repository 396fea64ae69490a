package models

import (
	"time"
)

// VPN protocol constants
const (
	ProtocolVLESS  = "vless"
	ProtocolVMess  = "vmess"
	ProtocolTrojan = "trojan"
)

// Server health state constants
const (
	HealthHealthy     = "healthy"
	HealthDegraded    = "degraded"
	HealthUnreachable = "unreachable"
)

// ValidProtocol reports whether p is a supported VPN protocol
func ValidProtocol(p string) bool {
	switch p {
	case ProtocolVLESS, ProtocolVMess, ProtocolTrojan:
		return true
	}
	return false
}

// Server represents a fleet node that can host VPN accounts
type Server struct {
	ID           string
	Name         string
	Address      string // public hostname or IP
	SSHUser      string
	SSHPort      int
	Protocols    []string // subset of vless/vmess/trojan
	Capacity     int      // max concurrent active accounts
	Health       string
	LastProbedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SupportsProtocol reports whether the server is configured for the protocol
func (s *Server) SupportsProtocol(protocol string) bool {
	for _, p := range s.Protocols {
		if p == protocol {
			return true
		}
	}
	return false
}
