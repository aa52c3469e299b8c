// Package session owns the per-connection MCP state machine: the
// handshake, the negotiated protocol version and capability sets, and the
// lifecycle phase every dispatch decision is gated on.
package session

import (
	"time"

	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
	"github.com/basilisk-labs/mcpcore/internal/domain/protocol"
)

// Phase is one of the five lifecycle states a session moves through.
type Phase int

const (
	// AwaitingInit is the state on transport connect; only initialize is
	// accepted.
	AwaitingInit Phase = iota
	// Initializing is entered on acceptance of initialize, before the
	// client's notifications/initialized arrives.
	Initializing
	// Ready is the steady state: all methods are dispatchable.
	Ready
	// Draining is entered on shutdown request or transport EOF; in-flight
	// requests are allowed to finish but no new ones are accepted.
	Draining
	// Closed is terminal.
	Closed
)

// String renders the phase name, used in error messages and events.
func (p Phase) String() string {
	switch p {
	case AwaitingInit:
		return "AwaitingInit"
	case Initializing:
		return "Initializing"
	case Ready:
		return "Ready"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ClientInfo identifies the connecting client, echoed from initialize
// params.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies this server, returned in InitializeResult.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// Session is the complete runtime state of one logical connection
//. Exactly one session exists per transport
// connection: stdio has exactly one for the process lifetime, HTTP/SSE
// sessions are keyed by the Mcp-Session-Id header.
type Session struct {
	// ID is a cryptographically random identifier, 32 bytes hex-encoded.
	ID string

	NegotiatedVersion  string
	ClientCapabilities protocol.ClientCapabilities
	ServerCapabilities protocol.ServerCapabilities
	ClientInfo         ClientInfo
	Phase              Phase

	// IdentityID/IdentityName/Roles carry the authenticated identity bound
	// to this session at transport-connect time.
	IdentityID   string
	IdentityName string
	Roles        []auth.Role

	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastAccess time.Time

	// ConnectionID ties the session to the physical transport connection
	// it was created on (e.g. an HTTP client's API-key hash, or "stdio").
	// Outbound stores use it to scope lookups so a session can never be
	// resumed from an unrelated connection.
	ConnectionID string
}

// IsExpired reports whether the session has exceeded its timeout.
func (s *Session) IsExpired() bool {
	return time.Now().UTC().After(s.ExpiresAt)
}

// IsReady reports whether the session accepts ordinary method dispatch.
func (s *Session) IsReady() bool { return s.Phase == Ready }

// Refresh updates LastAccess and extends ExpiresAt by the given duration.
func (s *Session) Refresh(timeout time.Duration) {
	now := time.Now().UTC()
	s.LastAccess = now
	s.ExpiresAt = now.Add(timeout)
}

// HasRole reports whether the session's bound identity carries role r.
func (s *Session) HasRole(r auth.Role) bool {
	for _, have := range s.Roles {
		if have == r {
			return true
		}
	}
	return false
}
