package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
	"github.com/basilisk-labs/mcpcore/internal/domain/protocol"
)

// DefaultTimeout is the default session timeout.
const DefaultTimeout = 30 * time.Minute

// Config holds session service configuration.
type Config struct {
	// Timeout is the session expiration duration. Default: 30 minutes.
	Timeout time.Duration

	// SupportedVersions overrides protocol.SupportedVersions for
	// negotiation, in priority order. Empty means use the package default.
	SupportedVersions []string

	// ServerCapabilities is the capability set advertised to every client
	// on initialize; Tasks is only ever non-nil when the tasks feature
	// flag is enabled at the config layer.
	ServerCapabilities protocol.ServerCapabilities

	// ServerInfo is echoed in every InitializeResult.
	ServerInfo ServerInfo
}

// SessionService manages session lifecycle, including the handshake phase
// transitions.
type SessionService struct {
	store   SessionStore
	timeout time.Duration
	cfg     Config
}

// NewSessionService creates a new SessionService with the given store and config.
func NewSessionService(store SessionStore, cfg Config) *SessionService {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &SessionService{
		store:   store,
		timeout: timeout,
		cfg:     cfg,
	}
}

// Create opens a new session in the AwaitingInit phase, bound to a
// transport connection and (if the transport authenticated one) an
// identity. identity may be nil for transports that defer auth to the
// initialize handshake itself.
func (s *SessionService) Create(ctx context.Context, identity *auth.Identity, connectionID string) (*Session, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           id,
		Phase:        AwaitingInit,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.timeout),
		LastAccess:   now,
		ConnectionID: connectionID,
	}
	if identity != nil {
		sess.IdentityID = identity.ID
		sess.IdentityName = identity.Name
		sess.Roles = identity.Roles
	}

	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return sess, nil
}

// Get retrieves a session by ID.
// Returns ErrSessionNotFound if the session doesn't exist.
func (s *SessionService) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.IsExpired() {
		_ = s.store.Delete(ctx, id)
		return nil, ErrSessionNotFound
	}

	return sess, nil
}

// Initialize handles an `initialize` request: it must arrive while the
// session is in AwaitingInit, negotiates the protocol version, records the
// client's capabilities/info, and moves the session to Initializing
//. It returns the negotiated version and this server's
// capabilities/info for the caller to build the InitializeResult from.
func (s *SessionService) Initialize(ctx context.Context, id string, requestedVersion string, clientCaps protocol.ClientCapabilities, clientInfo ClientInfo) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Phase != AwaitingInit {
		return nil, protocol.ErrAlreadyInit
	}

	sess.NegotiatedVersion = protocol.Negotiate(requestedVersion, s.cfg.SupportedVersions)
	sess.ClientCapabilities = clientCaps
	sess.ServerCapabilities = s.cfg.ServerCapabilities
	sess.ClientInfo = clientInfo
	sess.Phase = Initializing
	sess.Refresh(s.timeout)

	if err := s.store.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to record initialize: %w", err)
	}
	return sess, nil
}

// Activate handles `notifications/initialized`: it must arrive while the
// session is Initializing, and moves it to Ready. Any other phase is a
// protocol violation the router rejects without effect.
func (s *SessionService) Activate(ctx context.Context, id string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Phase != Initializing {
		return ErrInvalidTransition
	}
	sess.Phase = Ready
	sess.Refresh(s.timeout)
	if err := s.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("failed to activate session: %w", err)
	}
	return nil
}

// BeginDrain moves a session to Draining: in-flight requests are allowed
// to complete but no new ones are accepted. Valid from any phase except
// Closed.
func (s *SessionService) BeginDrain(ctx context.Context, id string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Phase == Closed {
		return ErrInvalidTransition
	}
	sess.Phase = Draining
	if err := s.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("failed to drain session: %w", err)
	}
	return nil
}

// Close moves a session to Closed and removes it from the store. It is
// idempotent: closing an already-closed or missing session is not an
// error.
func (s *SessionService) Close(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// Refresh extends session expiration and updates last access time.
func (s *SessionService) Refresh(ctx context.Context, id string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if sess.IsExpired() {
		_ = s.store.Delete(ctx, id)
		return ErrSessionNotFound
	}

	sess.Refresh(s.timeout)

	if err := s.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}

	return nil
}

// Delete terminates a session unconditionally.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// GenerateSessionID creates a cryptographically random session ID.
// Uses crypto/rand for unpredictability. Returns 64 hex characters (32
// bytes).
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
