package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
	"github.com/basilisk-labs/mcpcore/internal/domain/protocol"
)

// mockSessionStore is a simple in-memory mock for testing.
type mockSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{
		sessions: make(map[string]*Session),
	}
}

func (m *mockSessionStore) Create(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return nil
}

func (m *mockSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	// Return a copy to avoid mutation races across goroutines.
	cp := *sess
	cp.Roles = make([]auth.Role, len(sess.Roles))
	copy(cp.Roles, sess.Roles)
	return &cp, nil
}

func (m *mockSessionStore) Update(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[sess.ID] = sess
	return nil
}

func (m *mockSessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func TestGenerateSessionID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateSessionID()
		if err != nil {
			t.Fatalf("GenerateSessionID() error = %v", err)
		}
		if ids[id] {
			t.Errorf("GenerateSessionID() generated duplicate ID: %s", id)
		}
		ids[id] = true
		if len(id) != 64 {
			t.Errorf("GenerateSessionID() len = %d, want 64", len(id))
		}
	}
}

func TestSessionService_Create(t *testing.T) {
	store := newMockSessionStore()
	service := NewSessionService(store, Config{Timeout: 30 * time.Minute})
	ctx := context.Background()

	identity := &auth.Identity{
		ID:    "user-123",
		Name:  "Test User",
		Roles: []auth.Role{auth.RoleUser},
	}

	sess, err := service.Create(ctx, identity, "conn-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if sess.ID == "" || len(sess.ID) != 64 {
		t.Errorf("Create() session.ID = %q, want 64 hex chars", sess.ID)
	}
	if sess.Phase != AwaitingInit {
		t.Errorf("Create() phase = %v, want AwaitingInit", sess.Phase)
	}
	if sess.IdentityID != identity.ID {
		t.Errorf("Create() session.IdentityID = %q, want %q", sess.IdentityID, identity.ID)
	}
	if len(sess.Roles) != 1 || sess.Roles[0] != auth.RoleUser {
		t.Errorf("Create() session.Roles = %v, want [%s]", sess.Roles, auth.RoleUser)
	}
	if sess.ConnectionID != "conn-1" {
		t.Errorf("Create() ConnectionID = %q, want conn-1", sess.ConnectionID)
	}
	if sess.CreatedAt.IsZero() || sess.ExpiresAt.IsZero() || sess.LastAccess.IsZero() {
		t.Error("Create() left a timestamp field zero")
	}
}

func TestSessionService_InitializeLifecycle(t *testing.T) {
	store := newMockSessionStore()
	cfg := Config{
		Timeout:            30 * time.Minute,
		ServerCapabilities: protocol.ServerCapabilities{Tools: &protocol.ToolsCapability{ListChanged: true}},
	}
	service := NewSessionService(store, cfg)
	ctx := context.Background()

	sess, err := service.Create(ctx, nil, "conn-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sess, err = service.Initialize(ctx, sess.ID, "2025-06-18", protocol.ClientCapabilities{}, ClientInfo{Name: "test-client", Version: "1.0"})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if sess.Phase != Initializing {
		t.Errorf("phase after Initialize = %v, want Initializing", sess.Phase)
	}
	if sess.NegotiatedVersion != "2025-06-18" {
		t.Errorf("NegotiatedVersion = %q, want 2025-06-18", sess.NegotiatedVersion)
	}

	// A second initialize is rejected.
	if _, err := service.Initialize(ctx, sess.ID, "2025-06-18", protocol.ClientCapabilities{}, ClientInfo{}); err != protocol.ErrAlreadyInit {
		t.Errorf("second Initialize() error = %v, want ErrAlreadyInit", err)
	}

	if err := service.Activate(ctx, sess.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	got, err := service.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Phase != Ready {
		t.Errorf("phase after Activate = %v, want Ready", got.Phase)
	}

	// Activate is only valid once, from Initializing.
	if err := service.Activate(ctx, sess.ID); err != ErrInvalidTransition {
		t.Errorf("second Activate() error = %v, want ErrInvalidTransition", err)
	}

	if err := service.BeginDrain(ctx, sess.ID); err != nil {
		t.Fatalf("BeginDrain() error = %v", err)
	}
	got, err = service.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Phase != Draining {
		t.Errorf("phase after BeginDrain = %v, want Draining", got.Phase)
	}

	if err := service.Close(ctx, sess.ID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := service.Get(ctx, sess.ID); err != ErrSessionNotFound {
		t.Errorf("Get() after Close() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionService_BeginDrainFromInitializing(t *testing.T) {
	store := newMockSessionStore()
	service := NewSessionService(store, Config{Timeout: 30 * time.Minute})
	ctx := context.Background()

	sess, _ := service.Create(ctx, nil, "conn-1")
	if _, err := service.Initialize(ctx, sess.ID, "2025-06-18", protocol.ClientCapabilities{}, ClientInfo{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	// Activate before Initialize is never reachable in this flow, but
	// BeginDrain from Initializing must still succeed.
	if err := service.BeginDrain(ctx, sess.ID); err != nil {
		t.Fatalf("BeginDrain() from Initializing error = %v", err)
	}
}

func TestSessionService_Get(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*mockSessionStore, *SessionService) string
		wantErr error
	}{
		{
			name: "returns session if not expired",
			setup: func(store *mockSessionStore, svc *SessionService) string {
				ctx := context.Background()
				identity := &auth.Identity{ID: "user-1", Roles: []auth.Role{auth.RoleUser}}
				sess, _ := svc.Create(ctx, identity, "conn-1")
				return sess.ID
			},
			wantErr: nil,
		},
		{
			name: "returns error if session does not exist",
			setup: func(store *mockSessionStore, svc *SessionService) string {
				return "nonexistent-session-id"
			},
			wantErr: ErrSessionNotFound,
		},
		{
			name: "returns error if session expired",
			setup: func(store *mockSessionStore, svc *SessionService) string {
				sess := &Session{
					ID:         "expired-session",
					IdentityID: "user-1",
					Roles:      []auth.Role{auth.RoleUser},
					CreatedAt:  time.Now().Add(-2 * time.Hour),
					ExpiresAt:  time.Now().Add(-1 * time.Hour),
					LastAccess: time.Now().Add(-2 * time.Hour),
				}
				_ = store.Create(context.Background(), sess)
				return sess.ID
			},
			wantErr: ErrSessionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockSessionStore()
			service := NewSessionService(store, Config{Timeout: 30 * time.Minute})
			ctx := context.Background()

			sessionID := tt.setup(store, service)
			_, err := service.Get(ctx, sessionID)

			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Errorf("Get() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get() unexpected error = %v", err)
			}
		})
	}
}

func TestSessionService_Refresh(t *testing.T) {
	store := newMockSessionStore()
	service := NewSessionService(store, Config{Timeout: 30 * time.Minute})
	ctx := context.Background()

	identity := &auth.Identity{ID: "user-1", Roles: []auth.Role{auth.RoleUser}}
	sess, _ := service.Create(ctx, identity, "conn-1")

	originalExpiry := sess.ExpiresAt
	time.Sleep(10 * time.Millisecond)

	if err := service.Refresh(ctx, sess.ID); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	refreshed, err := service.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() after Refresh() error = %v", err)
	}
	if !refreshed.ExpiresAt.After(originalExpiry) {
		t.Errorf("Refresh() ExpiresAt = %v, want after %v", refreshed.ExpiresAt, originalExpiry)
	}
	if !refreshed.LastAccess.After(sess.LastAccess) {
		t.Errorf("Refresh() LastAccess = %v, want after %v", refreshed.LastAccess, sess.LastAccess)
	}
}

func TestSessionService_Delete(t *testing.T) {
	store := newMockSessionStore()
	service := NewSessionService(store, Config{Timeout: 30 * time.Minute})
	ctx := context.Background()

	identity := &auth.Identity{ID: "user-1", Roles: []auth.Role{auth.RoleUser}}
	sess, _ := service.Create(ctx, identity, "conn-1")

	if err := service.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := service.Get(ctx, sess.ID); err != ErrSessionNotFound {
		t.Errorf("Get() after Delete() error = %v, want %v", err, ErrSessionNotFound)
	}
}

func TestSession_IsExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "not expired when ExpiresAt is in future", expiresAt: time.Now().Add(1 * time.Hour), want: false},
		{name: "expired when ExpiresAt is in past", expiresAt: time.Now().Add(-1 * time.Hour), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &Session{ExpiresAt: tt.expiresAt}
			if got := sess.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_Refresh(t *testing.T) {
	sess := &Session{
		ExpiresAt:  time.Now().Add(10 * time.Minute),
		LastAccess: time.Now().Add(-5 * time.Minute),
	}

	timeout := 30 * time.Minute
	beforeRefresh := time.Now()
	sess.Refresh(timeout)

	if sess.LastAccess.Before(beforeRefresh) {
		t.Errorf("Refresh() LastAccess = %v, want >= %v", sess.LastAccess, beforeRefresh)
	}
	expectedExpiry := time.Now().Add(timeout)
	if sess.ExpiresAt.Before(expectedExpiry.Add(-time.Second)) ||
		sess.ExpiresAt.After(expectedExpiry.Add(time.Second)) {
		t.Errorf("Refresh() ExpiresAt = %v, want ~%v", sess.ExpiresAt, expectedExpiry)
	}
}

func TestSession_HasRole(t *testing.T) {
	sess := &Session{Roles: []auth.Role{auth.RoleUser, auth.RoleReadOnly}}
	if !sess.HasRole(auth.RoleUser) {
		t.Error("HasRole(RoleUser) = false, want true")
	}
	if sess.HasRole(auth.RoleAdmin) {
		t.Error("HasRole(RoleAdmin) = true, want false")
	}
}

func TestNewSessionService_DefaultTimeout(t *testing.T) {
	store := newMockSessionStore()
	service := NewSessionService(store, Config{Timeout: 0})

	ctx := context.Background()
	identity := &auth.Identity{ID: "user-1", Roles: []auth.Role{auth.RoleUser}}
	sess, _ := service.Create(ctx, identity, "conn-1")

	expectedExpiry := time.Now().Add(DefaultTimeout)
	if sess.ExpiresAt.Before(expectedExpiry.Add(-time.Second)) ||
		sess.ExpiresAt.After(expectedExpiry.Add(time.Second)) {
		t.Errorf("Default timeout: ExpiresAt = %v, want ~%v", sess.ExpiresAt, expectedExpiry)
	}
}
