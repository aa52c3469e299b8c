package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
	"github.com/basilisk-labs/mcpcore/internal/domain/session"
)

// SessionStore implements session.SessionStore on top of a *DB. Unlike the
// in-memory adapter it survives process restarts, at the cost of a query
// per Get/Update rather than a map lookup.
type SessionStore struct {
	db *DB
}

// NewSessionStore wraps db as a session.SessionStore.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	clientCaps, err := json.Marshal(sess.ClientCapabilities)
	if err != nil {
		return fmt.Errorf("sqlite: marshal client capabilities: %w", err)
	}
	serverCaps, err := json.Marshal(sess.ServerCapabilities)
	if err != nil {
		return fmt.Errorf("sqlite: marshal server capabilities: %w", err)
	}
	clientInfo, err := json.Marshal(sess.ClientInfo)
	if err != nil {
		return fmt.Errorf("sqlite: marshal client info: %w", err)
	}
	roles, err := json.Marshal(sess.Roles)
	if err != nil {
		return fmt.Errorf("sqlite: marshal roles: %w", err)
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO sessions (
			id, negotiated_version, client_capabilities, server_capabilities,
			client_info, phase, identity_id, identity_name, roles,
			connection_id, created_at, expires_at, last_access
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.NegotiatedVersion, string(clientCaps), string(serverCaps),
		string(clientInfo), int(sess.Phase), sess.IdentityID, sess.IdentityName, string(roles),
		sess.ConnectionID, sess.CreatedAt, sess.ExpiresAt, sess.LastAccess,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT id, negotiated_version, client_capabilities, server_capabilities,
		       client_info, phase, identity_id, identity_name, roles,
		       connection_id, created_at, expires_at, last_access
		FROM sessions WHERE id = ?`, id)

	sess, clientCaps, serverCaps, clientInfo, roles, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: query session: %w", err)
	}
	if err := unmarshalSessionJSON(sess, clientCaps, serverCaps, clientInfo, roles); err != nil {
		return nil, err
	}
	if sess.IsExpired() {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

// Update saves changes to an existing session.
func (s *SessionStore) Update(ctx context.Context, sess *session.Session) error {
	clientCaps, err := json.Marshal(sess.ClientCapabilities)
	if err != nil {
		return fmt.Errorf("sqlite: marshal client capabilities: %w", err)
	}
	serverCaps, err := json.Marshal(sess.ServerCapabilities)
	if err != nil {
		return fmt.Errorf("sqlite: marshal server capabilities: %w", err)
	}
	clientInfo, err := json.Marshal(sess.ClientInfo)
	if err != nil {
		return fmt.Errorf("sqlite: marshal client info: %w", err)
	}
	roles, err := json.Marshal(sess.Roles)
	if err != nil {
		return fmt.Errorf("sqlite: marshal roles: %w", err)
	}

	result, err := s.db.conn.ExecContext(ctx, `
		UPDATE sessions SET
			negotiated_version = ?, client_capabilities = ?, server_capabilities = ?,
			client_info = ?, phase = ?, identity_id = ?, identity_name = ?, roles = ?,
			connection_id = ?, expires_at = ?, last_access = ?
		WHERE id = ?`,
		sess.NegotiatedVersion, string(clientCaps), string(serverCaps),
		string(clientInfo), int(sess.Phase), sess.IdentityID, sess.IdentityName, string(roles),
		sess.ConnectionID, sess.ExpiresAt, sess.LastAccess, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update session rows affected: %w", err)
	}
	if rows == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// Delete removes a session.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete session: %w", err)
	}
	return nil
}

// PruneExpired deletes every session whose expiry has passed, mirroring the
// in-memory adapter's background cleanup goroutine but run on demand (e.g.
// from a cron-style caller) since sqlite has no built-in TTL.
func (s *SessionStore) PruneExpired(ctx context.Context) (int64, error) {
	result, err := s.db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune expired sessions: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row rowScanner) (sess *session.Session, clientCaps, serverCaps, clientInfo, roles string, err error) {
	sess = &session.Session{}
	var phase int
	err = row.Scan(
		&sess.ID, &sess.NegotiatedVersion, &clientCaps, &serverCaps,
		&clientInfo, &phase, &sess.IdentityID, &sess.IdentityName, &roles,
		&sess.ConnectionID, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastAccess,
	)
	sess.Phase = session.Phase(phase)
	return sess, clientCaps, serverCaps, clientInfo, roles, err
}

func unmarshalSessionJSON(sess *session.Session, clientCaps, serverCaps, clientInfo, roles string) error {
	if err := json.Unmarshal([]byte(clientCaps), &sess.ClientCapabilities); err != nil {
		return fmt.Errorf("sqlite: unmarshal client capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(serverCaps), &sess.ServerCapabilities); err != nil {
		return fmt.Errorf("sqlite: unmarshal server capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(clientInfo), &sess.ClientInfo); err != nil {
		return fmt.Errorf("sqlite: unmarshal client info: %w", err)
	}
	var r []auth.Role
	if err := json.Unmarshal([]byte(roles), &r); err != nil {
		return fmt.Errorf("sqlite: unmarshal roles: %w", err)
	}
	sess.Roles = r
	return nil
}

var _ session.SessionStore = (*SessionStore)(nil)
