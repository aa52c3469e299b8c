package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
)

// Error types for auth store operations, mirroring memory.ErrKeyNotFound /
// memory.ErrIdentityNotFound.
var (
	ErrKeyNotFound      = errors.New("api key not found")
	ErrIdentityNotFound = errors.New("identity not found")
)

// AuthStore implements auth.AuthStore on top of a *DB, the persistent
// counterpart to memory.AuthStore.
type AuthStore struct {
	db *DB
}

// NewAuthStore wraps db as an auth.AuthStore.
func NewAuthStore(db *DB) *AuthStore {
	return &AuthStore{db: db}
}

// GetAPIKey retrieves an API key by its hash.
func (s *AuthStore) GetAPIKey(ctx context.Context, keyHash string) (*auth.APIKey, error) {
	var key auth.APIKey
	var expiresAt sql.NullTime
	var revoked int
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT key_hash, identity_id, name, created_at, expires_at, revoked
		FROM api_keys WHERE key_hash = ?`, keyHash,
	).Scan(&key.Key, &key.IdentityID, &key.Name, &key.CreatedAt, &expiresAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: query api key: %w", err)
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	key.Revoked = revoked != 0
	return &key, nil
}

// GetIdentity retrieves user identity by ID.
func (s *AuthStore) GetIdentity(ctx context.Context, id string) (*auth.Identity, error) {
	var identity auth.Identity
	var rolesJSON string
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT id, name, roles FROM identities WHERE id = ?`, id,
	).Scan(&identity.ID, &identity.Name, &rolesJSON)
	if err == sql.ErrNoRows {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: query identity: %w", err)
	}
	if err := json.Unmarshal([]byte(rolesJSON), &identity.Roles); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal identity roles: %w", err)
	}
	return &identity, nil
}

// ListAPIKeys returns all stored API keys for iteration-based verification.
func (s *AuthStore) ListAPIKeys(ctx context.Context) ([]*auth.APIKey, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT key_hash, identity_id, name, created_at, expires_at, revoked FROM api_keys`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*auth.APIKey
	for rows.Next() {
		var key auth.APIKey
		var expiresAt sql.NullTime
		var revoked int
		if err := rows.Scan(&key.Key, &key.IdentityID, &key.Name, &key.CreatedAt, &expiresAt, &revoked); err != nil {
			return nil, fmt.Errorf("sqlite: scan api key: %w", err)
		}
		if expiresAt.Valid {
			key.ExpiresAt = &expiresAt.Time
		}
		key.Revoked = revoked != 0
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

// PutIdentity upserts an identity, used by provisioning tooling (hash-key
// equivalent) rather than by the request path.
func (s *AuthStore) PutIdentity(ctx context.Context, identity *auth.Identity) error {
	roles, err := json.Marshal(identity.Roles)
	if err != nil {
		return fmt.Errorf("sqlite: marshal identity roles: %w", err)
	}
	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO identities (id, name, roles) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, roles = excluded.roles`,
		identity.ID, identity.Name, string(roles),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert identity: %w", err)
	}
	return nil
}

// PutAPIKey inserts a new API key record.
func (s *AuthStore) PutAPIKey(ctx context.Context, key *auth.APIKey) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, identity_id, name, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.Key, key.IdentityID, key.Name, key.CreatedAt, key.ExpiresAt, boolToInt(key.Revoked),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert api key: %w", err)
	}
	return nil
}

// RevokeAPIKey marks a key revoked without deleting its audit trail.
func (s *AuthStore) RevokeAPIKey(ctx context.Context, keyHash string) error {
	result, err := s.db.conn.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE key_hash = ?`, keyHash)
	if err != nil {
		return fmt.Errorf("sqlite: revoke api key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: revoke api key rows affected: %w", err)
	}
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ auth.AuthStore = (*AuthStore)(nil)
