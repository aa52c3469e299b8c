package auth

import "context"

// AuthStore provides credential lookup for authentication.
// This interface is defined in the domain to avoid circular imports.
// Implementations: in-memory (dev/default), sqlite (optional persistence).
// Each implementation defines its own not-found sentinel errors
// (memory.ErrKeyNotFound/ErrIdentityNotFound, sqlite.ErrKeyNotFound/ErrIdentityNotFound).
type AuthStore interface {
	// GetAPIKey retrieves an API key by its hash.
	GetAPIKey(ctx context.Context, keyHash string) (*APIKey, error)

	// GetIdentity retrieves an identity by ID.
	GetIdentity(ctx context.Context, id string) (*Identity, error)

	// ListAPIKeys returns all stored API keys for iteration-based verification.
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
}
