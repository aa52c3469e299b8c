// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with request_id/tenant_id fields.
type LoggerKey struct{}

// RequestIDKey is the context key type for the per-request correlation id
// set by transport middleware.
type RequestIDKey struct{}

// APIKeyKey is the context key type for the raw bearer credential
// extracted by a transport's auth middleware, consumed by the auth hook.
type APIKeyKey struct{}

// ConnectionIDKey is the context key type for the physical transport
// connection identifier a session is bound to
// "ConnectionID"): the stdio process, or a per-API-key HTTP connection
// bucket so sessions never bleed across distinct clients sharing one
// transport.
type ConnectionIDKey struct{}

// IPAddressKey is the context key type for the caller's real IP address,
// used to key the per-peer rate limiter.
type IPAddressKey struct{}

// AuthKey is the context key type for the resolved auth.AuthContext
// attached to a request by the pre-router auth filter
// populates context.metadata["auth"]).
type AuthKey struct{}

// SessionIDKey is the context key type for the negotiated session id a
// request belongs to, set by the router before handler invocation.
type SessionIDKey struct{}

