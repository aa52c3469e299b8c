package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basilisk-labs/mcpcore/internal/ctxkey"
	"github.com/basilisk-labs/mcpcore/internal/domain/ratelimit"
	"github.com/google/uuid"
)

// RequestIDMiddleware extracts or generates a per-request correlation id
// and enriches the logger with it.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			enriched := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched per-request logger, falling back
// to slog.Default() if none was attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// DNSRebindingProtection validates the Origin header against an allowlist,
// guarding against the MCP DNS-rebinding attack class. Requests without an
// Origin header (same-origin, non-browser
// clients) are always allowed; requests with one must name an allowed
// origin, or an empty allowlist blocks every cross-origin request.
func DNSRebindingProtection(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[origin]; !ok {
				http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyMiddleware extracts the bearer credential from Authorization and
// attaches it at ctxkey.APIKeyKey for the auth hook to
// resolve later, along with a stable per-key connection id so distinct
// clients sharing this transport never share a session cache entry.
func APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			ctx := context.WithValue(r.Context(), ctxkey.APIKeyKey{}, apiKey)
			ctx = context.WithValue(ctx, ctxkey.ConnectionIDKey{}, apiKeyConnectionID(apiKey))
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyConnectionID derives a stable, non-reversible connection id from a
// bearer credential so the raw key never ends up keying a map.
func apiKeyConnectionID(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return "http-" + hex.EncodeToString(h[:8])
}

// RealIPMiddleware extracts the caller's IP for rate-limit keying
//, preferring X-Forwarded-For/X-Real-IP (reverse-proxy
// deployments) over r.RemoteAddr, and attaches it at ctxkey.IPAddressKey.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := realIP(r)
		ctx := context.WithValue(r.Context(), ctxkey.IPAddressKey{}, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware runs the pre-dispatch rate check in front of the
// whole /mcp handler (POST/GET/DELETE alike), independent of the router's
// own per-message check, since a flood of malformed POSTs never reaches
// the router at all.
func (t *Transport) rateLimitMiddleware(next http.Handler) http.Handler {
	if t.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := t.rateLimitKey(r)
		result, err := t.rateLimiter.Allow(r.Context(), key, t.rateLimit)
		if err != nil {
			writeJSONRPCError(w, nil, -32603, "Internal error")
			return
		}
		if !result.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter/time.Second)))
			writeJSONRPCError(w, nil, mcpCodeTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mcpCodeTooManyRequests mirrors mcp.CodeTooManyRequests without importing
// the wire package here, since this file only ever writes the JSON-RPC
// error envelope directly.
const mcpCodeTooManyRequests = -32001

func (t *Transport) rateLimitKey(r *http.Request) string {
	if apiKey := r.Header.Get("Authorization"); apiKey != "" {
		return ratelimit.FormatKey(ratelimit.KeyTypeUser, apiKeyConnectionID(apiKey))
	}
	return ratelimit.FormatKey(ratelimit.KeyTypeIP, realIP(r))
}
