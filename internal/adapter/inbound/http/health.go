package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/basilisk-labs/mcpcore/internal/adapter/outbound/memory"
)

// HealthResponse is the JSON body the /health endpoint returns.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports the liveness of this server's stateful
// dependencies for an operator's liveness/readiness probe.
type HealthChecker struct {
	sessionStore *memory.MemorySessionStore
	rateLimiter  *memory.MemoryRateLimiter
	version      string
}

// NewHealthChecker builds a HealthChecker; pass nil for any component not
// configured in this deployment.
func NewHealthChecker(sessionStore *memory.MemorySessionStore, rateLimiter *memory.MemoryRateLimiter, version string) *HealthChecker {
	return &HealthChecker{sessionStore: sessionStore, rateLimiter: rateLimiter, version: version}
}

// Check runs every configured component's liveness probe.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)

	if h.sessionStore != nil {
		_ = h.sessionStore.Size()
		checks["session_store"] = "ok"
	} else {
		checks["session_store"] = "not configured"
	}

	if h.rateLimiter != nil {
		_ = h.rateLimiter.Size()
		checks["rate_limiter"] = "ok"
	} else {
		checks["rate_limiter"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	return HealthResponse{Status: "healthy", Checks: checks, Version: h.version}
}

// Handler returns the /health HTTP handler.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()
		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
