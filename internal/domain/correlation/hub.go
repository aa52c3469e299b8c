package correlation

import (
	"sync"

	"github.com/basilisk-labs/mcpcore/pkg/mcp"
)

// Hub shards the pending-request tables by session, one Manager per
// session, so server-initiated request ids allocated independently by two
// sessions can never collide in a shared map. Lookups create the
// session's table on demand; Drop drains and removes it on teardown.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Manager
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Manager)}
}

// Session returns the correlation table for sessionID, creating it if
// this is the first outbound request the session originates.
func (h *Hub) Session(sessionID string) *Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.sessions[sessionID]
	if !ok {
		m = NewManager()
		h.sessions[sessionID] = m
	}
	return m
}

// Resolve routes an inbound response to sessionID's table. A session with
// no table (it never originated a request) reports ErrNotPending, the
// same way an unknown id within a table does; callers log and drop it.
func (h *Hub) Resolve(sessionID string, resp *mcp.Response) error {
	h.mu.Lock()
	m, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return ErrNotPending
	}
	return m.Resolve(resp)
}

// Drop drains sessionID's table, unblocking every outstanding waiter,
// and removes it from the hub. Safe to call for a session that never
// originated a request.
func (h *Hub) Drop(sessionID string) {
	h.mu.Lock()
	m, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if ok {
		m.Drain()
	}
}

// Pending reports the number of outstanding requests across all sessions.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.sessions {
		n += m.Pending()
	}
	return n
}
