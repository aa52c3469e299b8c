// Package correlation matches JSON-RPC responses back to their requests
// in both directions: requests the client sent to the server, and
// requests the server sends to the client (elicitation, sampling,
// roots/list). Each direction gets its own id space keyed by the
// tagged mcp.ID string rendering.
package correlation

import (
	"context"
	"fmt"
	"sync"

	"github.com/basilisk-labs/mcpcore/pkg/mcp"
)

// ErrAlreadyPending is returned by Register when an id is already
// outstanding in this direction.
var ErrAlreadyPending = fmt.Errorf("correlation: id already pending")

// ErrNotPending is returned by Resolve/Cancel when no waiter is
// registered for the given id.
var ErrNotPending = fmt.Errorf("correlation: id not pending")

// ErrDrained is returned to any caller racing a Drain.
var ErrDrained = fmt.Errorf("correlation: manager drained")

// pending is a single outstanding request: a one-shot, single-consumer
// channel the registering goroutine blocks on.
type pending struct {
	ch     chan *mcp.Response
	method string
}

// Manager tracks outstanding requests for one direction (client-initiated
// or server-initiated). Build one per direction per session.
type Manager struct {
	mu      sync.Mutex
	waiting map[string]*pending
	drained bool
}

// NewManager constructs an empty correlation table.
func NewManager() *Manager {
	return &Manager{waiting: make(map[string]*pending)}
}

// Register records id as outstanding and returns a channel the caller
// should block on for the matching response. method is kept for
// diagnostics only.
func (m *Manager) Register(id mcp.ID, method string) (<-chan *mcp.Response, error) {
	key := id.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drained {
		return nil, ErrDrained
	}
	if _, exists := m.waiting[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPending, key)
	}
	p := &pending{ch: make(chan *mcp.Response, 1), method: method}
	m.waiting[key] = p
	return p.ch, nil
}

// Resolve delivers resp to the waiter registered under resp.ID and
// removes it from the table. It is a no-op error, not a panic, if no
// waiter is registered (e.g. a duplicate or late response).
func (m *Manager) Resolve(resp *mcp.Response) error {
	key := resp.ID.String()

	m.mu.Lock()
	p, exists := m.waiting[key]
	if exists {
		delete(m.waiting, key)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotPending, key)
	}
	p.ch <- resp
	close(p.ch)
	return nil
}

// Cancel removes id from the table without delivering a response,
// unblocking its waiter with a nil value so the caller can distinguish
// cancellation from a real response.
func (m *Manager) Cancel(id mcp.ID) error {
	key := id.String()

	m.mu.Lock()
	p, exists := m.waiting[key]
	if exists {
		delete(m.waiting, key)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotPending, key)
	}
	close(p.ch)
	return nil
}

// Drain marks the manager closed and unblocks every outstanding waiter.
// Used on session teardown so no goroutine blocks forever on a response
// that will never arrive.
func (m *Manager) Drain() {
	m.mu.Lock()
	m.drained = true
	waiters := m.waiting
	m.waiting = make(map[string]*pending)
	m.mu.Unlock()

	for _, p := range waiters {
		close(p.ch)
	}
}

// Pending reports how many requests are currently outstanding.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// Await blocks on ch until a response arrives, ctx is cancelled, or the
// manager is drained (ch closes with no value sent). It is a thin
// convenience wrapper so callers don't each repeat the same select.
func Await(ctx context.Context, ch <-chan *mcp.Response) (*mcp.Response, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDrained
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
