// Package inbound declares the transport-facing ports every adapter
// (stdio, HTTP/SSE, WebSocket, TCP/Unix socket) implements, so the service
// layer can start and stop them uniformly.
package inbound

import "context"

// State is the lifecycle state of a Transport.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Capabilities describes what a transport implementation supports, so the
// service layer can make transport-aware decisions (e.g. whether
// server-initiated requests are possible at all) without a type switch on
// the concrete adapter.
type Capabilities struct {
	// Bidirectional is true when the transport can carry server-initiated
	// requests (roots/list, sampling, elicitation), not just responses.
	Bidirectional bool
	// Streaming is true when the transport can push unsolicited frames
	// after the initial exchange (SSE, WebSocket).
	Streaming bool
	// Compression lists the content-encoding/compression algorithms this
	// transport instance negotiated or supports, e.g. "gzip", "permessage-deflate".
	Compression []string
	// MaxFrameSize is the largest single frame this transport will accept,
	// 0 meaning it defers entirely to the server's configured limits.
	MaxFrameSize int
}

// Transport is implemented by every inbound adapter. Run blocks, serving
// connections/requests until ctx is cancelled or an unrecoverable error
// occurs; it must return promptly once ctx is done, after attempting a
// graceful drain.
type Transport interface {
	// Run starts serving and blocks until ctx is cancelled or a fatal error
	// occurs.
	Run(ctx context.Context) error

	// Shutdown begins a graceful drain: stop accepting new sessions, let
	// in-flight requests finish, then close. Run returns once drained.
	Shutdown(ctx context.Context) error

	// State reports the transport's current lifecycle state.
	State() State

	// Capabilities describes what this transport instance supports.
	Capabilities() Capabilities
}
