package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/basilisk-labs/mcpcore/internal/domain/correlation"
	"github.com/basilisk-labs/mcpcore/internal/domain/protocol"
	"github.com/basilisk-labs/mcpcore/internal/port/inbound"
	"github.com/basilisk-labs/mcpcore/pkg/mcp"
)

// FrameSender delivers one serialized JSON-RPC frame to the client over an
// already-open server-to-client channel: an SSE message event, a WebSocket
// write, or the write side of a stream socket.
type FrameSender func(frame []byte) error

// ErrUnidirectionalTransport is returned by PeerFor when the transport the
// session arrived on cannot carry server-initiated requests.
var ErrUnidirectionalTransport = fmt.Errorf("service: transport does not support server-initiated requests")

// Peer originates server-to-client traffic for one session: the
// roots/list, sampling/createMessage, and elicitation/create request
// families, plus fire-and-forget notifications. Requests are correlated
// through the session's server-side pending table; every outstanding call
// is unblocked when the session is torn down.
type Peer struct {
	server    *Server
	sessionID string
	send      FrameSender

	nextID atomic.Int64
}

// PeerFor builds the server-initiated-request handle for a session. caps
// describes the transport the session arrived on; a unidirectional
// transport is refused here, before any request is attempted.
func (s *Server) PeerFor(sessionID string, caps inbound.Capabilities, send FrameSender) (*Peer, error) {
	if !caps.Bidirectional {
		return nil, ErrUnidirectionalTransport
	}
	if send == nil {
		return nil, fmt.Errorf("service: peer requires a frame sender")
	}
	return &Peer{server: s, sessionID: sessionID, send: send}, nil
}

// Root is one entry of a roots/list result.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// RootsResult is the client's answer to roots/list.
type RootsResult struct {
	Roots []Root `json:"roots"`
}

// ListRoots asks the client for its workspace roots. Requires the client
// to have declared the roots capability at handshake.
func (p *Peer) ListRoots(ctx context.Context) (*RootsResult, error) {
	raw, err := p.call(ctx, "roots/list", protocol.RequireClientRoots, nil)
	if err != nil {
		return nil, err
	}
	var out RootsResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("service: decode roots/list result: %w", err)
	}
	return &out, nil
}

// CreateMessage asks the client for an LLM completion (sampling). params
// is the raw sampling/createMessage parameter object; the result is
// returned undecoded since its shape depends on the client's model.
func (p *Peer) CreateMessage(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return p.call(ctx, "sampling/createMessage", protocol.RequireClientSampling, params)
}

// Elicit asks the client to collect structured input from its user.
func (p *Peer) Elicit(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return p.call(ctx, "elicitation/create", protocol.RequireClientElicitation, params)
}

// Notify pushes a fire-and-forget notification to the client. No
// capability gate applies beyond the session being established; callers
// emitting list_changed are expected to have checked the declared
// capability themselves, since only they know which kind changed.
func (p *Peer) Notify(method string, params any) error {
	frame, err := SerializeEvent(method, params)
	if err != nil {
		return err
	}
	return p.send(frame)
}

// severityRank orders the RFC 5424 level names logging/setLevel accepts.
var severityRank = map[string]int{
	"debug": 0, "info": 1, "notice": 2, "warning": 3,
	"error": 4, "critical": 5, "alert": 6, "emergency": 7,
}

// LogMessage pushes a notifications/message frame, honouring the minimum
// severity the client tuned via logging/setLevel. Messages below the
// threshold, or on sessions whose server never declared the logging
// capability, are dropped without error.
func (p *Peer) LogMessage(ctx context.Context, level, loggerName string, data any) error {
	sess, err := p.server.Sessions.Get(ctx, p.sessionID)
	if err != nil {
		return fmt.Errorf("service: log message: %w", err)
	}
	if sess.ServerCapabilities.Logging == nil {
		return nil
	}
	if severityRank[level] < severityRank[p.server.Router.LogLevel(sess.ID)] {
		return nil
	}
	params := map[string]any{"level": level, "data": data}
	if loggerName != "" {
		params["logger"] = loggerName
	}
	return p.Notify("notifications/message", params)
}

// call runs one server-initiated request to completion: capability gate,
// id allocation in the session's server-side id space, registration in
// the pending table, send, and a blocking wait that resolves on the
// matching response, ctx cancellation, or session teardown. A
// cancellation also tells the client to stop, via notifications/cancelled.
func (p *Peer) call(ctx context.Context, method string, gate protocol.Gate, params any) (json.RawMessage, error) {
	sess, err := p.server.Sessions.Get(ctx, p.sessionID)
	if err != nil {
		return nil, fmt.Errorf("service: %s: %w", method, err)
	}
	if !sess.IsReady() {
		return nil, fmt.Errorf("service: %s: %w", method, protocol.ErrPhaseNotReady)
	}
	if gate != nil && !gate(&sess.ClientCapabilities, &sess.ServerCapabilities) {
		return nil, fmt.Errorf("service: %s: %w", method, protocol.ErrCapabilityGate)
	}

	id := mcp.NewIntID(p.nextID.Add(1))
	table := p.server.Correlation.Session(p.sessionID)
	waiter, err := table.Register(id, method)
	if err != nil {
		return nil, fmt.Errorf("service: %s: %w", method, err)
	}

	var rawParams json.RawMessage
	if params != nil {
		if pm, ok := params.(json.RawMessage); ok {
			rawParams = pm
		} else if rawParams, err = json.Marshal(params); err != nil {
			_ = table.Cancel(id)
			return nil, fmt.Errorf("service: marshal %s params: %w", method, err)
		}
	}
	frame, err := mcp.Serialize(&mcp.Request{Method: method, Params: rawParams, ID: id}, p.server.MaxResponseSize)
	if err != nil {
		_ = table.Cancel(id)
		return nil, fmt.Errorf("service: serialize %s: %w", method, err)
	}
	if err := p.send(frame); err != nil {
		_ = table.Cancel(id)
		return nil, fmt.Errorf("service: send %s: %w", method, err)
	}

	resp, err := correlation.Await(ctx, waiter)
	if err != nil {
		_ = table.Cancel(id)
		if ctx.Err() != nil {
			p.notifyCancelled(id, ctx.Err().Error())
		}
		return nil, fmt.Errorf("service: %s: %w", method, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// notifyCancelled tells the client a server-initiated request it is
// still servicing was abandoned. Best-effort: the session may already be
// gone.
func (p *Peer) notifyCancelled(id mcp.ID, reason string) {
	frame, err := SerializeEvent("notifications/cancelled", map[string]any{
		"requestId": id, "reason": reason,
	})
	if err != nil {
		return
	}
	_ = p.send(frame)
}
