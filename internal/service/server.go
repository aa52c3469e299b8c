package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
	"github.com/basilisk-labs/mcpcore/internal/domain/correlation"
	"github.com/basilisk-labs/mcpcore/internal/domain/execution"
	"github.com/basilisk-labs/mcpcore/internal/domain/protocol"
	"github.com/basilisk-labs/mcpcore/internal/domain/router"
	"github.com/basilisk-labs/mcpcore/internal/domain/session"
	"github.com/basilisk-labs/mcpcore/internal/domain/validation"
	"github.com/basilisk-labs/mcpcore/pkg/mcp"
)

// Server is the transport-agnostic front door every inbound adapter calls
// into: it owns session creation/teardown and hands parsed frames to the
// Router, translating whatever it returns back to wire bytes. One Server
// is shared by every transport a deployment starts.
type Server struct {
	Router      *router.Router
	Sessions    *session.SessionService
	Tracker     *execution.Tracker
	Correlation *correlation.Hub
	Logger      *slog.Logger

	MaxRequestSize  int
	MaxResponseSize int

	validator *validation.MessageValidator

	active sync.Map // sessionID -> context.Context, the session's root cancellation token
}

// NewServer wires a Server from its collaborators. The server adopts the
// router's correlation hub so both resolve against the same pending
// tables; logger may be nil, in which case slog.Default() is used.
func NewServer(r *router.Router, sessions *session.SessionService, tracker *execution.Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Router: r, Sessions: sessions, Tracker: tracker, Correlation: r.CorrelationHub(), Logger: logger, validator: validation.NewMessageValidator()}
}

// Connect opens a new session bound to connectionID (the stdio process,
// or an HTTP/WebSocket connection identifier) and registers its root
// cancellation token with the execution tracker. identity may be nil for
// transports that defer authentication to the initialize handshake.
func (s *Server) Connect(ctx context.Context, identity *auth.Identity, connectionID string) (*session.Session, error) {
	sess, err := s.Sessions.Create(ctx, identity, connectionID)
	if err != nil {
		return nil, fmt.Errorf("service: connect: %w", err)
	}
	sessCtx := s.Tracker.BeginSession(ctx, sess.ID)
	s.active.Store(sess.ID, sessCtx)
	return sess, nil
}

// Disconnect tears down a session: its root token is cancelled (which
// cascades to every in-flight execution) and the session is removed from
// the store.
func (s *Server) Disconnect(sessionID string, reason execution.Reason) {
	s.Tracker.CancelSession(sessionID, reason)
	s.Correlation.Drop(sessionID)
	s.active.Delete(sessionID)
	if err := s.Sessions.Delete(context.Background(), sessionID); err != nil {
		s.Logger.Warn("disconnect: failed to delete session", "session_id", sessionID, "error", err)
	}
}

// Shutdown moves every active session into Draining and cancels all
// in-flight executions once ctx expires, via Tracker.CancelAll.
func (s *Server) Shutdown(ctx context.Context) {
	s.active.Range(func(key, _ any) bool {
		sessionID := key.(string)
		_ = s.Sessions.BeginDrain(ctx, sessionID)
		return true
	})
	<-ctx.Done()
	s.Tracker.CancelAll(execution.ReasonShutdown)
}

// HandleFrame parses one wire frame (request, notification, response, or
// batch), dispatches it against sessionID's session, and returns the wire
// bytes to write back (nil if nothing should be written: a lone
// notification, an inbound response resolved against the correlation
// manager, or an all-notification batch).
func (s *Server) HandleFrame(ctx context.Context, sessionID, peerKey string, raw []byte) ([]byte, error) {
	msg, err := mcp.Parse(raw, s.MaxRequestSize)
	if err != nil {
		return s.parseErrorFrame(raw, err)
	}

	sessCtxVal, ok := s.active.Load(sessionID)
	if !ok {
		return s.sessionMissingFrame(msg)
	}
	sessCtx := sessCtxVal.(context.Context)

	if batch, ok := msg.(mcp.Batch); ok {
		return s.handleBatch(ctx, sessionID, sessCtx, peerKey, batch)
	}

	if resp := s.validationErrorResponse(msg); resp != nil {
		return mcp.Serialize(resp, s.MaxResponseSize)
	}

	sess, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return s.sessionMissingFrame(msg)
	}
	resp := s.Router.Dispatch(ctx, sess, sessCtx, peerKey, msg)
	if resp == nil {
		return nil, nil
	}
	return mcp.Serialize(resp, s.MaxResponseSize)
}

func (s *Server) handleBatch(ctx context.Context, sessionID string, sessCtx context.Context, peerKey string, batch mcp.Batch) ([]byte, error) {
	responses := make([]*mcp.Response, 0, len(batch))
	for _, elem := range batch {
		if resp := s.validationErrorResponse(elem); resp != nil {
			responses = append(responses, resp)
			continue
		}
		sess, err := s.Sessions.Get(ctx, sessionID)
		if err != nil {
			if resp := errorResponseFor(elem, protocol.ErrSessionNotReady); resp != nil {
				responses = append(responses, resp)
			}
			continue
		}
		resp := s.Router.Dispatch(ctx, sess, sessCtx, peerKey, elem)
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	return mcp.SerializeBatchResponse(responses, s.MaxResponseSize)
}

// parseErrorFrame builds the wire response for a frame that failed to
// parse at all: a transport-level size violation carries
// data.size/data.max; anything else surfaces the *mcp.Error the codec
// already produced, addressed to the null id since the original id (if
// any) could not be recovered.
func (s *Server) parseErrorFrame(raw []byte, err error) ([]byte, error) {
	if errors.Is(err, mcp.ErrRequestTooLarge) {
		errObj := mcp.NewErrorWithData(mcp.CodeInvalidRequest, "request exceeds max_request_size", map[string]int{
			"size": len(raw), "max": s.MaxRequestSize,
		})
		return mcp.Serialize(&mcp.Response{ID: mcp.NullID(), Error: errObj}, 0)
	}
	var mcpErr *mcp.Error
	if errors.As(err, &mcpErr) {
		return mcp.Serialize(&mcp.Response{ID: mcp.NullID(), Error: mcpErr}, 0)
	}
	return nil, fmt.Errorf("service: parse frame: %w", err)
}

// sessionMissingFrame handles a frame addressed to a session id this
// server has no root token for (expired, already closed, or never
// established). Notifications and inbound responses are dropped silently;
// requests get a −32004 SessionNotReady error.
func (s *Server) sessionMissingFrame(msg mcp.Message) ([]byte, error) {
	if resp := errorResponseFor(msg, protocol.ErrSessionNotReady); resp != nil {
		return mcp.Serialize(resp, s.MaxResponseSize)
	}
	return nil, nil
}

// validationErrorResponse runs the pre-router method whitelist check
// (internal/domain/validation) against a single parsed message. It is
// defence in depth: the router's own dispatch table rejects unknown
// methods too, but this answers a malformed request with its validation
// error before the session store lookup and the router. A notification
// or response that fails the check gets no error frame and is passed on.
func (s *Server) validationErrorResponse(msg mcp.Message) *mcp.Response {
	verr := s.validator.Validate(msg)
	if verr == nil {
		return nil
	}
	req, ok := msg.(*mcp.Request)
	if !ok {
		return nil
	}
	var ve *validation.ValidationError
	if errors.As(verr, &ve) {
		return &mcp.Response{ID: req.ID, Error: mcp.NewError(ve.Code, ve.Message)}
	}
	return &mcp.Response{ID: req.ID, Error: mcp.NewError(mcp.CodeInternalError, "internal error")}
}

func errorResponseFor(msg mcp.Message, err error) *mcp.Response {
	req, ok := msg.(*mcp.Request)
	if !ok {
		return nil
	}
	return &mcp.Response{ID: req.ID, Error: protocol.ToJSONRPCError(err)}
}

// SerializeEvent is a small convenience used by transports that push
// server-initiated notifications (list_changed, progress, message) outside
// the request/response cycle.
func SerializeEvent(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("service: marshal notification params: %w", err)
	}
	return mcp.Serialize(&mcp.Notification{Method: method, Params: raw}, 0)
}
