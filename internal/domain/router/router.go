// Package router implements the dispatch pipeline: given a
// parsed JSON-RPC frame and the session it arrived on, it runs the ordered
// size/rate, phase, method-lookup, capability, schema, timeout, and
// invocation stages and returns the response the transport should write (or
// nil for notifications and correlated responses).
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basilisk-labs/mcpcore/internal/ctxkey"
	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
	"github.com/basilisk-labs/mcpcore/internal/domain/correlation"
	"github.com/basilisk-labs/mcpcore/internal/domain/event"
	"github.com/basilisk-labs/mcpcore/internal/domain/execution"
	"github.com/basilisk-labs/mcpcore/internal/domain/policy"
	"github.com/basilisk-labs/mcpcore/internal/domain/protocol"
	"github.com/basilisk-labs/mcpcore/internal/domain/ratelimit"
	"github.com/basilisk-labs/mcpcore/internal/domain/registry"
	"github.com/basilisk-labs/mcpcore/internal/domain/session"
	"github.com/basilisk-labs/mcpcore/pkg/mcp"
)

// Deps are the collaborators the router dispatches into. All fields except
// Sessions, Registry, Tracker, and Events are optional; a nil RateLimiter or
// PolicyEngine disables that stage rather than failing closed or open.
type Deps struct {
	Sessions    *session.SessionService
	Registry    *registry.Registry
	Tracker     *execution.Tracker
	Events      *event.Bus
	Correlation *correlation.Hub

	RateLimiter ratelimit.RateLimiter
	Policy      policy.PolicyEngine
}

// Config holds the server-wide tunables the router enforces.
type Config struct {
	ServerInfo      session.ServerInfo
	Instructions    string
	DefaultTimeout  time.Duration
	PerToolTimeouts map[string]time.Duration
	RateLimit       ratelimit.RateLimitConfig
	ListPageSize    int
	EnableTasks     bool
}

// Router dispatches parsed frames against one server's sessions, registry,
// and execution tracker. One Router instance is shared by every transport
// and every session.
type Router struct {
	deps Deps
	cfg  Config

	logLevels sync.Map // session id -> string, set by logging/setLevel
}

// New constructs a Router. Panics if a required dependency is nil, since a
// misconfigured router is a programming error, not a runtime condition.
func New(deps Deps, cfg Config) *Router {
	if deps.Sessions == nil || deps.Registry == nil || deps.Tracker == nil || deps.Events == nil {
		panic("router: Sessions, Registry, Tracker, and Events are required")
	}
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = 50
	}
	return &Router{deps: deps, cfg: cfg}
}

// Dispatch handles exactly one parsed frame. sessCtx is the session's root
// cancellation token (from execution.Tracker.BeginSession); peerKey
// identifies the caller for rate limiting (an IP address or API key hash).
// The returned response is nil for notifications, for inbound Responses
// (which are resolved against the correlation manager instead), and for
// rate-limited notifications.
func (rt *Router) Dispatch(ctx context.Context, sess *session.Session, sessCtx context.Context, peerKey string, msg mcp.Message) *mcp.Response {
	switch m := msg.(type) {
	case *mcp.Response:
		rt.handleInboundResponse(sess, m)
		return nil
	case *mcp.Notification:
		rt.handleNotification(ctx, sess, sessCtx, peerKey, m)
		return nil
	case *mcp.Request:
		return rt.handleRequest(ctx, sess, sessCtx, peerKey, m)
	default:
		return nil
	}
}

// CorrelationHub returns the pending-request hub inbound responses are
// resolved against, installing an empty one the first time when Deps left
// it nil. Called at composition time, before Dispatch ever runs.
func (rt *Router) CorrelationHub() *correlation.Hub {
	if rt.deps.Correlation == nil {
		rt.deps.Correlation = correlation.NewHub()
	}
	return rt.deps.Correlation
}

func (rt *Router) handleInboundResponse(sess *session.Session, resp *mcp.Response) {
	if rt.deps.Correlation == nil || sess == nil {
		return
	}
	if err := rt.deps.Correlation.Resolve(sess.ID, resp); err != nil {
		rt.emit(event.KindRequestFailed, sess, "", resp.ID, 0, 0, "unmatched response dropped")
	}
}

func (rt *Router) rateLimitKey(sess *session.Session, peerKey string) string {
	keyType := ratelimit.KeyTypeIP
	if sess != nil && sess.IdentityID != "" {
		keyType = ratelimit.KeyTypeUser
		peerKey = sess.IdentityID
	}
	return ratelimit.FormatKey(keyType, peerKey)
}

// checkRateLimit runs the pre-dispatch rate limiting stage. A nil RateLimiter
// disables the check entirely, for every transport.
func (rt *Router) checkRateLimit(ctx context.Context, sess *session.Session, peerKey string) error {
	if rt.deps.RateLimiter == nil {
		return nil
	}
	result, err := rt.deps.RateLimiter.Allow(ctx, rt.rateLimitKey(sess, peerKey), rt.cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("router: rate limiter: %w", err)
	}
	if !result.Allowed {
		return fmt.Errorf("%w: retry after %s", protocol.ErrTooManyRequests, result.RetryAfter)
	}
	return nil
}

func (rt *Router) handleNotification(ctx context.Context, sess *session.Session, sessCtx context.Context, peerKey string, note *mcp.Notification) {
	if err := rt.checkRateLimit(ctx, sess, peerKey); err != nil {
		rt.emit(event.KindRequestFailed, sess, note.Method, mcp.ID{}, 0, mcp.CodeTooManyRequests, err.Error())
		return
	}

	switch note.Method {
	case "notifications/initialized":
		if err := rt.deps.Sessions.Activate(ctx, sess.ID); err != nil {
			rt.emit(event.KindRequestFailed, sess, note.Method, mcp.ID{}, 0, 0, err.Error())
		}
		return
	case "notifications/cancelled":
		var params struct {
			RequestID mcp.ID `json:"requestId"`
			Reason    string `json:"reason"`
		}
		if err := json.Unmarshal(note.Params, &params); err != nil {
			return
		}
		_ = rt.deps.Tracker.CancelRequest(sess.ID, params.RequestID)
		return
	default:
		// Other client-to-server notifications (roots/list_changed, etc.)
		// carry no required server-side reaction in this runtime; they are
		// accepted and dropped silently per the JSON-RPC notification
		// contract.
		return
	}
}

func (rt *Router) handleRequest(ctx context.Context, sess *session.Session, sessCtx context.Context, peerKey string, req *mcp.Request) *mcp.Response {
	start := time.Now()
	rt.emit(event.KindRequestReceived, sess, req.Method, req.ID, 0, 0, "")

	fail := func(err error) *mcp.Response {
		rt.emit(event.KindRequestFailed, sess, req.Method, req.ID, time.Since(start), 0, err.Error())
		return &mcp.Response{ID: req.ID, Error: protocol.ToJSONRPCError(err)}
	}

	if err := rt.checkRateLimit(ctx, sess, peerKey); err != nil {
		return fail(err)
	}

	if err := rt.phaseGate(sess, req.Method); err != nil {
		return fail(err)
	}

	spec, ok := builtinMethods[req.Method]
	if !ok {
		return fail(fmt.Errorf("%w: %s", protocol.ErrMethodNotFound, req.Method))
	}
	if spec.gate != nil && !spec.gate(&sess.ClientCapabilities, &sess.ServerCapabilities) {
		return fail(fmt.Errorf("%w: %s", protocol.ErrCapabilityGate, req.Method))
	}

	timeout := rt.resolveTimeout(req.Method, req.Params)
	ex := rt.deps.Tracker.Begin(sessCtx, sess.ID, req.ID, req.Method, timeout)
	defer rt.deps.Tracker.Done(ex)

	result, err := rt.invoke(ex.Context(), sess, spec, req.Params)
	// First event wins: once the window's token fired, the handler can no
	// longer produce a response, whatever it returned.
	if ex.Context().Err() != nil {
		return rt.cancellationResponse(sess, req, ex, start)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return rt.cancellationResponse(sess, req, ex, start)
		}
		return fail(err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fail(fmt.Errorf("router: marshal result: %w", err))
	}

	rt.emit(event.KindRequestCompleted, sess, req.Method, req.ID, time.Since(start), 0, "")
	return &mcp.Response{ID: req.ID, Result: raw}
}

// cancellationResponse resolves the race between a deadline and an external
// cancellation: external cancellation, being the more
// specific signal, wins when both fire at once.
func (rt *Router) cancellationResponse(sess *session.Session, req *mcp.Request, ex *execution.Execution, start time.Time) *mcp.Response {
	reason := ex.Reason()
	var errObj *mcp.Error
	switch reason {
	case execution.ReasonCancelled, execution.ReasonShutdown:
		errObj = mcp.NewErrorWithData(mcp.CodeCancelled, "request cancelled", map[string]string{"reason": string(reason)})
	default:
		errObj = mcp.NewErrorWithData(mcp.CodeInternalError, "request timed out", map[string]any{"timeout_ms": ex.Timeout.Milliseconds()})
	}
	rt.emit(event.KindRequestFailed, sess, req.Method, req.ID, time.Since(start), errObj.Code, errObj.Message)
	return &mcp.Response{ID: req.ID, Error: errObj}
}

// invoke runs the matched handler, translating a panic into
// protocol.ErrHandlerPanic so one misbehaving handler cannot take down the
// dispatch goroutine.
func (rt *Router) invoke(ctx context.Context, sess *session.Session, spec methodSpec, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", protocol.ErrHandlerPanic, r)
		}
	}()
	return spec.handler(rt, ctx, sess, params)
}

// phaseGate enforces the lifecycle phase gate: initialize is the only
// method accepted in AwaitingInit (enforced by SessionService.Initialize
// itself, which rejects a second call); every other method requires Ready.
func (rt *Router) phaseGate(sess *session.Session, method string) error {
	if method == "initialize" {
		return nil
	}
	switch sess.Phase {
	case session.Ready:
		return nil
	case session.Draining:
		return protocol.ErrShuttingDown
	default:
		return protocol.ErrPhaseNotReady
	}
}

// resolveTimeout picks the timeout window for a method: a tools/call
// request honours the tool's own TimeoutOverride if the registry has one,
// falling back to the configured per-method or default timeout.
func (rt *Router) resolveTimeout(method string, params json.RawMessage) time.Duration {
	if method == "tools/call" {
		var in toolCallParams
		if json.Unmarshal(params, &in) == nil && in.Name != "" {
			if entry, err := rt.deps.Registry.LookupTool(in.Name); err == nil && entry.TimeoutOverride > 0 {
				return entry.TimeoutOverride
			}
		}
	}
	if t, ok := rt.cfg.PerToolTimeouts[method]; ok {
		return t
	}
	if rt.cfg.DefaultTimeout > 0 {
		return rt.cfg.DefaultTimeout
	}
	return 30 * time.Second
}

func (rt *Router) emit(kind event.Kind, sess *session.Session, method string, id mcp.ID, dur time.Duration, code int, msg string) {
	sessionID := ""
	if sess != nil {
		sessionID = sess.ID
	}
	rt.deps.Events.Emit(event.Event{
		Kind:      kind,
		SessionID: sessionID,
		Method:    method,
		RequestID: id.String(),
		Duration:  dur,
		ErrorCode: code,
		ErrorMsg:  msg,
		At:        time.Now().UTC(),
	})
}

// authFromContext reads the AuthContext a transport's auth middleware
// attached to ctx. A zero AuthContext (Authenticated=false)
// is returned if the transport deferred auth or none is configured.
func authFromContext(ctx context.Context) auth.AuthContext {
	ac, _ := ctx.Value(ctxkey.AuthKey{}).(auth.AuthContext)
	return ac
}
