package protocol

import (
	"errors"

	"github.com/basilisk-labs/mcpcore/internal/domain/registry"
	"github.com/basilisk-labs/mcpcore/pkg/mcp"
)

// Sentinel errors raised by the session/router pipeline and mapped to
// JSON-RPC error objects at the response boundary.
var (
	ErrPhaseNotReady    = errors.New("protocol: session phase is not Ready")
	ErrAlreadyInit      = errors.New("protocol: initialize accepted only once per session")
	ErrMethodNotFound   = errors.New("protocol: unknown method")
	ErrCapabilityGate   = errors.New("protocol: capability not advertised")
	ErrInvalidParams    = errors.New("protocol: invalid params")
	ErrAmbiguousBinding = errors.New("protocol: ambiguous resource template binding")
	ErrHandlerPanic     = errors.New("protocol: handler panic")
	ErrShuttingDown     = errors.New("protocol: session is shutting down")

	// ErrTooManyRequests is raised by the router's pre-dispatch rate check.
	ErrTooManyRequests = errors.New("protocol: too many requests")
	// ErrUnauthorized is raised when an authenticated-required route sees no
	// authenticated context.
	ErrUnauthorized = errors.New("protocol: unauthorized")
	// ErrForbidden is raised when a policy decision denies a tool call.
	ErrForbidden = errors.New("protocol: forbidden")
	// ErrSessionNotReady is raised by a transport when a request references
	// a session id that does not exist or has already closed, distinct from
	// the router's in-session phase gate.
	ErrSessionNotReady = errors.New("protocol: no established session")
)

// ToJSONRPCError maps a domain/sentinel error to a JSON-RPC error object
// with the JSON-RPC/MCP error taxonomy. Errors that don't match a known
// sentinel fall back to CodeInternalError with a sanitized message (no
// stack, no internal detail).
func ToJSONRPCError(err error) *mcp.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPhaseNotReady):
		return mcp.NewError(mcp.CodeInvalidRequest, "request rejected: session phase is not Ready")
	case errors.Is(err, ErrAlreadyInit):
		return mcp.NewError(mcp.CodeInvalidRequest, "initialize already accepted for this session")
	case errors.Is(err, ErrMethodNotFound):
		return mcp.NewError(mcp.CodeMethodNotFound, "method not found")
	case errors.Is(err, ErrCapabilityGate):
		return mcp.NewErrorWithData(mcp.CodeMethodNotFound, "method not found", map[string]string{"reason": "capability not advertised"})
	case errors.Is(err, ErrInvalidParams):
		if path, ok := registry.SchemaViolationPath(err); ok {
			return mcp.NewErrorWithData(mcp.CodeInvalidParams, err.Error(), map[string]string{"path": path})
		}
		return mcp.NewError(mcp.CodeInvalidParams, err.Error())
	case errors.Is(err, ErrAmbiguousBinding):
		return mcp.NewError(mcp.CodeInvalidParams, "ambiguous resource URI template binding")
	case errors.Is(err, ErrShuttingDown):
		return mcp.NewError(mcp.CodeInternalError, "server is shutting down")
	case errors.Is(err, ErrHandlerPanic):
		return mcp.NewError(mcp.CodeInternalError, "internal error")
	case errors.Is(err, ErrTooManyRequests):
		return mcp.NewError(mcp.CodeTooManyRequests, "rate limit exceeded")
	case errors.Is(err, ErrUnauthorized):
		return mcp.NewError(mcp.CodeUnauthorized, "unauthorized")
	case errors.Is(err, ErrForbidden):
		return mcp.NewErrorWithData(mcp.CodeForbidden, "forbidden", map[string]string{"reason": err.Error()})
	case errors.Is(err, ErrSessionNotReady):
		return mcp.NewError(mcp.CodeSessionNotReady, "no established session")
	default:
		return mcp.NewError(mcp.CodeInternalError, "internal error")
	}
}
