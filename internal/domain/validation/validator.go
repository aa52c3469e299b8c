package validation

import "github.com/basilisk-labs/mcpcore/pkg/mcp"

// MessageValidator is a pre-router sanity check: it rejects frames whose
// method isn't on the known MCP method whitelist before they ever reach
// the router's per-session dispatch table. This is defence in depth, not
// the only method gate — the router's own lookup
// rejects unknown methods too, but registered tool/resource/prompt names
// never appear here since they route through "tools/call" etc, not as
// standalone methods.
type MessageValidator struct{}

// NewMessageValidator creates a new MessageValidator.
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// Validate checks a single parsed frame for JSON-RPC/MCP compliance.
// Batch elements must be validated individually by the caller.
func (v *MessageValidator) Validate(msg mcp.Message) error {
	switch m := msg.(type) {
	case *mcp.Request:
		if m.Method == "" {
			return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
		}
		if !IsValidMCPMethod(m.Method) {
			return NewValidationError(ErrCodeMethodNotFound, "Method not found")
		}
		return nil

	case *mcp.Notification:
		if m.Method == "" {
			return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
		}
		if !IsValidMCPMethod(m.Method) {
			return NewValidationError(ErrCodeMethodNotFound, "Method not found")
		}
		return nil

	case *mcp.Response:
		if !m.ID.IsValid() {
			return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
		}
		hasResult := m.Result != nil
		hasError := m.Error != nil
		if hasResult == hasError {
			return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
		}
		return nil

	default:
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}
}
