package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/basilisk-labs/mcpcore/pkg/mcp"
)

func TestToJSONRPCError_Taxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"phase not ready", ErrPhaseNotReady, mcp.CodeInvalidRequest},
		{"already initialized", ErrAlreadyInit, mcp.CodeInvalidRequest},
		{"unknown method", fmt.Errorf("%w: foo/bar", ErrMethodNotFound), mcp.CodeMethodNotFound},
		{"capability gate", ErrCapabilityGate, mcp.CodeMethodNotFound},
		{"invalid params", fmt.Errorf("%w: name is required", ErrInvalidParams), mcp.CodeInvalidParams},
		{"ambiguous binding", ErrAmbiguousBinding, mcp.CodeInvalidParams},
		{"shutting down", ErrShuttingDown, mcp.CodeInternalError},
		{"handler panic", fmt.Errorf("%w: boom", ErrHandlerPanic), mcp.CodeInternalError},
		{"too many requests", ErrTooManyRequests, mcp.CodeTooManyRequests},
		{"unauthorized", ErrUnauthorized, mcp.CodeUnauthorized},
		{"forbidden", ErrForbidden, mcp.CodeForbidden},
		{"session not ready", ErrSessionNotReady, mcp.CodeSessionNotReady},
		{"unknown error sanitized", errors.New("secret internal detail"), mcp.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToJSONRPCError(tt.err)
			if got == nil {
				t.Fatal("ToJSONRPCError() = nil")
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", got.Code, tt.wantCode)
			}
		})
	}

	if ToJSONRPCError(nil) != nil {
		t.Error("ToJSONRPCError(nil) should be nil")
	}
}

// A panic's message must never leak to the wire.
func TestToJSONRPCError_SanitizesInternalDetail(t *testing.T) {
	t.Parallel()

	got := ToJSONRPCError(fmt.Errorf("%w: nil pointer at /internal/secret.go:42", ErrHandlerPanic))
	if got.Message != "internal error" {
		t.Errorf("Message = %q, want bare %q", got.Message, "internal error")
	}
}

func TestToJSONRPCError_CapabilityGateCarriesReason(t *testing.T) {
	t.Parallel()

	got := ToJSONRPCError(fmt.Errorf("%w: resources/subscribe", ErrCapabilityGate))
	var data map[string]string
	if err := json.Unmarshal(got.Data, &data); err != nil {
		t.Fatalf("data did not decode: %v", err)
	}
	if data["reason"] != "capability not advertised" {
		t.Errorf("data.reason = %q", data["reason"])
	}
}
