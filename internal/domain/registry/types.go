// Package registry is the process-wide, session-snapshottable table of
// tool/resource/prompt handlers. Registrations are
// append-only under a monotonically increasing revision; mutation emits
// a list-changed signal with no diff, just "re-enumerate".
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// ContentKind tags a single block of tool-call output content.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentAudio    ContentKind = "audio"
	ContentResource ContentKind = "resource"
)

// Content is one block of a tool result's ordered content list.
type Content struct {
	Type     ContentKind     `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`     // base64, for image/audio
	MimeType string          `json:"mimeType,omitempty"` // for image/audio/resource
	URI      string          `json:"uri,omitempty"`      // for resource
	Resource json.RawMessage `json:"resource,omitempty"` // embedded resource contents
}

// ToolResult is the shape every tools/call invocation returns.
type ToolResult struct {
	Content           []Content       `json:"content"`
	IsError           bool            `json:"isError,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

// Invoker is a tool/prompt/resource handler closure: JSON params in,
// JSON-marshalable result out. Context carries the request's
// cancellation token and auth/session metadata.
type Invoker func(ctx context.Context, params json.RawMessage) (any, error)

// ToolEntry is a registered tool handler.
type ToolEntry struct {
	Name            string
	Description     string
	InputSchema     *jsonschema.Schema
	OutputSchema    *jsonschema.Schema
	TimeoutOverride time.Duration
	Invoke          Invoker

	resolvedInput  *jsonschema.Resolved
	resolvedOutput *jsonschema.Resolved
}

// ResourceEntry is a registered resource handler, keyed by a URI template
// with {name}-style placeholders.
type ResourceEntry struct {
	URITemplate     string
	Name            string
	Description     string
	MimeType        string
	TimeoutOverride time.Duration
	Read            Invoker
	Subscribable    bool
}

// PromptEntry is a registered prompt handler.
type PromptEntry struct {
	Name            string
	Description     string
	ArgumentSchema  *jsonschema.Schema
	TimeoutOverride time.Duration
	Get             Invoker

	resolvedArgs *jsonschema.Resolved
}

// Snapshot is a stable, point-in-time view of the registry for
// cursor-paginated list operations.
type Snapshot struct {
	Revision  uint64
	Tools     []ToolEntry
	Resources []ResourceEntry
	Prompts   []PromptEntry
}

// Page is one cursor-delimited slice of a snapshot list.
type Page[T any] struct {
	Items      []T
	NextCursor string
}
