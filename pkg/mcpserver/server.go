// Package mcpserver is the public typed-registration convenience layer
// over internal/domain/registry: Go has no proc-macro/derive facility to
// generate JSON-in/JSON-out adapters from a function signature the way
// the reference implementation's language does
// dispatch of handlers"), so this package supplies the equivalent by hand
// with generics, alongside the raw Invoker form for callers who already
// have a json.RawMessage-shaped handler.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/basilisk-labs/mcpcore/internal/domain/registry"
)

// Server is a thin handle around a registry.Registry for embedding
// applications that only want the tool/resource/prompt registration
// surface, not the rest of the runtime's wiring.
type Server struct {
	registry *registry.Registry
}

// New wraps an existing registry. Most callers get one from the service
// layer's construction rather than building their own.
func New(reg *registry.Registry) *Server {
	return &Server{registry: reg}
}

// Registry returns the underlying registry, for callers that need the raw
// JSON closure form (registry.Registry.RegisterTool et al.) directly.
func (s *Server) Registry() *registry.Registry { return s.registry }

// ToolOptions configures a typed tool registration.
type ToolOptions struct {
	Description  string
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
	Timeout      time.Duration
}

// RegisterTool registers a tool whose handler takes a typed In and returns
// a typed Out, generating the JSON-in/JSON-out adapter that a derive macro
// would otherwise produce. Out is marshaled both as the tool result's
// structuredContent and as a single text content block, matching the MCP
// convention that structuredContent is additive to, not a replacement for,
// the ordered content list.
func RegisterTool[In, Out any](s *Server, name string, opts ToolOptions, fn func(context.Context, In) (Out, error)) error {
	invoke := func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("mcpserver: unmarshal tool %q input: %w", name, err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return registry.ToolResult{
				Content: []registry.Content{{Type: registry.ContentText, Text: err.Error()}},
				IsError: true,
			}, nil
		}
		return wrapToolOutput(out)
	}

	return s.registry.RegisterTool(registry.ToolEntry{
		Name:            name,
		Description:     opts.Description,
		InputSchema:     opts.InputSchema,
		OutputSchema:    opts.OutputSchema,
		TimeoutOverride: opts.Timeout,
		Invoke:          invoke,
	})
}

// wrapToolOutput builds the wire ToolResult for a typed handler's return
// value: a caller that already constructed a registry.ToolResult gets it
// passed through untouched (so full control is still available), anything
// else is serialized into a single text block plus structuredContent.
func wrapToolOutput(out any) (registry.ToolResult, error) {
	if tr, ok := out.(registry.ToolResult); ok {
		return tr, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return registry.ToolResult{}, fmt.Errorf("mcpserver: marshal tool output: %w", err)
	}
	return registry.ToolResult{
		Content:           []registry.Content{{Type: registry.ContentText, Text: string(raw)}},
		StructuredContent: raw,
	}, nil
}

// RegisterToolFunc registers a tool using the raw JSON closure form
// (in json.RawMessage, out any JSON-marshalable value), for callers who
// don't want the typed generic adapter.
func RegisterToolFunc(s *Server, name string, opts ToolOptions, fn registry.Invoker) error {
	return s.registry.RegisterTool(registry.ToolEntry{
		Name:            name,
		Description:     opts.Description,
		InputSchema:     opts.InputSchema,
		OutputSchema:    opts.OutputSchema,
		TimeoutOverride: opts.Timeout,
		Invoke:          fn,
	})
}

// ResourceOptions configures a resource registration.
type ResourceOptions struct {
	Description  string
	MimeType     string
	Timeout      time.Duration
	Subscribable bool
}

// RegisterResource registers a resource handler whose Read function takes
// typed path-variable params (bound from the URI template, see
// registry.LookupResource) and returns a typed Out, marshaled as a single
// resource content block.
func RegisterResource[In, Out any](s *Server, uriTemplate, name string, opts ResourceOptions, fn func(context.Context, In) (Out, error)) error {
	read := func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in In
		if len(raw) > 0 {
			// The router hands resource handlers a {"uri":..., "vars":{...}}
			// envelope (see router.bindResource); the typed adapter only
			// cares about the extracted template variables.
			var envelope struct {
				Vars json.RawMessage `json:"vars"`
			}
			if err := json.Unmarshal(raw, &envelope); err != nil {
				return nil, fmt.Errorf("mcpserver: unmarshal resource %q envelope: %w", uriTemplate, err)
			}
			if len(envelope.Vars) > 0 {
				if err := json.Unmarshal(envelope.Vars, &in); err != nil {
					return nil, fmt.Errorf("mcpserver: unmarshal resource %q params: %w", uriTemplate, err)
				}
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		raw2, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("mcpserver: marshal resource %q output: %w", uriTemplate, err)
		}
		return registry.Content{Type: registry.ContentResource, MimeType: opts.MimeType, Resource: raw2}, nil
	}

	return s.registry.RegisterResource(registry.ResourceEntry{
		URITemplate:     uriTemplate,
		Name:            name,
		Description:     opts.Description,
		MimeType:        opts.MimeType,
		TimeoutOverride: opts.Timeout,
		Subscribable:    opts.Subscribable,
		Read:            read,
	})
}

// PromptOptions configures a prompt registration.
type PromptOptions struct {
	Description    string
	ArgumentSchema *jsonschema.Schema
	Timeout        time.Duration
}

// RegisterPrompt registers a prompt whose Get function takes typed
// arguments and returns a typed sequence of prompt messages.
func RegisterPrompt[In, Out any](s *Server, name string, opts PromptOptions, fn func(context.Context, In) (Out, error)) error {
	get := func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("mcpserver: unmarshal prompt %q arguments: %w", name, err)
			}
		}
		return fn(ctx, in)
	}

	return s.registry.RegisterPrompt(registry.PromptEntry{
		Name:            name,
		Description:     opts.Description,
		ArgumentSchema:  opts.ArgumentSchema,
		TimeoutOverride: opts.Timeout,
		Get:             get,
	})
}

// TextContent builds a single text content block, the common case for a
// tool result that doesn't need structured output.
func TextContent(text string) registry.Content {
	return registry.Content{Type: registry.ContentText, Text: text}
}

// ImageContent builds a base64-encoded image content block.
func ImageContent(base64Data, mimeType string) registry.Content {
	return registry.Content{Type: registry.ContentImage, Data: base64Data, MimeType: mimeType}
}
