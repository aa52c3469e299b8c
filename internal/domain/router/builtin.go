package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basilisk-labs/mcpcore/internal/domain/policy"
	"github.com/basilisk-labs/mcpcore/internal/domain/protocol"
	"github.com/basilisk-labs/mcpcore/internal/domain/registry"
	"github.com/basilisk-labs/mcpcore/internal/domain/session"
	"github.com/basilisk-labs/mcpcore/internal/domain/validation"
	"github.com/basilisk-labs/mcpcore/pkg/mcp"
)

// toolArgSanitizer strips null bytes and oversized strings from tool call
// arguments before schema validation and invocation, independent of
// whatever checks the tool's own schema enforces.
var toolArgSanitizer = validation.NewSanitizer()

// methodSpec is one entry of the built-in method table
// 3). gate is evaluated against the session's negotiated capability sets
// before the handler runs; a nil gate is protocol.AlwaysAllowed.
type methodSpec struct {
	gate    protocol.Gate
	handler func(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error)
}

// builtinMethods is the fixed dispatch table for every JSON-RPC request
// method this runtime understands. Dynamic tool/resource/prompt names are
// not entries here — they are resolved by name inside the tools/call,
// resources/read, and prompts/get handlers via a registry lookup, which is
// functionally equivalent to a three-way merged table but avoids mutating
// this map as handlers register and deregister.
var builtinMethods = map[string]methodSpec{
	"initialize":           {gate: protocol.AlwaysAllowed, handler: handleInitialize},
	"ping":                 {gate: protocol.AlwaysAllowed, handler: handlePing},
	"tools/list":           {gate: protocol.AlwaysAllowed, handler: handleToolsList},
	"tools/call":           {gate: protocol.AlwaysAllowed, handler: handleToolsCall},
	"resources/list":       {gate: protocol.AlwaysAllowed, handler: handleResourcesList},
	"resources/read":       {gate: protocol.AlwaysAllowed, handler: handleResourcesRead},
	"resources/subscribe":  {gate: protocol.RequireServerResourceSubscribe, handler: handleResourcesSubscribe},
	"resources/unsubscribe": {gate: protocol.RequireServerResourceSubscribe, handler: handleResourcesUnsubscribe},
	"prompts/list":         {gate: protocol.AlwaysAllowed, handler: handlePromptsList},
	"prompts/get":          {gate: protocol.AlwaysAllowed, handler: handlePromptsGet},
	"completion/complete":  {gate: protocol.AlwaysAllowed, handler: handleCompletionComplete},
	"logging/setLevel":     {gate: protocol.AlwaysAllowed, handler: handleLoggingSetLevel},
	"tasks/list":           {gate: protocol.RequireTasks, handler: handleTasksList},
	"tasks/cancel":         {gate: protocol.RequireTasks, handler: handleTasksCancel},
}

// InitializeResult is the bit-exact response shape of the initialize call.
type InitializeResult struct {
	ProtocolVersion string                      `json:"protocolVersion"`
	Capabilities    protocol.ServerCapabilities `json:"capabilities"`
	ServerInfo      session.ServerInfo          `json:"serverInfo"`
	Instructions    string                      `json:"instructions,omitempty"`
}

func handleInitialize(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in struct {
		ProtocolVersion string                      `json:"protocolVersion"`
		Capabilities    protocol.ClientCapabilities `json:"capabilities"`
		ClientInfo      session.ClientInfo          `json:"clientInfo"`
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: missing params", protocol.ErrInvalidParams)
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}
	if in.ClientInfo.Name == "" {
		return nil, fmt.Errorf("%w: clientInfo.name is required", protocol.ErrInvalidParams)
	}

	updated, err := rt.deps.Sessions.Initialize(ctx, sess.ID, in.ProtocolVersion, in.Capabilities, in.ClientInfo)
	if err != nil {
		return nil, err
	}

	return InitializeResult{
		ProtocolVersion: updated.NegotiatedVersion,
		Capabilities:    updated.ServerCapabilities,
		ServerInfo:      rt.cfg.ServerInfo,
		Instructions:    rt.cfg.Instructions,
	}, nil
}

func handlePing(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	return struct{}{}, nil
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type listParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// wireTool/wireResource/wirePrompt are the MCP wire shapes for list
// responses; registry.ToolEntry etc. carry compiled schema internals that
// must not leak onto the wire.
type wireTool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

type wireResource struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type wirePrompt struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

type toolsListResult struct {
	Tools      []wireTool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

func handleToolsList(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
		}
	}
	page, err := rt.deps.Registry.SnapshotTools(in.Cursor, rt.cfg.ListPageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}
	tools := make([]wireTool, 0, len(page.Items))
	for _, t := range page.Items {
		tools = append(tools, wireTool{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  marshalSchema(t.InputSchema),
			OutputSchema: marshalSchema(t.OutputSchema),
		})
	}
	return toolsListResult{Tools: tools, NextCursor: page.NextCursor}, nil
}

func marshalSchema(s any) json.RawMessage {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return raw
}

func handleToolsCall(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in toolCallParams
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", protocol.ErrInvalidParams)
	}
	if err := toolArgSanitizer.ValidateToolName(in.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}
	in.Arguments = sanitizeToolArguments(in.Arguments)

	entry, err := rt.deps.Registry.LookupTool(in.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown tool %q", protocol.ErrInvalidParams, in.Name)
	}

	if err := entry.ValidateToolInput(in.Arguments); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidParams, err)
	}

	if rt.deps.Policy != nil {
		decision, err := rt.evaluatePolicy(ctx, sess, in)
		if err != nil {
			return nil, fmt.Errorf("router: policy evaluation: %w", err)
		}
		ctx = policy.WithDecision(ctx, &decision)
		if !decision.Allowed {
			reason := decision.Reason
			if reason == "" {
				reason = "denied by policy"
			}
			return nil, fmt.Errorf("%w: %s", protocol.ErrForbidden, reason)
		}
	}

	result, err := entry.Invoke(ctx, in.Arguments)
	if err != nil {
		return nil, wrapHandlerError(err)
	}
	return result, nil
}

// wrapHandlerError maps a handler's failure into the error taxonomy,
// letting context cancellation/deadline errors through unwrapped so the
// dispatch loop can classify them against the execution's recorded
// reason.
func wrapHandlerError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", protocol.ErrHandlerPanic, err)
}

// sanitizeToolArguments strips null bytes and truncates oversized string
// values out of a tool call's raw JSON arguments. Malformed JSON is left
// untouched: ValidateToolInput rejects it against the tool's schema with a
// more specific error than a sanitizer failure would produce.
func sanitizeToolArguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return raw
	}
	sanitized, err := toolArgSanitizer.SanitizeValue(args)
	if err != nil {
		return raw
	}
	out, err := json.Marshal(sanitized)
	if err != nil {
		return raw
	}
	return out
}

func (rt *Router) evaluatePolicy(ctx context.Context, sess *session.Session, in toolCallParams) (policy.Decision, error) {
	var args map[string]interface{}
	if len(in.Arguments) > 0 {
		if err := json.Unmarshal(in.Arguments, &args); err != nil {
			args = nil
		}
	}
	roles := make([]string, 0, len(sess.Roles))
	for _, r := range sess.Roles {
		roles = append(roles, string(r))
	}
	ac := authFromContext(ctx)
	ec := policy.EvaluationContext{
		ToolName:      in.Name,
		ToolArguments: args,
		UserRoles:     roles,
		SessionID:     sess.ID,
		IdentityID:    sess.IdentityID,
		IdentityName:  sess.IdentityName,
		RequestTime:   time.Now().UTC(),
		Method:        "tools/call",
	}
	if ac.Authenticated {
		ec.IdentityID = ac.Subject
	}
	return rt.deps.Policy.Evaluate(ctx, ec)
}

type resourceURIParams struct {
	URI string `json:"uri"`
}

type resourcesListResult struct {
	Resources  []wireResource `json:"resources"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

func handleResourcesList(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
		}
	}
	page, err := rt.deps.Registry.SnapshotResources(in.Cursor, rt.cfg.ListPageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}
	resources := make([]wireResource, 0, len(page.Items))
	for _, r := range page.Items {
		resources = append(resources, wireResource{
			URITemplate: r.URITemplate,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
		})
	}
	return resourcesListResult{Resources: resources, NextCursor: page.NextCursor}, nil
}

// bindResource resolves the requested
// URI against the registered templates and returns the matched entry plus
// its extracted path variables, passed to the handler as the JSON object
// {"uri": ..., "vars": {...}}.
func bindResource(rt *Router, uri string) (*registry.ResourceEntry, json.RawMessage, error) {
	entry, vars, err := rt.deps.Registry.LookupResource(uri)
	if err != nil {
		if err == registry.ErrAmbiguousURI {
			return nil, nil, fmt.Errorf("%w: %s", protocol.ErrAmbiguousBinding, uri)
		}
		return nil, nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}
	payload := map[string]any{"uri": uri, "vars": vars}
	raw, merr := json.Marshal(payload)
	if merr != nil {
		return nil, nil, fmt.Errorf("router: marshal resource params: %w", merr)
	}
	return entry, raw, nil
}

func handleResourcesRead(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in resourceURIParams
	if err := json.Unmarshal(params, &in); err != nil || in.URI == "" {
		return nil, fmt.Errorf("%w: uri is required", protocol.ErrInvalidParams)
	}
	entry, bound, err := bindResource(rt, in.URI)
	if err != nil {
		return nil, err
	}
	result, err := entry.Read(ctx, bound)
	if err != nil {
		return nil, wrapHandlerError(err)
	}
	return result, nil
}

func handleResourcesSubscribe(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in resourceURIParams
	if err := json.Unmarshal(params, &in); err != nil || in.URI == "" {
		return nil, fmt.Errorf("%w: uri is required", protocol.ErrInvalidParams)
	}
	entry, _, err := rt.deps.Registry.LookupResource(in.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}
	if !entry.Subscribable {
		return nil, fmt.Errorf("%w: resource %s does not support subscription", protocol.ErrInvalidParams, in.URI)
	}
	return struct{}{}, nil
}

func handleResourcesUnsubscribe(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in resourceURIParams
	if err := json.Unmarshal(params, &in); err != nil || in.URI == "" {
		return nil, fmt.Errorf("%w: uri is required", protocol.ErrInvalidParams)
	}
	return struct{}{}, nil
}

type promptsListResult struct {
	Prompts    []wirePrompt `json:"prompts"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

func handlePromptsList(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
		}
	}
	page, err := rt.deps.Registry.SnapshotPrompts(in.Cursor, rt.cfg.ListPageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}
	prompts := make([]wirePrompt, 0, len(page.Items))
	for _, p := range page.Items {
		prompts = append(prompts, wirePrompt{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   marshalSchema(p.ArgumentSchema),
		})
	}
	return promptsListResult{Prompts: prompts, NextCursor: page.NextCursor}, nil
}

type promptGetParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func handlePromptsGet(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in promptGetParams
	if err := json.Unmarshal(params, &in); err != nil || in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", protocol.ErrInvalidParams)
	}
	entry, err := rt.deps.Registry.LookupPrompt(in.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown prompt %q", protocol.ErrInvalidParams, in.Name)
	}
	if err := entry.ValidatePromptArgs(in.Arguments); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}
	result, err := entry.Get(ctx, in.Arguments)
	if err != nil {
		return nil, wrapHandlerError(err)
	}
	return result, nil
}

type completionRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type completionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type completeParams struct {
	Ref      completionRef       `json:"ref"`
	Argument completionArgument `json:"argument"`
}

type completeResult struct {
	Completion struct {
		Values  []string `json:"values"`
		Total   int      `json:"total,omitempty"`
		HasMore bool     `json:"hasMore,omitempty"`
	} `json:"completion"`
}

// handleCompletionComplete offers prompt/resource argument auto-completion
//. This runtime only completes prompt
// arguments backed by a declared JSON Schema enum; anything else returns an
// empty candidate list rather than failing the request, since completion is
// advisory.
func handleCompletionComplete(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in completeParams
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}

	var result completeResult
	if in.Ref.Type == "ref/prompt" {
		if entry, err := rt.deps.Registry.LookupPrompt(in.Ref.Name); err == nil && entry.ArgumentSchema != nil {
			result.Completion.Values = matchEnumPrefix(entry.ArgumentSchema, in.Argument.Name, in.Argument.Value)
		}
	}
	result.Completion.Total = len(result.Completion.Values)
	return result, nil
}

// matchEnumPrefix walks a compiled JSON Schema's raw representation looking
// for an enum declared on the named property, filtering by prefix. It is
// deliberately conservative: schemas without a matching enum yield no
// suggestions rather than a guess.
func matchEnumPrefix(schema any, argName, prefix string) []string {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var decoded struct {
		Properties map[string]struct {
			Enum []string `json:"enum"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	prop, ok := decoded.Properties[argName]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(prop.Enum))
	for _, v := range prop.Enum {
		if strings.HasPrefix(v, prefix) {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "notice": true, "warning": true,
	"error": true, "critical": true, "alert": true, "emergency": true,
}

func handleLoggingSetLevel(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var in struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(params, &in); err != nil || !validLogLevels[in.Level] {
		return nil, fmt.Errorf("%w: level must be one of the RFC 5424 severities", protocol.ErrInvalidParams)
	}
	rt.logLevels.Store(sess.ID, in.Level)
	return struct{}{}, nil
}

// LogLevel returns the minimum notifications/message severity the named
// session has requested via logging/setLevel, or "info" if it never called
// it.
func (rt *Router) LogLevel(sessionID string) string {
	if v, ok := rt.logLevels.Load(sessionID); ok {
		return v.(string)
	}
	return "info"
}

// wireTask is the tasks/list wire shape for one in-flight execution.
type wireTask struct {
	RequestID string    `json:"requestId"`
	Method    string    `json:"method"`
	StartedAt time.Time `json:"startedAt"`
}

type tasksListResult struct {
	Tasks []wireTask `json:"tasks"`
}

// handleTasksList journals the caller's own in-flight tool/resource/prompt
// invocations. Only the calling session's executions are visible, matching
// the single-tenant scope of every other list method in this runtime.
func handleTasksList(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	if !rt.cfg.EnableTasks {
		return nil, fmt.Errorf("%w: tasks/list", protocol.ErrMethodNotFound)
	}
	snap := rt.deps.Tracker.Snapshot(sess.ID)
	tasks := make([]wireTask, 0, len(snap))
	for _, info := range snap {
		tasks = append(tasks, wireTask{
			RequestID: info.RequestID.String(),
			Method:    info.Method,
			StartedAt: info.StartedAt,
		})
	}
	return tasksListResult{Tasks: tasks}, nil
}

type taskCancelParams struct {
	RequestID mcp.ID `json:"requestId"`
}

// handleTasksCancel cancels one of the caller's own in-flight executions,
// the tasks/* equivalent of notifications/cancelled for a caller that wants
// a direct RPC result rather than a fire-and-forget notification.
func handleTasksCancel(rt *Router, ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	if !rt.cfg.EnableTasks {
		return nil, fmt.Errorf("%w: tasks/cancel", protocol.ErrMethodNotFound)
	}
	var in taskCancelParams
	if err := json.Unmarshal(params, &in); err != nil || !in.RequestID.IsValid() {
		return nil, fmt.Errorf("%w: requestId is required", protocol.ErrInvalidParams)
	}
	if err := rt.deps.Tracker.CancelRequest(sess.ID, in.RequestID); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidParams, err)
	}
	return struct{}{}, nil
}
