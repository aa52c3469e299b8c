package registry

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Errors returned by registration and lookup.
var (
	ErrToolExists      = fmt.Errorf("registry: tool already registered")
	ErrResourceExists  = fmt.Errorf("registry: resource template already registered")
	ErrPromptExists    = fmt.Errorf("registry: prompt already registered")
	ErrToolNotFound    = fmt.Errorf("registry: tool not found")
	ErrResourceNotFound = fmt.Errorf("registry: resource not found")
	ErrPromptNotFound  = fmt.Errorf("registry: prompt not found")
	ErrAmbiguousURI    = fmt.Errorf("registry: uri matches more than one resource template")
)

// ListChangedKind identifies which list a list_changed notification covers.
type ListChangedKind string

const (
	ListChangedTools     ListChangedKind = "tools"
	ListChangedResources ListChangedKind = "resources"
	ListChangedPrompts   ListChangedKind = "prompts"
)

// ListChangedFunc is invoked after a registry mutation commits. It carries
// no diff, only a signal to re-enumerate.
type ListChangedFunc func(kind ListChangedKind)

// Registry is the process-wide table of tool/resource/prompt handlers. It
// is safe for concurrent use; registrations are append-only and reads take
// a stable snapshot under a monotonically increasing revision counter.
type Registry struct {
	mu sync.RWMutex

	revision  uint64
	tools     map[string]*ToolEntry
	toolOrder []string

	resources     map[string]*ResourceEntry
	resourceOrder []string

	prompts     map[string]*PromptEntry
	promptOrder []string

	onListChanged ListChangedFunc
}

// NewRegistry constructs an empty registry. onListChanged may be nil.
func NewRegistry(onListChanged ListChangedFunc) *Registry {
	return &Registry{
		tools:     make(map[string]*ToolEntry),
		resources: make(map[string]*ResourceEntry),
		prompts:   make(map[string]*PromptEntry),
		onListChanged: onListChanged,
	}
}

func resolveSchema(s *jsonschema.Schema) (*jsonschema.Resolved, error) {
	if s == nil {
		return nil, nil
	}
	return s.Resolve(nil)
}

// RegisterTool adds a tool handler. Name collisions are errors. The input
// schema (and output schema, if present) is compiled eagerly so a bad
// schema fails at registration time, not on first call.
func (r *Registry) RegisterTool(entry ToolEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("registry: tool name must not be empty")
	}
	resolvedIn, err := resolveSchema(entry.InputSchema)
	if err != nil {
		return fmt.Errorf("registry: tool %q input schema: %w", entry.Name, err)
	}
	resolvedOut, err := resolveSchema(entry.OutputSchema)
	if err != nil {
		return fmt.Errorf("registry: tool %q output schema: %w", entry.Name, err)
	}
	entry.resolvedInput = resolvedIn
	entry.resolvedOutput = resolvedOut

	r.mu.Lock()
	if _, exists := r.tools[entry.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrToolExists, entry.Name)
	}
	r.tools[entry.Name] = &entry
	r.toolOrder = append(r.toolOrder, entry.Name)
	r.revision++
	r.mu.Unlock()

	r.emit(ListChangedTools)
	return nil
}

// RegisterResource adds a resource handler keyed by URI template.
func (r *Registry) RegisterResource(entry ResourceEntry) error {
	if entry.URITemplate == "" {
		return fmt.Errorf("registry: resource uri template must not be empty")
	}

	r.mu.Lock()
	if _, exists := r.resources[entry.URITemplate]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrResourceExists, entry.URITemplate)
	}
	r.resources[entry.URITemplate] = &entry
	r.resourceOrder = append(r.resourceOrder, entry.URITemplate)
	r.revision++
	r.mu.Unlock()

	r.emit(ListChangedResources)
	return nil
}

// RegisterPrompt adds a prompt handler.
func (r *Registry) RegisterPrompt(entry PromptEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("registry: prompt name must not be empty")
	}
	resolvedArgs, err := resolveSchema(entry.ArgumentSchema)
	if err != nil {
		return fmt.Errorf("registry: prompt %q argument schema: %w", entry.Name, err)
	}
	entry.resolvedArgs = resolvedArgs

	r.mu.Lock()
	if _, exists := r.prompts[entry.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPromptExists, entry.Name)
	}
	r.prompts[entry.Name] = &entry
	r.promptOrder = append(r.promptOrder, entry.Name)
	r.revision++
	r.mu.Unlock()

	r.emit(ListChangedPrompts)
	return nil
}

func (r *Registry) emit(kind ListChangedKind) {
	if r.onListChanged != nil {
		r.onListChanged(kind)
	}
}

// LookupTool returns a registered tool by exact name.
func (r *Registry) LookupTool(name string) (*ToolEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// LookupPrompt returns a registered prompt by exact name.
func (r *Registry) LookupPrompt(name string) (*PromptEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	return p, nil
}

// LookupResource resolves a concrete URI against all registered templates,
// returning the matching entry and the bound template variables. More than
// one matching template is an error.
func (r *Registry) LookupResource(uri string) (*ResourceEntry, map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		match   *ResourceEntry
		vars    map[string]string
		matched int
	)
	for _, tmpl := range r.resourceOrder {
		entry := r.resources[tmpl]
		if bound, ok := matchURITemplate(tmpl, uri); ok {
			matched++
			match = entry
			vars = bound
		}
	}
	switch matched {
	case 0:
		return nil, nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	case 1:
		return match, vars, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrAmbiguousURI, uri)
	}
}

// schemaViolation wraps a jsonschema-go validation failure with the JSON
// Pointer path to the offending value, so callers can report both the
// message and the location in error.data without re-parsing it themselves.
type schemaViolation struct {
	path string
	err  error
}

func (e *schemaViolation) Error() string { return e.err.Error() }
func (e *schemaViolation) Unwrap() error { return e.err }

// instancePathPatterns pulls the JSON-Pointer-shaped instance location out
// of a jsonschema-go validation error's message, trying progressively
// looser forms since the exact wording isn't part of its stable contract:
// quoted ('/a', "/a"), following "at", or a bare leading-slash token.
var instancePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`["'](/[^"']*)["']`),
	regexp.MustCompile(`\bat (/[^\s:,]*)`),
	regexp.MustCompile(`(/[A-Za-z0-9_\-./]*)`),
}

// SchemaViolationPath returns the JSON Pointer to the value that failed
// schema validation, if err originated from ValidateToolInput or
// ValidatePromptArgs. The root of the document reports as "/".
func SchemaViolationPath(err error) (string, bool) {
	var sv *schemaViolation
	if errors.As(err, &sv) {
		return sv.path, true
	}
	return "", false
}

func wrapSchemaViolation(err error) error {
	msg := err.Error()
	path := "/"
	for _, pat := range instancePathPatterns {
		if m := pat.FindStringSubmatch(msg); m != nil {
			path = m[1]
			break
		}
	}
	return &schemaViolation{path: path, err: err}
}

// ValidateToolInput validates raw JSON params against a tool's compiled
// input schema. A nil schema accepts anything.
func (t *ToolEntry) ValidateToolInput(params json.RawMessage) error {
	if t.resolvedInput == nil {
		return nil
	}
	var v any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &v); err != nil {
			return fmt.Errorf("registry: invalid params json: %w", err)
		}
	}
	if err := t.resolvedInput.Validate(v); err != nil {
		return wrapSchemaViolation(err)
	}
	return nil
}

// ValidatePromptArgs validates raw JSON arguments against a prompt's
// compiled argument schema. A nil schema accepts anything.
func (p *PromptEntry) ValidatePromptArgs(params json.RawMessage) error {
	if p.resolvedArgs == nil {
		return nil
	}
	var v any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &v); err != nil {
			return fmt.Errorf("registry: invalid params json: %w", err)
		}
	}
	if err := p.resolvedArgs.Validate(v); err != nil {
		return wrapSchemaViolation(err)
	}
	return nil
}

// Revision returns the current monotonically increasing mutation counter.
func (r *Registry) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

// SnapshotTools returns a stable, sorted, cursor-paginated slice of
// registered tools.
func (r *Registry) SnapshotTools(cursor string, pageSize int) (Page[ToolEntry], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), r.toolOrder...)
	sort.Strings(names)

	start, err := cursorIndex(names, cursor)
	if err != nil {
		return Page[ToolEntry]{}, err
	}
	end := start + pageSize
	if pageSize <= 0 || end > len(names) {
		end = len(names)
	}

	items := make([]ToolEntry, 0, end-start)
	for _, n := range names[start:end] {
		items = append(items, *r.tools[n])
	}
	next := ""
	if end < len(names) {
		next = encodeCursor(end)
	}
	return Page[ToolEntry]{Items: items, NextCursor: next}, nil
}

// SnapshotResources returns a stable, sorted, cursor-paginated slice of
// registered resource templates.
func (r *Registry) SnapshotResources(cursor string, pageSize int) (Page[ResourceEntry], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := append([]string(nil), r.resourceOrder...)
	sort.Strings(keys)

	start, err := cursorIndex(keys, cursor)
	if err != nil {
		return Page[ResourceEntry]{}, err
	}
	end := start + pageSize
	if pageSize <= 0 || end > len(keys) {
		end = len(keys)
	}

	items := make([]ResourceEntry, 0, end-start)
	for _, k := range keys[start:end] {
		items = append(items, *r.resources[k])
	}
	next := ""
	if end < len(keys) {
		next = encodeCursor(end)
	}
	return Page[ResourceEntry]{Items: items, NextCursor: next}, nil
}

// SnapshotPrompts returns a stable, sorted, cursor-paginated slice of
// registered prompts.
func (r *Registry) SnapshotPrompts(cursor string, pageSize int) (Page[PromptEntry], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), r.promptOrder...)
	sort.Strings(names)

	start, err := cursorIndex(names, cursor)
	if err != nil {
		return Page[PromptEntry]{}, err
	}
	end := start + pageSize
	if pageSize <= 0 || end > len(names) {
		end = len(names)
	}

	items := make([]PromptEntry, 0, end-start)
	for _, n := range names[start:end] {
		items = append(items, *r.prompts[n])
	}
	next := ""
	if end < len(names) {
		next = encodeCursor(end)
	}
	return Page[PromptEntry]{Items: items, NextCursor: next}, nil
}

// cursorIndex decodes an opaque cursor into a start offset. An empty
// cursor starts from the beginning; an out-of-range cursor is an error.
func cursorIndex(items []string, cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("registry: invalid cursor: %w", err)
	}
	idx, err := strconv.Atoi(string(raw))
	if err != nil || idx < 0 || idx > len(items) {
		return 0, fmt.Errorf("registry: invalid cursor: %s", cursor)
	}
	return idx, nil
}

func encodeCursor(idx int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(idx)))
}
