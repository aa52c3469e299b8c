package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/basilisk-labs/mcpcore/internal/ctxkey"
	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
	"github.com/basilisk-labs/mcpcore/internal/domain/execution"
)

// MCPProtocolVersion is the protocol version this transport negotiates.
const MCPProtocolVersion = "2025-06-18"

// MCPSessionIDHeader carries the session id on every request after the
// initialize handshake.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader echoes the negotiated protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// sseRegistry tracks the open SSE channels for each session, so
// server-initiated frames (list_changed, progress, sampling requests) can be
// pushed to every stream a client opened for that session.
type sseRegistry struct {
	mu       sync.RWMutex
	sessions map[string][]chan []byte
}

func newSSERegistry() *sseRegistry {
	return &sseRegistry{sessions: make(map[string][]chan []byte)}
}

func (r *sseRegistry) register(sessionID string, ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = append(r.sessions[sessionID], ch)
}

func (r *sseRegistry) unregister(sessionID string, ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels := r.sessions[sessionID]
	for i, c := range channels {
		if c == ch {
			r.sessions[sessionID] = append(channels[:i], channels[i+1:]...)
			break
		}
	}
	if len(r.sessions[sessionID]) == 0 {
		delete(r.sessions, sessionID)
	}
}

// push fans a serialized frame out to every SSE stream the session has
// open, reporting whether at least one stream accepted it. A stream whose
// buffer is full is skipped rather than blocked on; SSE delivery is
// best-effort and the client re-enumerates on reconnect.
func (r *sseRegistry) push(sessionID string, frame []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := false
	for _, ch := range r.sessions[sessionID] {
		select {
		case ch <- frame:
			delivered = true
		default:
		}
	}
	return delivered
}

func (r *sseRegistry) terminate(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	for _, ch := range channels {
		close(ch)
	}
	delete(r.sessions, sessionID)
	return true
}

func (r *sseRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, channels := range r.sessions {
		for _, ch := range channels {
			close(ch)
		}
	}
	r.sessions = make(map[string][]chan []byte)
}

// mcpHandler routes /mcp by HTTP method.
func (t *Transport) mcpHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			t.handlePost(w, r)
		case http.MethodGet:
			t.handleGet(w, r)
		case http.MethodDelete:
			t.handleDelete(w, r)
		case http.MethodOptions:
			handleOptions(w, r)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// handlePost implements the Streamable HTTP request/response exchange: a
// JSON-RPC request or notification in the body, and either a JSON-RPC
// response or (for notifications) a bare 202 Accepted.
func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		writeJSONRPCError(w, nil, -32700, "Parse error: content type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, t.maxRequestBody)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			// Size violations carry the offending and permitted byte counts,
			// the same shape the service layer produces for frames that make
			// it past the transport.
			size := r.ContentLength
			if size < 0 {
				size = int64(len(body))
			}
			writeJSONRPCErrorData(w, nil, -32600, "request exceeds max_request_size", map[string]int64{
				"size": size, "max": t.maxRequestBody,
			})
			return
		}
		writeJSONRPCError(w, nil, -32700, "Parse error: failed to read request body")
		return
	}
	if len(body) == 0 {
		writeJSONRPCError(w, nil, -32700, "Parse error: empty request body")
		return
	}
	if !json.Valid(body) {
		writeJSONRPCError(w, nil, -32700, "Parse error: invalid JSON")
		return
	}

	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeJSONRPCError(w, nil, -32600, "Invalid Request: request must be a JSON object")
		return
	}
	if envelope.JSONRPC != "2.0" {
		writeJSONRPCError(w, nil, -32600, `Invalid Request: missing or invalid jsonrpc version (must be "2.0")`)
		return
	}
	if envelope.Method == "" {
		writeJSONRPCError(w, nil, -32600, "Invalid Request: missing method field")
		return
	}
	isNotification := envelope.ID == nil

	sessionID := r.Header.Get(MCPSessionIDHeader)
	ctx := r.Context()
	if sessionID == "" {
		if envelope.Method != "initialize" {
			writeJSONRPCError(w, envelope.ID, -32004, "no established session")
			return
		}
		identity, identErr := t.resolveIdentity(ctx)
		if identErr != nil {
			writeJSONRPCError(w, envelope.ID, -32002, "unauthorized")
			return
		}
		sess, err := t.server.Connect(ctx, identity, connectionIDFromRequest(r))
		if err != nil {
			writeJSONRPCError(w, envelope.ID, -32603, "failed to establish session")
			return
		}
		sessionID = sess.ID
	}

	resp, err := t.server.HandleFrame(ctx, sessionID, realIP(r), body)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		writeJSONRPCError(w, envelope.ID, -32603, "Internal error")
		return
	}

	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	w.Header().Set(MCPSessionIDHeader, sessionID)

	if isNotification || resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// handleGet opens the mandatory server-initiated-message stream of
// Streamable HTTP: the first event is always "endpoint", carrying the
// absolute URI (scheme+host+port+path+sessionId) the client must use for
// its POSTs. A request with no existing Mcp-Session-Id establishes a new
// session, so a bare GET can be the first call a client makes.
func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		identity, identErr := t.resolveIdentity(ctx)
		if identErr != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sess, err := t.server.Connect(ctx, identity, connectionIDFromRequest(r))
		if err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
		sessionID = sess.ID
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	w.Header().Set(MCPSessionIDHeader, sessionID)

	msgChan := make(chan []byte, 100)
	t.sse.register(sessionID, msgChan)
	defer t.sse.unregister(sessionID, msgChan)

	endpointURI := t.endpointURI(r, sessionID)
	endpointPayload, _ := json.Marshal(map[string]string{"uri": endpointURI})
	_, _ = fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpointPayload)
	flusher.Flush()

	heartbeat := t.heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// endpointURI builds the absolute URI the client must reconnect its POSTs
// to: the configured public base URL when set, otherwise a best-effort
// reconstruction from the incoming request.
func (t *Transport) endpointURI(r *http.Request, sessionID string) string {
	if t.publicBaseURL != nil {
		u := *t.publicBaseURL
		u.Path = "/mcp"
		q := u.Query()
		q.Set("sessionId", sessionID)
		u.RawQuery = q.Encode()
		return u.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/mcp?sessionId=%s", scheme, r.Host, sessionID)
}

// handleDelete terminates a session: its SSE streams are closed and its
// execution tree is cancelled.
func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}
	t.sse.terminate(sessionID)
	t.server.Disconnect(sessionID, execution.ReasonShutdown)
	w.WriteHeader(http.StatusNoContent)
}

func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// resolveIdentity resolves the bearer credential APIKeyMiddleware attached
// to ctx, if any. No Authorization header and no configured authenticator
// both mean "proceed unauthenticated" (dev-mode/no-auth deployments); a
// credential that fails to validate is an error, not a silent downgrade.
func (t *Transport) resolveIdentity(ctx context.Context) (*auth.Identity, error) {
	if t.authenticator == nil {
		return nil, nil
	}
	rawKey, ok := ctx.Value(ctxkey.APIKeyKey{}).(string)
	if !ok || rawKey == "" {
		return nil, nil
	}
	return t.authenticator.Validate(ctx, rawKey)
}

func connectionIDFromRequest(r *http.Request) string {
	if apiKey := r.Header.Get("Authorization"); apiKey != "" {
		return apiKeyConnectionID(apiKey)
	}
	return "http-" + realIP(r)
}

type jsonRPCError struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Error   jsonRPCErrorField `json:"error"`
}

type jsonRPCErrorField struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSONRPCError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSONRPCErrorData(w, id, code, message, nil)
}

func writeJSONRPCErrorData(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	var idVal interface{}
	if raw, ok := id.(json.RawMessage); ok {
		_ = json.Unmarshal(raw, &idVal)
	} else {
		idVal = id
	}
	_ = json.NewEncoder(w).Encode(jsonRPCError{
		JSONRPC: "2.0",
		ID:      idVal,
		Error:   jsonRPCErrorField{Code: code, Message: message, Data: data},
	})
}

func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
