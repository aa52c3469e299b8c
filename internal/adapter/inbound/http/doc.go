// Package http implements the MCP Streamable HTTP transport.
//
// # Usage
//
//	transport, err := http.New(server,
//	    http.WithAddr(":8080"),
//	    http.WithPublicBaseURL("https://mcp.example.com"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithAllowedOrigins([]string{"https://example.com"}),
//	    http.WithLogger(logger),
//	)
//	err = transport.Run(ctx)
//
// # Endpoints
//
//	POST /mcp   - JSON-RPC request/notification exchange
//	GET  /mcp   - SSE stream for server-initiated frames
//	DELETE /mcp - terminate a session
//	GET  /health - liveness/readiness probe
//	GET  /metrics - Prometheus exposition
//
// # Headers
//
//	Authorization: Bearer <api-key>   - credential for the auth hook
//	Mcp-Session-Id: <session-id>      - session identifier
//	MCP-Protocol-Version: 2025-06-18  - negotiated protocol version
//
// # Server-Sent Events
//
// A GET stream's first event is always "endpoint", whose data carries the
// absolute URI (scheme+host+port+path+sessionId) the client must target
// with its POSTs — this is load-bearing for clients behind a reverse proxy
// or an ambiguous Host header, and is covered by a regression test that
// fails the moment WithPublicBaseURL is given a value without a scheme.
//
// # Middleware chain
//
// Outermost to innermost: Metrics, RequestID, RealIP, DNSRebindingProtection,
// APIKey, rate limit, then the method router in handler.go.
package http
