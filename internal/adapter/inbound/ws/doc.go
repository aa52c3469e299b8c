// Package ws implements the WebSocket transport: one MCP
// session per socket, full-duplex JSON-RPC frames, with a ping/pong
// heartbeat and permessage-deflate compression negotiation handled by
// gorilla/websocket, with one connection object per socket tracked by the
// transport for its lifecycle.
//
// # Usage
//
//	transport := ws.New(server,
//	    ws.WithAddr(":8081"),
//	    ws.WithAllowedOrigins([]string{"https://example.com"}),
//	    ws.WithLogger(logger),
//	)
//	err := transport.Run(ctx)
//
// Unlike the HTTP transport, a WebSocket connection IS the session: the
// socket is upgraded and a session opened in the same breath, and the
// client's first JSON-RPC frame over it is expected to be initialize —
// there is no separate Mcp-Session-Id bootstrap dance.
package ws
