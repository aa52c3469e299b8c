// Package socket implements the TCP/Unix-domain-socket transport: one
// session per accepted connection, frames delimited by a 4-byte
// big-endian length prefix rather than HTTP or newlines, for
// embedders that want MCP over a plain stream socket (a sidecar process,
// a container's Unix socket mount).
package socket
