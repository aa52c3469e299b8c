// Package stdio implements the stdio transport: newline-
// delimited JSON-RPC frames on stdin/stdout, with exactly one session for
// the lifetime of the process and all logging directed to stderr so it
// never corrupts the protocol stream.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/basilisk-labs/mcpcore/internal/domain/execution"
	"github.com/basilisk-labs/mcpcore/internal/port/inbound"
	"github.com/basilisk-labs/mcpcore/internal/service"
)

// DefaultMaxLineSize bounds a single stdio frame; it should track the
// server's configured max_request_size.
const DefaultMaxLineSize = 10 << 20 // 10 MiB

// Transport serves one MCP session over stdin/stdout.
type Transport struct {
	server *service.Server
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	maxLineSize int

	state     atomic.Int32
	sessionID atomic.Value // string, set once Run establishes the session
	writeMu   sync.Mutex
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithIO overrides the default stdin/stdout streams, used by tests.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(t *Transport) { t.in = in; t.out = out }
}

// WithLogger sets the logger used for stderr diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(t *Transport) { t.maxLineSize = n }
}

// New constructs a stdio transport bound to server.
func New(server *service.Server, opts ...Option) *Transport {
	t := &Transport{
		server:      server,
		in:          os.Stdin,
		out:         os.Stdout,
		logger:      slog.Default(),
		maxLineSize: DefaultMaxLineSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state.Store(int32(inbound.StateIdle))
	return t
}

// Run opens exactly one session, reads newline-delimited frames until EOF
// or ctx cancellation, and writes each frame's response (if any) back on
// its own line. Stdio has exactly one peer, so the transport always passes
// the fixed peer key "stdio" and every frame is rate limited under it.
func (t *Transport) Run(ctx context.Context) error {
	sess, err := t.server.Connect(ctx, nil, "stdio")
	if err != nil {
		return fmt.Errorf("stdio: connect: %w", err)
	}
	t.sessionID.Store(sess.ID)
	t.state.Store(int32(inbound.StateConnected))
	defer func() {
		t.server.Disconnect(sess.ID, execution.ReasonShutdown)
		t.state.Store(int32(inbound.StateClosed))
	}()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go t.scan(lines, scanErr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if err != nil && err != io.EOF {
				t.logger.Error("stdio: read error", "error", err)
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			t.handleLine(ctx, sess.ID, line)
		}
	}
}

func (t *Transport) scan(lines chan<- []byte, errs chan<- error) {
	defer close(lines)
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), t.maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bufTrim(line)) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines <- cp
	}
	errs <- scanner.Err()
}

func bufTrim(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }

func (t *Transport) handleLine(ctx context.Context, sessionID string, line []byte) {
	resp, err := t.server.HandleFrame(ctx, sessionID, "stdio", line)
	if err != nil {
		t.logger.Error("stdio: dispatch error", "error", err)
		return
	}
	if resp == nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(resp); err != nil {
		t.logger.Error("stdio: write error", "error", err)
		return
	}
	if _, err := t.out.Write([]byte("\n")); err != nil {
		t.logger.Error("stdio: write error", "error", err)
	}
}

// Shutdown does nothing and returns nil. Run owns the read loop directly
// rather than a listener, so cancelling the context passed to Run is what
// stops it; Run then disconnects the session on its way out.
func (t *Transport) Shutdown(ctx context.Context) error {
	return nil
}

// State reports the transport's lifecycle state.
func (t *Transport) State() inbound.State {
	return inbound.State(t.state.Load())
}

// Capabilities reports stdio's fixed transport characteristics: one
// connection, full duplex, no compression, deferring size limits to the
// server configuration.
func (t *Transport) Capabilities() inbound.Capabilities {
	return inbound.Capabilities{
		Bidirectional: true,
		Streaming:     true,
		MaxFrameSize:  t.maxLineSize,
	}
}

// Push writes a serialized server-to-client frame onto stdout as its own
// line, interleaved safely with response writes.
func (t *Transport) Push(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(frame); err != nil {
		return fmt.Errorf("stdio: push: %w", err)
	}
	if _, err := t.out.Write([]byte("\n")); err != nil {
		return fmt.Errorf("stdio: push: %w", err)
	}
	return nil
}

// Peer returns the server-initiated-request handle for the process's one
// session. It errors until Run has established that session.
func (t *Transport) Peer() (*service.Peer, error) {
	id, _ := t.sessionID.Load().(string)
	if id == "" {
		return nil, fmt.Errorf("stdio: no session established yet")
	}
	return t.server.PeerFor(id, t.Capabilities(), func(frame []byte) error {
		return t.Push(frame)
	})
}

var _ inbound.Transport = (*Transport)(nil)
