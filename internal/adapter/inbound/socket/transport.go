package socket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/basilisk-labs/mcpcore/internal/domain/execution"
	"github.com/basilisk-labs/mcpcore/internal/port/inbound"
	"github.com/basilisk-labs/mcpcore/internal/service"
)

// DefaultMaxFrameSize bounds a single length-delimited frame.
const DefaultMaxFrameSize = 10 << 20 // 10 MiB

// Network selects between TCP and Unix-domain-socket listening.
type Network string

const (
	NetworkTCP  Network = "tcp"
	NetworkUnix Network = "unix"
)

// Transport serves MCP over a length-delimited stream socket: each frame
// is a 4-byte big-endian length prefix followed by exactly that many
// bytes of JSON-RPC payload. One connection carries one session, the same
// model stdio uses for its single trusted peer.
type Transport struct {
	server *service.Server

	network     Network
	addr        string
	socketMode  os.FileMode
	maxFrame    int
	logger      *slog.Logger
	listener    net.Listener
	wg          sync.WaitGroup
	activeConns sync.Map // net.Conn -> struct{}

	state atomic.Int32
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(t *Transport) { t.maxFrame = n }
}

// WithSocketMode sets the file mode applied to a Unix-domain socket path
// after it is created (ignored for NetworkTCP).
func WithSocketMode(mode os.FileMode) Option {
	return func(t *Transport) { t.socketMode = mode }
}

// New constructs a socket transport listening on network/addr. For
// NetworkUnix, addr is a filesystem path; any stale socket file at that
// path is removed before binding.
func New(server *service.Server, network Network, addr string, opts ...Option) *Transport {
	t := &Transport{
		server:     server,
		network:    network,
		addr:       addr,
		socketMode: 0600,
		maxFrame:   DefaultMaxFrameSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state.Store(int32(inbound.StateIdle))
	return t
}

// Run binds the listener and accepts connections until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	if t.network == NetworkUnix {
		if err := os.RemoveAll(t.addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("socket: remove stale socket: %w", err)
		}
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, string(t.network), t.addr)
	if err != nil {
		return fmt.Errorf("socket: listen %s %s: %w", t.network, t.addr, err)
	}
	t.listener = listener

	if t.network == NetworkUnix {
		if err := chmodSocket(t.addr, t.socketMode); err != nil {
			t.logger.Warn("socket: chmod failed", "path", t.addr, "error", err)
		}
	}

	t.state.Store(int32(inbound.StateConnected))
	t.logger.Info("socket: listening", "network", t.network, "addr", t.addr)

	acceptErr := make(chan error, 1)
	go t.acceptLoop(ctx, acceptErr)

	select {
	case <-ctx.Done():
		return t.Shutdown(context.Background())
	case err := <-acceptErr:
		t.state.Store(int32(inbound.StateClosed))
		return err
	}
}

func (t *Transport) acceptLoop(ctx context.Context, errCh chan<- error) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				errCh <- nil
				return
			}
			errCh <- fmt.Errorf("socket: accept: %w", err)
			return
		}
		t.wg.Add(1)
		go t.serveConn(ctx, conn)
	}
}

func (t *Transport) serveConn(ctx context.Context, conn net.Conn) {
	defer t.wg.Done()
	t.activeConns.Store(conn, struct{}{})
	defer t.activeConns.Delete(conn)
	defer conn.Close()

	connectionID := "socket-" + conn.RemoteAddr().String()
	sess, err := t.server.Connect(ctx, nil, connectionID)
	if err != nil {
		t.logger.Error("socket: connect failed", "error", err)
		return
	}
	defer t.server.Disconnect(sess.ID, execution.ReasonShutdown)

	var writeMu sync.Mutex
	for {
		frame, err := readFrame(conn, t.maxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("socket: read error", "error", err, "session_id", sess.ID)
			}
			return
		}

		resp, err := t.server.HandleFrame(ctx, sess.ID, connectionID, frame)
		if err != nil {
			t.logger.Error("socket: dispatch error", "error", err, "session_id", sess.ID)
			continue
		}
		if resp == nil {
			continue
		}
		writeMu.Lock()
		writeErr := writeFrame(conn, resp)
		writeMu.Unlock()
		if writeErr != nil {
			t.logger.Debug("socket: write error", "error", writeErr, "session_id", sess.ID)
			return
		}
	}
}

// readFrame reads a 4-byte big-endian length prefix and exactly that many
// payload bytes.
func readFrame(r io.Reader, maxFrame int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxFrame {
		return nil, fmt.Errorf("socket: frame size %d exceeds max %d", n, maxFrame)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeFrame writes payload prefixed by its 4-byte big-endian length.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Shutdown stops accepting new connections and closes every open one,
// then waits for their serve goroutines to exit.
func (t *Transport) Shutdown(ctx context.Context) error {
	defer t.state.Store(int32(inbound.StateClosed))
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.activeConns.Range(func(key, _ any) bool {
		conn := key.(net.Conn)
		_ = conn.Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if t.network == NetworkUnix {
		_ = os.RemoveAll(t.addr)
	}
	return nil
}

// State reports the transport's lifecycle state.
func (t *Transport) State() inbound.State { return inbound.State(t.state.Load()) }

// Addr reports the bound listener address, or nil before Run has bound
// it. Callers must observe State() == StateConnected first.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Capabilities reports this transport's fixed characteristics: full
// duplex on the connection, no streaming beyond request/response pairs
// issued in sequence, no compression.
func (t *Transport) Capabilities() inbound.Capabilities {
	return inbound.Capabilities{
		Bidirectional: true,
		Streaming:     false,
		MaxFrameSize:  t.maxFrame,
	}
}

var _ inbound.Transport = (*Transport)(nil)
