package ws

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	gohttp "net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	mcphttp "github.com/basilisk-labs/mcpcore/internal/adapter/inbound/http"
	"github.com/basilisk-labs/mcpcore/internal/domain/ratelimit"
	"github.com/basilisk-labs/mcpcore/internal/port/inbound"
	"github.com/basilisk-labs/mcpcore/internal/service"
)

// DefaultMaxMessageSize bounds a single WebSocket text frame.
const DefaultMaxMessageSize = 10 << 20 // 10 MiB

// DefaultPingInterval is the server ping cadence: a ping every 25s, with
// the read deadline extended on every pong.
const DefaultPingInterval = 25 * time.Second

// pongWait is how long the read side tolerates a missing pong before the
// connection is considered dead.
const pongWait = 2 * DefaultPingInterval

// Transport serves the MCP protocol over WebSocket: one session per
// connection, full duplex.
type Transport struct {
	server *service.Server

	addr           string
	allowedOrigins []string
	certFile       string
	keyFile        string
	maxMessageSize int64
	pingInterval   time.Duration
	rateLimiter    ratelimit.RateLimiter
	rateLimit      ratelimit.RateLimitConfig
	logger         *slog.Logger
	healthChecker  *mcphttp.HealthChecker

	upgrader   websocket.Upgrader
	httpServer *gohttp.Server
	metrics    *Metrics

	conns sync.Map // sessionID -> *wsConn
	state atomic.Int32
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithAddr overrides the listen address, default "127.0.0.1:8081".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithTLS serves wss:// using the given certificate/key pair.
func WithTLS(certFile, keyFile string) Option {
	return func(t *Transport) { t.certFile = certFile; t.keyFile = keyFile }
}

// WithAllowedOrigins restricts which Origin header values may upgrade,
// the WebSocket analogue of the HTTP transport's DNS-rebinding protection.
func WithAllowedOrigins(origins []string) Option {
	return func(t *Transport) { t.allowedOrigins = origins }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMaxMessageSize overrides DefaultMaxMessageSize.
func WithMaxMessageSize(n int64) Option {
	return func(t *Transport) { t.maxMessageSize = n }
}

// WithPingInterval overrides DefaultPingInterval.
func WithPingInterval(d time.Duration) Option {
	return func(t *Transport) { t.pingInterval = d }
}

// WithRateLimiter attaches a pre-upgrade rate limiter keyed by the caller's
// identity or IP, mirroring the HTTP transport's pre-dispatch rate check.
func WithRateLimiter(rl ratelimit.RateLimiter, cfg ratelimit.RateLimitConfig) Option {
	return func(t *Transport) { t.rateLimiter = rl; t.rateLimit = cfg }
}

// WithHealthChecker attaches the shared /health probe.
func WithHealthChecker(hc *mcphttp.HealthChecker) Option {
	return func(t *Transport) { t.healthChecker = hc }
}

// New constructs a WebSocket transport bound to server.
func New(server *service.Server, opts ...Option) *Transport {
	t := &Transport{
		server:         server,
		addr:           "127.0.0.1:8081",
		maxMessageSize: DefaultMaxMessageSize,
		pingInterval:   DefaultPingInterval,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       t.checkOrigin,
		EnableCompression: true,
	}
	t.state.Store(int32(inbound.StateIdle))
	return t
}

func (t *Transport) checkOrigin(r *gohttp.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(t.allowedOrigins) == 0 {
		return false
	}
	for _, allowed := range t.allowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// Run starts the WebSocket listener and blocks until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	t.metrics = NewMetrics(reg)

	mux := gohttp.NewServeMux()
	mux.HandleFunc("/ws", t.handleUpgrade)
	mux.HandleFunc("/mcp/ws", t.handleUpgrade)
	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	}
	mux.Handle("/metrics", promHandler(reg))

	t.httpServer = &gohttp.Server{
		Addr:    t.addr,
		Handler: mcphttp.RequestIDMiddleware(t.logger)(mcphttp.DNSRebindingProtection(t.allowedOrigins)(mux)),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			err = t.httpServer.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			err = t.httpServer.ListenAndServe()
		}
		if err != nil && err != gohttp.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	t.state.Store(int32(inbound.StateConnected))

	select {
	case <-ctx.Done():
		return t.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ws: listen: %w", err)
		}
		return nil
	}
}

// Shutdown closes every open connection and stops the listener.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.conns.Range(func(key, value any) bool {
		conn := value.(*wsConn)
		conn.close()
		return true
	})
	t.state.Store(int32(inbound.StateClosed))
	if t.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return t.httpServer.Shutdown(shutdownCtx)
}

// State reports the transport's lifecycle state.
func (t *Transport) State() inbound.State {
	return inbound.State(t.state.Load())
}

// Capabilities reports WebSocket's fixed transport characteristics.
func (t *Transport) Capabilities() inbound.Capabilities {
	return inbound.Capabilities{
		Bidirectional: true,
		Streaming:     true,
		Compression:   []string{"permessage-deflate"},
		MaxFrameSize:  int(t.maxMessageSize),
	}
}

// Push queues a serialized server-to-client frame onto the session's
// write pump. It fails when the session has no live socket or when the
// send buffer is saturated.
func (t *Transport) Push(sessionID string, frame []byte) error {
	v, ok := t.conns.Load(sessionID)
	if !ok {
		return fmt.Errorf("ws: session %s has no open connection", sessionID)
	}
	c := v.(*wsConn)
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("ws: session %s send buffer full", sessionID)
	}
}

// Peer returns the server-initiated-request handle for a session held
// open on this transport.
func (t *Transport) Peer(sessionID string) (*service.Peer, error) {
	return t.server.PeerFor(sessionID, t.Capabilities(), func(frame []byte) error {
		return t.Push(sessionID, frame)
	})
}

var _ inbound.Transport = (*Transport)(nil)

func connectionIDFromRequest(r *gohttp.Request) string {
	if apiKey := r.Header.Get("Authorization"); apiKey != "" {
		h := sha256.Sum256([]byte(apiKey))
		return "ws-" + hex.EncodeToString(h[:8])
	}
	return "ws-" + realIP(r)
}

func realIP(r *gohttp.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (t *Transport) rateLimitKey(r *gohttp.Request) string {
	if apiKey := r.Header.Get("Authorization"); apiKey != "" {
		h := sha256.Sum256([]byte(apiKey))
		return ratelimit.FormatKey(ratelimit.KeyTypeUser, hex.EncodeToString(h[:8]))
	}
	return ratelimit.FormatKey(ratelimit.KeyTypeIP, realIP(r))
}
