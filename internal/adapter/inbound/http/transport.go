// Package http implements the Streamable HTTP + SSE transport: a single
// /mcp endpoint accepting POST (JSON-RPC request/response
// or 202-accepted notification), GET (an SSE stream for server-initiated
// frames, starting with a mandatory "endpoint" event), and DELETE (session
// termination), plus /health and /metrics sidecar endpoints.
package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
	"github.com/basilisk-labs/mcpcore/internal/domain/ratelimit"
	"github.com/basilisk-labs/mcpcore/internal/port/inbound"
	"github.com/basilisk-labs/mcpcore/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultHeartbeat is how often an idle SSE stream gets a comment line to
// keep intermediaries from closing it, bounded at 30s.
const DefaultHeartbeat = 25 * time.Second

// DefaultMaxRequestBody is the default POST body ceiling.
const DefaultMaxRequestBody = 10 << 20 // 10 MiB

// Transport is the inbound HTTP/SSE adapter. It implements
// inbound.Transport, so it is started and stopped the same way every other
// transport is.
type Transport struct {
	server *service.Server

	httpServer     *http.Server
	addr           string
	publicBaseURL  *url.URL
	allowedOrigins []string
	certFile       string
	keyFile        string
	maxRequestBody int64
	heartbeat      time.Duration

	rateLimiter ratelimit.RateLimiter
	rateLimit   ratelimit.RateLimitConfig

	authenticator Authenticator

	sse           *sseRegistry
	logger        *slog.Logger
	extraHandler  http.Handler
	metrics       *Metrics
	healthChecker *HealthChecker

	state atomic.Int32
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithAddr sets the listen address. Default "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithPublicBaseURL sets the externally-reachable base URL this server is
// addressed by, used to build the absolute URI in the mandatory SSE
// "endpoint" event. Construction fails (see New) if raw has no scheme,
// per the Streamable HTTP endpoint-URI regression requirement.
func WithPublicBaseURL(raw string) Option {
	return func(t *Transport) {
		if raw == "" {
			return
		}
		u, err := url.Parse(raw)
		if err == nil {
			t.publicBaseURL = u
		}
	}
}

// WithTLS enables TLS with the given certificate/key pair.
func WithTLS(certFile, keyFile string) Option {
	return func(t *Transport) { t.certFile = certFile; t.keyFile = keyFile }
}

// WithAllowedOrigins sets the DNS-rebinding-protection allowlist. An empty
// list blocks every cross-origin (Origin-header-bearing) request.
func WithAllowedOrigins(origins []string) Option {
	return func(t *Transport) { t.allowedOrigins = origins }
}

// WithLogger sets the transport's diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMaxRequestBody overrides DefaultMaxRequestBody.
func WithMaxRequestBody(n int64) Option {
	return func(t *Transport) { t.maxRequestBody = n }
}

// WithHeartbeat overrides DefaultHeartbeat.
func WithHeartbeat(d time.Duration) Option {
	return func(t *Transport) { t.heartbeat = d }
}

// WithRateLimiter installs a per-IP/per-identity limiter for the pre-auth
// rate check; a nil limiter (the default) disables it.
func WithRateLimiter(rl ratelimit.RateLimiter, cfg ratelimit.RateLimitConfig) Option {
	return func(t *Transport) { t.rateLimiter = rl; t.rateLimit = cfg }
}

// WithExtraHandler mounts an additional handler under /admin/ for
// deployments that embed their own management UI alongside MCP.
func WithExtraHandler(h http.Handler) Option {
	return func(t *Transport) { t.extraHandler = h }
}

// WithHealthChecker sets the /health responder.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *Transport) { t.healthChecker = hc }
}

// Authenticator resolves the bearer credential APIKeyMiddleware attaches to
// the request context into the identity a new session should carry. A nil
// Authenticator (the default) leaves every session unauthenticated,
// suitable for local/dev use.
type Authenticator interface {
	Validate(ctx context.Context, rawKey string) (*auth.Identity, error)
}

// WithAuthenticator installs the API key resolver used on the initialize
// request of every new HTTP session.
func WithAuthenticator(a Authenticator) Option {
	return func(t *Transport) { t.authenticator = a }
}

// New constructs an HTTP transport bound to server. It returns an error
// (rather than panicking or deferring to Run) when a configured public
// base URL lacks a scheme, since a malformed endpoint URI would otherwise
// only surface once a client fails to reconnect.
func New(server *service.Server, opts ...Option) (*Transport, error) {
	t := &Transport{
		server:         server,
		addr:           "127.0.0.1:8080",
		maxRequestBody: DefaultMaxRequestBody,
		heartbeat:      DefaultHeartbeat,
		sse:            newSSERegistry(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.publicBaseURL != nil && t.publicBaseURL.Scheme == "" {
		return nil, fmt.Errorf("http: public base URL %q is missing an http(s):// scheme", t.publicBaseURL)
	}
	t.state.Store(int32(inbound.StateIdle))
	return t, nil
}

// Run builds the route table and middleware chain and serves until ctx is
// cancelled.
func (t *Transport) Run(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	mcpHandler := t.mcpHandler()
	mcpHandler = t.rateLimitMiddleware(mcpHandler)
	mcpHandler = APIKeyMiddleware(mcpHandler)
	mcpHandler = DNSRebindingProtection(t.allowedOrigins)(mcpHandler)
	mcpHandler = RealIPMiddleware(mcpHandler)
	mcpHandler = RequestIDMiddleware(t.logger)(mcpHandler)
	mcpHandler = MetricsMiddleware(t.metrics)(mcpHandler)

	mux := http.NewServeMux()
	if t.extraHandler != nil {
		mux.Handle("/admin/", t.extraHandler)
	}
	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)

	t.httpServer = &http.Server{Addr: t.addr, Handler: mux}
	if t.certFile != "" && t.keyFile != "" {
		t.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.httpServer.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	t.state.Store(int32(inbound.StateConnected))

	select {
	case <-ctx.Done():
		return t.Shutdown(context.Background())
	case err := <-errCh:
		t.state.Store(int32(inbound.StateClosed))
		return err
	}
}

// Shutdown closes every open SSE stream and gracefully stops the server.
func (t *Transport) Shutdown(ctx context.Context) error {
	defer t.state.Store(int32(inbound.StateClosed))
	t.sse.closeAll()
	if t.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := t.httpServer.Shutdown(shutdownCtx); err != nil {
		t.logger.Error("http: shutdown error", "error", err)
		return err
	}
	return nil
}

// State reports the transport's lifecycle state.
func (t *Transport) State() inbound.State { return inbound.State(t.state.Load()) }

// Capabilities reports that HTTP/SSE is bidirectional and streaming, with
// compression negotiation deferred to a future revision.
func (t *Transport) Capabilities() inbound.Capabilities {
	return inbound.Capabilities{
		Bidirectional: true,
		Streaming:     true,
		MaxFrameSize:  int(t.maxRequestBody),
	}
}

// Push delivers a serialized server-to-client frame to the session's open
// SSE streams as an "event: message" event. It fails when the session has
// no stream open, so callers can fall back or report instead of silently
// losing a request.
func (t *Transport) Push(sessionID string, frame []byte) error {
	if !t.sse.push(sessionID, frame) {
		return fmt.Errorf("http: session %s has no open SSE stream", sessionID)
	}
	return nil
}

// Peer returns the server-initiated-request handle for a session whose
// client holds an SSE stream open on this transport.
func (t *Transport) Peer(sessionID string) (*service.Peer, error) {
	return t.server.PeerFor(sessionID, t.Capabilities(), func(frame []byte) error {
		return t.Push(sessionID, frame)
	})
}

var _ inbound.Transport = (*Transport)(nil)
