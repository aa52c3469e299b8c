package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	mcphttp "github.com/basilisk-labs/mcpcore/internal/adapter/inbound/http"
	"github.com/basilisk-labs/mcpcore/internal/adapter/inbound/socket"
	"github.com/basilisk-labs/mcpcore/internal/adapter/inbound/stdio"
	"github.com/basilisk-labs/mcpcore/internal/adapter/inbound/ws"
	"github.com/basilisk-labs/mcpcore/internal/adapter/outbound/memory"
	mcpotel "github.com/basilisk-labs/mcpcore/internal/adapter/outbound/otel"
	"github.com/basilisk-labs/mcpcore/internal/adapter/outbound/sqlite"
	"github.com/basilisk-labs/mcpcore/internal/config"
	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
	"github.com/basilisk-labs/mcpcore/internal/domain/correlation"
	"github.com/basilisk-labs/mcpcore/internal/domain/event"
	"github.com/basilisk-labs/mcpcore/internal/domain/execution"
	"github.com/basilisk-labs/mcpcore/internal/domain/policy"
	"github.com/basilisk-labs/mcpcore/internal/domain/protocol"
	"github.com/basilisk-labs/mcpcore/internal/domain/ratelimit"
	"github.com/basilisk-labs/mcpcore/internal/domain/registry"
	"github.com/basilisk-labs/mcpcore/internal/domain/router"
	"github.com/basilisk-labs/mcpcore/internal/domain/session"
	"github.com/basilisk-labs/mcpcore/internal/port/inbound"
	"github.com/basilisk-labs/mcpcore/internal/service"
	"github.com/basilisk-labs/mcpcore/pkg/mcpserver"
)

var devMode bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the MCP server",
	Long: `Run loads mcpcore.yaml (or the file given with --config), builds every
configured adapter, and serves the Model Context Protocol over each enabled
transport until it receives SIGINT/SIGTERM, at which point it drains
in-flight requests before exiting.`,
	RunE: runServer,
}

func init() {
	runCmd.Flags().BoolVar(&devMode, "dev", false, "enable permissive development defaults (dev identity, allow-all policy)")
	rootCmd.AddCommand(runCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Server.LogLevel)

	app, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer app.shutdownTelemetry()

	ctx, stop := signal.NotifyContext(cmd.Context(), gracefulSignals()...)
	defer stop()

	return app.run(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// app holds every constructed collaborator for the lifetime of one `run`
// invocation, so shutdown can walk through them in the right order.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	server     *service.Server
	transports []inbound.Transport
	telemetry  *mcpotel.Telemetry
}

func (a *app) shutdownTelemetry() {
	if a.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", "error", err)
	}
}

// run starts every transport and blocks until ctx is cancelled, then drains
// the server and stops each transport in turn.
func (a *app) run(ctx context.Context) error {
	errCh := make(chan error, len(a.transports))
	for _, t := range a.transports {
		t := t
		go func() {
			if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			a.logger.Error("transport failed", "error", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.server.Shutdown(drainCtx)
	for _, t := range a.transports {
		if err := t.Shutdown(drainCtx); err != nil {
			a.logger.Warn("transport shutdown", "error", err)
		}
	}
	return nil
}

// buildApp wires every domain/adapter collaborator named in the config into
// a runnable app. This is the composition root: the only place the router,
// session, registry, auth, policy, rate limit, persistence, and telemetry
// packages are all imported together.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	authStore, sessionStore, err := buildPersistence(cfg)
	if err != nil {
		return nil, err
	}

	policyStore := memory.NewPolicyStore()
	if err := seedPolicies(ctx, policyStore, cfg.Policies, logger); err != nil {
		return nil, err
	}
	policySvc, err := service.NewPolicyService(ctx, policyStore, logger)
	if err != nil {
		return nil, fmt.Errorf("build policy service: %w", err)
	}

	rateLimiter, rateLimitCfg, err := buildRateLimiter(cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.NewRegistry(func(kind registry.ListChangedKind) {
		logger.Debug("registry list changed", "kind", kind)
	})
	if err := registerDemoTools(reg); err != nil {
		return nil, fmt.Errorf("register demo tools: %w", err)
	}

	sessionTimeout, err := time.ParseDuration(cfg.Server.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("server.session_timeout: %w", err)
	}
	serverCaps := buildServerCapabilities(cfg)
	sessions := session.NewSessionService(sessionStore, session.Config{
		Timeout:            sessionTimeout,
		SupportedVersions:  cfg.Server.SupportedProtocolVersions,
		ServerCapabilities: serverCaps,
		ServerInfo:         session.ServerInfo{Name: cfg.Server.ServerName, Version: cfg.Server.ServerVersion},
	})

	tracker := execution.NewTracker()
	bus := event.NewBus()
	corr := correlation.NewHub()

	telemetry, err := wireTelemetry(ctx, cfg, bus, logger)
	if err != nil {
		return nil, err
	}

	defaultTimeout, err := time.ParseDuration(cfg.Server.DefaultToolTimeout)
	if err != nil {
		return nil, fmt.Errorf("server.default_tool_execution_timeout: %w", err)
	}
	perToolTimeouts, err := parseDurationMap(cfg.Server.PerToolTimeouts)
	if err != nil {
		return nil, err
	}

	rt := router.New(router.Deps{
		Sessions:    sessions,
		Registry:    reg,
		Tracker:     tracker,
		Events:      bus,
		Correlation: corr,
		RateLimiter: rateLimiter,
		Policy:      policySvc,
	}, router.Config{
		ServerInfo:      session.ServerInfo{Name: cfg.Server.ServerName, Version: cfg.Server.ServerVersion},
		Instructions:    cfg.Server.Instructions,
		DefaultTimeout:  defaultTimeout,
		PerToolTimeouts: perToolTimeouts,
		RateLimit:       rateLimitCfg,
		ListPageSize:    cfg.Server.ListPageSize,
		EnableTasks:     cfg.Server.EnableTasksCapability,
	})

	svc := service.NewServer(rt, sessions, tracker, logger)
	svc.MaxRequestSize = cfg.Server.MaxRequestSize
	svc.MaxResponseSize = cfg.Server.MaxResponseSize

	transports, err := buildTransports(svc, cfg, authStore, sessionStore, rateLimiter, rateLimitCfg, logger)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, server: svc, transports: transports, telemetry: telemetry}, nil
}

// buildPersistence constructs the auth and session stores for the
// configured backend. sqlite shares one *sqlite.DB between both stores, so
// a deployment that wants persistence opens the database file once.
func buildPersistence(cfg *config.Config) (auth.AuthStore, session.SessionStore, error) {
	switch cfg.Persistence.Backend {
	case "sqlite":
		db, err := sqlite.Open(cfg.Persistence.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		authStore := sqlite.NewAuthStore(db)
		for _, id := range cfg.Auth.Identities {
			if err := authStore.PutIdentity(context.Background(), toDomainIdentity(id)); err != nil {
				return nil, nil, fmt.Errorf("seed identity %s: %w", id.ID, err)
			}
		}
		for _, key := range cfg.Auth.APIKeys {
			if err := authStore.PutAPIKey(context.Background(), toDomainAPIKey(key)); err != nil {
				return nil, nil, fmt.Errorf("seed api key for %s: %w", key.IdentityID, err)
			}
		}
		return authStore, sqlite.NewSessionStore(db), nil
	default:
		authStore := memory.NewAuthStore()
		for _, id := range cfg.Auth.Identities {
			authStore.AddIdentity(toDomainIdentity(id))
		}
		for _, key := range cfg.Auth.APIKeys {
			authStore.AddKey(toDomainAPIKey(key))
		}
		return authStore, memory.NewSessionStore(), nil
	}
}

func toDomainIdentity(id config.IdentityConfig) *auth.Identity {
	roles := make([]auth.Role, len(id.Roles))
	for i, r := range id.Roles {
		roles[i] = auth.Role(r)
	}
	return &auth.Identity{ID: id.ID, Name: id.Name, Roles: roles}
}

func toDomainAPIKey(key config.APIKeyConfig) *auth.APIKey {
	return &auth.APIKey{Key: key.KeyHash, IdentityID: key.IdentityID, CreatedAt: time.Now().UTC()}
}

// seedPolicies loads the configured policies into the store, falling back
// to the built-in default-deny-dangerous-tools policy when none are
// configured
// evaluate against).
func seedPolicies(ctx context.Context, store *memory.MemoryPolicyStore, policies []config.PolicyConfig, logger *slog.Logger) error {
	if len(policies) == 0 {
		return service.SeedDefaultPolicy(ctx, store, logger)
	}
	for _, p := range policies {
		domainPolicy, err := toDomainPolicy(p)
		if err != nil {
			return err
		}
		store.AddPolicy(domainPolicy)
	}
	return nil
}

func toDomainPolicy(p config.PolicyConfig) (*policy.Policy, error) {
	rules := make([]policy.Rule, len(p.Rules))
	for i, r := range p.Rules {
		rules[i] = policy.Rule{
			ID:        uuid.NewString(),
			Name:      r.Name,
			Priority:  r.Priority,
			ToolMatch: r.ToolMatch,
			Condition: r.Condition,
			Action:    policy.Action(r.Action),
			CreatedAt: time.Now().UTC(),
		}
	}
	return &policy.Policy{
		ID:        uuid.NewString(),
		Name:      p.Name,
		Rules:     rules,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// buildRateLimiter selects the GCRA or token-bucket limiter per
// rate_limit.algorithm, or disables the stage entirely when the config
// leaves it off (the right default for a single-peer stdio deployment).
func buildRateLimiter(cfg *config.Config) (ratelimit.RateLimiter, ratelimit.RateLimitConfig, error) {
	if !cfg.RateLimit.Enabled {
		return nil, ratelimit.RateLimitConfig{}, nil
	}
	period, err := time.ParseDuration(cfg.RateLimit.Period)
	if err != nil {
		return nil, ratelimit.RateLimitConfig{}, fmt.Errorf("rate_limit.period: %w", err)
	}
	rlCfg := ratelimit.RateLimitConfig{Rate: cfg.RateLimit.Rate, Burst: cfg.RateLimit.Burst, Period: period}

	switch cfg.RateLimit.Algorithm {
	case "token_bucket":
		return memory.NewTokenBucketRateLimiter(), rlCfg, nil
	default:
		cleanup, err := time.ParseDuration(cfg.RateLimit.CleanupInterval)
		if err != nil {
			return nil, ratelimit.RateLimitConfig{}, fmt.Errorf("rate_limit.cleanup_interval: %w", err)
		}
		maxTTL, err := time.ParseDuration(cfg.RateLimit.MaxTTL)
		if err != nil {
			return nil, ratelimit.RateLimitConfig{}, fmt.Errorf("rate_limit.max_ttl: %w", err)
		}
		return memory.NewRateLimiterWithConfig(cleanup, maxTTL), rlCfg, nil
	}
}

func parseDurationMap(in map[string]string) (map[string]time.Duration, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]time.Duration, len(in))
	for k, v := range in {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("server.per_tool_timeouts[%s]: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}

// buildServerCapabilities advertises tools/resources/prompts support
// unconditionally (this runtime always carries the registry) plus logging,
// and the provisional tasks capability only when the feature flag is set.
func buildServerCapabilities(cfg *config.Config) protocol.ServerCapabilities {
	caps := protocol.ServerCapabilities{
		Tools:     &protocol.ToolsCapability{ListChanged: true},
		Resources: &protocol.ResourcesCapability{ListChanged: true},
		Prompts:   &protocol.PromptsCapability{ListChanged: true},
		Logging:   &struct{}{},
	}
	if cfg.Server.EnableTasksCapability {
		caps.Tasks = &protocol.TasksCapability{Requests: true, List: true, Cancel: true}
	}
	return caps
}

// wireTelemetry builds the OpenTelemetry tracer/meter providers and
// subscribes a Recorder to the event bus when either is enabled, so the
// router never imports otel directly.
func wireTelemetry(ctx context.Context, cfg *config.Config, bus *event.Bus, logger *slog.Logger) (*mcpotel.Telemetry, error) {
	if !cfg.Telemetry.Traces && !cfg.Telemetry.Metrics {
		return nil, nil
	}
	telemetry, err := mcpotel.New(ctx, mcpotel.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Traces:         cfg.Telemetry.Traces,
		Metrics:        cfg.Telemetry.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build telemetry: %w", err)
	}
	recorder, err := mcpotel.NewRecorder(telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("build telemetry recorder: %w", err)
	}
	bus.Subscribe(recorder.Observe)
	return telemetry, nil
}

// registerDemoTools registers the one tool every mcpcore deployment ships
// out of the box, proving the wire format end to end with no external
// dependencies.
func registerDemoTools(reg *registry.Registry) error {
	srv := mcpserver.New(reg)
	type addInput struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}
	type addOutput struct {
		Sum float64 `json:"sum"`
	}
	return mcpserver.RegisterTool(srv, "add", mcpserver.ToolOptions{
		Description: "Add two numbers and return their sum.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"a": {Type: "number"},
				"b": {Type: "number"},
			},
			Required: []string{"a", "b"},
		},
	}, func(_ context.Context, in addInput) (addOutput, error) {
		return addOutput{Sum: in.A + in.B}, nil
	})
}

// buildTransports constructs one adapter per enabled transports.* entry.
// The HTTP and WS transports share a single HealthChecker when both are
// enabled against the in-memory backends; health.NewHealthChecker takes
// concrete memory types rather than interfaces, so a sqlite persistence
// backend or the token-bucket limiter reports liveness with that
// particular probe disabled (nil) rather than failing to start.
func buildTransports(
	svc *service.Server,
	cfg *config.Config,
	authStore auth.AuthStore,
	sessionStore session.SessionStore,
	rateLimiter ratelimit.RateLimiter,
	rateLimitCfg ratelimit.RateLimitConfig,
	logger *slog.Logger,
) ([]inbound.Transport, error) {
	var transports []inbound.Transport

	memSessions, _ := sessionStore.(*memory.MemorySessionStore)
	memLimiter, _ := rateLimiter.(*memory.MemoryRateLimiter)
	healthChecker := mcphttp.NewHealthChecker(memSessions, memLimiter, Version)

	if cfg.Transports.Stdio.Enabled {
		transports = append(transports, stdio.New(svc, stdio.WithLogger(logger)))
	}

	if cfg.Transports.HTTP.Enabled {
		t, err := buildHTTPTransport(svc, cfg, authStore, rateLimiter, rateLimitCfg, healthChecker, logger)
		if err != nil {
			return nil, err
		}
		transports = append(transports, t)
	}

	if cfg.Transports.WS.Enabled {
		pingInterval, err := time.ParseDuration(cfg.Transports.WS.PingInterval)
		if err != nil {
			return nil, fmt.Errorf("transports.ws.ping_interval: %w", err)
		}
		opts := []ws.Option{
			ws.WithAddr(cfg.Transports.WS.Addr),
			ws.WithAllowedOrigins(cfg.Transports.WS.AllowedOrigins),
			ws.WithLogger(logger),
			ws.WithPingInterval(pingInterval),
			ws.WithMaxMessageSize(int64(cfg.Server.MaxRequestSize)),
			ws.WithHealthChecker(healthChecker),
		}
		if cfg.Transports.WS.TLSCertFile != "" && cfg.Transports.WS.TLSKeyFile != "" {
			opts = append(opts, ws.WithTLS(cfg.Transports.WS.TLSCertFile, cfg.Transports.WS.TLSKeyFile))
		}
		if rateLimiter != nil {
			opts = append(opts, ws.WithRateLimiter(rateLimiter, rateLimitCfg))
		}
		transports = append(transports, ws.New(svc, opts...))
	}

	if cfg.Transports.Socket.Enabled {
		network := socket.NetworkTCP
		if cfg.Transports.Socket.Network == "unix" {
			network = socket.NetworkUnix
		}
		opts := []socket.Option{socket.WithLogger(logger), socket.WithMaxFrameSize(cfg.Server.MaxRequestSize)}
		if mode, err := parseFileMode(cfg.Transports.Socket.SocketMode); err == nil {
			opts = append(opts, socket.WithSocketMode(mode))
		}
		transports = append(transports, socket.New(svc, network, cfg.Transports.Socket.Addr, opts...))
	}

	if len(transports) == 0 {
		return nil, errors.New("no transport enabled")
	}
	return transports, nil
}

func buildHTTPTransport(
	svc *service.Server,
	cfg *config.Config,
	authStore auth.AuthStore,
	rateLimiter ratelimit.RateLimiter,
	rateLimitCfg ratelimit.RateLimitConfig,
	healthChecker *mcphttp.HealthChecker,
	logger *slog.Logger,
) (*mcphttp.Transport, error) {
	heartbeat, err := time.ParseDuration(cfg.Transports.HTTP.Heartbeat)
	if err != nil {
		return nil, fmt.Errorf("transports.http.heartbeat: %w", err)
	}
	opts := []mcphttp.Option{
		mcphttp.WithAddr(cfg.Transports.HTTP.Addr),
		mcphttp.WithPublicBaseURL(cfg.Transports.HTTP.PublicBaseURL),
		mcphttp.WithAllowedOrigins(cfg.Transports.HTTP.AllowedOrigins),
		mcphttp.WithLogger(logger),
		mcphttp.WithHeartbeat(heartbeat),
		mcphttp.WithMaxRequestBody(int64(cfg.Server.MaxRequestSize)),
		mcphttp.WithHealthChecker(healthChecker),
		mcphttp.WithAuthenticator(auth.NewAPIKeyService(authStore)),
	}
	if cfg.Transports.HTTP.TLSCertFile != "" && cfg.Transports.HTTP.TLSKeyFile != "" {
		opts = append(opts, mcphttp.WithTLS(cfg.Transports.HTTP.TLSCertFile, cfg.Transports.HTTP.TLSKeyFile))
	}
	if rateLimiter != nil {
		opts = append(opts, mcphttp.WithRateLimiter(rateLimiter, rateLimitCfg))
	}
	return mcphttp.New(svc, opts...)
}

func parseFileMode(s string) (os.FileMode, error) {
	var mode uint32
	if _, err := fmt.Sscanf(s, "%o", &mode); err != nil {
		return 0, err
	}
	return os.FileMode(mode), nil
}
