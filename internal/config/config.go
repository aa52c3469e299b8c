// Package config provides configuration types for mcpcore.
//
// mcpcore is a standalone MCP server runtime, not a proxy: the config
// schema carries the transport/session/auth/policy/rate-limit/persistence/
// telemetry fields for a server, nothing upstream-shaped.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for mcpcore.
type Config struct {
	// Server configures the session lifecycle and wire-level limits
	// shared by every transport.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Transports selects and configures which inbound adapters to start.
	Transports TransportsConfig `yaml:"transports" mapstructure:"transports"`

	// Auth configures file-based identities and API keys. Optional: when
	// empty, every session connects unauthenticated.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures the pre-dispatch rate limiting stage.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Policies defines the access control rules layered on top of the
	// capability gate. Optional: when empty, the built-in default policy
	// is seeded at startup; it denies delete_* and exec_* tools, and any
	// call that no rule matches is allowed.
	Policies []PolicyConfig `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`

	// Persistence selects the backend for session/auth storage.
	Persistence PersistenceConfig `yaml:"persistence" mapstructure:"persistence"`

	// Telemetry configures OpenTelemetry tracing/metrics export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables permissive defaults (a catch-all allow policy, a
	// seeded dev identity/API key) so the server runs with minimal config.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures session lifecycle and per-message limits,
// applied uniformly across every transport.
type ServerConfig struct {
	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// SessionTimeout is the duration before an idle session expires
	// (e.g. "30m", "1h"). Defaults to "30m".
	SessionTimeout string `yaml:"session_timeout" mapstructure:"session_timeout" validate:"omitempty"`

	// MaxRequestSize bounds an inbound frame in bytes. Defaults to 10 MiB.
	MaxRequestSize int `yaml:"max_request_size" mapstructure:"max_request_size" validate:"omitempty,min=1"`

	// MaxResponseSize bounds an outbound frame in bytes. Defaults to 10 MiB.
	MaxResponseSize int `yaml:"max_response_size" mapstructure:"max_response_size" validate:"omitempty,min=1"`

	// DefaultToolTimeout bounds a tools/call execution when neither the
	// tool itself nor PerToolTimeouts specifies one (e.g. "30s").
	DefaultToolTimeout string `yaml:"default_tool_execution_timeout" mapstructure:"default_tool_execution_timeout" validate:"omitempty"`

	// PerToolTimeouts overrides DefaultToolTimeout for specific JSON-RPC
	// methods or tool names (e.g. "tools/call": "2m").
	PerToolTimeouts map[string]string `yaml:"per_tool_timeouts" mapstructure:"per_tool_timeouts"`

	// SupportedProtocolVersions overrides the negotiation list, in
	// priority order. Empty means use the protocol package's default.
	SupportedProtocolVersions []string `yaml:"supported_protocol_versions" mapstructure:"supported_protocol_versions"`

	// EnableTasksCapability turns on the provisional MCP-Tasks capability
	//. Default off.
	EnableTasksCapability bool `yaml:"enable_tasks_capability" mapstructure:"enable_tasks_capability"`

	// ListPageSize bounds a single tools/resources/prompts list page.
	// Defaults to 50.
	ListPageSize int `yaml:"list_page_size" mapstructure:"list_page_size" validate:"omitempty,min=1"`

	// ServerName/ServerVersion are echoed in every InitializeResult.
	ServerName    string `yaml:"server_name" mapstructure:"server_name"`
	ServerVersion string `yaml:"server_version" mapstructure:"server_version"`

	// Instructions is free-form guidance returned to the client on
	// initialize, describing how to use this server's tools.
	Instructions string `yaml:"instructions" mapstructure:"instructions"`
}

// TransportsConfig selects and configures the inbound adapters a
// deployment starts. At least one must be enabled.
type TransportsConfig struct {
	Stdio  StdioTransportConfig  `yaml:"stdio" mapstructure:"stdio"`
	HTTP   HTTPTransportConfig   `yaml:"http" mapstructure:"http"`
	WS     WSTransportConfig     `yaml:"ws" mapstructure:"ws"`
	Socket SocketTransportConfig `yaml:"socket" mapstructure:"socket"`
}

// StdioTransportConfig configures the newline-delimited stdio transport.
// There is no listen address: stdio serves exactly one session for the
// lifetime of the process.
type StdioTransportConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// HTTPTransportConfig configures the Streamable HTTP + SSE transport.
type HTTPTransportConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Addr is the listen address (e.g. "127.0.0.1:8080").
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// PublicBaseURL is the externally-reachable base URL used to build
	// the absolute URI in the mandatory SSE "endpoint" event. Must
	// include an http(s):// scheme when set;
	// startup fails otherwise.
	PublicBaseURL string `yaml:"public_base_url" mapstructure:"public_base_url"`

	// AllowedOrigins is the DNS-rebinding-protection allowlist. An empty
	// list blocks every cross-origin request.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`

	// TLSCertFile/TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`

	// Heartbeat is the SSE keep-alive comment interval (e.g. "25s").
	Heartbeat string `yaml:"heartbeat" mapstructure:"heartbeat" validate:"omitempty"`
}

// WSTransportConfig configures the WebSocket transport.
type WSTransportConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	Addr           string   `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	TLSCertFile    string   `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile     string   `yaml:"tls_key_file" mapstructure:"tls_key_file"`
	PingInterval   string   `yaml:"ping_interval" mapstructure:"ping_interval" validate:"omitempty"`
}

// SocketTransportConfig configures the TCP/Unix length-delimited
// transport. Network selects between the two; Addr is either a
// "host:port" pair (tcp) or a filesystem path (unix).
type SocketTransportConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Network string `yaml:"network" mapstructure:"network" validate:"omitempty,oneof=tcp unix"`
	Addr    string `yaml:"addr" mapstructure:"addr"`

	// SocketMode is the octal file mode applied to a Unix socket path
	// after creation (ignored for tcp). Defaults to "0600".
	SocketMode string `yaml:"socket_mode" mapstructure:"socket_mode"`
}

// AuthConfig configures file-based authentication.
type AuthConfig struct {
	// Identities defines the known identities (users/services).
	Identities []IdentityConfig `yaml:"identities" mapstructure:"identities" validate:"omitempty,dive"`

	// APIKeys defines the API keys that map to identities.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// IdentityConfig defines a file-based identity.
type IdentityConfig struct {
	ID    string   `yaml:"id" mapstructure:"id" validate:"required"`
	Name  string   `yaml:"name" mapstructure:"name" validate:"required"`
	Roles []string `yaml:"roles" mapstructure:"roles" validate:"required,min=1"`
}

// APIKeyConfig defines an API key that authenticates as an identity.
type APIKeyConfig struct {
	// KeyHash is the SHA-256 hex hash of the API key, prefixed with
	// "sha256:", or an Argon2id PHC-format hash.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`

	// IdentityID references the identity this key authenticates as.
	IdentityID string `yaml:"identity_id" mapstructure:"identity_id" validate:"required"`
}

// RateLimitConfig configures the router's pre-dispatch rate limiting
// stage.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off. Default: disabled, the right
	// default for a stdio-only deployment with exactly one trusted peer.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Algorithm selects the limiter implementation: "gcra" (default, a
	// smooth rate with no window-boundary bursts) or "token_bucket" (lets
	// a client bank unused capacity up to Burst).
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm" validate:"omitempty,oneof=gcra token_bucket"`

	// Rate is the number of allowed requests per Period.
	Rate int `yaml:"rate" mapstructure:"rate" validate:"omitempty,min=1"`

	// Burst is the maximum number of requests admitted at once.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`

	// Period is the rate limit window (e.g. "1m").
	Period string `yaml:"period" mapstructure:"period" validate:"omitempty"`

	// CleanupInterval/MaxTTL bound the GCRA limiter's background
	// cleanup of expired keys (e.g. "5m"/"1h").
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`
	MaxTTL          string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty"`
}

// PolicyConfig defines a named set of access control rules.
type PolicyConfig struct {
	Name  string       `yaml:"name" mapstructure:"name" validate:"required"`
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"required,min=1,dive"`
}

// RuleConfig defines a single access control rule.
type RuleConfig struct {
	Name      string `yaml:"name" mapstructure:"name" validate:"required"`
	Priority  int    `yaml:"priority" mapstructure:"priority"`
	ToolMatch string `yaml:"tool_match" mapstructure:"tool_match"`
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`
	Action    string `yaml:"action" mapstructure:"action" validate:"required,oneof=allow deny approval_required"`
}

// PersistenceConfig selects the backend for session/auth storage.
type PersistenceConfig struct {
	// Backend is "memory" (default) or "sqlite".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite"`

	// SQLitePath is the database file path, used only when Backend is
	// "sqlite". Defaults to "./mcpcore.db".
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Traces/Metrics independently enable the stdout span/metric
	// exporters. Both default to disabled.
	Traces  bool `yaml:"traces" mapstructure:"traces"`
	Metrics bool `yaml:"metrics" mapstructure:"metrics"`

	ServiceName    string `yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string `yaml:"service_version" mapstructure:"service_version"`
}

// SetDevDefaults applies permissive defaults for development mode, before
// validation so required fields are satisfied with minimal config.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if len(c.Auth.Identities) == 0 {
		c.Auth.Identities = []IdentityConfig{
			{ID: "dev-user", Name: "Development User", Roles: []string{"admin"}},
		}
	}

	if len(c.Auth.APIKeys) == 0 {
		c.Auth.APIKeys = []APIKeyConfig{
			{
				// sha256("dev-api-key")
				KeyHash:    "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274",
				IdentityID: "dev-user",
			},
		}
	}

	if len(c.Policies) == 0 {
		c.Policies = []PolicyConfig{
			{
				Name: "dev-allow-all",
				Rules: []RuleConfig{
					{Name: "allow-all", Condition: "true", Action: "allow", ToolMatch: "*"},
				},
			},
		}
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.SessionTimeout == "" {
		c.Server.SessionTimeout = "30m"
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 10 << 20
	}
	if c.Server.MaxResponseSize == 0 {
		c.Server.MaxResponseSize = 10 << 20
	}
	if c.Server.DefaultToolTimeout == "" {
		c.Server.DefaultToolTimeout = "30s"
	}
	if c.Server.ListPageSize == 0 {
		c.Server.ListPageSize = 50
	}
	if c.Server.ServerName == "" {
		c.Server.ServerName = "mcpcore"
	}
	if c.Server.ServerVersion == "" {
		c.Server.ServerVersion = "0.1.0"
	}

	// Transports default: stdio only, the narrowest-trust-surface option,
	// unless the user's config explicitly touches the transports block.
	if !c.Transports.HTTP.Enabled && !c.Transports.WS.Enabled && !c.Transports.Socket.Enabled &&
		!viper.IsSet("transports.stdio.enabled") &&
		!viper.IsSet("transports.http.enabled") &&
		!viper.IsSet("transports.ws.enabled") &&
		!viper.IsSet("transports.socket.enabled") {
		c.Transports.Stdio.Enabled = true
	}
	if c.Transports.HTTP.Addr == "" {
		c.Transports.HTTP.Addr = "127.0.0.1:8080"
	}
	if c.Transports.HTTP.Heartbeat == "" {
		c.Transports.HTTP.Heartbeat = "25s"
	}
	if c.Transports.WS.Addr == "" {
		c.Transports.WS.Addr = "127.0.0.1:8081"
	}
	if c.Transports.WS.PingInterval == "" {
		c.Transports.WS.PingInterval = "25s"
	}
	if c.Transports.Socket.Network == "" {
		c.Transports.Socket.Network = "tcp"
	}
	if c.Transports.Socket.Addr == "" {
		c.Transports.Socket.Addr = "127.0.0.1:8082"
	}
	if c.Transports.Socket.SocketMode == "" {
		c.Transports.Socket.SocketMode = "0600"
	}

	// Rate limit defaults, filled in whether or not the stage is enabled.
	if c.RateLimit.Algorithm == "" {
		c.RateLimit.Algorithm = "gcra"
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 100
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.Rate
	}
	if c.RateLimit.Period == "" {
		c.RateLimit.Period = "1m"
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}

	if c.Persistence.Backend == "" {
		c.Persistence.Backend = "memory"
	}
	if c.Persistence.SQLitePath == "" {
		c.Persistence.SQLitePath = "./mcpcore.db"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.Server.ServerName
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = c.Server.ServerVersion
	}
}
