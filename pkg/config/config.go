// Package config provides unified configuration for the pfeil gateway.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (PFEIL_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the pfeil gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	OAuth         OAuthConfig         `yaml:"oauth"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Accounts      AccountsConfig      `yaml:"accounts"`
	Stream        StreamConfig        `yaml:"stream"`
	Tools         ToolsConfig         `yaml:"tools"`
	Auth          AuthConfig          `yaml:"auth"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 300s (streaming responses run long)
}

// UpstreamConfig holds settings for the upstream generative API.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"` // required
	Model   string `yaml:"model"`    // default: "gemini-2.5-flash"
}

// OAuthConfig holds settings for the interactive OAuth flow used to
// authorize upstream accounts.
type OAuthConfig struct {
	ClientID         string        `yaml:"client_id"`
	ClientSecret     string        `yaml:"client_secret"`
	ClientSecretFile string        `yaml:"client_secret_file"` // _file variant for client_secret
	Scopes           []string      `yaml:"scopes"`
	AuthURL          string        `yaml:"auth_url"`     // default: Google's authorization endpoint
	TokenURL         string        `yaml:"token_url"`    // default: Google's token endpoint
	RevokeURL        string        `yaml:"revoke_url"`   // default: Google's revocation endpoint
	UserInfoURL      string        `yaml:"userinfo_url"` // default: Google's OpenID userinfo endpoint
	RedirectPort     int           `yaml:"redirect_port"` // default: 8765
	FlowTimeout      time.Duration `yaml:"flow_timeout"`  // default: 5m
	RefreshBuffer    time.Duration `yaml:"refresh_buffer"` // default: 5m
}

// CredentialsConfig holds the encrypted credential store settings.
type CredentialsConfig struct {
	Dir string `yaml:"dir"` // default: ~/.pfeil/credentials
}

// AccountsConfig holds the upstream account pool.
type AccountsConfig struct {
	Entries []AccountEntry        `yaml:"entries"`
	Tiers   map[string]TierLimits `yaml:"tiers"` // optional per-tier overrides
}

// AccountEntry describes one upstream account enrolled in the pool.
type AccountEntry struct {
	Email string `yaml:"email"`
	Tier  string `yaml:"tier"` // "base", "standard", or "premium"
}

// TierLimits overrides the built-in quota caps for a tier.
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerDay    int `yaml:"requests_per_day"`
}

// StreamConfig holds resilient streaming settings.
type StreamConfig struct {
	MaxRetries       int           `yaml:"max_retries"`       // default: 3
	InitialBackoff   time.Duration `yaml:"initial_backoff"`   // default: 500ms
	MaxBackoff       time.Duration `yaml:"max_backoff"`       // default: 8s
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"` // default: 30s
	MaxBufferBytes   int           `yaml:"max_buffer_bytes"`  // default: 1MiB
}

// ToolsConfig holds tool-call hardening settings.
type ToolsConfig struct {
	Namespace      string `yaml:"namespace"`        // default: "pfeil"
	StrictMode     bool   `yaml:"strict_mode"`      // default: false
	MaxRetries     int    `yaml:"max_retries"`      // default: 2
	MaxOutputBytes int    `yaml:"max_output_bytes"` // default: 64KiB
}

// AuthConfig holds inbound authentication settings.
type AuthConfig struct {
	Type    string         `yaml:"type"`     // "none" or "apikey", default: "none"
	APIKeys []APIKeyConfig `yaml:"api_keys"` // API key entries for type=apikey
}

// APIKeyConfig describes a single inbound API key entry.
type APIKeyConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"` // _file variant for key
	Subject string `yaml:"subject"`
}

// StorageConfig holds usage ledger settings.
type StorageConfig struct {
	Type     string         `yaml:"type"` // "memory" or "postgres", default: "memory"
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	DSNFile  string `yaml:"dsn_file"`  // _file variant for dsn
	MaxConns int32  `yaml:"max_conns"` // default: 25
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
		},
		Upstream: UpstreamConfig{
			Model: "gemini-2.5-flash",
		},
		OAuth: OAuthConfig{
			Scopes: []string{
				"https://www.googleapis.com/auth/cloud-platform",
				"https://www.googleapis.com/auth/userinfo.email",
			},
			RedirectPort:  8765,
			FlowTimeout:   5 * time.Minute,
			RefreshBuffer: 5 * time.Minute,
		},
		Stream: StreamConfig{
			MaxRetries:       3,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       8 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
			MaxBufferBytes:   1 << 20,
		},
		Tools: ToolsConfig{
			Namespace:      "pfeil",
			MaxRetries:     2,
			MaxOutputBytes: 64 << 10,
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
