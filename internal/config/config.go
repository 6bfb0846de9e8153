package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all gateway configuration, loaded from environment variables.
type Config struct {
	// Server
	Host string `env:"SKYGATE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SKYGATE_PORT" envDefault:"8000"`

	// Credential verification
	CredentialSecret   string `env:"SKYGATE_CREDENTIAL_SECRET"`
	CredentialIssuer   string `env:"SKYGATE_CREDENTIAL_ISSUER" envDefault:"aiot-auth"`
	CredentialAudience string `env:"SKYGATE_CREDENTIAL_AUDIENCE" envDefault:"aiot-platform"`

	// Service registry
	RegistryEndpoint        string        `env:"SKYGATE_REGISTRY_ENDPOINT" envDefault:"http://localhost:8500"`
	RegistryRefreshInterval time.Duration `env:"SKYGATE_REGISTRY_REFRESH_INTERVAL" envDefault:"15s"`
	RegistryStalenessBound  time.Duration `env:"SKYGATE_REGISTRY_STALENESS_BOUND" envDefault:"2m"`

	// Proxy
	DefaultHTTPTimeout time.Duration `env:"SKYGATE_DEFAULT_HTTP_TIMEOUT" envDefault:"30s"`
	DefaultRetryBudget int           `env:"SKYGATE_DEFAULT_RETRY_BUDGET" envDefault:"2"`
	RouteTableFile     string        `env:"SKYGATE_ROUTE_TABLE_FILE"`

	// Real-time hub
	SlowConsumerQueueDepth int           `env:"SKYGATE_SLOW_CONSUMER_QUEUE_DEPTH" envDefault:"64"`
	SocketIdleTimeout      time.Duration `env:"SKYGATE_SOCKET_IDLE_TIMEOUT" envDefault:"5m"`
	SnapshotTTL            time.Duration `env:"SKYGATE_SNAPSHOT_TTL" envDefault:"10m"`

	// Lifecycle
	GracefulShutdownDeadline time.Duration `env:"SKYGATE_GRACEFUL_SHUTDOWN_DEADLINE" envDefault:"20s"`
	ProbeInterval            time.Duration `env:"SKYGATE_PROBE_INTERVAL" envDefault:"30s"`

	// Redis (revocation set, snapshot cache, rate limiting)
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Database (optional — if not set, the audit trail is disabled)
	DatabaseURL   string `env:"DATABASE_URL"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Slack (optional — if not set, operator notifications are disabled)
	SlackBotToken   string `env:"SLACK_BOT_TOKEN"`
	SlackOpsChannel string `env:"SLACK_OPS_CHANNEL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if cfg.CredentialSecret != "" && len(cfg.CredentialSecret) < 32 {
		return nil, fmt.Errorf("credential secret must be at least 32 bytes, got %d", len(cfg.CredentialSecret))
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
