package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AMQPURL        string        `mapstructure:"AMQP_URL"`
	AMQPExchange   string        `mapstructure:"AMQP_EXCHANGE"`
	AMQPQueue      string        `mapstructure:"AMQP_QUEUE"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`

	MaxStaleness   time.Duration `mapstructure:"BOOKING_MAX_STALENESS"`
	CommitTimeout  time.Duration `mapstructure:"BOOKING_COMMIT_TIMEOUT"`
	CommitAttempts uint          `mapstructure:"BOOKING_COMMIT_ATTEMPTS"`
	HoldTTL        time.Duration `mapstructure:"BOOKING_HOLD_TTL"`
	HoldBucket     time.Duration `mapstructure:"BOOKING_HOLD_BUCKET"`
	HoldWait       time.Duration `mapstructure:"BOOKING_HOLD_WAIT"`

	SearchGranularity time.Duration `mapstructure:"SEARCH_GRANULARITY"`
	SearchParallelism int           `mapstructure:"SEARCH_PARALLELISM"`
	SearchMaxRange    time.Duration `mapstructure:"SEARCH_MAX_RANGE"`

	ProjectionTTL      time.Duration `mapstructure:"PROJECTION_TTL"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AMQP_URL", "AMQP_EXCHANGE", "AMQP_QUEUE",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "MIGRATIONS_DIR",
	"BOOKING_MAX_STALENESS", "BOOKING_COMMIT_TIMEOUT", "BOOKING_COMMIT_ATTEMPTS",
	"BOOKING_HOLD_TTL", "BOOKING_HOLD_BUCKET", "BOOKING_HOLD_WAIT",
	"SEARCH_GRANULARITY", "SEARCH_PARALLELISM", "SEARCH_MAX_RANGE",
	"PROJECTION_TTL", "OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AMQP_EXCHANGE", "booking.lifecycle")
	v.SetDefault("AMQP_QUEUE", "booking.projection")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("BOOKING_MAX_STALENESS", "30s")
	v.SetDefault("BOOKING_COMMIT_TIMEOUT", "5s")
	v.SetDefault("BOOKING_COMMIT_ATTEMPTS", 4)
	v.SetDefault("BOOKING_HOLD_TTL", "3s")
	v.SetDefault("BOOKING_HOLD_BUCKET", "15m")
	v.SetDefault("BOOKING_HOLD_WAIT", "250ms")
	v.SetDefault("SEARCH_GRANULARITY", "0s") // 0 -> service duration
	v.SetDefault("SEARCH_PARALLELISM", 8)
	v.SetDefault("SEARCH_MAX_RANGE", "336h")
	v.SetDefault("PROJECTION_TTL", "10m")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil || (len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",")) {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development runs
// get "development" (every request is an admin) and everything else
// "external" (tokens from an OIDC issuer or signed with AUTH_SIGNING_KEY).
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	switch mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed in production")
		}
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes in production")
	}
	if c.CommitAttempts == 0 {
		return fmt.Errorf("BOOKING_COMMIT_ATTEMPTS must be at least 1")
	}
	if c.CommitTimeout <= 0 {
		return fmt.Errorf("BOOKING_COMMIT_TIMEOUT must be positive")
	}
	if c.MaxStaleness <= 0 {
		return fmt.Errorf("BOOKING_MAX_STALENESS must be positive")
	}
	if c.SearchGranularity < 0 {
		return fmt.Errorf("SEARCH_GRANULARITY must not be negative")
	}
	if c.SearchMaxRange < 24*time.Hour {
		return fmt.Errorf("SEARCH_MAX_RANGE must be at least one day")
	}
	if c.ProjectionTTL <= 0 {
		return fmt.Errorf("PROJECTION_TTL must be positive")
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive")
	}
	return nil
}
