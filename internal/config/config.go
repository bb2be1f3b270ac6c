package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// DefaultAddr is the default TCP address the HTTP API listens on.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is the default TCP address of the score service.
	DefaultGRPCAddr = ":43128"
	// DefaultTickRateHz is the simulation rate recordings are captured at.
	DefaultTickRateHz = 20.0

	// DefaultStoreBackend keeps scores in process memory.
	DefaultStoreBackend = "memory"

	// DefaultMaxTicks bounds a recording to twenty minutes at the default tick rate.
	DefaultMaxTicks = 24000
	// DefaultMaxSoundsPerTick matches the widest count a tick header can encode.
	DefaultMaxSoundsPerTick = 255
	// DefaultMaxRecordBytes caps a recording arena at one mebibyte.
	DefaultMaxRecordBytes = 1 << 20

	// DefaultStopWindow bounds how frequently recordings may be stopped over HTTP.
	DefaultStopWindow = time.Minute
	// DefaultStopBurst sets how many stops may be requested per window.
	DefaultStopBurst = 30

	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultLogLevel controls log verbosity.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
)

// Backends lists the supported score store implementations.
var Backends = []string{"memory", "file", "sqlite", "dynamodb"}

// Config captures all runtime tunables for the score server.
type Config struct {
	Address          string        `env:"RECORDABLE_ADDR" envDefault:":43127"`
	GRPCAddress      string        `env:"RECORDABLE_GRPC_ADDR" envDefault:":43128"`
	GRPCSharedSecret string        `env:"RECORDABLE_GRPC_SHARED_SECRET"`
	AllowedOrigins   []string      `env:"RECORDABLE_ALLOWED_ORIGINS" envSeparator:","`
	AdminToken       string        `env:"RECORDABLE_ADMIN_TOKEN"`
	WSAuthSecret     string        `env:"RECORDABLE_WS_AUTH_SECRET"`
	WSTokenTTL       time.Duration `env:"RECORDABLE_WS_TOKEN_TTL" envDefault:"15m"`
	TickRateHz       float64       `env:"RECORDABLE_TICK_RATE_HZ" envDefault:"20"`
	StopWindow       time.Duration `env:"RECORDABLE_STOP_RATE_WINDOW" envDefault:"1m"`
	StopBurst        int           `env:"RECORDABLE_STOP_RATE_BURST" envDefault:"30"`
	PingInterval     time.Duration `env:"RECORDABLE_PING_INTERVAL" envDefault:"30s"`
	MaxClients       int           `env:"RECORDABLE_MAX_CLIENTS" envDefault:"256"`

	Store     Store
	Limits    Limits
	Retention Retention
	Logging   Logging
	Telemetry Telemetry
}

// Store selects and configures the score store.
type Store struct {
	Backend        string `env:"RECORDABLE_STORE_BACKEND" envDefault:"memory"`
	Path           string `env:"RECORDABLE_STORE_PATH" envDefault:"scores"`
	DynamoTable    string `env:"RECORDABLE_DYNAMO_TABLE"`
	DynamoRegion   string `env:"RECORDABLE_DYNAMO_REGION" envDefault:"us-east-1"`
	DynamoEndpoint string `env:"RECORDABLE_DYNAMO_ENDPOINT"`
}

// Limits bounds a single recording session.
type Limits struct {
	MaxTicks         int `env:"RECORDABLE_MAX_TICKS" envDefault:"24000"`
	MaxSoundsPerTick int `env:"RECORDABLE_MAX_SOUNDS_PER_TICK" envDefault:"255"`
	MaxRecordBytes   int `env:"RECORDABLE_MAX_RECORD_BYTES" envDefault:"1048576"`
}

// Retention controls pruning of the file store.
type Retention struct {
	MaxScores     int           `env:"RECORDABLE_RETENTION_MAX_SCORES" envDefault:"0"`
	MaxAge        time.Duration `env:"RECORDABLE_RETENTION_MAX_AGE" envDefault:"0s"`
	SweepInterval time.Duration `env:"RECORDABLE_RETENTION_SWEEP_INTERVAL" envDefault:"10m"`
}

// Logging captures structured logging configuration options.
type Logging struct {
	Level      string `env:"RECORDABLE_LOG_LEVEL" envDefault:"info"`
	Path       string `env:"RECORDABLE_LOG_PATH" envDefault:"recordable.log"`
	MaxSizeMB  int    `env:"RECORDABLE_LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"RECORDABLE_LOG_MAX_BACKUPS" envDefault:"10"`
	MaxAgeDays int    `env:"RECORDABLE_LOG_MAX_AGE_DAYS" envDefault:"7"`
	Compress   bool   `env:"RECORDABLE_LOG_COMPRESS" envDefault:"true"`
}

// Telemetry configures OpenTelemetry export. Tracing stays disabled without an endpoint.
type Telemetry struct {
	Endpoint    string `env:"RECORDABLE_OTEL_ENDPOINT"`
	ServiceName string `env:"RECORDABLE_OTEL_SERVICE" envDefault:"recordable"`
}

// Load reads the configuration from environment variables, applying defaults and
// returning every invalid override in a single error.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigins = normaliseList(cfg.AllowedOrigins)
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
	cfg.WSAuthSecret = strings.TrimSpace(cfg.WSAuthSecret)
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every out-of-range setting.
func (c *Config) Validate() error {
	var problems []string

	if c.TickRateHz <= 0 || c.TickRateHz > 1000 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_TICK_RATE_HZ must be within (0, 1000], got %v", c.TickRateHz))
	}
	if c.StopWindow <= 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_STOP_RATE_WINDOW must be a positive duration, got %v", c.StopWindow))
	}
	if c.StopBurst <= 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_STOP_RATE_BURST must be a positive integer, got %d", c.StopBurst))
	}
	if c.PingInterval <= 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_PING_INTERVAL must be a positive duration, got %v", c.PingInterval))
	}
	if c.WSTokenTTL <= 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_WS_TOKEN_TTL must be a positive duration, got %v", c.WSTokenTTL))
	}
	if c.MaxClients < 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_MAX_CLIENTS must be a non-negative integer, got %d", c.MaxClients))
	}

	switch c.Store.Backend {
	case "memory":
	case "file", "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			problems = append(problems, fmt.Sprintf("RECORDABLE_STORE_PATH is required for the %s backend", c.Store.Backend))
		}
	case "dynamodb":
		if strings.TrimSpace(c.Store.DynamoTable) == "" {
			problems = append(problems, "RECORDABLE_DYNAMO_TABLE is required for the dynamodb backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("RECORDABLE_STORE_BACKEND must be one of %s, got %q", strings.Join(Backends, ", "), c.Store.Backend))
	}

	if c.Limits.MaxTicks <= 0 || c.Limits.MaxTicks > 65536 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_MAX_TICKS must be within [1, 65536], got %d", c.Limits.MaxTicks))
	}
	if c.Limits.MaxSoundsPerTick <= 0 || c.Limits.MaxSoundsPerTick > 255 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_MAX_SOUNDS_PER_TICK must be within [1, 255], got %d", c.Limits.MaxSoundsPerTick))
	}
	if c.Limits.MaxRecordBytes < 30 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_MAX_RECORD_BYTES must be at least 30, got %d", c.Limits.MaxRecordBytes))
	}

	if c.Retention.MaxScores < 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_RETENTION_MAX_SCORES must be non-negative, got %d", c.Retention.MaxScores))
	}
	if c.Retention.MaxAge < 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_RETENTION_MAX_AGE must be non-negative, got %v", c.Retention.MaxAge))
	}
	if c.Retention.SweepInterval <= 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_RETENTION_SWEEP_INTERVAL must be a positive duration, got %v", c.Retention.SweepInterval))
	}

	if c.Logging.MaxSizeMB <= 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_LOG_MAX_SIZE_MB must be a positive integer, got %d", c.Logging.MaxSizeMB))
	}
	if c.Logging.MaxBackups < 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_LOG_MAX_BACKUPS must be a non-negative integer, got %d", c.Logging.MaxBackups))
	}
	if c.Logging.MaxAgeDays < 0 {
		problems = append(problems, fmt.Sprintf("RECORDABLE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %d", c.Logging.MaxAgeDays))
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func normaliseList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if item := strings.TrimSpace(value); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
