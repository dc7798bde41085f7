// Package config loads runtime settings from PAYFLOW_* environment
// variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config holds every runtime setting. Command line flags override the
// environment.
type Config struct {
	Backend string `env:"PAYFLOW_BACKEND" envDefault:"memory"`

	SQLitePath    string `env:"PAYFLOW_SQLITE_PATH"    envDefault:"payflow.db"`
	PostgresDSN   string `env:"PAYFLOW_POSTGRES_DSN"`
	RedisAddr     string `env:"PAYFLOW_REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPrefix   string `env:"PAYFLOW_REDIS_PREFIX"   envDefault:"payflow:"`
	MongoURI      string `env:"PAYFLOW_MONGO_URI"      envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"PAYFLOW_MONGO_DATABASE" envDefault:"payflow"`

	Workers       int           `env:"PAYFLOW_WORKERS"        envDefault:"4"`
	SweepSchedule string        `env:"PAYFLOW_SWEEP_SCHEDULE" envDefault:"*/30 * * * * *"`
	Retention     time.Duration `env:"PAYFLOW_RETENTION"      envDefault:"5m"`
	PurgeDelay    time.Duration `env:"PAYFLOW_PURGE_DELAY"    envDefault:"1m"`

	RetryInterval time.Duration `env:"PAYFLOW_RETRY_INTERVAL" envDefault:"5s"`
	RetryAttempts int           `env:"PAYFLOW_RETRY_ATTEMPTS" envDefault:"3"`

	LogLevel  string `env:"PAYFLOW_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"PAYFLOW_LOG_FORMAT" envDefault:"text"`
}

// Load parses the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendRedis, BackendMongo:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("backend %s requires PAYFLOW_POSTGRES_DSN", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.Retention < 0 || c.PurgeDelay < 0 || c.RetryInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (c Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Logger builds a text or JSON slog logger writing to w.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
