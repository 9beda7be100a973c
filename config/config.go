package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"macd-engine/internal/indicator"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// MACD defaults for streams created on first tick and for bulk requests
	// that omit periods.
	FastPeriod   int    `envconfig:"MACD_FAST_PERIOD" default:"12"`
	SlowPeriod   int    `envconfig:"MACD_SLOW_PERIOD" default:"26"`
	SignalPeriod int    `envconfig:"MACD_SIGNAL_PERIOD" default:"9"`
	Seeding      string `envconfig:"MACD_SEEDING" default:"sma"`

	// Infrastructure. An empty REDIS_ADDR or SQLITE_PATH disables that backend.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data/macd.db"`
	HTTPAddr      string `envconfig:"HTTP_ADDR" default:":9095"`

	// Checkpointing
	SnapshotInterval time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"30s"`
	SnapshotKey      string        `envconfig:"SNAPSHOT_KEY" default:"macd:snapshot:engine"`
	SnapshotKeep     int           `envconfig:"SNAPSHOT_KEEP" default:"20"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads an optional .env file, then the environment, and validates the
// result. A missing .env is not an error.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "process env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

// Validate checks period ordering and positivity, the seeding policy and the
// checkpoint settings.
func (c *Config) Validate() error {
	if err := c.Options().Validate(); err != nil {
		return err
	}
	if _, err := indicator.ParseSeedingPolicy(c.Seeding); err != nil {
		return err
	}
	if c.SnapshotInterval < time.Second {
		return errors.Errorf("SNAPSHOT_INTERVAL must be at least 1s, got %s", c.SnapshotInterval)
	}
	if c.SnapshotKeep < 1 {
		return errors.Errorf("SNAPSHOT_KEEP must be positive, got %d", c.SnapshotKeep)
	}
	return nil
}

// DefaultState returns the unseeded stream state built from the configured periods.
func (c *Config) DefaultState() indicator.State {
	return indicator.NewState(c.FastPeriod, c.SlowPeriod, c.SignalPeriod)
}

// Options returns the bulk computation options. An unparsable seeding value
// falls back to SMA here; Validate reports it.
func (c *Config) Options() indicator.Options {
	seeding, _ := indicator.ParseSeedingPolicy(c.Seeding)
	return indicator.Options{
		FastPeriod:   c.FastPeriod,
		SlowPeriod:   c.SlowPeriod,
		SignalPeriod: c.SignalPeriod,
		Seeding:      seeding,
	}
}
