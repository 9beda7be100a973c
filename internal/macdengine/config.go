package macdengine

import (
	"time"

	"macd-engine/config"
	"macd-engine/internal/indicator"
	redisstore "macd-engine/internal/store/redis"
	sqlitestore "macd-engine/internal/store/sqlite"
)

// Config holds the service settings derived from the process configuration.
type Config struct {
	HTTPAddr         string
	SnapshotInterval time.Duration
	HealthInterval   time.Duration
	ReplaySize       int // websocket envelopes kept per channel for gap backfill

	// Defaults are the periods of streams created on first tick; Bulk applies
	// to /v1/macd requests that omit periods or seeding.
	Defaults indicator.State
	Bulk     indicator.Options

	Redis  redisstore.Config  // empty Addr disables Redis
	SQLite sqlitestore.Config // empty Path disables SQLite
}

// ConfigFrom maps the env-loaded configuration onto the service Config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		HTTPAddr:         c.HTTPAddr,
		SnapshotInterval: c.SnapshotInterval,
		HealthInterval:   10 * time.Second,
		ReplaySize:       500,
		Defaults:         c.DefaultState(),
		Bulk:             c.Options(),
		Redis: redisstore.Config{
			Addr:        c.RedisAddr,
			Password:    c.RedisPassword,
			DB:          c.RedisDB,
			SnapshotKey: c.SnapshotKey,
		},
		SQLite: sqlitestore.Config{
			Path: c.SQLitePath,
			Keep: c.SnapshotKeep,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.ReplaySize <= 0 {
		c.ReplaySize = 500
	}
	c.Defaults = c.Defaults.WithDefaults()
	if c.Bulk.FastPeriod == 0 && c.Bulk.SlowPeriod == 0 && c.Bulk.SignalPeriod == 0 {
		c.Bulk = indicator.DefaultOptions()
	}
	return c
}
