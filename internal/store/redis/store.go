package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"macd-engine/internal/indicator"
	"macd-engine/internal/model"
)

const (
	defaultSnapshotKey = "macd:snapshot:engine"
	defaultSnapshotTTL = 24 * time.Hour
	defaultLatestTTL   = 30 * time.Minute
)

// Config configures the Redis store.
type Config struct {
	Addr        string // Redis address, e.g. "localhost:6379"
	Password    string
	DB          int
	SnapshotKey string
	SnapshotTTL time.Duration // snapshots are also in SQLite for durability
}

// Store keeps registry checkpoints in Redis and publishes streaming points
// to per-stream Pub/Sub channels.
type Store struct {
	client      *goredis.Client
	snapshotKey string
	snapshotTTL time.Duration
	breaker     *CircuitBreaker
	log         *zap.Logger
}

// New creates a Store and pings the server.
func New(cfg Config, log *zap.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}

	s := NewWithClient(client, cfg, log)
	s.log.Info("connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return s, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = defaultSnapshotKey
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = defaultSnapshotTTL
	}
	s := &Store{
		client:      client,
		snapshotKey: cfg.SnapshotKey,
		snapshotTTL: cfg.SnapshotTTL,
		breaker:     NewCircuitBreaker(5, 10*time.Second),
		log:         log.Named("redis"),
	}
	s.breaker.OnStateChange = func(from, to BreakerState) {
		s.log.Warn("publish circuit breaker", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	return s
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// Breaker returns the circuit breaker guarding point publishing.
func (s *Store) Breaker() *CircuitBreaker { return s.breaker }

// Name identifies the backend in logs and metrics.
func (s *Store) Name() string { return "redis" }

// WriteSnapshot saves a registry checkpoint under the snapshot key.
func (s *Store) WriteSnapshot(ctx context.Context, snap *indicator.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	if err := s.client.Set(ctx, s.snapshotKey, data, s.snapshotTTL).Err(); err != nil {
		return errors.Wrapf(err, "redis set snapshot %s", s.snapshotKey)
	}
	return nil
}

// ReadSnapshot loads the checkpoint. Returns nil, nil if none exists.
func (s *Store) ReadSnapshot(ctx context.Context) (*indicator.EngineSnapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil // no snapshot found
		}
		return nil, errors.Wrapf(err, "redis get snapshot %s", s.snapshotKey)
	}

	var snap indicator.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}
	return &snap, nil
}

// LatestSnapshot implements indicator.SnapshotSource.
func (s *Store) LatestSnapshot(ctx context.Context) (*indicator.EngineSnapshot, error) {
	return s.ReadSnapshot(ctx)
}

// PublishPoint sets the stream's latest point and publishes it in one
// pipeline. While the breaker is open calls fail fast with ErrCircuitOpen.
func (s *Store) PublishPoint(ctx context.Context, ev model.PointEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal point")
	}

	return s.breaker.Execute(func() error {
		pipe := s.client.Pipeline()
		pipe.Set(ctx, ev.LatestKey(), data, defaultLatestTTL)
		pipe.Publish(ctx, ev.PubSubChannel(), data)
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.Wrapf(err, "redis publish point %s", ev.Key)
		}
		return nil
	})
}

// ReadLatest returns the last point published for key. Returns nil, nil if
// the stream has not published recently.
func (s *Store) ReadLatest(ctx context.Context, key string) (*model.PointEvent, error) {
	ev := model.PointEvent{Key: key}
	data, err := s.client.Get(ctx, ev.LatestKey()).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "redis get latest %s", key)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.Wrap(err, "unmarshal point")
	}
	return &ev, nil
}

// SubscribePoints subscribes to the points channel of every given stream key.
// The caller closes the returned PubSub.
func (s *Store) SubscribePoints(ctx context.Context, keys ...string) (*goredis.PubSub, error) {
	channels := make([]string, len(keys))
	for i, k := range keys {
		channels[i] = model.PointsChannel(k)
	}
	pubsub := s.client.Subscribe(ctx, channels...)
	// Wait for confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrap(err, "redis subscribe")
	}
	return pubsub, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
