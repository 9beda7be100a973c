// Package macdengine is the MACD engine service: an HTTP API over bulk and
// streaming MACD, a websocket fan-out of streaming points and periodic
// checkpointing of the stream registry to Redis and SQLite.
package macdengine

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"macd-engine/internal/indicator"
	"macd-engine/internal/metrics"
	"macd-engine/internal/model"
	redisstore "macd-engine/internal/store/redis"
	sqlitestore "macd-engine/internal/store/sqlite"
)

// Service wires the stream registry to its backends and the HTTP surface,
// and owns their lifecycle.
type Service struct {
	cfg    Config
	log    *zap.Logger
	origin string // instance id stamped on published points

	engine     *indicator.Engine
	redis      *redisstore.Store
	sqlite     *sqlitestore.Store
	writers    []model.SnapshotWriter
	publishers []model.PointPublisher

	prom     *metrics.Metrics
	health   *metrics.HealthStatus
	hub      *Hub
	validate *validator.Validate
	router   *mux.Router
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithSnapshotWriter adds a checkpoint backend after the configured ones.
// It is also consulted, in order, when restoring on startup.
func WithSnapshotWriter(w model.SnapshotWriter) Option {
	return func(s *Service) { s.writers = append(s.writers, w) }
}

// WithPublisher adds a destination for streaming points.
func WithPublisher(p model.PointPublisher) Option {
	return func(s *Service) { s.publishers = append(s.publishers, p) }
}

// WithClock replaces the clock used to timestamp ticks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New connects the configured backends and restores the stream registry from
// the newest checkpoint available. A backend that cannot be reached is logged
// and skipped; the service then runs without it.
func New(ctx context.Context, cfg Config, log *zap.Logger, opts ...Option) (*Service, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Service{
		cfg:      cfg,
		log:      log.Named("macdengine"),
		origin:   uuid.NewString(),
		prom:     metrics.NewMetrics(),
		health:   metrics.NewHealthStatus(),
		validate: validator.New(),
		now:      time.Now,
	}
	svc.hub = NewHub(svc.log, svc.prom, cfg.ReplaySize)

	svc.connectRedis()
	svc.openSQLite()
	for _, opt := range opts {
		opt(svc)
	}

	sources := make([]indicator.SnapshotSource, len(svc.writers))
	for i, w := range svc.writers {
		sources[i] = w
	}
	engine, err := indicator.NewRestorer(cfg.Defaults, svc.log).Restore(ctx, sources...)
	if err != nil {
		svc.closeBackends()
		return nil, errors.Wrap(err, "restore engine")
	}
	svc.engine = engine
	svc.updateStreamGauges()

	svc.router = svc.routes()
	return svc, nil
}

func (svc *Service) connectRedis() {
	if svc.cfg.Redis.Addr == "" {
		svc.log.Info("redis disabled")
		return
	}
	store, err := redisstore.New(svc.cfg.Redis, svc.log)
	if err != nil {
		svc.log.Warn("redis unavailable, continuing without it", zap.String("addr", svc.cfg.Redis.Addr), zap.Error(err))
		svc.health.SetRedis(true, false)
		return
	}
	svc.redis = store
	svc.writers = append(svc.writers, store)
	svc.publishers = append(svc.publishers, store)
	svc.health.SetRedis(true, true)
}

func (svc *Service) openSQLite() {
	path := svc.cfg.SQLite.Path
	if path == "" {
		svc.log.Info("sqlite disabled")
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		svc.log.Warn("sqlite directory", zap.String("path", path), zap.Error(err))
	}
	store, err := sqlitestore.Open(svc.cfg.SQLite, svc.log)
	if err != nil {
		svc.log.Warn("sqlite unavailable, continuing without it", zap.String("path", path), zap.Error(err))
		svc.health.SetSQLite(true, false)
		return
	}
	svc.sqlite = store
	svc.writers = append(svc.writers, store)
	svc.health.SetSQLite(true, true)
}

// Engine returns the stream registry.
func (svc *Service) Engine() *indicator.Engine { return svc.engine }

// Metrics returns the service's metric set.
func (svc *Service) Metrics() *metrics.Metrics { return svc.prom }

// Hub returns the websocket hub.
func (svc *Service) Hub() *Hub { return svc.hub }

// Handler returns the HTTP routes.
func (svc *Service) Handler() http.Handler { return svc.router }

// Run serves HTTP and runs the checkpoint loop, the liveness checker and,
// with Redis, the points relay. It blocks until ctx is cancelled or the HTTP
// server fails, then writes a final checkpoint and closes the backends.
func (svc *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              svc.cfg.HTTPAddr,
		Handler:           svc.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.hub.Close()
		return srv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		svc.snapshotLoop(gctx)
		return nil
	})
	g.Go(func() error {
		svc.runLiveness(gctx)
		return nil
	})
	if svc.redis != nil {
		relay := NewRelay(svc.redis.Client(), svc.hub, svc.origin, svc.log)
		g.Go(func() error { return relay.Run(gctx) })
	}

	svc.log.Info("macd engine running",
		zap.Int("streams", svc.engine.Len()),
		zap.Int("fast", svc.cfg.Defaults.FastPeriod),
		zap.Int("slow", svc.cfg.Defaults.SlowPeriod),
		zap.Int("signal", svc.cfg.Defaults.SignalPeriod),
		zap.Duration("snapshot_interval", svc.cfg.SnapshotInterval))

	err := g.Wait()
	svc.shutdown()
	return err
}

func (svc *Service) runLiveness(ctx context.Context) {
	var (
		rdb *goredis.Client
		db  *sql.DB
	)
	if svc.redis != nil {
		rdb = svc.redis.Client()
	}
	if svc.sqlite != nil {
		db = svc.sqlite.DB()
	}
	if rdb == nil && db == nil {
		return
	}
	svc.health.RunLivenessChecker(ctx, rdb, db, svc.cfg.HealthInterval)
}

// shutdown writes a final checkpoint and closes the backends.
func (svc *Service) shutdown() {
	svc.log.Info("shutting down, saving final snapshot")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	svc.checkpoint(ctx)
	svc.closeBackends()
	svc.log.Info("shutdown complete")
}

func (svc *Service) closeBackends() {
	if svc.redis != nil {
		if err := svc.redis.Close(); err != nil {
			svc.log.Warn("redis close", zap.Error(err))
		}
	}
	if svc.sqlite != nil {
		if err := svc.sqlite.Close(); err != nil {
			svc.log.Warn("sqlite close", zap.Error(err))
		}
	}
}

// publish broadcasts ev to websocket clients and every point publisher.
// Failures are counted and logged; they never fail the tick.
func (svc *Service) publish(ctx context.Context, ev model.PointEvent) {
	if err := svc.hub.BroadcastPoint(ev); err != nil {
		svc.log.Warn("broadcast point", zap.String("key", ev.Key), zap.Error(err))
	}
	for _, p := range svc.publishers {
		if err := p.PublishPoint(ctx, ev); err != nil {
			svc.prom.PublishFailures.Inc()
			if !errors.Is(err, redisstore.ErrCircuitOpen) {
				svc.log.Warn("publish point", zap.String("key", ev.Key), zap.Error(err))
			}
		}
	}
}

func (svc *Service) updateStreamGauges() {
	n := svc.engine.Len()
	svc.prom.ActiveStreams.Set(float64(n))
	svc.health.SetStreams(n)
}
