package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the MACD engine. Each Metrics owns
// its registry, so several can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Bulk computation
	BulkComputeDur       prometheus.Histogram
	BulkRequestsTotal    *prometheus.CounterVec // labels: seeding
	ShortHistoryWarnings prometheus.Counter

	// Streaming
	AdvanceDur     prometheus.Histogram
	TicksTotal     prometheus.Counter
	TickErrors     prometheus.Counter
	ActiveStreams  prometheus.Gauge
	SnapshotWrites *prometheus.CounterVec // labels: backend, result

	// Fan-out
	WSClients       prometheus.Gauge
	BroadcastDrops  prometheus.Counter
	PublishFailures prometheus.Counter
}

// NewMetrics creates and registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		BulkComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "macd_bulk_compute_duration_seconds",
			Help:    "Bulk MACD computation latency per request",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		BulkRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "macd_bulk_requests_total",
			Help: "Bulk MACD computations (by seeding policy)",
		}, []string{"seeding"}),
		ShortHistoryWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macd_short_history_warnings_total",
			Help: "Bulk computations over fewer than slow+signal prices",
		}),

		AdvanceDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "macd_advance_duration_seconds",
			Help:    "Streaming advance latency per tick",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macd_ticks_total",
			Help: "Total ticks folded into stream states",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macd_tick_errors_total",
			Help: "Ticks rejected by validation",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "macd_active_streams",
			Help: "Streams held in the registry",
		}),
		SnapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "macd_snapshot_writes_total",
			Help: "Registry checkpoint writes (by backend and result)",
		}, []string{"backend", "result"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "macd_ws_clients",
			Help: "Connected websocket clients",
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macd_broadcast_drops_total",
			Help: "Points dropped because a client send buffer was full",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macd_redis_publish_failures_total",
			Help: "Points that could not be published to Redis",
		}),
	}

	m.Registry.MustRegister(
		m.BulkComputeDur,
		m.BulkRequestsTotal,
		m.ShortHistoryWarnings,
		m.AdvanceDur,
		m.TicksTotal,
		m.TickErrors,
		m.ActiveStreams,
		m.SnapshotWrites,
		m.WSClients,
		m.BroadcastDrops,
		m.PublishFailures,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// HealthStatus represents the service health. A backend that is not enabled
// does not affect the overall status.
type HealthStatus struct {
	mu sync.RWMutex

	RedisEnabled   bool
	RedisConnected bool
	SQLiteEnabled  bool
	SQLiteOK       bool
	Streams        int
	LastTickTime   time.Time

	// Liveness probe results
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetRedis(enabled, connected bool) {
	h.mu.Lock()
	h.RedisEnabled = enabled
	h.RedisConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLite(enabled, ok bool) {
	h.mu.Lock()
	h.SQLiteEnabled = enabled
	h.SQLiteOK = ok
	h.mu.Unlock()
}

func (h *HealthStatus) SetStreams(n int) {
	h.mu.Lock()
	h.Streams = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker runs periodic dependency checks until ctx is done.
// Either client may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if rdb != nil {
				h.CheckRedis(probeCtx, rdb)
			}
			if sqlDB != nil {
				h.CheckSQLite(probeCtx, sqlDB)
			}
			cancel()
		}
	}
}

// Status returns the overall status and the HTTP code /healthz answers with.
func (h *HealthStatus) Status() (string, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthStatus) statusLocked() (string, int) {
	redisDown := h.RedisEnabled && !h.RedisConnected
	sqliteDown := h.SQLiteEnabled && !h.SQLiteOK
	switch {
	case redisDown && sqliteDown:
		return "unhealthy", http.StatusServiceUnavailable
	case redisDown || sqliteDown:
		return "degraded", http.StatusServiceUnavailable
	default:
		return "healthy", http.StatusOK
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus, httpCode := h.statusLocked()

	// Tick age
	tickAge := ""
	lastTick := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
		lastTick = h.LastTickTime.Format(time.RFC3339)
	}
	lastCheck := ""
	if !h.LastCheckAt.IsZero() {
		lastCheck = h.LastCheckAt.Format(time.RFC3339)
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		Streams         int     `json:"streams"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteEnabled   bool    `json:"sqlite_enabled"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Streams:         h.Streams,
		LastTickTime:    lastTick,
		TickAge:         tickAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.SQLiteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     lastCheck,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
