package macdengine

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/moznion/go-optional"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"macd-engine/internal/chartdata"
	"macd-engine/internal/indicator"
	"macd-engine/internal/logger"
	"macd-engine/internal/model"
)

const maxBodyBytes = 8 << 20

// keyRule constrains stream keys taken from the URL path.
const keyRule = "required,max=128,printascii"

func (svc *Service) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(svc.traceMiddleware)

	r.HandleFunc("/v1/macd", svc.handleCompute).Methods(http.MethodPost)
	r.HandleFunc("/v1/streams", svc.handleListStreams).Methods(http.MethodGet)
	r.HandleFunc("/v1/streams/{key}/ticks", svc.handleTick).Methods(http.MethodPost)
	r.HandleFunc("/v1/streams/{key}/missed", svc.handleMissed).Methods(http.MethodGet)
	r.HandleFunc("/v1/streams/{key}/latest", svc.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/v1/streams/{key}", svc.handleGetStream).Methods(http.MethodGet)
	r.HandleFunc("/v1/streams/{key}", svc.handleResetStream).Methods(http.MethodPut)
	r.HandleFunc("/v1/streams/{key}", svc.handleDeleteStream).Methods(http.MethodDelete)
	r.HandleFunc("/v1/reload", svc.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/v1/stats", svc.handleStats).Methods(http.MethodGet)
	r.Handle("/v1/ws", svc.hub).Methods(http.MethodGet)
	r.Handle("/healthz", svc.health).Methods(http.MethodGet)
	r.Handle("/metrics", svc.prom.Handler()).Methods(http.MethodGet)
	return r
}

// traceMiddleware propagates X-Request-ID, generating one when absent.
func (svc *Service) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logger.NewTraceID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithTraceID(r.Context(), id)))
	})
}

// periodsRequest overrides some or all periods; omitted ones keep their
// current value.
type periodsRequest struct {
	Fast   *int `json:"fast" validate:"omitempty,gt=0"`
	Slow   *int `json:"slow" validate:"omitempty,gt=0"`
	Signal *int `json:"signal" validate:"omitempty,gt=0"`
}

func (p periodsRequest) apply(fast, slow, signal int) (int, int, int) {
	if p.Fast != nil {
		fast = *p.Fast
	}
	if p.Slow != nil {
		slow = *p.Slow
	}
	if p.Signal != nil {
		signal = *p.Signal
	}
	return fast, slow, signal
}

type computeRequest struct {
	periodsRequest
	Prices  []float64 `json:"prices" validate:"required,min=1"`
	Seeding string    `json:"seeding" validate:"omitempty,oneof=sma first first_value first-value"`
}

type computeResponse struct {
	chartdata.Chart
	Fast    int    `json:"fast"`
	Slow    int    `json:"slow"`
	Signal  int    `json:"signal"`
	Seeding string `json:"seeding"`
}

// handleCompute handles POST /v1/macd: a bulk computation over the posted
// prices, returned in chart form.
func (svc *Service) handleCompute(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), svc.log)

	var req computeRequest
	if !svc.decode(w, r, &req, false) {
		return
	}

	opts := svc.cfg.Bulk
	opts.FastPeriod, opts.SlowPeriod, opts.SignalPeriod = req.apply(opts.FastPeriod, opts.SlowPeriod, opts.SignalPeriod)
	if req.Seeding != "" {
		seeding, err := indicator.ParseSeedingPolicy(req.Seeding)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.Seeding = seeding
	}

	start := time.Now()
	res, err := indicator.ComputeMACD(req.Prices, opts)
	svc.prom.BulkComputeDur.Observe(time.Since(start).Seconds())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	svc.prom.BulkRequestsTotal.WithLabelValues(opts.Seeding.String()).Inc()

	for _, warn := range res.Warnings {
		svc.prom.ShortHistoryWarnings.Inc()
		log.Warn("short price series", zap.Int("prices", len(req.Prices)), zap.Error(warn))
	}

	writeJSON(w, http.StatusOK, computeResponse{
		Chart:   chartdata.FromResult(res),
		Fast:    opts.FastPeriod,
		Slow:    opts.SlowPeriod,
		Signal:  opts.SignalPeriod,
		Seeding: opts.Seeding.String(),
	})
}

type tickRequest struct {
	Price *float64   `json:"price" validate:"required"`
	TS    *time.Time `json:"ts"`
}

type tickResponse struct {
	Key     string                `json:"key"`
	Seq     int64                 `json:"seq"`
	Point   indicator.Point       `json:"point"`
	Display chartdata.PointValues `json:"display"`
	State   indicator.State       `json:"state"`
}

// handleTick handles POST /v1/streams/{key}/ticks: folds one price into the
// stream, creating it with the default periods on first use, and publishes
// the resulting point.
func (svc *Service) handleTick(w http.ResponseWriter, r *http.Request) {
	key, ok := svc.streamKey(w, r)
	if !ok {
		return
	}
	var req tickRequest
	if !svc.decode(w, r, &req, false) {
		return
	}
	ts := svc.now().UTC()
	if req.TS != nil {
		ts = req.TS.UTC()
	}

	start := time.Now()
	point, state, seq, err := svc.engine.AdvanceSeq(key, *req.Price)
	svc.prom.AdvanceDur.Observe(time.Since(start).Seconds())
	if err != nil {
		svc.prom.TickErrors.Inc()
		logger.FromContext(r.Context(), svc.log).Debug("tick rejected",
			zap.String("tick_id", logger.GenerateTraceID(key, ts)), zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	svc.prom.TicksTotal.Inc()
	svc.health.SetLastTickTime(ts)
	svc.updateStreamGauges()

	ev := model.NewPointEvent(model.Tick{Key: key, Price: *req.Price, TS: ts}, seq, point)
	ev.Origin = svc.origin
	svc.publish(r.Context(), ev)

	writeJSON(w, http.StatusOK, tickResponse{
		Key:     key,
		Seq:     seq,
		Point:   point,
		Display: chartdata.FromPoint(point),
		State:   state,
	})
}

type streamResponse struct {
	Key   string          `json:"key"`
	Ticks int64           `json:"ticks"`
	State indicator.State `json:"state"`
}

// handleGetStream handles GET /v1/streams/{key}.
func (svc *Service) handleGetStream(w http.ResponseWriter, r *http.Request) {
	key, ok := svc.streamKey(w, r)
	if !ok {
		return
	}
	state, found := svc.engine.State(key)
	if !found {
		writeError(w, http.StatusNotFound, errors.Errorf("stream %s not found", key))
		return
	}
	writeJSON(w, http.StatusOK, streamResponse{Key: key, Ticks: svc.engine.Ticks(key), State: state})
}

type resetRequest struct {
	periodsRequest
	FastValue   *float64 `json:"fast_value"`
	SlowValue   *float64 `json:"slow_value"`
	SignalValue *float64 `json:"signal_value"`
}

// handleResetStream handles PUT /v1/streams/{key}: replaces the stream's
// state. Omitted periods come from the defaults; values, when given, seed the
// EMAs so a client-held state can be handed to the server.
func (svc *Service) handleResetStream(w http.ResponseWriter, r *http.Request) {
	key, ok := svc.streamKey(w, r)
	if !ok {
		return
	}
	var req resetRequest
	if !svc.decode(w, r, &req, true) {
		return
	}

	d := svc.engine.Defaults()
	state := indicator.NewState(req.apply(d.FastPeriod, d.SlowPeriod, d.SignalPeriod))
	state.FastValue = optionOf(req.FastValue)
	state.SlowValue = optionOf(req.SlowValue)
	state.SignalValue = optionOf(req.SignalValue)

	if err := svc.engine.Reset(key, state); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	svc.updateStreamGauges()
	logger.FromContext(r.Context(), svc.log).Info("stream reset",
		zap.String("key", key),
		zap.Int("fast", state.FastPeriod),
		zap.Int("slow", state.SlowPeriod),
		zap.Int("signal", state.SignalPeriod))

	state, _ = svc.engine.State(key)
	writeJSON(w, http.StatusOK, streamResponse{Key: key, State: state})
}

// handleDeleteStream handles DELETE /v1/streams/{key}.
func (svc *Service) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	key, ok := svc.streamKey(w, r)
	if !ok {
		return
	}
	if !svc.engine.Remove(key) {
		writeError(w, http.StatusNotFound, errors.Errorf("stream %s not found", key))
		return
	}
	svc.updateStreamGauges()
	w.WriteHeader(http.StatusNoContent)
}

// handleListStreams handles GET /v1/streams.
func (svc *Service) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"streams": svc.engine.Keys()})
}

// handleMissed handles GET /v1/streams/{key}/missed?from=N&to=M: the buffered
// websocket envelopes a client skipped, for gap backfill.
func (svc *Service) handleMissed(w http.ResponseWriter, r *http.Request) {
	key, ok := svc.streamKey(w, r)
	if !ok {
		return
	}
	channel := "macd:" + key
	current := svc.hub.ChannelSeq(channel)

	q := r.URL.Query()
	from, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil || from < 1 {
		writeError(w, http.StatusBadRequest, errors.New("from must be a positive integer"))
		return
	}
	to := current
	if s := q.Get("to"); s != "" {
		if to, err = strconv.ParseInt(s, 10, 64); err != nil || to < from {
			writeError(w, http.StatusBadRequest, errors.New("to must be an integer not below from"))
			return
		}
	}

	messages, oldest := svc.hub.ReplayRange(channel, from, to)
	if messages == nil {
		messages = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel":  channel,
		"from":     from,
		"to":       to,
		"oldest":   oldest,
		"current":  current,
		"messages": messages,
	})
}

// handleLatest handles GET /v1/streams/{key}/latest: the last point any
// instance published for the stream, read from Redis.
func (svc *Service) handleLatest(w http.ResponseWriter, r *http.Request) {
	key, ok := svc.streamKey(w, r)
	if !ok {
		return
	}
	if svc.redis == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("redis is not connected"))
		return
	}
	ev, err := svc.redis.ReadLatest(r.Context(), key)
	if err != nil {
		logger.FromContext(r.Context(), svc.log).Warn("read latest point", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, errors.Errorf("no recent point for %s", key))
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleReload handles POST /v1/reload: replaces the default periods and
// restarts the streams that were following them.
func (svc *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	var req periodsRequest
	if !svc.decode(w, r, &req, false) {
		return
	}
	d := svc.engine.Defaults()
	next := indicator.NewState(req.apply(d.FastPeriod, d.SlowPeriod, d.SignalPeriod))

	stats, err := svc.engine.Reload(next)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	logger.FromContext(r.Context(), svc.log).Info("defaults reloaded",
		zap.Int("fast", next.FastPeriod),
		zap.Int("slow", next.SlowPeriod),
		zap.Int("signal", next.SignalPeriod),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("reset", stats.Reset),
		zap.Int("custom", stats.Custom))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"defaults":  svc.engine.Defaults(),
		"unchanged": stats.Unchanged,
		"reset":     stats.Reset,
		"custom":    stats.Custom,
	})
}

// handleStats handles GET /v1/stats.
func (svc *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	p50, p95, p99 := svc.hub.Latency.Percentiles()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"origin":  svc.origin,
		"streams": svc.engine.Len(),
		"clients": svc.hub.ClientCount(),
		"latency_ms": map[string]float64{
			"p50": p50,
			"p95": p95,
			"p99": p99,
		},
		"latency_samples": svc.hub.Latency.Count(),
	})
}

// streamKey extracts and validates the {key} path variable.
func (svc *Service) streamKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := mux.Vars(r)["key"]
	if err := svc.validate.Var(key, keyRule); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "stream key"))
		return "", false
	}
	return key, true
}

// decode reads a JSON body into v and validates it. An empty body is accepted
// only when allowEmpty is set.
func (svc *Service) decode(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid JSON"))
		return false
	}
	if err := svc.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// statusFor maps an error onto an HTTP status. Indicator validation errors,
// including period ordering, are the caller's fault.
func statusFor(err error) int {
	var (
		verr  *indicator.ValidationError
		vErrs validator.ValidationErrors
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &vErrs):
		return http.StatusBadRequest
	case errors.Is(err, indicator.ErrInvalidPeriodOrdering),
		errors.Is(err, indicator.ErrEmptyStreamKey),
		errors.Is(err, indicator.ErrInvalidPrice):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func optionOf(p *float64) optional.Option[float64] {
	if p == nil {
		return optional.None[float64]()
	}
	return optional.Some(*p)
}
