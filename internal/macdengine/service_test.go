package macdengine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"macd-engine/internal/chartdata"
	"macd-engine/internal/indicator"
	"macd-engine/internal/model"
)

// demoPrices is the 60-close ramp used by the chart front end.
var demoPrices = []float64{
	100, 101, 102, 103, 104, 103, 102, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111, 112, 111,
	110, 109, 108, 107, 106, 105, 106, 107, 108, 109, 110, 111, 112, 113, 114, 115, 116, 117, 118, 119,
	120, 121, 122, 123, 124, 125, 126, 125, 124, 123, 122, 121, 120, 119, 118, 117, 116, 115, 114, 113,
}

var testClock = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

type fakeWriter struct {
	mu       sync.Mutex
	name     string
	snaps    []*indicator.EngineSnapshot
	readErr  error
	writeErr error
}

func (f *fakeWriter) Name() string { return f.name }

func (f *fakeWriter) LatestSnapshot(ctx context.Context) (*indicator.EngineSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.snaps) == 0 {
		return nil, nil
	}
	return f.snaps[len(f.snaps)-1], nil
}

func (f *fakeWriter) WriteSnapshot(ctx context.Context, snap *indicator.EngineSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.snaps = append(f.snaps, snap)
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snaps)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.PointEvent
	err    error
}

func (f *fakePublisher) PublishPoint(ctx context.Context, ev model.PointEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) published() []model.PointEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.PointEvent(nil), f.events...)
}

type ServiceTestSuite struct {
	suite.Suite
	writer *fakeWriter
	pub    *fakePublisher
	svc    *Service
	srv    *httptest.Server
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (s *ServiceTestSuite) newService(opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return testClock })}, opts...)
	svc, err := New(context.Background(), Config{}, zap.NewNop(), opts...)
	s.Require().NoError(err)
	return svc
}

func (s *ServiceTestSuite) SetupTest() {
	s.writer = &fakeWriter{name: "fake"}
	s.pub = &fakePublisher{}
	s.svc = s.newService(WithSnapshotWriter(s.writer), WithPublisher(s.pub))
	s.svc.hub.now = func() time.Time { return testClock.Add(5 * time.Millisecond) }
	s.srv = httptest.NewServer(s.svc.Handler())
}

func (s *ServiceTestSuite) TearDownTest() {
	s.svc.Hub().Close()
	s.srv.Close()
}

func (s *ServiceTestSuite) do(method, path string, body interface{}) (int, []byte) {
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		s.Require().NoError(err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, data
}

func (s *ServiceTestSuite) tick(key string, price float64) tickResult {
	code, body := s.do(http.MethodPost, "/v1/streams/"+key+"/ticks", map[string]float64{"price": price})
	s.Require().Equal(http.StatusOK, code, string(body))
	var res tickResult
	s.Require().NoError(json.Unmarshal(body, &res))
	return res
}

type tickResult struct {
	Key   string          `json:"key"`
	Seq   int64           `json:"seq"`
	Point indicator.Point `json:"point"`
	State indicator.State `json:"state"`
}

type chartResult struct {
	chartdata.Chart
	Fast    int    `json:"fast"`
	Slow    int    `json:"slow"`
	Signal  int    `json:"signal"`
	Seeding string `json:"seeding"`
}

func (s *ServiceTestSuite) TestCompute() {
	code, body := s.do(http.MethodPost, "/v1/macd", map[string]interface{}{"prices": demoPrices})
	s.Require().Equal(http.StatusOK, code, string(body))

	var got chartResult
	s.Require().NoError(json.Unmarshal(body, &got))

	res, err := indicator.ComputeMACD(demoPrices, indicator.DefaultOptions())
	s.Require().NoError(err)
	want := chartdata.FromResult(res)

	s.Len(got.Labels, len(demoPrices))
	s.Equal("Day 1", got.Labels[0])
	s.Nil(got.MACD[24])
	s.NotNil(got.MACD[25])
	s.Equal(want.MACD, got.MACD)
	s.Equal(want.Signal, got.Signal)
	s.Equal(want.Histogram, got.Histogram)
	s.Empty(got.Warnings)
	s.Equal(12, got.Fast)
	s.Equal("sma", got.Seeding)
	s.Equal(1.0, testutil.ToFloat64(s.svc.Metrics().BulkRequestsTotal.WithLabelValues("sma")))
}

func (s *ServiceTestSuite) TestCompute_FirstValueSeeding() {
	code, body := s.do(http.MethodPost, "/v1/macd", map[string]interface{}{
		"prices": demoPrices, "fast": 5, "slow": 13, "signal": 4, "seeding": "first",
	})
	s.Require().Equal(http.StatusOK, code, string(body))

	var got chartResult
	s.Require().NoError(json.Unmarshal(body, &got))
	s.Require().NotNil(got.MACD[0])
	s.Equal(0.0, *got.MACD[0])
	s.Equal(13, got.Slow)
	s.Equal("first", got.Seeding)
}

func (s *ServiceTestSuite) TestCompute_ShortSeriesWarns() {
	code, body := s.do(http.MethodPost, "/v1/macd", map[string]interface{}{"prices": demoPrices[:30]})
	s.Require().Equal(http.StatusOK, code, string(body))

	var got chartResult
	s.Require().NoError(json.Unmarshal(body, &got))
	s.Require().Len(got.Warnings, 1)
	s.Contains(got.Warnings[0], "have 30 prices, need 35")
	s.Equal(1.0, testutil.ToFloat64(s.svc.Metrics().ShortHistoryWarnings))
}

func (s *ServiceTestSuite) TestCompute_OrderingError() {
	code, body := s.do(http.MethodPost, "/v1/macd", map[string]interface{}{
		"prices": demoPrices, "fast": 26, "slow": 12, "signal": 9,
	})
	s.Equal(http.StatusBadRequest, code)
	s.Contains(string(body), "slow period must be greater than fast period")
}

func (s *ServiceTestSuite) TestCompute_BadRequests() {
	cases := map[string]interface{}{
		"missing prices": map[string]interface{}{"fast": 12},
		"empty prices":   map[string]interface{}{"prices": []float64{}},
		"zero period":    map[string]interface{}{"prices": demoPrices, "fast": 0},
		"bad seeding":    map[string]interface{}{"prices": demoPrices, "seeding": "wilder"},
		"malformed":      `{"prices": [1, 2,`,
	}
	for name, body := range cases {
		code, resp := s.do(http.MethodPost, "/v1/macd", body)
		s.Equal(http.StatusBadRequest, code, name)
		s.Contains(string(resp), `"error"`, name)
	}
}

func (s *ServiceTestSuite) TestTick_FirstTickSeedsAndPublishes() {
	res := s.tick("AAPL", 100)
	s.Equal(int64(1), res.Seq)
	s.Equal(0.0, res.Point.MACD.Unwrap())
	s.Equal(0.0, res.Point.Histogram.Unwrap())
	s.Equal(100.0, res.State.FastValue.Unwrap())
	s.Equal(26, res.State.SlowPeriod)

	res = s.tick("AAPL", 101)
	s.Equal(int64(2), res.Seq)

	events := s.pub.published()
	s.Require().Len(events, 2)
	s.Equal("AAPL", events[0].Key)
	s.Equal(int64(2), events[1].Seq)
	s.Equal(testClock, events[0].TS)
	s.NotEmpty(events[0].Origin)

	code, body := s.do(http.MethodGet, "/v1/streams/AAPL", nil)
	s.Require().Equal(http.StatusOK, code)
	s.Contains(string(body), `"ticks":2`)
	s.Equal(2.0, testutil.ToFloat64(s.svc.Metrics().TicksTotal))
	s.Equal(1.0, testutil.ToFloat64(s.svc.Metrics().ActiveStreams))
}

func (s *ServiceTestSuite) TestTick_MatchesReplay() {
	want, _, err := indicator.Replay(indicator.NewState(12, 26, 9), demoPrices)
	s.Require().NoError(err)

	for i, p := range demoPrices {
		res := s.tick("NSE:INFY", p)
		s.Require().Equal(want[i], res.Point, "tick %d", i)
	}
}

func (s *ServiceTestSuite) TestTick_Validation() {
	code, _ := s.do(http.MethodPost, "/v1/streams/AAPL/ticks", map[string]interface{}{})
	s.Equal(http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/v1/streams/%C3%A9t%C3%A9/ticks", map[string]float64{"price": 1})
	s.Equal(http.StatusBadRequest, code)

	// Rejected requests never create the stream.
	code, _ = s.do(http.MethodGet, "/v1/streams/AAPL", nil)
	s.Equal(http.StatusNotFound, code)
	s.Empty(s.pub.published())
}

func (s *ServiceTestSuite) TestTick_PublishFailureDoesNotFailTick() {
	s.pub.err = errors.New("redis down")
	s.tick("AAPL", 100)
	s.Equal(1.0, testutil.ToFloat64(s.svc.Metrics().PublishFailures))
}

func (s *ServiceTestSuite) TestStreamLifecycle() {
	code, body := s.do(http.MethodPut, "/v1/streams/X", map[string]int{"fast": 5, "slow": 13, "signal": 4})
	s.Require().Equal(http.StatusOK, code, string(body))
	s.Contains(string(body), `"fast_period":5`)
	s.Contains(string(body), `"fast_value":null`)

	code, _ = s.do(http.MethodPut, "/v1/streams/X", map[string]int{"fast": 13, "slow": 5})
	s.Equal(http.StatusBadRequest, code)

	res := s.tick("X", 50)
	s.Equal(5, res.State.FastPeriod)

	code, body = s.do(http.MethodGet, "/v1/streams", nil)
	s.Equal(http.StatusOK, code)
	s.JSONEq(`{"streams":["X"]}`, string(body))

	code, _ = s.do(http.MethodDelete, "/v1/streams/X", nil)
	s.Equal(http.StatusNoContent, code)
	code, _ = s.do(http.MethodDelete, "/v1/streams/X", nil)
	s.Equal(http.StatusNotFound, code)
	code, _ = s.do(http.MethodGet, "/v1/streams/X", nil)
	s.Equal(http.StatusNotFound, code)
	s.Equal(0.0, testutil.ToFloat64(s.svc.Metrics().ActiveStreams))
}

func (s *ServiceTestSuite) TestReset_EmptyBodyUsesDefaults() {
	code, body := s.do(http.MethodPut, "/v1/streams/Y", nil)
	s.Require().Equal(http.StatusOK, code, string(body))
	s.Contains(string(body), `"slow_period":26`)
}

func (s *ServiceTestSuite) TestReset_WithValuesContinuesFromThem() {
	code, body := s.do(http.MethodPut, "/v1/streams/Z", map[string]interface{}{
		"fast": 3, "slow": 5, "signal": 2,
		"fast_value": 10.0, "slow_value": 9.0, "signal_value": 0.5,
	})
	s.Require().Equal(http.StatusOK, code, string(body))

	var st indicator.State
	s.Require().NoError(json.Unmarshal([]byte(`{"fast_value":10,"slow_value":9,"signal_value":0.5,
		"fast_period":3,"slow_period":5,"signal_period":2}`), &st))
	want, _, err := indicator.Advance(st, 12)
	s.Require().NoError(err)

	res := s.tick("Z", 12)
	s.Equal(want, res.Point)
}

func (s *ServiceTestSuite) TestReload() {
	s.tick("AAPL", 100)
	code, body := s.do(http.MethodPut, "/v1/streams/CUSTOM", map[string]int{"fast": 3, "slow": 7, "signal": 2})
	s.Require().Equal(http.StatusOK, code, string(body))

	code, body = s.do(http.MethodPost, "/v1/reload", map[string]int{"fast": 5, "slow": 13, "signal": 4})
	s.Require().Equal(http.StatusOK, code, string(body))
	s.Contains(string(body), `"reset":1`)
	s.Contains(string(body), `"custom":1`)

	code, body = s.do(http.MethodGet, "/v1/streams/AAPL", nil)
	s.Require().Equal(http.StatusOK, code, string(body))
	var got streamResponse
	s.Require().NoError(json.Unmarshal(body, &got))
	s.Equal(int64(0), got.Ticks)
	s.False(got.State.FastValue.IsSome() || got.State.SlowValue.IsSome() || got.State.SignalValue.IsSome())
	s.Equal([3]int{5, 13, 4}, [3]int{got.State.FastPeriod, got.State.SlowPeriod, got.State.SignalPeriod})

	res := s.tick("NEW", 10)
	s.Equal(13, res.State.SlowPeriod)

	code, _ = s.do(http.MethodPost, "/v1/reload", map[string]int{"fast": 30})
	s.Equal(http.StatusBadRequest, code)
	s.Equal(5, s.svc.Engine().Defaults().FastPeriod)
}

func (s *ServiceTestSuite) TestCheckpointAndRestore() {
	for _, p := range demoPrices[:20] {
		s.tick("A", p)
		s.tick("B", p*2)
	}
	s.Require().Equal(1, s.svc.checkpoint(context.Background()))
	s.Require().Equal(1, s.writer.count())
	snap, err := s.writer.LatestSnapshot(context.Background())
	s.Require().NoError(err)
	s.Len(snap.Streams, 2)
	s.Equal(1.0, testutil.ToFloat64(s.svc.Metrics().SnapshotWrites.WithLabelValues("fake", "ok")))

	restored := s.newService(WithSnapshotWriter(s.writer))
	s.Equal([]string{"A", "B"}, restored.Engine().Keys())
	s.Equal(int64(20), restored.Engine().Ticks("A"))

	for _, p := range demoPrices[20:] {
		want, _, err := s.svc.Engine().Advance("A", p)
		s.Require().NoError(err)
		got, _, err := restored.Engine().Advance("A", p)
		s.Require().NoError(err)
		s.Require().Equal(want, got)
	}
}

func (s *ServiceTestSuite) TestCheckpoint_WriterErrorIsCounted() {
	s.writer.writeErr = errors.New("disk full")
	s.tick("A", 1)
	s.Equal(0, s.svc.checkpoint(context.Background()))
	s.Equal(1.0, testutil.ToFloat64(s.svc.Metrics().SnapshotWrites.WithLabelValues("fake", "error")))
}

func (s *ServiceTestSuite) TestRestore_FallsThroughBrokenSource() {
	s.tick("A", 1)
	s.svc.checkpoint(context.Background())

	broken := &fakeWriter{name: "broken", readErr: errors.New("timeout")}
	restored := s.newService(WithSnapshotWriter(broken), WithSnapshotWriter(s.writer))
	s.Equal([]string{"A"}, restored.Engine().Keys())

	cold := s.newService(WithSnapshotWriter(broken))
	s.Equal(0, cold.Engine().Len())
}

func (s *ServiceTestSuite) dial(query string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/v1/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	s.Require().Eventually(func() bool { return s.svc.Hub().ClientCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

type wsEnvelope struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         string          `json:"ts"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
	Type       string          `json:"type"`
	ReqID      string          `json:"req_id"`
}

func (s *ServiceTestSuite) readEnvelope(conn *websocket.Conn) wsEnvelope {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, data, err := conn.ReadMessage()
	s.Require().NoError(err)
	// Queued messages may be coalesced into one frame.
	first := bytes.SplitN(data, []byte{'\n'}, 2)[0]
	var env wsEnvelope
	s.Require().NoError(json.Unmarshal(first, &env), string(data))
	return env
}

func (s *ServiceTestSuite) TestWebsocket_ReceivesPoints() {
	conn := s.dial("")
	defer conn.Close()

	s.tick("AAPL", 100)
	env := s.readEnvelope(conn)
	s.Equal("macd:AAPL", env.Channel)
	s.Equal(int64(1), env.ChannelSeq)

	var ev model.PointEvent
	s.Require().NoError(json.Unmarshal(env.Data, &ev))
	s.Equal("AAPL", ev.Key)
	s.Equal(int64(1), ev.Seq)
	s.Require().NotNil(ev.MACD)
	s.Equal(0.0, *ev.MACD)
}

func (s *ServiceTestSuite) TestWebsocket_KeyFilter() {
	conn := s.dial("?keys=MSFT")
	defer conn.Close()

	s.tick("AAPL", 100)
	s.tick("MSFT", 200)
	env := s.readEnvelope(conn)
	s.Equal("macd:MSFT", env.Channel)
}

func (s *ServiceTestSuite) TestWebsocket_SubscribeMessage() {
	conn := s.dial("")
	defer conn.Close()

	s.Require().NoError(conn.WriteJSON(map[string]interface{}{
		"type": "SUBSCRIBE", "keys": []string{"MSFT"}, "req_id": "r1",
	}))
	ack := s.readEnvelope(conn)
	s.Equal("subscribed", ack.Type)
	s.Equal("r1", ack.ReqID)

	s.tick("AAPL", 100)
	s.tick("MSFT", 200)
	env := s.readEnvelope(conn)
	s.Equal("macd:MSFT", env.Channel)
}

func (s *ServiceTestSuite) TestWebsocket_InitialState() {
	s.tick("AAPL", 100)

	conn := s.dial("")
	defer conn.Close()
	env := s.readEnvelope(conn)
	s.Equal("macd:AAPL", env.Channel)
	s.Equal(int64(1), env.ChannelSeq)
}

func (s *ServiceTestSuite) TestMissed() {
	for _, p := range []float64{100, 101, 102} {
		s.tick("AAPL", p)
	}

	code, body := s.do(http.MethodGet, "/v1/streams/AAPL/missed?from=2", nil)
	s.Require().Equal(http.StatusOK, code, string(body))
	var got struct {
		Current  int64             `json:"current"`
		Oldest   int64             `json:"oldest"`
		Messages []json.RawMessage `json:"messages"`
	}
	s.Require().NoError(json.Unmarshal(body, &got))
	s.Equal(int64(3), got.Current)
	s.Equal(int64(1), got.Oldest)
	s.Require().Len(got.Messages, 2)
	s.Contains(string(got.Messages[0]), `"channel_seq":2`)

	code, _ = s.do(http.MethodGet, "/v1/streams/AAPL/missed?from=x", nil)
	s.Equal(http.StatusBadRequest, code)
	code, _ = s.do(http.MethodGet, "/v1/streams/AAPL/missed?from=3&to=2", nil)
	s.Equal(http.StatusBadRequest, code)

	code, body = s.do(http.MethodGet, "/v1/streams/NONE/missed?from=1", nil)
	s.Equal(http.StatusOK, code)
	s.Contains(string(body), `"messages":[]`)
}

func (s *ServiceTestSuite) TestLatest_WithoutRedis() {
	code, _ := s.do(http.MethodGet, "/v1/streams/AAPL/latest", nil)
	s.Equal(http.StatusServiceUnavailable, code)
}

func (s *ServiceTestSuite) TestHealthMetricsAndStats() {
	s.tick("AAPL", 100)

	code, body := s.do(http.MethodGet, "/healthz", nil)
	s.Equal(http.StatusOK, code)
	s.Contains(string(body), `"status":"healthy"`)
	s.Contains(string(body), `"streams":1`)

	code, body = s.do(http.MethodGet, "/metrics", nil)
	s.Equal(http.StatusOK, code)
	s.Contains(string(body), "macd_ticks_total 1")

	code, body = s.do(http.MethodGet, "/v1/stats", nil)
	s.Equal(http.StatusOK, code)
	s.Contains(string(body), `"streams":1`)
	s.Contains(string(body), `"latency_samples":1`)
	s.Contains(string(body), `"p50":5`)
}

func (s *ServiceTestSuite) TestRequestIDIsEchoed() {
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/v1/streams", nil)
	s.Require().NoError(err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal("req-42", resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(s.srv.URL + "/v1/streams")
	s.Require().NoError(err)
	resp.Body.Close()
	s.NotEmpty(resp.Header.Get("X-Request-ID"))
}
