package macdengine

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"macd-engine/internal/metrics"
)

// Hub manages websocket clients and fans streaming points out to them.
// Every channel keeps its latest payload for clients that connect late and a
// replay buffer for clients that detect a sequence gap.
type Hub struct {
	log        *zap.Logger
	prom       *metrics.Metrics
	replaySize int

	mu          sync.RWMutex
	clients     map[*Client]bool
	latest      map[string]latestEntry
	seq         int64
	channelSeqs map[string]int64
	replayBufs  map[string]*ReplayBuffer

	// Latency tracks tick time to broadcast time.
	Latency *LatencyTracker

	upgrader websocket.Upgrader
	now      func() time.Time
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64 // channel seq
}

// NewHub creates an empty hub. prom may be nil.
func NewHub(log *zap.Logger, prom *metrics.Metrics, replaySize int) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:         log.Named("hub"),
		prom:        prom,
		replaySize:  replaySize,
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		Latency:     NewLatencyTracker(10000),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client.
// Query parameters: keys=a,b limits the client to those streams; since=<RFC3339
// time> skips initial payloads not newer than that instant.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)
	if keys := r.URL.Query().Get("keys"); keys != "" {
		client.subscribe(strings.Split(keys, ","))
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	if h.prom != nil {
		h.prom.WSClients.Set(float64(count))
	}
	h.log.Info("client connected", zap.Int("clients", count))

	client.sendInitialState(r.URL.Query().Get("since"))
	go client.writePump()
	go client.readPump()
}

// RemoveClient unregisters c and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	close(c.send)

	if h.prom != nil {
		h.prom.WSClients.Set(float64(count))
	}
	h.log.Info("client disconnected", zap.Int("clients", count))
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelSeq returns the last sequence broadcast on channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ReplayRange returns the buffered envelopes of channel with sequence in
// [fromSeq, toSeq], and the oldest sequence still available.
func (h *Hub) ReplayRange(channel string, fromSeq, toSeq int64) ([]json.RawMessage, int64) {
	h.mu.RLock()
	rb, ok := h.replayBufs[channel]
	h.mu.RUnlock()
	if !ok {
		return nil, 0
	}
	entries := rb.Range(fromSeq, toSeq)
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out, rb.Oldest()
}
