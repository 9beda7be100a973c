package macdengine

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendQueue  = 256
)

// Client is one websocket peer. With no subscribed keys it receives every
// stream.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	subMu sync.RWMutex
	keys  map[string]bool
}

// clientMsg is the shape of every message a client may send.
type clientMsg struct {
	Type  string   `json:"type"`
	Keys  []string `json:"keys"`
	ReqID string   `json:"req_id"`
	Ping  int64    `json:"ping"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendQueue),
		hub:  h,
		keys: make(map[string]bool),
	}
}

func (c *Client) subscribe(keys []string) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	added := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			c.keys[k] = true
			added = append(added, k)
		}
	}
	return added
}

func (c *Client) unsubscribe(keys []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, k := range keys {
		delete(c.keys, strings.TrimSpace(k))
	}
}

// matchesChannel reports whether the client should receive channel. Channels
// outside the "macd:" namespace always match.
func (c *Client) matchesChannel(channel string) bool {
	key, ok := strings.CutPrefix(channel, "macd:")
	if !ok {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.keys) == 0 || c.keys[key]
}

// sendInitialState queues the latest payload of every matching channel that
// is newer than since (RFC3339, optional).
func (c *Client) sendInitialState(since string) {
	var cutoff time.Time
	if since != "" {
		if t, err := time.Parse(time.RFC3339Nano, since); err == nil {
			cutoff = t
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		if !c.matchesChannel(channel) {
			continue
		}
		envelope, err := json.Marshal(map[string]interface{}{
			"channel":     channel,
			"data":        entry.Data,
			"ts":          entry.TS.Format(time.RFC3339Nano),
			"channel_seq": entry.Seq,
			"initial":     true,
		})
		if err != nil {
			continue
		}
		select {
		case c.send <- envelope:
		default:
		}
	}
}

// sendJSON queues v for the client without blocking.
func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Coalesce whatever is queued into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			for i, n := 0, len(c.send); i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("client read failed", zap.Error(err))
			}
			return
		}

		var msg clientMsg
		if json.Unmarshal(data, &msg) != nil {
			c.sendJSON(map[string]interface{}{"type": "error", "error": "invalid JSON"})
			continue
		}

		switch strings.ToUpper(msg.Type) {
		case "SUBSCRIBE":
			added := c.subscribe(msg.Keys)
			c.sendJSON(map[string]interface{}{"type": "subscribed", "keys": added, "req_id": msg.ReqID})
			c.sendInitialState("")
		case "UNSUBSCRIBE":
			c.unsubscribe(msg.Keys)
			c.sendJSON(map[string]interface{}{"type": "unsubscribed", "keys": msg.Keys, "req_id": msg.ReqID})
		case "PING":
			c.sendPong(msg)
		default:
			if msg.Ping > 0 {
				c.sendPong(msg)
			}
		}
	}
}

// sendPong answers a ping, echoing the client's ping timestamp when given.
func (c *Client) sendPong(msg clientMsg) {
	pong := map[string]interface{}{
		"type":      "pong",
		"server_ts": time.Now().UnixMilli(),
	}
	if msg.Ping > 0 {
		pong["ping"] = msg.Ping
	}
	if msg.ReqID != "" {
		pong["req_id"] = msg.ReqID
	}
	c.sendJSON(pong)
}
