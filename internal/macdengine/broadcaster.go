package macdengine

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"macd-engine/internal/model"
)

// BroadcastPoint fans ev out on its "macd:{key}" channel and records the
// tick-to-broadcast latency.
func (h *Hub) BroadcastPoint(ev model.PointEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal point")
	}
	if !ev.TS.IsZero() {
		if ms := float64(h.now().Sub(ev.TS).Microseconds()) / 1000.0; ms >= 0 {
			h.Latency.Record(ms)
		}
	}
	h.Broadcast(ev.Channel(), data)
	return nil
}

// Broadcast sends data on channel to every client subscribed to it. The
// envelope is {"channel","data","ts","seq","channel_seq"}; seq is global and
// channel_seq lets clients detect gaps per stream. Sequencing, the replay push
// and the fan-out share one critical section, so replay buffers and client
// queues see each channel in channel_seq order.
func (h *Hub) Broadcast(channel string, data []byte) {
	now := h.now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	h.seq++
	rb, ok := h.replayBufs[channel]
	if !ok {
		rb = NewReplayBuffer(h.replaySize)
		h.replayBufs[channel] = rb
	}

	buf := appendEnvelope(make([]byte, 0, len(channel)+len(data)+160), channel, data, now, h.seq, channelSeq)
	rb.Push(channelSeq, buf)

	for client := range h.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		select {
		case client.send <- buf:
		default:
			if h.prom != nil {
				h.prom.BroadcastDrops.Inc()
			}
		}
	}
}

// appendEnvelope writes the envelope JSON by hand; data must already be JSON.
func appendEnvelope(buf []byte, channel string, data []byte, ts time.Time, seq, channelSeq int64) []byte {
	buf = append(buf, `{"channel":`...)
	buf = strconv.AppendQuote(buf, channel)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}
