package macdengine

import (
	"context"
	"encoding/json"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"macd-engine/internal/model"
)

// pointsPattern matches every stream's Redis points channel.
const pointsPattern = "macd:points:*"

// Relay forwards points published to Redis by other engine instances to the
// local websocket hub. Points carrying this instance's origin are skipped;
// they were broadcast when computed.
type Relay struct {
	rdb    *goredis.Client
	hub    *Hub
	origin string
	log    *zap.Logger
}

// NewRelay creates a Relay for the given instance origin.
func NewRelay(rdb *goredis.Client, hub *Hub, origin string, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{rdb: rdb, hub: hub, origin: origin, log: log.Named("relay")}
}

// Run subscribes and forwards until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, pointsPattern)
	defer pubsub.Close()
	r.log.Info("subscribed", zap.String("pattern", pointsPattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(msg.Payload)
		}
	}
}

// forward broadcasts one Redis payload unless it originated here.
func (r *Relay) forward(payload string) {
	var ev model.PointEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.log.Warn("dropping malformed point", zap.Error(err))
		return
	}
	if ev.Origin == r.origin || ev.Key == "" {
		return
	}
	r.hub.Broadcast(ev.Channel(), []byte(payload))
}
