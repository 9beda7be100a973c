package model

import (
	"time"

	"macd-engine/internal/indicator"
)

// Tick is one price observation for a stream.
type Tick struct {
	Key   string    `json:"key"`
	Price float64   `json:"price"`
	TS    time.Time `json:"ts"`
}

// PointEvent is a streaming MACD point as published to subscribers.
// Absent values are encoded as null.
type PointEvent struct {
	Key       string    `json:"key"`
	Seq       int64     `json:"seq"` // tick count of the stream after this point
	TS        time.Time `json:"ts"`
	Price     float64   `json:"price"`
	MACD      *float64  `json:"macd"`
	Signal    *float64  `json:"signal"`
	Histogram *float64  `json:"histogram"`
	Origin    string    `json:"origin,omitempty"` // instance that computed the point
}

// NewPointEvent builds the published form of p.
func NewPointEvent(tick Tick, seq int64, p indicator.Point) PointEvent {
	ev := PointEvent{Key: tick.Key, Seq: seq, TS: tick.TS, Price: tick.Price}
	if v, ok := optionValue(p.MACD); ok {
		ev.MACD = &v
	}
	if v, ok := optionValue(p.Signal); ok {
		ev.Signal = &v
	}
	if v, ok := optionValue(p.Histogram); ok {
		ev.Histogram = &v
	}
	return ev
}

// Channel returns the websocket channel name: "macd:{key}".
func (e *PointEvent) Channel() string {
	return "macd:" + e.Key
}

// PubSubChannel returns the Redis channel: "macd:points:{key}".
func (e *PointEvent) PubSubChannel() string {
	return PointsChannel(e.Key)
}

// LatestKey returns the Redis key holding the stream's last point.
func (e *PointEvent) LatestKey() string {
	return "macd:latest:" + e.Key
}

// PointsChannel returns the Redis Pub/Sub channel for a stream key.
func PointsChannel(key string) string {
	return "macd:points:" + key
}
