package model

import (
	"context"

	"macd-engine/internal/indicator"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the service from the concrete Redis and SQLite
// stores. Each store satisfies one or more of them.

// PointPublisher fans streaming points out to external subscribers.
type PointPublisher interface {
	// PublishPoint stores ev as the stream's latest point and publishes it.
	PublishPoint(ctx context.Context, ev PointEvent) error
}

// SnapshotWriter persists registry checkpoints.
type SnapshotWriter interface {
	indicator.SnapshotSource

	// WriteSnapshot persists snap, replacing or appending per backend.
	WriteSnapshot(ctx context.Context, snap *indicator.EngineSnapshot) error
}
