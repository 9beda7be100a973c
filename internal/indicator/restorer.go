package indicator

import (
	"context"

	"go.uber.org/zap"
)

// SnapshotSource is a checkpoint backend that can return its latest engine
// snapshot. A nil snapshot with a nil error means the backend is empty.
type SnapshotSource interface {
	Name() string
	LatestSnapshot(ctx context.Context) (*EngineSnapshot, error)
}

// Restorer orchestrates engine restoration on startup. Sources are tried in
// order (e.g. Redis, then SQLite); if none yields a snapshot the engine cold
// starts.
type Restorer struct {
	defaults State
	log      *zap.Logger
}

// NewRestorer creates a Restorer whose engines use defaults for new streams.
func NewRestorer(defaults State, log *zap.Logger) *Restorer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Restorer{defaults: defaults, log: log.Named("restorer")}
}

// Restore walks sources in priority order and restores from the first
// snapshot found. Read errors are logged and the next source is tried.
func (r *Restorer) Restore(ctx context.Context, sources ...SnapshotSource) (*Engine, error) {
	for _, src := range sources {
		if src == nil {
			continue
		}
		snap, err := src.LatestSnapshot(ctx)
		if err != nil {
			r.log.Warn("snapshot read failed", zap.String("source", src.Name()), zap.Error(err))
			continue
		}
		if snap == nil {
			r.log.Info("no snapshot", zap.String("source", src.Name()))
			continue
		}
		r.log.Info("restoring from snapshot",
			zap.String("source", src.Name()),
			zap.Int("version", snap.Version),
			zap.Time("taken_at", snap.TakenAt),
			zap.Int("streams", len(snap.Streams)))
		return r.RestoreFromSnap(snap)
	}
	return r.RestoreFromSnap(nil)
}

// RestoreFromSnap restores an engine from snap, or cold starts when snap is
// nil. A snapshot that cannot be applied also falls back to a cold start.
func (r *Restorer) RestoreFromSnap(snap *EngineSnapshot) (*Engine, error) {
	if snap == nil {
		r.log.Info("no snapshot found, cold starting stream registry")
		return NewEngine(r.defaults)
	}

	engine, skipped, err := RestoreEngine(r.defaults, snap)
	if err != nil {
		r.log.Warn("snapshot restore failed, falling back to cold start", zap.Error(err))
		return NewEngine(r.defaults)
	}
	if len(skipped) > 0 {
		r.log.Warn("skipped invalid stream states", zap.Strings("keys", skipped))
	}
	r.log.Info("restored stream registry", zap.Int("streams", engine.Len()))
	return engine, nil
}
