package macdengine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"macd-engine/internal/indicator"
)

// snapshotLoop checkpoints the stream registry to every writer each
// SnapshotInterval until ctx is done.
func (svc *Service) snapshotLoop(ctx context.Context) {
	if len(svc.writers) == 0 {
		svc.log.Warn("no snapshot backends, checkpointing disabled")
		return
	}

	ticker := time.NewTicker(svc.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.checkpoint(ctx)
		}
	}
}

// checkpoint writes one registry snapshot to every writer and returns the
// number of successful writes.
func (svc *Service) checkpoint(ctx context.Context) int {
	if len(svc.writers) == 0 {
		return 0
	}
	snap := indicator.SnapshotEngine(svc.engine)

	saved := 0
	for _, w := range svc.writers {
		if err := w.WriteSnapshot(ctx, snap); err != nil {
			svc.prom.SnapshotWrites.WithLabelValues(w.Name(), "error").Inc()
			svc.log.Warn("snapshot write failed", zap.String("backend", w.Name()), zap.Error(err))
			continue
		}
		svc.prom.SnapshotWrites.WithLabelValues(w.Name(), "ok").Inc()
		saved++
	}
	svc.log.Debug("checkpoint saved",
		zap.Int("streams", len(snap.Streams)),
		zap.Int("backends", saved))
	return saved
}
