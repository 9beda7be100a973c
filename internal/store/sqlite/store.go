package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"macd-engine/internal/indicator"
)

const defaultKeep = 20

// Config configures the SQLite store.
type Config struct {
	Path string // path to SQLite database file, e.g. "data/macd.db"
	Keep int    // checkpoints retained after each write
}

// Store keeps an append-only history of registry checkpoints. It is the
// durable fallback behind the Redis copy.
type Store struct {
	db   *sql.DB
	keep int
	log  *zap.Logger
}

// Open opens the database with WAL mode and creates the schema.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "sqlite open")
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := NewWithDB(db, cfg.Keep, log)
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Info("opened database", zap.String("path", cfg.Path))
	return s, nil
}

// NewWithDB wraps an open database without touching the schema.
func NewWithDB(db *sql.DB, keep int, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if keep <= 0 {
		keep = defaultKeep
	}
	return &Store{db: db, keep: keep, log: log.Named("sqlite")}
}

// EnsureSchema creates the checkpoint table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS macd_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			version    INTEGER NOT NULL,
			streams    INTEGER NOT NULL,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_macd_snapshots_created ON macd_snapshots (created_at);
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite schema")
	}
	return nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Name identifies the backend in logs and metrics.
func (s *Store) Name() string { return "sqlite" }

// WriteSnapshot appends a checkpoint and prunes all but the newest ones.
// A failed prune is logged, not returned.
func (s *Store) WriteSnapshot(ctx context.Context, snap *indicator.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO macd_snapshots (version, streams, data, created_at) VALUES (?, ?, ?, ?)`,
		snap.Version, len(snap.Streams), string(data), snap.TakenAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite insert snapshot")
	}

	if _, err := s.PruneSnapshots(ctx, s.keep); err != nil {
		s.log.Warn("prune snapshots", zap.Error(err))
	}
	return nil
}

// PruneSnapshots deletes all but the newest keep checkpoints and returns the
// number of rows removed.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM macd_snapshots WHERE id NOT IN (SELECT id FROM macd_snapshots ORDER BY id DESC LIMIT ?)`,
		keep)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite prune snapshots")
	}
	return res.RowsAffected()
}

// LatestSnapshot loads the most recent checkpoint. Returns nil, nil if the
// table is empty.
func (s *Store) LatestSnapshot(ctx context.Context) (*indicator.EngineSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM macd_snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // no snapshot
		}
		return nil, errors.Wrap(err, "sqlite read snapshot")
	}

	var snap indicator.EngineSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}
	return &snap, nil
}

// CountSnapshots returns the number of stored checkpoints.
func (s *Store) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM macd_snapshots`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "sqlite count snapshots")
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
