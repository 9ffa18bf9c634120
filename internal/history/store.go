// Package history persists finished capture cycles in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS cycles (
		cycle_id    TEXT PRIMARY KEY,
		snapshot    TEXT NOT NULL,
		label       TEXT NOT NULL DEFAULT '',
		code        INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		sent        INTEGER NOT NULL DEFAULT 0,
		send_error  TEXT NOT NULL DEFAULT '',
		captured_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cycles_captured_at ON cycles(captured_at DESC);`,
}

// Store reads and writes cycle rows.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores r, replacing any row with the same cycle id.
func (s *Store) Insert(ctx context.Context, r types.ClassificationResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles(cycle_id, snapshot, label, code, error, sent, send_error, captured_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cycle_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			label = excluded.label,
			code = excluded.code,
			error = excluded.error,
			sent = excluded.sent,
			send_error = excluded.send_error,
			captured_at = excluded.captured_at,
			finished_at = excluded.finished_at
	`, r.CycleID, r.Snapshot, r.Label, r.Code, r.Error, boolToInt(r.Sent), r.SendError,
		timeToUnixMillis(r.CapturedAt), timeToUnixMillis(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert cycle %s: %w", r.CycleID, err)
	}

	return nil
}

// Recent returns up to limit cycles, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]types.ClassificationResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, snapshot, label, code, error, sent, send_error, captured_at, finished_at
		FROM cycles
		ORDER BY captured_at DESC, finished_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.ClassificationResult
	for rows.Next() {
		var (
			r                    types.ClassificationResult
			sent                 int
			capturedAt, finished int64
		)
		if err := rows.Scan(&r.CycleID, &r.Snapshot, &r.Label, &r.Code, &r.Error, &sent, &r.SendError, &capturedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		r.Sent = sent != 0
		r.CapturedAt = unixMillisToTime(capturedAt)
		r.FinishedAt = unixMillisToTime(finished)
		out = append(out, r)
	}

	return out, rows.Err()
}

// Count returns the number of stored cycles.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cycles: %w", err)
	}
	return n, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func timeToUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func unixMillisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
