package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rate_limits (
	session_id TEXT PRIMARY KEY,
	count      INTEGER NOT NULL,
	reset_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limits_reset_at ON rate_limits(reset_at);
`

// The count may run one past the limit; a stored count above the limit
// marks an exhausted window.
const sqliteTake = `
INSERT INTO rate_limits (session_id, count, reset_at) VALUES (?1, 1, ?3)
ON CONFLICT(session_id) DO UPDATE SET
	count = CASE
		WHEN rate_limits.reset_at <= ?2 THEN 1
		WHEN rate_limits.count > ?4 THEN rate_limits.count
		ELSE rate_limits.count + 1
	END,
	reset_at = CASE
		WHEN rate_limits.reset_at <= ?2 THEN excluded.reset_at
		ELSE rate_limits.reset_at
	END
RETURNING count, reset_at`

// SQLiteStore shares quota records between processes through a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for a private in-process database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Take(ctx context.Context, sessionID string, now time.Time, limit int, window time.Duration) (Record, bool, error) {
	var count int
	var resetAt int64
	err := s.db.QueryRowContext(ctx, sqliteTake,
		sessionID, now.UnixMilli(), now.Add(window).UnixMilli(), limit,
	).Scan(&count, &resetAt)
	if err != nil {
		return Record{}, false, fmt.Errorf("take %s: %w", sessionID, err)
	}

	rec := Record{Count: count, ResetTime: time.UnixMilli(resetAt)}
	if count > limit {
		rec.Count = limit
		return rec, true, nil
	}
	return rec, false, nil
}

func (s *SQLiteStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE reset_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
