package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/sqlutil"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS timer_snapshot (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	data     TEXT    NOT NULL,
	saved_at TEXT    NOT NULL
)`

// SQLiteStore keeps the snapshot as a single row in an SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load reads the stored row. No row is an empty snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (timers.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM timer_snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return timers.Snapshot{Timers: map[int64]timers.TimerState{}}, nil
	}
	if err != nil {
		return timers.Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}

	snap, err := timers.DecodeSnapshot(strings.NewReader(data))
	if err != nil {
		return timers.Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, nil
}

// Save upserts the snapshot row
func (s *SQLiteStore) Save(ctx context.Context, snap timers.Snapshot) error {
	var buf bytes.Buffer
	if err := timers.EncodeSnapshot(&buf, snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO timer_snapshot (id, data, saved_at) VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
			buf.String(), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		return nil
	})
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
