package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS timer_snapshot (
	id       SMALLINT    PRIMARY KEY CHECK (id = 1),
	data     JSONB       NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps the snapshot as a single JSONB row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the schema exists
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres store requires a database URL")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Load reads the stored row. No row is an empty snapshot.
func (s *PostgresStore) Load(ctx context.Context) (timers.Snapshot, error) {
	var data string
	err := s.pool.QueryRow(ctx, `SELECT data::text FROM timer_snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) Save(ctx context.Context, snap timers.Snapshot) error {
	var buf bytes.Buffer
	if err := timers.EncodeSnapshot(&buf, snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO timer_snapshot (id, data, saved_at) VALUES (1, $1::jsonb, now())
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, saved_at = EXCLUDED.saved_at`,
			buf.String())
		if err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		return nil
	})
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
