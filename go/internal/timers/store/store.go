// Package store persists timer snapshots. The same image format backs server
// restart recovery and a client's local-authoritative storage.
package store

import (
	"context"
	"fmt"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/rs/zerolog/log"
)

// Store defines what the manager owners need from a snapshot backend
type Store interface {
	Load(ctx context.Context) (timers.Snapshot, error)
	Save(ctx context.Context, snap timers.Snapshot) error
	Close() error
}

// Kind names a backend
type Kind string

const (
	KindFile     Kind = "file"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

// Config selects and configures a backend
type Config struct {
	Kind        Kind
	Path        string // file and sqlite
	DatabaseURL string // postgres
}

// Open creates the backend described by cfg
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case "", KindFile:
		return NewFileStore(cfg.Path), nil
	case KindSQLite:
		return NewSQLiteStore(ctx, cfg.Path)
	case KindPostgres:
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

// Restore loads the stored image into m. A missing or unreadable image leaves
// m with an empty registry; the failure is logged rather than returned.
func Restore(ctx context.Context, s Store, m *timers.Manager) {
	snap, err := s.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not load timer snapshot, starting empty")
		m.Restore(timers.Snapshot{})
		return
	}
	m.Restore(snap)
	log.Info().Int("timers", len(snap.Timers)).Msg("timer snapshot restored")
}

// Persist saves the manager's current image, logging failures
func Persist(ctx context.Context, s Store, m *timers.Manager) error {
	if err := s.Save(ctx, m.Snapshot()); err != nil {
		log.Error().Err(err).Msg("failed to persist timer snapshot")
		return err
	}
	return nil
}
