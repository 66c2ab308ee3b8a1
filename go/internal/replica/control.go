package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZhouAndrew/MyTimer/go/clients/timerapi"
	"github.com/ZhouAndrew/MyTimer/go/internal/config"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers/store"
	"github.com/rs/zerolog/log"
)

// route sends a control call to the server or, in local mode, to the private
// manager followed by a save. A server that cannot be reached triggers
// failover and the call is replayed locally.
func (s *Service) route(ctx context.Context, op string, remote func(context.Context) error, local func(*timers.Manager) error) error {
	if m := s.localManager(); m != nil {
		return s.runLocal(ctx, m, local)
	}
	if s.Mode() == Unconnected {
		return fmt.Errorf("%s: %w", op, ErrNotConnected)
	}

	err := remote(ctx)
	if errors.Is(err, timerapi.ErrUnavailable) {
		log.Warn().Err(err).Str("op", op).Msg("control call failed, retrying locally")
		s.failover(err)
		if m := s.localManager(); m != nil {
			return s.runLocal(ctx, m, local)
		}
		return err
	}
	if err != nil {
		return err
	}

	if s.cfg.Transport == config.TransportPoll {
		if err := s.refresh(ctx); err != nil {
			log.Warn().Err(err).Str("op", op).Msg("refresh after control call failed")
		}
	}
	return nil
}

func (s *Service) runLocal(ctx context.Context, m *timers.Manager, fn func(*timers.Manager) error) error {
	if err := fn(m); err != nil {
		return err
	}
	s.mu.RLock()
	st := s.store
	s.mu.RUnlock()
	// The mutation stands even if the save fails; Persist logs it.
	store.Persist(ctx, st, m)
	return nil
}

// Create starts a timer. Non-positive durations are rejected in both modes.
func (s *Service) Create(ctx context.Context, duration float64) (int64, error) {
	if duration <= 0 {
		return 0, fmt.Errorf("duration must be positive: %w", timers.ErrValidation)
	}
	var id int64
	err := s.route(ctx, "create",
		func(ctx context.Context) error {
			var err error
			id, err = s.client.Create(ctx, duration)
			return err
		},
		func(m *timers.Manager) error {
			id = m.Create(duration)
			return nil
		})
	return id, err
}

func (s *Service) Pause(ctx context.Context, id int64) error {
	return s.route(ctx, "pause",
		func(ctx context.Context) error { return s.client.Pause(ctx, id) },
		func(m *timers.Manager) error { return m.Pause(id) })
}

func (s *Service) Resume(ctx context.Context, id int64) error {
	return s.route(ctx, "resume",
		func(ctx context.Context) error { return s.client.Resume(ctx, id) },
		func(m *timers.Manager) error { return m.Resume(id) })
}

func (s *Service) Remove(ctx context.Context, id int64) error {
	return s.route(ctx, "remove",
		func(ctx context.Context) error { return s.client.Remove(ctx, id) },
		func(m *timers.Manager) error { return m.Remove(id) })
}

// Tick advances every running timer by seconds
func (s *Service) Tick(ctx context.Context, seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("tick %v seconds: %w", seconds, timers.ErrValidation)
	}
	return s.route(ctx, "tick",
		func(ctx context.Context) error { return s.client.Tick(ctx, seconds) },
		func(m *timers.Manager) error { return m.Tick(seconds) })
}

func (s *Service) PauseAll(ctx context.Context) error {
	return s.route(ctx, "pause_all", s.client.PauseAll, batch((*timers.Manager).PauseAll))
}

func (s *Service) ResumeAll(ctx context.Context) error {
	return s.route(ctx, "resume_all", s.client.ResumeAll, batch((*timers.Manager).ResumeAll))
}

func (s *Service) RemoveAll(ctx context.Context) error {
	return s.route(ctx, "remove_all", s.client.RemoveAll, batch((*timers.Manager).RemoveAll))
}

func (s *Service) ResetAll(ctx context.Context) error {
	return s.route(ctx, "reset_all", s.client.ResetAll, batch((*timers.Manager).ResetAll))
}

func batch(op func(*timers.Manager)) func(*timers.Manager) error {
	return func(m *timers.Manager) error {
		op(m)
		return nil
	}
}

// List fetches the authoritative listing: the server's, or the private one
// in local mode.
func (s *Service) List(ctx context.Context) (timers.SnapshotMessage, error) {
	var list timers.SnapshotMessage
	err := s.route(ctx, "list",
		func(ctx context.Context) error {
			var err error
			list, err = s.client.List(ctx)
			return err
		},
		func(m *timers.Manager) error {
			list = timers.NewSnapshotMessage(m.List())
			return nil
		})
	return list, err
}

// Status reports timer counts from the current authority
func (s *Service) Status(ctx context.Context) (timers.Status, error) {
	var st timers.Status
	err := s.route(ctx, "status",
		func(ctx context.Context) error {
			var err error
			st, err = s.client.Status(ctx)
			return err
		},
		func(m *timers.Manager) error {
			st = m.Status()
			return nil
		})
	return st, err
}
