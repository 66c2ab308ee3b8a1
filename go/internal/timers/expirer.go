package timers

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ClockMode selects how a deployment measures the passage of time.
type ClockMode string

const (
	// ClockWall derives remaining time from the wall clock; the expirer only
	// detects timers that ran out.
	ClockWall ClockMode = "wall"
	// ClockSimulated freezes the manager clock; the expirer advances timers
	// with Tick on every interval.
	ClockSimulated ClockMode = "simulated"
)

// ParseClockMode validates a configured clock mode. Empty means ClockWall.
func ParseClockMode(s string) (ClockMode, error) {
	switch ClockMode(s) {
	case "", ClockWall:
		return ClockWall, nil
	case ClockSimulated:
		return ClockSimulated, nil
	default:
		return "", fmt.Errorf("unknown clock mode %q: %w", s, ErrValidation)
	}
}

// Expirer is the background loop that drives finish detection.
type Expirer struct {
	manager  *Manager
	clock    clockwork.Clock
	interval time.Duration
	mode     ClockMode

	// onCycle runs after a pass that changed persisted state
	onCycle func(ctx context.Context)
}

// NewExpirer creates an expirer ticking on clock every interval.
func NewExpirer(manager *Manager, clock clockwork.Clock, interval time.Duration, mode ClockMode) *Expirer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Expirer{
		manager:  manager,
		clock:    clock,
		interval: interval,
		mode:     mode,
	}
}

// OnCycle sets the hook invoked after every pass that changed state
func (e *Expirer) OnCycle(fn func(ctx context.Context)) {
	e.onCycle = fn
}

// Run ticks until ctx is cancelled. A non-positive interval disables the loop
// and Run returns immediately.
func (e *Expirer) Run(ctx context.Context) {
	if e.interval <= 0 {
		log.Info().Msg("expirer disabled")
		return
	}

	log.Info().
		Str("mode", string(e.mode)).
		Dur("interval", e.interval).
		Msg("expirer started")

	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("expirer shutting down")
			return
		case <-ticker.Chan():
			if e.step() && e.onCycle != nil {
				e.onCycle(ctx)
			}
		}
	}
}

// step performs one pass and reports whether state changed
func (e *Expirer) step() bool {
	if e.mode == ClockSimulated {
		running := e.manager.Status().RunningCount
		if running == 0 {
			return false
		}
		if err := e.manager.Tick(e.interval.Seconds()); err != nil {
			log.Error().Err(err).Msg("auto tick failed")
			return false
		}
		return true
	}

	finished := e.manager.Expire()
	if finished > 0 {
		log.Debug().Int("finished", finished).Msg("timers expired")
	}
	return finished > 0
}
