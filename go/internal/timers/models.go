package timers

import (
	"time"
)

// Timer is the authoritative state of a single countdown.
//
// Remaining holds the seconds left as of StartAt while the timer runs, and the
// exact seconds left while it is paused or finished.
type Timer struct {
	ID        int64
	Duration  float64
	Remaining float64
	Running   bool
	Finished  bool
	CreatedAt time.Time
	StartAt   *time.Time
}

// RemainingAt returns the seconds left at the given instant, clamped at zero.
func (t *Timer) RemainingAt(now time.Time) float64 {
	if !t.Running || t.StartAt == nil {
		return t.Remaining
	}
	left := t.Remaining - now.Sub(*t.StartAt).Seconds()
	if left < 0 {
		return 0
	}
	return left
}

// finish moves the timer into its terminal state.
func (t *Timer) finish() {
	t.Remaining = 0
	t.Running = false
	t.Finished = true
	t.StartAt = nil
}

// start marks the timer running from now.
func (t *Timer) start(now time.Time) {
	t.Running = true
	t.StartAt = &now
}

// State returns the persisted form of the timer.
func (t *Timer) State() TimerState {
	return TimerState{
		Duration:  t.Duration,
		Remaining: t.Remaining,
		Running:   t.Running,
		Finished:  t.Finished,
		CreatedAt: t.CreatedAt,
		StartAt:   copyTime(t.StartAt),
	}
}

// StateAt returns the wire form of the timer with Remaining computed at now.
func (t *Timer) StateAt(now time.Time) TimerState {
	st := t.State()
	st.Remaining = t.RemainingAt(now)
	return st
}

// TimerState is the serialized form of a timer used for persistence and
// transmission.
type TimerState struct {
	Duration  float64    `json:"duration"`
	Remaining float64    `json:"remaining"`
	Running   bool       `json:"running"`
	Finished  bool       `json:"finished"`
	CreatedAt time.Time  `json:"created_at"`
	StartAt   *time.Time `json:"start_at"`
}

// Snapshot is the full image of a manager.
type Snapshot struct {
	NextID *int64               `json:"next_id,omitempty"`
	Timers map[int64]TimerState `json:"timers"`
}

// Status summarizes a registry.
type Status struct {
	TimerCount   int `json:"timer_count"`
	RunningCount int `json:"running_count"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
