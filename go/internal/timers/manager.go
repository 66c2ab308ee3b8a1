package timers

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
}

// Manager is the authoritative registry of timers. All mutation goes through
// its methods; changes caused by ticks and expiry are reported on Events().
type Manager struct {
	mu     sync.Mutex
	timers map[int64]*Timer
	nextID int64
	clock  Clock
	events *EventQueue
}

// NewManager creates an empty manager. A nil clock means wall-clock time.
func NewManager(clock Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		timers: make(map[int64]*Timer),
		nextID: 1,
		clock:  clock,
		events: NewEventQueue(),
	}
}

// Events returns the queue change notifications are emitted on
func (m *Manager) Events() *EventQueue {
	return m.events
}

// Now returns the manager's notion of the current time
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// emit queues an event without blocking the caller. Must be called with mu held.
func (m *Manager) emit(typ EventType, t *Timer, now time.Time) {
	m.events.Push(Event{Type: typ, TimerID: t.ID, State: t.StateAt(now), OccurredAt: now})
}

// Create registers a new timer and returns its id. A non-positive duration
// yields a timer that is already finished.
func (m *Manager) Create(duration float64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	id := m.nextID
	m.nextID++

	t := &Timer{
		ID:        id,
		Duration:  duration,
		Remaining: duration,
		CreatedAt: now,
	}
	if duration <= 0 {
		t.finish()
	} else {
		t.start(now)
	}
	m.timers[id] = t

	log.Debug().Int64("timer_id", id).Float64("duration", duration).Msg("timer created")
	return id
}

// Get returns the state of one timer with remaining computed now
func (m *Manager) Get(id int64) (TimerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[id]
	if !ok {
		return TimerState{}, fmt.Errorf("get timer %d: %w", id, ErrNotFound)
	}
	return t.StateAt(m.clock.Now()), nil
}

// List returns every timer with remaining computed now
func (m *Manager) List() map[int64]TimerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	out := make(map[int64]TimerState, len(m.timers))
	for id, t := range m.timers {
		out[id] = t.StateAt(now)
	}
	return out
}

// Status counts timers and running timers
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{TimerCount: len(m.timers)}
	for _, t := range m.timers {
		if t.Running {
			st.RunningCount++
		}
	}
	return st
}

// Pause freezes a running timer. Paused and finished timers are left as is.
func (m *Manager) Pause(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[id]
	if !ok {
		return fmt.Errorf("pause timer %d: %w", id, ErrNotFound)
	}
	m.pause(t, m.clock.Now())
	return nil
}

func (m *Manager) pause(t *Timer, now time.Time) {
	if t.Finished || !t.Running {
		return
	}
	t.Remaining = t.RemainingAt(now)
	t.Running = false
	t.StartAt = nil
	if t.Remaining <= 0 {
		t.finish()
		m.emit(EventFinished, t, now)
	}
}

// Resume restarts a paused timer. Running and finished timers are left as is.
func (m *Manager) Resume(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[id]
	if !ok {
		return fmt.Errorf("resume timer %d: %w", id, ErrNotFound)
	}
	resume(t, m.clock.Now())
	return nil
}

func resume(t *Timer, now time.Time) {
	if t.Finished || t.Running {
		return
	}
	t.start(now)
}

// Remove deletes a timer. Its id is never handed out again.
func (m *Manager) Remove(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.timers[id]; !ok {
		return fmt.Errorf("remove timer %d: %w", id, ErrNotFound)
	}
	delete(m.timers, id)
	return nil
}

// ordered returns the registry's timers sorted by id; batch operations iterate
// this copy rather than the map itself.
func (m *Manager) ordered() []*Timer {
	list := make([]*Timer, 0, len(m.timers))
	for _, t := range m.timers {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// PauseAll pauses every running timer
func (m *Manager) PauseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, t := range m.ordered() {
		m.pause(t, now)
	}
}

// ResumeAll resumes every paused timer
func (m *Manager) ResumeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, t := range m.ordered() {
		resume(t, now)
	}
}

// RemoveAll empties the registry. The id counter keeps its value.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timers = make(map[int64]*Timer)
}

// ResetAll restarts every timer from its full duration, finished or not.
// Timers created with a non-positive duration stay finished.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, t := range m.ordered() {
		if t.Duration <= 0 {
			t.finish()
			continue
		}
		t.Remaining = t.Duration
		t.Finished = false
		t.start(now)
	}
}

// Tick advances every running timer by seconds of simulated time.
func (m *Manager) Tick(seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("tick %v seconds: %w", seconds, ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, t := range m.ordered() {
		if !t.Running || t.Finished {
			continue
		}
		t.Remaining -= seconds
		finished := t.RemainingAt(now) <= 0
		if finished {
			t.finish()
		}
		m.emit(EventTouched, t, now)
		if finished {
			m.emit(EventFinished, t, now)
		}
	}
	return nil
}

// Expire finishes every running timer whose wall-clock remaining time has
// reached zero and reports the number of timers it finished. Every running
// timer it inspects is reported as touched.
func (m *Manager) Expire() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	finished := 0
	for _, t := range m.ordered() {
		if !t.Running || t.Finished {
			continue
		}
		done := t.RemainingAt(now) <= 0
		if done {
			t.finish()
			finished++
		}
		m.emit(EventTouched, t, now)
		if done {
			m.emit(EventFinished, t, now)
		}
	}
	return finished
}
