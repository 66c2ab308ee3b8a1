package timers

import (
	"sync"
	"time"
)

// EventType represents the kind of change a manager reports
type EventType string

const (
	// EventTouched is emitted for every timer a tick or expiry pass processed.
	EventTouched EventType = "touched"
	// EventFinished is emitted once, on the transition into finished.
	EventFinished EventType = "finished"
)

// Event is a single change notification emitted by a Manager
type Event struct {
	Type       EventType  `json:"type"`
	TimerID    int64      `json:"timer_id"`
	State      TimerState `json:"state"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// EventQueue holds undelivered events between a Manager and its consumer.
// Push never blocks. Finished events are always kept; a Touched event that is
// still queued for the same timer is replaced by the newer one, so the queue
// holds at most one Touched per timer plus the pending finishes.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event
	popped  int
	touched map[int64]int // queue position of the pending Touched per timer
	ready   chan struct{}
}

// NewEventQueue creates an empty queue
func NewEventQueue() *EventQueue {
	return &EventQueue{
		touched: make(map[int64]int),
		ready:   make(chan struct{}, 1),
	}
}

// Push queues ev and wakes the consumer
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	if ev.Type == EventTouched {
		if pos, ok := q.touched[ev.TimerID]; ok {
			q.pending[pos-q.popped] = ev
			q.mu.Unlock()
			return
		}
		q.touched[ev.TimerID] = q.popped + len(q.pending)
	} else {
		// later touches must queue behind the finish
		delete(q.touched, ev.TimerID)
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest event. ok is false when the queue is empty.
func (q *EventQueue) Pop() (ev Event, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Event{}, false
	}
	ev = q.pending[0]
	q.pending[0] = Event{}
	q.pending = q.pending[1:]
	if ev.Type == EventTouched {
		if pos, ok := q.touched[ev.TimerID]; ok && pos == q.popped {
			delete(q.touched, ev.TimerID)
		}
	}
	q.popped++
	if len(q.pending) == 0 {
		q.pending = nil
	}
	return ev, true
}

// Len reports the number of queued events
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Ready is signalled after a Push. A single signal may cover many events, so
// consumers drain with Pop until it reports empty.
func (q *EventQueue) Ready() <-chan struct{} {
	return q.ready
}
