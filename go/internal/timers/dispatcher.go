package timers

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler reacts to a manager event. Returned errors and panics are logged
// and do not affect other handlers or the manager.
type Handler func(ctx context.Context, ev Event) error

// Dispatcher drains a manager's event queue and fans events out to the
// registered handlers. Handlers run on the dispatcher goroutine with no
// manager lock held, so they may call back into the manager.
type Dispatcher struct {
	events *EventQueue

	mu       sync.RWMutex
	touched  []Handler
	finished []Handler
}

// NewDispatcher creates a dispatcher for the given event source
func NewDispatcher(events *EventQueue) *Dispatcher {
	return &Dispatcher{events: events}
}

// OnTouched registers a handler for EventTouched
func (d *Dispatcher) OnTouched(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched = append(d.touched, h)
}

// OnFinished registers a handler for EventFinished
func (d *Dispatcher) OnFinished(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished = append(d.finished, h)
}

// Run processes events until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	log.Debug().Msg("event dispatcher started")
	var ready <-chan struct{}
	if d.events != nil {
		ready = d.events.Ready()
	}
	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			log.Debug().Msg("event dispatcher shutting down")
			return
		case <-ready:
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	if d.events == nil {
		return
	}
	for ctx.Err() == nil {
		ev, ok := d.events.Pop()
		if !ok {
			return
		}
		d.Dispatch(ctx, ev)
	}
}

// Dispatch delivers one event to the handlers registered for its type
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	d.mu.RLock()
	var handlers []Handler
	switch ev.Type {
	case EventTouched:
		handlers = append(handlers, d.touched...)
	case EventFinished:
		handlers = append(handlers, d.finished...)
	}
	d.mu.RUnlock()

	for i, h := range handlers {
		if err := invoke(ctx, h, ev); err != nil {
			log.Error().
				Err(err).
				Int64("timer_id", ev.TimerID).
				Str("event_type", string(ev.Type)).
				Int("handler", i).
				Msg("event handler failed")
		}
	}
}

func invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
