package replica

import (
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
)

// mirrored is one timer as last reported by the server, with the local time
// the report was applied. Server timestamps are never compared with the local
// clock, so clock skew between hosts does not distort remaining time.
type mirrored struct {
	state      timers.TimerState
	observedAt time.Time
}

func (m mirrored) at(now time.Time) timers.TimerState {
	st := m.state
	if st.Running && !st.Finished {
		st.Remaining -= now.Sub(m.observedAt).Seconds()
		if st.Remaining < 0 {
			st.Remaining = 0
		}
	}
	return st
}

// mirror is the client's view of the server registry. Callers synchronize.
type mirror map[string]mirrored

// replace swaps in a full snapshot and returns the ids of known timers that
// became finished
func (m *mirror) replace(snap timers.SnapshotMessage, now time.Time) []string {
	var finished []string
	next := make(mirror, len(snap))
	for id, st := range snap {
		if prev, ok := (*m)[id]; st.Finished && ok && !prev.state.Finished {
			finished = append(finished, id)
		}
		next[id] = mirrored{state: st, observedAt: now}
	}
	*m = next
	return finished
}

// patch applies an update, inserting unseen timers, and reports whether the
// timer became finished
func (m mirror) patch(upd *timers.UpdateMessage, now time.Time) bool {
	prev, ok := m[upd.TimerID]
	m[upd.TimerID] = mirrored{state: upd.TimerState, observedAt: now}
	return upd.Finished && (!ok || !prev.state.Finished)
}

func (m mirror) view(now time.Time) map[string]timers.TimerState {
	out := make(map[string]timers.TimerState, len(m))
	for id, t := range m {
		out[id] = t.at(now)
	}
	return out
}
