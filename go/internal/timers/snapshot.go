package timers

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// Snapshot captures the full registry and id counter.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.nextID
	snap := Snapshot{
		NextID: &next,
		Timers: make(map[int64]TimerState, len(m.timers)),
	}
	for id, t := range m.timers {
		snap.Timers[id] = t.State()
	}
	return snap
}

// Restore replaces the whole registry with the snapshot's contents. When the
// snapshot carries no counter, the next id follows the largest stored id.
func (m *Manager) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	timers := make(map[int64]*Timer, len(snap.Timers))
	var maxID int64
	for id, st := range snap.Timers {
		t := &Timer{
			ID:        id,
			Duration:  st.Duration,
			Remaining: st.Remaining,
			Running:   st.Running,
			Finished:  st.Finished,
			CreatedAt: st.CreatedAt,
			StartAt:   copyTime(st.StartAt),
		}
		switch {
		case t.Finished:
			t.finish()
		case t.Running && t.StartAt == nil:
			t.start(now)
		case !t.Running:
			t.StartAt = nil
		}
		timers[id] = t
		if id > maxID {
			maxID = id
		}
	}

	next := maxID + 1
	if snap.NextID != nil && *snap.NextID > maxID {
		next = *snap.NextID
	}

	m.timers = timers
	m.nextID = next

	log.Debug().Int("timers", len(timers)).Int64("next_id", next).Msg("registry restored")
}

// Save writes the snapshot as JSON to w.
func (m *Manager) Save(w io.Writer) error {
	if err := EncodeSnapshot(w, m.Snapshot()); err != nil {
		return fmt.Errorf("save timers: %w", err)
	}
	return nil
}

// Load reads a JSON snapshot from r and replaces the registry with it.
func (m *Manager) Load(r io.Reader) error {
	snap, err := DecodeSnapshot(r)
	if err != nil {
		return fmt.Errorf("load timers: %w", err)
	}
	m.Restore(snap)
	return nil
}

// EncodeSnapshot writes snap as indented JSON
func EncodeSnapshot(w io.Writer, snap Snapshot) error {
	if snap.Timers == nil {
		snap.Timers = map[int64]TimerState{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// DecodeSnapshot parses a JSON snapshot
func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return Snapshot{}, err
	}
	if snap.Timers == nil {
		snap.Timers = map[int64]TimerState{}
	}
	return snap, nil
}
