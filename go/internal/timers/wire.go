package timers

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageTypeUpdate tags an incremental single-timer message.
const MessageTypeUpdate = "update"

// SnapshotMessage is the complete id → state map pushed to subscribers. It is
// serialized as a bare JSON object.
type SnapshotMessage map[string]TimerState

// UpdateMessage carries the state of one timer.
type UpdateMessage struct {
	Type    string `json:"type"`
	TimerID string `json:"timer_id"`
	TimerState
}

// NewSnapshotMessage converts a listing into its wire form
func NewSnapshotMessage(list map[int64]TimerState) SnapshotMessage {
	msg := make(SnapshotMessage, len(list))
	for id, st := range list {
		msg[strconv.FormatInt(id, 10)] = st
	}
	return msg
}

// NewUpdateMessage builds the update for one timer
func NewUpdateMessage(id int64, st TimerState) UpdateMessage {
	return UpdateMessage{
		Type:       MessageTypeUpdate,
		TimerID:    strconv.FormatInt(id, 10),
		TimerState: st,
	}
}

// ParseMessage decodes a subscriber message. Exactly one of the returned
// snapshot and update is non-nil on success.
func ParseMessage(data []byte) (SnapshotMessage, *UpdateMessage, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("decode message: %w", err)
	}

	if raw, ok := probe["type"]; ok {
		var typ string
		if err := json.Unmarshal(raw, &typ); err != nil {
			return nil, nil, fmt.Errorf("decode message type: %w", err)
		}
		if typ != MessageTypeUpdate {
			return nil, nil, fmt.Errorf("unknown message type %q", typ)
		}
		var upd UpdateMessage
		if err := json.Unmarshal(data, &upd); err != nil {
			return nil, nil, fmt.Errorf("decode update: %w", err)
		}
		return nil, &upd, nil
	}

	snap := make(SnapshotMessage, len(probe))
	for id, raw := range probe {
		var st TimerState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, nil, fmt.Errorf("decode timer %s: %w", id, err)
		}
		snap[id] = st
	}
	return snap, nil, nil
}
