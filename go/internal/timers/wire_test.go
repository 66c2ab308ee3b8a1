package timers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotMessageIsKeyedByStringID(t *testing.T) {
	msg := NewSnapshotMessage(map[int64]TimerState{
		1:  {Duration: 10, Remaining: 4, Running: true, CreatedAt: epoch, StartAt: &epoch},
		12: {Duration: 3, Finished: true, CreatedAt: epoch},
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "1")
	require.Contains(t, raw, "12")
	assert.Equal(t, 4.0, raw["1"]["remaining"])
	assert.Equal(t, true, raw["12"]["finished"])
	assert.Nil(t, raw["12"]["start_at"])
}

func TestParseMessageDistinguishesKinds(t *testing.T) {
	upd := NewUpdateMessage(7, TimerState{Duration: 5, Remaining: 2, Running: true, CreatedAt: epoch, StartAt: &epoch})
	data, err := json.Marshal(upd)
	require.NoError(t, err)

	snap, got, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Nil(t, snap)
	require.NotNil(t, got)
	assert.Equal(t, "7", got.TimerID)
	assert.Equal(t, MessageTypeUpdate, got.Type)
	assert.InDelta(t, 2, got.Remaining, 1e-9)
	assert.True(t, got.Running)

	data, err = json.Marshal(NewSnapshotMessage(map[int64]TimerState{3: {Duration: 9, Remaining: 9}}))
	require.NoError(t, err)

	snap, got, err = ParseMessage(data)
	require.NoError(t, err)
	assert.Nil(t, got)
	require.Len(t, snap, 1)
	assert.InDelta(t, 9, snap["3"].Duration, 1e-9)
}

func TestParseMessageEmptySnapshot(t *testing.T) {
	snap, upd, err := ParseMessage([]byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, upd)
	assert.NotNil(t, snap)
	assert.Empty(t, snap)
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	for _, in := range []string{`not json`, `{"type":"bogus"}`, `{"1": 5}`, `[]`} {
		_, _, err := ParseMessage([]byte(in))
		assert.Error(t, err, in)
	}
}
