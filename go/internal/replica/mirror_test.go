package replica

import (
	"testing"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/stretchr/testify/assert"
)

func TestMirrorCountsDownFromObservation(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	serverStart := now.Add(-time.Hour) // a skewed server clock must not matter

	m := make(mirror)
	m.replace(timers.SnapshotMessage{
		"1": {Duration: 10, Remaining: 8, Running: true, StartAt: &serverStart},
		"2": {Duration: 10, Remaining: 4},
	}, now)

	view := m.view(now.Add(3 * time.Second))
	assert.InDelta(t, 5, view["1"].Remaining, 1e-9)
	assert.InDelta(t, 4, view["2"].Remaining, 1e-9, "paused timers do not count down")

	view = m.view(now.Add(time.Minute))
	assert.Equal(t, 0.0, view["1"].Remaining)
}

func TestMirrorPatchInsertsAndDetectsFinish(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	m := make(mirror)
	m.replace(timers.SnapshotMessage{"1": {Duration: 5, Remaining: 5, Running: true}}, now)

	upd := timers.NewUpdateMessage(1, timers.TimerState{Duration: 5, Finished: true})
	assert.True(t, m.patch(&upd, now))
	assert.False(t, m.patch(&upd, now), "a finished timer is reported once")

	fresh := timers.NewUpdateMessage(9, timers.TimerState{Duration: 3, Remaining: 3, Running: true})
	assert.False(t, m.patch(&fresh, now))
	assert.Contains(t, m, "9")
}

func TestMirrorReplaceReportsNewlyFinished(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	m := make(mirror)

	finished := m.replace(timers.SnapshotMessage{
		"1": {Duration: 5, Remaining: 5, Running: true},
		"2": {Duration: 5, Finished: true},
	}, now)
	assert.Empty(t, finished, "timers seen for the first time are not reported")

	finished = m.replace(timers.SnapshotMessage{
		"1": {Duration: 5, Finished: true},
		"2": {Duration: 5, Finished: true},
	}, now)
	assert.Equal(t, []string{"1"}, finished)
	assert.Len(t, m, 2)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "unconnected", Unconnected.String())
	assert.Equal(t, "remote_live", RemoteLive.String())
	assert.Equal(t, "local_authoritative", LocalAuthoritative.String())
}
