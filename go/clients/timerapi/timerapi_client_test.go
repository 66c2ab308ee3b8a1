package timerapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/gateway"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, tokens ...string) (*httptest.Server, *timers.Manager) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
	m := timers.NewManager(clock)

	cfg := gateway.DefaultConfig()
	cfg.TickInterval = 0
	cfg.AuthTokens = tokens
	svc := gateway.NewService(cfg, m, nil, nil)

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return srv, m
}

func TestClientControlRoundTrip(t *testing.T) {
	srv, m := newTestServer(t)
	c := NewTimerApiClient(srv.URL, "")
	ctx := context.Background()

	id, err := c.Create(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Contains(t, list, "1")
	assert.True(t, list["1"].Running)

	require.NoError(t, c.Pause(ctx, id))
	st, err := m.Get(id)
	require.NoError(t, err)
	assert.False(t, st.Running)

	require.NoError(t, c.Resume(ctx, id))
	require.NoError(t, c.Tick(ctx, 10))
	st, _ = m.Get(id)
	assert.InDelta(t, 20, st.Remaining, 1e-9)

	require.NoError(t, c.PauseAll(ctx))
	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, timers.Status{TimerCount: 1, RunningCount: 0}, status)

	require.NoError(t, c.ResumeAll(ctx))
	require.NoError(t, c.ResetAll(ctx))
	st, _ = m.Get(id)
	assert.InDelta(t, 30, st.Remaining, 1e-9)

	require.NoError(t, c.Remove(ctx, id))
	require.NoError(t, c.RemoveAll(ctx))
	list, err = c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestClientMapsErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	c := NewTimerApiClient(srv.URL, "")
	ctx := context.Background()

	_, err := c.Create(ctx, 0)
	assert.ErrorIs(t, err, timers.ErrValidation)

	err = c.Tick(ctx, -1)
	assert.ErrorIs(t, err, timers.ErrValidation)

	err = c.Pause(ctx, 99)
	assert.ErrorIs(t, err, timers.ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestClientUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewTimerApiClient(url, "")
	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClientServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewTimerApiClient(srv.URL, "")
	err := c.PauseAll(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClientSendsToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	ctx := context.Background()

	_, err := NewTimerApiClient(srv.URL, "").List(ctx)
	require.Error(t, err)

	list, err := NewTimerApiClient(srv.URL, "secret").List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWSURL(t *testing.T) {
	u, err := NewTimerApiClient("http://localhost:8000/", "").WSURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws", u)

	u, err = NewTimerApiClient("https://timers.example.com/api", "").WSURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://timers.example.com/api/ws", u)
}
