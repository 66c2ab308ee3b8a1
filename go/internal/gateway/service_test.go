package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers/store"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv     *httptest.Server
	svc     *Service
	manager *timers.Manager
	clock   *clockwork.FakeClock
}

func newTestEnv(t *testing.T, cfg Config, st store.Store) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	m := timers.NewManager(clock)
	svc := NewService(cfg, m, st, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testEnv{srv: srv, svc: svc, manager: m, clock: clock}
}

func defaultTestConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 0
	return cfg
}

func (e *testEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until match accepts one or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(timers.SnapshotMessage, *timers.UpdateMessage) bool) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		snap, upd, err := timers.ParseMessage(data)
		require.NoError(t, err)
		if match(snap, upd) {
			return
		}
	}
}

func TestControlStatusCodes(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), nil)
	env.manager.Create(30)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"create", http.MethodPost, "/timers?duration=5", http.StatusOK},
		{"create zero duration", http.MethodPost, "/timers?duration=0", http.StatusBadRequest},
		{"create negative duration", http.MethodPost, "/timers?duration=-3", http.StatusBadRequest},
		{"create missing duration", http.MethodPost, "/timers", http.StatusBadRequest},
		{"create garbage duration", http.MethodPost, "/timers?duration=abc", http.StatusBadRequest},
		{"list", http.MethodGet, "/timers", http.StatusOK},
		{"pause", http.MethodPost, "/timers/1/pause", http.StatusOK},
		{"pause unknown", http.MethodPost, "/timers/99/pause", http.StatusNotFound},
		{"resume unknown", http.MethodPost, "/timers/99/resume", http.StatusNotFound},
		{"remove unknown", http.MethodDelete, "/timers/99", http.StatusNotFound},
		{"bad id", http.MethodPost, "/timers/abc/pause", http.StatusBadRequest},
		{"tick", http.MethodPost, "/tick?seconds=1", http.StatusOK},
		{"negative tick", http.MethodPost, "/tick?seconds=-1", http.StatusBadRequest},
		{"pause all", http.MethodPost, "/timers/pause_all", http.StatusOK},
		{"resume all", http.MethodPost, "/timers/resume_all", http.StatusOK},
		{"reset all", http.MethodPost, "/timers/reset_all", http.StatusOK},
		{"status", http.MethodGet, "/status", http.StatusOK},
		{"health", http.MethodGet, "/health", http.StatusOK},
		{"remove", http.MethodDelete, "/timers/1", http.StatusOK},
		{"remove all", http.MethodDelete, "/timers", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCreateAndList(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), nil)

	resp := env.do(t, http.MethodPost, "/timers?duration=12.5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created CreateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, int64(1), created.TimerID)

	env.clock.Advance(2500 * time.Millisecond)

	resp = env.do(t, http.MethodGet, "/timers")
	var list map[string]timers.TimerState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Contains(t, list, "1")
	assert.InDelta(t, 10, list["1"].Remaining, 1e-9, "listed remaining is computed at send time")
	assert.True(t, list["1"].Running)

	resp = env.do(t, http.MethodGet, "/status")
	var status timers.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, timers.Status{TimerCount: 1, RunningCount: 1}, status)
}

func TestSubscriberGetsSnapshotOnConnect(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), nil)
	env.manager.Create(30)

	conn := env.dial(t)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	snap, upd, err := timers.ParseMessage(data)
	require.NoError(t, err)
	assert.Nil(t, upd)
	require.Contains(t, snap, "1")
	assert.InDelta(t, 30, snap["1"].Duration, 1e-9)
}

// Two subscribers both observe a create and the updates of a later tick.
func TestTwoSubscribersSeeMutations(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), nil)

	a := env.dial(t)
	b := env.dial(t)
	require.Eventually(t, func() bool {
		return env.svc.Stats().TotalConnections == 2
	}, 2*time.Second, 10*time.Millisecond)

	resp := env.do(t, http.MethodPost, "/timers?duration=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, conn := range []*websocket.Conn{a, b} {
		readUntil(t, conn, func(snap timers.SnapshotMessage, _ *timers.UpdateMessage) bool {
			_, ok := snap["1"]
			return ok
		})
	}

	resp = env.do(t, http.MethodPost, "/tick?seconds=3")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, conn := range []*websocket.Conn{a, b} {
		readUntil(t, conn, func(_ timers.SnapshotMessage, upd *timers.UpdateMessage) bool {
			return upd != nil && upd.TimerID == "1" && upd.Remaining < 7.0001
		})
	}
}

func TestDeadSubscriberIsDropped(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), nil)

	alive := env.dial(t)
	dead := env.dial(t)
	require.Eventually(t, func() bool {
		return env.svc.Stats().TotalConnections == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dead.Close())

	resp := env.do(t, http.MethodPost, "/timers?duration=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	readUntil(t, alive, func(snap timers.SnapshotMessage, _ *timers.UpdateMessage) bool {
		_, ok := snap["1"]
		return ok
	})
	require.Eventually(t, func() bool {
		return env.svc.Stats().TotalConnections == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMutationsArePersisted(t *testing.T) {
	st := store.NewFileStore(t.TempDir() + "/state.json")
	env := newTestEnv(t, defaultTestConfig(), st)

	resp := env.do(t, http.MethodPost, "/timers?duration=15")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/timers/1/pause")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, snap.Timers, int64(1))
	assert.False(t, snap.Timers[1].Running)
	require.NotNil(t, snap.NextID)
	assert.Equal(t, int64(2), *snap.NextID)
}

func TestTokenAuth(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.AuthTokens = []string{"device-token"}
	env := newTestEnv(t, cfg, nil)

	resp := env.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/timers")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/timers", nil)
	require.NoError(t, err)
	req.Header.Set(AuthHeader, "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set(AuthHeader, "device-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/status?token=device-token")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenRegistry(t *testing.T) {
	auth := NewTokenAuth()
	assert.False(t, auth.enabled())

	token, device := auth.RegisterDevice("")
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, device)

	got, ok := auth.Validate(token)
	assert.True(t, ok)
	assert.Equal(t, device, got)

	auth.RemoveToken(token)
	_, ok = auth.Validate(token)
	assert.False(t, ok)
}

func TestExpiryBroadcastsUpdates(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.TickInterval = time.Second
	env := newTestEnv(t, cfg, nil)
	env.manager.Create(2)

	conn := env.dial(t)
	readUntil(t, conn, func(snap timers.SnapshotMessage, _ *timers.UpdateMessage) bool {
		_, ok := snap["1"]
		return ok
	})

	require.NoError(t, env.clock.BlockUntilContext(context.Background(), 1))
	env.clock.Advance(3 * time.Second)

	readUntil(t, conn, func(_ timers.SnapshotMessage, upd *timers.UpdateMessage) bool {
		return upd != nil && upd.TimerID == "1" && upd.Finished
	})
}
