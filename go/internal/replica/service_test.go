package replica

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/config"
	"github.com/ZhouAndrew/MyTimer/go/internal/gateway"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers/store"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	srv     *httptest.Server
	manager *timers.Manager
	stop    func()

	mu      sync.Mutex
	handler http.Handler
	halt    func()
}

// startServer runs a gateway service on a frozen clock. stop ends the service
// (closing every subscriber stream) and then the listener; it is idempotent.
func startServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{manager: timers.NewManager(clockwork.NewFakeClockAt(epoch))}
	ts.serve()
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		h := ts.handler
		ts.mu.Unlock()
		h.ServeHTTP(w, r)
	}))

	var once sync.Once
	ts.stop = func() {
		once.Do(func() {
			ts.mu.Lock()
			halt := ts.halt
			ts.mu.Unlock()
			halt()
			ts.srv.Close()
		})
	}
	t.Cleanup(ts.stop)
	return ts
}

// serve starts a fresh gateway service over the shared manager
func (ts *testServer) serve() {
	cfg := gateway.DefaultConfig()
	cfg.TickInterval = 0
	svc := gateway.NewService(cfg, ts.manager, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	ts.mu.Lock()
	ts.handler = svc.Handler()
	ts.halt = func() {
		cancel()
		<-done
	}
	ts.mu.Unlock()
}

// restart drops every subscriber stream and keeps serving on the same address
func (ts *testServer) restart() {
	ts.mu.Lock()
	halt := ts.halt
	ts.mu.Unlock()
	halt()
	ts.serve()
}

func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	return url
}

func newReplica(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.LocalStatePath == "" && cfg.Store == nil {
		cfg.LocalStatePath = filepath.Join(t.TempDir(), "local_state.json")
	}
	r := New(cfg)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestConnectFailsOverToPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local_state.json")
	fs := store.NewFileStore(path)

	seed := timers.NewManager(clockwork.NewFakeClockAt(epoch))
	seed.Create(30)
	seed.Create(60)
	require.NoError(t, store.Persist(context.Background(), fs, seed))

	cfg := DefaultConfig(unreachableURL(t))
	cfg.LocalStatePath = path
	r := New(cfg)

	var transitions [][2]Mode
	r.OnModeChange(func(old, new Mode) {
		transitions = append(transitions, [2]Mode{old, new})
	})

	require.NoError(t, r.Connect(context.Background()))
	assert.Equal(t, LocalAuthoritative, r.Mode())
	assert.Equal(t, [][2]Mode{{Unconnected, LocalAuthoritative}}, transitions)

	view := r.Timers()
	assert.Len(t, view, 2)
	assert.Contains(t, view, "1")
	assert.Contains(t, view, "2")

	id, err := r.Create(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id, "ids continue from the stored counter")
	require.NoError(t, r.Pause(context.Background(), 1))
	assert.ErrorIs(t, r.Pause(context.Background(), 42), timers.ErrNotFound)

	require.NoError(t, r.Close())

	snap, err := fs.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Timers, 3)
	assert.False(t, snap.Timers[1].Running)
	assert.True(t, snap.Timers[3].Running)
}

func TestConnectWithCorruptLocalStateStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	cfg := DefaultConfig(unreachableURL(t))
	cfg.LocalStatePath = path
	r := newReplica(t, cfg)

	require.NoError(t, r.Connect(context.Background()))
	assert.Equal(t, LocalAuthoritative, r.Mode())
	assert.Empty(t, r.Timers())

	st, err := r.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, timers.Status{}, st)
}

func TestRemoteLiveFollowsPushes(t *testing.T) {
	server := startServer(t)
	server.manager.Create(20)

	r := newReplica(t, DefaultConfig(server.srv.URL))
	require.NoError(t, r.Connect(context.Background()))
	require.Equal(t, RemoteLive, r.Mode())

	st, ok := r.Timer("1")
	require.True(t, ok, "the initial fetch populates the mirror")
	assert.InDelta(t, 20, st.Duration, 1e-9)

	id, err := r.Create(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
	require.Eventually(t, func() bool {
		_, ok := r.Timer("2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	var finishedMu sync.Mutex
	var finished []string
	r.OnFinished(func(id string, st timers.TimerState) {
		finishedMu.Lock()
		defer finishedMu.Unlock()
		finished = append(finished, id)
	})

	require.NoError(t, server.manager.Tick(12))
	require.Eventually(t, func() bool {
		st, ok := r.Timer("2")
		return ok && st.Finished
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		finishedMu.Lock()
		defer finishedMu.Unlock()
		return len(finished) == 1 && finished[0] == "2"
	}, 2*time.Second, 10*time.Millisecond)

	st, ok = r.Timer("1")
	require.True(t, ok)
	assert.InDelta(t, 8, st.Remaining, 0.5)
	assert.Equal(t, RemoteLive, r.Mode())
}

func TestRemoteControlCallsReachServer(t *testing.T) {
	server := startServer(t)
	r := newReplica(t, DefaultConfig(server.srv.URL))
	require.NoError(t, r.Connect(context.Background()))
	ctx := context.Background()

	id, err := r.Create(ctx, 30)
	require.NoError(t, err)
	require.NoError(t, r.Pause(ctx, id))

	st, err := server.manager.Get(id)
	require.NoError(t, err)
	assert.False(t, st.Running)

	require.NoError(t, r.ResumeAll(ctx))
	require.NoError(t, r.Tick(ctx, 5))
	st, _ = server.manager.Get(id)
	assert.InDelta(t, 25, st.Remaining, 1e-9)

	status, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, timers.Status{TimerCount: 1, RunningCount: 1}, status)

	_, err = r.Create(ctx, -1)
	assert.ErrorIs(t, err, timers.ErrValidation)
	assert.ErrorIs(t, r.Remove(ctx, 77), timers.ErrNotFound)
	assert.ErrorIs(t, r.Tick(ctx, -2), timers.ErrValidation)

	require.NoError(t, r.RemoveAll(ctx))
	assert.Equal(t, 0, server.manager.Status().TimerCount)
	assert.Equal(t, RemoteLive, r.Mode())
}

func TestPollModeReplacesMirror(t *testing.T) {
	server := startServer(t)
	clock := clockwork.NewFakeClockAt(epoch)

	cfg := DefaultConfig(server.srv.URL)
	cfg.Transport = config.TransportPoll
	cfg.PollInterval = time.Second
	cfg.Clock = clock
	r := newReplica(t, cfg)

	require.NoError(t, r.Connect(context.Background()))
	require.Equal(t, RemoteLive, r.Mode())
	assert.Empty(t, r.Timers())

	server.manager.Create(40)

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		_, ok := r.Timer("1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoteCallFailureFailsOver(t *testing.T) {
	server := startServer(t)

	cfg := DefaultConfig(server.srv.URL)
	cfg.Transport = config.TransportPoll
	cfg.PollInterval = time.Hour
	r := newReplica(t, cfg)

	require.NoError(t, r.Connect(context.Background()))
	require.Equal(t, RemoteLive, r.Mode())

	server.stop()

	id, err := r.Create(context.Background(), 5)
	require.NoError(t, err, "the call is replayed against the private registry")
	assert.Equal(t, int64(1), id)
	assert.Equal(t, LocalAuthoritative, r.Mode())
	assert.Contains(t, r.Timers(), "1")
}

func TestPushReconnectExhaustionFailsOver(t *testing.T) {
	server := startServer(t)
	clock := clockwork.NewFakeClockAt(epoch)

	cfg := DefaultConfig(server.srv.URL)
	cfg.Clock = clock
	cfg.ReconnectInterval = time.Second
	cfg.MaxReconnectAttempts = 2
	r := newReplica(t, cfg)

	require.NoError(t, r.Connect(context.Background()))
	require.Equal(t, RemoteLive, r.Mode())

	server.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < cfg.MaxReconnectAttempts; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(cfg.ReconnectInterval)
	}

	require.Eventually(t, func() bool {
		return r.Mode() == LocalAuthoritative
	}, 2*time.Second, 10*time.Millisecond)
}

func TestControlBeforeConnect(t *testing.T) {
	r := newReplica(t, DefaultConfig(unreachableURL(t)))
	_, err := r.Create(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCloseIsIdempotent(t *testing.T) {
	r := newReplica(t, DefaultConfig(unreachableURL(t)))
	require.NoError(t, r.Connect(context.Background()))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestPushReconnectRefetchesAndStaysLive(t *testing.T) {
	server := startServer(t)
	server.manager.Create(30)
	clock := clockwork.NewFakeClockAt(epoch)

	cfg := DefaultConfig(server.srv.URL)
	cfg.Clock = clock
	cfg.ReconnectInterval = time.Second
	cfg.MaxReconnectAttempts = 2
	r := newReplica(t, cfg)

	var modesMu sync.Mutex
	var transitions [][2]Mode
	r.OnModeChange(func(old, new Mode) {
		modesMu.Lock()
		defer modesMu.Unlock()
		transitions = append(transitions, [2]Mode{old, new})
	})

	require.NoError(t, r.Connect(context.Background()))
	require.Equal(t, RemoteLive, r.Mode())

	server.restart()
	id := server.manager.Create(10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(cfg.ReconnectInterval)

	key := strconv.FormatInt(id, 10)
	require.Eventually(t, func() bool {
		_, ok := r.Timer(key)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "the timer created while the stream was down is fetched")
	assert.Equal(t, RemoteLive, r.Mode())

	require.NoError(t, server.manager.Tick(12))
	require.Eventually(t, func() bool {
		st, ok := r.Timer(key)
		return ok && st.Finished
	}, 2*time.Second, 10*time.Millisecond, "pushes flow over the new stream")

	assert.Equal(t, RemoteLive, r.Mode())
	modesMu.Lock()
	defer modesMu.Unlock()
	assert.Equal(t, [][2]Mode{{Unconnected, RemoteLive}}, transitions)
}

func TestPollModeWithoutIntervalUsesDefault(t *testing.T) {
	server := startServer(t)
	clock := clockwork.NewFakeClockAt(epoch)

	cfg := DefaultConfig(server.srv.URL)
	cfg.Transport = config.TransportPoll
	cfg.PollInterval = 0
	cfg.Clock = clock
	r := newReplica(t, cfg)

	require.NoError(t, r.Connect(context.Background()))
	require.Equal(t, RemoteLive, r.Mode())

	server.manager.Create(40)

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(DefaultConfig("").PollInterval)

	require.Eventually(t, func() bool {
		_, ok := r.Timer("1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
