// Package replica keeps a client-side copy of the server's timers. It follows
// the server over a push stream or by polling and, once the server is
// unreachable, takes over as the sole authority for a private registry.
package replica

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/clients/timerapi"
	"github.com/ZhouAndrew/MyTimer/go/internal/config"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers/store"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by control calls made before Connect
var ErrNotConnected = errors.New("replica not connected")

// Config holds the replica settings
type Config struct {
	ServerURL string
	Token     string
	Transport config.Transport

	// LocalStatePath backs the private registry when Store is nil
	LocalStatePath string
	Store          store.Store

	PollInterval         time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	// LocalTickInterval drives finish detection in local mode
	LocalTickInterval time.Duration

	Clock clockwork.Clock
}

// DefaultConfig returns the replica defaults for serverURL
func DefaultConfig(serverURL string) Config {
	return Config{
		ServerURL:            serverURL,
		Transport:            config.TransportWebSocket,
		LocalStatePath:       "mytimer_local_state.json",
		PollInterval:         2 * time.Second,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 3,
		LocalTickInterval:    time.Second,
	}
}

// ConfigFrom maps loaded client settings onto a replica config
func ConfigFrom(c config.ClientConfig) Config {
	cfg := DefaultConfig(c.ServerURL)
	cfg.Token = c.Token
	cfg.Transport = c.Transport
	cfg.LocalStatePath = c.LocalState
	cfg.PollInterval = c.PollInterval
	cfg.ReconnectInterval = c.ReconnectInterval
	cfg.MaxReconnectAttempts = c.MaxReconnects
	return cfg
}

// ModeHook observes mode transitions
type ModeHook func(old, new Mode)

// FinishHook observes timers that became finished
type FinishHook func(id string, st timers.TimerState)

// Service is the client replica
type Service struct {
	cfg    Config
	client *timerapi.TimerApiClient
	clock  clockwork.Clock
	dialer *websocket.Dialer

	mu       sync.RWMutex
	mode     Mode
	mirror   mirror
	conn     *websocket.Conn
	local    *timers.Manager
	store    store.Store
	closed   bool
	modeHook []ModeHook
	doneHook []FinishHook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an unconnected replica
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Transport == "" {
		cfg.Transport = config.TransportWebSocket
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	defaults := DefaultConfig(cfg.ServerURL)
	if cfg.PollInterval <= 0 {
		log.Warn().Dur("poll_interval", cfg.PollInterval).Dur("default", defaults.PollInterval).
			Msg("non-positive poll interval, using default")
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ReconnectInterval < 0 {
		cfg.ReconnectInterval = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		client: timerapi.NewTimerApiClient(cfg.ServerURL, cfg.Token),
		clock:  cfg.Clock,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
		mirror: make(mirror),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnModeChange registers a hook called after every transition
func (s *Service) OnModeChange(h ModeHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modeHook = append(s.modeHook, h)
}

// OnFinished registers a hook called when a mirrored timer finishes
func (s *Service) OnFinished(h FinishHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneHook = append(s.doneHook, h)
}

// Mode reports the current replication state
func (s *Service) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Connect attaches to the server. It never fails because of the server: an
// unreachable or failing server puts the replica in LocalAuthoritative mode.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.RLock()
	mode, closed := s.mode, s.closed
	s.mu.RUnlock()
	if closed {
		return errors.New("replica closed")
	}
	if mode != Unconnected {
		return nil
	}

	if s.cfg.Transport == config.TransportPoll {
		if err := s.refresh(ctx); err != nil {
			s.failover(err)
			return nil
		}
		if !s.goLive(nil) {
			return nil
		}
		go s.pollLoop()
		return nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.failover(err)
		return nil
	}
	if err := s.refresh(ctx); err != nil {
		conn.Close()
		s.failover(err)
		return nil
	}
	if !s.goLive(conn) {
		conn.Close()
		return nil
	}
	go s.pushLoop(conn)
	return nil
}

// goLive records the RemoteLive transition and accounts for the loop the
// caller is about to start. It reports false when the replica was closed
// meanwhile.
func (s *Service) goLive(conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.closed || s.mode != Unconnected {
		s.mu.Unlock()
		return false
	}
	s.mode = RemoteLive
	s.conn = conn
	s.wg.Add(1)
	hooks := append([]ModeHook(nil), s.modeHook...)
	s.mu.Unlock()

	log.Info().
		Str("server", s.cfg.ServerURL).
		Str("transport", string(s.cfg.Transport)).
		Msg("replica connected")
	for _, h := range hooks {
		h(Unconnected, RemoteLive)
	}
	return true
}

func (s *Service) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := s.client.WSURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := s.dialer.DialContext(ctx, u, s.client.Headers())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, nil
}

// refresh replaces the mirror with a full fetch
func (s *Service) refresh(ctx context.Context) error {
	list, err := s.client.List(ctx)
	if err != nil {
		return err
	}
	s.applySnapshot(list)
	return nil
}

func (s *Service) applySnapshot(snap timers.SnapshotMessage) {
	s.mu.Lock()
	finished := s.mirror.replace(snap, s.clock.Now())
	hooks := append([]FinishHook(nil), s.doneHook...)
	s.mu.Unlock()

	for _, id := range finished {
		notifyFinished(hooks, id, snap[id])
	}
}

func (s *Service) applyUpdate(upd *timers.UpdateMessage) {
	s.mu.Lock()
	finished := s.mirror.patch(upd, s.clock.Now())
	hooks := append([]FinishHook(nil), s.doneHook...)
	s.mu.Unlock()

	if finished {
		notifyFinished(hooks, upd.TimerID, upd.TimerState)
	}
}

func notifyFinished(hooks []FinishHook, id string, st timers.TimerState) {
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("timer_id", id).Msg("finish hook panicked")
				}
			}()
			h(id, st)
		}()
	}
}

// pushLoop applies stream messages and reconnects on failure
func (s *Service) pushLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		err := s.readStream(conn)
		conn.Close()
		if s.ctx.Err() != nil || s.Mode() != RemoteLive {
			return
		}
		log.Warn().Err(err).Msg("push stream lost")

		conn = s.reconnect()
		if conn == nil {
			return
		}
	}
}

func (s *Service) readStream(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		snap, upd, err := timers.ParseMessage(data)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring malformed stream message")
			continue
		}
		if upd != nil {
			s.applyUpdate(upd)
		} else {
			s.applySnapshot(snap)
		}
	}
}

// reconnect redials and refetches up to MaxReconnectAttempts times, waiting
// ReconnectInterval before each attempt. When every attempt fails the replica
// fails over and nil is returned.
func (s *Service) reconnect() *websocket.Conn {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.ReconnectInterval):
		}

		conn, err := s.dial(s.ctx)
		if err == nil {
			if err = s.refresh(s.ctx); err == nil {
				if s.swapConn(conn) {
					log.Info().Int("attempt", attempt).Msg("push stream reconnected")
					return conn
				}
				conn.Close()
				return nil
			}
			conn.Close()
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	if lastErr == nil {
		lastErr = errors.New("no reconnect attempts allowed")
	}
	s.failover(fmt.Errorf("reconnect exhausted: %w", lastErr))
	return nil
}

func (s *Service) swapConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.mode != RemoteLive {
		return false
	}
	s.conn = conn
	return true
}

// pollLoop refetches the registry every PollInterval
func (s *Service) pollLoop() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			if s.Mode() != RemoteLive {
				return
			}
			if err := s.refresh(s.ctx); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.failover(err)
				return
			}
		}
	}
}

// failover makes the replica the authority over its private registry. It is
// a no-op once closed or already local.
func (s *Service) failover(reason error) {
	s.mu.Lock()
	if s.closed || s.mode == LocalAuthoritative {
		s.mu.Unlock()
		return
	}

	old := s.mode
	st := s.cfg.Store
	if st == nil {
		st = store.NewFileStore(s.cfg.LocalStatePath)
	}
	m := timers.NewManager(s.clock)
	store.Restore(s.ctx, st, m)

	s.local = m
	s.store = st
	s.mode = LocalAuthoritative
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mirror.replace(timers.NewSnapshotMessage(m.List()), s.clock.Now())

	dispatcher := timers.NewDispatcher(m.Events())
	dispatcher.OnFinished(func(ctx context.Context, ev timers.Event) error {
		s.applyUpdate(&timers.UpdateMessage{
			Type:       timers.MessageTypeUpdate,
			TimerID:    strconv.FormatInt(ev.TimerID, 10),
			TimerState: ev.State,
		})
		return nil
	})
	expirer := timers.NewExpirer(m, s.clock, s.cfg.LocalTickInterval, timers.ClockWall)
	expirer.OnCycle(func(ctx context.Context) {
		store.Persist(ctx, st, m)
	})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		dispatcher.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		expirer.Run(s.ctx)
	}()

	hooks := append([]ModeHook(nil), s.modeHook...)
	s.mu.Unlock()

	log.Warn().
		Err(reason).
		Str("from", old.String()).
		Int("timers", len(m.List())).
		Msg("server unreachable, switching to local authority")
	for _, h := range hooks {
		h(old, LocalAuthoritative)
	}
}

// Timers returns the current view. Running timers count down from the moment
// their state was observed.
func (s *Service) Timers() map[string]timers.TimerState {
	if m := s.localManager(); m != nil {
		return timers.NewSnapshotMessage(m.List())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mirror.view(s.clock.Now())
}

// Timer returns one timer of the current view
func (s *Service) Timer(id string) (timers.TimerState, bool) {
	st, ok := s.Timers()[id]
	return st, ok
}

func (s *Service) localManager() *timers.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mode != LocalAuthoritative {
		return nil
	}
	return s.local
}

// Close stops every loop and, in local mode, saves the private registry.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()

	s.mu.RLock()
	m, st := s.local, s.store
	s.mu.RUnlock()
	if m != nil && st != nil {
		if err := store.Persist(context.Background(), st, m); err != nil {
			return fmt.Errorf("save local state: %w", err)
		}
	}
	log.Info().Msg("replica closed")
	return nil
}
