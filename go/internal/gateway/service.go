package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers/store"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Service is the authoritative timer server: control plane, subscriber
// stream, event fan-out and the expiry loop around one manager.
type Service struct {
	manager           *timers.Manager
	store             store.Store
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	controlHandler    *ControlHandler
	dispatcher        *timers.Dispatcher
	expirer           *timers.Expirer
	auth              *TokenAuth

	wg sync.WaitGroup
}

// Config holds configuration for the timer service
type Config struct {
	ConnectionConfig ConnectionConfig
	TickInterval     time.Duration
	ClockMode        timers.ClockMode
	AuthTokens       []string
}

// DefaultConfig returns default configuration for the timer service
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		TickInterval:     time.Second,
		ClockMode:        timers.ClockWall,
	}
}

// NewService wires a service around manager. st may be nil to run without
// persistence. clock drives the expiry loop; nil means the real clock.
func NewService(config Config, manager *timers.Manager, st store.Store, clock clockwork.Clock) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig, manager)
	dispatcher := timers.NewDispatcher(manager.Events())
	expirer := timers.NewExpirer(manager, clock, config.TickInterval, config.ClockMode)

	s := &Service{
		manager:           manager,
		store:             st,
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		controlHandler:    NewControlHandler(manager, st, connectionManager),
		dispatcher:        dispatcher,
		expirer:           expirer,
		auth:              NewTokenAuth(config.AuthTokens...),
	}

	dispatcher.OnTouched(func(ctx context.Context, ev timers.Event) error {
		connectionManager.BroadcastUpdate(ev.TimerID)
		return nil
	})
	dispatcher.OnFinished(func(ctx context.Context, ev timers.Event) error {
		log.Info().Int64("timer_id", ev.TimerID).Msg("timer finished")
		connectionManager.BroadcastUpdate(ev.TimerID)
		return nil
	})
	expirer.OnCycle(func(ctx context.Context) {
		if st != nil {
			store.Persist(ctx, st, manager)
		}
	})

	return s
}

// Dispatcher exposes the event fan-out so other components can subscribe
func (s *Service) Dispatcher() *timers.Dispatcher {
	return s.dispatcher
}

// Auth exposes the token registry
func (s *Service) Auth() *TokenAuth {
	return s.auth
}

// Start runs the background loops and blocks until ctx is cancelled and
// every loop has returned.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting timer service")

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.connectionManager.Start(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.expirer.Run(ctx)
	}()

	<-ctx.Done()
	s.wg.Wait()

	log.Info().Msg("timer service stopped")
	return nil
}

// Handler returns the HTTP surface of the service behind the auth check
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.controlHandler.RegisterRoutes(mux)
	s.wsHandler.RegisterRoutes(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	return s.auth.Middleware(mux)
}

// Stats returns statistics about the subscriber stream
func (s *Service) Stats() ConnectionStats {
	return s.connectionManager.Stats()
}
