package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/config"
	"github.com/ZhouAndrew/MyTimer/go/internal/gateway"
	"github.com/ZhouAndrew/MyTimer/go/internal/relay"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers/store"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		config.SetupLogging("info")
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	config.SetupLogging(cfg.LogLevel)

	clockMode, _ := timers.ParseClockMode(cfg.Server.ClockMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, store.Config{
		Kind:        store.Kind(cfg.Server.Store),
		Path:        cfg.Server.StateFile,
		DatabaseURL: cfg.Server.PostgresURL(),
	})
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Server.Store).Msg("failed to open snapshot store")
	}
	defer st.Close()

	// Simulated deployments freeze the manager clock; time only moves by Tick.
	var managerClock timers.Clock = clockwork.NewRealClock()
	if clockMode == timers.ClockSimulated {
		managerClock = clockwork.NewFakeClockAt(time.Now())
	}
	manager := timers.NewManager(managerClock)
	store.Restore(ctx, st, manager)

	serviceConfig := gateway.DefaultConfig()
	serviceConfig.TickInterval = cfg.Server.AutoTickInterval
	serviceConfig.ClockMode = clockMode
	serviceConfig.AuthTokens = cfg.Server.AuthTokens
	service := gateway.NewService(serviceConfig, manager, st, nil)

	if cfg.Server.NatsURL != "" {
		jsConfig := relay.DefaultJetStreamConfig()
		jsConfig.URL = cfg.Server.NatsURL
		publisher, err := relay.NewJetStreamPublisher(ctx, jsConfig)
		if err != nil {
			log.Error().Err(err).Str("nats_url", cfg.Server.NatsURL).Msg("event relay disabled")
		} else {
			publisher.Attach(service.Dispatcher())
			relayDone := make(chan struct{})
			go func() {
				defer close(relayDone)
				publisher.Run(ctx)
			}()
			defer func() {
				<-relayDone
				publisher.Close()
			}()
		}
	}

	log.Info().
		Str("store", cfg.Server.Store).
		Str("clock_mode", string(clockMode)).
		Dur("tick_interval", cfg.Server.AutoTickInterval).
		Bool("auth", len(cfg.Server.AuthTokens) > 0).
		Msg("starting timer server")

	server := gateway.NewHTTPServer(cfg.Server.Addr(), service.Handler())

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("timer service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	<-serviceDone

	if err := store.Persist(shutdownCtx, st, manager); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	}

	log.Info().Msg("timer server shutdown complete")
}
