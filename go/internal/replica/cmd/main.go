package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/config"
	"github.com/ZhouAndrew/MyTimer/go/internal/replica"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	every := flag.Duration("every", 5*time.Second, "how often to log the mirrored timers")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		config.SetupLogging("info")
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	config.SetupLogging(cfg.LogLevel)

	r := replica.New(replica.ConfigFrom(cfg.Client))
	r.OnModeChange(func(old, new replica.Mode) {
		log.Warn().Str("from", old.String()).Str("to", new.String()).Msg("replica mode changed")
	})
	r.OnFinished(func(id string, st timers.TimerState) {
		log.Info().Str("timer_id", id).Float64("duration", st.Duration).Msg("timer finished")
	})

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.Connect(connectCtx); err != nil {
		connectCancel()
		log.Fatal().Err(err).Msg("failed to start replica")
	}
	connectCancel()

	log.Info().
		Str("server", cfg.Client.ServerURL).
		Str("mode", r.Mode().String()).
		Msg("replica running")

	ticker := time.NewTicker(*every)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			if err := r.Close(); err != nil {
				log.Error().Err(err).Msg("replica shutdown failed")
				os.Exit(1)
			}
			return
		case <-ticker.C:
			logView(r)
		}
	}
}

func logView(r *replica.Service) {
	view := r.Timers()
	ids := make([]int64, 0, len(view))
	for id := range view {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		st := view[strconv.FormatInt(id, 10)]
		log.Info().
			Int64("timer_id", id).
			Float64("remaining", st.Remaining).
			Bool("running", st.Running).
			Bool("finished", st.Finished).
			Str("mode", r.Mode().String()).
			Msg("timer")
	}
}
