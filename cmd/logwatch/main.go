package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logwatch/internal/agent"
	"github.com/SteelMorgan/logwatch/internal/config"
	"github.com/SteelMorgan/logwatch/internal/metrics"
	"github.com/SteelMorgan/logwatch/internal/observability"
	"github.com/SteelMorgan/logwatch/internal/sink"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	observability.InitLogger(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("version", version).
		Int("sources", len(cfg.Sources)).
		Msg("Starting logwatch")

	// Initialize tracer (no-op when disabled)
	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Protocol:       cfg.OTLPProtocol,
		SampleRatio:    cfg.SampleRatio,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdownTracer(context.Background())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, cfg, sink.NewLogSink(zerolog.WarnLevel))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create agent")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close offset store")
		}
	}()

	// Start metrics server
	if cfg.MetricsAddr != "" {
		reg, err := metrics.NewRegistry(a)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create metrics registry")
		}
		srv, err := metrics.Start(cfg.MetricsAddr, reg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to stop metrics server")
			}
		}()
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	finished := make(chan struct{})
	if cfg.RunDuration > 0 {
		err = a.StartFor(ctx, cfg.RunDuration, func() { close(finished) })
	} else {
		err = a.Start(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to start agent")
		return
	}

	// Wait for shutdown signal or the end of a bounded run
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-finished:
		log.Info().Dur("run_duration", cfg.RunDuration).Msg("Run duration elapsed")
	}

	log.Info().Msg("Shutting down gracefully...")
	a.Stop()

	for symbol, st := range a.Stats() {
		log.Info().
			Str("symbol", symbol).
			Str("path", st.Path).
			Uint64("polls", st.Polls).
			Uint64("matches", st.Matches).
			Uint64("errors", st.Errors).
			Int64("offset", st.OffsetBytes).
			Msg("Source summary")
	}

	log.Info().
		Uint64("restarts", a.Restarts()).
		Msg("logwatch stopped")
}
