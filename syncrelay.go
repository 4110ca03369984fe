package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/content"
	"github.com/maxpert/syncrelay/lifecycle"
	_ "github.com/maxpert/syncrelay/lifecycle/sink"
	"github.com/maxpert/syncrelay/merge"
	"github.com/maxpert/syncrelay/origin"
	"github.com/maxpert/syncrelay/relay"
	"github.com/maxpert/syncrelay/server"
	"github.com/maxpert/syncrelay/session"
	"github.com/maxpert/syncrelay/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("syncrelay - presence-tracked document relay")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Content store for initial document text
	store, err := content.Open(cfg.Config.Content)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open content store")
		return
	}
	defer store.Close()

	policy, err := origin.NewPolicyFromConfig(cfg.Config.Origins)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid origin policy")
		return
	}

	// Lifecycle events are optional
	var emitter lifecycle.Emitter = lifecycle.NoopEmitter{}
	var publisher *lifecycle.Publisher
	if cfg.Config.Lifecycle.Enabled {
		publisher, err = lifecycle.NewPublisherFromConfig(cfg.Config.Lifecycle)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize lifecycle publisher")
			return
		}
		publisher.Start()
		emitter = publisher
	}

	registry := session.NewRegistry(session.ConfigFromGlobal(), merge.NewTextEngine(), store, emitter)
	registry.Start()

	var collector *telemetry.MetricsCollector
	if telemetry.Enabled() {
		collector = telemetry.NewMetricsCollector(registry, time.Duration(cfg.Config.Prometheus.CollectIntervalMS)*time.Millisecond)
		collector.Start()
	}

	srv := server.New(server.OptionsFromConfig(), registry, relay.New(registry), policy, store)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdown(srv, registry, collector, publisher)
	log.Info().Msg("Goodbye")
}

// shutdown tells connected clients to reconnect, waits the grace period so
// the notice reaches them, then drains the listener and background workers
func shutdown(srv *server.Server, registry *session.Registry, collector *telemetry.MetricsCollector, publisher *lifecycle.Publisher) {
	registry.BroadcastShutdown()

	grace := time.Duration(cfg.Config.Server.ShutdownGraceMS) * time.Millisecond
	if grace > 0 {
		time.Sleep(grace)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
	}

	registry.Stop()

	if collector != nil {
		collector.Stop()
	}
	if publisher != nil {
		publisher.Stop()
	}
}
