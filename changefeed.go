package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/civicworks/changefeed/admin"
	"github.com/civicworks/changefeed/cfg"
	"github.com/civicworks/changefeed/feed"
	"github.com/civicworks/changefeed/lifecycle"
	"github.com/civicworks/changefeed/publisher"
	_ "github.com/civicworks/changefeed/publisher/sink"
	_ "github.com/civicworks/changefeed/publisher/transformer"
	"github.com/civicworks/changefeed/querycache"
	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/telemetry"
	"github.com/civicworks/changefeed/transport"
	_ "github.com/civicworks/changefeed/transport/kafka"
	_ "github.com/civicworks/changefeed/transport/natsbus"
	_ "github.com/civicworks/changefeed/transport/pgnotify"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const adminShutdownTimeout = 5 * time.Second

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
		Str("client_id", cfg.Config.ClientID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("changefeed - realtime change notification multiplexer")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Transport and registry
	log.Info().Str("kind", string(cfg.Config.Transport.Kind)).Msg("Initializing transport")
	tr, err := transport.New(cfg.Config.Transport)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize transport")
		return
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close transport")
		}
	}()

	registry, err := realtime.NewRegistry(tr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize registry")
		return
	}
	hook := lifecycle.RegisterShutdownHook(registry)

	cache := querycache.New(cfg.Config.Cache.Size, time.Duration(cfg.Config.Cache.TTLSeconds)*time.Second)

	// Watch feeds
	var watches lifecycle.Group
	defer watches.UnmountAll()
	if err := mountWatches(&watches, registry, cache, cfg.Config.Watches); err != nil {
		log.Fatal().Err(err).Msg("Failed to mount watches")
		return
	}

	// Relay sinks
	relay, err := publisher.NewRegistry(publisher.RegistryConfig{
		Mux:         registry,
		SinkConfigs: cfg.Config.Sinks,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize relay")
		return
	}
	if err := relay.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start relay")
		return
	}
	defer relay.Stop()

	if cfg.Config.Prometheus.Enabled {
		interval := time.Duration(cfg.Config.Prometheus.CollectIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 15 * time.Second
		}
		collector := telemetry.NewMetricsCollector(registry, cache, interval)
		collector.Start()
		defer collector.Stop()
	}

	// Admin HTTP server
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewAdminHandlers(string(cfg.Config.Transport.Kind), registry, relay, cache)
		handlers.OnCleanup(watches.Remount)
		handlers.OnCleanup(relay.Resubscribe)
		server := startAdminServer(handlers)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Int("watches", watches.Len()).
		Int("sinks", len(cfg.Config.Sinks)).
		Int("channels", registry.SubscriptionCount()).
		Msg("changefeed started successfully")

	// Keep running until SIGINT/SIGTERM releases every channel
	<-hook.Done()
	log.Info().Msg("Shutting down")
}

// mountWatches mounts one feed per configured watch. Every event is logged
// and invalidates the watch's cache keys.
func mountWatches(group *lifecycle.Group, mux realtime.Multiplexer, cache *querycache.Cache, watches []cfg.WatchConfiguration) error {
	for i, w := range watches {
		event, err := realtime.ParseEventType(w.Event)
		if err != nil {
			return fmt.Errorf("watch[%d]: %w", i, err)
		}

		opts := feed.Options{
			Schema:      w.Schema,
			Event:       event,
			Filter:      w.Filter,
			OnInsert:    logChange,
			OnUpdate:    logChange,
			OnDelete:    logChange,
			Invalidates: w.Invalidates,
		}
		component := lifecycle.NewFeedComponent(mux, cache, w.Table, opts)
		if err := group.Mount("watch:"+w.Table, component); err != nil {
			return err
		}
		if st := component.State(); st.Err != nil {
			log.Warn().Err(st.Err).Str("table", w.Table).Msg("Watch mounted without a live subscription")
		}
	}
	return nil
}

// logChange is the handler of every configured watch
func logChange(ev *realtime.ChangeEvent) {
	log.Info().
		Str("schema", ev.Schema).
		Str("table", ev.Table).
		Str("type", string(ev.Type)).
		Interface("row", ev.Row()).
		Msg("Change")
}

func startAdminServer(handlers *admin.AdminHandlers) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, handlers, cfg.Config.Admin.Secret)
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	addr := net.JoinHostPort(cfg.Config.Admin.BindAddress, strconv.Itoa(cfg.Config.Admin.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return server
}
