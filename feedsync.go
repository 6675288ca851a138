package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/statline/feedsync/admin"
	"github.com/statline/feedsync/backend"
	"github.com/statline/feedsync/cfg"
	"github.com/statline/feedsync/identity"
	"github.com/statline/feedsync/journal"
	"github.com/statline/feedsync/session"
	"github.com/statline/feedsync/stream"
	"github.com/statline/feedsync/telemetry"

	_ "github.com/statline/feedsync/stream/source"
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
		Uint64("client_id", cfg.Config.ClientID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Feedsync - Change Stream Feed Synchronizer")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Applied-cursor journal
	cursors, err := openJournal()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cursor journal")
		return
	}
	defer cursors.Close()

	// Authoritative backend for baseline queries and bulk writes
	log.Info().Str("dialect", cfg.Config.Backend.Dialect).Msg("Connecting to backend")
	store, err := backend.Open(cfg.Config.Backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open backend")
		return
	}
	defer store.Close()

	// Change stream source
	log.Info().Str("source", string(cfg.Config.Stream.Source)).Msg("Opening change stream source")
	source, err := stream.NewSource(cfg.Config.Stream)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open change stream source")
		return
	}
	defer source.Close()

	// Identity hub and session registry
	hub := identity.NewHub()
	registry, err := session.NewRegistry(session.RegistryConfig{
		Feeds:    cfg.Config.Feeds,
		Session:  cfg.Config.Session,
		Source:   source,
		Fetcher:  store,
		Mutator:  store,
		Cursors:  cursors,
		Identity: hub,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session registry")
		return
	}

	registry.Start()
	defer registry.Stop()

	// Admin HTTP surface
	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		adminServer = admin.NewServer(cfg.Config.Admin, admin.NewHandlers(registry, hub))
		adminServer.Start()
	}

	log.Info().
		Int("feeds", len(cfg.Config.Feeds)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Feedsync is operational")

	// Block until shutdown signal
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info().Msg("Shutting down")
	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := adminServer.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}
}

func openJournal() (journal.Store, error) {
	if !cfg.Config.Journal.Enabled {
		log.Info().Msg("Cursor journal disabled - dedup state will not survive restarts")
		return journal.NewMemoryStore(), nil
	}

	path := cfg.Config.Journal.Path
	if path == "" {
		path = filepath.Join(cfg.Config.DataDir, "journal")
	}

	log.Info().Str("path", path).Msg("Opening cursor journal")
	return journal.Open(path)
}
