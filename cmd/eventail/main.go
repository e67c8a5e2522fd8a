// Package main implements the eventail binary: it tails one entity type's
// change log and forwards every accepted record to a downstream consumer,
// logging feed statistics on a fixed cadence.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/eventail/eventail/internal/config"
	"github.com/eventail/eventail/internal/feed"
	"github.com/eventail/eventail/internal/source"
	"github.com/eventail/eventail/internal/source/postgres"
	"github.com/eventail/eventail/internal/source/sqlite"
	"github.com/eventail/eventail/internal/tracker"
	"github.com/eventail/eventail/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		backend     string
		entityType  string
		consumerID  string
		numRanges   int
		statsEvery  time.Duration
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for SQLite database files")
	flag.StringVar(&backend, "backend", "", "Change-log backend: sqlite, postgres")
	flag.StringVar(&entityType, "entity-type", "", "Entity type to consume")
	flag.StringVar(&consumerID, "consumer-id", "", "Consumer identity for offset storage")
	flag.IntVar(&numRanges, "num-ranges", 0, "Number of parallel slice-range tracks")
	flag.DurationVar(&statsEvery, "stats-interval", time.Minute, "Feed statistics logging cadence")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "eventail - change-feed engine with consumer offset tracking\n\n")
		fmt.Fprintf(os.Stderr, "Usage: eventail [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  eventail --entity-type Order --consumer-id billing --data-dir /data/eventail\n")
		fmt.Fprintf(os.Stderr, "  eventail --config /etc/eventail/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  EVENTAIL_BACKEND               Change-log backend (sqlite, postgres)\n")
		fmt.Fprintf(os.Stderr, "  EVENTAIL_DATA_DIR              Base directory for database files\n")
		fmt.Fprintf(os.Stderr, "  EVENTAIL_FEED_*                Feed settings (entity type, ranges, intervals)\n")
		fmt.Fprintf(os.Stderr, "  EVENTAIL_POSTGRES_CONN_STRING  Postgres connection string\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("eventail version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, backend, entityType, consumerID, numRanges)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	src, offsets, closeAll, err := openStores(cfg)
	if err != nil {
		log.Fatalf("Failed to open stores: %v", err)
	}
	defer closeAll()

	engine, err := feed.NewEngine(feedConfig(cfg), src, offsets, logRecord)
	if err != nil {
		log.Fatalf("Failed to create feed engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start feed engine: %v", err)
	}

	statsTicker := time.NewTicker(statsEvery)
	defer statsTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for {
		select {
		case sig := <-sigCh:
			log.Printf("Received signal: %v", sig)
			if err := engine.Stop(); err != nil {
				log.Printf("Shutdown error: %v", err)
				os.Exit(1)
			}
			return
		case <-statsTicker.C:
			snap := engine.Stats().GetSnapshot()
			log.Printf("feed: read=%d accepted=%d rejected=%d backtracked=%d saved=%d lag=%s",
				snap.RowsRead, snap.Accepted, snap.Rejected, snap.Backtracked,
				snap.OffsetsSaved, engine.Stats().Lag())
		}
	}
}

// logRecord is the default downstream consumer: it logs each accepted
// record. Embedders replace this with their own feed.Handler.
func logRecord(_ context.Context, rec types.ChangeRecord) error {
	log.Printf("record: entity=%s seq=%d commit=%s manifest=%s bytes=%d backtracked=%v",
		rec.EntityID, rec.SeqNr, rec.CommitTime.UTC().Format(time.RFC3339Nano),
		rec.Manifest, len(rec.Payload), rec.Backtracking)
	return nil
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, backend, entityType, consumerID string, numRanges int) (*config.Config, error) {
	// Optional .env file for local development.
	_ = godotenv.Load()

	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags take highest priority.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if backend != "" {
		cfg.Backend = config.Backend(backend)
	}
	if entityType != "" {
		cfg.Feed.EntityType = entityType
	}
	if consumerID != "" {
		cfg.Feed.ConsumerID = consumerID
	}
	if numRanges > 0 {
		cfg.Feed.NumRanges = numRanges
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStores opens the change source and the offset store for the
// configured backend. Offsets always live in SQLite under DataDir.
func openStores(cfg *config.Config) (source.ChangeSource, tracker.OffsetStore, func(), error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	offsets, err := tracker.OpenSQLiteOffsetStore(cfg.OffsetsPath())
	if err != nil {
		return nil, nil, nil, err
	}

	switch cfg.Backend {
	case config.BackendPostgres:
		src, err := postgres.Open(postgres.Config{
			ConnString:   cfg.Postgres.ConnString,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
		})
		if err != nil {
			offsets.Close()
			return nil, nil, nil, err
		}
		return src, offsets, func() { src.Close(); offsets.Close() }, nil

	default:
		src, err := sqlite.Open(cfg.ChangeLogPath())
		if err != nil {
			offsets.Close()
			return nil, nil, nil, err
		}
		return src, offsets, func() { src.Close(); offsets.Close() }, nil
	}
}

func feedConfig(cfg *config.Config) feed.Config {
	return feed.Config{
		EntityType:           cfg.Feed.EntityType,
		ConsumerID:           cfg.Feed.ConsumerID,
		NumRanges:            cfg.Feed.NumRanges,
		BehindCurrentTime:    cfg.Feed.BehindCurrentTime,
		PollInterval:         cfg.Feed.PollInterval,
		PageSize:             cfg.Feed.PageSize,
		BacktrackWindow:      cfg.Feed.BacktrackWindow,
		BacktrackInterval:    cfg.Feed.BacktrackInterval,
		OffsetTimeWindow:     cfg.Feed.OffsetTimeWindow,
		OffsetEvictInterval:  cfg.Feed.OffsetEvictInterval,
		DeleteInterval:       cfg.Feed.DeleteInterval,
		MaxConcurrentQueries: cfg.Feed.MaxConcurrentQueries,
	}
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("eventail %s (commit: %s)", version, commit)
	log.Printf("Configuration:")
	log.Printf("  Backend:     %s", cfg.Backend)
	if cfg.Backend == config.BackendSQLite {
		log.Printf("  Data Dir:    %s", cfg.DataDir)
	}
	log.Printf("  Entity Type: %s", cfg.Feed.EntityType)
	log.Printf("  Consumer:    %s", cfg.Feed.ConsumerID)
	log.Printf("  Tracks:      %d", cfg.Feed.NumRanges)
}
