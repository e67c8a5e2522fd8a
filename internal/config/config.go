// Package config provides unified configuration for the eventail service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eventail/eventail/internal/slice"
)

// Backend selects the change-log storage backend.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Config holds the unified configuration for the eventail service.
type Config struct {
	// Backend is the change-log backend: sqlite, postgres
	Backend Backend `json:"backend" yaml:"backend"`

	// DataDir is the base directory for SQLite database files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Feed configuration
	Feed FeedConfig `json:"feed" yaml:"feed"`

	// Postgres configuration (for postgres backend)
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// FeedConfig holds change-feed configuration.
type FeedConfig struct {
	// EntityType is the entity type this feed consumes
	EntityType string `json:"entity_type" yaml:"entity_type"`

	// ConsumerID is the base consumer identity for offset storage
	ConsumerID string `json:"consumer_id" yaml:"consumer_id"`

	// NumRanges is the number of slice ranges (parallel tracks); must divide the slice count
	NumRanges int `json:"num_ranges" yaml:"num_ranges"`

	// BehindCurrentTime lags the tailing query upper bound behind the database clock
	BehindCurrentTime time.Duration `json:"behind_current_time" yaml:"behind_current_time"`

	// PollInterval is the wait between tailing queries after a short page
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// PageSize is the row limit per change-log query
	PageSize int `json:"page_size" yaml:"page_size"`

	// BacktrackWindow is how far behind the main cursor the trailing re-read reaches
	BacktrackWindow time.Duration `json:"backtrack_window" yaml:"backtrack_window"`

	// BacktrackInterval is the trailing re-read cadence
	BacktrackInterval time.Duration `json:"backtrack_interval" yaml:"backtrack_interval"`

	// OffsetTimeWindow bounds per-entity offset retention
	OffsetTimeWindow time.Duration `json:"offset_time_window" yaml:"offset_time_window"`

	// OffsetEvictInterval is the in-memory eviction cadence
	OffsetEvictInterval time.Duration `json:"offset_evict_interval" yaml:"offset_evict_interval"`

	// DeleteInterval is the durable offset cleanup cadence
	DeleteInterval time.Duration `json:"delete_interval" yaml:"delete_interval"`

	// MaxConcurrentQueries bounds in-flight change-log queries across tracks
	MaxConcurrentQueries int64 `json:"max_concurrent_queries" yaml:"max_concurrent_queries"`
}

// PostgresConfig holds Postgres backend configuration.
type PostgresConfig struct {
	// ConnString is the Postgres connection string
	ConnString string `json:"conn_string" yaml:"conn_string"`

	// MaxOpenConns is the connection pool size
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`

	// NumPartitions is the number of data partitions of the change-log table; must divide the slice count
	NumPartitions int `json:"num_partitions" yaml:"num_partitions"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendSQLite,
		DataDir: "./data/eventail",
		Feed: FeedConfig{
			EntityType:           "",
			ConsumerID:           "eventail",
			NumRanges:            4,
			BehindCurrentTime:    100 * time.Millisecond,
			PollInterval:         500 * time.Millisecond,
			PageSize:             1000,
			BacktrackWindow:      2 * time.Minute,
			BacktrackInterval:    10 * time.Second,
			OffsetTimeWindow:     5 * time.Minute,
			OffsetEvictInterval:  10 * time.Second,
			DeleteInterval:       time.Minute,
			MaxConcurrentQueries: 4,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:  10,
			NumPartitions: 1,
		},
	}
}

// ChangeLogPath returns the path to the SQLite change-log database.
func (c *Config) ChangeLogPath() string {
	return filepath.Join(c.DataDir, "changelog.db")
}

// OffsetsPath returns the path to the SQLite offsets database.
func (c *Config) OffsetsPath() string {
	return filepath.Join(c.DataDir, "offsets.db")
}

// Resolve sets defaults derived from other fields.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/eventail"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendPostgres:
		// Valid backends
	default:
		return fmt.Errorf("invalid backend: %s (must be sqlite or postgres)", c.Backend)
	}

	if c.Backend == BackendSQLite && c.DataDir == "" {
		return fmt.Errorf("data_dir is required for the sqlite backend")
	}
	if c.Backend == BackendPostgres && c.Postgres.ConnString == "" {
		return fmt.Errorf("postgres.conn_string is required for the postgres backend")
	}

	if c.Feed.ConsumerID == "" {
		return fmt.Errorf("feed.consumer_id is required")
	}
	if c.Feed.EntityType == "" {
		return fmt.Errorf("feed.entity_type is required")
	}
	if c.Feed.PageSize <= 0 {
		return fmt.Errorf("feed.page_size must be positive, got %d", c.Feed.PageSize)
	}
	if err := slice.ValidateRangeCount(c.Feed.NumRanges); err != nil {
		return err
	}
	if c.Backend == BackendPostgres {
		if err := slice.ValidatePartitionCount(c.Postgres.NumPartitions); err != nil {
			return err
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the EVENTAIL_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("EVENTAIL_BACKEND"); v != "" {
		cfg.Backend = Backend(v)
	}
	if v := os.Getenv("EVENTAIL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Feed configuration
	if v := os.Getenv("EVENTAIL_FEED_ENTITY_TYPE"); v != "" {
		cfg.Feed.EntityType = v
	}
	if v := os.Getenv("EVENTAIL_FEED_CONSUMER_ID"); v != "" {
		cfg.Feed.ConsumerID = v
	}
	if v := os.Getenv("EVENTAIL_FEED_NUM_RANGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Feed.NumRanges = n
		}
	}
	if v := os.Getenv("EVENTAIL_FEED_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Feed.PageSize = n
		}
	}
	if v := os.Getenv("EVENTAIL_FEED_BEHIND_CURRENT_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.BehindCurrentTime = d
		}
	}
	if v := os.Getenv("EVENTAIL_FEED_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.PollInterval = d
		}
	}
	if v := os.Getenv("EVENTAIL_FEED_BACKTRACK_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.BacktrackWindow = d
		}
	}
	if v := os.Getenv("EVENTAIL_FEED_BACKTRACK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.BacktrackInterval = d
		}
	}
	if v := os.Getenv("EVENTAIL_FEED_OFFSET_TIME_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.OffsetTimeWindow = d
		}
	}
	if v := os.Getenv("EVENTAIL_FEED_OFFSET_EVICT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.OffsetEvictInterval = d
		}
	}
	if v := os.Getenv("EVENTAIL_FEED_DELETE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.DeleteInterval = d
		}
	}
	if v := os.Getenv("EVENTAIL_FEED_MAX_CONCURRENT_QUERIES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Feed.MaxConcurrentQueries = n
		}
	}

	// Postgres configuration
	if v := os.Getenv("EVENTAIL_POSTGRES_CONN_STRING"); v != "" {
		cfg.Postgres.ConnString = v
	}
	if v := os.Getenv("EVENTAIL_POSTGRES_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.MaxOpenConns = n
		}
	}
	if v := os.Getenv("EVENTAIL_POSTGRES_NUM_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.NumPartitions = n
		}
	}
}
