package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StreamSourceType selects the change stream transport
type StreamSourceType string

const (
	SourceNATS   StreamSourceType = "nats"   // NATS JetStream
	SourceKafka  StreamSourceType = "kafka"  // Kafka topic
	SourceMemory StreamSourceType = "memory" // In-process (tests, local dev)
)

// StreamConfiguration controls the change stream source
type StreamConfiguration struct {
	Source        StreamSourceType `toml:"source"`
	NatsURL       string           `toml:"nats_url"`
	KafkaBrokers  []string         `toml:"kafka_brokers"`
	SubjectPrefix string           `toml:"subject_prefix"` // e.g. "cdc.app"
	QueueDepth    int              `toml:"queue_depth"`    // Per-subscription event buffer
}

// SessionConfiguration controls subscription lifecycle behavior
type SessionConfiguration struct {
	ReconnectDelayMS    int     `toml:"reconnect_delay_ms"`   // Delay before reattempting after a channel error
	ReconnectMultiplier float64 `toml:"reconnect_multiplier"` // 1.0 = fixed interval
	ReconnectMaxDelayMS int     `toml:"reconnect_max_delay_ms"`
	BaselineTimeoutMS   int     `toml:"baseline_timeout_ms"` // Timeout for the seeding query
	PendingBufferSize   int     `toml:"pending_buffer_size"` // Events held while the baseline fetch is in flight
	DedupCacheSize      int     `toml:"dedup_cache_size"`    // LRU entries for unsequenced event IDs
	FeedCapacity        int     `toml:"feed_capacity"`       // Max items retained per feed cache
}

// BackendConfiguration controls the authoritative store connection
type BackendConfiguration struct {
	Dialect        string `toml:"dialect"` // "sqlite3" or "mysql"
	DSN            string `toml:"dsn"`
	QueryTimeoutMS int    `toml:"query_timeout_ms"`
}

// JournalConfiguration controls the applied-cursor journal
type JournalConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// AdminConfiguration controls the HTTP surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"` // Empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// FeedConfiguration declares one synchronized feed
type FeedConfiguration struct {
	Table       string `toml:"table"`       // Backend table to follow
	Shape       string `toml:"shape"`       // "counter" or "list"
	ReadColumn  string `toml:"read_column"` // Boolean column marking consumed rows (counter shape)
	OwnerColumn string `toml:"owner_column"`
	KeyColumn   string `toml:"key_column"` // Primary key column (list shape)
}

// Configuration is the main configuration structure
type Configuration struct {
	ClientID uint64 `toml:"client_id"`
	DataDir  string `toml:"data_dir"`

	Stream     StreamConfiguration     `toml:"stream"`
	Session    SessionConfiguration    `toml:"session"`
	Backend    BackendConfiguration    `toml:"backend"`
	Journal    JournalConfiguration    `toml:"journal"`
	Admin      AdminConfiguration      `toml:"admin"`
	Feeds      []FeedConfiguration     `toml:"feeds"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	ClientIDFlag   = flag.Uint64("client-id", 0, "Client ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	ClientID: 0, // Auto-generate
	DataDir:  "./feedsync-data",

	Stream: StreamConfiguration{
		Source:        SourceNATS,
		NatsURL:       "nats://127.0.0.1:4222",
		SubjectPrefix: "cdc.app",
		QueueDepth:    256,
	},

	Session: SessionConfiguration{
		ReconnectDelayMS:    5000, // Matches the UI clients this replaces
		ReconnectMultiplier: 1.0,  // Fixed interval unless configured otherwise
		ReconnectMaxDelayMS: 60000,
		BaselineTimeoutMS:   10000,
		PendingBufferSize:   128,
		DedupCacheSize:      4096,
		FeedCapacity:        200,
	},

	Backend: BackendConfiguration{
		Dialect:        "sqlite3",
		DSN:            "file:feedsync.db?_journal_mode=WAL",
		QueryTimeoutMS: 5000,
	},

	Journal: JournalConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        8980,
	},

	Feeds: []FeedConfiguration{
		{Table: "notifications", Shape: "counter", ReadColumn: "is_read", OwnerColumn: "user_id", KeyColumn: "id"},
		{Table: "posts", Shape: "list", OwnerColumn: "user_id", KeyColumn: "id"},
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ClientIDFlag != 0 {
		Config.ClientID = *ClientIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate client ID if not set
	if Config.ClientID == 0 {
		var err error
		Config.ClientID, err = generateClientID()
		if err != nil {
			return fmt.Errorf("failed to generate client ID: %w", err)
		}
		log.Info().Uint64("client_id", Config.ClientID).Msg("Auto-generated client ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateClientID creates a unique client ID based on machine ID
func generateClientID() (uint64, error) {
	id, err := machineid.ProtectedID("feedsync")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Stream.Source {
	case SourceNATS:
		if Config.Stream.NatsURL == "" {
			return fmt.Errorf("stream.nats_url is required for the nats source")
		}
	case SourceKafka:
		if len(Config.Stream.KafkaBrokers) == 0 {
			return fmt.Errorf("stream.kafka_brokers is required for the kafka source")
		}
	case SourceMemory:
	default:
		return fmt.Errorf("unknown stream source: %s", Config.Stream.Source)
	}

	if Config.Stream.QueueDepth < 1 {
		return fmt.Errorf("stream queue depth must be >= 1")
	}

	if Config.Session.ReconnectDelayMS < 1 {
		return fmt.Errorf("reconnect delay must be >= 1ms")
	}

	if Config.Session.ReconnectMultiplier < 1.0 {
		return fmt.Errorf("reconnect multiplier must be >= 1.0")
	}

	if Config.Session.ReconnectMaxDelayMS < Config.Session.ReconnectDelayMS {
		return fmt.Errorf("reconnect max delay must be >= reconnect delay")
	}

	if Config.Session.PendingBufferSize < 1 {
		return fmt.Errorf("pending buffer size must be >= 1")
	}

	if Config.Session.DedupCacheSize < 1 {
		return fmt.Errorf("dedup cache size must be >= 1")
	}

	if Config.Session.FeedCapacity < 1 {
		return fmt.Errorf("feed capacity must be >= 1")
	}

	switch Config.Backend.Dialect {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("unsupported backend dialect: %s", Config.Backend.Dialect)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	for _, feed := range Config.Feeds {
		if feed.Table == "" {
			return fmt.Errorf("feed table name is required")
		}
		switch feed.Shape {
		case "counter":
			if feed.ReadColumn == "" {
				return fmt.Errorf("feed %s: read_column is required for counter shape", feed.Table)
			}
		case "list":
			if feed.KeyColumn == "" {
				return fmt.Errorf("feed %s: key_column is required for list shape", feed.Table)
			}
		default:
			return fmt.Errorf("feed %s: unknown shape %q", feed.Table, feed.Shape)
		}
		if feed.OwnerColumn == "" {
			return fmt.Errorf("feed %s: owner_column is required", feed.Table)
		}
	}

	return nil
}
