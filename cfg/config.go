package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// OverflowPolicy defines what happens to a stream whose outbound queue is full
type OverflowPolicy string

const (
	OverflowDrop       OverflowPolicy = "drop"       // Drop the frame for that stream only
	OverflowDisconnect OverflowPolicy = "disconnect" // Close the stream, client reconnects
)

// ContentStoreType defines where initial document content is loaded from
type ContentStoreType string

const (
	ContentMemory   ContentStoreType = "memory"
	ContentPebble   ContentStoreType = "pebble"
	ContentSQLite   ContentStoreType = "sqlite"
	ContentPostgres ContentStoreType = "postgres"
	ContentRedis    ContentStoreType = "redis"
)

// ServerConfiguration controls the HTTP listener
type ServerConfiguration struct {
	ListenAddress     string `toml:"listen_address"`
	ShutdownGraceMS   int    `toml:"shutdown_grace_ms"`   // Time between restart notice and listener shutdown
	MaxBodyBytes      int64  `toml:"max_body_bytes"`      // Limit for /sync-updates bodies
	ExposeErrorDetail bool   `toml:"expose_error_detail"` // Include parser/merge detail in 400 bodies
}

// StreamConfiguration controls event-stream connections and channel fan-out
type StreamConfiguration struct {
	DocumentType           string         `toml:"document_type"` // Channel type that carries a shared document
	BufferSize             int            `toml:"buffer_size"`   // Per-connection outbound queue
	OverflowPolicy         OverflowPolicy `toml:"overflow_policy"`
	HeartbeatIntervalMS    int            `toml:"heartbeat_interval_ms"` // 0 disables comment pings
	UnregisterOnDisconnect bool           `toml:"unregister_on_disconnect"`
	LockStripes            int            `toml:"lock_stripes"` // Per-identifier sync lock stripes
}

// OriginConfiguration is the CORS allow-list
type OriginConfiguration struct {
	Allowed   []string `toml:"allowed"`    // Exact origins
	Patterns  []string `toml:"patterns"`   // Glob patterns, e.g. https://*.example.com
	CacheSize int      `toml:"cache_size"` // Decision cache entries
}

// ContentConfiguration selects the initial content store
type ContentConfiguration struct {
	Store         ContentStoreType `toml:"store"`
	Path          string           `toml:"path"` // pebble directory or sqlite file
	DatabaseURL   string           `toml:"database_url"`
	Table         string           `toml:"table"`
	RedisAddr     string           `toml:"redis_addr"`
	RedisPassword string           `toml:"redis_password"`
	RedisDB       int              `toml:"redis_db"`
	KeyPrefix     string           `toml:"key_prefix"`
	LoadTimeoutMS int              `toml:"load_timeout_ms"`
}

// LifecycleConfiguration controls channel lifecycle event publishing
type LifecycleConfiguration struct {
	Enabled         bool     `toml:"enabled"`
	Sink            string   `toml:"sink"` // "log", "nats" or "kafka"
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	Topic           string   `toml:"topic"`
	FilterTypes     []string `toml:"filter_types"` // Glob patterns over channel type
	QueueSize       int      `toml:"queue_size"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// AdminConfiguration controls the admin API
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Secret  string `toml:"secret"` // Empty disables authentication; only allowed on loopback listeners
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled           bool `toml:"enabled"`
	CollectIntervalMS int  `toml:"collect_interval_ms"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID string `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Server     ServerConfiguration     `toml:"server"`
	Stream     StreamConfiguration     `toml:"stream"`
	Origins    OriginConfiguration     `toml:"origins"`
	Content    ContentConfiguration    `toml:"content"`
	Lifecycle  LifecycleConfiguration  `toml:"lifecycle"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	ListenFlag     = flag.String("listen", "", "Listen address (overrides config)")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	InstanceIDFlag = flag.String("instance-id", "", "Instance ID (overrides config, empty=auto)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: "", // Auto-generate
	DataDir:    "./syncrelay-data",

	Server: ServerConfiguration{
		ListenAddress:     "0.0.0.0:8080",
		ShutdownGraceMS:   2000,
		MaxBodyBytes:      4 << 20,
		ExposeErrorDetail: false,
	},

	Stream: StreamConfiguration{
		DocumentType:           "shared-doc",
		BufferSize:             64,
		OverflowPolicy:         OverflowDisconnect,
		HeartbeatIntervalMS:    15000,
		UnregisterOnDisconnect: false,
		LockStripes:            64,
	},

	Origins: OriginConfiguration{
		Allowed:   []string{"http://localhost:3000"},
		Patterns:  []string{},
		CacheSize: 1024,
	},

	Content: ContentConfiguration{
		Store:         ContentMemory,
		Table:         "documents",
		KeyPrefix:     "syncrelay:content:",
		LoadTimeoutMS: 5000,
	},

	Lifecycle: LifecycleConfiguration{
		Enabled:         false,
		Sink:            "log",
		Topic:           "syncrelay.lifecycle",
		QueueSize:       1024,
		RetryInitialMS:  100,
		RetryMaxMS:      30000,
		RetryMultiplier: 2.0,
		MaxRetries:      10,
	},

	Admin: AdminConfiguration{
		Enabled: false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled:           true,
		CollectIntervalMS: 5000,
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

	if *ListenFlag != "" {
		Config.Server.ListenAddress = *ListenFlag
	}
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *InstanceIDFlag != "" {
		Config.InstanceID = *InstanceIDFlag
	}

	if Config.InstanceID == "" {
		id, err := generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		Config.InstanceID = id
		log.Info().Str("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateInstanceID derives a stable instance ID from the machine ID
func generateInstanceID() (string, error) {
	id, err := machineid.ProtectedID("syncrelay")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Server.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}

	if Config.Server.ShutdownGraceMS < 0 {
		return fmt.Errorf("shutdown grace must be >= 0")
	}

	if Config.Server.MaxBodyBytes < 1 {
		return fmt.Errorf("max body bytes must be >= 1")
	}

	if Config.Stream.DocumentType == "" {
		return fmt.Errorf("stream document type is required")
	}

	if Config.Stream.BufferSize < 1 {
		return fmt.Errorf("stream buffer size must be >= 1")
	}

	switch Config.Stream.OverflowPolicy {
	case OverflowDrop, OverflowDisconnect:
	default:
		return fmt.Errorf("invalid overflow policy: %s", Config.Stream.OverflowPolicy)
	}

	if Config.Stream.HeartbeatIntervalMS < 0 {
		return fmt.Errorf("heartbeat interval must be >= 0")
	}

	if Config.Stream.LockStripes < 1 {
		return fmt.Errorf("lock stripes must be >= 1")
	}

	if Config.Origins.CacheSize < 1 {
		return fmt.Errorf("origin cache size must be >= 1")
	}

	if err := validateContent(); err != nil {
		return err
	}

	if Config.Lifecycle.Enabled {
		if err := validateLifecycle(); err != nil {
			return err
		}
	}

	// Admin exposes document text and content writes outside the origin guard
	if Config.Admin.Enabled && Config.Admin.Secret == "" && !isLoopback(Config.Server.ListenAddress) {
		return fmt.Errorf("admin secret is required when listening on %s", Config.Server.ListenAddress)
	}

	if Config.Prometheus.Enabled && Config.Prometheus.CollectIntervalMS < 1 {
		return fmt.Errorf("prometheus collect interval must be >= 1ms")
	}

	return nil
}

// isLoopback reports whether addr only accepts local connections
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateContent() error {
	c := Config.Content
	switch c.Store {
	case ContentMemory:
	case ContentPebble, ContentSQLite:
		if c.Path == "" {
			return fmt.Errorf("content store %s requires path", c.Store)
		}
	case ContentPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("content store postgres requires database_url")
		}
	case ContentRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("content store redis requires redis_addr")
		}
	default:
		return fmt.Errorf("invalid content store: %s", c.Store)
	}

	if (c.Store == ContentSQLite || c.Store == ContentPostgres) && c.Table == "" {
		return fmt.Errorf("content table is required for SQL stores")
	}

	if c.LoadTimeoutMS < 1 {
		return fmt.Errorf("content load timeout must be >= 1ms")
	}

	return nil
}

func validateLifecycle() error {
	l := Config.Lifecycle
	switch l.Sink {
	case "log":
	case "nats":
		if l.NatsURL == "" {
			return fmt.Errorf("lifecycle sink nats requires nats_url")
		}
	case "kafka":
		if len(l.Brokers) == 0 {
			return fmt.Errorf("lifecycle sink kafka requires brokers")
		}
	default:
		return fmt.Errorf("invalid lifecycle sink: %s", l.Sink)
	}

	if l.Topic == "" {
		return fmt.Errorf("lifecycle topic is required")
	}

	if l.QueueSize < 1 {
		return fmt.Errorf("lifecycle queue size must be >= 1")
	}

	if l.RetryInitialMS < 0 || l.RetryMaxMS < l.RetryInitialMS {
		return fmt.Errorf("lifecycle retry window invalid: initial=%d max=%d", l.RetryInitialMS, l.RetryMaxMS)
	}

	if l.MaxRetries < 0 {
		return fmt.Errorf("lifecycle max retries must be >= 0")
	}

	return nil
}
