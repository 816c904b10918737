package cfg

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/civicworks/changefeed/id"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// TransportKind selects the push transport backing the registry
type TransportKind string

const (
	TransportMemory   TransportKind = "memory"   // In-process hub (tests, embedding)
	TransportNATS     TransportKind = "nats"     // NATS subjects per table/event
	TransportKafka    TransportKind = "kafka"    // Kafka topic per table
	TransportPostgres TransportKind = "postgres" // LISTEN/NOTIFY on the backing database
)

// NATSConfiguration for the NATS transport
type NATSConfiguration struct {
	URL             string `toml:"url"`
	SubjectPrefix   string `toml:"subject_prefix"`
	ReconnectWaitMS int    `toml:"reconnect_wait_ms"`
}

// KafkaConfiguration for the Kafka transport
type KafkaConfiguration struct {
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
	GroupPrefix string   `toml:"group_prefix"`
	MinBytes    int      `toml:"min_bytes"`
	MaxBytes    int      `toml:"max_bytes"`
	MaxWaitMS   int      `toml:"max_wait_ms"`
}

// PostgresConfiguration for the LISTEN/NOTIFY transport
type PostgresConfiguration struct {
	DSN                 string `toml:"dsn"`
	ChannelPrefix       string `toml:"channel_prefix"`
	MinReconnectMS      int    `toml:"min_reconnect_ms"`
	MaxReconnectMS      int    `toml:"max_reconnect_ms"`
	InstallTriggers     bool   `toml:"install_triggers"`
	PingIntervalSeconds int    `toml:"ping_interval_seconds"`
}

// TransportConfiguration selects and configures the push transport
type TransportConfiguration struct {
	Kind     TransportKind         `toml:"kind"`
	NATS     NATSConfiguration     `toml:"nats"`
	Kafka    KafkaConfiguration    `toml:"kafka"`
	Postgres PostgresConfiguration `toml:"postgres"`
}

// CacheConfiguration for the query cache invalidated by change events
type CacheConfiguration struct {
	Size       int `toml:"size"`
	TTLSeconds int `toml:"ttl_seconds"`
}

// WatchConfiguration declares a feed mounted by the daemon.
// Every event is logged and the listed cache keys are invalidated.
type WatchConfiguration struct {
	Table       string   `toml:"table"`
	Schema      string   `toml:"schema"`
	Event       string   `toml:"event"`
	Filter      string   `toml:"filter"`
	Invalidates []string `toml:"invalidates"`
}

// SinkConfiguration configures a relay sink that forwards change events
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka" or "nats"
	Format          string   `toml:"format"` // "json", "msgpack" or "debezium", optionally "+zstd"
	Tables          []string `toml:"tables"`
	Schema          string   `toml:"schema"`
	Event           string   `toml:"event"`
	Filter          string   `toml:"filter"`
	KeyColumn       string   `toml:"key_column"`
	IncludeColumns  []string `toml:"include_columns"` // glob patterns, empty = all
	ExcludeColumns  []string `toml:"exclude_columns"` // glob patterns
	TopicPrefix     string   `toml:"topic_prefix"`
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	JetStream       bool     `toml:"jetstream"`
	QueueSize       int      `toml:"queue_size"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// AdminConfiguration for the admin HTTP server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled                bool `toml:"enabled"`
	CollectIntervalSeconds int  `toml:"collect_interval_seconds"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ClientID string `toml:"client_id"`

	Transport  TransportConfiguration  `toml:"transport"`
	Cache      CacheConfiguration      `toml:"cache"`
	Watches    []WatchConfiguration    `toml:"watch"`
	Sinks      []SinkConfiguration     `toml:"sink"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "changefeed.toml", "Path to configuration file")
	TransportFlag  = flag.String("transport", "", "Transport kind (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	ClientIDFlag   = flag.String("client-id", "", "Client ID (overrides config, empty=auto)")
)

const clientIDPrefix = "cf-"

// Default returns the default configuration
func Default() *Configuration {
	return &Configuration{
		ClientID: "",

		Transport: TransportConfiguration{
			Kind: TransportMemory,
			NATS: NATSConfiguration{
				URL:             "nats://127.0.0.1:4222",
				SubjectPrefix:   "changefeed",
				ReconnectWaitMS: 1000,
			},
			Kafka: KafkaConfiguration{
				Brokers:     []string{},
				TopicPrefix: "changefeed",
				GroupPrefix: "changefeed",
				MinBytes:    1,
				MaxBytes:    10 << 20, // 10MB
				MaxWaitMS:   500,
			},
			Postgres: PostgresConfiguration{
				ChannelPrefix:       "changefeed",
				MinReconnectMS:      100,
				MaxReconnectMS:      10000,
				InstallTriggers:     false,
				PingIntervalSeconds: 90,
			},
		},

		Cache: CacheConfiguration{
			Size:       4096,
			TTLSeconds: 300,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8090,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:                true,
			CollectIntervalSeconds: 15,
		},
	}
}

// Config is the process-wide configuration, initialized with defaults
var Config = Default()

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

	if *TransportFlag != "" {
		Config.Transport.Kind = TransportKind(*TransportFlag)
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *ClientIDFlag != "" {
		Config.ClientID = *ClientIDFlag
	}

	if Config.ClientID == "" {
		clientID, err := generateClientID()
		if err != nil {
			return fmt.Errorf("failed to generate client ID: %w", err)
		}
		Config.ClientID = clientID
		log.Info().Str("client_id", Config.ClientID).Msg("Auto-generated client ID")
	}

	return nil
}

// generateClientID derives a stable per-machine id, falling back to a
// random one where no machine id is available (containers)
func generateClientID() (string, error) {
	mid, err := machineid.ProtectedID("changefeed")
	if err != nil {
		log.Warn().Err(err).Msg("Machine ID unavailable, using random client ID")
		return id.Generate(clientIDPrefix)
	}
	return clientIDPrefix + mid[:12], nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Transport.Kind {
	case TransportMemory:
	case TransportNATS:
		if Config.Transport.NATS.URL == "" {
			return fmt.Errorf("nats transport requires transport.nats.url")
		}
	case TransportKafka:
		if len(Config.Transport.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka transport requires at least one broker")
		}
	case TransportPostgres:
		if Config.Transport.Postgres.DSN == "" {
			return fmt.Errorf("postgres transport requires transport.postgres.dsn")
		}
		if Config.Transport.Postgres.MinReconnectMS < 1 ||
			Config.Transport.Postgres.MaxReconnectMS < Config.Transport.Postgres.MinReconnectMS {
			return fmt.Errorf("postgres reconnect interval must satisfy 1 <= min <= max")
		}
	default:
		return fmt.Errorf("unknown transport kind: %q", Config.Transport.Kind)
	}

	if Config.Cache.Size < 1 {
		return fmt.Errorf("cache size must be >= 1")
	}
	if Config.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache ttl must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %q", Config.Logging.Format)
	}

	for i, w := range Config.Watches {
		if strings.TrimSpace(w.Table) == "" {
			return fmt.Errorf("watch[%d]: table is required", i)
		}
		if !validEvent(w.Event) {
			return fmt.Errorf("watch[%d]: invalid event %q", i, w.Event)
		}
	}

	names := make(map[string]bool, len(Config.Sinks))
	for i, s := range Config.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("sink[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if len(s.Tables) == 0 {
			return fmt.Errorf("sink %q: at least one table is required", s.Name)
		}
		if !validEvent(s.Event) {
			return fmt.Errorf("sink %q: invalid event %q", s.Name, s.Event)
		}
	}

	return nil
}

// validEvent mirrors realtime.ParseEventType without importing it
func validEvent(event string) bool {
	switch strings.ToUpper(strings.TrimSpace(event)) {
	case "", "*", "ALL", "INSERT", "UPDATE", "DELETE":
		return true
	}
	return false
}
