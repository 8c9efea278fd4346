// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Ring, Query, Transaction,
// ShardManager, Gateway, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Redis        RedisConfig        `yaml:"redis"`
	Ring         RingConfig         `yaml:"ring"`
	Query        QueryConfig        `yaml:"query"`
	Transaction  TransactionConfig  `yaml:"transaction"`
	ShardManager ShardManagerConfig `yaml:"shardManager"`
	ShardNode    ShardNodeConfig    `yaml:"shardNode"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical event streams to their Kafka topic names.
type KafkaTopics struct {
	DocumentEvents    string `yaml:"documentEvents"`
	QueryEvents       string `yaml:"queryEvents"`
	TransactionEvents string `yaml:"transactionEvents"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// RingConfig controls the consistent-hash ring and shard-count fallback.
type RingConfig struct {
	VirtualNodesPerPhysical int `yaml:"virtualNodesPerPhysical"`
	ShardCount              int `yaml:"shardCount"`
}

// QueryConfig controls query execution limits, timeouts, and retries.
type QueryConfig struct {
	MaxResults      int           `yaml:"maxResults"`
	DefaultLimit    int           `yaml:"defaultLimit"`
	QueryTimeout    time.Duration `yaml:"queryTimeout"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryBackoff    time.Duration `yaml:"retryBackoff"`
	ContinueOnError bool          `yaml:"continueOnError"`
	MaxPlanCost     float64       `yaml:"maxPlanCost"`
}

// TransactionConfig controls two-phase-commit timing.
type TransactionConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
}

// ShardManagerConfig controls node heartbeats and rebalancing, and the
// shard manager binary's own HTTP surface.
type ShardManagerConfig struct {
	Port                   int           `yaml:"port"`
	RequestTimeout         time.Duration `yaml:"requestTimeout"`
	HeartbeatInterval      time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeatTimeout"`
	RebalanceCheckInterval time.Duration `yaml:"rebalanceCheckInterval"`
	ShardCount             int           `yaml:"shardCount"`
	// ReplicationFactor is the number of nodes, primary included, a freshly
	// created shard is assigned to; the router picks among them per client
	// locality on reads.
	ReplicationFactor int `yaml:"replicationFactor"`
}

// ShardNodeConfig controls one cmd/shardnode process: the RPC address it
// serves shardstore.Store on, the durable backend it persists to, and the
// shard manager it registers with on startup.
type ShardNodeConfig struct {
	ListenAddr       string        `yaml:"listenAddr"`
	AdvertiseURL     string        `yaml:"advertiseUrl"`
	Backend          string        `yaml:"backend"` // "memory" or "postgres"
	Region           string        `yaml:"region"`
	Capacity         int           `yaml:"capacity"`
	ShardManagerURL  string        `yaml:"shardManagerUrl"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeatPeriod"`
	RegisterWaitTime time.Duration `yaml:"registerWaitTime"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls distributed tracing (sample rate, endpoint).
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// GatewayConfig holds client-facing limits, auth, and upstream addressing.
type GatewayConfig struct {
	Port            int           `yaml:"port"`
	MaxDocBytes     int           `yaml:"maxDocBytes"`
	MaxBatch        int           `yaml:"maxBatch"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ClientTTL       time.Duration `yaml:"clientTTL"`
	ShardManagerURL string        `yaml:"shardManagerUrl"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "oriondb",
			User:            "oriondb",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "oriondb-analytics",
			Topics: KafkaTopics{
				DocumentEvents:    "document-events",
				QueryEvents:       "query-events",
				TransactionEvents: "transaction-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Ring: RingConfig{
			VirtualNodesPerPhysical: 100,
			ShardCount:              8,
		},
		Query: QueryConfig{
			MaxResults:      1000,
			DefaultLimit:    20,
			QueryTimeout:    30 * time.Second,
			MaxRetries:      3,
			RetryBackoff:    100 * time.Millisecond,
			ContinueOnError: true,
			MaxPlanCost:     100,
		},
		Transaction: TransactionConfig{
			DefaultTimeout: 10 * time.Second,
			RetryInterval:  500 * time.Millisecond,
		},
		ShardManager: ShardManagerConfig{
			Port:                   8090,
			RequestTimeout:         10 * time.Second,
			HeartbeatInterval:      10 * time.Second,
			HeartbeatTimeout:       30 * time.Second,
			RebalanceCheckInterval: 30 * time.Second,
			ShardCount:             8,
			ReplicationFactor:      2,
		},
		ShardNode: ShardNodeConfig{
			ListenAddr:       ":9100",
			Backend:          "memory",
			Region:           "local",
			Capacity:         1,
			ShardManagerURL:  "http://localhost:8090",
			HeartbeatPeriod:  10 * time.Second,
			RegisterWaitTime: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Gateway: GatewayConfig{
			Port:            8082,
			MaxDocBytes:     1048576,
			MaxBatch:        100,
			RequestTimeout:  30 * time.Second,
			ClientTTL:       24 * time.Hour,
			ShardManagerURL: "http://localhost:8090",
		},
	}
}

// applyEnvOverrides reads DS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("DS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("DS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("DS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("DS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("DS_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("DS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("DS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DS_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("DS_GATEWAY_SHARDMANAGER_URL"); v != "" {
		cfg.Gateway.ShardManagerURL = v
	}
	if v := os.Getenv("DS_RING_VIRTUAL_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ring.VirtualNodesPerPhysical = n
		}
	}
	if v := os.Getenv("DS_RING_SHARD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ring.ShardCount = n
		}
	}
}
