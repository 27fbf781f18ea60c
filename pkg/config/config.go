// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Redis, History, Search, Rebuild, Kafka, etc.).
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
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	History HistoryConfig `yaml:"history"`
	Search  SearchConfig  `yaml:"search"`
	Rebuild RebuildConfig `yaml:"rebuild"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// HistoryConfig controls the record store.
type HistoryConfig struct {
	// Limit is the maximum number of retained records; inserting past it
	// evicts the oldest records by id.
	Limit int `yaml:"limit"`
	// DefaultPageSize is used when a pagination request omits per_page.
	DefaultPageSize int `yaml:"defaultPageSize"`
}

// SearchConfig controls query execution limits and result caching.
type SearchConfig struct {
	// MaxResults is the maximum number of ranked records a search returns.
	MaxResults int `yaml:"maxResults"`
	// ProcessBuffer is how many candidate ids are fetched and scored before
	// trimming to MaxResults.
	ProcessBuffer int `yaml:"processBuffer"`
	// ScanLimit caps the ids collected from a single field hash during a
	// partial-match scan.
	ScanLimit int `yaml:"scanLimit"`
	// LongTermThreshold is the minimum query length at which prefix and
	// suffix scan patterns are added on top of the contains pattern.
	LongTermThreshold int `yaml:"longTermThreshold"`
	// PartialCacheTTL is how long a successful partial-match result lives.
	PartialCacheTTL time.Duration `yaml:"partialCacheTTL"`
	// FailedCacheTTL is how long a no-results marker lives. Failures stay
	// cached longer since they cannot resolve before the next rebuild.
	FailedCacheTTL time.Duration `yaml:"failedCacheTTL"`
}

// RebuildConfig controls index rebuild coordination.
type RebuildConfig struct {
	// LeaseTTL bounds how long a crashed worker can hold the rebuild lease.
	LeaseTTL time.Duration `yaml:"leaseTTL"`
	// BatchSize is the number of records read per page during a rebuild.
	BatchSize int `yaml:"batchSize"`
}

// KafkaConfig holds Kafka broker and topic settings for change
// notifications. Publishing is disabled when Enabled is false.
type KafkaConfig struct {
	Enabled bool        `yaml:"enabled"`
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	HistoryChanged string `yaml:"historyChanged"`
	IndexRebuilt   string `yaml:"indexRebuilt"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
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
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults without reading any file. Useful for
// tests and embedded use.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		History: HistoryConfig{
			Limit:           1000,
			DefaultPageSize: 10,
		},
		Search: SearchConfig{
			MaxResults:        50,
			ProcessBuffer:     100,
			ScanLimit:         300,
			LongTermThreshold: 8,
			PartialCacheTTL:   5 * time.Minute,
			FailedCacheTTL:    10 * time.Minute,
		},
		Rebuild: RebuildConfig{
			LeaseTTL:  10 * time.Minute,
			BatchSize: 500,
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topics: KafkaTopics{
				HistoryChanged: "history.changed",
				IndexRebuilt:   "index.rebuilt",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

func (c *Config) validate() error {
	if c.History.Limit < 1 {
		return fmt.Errorf("history.limit must be at least 1, got %d", c.History.Limit)
	}
	if c.Search.MaxResults < 1 {
		return fmt.Errorf("search.maxResults must be at least 1, got %d", c.Search.MaxResults)
	}
	if c.Search.ProcessBuffer < c.Search.MaxResults {
		return fmt.Errorf("search.processBuffer (%d) must not be smaller than search.maxResults (%d)",
			c.Search.ProcessBuffer, c.Search.MaxResults)
	}
	if c.Rebuild.BatchSize < 1 {
		return fmt.Errorf("rebuild.batchSize must be at least 1, got %d", c.Rebuild.BatchSize)
	}
	return nil
}

// applyEnvOverrides reads CH_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CH_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CH_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("CH_HISTORY_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			cfg.History.Limit = limit
		}
	}
	if v := os.Getenv("CH_SEARCH_MAX_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Search.MaxResults = n
		}
	}
	if v := os.Getenv("CH_REBUILD_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rebuild.LeaseTTL = d
		}
	}
	if v := os.Getenv("CH_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CH_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CH_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CH_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CH_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
