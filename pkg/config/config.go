// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Matcher, Refresh, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can use the "30s"/"5m" form
// that time.ParseDuration accepts.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Matcher  MatcherConfig  `yaml:"matcher"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Alerting AlertingConfig `yaml:"alerting"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
	RequestTimeout  Duration `yaml:"requestTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	Database        string   `yaml:"database"`
	User            string   `yaml:"user"`
	Password        string   `yaml:"password"`
	SSLMode         string   `yaml:"sslMode"`
	MaxOpenConns    int      `yaml:"maxOpenConns"`
	MaxIdleConns    int      `yaml:"maxIdleConns"`
	ConnMaxLifetime Duration `yaml:"connMaxLifetime"`
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

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	EnrichmentEvents string `yaml:"enrichmentEvents"`
	CacheInvalidate  string `yaml:"cacheInvalidate"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	PoolSize int      `yaml:"poolSize"`
	CacheTTL Duration `yaml:"cacheTTL"`
}

// MatcherConfig controls identifier-first matching thresholds and blocking.
type MatcherConfig struct {
	HighThreshold     int               `yaml:"highThreshold"`
	LowThreshold      int               `yaml:"lowThreshold"`
	TopK              int               `yaml:"topK"`
	BlockPrefixLength int               `yaml:"blockPrefixLength"`
	FallbackScanLimit int               `yaml:"fallbackScanLimit"`
	SuffixExpansions  map[string]string `yaml:"suffixExpansions"`
}

// RefreshConfig controls the enrichment refresh orchestrator: staleness SLA,
// batch sizing, concurrency, and the per-source API rate budget.
type RefreshConfig struct {
	SLADays            int            `yaml:"slaDays"`
	SourceSLAOverrides map[string]int `yaml:"sourceSlaOverrides"`
	BatchSize          int            `yaml:"batchSize"`
	ConcurrencyLimit   int            `yaml:"concurrencyLimit"`
	RatePerMinute      int            `yaml:"ratePerMinute"`
	CheckpointEvery    int            `yaml:"checkpointEvery"`
	Interval           Duration       `yaml:"interval"`
	FetchTimeout       Duration       `yaml:"fetchTimeout"`
	// Endpoints maps a source name to the base URL of its enrichment API.
	Endpoints map[string]string `yaml:"endpoints"`
	Sources   []string          `yaml:"sources"`
	Partition string            `yaml:"partition"`
}

// SLAFor returns the staleness SLA in days for the given source, falling back
// to the global default when no override exists.
func (r RefreshConfig) SLAFor(source string) int {
	if days, ok := r.SourceSLAOverrides[source]; ok {
		return days
	}
	return r.SLADays
}

// AlertingConfig holds the coverage/success/error thresholds a refresh cycle
// is judged against.
type AlertingConfig struct {
	MinCoverageRate float64 `yaml:"minCoverageRate"`
	MinSuccessRate  float64 `yaml:"minSuccessRate"`
	MaxErrorRate    float64 `yaml:"maxErrorRate"`
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

// Load reads a YAML config file (if provided), applies environment-variable
// overrides, and validates the result. It returns a Config populated with
// sensible defaults for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot express.
func (c *Config) Validate() error {
	m := c.Matcher
	if m.LowThreshold < 0 || m.HighThreshold > 100 || m.LowThreshold > m.HighThreshold {
		return fmt.Errorf("matcher thresholds must satisfy 0 <= low <= high <= 100, got low=%d high=%d",
			m.LowThreshold, m.HighThreshold)
	}
	if m.BlockPrefixLength < 1 {
		return fmt.Errorf("matcher blockPrefixLength must be >= 1, got %d", m.BlockPrefixLength)
	}
	if c.Refresh.ConcurrencyLimit < 1 {
		return fmt.Errorf("refresh concurrencyLimit must be >= 1, got %d", c.Refresh.ConcurrencyLimit)
	}
	if c.Refresh.BatchSize < 1 {
		return fmt.Errorf("refresh batchSize must be >= 1, got %d", c.Refresh.BatchSize)
	}
	if c.Refresh.SLADays < 1 {
		return fmt.Errorf("refresh slaDays must be >= 1, got %d", c.Refresh.SLADays)
	}
	return nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			RequestTimeout:  Duration(10 * time.Second),
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "linkageplatform",
			User:            "linkageplatform",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "linkageplatform-group",
			Topics: KafkaTopics{
				EnrichmentEvents: "enrichment-events",
				CacheInvalidate:  "cache-invalidate",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: Duration(5 * time.Minute),
		},
		Matcher: MatcherConfig{
			HighThreshold:     90,
			LowThreshold:      70,
			TopK:              5,
			BlockPrefixLength: 2,
			FallbackScanLimit: 500,
		},
		Refresh: RefreshConfig{
			SLADays:          7,
			BatchSize:        100,
			ConcurrencyLimit: 8,
			RatePerMinute:    120,
			CheckpointEvery:  1,
			Interval:         Duration(1 * time.Hour),
			FetchTimeout:     Duration(30 * time.Second),
			Sources:          []string{"sam"},
			Partition:        "default",
		},
		Alerting: AlertingConfig{
			MinCoverageRate: 0.90,
			MinSuccessRate:  0.95,
			MaxErrorRate:    0.05,
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

// applyEnvOverrides reads EL_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EL_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("EL_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("EL_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("EL_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("EL_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("EL_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("EL_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("EL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("EL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("EL_MATCHER_HIGH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Matcher.HighThreshold = n
		}
	}
	if v := os.Getenv("EL_MATCHER_LOW_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Matcher.LowThreshold = n
		}
	}
	if v := os.Getenv("EL_REFRESH_SLA_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Refresh.SLADays = n
		}
	}
	if v := os.Getenv("EL_REFRESH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Refresh.ConcurrencyLimit = n
		}
	}
	if v := os.Getenv("EL_REFRESH_RATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Refresh.RatePerMinute = n
		}
	}
	if v := os.Getenv("EL_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EL_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
