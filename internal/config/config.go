// Package config handles configuration loading for authguard.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration. Every detection
// threshold, TTL and duration is explicit here so tests can inject
// alternate policies instead of relying on ambient globals.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Queue      QueueConfig      `yaml:"queue"`
	Validation ValidationConfig `yaml:"validation"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Intel      IntelConfig      `yaml:"intel"`
	Features   FeaturesConfig   `yaml:"features"`
	BruteForce BruteForceConfig `yaml:"brute_force"`
	Engine     EngineConfig     `yaml:"engine"`
	Blocker    BlockerConfig    `yaml:"blocker"`
	Enforce    EnforceConfig    `yaml:"enforce"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds ingestion boundary settings.
type IngestConfig struct {
	MaxBatchSize   int             `yaml:"max_batch_size"`
	MaxPayloadSize int             `yaml:"max_payload_size"`
	DTLS           DTLSConfig      `yaml:"dtls"`
	Kafka          KafkaConfig     `yaml:"kafka"`
}

// DTLSConfig holds the secure UDP listener settings for log-shipping agents.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	Workers           int           `yaml:"workers"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	AllowInsecure     bool          `yaml:"allow_insecure"`
}

// KafkaConfig holds the Kafka event source settings.
type KafkaConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	ConsumerGroup  string        `yaml:"consumer_group"`
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	StartOffset    int64         `yaml:"start_offset"` // -1=latest, -2=earliest
}

// QueueConfig holds inbound queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ValidationConfig holds ingestion validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// DispatchConfig holds worker dispatch settings. Events are routed to a
// worker by hash of source IP so per-source ordering is preserved.
type DispatchConfig struct {
	Workers      int           `yaml:"workers"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// IntelConfig holds threat intelligence aggregator settings.
type IntelConfig struct {
	CacheTTL        time.Duration       `yaml:"cache_ttl"`
	CacheShards     int                 `yaml:"cache_shards"`
	ProviderTimeout time.Duration       `yaml:"provider_timeout"`
	MaxRetries      int                 `yaml:"max_retries"`
	RetryBackoff    time.Duration       `yaml:"retry_backoff"`
	Providers       []ProviderConfig    `yaml:"providers"`
	LocalFeed       LocalFeedConfig     `yaml:"local_feed"`
	Redis           RedisConfig         `yaml:"redis"`
}

// ProviderConfig describes one external reputation provider.
type ProviderConfig struct {
	Name          string        `yaml:"name"`
	URL           string        `yaml:"url"`    // lookup endpoint, %s receives the IP
	APIKey        string        `yaml:"api_key"`
	APIKeyHeader  string        `yaml:"api_key_header"`
	CallsPerHour  int           `yaml:"calls_per_hour"`
	Confidence    float64       `yaml:"confidence"` // 0.0 - 1.0 baseline trust
	Enabled       bool          `yaml:"enabled"`
}

// LocalFeedConfig holds the static allow/deny feed settings.
type LocalFeedConfig struct {
	DenyFile        string        `yaml:"deny_file"`
	AllowFile       string        `yaml:"allow_file"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// RedisConfig holds the intel cache persistence settings.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// FeaturesConfig holds behavioral/geo feature extractor settings.
type FeaturesConfig struct {
	MaxTravelSpeedKmh  float64       `yaml:"max_travel_speed_kmh"`
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	BaselineMinSamples int           `yaml:"baseline_min_samples"`
	HistoryWindow      time.Duration `yaml:"history_window"`
	ClassifierWeight   float64       `yaml:"classifier_weight"`
}

// BruteForceConfig holds brute-force detector thresholds.
type BruteForceConfig struct {
	PerMinuteCritical   int           `yaml:"per_minute_critical"`
	Per10MinHigh        int           `yaml:"per_10min_high"`
	PerHourMedium       int           `yaml:"per_hour_medium"`
	DistinctUsernames   int           `yaml:"distinct_usernames"`
	DictionaryFraction  float64       `yaml:"dictionary_fraction"`
	SequentialMin       int           `yaml:"sequential_min"`
	CoordinationWindow  time.Duration `yaml:"coordination_window"`
	CoordinationSources int           `yaml:"coordination_sources"`
	IndexShards         int           `yaml:"index_shards"`
}

// EngineConfig holds guardian engine settings.
type EngineConfig struct {
	AutoBlockThreshold float64 `yaml:"auto_block_threshold"`
}

// BlockerConfig holds IP blocker settings.
type BlockerConfig struct {
	DurationLow      time.Duration `yaml:"duration_low"`
	DurationMedium   time.Duration `yaml:"duration_medium"`
	DurationHigh     time.Duration `yaml:"duration_high"`
	DurationCritical time.Duration `yaml:"duration_critical"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	Whitelist        []string      `yaml:"whitelist"`
}

// EnforceConfig holds enforcement port settings.
type EnforceConfig struct {
	Backend      string `yaml:"backend"` // nftables, iptables, noop
	NftablesPath string `yaml:"nftables_path"`
	IptablesPath string `yaml:"iptables_path"`
}

// AlertingConfig holds notification sink settings.
type AlertingConfig struct {
	Enabled          bool              `yaml:"enabled"`
	WebhookURL       string            `yaml:"webhook_url"`
	WebhookHeaders   map[string]string `yaml:"webhook_headers"`
	SlackWebhookURL  string            `yaml:"slack_webhook_url"`
	SlackChannel     string            `yaml:"slack_channel"`
	TelegramBotToken string            `yaml:"telegram_bot_token"`
	TelegramChatID   string            `yaml:"telegram_chat_id"`
	SendTimeout      time.Duration     `yaml:"send_timeout"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds assessment batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig holds S3 archival settings for retired block records.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	StorageClass    string `yaml:"storage_class"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   500,
			MaxPayloadSize: 5 * 1024 * 1024, // 5MB
			DTLS: DTLSConfig{
				Enabled:           false, // Enable when certificates are configured
				Address:           ":5517",
				Workers:           4,
				MaxMessageSize:    65535,
				ConnectionTimeout: 30 * time.Second,
				IdleTimeout:       5 * time.Minute,
				AllowInsecure:     false,
				RequireClientCert: false,
			},
			Kafka: KafkaConfig{
				Enabled:        false,
				Brokers:        []string{"localhost:9092"},
				Topic:          "auth-events",
				ConsumerGroup:  "authguard",
				MinBytes:       1,
				MaxBytes:       10 * 1024 * 1024,
				MaxWait:        500 * time.Millisecond,
				CommitInterval: time.Second,
				StartOffset:    -1,
			},
		},
		Queue: QueueConfig{
			Size: 50000,
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Workers:      4,
			ShutdownWait: 30 * time.Second,
		},
		Intel: IntelConfig{
			CacheTTL:        24 * time.Hour,
			CacheShards:     16,
			ProviderTimeout: 10 * time.Second,
			MaxRetries:      2,
			RetryBackoff:    500 * time.Millisecond,
			LocalFeed: LocalFeedConfig{
				RefreshInterval: time.Hour,
			},
			Redis: RedisConfig{
				Enabled:      false,
				Addr:         "localhost:6379",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
			},
		},
		Features: FeaturesConfig{
			MaxTravelSpeedKmh:  900, // commercial-flight class
			SessionTimeout:     12 * time.Hour,
			BaselineMinSamples: 10,
			HistoryWindow:      7 * 24 * time.Hour,
			ClassifierWeight:   0.20,
		},
		BruteForce: BruteForceConfig{
			PerMinuteCritical:   10,
			Per10MinHigh:        20,
			PerHourMedium:       30,
			DistinctUsernames:   8,
			DictionaryFraction:  0.5,
			SequentialMin:       3,
			CoordinationWindow:  10 * time.Minute,
			CoordinationSources: 3,
			IndexShards:         16,
		},
		Engine: EngineConfig{
			AutoBlockThreshold: 85,
		},
		Blocker: BlockerConfig{
			DurationLow:      time.Hour,
			DurationMedium:   24 * time.Hour,
			DurationHigh:     168 * time.Hour,
			DurationCritical: 720 * time.Hour,
			SweepInterval:    time.Minute,
		},
		Enforce: EnforceConfig{
			Backend:      "noop",
			NftablesPath: "/usr/sbin/nft",
			IptablesPath: "/sbin/iptables",
		},
		Alerting: AlertingConfig{
			Enabled:     false,
			SendTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "authguard",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     500,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
			Archive: ArchiveConfig{
				Enabled:      false,
				Region:       "us-east-1",
				Bucket:       "authguard-archive",
				Prefix:       "blocks/",
				StorageClass: "INTELLIGENT_TIERING",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("AUTHGUARD_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("AUTHGUARD_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = p
		}
	}

	if level := os.Getenv("AUTHGUARD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if enabled := os.Getenv("AUTHGUARD_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("AUTHGUARD_REDIS_ADDR"); addr != "" {
		c.Intel.Redis.Addr = addr
		c.Intel.Redis.Enabled = true
	}

	if pass := os.Getenv("AUTHGUARD_REDIS_PASSWORD"); pass != "" {
		c.Intel.Redis.Password = pass
	}

	if brokers := os.Getenv("AUTHGUARD_KAFKA_BROKERS"); brokers != "" {
		c.Ingest.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Ingest.Kafka.Enabled = true
	}

	if wl := os.Getenv("AUTHGUARD_WHITELIST"); wl != "" {
		c.Blocker.Whitelist = append(c.Blocker.Whitelist, splitAndTrim(wl, ",")...)
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch workers must be positive")
	}

	if c.Features.MaxTravelSpeedKmh <= 0 {
		return fmt.Errorf("max_travel_speed_kmh must be positive")
	}

	if c.Features.ClassifierWeight < 0 || c.Features.ClassifierWeight > 1 {
		return fmt.Errorf("classifier_weight must be in [0,1]")
	}

	if c.Engine.AutoBlockThreshold <= 0 || c.Engine.AutoBlockThreshold > 100 {
		return fmt.Errorf("auto_block_threshold must be in (0,100]")
	}

	if c.Blocker.DurationLow > c.Blocker.DurationMedium ||
		c.Blocker.DurationMedium > c.Blocker.DurationHigh ||
		c.Blocker.DurationHigh > c.Blocker.DurationCritical {
		return fmt.Errorf("block durations must be non-decreasing with severity")
	}

	for _, p := range c.Intel.Providers {
		if p.Enabled && p.URL == "" {
			return fmt.Errorf("provider %q enabled without url", p.Name)
		}
	}

	return nil
}
