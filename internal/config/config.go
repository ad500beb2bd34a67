// Package config defines the top-level configuration for the marketrules
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETRULES_* environment variables.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Cache    CacheConfig    `toml:"cache"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Feed     FeedConfig     `toml:"feed"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Seed     SeedConfig     `toml:"seed"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// StoreConfig selects the sport configuration store.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis carries the
// invalidation bus, the shared raw-config cache, locks and rate limits; when
// disabled the service runs as a single replica.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	KeyPrefix      string   `toml:"key_prefix"`
	ConfigCacheTTL duration `toml:"config_cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SnapshotConfig controls configuration snapshots in object storage.
type SnapshotConfig struct {
	// Enabled exposes the snapshot API in serve and full modes.
	Enabled bool   `toml:"enabled"`
	Prefix  string `toml:"prefix"`
	// Keep is the number of snapshots retained after an export; 0 keeps all.
	Keep int `toml:"keep"`
	// RestoreKey selects the snapshot for restore mode; empty means latest.
	RestoreKey string `toml:"restore_key"`
}

// CacheConfig controls the compiled configuration cache.
type CacheConfig struct {
	TTL           duration `toml:"ttl"`
	SweepInterval duration `toml:"sweep_interval"`
}

// KafkaConfig holds broker and topic settings for batch ingestion and the
// processed-result sink.
type KafkaConfig struct {
	Enabled        bool     `toml:"enabled"`
	Brokers        []string `toml:"brokers"`
	GroupID        string   `toml:"group_id"`
	BatchTopic     string   `toml:"batch_topic"`
	ResultTopic    string   `toml:"result_topic"`
	PublishResults bool     `toml:"publish_results"`
}

// FeedConfig configures the non-Kafka batch sources.
type FeedConfig struct {
	// WSURL is a WebSocket endpoint streaming batch envelopes.
	WSURL string `toml:"ws_url"`
	// Sports restricts the WebSocket subscription; empty means all.
	Sports []string `toml:"sports"`
	// BusEnabled consumes envelopes published on the Redis batch channel.
	BusEnabled bool `toml:"bus_enabled"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the /api routes when set.
	APIKey string `toml:"api_key"`
	// RateLimit is the number of requests allowed per RateWindow and client;
	// 0 disables limiting.
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       duration `toml:"rate_window"`
	RateLimitBackend string   `toml:"rate_limit_backend"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
}

// SeedConfig controls seed documents.
type SeedConfig struct {
	// Path is a YAML seed file; empty uses the embedded cricket document.
	Path string `toml:"path"`
	// OnStart seeds the store before serving, mostly useful with the memory
	// driver.
	OnStart bool `toml:"on_start"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Driver: "memory",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketrules",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:        false,
			Addr:           "localhost:6379",
			PoolSize:       10,
			MaxRetries:     3,
			KeyPrefix:      "marketrules",
			ConfigCacheTTL: duration{10 * time.Minute},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "marketrules",
			ForcePathStyle: true,
		},
		Snapshot: SnapshotConfig{
			Prefix: "snapshots",
			Keep:   30,
		},
		Cache: CacheConfig{
			TTL:           duration{30 * time.Minute},
			SweepInterval: duration{time.Minute},
		},
		Kafka: KafkaConfig{
			Enabled:        false,
			Brokers:        []string{"localhost:9092"},
			GroupID:        "marketrules",
			BatchTopic:     "batches.in",
			ResultTopic:    "markets.out",
			PublishResults: true,
		},
		Server: ServerConfig{
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:        120,
			RateWindow:       duration{time.Minute},
			RateLimitBackend: "local",
		},
		Notify: NotifyConfig{
			DiscordUsername: "marketrules",
			Events:          []string{"compile_error", "store_error"},
		},
		Seed: SeedConfig{
			OnStart: true,
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":    true,
	"ingest":   true,
	"full":     true,
	"seed":     true,
	"snapshot": true,
	"restore":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Serves reports whether the mode runs the HTTP server.
func (c *Config) Serves() bool {
	m := strings.ToLower(c.Mode)
	return m == "serve" || m == "full"
}

// Ingests reports whether the mode runs the batch feeds.
func (c *Config) Ingests() bool {
	m := strings.ToLower(c.Mode)
	return m == "ingest" || m == "full"
}

// NeedsS3 reports whether the mode uses object storage.
func (c *Config) NeedsS3() bool {
	m := strings.ToLower(c.Mode)
	return m == "snapshot" || m == "restore" || (c.Serves() && c.Snapshot.Enabled)
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	// Mode
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, ingest, full, seed, snapshot, restore)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Store
	switch strings.ToLower(c.Store.Driver) {
	case "memory":
		if mode == "seed" || mode == "restore" {
			errs = append(errs, "store: driver memory cannot persist mode "+c.Mode+"; use postgres")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, memory)", c.Store.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.ConfigCacheTTL.Duration < 0 {
			errs = append(errs, "redis: config_cache_ttl must be >= 0")
		}
	}

	// S3 / snapshots
	if c.NeedsS3() {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty for mode "+c.Mode)
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty for mode "+c.Mode)
		}
	}
	if c.Snapshot.Keep < 0 {
		errs = append(errs, "snapshot: keep must be >= 0")
	}

	// Cache
	if c.Cache.TTL.Duration <= 0 {
		errs = append(errs, "cache: ttl must be > 0")
	}
	if c.Cache.SweepInterval.Duration < 0 {
		errs = append(errs, "cache: sweep_interval must be >= 0")
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when enabled")
		}
		if c.Kafka.BatchTopic == "" {
			errs = append(errs, "kafka: batch_topic must not be empty when enabled")
		}
		if c.Kafka.GroupID == "" {
			errs = append(errs, "kafka: group_id must not be empty when enabled")
		}
		if c.Kafka.PublishResults && c.Kafka.ResultTopic == "" {
			errs = append(errs, "kafka: result_topic must not be empty when publish_results is set")
		}
	}

	// Feeds
	if c.Feed.BusEnabled && !c.Redis.Enabled {
		errs = append(errs, "feed: bus_enabled requires redis.enabled")
	}
	if c.Ingests() && c.Feed.WSURL == "" && !c.Feed.BusEnabled && !c.Kafka.Enabled {
		errs = append(errs, "feed: mode "+c.Mode+" needs feed.ws_url, feed.bus_enabled or kafka.enabled")
	}

	// Server
	if c.Serves() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 {
			if c.Server.RateWindow.Duration <= 0 {
				errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
			}
			switch c.Server.RateLimitBackend {
			case "local":
			case "redis":
				if !c.Redis.Enabled {
					errs = append(errs, "server: rate_limit_backend redis requires redis.enabled")
				}
			default:
				errs = append(errs, fmt.Sprintf("server: unknown rate_limit_backend %q (valid: local, redis)", c.Server.RateLimitBackend))
			}
		}
	}

	// Notify: telegram needs both halves.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
