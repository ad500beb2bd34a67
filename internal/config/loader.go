package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETRULES_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETRULES_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Store ──
	setStr(&cfg.Store.Driver, "MARKETRULES_STORE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MARKETRULES_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MARKETRULES_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARKETRULES_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARKETRULES_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARKETRULES_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARKETRULES_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARKETRULES_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MARKETRULES_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARKETRULES_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MARKETRULES_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MARKETRULES_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARKETRULES_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETRULES_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETRULES_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETRULES_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETRULES_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETRULES_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "MARKETRULES_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.ConfigCacheTTL, "MARKETRULES_REDIS_CONFIG_CACHE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MARKETRULES_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETRULES_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETRULES_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETRULES_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETRULES_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARKETRULES_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARKETRULES_S3_FORCE_PATH_STYLE")

	// ── Snapshot ──
	setBool(&cfg.Snapshot.Enabled, "MARKETRULES_SNAPSHOT_ENABLED")
	setStr(&cfg.Snapshot.Prefix, "MARKETRULES_SNAPSHOT_PREFIX")
	setInt(&cfg.Snapshot.Keep, "MARKETRULES_SNAPSHOT_KEEP")
	setStr(&cfg.Snapshot.RestoreKey, "MARKETRULES_SNAPSHOT_RESTORE_KEY")

	// ── Cache ──
	setDuration(&cfg.Cache.TTL, "MARKETRULES_CACHE_TTL")
	setDuration(&cfg.Cache.SweepInterval, "MARKETRULES_CACHE_SWEEP_INTERVAL")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "MARKETRULES_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "MARKETRULES_KAFKA_BROKERS")
	setStr(&cfg.Kafka.GroupID, "MARKETRULES_KAFKA_GROUP_ID")
	setStr(&cfg.Kafka.BatchTopic, "MARKETRULES_KAFKA_BATCH_TOPIC")
	setStr(&cfg.Kafka.ResultTopic, "MARKETRULES_KAFKA_RESULT_TOPIC")
	setBool(&cfg.Kafka.PublishResults, "MARKETRULES_KAFKA_PUBLISH_RESULTS")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "MARKETRULES_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Sports, "MARKETRULES_FEED_SPORTS")
	setBool(&cfg.Feed.BusEnabled, "MARKETRULES_FEED_BUS_ENABLED")

	// ── Server ──
	setInt(&cfg.Server.Port, "MARKETRULES_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETRULES_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MARKETRULES_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "MARKETRULES_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "MARKETRULES_SERVER_RATE_WINDOW")
	setStr(&cfg.Server.RateLimitBackend, "MARKETRULES_SERVER_RATE_LIMIT_BACKEND")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETRULES_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETRULES_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETRULES_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.DiscordUsername, "MARKETRULES_NOTIFY_DISCORD_USERNAME")
	setStringSlice(&cfg.Notify.Events, "MARKETRULES_NOTIFY_EVENTS")

	// ── Seed ──
	setStr(&cfg.Seed.Path, "MARKETRULES_SEED_PATH")
	setBool(&cfg.Seed.OnStart, "MARKETRULES_SEED_ON_START")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETRULES_MODE")
	setStr(&cfg.LogLevel, "MARKETRULES_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
