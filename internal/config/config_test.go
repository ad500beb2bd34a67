package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Cache.TTL.Duration != 30*time.Minute {
		t.Errorf("cache ttl = %s, want 30m", cfg.Cache.TTL.Duration)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
mode = "full"
log_level = "debug"

[store]
driver = "postgres"

[postgres]
dsn = "postgres://u:p@db:5432/rules"

[redis]
enabled = true
addr = "redis:6379"
config_cache_ttl = "2m"

[cache]
ttl = "45m"
sweep_interval = "30s"

[feed]
ws_url = "ws://feed:9000/batches"
sports = ["cricket"]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MARKETRULES_SERVER_PORT", "9100")
	t.Setenv("MARKETRULES_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MARKETRULES_CACHE_SWEEP_INTERVAL", "10s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Mode != "full" || cfg.Store.Driver != "postgres" {
		t.Errorf("mode/driver = %s/%s", cfg.Mode, cfg.Store.Driver)
	}
	if cfg.Cache.TTL.Duration != 45*time.Minute {
		t.Errorf("cache ttl = %s, want 45m", cfg.Cache.TTL.Duration)
	}
	if cfg.Cache.SweepInterval.Duration != 10*time.Second {
		t.Errorf("sweep interval = %s, want env override 10s", cfg.Cache.SweepInterval.Duration)
	}
	if cfg.Redis.ConfigCacheTTL.Duration != 2*time.Minute {
		t.Errorf("redis config cache ttl = %s", cfg.Redis.ConfigCacheTTL.Duration)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	if got := strings.Join(cfg.Kafka.Brokers, ","); got != "k1:9092,k2:9092" {
		t.Errorf("brokers = %s", got)
	}
	if !cfg.Serves() || !cfg.Ingests() {
		t.Error("full mode must serve and ingest")
	}
	// Untouched sections keep their defaults.
	if cfg.Snapshot.Prefix != "snapshots" {
		t.Errorf("snapshot prefix = %q", cfg.Snapshot.Prefix)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "unknown log_level"},
		{"bad driver", func(c *Config) { c.Store.Driver = "mongo" }, "unknown driver"},
		{"memory seed", func(c *Config) { c.Mode = "seed" }, "cannot persist"},
		{"postgres without host", func(c *Config) {
			c.Store.Driver = "postgres"
			c.Postgres.Host = ""
		}, "postgres: host"},
		{"zero ttl", func(c *Config) { c.Cache.TTL.Duration = 0 }, "cache: ttl"},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}, "kafka: brokers"},
		{"ingest without source", func(c *Config) { c.Mode = "ingest" }, "needs feed.ws_url"},
		{"bus without redis", func(c *Config) { c.Feed.BusEnabled = true }, "requires redis.enabled"},
		{"redis limiter without redis", func(c *Config) { c.Server.RateLimitBackend = "redis" }, "rate_limit_backend redis"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server: port"},
		{"half telegram", func(c *Config) { c.Notify.TelegramToken = "tok" }, "telegram_token"},
		{"snapshot without bucket", func(c *Config) {
			c.Mode = "snapshot"
			c.S3.Bucket = ""
		}, "s3: bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.LogLevel = "bogus"
	cfg.Cache.TTL.Duration = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if n := strings.Count(err.Error(), "\n  - "); n != 3 {
		t.Errorf("reported %d problems, want 3:\n%s", n, err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.TelegramToken = "tg-secret"

	out := RedactedConfig(&cfg)
	for name, got := range map[string]string{
		"postgres": out.Postgres.Password,
		"redis":    out.Redis.Password,
		"s3":       out.S3.SecretKey,
		"api":      out.Server.APIKey,
		"telegram": out.Notify.TelegramToken,
	} {
		if got != redacted {
			t.Errorf("%s secret = %q, want redacted", name, got)
		}
	}
	if out.S3.AccessKey != "" {
		t.Error("empty secret must stay empty")
	}
	if cfg.Postgres.Password != "pg-secret" {
		t.Error("original config was modified")
	}

	out.Server.CORSOrigins[0] = "changed"
	if cfg.Server.CORSOrigins[0] == "changed" {
		t.Error("redacted copy shares the CORS slice")
	}
}
