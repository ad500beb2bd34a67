package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/marketrules/internal/blob/s3"
	"github.com/alanyoungcy/marketrules/internal/cache/memory"
	"github.com/alanyoungcy/marketrules/internal/cache/redis"
	"github.com/alanyoungcy/marketrules/internal/config"
	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/feed"
	"github.com/alanyoungcy/marketrules/internal/metrics"
	"github.com/alanyoungcy/marketrules/internal/notify"
	"github.com/alanyoungcy/marketrules/internal/processor"
	"github.com/alanyoungcy/marketrules/internal/rules"
	"github.com/alanyoungcy/marketrules/internal/server/handler"
	"github.com/alanyoungcy/marketrules/internal/server/middleware"
	"github.com/alanyoungcy/marketrules/internal/server/ws"
	"github.com/alanyoungcy/marketrules/internal/service"
	storemem "github.com/alanyoungcy/marketrules/internal/store/memory"
	"github.com/alanyoungcy/marketrules/internal/store/postgres"
)

// Dependencies bundles every dependency that the application modes need to
// operate. It is constructed by Wire and torn down by the returned cleanup
// function. Optional parts are nil when their backend is not configured.
type Dependencies struct {
	// Stores and caches
	Store       domain.SportConfigStore
	SharedCache domain.SportConfigCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Object storage
	Snapshotter service.Snapshotter

	// Observability
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Checks   []handler.Check

	// Services
	Configs   *service.ConfigService
	Batches   *service.BatchService
	Imports   *service.ImportService
	Snapshots *service.SnapshotService

	// Hub pushes processed batches to WebSocket clients in serving modes.
	Hub *ws.Hub
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- Configuration store ---
	switch strings.ToLower(cfg.Store.Driver) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Store = postgres.NewSportConfigStore(pgClient.Pool())
		deps.Checks = append(deps.Checks, handler.Check{Name: "postgres", Ping: pgClient.Health})
	default:
		deps.Store = storemem.NewSportConfigStore()
	}

	// --- Redis (optional) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		if cfg.Redis.ConfigCacheTTL.Duration > 0 {
			deps.SharedCache = redis.NewSportConfigCache(redisClient, cfg.Redis.ConfigCacheTTL.Duration)
		}
		if strings.EqualFold(cfg.Server.RateLimitBackend, "redis") {
			deps.RateLimiter = redis.NewRateLimiter(redisClient)
		}
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Ping: redisClient.Ping})
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = middleware.NewLocalLimiter()
	}

	// --- S3 snapshots (only for modes that need object storage) ---
	if cfg.NeedsS3() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		reader := s3blob.NewReader(s3Client)
		// The reader also implements BlobDeleter.
		deps.Snapshotter = s3blob.NewSnapshotter(s3blob.NewWriter(s3Client), reader, reader, cfg.Snapshot.Prefix)
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Ping: s3Client.Health})
	}

	// --- Notifications ---
	notifier, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		return fail(err)
	}
	deps.Notifier = notifier

	// --- Services ---
	opts := []service.ConfigOption{
		service.WithNotifier(deps.Notifier),
		service.WithMetrics(deps.Metrics),
	}
	if deps.SignalBus != nil {
		opts = append(opts, service.WithSignalBus(deps.SignalBus))
	}
	if deps.SharedCache != nil {
		opts = append(opts, service.WithSharedCache(deps.SharedCache))
	}
	deps.Configs = service.NewConfigService(
		deps.Store,
		memory.NewConfigCache(cfg.Cache.TTL.Duration),
		rules.NewCompiler(),
		logger,
		opts...,
	)
	deps.Imports = service.NewImportService(deps.Store, deps.LockManager, deps.Configs, logger)
	if deps.Snapshotter != nil {
		deps.Snapshots = service.NewSnapshotService(
			deps.Configs, deps.Imports, deps.Snapshotter, deps.LockManager,
			deps.Notifier, cfg.Snapshot.Keep, logger,
		)
	}

	// Processed batches reach WebSocket clients through the results channels
	// when Redis is up, and directly otherwise.
	var sinks []service.ResultSink
	if cfg.Serves() {
		deps.Hub = ws.NewHub(deps.SignalBus, logger, ws.Config{
			Mode:      cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		if deps.SignalBus == nil {
			sinks = append(sinks, deps.Hub)
		}
	}
	if cfg.Kafka.Enabled && cfg.Kafka.PublishResults && cfg.Ingests() {
		sink := feed.NewKafkaSink(kafkaConfig(cfg.Kafka))
		closers = append(closers, func() { _ = sink.Close() })
		sinks = append(sinks, sink)
	}
	deps.Batches = service.NewBatchService(
		deps.Configs,
		processor.New(logger),
		deps.SignalBus,
		deps.Metrics,
		logger,
		sinks...,
	)

	return deps, cleanup, nil
}

// buildNotifier creates the notifier with every configured sender.
func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) (*notify.Notifier, error) {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		tg, err := notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return nil, fmt.Errorf("wire: telegram: %w", err)
		}
		senders = append(senders, tg)
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL, cfg.DiscordUsername))
	}
	return notify.NewNotifier(senders, cfg.Events, logger), nil
}

// kafkaConfig maps the TOML section to the feed configuration.
func kafkaConfig(cfg config.KafkaConfig) feed.KafkaConfig {
	return feed.KafkaConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		BatchTopic:  cfg.BatchTopic,
		ResultTopic: cfg.ResultTopic,
	}
}
