package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/feed"
	"github.com/alanyoungcy/marketrules/internal/metrics"
	"github.com/alanyoungcy/marketrules/internal/seed"
	"github.com/alanyoungcy/marketrules/internal/server"
	"github.com/alanyoungcy/marketrules/internal/server/handler"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServeMode runs the long-lived modes: the HTTP API and WebSocket hub when
// serving, the batch feeds when ingesting, and the cache sweeper and
// invalidation listener in both.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("serves", a.cfg.Serves()),
		slog.Bool("ingests", a.cfg.Ingests()),
	)

	if err := a.warmUp(ctx, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Configs.RunSweeper(ctx, a.cfg.Cache.SweepInterval.Duration)
	})
	g.Go(func() error {
		return deps.Configs.ListenInvalidations(ctx)
	})

	if a.cfg.Serves() {
		a.startHTTPServer(ctx, g, deps)
	}
	if a.cfg.Ingests() {
		if n := a.startFeeds(ctx, g, deps); n == 0 {
			a.logger.WarnContext(ctx, "no batch feed configured; set feed.ws_url, feed.bus_enabled or kafka.enabled")
		}
	}

	return g.Wait()
}

// SeedMode loads the seed document into the store and exits.
func (a *App) SeedMode(ctx context.Context, deps *Dependencies) error {
	res, err := a.seed(ctx, deps)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "seed complete",
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
	)
	return nil
}

// SnapshotMode exports every stored configuration to object storage and exits.
func (a *App) SnapshotMode(ctx context.Context, deps *Dependencies) error {
	info, err := deps.Snapshots.Export(ctx)
	if err != nil {
		return fmt.Errorf("app: snapshot: %w", err)
	}
	a.logger.InfoContext(ctx, "snapshot complete",
		slog.String("path", info.Path),
		slog.Int64("bytes", info.Size),
	)
	return nil
}

// RestoreMode imports a snapshot into the store and exits.
func (a *App) RestoreMode(ctx context.Context, deps *Dependencies) error {
	res, err := deps.Snapshots.Restore(ctx, a.cfg.Snapshot.RestoreKey)
	if err != nil {
		return fmt.Errorf("app: restore: %w", err)
	}
	a.logger.InfoContext(ctx, "restore complete",
		slog.String("key", a.cfg.Snapshot.RestoreKey),
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
	)
	return nil
}

// warmUp seeds the store when configured and compiles every stored sport so
// the first batches hit the cache. Compile failures of single sports are
// logged; a store that cannot be read is fatal.
func (a *App) warmUp(ctx context.Context, deps *Dependencies) error {
	if a.cfg.Seed.OnStart {
		res, err := a.seed(ctx, deps)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "seeded store on start",
			slog.Int("inserted", res.Inserted),
			slog.Int("updated", res.Updated),
		)
		// Import already refreshed the cache.
		return nil
	}

	n, err := deps.Configs.RefreshAll(ctx)
	if err != nil {
		if n == 0 && ctx.Err() != nil {
			return err
		}
		a.logger.WarnContext(ctx, "cache warm-up incomplete",
			slog.Int("cached", n),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (a *App) seed(ctx context.Context, deps *Dependencies) (seed.Result, error) {
	doc, err := seed.Load(a.cfg.Seed.Path)
	if err != nil {
		return seed.Result{}, fmt.Errorf("app: seed: %w", err)
	}
	source := a.cfg.Seed.Path
	if source == "" {
		source = "embedded seed"
	}
	res, err := deps.Imports.Import(ctx, source, doc.Sports)
	if err != nil {
		return res, fmt.Errorf("app: seed: %w", err)
	}
	return res, nil
}

// startFeeds launches every configured batch source and returns how many
// were started.
func (a *App) startFeeds(ctx context.Context, g *errgroup.Group, deps *Dependencies) int {
	handle := feed.BatchHandler(deps.Batches.Handle)
	started := 0

	if a.cfg.Feed.WSURL != "" {
		wsFeed := feed.NewWSFeed(a.cfg.Feed.WSURL, a.cfg.Feed.Sports, countFailures(deps.Metrics, "ws", handle), a.root)
		g.Go(func() error {
			defer wsFeed.Close()
			return wsFeed.Run(ctx)
		})
		started++
	}

	if a.cfg.Feed.BusEnabled {
		if deps.SignalBus == nil {
			a.logger.WarnContext(ctx, "feed.bus_enabled requires redis; bus feed disabled")
		} else {
			busFeed := feed.NewBusFeed(deps.SignalBus, countFailures(deps.Metrics, "bus", handle), a.root)
			g.Go(func() error {
				return busFeed.Run(ctx)
			})
			started++
		}
	}

	if a.cfg.Kafka.Enabled {
		consumer := feed.NewKafkaConsumer(kafkaConfig(a.cfg.Kafka), countFailures(deps.Metrics, "kafka", handle), a.root)
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(ctx)
		})
		started++
	}

	return started
}

// countFailures counts handler errors per feed source. The error is passed
// on so the feed decides whether to retry.
func countFailures(m *metrics.Metrics, source string, next feed.BatchHandler) feed.BatchHandler {
	return func(ctx context.Context, b domain.SportBatch) error {
		err := next(ctx, b)
		if err != nil {
			m.RecordFeedFailure(source)
		}
		return err
	}
}

// startHTTPServer registers the API, metrics and WebSocket routes and runs the
// server until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.root, deps.Checks...),
		Configs: handler.NewConfigHandler(deps.Configs, a.root),
		Cache:   handler.NewCacheHandler(deps.Configs),
		Process: handler.NewProcessHandler(deps.Batches, a.root),
		Metrics: promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}),
	}
	if deps.Snapshots != nil {
		handlers.Snapshots = handler.NewSnapshotHandler(deps.Snapshots, a.root)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimiter: deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.Hub, a.root)

	g.Go(func() error {
		return deps.Hub.Run(ctx)
	})

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
}
