package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/marketrules/internal/config"
	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/metrics"
)

func testApp(t *testing.T, mode string) (*App, *Dependencies) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = mode
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	deps, cleanup, err := Wire(context.Background(), a.cfg, a.root)
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	t.Cleanup(cleanup)
	return a, deps
}

func TestWireMemoryDefaults(t *testing.T) {
	tests := []struct {
		mode    string
		wantHub bool
	}{
		{mode: "serve", wantHub: true},
		{mode: "full", wantHub: true},
		{mode: "ingest", wantHub: false},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			_, deps := testApp(t, tt.mode)
			if deps.Store == nil || deps.Configs == nil || deps.Batches == nil || deps.Imports == nil {
				t.Fatal("core dependencies not wired")
			}
			if (deps.Hub != nil) != tt.wantHub {
				t.Errorf("hub wired = %v, want %v", deps.Hub != nil, tt.wantHub)
			}
			if deps.SignalBus != nil || deps.LockManager != nil || deps.SharedCache != nil {
				t.Error("redis dependencies wired while redis is disabled")
			}
			if deps.RateLimiter == nil {
				t.Error("local rate limiter not wired")
			}
			if deps.Snapshots != nil {
				t.Error("snapshots wired without object storage")
			}
		})
	}
}

func TestWarmUpSeedsStore(t *testing.T) {
	a, deps := testApp(t, "serve")
	ctx := context.Background()

	if err := a.warmUp(ctx, deps); err != nil {
		t.Fatalf("warmUp: %v", err)
	}
	cfgs, err := deps.Store.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfgs) != 1 || cfgs[0].Sport != "cricket" {
		t.Fatalf("stored configs = %+v", cfgs)
	}
	if got := deps.Configs.CacheSize(); got != 1 {
		t.Errorf("cache size after warm-up = %d, want 1", got)
	}

	// A second start updates instead of duplicating.
	res, err := a.seed(ctx, deps)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Errorf("reseed result = %+v", res)
	}
}

func TestCountFailures(t *testing.T) {
	m := metrics.New()
	failing := countFailures(m, "ws", func(context.Context, domain.SportBatch) error {
		return errors.New("boom")
	})
	if err := failing(context.Background(), domain.SportBatch{}); err == nil {
		t.Fatal("error was swallowed")
	}

	ok := countFailures(nil, "ws", func(context.Context, domain.SportBatch) error { return nil })
	if err := ok(context.Background(), domain.SportBatch{}); err != nil {
		t.Fatal(err)
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer a.Close()
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("unknown mode accepted")
	}
}
