package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/marketrules/internal/cache/memory"
	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/metrics"
	"github.com/alanyoungcy/marketrules/internal/notify"
	"github.com/alanyoungcy/marketrules/internal/rules"
)

// ErrConfigUnavailable is returned when the configuration store cannot be
// read. It wraps the underlying store error.
var ErrConfigUnavailable = errors.New("configuration unavailable")

// ConfigService owns the compiled-configuration cache. Reads go through the
// in-process cache, then the shared raw-config cache, then the store; every
// write path recompiles and re-caches the affected sport and broadcasts an
// invalidation to the other replicas.
type ConfigService struct {
	store    domain.SportConfigStore
	cache    *memory.ConfigCache
	compiler *rules.Compiler
	shared   domain.SportConfigCache
	bus      domain.SignalBus
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	origin   string
	loads    singleflight.Group
	logger   *slog.Logger

	// failures holds the last hard compile error reported per sport so a
	// broken stored config alerts once rather than on every cache miss.
	failures sync.Map
}

// ConfigOption configures optional ConfigService collaborators.
type ConfigOption func(*ConfigService)

// WithSharedCache adds a raw-config cache shared between replicas.
func WithSharedCache(c domain.SportConfigCache) ConfigOption {
	return func(s *ConfigService) { s.shared = c }
}

// WithSignalBus enables cross-replica invalidation broadcasts.
func WithSignalBus(bus domain.SignalBus) ConfigOption {
	return func(s *ConfigService) { s.bus = bus }
}

// WithNotifier sends compile and store failures to operators.
func WithNotifier(n *notify.Notifier) ConfigOption {
	return func(s *ConfigService) { s.notifier = n }
}

// WithMetrics records compile and cache metrics.
func WithMetrics(m *metrics.Metrics) ConfigOption {
	return func(s *ConfigService) { s.metrics = m }
}

// NewConfigService creates a ConfigService with all required dependencies.
func NewConfigService(
	store domain.SportConfigStore,
	cache *memory.ConfigCache,
	compiler *rules.Compiler,
	logger *slog.Logger,
	opts ...ConfigOption,
) *ConfigService {
	s := &ConfigService{
		store:    store,
		cache:    cache,
		compiler: compiler,
		origin:   uuid.NewString(),
		logger:   logger.With(slog.String("component", "config_service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Origin identifies this process on the invalidation channel.
func (s *ConfigService) Origin() string {
	return s.origin
}

// Get returns the compiled configuration for sport, compiling it on a cache
// miss. Concurrent misses for the same sport share one load.
func (s *ConfigService) Get(ctx context.Context, sport string) (*rules.CompiledSportConfig, error) {
	if compiled, ok := s.cache.Get(sport); ok {
		s.metrics.RecordCacheLookup(true)
		return compiled, nil
	}
	s.metrics.RecordCacheLookup(false)

	key := memory.Key(sport)
	// The shared load outlives any single caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.loads.Do(key, func() (any, error) {
		if compiled, ok := s.cache.Get(sport); ok {
			return compiled, nil
		}
		raw, err := s.loadRaw(loadCtx, sport, true)
		if err != nil {
			return nil, err
		}
		return s.compileAndCache(loadCtx, raw)
	})
	if err != nil {
		return nil, err
	}
	return v.(*rules.CompiledSportConfig), nil
}

// loadRaw reads the raw configuration, from the shared cache when allowed and
// then from the store, back-filling the shared cache.
func (s *ConfigService) loadRaw(ctx context.Context, sport string, useShared bool) (domain.SportConfig, error) {
	if useShared && s.shared != nil {
		raw, err := s.shared.Get(ctx, sport)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "config_service: shared cache get failed",
				slog.String("sport", sport),
				slog.String("error", err.Error()),
			)
		}
	}

	raw, err := s.store.GetBySport(ctx, sport)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SportConfig{}, fmt.Errorf("config_service: sport %q: %w", sport, domain.ErrNotFound)
		}
		s.storeFailure(ctx, "get "+sport, err)
		return domain.SportConfig{}, fmt.Errorf("config_service: get %q: %w: %w", sport, ErrConfigUnavailable, err)
	}

	s.setShared(ctx, raw)
	return raw, nil
}

// compileAndCache compiles raw, stores the result in the cache and reports
// rule errors. A hard compile failure leaves the cache untouched.
func (s *ConfigService) compileAndCache(ctx context.Context, raw domain.SportConfig) (*rules.CompiledSportConfig, error) {
	compiled, err := s.compile(ctx, raw)
	if err != nil {
		return nil, err
	}
	s.cache.Put(raw.Sport, compiled)
	s.metrics.SetCacheSize(s.cache.Size())
	return compiled, nil
}

func (s *ConfigService) compile(ctx context.Context, raw domain.SportConfig) (*rules.CompiledSportConfig, error) {
	start := time.Now()
	compiled, err := s.compiler.Compile(raw)
	if err != nil {
		s.metrics.RecordCompile(raw.Sport, time.Since(start), 0, err)
		s.logger.ErrorContext(ctx, "config_service: compile failed",
			slog.String("sport", raw.Sport),
			slog.String("error", err.Error()),
		)
		key := memory.Key(raw.Sport)
		if prev, ok := s.failures.Load(key); !ok || prev != err.Error() {
			s.failures.Store(key, err.Error())
			s.notify(ctx, notify.EventCompileError, "Compile failed: "+raw.Sport, err.Error())
		}
		return nil, fmt.Errorf("config_service: compile %q: %w: %w", raw.Sport, domain.ErrInvalidConfig, err)
	}

	s.failures.Delete(memory.Key(raw.Sport))
	ruleErrs := compiled.RuleErrors()
	total, usable := compiled.RuleCount()
	s.metrics.RecordCompile(raw.Sport, time.Since(start), len(ruleErrs), nil)
	s.logger.InfoContext(ctx, "config_service: compiled",
		slog.String("sport", raw.Sport),
		slog.Int("rules", total),
		slog.Int("usable", usable),
		slog.Duration("took", time.Since(start)),
	)

	if len(ruleErrs) > 0 {
		lines := make([]string, 0, len(ruleErrs))
		for _, e := range ruleErrs {
			lines = append(lines, e.Error())
		}
		s.logger.WarnContext(ctx, "config_service: rules failed to compile",
			slog.String("sport", raw.Sport),
			slog.Int("failed", len(ruleErrs)),
			slog.String("first_error", lines[0]),
		)
		s.notify(ctx, notify.EventCompileError,
			fmt.Sprintf("%d rule(s) failed to compile: %s", len(ruleErrs), raw.Sport),
			strings.Join(lines, "\n"),
		)
	}
	return compiled, nil
}

// Validate compiles cfg without storing or caching it.
func (s *ConfigService) Validate(cfg domain.SportConfig) (*rules.CompiledSportConfig, error) {
	compiled, err := s.compiler.Compile(cfg)
	if err != nil {
		return nil, fmt.Errorf("config_service: validate: %w: %w", domain.ErrInvalidConfig, err)
	}
	return compiled, nil
}

// List returns every raw configuration in the store.
func (s *ConfigService) List(ctx context.Context) ([]domain.SportConfig, error) {
	cfgs, err := s.store.ListAll(ctx)
	if err != nil {
		s.storeFailure(ctx, "list", err)
		return nil, fmt.Errorf("config_service: list: %w: %w", ErrConfigUnavailable, err)
	}
	return cfgs, nil
}

// GetByID returns one raw configuration.
func (s *ConfigService) GetByID(ctx context.Context, id string) (domain.SportConfig, error) {
	cfg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.SportConfig{}, s.storeError("get by id", err)
	}
	return cfg, nil
}

// Create validates, stores and caches a new configuration.
func (s *ConfigService) Create(ctx context.Context, cfg domain.SportConfig) (domain.SportConfig, *rules.CompiledSportConfig, error) {
	if _, err := s.Validate(cfg); err != nil {
		return domain.SportConfig{}, nil, err
	}
	stored, err := s.store.Insert(ctx, cfg)
	if err != nil {
		return domain.SportConfig{}, nil, s.storeError("insert", err)
	}

	compiled, err := s.compileAndCache(ctx, stored)
	if err != nil {
		return stored, nil, err
	}
	s.setShared(ctx, stored)
	s.publish(ctx, domain.Invalidation{Sport: stored.Sport})
	s.notify(ctx, notify.EventConfigChanged, "Config created: "+stored.Sport,
		fmt.Sprintf("id %s, %d rule(s)", stored.ID, stored.RuleCount()))
	return stored, compiled, nil
}

// Update validates and replaces the configuration with the given id, then
// recompiles it. A renamed sport drops the cache entry of its old name.
func (s *ConfigService) Update(ctx context.Context, id string, cfg domain.SportConfig) (domain.SportConfig, *rules.CompiledSportConfig, error) {
	if _, err := s.Validate(cfg); err != nil {
		return domain.SportConfig{}, nil, err
	}
	old, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.SportConfig{}, nil, s.storeError("update", err)
	}
	stored, err := s.store.Update(ctx, id, cfg)
	if err != nil {
		return domain.SportConfig{}, nil, s.storeError("update", err)
	}

	if memory.Key(old.Sport) != memory.Key(stored.Sport) {
		s.cache.Invalidate(old.Sport)
		s.deleteShared(ctx, old.Sport)
		s.publish(ctx, domain.Invalidation{Sport: old.Sport})
	}
	s.cache.Invalidate(stored.Sport)
	compiled, err := s.compileAndCache(ctx, stored)
	if err != nil {
		return stored, nil, err
	}
	s.setShared(ctx, stored)
	s.publish(ctx, domain.Invalidation{Sport: stored.Sport})
	s.notify(ctx, notify.EventConfigChanged, "Config updated: "+stored.Sport,
		fmt.Sprintf("id %s, %d rule(s)", stored.ID, stored.RuleCount()))
	return stored, compiled, nil
}

// Delete removes the configuration with the given id and its cache entries.
func (s *ConfigService) Delete(ctx context.Context, id string) error {
	old, err := s.store.GetByID(ctx, id)
	if err != nil {
		return s.storeError("delete", err)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return s.storeError("delete", err)
	}

	s.cache.Invalidate(old.Sport)
	s.metrics.SetCacheSize(s.cache.Size())
	s.deleteShared(ctx, old.Sport)
	s.publish(ctx, domain.Invalidation{Sport: old.Sport})
	s.notify(ctx, notify.EventConfigChanged, "Config deleted: "+old.Sport, "id "+id)
	return nil
}

// Refresh drops every cached form of sport and recompiles it from the store.
func (s *ConfigService) Refresh(ctx context.Context, sport string) (*rules.CompiledSportConfig, error) {
	s.cache.Invalidate(sport)
	s.deleteShared(ctx, sport)

	raw, err := s.loadRaw(ctx, sport, false)
	if err != nil {
		s.metrics.SetCacheSize(s.cache.Size())
		return nil, err
	}
	compiled, err := s.compileAndCache(ctx, raw)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, domain.Invalidation{Sport: raw.Sport})
	return compiled, nil
}

// RefreshAll clears the cache and recompiles every stored configuration.
// Sports that fail hard are left uncached and reported in the joined error;
// the returned count covers the sports that were cached.
func (s *ConfigService) RefreshAll(ctx context.Context) (int, error) {
	raws, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	s.cache.InvalidateAll()

	start := time.Now()
	compiled, err := s.compiler.CompileAll(ctx, raws)
	if err != nil && ctx.Err() != nil {
		return 0, err
	}

	cached := 0
	for i, c := range compiled {
		if c == nil {
			s.metrics.RecordCompile(raws[i].Sport, time.Since(start), 0, errors.New("compile failed"))
			continue
		}
		s.metrics.RecordCompile(raws[i].Sport, time.Since(start), len(c.RuleErrors()), nil)
		s.cache.Put(raws[i].Sport, c)
		s.setShared(ctx, raws[i])
		cached++
	}
	s.metrics.SetCacheSize(s.cache.Size())
	s.publish(ctx, domain.Invalidation{All: true})

	s.logger.InfoContext(ctx, "config_service: refreshed all",
		slog.Int("sports", len(raws)),
		slog.Int("cached", cached),
		slog.Duration("took", time.Since(start)),
	)
	if err != nil {
		s.notify(ctx, notify.EventCompileError, "Refresh failed for some sports", err.Error())
		return cached, fmt.Errorf("config_service: refresh all: %w: %w", domain.ErrInvalidConfig, err)
	}
	return cached, nil
}

// CacheSize returns the number of cached compiled configurations.
func (s *ConfigService) CacheSize() int {
	return s.cache.Size()
}

// CacheKeys returns the cached sport keys in sorted order.
func (s *ConfigService) CacheKeys() []string {
	return s.cache.Keys()
}

// CacheTTL returns the compiled-config time to live.
func (s *ConfigService) CacheTTL() time.Duration {
	return s.cache.TTL()
}

// Invalidate drops the compiled configuration of sport here and on every
// other replica. It reports whether this replica held an entry.
func (s *ConfigService) Invalidate(ctx context.Context, sport string) bool {
	removed := s.cache.Invalidate(sport)
	s.metrics.SetCacheSize(s.cache.Size())
	s.publish(ctx, domain.Invalidation{Sport: sport})
	return removed
}

// InvalidateAll clears the compiled cache here and on every other replica.
func (s *ConfigService) InvalidateAll(ctx context.Context) int {
	n := s.cache.InvalidateAll()
	s.metrics.SetCacheSize(0)
	s.publish(ctx, domain.Invalidation{All: true})
	return n
}

// SweepExpired removes expired cache entries.
func (s *ConfigService) SweepExpired() int {
	n := s.cache.SweepExpired()
	s.metrics.SetCacheSize(s.cache.Size())
	return n
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (s *ConfigService) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := s.SweepExpired(); n > 0 {
				s.logger.DebugContext(ctx, "config_service: swept expired entries",
					slog.Int("removed", n),
					slog.Int("remaining", s.cache.Size()),
				)
			}
		}
	}
}

// ListenInvalidations applies invalidations broadcast by other replicas to
// the local cache until ctx is cancelled.
func (s *ConfigService) ListenInvalidations(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	ch, err := s.bus.Subscribe(ctx, domain.ChannelConfigInvalidate)
	if err != nil {
		return fmt.Errorf("config_service: subscribe invalidations: %w", err)
	}
	s.logger.InfoContext(ctx, "config_service: listening for invalidations",
		slog.String("origin", s.origin),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			s.applyInvalidation(ctx, data)
		}
	}
}

func (s *ConfigService) applyInvalidation(ctx context.Context, data []byte) {
	var inv domain.Invalidation
	if err := json.Unmarshal(data, &inv); err != nil {
		s.logger.WarnContext(ctx, "config_service: bad invalidation payload",
			slog.String("error", err.Error()),
		)
		return
	}
	if inv.Origin == s.origin {
		return
	}

	switch {
	case inv.All:
		n := s.cache.InvalidateAll()
		s.logger.InfoContext(ctx, "config_service: remote invalidate all",
			slog.String("origin", inv.Origin),
			slog.Int("removed", n),
		)
	case inv.Sport != "":
		s.cache.Invalidate(inv.Sport)
		s.logger.DebugContext(ctx, "config_service: remote invalidate",
			slog.String("origin", inv.Origin),
			slog.String("sport", inv.Sport),
		)
	}
	s.metrics.SetCacheSize(s.cache.Size())
}

func (s *ConfigService) publish(ctx context.Context, inv domain.Invalidation) {
	if s.bus == nil {
		return
	}
	inv.Origin = s.origin
	data, err := json.Marshal(inv)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelConfigInvalidate, data); err != nil {
		// Non-fatal: peers fall back to TTL expiry.
		s.logger.WarnContext(ctx, "config_service: publish invalidation failed",
			slog.String("sport", inv.Sport),
			slog.Bool("all", inv.All),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ConfigService) setShared(ctx context.Context, raw domain.SportConfig) {
	if s.shared == nil {
		return
	}
	if err := s.shared.Set(ctx, raw); err != nil {
		s.logger.WarnContext(ctx, "config_service: shared cache set failed",
			slog.String("sport", raw.Sport),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ConfigService) deleteShared(ctx context.Context, sport string) {
	if s.shared == nil {
		return
	}
	if err := s.shared.Delete(ctx, sport); err != nil {
		s.logger.WarnContext(ctx, "config_service: shared cache delete failed",
			slog.String("sport", sport),
			slog.String("error", err.Error()),
		)
	}
}

// storeError maps a store failure on a write or id lookup. Not-found and
// conflict errors pass through; anything else is ErrConfigUnavailable.
func (s *ConfigService) storeError(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("config_service: %s: %w", op, err)
	}
	s.storeFailure(context.Background(), op, err)
	return fmt.Errorf("config_service: %s: %w: %w", op, ErrConfigUnavailable, err)
}

func (s *ConfigService) storeFailure(ctx context.Context, op string, err error) {
	s.logger.ErrorContext(ctx, "config_service: store failure",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	s.notify(ctx, notify.EventStoreError, "Config store failure", op+": "+err.Error())
}

func (s *ConfigService) notify(ctx context.Context, event, title, message string) {
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "config_service: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
