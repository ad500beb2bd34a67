package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/marketrules/internal/cache/memory"
	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/processor"
	"github.com/alanyoungcy/marketrules/internal/rules"
	"github.com/alanyoungcy/marketrules/internal/seed"
	storemem "github.com/alanyoungcy/marketrules/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cricketDoc(t *testing.T) seed.Document {
	t.Helper()
	doc, err := seed.Default()
	if err != nil {
		t.Fatalf("seed.Default: %v", err)
	}
	return doc
}

// countingStore wraps a store and counts sport lookups. When gate is set,
// GetBySport blocks until it is closed, then honours ctx like a network store.
type countingStore struct {
	domain.SportConfigStore
	lookups atomic.Int32
	gate    chan struct{}
	err     error
}

func (s *countingStore) GetBySport(ctx context.Context, sport string) (domain.SportConfig, error) {
	s.lookups.Add(1)
	if s.gate != nil {
		<-s.gate
		if err := ctx.Err(); err != nil {
			return domain.SportConfig{}, err
		}
	}
	if s.err != nil {
		return domain.SportConfig{}, s.err
	}
	return s.SportConfigStore.GetBySport(ctx, sport)
}

func (s *countingStore) ListAll(ctx context.Context) ([]domain.SportConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.SportConfigStore.ListAll(ctx)
}

type fakeBus struct {
	mu        sync.Mutex
	subs      map[string][]chan []byte
	published []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]chan []byte)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, channel+" "+string(payload))
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

func (b *fakeBus) subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *fakeBus) messages(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.published {
		if strings.HasPrefix(m, prefix) {
			out = append(out, m)
		}
	}
	return out
}

type fakeShared struct {
	mu   sync.Mutex
	cfgs map[string]domain.SportConfig
}

func newFakeShared() *fakeShared {
	return &fakeShared{cfgs: make(map[string]domain.SportConfig)}
}

func (c *fakeShared) Get(_ context.Context, sport string) (domain.SportConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.cfgs[memory.Key(sport)]
	if !ok {
		return domain.SportConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (c *fakeShared) Set(_ context.Context, cfg domain.SportConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfgs[memory.Key(cfg.Sport)] = cfg
	return nil
}

func (c *fakeShared) Delete(_ context.Context, sport string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cfgs, memory.Key(sport))
	return nil
}

func (c *fakeShared) has(sport string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cfgs[memory.Key(sport)]
	return ok
}

type fixture struct {
	store   *countingStore
	bus     *fakeBus
	shared  *fakeShared
	configs *ConfigService
}

func newFixture(t *testing.T, seeded bool) *fixture {
	t.Helper()
	base := storemem.NewSportConfigStore()
	if seeded {
		if _, err := base.Insert(context.Background(), cricketDoc(t).Sports[0]); err != nil {
			t.Fatal(err)
		}
	}
	f := &fixture{
		store:  &countingStore{SportConfigStore: base},
		bus:    newFakeBus(),
		shared: newFakeShared(),
	}
	f.configs = NewConfigService(f.store, memory.NewConfigCache(time.Minute), rules.NewCompiler(), discardLogger(),
		WithSignalBus(f.bus),
		WithSharedCache(f.shared),
	)
	return f
}

func TestConfigServiceGetCachesCompiled(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.configs.Get(ctx, "Cricket")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := f.configs.Get(ctx, "cricket")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second {
		t.Error("second Get did not return the cached artifact")
	}
	if got := f.store.lookups.Load(); got != 1 {
		t.Errorf("store lookups = %d, want 1", got)
	}
	if !f.shared.has("cricket") {
		t.Error("shared cache not back-filled")
	}
	if got := f.configs.CacheKeys(); len(got) != 1 || got[0] != "cricket" {
		t.Errorf("cache keys = %v", got)
	}
}

func TestConfigServiceGetSingleflight(t *testing.T) {
	f := newFixture(t, true)
	f.store.gate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*rules.CompiledSportConfig, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = f.configs.Get(context.Background(), "cricket")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.store.gate)
	wg.Wait()

	if got := f.store.lookups.Load(); got != 1 {
		t.Errorf("store lookups = %d, want 1", got)
	}
	for i, r := range results {
		if r == nil || r != results[0] {
			t.Fatalf("result[%d] differs from result[0]", i)
		}
	}
}

func TestConfigServiceGetSurvivesCallerCancel(t *testing.T) {
	f := newFixture(t, true)
	f.store.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.configs.Get(ctx, "cricket")
		firstErr <- err
	}()
	for deadline := time.Now().Add(time.Second); f.store.lookups.Load() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("first load never reached the store")
		}
		time.Sleep(time.Millisecond)
	}

	second := make(chan error, 1)
	go func() {
		_, err := f.configs.Get(context.Background(), "cricket")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(f.store.gate)

	if err := <-second; err != nil {
		t.Fatalf("waiting caller err = %v, want nil", err)
	}
	if err := <-firstErr; err != nil {
		t.Fatalf("cancelled caller err = %v, want shared result", err)
	}
	if f.configs.CacheSize() != 1 {
		t.Errorf("cache size = %d, want 1", f.configs.CacheSize())
	}
}

func TestConfigServiceGetErrors(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.configs.Get(ctx, "tennis"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown sport err = %v, want ErrNotFound", err)
	}

	storeErr := errors.New("connection refused")
	f.store.err = storeErr
	_, err := f.configs.Get(ctx, "tennis")
	if !errors.Is(err, ErrConfigUnavailable) || !errors.Is(err, storeErr) {
		t.Fatalf("store failure err = %v, want ErrConfigUnavailable wrapping the store error", err)
	}
	if f.configs.CacheSize() != 0 {
		t.Error("failed lookup must not populate the cache")
	}
}

func TestConfigServiceReadsSharedCache(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_ = f.shared.Set(ctx, cricketDoc(t).Sports[0])

	if _, err := f.configs.Get(ctx, "cricket"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := f.store.lookups.Load(); got != 0 {
		t.Errorf("store lookups = %d, want 0 on shared hit", got)
	}
}

func TestConfigServiceCreateUpdateDelete(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	cfg := cricketDoc(t).Sports[0]

	stored, compiled, err := f.configs.Create(ctx, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if stored.ID == "" || compiled == nil {
		t.Fatalf("Create returned id %q compiled %v", stored.ID, compiled)
	}
	if f.configs.CacheSize() != 1 {
		t.Fatalf("cache size = %d after create, want 1", f.configs.CacheSize())
	}
	if _, _, err := f.configs.Create(ctx, cfg); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate create err = %v, want ErrAlreadyExists", err)
	}

	renamed := cfg
	renamed.Sport = "T20"
	if _, _, err := f.configs.Update(ctx, stored.ID, renamed); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if keys := f.configs.CacheKeys(); len(keys) != 1 || keys[0] != "t20" {
		t.Fatalf("cache keys after rename = %v, want [t20]", keys)
	}
	if f.shared.has("cricket") {
		t.Error("shared cache still holds the old sport name")
	}

	if err := f.configs.Delete(ctx, stored.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.configs.CacheSize() != 0 || f.shared.has("t20") {
		t.Error("delete left cached entries behind")
	}
	if err := f.configs.Delete(ctx, stored.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}

	if got := len(f.bus.messages(domain.ChannelConfigInvalidate)); got < 4 {
		t.Errorf("invalidations published = %d, want at least 4", got)
	}
}

func TestConfigServiceCreateRejectsInvalid(t *testing.T) {
	f := newFixture(t, false)
	cfg := domain.SportConfig{
		Sport:  "cricket",
		Groups: []domain.MarketGroup{{Name: "broken", Pattern: "(unclosed"}},
	}
	if _, _, err := f.configs.Create(context.Background(), cfg); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	all, _ := f.store.ListAll(context.Background())
	if len(all) != 0 {
		t.Error("invalid config was stored")
	}
}

func TestConfigServiceRefresh(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	before, err := f.configs.Get(ctx, "cricket")
	if err != nil {
		t.Fatal(err)
	}
	after, err := f.configs.Refresh(ctx, "cricket")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if before == after {
		t.Error("Refresh returned the stale artifact")
	}

	n, err := f.configs.RefreshAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RefreshAll = %d, %v; want 1, nil", n, err)
	}
	if _, err := f.configs.Refresh(ctx, "tennis"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("refresh unknown err = %v, want ErrNotFound", err)
	}
}

func TestConfigServiceInvalidation(t *testing.T) {
	f := newFixture(t, true)
	peer := NewConfigService(f.store, memory.NewConfigCache(time.Minute), rules.NewCompiler(), discardLogger(),
		WithSignalBus(f.bus),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := peer.Get(ctx, "cricket"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.configs.Get(ctx, "cricket"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 2)
	go func() { done <- peer.ListenInvalidations(ctx) }()
	go func() { done <- f.configs.ListenInvalidations(ctx) }()
	waitFor(t, func() bool { return f.bus.subscribers(domain.ChannelConfigInvalidate) == 2 })

	if !f.configs.Invalidate(ctx, "Cricket") {
		t.Fatal("Invalidate reported no entry")
	}
	waitFor(t, func() bool { return peer.CacheSize() == 0 })

	if _, err := f.configs.Get(ctx, "cricket"); err != nil {
		t.Fatal(err)
	}
	// A replica ignores its own broadcasts.
	payload, _ := json.Marshal(domain.Invalidation{Origin: f.configs.Origin(), All: true})
	_ = f.bus.Publish(ctx, domain.ChannelConfigInvalidate, payload)
	time.Sleep(20 * time.Millisecond)
	if f.configs.CacheSize() != 1 {
		t.Error("own invalidation was applied")
	}

	cancel()
	for range 2 {
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("listener returned %v", err)
		}
	}
}

func TestConfigServiceSweeper(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	base := storemem.NewSportConfigStore()
	if _, err := base.Insert(context.Background(), cricketDoc(t).Sports[0]); err != nil {
		t.Fatal(err)
	}
	svc := NewConfigService(base,
		memory.NewConfigCache(time.Minute, memory.WithClock(clock)),
		rules.NewCompiler(rules.WithClock(clock)),
		discardLogger(),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := svc.Get(ctx, "cricket"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	go func() { _ = svc.RunSweeper(ctx, 5*time.Millisecond) }()
	waitFor(t, func() bool { return svc.CacheSize() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeSink struct {
	mu      sync.Mutex
	results []domain.ProcessedBatch
}

func (s *fakeSink) Publish(_ context.Context, r domain.ProcessedBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func TestBatchServiceProcess(t *testing.T) {
	f := newFixture(t, true)
	sink := &fakeSink{}
	batches := NewBatchService(f.configs, processor.New(discardLogger()), f.bus, nil, discardLogger(), sink)
	ctx := context.Background()

	for _, sb := range cricketDoc(t).Batches {
		res, err := batches.Process(ctx, "Cricket", sb.Batch)
		if err != nil {
			t.Fatalf("Process %q: %v", sb.Batch.Name, err)
		}
		if len(res.Issues) != 0 {
			t.Errorf("batch %q issues: %v", sb.Batch.Name, res.Issues)
		}
	}

	if len(sink.results) != 3 {
		t.Fatalf("sink received %d results, want 3", len(sink.results))
	}
	lines := sink.results[0]
	if lines.Sport != "cricket" || lines.Group != "Match Lines" || len(lines.Markets) != 3 || len(lines.Outcomes) != 6 {
		t.Errorf("match lines result = %+v", lines)
	}
	if got := len(f.bus.messages(domain.ResultsChannel("cricket"))); got != 3 {
		t.Errorf("results published on bus = %d, want 3", got)
	}

	unmatched := domain.InputBatch{Name: "Top Batter"}
	res, err := batches.Process(ctx, "cricket", unmatched)
	if err != nil {
		t.Fatalf("Process unmatched: %v", err)
	}
	if len(res.Markets) != 0 || len(res.Outcomes) != 0 {
		t.Errorf("unmatched batch produced %+v", res)
	}
	if len(sink.results) != 3 {
		t.Error("empty result was published")
	}
}

func TestBatchServiceHandleUnknownSport(t *testing.T) {
	f := newFixture(t, true)
	batches := NewBatchService(f.configs, processor.New(discardLogger()), nil, nil, discardLogger())

	err := batches.Handle(context.Background(), domain.SportBatch{Sport: "tennis", Batch: domain.InputBatch{Name: "x"}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type fakeSnapshotter struct {
	saved  [][]domain.SportConfig
	pruned int
}

func (s *fakeSnapshotter) Export(_ context.Context, cfgs []domain.SportConfig) (domain.BlobInfo, error) {
	s.saved = append(s.saved, cfgs)
	return domain.BlobInfo{Path: "snapshots/test.jsonl", Size: 1}, nil
}

func (s *fakeSnapshotter) List(context.Context) ([]domain.BlobInfo, error) {
	return []domain.BlobInfo{{Path: "snapshots/test.jsonl"}}, nil
}

func (s *fakeSnapshotter) Load(_ context.Context, key string) ([]domain.SportConfig, error) {
	if len(s.saved) == 0 {
		return nil, domain.ErrNotFound
	}
	return s.saved[len(s.saved)-1], nil
}

func (s *fakeSnapshotter) Prune(_ context.Context, keep int) (int, error) {
	s.pruned = keep
	return 0, nil
}

func TestSnapshotExportRestore(t *testing.T) {
	src := newFixture(t, true)
	locks := &fakeLocks{}
	snap := &fakeSnapshotter{}
	ctx := context.Background()

	exporter := NewSnapshotService(src.configs, NewImportService(src.store, locks, src.configs, discardLogger()),
		snap, locks, nil, 5, discardLogger())
	info, err := exporter.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if info.Path == "" || len(snap.saved) != 1 || len(snap.saved[0]) != 1 || snap.pruned != 5 {
		t.Fatalf("export info %+v saved %d pruned %d", info, len(snap.saved), snap.pruned)
	}

	dst := newFixture(t, false)
	restorer := NewSnapshotService(dst.configs, NewImportService(dst.store, locks, dst.configs, discardLogger()),
		snap, locks, nil, 0, discardLogger())
	res, err := restorer.Restore(ctx, "")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("restore result = %+v, want 1 inserted", res)
	}
	if dst.configs.CacheSize() != 1 {
		t.Error("restore did not refresh the cache")
	}
	if got := strings.Join(locks.acquired, ","); got != "config-snapshot,config-import" {
		t.Errorf("locks acquired = %s", got)
	}
}

func TestImportRejectsInvalidAndHeldLock(t *testing.T) {
	f := newFixture(t, false)
	locks := &fakeLocks{}
	imports := NewImportService(f.store, locks, f.configs, discardLogger())
	ctx := context.Background()

	bad := []domain.SportConfig{{Sport: ""}}
	if _, err := imports.Import(ctx, "test", bad); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}

	unlock, _ := locks.Acquire(ctx, importLockKey, time.Minute)
	defer unlock()
	if _, err := imports.Import(ctx, "test", cricketDoc(t).Sports); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
}
