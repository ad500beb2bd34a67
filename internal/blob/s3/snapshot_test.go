package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

// memBlobs is an in-memory object store implementing the blob interfaces.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			infos = append(infos, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	slices.SortFunc(infos, func(a, b domain.BlobInfo) int { return strings.Compare(a.Path, b.Path) })
	return infos, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlobs) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func newTestSnapshotter(blobs *memBlobs, at *time.Time) *Snapshotter {
	s := NewSnapshotter(blobs, blobs, blobs, "")
	s.now = func() time.Time { return *at }
	return s
}

func configs() []domain.SportConfig {
	return []domain.SportConfig{
		{ID: "a", Sport: "cricket", Groups: []domain.MarketGroup{{Name: "Match Lines", Pattern: "^match lines$"}}},
		{ID: "b", Sport: "tennis <&>"},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestSnapshotter(blobs, &at)

	info, err := s.Export(ctx, configs())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if info.Path != "snapshots/20260301T120000Z.jsonl" {
		t.Errorf("path = %q", info.Path)
	}
	if !strings.Contains(string(blobs.objects[info.Path]), "tennis <&>") {
		t.Error("HTML characters should not be escaped")
	}

	got, err := s.Load(ctx, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0].Sport != "cricket" || got[0].Groups[0].Pattern != "^match lines$" || got[1].ID != "b" {
		t.Errorf("loaded = %+v", got)
	}
}

func TestSnapshotLatestAndPrune(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestSnapshotter(blobs, &at)

	if _, err := s.Latest(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Latest on empty store err = %v", err)
	}

	for range 4 {
		if _, err := s.Export(ctx, configs()); err != nil {
			t.Fatalf("Export: %v", err)
		}
		at = at.Add(time.Hour)
	}
	blobs.objects["snapshots/readme.txt"] = []byte("ignored")

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Path != "snapshots/20260301T150000Z.jsonl" {
		t.Errorf("latest = %q", latest.Path)
	}

	removed, err := s.Prune(ctx, 2)
	if err != nil || removed != 2 {
		t.Fatalf("Prune = %d, %v", removed, err)
	}
	left, _ := s.List(ctx)
	if len(left) != 2 || left[0].Path != "snapshots/20260301T140000Z.jsonl" {
		t.Errorf("remaining = %+v", left)
	}
}

func TestSnapshotLoadCorrupt(t *testing.T) {
	blobs := newMemBlobs()
	blobs.objects["snapshots/bad.jsonl"] = []byte("{\"sport\":\"cricket\"}\n{not json")
	at := time.Now()
	s := newTestSnapshotter(blobs, &at)

	if _, err := s.Load(context.Background(), "snapshots/bad.jsonl"); err == nil {
		t.Error("expected a decode error")
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		ssl      bool
		want     string
	}{
		{"https://s3.example.com", false, "https://s3.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"e2.idrivee2.com", true, "https://e2.idrivee2.com"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.endpoint, tt.ssl); got != tt.want {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", tt.endpoint, tt.ssl, got, tt.want)
		}
	}
}
