package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

const (
	// DefaultSnapshotPrefix is the key prefix snapshots are written under.
	DefaultSnapshotPrefix = "snapshots"

	snapshotContentType = "application/x-ndjson"
	snapshotTimeLayout  = "20060102T150405Z"

	// multipartThreshold switches Export to a multipart upload.
	multipartThreshold = 8 * 1024 * 1024
)

// Snapshotter exports raw sport configurations to object storage as JSONL,
// one configuration per line, and reads them back. Compiled artifacts are
// never stored.
//
//	snapshots/20260301T120000Z.jsonl
type Snapshotter struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	deleter domain.BlobDeleter
	prefix  string
	now     func() time.Time
}

// NewSnapshotter creates a Snapshotter. An empty prefix selects
// DefaultSnapshotPrefix.
func NewSnapshotter(writer domain.BlobWriter, reader domain.BlobReader, deleter domain.BlobDeleter, prefix string) *Snapshotter {
	if prefix == "" {
		prefix = DefaultSnapshotPrefix
	}
	return &Snapshotter{
		writer:  writer,
		reader:  reader,
		deleter: deleter,
		prefix:  strings.TrimSuffix(prefix, "/"),
		now:     time.Now,
	}
}

// Export uploads configs as a new snapshot and returns its location.
func (s *Snapshotter) Export(ctx context.Context, configs []domain.SportConfig) (domain.BlobInfo, error) {
	buf, err := marshalJSONL(configs)
	if err != nil {
		return domain.BlobInfo{}, fmt.Errorf("s3blob: snapshot marshal: %w", err)
	}

	at := s.now().UTC()
	key := snapshotPath(s.prefix, at)
	if len(buf) >= multipartThreshold {
		err = s.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = s.writer.Put(ctx, key, bytes.NewReader(buf), snapshotContentType)
	}
	if err != nil {
		return domain.BlobInfo{}, fmt.Errorf("s3blob: snapshot upload: %w", err)
	}

	return domain.BlobInfo{
		Path:         key,
		Size:         int64(len(buf)),
		ContentType:  snapshotContentType,
		LastModified: at,
	}, nil
}

// List returns the stored snapshots, oldest first.
func (s *Snapshotter) List(ctx context.Context) ([]domain.BlobInfo, error) {
	infos, err := s.reader.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("s3blob: snapshot list: %w", err)
	}
	snapshots := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".jsonl") {
			snapshots = append(snapshots, info)
		}
	}
	return snapshots, nil
}

// Latest returns the most recent snapshot or domain.ErrNotFound.
func (s *Snapshotter) Latest(ctx context.Context) (domain.BlobInfo, error) {
	snapshots, err := s.List(ctx)
	if err != nil {
		return domain.BlobInfo{}, err
	}
	if len(snapshots) == 0 {
		return domain.BlobInfo{}, fmt.Errorf("s3blob: latest snapshot: %w", domain.ErrNotFound)
	}
	return snapshots[len(snapshots)-1], nil
}

// Load reads the snapshot at key. An empty key loads the latest snapshot.
func (s *Snapshotter) Load(ctx context.Context, key string) ([]domain.SportConfig, error) {
	if key == "" {
		latest, err := s.Latest(ctx)
		if err != nil {
			return nil, err
		}
		key = latest.Path
	}

	body, err := s.reader.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("s3blob: snapshot load: %w", err)
	}
	defer body.Close()

	configs, err := unmarshalJSONL[domain.SportConfig](body)
	if err != nil {
		return nil, fmt.Errorf("s3blob: snapshot decode %s: %w", key, err)
	}
	return configs, nil
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed.
func (s *Snapshotter) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	snapshots, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(snapshots) <= keep {
		return 0, nil
	}

	stale := snapshots[:len(snapshots)-keep]
	var errs []error
	removed := 0
	for _, info := range stale {
		if err := s.deleter.Delete(ctx, info.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("s3blob: snapshot prune: %w", errors.Join(errs...))
	}
	return removed, nil
}

// snapshotPath builds the object key for a snapshot taken at t.
func snapshotPath(prefix string, t time.Time) string {
	return path.Join(prefix, t.UTC().Format(snapshotTimeLayout)+".jsonl")
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// unmarshalJSONL decodes a stream of JSON values.
func unmarshalJSONL[T any](r io.Reader) ([]T, error) {
	dec := json.NewDecoder(r)
	var out []T
	for {
		var rec T
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("jsonl decode record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
