package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/notify"
	"github.com/alanyoungcy/marketrules/internal/seed"
)

const (
	snapshotLockKey = "config-snapshot"
	snapshotLockTTL = 5 * time.Minute
)

// Snapshotter stores raw configuration snapshots in object storage.
type Snapshotter interface {
	Export(ctx context.Context, configs []domain.SportConfig) (domain.BlobInfo, error)
	List(ctx context.Context) ([]domain.BlobInfo, error)
	Load(ctx context.Context, key string) ([]domain.SportConfig, error)
	Prune(ctx context.Context, keep int) (int, error)
}

// SnapshotService exports the store to snapshots and restores it from them.
type SnapshotService struct {
	configs  *ConfigService
	imports  *ImportService
	snap     Snapshotter
	locks    domain.LockManager
	notifier *notify.Notifier
	keep     int
	logger   *slog.Logger
}

// NewSnapshotService creates a SnapshotService keeping at most keep
// snapshots; keep <= 0 disables pruning.
func NewSnapshotService(
	configs *ConfigService,
	imports *ImportService,
	snap Snapshotter,
	locks domain.LockManager,
	notifier *notify.Notifier,
	keep int,
	logger *slog.Logger,
) *SnapshotService {
	return &SnapshotService{
		configs:  configs,
		imports:  imports,
		snap:     snap,
		locks:    locks,
		notifier: notifier,
		keep:     keep,
		logger:   logger.With(slog.String("component", "snapshot_service")),
	}
}

// Export writes every stored configuration to a new snapshot.
func (s *SnapshotService) Export(ctx context.Context) (domain.BlobInfo, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, snapshotLockKey, snapshotLockTTL)
		if err != nil {
			return domain.BlobInfo{}, fmt.Errorf("snapshot_service: export: %w", err)
		}
		defer unlock()
	}

	cfgs, err := s.configs.List(ctx)
	if err != nil {
		return domain.BlobInfo{}, fmt.Errorf("snapshot_service: export: %w", err)
	}
	info, err := s.snap.Export(ctx, cfgs)
	if err != nil {
		return domain.BlobInfo{}, fmt.Errorf("snapshot_service: export: %w", err)
	}

	s.logger.InfoContext(ctx, "snapshot_service: exported",
		slog.String("path", info.Path),
		slog.Int("sports", len(cfgs)),
		slog.Int64("bytes", info.Size),
	)

	if s.keep > 0 {
		removed, err := s.snap.Prune(ctx, s.keep)
		if err != nil {
			s.logger.WarnContext(ctx, "snapshot_service: prune failed",
				slog.String("error", err.Error()),
			)
		} else if removed > 0 {
			s.logger.InfoContext(ctx, "snapshot_service: pruned",
				slog.Int("removed", removed),
			)
		}
	}

	s.notify(ctx, "Snapshot exported", fmt.Sprintf("%s (%d sports)", info.Path, len(cfgs)))
	return info, nil
}

// Restore imports the snapshot at key, or the latest one when key is empty.
func (s *SnapshotService) Restore(ctx context.Context, key string) (seed.Result, error) {
	cfgs, err := s.snap.Load(ctx, key)
	if err != nil {
		return seed.Result{}, fmt.Errorf("snapshot_service: restore: %w", err)
	}
	source := "snapshot"
	if key != "" {
		source = "snapshot " + key
	}
	res, err := s.imports.Import(ctx, source, cfgs)
	if err != nil {
		return res, fmt.Errorf("snapshot_service: restore: %w", err)
	}
	s.notify(ctx, "Snapshot restored",
		fmt.Sprintf("%s: %d inserted, %d updated", source, res.Inserted, res.Updated))
	return res, nil
}

// List returns the available snapshots, oldest first.
func (s *SnapshotService) List(ctx context.Context) ([]domain.BlobInfo, error) {
	infos, err := s.snap.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot_service: list: %w", err)
	}
	return infos, nil
}

func (s *SnapshotService) notify(ctx context.Context, title, message string) {
	if err := s.notifier.Notify(ctx, notify.EventSnapshot, title, message); err != nil {
		s.logger.WarnContext(ctx, "snapshot_service: notify failed",
			slog.String("error", err.Error()),
		)
	}
}
