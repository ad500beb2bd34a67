package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/seed"
)

const (
	importLockKey = "config-import"
	importLockTTL = 2 * time.Minute
)

// ImportService writes externally sourced configurations (seed files,
// snapshots) into the store. Imports from different replicas are serialized
// with a distributed lock and finish with a full cache refresh.
type ImportService struct {
	store   domain.SportConfigStore
	locks   domain.LockManager
	configs *ConfigService
	logger  *slog.Logger
}

// NewImportService creates an ImportService. locks may be nil when only one
// process writes to the store.
func NewImportService(store domain.SportConfigStore, locks domain.LockManager, configs *ConfigService, logger *slog.Logger) *ImportService {
	return &ImportService{
		store:   store,
		locks:   locks,
		configs: configs,
		logger:  logger.With(slog.String("component", "import_service")),
	}
}

// Import upserts cfgs by sport name. source names the origin in logs.
func (s *ImportService) Import(ctx context.Context, source string, cfgs []domain.SportConfig) (seed.Result, error) {
	for _, cfg := range cfgs {
		if _, err := s.configs.Validate(cfg); err != nil {
			return seed.Result{}, fmt.Errorf("import_service: %s: sport %q: %w", source, cfg.Sport, err)
		}
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, importLockKey, importLockTTL)
		if err != nil {
			return seed.Result{}, fmt.Errorf("import_service: %s: %w", source, err)
		}
		defer unlock()
	}

	res, err := seed.Apply(ctx, s.store, seed.Document{Sports: cfgs}, s.logger)
	if err != nil {
		return res, fmt.Errorf("import_service: %s: %w", source, err)
	}

	s.logger.InfoContext(ctx, "import_service: imported",
		slog.String("source", source),
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
	)

	if _, err := s.configs.RefreshAll(ctx); err != nil {
		// The store is already written; stale entries expire on their own.
		s.logger.WarnContext(ctx, "import_service: refresh after import failed",
			slog.String("error", err.Error()),
		)
	}
	return res, nil
}
