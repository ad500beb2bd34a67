// Package memory implements domain store interfaces in process memory. It
// backs the "memory" store driver and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

// SportConfigStore keeps sport configurations in a map keyed by id.
type SportConfigStore struct {
	mu      sync.RWMutex
	configs map[string]domain.SportConfig
	now     func() time.Time
}

var _ domain.SportConfigStore = (*SportConfigStore)(nil)

// NewSportConfigStore creates an empty store.
func NewSportConfigStore() *SportConfigStore {
	return &SportConfigStore{
		configs: make(map[string]domain.SportConfig),
		now:     time.Now,
	}
}

func sportKey(sport string) string {
	return strings.ToLower(strings.TrimSpace(sport))
}

// ListAll returns every configuration ordered by sport.
func (s *SportConfigStore) ListAll(_ context.Context) ([]domain.SportConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SportConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, clone(cfg))
	}
	slices.SortFunc(out, func(a, b domain.SportConfig) int {
		return strings.Compare(sportKey(a.Sport), sportKey(b.Sport))
	})
	return out, nil
}

// GetBySport returns the configuration for a sport, matched case-insensitively.
func (s *SportConfigStore) GetBySport(_ context.Context, sport string) (domain.SportConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := sportKey(sport)
	for _, cfg := range s.configs {
		if sportKey(cfg.Sport) == key {
			return clone(cfg), nil
		}
	}
	return domain.SportConfig{}, domain.ErrNotFound
}

// GetByID returns the configuration with the given id.
func (s *SportConfigStore) GetByID(_ context.Context, id string) (domain.SportConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok {
		return domain.SportConfig{}, domain.ErrNotFound
	}
	return clone(cfg), nil
}

// Insert stores a new configuration, assigning an id when empty.
func (s *SportConfigStore) Insert(_ context.Context, cfg domain.SportConfig) (domain.SportConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if _, ok := s.configs[cfg.ID]; ok {
		return domain.SportConfig{}, fmt.Errorf("memory: insert sport config %s: %w", cfg.ID, domain.ErrAlreadyExists)
	}
	if s.sportTaken(cfg.Sport, "") {
		return domain.SportConfig{}, fmt.Errorf("memory: insert sport config %s: %w", cfg.Sport, domain.ErrAlreadyExists)
	}

	now := s.now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	s.configs[cfg.ID] = clone(cfg)
	return clone(cfg), nil
}

// Update replaces the configuration with the given id.
func (s *SportConfigStore) Update(_ context.Context, id string, cfg domain.SportConfig) (domain.SportConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.configs[id]
	if !ok {
		return domain.SportConfig{}, domain.ErrNotFound
	}
	if s.sportTaken(cfg.Sport, id) {
		return domain.SportConfig{}, fmt.Errorf("memory: update sport config %s: %w", id, domain.ErrAlreadyExists)
	}

	cfg.ID = id
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = s.now().UTC()
	s.configs[id] = clone(cfg)
	return clone(cfg), nil
}

// Delete removes the configuration with the given id.
func (s *SportConfigStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

// sportTaken reports whether another configuration than exceptID already
// uses sport. Must be called with s.mu held.
func (s *SportConfigStore) sportTaken(sport, exceptID string) bool {
	key := sportKey(sport)
	for id, cfg := range s.configs {
		if id != exceptID && sportKey(cfg.Sport) == key {
			return true
		}
	}
	return false
}

// clone copies the group hierarchy so callers cannot mutate stored state.
func clone(cfg domain.SportConfig) domain.SportConfig {
	groups := make([]domain.MarketGroup, len(cfg.Groups))
	for i, g := range cfg.Groups {
		g.Rules = slices.Clone(g.Rules)
		for j := range g.Rules {
			g.Rules[j].Tags = slices.Clone(g.Rules[j].Tags)
		}
		groups[i] = g
	}
	cfg.Groups = groups
	return cfg
}
