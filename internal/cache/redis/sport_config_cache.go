package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

// defaultSportConfigTTL applies when NewSportConfigCache is given no TTL.
const defaultSportConfigTTL = 10 * time.Minute

// SportConfigCache implements domain.SportConfigCache. Raw configurations
// are stored as JSON strings so that replicas warming their compiled caches
// do not all hit the database.
//
// Key schema:
//
//	{prefix}:sportcfg:{sport}  - JSON-encoded domain.SportConfig
type SportConfigCache struct {
	client *Client
	ttl    time.Duration
}

var _ domain.SportConfigCache = (*SportConfigCache)(nil)

// NewSportConfigCache creates a SportConfigCache backed by the given Client.
func NewSportConfigCache(c *Client, ttl time.Duration) *SportConfigCache {
	if ttl <= 0 {
		ttl = defaultSportConfigTTL
	}
	return &SportConfigCache{client: c, ttl: ttl}
}

func (sc *SportConfigCache) cacheKey(sport string) string {
	return sc.client.key("sportcfg", strings.ToLower(strings.TrimSpace(sport)))
}

// Get returns the cached configuration for sport or domain.ErrNotFound.
func (sc *SportConfigCache) Get(ctx context.Context, sport string) (domain.SportConfig, error) {
	data, err := sc.client.Underlying().Get(ctx, sc.cacheKey(sport)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SportConfig{}, domain.ErrNotFound
		}
		return domain.SportConfig{}, fmt.Errorf("redis: get sport config %s: %w", sport, err)
	}

	var cfg domain.SportConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.SportConfig{}, fmt.Errorf("redis: unmarshal sport config %s: %w", sport, err)
	}
	return cfg, nil
}

// Set stores cfg under its sport with the cache TTL.
func (sc *SportConfigCache) Set(ctx context.Context, cfg domain.SportConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("redis: marshal sport config %s: %w", cfg.Sport, err)
	}
	if err := sc.client.Underlying().Set(ctx, sc.cacheKey(cfg.Sport), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set sport config %s: %w", cfg.Sport, err)
	}
	return nil
}

// Delete removes the cached configuration for sport.
func (sc *SportConfigCache) Delete(ctx context.Context, sport string) error {
	if err := sc.client.Underlying().Del(ctx, sc.cacheKey(sport)).Err(); err != nil {
		return fmt.Errorf("redis: delete sport config %s: %w", sport, err)
	}
	return nil
}
