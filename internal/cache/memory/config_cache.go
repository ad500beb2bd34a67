// Package memory holds the in-process cache of compiled sport configurations.
package memory

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/marketrules/internal/rules"
)

// DefaultTTL is the lifetime of a cached entry when none is configured.
const DefaultTTL = 30 * time.Minute

// ConfigCache maps sport keys to compiled configurations with a fixed TTL.
// Values and their timestamps live in two maps guarded by one mutex so that
// readers never observe one without the other.
type ConfigCache struct {
	mu      sync.Mutex
	entries map[string]*rules.CompiledSportConfig
	stamps  map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a ConfigCache.
type Option func(*ConfigCache)

// WithClock sets the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *ConfigCache) { c.now = now }
}

// NewConfigCache creates a cache whose entries expire after ttl. A
// non-positive ttl selects DefaultTTL.
func NewConfigCache(ttl time.Duration, opts ...Option) *ConfigCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &ConfigCache{
		entries: make(map[string]*rules.CompiledSportConfig),
		stamps:  make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key normalizes a sport name into a cache key.
func Key(sport string) string {
	return strings.ToLower(strings.TrimSpace(sport))
}

// Get returns the compiled configuration for sport. Expired entries are
// removed and reported as absent.
func (c *ConfigCache) Get(sport string) (*rules.CompiledSportConfig, bool) {
	key := Key(sport)

	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.expired(key, c.now()) {
		c.remove(key)
		return nil, false
	}
	return cfg, true
}

// Put stores cfg under sport, stamped with cfg.CompiledAt. A zero CompiledAt
// is stamped with the current time.
func (c *ConfigCache) Put(sport string, cfg *rules.CompiledSportConfig) {
	key := Key(sport)

	c.mu.Lock()
	defer c.mu.Unlock()

	stamp := cfg.CompiledAt
	if stamp.IsZero() {
		stamp = c.now()
	}
	c.entries[key] = cfg
	c.stamps[key] = stamp
}

// Invalidate removes the entry for sport. It reports whether one existed.
func (c *ConfigCache) Invalidate(sport string) bool {
	key := Key(sport)

	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	c.remove(key)
	return ok
}

// InvalidateAll empties the cache and returns the number of removed entries.
func (c *ConfigCache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	clear(c.entries)
	clear(c.stamps)
	return n
}

// SweepExpired removes every expired entry and returns how many were removed.
func (c *ConfigCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key := range c.entries {
		if c.expired(key, now) {
			c.remove(key)
			n++
		}
	}
	return n
}

// Size returns the number of stored entries, including expired entries that
// have not been swept yet.
func (c *ConfigCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the stored sport keys in sorted order.
func (c *ConfigCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// TTL returns the configured entry lifetime.
func (c *ConfigCache) TTL() time.Duration {
	return c.ttl
}

// expired must be called with c.mu held.
func (c *ConfigCache) expired(key string, now time.Time) bool {
	return now.Sub(c.stamps[key]) >= c.ttl
}

// remove must be called with c.mu held.
func (c *ConfigCache) remove(key string) {
	delete(c.entries, key)
	delete(c.stamps, key)
}
