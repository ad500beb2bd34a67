package domain

import (
	"context"
	"time"
)

// RateLimiter provides request rate limiting keyed by caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides fire-and-forget pub/sub between replicas.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Pub/sub channel names.
const (
	ChannelConfigInvalidate = "ch:config:invalidate"
	ChannelResultsPrefix    = "ch:results:"
	ChannelBatches          = "ch:batches"
)

// ResultsChannel returns the pub/sub channel that carries processed batches
// for the given sport.
func ResultsChannel(sport string) string {
	return ChannelResultsPrefix + sport
}

// Invalidation is broadcast on ChannelConfigInvalidate when a replica changes
// or refreshes a sport configuration. Origin identifies the publishing process
// so it can ignore its own messages.
type Invalidation struct {
	Origin string `json:"origin"`
	Sport  string `json:"sport,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// SportConfigCache is a cache of raw sport configurations shared between
// replicas. Get returns ErrNotFound on a miss.
type SportConfigCache interface {
	Get(ctx context.Context, sport string) (SportConfig, error)
	Set(ctx context.Context, cfg SportConfig) error
	Delete(ctx context.Context, sport string) error
}
