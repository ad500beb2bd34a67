// Package feed ingests raw odds batches from WebSocket, Redis and Kafka
// sources and publishes processed results to Kafka.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

// ErrInvalidEnvelope is returned for payloads that are not a usable batch.
var ErrInvalidEnvelope = errors.New("feed: invalid envelope")

// BatchHandler receives every decoded batch. Returned errors are logged by
// the feed and do not stop it.
type BatchHandler func(ctx context.Context, b domain.SportBatch) error

// DecodeEnvelope parses a {"sport": ..., "batch": {...}} payload.
func DecodeEnvelope(data []byte) (domain.SportBatch, error) {
	var b domain.SportBatch
	if err := json.Unmarshal(data, &b); err != nil {
		return domain.SportBatch{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(b.Sport) == "" {
		return domain.SportBatch{}, fmt.Errorf("%w: missing sport", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(b.Batch.Name) == "" {
		return domain.SportBatch{}, fmt.Errorf("%w: missing batch name", ErrInvalidEnvelope)
	}
	return b, nil
}
