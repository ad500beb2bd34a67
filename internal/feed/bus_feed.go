package feed

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

// BusFeed subscribes to the batch channel of the signal bus and hands every
// envelope to a BatchHandler. It lets producers that already talk to Redis
// submit batches without a dedicated transport.
type BusFeed struct {
	bus     domain.SignalBus
	channel string
	handler BatchHandler
	logger  *slog.Logger
}

// NewBusFeed creates a BusFeed on domain.ChannelBatches.
func NewBusFeed(bus domain.SignalBus, handler BatchHandler, logger *slog.Logger) *BusFeed {
	return &BusFeed{
		bus:     bus,
		channel: domain.ChannelBatches,
		handler: handler,
		logger:  logger.With(slog.String("component", "bus_feed")),
	}
}

// Run consumes the channel until ctx is cancelled or the subscription ends.
func (f *BusFeed) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("bus feed started", slog.String("channel", f.channel))
	defer f.logger.Info("bus feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			b, err := DecodeEnvelope(data)
			if err != nil {
				f.logger.Debug("bus feed dropped message",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
				continue
			}
			if err := f.handler(ctx, b); err != nil {
				f.logger.Warn("bus feed batch failed",
					slog.String("sport", b.Sport),
					slog.String("batch", b.Batch.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
