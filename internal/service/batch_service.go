package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketrules/internal/cache/memory"
	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/metrics"
	"github.com/alanyoungcy/marketrules/internal/processor"
)

// ResultSink receives every processed batch, e.g. a Kafka topic.
type ResultSink interface {
	Publish(ctx context.Context, result domain.ProcessedBatch) error
}

// BatchService is the batch entry point: it resolves the compiled
// configuration of a sport, runs the processor and fans the result out to
// the signal bus and any configured sinks.
type BatchService struct {
	configs   *ConfigService
	processor *processor.Processor
	bus       domain.SignalBus
	sinks     []ResultSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewBatchService creates a BatchService. bus and metrics may be nil.
func NewBatchService(
	configs *ConfigService,
	proc *processor.Processor,
	bus domain.SignalBus,
	m *metrics.Metrics,
	logger *slog.Logger,
	sinks ...ResultSink,
) *BatchService {
	return &BatchService{
		configs:   configs,
		processor: proc,
		bus:       bus,
		sinks:     sinks,
		metrics:   m,
		logger:    logger.With(slog.String("component", "batch_service")),
	}
}

// Process transforms batch with the configuration of sport. Unknown sports
// yield domain.ErrNotFound; store failures yield ErrConfigUnavailable.
// Per-record problems are reported in the result's Issues, never as an error.
func (s *BatchService) Process(ctx context.Context, sport string, batch domain.InputBatch) (processor.Result, error) {
	cfg, err := s.configs.Get(ctx, sport)
	if err != nil {
		s.metrics.RecordBatchFailure(memory.Key(sport))
		return processor.Result{}, fmt.Errorf("batch_service: process %q: %w", batch.Name, err)
	}

	start := time.Now()
	res := s.processor.Process(ctx, batch, cfg)
	elapsed := time.Since(start)

	stages := make([]string, len(res.Issues))
	for i, issue := range res.Issues {
		stages[i] = string(issue.Stage)
	}
	s.metrics.RecordBatch(memory.Key(sport), elapsed, len(res.Markets), len(res.Outcomes), stages)

	s.logger.DebugContext(ctx, "batch_service: processed",
		slog.String("sport", sport),
		slog.String("batch", batch.Name),
		slog.String("group", res.Group),
		slog.Int("markets", len(res.Markets)),
		slog.Int("outcomes", len(res.Outcomes)),
		slog.Duration("took", elapsed),
	)

	s.fanOut(ctx, domain.ProcessedBatch{
		Sport:    memory.Key(sport),
		Batch:    batch.Name,
		Group:    res.Group,
		Markets:  res.Markets,
		Outcomes: res.Outcomes,
		Issues:   len(res.Issues),
	})
	return res, nil
}

// Handle processes a feed envelope. It matches feed.BatchHandler.
func (s *BatchService) Handle(ctx context.Context, b domain.SportBatch) error {
	_, err := s.Process(ctx, b.Sport, b.Batch)
	return err
}

// fanOut publishes a result that produced at least one market. Publish
// failures are logged; the caller already has the result.
func (s *BatchService) fanOut(ctx context.Context, pb domain.ProcessedBatch) {
	if len(pb.Markets) == 0 {
		return
	}

	if s.bus != nil {
		data, err := json.Marshal(pb)
		if err == nil {
			err = s.bus.Publish(ctx, domain.ResultsChannel(pb.Sport), data)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "batch_service: publish result failed",
				slog.String("sport", pb.Sport),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, pb); err != nil {
			s.logger.WarnContext(ctx, "batch_service: sink publish failed",
				slog.String("sport", pb.Sport),
				slog.String("batch", pb.Batch),
				slog.String("error", err.Error()),
			)
		}
	}
}
