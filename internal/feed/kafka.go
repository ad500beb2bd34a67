package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

// KafkaConfig holds the broker and topic settings shared by the consumer
// and the result sink.
type KafkaConfig struct {
	Brokers      []string
	GroupID      string
	BatchTopic   string
	ResultTopic  string
	MinBytes     int
	MaxBytes     int
	BatchTimeout time.Duration
}

// KafkaConsumer reads batch envelopes from a topic as part of a consumer
// group. Offsets are committed after the handler returns, so a crash
// re-delivers the batch in flight.
type KafkaConsumer struct {
	reader  *kafka.Reader
	handler BatchHandler
	logger  *slog.Logger
}

// NewKafkaConsumer creates a consumer for cfg.BatchTopic.
func NewKafkaConsumer(cfg KafkaConfig, handler BatchHandler, logger *slog.Logger) *KafkaConsumer {
	minBytes, maxBytes := cfg.MinBytes, cfg.MaxBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	if maxBytes <= 0 {
		maxBytes = 10e6
	}
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.BatchTopic,
			MinBytes: minBytes,
			MaxBytes: maxBytes,
		}),
		handler: handler,
		logger:  logger.With(slog.String("component", "kafka_consumer")),
	}
}

// Run consumes until ctx is cancelled. Undecodable messages are committed
// and skipped.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info("kafka consumer started", slog.String("topic", c.reader.Config().Topic))
	defer c.logger.Info("kafka consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("feed/kafka: fetch: %w", err)
		}

		if b, err := DecodeEnvelope(msg.Value); err != nil {
			c.logger.Warn("kafka consumer dropped message",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		} else if err := c.handler(ctx, b); err != nil {
			c.logger.Warn("kafka consumer batch failed",
				slog.String("sport", b.Sport),
				slog.String("batch", b.Batch.Name),
				slog.String("error", err.Error()),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed/kafka: commit: %w", err)
		}
	}
}

// Close closes the underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// KafkaSink publishes processed batches to cfg.ResultTopic keyed by sport,
// so all results of a sport land on one partition in order.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink for cfg.ResultTopic.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.ResultTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: batchTimeout,
		},
	}
}

// Publish writes one processed batch.
func (s *KafkaSink) Publish(ctx context.Context, result domain.ProcessedBatch) error {
	value, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("feed/kafka: marshal result: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(result.Sport),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("feed/kafka: publish %s: %w", result.Sport, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
