// Package queue carries export jobs over Kafka between the HTTP server and cmd/worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"realm-export/backend/internal/export/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes export jobs to the export topic.
type Publisher struct {
	writer messageWriter
}

// NewPublisher returns a Publisher for topic. brokers must be non-empty.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

// Publish writes job synchronously, keyed by org so one org's jobs land on one partition.
func (p *Publisher) Publish(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.OrgID), Value: payload}); err != nil {
		return fmt.Errorf("publish export job %s: %w", job.AuditLogID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// JobHandler processes one job. Returned errors are logged; the message is committed either way
// because a failed export is recorded and retrying would run it twice.
type JobHandler func(ctx context.Context, job domain.Job) error

// Consumer reads export jobs as part of a consumer group.
type Consumer struct {
	reader messageReader
	logger *zap.Logger
}

// NewConsumer returns a Consumer reading topic in consumer group groupID.
func NewConsumer(brokers []string, topic, groupID string, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		logger: logger,
	}
}

// Run fetches and handles jobs until ctx is cancelled. It returns nil on cancellation and the
// fetch or commit error otherwise.
func (c *Consumer) Run(ctx context.Context, handle JobHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch export job: %w", err)
		}
		var job domain.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			c.logger.Error("queue: dropping malformed export job",
				zap.Int64("offset", msg.Offset),
				zap.Int("partition", msg.Partition),
				zap.Error(err),
			)
		} else if err := handle(ctx, job); err != nil {
			c.logger.Error("queue: export job failed",
				zap.String("audit_log_id", job.AuditLogID),
				zap.String("org_id", job.OrgID),
				zap.Error(err),
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit export job: %w", err)
		}
	}
}

// Close closes the reader and leaves the consumer group.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
