// Package stream moves detection events over Kafka. The Publisher writes
// stored events to the detection topic; the Consumer reads them (or events
// from external producers), stores any that lack an id, and enqueues them
// for alert processing.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

const retryDelay = 2 * time.Second

// --------------------------------------------------------------------------
// Publisher
// --------------------------------------------------------------------------

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes detection events to Kafka.
type Publisher struct {
	writer messageWriter
}

// NewPublisher creates a publisher for topic on brokers.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// Publish writes one event keyed by its id.
func (p *Publisher) Publish(ctx context.Context, event models.DetectionEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.ID, 10)),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish event %d: %w", event.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.writer.Close() }

// --------------------------------------------------------------------------
// Consumer
// --------------------------------------------------------------------------

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Creator stores events that arrive without an id.
type Creator interface {
	CreateDetection(ctx context.Context, event models.DetectionEvent) (models.DetectionEvent, error)
}

// Enqueuer accepts detection events for alert processing.
type Enqueuer interface {
	Enqueue(event models.DetectionEvent) error
}

// Consumer reads detection events from Kafka.
type Consumer struct {
	reader  messageReader
	creator Creator
	queue   Enqueuer
	logger  *slog.Logger
}

// NewConsumer creates a consumer-group reader on topic.
func NewConsumer(brokers []string, topic, groupID string, creator Creator, queue Enqueuer, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
	return &Consumer{reader: reader, creator: creator, queue: queue, logger: logger}
}

// Run consumes until ctx is cancelled. A message is committed only after its
// event has been queued, so a crash replays it.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("Detection stream consumer started")
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("Failed to close Kafka reader", "error", err)
		}
		c.logger.Info("Detection stream consumer stopped")
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to fetch Kafka message", "error", err)
			if !sleep(ctx, retryDelay) {
				return
			}
			continue
		}

		for {
			err := c.handle(ctx, msg)
			if err == nil {
				break
			}
			if errors.Is(err, errPoison) {
				c.logger.Warn("Dropping undecodable detection message",
					"offset", msg.Offset, "partition", msg.Partition, "error", err)
				break
			}
			c.logger.Warn("Detection message not queued, retrying", "offset", msg.Offset, "error", err)
			if !sleep(ctx, retryDelay) {
				return
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to commit Kafka message", "offset", msg.Offset, "error", err)
		}
	}
}

var errPoison = errors.New("invalid detection message")

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	event, err := decode(msg.Value)
	if err != nil {
		return err
	}
	if event.ID == 0 {
		event, err = c.creator.CreateDetection(ctx, event)
		if err != nil {
			return fmt.Errorf("store streamed detection: %w", err)
		}
	}
	return c.queue.Enqueue(event)
}

func decode(value []byte) (models.DetectionEvent, error) {
	var event models.DetectionEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return event, fmt.Errorf("%w: %v", errPoison, err)
	}
	if event.Disease == "" {
		return event, fmt.Errorf("%w: missing disease", errPoison)
	}
	if event.Confidence < 0 || event.Confidence > 1 {
		return event, fmt.Errorf("%w: confidence %v out of range", errPoison, event.Confidence)
	}
	return event, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
