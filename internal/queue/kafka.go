// Package queue carries conversion tasks over Kafka. One message holds
// one task, keyed by batch id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"

	"imgconvert/internal/convert"
	"imgconvert/internal/models"
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

// Producer publishes tasks. It satisfies convert.Dispatcher.
type Producer struct {
	writer   messageWriter
	attempts uint64
	log      *slog.Logger
}

func NewProducer(cfg models.KafkaConfig, log *slog.Logger) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  []string{cfg.Broker},
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	})
	return &Producer{writer: writer, attempts: 3, log: log}
}

func (p *Producer) Dispatch(ctx context.Context, tasks []convert.Task) error {
	const op = "queue.Producer.Dispatch"

	msgs := make([]kafka.Message, len(tasks))
	for i, t := range tasks {
		value, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		msgs[i] = kafka.Message{Key: []byte(t.BatchID.String()), Value: value}
	}

	backoff := retry.WithMaxRetries(p.attempts-1, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			p.log.Warn("publish failed, retrying", slog.Int("messages", len(msgs)), slog.Any("error", err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer reads tasks and hands them to a local dispatcher, usually the
// worker pool's queue. Offsets are committed once the task is handed off.
type Consumer struct {
	reader messageReader
	log    *slog.Logger
}

func NewConsumer(cfg models.KafkaConfig, log *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{cfg.Broker},
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return &Consumer{reader: reader, log: log}
}

// Run blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context, sink convert.Dispatcher) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.Error("error reading message", slog.Any("error", err))
			continue
		}

		var task convert.Task
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			// A malformed message can never succeed; drop it.
			c.log.Error("malformed task message",
				slog.Int64("offset", msg.Offset),
				slog.Any("error", err))
		} else if err := sink.Dispatch(ctx, []convert.Task{task}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("hand off task", slog.String("batch_id", task.BatchID.String()), slog.Any("error", err))
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("commit message", slog.Int64("offset", msg.Offset), slog.Any("error", err))
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
