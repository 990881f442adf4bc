package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaBroker writes to topics through one shared writer and reads each
// subscribed topic with its own consumer-group reader.
type KafkaBroker struct {
	writer  *kafka.Writer
	cfg     Config
	logger  zerolog.Logger
	mu      sync.Mutex
	readers []*kafka.Reader
}

func NewKafkaBroker(cfg Config, logger zerolog.Logger) (*KafkaBroker, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	return &KafkaBroker{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		cfg:    cfg,
		logger: logger.With().Str("component", "kafka").Logger(),
	}, nil
}

func (b *KafkaBroker) Publish(ctx context.Context, topic string, message []byte) error {
	return b.write(ctx, kafka.Message{Topic: topic, Value: message, Time: time.Now()})
}

func (b *KafkaBroker) write(ctx context.Context, msg kafka.Message) error {
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *KafkaBroker) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.cfg.Brokers,
		GroupID: b.cfg.GroupID,
		Topic:   topic,
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	go b.consume(ctx, reader, topic, handler)
	return nil
}

func (b *KafkaBroker) consume(ctx context.Context, reader *kafka.Reader, topic string, handler MessageHandler) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if errors.Is(err, io.EOF) {
				// reader closed
				return
			}
			b.logger.Error().Err(err).Str("topic", topic).Msg("fetch failed")
			continue
		}

		if err := Deliver(ctx, handler, msg.Value, b.cfg); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Str("topic", topic).Int64("offset", msg.Offset).Msg("message dead-lettered")
			dead := kafka.Message{
				Topic: DeadLetter(topic),
				Key:   msg.Key,
				Value: msg.Value,
				Headers: []kafka.Header{
					{Key: "x-original-topic", Value: []byte(topic)},
					{Key: "x-retry-count", Value: []byte(strconv.Itoa(b.cfg.MaxRetries))},
					{Key: "x-error", Value: []byte(err.Error())},
				},
				Time: time.Now(),
			}
			if werr := b.write(ctx, dead); werr != nil {
				// leave uncommitted so the group redelivers it
				b.logger.Error().Err(werr).Str("topic", topic).Msg("dead-letter publish failed")
				continue
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			b.logger.Error().Err(err).Str("topic", topic).Msg("commit failed")
		}
	}
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, r := range b.readers {
		errs = append(errs, r.Close())
	}
	b.readers = nil
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}

// Deliver runs handler, retrying with exponential backoff up to cfg.MaxRetries
// times. It returns the last error when every attempt failed.
func Deliver(ctx context.Context, handler MessageHandler, message []byte, cfg Config) error {
	cfg = cfg.withDefaults()
	var err error
	for attempt := 0; ; attempt++ {
		if err = handler(ctx, message); err == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.backoff(attempt)):
		}
	}
}
