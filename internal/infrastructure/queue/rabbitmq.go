package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const retryHeader = "x-retry-count"

// RabbitMQBroker publishes to and consumes from durable queues named after topics.
type RabbitMQBroker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     Config
	logger  zerolog.Logger
	mu      sync.RWMutex
}

func NewRabbitMQBroker(cfg Config, logger zerolog.Logger) (*RabbitMQBroker, error) {
	cfg = cfg.withDefaults()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := channel.Qos(cfg.PrefetchCount, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	b := &RabbitMQBroker{
		conn:    conn,
		channel: channel,
		cfg:     cfg,
		logger:  logger.With().Str("component", "rabbitmq").Logger(),
	}
	for _, topic := range cfg.Topics {
		for _, name := range []string{topic, DeadLetter(topic)} {
			if err := b.declareQueue(name); err != nil {
				b.Close()
				return nil, err
			}
		}
	}
	return b, nil
}

func (b *RabbitMQBroker) declareQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func (b *RabbitMQBroker) Publish(ctx context.Context, topic string, message []byte) error {
	return b.publish(ctx, topic, message, nil)
}

func (b *RabbitMQBroker) publish(ctx context.Context, queueName string, body []byte, headers amqp.Table) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	err := b.channel.PublishWithContext(
		ctx,
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Headers:      headers,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}
	return nil
}

func (b *RabbitMQBroker) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	b.mu.RLock()
	msgs, err := b.channel.Consume(
		topic, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	b.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("register consumer on %s: %w", topic, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					b.logger.Warn().Str("topic", topic).Msg("delivery channel closed")
					return
				}
				b.handleMessage(ctx, msg, handler, topic)
			}
		}
	}()
	return nil
}

func (b *RabbitMQBroker) handleMessage(ctx context.Context, msg amqp.Delivery, handler MessageHandler, topic string) {
	err := handler(ctx, msg.Body)
	if err == nil {
		_ = msg.Ack(false)
		return
	}

	retryCount := 0
	if count, ok := msg.Headers[retryHeader].(int32); ok {
		retryCount = int(count)
	}

	if retryCount < b.cfg.MaxRetries {
		select {
		case <-ctx.Done():
			_ = msg.Nack(false, true)
			return
		case <-time.After(b.cfg.backoff(retryCount)):
		}
		if perr := b.publish(ctx, topic, msg.Body, amqp.Table{retryHeader: int32(retryCount + 1)}); perr != nil {
			b.logger.Error().Err(perr).Str("topic", topic).Msg("requeue failed")
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	b.logger.Warn().Err(err).Str("topic", topic).Int("retries", retryCount).Msg("message dead-lettered")
	headers := amqp.Table{
		"x-original-queue": topic,
		retryHeader:        int32(retryCount),
		"x-error":          err.Error(),
	}
	if perr := b.publish(ctx, DeadLetter(topic), msg.Body, headers); perr != nil {
		b.logger.Error().Err(perr).Str("topic", topic).Msg("dead-letter publish failed")
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func (b *RabbitMQBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
