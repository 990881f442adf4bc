package queue

import (
	"context"
	"time"
)

// Broker moves JSON messages between the engine and its collaborators.
type Broker interface {
	Publish(ctx context.Context, topic string, message []byte) error
	// Subscribe registers handler and returns; delivery runs until ctx is done.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes one message. A returned error triggers a retry and,
// once retries are exhausted, a dead-letter publish.
type MessageHandler = func(ctx context.Context, message []byte) error

const (
	TopicCatalogChanges = "catalog-changes"
	TopicNotifications  = "negotiation-notifications"

	dlqSuffix = "-dlq"
)

// DeadLetter names the dead-letter queue for topic.
func DeadLetter(topic string) string {
	return topic + dlqSuffix
}

// Config is shared by the broker implementations.
type Config struct {
	URL           string
	Brokers       []string
	GroupID       string
	MaxRetries    int
	RetryDelay    time.Duration
	PrefetchCount int
	Topics        []string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 10
	}
	if c.GroupID == "" {
		c.GroupID = "negotiation-engine"
	}
	if len(c.Topics) == 0 {
		c.Topics = []string{TopicCatalogChanges, TopicNotifications}
	}
	return c
}

// backoff returns the delay before retry number attempt (0-based): RetryDelay * 2^attempt.
func (c Config) backoff(attempt int) time.Duration {
	return c.RetryDelay * time.Duration(1<<attempt)
}
