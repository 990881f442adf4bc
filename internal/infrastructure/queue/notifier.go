package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tradehub/negotiation/internal/domain/event"
)

// Notifier publishes negotiation notifications for the external notification service.
type Notifier struct {
	broker Broker
	topic  string
}

func NewNotifier(broker Broker, topic string) *Notifier {
	if topic == "" {
		topic = TopicNotifications
	}
	return &Notifier{broker: broker, topic: topic}
}

func (n *Notifier) Notify(ctx context.Context, note *event.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return n.broker.Publish(ctx, n.topic, body)
}
