package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehub/negotiation/internal/domain/event"
)

var fastRetries = Config{MaxRetries: 2, RetryDelay: time.Millisecond}

func TestDeliver_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Deliver(context.Background(), func(context.Context, []byte) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, []byte("{}"), fastRetries)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDeliver_GivesUp(t *testing.T) {
	calls := 0
	boom := errors.New("poison")
	err := Deliver(context.Background(), func(context.Context, []byte) error {
		calls++
		return boom
	}, nil, fastRetries)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDeliver_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Deliver(ctx, func(context.Context, []byte) error {
		cancel()
		return errors.New("fail")
	}, nil, Config{MaxRetries: 5, RetryDelay: time.Hour})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{RetryDelay: time.Second}
	assert.Equal(t, time.Second, cfg.backoff(0))
	assert.Equal(t, 2*time.Second, cfg.backoff(1))
	assert.Equal(t, 4*time.Second, cfg.backoff(2))
}

func TestMemoryBroker_DeliversAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(fastRetries)

	var got []string
	require.NoError(t, b.Subscribe(ctx, TopicCatalogChanges, func(_ context.Context, msg []byte) error {
		if string(msg) == "bad" {
			return errors.New("cannot handle")
		}
		got = append(got, string(msg))
		return nil
	}))

	require.NoError(t, b.Publish(ctx, TopicCatalogChanges, []byte("ok")))
	require.NoError(t, b.Publish(ctx, TopicCatalogChanges, []byte("bad")))
	require.NoError(t, b.Publish(ctx, TopicNotifications, []byte("elsewhere")))

	assert.Equal(t, []string{"ok"}, got)
	dead := b.DeadLetters(TopicCatalogChanges)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad", string(dead[0]))
}

func TestMemoryBroker_SkipsCancelledSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBroker(fastRetries)
	calls := 0
	require.NoError(t, b.Subscribe(ctx, TopicCatalogChanges, func(context.Context, []byte) error {
		calls++
		return nil
	}))
	cancel()

	require.NoError(t, b.Publish(context.Background(), TopicCatalogChanges, []byte("x")))
	assert.Zero(t, calls)
}

func TestNotifier_PublishesJSON(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(fastRetries)
	var received event.Notification
	require.NoError(t, b.Subscribe(ctx, TopicNotifications, func(_ context.Context, msg []byte) error {
		return json.Unmarshal(msg, &received)
	}))

	note := &event.Notification{
		EventID:       uuid.New(),
		Type:          event.TypeCounterReceived,
		NegotiationID: uuid.New(),
		RecipientID:   uuid.New(),
		Status:        "COUNTER_OFFER",
		Quantity:      100,
	}
	require.NoError(t, NewNotifier(b, "").Notify(ctx, note))

	assert.Equal(t, note.EventID, received.EventID)
	assert.Equal(t, event.TypeCounterReceived, received.Type)
	assert.Equal(t, 100, received.Quantity)
}
