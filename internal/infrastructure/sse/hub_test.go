package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehub/negotiation/internal/domain/event"
)

func TestHub_NotifyReachesRecipientOnly(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	buyer, seller := uuid.New(), uuid.New()
	buyerStream, sellerStream := NewClient(buyer), NewClient(seller)
	hub.Register(buyerStream)
	hub.Register(sellerStream)
	defer hub.Stop()

	note := &event.Notification{
		EventID:       uuid.New(),
		Type:          event.TypeOfferReceived,
		NegotiationID: uuid.New(),
		RecipientID:   seller,
		Quantity:      100,
		OccurredAt:    time.Now().UTC(),
	}
	require.NoError(t, hub.Notify(context.Background(), note))

	select {
	case msg := <-sellerStream.MessageChan:
		assert.Equal(t, "offer_received", msg.Event)
		assert.Equal(t, note.EventID.String(), msg.ID)
		var decoded event.Notification
		require.NoError(t, json.Unmarshal(msg.Data, &decoded))
		assert.Equal(t, note.NegotiationID, decoded.NegotiationID)
	default:
		t.Fatal("seller stream received nothing")
	}
	assert.Empty(t, buyerStream.MessageChan)
}

func TestHub_NotifyWithoutStreams(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	err := hub.Notify(context.Background(), &event.Notification{EventID: uuid.New(), RecipientID: uuid.New()})
	assert.NoError(t, err)
}

func TestHub_FullChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient(uuid.New())
	c.MessageChan = make(chan *Message, 1)
	hub.Register(c)

	require.NoError(t, hub.SendToClient(c.ClientID, &Message{ID: "1"}))
	assert.ErrorIs(t, hub.SendToClient(c.ClientID, &Message{ID: "2"}), ErrChannelFull)
	assert.ErrorIs(t, hub.SendToClient("missing", &Message{}), ErrClientNotFound)
}

func TestHub_UnregisterClosesStream(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient(uuid.New())
	hub.Register(c)
	assert.Equal(t, 1, hub.ClientCount())

	hub.Unregister(c.ClientID)
	_, open := <-c.MessageChan
	assert.False(t, open)
	assert.Zero(t, hub.ClientCount())

	c.Close()
}
