package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradehub/negotiation/internal/domain/event"
)

var (
	ErrClientNotFound = errors.New("sse client not found")
	ErrChannelFull    = errors.New("sse message channel full")
)

// Message is one server-sent event.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client is one open stream of a party.
type Client struct {
	ClientID    string
	UserID      uuid.UUID
	ConnectedAt time.Time
	MessageChan chan *Message
	closeOnce   sync.Once
}

func NewClient(userID uuid.UUID) *Client {
	return &Client{
		ClientID:    uuid.NewString(),
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, 100),
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.MessageChan) })
}

// Hub manages SSE clients and delivers negotiation notifications to the recipient's streams.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "sse").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToUser sends message to every stream of userID and returns how many accepted it.
func (h *Hub) BroadcastToUser(userID uuid.UUID, message *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.clients {
		if c.UserID == userID && trySend(c, message) {
			sent++
		}
	}
	return sent
}

func (h *Hub) SendToClient(clientID string, message *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, message) {
		return ErrChannelFull
	}
	return nil
}

// Notify implements event.Notifier. A recipient without an open stream is not an error.
func (h *Hub) Notify(_ context.Context, n *event.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	sent := h.BroadcastToUser(n.RecipientID, &Message{
		ID:        n.EventID.String(),
		Event:     string(n.Type),
		Data:      data,
		Timestamp: n.OccurredAt,
	})
	h.logger.Debug().
		Str("event", string(n.Type)).
		Str("recipient_id", n.RecipientID.String()).
		Int("streams", sent).
		Msg("notification streamed")
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
