package queue

import (
	"context"
	"sync"
)

type subscription struct {
	ctx     context.Context
	handler MessageHandler
}

// MemoryBroker delivers in the publisher's goroutine. It backs single-process
// deployments (BROKER=none) and tests.
type MemoryBroker struct {
	cfg  Config
	mu   sync.RWMutex
	subs map[string][]subscription
	dead map[string][][]byte
}

func NewMemoryBroker(cfg Config) *MemoryBroker {
	return &MemoryBroker{
		cfg:  cfg.withDefaults(),
		subs: make(map[string][]subscription),
		dead: make(map[string][][]byte),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, message []byte) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.ctx.Err() != nil {
			continue
		}
		if err := Deliver(s.ctx, s.handler, message, b.cfg); err != nil {
			b.mu.Lock()
			b.dead[topic] = append(b.dead[topic], append([]byte(nil), message...))
			b.mu.Unlock()
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{ctx: ctx, handler: handler})
	return nil
}

// DeadLetters returns messages on topic that exhausted their retries.
func (b *MemoryBroker) DeadLetters(topic string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([][]byte(nil), b.dead[topic]...)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
	return nil
}
