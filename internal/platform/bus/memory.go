package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Memory is an in-process bus. Every subscriber sees every message published
// after it subscribed, in publish order.
type Memory struct {
	mu        sync.Mutex
	published []Message
	subs      []chan Message
	logger    zerolog.Logger
}

func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{logger: logger.With().Str("component", "bus").Logger()}
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.Lock()
	m.published = append(m.published, msg)
	subs := append([]chan Message(nil), m.subs...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, h Handler) error {
	ch := make(chan Message, 256)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	defer m.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if err := h(ctx, msg); err != nil {
				m.logger.Warn().Err(err).Str("message_id", msg.ID).Str("routing_key", msg.RoutingKey).
					Msg("message rejected")
			}
		}
	}
}

func (m *Memory) unsubscribe(ch chan Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.subs {
		if c == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// Published returns every message handed to Publish so far.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// Subscribers reports how many subscriptions are active.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
