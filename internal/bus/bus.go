// Package bus declares the internal inter-process message bus
// collaborator: the real implementation is another WebSocket JSON bus
// with a {msg_type, data, context} schema, out of scope for this
// module. Memory provides an in-process stand-in for tests and the CLI
// demo.
package bus

import (
	"context"
	"sync"
)

// Bus is the contract the slave protocol depends on.
type Bus interface {
	// Publish delivers a {msg_type, data, context} message to every
	// subscriber of msgType.
	Publish(ctx context.Context, msgType string, data, context map[string]any) error

	// Subscribe registers a handler for msgType and returns a function
	// that removes it.
	Subscribe(msgType string, handler func(data, context map[string]any)) (unsubscribe func())

	// SubscribeAll registers a handler invoked for every message
	// published on the bus, regardless of msg_type. Used for share_bus
	// passive mirroring onto the wire.
	SubscribeAll(handler func(msgType string, data, context map[string]any)) (unsubscribe func())
}

// Memory is an in-process Bus, grounded on the dispatcher's own
// registry/mutex/fan-out shape — a second, independent instance of the
// same on/emit pattern, since the real bus's implementation is out of
// scope here.
type Memory struct {
	mu       sync.Mutex
	handlers map[string][]*subscription
	all      []*allSubscription
	seq      int
}

type subscription struct {
	id      int
	handler func(data, context map[string]any)
}

type allSubscription struct {
	id      int
	handler func(msgType string, data, context map[string]any)
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string][]*subscription)}
}

// Publish invokes every subscriber of msgType, then every SubscribeAll
// listener, in registration order.
func (m *Memory) Publish(ctx context.Context, msgType string, data, context map[string]any) error {
	m.mu.Lock()
	subs := make([]*subscription, len(m.handlers[msgType]))
	copy(subs, m.handlers[msgType])
	all := make([]*allSubscription, len(m.all))
	copy(all, m.all)
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.handler(data, context)
	}
	for _, s := range all {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.handler(msgType, data, context)
	}
	return nil
}

// SubscribeAll registers handler for every message published, regardless
// of msg_type.
func (m *Memory) SubscribeAll(handler func(msgType string, data, context map[string]any)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	sub := &allSubscription{id: m.seq, handler: handler}
	m.all = append(m.all, sub)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.all {
			if s.id == sub.id {
				m.all = append(m.all[:i], m.all[i+1:]...)
				break
			}
		}
	}
}

// Subscribe registers handler for msgType.
func (m *Memory) Subscribe(msgType string, handler func(data, context map[string]any)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	sub := &subscription{id: m.seq, handler: handler}
	m.handlers[msgType] = append(m.handlers[msgType], sub)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.handlers[msgType]
		for i, s := range subs {
			if s.id == sub.id {
				m.handlers[msgType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}
