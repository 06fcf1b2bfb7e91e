package a2a

import (
	"context"
	"sync"
	"time"

	"github.com/meshrun/meshrun/metrics"
)

// InProcBus is an in-process Bus for single-binary deployments and tests.
// It provides the same at-least-once, unordered delivery contract as the
// NATS-backed bus: responses reach both correlation waiters and any standing
// subscription for the recipient.
type InProcBus struct {
	mu       sync.RWMutex
	handlers map[string][]*inprocSub
	waiters  map[string]chan Message
	closed   bool
}

// NewInProcBus creates an empty in-process bus.
func NewInProcBus() *InProcBus {
	return &InProcBus{
		handlers: make(map[string][]*inprocSub),
		waiters:  make(map[string]chan Message),
	}
}

type inprocSub struct {
	bus         *InProcBus
	recipientID string
	h           Handler
}

// Unsubscribe removes the subscription from the bus.
func (s *inprocSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.handlers[s.recipientID]
	for i, sub := range subs {
		if sub == s {
			s.bus.handlers[s.recipientID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Subscribe registers a handler for messages addressed to recipientID.
func (b *InProcBus) Subscribe(recipientID string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub := &inprocSub{bus: b, recipientID: recipientID, h: h}
	b.handlers[recipientID] = append(b.handlers[recipientID], sub)
	return sub, nil
}

// Publish delivers msg to every subscription for its recipient and, when the
// message is a response kind, to any waiter blocked on its correlation id.
// Delivery is asynchronous; Publish never blocks on slow consumers. Messages
// whose TTL has elapsed are dropped, not delivered stale.
func (b *InProcBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	if msg.Expired(time.Now()) {
		b.mu.RUnlock()
		return nil
	}
	subs := make([]*inprocSub, len(b.handlers[msg.RecipientID]))
	copy(subs, b.handlers[msg.RecipientID])
	var waiter chan Message
	if !msg.Type.IsRequest() {
		waiter = b.waiters[msg.CorrelationID]
	}
	b.mu.RUnlock()

	metrics.MessagesPublished.WithLabelValues(msg.Type.String()).Inc()

	if waiter != nil {
		select {
		case waiter <- msg:
		default: // duplicate delivery, waiter already satisfied
		}
	}
	for _, sub := range subs {
		go sub.h(msg)
	}
	return nil
}

// SendAndWait publishes msg and blocks until a message with the same
// correlation id arrives, the timeout elapses, or ctx is cancelled. It never
// retries internally.
func (b *InProcBus) SendAndWait(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	ch := make(chan Message, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrBusClosed
	}
	b.waiters[msg.CorrelationID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, msg.CorrelationID)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, msg); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		metrics.RequestTimeouts.Inc()
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close shuts the bus down. Subsequent publishes fail with ErrBusClosed.
func (b *InProcBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]*inprocSub)
	return nil
}
