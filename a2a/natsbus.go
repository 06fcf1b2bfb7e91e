package a2a

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meshrun/meshrun/metrics"
)

// NATSBus is a Bus backed by NATS core messaging. Each recipient id maps to a
// subject under the configured prefix; NATS fan-out gives every subscriber of
// a recipient its own copy, which preserves the at-least-once contract.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NATSBusOption configures a NATSBus.
type NATSBusOption func(*NATSBus)

// WithSubjectPrefix overrides the default subject prefix.
func WithSubjectPrefix(prefix string) NATSBusOption {
	return func(b *NATSBus) { b.prefix = prefix }
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) NATSBusOption {
	return func(b *NATSBus) { b.logger = logger }
}

// NewNATSBus wraps an existing NATS connection. The caller owns the
// connection lifecycle unless Close is used.
func NewNATSBus(conn *nats.Conn, opts ...NATSBusOption) *NATSBus {
	b := &NATSBus{
		conn:   conn,
		prefix: DefaultSubjectPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends msg to its recipient's subject, fire-and-forget. Messages
// whose TTL has elapsed are dropped, not delivered stale.
func (b *NATSBus) Publish(_ context.Context, msg Message) error {
	if b.conn.IsClosed() {
		return ErrBusClosed
	}
	if msg.Expired(time.Now()) {
		b.logger.Warn("Dropping expired message",
			"type", msg.Type.String(),
			"recipient", msg.RecipientID)
		return nil
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	subject := SubjectForRecipient(b.prefix, msg.RecipientID)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	metrics.MessagesPublished.WithLabelValues(msg.Type.String()).Inc()
	return nil
}

// Subscribe registers a handler for messages addressed to recipientID.
// Undecodable payloads on the subject are logged and dropped.
func (b *NATSBus) Subscribe(recipientID string, h Handler) (Subscription, error) {
	subject := SubjectForRecipient(b.prefix, recipientID)
	sub, err := b.conn.Subscribe(subject, func(nm *nats.Msg) {
		msg, err := Decode(nm.Data)
		if err != nil {
			b.logger.Warn("Dropping undecodable message",
				"subject", subject,
				"error", err)
			return
		}
		h(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return natsSub{sub}, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }

// SendAndWait publishes msg and blocks until a correlated response arrives on
// the sender's own subject. The response subscription is established before
// the publish so the reply cannot be lost to a race. Uncorrelated traffic on
// the sender's subject is skipped, not consumed on its behalf.
func (b *NATSBus) SendAndWait(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	replySubject := SubjectForRecipient(b.prefix, msg.SenderID)
	sub, err := b.conn.SubscribeSync(replySubject)
	if err != nil {
		return Message{}, fmt.Errorf("subscribe %s: %w", replySubject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.Publish(ctx, msg); err != nil {
		return Message{}, err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.RequestTimeouts.Inc()
			return Message{}, ErrTimeout
		}

		nm, err := sub.NextMsg(remaining)
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				metrics.RequestTimeouts.Inc()
				return Message{}, ErrTimeout
			}
			return Message{}, fmt.Errorf("await response: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}

		resp, err := Decode(nm.Data)
		if err != nil {
			b.logger.Warn("Dropping undecodable response candidate", "error", err)
			continue
		}
		if resp.CorrelationID == msg.CorrelationID && !resp.Type.IsRequest() {
			return resp, nil
		}
	}
}

// Close drains and closes the underlying connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		return err
	}
	return nil
}
