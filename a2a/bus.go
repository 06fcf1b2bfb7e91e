package a2a

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for bus operations.
var (
	// ErrTimeout is returned by SendAndWait when no correlated response
	// arrives within the deadline. It is never retried by the bus.
	ErrTimeout = errors.New("a2a: timed out waiting for response")

	// ErrUnknownMessageType is returned when decoding a message whose type
	// is not one of the ten known kinds.
	ErrUnknownMessageType = errors.New("a2a: unknown message type")

	// ErrBusClosed is returned when publishing on a closed bus.
	ErrBusClosed = errors.New("a2a: bus closed")
)

// Handler consumes messages delivered to a subscribed recipient.
type Handler func(Message)

// Subscription is a handle for cancelling a recipient subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus delivers typed messages between agents.
//
// Publish is at-least-once and fire-and-forget: delivery is by recipient id
// and there is no ordering guarantee across senders. SendAndWait publishes a
// request and blocks until a message carrying the same correlation id
// arrives, or fails with ErrTimeout; it never retries internally — the
// retry-versus-abandon decision belongs to the caller.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	SendAndWait(ctx context.Context, msg Message, timeout time.Duration) (Message, error)
	Subscribe(recipientID string, h Handler) (Subscription, error)
	Close() error
}
