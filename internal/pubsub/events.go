// Package pubsub provides the generic publish/subscribe substrate for the
// daemon's event bus. Delivery is in-process only: at-least-once to every
// subscriber registered at publish time, FIFO per subscriber, and never
// blocking the publisher.
package pubsub

import (
	"context"
	"time"
)

// EventType identifies the topic of an event. Domain packages define their
// own topic constants; the broker treats the value as opaque.
type EventType string

// Event wraps a payload published on a broker. Every event carries a
// correlation id so downstream effects (spawned sessions, hook invocations,
// outbound messages) can be traced back to the observation that caused them.
type Event[T any] struct {
	Type          EventType
	Payload       T
	Timestamp     time.Time
	CorrelationID string
}

// Subscriber is the read side of a broker.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher is the write side of a broker.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
