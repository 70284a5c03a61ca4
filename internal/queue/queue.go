// Package queue defines the durable work-queue abstraction and the consumer
// loop that drives handlers from it. Broker backends live in the memory,
// pubsub, and kafka subpackages.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Session.Next when no message arrived within the wait.
var ErrEmpty = errors.New("queue empty")

// Well-known queue names.
const (
	ScrapeQueue  = "scrape"
	RewriteQueue = "rewrite"
)

// Broker publishes job bodies and opens consuming sessions.
type Broker interface {
	Publish(ctx context.Context, queue string, body []byte) error
	// Open connects to queue, declaring it when needed. Prefetch bounds the
	// number of unacknowledged messages held by the session.
	Open(ctx context.Context, queue string, prefetch int) (Session, error)
	Close() error
}

// Session is one connection to a queue.
type Session interface {
	// Next waits up to wait for a message and returns ErrEmpty when none came.
	Next(ctx context.Context, wait time.Duration) (Delivery, error)
	Close() error
}

// Delivery is a received message awaiting acknowledgement.
type Delivery interface {
	Body() []byte
	// Attempt is 1 on first delivery.
	Attempt() int
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Handler processes one job body.
type Handler func(ctx context.Context, body []byte) error

// Traced is implemented by deliveries that carry trace context.
type Traced interface {
	Context(parent context.Context) context.Context
}
