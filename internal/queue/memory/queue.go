// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/story-pipeline/internal/queue"
)

var errClosed = errors.New("broker closed")

type message struct {
	body    []byte
	attempt int
}

type namedQueue struct {
	items  []message
	notify chan struct{}
}

// Broker keeps every queue as an unbounded FIFO.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*namedQueue
	closed bool
}

// NewBroker builds an empty Broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*namedQueue)}
}

func (b *Broker) queueLocked(name string) *namedQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &namedQueue{notify: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) push(name string, msg message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	q := b.queueLocked(name)
	q.items = append(q.items, msg)
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// Publish appends body to queue.
func (b *Broker) Publish(_ context.Context, queueName string, body []byte) error {
	data := make([]byte, len(body))
	copy(data, body)
	return b.push(queueName, message{body: data, attempt: 1})
}

// Open returns a session on queue. Prefetch is ignored.
func (b *Broker) Open(_ context.Context, queueName string, _ int) (queue.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	b.queueLocked(queueName)
	return &session{broker: b, name: queueName, inflight: make(map[*delivery]struct{})}, nil
}

// Len reports the number of waiting messages in queue.
func (b *Broker) Len(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.items)
	}
	return 0
}

// Close stops the broker. Open sessions return an error on their next call.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, q := range b.queues {
		close(q.notify)
		q.notify = make(chan struct{})
	}
	return nil
}

type session struct {
	broker   *Broker
	name     string
	mu       sync.Mutex
	inflight map[*delivery]struct{}
}

func (s *session) Next(ctx context.Context, wait time.Duration) (queue.Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		s.broker.mu.Lock()
		if s.broker.closed {
			s.broker.mu.Unlock()
			return nil, errClosed
		}
		q := s.broker.queues[s.name]
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			s.broker.mu.Unlock()
			d := &delivery{session: s, msg: msg}
			s.mu.Lock()
			s.inflight[d] = struct{}{}
			s.mu.Unlock()
			return d, nil
		}
		notify := q.notify
		s.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("next canceled: %w", ctx.Err())
		case <-timer.C:
			return nil, queue.ErrEmpty
		case <-notify:
		}
	}
}

// Close requeues every unacknowledged delivery.
func (s *session) Close() error {
	s.mu.Lock()
	pending := make([]*delivery, 0, len(s.inflight))
	for d := range s.inflight {
		pending = append(pending, d)
	}
	s.inflight = make(map[*delivery]struct{})
	s.mu.Unlock()
	for _, d := range pending {
		if err := s.broker.push(s.name, message{body: d.msg.body, attempt: d.msg.attempt + 1}); err != nil && !errors.Is(err, errClosed) {
			return err
		}
	}
	return nil
}

func (s *session) settle(d *delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[d]; !ok {
		return false
	}
	delete(s.inflight, d)
	return true
}

type delivery struct {
	session *session
	msg     message
}

func (d *delivery) Body() []byte { return d.msg.body }

func (d *delivery) Attempt() int { return d.msg.attempt }

func (d *delivery) Ack(context.Context) error {
	if !d.session.settle(d) {
		return errors.New("delivery already settled")
	}
	return nil
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	if !d.session.settle(d) {
		return errors.New("delivery already settled")
	}
	if !requeue {
		return nil
	}
	return d.session.broker.push(d.session.name, message{body: d.msg.body, attempt: d.msg.attempt + 1})
}
