package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/queue"
	"github.com/JakeFAU/story-pipeline/internal/queue/memory"
)

// countingBroker wraps the memory broker and counts acknowledgements.
type countingBroker struct {
	*memory.Broker
	openFailures atomic.Int32
	opens        atomic.Int32
	acks         atomic.Int32
	nacks        atomic.Int32
}

func (b *countingBroker) Open(ctx context.Context, name string, prefetch int) (queue.Session, error) {
	b.opens.Add(1)
	if b.openFailures.Load() > 0 {
		b.openFailures.Add(-1)
		return nil, errors.New("connection refused")
	}
	s, err := b.Broker.Open(ctx, name, prefetch)
	if err != nil {
		return nil, err
	}
	return &countingSession{Session: s, broker: b}, nil
}

type countingSession struct {
	queue.Session
	broker *countingBroker
}

func (s *countingSession) Next(ctx context.Context, wait time.Duration) (queue.Delivery, error) {
	d, err := s.Session.Next(ctx, wait)
	if err != nil {
		return nil, err
	}
	return &countingDelivery{Delivery: d, broker: s.broker}, nil
}

type countingDelivery struct {
	queue.Delivery
	broker *countingBroker
}

func (d *countingDelivery) Ack(ctx context.Context) error {
	d.broker.acks.Add(1)
	return d.Delivery.Ack(ctx)
}

func (d *countingDelivery) Nack(ctx context.Context, requeue bool) error {
	d.broker.nacks.Add(1)
	return d.Delivery.Nack(ctx, requeue)
}

func shortLived() queue.Options {
	return queue.Options{
		StopWhenIdle: true,
		IdleWindow:   100 * time.Millisecond,
		PollWait:     10 * time.Millisecond,
		RetryDelay:   10 * time.Millisecond,
	}
}

func TestConsumerRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	broker := &countingBroker{Broker: memory.NewBroker()}
	require.NoError(t, broker.Publish(ctx, "rewrite", []byte("raw-1")))

	var calls atomic.Int32
	handler := func(_ context.Context, body []byte) error {
		require.Equal(t, "raw-1", string(body))
		if calls.Add(1) <= 2 {
			return errors.New("rewrite failed")
		}
		return nil
	}

	err := queue.NewConsumer(broker, zap.NewNop()).Run(ctx, "rewrite", handler, shortLived())
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, int32(1), broker.acks.Load())
	require.Equal(t, int32(2), broker.nacks.Load())
	require.Zero(t, broker.Len("rewrite"))
}

func TestConsumerRecoversPanics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	broker := &countingBroker{Broker: memory.NewBroker()}
	require.NoError(t, broker.Publish(ctx, "scrape", []byte("daily")))

	var calls atomic.Int32
	handler := func(context.Context, []byte) error {
		if calls.Add(1) == 1 {
			panic("selector exploded")
		}
		return nil
	}

	require.NoError(t, queue.NewConsumer(broker, zap.NewNop()).Run(ctx, "scrape", handler, shortLived()))
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, int32(1), broker.acks.Load())
}

func TestConsumerAbandonsAfterMaxDeliveries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	broker := &countingBroker{Broker: memory.NewBroker()}
	require.NoError(t, broker.Publish(ctx, "rewrite", []byte("poison")))

	var calls atomic.Int32
	handler := func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("always fails")
	}
	opts := shortLived()
	opts.MaxDeliveries = 2

	require.NoError(t, queue.NewConsumer(broker, zap.NewNop()).Run(ctx, "rewrite", handler, opts))
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, int32(1), broker.acks.Load())
	require.Zero(t, broker.Len("rewrite"))
}

func TestConsumerStopsIdleDespiteFailingMessage(t *testing.T) {
	t.Parallel()

	broker := &countingBroker{Broker: memory.NewBroker()}
	require.NoError(t, broker.Publish(context.Background(), "rewrite", []byte("poison")))

	var calls atomic.Int32
	handler := func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("always fails")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, queue.NewConsumer(broker, zap.NewNop()).Run(ctx, "rewrite", handler, shortLived()))

	require.Less(t, time.Since(start), 2*time.Second)
	require.NoError(t, ctx.Err())
	require.Greater(t, calls.Load(), int32(1))
	require.Zero(t, broker.acks.Load())
	require.Equal(t, 1, broker.Len("rewrite"))
}

func TestConsumerReopensAfterConnectionFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	broker := &countingBroker{Broker: memory.NewBroker()}
	broker.openFailures.Store(2)
	require.NoError(t, broker.Publish(ctx, "rewrite", []byte("raw-1")))

	var handled atomic.Int32
	handler := func(context.Context, []byte) error {
		handled.Add(1)
		return nil
	}

	require.NoError(t, queue.NewConsumer(broker, zap.NewNop()).Run(ctx, "rewrite", handler, shortLived()))
	require.Equal(t, int32(3), broker.opens.Load())
	require.Equal(t, int32(1), handled.Load())
}

func TestConsumerStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	broker := &countingBroker{Broker: memory.NewBroker()}

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = queue.NewConsumer(broker, zap.NewNop()).Run(ctx, "rewrite", func(context.Context, []byte) error {
			return nil
		}, queue.Options{PollWait: 10 * time.Millisecond})
	}()

	require.NoError(t, broker.Publish(context.Background(), "rewrite", []byte("raw-1")))
	require.Eventually(t, func() bool { return broker.acks.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
	require.NoError(t, runErr)
}

func TestConsumerRequiresHandler(t *testing.T) {
	t.Parallel()

	err := queue.NewConsumer(memory.NewBroker(), nil).Run(context.Background(), "rewrite", nil, queue.Options{})
	require.Error(t, err)
}
