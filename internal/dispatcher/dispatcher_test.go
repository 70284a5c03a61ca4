package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/queue"
	"github.com/JakeFAU/story-pipeline/internal/queue/memory"
)

// blockingRunner runs until its context ends.
type blockingRunner struct {
	runs atomic.Int32
}

func (r *blockingRunner) Run(ctx context.Context, _ string, _ queue.Handler, _ queue.Options) error {
	r.runs.Add(1)
	<-ctx.Done()
	return nil
}

func noop(context.Context, []byte) error { return nil }

func TestStartStop(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{}
	d := New(memory.NewBroker(), runner, zap.NewNop())
	d.Register("rewrite", noop, queue.Options{})
	ctx := context.Background()

	started, err := d.Start(ctx, "rewrite")
	require.NoError(t, err)
	require.True(t, started)

	started, err = d.Start(ctx, "rewrite")
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, []Status{{Queue: "rewrite", Running: true}}, d.Statuses())

	stopped, err := d.Stop("rewrite")
	require.NoError(t, err)
	require.True(t, stopped)
	require.Equal(t, []Status{{Queue: "rewrite", Running: false}}, d.Statuses())

	stopped, err = d.Stop("rewrite")
	require.NoError(t, err)
	require.False(t, stopped)

	started, err = d.Start(ctx, "rewrite")
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return runner.runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	d.Shutdown()
}

func TestUnknownQueue(t *testing.T) {
	t.Parallel()

	d := New(memory.NewBroker(), &blockingRunner{}, nil)
	_, err := d.Start(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownQueue)
	_, err = d.Stop("missing")
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestIdleConsumerIsMarkedStopped(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	d := New(broker, queue.NewConsumer(broker, zap.NewNop()), zap.NewNop())
	d.Register("scrape", noop, queue.Options{StopWhenIdle: true, IdleWindow: 20 * time.Millisecond, PollWait: 5 * time.Millisecond})

	started, err := d.Start(context.Background(), "scrape")
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool {
		return !d.Statuses()[0].Running
	}, time.Second, 5*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{}
	d := New(memory.NewBroker(), runner, zap.NewNop())
	d.Register("rewrite", noop, queue.Options{})
	d.Register("scrape", noop, queue.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return runner.runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestRunStartsNamedQueues(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{}
	d := New(memory.NewBroker(), runner, zap.NewNop())
	d.Register("rewrite", noop, queue.Options{})
	d.Register("scrape", noop, queue.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, "scrape", "missing")
		close(done)
	}()
	require.Eventually(t, func() bool {
		return runner.runs.Load() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []Status{{Queue: "rewrite", Running: false}, {Queue: "scrape", Running: true}}, d.Statuses())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	require.Equal(t, []Status{{Queue: "rewrite", Running: false}, {Queue: "scrape", Running: false}}, d.Statuses())
}

type failingBroker struct {
	*memory.Broker
}

func (failingBroker) Publish(context.Context, string, []byte) error {
	return errors.New("boom")
}

func TestEnqueueWrapsErrors(t *testing.T) {
	t.Parallel()

	d := New(failingBroker{Broker: memory.NewBroker()}, &blockingRunner{}, nil)
	err := d.Enqueue(context.Background(), "scrape", []byte("daily"))
	require.EqualError(t, err, "queue enqueue: boom")
}
