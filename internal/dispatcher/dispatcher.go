// Package dispatcher owns the queue consumers of a process. Each running
// consumer has its own context, so it can be started and stopped on demand.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/queue"
)

// ErrUnknownQueue is returned for a queue with no registered handler.
var ErrUnknownQueue = errors.New("no consumer registered for queue")

// Runner runs one consumer loop until ctx ends or it goes idle.
type Runner interface {
	Run(ctx context.Context, queueName string, handler queue.Handler, opts queue.Options) error
}

// Status describes a registered consumer.
type Status struct {
	Queue   string `json:"queue"`
	Running bool   `json:"running"`
}

type registration struct {
	handler queue.Handler
	opts    queue.Options
	cancel  context.CancelFunc
	done    chan struct{}
}

// Dispatcher starts and stops registered consumers.
type Dispatcher struct {
	broker queue.Broker
	runner Runner
	logger *zap.Logger

	mu   sync.Mutex
	regs map[string]*registration
	wg   sync.WaitGroup
}

// New creates a Dispatcher.
func New(broker queue.Broker, runner Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		broker: broker,
		runner: runner,
		logger: logger.Named("dispatcher"),
		regs:   make(map[string]*registration),
	}
}

// Register sets the handler and options for queueName.
func (d *Dispatcher) Register(queueName string, handler queue.Handler, opts queue.Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[queueName] = &registration{handler: handler, opts: opts}
}

// Start launches the consumer for queueName. It reports false when the
// consumer was already running.
func (d *Dispatcher) Start(ctx context.Context, queueName string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[queueName]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if reg.done != nil {
		return false, nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	reg.cancel = cancel
	reg.done = done

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(done)
		if err := d.runner.Run(runCtx, queueName, reg.handler, reg.opts); err != nil {
			d.logger.Error("consumer exited", zap.String("queue", queueName), zap.Error(err))
		}
		d.mu.Lock()
		if reg.done == done {
			reg.done = nil
			reg.cancel = nil
		}
		d.mu.Unlock()
		cancel()
	}()
	d.logger.Info("consumer launched", zap.String("queue", queueName))
	return true, nil
}

// Stop cancels the consumer for queueName and waits for it to finish its
// current job. It reports false when nothing was running.
func (d *Dispatcher) Stop(queueName string) (bool, error) {
	d.mu.Lock()
	reg, ok := d.regs[queueName]
	if !ok {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if reg.done == nil {
		d.mu.Unlock()
		return false, nil
	}
	cancel, done := reg.cancel, reg.done
	d.mu.Unlock()

	cancel()
	<-done
	return true, nil
}

// Statuses lists every registered consumer sorted by queue name.
func (d *Dispatcher) Statuses() []Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Status, 0, len(d.regs))
	for name, reg := range d.regs {
		out = append(out, Status{Queue: name, Running: reg.done != nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// Enqueue proxies to the underlying broker.
func (d *Dispatcher) Enqueue(ctx context.Context, queueName string, body []byte) error {
	if err := d.broker.Publish(ctx, queueName, body); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Run starts the named consumers, or every registered consumer when none are
// named, and blocks until ctx ends. It then stops every running consumer,
// including ones started later through Start.
func (d *Dispatcher) Run(ctx context.Context, queues ...string) {
	if len(queues) == 0 {
		d.mu.Lock()
		for name := range d.regs {
			queues = append(queues, name)
		}
		d.mu.Unlock()
	}
	for _, name := range queues {
		if _, err := d.Start(ctx, name); err != nil {
			d.logger.Error("start consumer", zap.String("queue", name), zap.Error(err))
		}
	}
	<-ctx.Done()
	d.Shutdown()
}

// Shutdown stops all consumers and waits for them.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	for _, reg := range d.regs {
		if reg.cancel != nil {
			reg.cancel()
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
