package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

// Options controls a consumer run.
type Options struct {
	// StopWhenIdle ends the run once no message was acked for IdleWindow.
	StopWhenIdle bool
	IdleWindow   time.Duration
	// PollWait bounds each Session.Next call.
	PollWait time.Duration
	// RetryDelay is the pause before reopening a failed session.
	RetryDelay time.Duration
	// MaxDeliveries abandons a message after this many attempts. Zero disables it.
	MaxDeliveries int
	Prefetch      int
}

func (o Options) withDefaults() Options {
	if o.IdleWindow <= 0 {
		o.IdleWindow = 10 * time.Second
	}
	if o.PollWait <= 0 {
		o.PollWait = 3 * time.Second
	}
	if o.PollWait > o.IdleWindow && o.StopWhenIdle {
		o.PollWait = o.IdleWindow
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	return o
}

// Consumer pulls jobs from a broker one at a time.
type Consumer struct {
	broker Broker
	logger *zap.Logger
	now    func() time.Time
}

// NewConsumer builds a Consumer.
func NewConsumer(broker Broker, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{broker: broker, logger: logger.Named("consumer"), now: time.Now}
}

// Run consumes queue until ctx is canceled or, with StopWhenIdle, nothing is
// acked for IdleWindow. Session failures are logged and the session is
// reopened after RetryDelay; Run never gives up on its own.
func (c *Consumer) Run(ctx context.Context, queue string, handler Handler, opts Options) error {
	if handler == nil {
		return errors.New("consumer requires a handler")
	}
	opts = opts.withDefaults()
	logger := c.logger.With(zap.String("queue", queue))
	telemetry.IncActiveConsumers(queue)
	defer telemetry.DecActiveConsumers(queue)

	logger.Info("consumer started", zap.Bool("stop_when_idle", opts.StopWhenIdle))
	defer logger.Info("consumer stopped")

	lastActivity := c.now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		session, err := c.broker.Open(ctx, queue, opts.Prefetch)
		if err != nil {
			logger.Error("open session failed", zap.Error(err), zap.Duration("retry_in", opts.RetryDelay))
			if pipeline.Sleep(ctx, opts.RetryDelay) != nil {
				return nil
			}
			continue
		}
		done, err := c.drain(ctx, session, queue, handler, opts, &lastActivity)
		if closeErr := session.Close(); closeErr != nil {
			logger.Warn("close session failed", zap.Error(closeErr))
		}
		if done {
			return nil
		}
		logger.Error("session lost", zap.Error(err), zap.Duration("retry_in", opts.RetryDelay))
		if pipeline.Sleep(ctx, opts.RetryDelay) != nil {
			return nil
		}
	}
}

// drain reports true when the run should end and otherwise returns the
// session error that interrupted it.
func (c *Consumer) drain(ctx context.Context, session Session, queue string, handler Handler, opts Options, lastActivity *time.Time) (bool, error) {
	for {
		if ctx.Err() != nil {
			return true, nil
		}
		delivery, err := session.Next(ctx, opts.PollWait)
		if errors.Is(err, ErrEmpty) {
			if opts.StopWhenIdle && c.now().Sub(*lastActivity) >= opts.IdleWindow {
				return true, nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return false, err
		}
		if c.handle(ctx, queue, delivery, handler, opts) {
			*lastActivity = c.now()
			continue
		}
		// A message that keeps failing is redelivered without the queue ever
		// going empty, so the idle check also runs here.
		if opts.StopWhenIdle && c.now().Sub(*lastActivity) >= opts.IdleWindow {
			return true, nil
		}
	}
}

// handle reports whether the delivery was acked. Nacked and unacked messages
// do not count as activity.
func (c *Consumer) handle(ctx context.Context, queue string, d Delivery, handler Handler, opts Options) bool {
	logger := c.logger.With(zap.String("queue", queue), zap.ByteString("body", d.Body()), zap.Int("attempt", d.Attempt()))

	if opts.MaxDeliveries > 0 && d.Attempt() > opts.MaxDeliveries {
		logger.Warn("abandoning message after too many deliveries")
		if err := d.Ack(ctx); err != nil {
			logger.Error("ack abandoned message failed", zap.Error(err))
		}
		telemetry.ObserveDelivery(queue, "abandoned")
		return true
	}

	handlerCtx := ctx
	if traced, ok := d.(Traced); ok {
		handlerCtx = traced.Context(ctx)
	}
	if err := safeHandle(handlerCtx, handler, d.Body()); err != nil {
		logger.Error("handler failed", zap.Error(err))
		if nackErr := d.Nack(ctx, true); nackErr != nil {
			logger.Error("nack failed", zap.Error(nackErr))
		}
		telemetry.ObserveDelivery(queue, "nacked")
		return false
	}
	if err := d.Ack(ctx); err != nil {
		logger.Error("ack failed", zap.Error(err))
		return false
	}
	telemetry.ObserveDelivery(queue, "acked")
	return true
}

func safeHandle(ctx context.Context, handler Handler, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, body)
}
