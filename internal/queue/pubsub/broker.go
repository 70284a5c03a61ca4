// Package pubsub implements queue.Broker on Google Cloud Pub/Sub. Each queue
// name maps to a topic and a subscription of the same name.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/story-pipeline/internal/queue"
)

const attemptAttribute = "attempt"

// Config names the project and the subscription settings.
type Config struct {
	ProjectID          string
	SubscriptionSuffix string
	AckDeadline        time.Duration
	// CreateMissing declares topics and subscriptions that do not exist.
	CreateMissing bool
}

// Broker publishes and consumes through one Pub/Sub client.
type Broker struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
	declared   map[string]bool
}

// New connects a client with application default credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("queue.pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client *pubsub.Client, cfg Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	return &Broker{
		client:     client,
		cfg:        cfg,
		logger:     logger.Named("pubsub"),
		publishers: make(map[string]*pubsub.Publisher),
		declared:   make(map[string]bool),
	}
}

func (b *Broker) topicName(queueName string) string {
	return fmt.Sprintf("projects/%s/topics/%s", b.cfg.ProjectID, queueName)
}

func (b *Broker) subscriptionName(queueName string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s%s", b.cfg.ProjectID, queueName, b.cfg.SubscriptionSuffix)
}

// declare creates the topic and subscription for queueName once per process.
func (b *Broker) declare(ctx context.Context, queueName string) error {
	if !b.cfg.CreateMissing {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[queueName] {
		return nil
	}
	_, err := b.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: b.topicName(queueName)})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create topic %s: %w", queueName, err)
	}
	_, err = b.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               b.subscriptionName(queueName),
		Topic:              b.topicName(queueName),
		AckDeadlineSeconds: int32(b.cfg.AckDeadline / time.Second),
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create subscription %s: %w", queueName, err)
	}
	b.declared[queueName] = true
	return nil
}

func (b *Broker) publisher(queueName string) *pubsub.Publisher {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.publishers[queueName]
	if !ok {
		p = b.client.Publisher(b.topicName(queueName))
		b.publishers[queueName] = p
	}
	return p
}

// Publish sends body to the queue topic and waits for the server id.
func (b *Broker) Publish(ctx context.Context, queueName string, body []byte) error {
	return b.publish(ctx, queueName, body, 1)
}

func (b *Broker) publish(ctx context.Context, queueName string, body []byte, attempt int) error {
	if err := b.declare(ctx, queueName); err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data:       body,
		Attributes: map[string]string{attemptAttribute: strconv.Itoa(attempt)},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := b.publisher(queueName).Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Open starts receiving from the queue subscription. Prefetch maps to
// MaxOutstandingMessages.
func (b *Broker) Open(ctx context.Context, queueName string, prefetch int) (queue.Session, error) {
	if err := b.declare(ctx, queueName); err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	sub := b.client.Subscriber(b.subscriptionName(queueName))
	sub.ReceiveSettings.MaxOutstandingMessages = prefetch

	recvCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		broker:   b,
		queue:    queueName,
		messages: make(chan *pubsub.Message),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go func() {
		defer close(s.done)
		s.err = sub.Receive(recvCtx, func(ctx context.Context, msg *pubsub.Message) {
			select {
			case s.messages <- msg:
			case <-ctx.Done():
				msg.Nack()
			}
		})
	}()
	return s, nil
}

// Close stops every publisher and the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	for _, p := range b.publishers {
		p.Stop()
	}
	b.publishers = make(map[string]*pubsub.Publisher)
	b.mu.Unlock()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

type session struct {
	broker   *Broker
	queue    string
	messages chan *pubsub.Message
	done     chan struct{}
	cancel   context.CancelFunc
	err      error
}

func (s *session) Next(ctx context.Context, wait time.Duration) (queue.Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case msg := <-s.messages:
		return &delivery{session: s, msg: msg}, nil
	case <-s.done:
		if s.err != nil {
			return nil, fmt.Errorf("receive %s: %w", s.queue, s.err)
		}
		return nil, fmt.Errorf("receive %s: subscription closed", s.queue)
	case <-timer.C:
		return nil, queue.ErrEmpty
	case <-ctx.Done():
		return nil, fmt.Errorf("next canceled: %w", ctx.Err())
	}
}

func (s *session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

type delivery struct {
	session *session
	msg     *pubsub.Message
}

func (d *delivery) Body() []byte {
	return d.msg.Data
}

// Attempt prefers the server count when a dead-letter policy provides one.
func (d *delivery) Attempt() int {
	attempt := 1
	if v, err := strconv.Atoi(d.msg.Attributes[attemptAttribute]); err == nil && v > 0 {
		attempt = v
	}
	if d.msg.DeliveryAttempt != nil && *d.msg.DeliveryAttempt > attempt {
		attempt = *d.msg.DeliveryAttempt
	}
	return attempt
}

func (d *delivery) Context(parent context.Context) context.Context {
	return otel.GetTextMapPropagator().Extract(parent, &pubsubCarrier{attrs: d.msg.Attributes})
}

func (d *delivery) Ack(context.Context) error {
	d.msg.Ack()
	return nil
}

// Nack republishes the body with the next attempt number so redeliveries
// are counted, then acknowledges the original.
func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if requeue {
		if err := d.session.broker.publish(d.Context(ctx), d.session.queue, d.msg.Data, d.Attempt()+1); err != nil {
			d.msg.Nack()
			return err
		}
	}
	d.msg.Ack()
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
