// Package kafka implements queue.Broker on Kafka with one consumer group per
// queue. Commit acknowledges a message; a nack republishes it with the next
// attempt header and commits the original.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/queue"
)

const attemptHeader = "attempt"

// Config names the brokers and the consumer group prefix.
type Config struct {
	Brokers     []string
	GroupPrefix string
	// TopicPrefix is prepended to every queue name.
	TopicPrefix string
}

// Broker shares one writer across queues.
type Broker struct {
	cfg    Config
	writer *kafkago.Writer
	logger *zap.Logger
}

// New builds a Broker. No connection is made until the first call.
func New(cfg Config, logger *zap.Logger) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("queue.kafka.brokers is required")
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "story-pipeline-"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg: cfg,
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(cfg.Brokers...),
			Balancer:               &kafkago.LeastBytes{},
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
		},
		logger: logger.Named("kafka"),
	}, nil
}

func (b *Broker) topic(queueName string) string {
	return b.cfg.TopicPrefix + queueName
}

// Publish writes body to the queue topic.
func (b *Broker) Publish(ctx context.Context, queueName string, body []byte) error {
	return b.write(ctx, queueName, body, 1)
}

func (b *Broker) write(ctx context.Context, queueName string, body []byte, attempt int) error {
	err := b.writer.WriteMessages(ctx, kafkago.Message{
		Topic:   b.topic(queueName),
		Value:   body,
		Headers: []kafkago.Header{{Key: attemptHeader, Value: []byte(strconv.Itoa(attempt))}},
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Open joins the consumer group for queueName.
func (b *Broker) Open(_ context.Context, queueName string, prefetch int) (queue.Session, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:       b.cfg.Brokers,
		GroupID:       b.cfg.GroupPrefix + queueName,
		Topic:         b.topic(queueName),
		QueueCapacity: prefetch,
		MaxWait:       time.Second,
	})
	return &session{broker: b, queue: queueName, reader: reader}, nil
}

// Close flushes and closes the writer.
func (b *Broker) Close() error {
	if err := b.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

type session struct {
	broker *Broker
	queue  string
	reader *kafkago.Reader
}

func (s *session) Next(ctx context.Context, wait time.Duration) (queue.Delivery, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	msg, err := s.reader.FetchMessage(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("next canceled: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, queue.ErrEmpty
		}
		return nil, fmt.Errorf("fetch kafka message: %w", err)
	}
	return &delivery{session: s, msg: msg}, nil
}

func (s *session) Close() error {
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}

type delivery struct {
	session *session
	msg     kafkago.Message
}

func (d *delivery) Body() []byte {
	return d.msg.Value
}

func (d *delivery) Attempt() int {
	return attemptOf(d.msg.Headers)
}

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.session.reader.CommitMessages(ctx, d.msg); err != nil {
		return fmt.Errorf("commit kafka message: %w", err)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if requeue {
		if err := d.session.broker.write(ctx, d.session.queue, d.msg.Value, d.Attempt()+1); err != nil {
			return err
		}
	}
	return d.Ack(ctx)
}

func attemptOf(headers []kafkago.Header) int {
	for _, h := range headers {
		if h.Key != attemptHeader {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
