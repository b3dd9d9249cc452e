// Package kafka publishes entity change notifications from the outbox to Kafka
// topics using github.com/segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// Publisher writes outbox messages to Kafka.
// Destination format: "kafka:topic". Messages are keyed by tenant and entity ID
// so that changes to one entity land on one partition in commit order.
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	transport    kafkago.RoundTripper
	tenantTopics bool
	newWriter    func(topic string) messageWriter

	mu      sync.RWMutex
	writers map[string]messageWriter
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBrokers sets the broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer replaces the default hash partitioner.
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the writer batch timeout.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithTenantTopics prefixes every topic with the message tenant, e.g. "acme.books".
func WithTenantTopics() Option {
	return func(p *Publisher) {
		p.tenantTopics = true
	}
}

// New creates a Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		writers:      make(map[string]messageWriter),
	}
	p.newWriter = p.kafkaWriter

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination implements bookstore.Publisher.
func (p *Publisher) Destination() string {
	return "kafka"
}

// Publish groups messages by topic and writes each group.
// Every topic is attempted; failures are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.OutboxMessage) error {
	grouped := make(map[string][]kafkago.Message)
	var errs []error

	for _, msg := range messages {
		topic := extractTopic(msg.Destination)
		if topic == "" {
			errs = append(errs, fmt.Errorf("kafka: invalid destination %q: missing topic", msg.Destination))
			continue
		}
		if p.tenantTopics && msg.TenantID != "" {
			topic = msg.TenantID + "." + topic
		}
		grouped[topic] = append(grouped[topic], toKafkaMessage(msg))
	}

	for topic, msgs := range grouped {
		if err := p.writer(topic).WriteMessages(ctx, msgs...); err != nil {
			errs = append(errs, fmt.Errorf("kafka: failed to write to topic %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func toKafkaMessage(msg *adapters.OutboxMessage) kafkago.Message {
	out := kafkago.Message{
		Key:   []byte(messageKey(msg)),
		Value: msg.Payload,
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte(msg.EventType)},
		},
	}
	if msg.ID != "" {
		out.Headers = append(out.Headers, kafkago.Header{Key: "message-id", Value: []byte(msg.ID)})
	}
	for k, v := range msg.Headers {
		out.Headers = append(out.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func messageKey(msg *adapters.OutboxMessage) string {
	if msg.TenantID == "" {
		return msg.AggregateID
	}
	return msg.TenantID + "/" + msg.AggregateID
}

// Close closes every topic writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}

func (p *Publisher) writer(topic string) messageWriter {
	p.mu.RLock()
	w, ok := p.writers[topic]
	p.mu.RUnlock()
	if ok {
		return w
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w = p.newWriter(topic)
	p.writers[topic] = w
	return w
}

func (p *Publisher) kafkaWriter(topic string) messageWriter {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Transport:              p.transport,
		AllowAutoTopicCreation: true,
	}
}

func extractTopic(destination string) string {
	topic, ok := strings.CutPrefix(destination, "kafka:")
	if !ok {
		return ""
	}
	return topic
}
