package bookstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// OutboxStatus represents the current status of an outbox message.
type OutboxStatus = adapters.OutboxStatus

// Outbox status constants.
const (
	OutboxPending    = adapters.OutboxPending
	OutboxProcessing = adapters.OutboxProcessing
	OutboxCompleted  = adapters.OutboxCompleted
	OutboxFailed     = adapters.OutboxFailed
	OutboxDeadLetter = adapters.OutboxDeadLetter
)

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage = adapters.OutboxMessage

// OutboxStore defines the interface for outbox message persistence.
type OutboxStore = adapters.OutboxStore

// Publisher publishes outbox messages to an external system.
type Publisher interface {
	// Publish sends one or more messages to the external system.
	Publish(ctx context.Context, messages []*OutboxMessage) error

	// Destination returns the destination prefix this publisher handles (e.g., "webhook", "kafka", "sns").
	Destination() string
}

// OutboxRoute defines where entity change notifications are delivered.
type OutboxRoute struct {
	// Entities is the list of entity names this route matches. Empty matches all.
	Entities []string

	// Destination is the target (e.g., "webhook:https://example.com/events", "kafka:books").
	Destination string

	// Encode optionally replaces the JSON encoding of the notification.
	Encode func(event EntityChanged) ([]byte, error)

	// Filter optionally filters notifications. Return true to include the notification.
	Filter func(event EntityChanged) bool
}

func (r *OutboxRoute) matches(event EntityChanged) bool {
	if len(r.Entities) > 0 {
		found := false
		for _, e := range r.Entities {
			if e == event.Entity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return r.Filter == nil || r.Filter(event)
}

// OutboxMetrics collects per-tenant metrics about outbox delivery.
type OutboxMetrics interface {
	RecordMessageProcessed(tenantID, destination string, success bool)
	RecordMessageFailed(tenantID, destination string)
	RecordMessagesDeadLettered(tenantID string, count int64)
	RecordBatchDuration(tenantID string, duration time.Duration)
	RecordPendingMessages(tenantID string, count int64)
}

type noopOutboxMetrics struct{}

func (noopOutboxMetrics) RecordMessageProcessed(tenantID, destination string, success bool) {}
func (noopOutboxMetrics) RecordMessageFailed(tenantID, destination string)                  {}
func (noopOutboxMetrics) RecordMessagesDeadLettered(tenantID string, count int64)           {}
func (noopOutboxMetrics) RecordBatchDuration(tenantID string, duration time.Duration)       {}
func (noopOutboxMetrics) RecordPendingMessages(tenantID string, count int64)                {}

// =============================================================================
// Outbox notifier
// =============================================================================

// OutboxNotifier is a Notifier that stores notifications in the outbox, one
// message per matching route. The OutboxProcessor delivers them.
type OutboxNotifier struct {
	outbox      OutboxStore
	routes      []OutboxRoute
	logger      Logger
	maxAttempts int
}

var _ Notifier = (*OutboxNotifier)(nil)

// OutboxOption configures an OutboxNotifier.
type OutboxOption func(*OutboxNotifier)

// WithOutboxLogger sets a logger for the notifier.
func WithOutboxLogger(l Logger) OutboxOption {
	return func(n *OutboxNotifier) {
		n.logger = l
	}
}

// WithOutboxMaxAttempts sets the default max attempts for outbox messages.
func WithOutboxMaxAttempts(max int) OutboxOption {
	return func(n *OutboxNotifier) {
		n.maxAttempts = max
	}
}

// NewOutboxNotifier creates a notifier that writes to the outbox store.
func NewOutboxNotifier(outbox OutboxStore, routes []OutboxRoute, opts ...OutboxOption) *OutboxNotifier {
	n := &OutboxNotifier{
		outbox:      outbox,
		routes:      routes,
		logger:      &noopLogger{},
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish implements Notifier.
func (n *OutboxNotifier) Publish(ctx context.Context, event EntityChanged) error {
	messages, err := n.buildMessages(event)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	if err := n.outbox.Schedule(ctx, messages); err != nil {
		return fmt.Errorf("bookstore: failed to schedule notification: %w", err)
	}
	n.logger.Debug("Scheduled entity notification",
		"tenant", event.TenantID,
		"entity", event.Entity,
		"id", event.ID,
		"kind", event.Kind,
		"messages", len(messages),
	)
	return nil
}

func (n *OutboxNotifier) buildMessages(event EntityChanged) ([]*OutboxMessage, error) {
	var messages []*OutboxMessage
	now := time.Now()

	for _, route := range n.routes {
		if !route.matches(event) {
			continue
		}

		encode := route.Encode
		if encode == nil {
			encode = func(e EntityChanged) ([]byte, error) { return json.Marshal(e) }
		}
		payload, err := encode(event)
		if err != nil {
			return nil, fmt.Errorf("bookstore: failed to encode notification for %s: %w", route.Destination, err)
		}

		messages = append(messages, &OutboxMessage{
			TenantID:    event.TenantID,
			AggregateID: event.ID,
			EventType:   "EntityChanged",
			Destination: route.Destination,
			Payload:     payload,
			Headers: map[string]string{
				"tenant-id": event.TenantID,
				"entity":    event.Entity,
				"entity-id": event.ID,
				"kind":      string(event.Kind),
				"version":   strconv.FormatInt(event.Version, 10),
			},
			Status:      OutboxPending,
			MaxAttempts: n.maxAttempts,
			ScheduledAt: now,
			CreatedAt:   now,
		})
	}

	return messages, nil
}
