package bookstore

import (
	"context"
	"fmt"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// EventStore is the main entry point for event sourcing operations.
// Every operation is scoped to a tenant.
type EventStore struct {
	adapter    adapters.EventStoreAdapter
	serializer Serializer
	logger     Logger
}

// Logger defines the logging interface used by every component.
// Arguments are alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &noopLogger{}
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithSerializer sets a custom serializer.
func WithSerializer(s Serializer) Option {
	return func(es *EventStore) {
		es.serializer = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// New creates a new EventStore with the given adapter and options.
func New(adapter adapters.EventStoreAdapter, opts ...Option) *EventStore {
	es := &EventStore{
		adapter:    adapter,
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
	}

	for _, opt := range opts {
		opt(es)
	}

	return es
}

// Serializer returns the event store's serializer.
func (s *EventStore) Serializer() Serializer {
	return s.serializer
}

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventStoreAdapter {
	return s.adapter
}

// RegisterEvents registers event types with the serializer.
// Events of unregistered types cannot be read back.
func (s *EventStore) RegisterEvents(events ...interface{}) {
	if r, ok := s.serializer.(TypeRegistrar); ok {
		r.RegisterAll(events...)
	}
}

// Append serializes the events and appends them to the tenant's stream.
// Correlation, causation and user IDs are taken from ctx.
// It returns the new stream version.
func (s *EventStore) Append(ctx context.Context, tenantID, streamID string, expectedVersion int64, events ...interface{}) (int64, error) {
	if err := adapters.ValidateScope(tenantID, streamID); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, ErrNoEvents
	}

	metadata := MetadataFromContext(ctx)

	records := make([]adapters.EventRecord, len(events))
	for i, event := range events {
		eventData, err := SerializeEvent(s.serializer, event, metadata)
		if err != nil {
			return 0, fmt.Errorf("bookstore: failed to serialize event %d: %w", i, err)
		}

		records[i] = adapters.EventRecord{
			Type:     eventData.Type,
			Data:     eventData.Data,
			Metadata: eventData.Metadata,
		}
	}

	stored, err := s.adapter.Append(ctx, tenantID, streamID, records, expectedVersion)
	if err != nil {
		return 0, err
	}

	last := stored[len(stored)-1]
	s.logger.Debug("Appended events",
		"tenant", tenantID,
		"stream", streamID,
		"count", len(stored),
		"version", last.Version,
		"position", last.GlobalPosition,
	)
	return last.Version, nil
}

// ReadStream returns every stored event of a stream.
func (s *EventStore) ReadStream(ctx context.Context, tenantID, streamID string) ([]StoredEvent, error) {
	return s.ReadStreamFrom(ctx, tenantID, streamID, 0)
}

// ReadStreamFrom returns the stored events of a stream with a version greater than fromVersion.
func (s *EventStore) ReadStreamFrom(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]StoredEvent, error) {
	if err := adapters.ValidateScope(tenantID, streamID); err != nil {
		return nil, err
	}
	return s.adapter.Load(ctx, tenantID, streamID, fromVersion)
}

// Load retrieves and deserializes all events from a stream.
func (s *EventStore) Load(ctx context.Context, tenantID, streamID string) ([]Event, error) {
	stored, err := s.ReadStream(ctx, tenantID, streamID)
	if err != nil {
		return nil, err
	}

	events := make([]Event, len(stored))
	for i, e := range stored {
		event, err := DeserializeEvent(s.serializer, e)
		if err != nil {
			return nil, fmt.Errorf("bookstore: failed to deserialize event %d: %w", i, err)
		}
		events[i] = event
	}
	return events, nil
}

// ReadAll returns up to batchSize events of the tenant with a global
// position strictly greater than fromPosition, in global order.
func (s *EventStore) ReadAll(ctx context.Context, tenantID string, fromPosition uint64, batchSize int) ([]StoredEvent, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	return s.adapter.LoadFromPosition(ctx, tenantID, fromPosition, batchSize)
}

// GetStreamInfo returns metadata about a stream.
func (s *EventStore) GetStreamInfo(ctx context.Context, tenantID, streamID string) (*StreamInfo, error) {
	if err := adapters.ValidateScope(tenantID, streamID); err != nil {
		return nil, err
	}
	return s.adapter.GetStreamInfo(ctx, tenantID, streamID)
}

// GetLastPosition returns the global position of the tenant's last event.
func (s *EventStore) GetLastPosition(ctx context.Context, tenantID string) (uint64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	return s.adapter.GetLastPosition(ctx, tenantID)
}

// Listen returns a channel signalled after appends for the tenant when the
// adapter supports it. ok is false otherwise and callers fall back to polling.
func (s *EventStore) Listen(tenantID string) (ch <-chan struct{}, stop func(), ok bool) {
	l, ok := s.adapter.(adapters.AppendListener)
	if !ok {
		return nil, func() {}, false
	}
	ch, stop = l.Listen(tenantID)
	return ch, stop, true
}

// Initialize sets up the required storage schema.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close releases resources held by the event store.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}
