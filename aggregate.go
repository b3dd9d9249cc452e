package bookstore

import (
	"context"
	"errors"
	"fmt"
)

// AggregateDefinition describes how to fold the events of one aggregate type into state.
//
// Apply must be pure and deterministic. It type-switches over the aggregate's
// events and returns UnknownEvent(event) from the default branch so that
// unexpected events abort rehydration instead of being ignored.
type AggregateDefinition[S any] struct {
	// Type is the aggregate type, used as the stream category (e.g. "Book").
	Type string

	// New returns the state of an aggregate that has no events yet.
	New func(id string) S

	// Apply returns the state after the event.
	Apply func(state S, event interface{}) (S, error)
}

// StreamID returns the stream ID of the aggregate instance.
func (d AggregateDefinition[S]) StreamID(aggregateID string) string {
	return BuildStreamID(d.Type, aggregateID)
}

// Fold applies events in order to the initial state of the aggregate.
// It returns the state and the version of the last event applied.
func (d AggregateDefinition[S]) Fold(aggregateID string, events []Event) (S, int64, error) {
	state := d.New(aggregateID)
	var version int64

	for _, event := range events {
		next, err := d.Apply(state, event.Data)
		if err != nil {
			var unknown *UnknownEventTypeError
			if errors.As(err, &unknown) {
				unknown.StreamID = event.StreamID
				unknown.Version = event.Version
				if unknown.EventType == "" {
					unknown.EventType = event.Type
				}
			}
			var zero S
			return zero, 0, fmt.Errorf("bookstore: failed to apply event %d of %s: %w",
				event.Version, d.StreamID(aggregateID), err)
		}
		state = next
		version = event.Version
	}

	return state, version, nil
}

// RehydrateOption configures a rehydration.
type RehydrateOption func(*rehydrateConfig)

type rehydrateConfig struct {
	asOfVersion int64
}

// AsOfVersion stops rehydration after the given stream version.
func AsOfVersion(v int64) RehydrateOption {
	return func(c *rehydrateConfig) {
		c.asOfVersion = v
	}
}

// Rehydrator loads aggregate state by replaying a stream. It never writes.
type Rehydrator[S any] struct {
	store      *EventStore
	definition AggregateDefinition[S]
}

// NewRehydrator creates a Rehydrator for one aggregate type.
func NewRehydrator[S any](store *EventStore, definition AggregateDefinition[S]) *Rehydrator[S] {
	return &Rehydrator[S]{store: store, definition: definition}
}

// Definition returns the aggregate definition.
func (r *Rehydrator[S]) Definition() AggregateDefinition[S] {
	return r.definition
}

// Rehydrate returns the current state and version of the aggregate.
// A missing stream returns a StreamNotFoundError.
func (r *Rehydrator[S]) Rehydrate(ctx context.Context, tenantID, aggregateID string, opts ...RehydrateOption) (S, int64, error) {
	var zero S

	cfg := rehydrateConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.asOfVersion < 0 {
		return zero, 0, ErrInvalidVersion
	}

	streamID := r.definition.StreamID(aggregateID)
	stored, err := r.store.ReadStream(ctx, tenantID, streamID)
	if err != nil {
		return zero, 0, err
	}
	if len(stored) == 0 {
		return zero, 0, NewStreamNotFoundError(tenantID, streamID)
	}

	events := make([]Event, 0, len(stored))
	for _, s := range stored {
		if cfg.asOfVersion > 0 && s.Version > cfg.asOfVersion {
			break
		}
		event, err := DeserializeEvent(r.store.Serializer(), s)
		if err != nil {
			return zero, 0, err
		}
		events = append(events, event)
	}

	return r.definition.Fold(aggregateID, events)
}
