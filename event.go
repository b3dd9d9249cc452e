package bookstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips version checking, allowing append regardless of current version.
	AnyVersion = adapters.AnyVersion

	// NoStream indicates the stream must not exist (for creating new streams).
	// Appending with NoStream to an existing stream fails with ErrStreamCollision.
	NoStream = adapters.NoStream

	// StreamExists indicates the stream must exist (for appending to existing streams).
	StreamExists = adapters.StreamExists
)

// StreamID uniquely identifies an event stream within a tenant.
// It consists of a category (aggregate type) and an instance ID.
type StreamID struct {
	// Category represents the aggregate type (e.g., "Book", "Author").
	Category string

	// ID is the unique identifier within the category.
	ID string
}

// NewStreamID creates a new StreamID from category and ID.
func NewStreamID(category, id string) StreamID {
	return StreamID{Category: category, ID: id}
}

// ParseStreamID parses a stream ID string in the format "Category-ID".
func ParseStreamID(s string) (StreamID, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return StreamID{}, fmt.Errorf("bookstore: invalid stream ID format %q, expected 'Category-ID'", s)
	}
	return StreamID{Category: parts[0], ID: parts[1]}, nil
}

// String returns the stream ID as "Category-ID".
func (s StreamID) String() string {
	return BuildStreamID(s.Category, s.ID)
}

// BuildStreamID creates a stream ID from an aggregate type and ID.
// This follows the convention: "{Type}-{ID}"
func BuildStreamID(aggregateType, aggregateID string) string {
	return aggregateType + "-" + aggregateID
}

// Metadata contains contextual information about an event.
type Metadata = adapters.Metadata

// StoredEvent represents a persisted event with all storage metadata.
type StoredEvent = adapters.StoredEvent

// StreamInfo contains metadata about an event stream.
type StreamInfo = adapters.StreamInfo

// EventData represents an event to be stored.
type EventData struct {
	// Type is the event type identifier (e.g., "BookAdded").
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains optional contextual information.
	Metadata Metadata
}

// Validate checks if the EventData is valid.
func (e EventData) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("bookstore: event type is required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("bookstore: event data is required")
	}
	return nil
}

// Event represents a deserialized event with its data as a Go type.
type Event struct {
	// ID is the globally unique event identifier.
	ID string

	// TenantID is the tenant that owns the stream.
	TenantID string

	// StreamID identifies the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the deserialized event payload.
	Data interface{}

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the position within the stream (1-based).
	Version int64

	// GlobalPosition is the position across all streams.
	GlobalPosition uint64

	// Timestamp is when the event was stored (UTC).
	Timestamp time.Time
}

// EventFromStored creates an Event from a StoredEvent with deserialized data.
func EventFromStored(stored StoredEvent, data interface{}) Event {
	return Event{
		ID:             stored.ID,
		TenantID:       stored.TenantID,
		StreamID:       stored.StreamID,
		Type:           stored.Type,
		Data:           data,
		Metadata:       stored.Metadata,
		Version:        stored.Version,
		GlobalPosition: stored.GlobalPosition,
		Timestamp:      stored.Timestamp,
	}
}
