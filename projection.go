package bookstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

type (
	// Checkpoint is the durable progress marker of one projection for one tenant.
	Checkpoint = adapters.Checkpoint

	// Document is a stored read-model document.
	Document = adapters.Document

	// DocumentWrite is a single upsert or delete produced by a projection.
	DocumentWrite = adapters.DocumentWrite

	// Collection addresses the documents of one projection generation for one tenant.
	Collection = adapters.Collection
)

// Projection turns committed events into read-model documents.
// Projections are registered with the ProjectionEngine, which runs one
// worker per projection and tenant.
type Projection interface {
	// Name returns the unique identifier for this projection.
	// This name is used for checkpointing and management.
	Name() string

	// HandledEvents returns the event types this projection handles.
	// Other event types are skipped.
	HandledEvents() []string

	// Apply returns the document writes for one event. docs reads the
	// collection being written, including writes staged earlier in the batch.
	// Apply must be deterministic and idempotent: applying an event whose
	// version is at or below the document version must write nothing.
	Apply(ctx context.Context, docs DocumentReader, event Event) ([]DocumentWrite, error)
}

// DocumentReader reads documents of the collection a projection writes to.
type DocumentReader interface {
	// Get returns the document or ErrDocumentNotFound. A deleted document
	// may come back as a tombstone with Deleted set and no data.
	Get(ctx context.Context, id string) (*Document, error)
}

// ProjectionState represents the current state of a projection worker.
type ProjectionState string

const (
	// ProjectionStateStopped indicates the worker is not running.
	ProjectionStateStopped ProjectionState = "stopped"

	// ProjectionStateCatchingUp indicates the worker is reading full batches behind the head.
	ProjectionStateCatchingUp ProjectionState = "catching_up"

	// ProjectionStateLive indicates the worker has reached the head of the tenant log.
	ProjectionStateLive ProjectionState = "live"

	// ProjectionStateRebuilding indicates a new generation is being built.
	ProjectionStateRebuilding ProjectionState = "rebuilding"

	// ProjectionStateFaulted indicates an apply error stopped the worker.
	ProjectionStateFaulted ProjectionState = "faulted"
)

// ProjectionStatus provides detailed information about a projection worker.
type ProjectionStatus struct {
	// Name is the projection name.
	Name string

	// TenantID is the tenant the worker runs for.
	TenantID string

	// State is the current state of the worker.
	State ProjectionState

	// Position is the checkpoint position.
	Position uint64

	// Generation is the active document generation.
	Generation int64

	// EventsProcessed is the number of events applied since start.
	EventsProcessed uint64

	// LastProcessedAt is when the last batch was committed.
	LastProcessedAt time.Time

	// Error contains the error message if the worker is faulted.
	Error string

	// Lag is the number of positions behind the head of the tenant log.
	Lag uint64
}

// ProjectionMetrics collects metrics about projection processing.
type ProjectionMetrics interface {
	// RecordBatchProcessed records that a batch of events was committed.
	RecordBatchProcessed(projection, tenantID string, count int, duration time.Duration, success bool)

	// RecordCheckpoint records a checkpoint update and the remaining lag.
	RecordCheckpoint(projection, tenantID string, position, lag uint64)

	// RecordError records a projection error.
	RecordError(projection, tenantID string, err error)
}

type noopProjectionMetrics struct{}

func (m *noopProjectionMetrics) RecordBatchProcessed(projection, tenantID string, count int, duration time.Duration, success bool) {
}

func (m *noopProjectionMetrics) RecordCheckpoint(projection, tenantID string, position, lag uint64) {
}

func (m *noopProjectionMetrics) RecordError(projection, tenantID string, err error) {}

// ProjectionBase provides the name and handled events of a projection.
// Embed this struct in your projection types.
type ProjectionBase struct {
	name          string
	handledEvents []string
}

// NewProjectionBase creates a new ProjectionBase.
func NewProjectionBase(name string, handledEvents ...string) ProjectionBase {
	return ProjectionBase{
		name:          name,
		handledEvents: handledEvents,
	}
}

// Name returns the projection name.
func (p *ProjectionBase) Name() string {
	return p.name
}

// HandledEvents returns the list of event types this projection handles.
func (p *ProjectionBase) HandledEvents() []string {
	return p.handledEvents
}

// HandlesEvent returns true if this projection handles the given event type.
func (p *ProjectionBase) HandlesEvent(eventType string) bool {
	return handlesEventType(p.handledEvents, eventType)
}

func handlesEventType(handled []string, eventType string) bool {
	for _, et := range handled {
		if et == eventType {
			return true
		}
	}
	return false
}

// =============================================================================
// Document projections
// =============================================================================

// DocumentProjection is a Projection that keeps one JSON document of type D
// per stream. It skips events the document already reflects, which makes
// redelivery after a crash harmless.
type DocumentProjection[D any] struct {
	ProjectionBase

	// DocumentID maps an event to its document ID. Defaults to the aggregate
	// ID part of the stream ID.
	DocumentID func(event Event) string

	// Reduce returns the document after the event. doc is nil when the
	// document does not exist. Returning a nil document deletes it.
	Reduce func(doc *D, event Event) (*D, error)
}

var _ Projection = (*DocumentProjection[struct{}])(nil)

// NewDocumentProjection creates a DocumentProjection.
func NewDocumentProjection[D any](name string, reduce func(doc *D, event Event) (*D, error), handledEvents ...string) *DocumentProjection[D] {
	return &DocumentProjection[D]{
		ProjectionBase: NewProjectionBase(name, handledEvents...),
		Reduce:         reduce,
	}
}

// Apply implements Projection.
func (p *DocumentProjection[D]) Apply(ctx context.Context, docs DocumentReader, event Event) ([]DocumentWrite, error) {
	id := streamDocumentID(event)
	if p.DocumentID != nil {
		id = p.DocumentID(event)
	}
	if id == "" {
		return nil, nil
	}

	var current *D
	existing, err := docs.Get(ctx, id)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		existing = nil
	case err != nil:
		return nil, err
	case existing.Version >= event.Version:
		return nil, nil
	case existing.Deleted:
		existing = nil
	default:
		current = new(D)
		if err := json.Unmarshal(existing.Data, current); err != nil {
			return nil, fmt.Errorf("bookstore: failed to decode document %s: %w", id, err)
		}
	}

	next, err := p.Reduce(current, event)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if existing == nil {
			return nil, nil
		}
		return []DocumentWrite{{ID: id, Version: event.Version, Delete: true}}, nil
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("bookstore: failed to encode document %s: %w", id, err)
	}
	return []DocumentWrite{{ID: id, Version: event.Version, Data: data}}, nil
}

func streamDocumentID(event Event) string {
	sid, err := ParseStreamID(event.StreamID)
	if err != nil {
		return event.StreamID
	}
	return sid.ID
}

// DecodeDocument decodes the JSON data of a document into D.
func DecodeDocument[D any](doc *Document) (D, error) {
	var out D
	if err := json.Unmarshal(doc.Data, &out); err != nil {
		return out, fmt.Errorf("bookstore: failed to decode document %s: %w", doc.ID, err)
	}
	return out, nil
}
