// Package adapters provides the storage interfaces for the bookstore engine.
//
// Every stream, checkpoint, document collection and scheduled command is
// addressed by a tenant ID. Implementations must never return data that
// belongs to a different tenant than the one requested.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// to enable consistent error handling across different backends.
var (
	// ErrConcurrencyConflict is returned when optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("bookstore: concurrency conflict")

	// ErrStreamCollision is returned when creating a stream that already exists.
	ErrStreamCollision = errors.New("bookstore: stream already exists")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("bookstore: stream not found")

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = errors.New("bookstore: stream ID is required")

	// ErrEmptyTenantID is returned when an operation is not scoped to a tenant.
	ErrEmptyTenantID = errors.New("bookstore: tenant ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("bookstore: no events to append")

	// ErrInvalidVersion is returned when an invalid version is specified.
	ErrInvalidVersion = errors.New("bookstore: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("bookstore: adapter is closed")

	// ErrDocumentNotFound is returned when a read-model document does not exist.
	ErrDocumentNotFound = errors.New("bookstore: document not found")

	// ErrScheduleNotFound is returned when a scheduled command does not exist.
	ErrScheduleNotFound = errors.New("bookstore: scheduled command not found")

	// ErrOutboxMessageNotFound is returned when an outbox message does not exist.
	ErrOutboxMessageNotFound = errors.New("bookstore: outbox message not found")
)

// Metadata contains event context for tracing.
type Metadata struct {
	// CorrelationID is shared by every event of one business transaction.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the command or event that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// UserID identifies who triggered this event.
	UserID string `json:"userId,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// StoredEvent represents a persisted event with its storage metadata.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// TenantID is the tenant that owns the stream.
	TenantID string

	// StreamID is the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the position within the stream (1-based).
	Version int64

	// GlobalPosition is the global ordering position across all streams.
	GlobalPosition uint64

	// Timestamp is when the event was stored (UTC).
	Timestamp time.Time
}

// StreamInfo contains metadata about an event stream.
type StreamInfo struct {
	TenantID   string
	StreamID   string
	Category   string
	Version    int64
	EventCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventRecord represents an event to be appended to a stream.
type EventRecord struct {
	Type     string
	Data     []byte
	Metadata Metadata
}

// EventStoreAdapter is the interface that database adapters must implement.
type EventStoreAdapter interface {
	// Append stores events to the specified stream with optimistic concurrency control.
	// expectedVersion specifies the expected current version of the stream:
	//   - AnyVersion (-1): Skip version check
	//   - NoStream (0): Stream must not exist, otherwise ErrStreamCollision
	//   - StreamExists (-2): Stream must exist
	//   - Any positive number: Stream must be at this exact version
	// The check and the write happen atomically.
	Append(ctx context.Context, tenantID, streamID string, events []EventRecord, expectedVersion int64) ([]StoredEvent, error)

	// Load retrieves the events of a stream with a version greater than fromVersion.
	Load(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]StoredEvent, error)

	// LoadFromPosition returns up to limit events of the tenant with a global
	// position greater than fromPosition, in global order.
	LoadFromPosition(ctx context.Context, tenantID string, fromPosition uint64, limit int) ([]StoredEvent, error)

	// GetStreamInfo returns metadata about a stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	GetStreamInfo(ctx context.Context, tenantID, streamID string) (*StreamInfo, error)

	// GetLastPosition returns the global position of the tenant's last event.
	// Returns 0 if the tenant has no events.
	GetLastPosition(ctx context.Context, tenantID string) (uint64, error)

	// Initialize sets up the required database schema.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the adapter can connect to its backend.
	Ping(ctx context.Context) error
}

// AppendListener is implemented by adapters that can signal new appends.
// Projection workers use it to wake up early instead of waiting for the next poll.
type AppendListener interface {
	// Listen returns a channel that receives a signal after appends for the
	// tenant, and a function that stops listening. Signals may be coalesced.
	Listen(tenantID string) (<-chan struct{}, func())
}

// Migrator provides schema migration capabilities.
type Migrator interface {
	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
}

// =============================================================================
// Projections
// =============================================================================

// Checkpoint is the durable progress marker of one projection for one tenant.
type Checkpoint struct {
	// Projection is the projection name.
	Projection string

	// TenantID is the tenant the projection runs for.
	TenantID string

	// Position is the highest global position applied to the active generation.
	Position uint64

	// Generation identifies the active document generation.
	Generation int64

	// State is the last persisted worker state.
	State string

	// Error holds the last apply error when the worker is faulted.
	Error string

	// UpdatedAt is when the checkpoint was last written.
	UpdatedAt time.Time
}

// Collection addresses the documents of one projection generation for one tenant.
type Collection struct {
	TenantID   string
	Projection string
	Generation int64
}

// Document is a stored read-model document.
type Document struct {
	// ID is the entity identifier.
	ID string

	// Version is the stream version the document reflects.
	Version int64

	// Data is the JSON encoded document.
	Data []byte

	// UpdatedAt is when the document was last written.
	UpdatedAt time.Time

	// Deleted marks a tombstone. It has no data and keeps the version of the
	// delete so older events redelivered later are still skipped.
	Deleted bool
}

// DocumentWrite is a single upsert or delete produced by a projection.
// A delete keeps its Version; stores record it as a tombstone.
type DocumentWrite struct {
	ID      string
	Version int64
	Data    []byte
	Delete  bool
}

// ProjectionStoreAdapter stores read-model documents and projection checkpoints.
// Both live in the same backend so a batch of document writes and the
// checkpoint that covers them can be committed together.
type ProjectionStoreAdapter interface {
	// GetCheckpoint returns the checkpoint for (projection, tenant).
	// A missing checkpoint is returned as a zero checkpoint, not an error.
	GetCheckpoint(ctx context.Context, projection, tenantID string) (*Checkpoint, error)

	// ListCheckpoints returns every stored checkpoint.
	ListCheckpoints(ctx context.Context) ([]*Checkpoint, error)

	// SaveCheckpointState updates the state and error columns only.
	SaveCheckpointState(ctx context.Context, projection, tenantID, state, errMsg string) error

	// GetDocument returns a document from the collection.
	// Returns ErrDocumentNotFound if it does not exist or was deleted.
	GetDocument(ctx context.Context, c Collection, id string) (*Document, error)

	// GetDocumentOrTombstone is GetDocument that also returns tombstones,
	// with Deleted set. Projection workers use it to stay idempotent across deletes.
	GetDocumentOrTombstone(ctx context.Context, c Collection, id string) (*Document, error)

	// ListDocuments returns all live documents of the collection ordered by ID.
	ListDocuments(ctx context.Context, c Collection) ([]*Document, error)

	// CommitBatch applies the writes to the collection and, when cp is non-nil,
	// advances the checkpoint in the same unit of work. The checkpoint position
	// never decreases.
	CommitBatch(ctx context.Context, c Collection, writes []DocumentWrite, cp *Checkpoint) error

	// ActivateGeneration atomically points the checkpoint at a new generation
	// and position, then drops the documents of the previous generation.
	ActivateGeneration(ctx context.Context, cp *Checkpoint) error

	// DropCollection removes every document of the collection.
	DropCollection(ctx context.Context, c Collection) error
}

// =============================================================================
// Scheduler
// =============================================================================

// ScheduleStatus is the lifecycle state of a scheduled command.
type ScheduleStatus int

const (
	// SchedulePending is waiting for its due time.
	SchedulePending ScheduleStatus = iota

	// ScheduleProcessing has been claimed by a poller.
	ScheduleProcessing

	// ScheduleCompleted was dispatched successfully.
	ScheduleCompleted

	// ScheduleFailed failed permanently.
	ScheduleFailed
)

// String returns the string representation of the status.
func (s ScheduleStatus) String() string {
	switch s {
	case SchedulePending:
		return "pending"
	case ScheduleProcessing:
		return "processing"
	case ScheduleCompleted:
		return "completed"
	case ScheduleFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseScheduleStatus parses the string form of a status.
func ParseScheduleStatus(s string) (ScheduleStatus, error) {
	for status := SchedulePending; status <= ScheduleFailed; status++ {
		if status.String() == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown schedule status %q", s)
}

// ScheduledCommand is a deferred command waiting to be dispatched.
type ScheduledCommand struct {
	// ID is the storage identifier.
	ID string

	// TenantID is the tenant the command runs for.
	TenantID string

	// Key is the idempotency key, unique per tenant.
	Key string

	// StreamKey identifies the target stream; commands sharing it run one at a time.
	StreamKey string

	// CommandType is the registered command type name.
	CommandType string

	// Payload is the JSON encoded command.
	Payload []byte

	// Metadata carries correlation and causation IDs.
	Metadata Metadata

	// DueAt is the earliest time the command may run.
	DueAt time.Time

	Status      ScheduleStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}

// ScheduleStore persists scheduled commands.
type ScheduleStore interface {
	// Schedule stores a command. Returns false without error when the tenant
	// already has a command with the same key.
	Schedule(ctx context.Context, cmd *ScheduledCommand) (bool, error)

	// ClaimDue atomically moves up to limit pending commands whose due time is
	// not after now to processing, increments their attempts and returns them
	// ordered by due time.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledCommand, error)

	// MarkCompleted marks a claimed command as dispatched.
	MarkCompleted(ctx context.Context, id string) error

	// Reschedule puts a claimed command back to pending with a new due time.
	Reschedule(ctx context.Context, id string, dueAt time.Time, lastErr string) error

	// MarkFailed marks a command as permanently failed.
	MarkFailed(ctx context.Context, id string, lastErr string) error

	// ReleaseStale returns processing commands claimed before the cutoff to pending.
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error)

	// Get returns a scheduled command by tenant and key.
	Get(ctx context.Context, tenantID, key string) (*ScheduledCommand, error)

	// List returns the commands with any of the given statuses (all when empty).
	List(ctx context.Context, tenantID string, statuses ...ScheduleStatus) ([]*ScheduledCommand, error)

	// Cleanup removes completed commands finished before the cutoff.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// =============================================================================
// Outbox
// =============================================================================

// OutboxStatus represents the delivery state of an outbox message.
type OutboxStatus int

const (
	OutboxPending OutboxStatus = iota
	OutboxProcessing
	OutboxCompleted
	OutboxFailed
	OutboxDeadLetter
)

// String returns the string representation of the status.
func (s OutboxStatus) String() string {
	switch s {
	case OutboxPending:
		return "pending"
	case OutboxProcessing:
		return "processing"
	case OutboxCompleted:
		return "completed"
	case OutboxFailed:
		return "failed"
	case OutboxDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// OutboxMessage is a notification waiting to be published.
type OutboxMessage struct {
	ID            string
	TenantID      string
	AggregateID   string
	EventType     string
	Destination   string
	Payload       []byte
	Headers       map[string]string
	Status        OutboxStatus
	Attempts      int
	MaxAttempts   int
	LastError     string
	ScheduledAt   time.Time
	LastAttemptAt *time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// OutboxStore persists outbox messages. Messages are partitioned by tenant:
// they are claimed per tenant so one tenant's backlog cannot starve another.
type OutboxStore interface {
	// Schedule stores messages for later delivery. Every message needs a TenantID.
	Schedule(ctx context.Context, messages []*OutboxMessage) error

	// PendingTenants returns the tenants with due pending messages, ordered by ID.
	PendingTenants(ctx context.Context) ([]string, error)

	// FetchPending atomically claims up to limit due pending messages of the tenant.
	FetchPending(ctx context.Context, tenantID string, limit int) ([]*OutboxMessage, error)

	// MarkCompleted marks messages as delivered.
	MarkCompleted(ctx context.Context, ids []string) error

	// MarkFailed records a failed delivery attempt.
	MarkFailed(ctx context.Context, id string, lastErr error) error

	// RetryFailed resets failed messages below maxAttempts to pending.
	RetryFailed(ctx context.Context, maxAttempts int) (int64, error)

	// MoveToDeadLetter parks failed messages that reached maxAttempts and
	// returns how many were parked per tenant.
	MoveToDeadLetter(ctx context.Context, maxAttempts int) (map[string]int64, error)

	// CountPending returns the number of pending messages per tenant.
	// Tenants without pending messages are omitted.
	CountPending(ctx context.Context) (map[string]int64, error)

	// GetDeadLetterMessages returns the tenant's dead-lettered messages, newest first.
	GetDeadLetterMessages(ctx context.Context, tenantID string, limit int) ([]*OutboxMessage, error)

	// Cleanup removes completed messages processed before the cutoff.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// =============================================================================
// Idempotency
// =============================================================================

// IdempotencyStore tracks processed commands to prevent duplicate processing.
// Records are partitioned by tenant; the same key in two tenants names two
// unrelated records.
type IdempotencyStore interface {
	// Store records that a command was processed. The record's TenantID and
	// Key identify it; storing again replaces the earlier record.
	Store(ctx context.Context, record *IdempotencyRecord) error

	// Get returns the tenant's unexpired record for key.
	// Returns nil, nil if there is none.
	Get(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error)

	// Delete removes the tenant's record for key.
	Delete(ctx context.Context, tenantID, key string) error

	// Cleanup removes expired records of every tenant.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyRecord stores information about a processed command.
type IdempotencyRecord struct {
	// TenantID owns the record.
	TenantID string `json:"tenantId"`

	// Key is the command-qualified idempotency key, unique within the tenant.
	Key string `json:"key"`

	// CommandType is the type of the processed command.
	CommandType string `json:"commandType"`

	// AggregateID is the ID of the affected aggregate (if any).
	AggregateID string `json:"aggregateId,omitempty"`

	// Version is the aggregate version after processing (if any).
	Version int64 `json:"version,omitempty"`

	// Error contains the error message if the command failed.
	Error string `json:"error,omitempty"`

	// Success indicates if the command was processed successfully.
	Success bool `json:"success"`

	// ProcessedAt is when the command was processed.
	ProcessedAt time.Time `json:"processedAt"`

	// ExpiresAt is when the record should expire.
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsExpired returns true if the record has expired.
func (r *IdempotencyRecord) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}
