// Package bookstore is an event-sourced, multi-tenant state engine.
//
// Commands are decided against aggregate state rehydrated from a tenant's
// event streams, appended with optimistic concurrency, projected
// asynchronously into read-model documents and followed by cache
// invalidation and client notification once the projection write is durable.
package bookstore

import (
	"errors"
	"fmt"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
// Storage level errors are aliases of the adapters package errors.
var (
	// ErrStreamNotFound indicates the requested stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrConcurrencyConflict indicates an optimistic concurrency violation.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrStreamCollision indicates a create targeted a stream that already exists.
	ErrStreamCollision = adapters.ErrStreamCollision

	// ErrEmptyStreamID indicates an empty stream ID was provided.
	ErrEmptyStreamID = adapters.ErrEmptyStreamID

	// ErrTenantRequired indicates an operation was not scoped to a tenant.
	ErrTenantRequired = adapters.ErrEmptyTenantID

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrInvalidVersion indicates an invalid version number was provided.
	ErrInvalidVersion = adapters.ErrInvalidVersion

	// ErrAdapterClosed indicates the adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrDocumentNotFound indicates a read-model document does not exist.
	ErrDocumentNotFound = adapters.ErrDocumentNotFound

	// ErrScheduleNotFound indicates a scheduled command does not exist.
	ErrScheduleNotFound = adapters.ErrScheduleNotFound

	// ErrSerializationFailed indicates event serialization/deserialization failed.
	ErrSerializationFailed = errors.New("bookstore: serialization failed")

	// ErrUnknownEventType indicates an event type that is not registered or not handled.
	ErrUnknownEventType = errors.New("bookstore: unknown event type")

	// Command and handler related errors

	// ErrHandlerNotFound indicates no handler is registered for a command type.
	ErrHandlerNotFound = errors.New("bookstore: handler not found")

	// ErrHandlerAlreadyRegistered indicates a command type was registered twice.
	ErrHandlerAlreadyRegistered = errors.New("bookstore: handler already registered")

	// ErrValidationFailed indicates command validation failed.
	ErrValidationFailed = errors.New("bookstore: validation failed")

	// ErrCommandAlreadyProcessed indicates an idempotent command was already processed.
	ErrCommandAlreadyProcessed = errors.New("bookstore: command already processed")

	// ErrNilCommand indicates a nil command was passed.
	ErrNilCommand = errors.New("bookstore: nil command")

	// ErrHandlerPanicked indicates a handler panicked during execution.
	ErrHandlerPanicked = errors.New("bookstore: handler panicked")

	// ErrCommandBusClosed indicates the command bus has been closed.
	ErrCommandBusClosed = errors.New("bookstore: command bus closed")

	// ErrPreconditionFailed indicates the supplied ETag does not match the stream version.
	ErrPreconditionFailed = errors.New("bookstore: precondition failed")

	// ErrPreconditionRequired indicates the command requires an ETag and none was supplied.
	ErrPreconditionRequired = errors.New("bookstore: precondition required")

	// ErrInvalidETag indicates an ETag value that is not a quoted stream version.
	ErrInvalidETag = errors.New("bookstore: invalid etag")

	// Projection related errors

	// ErrProjectionApply indicates a projection failed to apply an event.
	ErrProjectionApply = errors.New("bookstore: projection apply failed")

	// ErrProjectionNotFound indicates the projection is not registered.
	ErrProjectionNotFound = errors.New("bookstore: projection not found")

	// ErrNilProjection indicates a nil projection was registered.
	ErrNilProjection = errors.New("bookstore: projection is nil")

	// ErrProjectionAlreadyRegistered indicates a projection name was registered twice.
	ErrProjectionAlreadyRegistered = errors.New("bookstore: projection already registered")

	// ErrEmptyProjectionName indicates a projection without a name.
	ErrEmptyProjectionName = errors.New("bookstore: projection name is required")

	// ErrProjectionEngineAlreadyRunning indicates Start was called twice.
	ErrProjectionEngineAlreadyRunning = errors.New("bookstore: projection engine already running")

	// ErrProjectionEngineNotRunning indicates an operation that needs a running engine.
	ErrProjectionEngineNotRunning = errors.New("bookstore: projection engine not running")

	// ErrRebuildInProgress indicates a rebuild is already running for the projection and tenant.
	ErrRebuildInProgress = errors.New("bookstore: rebuild already in progress")

	// ErrTagMappingIncomplete indicates a projection without a cache tag mapping.
	ErrTagMappingIncomplete = errors.New("bookstore: tag mapping incomplete")

	// Scheduler related errors

	// ErrSchedulerDispatch indicates a scheduled command could not be dispatched.
	ErrSchedulerDispatch = errors.New("bookstore: scheduled dispatch failed")

	// ErrSchedulerRunning indicates the scheduler was started twice.
	ErrSchedulerRunning = errors.New("bookstore: scheduler already running")

	// ErrEmptyScheduleKey indicates a scheduled command without an idempotency key.
	ErrEmptyScheduleKey = errors.New("bookstore: schedule key is required")

	// ErrOutboxProcessorRunning indicates the outbox processor is already running.
	ErrOutboxProcessorRunning = errors.New("bookstore: outbox processor already running")

	// ErrPublisherNotFound indicates no publisher is registered for a destination.
	ErrPublisherNotFound = errors.New("bookstore: no publisher for destination")
)

// Storage level typed errors.
type (
	// ConcurrencyError provides detailed information about a concurrency conflict.
	ConcurrencyError = adapters.ConcurrencyError

	// StreamCollisionError provides detailed information about a create on an existing stream.
	StreamCollisionError = adapters.StreamCollisionError

	// StreamNotFoundError provides detailed information about a missing stream.
	StreamNotFoundError = adapters.StreamNotFoundError
)

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(tenantID, streamID string, expected, actual int64) *ConcurrencyError {
	return adapters.NewConcurrencyError(tenantID, streamID, expected, actual)
}

// NewStreamCollisionError creates a new StreamCollisionError.
func NewStreamCollisionError(tenantID, streamID string, actual int64) *StreamCollisionError {
	return adapters.NewStreamCollisionError(tenantID, streamID, actual)
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(tenantID, streamID string) *StreamNotFoundError {
	return adapters.NewStreamNotFoundError(tenantID, streamID)
}

// SerializationError provides detailed information about a serialization failure.
type SerializationError struct {
	EventType string
	Operation string // "serialize" or "deserialize"
	Cause     error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("bookstore: failed to %s event type %q: %v",
		e.Operation, e.EventType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{
		EventType: eventType,
		Operation: operation,
		Cause:     cause,
	}
}

// UnknownEventTypeError reports an event the reader does not know how to handle.
// StreamID and Version are filled in when the event came from a stream.
type UnknownEventTypeError struct {
	EventType string
	StreamID  string
	Version   int64
}

// Error returns the error message.
func (e *UnknownEventTypeError) Error() string {
	if e.StreamID != "" {
		return fmt.Sprintf("bookstore: unknown event type %q in stream %q at version %d",
			e.EventType, e.StreamID, e.Version)
	}
	return fmt.Sprintf("bookstore: unknown event type %q", e.EventType)
}

// Is reports whether this error matches the target error.
func (e *UnknownEventTypeError) Is(target error) bool {
	return target == ErrUnknownEventType
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *UnknownEventTypeError) Unwrap() error {
	return ErrUnknownEventType
}

// NewUnknownEventTypeError creates a new UnknownEventTypeError.
func NewUnknownEventTypeError(eventType string) *UnknownEventTypeError {
	return &UnknownEventTypeError{EventType: eventType}
}

// UnknownEvent returns an UnknownEventTypeError for an event value.
// Aggregate and projection type switches return it from their default branch.
func UnknownEvent(event interface{}) error {
	return NewUnknownEventTypeError(GetEventType(event))
}

// HandlerNotFoundError provides detailed information about a missing handler.
type HandlerNotFoundError struct {
	CommandType string
}

// Error returns the error message.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("bookstore: no handler registered for command type %q", e.CommandType)
}

// Is reports whether this error matches the target error.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *HandlerNotFoundError) Unwrap() error {
	return ErrHandlerNotFound
}

// NewHandlerNotFoundError creates a new HandlerNotFoundError.
func NewHandlerNotFoundError(cmdType string) *HandlerNotFoundError {
	return &HandlerNotFoundError{CommandType: cmdType}
}

// PanicError provides detailed information about a handler panic.
type PanicError struct {
	CommandType string
	Value       interface{}
	Stack       string
	// CommandData contains a JSON representation of the command for debugging.
	CommandData string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("bookstore: handler panicked while processing %q: %v", e.CommandType, e.Value)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *PanicError) Unwrap() error {
	return ErrHandlerPanicked
}

// NewPanicError creates a new PanicError.
func NewPanicError(cmdType string, value interface{}, stack, commandData string) *PanicError {
	return &PanicError{
		CommandType: cmdType,
		Value:       value,
		Stack:       stack,
		CommandData: commandData,
	}
}

// PreconditionFailedError reports an ETag that does not match the current stream version.
type PreconditionFailedError struct {
	TenantID        string
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

// Error returns the error message.
func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("bookstore: precondition failed on stream %q (tenant %q): etag %s, current %s",
		e.StreamID, e.TenantID, FormatETag(e.ExpectedVersion), FormatETag(e.ActualVersion))
}

// Is reports whether this error matches the target error.
func (e *PreconditionFailedError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *PreconditionFailedError) Unwrap() error {
	return ErrPreconditionFailed
}

// NewPreconditionFailedError creates a new PreconditionFailedError.
func NewPreconditionFailedError(tenantID, streamID string, expected, actual int64) *PreconditionFailedError {
	return &PreconditionFailedError{
		TenantID:        tenantID,
		StreamID:        streamID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// ProjectionApplyError reports an event a projection could not apply.
// The worker that returns it stops consuming until resumed or rebuilt.
type ProjectionApplyError struct {
	Projection     string
	TenantID       string
	EventID        string
	EventType      string
	StreamID       string
	GlobalPosition uint64
	Cause          error
}

// Error returns the error message.
func (e *ProjectionApplyError) Error() string {
	return fmt.Sprintf("bookstore: projection %q (tenant %q) failed to apply %s at position %d: %v",
		e.Projection, e.TenantID, e.EventType, e.GlobalPosition, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *ProjectionApplyError) Is(target error) bool {
	return target == ErrProjectionApply
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *ProjectionApplyError) Unwrap() error {
	return e.Cause
}

// NewProjectionApplyError creates a new ProjectionApplyError for the event.
func NewProjectionApplyError(projection string, event StoredEvent, cause error) *ProjectionApplyError {
	return &ProjectionApplyError{
		Projection:     projection,
		TenantID:       event.TenantID,
		EventID:        event.ID,
		EventType:      event.Type,
		StreamID:       event.StreamID,
		GlobalPosition: event.GlobalPosition,
		Cause:          cause,
	}
}

// SchedulerDispatchError reports a scheduled command that failed permanently.
type SchedulerDispatchError struct {
	TenantID    string
	Key         string
	CommandType string
	Attempts    int
	Cause       error
}

// Error returns the error message.
func (e *SchedulerDispatchError) Error() string {
	return fmt.Sprintf("bookstore: scheduled command %q (%s, tenant %q) failed after %d attempt(s): %v",
		e.Key, e.CommandType, e.TenantID, e.Attempts, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SchedulerDispatchError) Is(target error) bool {
	return target == ErrSchedulerDispatch
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *SchedulerDispatchError) Unwrap() error {
	return e.Cause
}
