package bookstore

import (
	"errors"
	"fmt"
	"strings"
)

// Command represents an intent to change state in the system.
// Commands are the write side of CQRS and should be validated before execution.
type Command interface {
	// CommandType returns the type identifier for this command (e.g., "AddBook").
	CommandType() string

	// Validate checks if the command is valid.
	// Returns nil if valid, or an error describing validation failures.
	Validate() error
}

// AggregateCommand is a command that targets a specific aggregate.
type AggregateCommand interface {
	Command

	// AggregateID returns the ID of the aggregate this command targets.
	// Returns empty string for commands that create new aggregates.
	AggregateID() string
}

// IdempotentCommand is a command that carries its own idempotency key.
type IdempotentCommand interface {
	Command

	// IdempotencyKey returns a unique key for deduplication.
	IdempotencyKey() string
}

// CommandBase provides common fields for commands.
// Embed this struct in your command types.
type CommandBase struct {
	// CommandID is an optional unique identifier for this command instance.
	CommandID string `json:"commandId,omitempty"`

	// CorrelationID links related commands and events for distributed tracing.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the event or command that caused this command.
	CausationID string `json:"causationId,omitempty"`
}

// GetCommandID returns the command ID.
func (c CommandBase) GetCommandID() string {
	return c.CommandID
}

// GetCorrelationID returns the correlation ID.
func (c CommandBase) GetCorrelationID() string {
	return c.CorrelationID
}

// GetCausationID returns the causation ID.
func (c CommandBase) GetCausationID() string {
	return c.CausationID
}

// Envelope carries a command together with its boundary context.
type Envelope struct {
	// TenantID scopes the command. When empty the tenant is taken from ctx.
	TenantID string

	// Command is the command to dispatch.
	Command Command

	// ETag is the stream version the client last saw, quoted or bare.
	ETag string

	// CorrelationID and CausationID are propagated to the appended events.
	CorrelationID string
	CausationID   string

	// UserID identifies who sent the command.
	UserID string

	// IdempotencyKey deduplicates retries of the same request.
	IdempotencyKey string
}

// CommandResult represents the result of command execution.
type CommandResult struct {
	// Success indicates whether the command executed successfully.
	Success bool

	// AggregateID is the ID of the aggregate affected by the command.
	AggregateID string

	// Version is the stream version after the command.
	Version int64

	// ETag is the quoted stream version after the command.
	ETag string

	// Data contains the handler outcome, if any.
	Data interface{}

	// Error contains the error if the command failed.
	Error error

	// followUps are commands the handler asked to schedule.
	followUps []FollowUp
}

// NewSuccessResult creates a successful CommandResult.
func NewSuccessResult(aggregateID string, version int64) CommandResult {
	return CommandResult{
		Success:     true,
		AggregateID: aggregateID,
		Version:     version,
		ETag:        FormatETag(version),
	}
}

// NewErrorResult creates a failed CommandResult.
func NewErrorResult(err error) CommandResult {
	return CommandResult{
		Success: false,
		Error:   err,
	}
}

// IsSuccess returns true if the command executed successfully.
func (r CommandResult) IsSuccess() bool {
	return r.Success && r.Error == nil
}

// IsError returns true if the command failed.
func (r CommandResult) IsError() bool {
	return !r.Success || r.Error != nil
}

// ValidationError represents a command validation failure.
type ValidationError struct {
	// CommandType is the type of command that failed validation.
	CommandType string

	// Field is the field that failed validation (optional).
	Field string

	// Message describes the validation failure.
	Message string

	// Cause is the underlying error (optional).
	Cause error
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("bookstore: validation failed for command %q field %q: %s",
			e.CommandType, e.Field, e.Message)
	}
	return fmt.Sprintf("bookstore: validation failed for command %q: %s",
		e.CommandType, e.Message)
}

// Is reports whether this error matches the target error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new ValidationError.
func NewValidationError(cmdType, field, message string) *ValidationError {
	return &ValidationError{
		CommandType: cmdType,
		Field:       field,
		Message:     message,
	}
}

// MultiValidationError contains field-level validation errors.
type MultiValidationError struct {
	// CommandType is the type of command that failed validation.
	CommandType string

	// Errors contains all validation errors.
	Errors []*ValidationError
}

// Error returns the error message.
func (e *MultiValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Field + ": " + err.Message
	}
	return fmt.Sprintf("bookstore: validation failed for command %q: %s",
		e.CommandType, strings.Join(msgs, "; "))
}

// Is reports whether this error matches the target error.
func (e *MultiValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// AddField adds a validation error for a specific field.
func (e *MultiValidationError) AddField(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{
		CommandType: e.CommandType,
		Field:       field,
		Message:     message,
	})
}

// HasErrors returns true if there are any validation errors.
func (e *MultiValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrOrNil returns e when it holds errors and nil otherwise.
func (e *MultiValidationError) ErrOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// NewMultiValidationError creates a new MultiValidationError.
func NewMultiValidationError(cmdType string) *MultiValidationError {
	return &MultiValidationError{
		CommandType: cmdType,
	}
}

// FieldErrors returns field to message pairs of a validation error.
func FieldErrors(err error) map[string]string {
	fields := map[string]string{}
	var multi *MultiValidationError
	if errors.As(err, &multi) {
		for _, fe := range multi.Errors {
			fields[fe.Field] = fe.Message
		}
		return fields
	}
	var single *ValidationError
	if errors.As(err, &single) && single.Field != "" {
		fields[single.Field] = single.Message
	}
	return fields
}
