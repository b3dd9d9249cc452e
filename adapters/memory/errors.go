package memory

import (
	"github.com/aalmada/BookStore-sub002/adapters"
)

// Sentinel errors for the memory adapters.
// These are aliases to the adapters package errors so errors.Is matches across backends.
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamID       = adapters.ErrEmptyStreamID
	ErrEmptyTenantID       = adapters.ErrEmptyTenantID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrStreamCollision     = adapters.ErrStreamCollision
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
	ErrDocumentNotFound    = adapters.ErrDocumentNotFound
	ErrScheduleNotFound    = adapters.ErrScheduleNotFound
)

// NewStreamNotFoundError is an alias for adapters.NewStreamNotFoundError.
var NewStreamNotFoundError = adapters.NewStreamNotFoundError
