package adapters

import (
	"fmt"
	"strings"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips version checking.
	AnyVersion int64 = -1

	// NoStream requires the stream to not exist. Use for creating new streams.
	NoStream int64 = 0

	// StreamExists requires the stream to exist.
	StreamExists int64 = -2
)

// SystemTenant is the reserved tenant for cross-tenant administrative data.
const SystemTenant = "system"

// ExtractCategory extracts the category from a stream ID.
// Stream IDs follow the format "Category-ID" (e.g., "Book-123").
//
//   - "Book-123" returns "Book"
//   - "Book-abc-def" returns "Book" (only splits on first hyphen)
//   - "NoHyphen" returns "NoHyphen"
func ExtractCategory(streamID string) string {
	if streamID == "" {
		return ""
	}
	parts := strings.SplitN(streamID, "-", 2)
	return parts[0]
}

// ConcurrencyError provides details about a concurrency conflict.
type ConcurrencyError struct {
	TenantID        string
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(tenantID, streamID string, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{
		TenantID:        tenantID,
		StreamID:        streamID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("bookstore: concurrency conflict on stream %q (tenant %q): expected version %d, got %d",
		e.StreamID, e.TenantID, e.ExpectedVersion, e.ActualVersion)
}

// Is reports whether target is ErrConcurrencyConflict.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StreamCollisionError is returned when a create targets an existing stream.
type StreamCollisionError struct {
	TenantID      string
	StreamID      string
	ActualVersion int64
}

// NewStreamCollisionError creates a new StreamCollisionError.
func NewStreamCollisionError(tenantID, streamID string, actual int64) *StreamCollisionError {
	return &StreamCollisionError{TenantID: tenantID, StreamID: streamID, ActualVersion: actual}
}

// Error implements the error interface.
func (e *StreamCollisionError) Error() string {
	return fmt.Sprintf("bookstore: stream %q (tenant %q) already exists at version %d",
		e.StreamID, e.TenantID, e.ActualVersion)
}

// Is reports whether target is ErrStreamCollision.
func (e *StreamCollisionError) Is(target error) bool {
	return target == ErrStreamCollision
}

// StreamNotFoundError provides details about a missing stream.
type StreamNotFoundError struct {
	TenantID string
	StreamID string
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(tenantID, streamID string) *StreamNotFoundError {
	return &StreamNotFoundError{TenantID: tenantID, StreamID: streamID}
}

// Error implements the error interface.
func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("bookstore: stream %q (tenant %q) not found", e.StreamID, e.TenantID)
}

// Is reports whether target is ErrStreamNotFound.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// CheckVersion validates the expected version against the current version.
// This implements the optimistic concurrency control logic shared by all adapters.
//
// A NoStream expectation against an existing stream is a collision, not a
// conflict: the caller tried to create something that is already there.
func CheckVersion(tenantID, streamID string, expected, current int64, exists bool) error {
	switch expected {
	case AnyVersion:
		return nil
	case NoStream:
		if exists {
			return NewStreamCollisionError(tenantID, streamID, current)
		}
		return nil
	case StreamExists:
		if !exists {
			return NewStreamNotFoundError(tenantID, streamID)
		}
		return nil
	default:
		if expected < 0 {
			return ErrInvalidVersion
		}
		if current != expected {
			return NewConcurrencyError(tenantID, streamID, expected, current)
		}
		return nil
	}
}

// ValidateScope checks that both the tenant and stream IDs are present.
func ValidateScope(tenantID, streamID string) error {
	if tenantID == "" {
		return ErrEmptyTenantID
	}
	if streamID == "" {
		return ErrEmptyStreamID
	}
	return nil
}

// CopyIdempotencyRecord creates a copy of an IdempotencyRecord.
func CopyIdempotencyRecord(record *IdempotencyRecord) *IdempotencyRecord {
	if record == nil {
		return nil
	}
	copied := *record
	return &copied
}

// CopyScheduledCommand creates a deep copy of a ScheduledCommand.
func CopyScheduledCommand(cmd *ScheduledCommand) *ScheduledCommand {
	if cmd == nil {
		return nil
	}
	copied := *cmd
	if cmd.Payload != nil {
		copied.Payload = append([]byte(nil), cmd.Payload...)
	}
	copied.Metadata = copyMetadata(cmd.Metadata)
	if cmd.ClaimedAt != nil {
		t := *cmd.ClaimedAt
		copied.ClaimedAt = &t
	}
	if cmd.CompletedAt != nil {
		t := *cmd.CompletedAt
		copied.CompletedAt = &t
	}
	return &copied
}

func copyMetadata(m Metadata) Metadata {
	if m.Custom == nil {
		return m
	}
	custom := make(map[string]string, len(m.Custom))
	for k, v := range m.Custom {
		custom[k] = v
	}
	m.Custom = custom
	return m
}

// DefaultLimit returns a default limit value if the provided limit is invalid.
func DefaultLimit(limit, defaultValue int) int {
	if limit <= 0 {
		return defaultValue
	}
	return limit
}
