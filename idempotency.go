package bookstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

type (
	// IdempotencyStore tracks processed commands to prevent duplicate processing.
	IdempotencyStore = adapters.IdempotencyStore

	// IdempotencyRecord stores information about a processed command.
	IdempotencyRecord = adapters.IdempotencyRecord
)

// IdempotencyReplayError indicates a command was already processed and failed.
type IdempotencyReplayError struct {
	Key     string
	Message string
}

func (e *IdempotencyReplayError) Error() string {
	if e.Message != "" {
		return "bookstore: command already processed with key " + e.Key + ": " + e.Message
	}
	return "bookstore: command already processed with key " + e.Key
}

func (e *IdempotencyReplayError) Is(target error) bool {
	return target == ErrCommandAlreadyProcessed
}

func (e *IdempotencyReplayError) Unwrap() error {
	return ErrCommandAlreadyProcessed
}

// NewIdempotencyRecord creates the tenant's IdempotencyRecord for a CommandResult.
func NewIdempotencyRecord(tenantID, key, cmdType string, result CommandResult, ttl time.Duration) *IdempotencyRecord {
	now := time.Now()
	record := &IdempotencyRecord{
		TenantID:    tenantID,
		Key:         key,
		CommandType: cmdType,
		AggregateID: result.AggregateID,
		Version:     result.Version,
		Success:     result.IsSuccess(),
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}

	if result.Error != nil {
		record.Error = result.Error.Error()
	}

	return record
}

// IdempotencyRecordToResult converts the record to a CommandResult.
// A replayed success carries the ETag of the version it produced.
func IdempotencyRecordToResult(r *IdempotencyRecord) (CommandResult, error) {
	if r.Success {
		return NewSuccessResult(r.AggregateID, r.Version), nil
	}
	msg := r.Error
	if msg == "" {
		msg = "unknown error"
	}
	err := &IdempotencyReplayError{Key: r.Key, Message: msg}
	return NewErrorResult(err), err
}

// CommandIdempotencyKey qualifies a key with the command type. Tenants are
// kept apart by the store, not by the key.
func CommandIdempotencyKey(cmdType, key string) string {
	return cmdType + ":" + key
}

// ClientIdempotencyKey returns the key supplied by the client, either on the
// envelope or by an IdempotentCommand. It returns "" when there is none and the
// command is then processed without deduplication.
func ClientIdempotencyKey(ctx context.Context, cmd Command) string {
	key := IdempotencyKeyFromContext(ctx)
	if key == "" {
		if ic, ok := cmd.(IdempotentCommand); ok {
			key = ic.IdempotencyKey()
		}
	}
	if key == "" {
		return ""
	}
	return CommandIdempotencyKey(cmd.CommandType(), key)
}

// ContentIdempotencyKey derives the key from the JSON content of the command
// when the client supplied none, so identical commands for the same tenant are
// processed once.
func ContentIdempotencyKey(ctx context.Context, cmd Command) string {
	if key := ClientIdempotencyKey(ctx, cmd); key != "" {
		return key
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		data = []byte(cmd.CommandType())
	}
	hash := sha256.Sum256(data)
	return CommandIdempotencyKey(cmd.CommandType(), hex.EncodeToString(hash[:16]))
}

// IdempotencyConfig configures the idempotency middleware.
type IdempotencyConfig struct {
	// Store is the idempotency store to use.
	Store IdempotencyStore

	// TTL is how long to keep idempotency records.
	// Default is 24 hours.
	TTL time.Duration

	// KeyGenerator returns the key of a command or "" to skip deduplication.
	// Default is ClientIdempotencyKey.
	KeyGenerator func(ctx context.Context, cmd Command) string

	// StoreErrors determines if failed commands should be stored.
	// If true, replaying a failed command returns the same error.
	// If false, failed commands can be retried.
	StoreErrors bool

	// SkipCommands is a list of command types to skip idempotency checking.
	SkipCommands []string

	// Logger receives store failures. Store failures never fail the command.
	Logger Logger
}

// DefaultIdempotencyConfig returns a default idempotency configuration.
func DefaultIdempotencyConfig(store IdempotencyStore) IdempotencyConfig {
	return IdempotencyConfig{
		Store:        store,
		TTL:          24 * time.Hour,
		KeyGenerator: ClientIdempotencyKey,
	}
}

// IdempotencyMiddleware creates middleware that prevents duplicate command processing.
func IdempotencyMiddleware(config IdempotencyConfig) Middleware {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.KeyGenerator == nil {
		config.KeyGenerator = ClientIdempotencyKey
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}

	skipSet := make(map[string]bool, len(config.SkipCommands))
	for _, t := range config.SkipCommands {
		skipSet[t] = true
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if skipSet[cmd.CommandType()] {
				return next(ctx, cmd)
			}

			tenantID := TenantIDFromContext(ctx)
			key := config.KeyGenerator(ctx, cmd)
			if key == "" || tenantID == "" {
				return next(ctx, cmd)
			}

			record, err := config.Store.Get(ctx, tenantID, key)
			if err != nil {
				config.Logger.Warn("Idempotency lookup failed", "tenant", tenantID, "key", key, "error", err)
				return next(ctx, cmd)
			}
			if record != nil && !record.IsExpired() {
				config.Logger.Debug("Replaying processed command", "tenant", tenantID, "key", key, "type", cmd.CommandType())
				return IdempotencyRecordToResult(record)
			}

			result, cmdErr := next(ctx, cmd)

			if result.IsSuccess() || (config.StoreErrors && cmdErr != nil) {
				rec := NewIdempotencyRecord(tenantID, key, cmd.CommandType(), result, config.TTL)
				if err := config.Store.Store(ctx, rec); err != nil {
					config.Logger.Warn("Failed to store idempotency record", "tenant", tenantID, "key", key, "error", err)
				}
			}

			return result, cmdErr
		}
	}
}
