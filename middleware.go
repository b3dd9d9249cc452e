package bookstore

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// ValidationMiddleware validates commands before they reach the handler.
// If validation fails, the command is not dispatched.
func ValidationMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if err := cmd.Validate(); err != nil {
				if !errors.Is(err, ErrValidationFailed) {
					err = &ValidationError{CommandType: cmd.CommandType(), Message: err.Error(), Cause: err}
				}
				return NewErrorResult(err), err
			}
			return next(ctx, cmd)
		}
	}
}

// RecoveryMiddleware recovers from panics in handlers and returns them as errors.
// It captures a sanitized representation of the command data for debugging.
func RecoveryMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (result CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := string(debug.Stack())
					var commandData string
					if data, jsonErr := json.Marshal(cmd); jsonErr == nil {
						commandData = string(data)
					}
					panicErr := NewPanicError(cmd.CommandType(), r, stack, commandData)
					result = NewErrorResult(panicErr)
					err = panicErr
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs command execution.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Middleware returns the middleware function.
func (m *LoggingMiddleware) Middleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()

			tenantID := TenantIDFromContext(ctx)
			m.logger.Debug("Dispatching command",
				"type", cmd.CommandType(),
				"tenant", tenantID,
			)

			result, err := next(ctx, cmd)

			duration := time.Since(start)

			if err != nil {
				m.logger.Warn("Command failed",
					"type", cmd.CommandType(),
					"tenant", tenantID,
					"duration", duration,
					"error", err,
				)
			} else if result.IsError() {
				m.logger.Warn("Command returned error result",
					"type", cmd.CommandType(),
					"tenant", tenantID,
					"duration", duration,
					"error", result.Error,
				)
			} else {
				m.logger.Info("Command completed",
					"type", cmd.CommandType(),
					"tenant", tenantID,
					"duration", duration,
					"aggregateId", result.AggregateID,
					"version", result.Version,
				)
			}

			return result, err
		}
	}
}

// TimeoutMiddleware adds a timeout to command execution.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cmd)
		}
	}
}

// RetryConfig configures RetryMiddleware.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first one).
	MaxAttempts int

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases on each retry.
	Multiplier float64

	// ShouldRetry determines if an error should be retried.
	// If nil, all errors are retried.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig returns a default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		ShouldRetry:  nil,
	}
}

// RetryMiddleware creates middleware that retries failed commands.
func RetryMiddleware(config RetryConfig) Middleware {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1.0
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			var lastResult CommandResult
			var lastErr error
			delay := config.InitialDelay

			for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
				lastResult, lastErr = next(ctx, cmd)

				// Success
				if lastErr == nil && lastResult.IsSuccess() {
					return lastResult, nil
				}

				// Check if we should retry
				if attempt == config.MaxAttempts {
					break
				}

				errToCheck := lastErr
				if errToCheck == nil && lastResult.Error != nil {
					errToCheck = lastResult.Error
				}

				if config.ShouldRetry != nil && !config.ShouldRetry(errToCheck) {
					break
				}

				// Wait before retry
				select {
				case <-ctx.Done():
					return NewErrorResult(ctx.Err()), ctx.Err()
				case <-time.After(delay):
				}

				// Increase delay for next retry
				delay = time.Duration(float64(delay) * config.Multiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			}

			return lastResult, lastErr
		}
	}
}

// MetricsCollector receives command execution metrics.
type MetricsCollector interface {
	// RecordCommand records a command execution.
	RecordCommand(cmdType string, duration time.Duration, success bool, err error)
}

// MetricsMiddleware creates middleware that records metrics.
func MetricsMiddleware(collector MetricsCollector) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			result, err := next(ctx, cmd)
			duration := time.Since(start)

			success := err == nil && result.IsSuccess()
			recordErr := err
			if recordErr == nil && result.Error != nil {
				recordErr = result.Error
			}

			collector.RecordCommand(cmd.CommandType(), duration, success, recordErr)

			return result, err
		}
	}
}

// ConflictRetryMiddleware retries commands that lost an optimistic concurrency
// race. Commands that carry an ETag are never retried: the client asked for a
// specific version and gets the conflict.
func ConflictRetryMiddleware(config RetryConfig) Middleware {
	config.ShouldRetry = func(err error) bool {
		return errors.Is(err, ErrConcurrencyConflict)
	}
	retry := RetryMiddleware(config)

	return func(next MiddlewareFunc) MiddlewareFunc {
		retrying := retry(next)
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if _, ok := ETagFromContext(ctx); ok {
				return next(ctx, cmd)
			}
			return retrying(ctx, cmd)
		}
	}
}

// CorrelationIDMiddleware ensures every command runs with a correlation ID.
// It takes the ID from ctx, then from the command, and generates one otherwise.
func CorrelationIDMiddleware(generator func() string) Middleware {
	if generator == nil {
		generator = func() string {
			return uuid.New().String()
		}
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CorrelationIDFromContext(ctx) != "" {
				return next(ctx, cmd)
			}

			var correlationID string
			if base, ok := cmd.(interface{ GetCorrelationID() string }); ok {
				correlationID = base.GetCorrelationID()
			}
			if correlationID == "" {
				correlationID = generator()
			}

			return next(WithCorrelationID(ctx, correlationID), cmd)
		}
	}
}

// CausationIDMiddleware propagates causation IDs from the command to its events.
// Without an explicit causation ID the command ID is used.
func CausationIDMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CausationIDFromContext(ctx) != "" {
				return next(ctx, cmd)
			}

			var causationID string
			if base, ok := cmd.(interface{ GetCausationID() string }); ok {
				causationID = base.GetCausationID()
			}
			if causationID == "" {
				if base, ok := cmd.(interface{ GetCommandID() string }); ok {
					causationID = base.GetCommandID()
				}
			}

			if causationID != "" {
				ctx = WithCausationID(ctx, causationID)
			}
			return next(ctx, cmd)
		}
	}
}

// ConditionalMiddleware applies middleware only if the condition is true.
func ConditionalMiddleware(condition func(Command) bool, middleware Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		wrapped := middleware(next)
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if condition(cmd) {
				return wrapped(ctx, cmd)
			}
			return next(ctx, cmd)
		}
	}
}

// CommandTypeMiddleware applies middleware only for specific command types.
func CommandTypeMiddleware(types []string, middleware Middleware) Middleware {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return ConditionalMiddleware(func(cmd Command) bool {
		return typeSet[cmd.CommandType()]
	}, middleware)
}
