package bookstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CommandScheduler stores commands for later dispatch.
type CommandScheduler interface {
	// Register stores cmd for dispatch at or after dueAt under the tenant in ctx.
	// It returns false when the key is already registered.
	Register(ctx context.Context, dueAt time.Time, cmd Command, key string) (bool, error)
}

// CommandBus orchestrates command dispatching with middleware support.
// It routes commands to their handlers through a configurable middleware pipeline.
type CommandBus struct {
	registry   *HandlerRegistry
	middleware []Middleware
	scheduler  CommandScheduler
	logger     Logger
	closed     atomic.Bool
	mu         sync.RWMutex
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*CommandBus)

// WithMiddleware adds middleware to the command bus.
func WithMiddleware(middleware ...Middleware) CommandBusOption {
	return func(b *CommandBus) {
		b.middleware = append(b.middleware, middleware...)
	}
}

// WithHandlerRegistry sets the handler registry.
func WithHandlerRegistry(registry *HandlerRegistry) CommandBusOption {
	return func(b *CommandBus) {
		b.registry = registry
	}
}

// WithCommandScheduler sets where follow-up commands are registered.
func WithCommandScheduler(s CommandScheduler) CommandBusOption {
	return func(b *CommandBus) {
		b.scheduler = s
	}
}

// WithBusLogger sets the logger for the command bus.
func WithBusLogger(l Logger) CommandBusOption {
	return func(b *CommandBus) {
		b.logger = l
	}
}

// NewCommandBus creates a new CommandBus with the given options.
func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	bus := &CommandBus{
		registry: NewHandlerRegistry(),
		logger:   &noopLogger{},
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

// Registry returns the handler registry.
func (b *CommandBus) Registry() *HandlerRegistry {
	return b.registry
}

// Use adds middleware to the command bus.
// Middleware is executed in the order it was added.
func (b *CommandBus) Use(middleware ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware...)
}

// DecodeCommand implements CommandDecoder using the handler registry.
func (b *CommandBus) DecodeCommand(cmdType string, payload []byte) (Command, error) {
	return b.registry.DecodeCommand(cmdType, payload)
}

// Send dispatches a command using the tenant and IDs already in ctx.
func (b *CommandBus) Send(ctx context.Context, cmd Command) (CommandResult, error) {
	return b.Dispatch(ctx, Envelope{Command: cmd})
}

// Dispatch sends the enveloped command through the middleware pipeline to its handler.
// The envelope fields are moved into ctx where handlers and middleware read them.
func (b *CommandBus) Dispatch(ctx context.Context, env Envelope) (CommandResult, error) {
	if b.closed.Load() {
		return NewErrorResult(ErrCommandBusClosed), ErrCommandBusClosed
	}

	cmd := env.Command
	if cmd == nil {
		return NewErrorResult(ErrNilCommand), ErrNilCommand
	}

	ctx = envelopeContext(ctx, env)
	if _, err := RequireTenant(ctx); err != nil {
		return NewErrorResult(err), err
	}

	b.mu.RLock()
	handler := b.registry.Get(cmd.CommandType())
	middleware := make([]Middleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mu.RUnlock()

	if handler == nil {
		err := NewHandlerNotFoundError(cmd.CommandType())
		return NewErrorResult(err), err
	}

	finalHandler := func(ctx context.Context, cmd Command) (CommandResult, error) {
		result, err := handler.Handle(ctx, cmd)
		if err == nil && len(result.followUps) > 0 {
			if serr := b.scheduleFollowUps(ctx, result.followUps); serr != nil {
				return NewErrorResult(serr), serr
			}
		}
		return result, err
	}

	// Apply middleware in reverse order so they execute in the order they were added
	chain := finalHandler
	for i := len(middleware) - 1; i >= 0; i-- {
		chain = middleware[i](chain)
	}

	return chain(ctx, cmd)
}

func (b *CommandBus) scheduleFollowUps(ctx context.Context, followUps []FollowUp) error {
	if b.scheduler == nil {
		b.logger.Warn("Dropping follow-up commands, no scheduler configured", "count", len(followUps))
		return nil
	}
	for _, f := range followUps {
		created, err := b.scheduler.Register(ctx, f.DueAt, f.Command, f.Key)
		if err != nil {
			return err
		}
		if !created {
			b.logger.Debug("Follow-up already scheduled", "key", f.Key)
		}
	}
	return nil
}

func envelopeContext(ctx context.Context, env Envelope) context.Context {
	if env.TenantID != "" {
		ctx = WithTenantID(ctx, env.TenantID)
	}
	if env.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, env.CorrelationID)
	}
	if env.CausationID != "" {
		ctx = WithCausationID(ctx, env.CausationID)
	}
	if env.UserID != "" {
		ctx = WithUserID(ctx, env.UserID)
	}
	if env.ETag != "" {
		ctx = WithETag(ctx, env.ETag)
	}
	if env.IdempotencyKey != "" {
		ctx = WithIdempotencyKey(ctx, env.IdempotencyKey)
	}
	return ctx
}

// HasHandler returns true if a handler is registered for the command type.
func (b *CommandBus) HasHandler(cmdType string) bool {
	return b.registry.Has(cmdType)
}

// Close closes the command bus, preventing further dispatch operations.
func (b *CommandBus) Close() error {
	b.closed.Store(true)
	return nil
}

// IsClosed returns true if the command bus has been closed.
func (b *CommandBus) IsClosed() bool {
	return b.closed.Load()
}

// MiddlewareFunc is the function signature for command middleware.
type MiddlewareFunc func(ctx context.Context, cmd Command) (CommandResult, error)

// Middleware wraps a handler function with additional functionality.
type Middleware func(next MiddlewareFunc) MiddlewareFunc

// ChainMiddleware creates a single middleware from multiple middleware.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}
