package bookstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is what a command handler decided: the events to append,
// follow-up commands to schedule and an optional outcome for the caller.
type Decision struct {
	Events   []interface{}
	Schedule []FollowUp
	Outcome  interface{}
}

// Emit returns a Decision that appends the events.
func Emit(events ...interface{}) Decision {
	return Decision{Events: events}
}

// FollowUp is a command to dispatch at or after DueAt.
// Key must be unique per tenant; registering the same key twice is a no-op.
type FollowUp struct {
	Key     string
	DueAt   time.Time
	Command Command
}

// HandlerFunc decides a command against an immutable state snapshot.
// It performs no I/O.
type HandlerFunc[C AggregateCommand, S any] func(cmd C, state S) (Decision, error)

// CommandHandler is the interface for handling a specific command type.
type CommandHandler interface {
	// CommandType returns the type of command this handler processes.
	CommandType() string

	// Handle processes the command and returns a result.
	Handle(ctx context.Context, cmd Command) (CommandResult, error)
}

// CommandDecoder decodes a serialized command by type name.
type CommandDecoder interface {
	DecodeCommand(cmdType string, payload []byte) (Command, error)
}

// HandlerOption configures a registered handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	requireETag bool
	newID       func() string
}

// RequireETag makes the handler reject commands on existing streams that
// carry no ETag with ErrPreconditionRequired.
func RequireETag() HandlerOption {
	return func(c *handlerConfig) {
		c.requireETag = true
	}
}

// WithIDGenerator sets how IDs are generated for commands without an aggregate ID.
func WithIDGenerator(fn func() string) HandlerOption {
	return func(c *handlerConfig) {
		c.newID = fn
	}
}

// aggregateHandler runs a HandlerFunc against rehydrated state and appends the result.
type aggregateHandler[C AggregateCommand, S any] struct {
	cmdType    string
	store      *EventStore
	rehydrator *Rehydrator[S]
	fn         HandlerFunc[C, S]
	config     handlerConfig
}

func (h *aggregateHandler[C, S]) CommandType() string {
	return h.cmdType
}

func (h *aggregateHandler[C, S]) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	typed, ok := cmd.(C)
	if !ok {
		err := fmt.Errorf("bookstore: expected command type %T, got %T", *new(C), cmd)
		return NewErrorResult(err), err
	}

	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return NewErrorResult(err), err
	}

	def := h.rehydrator.Definition()
	aggID := typed.AggregateID()
	if aggID == "" {
		aggID = h.config.newID()
	}
	streamID := def.StreamID(aggID)

	state, version, err := h.rehydrator.Rehydrate(ctx, tenantID, aggID)
	if errors.Is(err, ErrStreamNotFound) {
		state, version = def.New(aggID), 0
	} else if err != nil {
		return NewErrorResult(err), err
	}

	if etag, ok := ETagFromContext(ctx); ok {
		expected, err := ParseETag(etag)
		if err != nil {
			return NewErrorResult(err), err
		}
		if expected != version {
			err := NewPreconditionFailedError(tenantID, streamID, expected, version)
			return NewErrorResult(err), err
		}
	} else if h.config.requireETag && version > 0 {
		err := fmt.Errorf("%w: %s on stream %q", ErrPreconditionRequired, h.cmdType, streamID)
		return NewErrorResult(err), err
	}

	decision, err := h.fn(typed, state)
	if err != nil {
		return NewErrorResult(err), err
	}

	if len(decision.Events) == 0 {
		result := NewSuccessResult(aggID, version)
		result.Data = decision.Outcome
		result.followUps = decision.Schedule
		return result, nil
	}

	// Fold the new events to reject any the aggregate cannot replay later.
	next := state
	for _, event := range decision.Events {
		if next, err = def.Apply(next, event); err != nil {
			err = fmt.Errorf("bookstore: handler for %s emitted an event it cannot replay: %w", h.cmdType, err)
			return NewErrorResult(err), err
		}
	}

	expected := version
	if version == 0 {
		expected = NoStream
	}
	newVersion, err := h.store.Append(ctx, tenantID, streamID, expected, decision.Events...)
	if err != nil {
		return NewErrorResult(err), err
	}

	result := NewSuccessResult(aggID, newVersion)
	result.Data = decision.Outcome
	result.followUps = decision.Schedule
	return result, nil
}

// HandlerRegistry is the explicit map of command types to handlers, built at startup.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
	types    map[string]reflect.Type
}

// NewHandlerRegistry creates a new HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]CommandHandler),
		types:    make(map[string]reflect.Type),
	}
}

// Register adds a handler for a command type. Registering a type twice fails.
func (r *HandlerRegistry) Register(handler CommandHandler) error {
	return r.register(handler, nil)
}

func (r *HandlerRegistry) register(handler CommandHandler, cmdType reflect.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.CommandType()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, name)
	}
	r.handlers[name] = handler
	if cmdType != nil {
		r.types[name] = cmdType
	}
	return nil
}

// Register adds a handler that decides commands of type C against state S.
// C must be a non-pointer struct type.
func Register[C AggregateCommand, S any](r *HandlerRegistry, store *EventStore, def AggregateDefinition[S], fn HandlerFunc[C, S], opts ...HandlerOption) error {
	cfg := handlerConfig{newID: func() string { return uuid.New().String() }}
	for _, opt := range opts {
		opt(&cfg)
	}

	var zero C
	h := &aggregateHandler[C, S]{
		cmdType:    zero.CommandType(),
		store:      store,
		rehydrator: NewRehydrator(store, def),
		fn:         fn,
		config:     cfg,
	}
	return r.register(h, reflect.TypeOf(zero))
}

// Get returns the handler for a command type, or nil.
func (r *HandlerRegistry) Get(cmdType string) CommandHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[cmdType]
}

// Has returns true if a handler is registered for the command type.
func (r *HandlerRegistry) Has(cmdType string) bool {
	return r.Get(cmdType) != nil
}

// Count returns the number of registered handlers.
func (r *HandlerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// CommandTypes returns all registered command types, sorted.
func (r *HandlerRegistry) CommandTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks that every given command has a handler.
// The composition root calls it with every command the application can send.
func (r *HandlerRegistry) Validate(commands ...Command) error {
	var errs []error
	for _, cmd := range commands {
		if !r.Has(cmd.CommandType()) {
			errs = append(errs, NewHandlerNotFoundError(cmd.CommandType()))
		}
	}
	return errors.Join(errs...)
}

// DecodeCommand decodes a JSON payload into the registered command type.
func (r *HandlerRegistry) DecodeCommand(cmdType string, payload []byte) (Command, error) {
	r.mu.RLock()
	t, ok := r.types[cmdType]
	r.mu.RUnlock()
	if !ok {
		return nil, NewHandlerNotFoundError(cmdType)
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(payload, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("bookstore: failed to decode command %s: %w", cmdType, err)
	}
	cmd, ok := ptr.Elem().Interface().(Command)
	if !ok {
		return nil, fmt.Errorf("bookstore: registered type %s is not a command", t)
	}
	return cmd, nil
}
