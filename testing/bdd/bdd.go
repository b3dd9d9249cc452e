// Package bdd provides Given-When-Then fixtures for command handlers.
//
// Decide fixtures exercise a handler as a pure function: the given events
// are folded through the aggregate definition and the handler's Decision is
// checked. Dispatch fixtures run a command through a CommandBus against a
// real EventStore, so ETag checks and idempotency take part.
package bdd

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/aalmada/BookStore-sub002"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// DecideFixture tests a handler against a folded aggregate state.
type DecideFixture[S any] struct {
	t           TB
	definition  bookstore.AggregateDefinition[S]
	aggregateID string
	givenEvents []interface{}
	state       S
	decision    bookstore.Decision
	result      error
	executed    bool
}

// Given starts a fixture for the aggregate with the events it already has.
func Given[S any](t TB, definition bookstore.AggregateDefinition[S], aggregateID string, events ...interface{}) *DecideFixture[S] {
	t.Helper()
	return &DecideFixture[S]{
		t:           t,
		definition:  definition,
		aggregateID: aggregateID,
		givenEvents: events,
	}
}

// When folds the given events and runs decide against the resulting state.
func (f *DecideFixture[S]) When(decide func(state S) (bookstore.Decision, error)) *DecideFixture[S] {
	f.t.Helper()

	state := f.definition.New(f.aggregateID)
	for _, event := range f.givenEvents {
		next, err := f.definition.Apply(state, event)
		if err != nil {
			f.t.Fatalf("Failed to apply given event %T: %v", event, err)
		}
		state = next
	}
	f.state = state

	f.decision, f.result = decide(state)
	f.executed = true
	return f
}

// Then asserts that the handler emitted exactly the expected events.
func (f *DecideFixture[S]) Then(expectedEvents ...interface{}) *DecideFixture[S] {
	f.t.Helper()
	f.requireSuccess("Then")

	emitted := f.decision.Events
	if len(emitted) != len(expectedEvents) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expectedEvents), len(emitted), expectedEvents, emitted)
	}
	for i, expected := range expectedEvents {
		if !reflect.DeepEqual(emitted[i], expected) {
			f.t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v", i, expected, emitted[i])
		}
	}
	return f
}

// ThenNoEvents asserts that the handler succeeded without emitting events.
func (f *DecideFixture[S]) ThenNoEvents() *DecideFixture[S] {
	f.t.Helper()
	f.requireSuccess("ThenNoEvents")

	if len(f.decision.Events) > 0 {
		f.t.Errorf("Expected no events, got %d: %+v", len(f.decision.Events), f.decision.Events)
	}
	return f
}

// ThenSchedules asserts the keys of the follow-up commands, in order.
func (f *DecideFixture[S]) ThenSchedules(keys ...string) *DecideFixture[S] {
	f.t.Helper()
	f.requireSuccess("ThenSchedules")

	actual := make([]string, len(f.decision.Schedule))
	for i, followUp := range f.decision.Schedule {
		actual[i] = followUp.Key
	}
	if len(keys) == 0 && len(actual) == 0 {
		return f
	}
	if !reflect.DeepEqual(actual, keys) {
		f.t.Errorf("Expected follow-ups %v, got %v", keys, actual)
	}
	return f
}

// ThenOutcome asserts the value the handler returned to the caller.
func (f *DecideFixture[S]) ThenOutcome(expected interface{}) *DecideFixture[S] {
	f.t.Helper()
	f.requireSuccess("ThenOutcome")

	if !reflect.DeepEqual(f.decision.Outcome, expected) {
		f.t.Errorf("Expected outcome %+v, got %+v", expected, f.decision.Outcome)
	}
	return f
}

// ThenError asserts that the handler failed with the expected error.
func (f *DecideFixture[S]) ThenError(expectedErr error) {
	f.t.Helper()
	f.requireFailure("ThenError")

	if !errors.Is(f.result, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.result)
	}
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *DecideFixture[S]) ThenErrorContains(substring string) {
	f.t.Helper()
	f.requireFailure("ThenErrorContains")

	if !strings.Contains(f.result.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.result.Error())
	}
}

// State returns the state the handler decided against.
func (f *DecideFixture[S]) State() S {
	return f.state
}

func (f *DecideFixture[S]) requireSuccess(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() must be called after When()", step)
	}
	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}
}

func (f *DecideFixture[S]) requireFailure(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() must be called after When()", step)
	}
	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}
}

type givenStream struct {
	streamID string
	events   []interface{}
}

// DispatchFixture tests a command end to end through a CommandBus.
type DispatchFixture struct {
	t        TB
	ctx      context.Context
	bus      *bookstore.CommandBus
	store    *bookstore.EventStore
	tenantID string
	given    []givenStream
	result   bookstore.CommandResult
	err      error
	executed bool
}

// GivenTenant starts a dispatch fixture for one tenant.
func GivenTenant(t TB, bus *bookstore.CommandBus, store *bookstore.EventStore, tenantID string) *DispatchFixture {
	t.Helper()
	return &DispatchFixture{
		t:        t,
		ctx:      context.Background(),
		bus:      bus,
		store:    store,
		tenantID: tenantID,
	}
}

// WithContext sets a custom context for the dispatch.
func (f *DispatchFixture) WithContext(ctx context.Context) *DispatchFixture {
	f.ctx = ctx
	return f
}

// WithStream appends events to a stream of the tenant before dispatching.
func (f *DispatchFixture) WithStream(streamID string, events ...interface{}) *DispatchFixture {
	f.given = append(f.given, givenStream{streamID: streamID, events: events})
	return f
}

// When dispatches the envelope. An empty TenantID is filled with the fixture's tenant.
func (f *DispatchFixture) When(env bookstore.Envelope) *DispatchFixture {
	f.t.Helper()

	for _, g := range f.given {
		if _, err := f.store.Append(f.ctx, f.tenantID, g.streamID, bookstore.AnyVersion, g.events...); err != nil {
			f.t.Fatalf("Failed to store given events of %s: %v", g.streamID, err)
		}
	}
	f.given = nil

	if env.TenantID == "" {
		env.TenantID = f.tenantID
	}
	f.result, f.err = f.bus.Dispatch(f.ctx, env)
	f.executed = true
	return f
}

// ThenSucceeds asserts the command succeeded.
func (f *DispatchFixture) ThenSucceeds() *DispatchFixture {
	f.t.Helper()
	if !f.executed {
		f.t.Fatal("bdd: ThenSucceeds() must be called after When()")
	}
	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}
	if !f.result.IsSuccess() {
		f.t.Fatalf("Expected success result but got error: %v", f.result.Error)
	}
	return f
}

// ThenFails asserts the command failed with the expected error.
func (f *DispatchFixture) ThenFails(expectedErr error) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatal("bdd: ThenFails() must be called after When()")
	}
	if f.err == nil && f.result.IsSuccess() {
		f.t.Fatal("Expected failure but got success")
	}

	errToCheck := f.err
	if errToCheck == nil {
		errToCheck = f.result.Error
	}
	if !errors.Is(errToCheck, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, errToCheck)
	}
}

// ThenVersion asserts the stream version after the command.
func (f *DispatchFixture) ThenVersion(expected int64) *DispatchFixture {
	f.t.Helper()
	if f.result.Version != expected {
		f.t.Errorf("Expected version %d, got %d", expected, f.result.Version)
	}
	return f
}

// ThenETag asserts the ETag returned for the new stream version.
func (f *DispatchFixture) ThenETag(expected string) *DispatchFixture {
	f.t.Helper()
	if f.result.ETag != expected {
		f.t.Errorf("Expected ETag %s, got %s", expected, f.result.ETag)
	}
	return f
}

// ThenStream asserts the types of the events stored in a stream, in order.
func (f *DispatchFixture) ThenStream(streamID string, eventTypes ...string) *DispatchFixture {
	f.t.Helper()

	events, err := f.store.Load(f.ctx, f.tenantID, streamID)
	if err != nil {
		f.t.Fatalf("Failed to load %s: %v", streamID, err)
	}
	actual := make([]string, len(events))
	for i, e := range events {
		actual[i] = e.Type
	}
	if !reflect.DeepEqual(actual, eventTypes) {
		f.t.Errorf("Stream %s: expected events %v, got %v", streamID, eventTypes, actual)
	}
	return f
}

// Result returns the result of the dispatch.
func (f *DispatchFixture) Result() bookstore.CommandResult {
	return f.result
}
