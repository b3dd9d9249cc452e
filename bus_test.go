package bookstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandBus_Dispatch(t *testing.T) {
	t.Run("tenant required", func(t *testing.T) {
		f := newFixture()
		_, err := f.bus.Dispatch(context.Background(), Envelope{Command: AddBook{BookID: "1", Title: "x"}})
		assert.ErrorIs(t, err, ErrTenantRequired)
	})

	t.Run("envelope tenant wins over context", func(t *testing.T) {
		f := newFixture()
		ctx := WithTenantID(context.Background(), "globex")
		_, err := f.bus.Dispatch(ctx, Envelope{TenantID: "acme", Command: AddBook{BookID: "1", Title: "x"}})
		require.NoError(t, err)

		events, err := f.store.Load(context.Background(), "acme", "Book-1")
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("nil command", func(t *testing.T) {
		f := newFixture()
		_, err := f.bus.Dispatch(context.Background(), Envelope{TenantID: "acme"})
		assert.ErrorIs(t, err, ErrNilCommand)
	})

	t.Run("handler not found", func(t *testing.T) {
		f := newFixture()
		result, err := f.bus.Dispatch(context.Background(), Envelope{TenantID: "acme", Command: unknownCommand{}})
		assert.ErrorIs(t, err, ErrHandlerNotFound)
		assert.True(t, result.IsError())
	})

	t.Run("closed bus", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.bus.Close())
		assert.True(t, f.bus.IsClosed())
		_, err := f.bus.Send(WithTenantID(context.Background(), "acme"), AddBook{Title: "x"})
		assert.ErrorIs(t, err, ErrCommandBusClosed)
	})

	t.Run("correlation ids reach the events", func(t *testing.T) {
		f := newFixture()
		_, err := f.bus.Dispatch(context.Background(), Envelope{
			TenantID:      "acme",
			Command:       AddBook{BookID: "1", Title: "x"},
			CorrelationID: "corr",
			CausationID:   "cause",
			UserID:        "alice",
		})
		require.NoError(t, err)

		stored, err := f.store.ReadStream(context.Background(), "acme", "Book-1")
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, Metadata{CorrelationID: "corr", CausationID: "cause", UserID: "alice"}, stored[0].Metadata)
	})
}

func TestCommandBus_MiddlewareOrder(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next MiddlewareFunc) MiddlewareFunc {
			return func(ctx context.Context, cmd Command) (CommandResult, error) {
				order = append(order, name+":before")
				result, err := next(ctx, cmd)
				order = append(order, name+":after")
				return result, err
			}
		}
	}

	f := newFixture(WithMiddleware(trace("first")))
	f.bus.Use(trace("second"))

	_, err := f.bus.Send(WithTenantID(context.Background(), "acme"), AddBook{BookID: "1", Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:before", "second:before", "second:after", "first:after"}, order)
}

func TestCommandBus_FollowUpsWithoutScheduler(t *testing.T) {
	f := newFixture()
	logger := newTestLogger()
	registry := NewHandlerRegistry()
	require.NoError(t, Register(registry, f.store, bookDefinition, func(cmd AddBook, s bookState) (Decision, error) {
		return Decision{
			Events:   []interface{}{BookAdded{BookID: cmd.BookID}},
			Schedule: []FollowUp{{Key: "k", Command: RemoveBook{BookID: cmd.BookID}}},
		}, nil
	}))
	bus := NewCommandBus(WithHandlerRegistry(registry), WithBusLogger(logger))

	_, err := bus.Dispatch(context.Background(), Envelope{TenantID: "acme", Command: AddBook{BookID: "1"}})
	require.NoError(t, err)
	assert.Contains(t, logger.warnings(), "Dropping follow-up commands, no scheduler configured")
}

func TestCommandBus_FollowUpRegistrationFailure(t *testing.T) {
	f := newFixture()
	registry := NewHandlerRegistry()
	require.NoError(t, Register(registry, f.store, bookDefinition, func(cmd AddBook, s bookState) (Decision, error) {
		return Decision{
			Events:   []interface{}{BookAdded{BookID: cmd.BookID}},
			Schedule: []FollowUp{{Key: "k", Command: RemoveBook{BookID: cmd.BookID}}},
		}, nil
	}))
	boom := errors.New("schedule store down")
	bus := NewCommandBus(WithHandlerRegistry(registry), WithCommandScheduler(&recordingScheduler{err: boom}))

	result, err := bus.Dispatch(context.Background(), Envelope{TenantID: "acme", Command: AddBook{BookID: "1"}})
	assert.ErrorIs(t, err, boom)
	assert.True(t, result.IsError())
}

func TestCommandBus_DecodeCommand(t *testing.T) {
	f := newFixture()
	cmd, err := f.bus.DecodeCommand("RemoveBook", []byte(`{"bookId":"7"}`))
	require.NoError(t, err)
	assert.Equal(t, RemoveBook{BookID: "7"}, cmd)
	assert.True(t, f.bus.HasHandler("RemoveBook"))
}
