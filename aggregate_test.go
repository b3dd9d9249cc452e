package bookstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateDefinition_Fold(t *testing.T) {
	events := []Event{
		{StreamID: "Book-1", Type: "BookAdded", Version: 1, Data: BookAdded{BookID: "1", Title: "Dune", Price: 10}},
		{StreamID: "Book-1", Type: "BookPriceChanged", Version: 2, Data: BookPriceChanged{BookID: "1", Price: 15}},
	}

	state, version, err := bookDefinition.Fold("1", events)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, bookState{ID: "1", Title: "Dune", Price: 15, Exists: true}, state)

	t.Run("deterministic", func(t *testing.T) {
		again, againVersion, err := bookDefinition.Fold("1", events)
		require.NoError(t, err)
		assert.Equal(t, state, again)
		assert.Equal(t, version, againVersion)
	})

	t.Run("empty stream is the initial state", func(t *testing.T) {
		s, v, err := bookDefinition.Fold("9", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(0), v)
		assert.Equal(t, bookState{ID: "9"}, s)
	})

	t.Run("unknown event aborts", func(t *testing.T) {
		bad := append(events, Event{StreamID: "Book-1", Type: "BookArchived", Version: 3, Data: BookArchived{BookID: "1"}})
		_, _, err := bookDefinition.Fold("1", bad)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownEventType)

		var unknown *UnknownEventTypeError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "Book-1", unknown.StreamID)
		assert.Equal(t, int64(3), unknown.Version)
	})
}

func TestRehydrator(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	_, err := store.Append(ctx, "acme", "Book-1", NoStream,
		BookAdded{BookID: "1", Title: "Dune", Price: 10},
		BookPriceChanged{BookID: "1", Price: 12},
		BookPriceChanged{BookID: "1", Price: 14},
	)
	require.NoError(t, err)

	r := NewRehydrator(store, bookDefinition)

	t.Run("current state", func(t *testing.T) {
		state, version, err := r.Rehydrate(ctx, "acme", "1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
		assert.Equal(t, 14.0, state.Price)
	})

	t.Run("as of version", func(t *testing.T) {
		state, version, err := r.Rehydrate(ctx, "acme", "1", AsOfVersion(2))
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
		assert.Equal(t, 12.0, state.Price)
	})

	t.Run("missing stream", func(t *testing.T) {
		_, _, err := r.Rehydrate(ctx, "acme", "404")
		assert.ErrorIs(t, err, ErrStreamNotFound)
	})

	t.Run("other tenant does not see the stream", func(t *testing.T) {
		_, _, err := r.Rehydrate(ctx, "globex", "1")
		assert.ErrorIs(t, err, ErrStreamNotFound)
	})

	t.Run("negative as-of version", func(t *testing.T) {
		_, _, err := r.Rehydrate(ctx, "acme", "1", AsOfVersion(-1))
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("does not write", func(t *testing.T) {
		before, err := store.GetLastPosition(ctx, "acme")
		require.NoError(t, err)
		_, _, err = r.Rehydrate(ctx, "acme", "1")
		require.NoError(t, err)
		after, err := store.GetLastPosition(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestAggregateDefinition_StreamID(t *testing.T) {
	assert.Equal(t, "Book-42", bookDefinition.StreamID("42"))

	sid, err := ParseStreamID(bookDefinition.StreamID("550e8400-e29b-41d4-a716-446655440000"))
	require.NoError(t, err)
	assert.Equal(t, "Book", sid.Category)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", sid.ID)
}
