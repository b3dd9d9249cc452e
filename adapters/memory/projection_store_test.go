package memory

import (
	"context"
	"testing"

	"github.com/aalmada/BookStore-sub002/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectionStore_MissingCheckpointIsZero(t *testing.T) {
	store := NewProjectionStore()

	cp, err := store.GetCheckpoint(context.Background(), "book-search", "acme")
	require.NoError(t, err)
	assert.Equal(t, "book-search", cp.Projection)
	assert.Equal(t, "acme", cp.TenantID)
	assert.Zero(t, cp.Position)
	assert.Zero(t, cp.Generation)

	_, err = store.GetCheckpoint(context.Background(), "book-search", "")
	assert.ErrorIs(t, err, adapters.ErrEmptyTenantID)
}

func TestProjectionStore_CommitBatch(t *testing.T) {
	ctx := context.Background()
	store := NewProjectionStore()
	c := adapters.Collection{TenantID: "acme", Projection: "book-search"}

	err := store.CommitBatch(ctx, c, []adapters.DocumentWrite{
		{ID: "b1", Version: 1, Data: []byte(`{"title":"Dune"}`)},
		{ID: "b2", Version: 1, Data: []byte(`{"title":"Emma"}`)},
	}, &adapters.Checkpoint{Projection: "book-search", TenantID: "acme", Position: 7})
	require.NoError(t, err)

	doc, err := store.GetDocument(ctx, c, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.JSONEq(t, `{"title":"Dune"}`, string(doc.Data))

	cp, _ := store.GetCheckpoint(ctx, "book-search", "acme")
	assert.Equal(t, uint64(7), cp.Position)

	t.Run("delete leaves a tombstone", func(t *testing.T) {
		require.NoError(t, store.CommitBatch(ctx, c, []adapters.DocumentWrite{{ID: "b2", Version: 2, Delete: true}}, nil))
		_, err := store.GetDocument(ctx, c, "b2")
		assert.ErrorIs(t, err, adapters.ErrDocumentNotFound)

		tomb, err := store.GetDocumentOrTombstone(ctx, c, "b2")
		require.NoError(t, err)
		assert.True(t, tomb.Deleted)
		assert.Equal(t, int64(2), tomb.Version)

		docs, err := store.ListDocuments(ctx, c)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "b1", docs[0].ID)
	})

	t.Run("checkpoint never moves backwards", func(t *testing.T) {
		require.NoError(t, store.CommitBatch(ctx, c, nil, &adapters.Checkpoint{Projection: "book-search", TenantID: "acme", Position: 3}))
		cp, _ := store.GetCheckpoint(ctx, "book-search", "acme")
		assert.Equal(t, uint64(7), cp.Position)
	})

	t.Run("tenants do not see each other's documents", func(t *testing.T) {
		other := adapters.Collection{TenantID: "globex", Projection: "book-search"}
		_, err := store.GetDocument(ctx, other, "b1")
		assert.ErrorIs(t, err, adapters.ErrDocumentNotFound)
	})
}

func TestProjectionStore_ListDocumentsSorted(t *testing.T) {
	ctx := context.Background()
	store := NewProjectionStore()
	c := adapters.Collection{TenantID: "acme", Projection: "authors"}

	require.NoError(t, store.CommitBatch(ctx, c, []adapters.DocumentWrite{
		{ID: "c", Version: 1, Data: []byte(`{}`)},
		{ID: "a", Version: 1, Data: []byte(`{}`)},
		{ID: "b", Version: 1, Data: []byte(`{}`)},
	}, nil))

	docs, err := store.ListDocuments(ctx, c)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{docs[0].ID, docs[1].ID, docs[2].ID})
}

func TestProjectionStore_ActivateGenerationSwapsAndDropsOld(t *testing.T) {
	ctx := context.Background()
	store := NewProjectionStore()
	live := adapters.Collection{TenantID: "acme", Projection: "book-search", Generation: 0}
	next := adapters.Collection{TenantID: "acme", Projection: "book-search", Generation: 1}

	require.NoError(t, store.CommitBatch(ctx, live, []adapters.DocumentWrite{{ID: "old", Version: 1, Data: []byte(`{}`)}},
		&adapters.Checkpoint{Projection: "book-search", TenantID: "acme", Position: 5}))
	require.NoError(t, store.CommitBatch(ctx, next, []adapters.DocumentWrite{{ID: "new", Version: 1, Data: []byte(`{}`)}}, nil))

	// The live generation still serves reads while the next one fills.
	_, err := store.GetDocument(ctx, live, "old")
	require.NoError(t, err)

	require.NoError(t, store.ActivateGeneration(ctx, &adapters.Checkpoint{
		Projection: "book-search", TenantID: "acme", Position: 9, Generation: 1, State: "live",
	}))

	cp, _ := store.GetCheckpoint(ctx, "book-search", "acme")
	assert.Equal(t, int64(1), cp.Generation)
	assert.Equal(t, uint64(9), cp.Position)
	assert.Equal(t, 0, store.DocumentCount(live))
	assert.Equal(t, 1, store.DocumentCount(next))
}

func TestProjectionStore_StateAndList(t *testing.T) {
	ctx := context.Background()
	store := NewProjectionStore()

	require.NoError(t, store.SaveCheckpointState(ctx, "authors", "globex", "faulted", "boom"))
	require.NoError(t, store.SaveCheckpointState(ctx, "authors", "acme", "live", ""))

	cps, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "acme", cps[0].TenantID)
	assert.Equal(t, "faulted", cps[1].State)
	assert.Equal(t, "boom", cps[1].Error)

	require.NoError(t, store.DropCollection(ctx, adapters.Collection{TenantID: "acme", Projection: "authors"}))
}
