package memory

import (
	"context"
	"testing"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyStore_StoreAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore()
	defer store.Close()

	record := &adapters.IdempotencyRecord{
		TenantID:    "acme",
		Key:         "StartSale:b1",
		CommandType: "StartSale",
		AggregateID: "Book-b1",
		Version:     4,
		Success:     true,
		ProcessedAt: time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Store(ctx, record))

	got, err := store.Get(ctx, "acme", "StartSale:b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "Book-b1", got.AggregateID)
	assert.Equal(t, int64(4), got.Version)

	got.Version = 99
	again, _ := store.Get(ctx, "acme", "StartSale:b1")
	assert.Equal(t, int64(4), again.Version, "stored record must not alias the returned copy")
}

func TestIdempotencyStore_TenantPartitions(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore()
	defer store.Close()

	for _, tenantID := range []string{"acme", "globex"} {
		require.NoError(t, store.Store(ctx, &adapters.IdempotencyRecord{
			TenantID:    tenantID,
			Key:         "AddBook:k",
			AggregateID: "Book-" + tenantID,
			Success:     true,
			ProcessedAt: time.Now(),
			ExpiresAt:   time.Now().Add(time.Hour),
		}))
	}
	assert.Equal(t, 1, store.TenantLen("acme"))
	assert.Equal(t, 1, store.TenantLen("globex"))

	got, err := store.Get(ctx, "globex", "AddBook:k")
	require.NoError(t, err)
	assert.Equal(t, "Book-globex", got.AggregateID)

	require.NoError(t, store.Delete(ctx, "acme", "AddBook:k"))
	gone, err := store.Get(ctx, "acme", "AddBook:k")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := store.Get(ctx, "globex", "AddBook:k")
	require.NoError(t, err)
	assert.NotNil(t, kept, "deleting one tenant's key leaves the other's")

	err = store.Store(ctx, &adapters.IdempotencyRecord{Key: "AddBook:k"})
	assert.ErrorIs(t, err, adapters.ErrEmptyTenantID)
}

func TestIdempotencyStore_MissingAndExpired(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore()
	defer store.Close()

	got, err := store.Get(ctx, "acme", "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Store(ctx, &adapters.IdempotencyRecord{
		TenantID:  "acme",
		Key:       "old",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	got, err = store.Get(ctx, "acme", "old")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIdempotencyStore_DeleteAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore()
	defer store.Close()

	require.NoError(t, store.Store(ctx, &adapters.IdempotencyRecord{
		TenantID:    "acme",
		Key:         "fresh",
		ProcessedAt: time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
	require.NoError(t, store.Store(ctx, &adapters.IdempotencyRecord{
		TenantID:    "globex",
		Key:         "stale",
		ProcessedAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	removed, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, store.Len())
	assert.Zero(t, store.TenantLen("globex"))

	require.NoError(t, store.Delete(ctx, "acme", "fresh"))
	assert.Equal(t, 0, store.Len())
}

func TestIdempotencyStore_BackgroundCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore(
		WithCleanupInterval(20*time.Millisecond),
		WithMaxAge(10*time.Millisecond),
	)
	defer store.Close()

	require.NoError(t, store.Store(ctx, &adapters.IdempotencyRecord{
		TenantID:    "acme",
		Key:         "expired",
		ProcessedAt: time.Now().Add(-time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}))

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.NoError(t, store.Close())
}
