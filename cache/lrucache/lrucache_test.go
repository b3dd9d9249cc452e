package lrucache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(value string, calls *atomic.Int32) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(value), nil
	}
}

func TestCache_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	c := New(10)
	var calls atomic.Int32

	v, err := c.GetOrCreate(ctx, "acme:book:1", load("dune", &calls), []string{"acme:book:1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "dune", string(v))

	v, err = c.GetOrCreate(ctx, "acme:book:1", load("other", &calls), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "dune", string(v))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_FactoryErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c := New(10)
	boom := errors.New("db down")

	_, err := c.GetOrCreate(ctx, "k", func(context.Context) ([]byte, error) { return nil, boom }, nil, 0)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())
}

func TestCache_InvalidateByTag(t *testing.T) {
	ctx := context.Background()
	c := New(10)
	var calls atomic.Int32

	_, _ = c.GetOrCreate(ctx, "q1", load("a", &calls), []string{"acme:book:1", "acme:book-list"}, 0)
	_, _ = c.GetOrCreate(ctx, "q2", load("b", &calls), []string{"acme:book:2", "acme:book-list"}, 0)
	_, _ = c.GetOrCreate(ctx, "q3", load("c", &calls), []string{"globex:book-list"}, 0)

	require.NoError(t, c.InvalidateByTag(ctx, "acme:book:1"))
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.InvalidateByTag(ctx, "acme:book-list"))
	assert.Equal(t, 1, c.Len(), "other tenants keep their entries")

	require.NoError(t, c.InvalidateByTag(ctx, "missing"))

	_, _ = c.GetOrCreate(ctx, "q1", load("a2", &calls), []string{"acme:book:1"}, 0)
	assert.Equal(t, int32(4), calls.Load())
}

func TestCache_InvalidateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New(1).InvalidateByTag(ctx, "t"), context.Canceled)
}

func TestCache_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(10, WithClock(func() time.Time { return now }))
	var calls atomic.Int32

	_, _ = c.GetOrCreate(ctx, "k", load("v", &calls), nil, time.Minute)
	now = now.Add(59 * time.Second)
	_, _ = c.GetOrCreate(ctx, "k", load("v", &calls), nil, time.Minute)
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(time.Second)
	_, _ = c.GetOrCreate(ctx, "k", load("v", &calls), nil, time.Minute)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_EvictionDropsTags(t *testing.T) {
	ctx := context.Background()
	c := New(2)
	var calls atomic.Int32

	_, _ = c.GetOrCreate(ctx, "a", load("a", &calls), []string{"t"}, 0)
	_, _ = c.GetOrCreate(ctx, "b", load("b", &calls), []string{"t"}, 0)
	_, _ = c.GetOrCreate(ctx, "c", load("c", &calls), []string{"t"}, 0)
	assert.Equal(t, 2, c.Len())

	c.mu.Lock()
	assert.Len(t, c.tags["t"], 2)
	c.mu.Unlock()

	require.NoError(t, c.InvalidateByTag(ctx, "t"))
	assert.Zero(t, c.Len())
}

func TestCache_ConcurrentMissesLoadOnce(t *testing.T) {
	ctx := context.Background()
	c := New(10)
	var calls atomic.Int32
	release := make(chan struct{})

	factory := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCreate(ctx, "k", factory, nil, 0)
			assert.NoError(t, err)
			assert.Equal(t, "v", string(v))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_InvalidationDuringLoadIsNotCached(t *testing.T) {
	ctx := context.Background()
	c := New(10)
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan []byte)
	go func() {
		v, err := c.GetOrCreate(ctx, "acme:book:b1", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("v1-stale"), nil
		}, []string{"acme:book:b1"}, time.Hour)
		assert.NoError(t, err)
		done <- v
	}()

	<-started
	require.NoError(t, c.InvalidateByTag(ctx, "acme:book:b1"))
	close(release)
	assert.Equal(t, "v1-stale", string(<-done), "the in-flight caller still gets its load")
	assert.Zero(t, c.Len())

	var calls atomic.Int32
	v, err := c.GetOrCreate(ctx, "acme:book:b1", load("v2", &calls), []string{"acme:book:b1"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
	assert.Equal(t, int32(1), calls.Load())

	v, err = c.GetOrCreate(ctx, "acme:book:b1", load("v3", &calls), []string{"acme:book:b1"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v), "loads after the invalidation are cached again")
}
