package bookstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapCache is a minimal tag-aware Cache.
type mapCache struct {
	mu     sync.Mutex
	values map[string][]byte
	byTag  map[string][]string
	loads  int
}

func newMapCache() *mapCache {
	return &mapCache{values: map[string][]byte{}, byTag: map[string][]string{}}
}

func (c *mapCache) GetOrCreate(ctx context.Context, key string, factory func(ctx context.Context) ([]byte, error), tags []string, ttl time.Duration) ([]byte, error) {
	c.mu.Lock()
	if v, ok := c.values[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := factory(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	c.values[key] = v
	for _, tag := range tags {
		c.byTag[tag] = append(c.byTag[tag], key)
	}
	return v, nil
}

func (c *mapCache) InvalidateByTag(ctx context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.byTag[tag] {
		delete(c.values, key)
	}
	delete(c.byTag, tag)
	return nil
}

func (c *mapCache) loadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

type catalogDoc struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Price   float64  `json:"price"`
	Genres  []string `json:"genres"`
	Author  *author  `json:"author,omitempty"`
	Blurb   *string  `json:"blurb"`
	InStock bool     `json:"inStock"`
}

type author struct {
	Name string `json:"name"`
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func seedCatalog(t *testing.T, f *fixture, engine *ProjectionEngine) {
	t.Helper()
	blurb := "epic"
	docs := []catalogDoc{
		{ID: "1", Title: "Dune", Price: 10, Genres: []string{"sf"}, Author: &author{Name: "Herbert"}, Blurb: &blurb, InStock: true},
		{ID: "2", Title: "Emma", Price: 8, Genres: []string{"classic"}, Author: &author{Name: "Austen"}},
		{ID: "3", Title: "Dune Messiah", Price: 12, Genres: []string{"sf"}, Author: &author{Name: "Herbert"}, InStock: true},
		{ID: "4", Title: "Persuasion", Price: 8, Genres: []string{"classic", "romance"}, Author: &author{Name: "Austen"}},
	}
	var writes []DocumentWrite
	for _, d := range docs {
		writes = append(writes, DocumentWrite{ID: d.ID, Version: 1, Data: mustJSON(t, d)})
	}
	c, err := engine.ActiveCollection(context.Background(), "catalog", "acme")
	require.NoError(t, err)
	require.NoError(t, f.docs.CommitBatch(context.Background(), c, writes, nil))
}

func newCatalogEngine(t *testing.T, f *fixture) *ProjectionEngine {
	t.Helper()
	catalog := NewDocumentProjection("catalog", func(doc *catalogDoc, event Event) (*catalogDoc, error) {
		return doc, nil
	}, "BookAdded")
	engine := NewProjectionEngine(f.store, f.docs)
	require.NoError(t, engine.Register(catalog))
	require.NoError(t, engine.AddTenant("acme"))
	return engine
}

func ids(result *QueryResult[catalogDoc]) []string {
	out := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		out = append(out, item.ID)
	}
	return out
}

func TestDocumentRepository_Find(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	engine := newCatalogEngine(t, f)
	seedCatalog(t, f, engine)
	repo := NewDocumentRepository[catalogDoc](engine, "catalog", "book")

	tests := []struct {
		name  string
		query *Query
		want  []string
	}{
		{"all ordered by id", NewQuery(), []string{"1", "2", "3", "4"}},
		{"eq", NewQuery().Where("price", FilterOpEq, 8), []string{"2", "4"}},
		{"ne", NewQuery().Where("price", FilterOpNe, 8), []string{"1", "3"}},
		{"gt", NewQuery().Where("price", FilterOpGt, 10), []string{"3"}},
		{"gte", NewQuery().Where("price", FilterOpGte, 10), []string{"1", "3"}},
		{"lt", NewQuery().Where("price", FilterOpLt, 10), []string{"2", "4"}},
		{"lte and", NewQuery().Where("price", FilterOpLte, 10).And("inStock", FilterOpEq, true), []string{"1"}},
		{"in", NewQuery().Where("title", FilterOpIn, []string{"Emma", "Dune"}), []string{"1", "2"}},
		{"not in", NewQuery().Where("title", FilterOpNotIn, []string{"Emma", "Dune"}), []string{"3", "4"}},
		{"like", NewQuery().Where("title", FilterOpLike, "dune%"), []string{"1", "3"}},
		{"contains array", NewQuery().Where("genres", FilterOpContains, "romance"), []string{"4"}},
		{"contains string", NewQuery().Where("title", FilterOpContains, "ers"), []string{"4"}},
		{"nested field", NewQuery().Where("author.name", FilterOpEq, "Austen"), []string{"2", "4"}},
		{"is null", NewQuery().Where("blurb", FilterOpIsNull, nil), []string{"2", "3", "4"}},
		{"is not null", NewQuery().Where("blurb", FilterOpIsNotNull, nil), []string{"1"}},
		{"between", NewQuery().Where("price", FilterOpBetween, []float64{9, 12}), []string{"1", "3"}},
		{"order desc then asc", NewQuery().OrderByDesc("price").OrderByAsc("title"), []string{"3", "1", "2", "4"}},
		{"paged", NewQuery().OrderByAsc("title").WithPagination(2, 2), []string{"2", "4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.Find(ctx, "acme", tt.query.Build())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(result))
		})
	}

	t.Run("count and has more", func(t *testing.T) {
		result, err := repo.Find(ctx, "acme", NewQuery().WithLimit(3).WithCount().Build())
		require.NoError(t, err)
		assert.Len(t, result.Items, 3)
		assert.True(t, result.HasMore)
		assert.Equal(t, int64(4), result.TotalCount)

		result, err = repo.Find(ctx, "acme", NewQuery().WithOffset(3).Build())
		require.NoError(t, err)
		assert.False(t, result.HasMore)
		assert.Zero(t, result.TotalCount, "count is only reported when asked for")

		n, err := repo.Count(ctx, "acme", NewQuery().Where("genres", FilterOpContains, "sf").WithLimit(1).Build())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("results carry versions", func(t *testing.T) {
		result, err := repo.Find(ctx, "acme", NewQuery().WithLimit(1).Build())
		require.NoError(t, err)
		require.Len(t, result.Items, 1)
		assert.Equal(t, int64(1), result.Items[0].Version)
		assert.Equal(t, `"1"`, result.Items[0].ETag)
		assert.Equal(t, "Dune", result.Items[0].Value.Title)
	})

	t.Run("other tenants see nothing", func(t *testing.T) {
		require.NoError(t, engine.AddTenant("globex"))
		result, err := repo.Find(ctx, "globex", NewQuery().Build())
		require.NoError(t, err)
		assert.Empty(t, result.Items)
	})
}

func TestDocumentRepository_InvalidQueries(t *testing.T) {
	f := newFixture()
	engine := newCatalogEngine(t, f)
	repo := NewDocumentRepository[catalogDoc](engine, "catalog", "book")

	bad := []Query{
		NewQuery().WithLimit(-1).Build(),
		NewQuery().Where("", FilterOpEq, 1).Build(),
		NewQuery().Where("price", "~", 1).Build(),
		NewQuery().Where("price", FilterOpIn, 1).Build(),
		NewQuery().Where("price", FilterOpBetween, []int{1}).Build(),
		NewQuery().OrderByAsc("").Build(),
	}
	for _, q := range bad {
		_, err := repo.Find(context.Background(), "acme", q)
		assert.ErrorIs(t, err, ErrInvalidQuery)
	}

	_, err := repo.Find(context.Background(), "", NewQuery().Build())
	assert.ErrorIs(t, err, ErrTenantRequired)
	_, err = repo.Get(context.Background(), "", "1")
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestDocumentRepository_Get(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	engine := newTestEngine(t, f, newBookListProjection())
	repo := NewDocumentRepository[bookDoc](engine, "book-list", "book")

	f.appendBook("acme", "1", "Dune", 10)
	_, err := engine.CatchUp(ctx, "book-list", "acme")
	require.NoError(t, err)

	doc, err := repo.Get(ctx, "acme", "1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", doc.Value.Title)
	assert.Equal(t, `"1"`, doc.ETag)

	_, err = repo.Get(ctx, "acme", "404")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDocumentRepository_CacheInvalidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	cache := newMapCache()
	coordinator := NewPostCommitCoordinator(cache, nil, bookTags)
	engine := newTestEngine(t, f, newBookListProjection(), WithBatchObserver(coordinator))
	repo := NewDocumentRepository[bookDoc](engine, "book-list", "book", WithRepositoryCache(cache, time.Minute))

	f.appendBook("acme", "1", "Dune", 10)
	f.appendBook("acme", "2", "Emma", 8)
	_, err := engine.CatchUp(ctx, "book-list", "acme")
	require.NoError(t, err)

	_, err = repo.Get(ctx, "acme", "1")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "acme", "1")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "acme", "2")
	require.NoError(t, err)
	list, err := repo.Find(ctx, "acme", NewQuery().OrderByAsc("price").Build())
	require.NoError(t, err)
	assert.Equal(t, "2", list.Items[0].ID)
	assert.Equal(t, 3, cache.loadCount())

	_, err = f.store.Append(ctx, "acme", "Book-1", 1, BookPriceChanged{BookID: "1", Price: 5})
	require.NoError(t, err)
	_, err = engine.CatchUp(ctx, "book-list", "acme")
	require.NoError(t, err)

	doc, err := repo.Get(ctx, "acme", "1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, doc.Value.Price, "the changed document is reloaded")
	assert.Equal(t, `"2"`, doc.ETag)

	list, err = repo.Find(ctx, "acme", NewQuery().OrderByAsc("price").Build())
	require.NoError(t, err)
	assert.Equal(t, "1", list.Items[0].ID, "lists are reloaded")

	_, err = repo.Get(ctx, "acme", "2")
	require.NoError(t, err)
	assert.Equal(t, 5, cache.loadCount(), "untouched documents stay cached")
}

func TestDocumentRepository_ReadsAcrossRebuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	engine := newTestEngine(t, f, newBookListProjection())
	repo := NewDocumentRepository[bookDoc](engine, "book-list", "book")
	rebuilder := NewProjectionRebuilder(engine)

	f.appendBook("acme", "1", "Dune", 10)
	_, err := engine.CatchUp(ctx, "book-list", "acme")
	require.NoError(t, err)
	require.NoError(t, rebuilder.Rebuild(ctx, "book-list", "acme"))

	doc, err := repo.Get(ctx, "acme", "1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", doc.Value.Title)
}

func TestDocumentRepository_RebuildInvalidatesCachedReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	engine := newTestEngine(t, f, newBookListProjection())
	cache := newMapCache()
	repo := NewDocumentRepository[bookDoc](engine, "book-list", "book", WithRepositoryCache(cache, time.Hour))
	rebuilder := NewProjectionRebuilder(engine, WithRebuilderCache(cache))

	f.appendBook("acme", "1", "Dune", 10)
	_, err := engine.CatchUp(ctx, "book-list", "acme")
	require.NoError(t, err)

	doc, err := repo.Get(ctx, "acme", "1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, doc.Value.Price)
	list, err := repo.Find(ctx, "acme", NewQuery().Build())
	require.NoError(t, err)
	require.Len(t, list.Items, 1)

	// Only the rebuild sees the price change; the live worker never commits it.
	_, err = f.store.Append(ctx, "acme", "Book-1", 1, BookPriceChanged{BookID: "1", Price: 12})
	require.NoError(t, err)
	require.NoError(t, rebuilder.Rebuild(ctx, "book-list", "acme"))

	doc, err = repo.Get(ctx, "acme", "1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, doc.Value.Price, "reads switch to the new generation")
	list, err = repo.Find(ctx, "acme", NewQuery().Build())
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, 12.0, list.Items[0].Value.Price)
}

func TestQuery_CacheKeyIsStable(t *testing.T) {
	a := NewQuery().Where("price", FilterOpGt, 1).OrderByAsc("title").Build()
	b := NewQuery().Where("price", FilterOpGt, 1).OrderByAsc("title").Build()
	c := NewQuery().Where("price", FilterOpGt, 2).OrderByAsc("title").Build()
	assert.Equal(t, a.cacheKey(), b.cacheKey())
	assert.NotEqual(t, a.cacheKey(), c.cacheKey())
}
