package bookstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bookTags = TagMapping{"book-list": {Entity: "book"}}

func sampleBatch() CommittedBatch {
	return CommittedBatch{
		Projection:   "book-list",
		TenantID:     "acme",
		FromPosition: 3,
		ToPosition:   7,
		Changes: []DocumentChange{
			{ID: "1", Kind: ChangeUpdated, Version: 4},
			{ID: "2", Kind: ChangeCreated, Version: 1},
			{ID: "3", Kind: ChangeDeleted},
		},
	}
}

func TestPostCommitCoordinator_InvalidatesThenNotifies(t *testing.T) {
	var log []string
	var mu sync.Mutex
	cache := &recordingInvalidator{log: &log}
	notifier := NotifierFunc(func(ctx context.Context, event EntityChanged) error {
		mu.Lock()
		defer mu.Unlock()
		log = append(log, "notify:"+event.ID)
		return nil
	})
	c := NewPostCommitCoordinator(cache, notifier, bookTags)

	require.NoError(t, c.OnBatchCommitted(context.Background(), sampleBatch()))
	assert.Equal(t, []string{
		"invalidate:acme:book:1",
		"invalidate:acme:book-list",
		"invalidate:acme:book:2",
		"invalidate:acme:book:3",
		"notify:1",
		"notify:2",
		"notify:3",
	}, log)
}

func TestPostCommitCoordinator_Notifications(t *testing.T) {
	notifier := &recordingNotifier{}
	c := NewPostCommitCoordinator(&recordingInvalidator{}, notifier, bookTags)

	require.NoError(t, c.OnBatchCommitted(context.Background(), sampleBatch()))
	events := notifier.all()
	require.Len(t, events, 3)

	assert.Equal(t, "acme", events[0].TenantID)
	assert.Equal(t, "book", events[0].Entity)
	assert.Equal(t, ChangeUpdated, events[0].Kind)
	assert.Equal(t, `"4"`, events[0].ETag)
	assert.Equal(t, uint64(7), events[0].Position)
	assert.Equal(t, "book-list", events[0].Projection)
	assert.False(t, events[0].OccurredAt.IsZero())

	assert.Equal(t, ChangeDeleted, events[2].Kind)
	assert.Empty(t, events[2].ETag)
}

func TestPostCommitCoordinator_SkipsReplays(t *testing.T) {
	cache := &recordingInvalidator{}
	notifier := &recordingNotifier{}
	c := NewPostCommitCoordinator(cache, notifier, bookTags)

	batch := sampleBatch()
	batch.Replay = true
	require.NoError(t, c.OnBatchCommitted(context.Background(), batch))
	require.NoError(t, c.OnBatchCommitted(WithReplay(context.Background()), sampleBatch()))

	assert.Empty(t, cache.all())
	assert.Empty(t, notifier.all())
}

func TestPostCommitCoordinator_UnmappedProjection(t *testing.T) {
	logger := newTestLogger()
	notifier := &recordingNotifier{}
	c := NewPostCommitCoordinator(&recordingInvalidator{}, notifier, bookTags, WithCoordinatorLogger(logger))

	batch := sampleBatch()
	batch.Projection = "book-stats"
	require.NoError(t, c.OnBatchCommitted(context.Background(), batch))

	assert.Empty(t, notifier.all())
	assert.Contains(t, logger.warnings(), "No tag mapping for projection, skipping post-commit")
}

func TestPostCommitCoordinator_InvalidationFailure(t *testing.T) {
	boom := errors.New("redis down")
	notifier := &recordingNotifier{}
	metrics := &recordingCoordinatorMetrics{}
	c := NewPostCommitCoordinator(&recordingInvalidator{err: boom}, notifier, bookTags, WithCoordinatorMetrics(metrics))

	err := c.OnBatchCommitted(context.Background(), sampleBatch())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, notifier.all(), "notifications are suppressed")
	assert.Equal(t, []bool{false}, metrics.invalidations)
}

func TestPostCommitCoordinator_NotifierFailure(t *testing.T) {
	boom := errors.New("hub closed")
	cache := &recordingInvalidator{}
	metrics := &recordingCoordinatorMetrics{}
	c := NewPostCommitCoordinator(cache, &recordingNotifier{err: boom}, bookTags, WithCoordinatorMetrics(metrics))

	err := c.OnBatchCommitted(context.Background(), sampleBatch())
	assert.ErrorIs(t, err, boom)
	assert.NotEmpty(t, cache.all())
	assert.Equal(t, []bool{true}, metrics.invalidations)
	assert.Equal(t, []bool{false, false, false}, metrics.notifications)
}

func TestPostCommitCoordinator_NilDependencies(t *testing.T) {
	c := NewPostCommitCoordinator(nil, nil, bookTags)
	assert.NoError(t, c.OnBatchCommitted(context.Background(), sampleBatch()))
}

func TestPostCommitCoordinator_CustomTags(t *testing.T) {
	cache := &recordingInvalidator{}
	mapping := TagMapping{
		"book-stats": {
			Entity: "book-statistics",
			Tags: func(tenantID string, change DocumentChange) []string {
				return []string{CacheTag(tenantID, "book-statistics")}
			},
		},
	}
	c := NewPostCommitCoordinator(cache, nil, mapping)

	batch := sampleBatch()
	batch.Projection = "book-stats"
	require.NoError(t, c.OnBatchCommitted(context.Background(), batch))
	assert.Equal(t, []string{"acme:book-statistics"}, cache.all(), "tags are deduplicated")
}

func TestTagMapping_Validate(t *testing.T) {
	mapping := TagMapping{
		"book-list": {Entity: "book"},
		"authors":   {},
	}
	assert.NoError(t, mapping.Validate("book-list"))

	err := mapping.Validate("book-list", "authors", "book-stats")
	require.ErrorIs(t, err, ErrTagMappingIncomplete)
	assert.Contains(t, err.Error(), "authors, book-stats")
}

func TestCacheTag(t *testing.T) {
	assert.Equal(t, "acme:book:1", CacheTag("acme", "book", "1"))
	assert.Equal(t,
		[]string{"acme:book:1", "acme:book-list"},
		EntityTags("book")("acme", DocumentChange{ID: "1"}),
	)
}

func TestPostCommitCoordinator_WiredToEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	cache := &recordingInvalidator{}
	notifier := &recordingNotifier{}
	coordinator := NewPostCommitCoordinator(cache, notifier, bookTags)
	engine := newTestEngine(t, f, newBookListProjection(), WithBatchObserver(coordinator))
	rebuilder := NewProjectionRebuilder(engine)

	f.appendBook("acme", "1", "Dune", 10)
	_, err := engine.CatchUp(ctx, "book-list", "acme")
	require.NoError(t, err)
	require.Len(t, notifier.all(), 1)
	assert.Equal(t, ChangeCreated, notifier.all()[0].Kind)

	require.NoError(t, rebuilder.Rebuild(ctx, "book-list", "acme"))
	assert.Len(t, notifier.all(), 1, "a rebuild sends no notifications")
}

type recordingCoordinatorMetrics struct {
	invalidations []bool
	notifications []bool
}

func (m *recordingCoordinatorMetrics) RecordInvalidation(projection string, tags int, success bool) {
	m.invalidations = append(m.invalidations, success)
}

func (m *recordingCoordinatorMetrics) RecordNotification(projection string, kind ChangeKind, success bool) {
	m.notifications = append(m.notifications, success)
}

func TestNotifiers_FanOut(t *testing.T) {
	first := &recordingNotifier{}
	boom := errors.New("closed")
	second := &recordingNotifier{err: boom}
	third := &recordingNotifier{}

	err := Notifiers{first, second, third}.Publish(context.Background(), EntityChanged{ID: "1"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.all(), 1)
	assert.Len(t, third.all(), 1, "later notifiers still run")
}
