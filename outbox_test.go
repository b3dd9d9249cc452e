package bookstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalmada/BookStore-sub002/adapters/memory"
)

func bookChanged(id string) EntityChanged {
	return EntityChanged{TenantID: "acme", Entity: "book", ID: id, Kind: ChangeUpdated, Version: 3, ETag: `"3"`, Projection: "book-list"}
}

func TestOutboxNotifier_Routes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	notifier := NewOutboxNotifier(store, []OutboxRoute{
		{Destination: "webhook:https://hooks.example.com/all"},
		{Entities: []string{"book"}, Destination: "kafka:books"},
		{Entities: []string{"author"}, Destination: "kafka:authors"},
		{
			Destination: "sns:arn:aws:sns:eu-west-1:1:deleted",
			Filter:      func(e EntityChanged) bool { return e.Kind == ChangeDeleted },
		},
	}, WithOutboxMaxAttempts(3))

	require.NoError(t, notifier.Publish(ctx, bookChanged("1")))

	messages := store.Messages("acme")
	require.Len(t, messages, 2)
	destinations := []string{messages[0].Destination, messages[1].Destination}
	assert.ElementsMatch(t, []string{"webhook:https://hooks.example.com/all", "kafka:books"}, destinations)

	msg := messages[0]
	assert.Equal(t, "EntityChanged", msg.EventType)
	assert.Equal(t, "1", msg.AggregateID)
	assert.Equal(t, 3, msg.MaxAttempts)
	assert.Equal(t, "book", msg.Headers["entity"])
	assert.Equal(t, "3", msg.Headers["version"])
	assert.JSONEq(t, `{
		"tenantId":"acme","entity":"book","id":"1","kind":"updated","version":3,
		"etag":"\"3\"","projection":"book-list","position":0,"occurredAt":"0001-01-01T00:00:00Z"
	}`, string(msg.Payload))
}

func TestOutboxNotifier_NoMatchingRoute(t *testing.T) {
	store := memory.NewOutboxStore()
	notifier := NewOutboxNotifier(store, []OutboxRoute{{Entities: []string{"author"}, Destination: "kafka:authors"}})

	require.NoError(t, notifier.Publish(context.Background(), bookChanged("1")))
	assert.Zero(t, store.Count())
}

func TestOutboxNotifier_EncodeError(t *testing.T) {
	store := memory.NewOutboxStore()
	boom := errors.New("encode")
	notifier := NewOutboxNotifier(store, []OutboxRoute{{
		Destination: "kafka:books",
		Encode:      func(EntityChanged) ([]byte, error) { return nil, boom },
	}})

	assert.ErrorIs(t, notifier.Publish(context.Background(), bookChanged("1")), boom)
	assert.Zero(t, store.Count())
}

// fakePublisher records published messages and fails while err is set.
type fakePublisher struct {
	mu        sync.Mutex
	dest      string
	published []*OutboxMessage
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, messages []*OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, messages...)
	return nil
}

func (p *fakePublisher) Destination() string { return p.dest }

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestOutboxProcessor_ProcessBatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	kafka := &fakePublisher{dest: "kafka"}
	processor := NewOutboxProcessor(store, WithPublisher(kafka))
	notifier := NewOutboxNotifier(store, []OutboxRoute{
		{Destination: "kafka:books"},
		{Destination: "ftp:archive"},
	})

	require.NoError(t, notifier.Publish(ctx, bookChanged("1")))
	require.NoError(t, notifier.Publish(ctx, bookChanged("2")))
	require.NoError(t, processor.processBatch(ctx))

	assert.Equal(t, 2, kafka.count())
	counts := store.CountByStatus()
	assert.Equal(t, 2, counts[OutboxCompleted])
	assert.Equal(t, 2, counts[OutboxFailed], "messages without a publisher fail")
}

func TestOutboxProcessor_RetryAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	kafka := &fakePublisher{dest: "kafka", err: errors.New("broker unavailable")}
	logger := newTestLogger()
	processor := NewOutboxProcessor(store, WithPublisher(kafka), WithMaxRetries(2), WithProcessorLogger(logger))
	notifier := NewOutboxNotifier(store, []OutboxRoute{{Destination: "kafka:books"}})
	require.NoError(t, notifier.Publish(ctx, bookChanged("1")))

	require.NoError(t, processor.processBatch(ctx))
	assert.Equal(t, 1, store.CountByStatus()[OutboxFailed])
	assert.Contains(t, logger.warnings(), "Outbox publish failed")

	processor.runMaintenance(ctx)
	assert.Equal(t, 1, store.CountByStatus()[OutboxPending], "retried below max attempts")

	require.NoError(t, processor.processBatch(ctx))
	processor.runMaintenance(ctx)
	dead, err := store.GetDeadLetterMessages(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "broker unavailable", dead[0].LastError)
}

func TestOutboxProcessor_TenantsShareEachPoll(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	kafka := &fakePublisher{dest: "kafka"}
	processor := NewOutboxProcessor(store, WithPublisher(kafka), WithBatchSize(4))
	notifier := NewOutboxNotifier(store, []OutboxRoute{{Destination: "kafka:books"}})

	for i := 0; i < 10; i++ {
		require.NoError(t, notifier.Publish(ctx, bookChanged(fmt.Sprintf("a%d", i))))
	}
	globex := bookChanged("g1")
	globex.TenantID = "globex"
	require.NoError(t, notifier.Publish(ctx, globex))

	require.NoError(t, processor.processBatch(ctx))
	perTenant := map[string]int{}
	for _, msg := range kafka.published {
		perTenant[msg.TenantID]++
	}
	assert.Equal(t, map[string]int{"acme": 2, "globex": 1}, perTenant, "a backlog in one tenant does not hold back another")

	require.NoError(t, processor.processBatch(ctx))
	assert.Equal(t, 7, kafka.count(), "a lone tenant gets the whole batch")
}

func TestOutboxProcessor_FailingTenantDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	kafka := &fakePublisher{dest: "kafka"}
	metrics := &recordingOutboxMetrics{}
	processor := NewOutboxProcessor(store, WithPublisher(kafka), WithOutboxMetrics(metrics), WithMaxRetries(1))

	require.NoError(t, store.Schedule(ctx, []*OutboxMessage{
		{TenantID: "acme", AggregateID: "1", EventType: "EntityChanged", Destination: "ftp:archive", Payload: []byte(`{}`)},
		{TenantID: "globex", AggregateID: "2", EventType: "EntityChanged", Destination: "kafka:books", Payload: []byte(`{}`)},
	}))
	require.NoError(t, processor.processBatch(ctx))
	assert.Equal(t, 1, kafka.count())

	processor.runMaintenance(ctx)
	assert.Equal(t, map[string]int64{"acme": 1}, metrics.deadLettered)
	assert.Equal(t, []string{"acme"}, metrics.failedTenants)

	require.NoError(t, store.Schedule(ctx, []*OutboxMessage{
		{TenantID: "globex", AggregateID: "3", EventType: "EntityChanged", Destination: "kafka:books", Payload: []byte(`{}`)},
	}))
	processor.runMaintenance(ctx)
	assert.Equal(t, int64(1), metrics.pending["globex"])
	require.NoError(t, processor.processBatch(ctx))
	processor.runMaintenance(ctx)
	assert.Equal(t, int64(0), metrics.pending["globex"], "the gauge drops back once the tenant is drained")
}

type recordingOutboxMetrics struct {
	noopOutboxMetrics
	failedTenants []string
	deadLettered  map[string]int64
	pending       map[string]int64
}

func (m *recordingOutboxMetrics) RecordMessageFailed(tenantID, destination string) {
	m.failedTenants = append(m.failedTenants, tenantID)
}

func (m *recordingOutboxMetrics) RecordMessagesDeadLettered(tenantID string, count int64) {
	if m.deadLettered == nil {
		m.deadLettered = map[string]int64{}
	}
	m.deadLettered[tenantID] += count
}

func (m *recordingOutboxMetrics) RecordPendingMessages(tenantID string, count int64) {
	if m.pending == nil {
		m.pending = map[string]int64{}
	}
	m.pending[tenantID] = count
}

func TestOutboxProcessor_StartStop(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	kafka := &fakePublisher{dest: "kafka"}
	processor := NewOutboxProcessor(store, WithPublisher(kafka), WithPollInterval(10*time.Millisecond))

	require.NoError(t, processor.Start(ctx))
	assert.ErrorIs(t, processor.Start(ctx), ErrOutboxProcessorRunning)

	notifier := NewOutboxNotifier(store, []OutboxRoute{{Destination: "kafka:books"}})
	require.NoError(t, notifier.Publish(ctx, bookChanged("1")))
	assert.Eventually(t, func() bool { return kafka.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, processor.Stop(stopCtx))
	assert.False(t, processor.IsRunning())
}

func TestOutbox_CoordinatorEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	outbox := memory.NewOutboxStore()
	kafka := &fakePublisher{dest: "kafka"}
	notifier := NewOutboxNotifier(outbox, []OutboxRoute{{Entities: []string{"book"}, Destination: "kafka:books"}})
	coordinator := NewPostCommitCoordinator(&recordingInvalidator{}, notifier, bookTags)
	engine := newTestEngine(t, f, newBookListProjection(), WithBatchObserver(coordinator))
	processor := NewOutboxProcessor(outbox, WithPublisher(kafka))

	f.appendBook("acme", "1", "Dune", 10)
	_, err := engine.CatchUp(ctx, "book-list", "acme")
	require.NoError(t, err)
	require.NoError(t, processor.processBatch(ctx))

	require.Equal(t, 1, kafka.count())
	assert.Equal(t, "created", kafka.published[0].Headers["kind"])
}

func TestDestinationPrefix(t *testing.T) {
	assert.Equal(t, "webhook", destinationPrefix("webhook:https://example.com"))
	assert.Equal(t, "kafka", destinationPrefix("kafka"))
	assert.Equal(t, ":x", destinationPrefix(":x"))
}
