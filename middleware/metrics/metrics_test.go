package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/adapters"
	"github.com/aalmada/BookStore-sub002/adapters/memory"
)

type addBook struct{}

func (addBook) CommandType() string { return "AddBook" }
func (addBook) Validate() error     { return nil }

func TestNew(t *testing.T) {
	m := New()
	assert.Equal(t, "bookstore", m.namespace)
	assert.Equal(t, "unknown", m.serviceName)

	m = New(WithNamespace("shop"), WithSubsystem("catalog"), WithMetricsServiceName("api"))
	assert.Equal(t, "shop", m.namespace)
	assert.Equal(t, "catalog", m.subsystem)
	assert.Equal(t, "api", m.serviceName)
}

func TestMetrics_Register(t *testing.T) {
	m := New()
	registry := prometheus.NewRegistry()
	require.NoError(t, m.Register(registry))
	assert.Error(t, m.Register(registry), "double registration fails")
	assert.Len(t, m.Collectors(), 23)
}

func TestMetrics_CommandMiddleware(t *testing.T) {
	m := New(WithMetricsServiceName("svc"))

	ok := m.CommandMiddleware()(func(ctx context.Context, cmd bookstore.Command) (bookstore.CommandResult, error) {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsInFlight.WithLabelValues("svc", "AddBook")))
		return bookstore.NewSuccessResult("1", 1), nil
	})
	_, err := ok(context.Background(), addBook{})
	require.NoError(t, err)

	conflict := m.CommandMiddleware()(func(ctx context.Context, cmd bookstore.Command) (bookstore.CommandResult, error) {
		return bookstore.CommandResult{}, bookstore.NewPreconditionFailedError("acme", "Book-1", 1, 2)
	})
	_, err = conflict(context.Background(), addBook{})
	require.Error(t, err)

	failed := m.CommandMiddleware()(func(ctx context.Context, cmd bookstore.Command) (bookstore.CommandResult, error) {
		return bookstore.NewErrorResult(bookstore.ErrValidationFailed), nil
	})
	_, err = failed(context.Background(), addBook{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsTotal.WithLabelValues("svc", "AddBook", StatusSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.commandsTotal.WithLabelValues("svc", "AddBook", StatusError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("svc", "precondition_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("svc", "validation_failed")))
	assert.Zero(t, testutil.ToFloat64(m.commandsInFlight.WithLabelValues("svc", "AddBook")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.commandDuration))
}

func TestErrorTypeName(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{bookstore.NewConcurrencyError("acme", "Book-1", 1, 2), "concurrency_conflict"},
		{bookstore.NewStreamCollisionError("acme", "Book-1", 1), "stream_collision"},
		{bookstore.ErrPreconditionRequired, "precondition_required"},
		{bookstore.ErrTenantRequired, "tenant_required"},
		{bookstore.NewHandlerNotFoundError("AddBook"), "handler_not_found"},
		{bookstore.NewUnknownEventTypeError("X"), "unknown_event_type"},
		{bookstore.ErrCommandAlreadyProcessed, "command_already_processed"},
		{adapters.ErrAdapterClosed, "adapter_closed"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("other"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, errorTypeName(tt.err))
		})
	}
}

func TestMetrics_EngineHooks(t *testing.T) {
	m := New(WithMetricsServiceName("svc"))

	m.RecordBatchProcessed("book-search", "acme", 5, 10*time.Millisecond, true)
	m.RecordBatchProcessed("book-search", "acme", 5, time.Millisecond, false)
	m.RecordCheckpoint("book-search", "acme", 40, 2)
	m.RecordError("book-search", "acme", bookstore.ErrProjectionApply)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.projectionEventsTotal.WithLabelValues("svc", "book-search")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.projectionBatchesTotal.WithLabelValues("svc", "book-search", StatusError)))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.projectionCheckpoint.WithLabelValues("svc", "book-search", "acme")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.projectionLag.WithLabelValues("svc", "book-search", "acme")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("svc", "projection_apply")))

	m.RecordInvalidation("book-search", 3, true)
	m.RecordInvalidation("book-search", 3, false)
	m.RecordNotification("book-search", bookstore.ChangeDeleted, true)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.invalidatedTags.WithLabelValues("svc", "book-search")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invalidationsTotal.WithLabelValues("svc", "book-search", StatusError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationsTotal.WithLabelValues("svc", "book-search", "deleted", StatusSuccess)))

	m.RecordMessageProcessed("acme", "webhook:https://hooks.example.com/a?token=x", true)
	m.RecordMessageFailed("globex", "kafka:books")
	m.RecordMessagesDeadLettered("globex", 2)
	m.RecordPendingMessages("acme", 7)
	m.RecordBatchDuration("acme", time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxMessagesTotal.WithLabelValues("svc", "acme", "webhook", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxFailedTotal.WithLabelValues("svc", "globex", "kafka")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outboxDeadLettered.WithLabelValues("svc", "globex")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.outboxPending.WithLabelValues("svc", "acme")))

	m.RecordDispatch("EndSale", "retried", time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchesTotal.WithLabelValues("svc", "EndSale", "retried")))
}

type bookAdded struct {
	BookID string `json:"bookId"`
}

func TestWrapEventStore(t *testing.T) {
	ctx := context.Background()
	m := New(WithMetricsServiceName("svc"))
	wrapped := m.WrapEventStore(memory.NewAdapter())
	_, listens := wrapped.(adapters.AppendListener)
	assert.True(t, listens, "memory adapter append notifications are kept")

	store := bookstore.New(wrapped)
	store.RegisterEvents(bookAdded{})

	_, err := store.Append(ctx, "acme", "Book-1", bookstore.NoStream, bookAdded{BookID: "1"})
	require.NoError(t, err)
	_, err = store.Append(ctx, "acme", "Book-1", bookstore.NoStream, bookAdded{BookID: "1"})
	require.ErrorIs(t, err, bookstore.ErrStreamCollision)

	_, err = store.Load(ctx, "acme", "Book-1")
	require.NoError(t, err)
	_, err = store.ReadAll(ctx, "acme", 0, 10)
	require.NoError(t, err)
	_, err = store.GetStreamInfo(ctx, "acme", "Book-2")
	require.ErrorIs(t, err, bookstore.ErrStreamNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventStoreOperationsTotal.WithLabelValues("svc", OperationAppend, StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventStoreOperationsTotal.WithLabelValues("svc", OperationAppend, StatusError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsAppendedTotal.WithLabelValues("svc", "bookAdded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsLoadedTotal.WithLabelValues("svc", OperationLoad)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsLoadedTotal.WithLabelValues("svc", OperationLoadFromPos)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventStoreOperationsTotal.WithLabelValues("svc", OperationGetStreamInfo, StatusSuccess)),
		"a missing stream is not an error of the lookup")
}
