package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/adapters"
	"github.com/aalmada/BookStore-sub002/adapters/memory"
)

type changePrice struct {
	id string
}

func (c changePrice) AggregateID() string   { return c.id }
func (c changePrice) AggregateType() string { return "Book" }
func (c changePrice) CommandType() string   { return "ChangeBookPrice" }
func (c changePrice) Validate() error       { return nil }

type priceChanged struct {
	Price float64 `json:"price"`
}

func newTestTracer() (*Tracer, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return NewTracer(WithTracerProvider(tp), WithServiceName("test")), exporter
}

func attrs(span tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(span.Attributes))
	for _, kv := range span.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestNewTracer(t *testing.T) {
	tracer := NewTracer()
	assert.Equal(t, DefaultServiceName, tracer.ServiceName())

	tracer = NewTracer(WithServiceName("api"))
	assert.Equal(t, "api", tracer.ServiceName())
}

func TestTracer_StartSpanCarriesScope(t *testing.T) {
	tracer, exporter := newTestTracer()
	ctx := bookstore.WithTenantID(context.Background(), "acme")
	ctx = bookstore.WithCorrelationID(ctx, "corr-1")

	_, span := tracer.StartSpan(ctx, "work")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	a := attrs(spans[0])
	assert.Equal(t, "test", a[AttrService].AsString())
	assert.Equal(t, "acme", a[AttrTenant].AsString())
	assert.Equal(t, "corr-1", a[AttrCorrelationID].AsString())
	_, hasCausation := a[AttrCausationID]
	assert.False(t, hasCausation)
}

func TestCommandMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		result  bookstore.CommandResult
		err     error
		status  codes.Code
		version int64
	}{
		{name: "success", result: bookstore.NewSuccessResult("1", 4), status: codes.Ok, version: 4},
		{name: "error result", result: bookstore.NewErrorResult(bookstore.ErrValidationFailed), status: codes.Error},
		{name: "error", err: bookstore.NewPreconditionFailedError("acme", "Book-1", 1, 2), status: codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, exporter := newTestTracer()
			handler := CommandMiddleware(tracer)(func(ctx context.Context, cmd bookstore.Command) (bookstore.CommandResult, error) {
				return tt.result, tt.err
			})

			ctx := bookstore.WithTenantID(context.Background(), "acme")
			_, err := handler(ctx, changePrice{id: "1"})
			assert.Equal(t, tt.err, err)

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, "command.ChangeBookPrice", spans[0].Name)
			assert.Equal(t, tt.status, spans[0].Status.Code)

			a := attrs(spans[0])
			assert.Equal(t, "ChangeBookPrice", a[AttrCommandType].AsString())
			assert.Equal(t, "1", a[AttrAggregateID].AsString())
			assert.Equal(t, "acme", a[AttrTenant].AsString())
			if tt.status == codes.Ok {
				assert.Equal(t, tt.version, a["bookstore.result.version"].AsInt64())
			} else {
				assert.NotEmpty(t, spans[0].Events, "error is recorded")
			}
		})
	}
}

func TestEventStoreMiddleware(t *testing.T) {
	ctx := context.Background()
	tracer, exporter := newTestTracer()
	wrapped := NewEventStoreMiddleware(memory.NewAdapter(), tracer)
	_, listens := wrapped.(adapters.AppendListener)
	assert.True(t, listens)

	store := bookstore.New(wrapped)
	store.RegisterEvents(priceChanged{})

	_, err := store.Append(ctx, "acme", "Book-1", bookstore.NoStream, priceChanged{Price: 10})
	require.NoError(t, err)
	_, err = store.Append(ctx, "acme", "Book-1", bookstore.NoStream, priceChanged{Price: 12})
	require.ErrorIs(t, err, bookstore.ErrStreamCollision)
	_, err = store.Load(ctx, "acme", "Book-1")
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	assert.Equal(t, "eventstore.append", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	a := attrs(spans[0])
	assert.Equal(t, "acme", a[AttrTenant].AsString())
	assert.Equal(t, "Book-1", a[AttrStreamID].AsString())
	assert.Equal(t, []string{"priceChanged"}, a["bookstore.events.types"].AsStringSlice())
	assert.Equal(t, int64(1), a["bookstore.stored.version"].AsInt64())

	assert.Equal(t, codes.Error, spans[1].Status.Code)

	assert.Equal(t, "eventstore.load", spans[2].Name)
	assert.Equal(t, int64(1), attrs(spans[2])["bookstore.events.loaded"].AsInt64())
}

type observerFunc func(ctx context.Context, batch bookstore.CommittedBatch) error

func (f observerFunc) OnBatchCommitted(ctx context.Context, batch bookstore.CommittedBatch) error {
	return f(ctx, batch)
}

func TestTraceBatchObserver(t *testing.T) {
	tracer, exporter := newTestTracer()
	boom := errors.New("cache down")
	calls := 0
	observer := TraceBatchObserver(observerFunc(func(ctx context.Context, batch bookstore.CommittedBatch) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}), tracer)

	batch := bookstore.CommittedBatch{
		Projection:   "book-search",
		TenantID:     "acme",
		FromPosition: 1,
		ToPosition:   3,
		Changes:      []bookstore.DocumentChange{{ID: "1", Kind: bookstore.ChangeUpdated, Version: 2}},
	}
	require.NoError(t, observer.OnBatchCommitted(context.Background(), batch))
	require.ErrorIs(t, observer.OnBatchCommitted(context.Background(), batch), boom)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "postcommit.book-search", spans[0].Name)
	a := attrs(spans[0])
	assert.Equal(t, "acme", a[AttrTenant].AsString())
	assert.Equal(t, int64(3), a["bookstore.batch.to_position"].AsInt64())
	assert.Equal(t, int64(1), a["bookstore.batch.changes"].AsInt64())
	assert.False(t, a["bookstore.batch.replay"].AsBool())
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}

func TestSetup(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(SetupConfig{ServiceName: "bookstore", Output: &buf, SampleRatio: 1})
	require.NoError(t, err)

	_, span := NewTracer().StartSpan(context.Background(), "setup-check")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "setup-check")
}

func TestSpanHelpers(t *testing.T) {
	tracer, exporter := newTestTracer()
	ctx, span := tracer.StartSpan(context.Background(), "helpers")
	AddEvent(ctx, "checkpoint")
	SetError(ctx, errors.New("failed"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	require.Len(t, spans[0].Events, 2)
	assert.Equal(t, "checkpoint", spans[0].Events[0].Name)
}
