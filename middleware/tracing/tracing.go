// Package tracing provides OpenTelemetry tracing for the bookstore engine.
//
//	shutdown, err := tracing.Setup(tracing.SetupConfig{ServiceName: "bookstore", Output: os.Stderr})
//	defer shutdown(ctx)
//
//	tracer := tracing.NewTracer()
//	bus.Use(tracing.CommandMiddleware(tracer))
//	store := bookstore.New(tracing.NewEventStoreMiddleware(adapter, tracer))
//	engine := bookstore.NewProjectionEngine(store, docs,
//		bookstore.WithBatchObserver(tracing.TraceBatchObserver(coordinator, tracer)))
//
// Spans carry the tenant, correlation and causation IDs of the request.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/adapters"
)

const (
	// TracerName is the instrumentation name of the bookstore tracer.
	TracerName = "github.com/aalmada/BookStore-sub002"

	// DefaultServiceName is the service attribute used when none is set.
	DefaultServiceName = "bookstore"
)

// Attribute keys.
const (
	AttrService       = attribute.Key("bookstore.service")
	AttrTenant        = attribute.Key("bookstore.tenant")
	AttrCorrelationID = attribute.Key("bookstore.correlation_id")
	AttrCausationID   = attribute.Key("bookstore.causation_id")
	AttrCommandType   = attribute.Key("bookstore.command.type")
	AttrAggregateID   = attribute.Key("bookstore.command.aggregate_id")
	AttrStreamID      = attribute.Key("bookstore.stream_id")
	AttrProjection    = attribute.Key("bookstore.projection")
)

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets the TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service attribute.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a Tracer on the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a span carrying the service and request scope of ctx.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	span.SetAttributes(AttrService.String(t.serviceName))
	if tenant := bookstore.TenantIDFromContext(ctx); tenant != "" {
		span.SetAttributes(AttrTenant.String(tenant))
	}
	if id := bookstore.CorrelationIDFromContext(ctx); id != "" {
		span.SetAttributes(AttrCorrelationID.String(id))
	}
	if id := bookstore.CausationIDFromContext(ctx); id != "" {
		span.SetAttributes(AttrCausationID.String(id))
	}
	return ctx, span
}

// ServiceName returns the service attribute value.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// =============================================================================
// Setup
// =============================================================================

// SetupConfig configures the global tracer provider.
type SetupConfig struct {
	ServiceName string
	// Output receives spans as JSON lines. Nil discards them.
	Output io.Writer
	// SampleRatio is the fraction of traces kept. Zero keeps all.
	SampleRatio float64
}

// Setup installs a global TracerProvider exporting to cfg.Output and
// returns its shutdown function.
func Setup(cfg SetupConfig) (func(context.Context) error, error) {
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// =============================================================================
// Commands
// =============================================================================

// CommandMiddleware traces command execution.
func CommandMiddleware(tracer *Tracer) bookstore.Middleware {
	return func(next bookstore.MiddlewareFunc) bookstore.MiddlewareFunc {
		return func(ctx context.Context, cmd bookstore.Command) (bookstore.CommandResult, error) {
			ctx, span := tracer.StartSpan(ctx, "command."+cmd.CommandType(),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(AttrCommandType.String(cmd.CommandType())),
			)
			defer span.End()

			if aggCmd, ok := cmd.(bookstore.AggregateCommand); ok && aggCmd.AggregateID() != "" {
				span.SetAttributes(AttrAggregateID.String(aggCmd.AggregateID()))
			}

			result, err := next(ctx, cmd)
			switch {
			case err != nil:
				finish(span, err)
			case result.IsError():
				finish(span, result.Error)
			default:
				finish(span, nil)
				span.SetAttributes(
					attribute.String("bookstore.result.aggregate_id", result.AggregateID),
					attribute.Int64("bookstore.result.version", result.Version),
				)
			}
			return result, err
		}
	}
}

// =============================================================================
// Event store
// =============================================================================

// EventStoreMiddleware wraps an EventStoreAdapter with tracing.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

var _ adapters.EventStoreAdapter = (*EventStoreMiddleware)(nil)

type listeningEventStore struct {
	*EventStoreMiddleware
	listener adapters.AppendListener
}

func (l *listeningEventStore) Listen(tenantID string) (<-chan struct{}, func()) {
	return l.listener.Listen(tenantID)
}

// NewEventStoreMiddleware wraps adapter with tracing. The result still
// implements adapters.AppendListener when adapter does.
func NewEventStoreMiddleware(adapter adapters.EventStoreAdapter, tracer *Tracer) adapters.EventStoreAdapter {
	m := &EventStoreMiddleware{adapter: adapter, tracer: tracer}
	if listener, ok := adapter.(adapters.AppendListener); ok {
		return &listeningEventStore{EventStoreMiddleware: m, listener: listener}
	}
	return m
}

func (m *EventStoreMiddleware) start(ctx context.Context, name, tenantID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := m.tracer.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(AttrTenant.String(tenantID))
	span.SetAttributes(attrs...)
	return ctx, span
}

// Append implements adapters.EventStoreAdapter.
func (m *EventStoreMiddleware) Append(ctx context.Context, tenantID, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	eventTypes := make([]string, len(events))
	for i, e := range events {
		eventTypes[i] = e.Type
	}
	ctx, span := m.start(ctx, "eventstore.append", tenantID,
		AttrStreamID.String(streamID),
		attribute.Int64("bookstore.expected_version", expectedVersion),
		attribute.StringSlice("bookstore.events.types", eventTypes),
	)
	defer span.End()

	stored, err := m.adapter.Append(ctx, tenantID, streamID, events, expectedVersion)
	finish(span, err)
	if err == nil && len(stored) > 0 {
		last := stored[len(stored)-1]
		span.SetAttributes(
			attribute.Int64("bookstore.stored.version", last.Version),
			attribute.Int64("bookstore.stored.global_position", int64(last.GlobalPosition)),
		)
	}
	return stored, err
}

// Load implements adapters.EventStoreAdapter.
func (m *EventStoreMiddleware) Load(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "eventstore.load", tenantID,
		AttrStreamID.String(streamID),
		attribute.Int64("bookstore.from_version", fromVersion),
	)
	defer span.End()

	events, err := m.adapter.Load(ctx, tenantID, streamID, fromVersion)
	finish(span, err)
	span.SetAttributes(attribute.Int("bookstore.events.loaded", len(events)))
	return events, err
}

// LoadFromPosition implements adapters.EventStoreAdapter.
func (m *EventStoreMiddleware) LoadFromPosition(ctx context.Context, tenantID string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "eventstore.load_from_position", tenantID,
		attribute.Int64("bookstore.from_position", int64(fromPosition)),
		attribute.Int("bookstore.limit", limit),
	)
	defer span.End()

	events, err := m.adapter.LoadFromPosition(ctx, tenantID, fromPosition, limit)
	finish(span, err)
	span.SetAttributes(attribute.Int("bookstore.events.loaded", len(events)))
	return events, err
}

// GetStreamInfo implements adapters.EventStoreAdapter.
func (m *EventStoreMiddleware) GetStreamInfo(ctx context.Context, tenantID, streamID string) (*adapters.StreamInfo, error) {
	ctx, span := m.start(ctx, "eventstore.get_stream_info", tenantID, AttrStreamID.String(streamID))
	defer span.End()

	info, err := m.adapter.GetStreamInfo(ctx, tenantID, streamID)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("bookstore.stream.version", info.Version))
	}
	return info, err
}

// GetLastPosition implements adapters.EventStoreAdapter.
func (m *EventStoreMiddleware) GetLastPosition(ctx context.Context, tenantID string) (uint64, error) {
	ctx, span := m.start(ctx, "eventstore.get_last_position", tenantID)
	defer span.End()

	pos, err := m.adapter.GetLastPosition(ctx, tenantID)
	finish(span, err)
	return pos, err
}

// Initialize implements adapters.EventStoreAdapter.
func (m *EventStoreMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.tracer.StartSpan(ctx, "eventstore.initialize", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	err := m.adapter.Initialize(ctx)
	finish(span, err)
	return err
}

// Close implements adapters.EventStoreAdapter.
func (m *EventStoreMiddleware) Close() error {
	return m.adapter.Close()
}

// =============================================================================
// Post-commit
// =============================================================================

type batchObserver struct {
	next   bookstore.BatchObserver
	tracer *Tracer
}

// TraceBatchObserver wraps a batch observer, usually the post-commit
// coordinator, with one span per committed batch.
func TraceBatchObserver(next bookstore.BatchObserver, tracer *Tracer) bookstore.BatchObserver {
	return &batchObserver{next: next, tracer: tracer}
}

func (o *batchObserver) OnBatchCommitted(ctx context.Context, batch bookstore.CommittedBatch) error {
	ctx, span := o.tracer.StartSpan(ctx, "postcommit."+batch.Projection,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrProjection.String(batch.Projection),
			AttrTenant.String(batch.TenantID),
			attribute.Int64("bookstore.batch.from_position", int64(batch.FromPosition)),
			attribute.Int64("bookstore.batch.to_position", int64(batch.ToPosition)),
			attribute.Int("bookstore.batch.changes", len(batch.Changes)),
			attribute.Bool("bookstore.batch.replay", batch.Replay),
		),
	)
	defer span.End()

	err := o.next.OnBatchCommitted(ctx, batch)
	finish(span, err)
	return err
}

// =============================================================================
// Span helpers
// =============================================================================

// AddEvent adds an event to the span of ctx.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError records err on the span of ctx.
func SetError(ctx context.Context, err error) {
	finish(trace.SpanFromContext(ctx), err)
}
