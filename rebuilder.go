package bookstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProjectionRebuilder rebuilds a projection for one tenant from scratch.
//
// Events are replayed into a fresh document generation while reads keep using
// the active one. When the replay reaches the head of the tenant log the
// checkpoint is pointed at the new generation and the old generation is
// dropped in one step. The live worker is paused for the duration and no
// post-commit processing happens for replayed batches.
type ProjectionRebuilder struct {
	engine    *ProjectionEngine
	logger    Logger
	metrics   ProjectionMetrics
	cache     TagInvalidator
	batchSize int
}

// ProjectionRebuilderOption configures a ProjectionRebuilder.
type ProjectionRebuilderOption func(*ProjectionRebuilder)

// WithRebuilderBatchSize sets the batch size for rebuilding.
func WithRebuilderBatchSize(size int) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.batchSize = size
	}
}

// WithRebuilderLogger sets the logger for the rebuilder.
func WithRebuilderLogger(logger Logger) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.logger = logger
	}
}

// WithRebuilderMetrics sets the metrics collector for the rebuilder.
func WithRebuilderMetrics(metrics ProjectionMetrics) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.metrics = metrics
	}
}

// WithRebuilderCache drops cached reads of a projection once a rebuild
// activates its new generation.
func WithRebuilderCache(cache TagInvalidator) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.cache = cache
	}
}

// NewProjectionRebuilder creates a new projection rebuilder for the engine's projections.
func NewProjectionRebuilder(engine *ProjectionEngine, opts ...ProjectionRebuilderOption) *ProjectionRebuilder {
	r := &ProjectionRebuilder{
		engine:    engine,
		logger:    engine.logger,
		metrics:   engine.metrics,
		batchSize: 1000,
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.batchSize <= 0 {
		r.batchSize = 1000
	}

	return r
}

// RebuildProgress tracks the progress of a projection rebuild.
type RebuildProgress struct {
	// ProjectionName is the name of the projection being rebuilt.
	ProjectionName string

	// TenantID is the tenant being rebuilt.
	TenantID string

	// Generation is the generation being built.
	Generation int64

	// TotalEvents is the head position of the tenant log when the rebuild started.
	TotalEvents uint64

	// ProcessedEvents is the number of events read so far.
	ProcessedEvents uint64

	// CurrentPosition is the last replayed global position.
	CurrentPosition uint64

	// StartedAt is when the rebuild started.
	StartedAt time.Time

	// Duration is the elapsed time.
	Duration time.Duration

	// EventsPerSecond is the processing rate.
	EventsPerSecond float64

	// Completed indicates if the rebuild is complete.
	Completed bool

	// Error contains any error that occurred.
	Error error
}

// ProgressCallback is called periodically during rebuild with progress updates.
type ProgressCallback func(progress RebuildProgress)

// RebuildOptions configures a projection rebuild.
type RebuildOptions struct {
	// ProgressCallback is called periodically with progress updates.
	ProgressCallback ProgressCallback

	// ProgressInterval is how often to call the progress callback.
	// Default: 1 second
	ProgressInterval time.Duration
}

// DefaultRebuildOptions returns the default rebuild options.
func DefaultRebuildOptions() RebuildOptions {
	return RebuildOptions{
		ProgressInterval: time.Second,
	}
}

// Rebuild replays the tenant's events into a new generation of the projection
// and activates it. It returns ErrRebuildInProgress when the projection is
// already being rebuilt for the tenant.
func (r *ProjectionRebuilder) Rebuild(ctx context.Context, projectionName, tenantID string, opts ...RebuildOptions) error {
	options := DefaultRebuildOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	if tenantID == "" {
		return ErrTenantRequired
	}
	projection, err := r.engine.Projection(projectionName)
	if err != nil {
		return err
	}
	worker, err := r.engine.worker(projectionName, tenantID)
	if err != nil {
		return err
	}
	if err := worker.pause(); err != nil {
		return err
	}

	cp, err := r.replay(ctx, projection, tenantID, options)
	if err != nil {
		r.abort(projectionName, tenantID, worker, err)
		return err
	}

	worker.unpause(cp)
	return nil
}

func (r *ProjectionRebuilder) replay(ctx context.Context, projection Projection, tenantID string, options RebuildOptions) (*Checkpoint, error) {
	e := r.engine
	name := projection.Name()
	startTime := time.Now()

	current, err := e.docs.GetCheckpoint(ctx, name, tenantID)
	if err != nil {
		return nil, err
	}
	target := Collection{TenantID: tenantID, Projection: name, Generation: current.Generation + 1}

	// A crashed rebuild may have left documents in the target generation.
	if err := e.docs.DropCollection(ctx, target); err != nil {
		return nil, err
	}
	if err := e.docs.SaveCheckpointState(ctx, name, tenantID, string(ProjectionStateRebuilding), ""); err != nil {
		return nil, err
	}

	r.logger.Info("Starting projection rebuild",
		"projection", name,
		"tenant", tenantID,
		"generation", target.Generation,
	)

	head, _ := e.store.GetLastPosition(ctx, tenantID)
	progress := RebuildProgress{
		ProjectionName: name,
		TenantID:       tenantID,
		Generation:     target.Generation,
		TotalEvents:    head,
		StartedAt:      startTime,
	}
	report := func(completed bool) {
		if options.ProgressCallback == nil {
			return
		}
		progress.Duration = time.Since(startTime)
		if secs := progress.Duration.Seconds(); secs > 0 {
			progress.EventsPerSecond = float64(progress.ProcessedEvents) / secs
		}
		progress.Completed = completed
		options.ProgressCallback(progress)
	}

	var progressTicker *time.Ticker
	if options.ProgressCallback != nil && options.ProgressInterval > 0 {
		progressTicker = time.NewTicker(options.ProgressInterval)
		defer progressTicker.Stop()
	}

	replayCtx := WithReplay(WithTenantID(ctx, tenantID))
	var position uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if progressTicker != nil {
			select {
			case <-progressTicker.C:
				report(false)
			default:
			}
		}

		events, err := e.store.ReadAll(replayCtx, tenantID, position, r.batchSize)
		if err != nil {
			return nil, fmt.Errorf("bookstore: failed to read events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		start := time.Now()
		view := newBatchView(e.docs, target)
		applied, err := e.applyBatch(replayCtx, projection, view, events)
		if err != nil {
			return nil, err
		}
		if err := e.docs.CommitBatch(replayCtx, target, view.writes(), nil); err != nil {
			return nil, fmt.Errorf("bookstore: failed to commit rebuild batch: %w", err)
		}
		r.metrics.RecordBatchProcessed(name, tenantID, applied, time.Since(start), true)

		position = events[len(events)-1].GlobalPosition
		progress.CurrentPosition = position
		progress.ProcessedEvents += uint64(len(events))
	}

	next := &Checkpoint{
		Projection: name,
		TenantID:   tenantID,
		Position:   position,
		Generation: target.Generation,
		State:      string(ProjectionStateCatchingUp),
	}
	if err := e.docs.ActivateGeneration(ctx, next); err != nil {
		return nil, fmt.Errorf("bookstore: failed to activate generation %d: %w", target.Generation, err)
	}
	if r.cache != nil {
		// The cut-over is durable, so the invalidation must not be cancelled with the rebuild.
		if err := r.cache.InvalidateByTag(context.WithoutCancel(ctx), ProjectionTag(tenantID, name)); err != nil {
			r.logger.Warn("Failed to invalidate cached reads after rebuild",
				"projection", name,
				"tenant", tenantID,
				"error", err,
			)
		}
	}

	report(true)
	r.logger.Info("Projection rebuild completed",
		"projection", name,
		"tenant", tenantID,
		"generation", target.Generation,
		"events", progress.ProcessedEvents,
		"duration", time.Since(startTime),
	)
	return next, nil
}

// abort drops the partial generation and returns the worker to the state
// the failure calls for. The active generation is left untouched.
func (r *ProjectionRebuilder) abort(projection, tenantID string, worker *projectionWorker, cause error) {
	e := r.engine
	ctx := context.Background()

	r.logger.Error("Projection rebuild failed", "projection", projection, "tenant", tenantID, "error", cause)
	r.metrics.RecordError(projection, tenantID, cause)

	if cp, err := e.docs.GetCheckpoint(ctx, projection, tenantID); err == nil {
		target := Collection{TenantID: tenantID, Projection: projection, Generation: cp.Generation + 1}
		if err := e.docs.DropCollection(ctx, target); err != nil {
			r.logger.Warn("Failed to drop partial generation", "projection", projection, "tenant", tenantID, "error", err)
		}
	}

	var applyErr *ProjectionApplyError
	if errors.As(cause, &applyErr) {
		worker.fault(ctx, applyErr)
		return
	}
	if err := e.docs.SaveCheckpointState(ctx, projection, tenantID, string(ProjectionStateCatchingUp), ""); err != nil {
		r.logger.Warn("Failed to restore checkpoint state", "projection", projection, "tenant", tenantID, "error", err)
	}
	worker.unpause(nil)
}

// RebuildAll rebuilds every registered projection for the tenant, running up
// to concurrency rebuilds at a time. It returns the first error.
func (r *ProjectionRebuilder) RebuildAll(ctx context.Context, tenantID string, concurrency int, opts ...RebuildOptions) error {
	if concurrency < 1 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, name := range r.engine.Projections() {
		name := name
		g.Go(func() error {
			if err := r.Rebuild(ctx, name, tenantID, opts...); err != nil {
				return fmt.Errorf("bookstore: failed to rebuild %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
