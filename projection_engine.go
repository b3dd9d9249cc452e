package bookstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// ProjectionEngine runs projections against the event store.
// It starts one worker per registered projection and tenant. Each worker
// reads the tenant log in global order from its checkpoint and commits the
// resulting document writes together with the new checkpoint.
type ProjectionEngine struct {
	store    *EventStore
	docs     adapters.ProjectionStoreAdapter
	observer BatchObserver
	metrics  ProjectionMetrics
	logger   Logger
	options  ProjectionOptions

	mu          sync.RWMutex
	projections map[string]Projection
	tenants     map[string]struct{}
	workers     map[workerKey]*projectionWorker

	running atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type workerKey struct {
	projection string
	tenantID   string
}

// BatchObserver is notified after a live batch of document writes is durable.
type BatchObserver interface {
	OnBatchCommitted(ctx context.Context, batch CommittedBatch) error
}

// ProjectionOptions configures projection workers.
type ProjectionOptions struct {
	// BatchSize is the maximum number of events read per batch.
	// Default: 100
	BatchSize int

	// PollInterval is how often an idle worker polls for new events when the
	// adapter cannot signal appends.
	// Default: 500ms
	PollInterval time.Duration

	// MaxBackoff caps the delay between retries of transient failures.
	// Default: 30s
	MaxBackoff time.Duration
}

// DefaultProjectionOptions returns the default projection options.
func DefaultProjectionOptions() ProjectionOptions {
	return ProjectionOptions{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
	}
}

// ProjectionEngineOption configures a ProjectionEngine.
type ProjectionEngineOption func(*ProjectionEngine)

// WithBatchObserver sets the observer of committed live batches.
func WithBatchObserver(o BatchObserver) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.observer = o
	}
}

// WithProjectionMetrics sets the metrics collector for the engine.
func WithProjectionMetrics(metrics ProjectionMetrics) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.metrics = metrics
	}
}

// WithProjectionLogger sets the logger for the engine.
func WithProjectionLogger(logger Logger) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.logger = logger
	}
}

// WithProjectionOptions sets the worker options.
func WithProjectionOptions(opts ProjectionOptions) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.options = opts
	}
}

// NewProjectionEngine creates a new ProjectionEngine.
func NewProjectionEngine(store *EventStore, docs adapters.ProjectionStoreAdapter, opts ...ProjectionEngineOption) *ProjectionEngine {
	e := &ProjectionEngine{
		store:       store,
		docs:        docs,
		metrics:     &noopProjectionMetrics{},
		logger:      &noopLogger{},
		options:     DefaultProjectionOptions(),
		projections: make(map[string]Projection),
		tenants:     make(map[string]struct{}),
		workers:     make(map[workerKey]*projectionWorker),
	}

	for _, opt := range opts {
		opt(e)
	}

	defaults := DefaultProjectionOptions()
	if e.options.BatchSize <= 0 {
		e.options.BatchSize = defaults.BatchSize
	}
	if e.options.PollInterval <= 0 {
		e.options.PollInterval = defaults.PollInterval
	}
	if e.options.MaxBackoff <= 0 {
		e.options.MaxBackoff = defaults.MaxBackoff
	}

	return e
}

// Register adds a projection. Projections are registered before Start.
func (e *ProjectionEngine) Register(projection Projection) error {
	if projection == nil {
		return ErrNilProjection
	}
	if projection.Name() == "" {
		return ErrEmptyProjectionName
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.projections[projection.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrProjectionAlreadyRegistered, projection.Name())
	}
	e.projections[projection.Name()] = projection
	for tenantID := range e.tenants {
		e.addWorkerLocked(projection, tenantID)
	}

	e.logger.Info("Registered projection", "name", projection.Name())
	return nil
}

// Projections returns the registered projection names, sorted.
func (e *ProjectionEngine) Projections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.projections))
	for name := range e.projections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Projection returns a registered projection by name.
func (e *ProjectionEngine) Projection(name string) (Projection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.projections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	return p, nil
}

// AddTenant starts running every projection for the tenant.
// Adding a tenant twice is a no-op.
func (e *ProjectionEngine) AddTenant(tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tenants[tenantID]; ok {
		return nil
	}
	e.tenants[tenantID] = struct{}{}
	for _, p := range e.projections {
		e.addWorkerLocked(p, tenantID)
	}

	e.logger.Info("Added tenant to projection engine", "tenant", tenantID)
	return nil
}

// Tenants returns the tenants the engine runs for, sorted.
func (e *ProjectionEngine) Tenants() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.tenants))
	for id := range e.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *ProjectionEngine) addWorkerLocked(projection Projection, tenantID string) {
	key := workerKey{projection.Name(), tenantID}
	w := &projectionWorker{
		engine:     e,
		projection: projection,
		tenantID:   tenantID,
		state:      ProjectionStateStopped,
		wake:       make(chan struct{}, 1),
	}
	e.workers[key] = w
	if e.running.Load() {
		e.wg.Add(1)
		go w.run(e.runCtx)
	}
}

// Start starts a worker for every (projection, tenant) pair.
func (e *ProjectionEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return ErrProjectionEngineAlreadyRunning
	}

	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.running.Store(true)

	for _, w := range e.workers {
		e.wg.Add(1)
		go w.run(e.runCtx)
	}

	e.logger.Info("Projection engine started", "workers", len(e.workers))
	return nil
}

// Stop stops every worker. In-flight batches are finished before their
// worker exits.
func (e *ProjectionEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return nil
	}
	e.running.Store(false)
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Projection engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the engine is running.
func (e *ProjectionEngine) IsRunning() bool {
	return e.running.Load()
}

func (e *ProjectionEngine) worker(projection, tenantID string) (*projectionWorker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	w, ok := e.workers[workerKey{projection, tenantID}]
	if !ok {
		if _, known := e.projections[projection]; !known {
			return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, projection)
		}
		return nil, fmt.Errorf("%w: %s for tenant %q", ErrProjectionNotFound, projection, tenantID)
	}
	return w, nil
}

// Status returns the status of one projection worker.
func (e *ProjectionEngine) Status(ctx context.Context, projection, tenantID string) (*ProjectionStatus, error) {
	w, err := e.worker(projection, tenantID)
	if err != nil {
		return nil, err
	}
	status := w.status()
	if last, err := e.store.GetLastPosition(ctx, tenantID); err == nil && last > status.Position {
		status.Lag = last - status.Position
	}
	return status, nil
}

// Statuses returns the status of every worker ordered by projection and tenant.
func (e *ProjectionEngine) Statuses(ctx context.Context) []*ProjectionStatus {
	e.mu.RLock()
	workers := make([]*projectionWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.RUnlock()

	heads := make(map[string]uint64)
	statuses := make([]*ProjectionStatus, 0, len(workers))
	for _, w := range workers {
		status := w.status()
		head, ok := heads[w.tenantID]
		if !ok {
			head, _ = e.store.GetLastPosition(ctx, w.tenantID)
			heads[w.tenantID] = head
		}
		if head > status.Position {
			status.Lag = head - status.Position
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Name == statuses[j].Name {
			return statuses[i].TenantID < statuses[j].TenantID
		}
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// GetCheckpoint returns the stored checkpoint of a projection for a tenant.
func (e *ProjectionEngine) GetCheckpoint(ctx context.Context, projection, tenantID string) (*Checkpoint, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if _, err := e.Projection(projection); err != nil {
		return nil, err
	}
	return e.docs.GetCheckpoint(ctx, projection, tenantID)
}

// Resume clears the faulted state of a worker so it retries the failed batch.
func (e *ProjectionEngine) Resume(ctx context.Context, projection, tenantID string) error {
	w, err := e.worker(projection, tenantID)
	if err != nil {
		return err
	}
	if err := e.docs.SaveCheckpointState(ctx, projection, tenantID, string(ProjectionStateCatchingUp), ""); err != nil {
		return err
	}
	w.resume()
	e.logger.Info("Resumed projection", "projection", projection, "tenant", tenantID)
	return nil
}

// ActiveCollection returns the collection reads should hit for a projection and tenant.
func (e *ProjectionEngine) ActiveCollection(ctx context.Context, projection, tenantID string) (Collection, error) {
	cp, err := e.GetCheckpoint(ctx, projection, tenantID)
	if err != nil {
		return Collection{}, err
	}
	return Collection{TenantID: tenantID, Projection: projection, Generation: cp.Generation}, nil
}

// CatchUp processes the pending events of one projection for a tenant on
// the calling goroutine and returns the number of events read. An apply
// error faults the worker and is returned.
func (e *ProjectionEngine) CatchUp(ctx context.Context, projection, tenantID string) (int, error) {
	w, err := e.worker(projection, tenantID)
	if err != nil {
		return 0, err
	}
	if !e.running.Load() {
		if err := w.readCheckpoint(ctx); err != nil {
			return 0, err
		}
	}

	var total int
	for {
		n, err := w.processBatch(ctx)
		if err != nil {
			var applyErr *ProjectionApplyError
			if errors.As(err, &applyErr) {
				w.fault(ctx, applyErr)
			}
			return total, err
		}
		total += n
		if n < e.options.BatchSize {
			w.mu.Lock()
			if w.state == ProjectionStateCatchingUp {
				w.state = ProjectionStateLive
			}
			w.mu.Unlock()
			return total, nil
		}
	}
}

// =============================================================================
// Batch application
// =============================================================================

// batchView stages the writes of one batch over the stored collection.
type batchView struct {
	docs       adapters.ProjectionStoreAdapter
	collection Collection
	staged     map[string]*Document
	existed    map[string]bool
	order      []string
}

var _ DocumentReader = (*batchView)(nil)

func newBatchView(docs adapters.ProjectionStoreAdapter, c Collection) *batchView {
	return &batchView{
		docs:       docs,
		collection: c,
		staged:     make(map[string]*Document),
		existed:    make(map[string]bool),
	}
}

// Get implements DocumentReader. Deleted documents come back as tombstones.
func (v *batchView) Get(ctx context.Context, id string) (*Document, error) {
	if doc, ok := v.staged[id]; ok {
		copied := *doc
		return &copied, nil
	}
	doc, err := v.docs.GetDocumentOrTombstone(ctx, v.collection, id)
	if err != nil && !errors.Is(err, ErrDocumentNotFound) {
		return nil, err
	}
	if _, seen := v.existed[id]; !seen {
		v.existed[id] = err == nil && !doc.Deleted
	}
	return doc, err
}

func (v *batchView) stage(ctx context.Context, writes []DocumentWrite) error {
	for _, w := range writes {
		if _, seen := v.existed[w.ID]; !seen {
			if _, err := v.Get(ctx, w.ID); err != nil && !errors.Is(err, ErrDocumentNotFound) {
				return err
			}
		}
		if _, ok := v.staged[w.ID]; !ok {
			v.order = append(v.order, w.ID)
		}
		v.staged[w.ID] = &Document{ID: w.ID, Version: w.Version, Data: w.Data, Deleted: w.Delete}
	}
	return nil
}

func (v *batchView) writes() []DocumentWrite {
	writes := make([]DocumentWrite, 0, len(v.order))
	for _, id := range v.order {
		doc := v.staged[id]
		if doc.Deleted {
			writes = append(writes, DocumentWrite{ID: id, Version: doc.Version, Delete: true})
			continue
		}
		writes = append(writes, DocumentWrite{ID: id, Version: doc.Version, Data: doc.Data})
	}
	return writes
}

func (v *batchView) changes() []DocumentChange {
	var changes []DocumentChange
	for _, id := range v.order {
		doc := v.staged[id]
		existed := v.existed[id]
		switch {
		case doc.Deleted && existed:
			changes = append(changes, DocumentChange{ID: id, Kind: ChangeDeleted})
		case doc.Deleted:
		case existed:
			changes = append(changes, DocumentChange{ID: id, Kind: ChangeUpdated, Version: doc.Version})
		default:
			changes = append(changes, DocumentChange{ID: id, Kind: ChangeCreated, Version: doc.Version})
		}
	}
	return changes
}

// applyBatch runs the projection over events, staging the writes in view.
// It returns the number of events the projection applied.
func (e *ProjectionEngine) applyBatch(ctx context.Context, projection Projection, view *batchView, events []StoredEvent) (int, error) {
	applied := 0
	for _, stored := range events {
		if !handlesEventType(projection.HandledEvents(), stored.Type) {
			continue
		}

		event, err := DeserializeEvent(e.store.Serializer(), stored)
		if errors.Is(err, ErrUnknownEventType) {
			e.logger.Warn("Skipping event of unknown type",
				"projection", projection.Name(),
				"tenant", stored.TenantID,
				"type", stored.Type,
				"position", stored.GlobalPosition,
			)
			continue
		}
		if err != nil {
			return applied, NewProjectionApplyError(projection.Name(), stored, err)
		}

		writes, err := safeProjectionApply(ctx, projection, view, event)
		if err != nil {
			return applied, NewProjectionApplyError(projection.Name(), stored, err)
		}
		if err := view.stage(ctx, writes); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func safeProjectionApply(ctx context.Context, projection Projection, docs DocumentReader, event Event) (writes []DocumentWrite, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
	}()
	return projection.Apply(ctx, docs, event)
}

// =============================================================================
// Workers
// =============================================================================

type projectionWorker struct {
	engine     *ProjectionEngine
	projection Projection
	tenantID   string

	// batchMu is held while a batch is read, applied and committed.
	batchMu sync.Mutex

	mu              sync.RWMutex
	state           ProjectionState
	position        uint64
	generation      int64
	eventsProcessed uint64
	lastProcessedAt time.Time
	lastError       error

	wake chan struct{}
}

func (w *projectionWorker) status() *ProjectionStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := &ProjectionStatus{
		Name:            w.projection.Name(),
		TenantID:        w.tenantID,
		State:           w.state,
		Position:        w.position,
		Generation:      w.generation,
		EventsProcessed: w.eventsProcessed,
		LastProcessedAt: w.lastProcessedAt,
	}
	if w.lastError != nil {
		status.Error = w.lastError.Error()
	}
	return status
}

func (w *projectionWorker) getState() ProjectionState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *projectionWorker) setState(state ProjectionState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *projectionWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *projectionWorker) resume() {
	w.mu.Lock()
	if w.state == ProjectionStateFaulted {
		w.state = ProjectionStateCatchingUp
		w.lastError = nil
	}
	w.mu.Unlock()
	w.signal()
}

// pause waits for the in-flight batch and parks the worker in the rebuilding state.
func (w *projectionWorker) pause() error {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == ProjectionStateRebuilding {
		return fmt.Errorf("%w: %s for tenant %q", ErrRebuildInProgress, w.projection.Name(), w.tenantID)
	}
	w.state = ProjectionStateRebuilding
	return nil
}

// unpause continues the worker from cp, or from where it stopped when cp is nil.
func (w *projectionWorker) unpause(cp *Checkpoint) {
	w.mu.Lock()
	if cp != nil {
		w.position = cp.Position
		w.generation = cp.Generation
		w.lastError = nil
	}
	w.state = ProjectionStateCatchingUp
	w.mu.Unlock()
	w.signal()
}

func (w *projectionWorker) idle() bool {
	state := w.getState()
	return state == ProjectionStateFaulted || state == ProjectionStateRebuilding
}

func (w *projectionWorker) run(ctx context.Context) {
	defer w.engine.wg.Done()
	defer func() {
		w.mu.Lock()
		if w.state != ProjectionStateFaulted {
			w.state = ProjectionStateStopped
		}
		w.mu.Unlock()
	}()

	e := w.engine
	name := w.projection.Name()

	if !w.loadCheckpoint(ctx) {
		return
	}

	notify, stopListening, listening := e.store.Listen(w.tenantID)
	defer stopListening()

	ticker := time.NewTicker(e.options.PollInterval)
	defer ticker.Stop()

	var consecutiveErrors int
	var firstErrorAt time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		if w.idle() {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}
			continue
		}

		n, err := w.processBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			var applyErr *ProjectionApplyError
			if errors.As(err, &applyErr) {
				w.fault(ctx, applyErr)
				consecutiveErrors = 0
				continue
			}

			consecutiveErrors++
			if consecutiveErrors == 1 {
				firstErrorAt = time.Now()
			}
			// Log only at power-of-2 counts (1, 2, 4, 8, 16...) to reduce noise
			if consecutiveErrors&(consecutiveErrors-1) == 0 {
				e.logger.Error("Projection batch failed",
					"projection", name,
					"tenant", w.tenantID,
					"error", err,
					"consecutive_errors", consecutiveErrors,
				)
			}
			e.metrics.RecordError(name, w.tenantID, err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDelay(consecutiveErrors, 100*time.Millisecond, e.options.MaxBackoff)):
			}
			continue
		}

		if consecutiveErrors > 0 {
			e.logger.Info("Projection recovered",
				"projection", name,
				"tenant", w.tenantID,
				"consecutive_errors", consecutiveErrors,
				"outage_duration", time.Since(firstErrorAt),
			)
			consecutiveErrors = 0
		}

		if n >= e.options.BatchSize {
			continue
		}

		w.mu.Lock()
		if w.state == ProjectionStateCatchingUp {
			w.state = ProjectionStateLive
			e.logger.Info("Projection is live", "projection", name, "tenant", w.tenantID, "position", w.position)
		}
		w.mu.Unlock()

		if listening {
			select {
			case <-ctx.Done():
				return
			case <-notify:
			case <-w.wake:
			case <-ticker.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			case <-ticker.C:
			}
		}
	}
}

// loadCheckpoint retries readCheckpoint until it succeeds or ctx is done.
func (w *projectionWorker) loadCheckpoint(ctx context.Context) bool {
	e := w.engine
	for attempt := 1; ; attempt++ {
		err := w.readCheckpoint(ctx)
		if err == nil {
			return true
		}
		if attempt&(attempt-1) == 0 {
			e.logger.Error("Failed to load checkpoint",
				"projection", w.projection.Name(),
				"tenant", w.tenantID,
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoffDelay(attempt, 100*time.Millisecond, e.options.MaxBackoff)):
		}
	}
}

// readCheckpoint restores position, generation and a persisted faulted state.
func (w *projectionWorker) readCheckpoint(ctx context.Context) error {
	cp, err := w.engine.docs.GetCheckpoint(ctx, w.projection.Name(), w.tenantID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.position = cp.Position
	w.generation = cp.Generation
	switch {
	case w.state == ProjectionStateRebuilding:
	case cp.State == string(ProjectionStateFaulted):
		w.state = ProjectionStateFaulted
		w.lastError = errors.New(cp.Error)
	default:
		w.state = ProjectionStateCatchingUp
	}
	return nil
}

func (w *projectionWorker) fault(ctx context.Context, err *ProjectionApplyError) {
	e := w.engine
	w.mu.Lock()
	w.state = ProjectionStateFaulted
	w.lastError = err
	w.mu.Unlock()

	e.logger.Error("Projection faulted",
		"projection", err.Projection,
		"tenant", err.TenantID,
		"event_type", err.EventType,
		"stream", err.StreamID,
		"position", err.GlobalPosition,
		"error", err.Cause,
	)
	e.metrics.RecordError(err.Projection, err.TenantID, err)

	if serr := e.docs.SaveCheckpointState(ctx, w.projection.Name(), w.tenantID, string(ProjectionStateFaulted), err.Error()); serr != nil {
		e.logger.Warn("Failed to persist faulted state", "projection", err.Projection, "tenant", err.TenantID, "error", serr)
	}
}

// processBatch reads, applies and commits one batch. It returns the number of
// events read. Cancellation is only observed before the batch starts; a
// started batch is committed and handed to the observer.
func (w *projectionWorker) processBatch(ctx context.Context) (int, error) {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	if w.idle() {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ctx = context.WithoutCancel(ctx)

	e := w.engine
	name := w.projection.Name()

	w.mu.RLock()
	from, generation := w.position, w.generation
	w.mu.RUnlock()

	events, err := e.store.ReadAll(ctx, w.tenantID, from, e.options.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("bookstore: failed to read events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	start := time.Now()
	collection := Collection{TenantID: w.tenantID, Projection: name, Generation: generation}
	view := newBatchView(e.docs, collection)

	applied, err := e.applyBatch(ctx, w.projection, view, events)
	if err != nil {
		e.metrics.RecordBatchProcessed(name, w.tenantID, applied, time.Since(start), false)
		return 0, err
	}

	to := events[len(events)-1].GlobalPosition
	cp := &Checkpoint{
		Projection: name,
		TenantID:   w.tenantID,
		Position:   to,
		Generation: generation,
		State:      string(ProjectionStateLive),
	}
	if len(events) >= e.options.BatchSize {
		cp.State = string(ProjectionStateCatchingUp)
	}
	if err := e.docs.CommitBatch(ctx, collection, view.writes(), cp); err != nil {
		e.metrics.RecordBatchProcessed(name, w.tenantID, applied, time.Since(start), false)
		return 0, fmt.Errorf("bookstore: failed to commit batch: %w", err)
	}

	w.mu.Lock()
	w.position = to
	w.eventsProcessed += uint64(applied)
	w.lastProcessedAt = time.Now()
	w.mu.Unlock()

	e.metrics.RecordBatchProcessed(name, w.tenantID, applied, time.Since(start), true)
	var lag uint64
	if head, err := e.store.GetLastPosition(ctx, w.tenantID); err == nil && head > to {
		lag = head - to
	}
	e.metrics.RecordCheckpoint(name, w.tenantID, to, lag)

	if changes := view.changes(); len(changes) > 0 && e.observer != nil {
		batch := CommittedBatch{
			Projection:   name,
			TenantID:     w.tenantID,
			FromPosition: from,
			ToPosition:   to,
			Changes:      changes,
		}
		if err := e.observer.OnBatchCommitted(WithTenantID(ctx, w.tenantID), batch); err != nil {
			e.logger.Warn("Post-commit processing failed",
				"projection", name,
				"tenant", w.tenantID,
				"to_position", to,
				"error", err,
			)
		}
	}

	return len(events), nil
}

// backoffDelay returns base * 2^(attempt-1) capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		return max
	}
	delay := base * time.Duration(1<<uint(shift)) // #nosec G115 - shift is clamped to 0-30
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}
