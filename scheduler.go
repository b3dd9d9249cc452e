package bookstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aalmada/BookStore-sub002/adapters"
)

type (
	// ScheduledEntry is a deferred command waiting to be dispatched.
	ScheduledEntry = adapters.ScheduledCommand

	// ScheduleStatus is the lifecycle state of a scheduled command.
	ScheduleStatus = adapters.ScheduleStatus
)

// Schedule status constants.
const (
	SchedulePending    = adapters.SchedulePending
	ScheduleProcessing = adapters.ScheduleProcessing
	ScheduleCompleted  = adapters.ScheduleCompleted
	ScheduleFailed     = adapters.ScheduleFailed
)

// ParseScheduleStatus parses pending, processing, completed or failed.
func ParseScheduleStatus(s string) (ScheduleStatus, error) {
	return adapters.ParseScheduleStatus(s)
}

// StreamKeyer is implemented by commands that name the stream they target.
// Scheduled commands sharing a stream key are dispatched one at a time.
type StreamKeyer interface {
	StreamKey() string
}

// Dispatcher sends an enveloped command through the command pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, env Envelope) (CommandResult, error)
}

// SchedulerMetrics collects metrics about scheduled dispatches.
type SchedulerMetrics interface {
	// RecordDispatch records a dispatch with outcome completed, retried or failed.
	RecordDispatch(commandType, outcome string, duration time.Duration)
}

// DispatcherFunc adapts a function to Dispatcher. It lets a scheduler be
// created before the command bus that registers its follow-ups.
type DispatcherFunc func(ctx context.Context, env Envelope) (CommandResult, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, env Envelope) (CommandResult, error) {
	return f(ctx, env)
}

type noopSchedulerMetrics struct{}

func (noopSchedulerMetrics) RecordDispatch(commandType, outcome string, duration time.Duration) {}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// PollInterval is how often due commands are claimed.
	// Default: 1s
	PollInterval time.Duration

	// BatchSize is the maximum number of commands claimed per poll.
	// Default: 50
	BatchSize int

	// Concurrency is the number of streams dispatched in parallel.
	// Default: 8
	Concurrency int

	// MaxAttempts is the number of attempts before a command is marked failed.
	// Default: 5
	MaxAttempts int

	// BaseBackoff and MaxBackoff bound the exponential retry delay.
	// Defaults: 1s and 5m
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Lease is how long a claim may stay in processing before it is
	// released back to pending.
	// Default: 5m
	Lease time.Duration
}

// DefaultSchedulerOptions returns the default scheduler options.
func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		PollInterval: time.Second,
		BatchSize:    50,
		Concurrency:  8,
		MaxAttempts:  5,
		BaseBackoff:  time.Second,
		MaxBackoff:   5 * time.Minute,
		Lease:        5 * time.Minute,
	}
}

// Scheduler holds deferred commands and dispatches them at or after their
// due time through the command bus.
type Scheduler struct {
	store      adapters.ScheduleStore
	dispatcher Dispatcher
	decoder    CommandDecoder
	options    SchedulerOptions
	permanent  func(error) bool
	metrics    SchedulerMetrics
	logger     Logger
	now        func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ CommandScheduler = (*Scheduler)(nil)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerOptions sets the scheduler options.
func WithSchedulerOptions(opts SchedulerOptions) SchedulerOption {
	return func(s *Scheduler) {
		s.options = opts
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithSchedulerMetrics sets the metrics collector.
func WithSchedulerMetrics(m SchedulerMetrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithPermanentError sets the classifier of errors that must not be retried.
// Default: IsPermanentDispatchError.
func WithPermanentError(fn func(error) bool) SchedulerOption {
	return func(s *Scheduler) {
		s.permanent = fn
	}
}

// WithSchedulerClock sets the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a scheduler over the store. dispatcher and decoder
// may be nil for a scheduler that only registers commands.
func NewScheduler(store adapters.ScheduleStore, dispatcher Dispatcher, decoder CommandDecoder, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		decoder:    decoder,
		options:    DefaultSchedulerOptions(),
		permanent:  IsPermanentDispatchError,
		metrics:    noopSchedulerMetrics{},
		logger:     &noopLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	defaults := DefaultSchedulerOptions()
	if s.options.PollInterval <= 0 {
		s.options.PollInterval = defaults.PollInterval
	}
	if s.options.BatchSize <= 0 {
		s.options.BatchSize = defaults.BatchSize
	}
	if s.options.Concurrency <= 0 {
		s.options.Concurrency = defaults.Concurrency
	}
	if s.options.MaxAttempts <= 0 {
		s.options.MaxAttempts = defaults.MaxAttempts
	}
	if s.options.BaseBackoff <= 0 {
		s.options.BaseBackoff = defaults.BaseBackoff
	}
	if s.options.MaxBackoff <= 0 {
		s.options.MaxBackoff = defaults.MaxBackoff
	}
	if s.options.Lease <= 0 {
		s.options.Lease = defaults.Lease
	}
	return s
}

// IsPermanentDispatchError reports whether retrying the command cannot succeed.
func IsPermanentDispatchError(err error) bool {
	return errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrStreamCollision) ||
		errors.Is(err, ErrUnknownEventType) ||
		errors.Is(err, ErrHandlerNotFound) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrCommandAlreadyProcessed) ||
		errors.Is(err, ErrTenantRequired)
}

// Register stores cmd for dispatch at or after dueAt for the tenant in ctx.
// It returns false when the tenant already has a command with the same key.
func (s *Scheduler) Register(ctx context.Context, dueAt time.Time, cmd Command, key string) (bool, error) {
	tenantID, err := RequireTenant(ctx)
	if err != nil {
		return false, err
	}
	if cmd == nil {
		return false, ErrNilCommand
	}
	if key == "" {
		return false, ErrEmptyScheduleKey
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return false, fmt.Errorf("bookstore: failed to encode scheduled command %s: %w", cmd.CommandType(), err)
	}

	created, err := s.store.Schedule(ctx, &ScheduledEntry{
		TenantID:    tenantID,
		Key:         key,
		StreamKey:   streamKeyOf(cmd, key),
		CommandType: cmd.CommandType(),
		Payload:     payload,
		Metadata:    MetadataFromContext(ctx),
		DueAt:       dueAt.UTC(),
	})
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Debug("Registered scheduled command",
			"tenant", tenantID,
			"key", key,
			"type", cmd.CommandType(),
			"due_at", dueAt,
		)
	}
	return created, nil
}

func streamKeyOf(cmd Command, key string) string {
	if k, ok := cmd.(StreamKeyer); ok && k.StreamKey() != "" {
		return k.StreamKey()
	}
	if ac, ok := cmd.(AggregateCommand); ok && ac.AggregateID() != "" {
		return ac.AggregateID()
	}
	return key
}

// PollDue atomically claims the commands that are due.
func (s *Scheduler) PollDue(ctx context.Context) ([]*ScheduledEntry, error) {
	return s.store.ClaimDue(ctx, s.now(), s.options.BatchSize)
}

// RunOnce claims due commands and dispatches them. It returns the number of
// commands claimed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	entries, err := s.PollDue(ctx)
	if err != nil {
		return 0, fmt.Errorf("bookstore: failed to claim scheduled commands: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return len(entries), s.DispatchAll(ctx, entries)
}

// DispatchAll dispatches claimed commands. Commands that share a tenant and
// stream key run in claim order one at a time. Different streams run in
// parallel up to the concurrency limit.
func (s *Scheduler) DispatchAll(ctx context.Context, entries []*ScheduledEntry) error {
	type groupKey struct{ tenant, stream string }
	var order []groupKey
	groups := make(map[groupKey][]*ScheduledEntry)
	for _, e := range entries {
		k := groupKey{e.TenantID, e.StreamKey}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.options.Concurrency)
	for _, k := range order {
		group := groups[k]
		g.Go(func() error {
			for _, entry := range group {
				if err := s.dispatchOne(gctx, entry); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// dispatchOne dispatches a claimed command and records the outcome. Only
// failures to record the outcome are returned.
func (s *Scheduler) dispatchOne(ctx context.Context, entry *ScheduledEntry) error {
	if s.dispatcher == nil || s.decoder == nil {
		return fmt.Errorf("bookstore: scheduler has no dispatcher")
	}
	start := time.Now()

	cmd, err := s.decoder.DecodeCommand(entry.CommandType, entry.Payload)
	if err == nil {
		_, err = s.dispatcher.Dispatch(ctx, Envelope{
			TenantID:       entry.TenantID,
			Command:        cmd,
			CorrelationID:  entry.Metadata.CorrelationID,
			CausationID:    entry.Metadata.CausationID,
			UserID:         entry.Metadata.UserID,
			IdempotencyKey: "schedule:" + entry.Key,
		})
	}
	duration := time.Since(start)

	if err == nil {
		s.metrics.RecordDispatch(entry.CommandType, "completed", duration)
		s.logger.Debug("Dispatched scheduled command", "tenant", entry.TenantID, "key", entry.Key, "type", entry.CommandType)
		return s.store.MarkCompleted(ctx, entry.ID)
	}

	if ctx.Err() != nil {
		// Shutting down; the lease hands the entry back later.
		return nil
	}

	if s.permanent(err) || entry.Attempts >= s.options.MaxAttempts {
		failure := &SchedulerDispatchError{
			TenantID:    entry.TenantID,
			Key:         entry.Key,
			CommandType: entry.CommandType,
			Attempts:    entry.Attempts,
			Cause:       err,
		}
		s.metrics.RecordDispatch(entry.CommandType, "failed", duration)
		s.logger.Error("Scheduled command failed", "tenant", entry.TenantID, "key", entry.Key, "error", failure)
		return s.store.MarkFailed(ctx, entry.ID, err.Error())
	}

	dueAt := s.now().Add(backoffDelay(entry.Attempts, s.options.BaseBackoff, s.options.MaxBackoff))
	s.metrics.RecordDispatch(entry.CommandType, "retried", duration)
	s.logger.Warn("Scheduled command will be retried",
		"tenant", entry.TenantID,
		"key", entry.Key,
		"attempts", entry.Attempts,
		"due_at", dueAt,
		"error", err,
	)
	return s.store.Reschedule(ctx, entry.ID, dueAt, err.Error())
}

// ReleaseStale returns claims older than the lease to pending.
func (s *Scheduler) ReleaseStale(ctx context.Context) (int64, error) {
	n, err := s.store.ReleaseStale(ctx, s.now().Add(-s.options.Lease))
	if err == nil && n > 0 {
		s.logger.Warn("Released stale scheduled commands", "count", n)
	}
	return n, err
}

// Start runs the poll loop in the background until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return ErrSchedulerRunning
	}
	if s.dispatcher == nil || s.decoder == nil {
		return fmt.Errorf("bookstore: scheduler has no dispatcher")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx, s.done)

	s.logger.Info("Scheduler started", "poll_interval", s.options.PollInterval, "concurrency", s.options.Concurrency)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.options.PollInterval)
	defer ticker.Stop()

	lastRelease := time.Time{}
	var consecutiveErrors int

	for {
		if time.Since(lastRelease) >= s.options.Lease/2 {
			if _, err := s.ReleaseStale(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Failed to release stale scheduled commands", "error", err)
			}
			lastRelease = time.Now()
		}

		n, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			consecutiveErrors++
			// Log only at power-of-2 counts (1, 2, 4, 8, 16...) to reduce noise
			if consecutiveErrors&(consecutiveErrors-1) == 0 {
				s.logger.Error("Scheduler poll failed", "error", err, "consecutive_errors", consecutiveErrors)
			}
		} else {
			consecutiveErrors = 0
		}

		if n >= s.options.BatchSize {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop stops the poll loop and waits for in-flight dispatches.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return nil
	}
	s.running.Store(false)
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the poll loop is running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Get returns a scheduled command by tenant and key.
func (s *Scheduler) Get(ctx context.Context, tenantID, key string) (*ScheduledEntry, error) {
	return s.store.Get(ctx, tenantID, key)
}

// List returns the tenant's scheduled commands with any of the given statuses.
func (s *Scheduler) List(ctx context.Context, tenantID string, statuses ...ScheduleStatus) ([]*ScheduledEntry, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	return s.store.List(ctx, tenantID, statuses...)
}
