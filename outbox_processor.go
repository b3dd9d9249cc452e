package bookstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessorOption configures an OutboxProcessor.
type ProcessorOption func(*OutboxProcessor)

// WithBatchSize sets the maximum number of messages claimed per poll across
// all tenants.
func WithBatchSize(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPollInterval sets how often the processor polls for pending messages.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithMaxRetries sets the maximum number of delivery attempts.
func WithMaxRetries(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the duration between retry cycles.
func WithRetryBackoff(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.retryBackoff = d
		}
	}
}

// WithCleanupInterval sets how often delivered messages are removed.
func WithCleanupInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupInterval = d
		}
	}
}

// WithCleanupAge sets how long delivered messages are kept.
func WithCleanupAge(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupAge = d
		}
	}
}

// WithPublisher registers the publisher for its destination prefix.
func WithPublisher(publisher Publisher) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.publishers[publisher.Destination()] = publisher
	}
}

// WithOutboxMetrics sets the metrics collector for the processor.
func WithOutboxMetrics(metrics OutboxMetrics) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.metrics = metrics
	}
}

// WithProcessorLogger sets the logger for the processor.
func WithProcessorLogger(logger Logger) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.logger = logger
	}
}

// OutboxProcessor delivers entity-change notifications from the outbox.
//
// Each poll visits the tenants with due messages in turn, starting one tenant
// further along than the previous poll, and claims at most an equal share of
// the batch for each. A tenant whose destinations are failing or backlogged
// therefore cannot delay another tenant's notifications.
type OutboxProcessor struct {
	store      OutboxStore
	publishers map[string]Publisher
	metrics    OutboxMetrics
	logger     Logger

	batchSize       int
	pollInterval    time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	cleanupInterval time.Duration
	cleanupAge      time.Duration

	// cursor rotates the first tenant served per poll.
	cursor int
	// pending holds the tenants whose pending gauge was last set above zero.
	pending map[string]bool

	running  atomic.Bool
	stopping atomic.Bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// NewOutboxProcessor creates a new OutboxProcessor.
func NewOutboxProcessor(store OutboxStore, opts ...ProcessorOption) *OutboxProcessor {
	p := &OutboxProcessor{
		store:           store,
		publishers:      make(map[string]Publisher),
		metrics:         noopOutboxMetrics{},
		logger:          &noopLogger{},
		batchSize:       100,
		pollInterval:    time.Second,
		maxRetries:      5,
		retryBackoff:    5 * time.Second,
		cleanupInterval: time.Hour,
		cleanupAge:      7 * 24 * time.Hour,
		pending:         make(map[string]bool),
		stopCh:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins delivery and maintenance in the background.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	if p.running.Load() {
		return ErrOutboxProcessorRunning
	}

	p.running.Store(true)
	p.stopping.Store(false)
	p.stopCh = make(chan struct{})

	p.wg.Add(2)
	go p.processLoop(ctx)
	go p.maintenanceLoop(ctx)

	p.logger.Info("Outbox processor started", "publishers", len(p.publishers), "batch_size", p.batchSize)
	return nil
}

// Stop stops polling and waits for the in-flight poll to finish.
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}

	p.stopping.Store(true)
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	defer p.running.Store(false)
	select {
	case <-done:
		p.logger.Info("Outbox processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the processor is running.
func (p *OutboxProcessor) IsRunning() bool {
	return p.running.Load()
}

func (p *OutboxProcessor) processLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				if p.stopping.Load() {
					return
				}
				p.logger.Error("Outbox poll failed", "error", err)
			}
		}
	}
}

func (p *OutboxProcessor) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()

	retryTicker := time.NewTicker(p.retryBackoff)
	defer retryTicker.Stop()

	cleanupTicker := time.NewTicker(p.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-retryTicker.C:
			p.runMaintenance(ctx)
		case <-cleanupTicker.C:
			p.runCleanup(ctx)
		}
	}
}

// processBatch runs one poll over every tenant with due messages. A failing
// tenant is logged and skipped; the others are still served.
func (p *OutboxProcessor) processBatch(ctx context.Context) error {
	tenants, err := p.store.PendingTenants(ctx)
	if err != nil {
		return fmt.Errorf("bookstore: failed to list tenants with pending messages: %w", err)
	}
	if len(tenants) == 0 {
		return nil
	}

	share := p.batchSize / len(tenants)
	if share < 1 {
		share = 1
	}
	start := p.cursor % len(tenants)
	p.cursor = start + 1

	var errs []error
	budget := p.batchSize
	for i := 0; i < len(tenants) && budget > 0; i++ {
		tenantID := tenants[(start+i)%len(tenants)]
		limit := share
		if limit > budget {
			limit = budget
		}
		claimed, err := p.processTenant(ctx, tenantID, limit)
		budget -= claimed
		if err != nil {
			p.logger.Error("Outbox delivery failed for tenant", "tenant", tenantID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// processTenant claims and publishes up to limit of the tenant's messages.
// It returns the number of messages claimed.
func (p *OutboxProcessor) processTenant(ctx context.Context, tenantID string, limit int) (int, error) {
	start := time.Now()

	messages, err := p.store.FetchPending(ctx, tenantID, limit)
	if err != nil {
		return 0, fmt.Errorf("bookstore: failed to claim messages for tenant %s: %w", tenantID, err)
	}
	if len(messages) == 0 {
		return 0, nil
	}
	defer func() { p.metrics.RecordBatchDuration(tenantID, time.Since(start)) }()

	tenantCtx := WithTenantID(ctx, tenantID)
	byPrefix := make(map[string][]*OutboxMessage)
	for _, msg := range messages {
		prefix := destinationPrefix(msg.Destination)
		byPrefix[prefix] = append(byPrefix[prefix], msg)
	}

	for prefix, msgs := range byPrefix {
		publisher, ok := p.publishers[prefix]
		if !ok {
			p.fail(ctx, tenantID, msgs, fmt.Errorf("%w: %s", ErrPublisherNotFound, prefix))
			p.logger.Error("No publisher for destination", "tenant", tenantID, "prefix", prefix, "count", len(msgs))
			continue
		}

		if err := publisher.Publish(tenantCtx, msgs); err != nil {
			p.logger.Warn("Outbox publish failed",
				"tenant", tenantID,
				"destination", prefix,
				"count", len(msgs),
				"error", err,
			)
			p.fail(ctx, tenantID, msgs, err)
			continue
		}

		ids := make([]string, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.ID
			p.metrics.RecordMessageProcessed(tenantID, msg.Destination, true)
		}
		if err := p.store.MarkCompleted(ctx, ids); err != nil {
			p.logger.Error("Failed to mark messages as delivered", "tenant", tenantID, "count", len(ids), "error", err)
		}
	}

	return len(messages), nil
}

func (p *OutboxProcessor) fail(ctx context.Context, tenantID string, msgs []*OutboxMessage, cause error) {
	for _, msg := range msgs {
		if err := p.store.MarkFailed(ctx, msg.ID, cause); err != nil {
			p.logger.Error("Failed to mark message as failed", "tenant", tenantID, "id", msg.ID, "error", err)
		}
		p.metrics.RecordMessageProcessed(tenantID, msg.Destination, false)
		p.metrics.RecordMessageFailed(tenantID, msg.Destination)
	}
}

// runMaintenance requeues retryable failures, parks exhausted ones and
// refreshes the per-tenant pending gauge.
func (p *OutboxProcessor) runMaintenance(ctx context.Context) {
	retried, err := p.store.RetryFailed(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("Failed to requeue failed outbox messages", "error", err)
	} else if retried > 0 {
		p.logger.Info("Requeued failed outbox messages", "count", retried)
	}

	parked, err := p.store.MoveToDeadLetter(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("Failed to dead-letter outbox messages", "error", err)
	}
	for tenantID, count := range parked {
		p.logger.Warn("Dead-lettered outbox messages", "tenant", tenantID, "count", count)
		p.metrics.RecordMessagesDeadLettered(tenantID, count)
	}

	counts, err := p.store.CountPending(ctx)
	if err != nil {
		p.logger.Error("Failed to count pending outbox messages", "error", err)
		return
	}
	for tenantID := range p.pending {
		if _, ok := counts[tenantID]; !ok {
			p.metrics.RecordPendingMessages(tenantID, 0)
			delete(p.pending, tenantID)
		}
	}
	for tenantID, count := range counts {
		p.metrics.RecordPendingMessages(tenantID, count)
		p.pending[tenantID] = true
	}
}

func (p *OutboxProcessor) runCleanup(ctx context.Context) {
	cleaned, err := p.store.Cleanup(ctx, p.cleanupAge)
	if err != nil {
		p.logger.Error("Failed to remove delivered outbox messages", "error", err)
	} else if cleaned > 0 {
		p.logger.Info("Removed delivered outbox messages", "count", cleaned)
	}
}

// destinationPrefix returns the transport part of a destination,
// e.g. "webhook" for "webhook:https://example.com".
func destinationPrefix(destination string) string {
	if idx := strings.Index(destination, ":"); idx > 0 {
		return destination[:idx]
	}
	return destination
}
