package bookstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ChangeKind describes what happened to a read-model document.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// DocumentChange is the net effect of one committed batch on one document.
type DocumentChange struct {
	ID      string
	Kind    ChangeKind
	Version int64
}

// CommittedBatch describes a durable batch of document writes.
type CommittedBatch struct {
	Projection   string
	TenantID     string
	FromPosition uint64
	ToPosition   uint64
	Changes      []DocumentChange

	// Replay is set for batches written by a rebuild.
	Replay bool
}

// EntityChanged tells clients that a read-model entity changed.
type EntityChanged struct {
	TenantID   string     `json:"tenantId"`
	Entity     string     `json:"entity"`
	ID         string     `json:"id"`
	Kind       ChangeKind `json:"kind"`
	Version    int64      `json:"version"`
	ETag       string     `json:"etag,omitempty"`
	Projection string     `json:"projection"`
	Position   uint64     `json:"position"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// Notifier publishes entity change notifications.
type Notifier interface {
	Publish(ctx context.Context, event EntityChanged) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event EntityChanged) error

// Publish implements Notifier.
func (f NotifierFunc) Publish(ctx context.Context, event EntityChanged) error {
	return f(ctx, event)
}

// Notifiers publishes each notification to every notifier in order.
// All notifiers are attempted; failures are joined.
type Notifiers []Notifier

// Publish implements Notifier.
func (n Notifiers) Publish(ctx context.Context, event EntityChanged) error {
	var errs []error
	for _, notifier := range n {
		if err := notifier.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Tag mapping
// =============================================================================

// TagRule says which cache tags a change of a projection's documents touches.
type TagRule struct {
	// Entity is the entity name used in notifications and default tags (e.g. "book").
	Entity string

	// Tags returns the tags to invalidate. Defaults to EntityTags(Entity).
	Tags func(tenantID string, change DocumentChange) []string
}

func (r TagRule) tags(tenantID string, change DocumentChange) []string {
	if r.Tags != nil {
		return r.Tags(tenantID, change)
	}
	return EntityTags(r.Entity)(tenantID, change)
}

// TagMapping maps every projection name to its tag rule.
type TagMapping map[string]TagRule

// Validate checks that every projection has a rule with an entity name.
func (m TagMapping) Validate(projections ...string) error {
	var missing []string
	for _, name := range projections {
		rule, ok := m[name]
		if !ok || rule.Entity == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: no rule for %s", ErrTagMappingIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

// CacheTag builds a tenant-qualified cache tag or key.
func CacheTag(tenantID string, parts ...string) string {
	return tenantID + ":" + strings.Join(parts, ":")
}

// ProjectionTag is carried by every cached read of a tenant's projection.
// It is invalidated when a rebuild activates a new generation.
func ProjectionTag(tenantID, projection string) string {
	return CacheTag(tenantID, projection, "generation")
}

// EntityTags returns a tag function that invalidates the entity itself and
// every list of that entity type for the tenant.
func EntityTags(entity string) func(tenantID string, change DocumentChange) []string {
	return func(tenantID string, change DocumentChange) []string {
		return []string{
			CacheTag(tenantID, entity, change.ID),
			CacheTag(tenantID, entity+"-list"),
		}
	}
}

// =============================================================================
// Coordinator
// =============================================================================

// CoordinatorMetrics collects post-commit metrics.
type CoordinatorMetrics interface {
	RecordInvalidation(projection string, tags int, success bool)
	RecordNotification(projection string, kind ChangeKind, success bool)
}

type noopCoordinatorMetrics struct{}

func (noopCoordinatorMetrics) RecordInvalidation(projection string, tags int, success bool) {}
func (noopCoordinatorMetrics) RecordNotification(projection string, kind ChangeKind, success bool) {
}

// PostCommitCoordinator invalidates cache tags and then publishes one
// EntityChanged per change, once per committed live batch.
type PostCommitCoordinator struct {
	cache    TagInvalidator
	notifier Notifier
	mapping  TagMapping
	metrics  CoordinatorMetrics
	logger   Logger
}

var _ BatchObserver = (*PostCommitCoordinator)(nil)

// TagInvalidator removes cache entries by tag.
type TagInvalidator interface {
	InvalidateByTag(ctx context.Context, tag string) error
}

// CoordinatorOption configures a PostCommitCoordinator.
type CoordinatorOption func(*PostCommitCoordinator)

// WithCoordinatorMetrics sets the metrics collector.
func WithCoordinatorMetrics(m CoordinatorMetrics) CoordinatorOption {
	return func(c *PostCommitCoordinator) {
		c.metrics = m
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l Logger) CoordinatorOption {
	return func(c *PostCommitCoordinator) {
		c.logger = l
	}
}

// NewPostCommitCoordinator creates a coordinator. cache and notifier may be nil.
func NewPostCommitCoordinator(cache TagInvalidator, notifier Notifier, mapping TagMapping, opts ...CoordinatorOption) *PostCommitCoordinator {
	c := &PostCommitCoordinator{
		cache:    cache,
		notifier: notifier,
		mapping:  mapping,
		metrics:  noopCoordinatorMetrics{},
		logger:   &noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnBatchCommitted implements BatchObserver.
// A failed invalidation suppresses the notifications of the batch.
func (c *PostCommitCoordinator) OnBatchCommitted(ctx context.Context, batch CommittedBatch) error {
	if batch.Replay || IsReplay(ctx) {
		c.logger.Debug("Skipping post-commit for replayed batch", "projection", batch.Projection, "tenant", batch.TenantID)
		return nil
	}
	if len(batch.Changes) == 0 {
		return nil
	}

	rule, ok := c.mapping[batch.Projection]
	if !ok {
		c.logger.Warn("No tag mapping for projection, skipping post-commit",
			"projection", batch.Projection,
			"tenant", batch.TenantID,
		)
		return nil
	}

	if err := c.invalidate(ctx, batch, rule); err != nil {
		return err
	}

	var errs []error
	now := time.Now().UTC()
	for _, change := range batch.Changes {
		if c.notifier == nil {
			break
		}
		event := EntityChanged{
			TenantID:   batch.TenantID,
			Entity:     rule.Entity,
			ID:         change.ID,
			Kind:       change.Kind,
			Version:    change.Version,
			Projection: batch.Projection,
			Position:   batch.ToPosition,
			OccurredAt: now,
		}
		if change.Kind != ChangeDeleted {
			event.ETag = FormatETag(change.Version)
		}
		err := c.notifier.Publish(ctx, event)
		c.metrics.RecordNotification(batch.Projection, change.Kind, err == nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("bookstore: failed to notify %s %s: %w", rule.Entity, change.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *PostCommitCoordinator) invalidate(ctx context.Context, batch CommittedBatch, rule TagRule) error {
	if c.cache == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var tags []string
	for _, change := range batch.Changes {
		for _, tag := range rule.tags(batch.TenantID, change) {
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}

	for _, tag := range tags {
		if err := c.cache.InvalidateByTag(ctx, tag); err != nil {
			c.metrics.RecordInvalidation(batch.Projection, len(tags), false)
			c.logger.Error("Cache invalidation failed, suppressing notifications",
				"projection", batch.Projection,
				"tenant", batch.TenantID,
				"tag", tag,
				"error", err,
			)
			return fmt.Errorf("bookstore: failed to invalidate tag %q: %w", tag, err)
		}
	}
	c.metrics.RecordInvalidation(batch.Projection, len(tags), true)
	return nil
}
