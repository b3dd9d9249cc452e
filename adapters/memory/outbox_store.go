package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
	"github.com/google/uuid"
)

var _ adapters.OutboxStore = (*OutboxStore)(nil)

// OutboxStore keeps entity-change notifications waiting for delivery in
// memory, one queue per tenant.
type OutboxStore struct {
	mu          sync.RWMutex
	tenants     map[string]*outboxQueue
	owner       map[string]string // message ID -> tenant
	maxAttempts int
	seq         uint64
}

// outboxQueue holds one tenant's messages. seq keeps insertion order stable
// for messages scheduled in the same instant.
type outboxQueue struct {
	messages map[string]*adapters.OutboxMessage
	seq      map[string]uint64
}

func (q *outboxQueue) sorted(keep func(*adapters.OutboxMessage) bool) []*adapters.OutboxMessage {
	var result []*adapters.OutboxMessage
	for _, msg := range q.messages {
		if keep(msg) {
			result = append(result, msg)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ScheduledAt.Equal(result[j].ScheduledAt) {
			return result[i].ScheduledAt.Before(result[j].ScheduledAt)
		}
		return q.seq[result[i].ID] < q.seq[result[j].ID]
	})
	return result
}

// OutboxStoreOption configures an OutboxStore.
type OutboxStoreOption func(*OutboxStore)

// WithDefaultMaxAttempts sets the attempt budget for messages that do not carry one.
func WithDefaultMaxAttempts(n int) OutboxStoreOption {
	return func(s *OutboxStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewOutboxStore creates a new in-memory OutboxStore.
func NewOutboxStore(opts ...OutboxStoreOption) *OutboxStore {
	s := &OutboxStore{
		tenants:     make(map[string]*outboxQueue),
		owner:       make(map[string]string),
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OutboxStore) queue(tenantID string) *outboxQueue {
	q, ok := s.tenants[tenantID]
	if !ok {
		q = &outboxQueue{
			messages: make(map[string]*adapters.OutboxMessage),
			seq:      make(map[string]uint64),
		}
		s.tenants[tenantID] = q
	}
	return q
}

func (s *OutboxStore) lookup(id string) (*adapters.OutboxMessage, bool) {
	tenantID, ok := s.owner[id]
	if !ok {
		return nil, false
	}
	msg, ok := s.tenants[tenantID].messages[id]
	return msg, ok
}

// Schedule stores messages in their tenants' queues.
func (s *OutboxStore) Schedule(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, msg := range messages {
		if msg.TenantID == "" {
			return adapters.ErrEmptyTenantID
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.ScheduledAt.IsZero() {
			msg.ScheduledAt = now
		}
		if msg.MaxAttempts == 0 {
			msg.MaxAttempts = s.maxAttempts
		}
		msg.Status = adapters.OutboxPending

		s.seq++
		q := s.queue(msg.TenantID)
		q.messages[msg.ID] = copyMessage(msg)
		q.seq[msg.ID] = s.seq
		s.owner[msg.ID] = msg.TenantID
	}
	return nil
}

func due(now time.Time) func(*adapters.OutboxMessage) bool {
	return func(msg *adapters.OutboxMessage) bool {
		return msg.Status == adapters.OutboxPending && !msg.ScheduledAt.After(now)
	}
}

// PendingTenants returns the tenants with due pending messages.
func (s *OutboxStore) PendingTenants(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	isDue := due(time.Now())
	var tenants []string
	for tenantID, q := range s.tenants {
		for _, msg := range q.messages {
			if isDue(msg) {
				tenants = append(tenants, tenantID)
				break
			}
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// FetchPending claims up to limit of the tenant's due messages, oldest first.
func (s *OutboxStore) FetchPending(ctx context.Context, tenantID string, limit int) ([]*adapters.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		return nil, adapters.ErrEmptyTenantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}

	now := time.Now()
	pending := q.sorted(due(now))
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	result := make([]*adapters.OutboxMessage, len(pending))
	for i, msg := range pending {
		msg.Status = adapters.OutboxProcessing
		msg.Attempts++
		claimedAt := now
		msg.LastAttemptAt = &claimedAt
		result[i] = copyMessage(msg)
	}
	return result, nil
}

// MarkCompleted marks messages as delivered. Unknown IDs are ignored.
func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		if msg, ok := s.lookup(id); ok {
			msg.Status = adapters.OutboxCompleted
			processedAt := now
			msg.ProcessedAt = &processedAt
		}
	}
	return nil
}

// MarkFailed records a failed delivery attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.lookup(id)
	if !ok {
		return adapters.ErrOutboxMessageNotFound
	}
	msg.Status = adapters.OutboxFailed
	if lastErr != nil {
		msg.LastError = lastErr.Error()
	}
	return nil
}

// RetryFailed requeues failed messages that have attempts left.
func (s *OutboxStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, q := range s.tenants {
		for _, msg := range q.messages {
			if msg.Status == adapters.OutboxFailed && msg.Attempts < maxAttempts {
				msg.Status = adapters.OutboxPending
				count++
			}
		}
	}
	return count, nil
}

// MoveToDeadLetter parks failed messages that used up their attempts.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parked := make(map[string]int64)
	for tenantID, q := range s.tenants {
		for _, msg := range q.messages {
			if msg.Status == adapters.OutboxFailed && msg.Attempts >= maxAttempts {
				msg.Status = adapters.OutboxDeadLetter
				parked[tenantID]++
			}
		}
	}
	return parked, nil
}

// CountPending returns the number of pending messages per tenant.
func (s *OutboxStore) CountPending(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for tenantID, q := range s.tenants {
		for _, msg := range q.messages {
			if msg.Status == adapters.OutboxPending {
				counts[tenantID]++
			}
		}
	}
	return counts, nil
}

// GetDeadLetterMessages returns the tenant's dead-lettered messages, newest first.
func (s *OutboxStore) GetDeadLetterMessages(ctx context.Context, tenantID string, limit int) ([]*adapters.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	dead := q.sorted(func(msg *adapters.OutboxMessage) bool { return msg.Status == adapters.OutboxDeadLetter })
	result := make([]*adapters.OutboxMessage, 0, len(dead))
	for i := len(dead) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, copyMessage(dead[i]))
	}
	return result, nil
}

// Cleanup removes messages delivered before the cutoff.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var count int64
	for tenantID, q := range s.tenants {
		for id, msg := range q.messages {
			if msg.Status == adapters.OutboxCompleted && msg.ProcessedAt != nil && msg.ProcessedAt.Before(cutoff) {
				delete(q.messages, id)
				delete(q.seq, id)
				delete(s.owner, id)
				count++
			}
		}
		if len(q.messages) == 0 {
			delete(s.tenants, tenantID)
		}
	}
	return count, nil
}

// Count returns the number of stored messages.
func (s *OutboxStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owner)
}

// Messages returns copies of the tenant's messages in scheduling order.
func (s *OutboxStore) Messages(tenantID string) []*adapters.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	all := q.sorted(func(*adapters.OutboxMessage) bool { return true })
	sort.SliceStable(all, func(i, j int) bool { return q.seq[all[i].ID] < q.seq[all[j].ID] })
	for i, msg := range all {
		all[i] = copyMessage(msg)
	}
	return all
}

// CountByStatus returns the number of messages per status across tenants.
func (s *OutboxStore) CountByStatus() map[adapters.OutboxStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[adapters.OutboxStatus]int)
	for _, q := range s.tenants {
		for _, msg := range q.messages {
			counts[msg.Status]++
		}
	}
	return counts
}

func copyMessage(msg *adapters.OutboxMessage) *adapters.OutboxMessage {
	copied := *msg
	copied.Payload = append([]byte(nil), msg.Payload...)
	if msg.Headers != nil {
		copied.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			copied.Headers[k] = v
		}
	}
	if msg.LastAttemptAt != nil {
		t := *msg.LastAttemptAt
		copied.LastAttemptAt = &t
	}
	if msg.ProcessedAt != nil {
		t := *msg.ProcessedAt
		copied.ProcessedAt = &t
	}
	return &copied
}
