package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore remembers processed command keys in memory, one partition
// per tenant. Records do not survive a restart.
type IdempotencyStore struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*adapters.IdempotencyRecord

	cleanupInterval time.Duration
	maxAge          time.Duration
	stop            chan struct{}
	closeOnce       sync.Once
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithCleanupInterval enables periodic removal of expired records.
// Zero disables it.
func WithCleanupInterval(interval time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.cleanupInterval = interval
	}
}

// WithMaxAge sets how long a record is kept by the periodic cleanup.
func WithMaxAge(maxAge time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.maxAge = maxAge
	}
}

// NewIdempotencyStore creates a new in-memory IdempotencyStore.
func NewIdempotencyStore(opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{
		tenants: make(map[string]map[string]*adapters.IdempotencyRecord),
		maxAge:  24 * time.Hour,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		ticker := time.NewTicker(s.cleanupInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_, _ = s.Cleanup(context.Background(), s.maxAge)
				case <-s.stop:
					return
				}
			}
		}()
	}
	return s
}

// Close stops the periodic cleanup. It is safe to call more than once.
func (s *IdempotencyStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// Store saves the record in its tenant's partition.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.TenantID == "" {
		return adapters.ErrEmptyTenantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	partition, ok := s.tenants[record.TenantID]
	if !ok {
		partition = make(map[string]*adapters.IdempotencyRecord)
		s.tenants[record.TenantID] = partition
	}
	partition[record.Key] = adapters.CopyIdempotencyRecord(record)
	return nil
}

// Get returns the tenant's unexpired record for key, or nil.
func (s *IdempotencyStore) Get(ctx context.Context, tenantID, key string) (*adapters.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tenants[tenantID][key]
	if !ok || record.IsExpired() {
		return nil, nil
	}
	return adapters.CopyIdempotencyRecord(record), nil
}

// Delete removes the tenant's record for key.
func (s *IdempotencyStore) Delete(ctx context.Context, tenantID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if partition, ok := s.tenants[tenantID]; ok {
		delete(partition, key)
		if len(partition) == 0 {
			delete(s.tenants, tenantID)
		}
	}
	return nil
}

// Cleanup removes records that expired or were processed before the cutoff.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var count int64
	for tenantID, partition := range s.tenants {
		for key, record := range partition {
			if record.ProcessedAt.Before(cutoff) || record.IsExpired() {
				delete(partition, key)
				count++
			}
		}
		if len(partition) == 0 {
			delete(s.tenants, tenantID)
		}
	}
	return count, nil
}

// Len returns the number of records across tenants.
func (s *IdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, partition := range s.tenants {
		n += len(partition)
	}
	return n
}

// TenantLen returns the number of records held for the tenant.
func (s *IdempotencyStore) TenantLen(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants[tenantID])
}
