package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
	"github.com/google/uuid"
)

// Ensure interface compliance at compile time.
var _ adapters.ScheduleStore = (*ScheduleStore)(nil)

type scheduleKey struct {
	tenantID string
	key      string
}

// ScheduleStore is an in-memory implementation of adapters.ScheduleStore.
type ScheduleStore struct {
	mu       sync.Mutex
	commands map[string]*adapters.ScheduledCommand
	byKey    map[scheduleKey]string
	seq      map[string]uint64
	next     uint64
}

// NewScheduleStore creates a new in-memory schedule store.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{
		commands: make(map[string]*adapters.ScheduledCommand),
		byKey:    make(map[scheduleKey]string),
		seq:      make(map[string]uint64),
	}
}

// Schedule stores the command unless the tenant already has one with the same key.
func (s *ScheduleStore) Schedule(ctx context.Context, cmd *adapters.ScheduledCommand) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if cmd.TenantID == "" {
		return false, adapters.ErrEmptyTenantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := scheduleKey{cmd.TenantID, cmd.Key}
	if _, exists := s.byKey[k]; exists {
		return false, nil
	}

	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	cmd.Status = adapters.SchedulePending

	s.next++
	s.commands[cmd.ID] = adapters.CopyScheduledCommand(cmd)
	s.byKey[k] = cmd.ID
	s.seq[cmd.ID] = s.next
	return true, nil
}

// ClaimDue moves due pending commands to processing and returns them.
func (s *ScheduleStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*adapters.ScheduledCommand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*adapters.ScheduledCommand
	for _, cmd := range s.commands {
		if cmd.Status == adapters.SchedulePending && !cmd.DueAt.After(now) {
			due = append(due, cmd)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].DueAt.Equal(due[j].DueAt) {
			return s.seq[due[i].ID] < s.seq[due[j].ID]
		}
		return due[i].DueAt.Before(due[j].DueAt)
	})

	limit = adapters.DefaultLimit(limit, 100)
	if len(due) > limit {
		due = due[:limit]
	}

	claimedAt := now
	result := make([]*adapters.ScheduledCommand, len(due))
	for i, cmd := range due {
		cmd.Status = adapters.ScheduleProcessing
		cmd.Attempts++
		cmd.ClaimedAt = &claimedAt
		result[i] = adapters.CopyScheduledCommand(cmd)
	}
	return result, nil
}

// MarkCompleted marks a command as dispatched.
func (s *ScheduleStore) MarkCompleted(ctx context.Context, id string) error {
	return s.update(ctx, id, func(cmd *adapters.ScheduledCommand) {
		now := time.Now().UTC()
		cmd.Status = adapters.ScheduleCompleted
		cmd.CompletedAt = &now
		cmd.LastError = ""
	})
}

// Reschedule returns a command to pending with a new due time.
func (s *ScheduleStore) Reschedule(ctx context.Context, id string, dueAt time.Time, lastErr string) error {
	return s.update(ctx, id, func(cmd *adapters.ScheduledCommand) {
		cmd.Status = adapters.SchedulePending
		cmd.DueAt = dueAt
		cmd.LastError = lastErr
		cmd.ClaimedAt = nil
	})
}

// MarkFailed marks a command as permanently failed.
func (s *ScheduleStore) MarkFailed(ctx context.Context, id string, lastErr string) error {
	return s.update(ctx, id, func(cmd *adapters.ScheduledCommand) {
		now := time.Now().UTC()
		cmd.Status = adapters.ScheduleFailed
		cmd.LastError = lastErr
		cmd.CompletedAt = &now
	})
}

// ReleaseStale returns commands claimed before the cutoff to pending.
func (s *ScheduleStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, cmd := range s.commands {
		if cmd.Status == adapters.ScheduleProcessing && cmd.ClaimedAt != nil && cmd.ClaimedAt.Before(claimedBefore) {
			cmd.Status = adapters.SchedulePending
			cmd.ClaimedAt = nil
			count++
		}
	}
	return count, nil
}

// Get returns a scheduled command by tenant and key.
func (s *ScheduleStore) Get(ctx context.Context, tenantID, key string) (*adapters.ScheduledCommand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[scheduleKey{tenantID, key}]
	if !ok {
		return nil, adapters.ErrScheduleNotFound
	}
	return adapters.CopyScheduledCommand(s.commands[id]), nil
}

// List returns the tenant's commands with any of the given statuses, ordered by due time.
func (s *ScheduleStore) List(ctx context.Context, tenantID string, statuses ...adapters.ScheduleStatus) ([]*adapters.ScheduledCommand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*adapters.ScheduledCommand
	for _, cmd := range s.commands {
		if cmd.TenantID != tenantID || !hasStatus(cmd.Status, statuses) {
			continue
		}
		result = append(result, adapters.CopyScheduledCommand(cmd))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DueAt.Equal(result[j].DueAt) {
			return s.seq[result[i].ID] < s.seq[result[j].ID]
		}
		return result[i].DueAt.Before(result[j].DueAt)
	})
	return result, nil
}

// Cleanup removes completed commands finished before the cutoff.
func (s *ScheduleStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var count int64
	for id, cmd := range s.commands {
		if cmd.Status == adapters.ScheduleCompleted && cmd.CompletedAt != nil && cmd.CompletedAt.Before(cutoff) {
			delete(s.commands, id)
			delete(s.byKey, scheduleKey{cmd.TenantID, cmd.Key})
			delete(s.seq, id)
			count++
		}
	}
	return count, nil
}

// Len returns the number of stored commands.
func (s *ScheduleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

func (s *ScheduleStore) update(ctx context.Context, id string, fn func(*adapters.ScheduledCommand)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return adapters.ErrScheduleNotFound
	}
	fn(cmd)
	return nil
}

func hasStatus(status adapters.ScheduleStatus, statuses []adapters.ScheduleStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
