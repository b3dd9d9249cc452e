package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// Ensure interface compliance at compile time.
var _ adapters.ScheduleStore = (*ScheduleStore)(nil)

// ScheduleStore provides a PostgreSQL implementation of adapters.ScheduleStore.
// Claims use FOR UPDATE SKIP LOCKED so several pollers can share the table.
type ScheduleStore struct {
	db     *sql.DB
	schema string
	table  string
}

// ScheduleStoreOption configures a ScheduleStore.
type ScheduleStoreOption func(*ScheduleStore)

// WithScheduleSchema sets the PostgreSQL schema for the schedule table.
func WithScheduleSchema(schema string) ScheduleStoreOption {
	return func(s *ScheduleStore) {
		s.schema = schema
	}
}

// WithScheduleTable sets the table name for scheduled commands.
func WithScheduleTable(table string) ScheduleStoreOption {
	return func(s *ScheduleStore) {
		s.table = table
	}
}

// NewScheduleStore creates a new PostgreSQL ScheduleStore.
func NewScheduleStore(db *sql.DB, opts ...ScheduleStoreOption) *ScheduleStore {
	s := &ScheduleStore{
		db:     db,
		schema: "bookstore",
		table:  "scheduled_commands",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewScheduleStoreFromAdapter creates a ScheduleStore sharing the adapter's connection and schema.
func NewScheduleStoreFromAdapter(adapter *PostgresAdapter, opts ...ScheduleStoreOption) *ScheduleStore {
	allOpts := append([]ScheduleStoreOption{WithScheduleSchema(adapter.schema)}, opts...)
	return NewScheduleStore(adapter.db, allOpts...)
}

func (s *ScheduleStore) fullTableName() string {
	return quoteQualifiedTable(s.schema, s.table)
}

// Initialize creates the schedule table if it doesn't exist.
func (s *ScheduleStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := validateIdentifier(s.table, "table"); err != nil {
		return err
	}

	tableQ := s.fullTableName()
	query := `
		CREATE SCHEMA IF NOT EXISTS ` + quoteIdentifier(s.schema) + `;

		CREATE TABLE IF NOT EXISTS ` + tableQ + ` (
			id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id     VARCHAR(100) NOT NULL,
			key           VARCHAR(255) NOT NULL,
			stream_key    VARCHAR(500) NOT NULL,
			command_type  VARCHAR(255) NOT NULL,
			payload       JSONB NOT NULL,
			metadata      JSONB,
			due_at        TIMESTAMPTZ NOT NULL,
			status        INT NOT NULL DEFAULT 0,
			attempts      INT NOT NULL DEFAULT 0,
			last_error    TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			claimed_at    TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ,
			UNIQUE (tenant_id, key)
		);

		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_due") + ` ON ` + tableQ + ` (due_at) WHERE status = 0;
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("bookstore/postgres/schedule: failed to create table: %w", err)
	}
	return nil
}

// Schedule stores the command unless the tenant already has one with the same key.
func (s *ScheduleStore) Schedule(ctx context.Context, cmd *adapters.ScheduledCommand) (bool, error) {
	if cmd.TenantID == "" {
		return false, adapters.ErrEmptyTenantID
	}

	metadataJSON, err := json.Marshal(cmd.Metadata)
	if err != nil {
		return false, fmt.Errorf("bookstore/postgres/schedule: failed to marshal metadata: %w", err)
	}

	createdAt := cmd.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO `+s.fullTableName()+` (
			tenant_id, key, stream_key, command_type, payload, metadata, due_at, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, key) DO NOTHING
		RETURNING id`,
		cmd.TenantID, cmd.Key, cmd.StreamKey, cmd.CommandType, cmd.Payload, metadataJSON,
		cmd.DueAt, int(adapters.SchedulePending), createdAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bookstore/postgres/schedule: failed to insert command: %w", err)
	}

	cmd.ID = id
	cmd.CreatedAt = createdAt
	cmd.Status = adapters.SchedulePending
	return true, nil
}

const scheduleColumns = `id, tenant_id, key, stream_key, command_type, payload, metadata, due_at,
	status, attempts, last_error, created_at, claimed_at, completed_at`

// ClaimDue atomically moves due pending commands to processing.
func (s *ScheduleStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*adapters.ScheduledCommand, error) {
	tableQ := s.fullTableName()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE `+tableQ+` SET
			status = $1,
			attempts = attempts + 1,
			claimed_at = $2
		WHERE id IN (
			SELECT id FROM `+tableQ+`
			WHERE status = $3 AND due_at <= $2
			ORDER BY due_at, created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+scheduleColumns,
		int(adapters.ScheduleProcessing), now, int(adapters.SchedulePending), adapters.DefaultLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/schedule: failed to claim commands: %w", err)
	}
	defer rows.Close()

	cmds, err := scanScheduled(rows)
	if err != nil {
		return nil, err
	}
	sortByDue(cmds)
	return cmds, nil
}

// MarkCompleted marks a command as dispatched.
func (s *ScheduleStore) MarkCompleted(ctx context.Context, id string) error {
	return s.exec(ctx, `
		UPDATE `+s.fullTableName()+` SET status = $1, completed_at = NOW(), last_error = ''
		WHERE id = $2`, int(adapters.ScheduleCompleted), id)
}

// Reschedule returns a command to pending with a new due time.
func (s *ScheduleStore) Reschedule(ctx context.Context, id string, dueAt time.Time, lastErr string) error {
	return s.exec(ctx, `
		UPDATE `+s.fullTableName()+` SET status = $1, due_at = $2, last_error = $3, claimed_at = NULL
		WHERE id = $4`, int(adapters.SchedulePending), dueAt, lastErr, id)
}

// MarkFailed marks a command as permanently failed.
func (s *ScheduleStore) MarkFailed(ctx context.Context, id string, lastErr string) error {
	return s.exec(ctx, `
		UPDATE `+s.fullTableName()+` SET status = $1, last_error = $2, completed_at = NOW()
		WHERE id = $3`, int(adapters.ScheduleFailed), lastErr, id)
}

func (s *ScheduleStore) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/schedule: failed to update command: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("bookstore/postgres/schedule: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return adapters.ErrScheduleNotFound
	}
	return nil
}

// ReleaseStale returns commands claimed before the cutoff to pending.
func (s *ScheduleStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+s.fullTableName()+` SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < $3`,
		int(adapters.SchedulePending), int(adapters.ScheduleProcessing), claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("bookstore/postgres/schedule: failed to release stale commands: %w", err)
	}
	return result.RowsAffected()
}

// Get returns a scheduled command by tenant and key.
func (s *ScheduleStore) Get(ctx context.Context, tenantID, key string) (*adapters.ScheduledCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM `+s.fullTableName()+`
		WHERE tenant_id = $1 AND key = $2`, tenantID, key)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/schedule: failed to get command: %w", err)
	}
	defer rows.Close()

	cmds, err := scanScheduled(rows)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, adapters.ErrScheduleNotFound
	}
	return cmds[0], nil
}

// List returns the tenant's commands with any of the given statuses.
func (s *ScheduleStore) List(ctx context.Context, tenantID string, statuses ...adapters.ScheduleStatus) ([]*adapters.ScheduledCommand, error) {
	query := `SELECT ` + scheduleColumns + ` FROM ` + s.fullTableName() + ` WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if len(statuses) > 0 {
		codes := make([]int32, len(statuses))
		for i, st := range statuses {
			codes[i] = int32(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, codes)
	}
	query += ` ORDER BY due_at, created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/schedule: failed to list commands: %w", err)
	}
	defer rows.Close()

	return scanScheduled(rows)
}

// Cleanup removes completed commands finished before the cutoff.
func (s *ScheduleStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM `+s.fullTableName()+`
		WHERE status = $1 AND completed_at < $2`,
		int(adapters.ScheduleCompleted), time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("bookstore/postgres/schedule: failed to cleanup: %w", err)
	}
	return result.RowsAffected()
}

func scanScheduled(rows *sql.Rows) ([]*adapters.ScheduledCommand, error) {
	var result []*adapters.ScheduledCommand
	for rows.Next() {
		cmd := &adapters.ScheduledCommand{}
		var (
			metadataJSON []byte
			status       int
			claimedAt    sql.NullTime
			completedAt  sql.NullTime
		)
		if err := rows.Scan(
			&cmd.ID, &cmd.TenantID, &cmd.Key, &cmd.StreamKey, &cmd.CommandType, &cmd.Payload, &metadataJSON,
			&cmd.DueAt, &status, &cmd.Attempts, &cmd.LastError, &cmd.CreatedAt, &claimedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("bookstore/postgres/schedule: failed to scan command: %w", err)
		}
		cmd.Status = adapters.ScheduleStatus(status)
		if claimedAt.Valid {
			cmd.ClaimedAt = &claimedAt.Time
		}
		if completedAt.Valid {
			cmd.CompletedAt = &completedAt.Time
		}
		if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
			if err := json.Unmarshal(metadataJSON, &cmd.Metadata); err != nil {
				return nil, fmt.Errorf("bookstore/postgres/schedule: failed to unmarshal metadata: %w", err)
			}
		}
		result = append(result, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookstore/postgres/schedule: error iterating rows: %w", err)
	}
	return result, nil
}

// sortByDue orders claimed commands; UPDATE ... RETURNING does not preserve the subquery order.
func sortByDue(cmds []*adapters.ScheduledCommand) {
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].DueAt.Equal(cmds[j].DueAt) {
			return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
		}
		return cmds[i].DueAt.Before(cmds[j].DueAt)
	})
}
