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

var _ adapters.OutboxStore = (*OutboxStore)(nil)

// outboxColumns is the column list every message query selects, in scan order.
const outboxColumns = `id, tenant_id, aggregate_id, event_type, destination, payload, headers,
	status, attempts, max_attempts, last_error, scheduled_at,
	last_attempt_at, processed_at, created_at`

// claimedColumns is outboxColumns qualified for the claim UPDATE ... FROM.
const claimedColumns = `o.id, o.tenant_id, o.aggregate_id, o.event_type, o.destination, o.payload, o.headers,
	o.status, o.attempts, o.max_attempts, o.last_error, o.scheduled_at,
	o.last_attempt_at, o.processed_at, o.created_at`

// OutboxStore is a PostgreSQL adapters.OutboxStore. Messages are claimed per
// tenant with FOR UPDATE SKIP LOCKED, so several processes can deliver
// concurrently without claiming the same message twice.
type OutboxStore struct {
	db          *sql.DB
	schema      string
	table       string
	maxAttempts int
}

// OutboxStoreOption configures an OutboxStore.
type OutboxStoreOption func(*OutboxStore)

// WithOutboxSchema sets the PostgreSQL schema for the outbox table.
func WithOutboxSchema(schema string) OutboxStoreOption {
	return func(s *OutboxStore) {
		s.schema = schema
	}
}

// WithOutboxTableName sets the table name for outbox messages.
func WithOutboxTableName(table string) OutboxStoreOption {
	return func(s *OutboxStore) {
		s.table = table
	}
}

// WithOutboxMaxAttempts sets the attempt budget for messages that do not carry one.
func WithOutboxMaxAttempts(n int) OutboxStoreOption {
	return func(s *OutboxStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewOutboxStore creates a new PostgreSQL OutboxStore.
func NewOutboxStore(db *sql.DB, opts ...OutboxStoreOption) *OutboxStore {
	s := &OutboxStore{
		db:          db,
		schema:      "bookstore",
		table:       "outbox",
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewOutboxStoreFromAdapter creates an OutboxStore on the adapter's connection and schema.
func NewOutboxStoreFromAdapter(adapter *PostgresAdapter, opts ...OutboxStoreOption) *OutboxStore {
	return NewOutboxStore(adapter.db, append([]OutboxStoreOption{WithOutboxSchema(adapter.schema)}, opts...)...)
}

func (s *OutboxStore) tableName() string {
	return quoteQualifiedTable(s.schema, s.table)
}

// Initialize creates the outbox table and its per-tenant claim index.
func (s *OutboxStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := validateIdentifier(s.table, "table"); err != nil {
		return err
	}

	table := s.tableName()
	_, err := s.db.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS `+quoteIdentifier(s.schema)+`;

		CREATE TABLE IF NOT EXISTS `+table+` (
			id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			seq             BIGSERIAL NOT NULL,
			tenant_id       VARCHAR(100) NOT NULL,
			aggregate_id    VARCHAR(255) NOT NULL,
			event_type      VARCHAR(255) NOT NULL,
			destination     VARCHAR(255) NOT NULL,
			payload         BYTEA NOT NULL,
			headers         JSONB NOT NULL DEFAULT '{}',
			status          INT NOT NULL DEFAULT 0,
			attempts        INT NOT NULL DEFAULT 0,
			max_attempts    INT NOT NULL DEFAULT 5,
			last_error      TEXT,
			scheduled_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_attempt_at TIMESTAMPTZ,
			processed_at    TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS `+quoteIdentifier("idx_"+s.table+"_tenant_pending")+`
			ON `+table+` (tenant_id, scheduled_at, seq) WHERE status = 0;
		CREATE INDEX IF NOT EXISTS `+quoteIdentifier("idx_"+s.table+"_tenant_dead_letter")+`
			ON `+table+` (tenant_id, created_at) WHERE status = 4;
	`)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/outbox: failed to create table: %w", err)
	}
	return nil
}

// Schedule inserts the messages in one transaction and sets their IDs.
func (s *OutboxStore) Schedule(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}
	for _, msg := range messages {
		if msg.TenantID == "" {
			return adapters.ErrEmptyTenantID
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/outbox: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO ` + s.tableName() + ` (
			tenant_id, aggregate_id, event_type, destination, payload, headers,
			max_attempts, scheduled_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	now := time.Now()
	for _, msg := range messages {
		headers, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("bookstore/postgres/outbox: failed to encode headers: %w", err)
		}
		if msg.ScheduledAt.IsZero() {
			msg.ScheduledAt = now
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.MaxAttempts == 0 {
			msg.MaxAttempts = s.maxAttempts
		}

		err = tx.QueryRowContext(ctx, insert,
			msg.TenantID, msg.AggregateID, msg.EventType, msg.Destination, msg.Payload, headers,
			msg.MaxAttempts, msg.ScheduledAt, msg.CreatedAt,
		).Scan(&msg.ID)
		if err != nil {
			return fmt.Errorf("bookstore/postgres/outbox: failed to insert message for tenant %s: %w", msg.TenantID, err)
		}
		msg.Status = adapters.OutboxPending
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bookstore/postgres/outbox: failed to commit: %w", err)
	}
	return nil
}

// PendingTenants returns the tenants with due pending messages.
func (s *OutboxStore) PendingTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM `+s.tableName()+`
		WHERE status = $1 AND scheduled_at <= NOW()
		ORDER BY tenant_id`, int(adapters.OutboxPending))
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/outbox: failed to list pending tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("bookstore/postgres/outbox: failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenantID)
	}
	return tenants, rows.Err()
}

// FetchPending claims up to limit of the tenant's due messages, oldest first.
func (s *OutboxStore) FetchPending(ctx context.Context, tenantID string, limit int) ([]*adapters.OutboxMessage, error) {
	if tenantID == "" {
		return nil, adapters.ErrEmptyTenantID
	}

	table := s.tableName()
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id FROM `+table+`
			WHERE tenant_id = $1 AND status = $2 AND scheduled_at <= NOW()
			ORDER BY scheduled_at, seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE `+table+` AS o SET
			status = $4,
			attempts = o.attempts + 1,
			last_attempt_at = NOW()
		FROM claimed
		WHERE o.id = claimed.id
		RETURNING `+claimedColumns,
		tenantID, int(adapters.OutboxPending), limit, int(adapters.OutboxProcessing))
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/outbox: failed to claim messages for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not keep the claim order.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ScheduledAt.Before(messages[j].ScheduledAt)
	})
	return messages, nil
}

// MarkCompleted marks messages as delivered.
func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE `+s.tableName()+` SET status = $1, processed_at = NOW()
		WHERE id = ANY($2)`, int(adapters.OutboxCompleted), ids)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/outbox: failed to mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	var msg string
	if lastErr != nil {
		msg = lastErr.Error()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+s.tableName()+` SET status = $1, last_error = $2
		WHERE id = $3`, int(adapters.OutboxFailed), msg, id)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/outbox: failed to mark failed: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("bookstore/postgres/outbox: failed to mark failed: %w", err)
	} else if n == 0 {
		return adapters.ErrOutboxMessageNotFound
	}
	return nil
}

// RetryFailed requeues failed messages that have attempts left.
func (s *OutboxStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+s.tableName()+` SET status = $1
		WHERE status = $2 AND attempts < $3`,
		int(adapters.OutboxPending), int(adapters.OutboxFailed), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("bookstore/postgres/outbox: failed to requeue failed messages: %w", err)
	}
	return result.RowsAffected()
}

// MoveToDeadLetter parks failed messages that used up their attempts.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH parked AS (
			UPDATE `+s.tableName()+` SET status = $1
			WHERE status = $2 AND attempts >= $3
			RETURNING tenant_id
		)
		SELECT tenant_id, COUNT(*) FROM parked GROUP BY tenant_id`,
		int(adapters.OutboxDeadLetter), int(adapters.OutboxFailed), maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/outbox: failed to dead-letter messages: %w", err)
	}
	defer rows.Close()
	return scanTenantCounts(rows)
}

// CountPending returns the number of pending messages per tenant.
func (s *OutboxStore) CountPending(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, COUNT(*) FROM `+s.tableName()+`
		WHERE status = $1
		GROUP BY tenant_id`, int(adapters.OutboxPending))
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/outbox: failed to count pending messages: %w", err)
	}
	defer rows.Close()
	return scanTenantCounts(rows)
}

// GetDeadLetterMessages returns the tenant's dead-lettered messages, newest first.
func (s *OutboxStore) GetDeadLetterMessages(ctx context.Context, tenantID string, limit int) ([]*adapters.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM `+s.tableName()+`
		WHERE tenant_id = $1 AND status = $2
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`, tenantID, int(adapters.OutboxDeadLetter), limit)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/outbox: failed to list dead-lettered messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Cleanup removes messages delivered before the cutoff.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM `+s.tableName()+`
		WHERE status = $1 AND processed_at < $2`,
		int(adapters.OutboxCompleted), time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("bookstore/postgres/outbox: failed to remove delivered messages: %w", err)
	}
	return result.RowsAffected()
}

// get returns one message by ID.
func (s *OutboxStore) get(ctx context.Context, id string) (*adapters.OutboxMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM `+s.tableName()+` WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.ErrOutboxMessageNotFound
	}
	return msg, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*adapters.OutboxMessage, error) {
	var (
		msg           adapters.OutboxMessage
		headers       []byte
		status        int
		lastError     sql.NullString
		lastAttemptAt sql.NullTime
		processedAt   sql.NullTime
	)
	err := row.Scan(
		&msg.ID, &msg.TenantID, &msg.AggregateID, &msg.EventType, &msg.Destination,
		&msg.Payload, &headers, &status, &msg.Attempts, &msg.MaxAttempts, &lastError,
		&msg.ScheduledAt, &lastAttemptAt, &processedAt, &msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("bookstore/postgres/outbox: failed to scan message: %w", err)
	}

	msg.Status = adapters.OutboxStatus(status)
	msg.LastError = lastError.String
	if lastAttemptAt.Valid {
		msg.LastAttemptAt = &lastAttemptAt.Time
	}
	if processedAt.Valid {
		msg.ProcessedAt = &processedAt.Time
	}
	if len(headers) > 0 && string(headers) != "null" {
		if err := json.Unmarshal(headers, &msg.Headers); err != nil {
			return nil, fmt.Errorf("bookstore/postgres/outbox: failed to decode headers of %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]*adapters.OutboxMessage, error) {
	var messages []*adapters.OutboxMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookstore/postgres/outbox: failed to read messages: %w", err)
	}
	return messages, nil
}

func scanTenantCounts(rows *sql.Rows) (map[string]int64, error) {
	counts := make(map[string]int64)
	for rows.Next() {
		var tenantID string
		var n int64
		if err := rows.Scan(&tenantID, &n); err != nil {
			return nil, fmt.Errorf("bookstore/postgres: failed to scan tenant count: %w", err)
		}
		counts[tenantID] = n
	}
	return counts, rows.Err()
}
