package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore records processed command keys in PostgreSQL. Rows are
// keyed by (tenant_id, key).
type IdempotencyStore struct {
	db     *sql.DB
	schema string
	table  string
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithIdempotencySchema sets the PostgreSQL schema for the idempotency table.
func WithIdempotencySchema(schema string) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.schema = schema
	}
}

// WithIdempotencyTable sets the table name for idempotency records.
func WithIdempotencyTable(table string) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.table = table
	}
}

// NewIdempotencyStore creates a new PostgreSQL IdempotencyStore.
func NewIdempotencyStore(db *sql.DB, opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{
		db:     db,
		schema: "bookstore",
		table:  "idempotency",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewIdempotencyStoreFromAdapter creates an IdempotencyStore on the adapter's
// connection and schema.
func NewIdempotencyStoreFromAdapter(adapter *PostgresAdapter, opts ...IdempotencyStoreOption) *IdempotencyStore {
	return NewIdempotencyStore(adapter.db, append([]IdempotencyStoreOption{WithIdempotencySchema(adapter.schema)}, opts...)...)
}

func (s *IdempotencyStore) tableName() string {
	return quoteQualifiedTable(s.schema, s.table)
}

// Initialize creates the idempotency table if it doesn't exist.
func (s *IdempotencyStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := validateIdentifier(s.table, "table"); err != nil {
		return err
	}

	table := s.tableName()
	query := `
		CREATE SCHEMA IF NOT EXISTS ` + quoteIdentifier(s.schema) + `;

		CREATE TABLE IF NOT EXISTS ` + table + ` (
			tenant_id    TEXT NOT NULL,
			key          TEXT NOT NULL,
			command_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL DEFAULT '',
			version      BIGINT NOT NULL DEFAULT 0,
			error        TEXT NOT NULL DEFAULT '',
			success      BOOLEAN NOT NULL DEFAULT FALSE,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, key)
		);

		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_expires_at") + ` ON ` + table + ` (expires_at);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("bookstore/postgres/idempotency: failed to create table: %w", err)
	}
	return nil
}

// Store upserts the record under its tenant and key.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	if record.TenantID == "" {
		return adapters.ErrEmptyTenantID
	}

	query := `
		INSERT INTO ` + s.tableName() + ` (
			tenant_id, key, command_type, aggregate_id, version, error, success, processed_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			command_type = EXCLUDED.command_type,
			aggregate_id = EXCLUDED.aggregate_id,
			version      = EXCLUDED.version,
			error        = EXCLUDED.error,
			success      = EXCLUDED.success,
			processed_at = EXCLUDED.processed_at,
			expires_at   = EXCLUDED.expires_at
	`
	_, err := s.db.ExecContext(ctx, query,
		record.TenantID,
		record.Key,
		record.CommandType,
		record.AggregateID,
		record.Version,
		record.Error,
		record.Success,
		record.ProcessedAt,
		record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/idempotency: failed to store record %s/%s: %w", record.TenantID, record.Key, err)
	}
	return nil
}

// Get returns the tenant's unexpired record for key, or nil, nil.
func (s *IdempotencyStore) Get(ctx context.Context, tenantID, key string) (*adapters.IdempotencyRecord, error) {
	query := `
		SELECT tenant_id, key, command_type, aggregate_id, version, error, success, processed_at, expires_at
		FROM ` + s.tableName() + `
		WHERE tenant_id = $1 AND key = $2 AND expires_at > NOW()
	`

	var record adapters.IdempotencyRecord
	err := s.db.QueryRowContext(ctx, query, tenantID, key).Scan(
		&record.TenantID,
		&record.Key,
		&record.CommandType,
		&record.AggregateID,
		&record.Version,
		&record.Error,
		&record.Success,
		&record.ProcessedAt,
		&record.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/idempotency: failed to get record %s/%s: %w", tenantID, key, err)
	}
	return &record, nil
}

// Delete removes the tenant's record for key.
func (s *IdempotencyStore) Delete(ctx context.Context, tenantID, key string) error {
	query := `DELETE FROM ` + s.tableName() + ` WHERE tenant_id = $1 AND key = $2`
	if _, err := s.db.ExecContext(ctx, query, tenantID, key); err != nil {
		return fmt.Errorf("bookstore/postgres/idempotency: failed to delete record %s/%s: %w", tenantID, key, err)
	}
	return nil
}

// Cleanup removes records that expired or were processed before the cutoff.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM ` + s.tableName() + ` WHERE processed_at < $1 OR expires_at < NOW()`

	result, err := s.db.ExecContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("bookstore/postgres/idempotency: failed to clean up records: %w", err)
	}
	return result.RowsAffected()
}

// CountByTenant returns the number of stored records per tenant.
func (s *IdempotencyStore) CountByTenant(ctx context.Context) (map[string]int64, error) {
	query := `SELECT tenant_id, COUNT(*) FROM ` + s.tableName() + ` GROUP BY tenant_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/idempotency: failed to count records: %w", err)
	}
	defer rows.Close()
	return scanTenantCounts(rows)
}
