// Package postgres provides PostgreSQL implementations of the storage adapters.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Version constants for optimistic concurrency control.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// Sentinel errors for the postgres adapter.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamID       = adapters.ErrEmptyStreamID
	ErrEmptyTenantID       = adapters.ErrEmptyTenantID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrStreamCollision     = adapters.ErrStreamCollision
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker     = (*PostgresAdapter)(nil)
	_ adapters.Migrator          = (*PostgresAdapter)(nil)
)

// PostgresAdapter is a PostgreSQL implementation of EventStoreAdapter.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	closed bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter opens a connection pool through the pgx stdlib driver.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres: failed to open database: %w", err)
	}

	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	adapter := &PostgresAdapter{
		db:     db,
		schema: "bookstore",
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize creates the required database schema and tables.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate creates the schema, the streams table and the events table.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	if err := validateIdentifier(a.schema, "schema"); err != nil {
		return err
	}

	statements := []struct {
		what string
		sql  string
	}{
		{"schema", fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, a.schema)},
		{"streams table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.streams (
				tenant_id   VARCHAR(100) NOT NULL,
				stream_id   VARCHAR(500) NOT NULL,
				category    VARCHAR(250) NOT NULL,
				version     BIGINT NOT NULL DEFAULT 0,
				created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (tenant_id, stream_id)
			)`, a.schema)},
		{"events table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.events (
				global_position BIGSERIAL PRIMARY KEY,
				tenant_id       VARCHAR(100) NOT NULL,
				stream_id       VARCHAR(500) NOT NULL,
				version         BIGINT NOT NULL,
				event_id        UUID NOT NULL DEFAULT gen_random_uuid(),
				event_type      VARCHAR(500) NOT NULL,
				data            JSONB NOT NULL,
				metadata        JSONB,
				timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE(tenant_id, stream_id, version)
			)`, a.schema)},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_tenant_position ON %s.events(tenant_id, global_position)`, a.schema)},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_type ON %s.events(event_type)`, a.schema)},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_streams_category ON %s.streams(tenant_id, category)`, a.schema)},
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("bookstore/postgres: failed to create %s: %w", stmt.what, err)
		}
	}

	return nil
}

// Append stores events to the specified stream with optimistic concurrency control.
//
// Appends for one tenant are serialized with a transaction-scoped advisory
// lock so global positions within a tenant become visible in order.
func (a *PostgresAdapter) Append(ctx context.Context, tenantID, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	if err := adapters.ValidateScope(tenantID, streamID); err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID); err != nil {
		return nil, fmt.Errorf("bookstore/postgres: failed to lock tenant: %w", err)
	}

	var currentVersion int64
	streamExists := true

	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version FROM %s.streams
		WHERE tenant_id = $1 AND stream_id = $2
		FOR UPDATE`, a.schema), tenantID, streamID).Scan(&currentVersion)

	if errors.Is(err, sql.ErrNoRows) {
		streamExists = false
		currentVersion = 0
	} else if err != nil {
		return nil, fmt.Errorf("bookstore/postgres: failed to get stream version: %w", err)
	}

	if err := adapters.CheckVersion(tenantID, streamID, expectedVersion, currentVersion, streamExists); err != nil {
		return nil, err
	}

	if !streamExists {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.streams (tenant_id, stream_id, category, version)
			VALUES ($1, $2, $3, 0)`, a.schema), tenantID, streamID, adapters.ExtractCategory(streamID))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, adapters.NewStreamCollisionError(tenantID, streamID, 0)
			}
			return nil, fmt.Errorf("bookstore/postgres: failed to create stream: %w", err)
		}
	}

	storedEvents := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		currentVersion++

		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("bookstore/postgres: failed to marshal metadata: %w", err)
		}

		var globalPosition uint64
		var eventID string
		var timestamp time.Time

		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.events (tenant_id, stream_id, version, event_type, data, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING global_position, event_id, timestamp`, a.schema),
			tenantID, streamID, currentVersion, event.Type, event.Data, metadataJSON,
		).Scan(&globalPosition, &eventID, &timestamp)

		if err != nil {
			if isUniqueViolation(err) {
				return nil, adapters.NewConcurrencyError(tenantID, streamID, expectedVersion, currentVersion)
			}
			return nil, fmt.Errorf("bookstore/postgres: failed to insert event: %w", err)
		}

		storedEvents[i] = adapters.StoredEvent{
			ID:             eventID,
			TenantID:       tenantID,
			StreamID:       streamID,
			Type:           event.Type,
			Data:           event.Data,
			Metadata:       event.Metadata,
			Version:        currentVersion,
			GlobalPosition: globalPosition,
			Timestamp:      timestamp.UTC(),
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s.streams
		SET version = $1, updated_at = NOW()
		WHERE tenant_id = $2 AND stream_id = $3`, a.schema), currentVersion, tenantID, streamID)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres: failed to update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bookstore/postgres: failed to commit transaction: %w", err)
	}

	return storedEvents, nil
}

// Load retrieves the events of a stream after fromVersion.
func (a *PostgresAdapter) Load(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	if err := adapters.ValidateScope(tenantID, streamID); err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT global_position, event_id, tenant_id, stream_id, version, event_type, data, metadata, timestamp
		FROM %s.events
		WHERE tenant_id = $1 AND stream_id = $2 AND version > $3
		ORDER BY version`, a.schema), tenantID, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadFromPosition returns the tenant's events after fromPosition in global order.
func (a *PostgresAdapter) LoadFromPosition(ctx context.Context, tenantID string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT global_position, event_id, tenant_id, stream_id, version, event_type, data, metadata, timestamp
		FROM %s.events
		WHERE tenant_id = $1 AND global_position > $2
		ORDER BY global_position
		LIMIT $3`, a.schema), tenantID, int64(fromPosition), adapters.DefaultLimit(limit, 1000))
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var event adapters.StoredEvent
		var metadataJSON []byte

		err := rows.Scan(
			&event.GlobalPosition,
			&event.ID,
			&event.TenantID,
			&event.StreamID,
			&event.Version,
			&event.Type,
			&event.Data,
			&metadataJSON,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("bookstore/postgres: failed to scan event: %w", err)
		}
		event.Timestamp = event.Timestamp.UTC()

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("bookstore/postgres: failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookstore/postgres: error iterating events: %w", err)
	}

	return events, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, tenantID, streamID string) (*adapters.StreamInfo, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	if err := adapters.ValidateScope(tenantID, streamID); err != nil {
		return nil, err
	}

	var info adapters.StreamInfo
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT tenant_id, stream_id, category, version, created_at, updated_at,
			(SELECT COUNT(*) FROM %[1]s.events e WHERE e.tenant_id = s.tenant_id AND e.stream_id = s.stream_id)
		FROM %[1]s.streams s
		WHERE tenant_id = $1 AND stream_id = $2`, a.schema), tenantID, streamID).Scan(
		&info.TenantID,
		&info.StreamID,
		&info.Category,
		&info.Version,
		&info.CreatedAt,
		&info.UpdatedAt,
		&info.EventCount,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(tenantID, streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres: failed to get stream info: %w", err)
	}

	return &info, nil
}

// GetLastPosition returns the global position of the tenant's last event.
func (a *PostgresAdapter) GetLastPosition(ctx context.Context, tenantID string) (uint64, error) {
	if a.closed {
		return 0, ErrAdapterClosed
	}

	var pos sql.NullInt64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MAX(global_position) FROM %s.events WHERE tenant_id = $1`, a.schema), tenantID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("bookstore/postgres: failed to get last position: %w", err)
	}

	if pos.Valid {
		return uint64(pos.Int64), nil
	}
	return 0, nil
}

// Close releases the database connection.
func (a *PostgresAdapter) Close() error {
	a.closed = true
	return a.db.Close()
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
