package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// Ensure interface compliance at compile time.
var _ adapters.ProjectionStoreAdapter = (*ProjectionStore)(nil)

// ProjectionStore stores read-model documents as JSONB and projection checkpoints
// in the same database so a batch and its checkpoint commit in one transaction.
type ProjectionStore struct {
	db     *sql.DB
	schema string
}

// ProjectionStoreOption configures a ProjectionStore.
type ProjectionStoreOption func(*ProjectionStore)

// WithProjectionSchema sets the PostgreSQL schema for the projection tables.
func WithProjectionSchema(schema string) ProjectionStoreOption {
	return func(s *ProjectionStore) {
		s.schema = schema
	}
}

// NewProjectionStore creates a new PostgreSQL projection store.
func NewProjectionStore(db *sql.DB, opts ...ProjectionStoreOption) *ProjectionStore {
	s := &ProjectionStore{db: db, schema: "bookstore"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewProjectionStoreFromAdapter creates a ProjectionStore sharing the adapter's connection and schema.
func NewProjectionStoreFromAdapter(adapter *PostgresAdapter, opts ...ProjectionStoreOption) *ProjectionStore {
	allOpts := append([]ProjectionStoreOption{WithProjectionSchema(adapter.schema)}, opts...)
	return NewProjectionStore(adapter.db, allOpts...)
}

func (s *ProjectionStore) checkpoints() string {
	return quoteQualifiedTable(s.schema, "checkpoints")
}

func (s *ProjectionStore) documents() string {
	return quoteQualifiedTable(s.schema, "documents")
}

// Initialize creates the checkpoint and document tables.
func (s *ProjectionStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}

	query := `
		CREATE SCHEMA IF NOT EXISTS ` + quoteIdentifier(s.schema) + `;

		CREATE TABLE IF NOT EXISTS ` + s.checkpoints() + ` (
			projection  VARCHAR(250) NOT NULL,
			tenant_id   VARCHAR(100) NOT NULL,
			position    BIGINT NOT NULL DEFAULT 0,
			generation  BIGINT NOT NULL DEFAULT 0,
			state       VARCHAR(50) NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (projection, tenant_id)
		);

		CREATE TABLE IF NOT EXISTS ` + s.documents() + ` (
			tenant_id   VARCHAR(100) NOT NULL,
			projection  VARCHAR(250) NOT NULL,
			generation  BIGINT NOT NULL,
			id          VARCHAR(500) NOT NULL,
			version     BIGINT NOT NULL,
			data        JSONB NOT NULL,
			deleted     BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, projection, generation, id)
		);

		ALTER TABLE ` + s.documents() + ` ADD COLUMN IF NOT EXISTS deleted BOOLEAN NOT NULL DEFAULT FALSE;
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("bookstore/postgres/projection: failed to create tables: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint for (projection, tenant), or a zero checkpoint.
func (s *ProjectionStore) GetCheckpoint(ctx context.Context, projection, tenantID string) (*adapters.Checkpoint, error) {
	if tenantID == "" {
		return nil, adapters.ErrEmptyTenantID
	}

	cp := &adapters.Checkpoint{Projection: projection, TenantID: tenantID}
	var position int64
	err := s.db.QueryRowContext(ctx, `
		SELECT position, generation, state, error, updated_at
		FROM `+s.checkpoints()+`
		WHERE projection = $1 AND tenant_id = $2`, projection, tenantID).Scan(
		&position, &cp.Generation, &cp.State, &cp.Error, &cp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/projection: failed to get checkpoint: %w", err)
	}
	cp.Position = uint64(position)
	return cp, nil
}

// ListCheckpoints returns every stored checkpoint.
func (s *ProjectionStore) ListCheckpoints(ctx context.Context) ([]*adapters.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT projection, tenant_id, position, generation, state, error, updated_at
		FROM `+s.checkpoints()+`
		ORDER BY projection, tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/projection: failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var result []*adapters.Checkpoint
	for rows.Next() {
		cp := &adapters.Checkpoint{}
		var position int64
		if err := rows.Scan(&cp.Projection, &cp.TenantID, &position, &cp.Generation, &cp.State, &cp.Error, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("bookstore/postgres/projection: failed to scan checkpoint: %w", err)
		}
		cp.Position = uint64(position)
		result = append(result, cp)
	}
	return result, rows.Err()
}

// SaveCheckpointState records the worker state without moving the position.
func (s *ProjectionStore) SaveCheckpointState(ctx context.Context, projection, tenantID, state, errMsg string) error {
	if tenantID == "" {
		return adapters.ErrEmptyTenantID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.checkpoints()+` (projection, tenant_id, state, error)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (projection, tenant_id) DO UPDATE SET
			state = EXCLUDED.state,
			error = EXCLUDED.error,
			updated_at = NOW()`, projection, tenantID, state, errMsg)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/projection: failed to save state: %w", err)
	}
	return nil
}

// GetDocument returns a live document from the collection.
func (s *ProjectionStore) GetDocument(ctx context.Context, c adapters.Collection, id string) (*adapters.Document, error) {
	doc, err := s.GetDocumentOrTombstone(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, adapters.ErrDocumentNotFound
	}
	return doc, nil
}

// GetDocumentOrTombstone returns a document or its tombstone.
func (s *ProjectionStore) GetDocumentOrTombstone(ctx context.Context, c adapters.Collection, id string) (*adapters.Document, error) {
	if c.TenantID == "" {
		return nil, adapters.ErrEmptyTenantID
	}

	doc := &adapters.Document{ID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT version, data, deleted, updated_at
		FROM `+s.documents()+`
		WHERE tenant_id = $1 AND projection = $2 AND generation = $3 AND id = $4`,
		c.TenantID, c.Projection, c.Generation, id,
	).Scan(&doc.Version, &doc.Data, &doc.Deleted, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/projection: failed to get document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns all documents of the collection ordered by ID.
func (s *ProjectionStore) ListDocuments(ctx context.Context, c adapters.Collection) ([]*adapters.Document, error) {
	if c.TenantID == "" {
		return nil, adapters.ErrEmptyTenantID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, data, updated_at
		FROM `+s.documents()+`
		WHERE tenant_id = $1 AND projection = $2 AND generation = $3 AND NOT deleted
		ORDER BY id`, c.TenantID, c.Projection, c.Generation)
	if err != nil {
		return nil, fmt.Errorf("bookstore/postgres/projection: failed to list documents: %w", err)
	}
	defer rows.Close()

	var result []*adapters.Document
	for rows.Next() {
		doc := &adapters.Document{}
		if err := rows.Scan(&doc.ID, &doc.Version, &doc.Data, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("bookstore/postgres/projection: failed to scan document: %w", err)
		}
		result = append(result, doc)
	}
	return result, rows.Err()
}

// CommitBatch applies the writes and advances the checkpoint in one transaction.
func (s *ProjectionStore) CommitBatch(ctx context.Context, c adapters.Collection, writes []adapters.DocumentWrite, cp *adapters.Checkpoint) error {
	if c.TenantID == "" {
		return adapters.ErrEmptyTenantID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/projection: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range writes {
		data := w.Data
		if w.Delete {
			data = []byte("null")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO `+s.documents()+` (tenant_id, projection, generation, id, version, data, deleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tenant_id, projection, generation, id) DO UPDATE SET
				version = EXCLUDED.version,
				data = EXCLUDED.data,
				deleted = EXCLUDED.deleted,
				updated_at = NOW()`,
			c.TenantID, c.Projection, c.Generation, w.ID, w.Version, data, w.Delete)
		if err != nil {
			return fmt.Errorf("bookstore/postgres/projection: failed to write document %q: %w", w.ID, err)
		}
	}

	if cp != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO `+s.checkpoints()+` AS cp (projection, tenant_id, position, generation, state, error)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (projection, tenant_id) DO UPDATE SET
				position = GREATEST(cp.position, EXCLUDED.position),
				generation = EXCLUDED.generation,
				state = CASE WHEN EXCLUDED.state = '' THEN cp.state ELSE EXCLUDED.state END,
				error = EXCLUDED.error,
				updated_at = NOW()`,
			cp.Projection, cp.TenantID, int64(cp.Position), cp.Generation, cp.State, cp.Error)
		if err != nil {
			return fmt.Errorf("bookstore/postgres/projection: failed to save checkpoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bookstore/postgres/projection: failed to commit: %w", err)
	}
	return nil
}

// ActivateGeneration swaps the active generation and drops the previous one.
func (s *ProjectionStore) ActivateGeneration(ctx context.Context, cp *adapters.Checkpoint) error {
	if cp.TenantID == "" {
		return adapters.ErrEmptyTenantID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/projection: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous int64
	err = tx.QueryRowContext(ctx, `
		SELECT generation FROM `+s.checkpoints()+`
		WHERE projection = $1 AND tenant_id = $2
		FOR UPDATE`, cp.Projection, cp.TenantID).Scan(&previous)
	hadCheckpoint := true
	if errors.Is(err, sql.ErrNoRows) {
		hadCheckpoint = false
	} else if err != nil {
		return fmt.Errorf("bookstore/postgres/projection: failed to lock checkpoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+s.checkpoints()+` (projection, tenant_id, position, generation, state, error)
		VALUES ($1, $2, $3, $4, $5, '')
		ON CONFLICT (projection, tenant_id) DO UPDATE SET
			position = EXCLUDED.position,
			generation = EXCLUDED.generation,
			state = EXCLUDED.state,
			error = '',
			updated_at = NOW()`,
		cp.Projection, cp.TenantID, int64(cp.Position), cp.Generation, cp.State)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/projection: failed to activate generation: %w", err)
	}

	if hadCheckpoint && previous != cp.Generation {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM `+s.documents()+`
			WHERE tenant_id = $1 AND projection = $2 AND generation = $3`,
			cp.TenantID, cp.Projection, previous)
		if err != nil {
			return fmt.Errorf("bookstore/postgres/projection: failed to drop previous generation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bookstore/postgres/projection: failed to commit: %w", err)
	}
	return nil
}

// DropCollection removes every document of the collection.
func (s *ProjectionStore) DropCollection(ctx context.Context, c adapters.Collection) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM `+s.documents()+`
		WHERE tenant_id = $1 AND projection = $2 AND generation = $3`,
		c.TenantID, c.Projection, c.Generation)
	if err != nil {
		return fmt.Errorf("bookstore/postgres/projection: failed to drop collection: %w", err)
	}
	return nil
}
