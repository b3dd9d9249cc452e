package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// Ensure interface compliance at compile time.
var _ adapters.ProjectionStoreAdapter = (*ProjectionStore)(nil)

type checkpointKey struct {
	projection string
	tenantID   string
}

// ProjectionStore keeps read-model documents and projection checkpoints in memory.
// A single mutex covers both so CommitBatch is atomic.
type ProjectionStore struct {
	mu          sync.RWMutex
	checkpoints map[checkpointKey]*adapters.Checkpoint
	collections map[adapters.Collection]map[string]*adapters.Document
}

// NewProjectionStore creates a new in-memory projection store.
func NewProjectionStore() *ProjectionStore {
	return &ProjectionStore{
		checkpoints: make(map[checkpointKey]*adapters.Checkpoint),
		collections: make(map[adapters.Collection]map[string]*adapters.Document),
	}
}

// GetCheckpoint returns the checkpoint for (projection, tenant).
// Returns a zero checkpoint if none exists.
func (s *ProjectionStore) GetCheckpoint(ctx context.Context, projection, tenantID string) (*adapters.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		return nil, adapters.ErrEmptyTenantID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if cp, ok := s.checkpoints[checkpointKey{projection, tenantID}]; ok {
		copied := *cp
		return &copied, nil
	}
	return &adapters.Checkpoint{Projection: projection, TenantID: tenantID}, nil
}

// ListCheckpoints returns every stored checkpoint ordered by projection and tenant.
func (s *ProjectionStore) ListCheckpoints(ctx context.Context) ([]*adapters.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*adapters.Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		copied := *cp
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Projection == result[j].Projection {
			return result[i].TenantID < result[j].TenantID
		}
		return result[i].Projection < result[j].Projection
	})
	return result, nil
}

// SaveCheckpointState records the worker state without moving the position.
func (s *ProjectionStore) SaveCheckpointState(ctx context.Context, projection, tenantID, state, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tenantID == "" {
		return adapters.ErrEmptyTenantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.checkpointLocked(projection, tenantID)
	cp.State = state
	cp.Error = errMsg
	cp.UpdatedAt = time.Now().UTC()
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.TenantID == "" {
		return nil, adapters.ErrEmptyTenantID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[c][id]
	if !ok {
		return nil, adapters.ErrDocumentNotFound
	}
	return copyDocument(doc), nil
}

// ListDocuments returns all documents of the collection ordered by ID.
func (s *ProjectionStore) ListDocuments(ctx context.Context, c adapters.Collection) ([]*adapters.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.TenantID == "" {
		return nil, adapters.ErrEmptyTenantID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.collections[c]
	result := make([]*adapters.Document, 0, len(docs))
	for _, doc := range docs {
		if doc.Deleted {
			continue
		}
		result = append(result, copyDocument(doc))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CommitBatch applies the writes and, when cp is non-nil, advances the checkpoint.
func (s *ProjectionStore) CommitBatch(ctx context.Context, c adapters.Collection, writes []adapters.DocumentWrite, cp *adapters.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.TenantID == "" {
		return adapters.ErrEmptyTenantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	docs := s.collections[c]
	if docs == nil {
		docs = make(map[string]*adapters.Document)
		s.collections[c] = docs
	}

	for _, w := range writes {
		if w.Delete {
			docs[w.ID] = &adapters.Document{ID: w.ID, Version: w.Version, UpdatedAt: now, Deleted: true}
			continue
		}
		docs[w.ID] = &adapters.Document{
			ID:        w.ID,
			Version:   w.Version,
			Data:      append([]byte(nil), w.Data...),
			UpdatedAt: now,
		}
	}

	if cp != nil {
		stored := s.checkpointLocked(cp.Projection, cp.TenantID)
		if cp.Position > stored.Position {
			stored.Position = cp.Position
		}
		stored.Generation = cp.Generation
		if cp.State != "" {
			stored.State = cp.State
		}
		stored.Error = cp.Error
		stored.UpdatedAt = now
	}

	return nil
}

// ActivateGeneration points the checkpoint at cp.Generation and cp.Position,
// then drops the documents of the previously active generation.
func (s *ProjectionStore) ActivateGeneration(ctx context.Context, cp *adapters.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.TenantID == "" {
		return adapters.ErrEmptyTenantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.checkpointLocked(cp.Projection, cp.TenantID)
	previous := stored.Generation

	stored.Generation = cp.Generation
	stored.Position = cp.Position
	stored.State = cp.State
	stored.Error = ""
	stored.UpdatedAt = time.Now().UTC()

	if previous != cp.Generation {
		delete(s.collections, adapters.Collection{TenantID: cp.TenantID, Projection: cp.Projection, Generation: previous})
	}
	return nil
}

// DropCollection removes every document of the collection.
func (s *ProjectionStore) DropCollection(ctx context.Context, c adapters.Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections, c)
	return nil
}

// Clear removes all checkpoints and documents.
func (s *ProjectionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints = make(map[checkpointKey]*adapters.Checkpoint)
	s.collections = make(map[adapters.Collection]map[string]*adapters.Document)
}

// DocumentCount returns the number of documents in the collection.
func (s *ProjectionStore) DocumentCount(c adapters.Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[c])
}

func (s *ProjectionStore) checkpointLocked(projection, tenantID string) *adapters.Checkpoint {
	key := checkpointKey{projection, tenantID}
	cp, ok := s.checkpoints[key]
	if !ok {
		cp = &adapters.Checkpoint{Projection: projection, TenantID: tenantID}
		s.checkpoints[key] = cp
	}
	return cp
}

func copyDocument(doc *adapters.Document) *adapters.Document {
	copied := *doc
	copied.Data = append([]byte(nil), doc.Data...)
	return &copied
}
