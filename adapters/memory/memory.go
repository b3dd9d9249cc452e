// Package memory provides in-memory implementations of the storage adapters.
// They are intended for tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
	"github.com/google/uuid"
)

// Version constants for optimistic concurrency control.
// These are re-exported from the adapters package for convenience.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// Ensure MemoryAdapter implements all required interfaces.
var (
	_ adapters.EventStoreAdapter = (*MemoryAdapter)(nil)
	_ adapters.AppendListener    = (*MemoryAdapter)(nil)
	_ adapters.HealthChecker     = (*MemoryAdapter)(nil)
)

type streamKey struct {
	tenantID string
	streamID string
}

// MemoryAdapter is an in-memory implementation of EventStoreAdapter.
// It is thread-safe and suitable for unit testing.
type MemoryAdapter struct {
	mu             sync.RWMutex
	streams        map[streamKey]*streamData
	globalEvents   []adapters.StoredEvent
	globalPosition uint64
	closed         bool

	listenersMu sync.Mutex
	listeners   map[string]map[chan struct{}]struct{}
}

type streamData struct {
	info   adapters.StreamInfo
	events []adapters.StoredEvent
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// NewAdapter creates a new in-memory event store adapter.
func NewAdapter(opts ...Option) *MemoryAdapter {
	adapter := &MemoryAdapter{
		streams:      make(map[streamKey]*streamData),
		globalEvents: make([]adapters.StoredEvent, 0),
		listeners:    make(map[string]map[chan struct{}]struct{}),
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize is a no-op for the memory adapter.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// Append stores events to the specified stream with optimistic concurrency control.
func (a *MemoryAdapter) Append(ctx context.Context, tenantID, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := adapters.ValidateScope(tenantID, streamID); err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, adapters.ErrNoEvents
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	key := streamKey{tenantID: tenantID, streamID: streamID}
	stream, exists := a.streams[key]
	currentVersion := int64(0)
	if exists {
		currentVersion = stream.info.Version
	}

	if err := adapters.CheckVersion(tenantID, streamID, expectedVersion, currentVersion, exists); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !exists {
		stream = &streamData{
			info: adapters.StreamInfo{
				TenantID:  tenantID,
				StreamID:  streamID,
				Category:  adapters.ExtractCategory(streamID),
				CreatedAt: now,
				UpdatedAt: now,
			},
			events: make([]adapters.StoredEvent, 0, len(events)),
		}
		a.streams[key] = stream
	}

	storedEvents := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		a.globalPosition++
		currentVersion++

		stored := adapters.StoredEvent{
			ID:             uuid.New().String(),
			TenantID:       tenantID,
			StreamID:       streamID,
			Type:           event.Type,
			Data:           event.Data,
			Metadata:       event.Metadata,
			Version:        currentVersion,
			GlobalPosition: a.globalPosition,
			Timestamp:      now,
		}

		stream.events = append(stream.events, stored)
		a.globalEvents = append(a.globalEvents, stored)
		storedEvents[i] = stored
	}

	stream.info.Version = currentVersion
	stream.info.EventCount = int64(len(stream.events))
	stream.info.UpdatedAt = now

	a.notifyListeners(tenantID)

	return storedEvents, nil
}

// Load retrieves the events of a stream after fromVersion.
func (a *MemoryAdapter) Load(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := adapters.ValidateScope(tenantID, streamID); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[streamKey{tenantID: tenantID, streamID: streamID}]
	if !exists {
		return []adapters.StoredEvent{}, nil
	}

	events := make([]adapters.StoredEvent, 0, len(stream.events))
	for _, event := range stream.events {
		if event.Version > fromVersion {
			events = append(events, event)
		}
	}

	return events, nil
}

// LoadFromPosition returns the tenant's events after fromPosition in global order.
func (a *MemoryAdapter) LoadFromPosition(ctx context.Context, tenantID string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if tenantID == "" {
		return nil, adapters.ErrEmptyTenantID
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	limit = adapters.DefaultLimit(limit, 1000)

	// globalEvents is ordered by position, so positions <= fromPosition sit
	// at indexes below fromPosition.
	start := int(fromPosition)
	if start > len(a.globalEvents) {
		start = len(a.globalEvents)
	}

	var events []adapters.StoredEvent
	for _, event := range a.globalEvents[start:] {
		if event.TenantID != tenantID {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}

	return events, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *MemoryAdapter) GetStreamInfo(ctx context.Context, tenantID, streamID string) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := adapters.ValidateScope(tenantID, streamID); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[streamKey{tenantID: tenantID, streamID: streamID}]
	if !exists {
		return nil, NewStreamNotFoundError(tenantID, streamID)
	}

	info := stream.info
	return &info, nil
}

// GetLastPosition returns the global position of the tenant's last event.
func (a *MemoryAdapter) GetLastPosition(ctx context.Context, tenantID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, ErrAdapterClosed
	}

	for i := len(a.globalEvents) - 1; i >= 0; i-- {
		if a.globalEvents[i].TenantID == tenantID {
			return a.globalEvents[i].GlobalPosition, nil
		}
	}
	return 0, nil
}

// Listen returns a channel that receives a signal after every append for the
// tenant, and a function that stops listening.
func (a *MemoryAdapter) Listen(tenantID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	a.listenersMu.Lock()
	if a.listeners[tenantID] == nil {
		a.listeners[tenantID] = make(map[chan struct{}]struct{})
	}
	a.listeners[tenantID][ch] = struct{}{}
	a.listenersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.listenersMu.Lock()
			delete(a.listeners[tenantID], ch)
			a.listenersMu.Unlock()
		})
	}
}

// notifyListeners wakes the tenant's listeners without blocking.
func (a *MemoryAdapter) notifyListeners(tenantID string) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()

	for ch := range a.listeners[tenantID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close releases any resources held by the adapter.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	return nil
}

// Ping checks if the adapter is healthy.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	return nil
}

// Reset clears all data. Useful for testing.
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.streams = make(map[streamKey]*streamData)
	a.globalEvents = make([]adapters.StoredEvent, 0)
	a.globalPosition = 0
}

// EventCount returns the total number of events stored.
func (a *MemoryAdapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.globalEvents)
}

// StreamCount returns the number of streams.
func (a *MemoryAdapter) StreamCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}
