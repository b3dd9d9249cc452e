package bookstore

// Shared test doubles and a small book domain used across the package tests.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters/memory"
)

// =============================================================================
// Shared Test Logger
// =============================================================================

type testLogger struct {
	mu        sync.Mutex
	debugLogs []string
	infoLogs  []string
	warnLogs  []string
	errorLogs []string
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLogs = append(l.debugLogs, msg)
}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLogs = append(l.infoLogs, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnLogs = append(l.warnLogs, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLogs = append(l.errorLogs, msg)
}

func (l *testLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnLogs...)
}

func (l *testLogger) errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errorLogs...)
}

// =============================================================================
// Test book domain
// =============================================================================

type BookAdded struct {
	BookID string  `json:"bookId"`
	Title  string  `json:"title"`
	Price  float64 `json:"price"`
}

type BookPriceChanged struct {
	BookID string  `json:"bookId"`
	Price  float64 `json:"price"`
}

type BookRemoved struct {
	BookID string `json:"bookId"`
}

// BookArchived is never registered with the serializer.
type BookArchived struct {
	BookID string `json:"bookId"`
}

type bookState struct {
	ID      string
	Title   string
	Price   float64
	Exists  bool
	Removed bool
}

var bookDefinition = AggregateDefinition[bookState]{
	Type: "Book",
	New: func(id string) bookState {
		return bookState{ID: id}
	},
	Apply: func(s bookState, event interface{}) (bookState, error) {
		switch e := event.(type) {
		case BookAdded:
			s.Title = e.Title
			s.Price = e.Price
			s.Exists = true
		case BookPriceChanged:
			s.Price = e.Price
		case BookRemoved:
			s.Removed = true
		default:
			return s, UnknownEvent(event)
		}
		return s, nil
	},
}

type AddBook struct {
	CommandBase
	BookID string  `json:"bookId"`
	Title  string  `json:"title"`
	Price  float64 `json:"price"`
}

func (c AddBook) CommandType() string { return "AddBook" }
func (c AddBook) AggregateID() string { return c.BookID }
func (c AddBook) Validate() error {
	v := NewMultiValidationError(c.CommandType())
	if strings.TrimSpace(c.Title) == "" {
		v.AddField("title", "is required")
	}
	if c.Price < 0 {
		v.AddField("price", "must not be negative")
	}
	return v.ErrOrNil()
}

type ChangePrice struct {
	CommandBase
	BookID string  `json:"bookId"`
	Price  float64 `json:"price"`
}

func (c ChangePrice) CommandType() string { return "ChangePrice" }
func (c ChangePrice) AggregateID() string { return c.BookID }
func (c ChangePrice) Validate() error {
	if c.BookID == "" {
		return NewValidationError(c.CommandType(), "bookId", "is required")
	}
	return nil
}

type RemoveBook struct {
	CommandBase
	BookID string `json:"bookId"`
}

func (c RemoveBook) CommandType() string { return "RemoveBook" }
func (c RemoveBook) AggregateID() string { return c.BookID }
func (c RemoveBook) Validate() error     { return nil }

var errBookMissing = errors.New("book does not exist")

func decideAddBook(cmd AddBook, s bookState) (Decision, error) {
	if s.Exists {
		return Decision{}, NewValidationError(cmd.CommandType(), "bookId", "already exists")
	}
	return Emit(BookAdded{BookID: s.ID, Title: cmd.Title, Price: cmd.Price}), nil
}

func decideChangePrice(cmd ChangePrice, s bookState) (Decision, error) {
	if !s.Exists || s.Removed {
		return Decision{}, errBookMissing
	}
	if s.Price == cmd.Price {
		return Decision{}, nil
	}
	return Emit(BookPriceChanged{BookID: s.ID, Price: cmd.Price}), nil
}

func decideRemoveBook(cmd RemoveBook, s bookState) (Decision, error) {
	if !s.Exists {
		return Decision{}, errBookMissing
	}
	if s.Removed {
		return Decision{}, nil
	}
	return Emit(BookRemoved{BookID: s.ID}), nil
}

// bookDoc is the read model kept by the book-list projection.
type bookDoc struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Price float64 `json:"price"`
}

func newBookListProjection() *DocumentProjection[bookDoc] {
	return NewDocumentProjection("book-list", func(doc *bookDoc, event Event) (*bookDoc, error) {
		switch e := event.Data.(type) {
		case BookAdded:
			return &bookDoc{ID: e.BookID, Title: e.Title, Price: e.Price}, nil
		case BookPriceChanged:
			if doc == nil {
				return nil, fmt.Errorf("price change for unknown book %s", e.BookID)
			}
			doc.Price = e.Price
			return doc, nil
		case BookRemoved:
			return nil, nil
		}
		return doc, nil
	}, "BookAdded", "BookPriceChanged", "BookRemoved")
}

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	adapter  *memory.MemoryAdapter
	store    *EventStore
	docs     *memory.ProjectionStore
	registry *HandlerRegistry
	bus      *CommandBus
}

func newFixture(opts ...CommandBusOption) *fixture {
	adapter := memory.NewAdapter()
	store := New(adapter)
	store.RegisterEvents(BookAdded{}, BookPriceChanged{}, BookRemoved{})

	registry := NewHandlerRegistry()
	mustRegister(Register(registry, store, bookDefinition, decideAddBook))
	mustRegister(Register(registry, store, bookDefinition, decideChangePrice))
	mustRegister(Register(registry, store, bookDefinition, decideRemoveBook))

	opts = append([]CommandBusOption{WithHandlerRegistry(registry)}, opts...)
	return &fixture{
		adapter:  adapter,
		store:    store,
		docs:     memory.NewProjectionStore(),
		registry: registry,
		bus:      NewCommandBus(opts...),
	}
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

func (f *fixture) appendBook(tenantID, id, title string, price float64) {
	_, err := f.store.Append(context.Background(), tenantID, bookDefinition.StreamID(id), NoStream,
		BookAdded{BookID: id, Title: title, Price: price})
	if err != nil {
		panic(err)
	}
}

// recordingObserver collects committed batches.
type recordingObserver struct {
	mu      sync.Mutex
	batches []CommittedBatch
	err     error
}

func (o *recordingObserver) OnBatchCommitted(ctx context.Context, batch CommittedBatch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, batch)
	return o.err
}

func (o *recordingObserver) all() []CommittedBatch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]CommittedBatch(nil), o.batches...)
}

// recordingNotifier collects published notifications.
type recordingNotifier struct {
	mu     sync.Mutex
	events []EntityChanged
	err    error
}

func (n *recordingNotifier) Publish(ctx context.Context, event EntityChanged) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) all() []EntityChanged {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]EntityChanged(nil), n.events...)
}

// recordingInvalidator records invalidated tags and the order of calls.
type recordingInvalidator struct {
	mu   sync.Mutex
	tags []string
	err  error
	log  *[]string
}

func (c *recordingInvalidator) InvalidateByTag(ctx context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.tags = append(c.tags, tag)
	if c.log != nil {
		*c.log = append(*c.log, "invalidate:"+tag)
	}
	return nil
}

func (c *recordingInvalidator) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tags...)
}

// fixedClock is a settable time source.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(t time.Time) *fixedClock {
	return &fixedClock{now: t}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
