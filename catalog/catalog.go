// Package catalog is the book catalog domain: the Book and Author
// aggregates, their command handlers and the read models queried by the API.
//
// The composition root wires it into the engine:
//
//	store.RegisterEvents(catalog.Events()...)
//	catalog.RegisterHandlers(registry, store)
//	for _, p := range catalog.Projections() {
//		engine.Register(p)
//	}
//	coordinator := bookstore.NewPostCommitCoordinator(cache, notifier, catalog.Tags())
package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/aalmada/BookStore-sub002"
)

// Projection names.
const (
	BookSearchProjection     = "book-search"
	BookStatisticsProjection = "book-statistics"
	AuthorsProjection        = "authors"
)

// Entity names used in cache tags and notifications.
const (
	BookEntity           = "book"
	BookStatisticsEntity = "book-statistics"
	AuthorEntity         = "author"
)

// NotFoundError is returned for commands on an entity that was never created.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("catalog: %s %q not found", e.Entity, e.ID)
}

// Is makes NotFoundError match bookstore.ErrStreamNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == bookstore.ErrStreamNotFound
}

// ExistsError is returned when a create targets an entity that already exists.
type ExistsError struct {
	Entity string
	ID     string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("catalog: %s %q already exists", e.Entity, e.ID)
}

// Is makes ExistsError match bookstore.ErrStreamCollision.
func (e *ExistsError) Is(target error) bool {
	return target == bookstore.ErrStreamCollision
}

// RegisterHandlers registers every catalog command handler.
// Edits of existing books and authors require an ETag; the scheduler
// driven sale transitions do not.
func RegisterHandlers(registry *bookstore.HandlerRegistry, store *bookstore.EventStore) error {
	etag := bookstore.RequireETag()
	return errors.Join(
		bookstore.Register(registry, store, BookDefinition, handleAddBook),
		bookstore.Register(registry, store, BookDefinition, handleUpdateBook, etag),
		bookstore.Register(registry, store, BookDefinition, handleChangeBookPrice, etag),
		bookstore.Register(registry, store, BookDefinition, handleDeleteBook, etag),
		bookstore.Register(registry, store, BookDefinition, handleRestoreBook, etag),
		bookstore.Register(registry, store, BookDefinition, handleScheduleSale),
		bookstore.Register(registry, store, BookDefinition, handleStartSale),
		bookstore.Register(registry, store, BookDefinition, handleEndSale),
		bookstore.Register(registry, store, AuthorDefinition, handleCreateAuthor),
		bookstore.Register(registry, store, AuthorDefinition, handleUpdateAuthor, etag),
		bookstore.Register(registry, store, AuthorDefinition, handleDeleteAuthor, etag),
	)
}

// Commands returns an example of every catalog command for
// HandlerRegistry.Validate.
func Commands() []bookstore.Command {
	return []bookstore.Command{
		AddBook{}, UpdateBook{}, ChangeBookPrice{}, DeleteBook{}, RestoreBook{},
		ScheduleSale{}, StartSale{}, EndSale{},
		CreateAuthor{}, UpdateAuthor{}, DeleteAuthor{},
	}
}

// Projections returns new instances of the catalog projections.
func Projections() []bookstore.Projection {
	return []bookstore.Projection{
		NewBookSearchProjection(),
		NewBookStatisticsProjection(),
		NewAuthorsProjection(),
	}
}

// ProjectionNames returns the names of the catalog projections.
func ProjectionNames() []string {
	return []string{BookSearchProjection, BookStatisticsProjection, AuthorsProjection}
}

// Tags returns the cache tag mapping of every catalog projection.
// Statistics changes also touch the book they describe.
func Tags() bookstore.TagMapping {
	return bookstore.TagMapping{
		BookSearchProjection: {Entity: BookEntity},
		BookStatisticsProjection: {
			Entity: BookStatisticsEntity,
			Tags: func(tenantID string, change bookstore.DocumentChange) []string {
				return append(
					bookstore.EntityTags(BookStatisticsEntity)(tenantID, change),
					bookstore.CacheTag(tenantID, BookEntity, change.ID),
				)
			},
		},
		AuthorsProjection: {Entity: AuthorEntity},
	}
}

// Repositories reads the catalog read models.
type Repositories struct {
	Books      *bookstore.DocumentRepository[BookSearchDocument]
	Statistics *bookstore.DocumentRepository[BookStatistics]
	Authors    *bookstore.DocumentRepository[AuthorDocument]
}

// NewRepositories creates the catalog repositories. cache may be nil.
func NewRepositories(engine *bookstore.ProjectionEngine, cache bookstore.Cache, ttl time.Duration) *Repositories {
	var opts []bookstore.RepositoryOption
	if cache != nil {
		opts = append(opts, bookstore.WithRepositoryCache(cache, ttl))
	}
	return &Repositories{
		Books:      bookstore.NewDocumentRepository[BookSearchDocument](engine, BookSearchProjection, BookEntity, opts...),
		Statistics: bookstore.NewDocumentRepository[BookStatistics](engine, BookStatisticsProjection, BookStatisticsEntity, opts...),
		Authors:    bookstore.NewDocumentRepository[AuthorDocument](engine, AuthorsProjection, AuthorEntity, opts...),
	}
}
