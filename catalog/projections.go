package catalog

import (
	"slices"
	"time"

	"github.com/aalmada/BookStore-sub002"
)

// BookSearchDocument is the searchable view of a book.
// Deleted books are kept with Deleted set so that a restore can bring them back.
type BookSearchDocument struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	ISBN           string     `json:"isbn,omitempty"`
	AuthorID       string     `json:"authorId,omitempty"`
	Categories     []string   `json:"categories,omitempty"`
	Price          float64    `json:"price"`
	CurrentPrice   float64    `json:"currentPrice"`
	OnSale         bool       `json:"onSale"`
	SaleID         string     `json:"saleId,omitempty"`
	SalePercentage float64    `json:"salePercentage,omitempty"`
	SaleStartsAt   *time.Time `json:"saleStartsAt,omitempty"`
	SaleEndsAt     *time.Time `json:"saleEndsAt,omitempty"`
	PublishedYear  int        `json:"publishedYear,omitempty"`
	Deleted        bool       `json:"deleted"`
	AddedAt        time.Time  `json:"addedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// BookStatistics counts what happened to a book over its lifetime.
type BookStatistics struct {
	BookID         string    `json:"bookId"`
	PriceChanges   int       `json:"priceChanges"`
	LowestPrice    float64   `json:"lowestPrice"`
	HighestPrice   float64   `json:"highestPrice"`
	Updates        int       `json:"updates"`
	SalesScheduled int       `json:"salesScheduled"`
	SalesStarted   int       `json:"salesStarted"`
	SalesEnded     int       `json:"salesEnded"`
	Deletions      int       `json:"deletions"`
	Restores       int       `json:"restores"`
	LastEventAt    time.Time `json:"lastEventAt"`
}

// AuthorDocument is the read model of an author. Deleted authors are removed.
type AuthorDocument struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Biography string    `json:"biography,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func eventTypes(examples ...interface{}) []string {
	types := make([]string, len(examples))
	for i, e := range examples {
		types[i] = bookstore.GetEventType(e)
	}
	return types
}

// NewBookSearchProjection creates the book-search projection.
func NewBookSearchProjection() *bookstore.DocumentProjection[BookSearchDocument] {
	return bookstore.NewDocumentProjection(BookSearchProjection, reduceBookSearch,
		eventTypes(BookAdded{}, BookUpdated{}, BookPriceChanged{}, BookDeleted{}, BookRestored{},
			BookSaleScheduled{}, BookSaleStarted{}, BookSaleEnded{})...)
}

func reduceBookSearch(doc *BookSearchDocument, event bookstore.Event) (*BookSearchDocument, error) {
	if added, ok := event.Data.(BookAdded); ok {
		return &BookSearchDocument{
			ID:            added.BookID,
			Title:         added.Title,
			ISBN:          added.ISBN,
			AuthorID:      added.AuthorID,
			Categories:    slices.Clone(added.Categories),
			Price:         added.Price,
			CurrentPrice:  added.Price,
			PublishedYear: added.PublishedYear,
			AddedAt:       event.Timestamp,
			UpdatedAt:     event.Timestamp,
		}, nil
	}
	if doc == nil {
		return nil, nil
	}

	next := *doc
	next.UpdatedAt = event.Timestamp
	switch e := event.Data.(type) {
	case BookUpdated:
		next.Title = e.Title
		next.ISBN = e.ISBN
		next.AuthorID = e.AuthorID
		next.Categories = slices.Clone(e.Categories)
		next.PublishedYear = e.PublishedYear
	case BookPriceChanged:
		next.Price = e.Price
	case BookDeleted:
		next.Deleted = true
	case BookRestored:
		next.Deleted = false
	case BookSaleScheduled:
		starts, ends := e.StartsAt, e.EndsAt
		next.SaleID = e.SaleID
		next.SalePercentage = e.Percentage
		next.SaleStartsAt = &starts
		next.SaleEndsAt = &ends
		next.OnSale = false
	case BookSaleStarted:
		if next.SaleID == e.SaleID {
			next.OnSale = true
		}
	case BookSaleEnded:
		if next.SaleID == e.SaleID {
			next.SaleID = ""
			next.SalePercentage = 0
			next.SaleStartsAt = nil
			next.SaleEndsAt = nil
			next.OnSale = false
		}
	default:
		return nil, bookstore.UnknownEvent(event.Data)
	}

	next.CurrentPrice = next.Price
	if next.OnSale {
		next.CurrentPrice = DiscountedPrice(next.Price, next.SalePercentage)
	}
	return &next, nil
}

// NewBookStatisticsProjection creates the book-statistics projection.
func NewBookStatisticsProjection() *bookstore.DocumentProjection[BookStatistics] {
	return bookstore.NewDocumentProjection(BookStatisticsProjection, reduceBookStatistics,
		eventTypes(BookAdded{}, BookUpdated{}, BookPriceChanged{}, BookDeleted{}, BookRestored{},
			BookSaleScheduled{}, BookSaleStarted{}, BookSaleEnded{})...)
}

func reduceBookStatistics(doc *BookStatistics, event bookstore.Event) (*BookStatistics, error) {
	if added, ok := event.Data.(BookAdded); ok {
		return &BookStatistics{
			BookID:       added.BookID,
			LowestPrice:  added.Price,
			HighestPrice: added.Price,
			LastEventAt:  event.Timestamp,
		}, nil
	}
	if doc == nil {
		return nil, nil
	}

	next := *doc
	next.LastEventAt = event.Timestamp
	switch e := event.Data.(type) {
	case BookUpdated:
		next.Updates++
	case BookPriceChanged:
		next.PriceChanges++
		next.LowestPrice = min(next.LowestPrice, e.Price)
		next.HighestPrice = max(next.HighestPrice, e.Price)
	case BookDeleted:
		next.Deletions++
	case BookRestored:
		next.Restores++
	case BookSaleScheduled:
		next.SalesScheduled++
	case BookSaleStarted:
		next.SalesStarted++
	case BookSaleEnded:
		next.SalesEnded++
	default:
		return nil, bookstore.UnknownEvent(event.Data)
	}
	return &next, nil
}

// NewAuthorsProjection creates the authors projection.
func NewAuthorsProjection() *bookstore.DocumentProjection[AuthorDocument] {
	return bookstore.NewDocumentProjection(AuthorsProjection, reduceAuthor,
		eventTypes(AuthorCreated{}, AuthorUpdated{}, AuthorDeleted{})...)
}

func reduceAuthor(doc *AuthorDocument, event bookstore.Event) (*AuthorDocument, error) {
	switch e := event.Data.(type) {
	case AuthorCreated:
		return &AuthorDocument{
			ID:        e.AuthorID,
			Name:      e.Name,
			Biography: e.Biography,
			CreatedAt: event.Timestamp,
			UpdatedAt: event.Timestamp,
		}, nil
	case AuthorUpdated:
		if doc == nil {
			return nil, nil
		}
		next := *doc
		next.Name = e.Name
		next.Biography = e.Biography
		next.UpdatedAt = event.Timestamp
		return &next, nil
	case AuthorDeleted:
		return nil, nil
	default:
		return nil, bookstore.UnknownEvent(event.Data)
	}
}
