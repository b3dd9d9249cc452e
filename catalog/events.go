package catalog

import "time"

// Book events.
type (
	BookAdded struct {
		BookID        string   `json:"bookId"`
		Title         string   `json:"title"`
		ISBN          string   `json:"isbn,omitempty"`
		AuthorID      string   `json:"authorId,omitempty"`
		Categories    []string `json:"categories,omitempty"`
		Price         float64  `json:"price"`
		PublishedYear int      `json:"publishedYear,omitempty"`
	}

	BookUpdated struct {
		BookID        string   `json:"bookId"`
		Title         string   `json:"title"`
		ISBN          string   `json:"isbn,omitempty"`
		AuthorID      string   `json:"authorId,omitempty"`
		Categories    []string `json:"categories,omitempty"`
		PublishedYear int      `json:"publishedYear,omitempty"`
	}

	BookPriceChanged struct {
		BookID   string  `json:"bookId"`
		OldPrice float64 `json:"oldPrice"`
		Price    float64 `json:"price"`
	}

	BookDeleted struct {
		BookID string `json:"bookId"`
	}

	BookRestored struct {
		BookID string `json:"bookId"`
	}

	BookSaleScheduled struct {
		BookID     string    `json:"bookId"`
		SaleID     string    `json:"saleId"`
		Percentage float64   `json:"percentage"`
		StartsAt   time.Time `json:"startsAt"`
		EndsAt     time.Time `json:"endsAt"`
	}

	BookSaleStarted struct {
		BookID string `json:"bookId"`
		SaleID string `json:"saleId"`
	}

	BookSaleEnded struct {
		BookID string `json:"bookId"`
		SaleID string `json:"saleId"`
	}
)

// Author events.
type (
	AuthorCreated struct {
		AuthorID  string `json:"authorId"`
		Name      string `json:"name"`
		Biography string `json:"biography,omitempty"`
	}

	AuthorUpdated struct {
		AuthorID  string `json:"authorId"`
		Name      string `json:"name"`
		Biography string `json:"biography,omitempty"`
	}

	AuthorDeleted struct {
		AuthorID string `json:"authorId"`
	}
)

// Events returns an example of every catalog event for serializer registration.
func Events() []interface{} {
	return []interface{}{
		BookAdded{},
		BookUpdated{},
		BookPriceChanged{},
		BookDeleted{},
		BookRestored{},
		BookSaleScheduled{},
		BookSaleStarted{},
		BookSaleEnded{},
		AuthorCreated{},
		AuthorUpdated{},
		AuthorDeleted{},
	}
}
