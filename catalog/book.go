package catalog

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aalmada/BookStore-sub002"
)

// BookType is the aggregate type and stream category of books.
const BookType = "Book"

// Sale is a price reduction of a book over a time window.
type Sale struct {
	ID         string
	Percentage float64
	StartsAt   time.Time
	EndsAt     time.Time
	Active     bool
}

// Book is the state of a book aggregate.
type Book struct {
	ID            string
	Title         string
	ISBN          string
	AuthorID      string
	Categories    []string
	Price         float64
	PublishedYear int
	Exists        bool
	Deleted       bool
	Sale          *Sale
}

// BookDefinition folds book events into Book state.
var BookDefinition = bookstore.AggregateDefinition[Book]{
	Type: BookType,
	New: func(id string) Book {
		return Book{ID: id}
	},
	Apply: applyBook,
}

func applyBook(b Book, event interface{}) (Book, error) {
	switch e := event.(type) {
	case BookAdded:
		b.Title = e.Title
		b.ISBN = e.ISBN
		b.AuthorID = e.AuthorID
		b.Categories = slices.Clone(e.Categories)
		b.Price = e.Price
		b.PublishedYear = e.PublishedYear
		b.Exists = true
	case BookUpdated:
		b.Title = e.Title
		b.ISBN = e.ISBN
		b.AuthorID = e.AuthorID
		b.Categories = slices.Clone(e.Categories)
		b.PublishedYear = e.PublishedYear
	case BookPriceChanged:
		b.Price = e.Price
	case BookDeleted:
		b.Deleted = true
	case BookRestored:
		b.Deleted = false
	case BookSaleScheduled:
		b.Sale = &Sale{ID: e.SaleID, Percentage: e.Percentage, StartsAt: e.StartsAt, EndsAt: e.EndsAt}
	case BookSaleStarted:
		if b.Sale != nil && b.Sale.ID == e.SaleID {
			sale := *b.Sale
			sale.Active = true
			b.Sale = &sale
		}
	case BookSaleEnded:
		if b.Sale != nil && b.Sale.ID == e.SaleID {
			b.Sale = nil
		}
	default:
		return b, bookstore.UnknownEvent(event)
	}
	return b, nil
}

// SalePrice returns the price after the active sale, if any.
func (b Book) SalePrice() float64 {
	if b.Sale == nil || !b.Sale.Active {
		return b.Price
	}
	return DiscountedPrice(b.Price, b.Sale.Percentage)
}

// DiscountedPrice applies a percentage discount rounded to cents.
func DiscountedPrice(price, percentage float64) float64 {
	cents := price * 100 * (100 - percentage) / 100
	return float64(int64(cents+0.5)) / 100
}

// =============================================================================
// Commands
// =============================================================================

// AddBook creates a book. An empty BookID gets a generated ID.
type AddBook struct {
	bookstore.CommandBase
	BookID        string   `json:"bookId,omitempty"`
	Title         string   `json:"title"`
	ISBN          string   `json:"isbn,omitempty"`
	AuthorID      string   `json:"authorId,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	Price         float64  `json:"price"`
	PublishedYear int      `json:"publishedYear,omitempty"`
}

func (c AddBook) CommandType() string { return "AddBook" }
func (c AddBook) AggregateID() string { return c.BookID }

func (c AddBook) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	validateBookFields(v, c.Title, c.ISBN, c.PublishedYear)
	validatePrice(v, c.Price)
	return v.ErrOrNil()
}

// UpdateBook replaces the descriptive fields of a book.
type UpdateBook struct {
	bookstore.CommandBase
	BookID        string   `json:"bookId"`
	Title         string   `json:"title"`
	ISBN          string   `json:"isbn,omitempty"`
	AuthorID      string   `json:"authorId,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	PublishedYear int      `json:"publishedYear,omitempty"`
}

func (c UpdateBook) CommandType() string { return "UpdateBook" }
func (c UpdateBook) AggregateID() string { return c.BookID }

func (c UpdateBook) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	requireID(v, "bookId", c.BookID)
	validateBookFields(v, c.Title, c.ISBN, c.PublishedYear)
	return v.ErrOrNil()
}

// ChangeBookPrice sets the list price of a book.
type ChangeBookPrice struct {
	bookstore.CommandBase
	BookID string  `json:"bookId"`
	Price  float64 `json:"price"`
}

func (c ChangeBookPrice) CommandType() string { return "ChangeBookPrice" }
func (c ChangeBookPrice) AggregateID() string { return c.BookID }

func (c ChangeBookPrice) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	requireID(v, "bookId", c.BookID)
	validatePrice(v, c.Price)
	return v.ErrOrNil()
}

// DeleteBook soft-deletes a book.
type DeleteBook struct {
	bookstore.CommandBase
	BookID string `json:"bookId"`
}

func (c DeleteBook) CommandType() string { return "DeleteBook" }
func (c DeleteBook) AggregateID() string { return c.BookID }

func (c DeleteBook) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	requireID(v, "bookId", c.BookID)
	return v.ErrOrNil()
}

// RestoreBook undoes a soft delete.
type RestoreBook struct {
	bookstore.CommandBase
	BookID string `json:"bookId"`
}

func (c RestoreBook) CommandType() string { return "RestoreBook" }
func (c RestoreBook) AggregateID() string { return c.BookID }

func (c RestoreBook) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	requireID(v, "bookId", c.BookID)
	return v.ErrOrNil()
}

// ScheduleSale plans a discount window and schedules its start and end.
type ScheduleSale struct {
	bookstore.CommandBase
	BookID     string    `json:"bookId"`
	SaleID     string    `json:"saleId"`
	Percentage float64   `json:"percentage"`
	StartsAt   time.Time `json:"startsAt"`
	EndsAt     time.Time `json:"endsAt"`
}

func (c ScheduleSale) CommandType() string { return "ScheduleSale" }
func (c ScheduleSale) AggregateID() string { return c.BookID }

func (c ScheduleSale) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	requireID(v, "bookId", c.BookID)
	requireID(v, "saleId", c.SaleID)
	if c.Percentage <= 0 || c.Percentage >= 100 {
		v.AddField("percentage", "must be between 0 and 100")
	}
	if c.StartsAt.IsZero() {
		v.AddField("startsAt", "is required")
	}
	if !c.EndsAt.After(c.StartsAt) {
		v.AddField("endsAt", "must be after startsAt")
	}
	return v.ErrOrNil()
}

// StartSale activates a scheduled sale. It is dispatched by the scheduler.
type StartSale struct {
	bookstore.CommandBase
	BookID string `json:"bookId"`
	SaleID string `json:"saleId"`
}

func (c StartSale) CommandType() string { return "StartSale" }
func (c StartSale) AggregateID() string { return c.BookID }

func (c StartSale) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	requireID(v, "bookId", c.BookID)
	requireID(v, "saleId", c.SaleID)
	return v.ErrOrNil()
}

// EndSale ends a sale. It is dispatched by the scheduler.
type EndSale struct {
	bookstore.CommandBase
	BookID string `json:"bookId"`
	SaleID string `json:"saleId"`
}

func (c EndSale) CommandType() string { return "EndSale" }
func (c EndSale) AggregateID() string { return c.BookID }

func (c EndSale) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	requireID(v, "bookId", c.BookID)
	requireID(v, "saleId", c.SaleID)
	return v.ErrOrNil()
}

// SaleCommandTypes lists the commands that name the sale they act on.
// Identical copies of one of them are the same request.
func SaleCommandTypes() []string {
	return []string{ScheduleSale{}.CommandType(), StartSale{}.CommandType(), EndSale{}.CommandType()}
}

func requireID(v *bookstore.MultiValidationError, field, id string) {
	if strings.TrimSpace(id) == "" {
		v.AddField(field, "is required")
	}
}

func validateBookFields(v *bookstore.MultiValidationError, title, isbn string, year int) {
	if strings.TrimSpace(title) == "" {
		v.AddField("title", "is required")
	} else if len(title) > 500 {
		v.AddField("title", "must be at most 500 characters")
	}
	if isbn != "" && !validISBN(isbn) {
		v.AddField("isbn", "must be an ISBN-10 or ISBN-13")
	}
	if year < 0 || year > 9999 {
		v.AddField("publishedYear", "must be a four digit year")
	}
}

func validatePrice(v *bookstore.MultiValidationError, price float64) {
	if price < 0 {
		v.AddField("price", "must not be negative")
	}
}

func validISBN(isbn string) bool {
	digits := strings.ReplaceAll(isbn, "-", "")
	if len(digits) != 10 && len(digits) != 13 {
		return false
	}
	for i, r := range digits {
		if r >= '0' && r <= '9' {
			continue
		}
		if len(digits) == 10 && i == 9 && (r == 'X' || r == 'x') {
			continue
		}
		return false
	}
	return true
}

// =============================================================================
// Handlers
// =============================================================================

// SaleStartKey and SaleEndKey are the scheduler keys of a sale's follow-ups.
func SaleStartKey(bookID, saleID string) string {
	return fmt.Sprintf("book:%s:sale:%s:start", bookID, saleID)
}

func SaleEndKey(bookID, saleID string) string {
	return fmt.Sprintf("book:%s:sale:%s:end", bookID, saleID)
}

func handleAddBook(cmd AddBook, b Book) (bookstore.Decision, error) {
	if b.Exists {
		return bookstore.Decision{}, &ExistsError{Entity: "book", ID: b.ID}
	}
	return bookstore.Emit(BookAdded{
		BookID:        b.ID,
		Title:         strings.TrimSpace(cmd.Title),
		ISBN:          cmd.ISBN,
		AuthorID:      cmd.AuthorID,
		Categories:    cmd.Categories,
		Price:         cmd.Price,
		PublishedYear: cmd.PublishedYear,
	}), nil
}

func handleUpdateBook(cmd UpdateBook, b Book) (bookstore.Decision, error) {
	if err := requireLiveBook(cmd.CommandType(), b); err != nil {
		return bookstore.Decision{}, err
	}
	event := BookUpdated{
		BookID:        b.ID,
		Title:         strings.TrimSpace(cmd.Title),
		ISBN:          cmd.ISBN,
		AuthorID:      cmd.AuthorID,
		Categories:    cmd.Categories,
		PublishedYear: cmd.PublishedYear,
	}
	if event.Title == b.Title && event.ISBN == b.ISBN && event.AuthorID == b.AuthorID &&
		event.PublishedYear == b.PublishedYear && slices.Equal(event.Categories, b.Categories) {
		return bookstore.Decision{}, nil
	}
	return bookstore.Emit(event), nil
}

func handleChangeBookPrice(cmd ChangeBookPrice, b Book) (bookstore.Decision, error) {
	if err := requireLiveBook(cmd.CommandType(), b); err != nil {
		return bookstore.Decision{}, err
	}
	if cmd.Price == b.Price {
		return bookstore.Decision{}, nil
	}
	return bookstore.Emit(BookPriceChanged{BookID: b.ID, OldPrice: b.Price, Price: cmd.Price}), nil
}

func handleDeleteBook(cmd DeleteBook, b Book) (bookstore.Decision, error) {
	if !b.Exists {
		return bookstore.Decision{}, &NotFoundError{Entity: "book", ID: b.ID}
	}
	if b.Deleted {
		return bookstore.Decision{}, nil
	}
	return bookstore.Emit(BookDeleted{BookID: b.ID}), nil
}

func handleRestoreBook(cmd RestoreBook, b Book) (bookstore.Decision, error) {
	if !b.Exists {
		return bookstore.Decision{}, &NotFoundError{Entity: "book", ID: b.ID}
	}
	if !b.Deleted {
		return bookstore.Decision{}, nil
	}
	return bookstore.Emit(BookRestored{BookID: b.ID}), nil
}

func handleScheduleSale(cmd ScheduleSale, b Book) (bookstore.Decision, error) {
	if err := requireLiveBook(cmd.CommandType(), b); err != nil {
		return bookstore.Decision{}, err
	}
	if b.Sale != nil {
		if b.Sale.ID == cmd.SaleID {
			// Re-registering the follow-ups is a no-op once they exist, and
			// recovers a dispatch whose append landed but whose scheduling failed.
			return bookstore.Decision{Schedule: saleFollowUps(b.ID, *b.Sale)}, nil
		}
		return bookstore.Decision{}, bookstore.NewValidationError(cmd.CommandType(), "saleId",
			fmt.Sprintf("sale %s is already scheduled", b.Sale.ID))
	}

	sale := Sale{ID: cmd.SaleID, Percentage: cmd.Percentage, StartsAt: cmd.StartsAt.UTC(), EndsAt: cmd.EndsAt.UTC()}
	return bookstore.Decision{
		Events: []interface{}{BookSaleScheduled{
			BookID:     b.ID,
			SaleID:     sale.ID,
			Percentage: sale.Percentage,
			StartsAt:   sale.StartsAt,
			EndsAt:     sale.EndsAt,
		}},
		Schedule: saleFollowUps(b.ID, sale),
	}, nil
}

func saleFollowUps(bookID string, sale Sale) []bookstore.FollowUp {
	return []bookstore.FollowUp{
		{
			Key:     SaleStartKey(bookID, sale.ID),
			DueAt:   sale.StartsAt,
			Command: StartSale{BookID: bookID, SaleID: sale.ID},
		},
		{
			Key:     SaleEndKey(bookID, sale.ID),
			DueAt:   sale.EndsAt,
			Command: EndSale{BookID: bookID, SaleID: sale.ID},
		},
	}
}

// Sale transitions for a sale that is no longer current are no-ops.
func handleStartSale(cmd StartSale, b Book) (bookstore.Decision, error) {
	if !b.Exists {
		return bookstore.Decision{}, &NotFoundError{Entity: "book", ID: b.ID}
	}
	if b.Deleted || b.Sale == nil || b.Sale.ID != cmd.SaleID || b.Sale.Active {
		return bookstore.Decision{}, nil
	}
	return bookstore.Emit(BookSaleStarted{BookID: b.ID, SaleID: cmd.SaleID}), nil
}

func handleEndSale(cmd EndSale, b Book) (bookstore.Decision, error) {
	if !b.Exists {
		return bookstore.Decision{}, &NotFoundError{Entity: "book", ID: b.ID}
	}
	if b.Sale == nil || b.Sale.ID != cmd.SaleID {
		return bookstore.Decision{}, nil
	}
	return bookstore.Emit(BookSaleEnded{BookID: b.ID, SaleID: cmd.SaleID}), nil
}

func requireLiveBook(cmdType string, b Book) error {
	if !b.Exists {
		return &NotFoundError{Entity: "book", ID: b.ID}
	}
	if b.Deleted {
		return bookstore.NewValidationError(cmdType, "bookId", "book is deleted")
	}
	return nil
}
