package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/testing/bdd"
)

func fold(t *testing.T, events ...interface{}) Book {
	t.Helper()
	b := BookDefinition.New("1")
	for _, e := range events {
		var err error
		b, err = BookDefinition.Apply(b, e)
		require.NoError(t, err)
	}
	return b
}

var (
	saleStart = time.Date(2026, 11, 27, 0, 0, 0, 0, time.UTC)
	saleEnd   = saleStart.Add(72 * time.Hour)
)

func TestBookDefinition_Apply(t *testing.T) {
	b := fold(t,
		BookAdded{BookID: "1", Title: "Dune", Price: 20, Categories: []string{"sf"}},
		BookUpdated{BookID: "1", Title: "Dune Messiah", Categories: []string{"sf", "classic"}, PublishedYear: 1969},
		BookPriceChanged{BookID: "1", OldPrice: 20, Price: 25},
		BookSaleScheduled{BookID: "1", SaleID: "s1", Percentage: 20, StartsAt: saleStart, EndsAt: saleEnd},
		BookSaleStarted{BookID: "1", SaleID: "s1"},
	)

	assert.True(t, b.Exists)
	assert.Equal(t, "Dune Messiah", b.Title)
	assert.Equal(t, []string{"sf", "classic"}, b.Categories)
	assert.Equal(t, 1969, b.PublishedYear)
	assert.Equal(t, 25.0, b.Price)
	require.NotNil(t, b.Sale)
	assert.True(t, b.Sale.Active)
	assert.Equal(t, 20.0, b.SalePrice())

	b = fold(t, BookAdded{BookID: "1", Title: "Dune", Price: 20}, BookDeleted{BookID: "1"})
	assert.True(t, b.Deleted)
	b, err := BookDefinition.Apply(b, BookRestored{BookID: "1"})
	require.NoError(t, err)
	assert.False(t, b.Deleted)
}

func TestBookDefinition_UnknownEvent(t *testing.T) {
	_, err := BookDefinition.Apply(BookDefinition.New("1"), AuthorCreated{AuthorID: "a"})
	assert.ErrorIs(t, err, bookstore.ErrUnknownEventType)
}

func TestBookDefinition_SaleEndedForOtherSale(t *testing.T) {
	b := fold(t,
		BookAdded{BookID: "1", Title: "Dune", Price: 20},
		BookSaleScheduled{BookID: "1", SaleID: "s2", Percentage: 10, StartsAt: saleStart, EndsAt: saleEnd},
		BookSaleEnded{BookID: "1", SaleID: "s1"},
	)
	require.NotNil(t, b.Sale)
	assert.Equal(t, "s2", b.Sale.ID)
}

func TestDiscountedPrice(t *testing.T) {
	assert.Equal(t, 16.0, DiscountedPrice(20, 20))
	assert.Equal(t, 6.66, DiscountedPrice(9.99, 33.3))
	assert.Equal(t, 0.0, DiscountedPrice(0, 50))
}

func TestValidISBN(t *testing.T) {
	tests := map[string]bool{
		"0-306-40615-2":     true,
		"978-3-16-148410-0": true,
		"080442957X":        true,
		"12345":             false,
		"97831614841X0":     false,
		"abcdefghij":        false,
	}
	for isbn, want := range tests {
		assert.Equal(t, want, validISBN(isbn), isbn)
	}
}

func TestBookCommands_Validate(t *testing.T) {
	tests := []struct {
		name   string
		cmd    bookstore.Command
		fields []string
	}{
		{"valid add", AddBook{Title: "Dune", Price: 10}, nil},
		{"add without title", AddBook{Price: 10}, []string{"title"}},
		{"add with bad isbn and price", AddBook{Title: "Dune", ISBN: "12", Price: -1}, []string{"isbn", "price"}},
		{"update without id", UpdateBook{Title: "Dune"}, []string{"bookId"}},
		{"price", ChangeBookPrice{BookID: "1", Price: -5}, []string{"price"}},
		{"delete", DeleteBook{}, []string{"bookId"}},
		{"restore", RestoreBook{}, []string{"bookId"}},
		{"sale window", ScheduleSale{BookID: "1", SaleID: "s", Percentage: 10, StartsAt: saleEnd, EndsAt: saleStart}, []string{"endsAt"}},
		{"sale percentage", ScheduleSale{BookID: "1", SaleID: "s", Percentage: 100, StartsAt: saleStart, EndsAt: saleEnd}, []string{"percentage"}},
		{"start sale", StartSale{BookID: "1"}, []string{"saleId"}},
		{"end sale", EndSale{SaleID: "s"}, []string{"bookId"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, bookstore.ErrValidationFailed)
			fields := bookstore.FieldErrors(err)
			for _, f := range tt.fields {
				assert.Contains(t, fields, f)
			}
			assert.Len(t, fields, len(tt.fields))
		})
	}
}

func TestHandleAddBook(t *testing.T) {
	d, err := handleAddBook(AddBook{Title: "  Dune ", Price: 10}, BookDefinition.New("1"))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{BookAdded{BookID: "1", Title: "Dune", Price: 10}}, d.Events)

	_, err = handleAddBook(AddBook{Title: "Dune"}, fold(t, BookAdded{BookID: "1", Title: "Dune"}))
	assert.ErrorIs(t, err, bookstore.ErrStreamCollision)
	var exists *ExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "book", exists.Entity)
}

func TestHandleChangeBookPrice(t *testing.T) {
	live := fold(t, BookAdded{BookID: "1", Title: "Dune", Price: 10})

	d, err := handleChangeBookPrice(ChangeBookPrice{BookID: "1", Price: 12}, live)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{BookPriceChanged{BookID: "1", OldPrice: 10, Price: 12}}, d.Events)

	d, err = handleChangeBookPrice(ChangeBookPrice{BookID: "1", Price: 10}, live)
	require.NoError(t, err)
	assert.Empty(t, d.Events, "same price is a no-op")

	_, err = handleChangeBookPrice(ChangeBookPrice{BookID: "1", Price: 12}, BookDefinition.New("1"))
	assert.ErrorIs(t, err, bookstore.ErrStreamNotFound)

	deleted := fold(t, BookAdded{BookID: "1", Title: "Dune"}, BookDeleted{BookID: "1"})
	_, err = handleChangeBookPrice(ChangeBookPrice{BookID: "1", Price: 12}, deleted)
	assert.ErrorIs(t, err, bookstore.ErrValidationFailed)
}

func TestHandleDeleteAndRestore(t *testing.T) {
	added := BookAdded{BookID: "1", Title: "Dune"}

	bdd.Given(t, BookDefinition, "1", added).
		When(func(b Book) (bookstore.Decision, error) { return handleDeleteBook(DeleteBook{BookID: "1"}, b) }).
		Then(BookDeleted{BookID: "1"})

	bdd.Given(t, BookDefinition, "1", added, BookDeleted{BookID: "1"}).
		When(func(b Book) (bookstore.Decision, error) { return handleDeleteBook(DeleteBook{BookID: "1"}, b) }).
		ThenNoEvents()

	bdd.Given(t, BookDefinition, "1", added, BookDeleted{BookID: "1"}).
		When(func(b Book) (bookstore.Decision, error) { return handleRestoreBook(RestoreBook{BookID: "1"}, b) }).
		Then(BookRestored{BookID: "1"})

	bdd.Given(t, BookDefinition, "1", added).
		When(func(b Book) (bookstore.Decision, error) { return handleRestoreBook(RestoreBook{BookID: "1"}, b) }).
		ThenNoEvents()

	bdd.Given(t, BookDefinition, "1").
		When(func(b Book) (bookstore.Decision, error) { return handleDeleteBook(DeleteBook{BookID: "1"}, b) }).
		ThenErrorContains(`book "1" not found`)
}

func TestHandleScheduleSale(t *testing.T) {
	live := fold(t, BookAdded{BookID: "1", Title: "Dune", Price: 20})
	cmd := ScheduleSale{BookID: "1", SaleID: "s1", Percentage: 25, StartsAt: saleStart, EndsAt: saleEnd}

	d, err := handleScheduleSale(cmd, live)
	require.NoError(t, err)
	require.Len(t, d.Events, 1)
	require.Len(t, d.Schedule, 2)
	assert.Equal(t, SaleStartKey("1", "s1"), d.Schedule[0].Key)
	assert.Equal(t, saleStart, d.Schedule[0].DueAt)
	assert.Equal(t, StartSale{BookID: "1", SaleID: "s1"}, d.Schedule[0].Command)
	assert.Equal(t, SaleEndKey("1", "s1"), d.Schedule[1].Key)
	assert.Equal(t, EndSale{BookID: "1", SaleID: "s1"}, d.Schedule[1].Command)

	scheduled := fold(t, BookAdded{BookID: "1", Title: "Dune", Price: 20}, d.Events[0])
	d, err = handleScheduleSale(cmd, scheduled)
	require.NoError(t, err)
	assert.Empty(t, d.Events, "rescheduling the same sale appends nothing")
	require.Len(t, d.Schedule, 2, "but registers the follow-ups again")
	assert.Equal(t, SaleStartKey("1", "s1"), d.Schedule[0].Key)
	assert.Equal(t, saleEnd, d.Schedule[1].DueAt)

	cmd.SaleID = "s2"
	_, err = handleScheduleSale(cmd, scheduled)
	assert.ErrorIs(t, err, bookstore.ErrValidationFailed)
}

func TestHandleSaleTransitions(t *testing.T) {
	given := []interface{}{
		BookAdded{BookID: "1", Title: "Dune", Price: 20},
		BookSaleScheduled{BookID: "1", SaleID: "s1", Percentage: 25, StartsAt: saleStart, EndsAt: saleEnd},
	}

	bdd.Given(t, BookDefinition, "1", given...).
		When(func(b Book) (bookstore.Decision, error) { return handleStartSale(StartSale{BookID: "1", SaleID: "s1"}, b) }).
		Then(BookSaleStarted{BookID: "1", SaleID: "s1"})

	bdd.Given(t, BookDefinition, "1", given...).
		When(func(b Book) (bookstore.Decision, error) { return handleStartSale(StartSale{BookID: "1", SaleID: "old"}, b) }).
		ThenNoEvents()

	started := append(given, BookSaleStarted{BookID: "1", SaleID: "s1"})
	f := bdd.Given(t, BookDefinition, "1", started...).
		When(func(b Book) (bookstore.Decision, error) { return handleStartSale(StartSale{BookID: "1", SaleID: "s1"}, b) }).
		ThenNoEvents()
	assert.Equal(t, 15.0, f.State().SalePrice())

	bdd.Given(t, BookDefinition, "1", given...).
		When(func(b Book) (bookstore.Decision, error) { return handleEndSale(EndSale{BookID: "1", SaleID: "s1"}, b) }).
		Then(BookSaleEnded{BookID: "1", SaleID: "s1"})

	bdd.Given(t, BookDefinition, "2").
		When(func(b Book) (bookstore.Decision, error) { return handleEndSale(EndSale{BookID: "2", SaleID: "s1"}, b) }).
		ThenError(bookstore.ErrStreamNotFound)
}
