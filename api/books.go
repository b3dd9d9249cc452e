package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/catalog"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// bookSortFields maps sort parameters to document fields.
var bookSortFields = map[string]string{
	"title":   "title",
	"price":   "currentPrice",
	"year":    "publishedYear",
	"added":   "addedAt",
	"updated": "updatedAt",
}

func (s *Server) addBook(c *gin.Context) {
	var cmd catalog.AddBook
	if !bind(c, &cmd) {
		return
	}
	s.dispatch(c, cmd, http.StatusCreated, "/api/books")
}

func (s *Server) updateBook(c *gin.Context) {
	var cmd catalog.UpdateBook
	if !bind(c, &cmd) {
		return
	}
	cmd.BookID = c.Param("id")
	s.dispatch(c, cmd, http.StatusOK, "")
}

func (s *Server) changeBookPrice(c *gin.Context) {
	var cmd catalog.ChangeBookPrice
	if !bind(c, &cmd) {
		return
	}
	cmd.BookID = c.Param("id")
	s.dispatch(c, cmd, http.StatusOK, "")
}

func (s *Server) deleteBook(c *gin.Context) {
	s.dispatch(c, catalog.DeleteBook{BookID: c.Param("id")}, http.StatusOK, "")
}

func (s *Server) restoreBook(c *gin.Context) {
	s.dispatch(c, catalog.RestoreBook{BookID: c.Param("id")}, http.StatusOK, "")
}

// SaleResponse is returned when a sale is scheduled.
type SaleResponse struct {
	CommandResponse
	SaleID string `json:"saleId"`
}

func (s *Server) scheduleSale(c *gin.Context) {
	var cmd catalog.ScheduleSale
	if !bind(c, &cmd) {
		return
	}
	cmd.BookID = c.Param("id")
	if cmd.SaleID == "" {
		cmd.SaleID = uuid.New().String()
	}

	result, ok := s.send(c, cmd)
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, SaleResponse{
		CommandResponse: CommandResponse{ID: result.AggregateID, Version: result.Version, ETag: result.ETag},
		SaleID:          cmd.SaleID,
	})
}

func (s *Server) getBook(c *gin.Context) {
	ctx := c.Request.Context()
	doc, err := s.deps.Catalog.Books.Get(ctx, bookstore.TenantIDFromContext(ctx), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if doc.Value.Deleted && c.Query("includeDeleted") != "true" {
		s.fail(c, fmt.Errorf("book %s: %w", doc.ID, bookstore.ErrDocumentNotFound))
		return
	}
	writeDocument(c, doc)
}

func (s *Server) getBookStatistics(c *gin.Context) {
	ctx := c.Request.Context()
	doc, err := s.deps.Catalog.Statistics.Get(ctx, bookstore.TenantIDFromContext(ctx), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeDocument(c, doc)
}

func (s *Server) listBooks(c *gin.Context) {
	query, page, pageSize, err := bookQuery(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	result, err := s.deps.Catalog.Books.Find(ctx, bookstore.TenantIDFromContext(ctx), query)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeList(c, result, page, pageSize)
}

// bookQuery translates the list parameters into a document query.
func bookQuery(c *gin.Context) (bookstore.Query, int, int, error) {
	q := bookstore.NewQuery()

	if c.Query("includeDeleted") != "true" {
		q.Where("deleted", bookstore.FilterOpEq, false)
	}
	if text := strings.TrimSpace(c.Query("q")); text != "" {
		q.Where("title", bookstore.FilterOpLike, "%"+text+"%")
	}
	if category := c.Query("category"); category != "" {
		q.Where("categories", bookstore.FilterOpContains, category)
	}
	if author := c.Query("authorId"); author != "" {
		q.Where("authorId", bookstore.FilterOpEq, author)
	}
	if v := c.Query("minPrice"); v != "" {
		price, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return bookstore.Query{}, 0, 0, fmt.Errorf("invalid minPrice %q", v)
		}
		q.Where("currentPrice", bookstore.FilterOpGte, price)
	}
	if v := c.Query("maxPrice"); v != "" {
		price, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return bookstore.Query{}, 0, 0, fmt.Errorf("invalid maxPrice %q", v)
		}
		q.Where("currentPrice", bookstore.FilterOpLte, price)
	}
	if v := c.Query("onSale"); v != "" {
		onSale, err := strconv.ParseBool(v)
		if err != nil {
			return bookstore.Query{}, 0, 0, fmt.Errorf("invalid onSale %q", v)
		}
		q.Where("onSale", bookstore.FilterOpEq, onSale)
	}

	if sort := c.Query("sort"); sort != "" {
		desc := strings.HasPrefix(sort, "-")
		field, ok := bookSortFields[strings.TrimPrefix(sort, "-")]
		if !ok {
			return bookstore.Query{}, 0, 0, fmt.Errorf("invalid sort %q", sort)
		}
		if desc {
			q.OrderByDesc(field)
		} else {
			q.OrderByAsc(field)
		}
	}

	page, pageSize, err := pagination(c)
	if err != nil {
		return bookstore.Query{}, 0, 0, err
	}
	return q.WithPagination(page, pageSize).WithCount().Build(), page, pageSize, nil
}

func pagination(c *gin.Context) (int, int, error) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		return 0, 0, fmt.Errorf("invalid page %q", c.Query("page"))
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("pageSize", strconv.Itoa(defaultPageSize)))
	if err != nil || pageSize < 1 {
		return 0, 0, fmt.Errorf("invalid pageSize %q", c.Query("pageSize"))
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize, nil
}
