package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/catalog"
)

func (s *Server) createAuthor(c *gin.Context) {
	var cmd catalog.CreateAuthor
	if !bind(c, &cmd) {
		return
	}
	s.dispatch(c, cmd, http.StatusCreated, "/api/authors")
}

func (s *Server) updateAuthor(c *gin.Context) {
	var cmd catalog.UpdateAuthor
	if !bind(c, &cmd) {
		return
	}
	cmd.AuthorID = c.Param("id")
	s.dispatch(c, cmd, http.StatusOK, "")
}

func (s *Server) deleteAuthor(c *gin.Context) {
	s.dispatch(c, catalog.DeleteAuthor{AuthorID: c.Param("id")}, http.StatusOK, "")
}

func (s *Server) getAuthor(c *gin.Context) {
	ctx := c.Request.Context()
	doc, err := s.deps.Catalog.Authors.Get(ctx, bookstore.TenantIDFromContext(ctx), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeDocument(c, doc)
}

func (s *Server) listAuthors(c *gin.Context) {
	q := bookstore.NewQuery().OrderByAsc("name")
	if name := strings.TrimSpace(c.Query("q")); name != "" {
		q.Where("name", bookstore.FilterOpLike, "%"+name+"%")
	}
	page, pageSize, err := pagination(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	result, err := s.deps.Catalog.Authors.Find(ctx, bookstore.TenantIDFromContext(ctx), q.WithPagination(page, pageSize).WithCount().Build())
	if err != nil {
		s.fail(c, err)
		return
	}
	writeList(c, result, page, pageSize)
}
