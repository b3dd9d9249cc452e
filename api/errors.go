package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aalmada/BookStore-sub002"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{bookstore.ErrPreconditionFailed, http.StatusPreconditionFailed, "precondition_failed"},
	{bookstore.ErrConcurrencyConflict, http.StatusPreconditionFailed, "concurrency_conflict"},
	{bookstore.ErrPreconditionRequired, http.StatusPreconditionRequired, "precondition_required"},
	{bookstore.ErrStreamCollision, http.StatusConflict, "already_exists"},
	{bookstore.ErrTenantExists, http.StatusConflict, "tenant_exists"},
	{bookstore.ErrRebuildInProgress, http.StatusConflict, "rebuild_in_progress"},
	{bookstore.ErrCommandAlreadyProcessed, http.StatusConflict, "already_processed"},
	{bookstore.ErrValidationFailed, http.StatusUnprocessableEntity, "validation_failed"},
	{bookstore.ErrInvalidETag, http.StatusBadRequest, "invalid_etag"},
	{bookstore.ErrInvalidQuery, http.StatusBadRequest, "invalid_query"},
	{bookstore.ErrTenantRequired, http.StatusBadRequest, "tenant_required"},
	{bookstore.ErrInvalidTenantID, http.StatusBadRequest, "invalid_tenant"},
	{bookstore.ErrUnknownTenant, http.StatusNotFound, "unknown_tenant"},
	{bookstore.ErrStreamNotFound, http.StatusNotFound, "not_found"},
	{bookstore.ErrDocumentNotFound, http.StatusNotFound, "not_found"},
	{bookstore.ErrProjectionNotFound, http.StatusNotFound, "projection_not_found"},
	{bookstore.ErrScheduleNotFound, http.StatusNotFound, "not_found"},
	{bookstore.ErrHandlerNotFound, http.StatusNotImplemented, "handler_not_found"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
	{bookstore.ErrCommandBusClosed, http.StatusServiceUnavailable, "unavailable"},
}

// StatusFor returns the HTTP status and error code of err.
func StatusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := StatusFor(err)
	body := ErrorResponse{Code: code, Message: err.Error()}
	if code == "validation_failed" {
		body.Fields = bookstore.FieldErrors(err)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"tenant", bookstore.TenantIDFromContext(c.Request.Context()),
			"error", err,
		)
		body.Message = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: "bad_request", Message: err.Error()})
}
