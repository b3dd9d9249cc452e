// Package api exposes the bookstore over HTTP with gin.
//
// Commands are accepted under /api, carry the tenant in X-Tenant-ID and the
// stream version the client last saw in If-Match. Reads return the document
// version in the ETag header. Projection and scheduler administration lives
// under /admin, live entity notifications under /ws and Prometheus metrics
// under /metrics.
package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/catalog"
)

// Request headers.
const (
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderCausationID    = "X-Causation-ID"
	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Dependencies are the engine components the server exposes.
type Dependencies struct {
	Dispatcher bookstore.Dispatcher
	Catalog    *catalog.Repositories
	Engine     *bookstore.ProjectionEngine
	Rebuilder  *bookstore.ProjectionRebuilder
	Scheduler  *bookstore.Scheduler
	Tenants    *bookstore.TenantRegistry

	// Resolver resolves the tenant of /api requests. Defaults to the
	// X-Tenant-ID header checked against Tenants.
	Resolver bookstore.TenantResolver

	// Realtime serves /ws when set.
	Realtime http.Handler

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP boundary.
type Server struct {
	deps          Dependencies
	engine        *gin.Engine
	logger        bookstore.Logger
	allowOrigins  []string
	adminToken    string
	debug         bool
	rebuildWG     sync.WaitGroup
	newCorrelated func() string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l bookstore.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithCORS allows cross-origin requests from the origins. "*" allows all.
func WithCORS(origins ...string) Option {
	return func(s *Server) {
		s.allowOrigins = origins
	}
}

// WithAdminToken requires "Authorization: Bearer <token>" on /admin routes.
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

// WithDebug puts gin in debug mode.
func WithDebug(debug bool) Option {
	return func(s *Server) {
		s.debug = debug
	}
}

// New creates the server and its routes.
func New(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		deps:          deps,
		logger:        bookstore.NewSlogLogger(nil),
		newCorrelated: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deps.Resolver == nil {
		var resolver bookstore.TenantResolver = bookstore.HeaderTenantResolver{}
		if s.deps.Tenants != nil {
			resolver = bookstore.RegisteredTenantResolver{Resolver: resolver, Registry: s.deps.Tenants}
		}
		s.deps.Resolver = resolver
	}

	if !s.debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	s.engine.Use(s.recovery(), s.requestLogger())
	if len(s.allowOrigins) > 0 {
		s.engine.Use(cors.New(s.corsConfig()))
	}
	s.routes()
	return s
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if len(s.allowOrigins) == 1 && s.allowOrigins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.allowOrigins
	}
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	cfg.AllowHeaders = []string{
		"Origin", "Content-Type", "Authorization", "If-Match", "If-None-Match",
		bookstore.TenantHeader, HeaderCorrelationID, HeaderCausationID, HeaderUserID, HeaderIdempotencyKey,
	}
	cfg.ExposeHeaders = []string{"ETag", "Location", HeaderCorrelationID}
	cfg.AllowWebSockets = true
	return cfg
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Wait blocks until background rebuilds started by the admin API finish.
func (s *Server) Wait() {
	s.rebuildWG.Wait()
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.Realtime != nil {
		s.engine.GET("/ws", gin.WrapH(s.deps.Realtime))
	}

	api := s.engine.Group("/api", s.tenantScope())
	{
		books := api.Group("/books")
		books.POST("", s.addBook)
		books.GET("", s.listBooks)
		books.GET("/:id", s.getBook)
		books.PUT("/:id", s.updateBook)
		books.PUT("/:id/price", s.changeBookPrice)
		books.DELETE("/:id", s.deleteBook)
		books.POST("/:id/restore", s.restoreBook)
		books.POST("/:id/sales", s.scheduleSale)
		books.GET("/:id/statistics", s.getBookStatistics)

		authors := api.Group("/authors")
		authors.POST("", s.createAuthor)
		authors.GET("", s.listAuthors)
		authors.GET("/:id", s.getAuthor)
		authors.PUT("/:id", s.updateAuthor)
		authors.DELETE("/:id", s.deleteAuthor)
	}

	admin := s.engine.Group("/admin", s.requireAdmin())
	{
		admin.GET("/tenants", s.listTenants)
		admin.POST("/tenants", s.addTenant)
		admin.GET("/projections", s.listProjections)
		admin.GET("/projections/:name/tenants/:tenant", s.projectionStatus)
		admin.GET("/projections/:name/tenants/:tenant/checkpoint", s.getCheckpoint)
		admin.POST("/projections/:name/tenants/:tenant/rebuild", s.rebuildProjection)
		admin.POST("/projections/:name/tenants/:tenant/resume", s.resumeProjection)
		admin.GET("/tenants/:tenant/schedules", s.listSchedules)
	}
}

// =============================================================================
// Middleware
// =============================================================================

// tenantScope resolves the tenant and moves the request IDs into the
// request context.
func (s *Server) tenantScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := s.deps.Resolver.Resolve(c.Request)
		if err != nil {
			s.fail(c, err)
			return
		}

		correlationID := c.GetHeader(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = s.newCorrelated()
		}
		c.Header(HeaderCorrelationID, correlationID)

		ctx := bookstore.WithTenantID(c.Request.Context(), tenantID)
		ctx = bookstore.WithCorrelationID(ctx, correlationID)
		if id := c.GetHeader(HeaderCausationID); id != "" {
			ctx = bookstore.WithCausationID(ctx, id)
		}
		if id := c.GetHeader(HeaderUserID); id != "" {
			ctx = bookstore.WithUserID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminToken == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.adminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Code: "unauthorized", Message: "admin token required"})
			return
		}
		c.Next()
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("Panic recovered", "path", c.Request.URL.Path, "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "internal",
			Message: http.StatusText(http.StatusInternalServerError),
		})
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if strings.HasPrefix(c.Request.URL.Path, "/metrics") || c.Request.URL.Path == "/healthz" {
			return
		}
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"tenant", bookstore.TenantIDFromContext(c.Request.Context()),
		)
	}
}

// =============================================================================
// Commands
// =============================================================================

// CommandResponse is returned for accepted commands.
type CommandResponse struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	ETag    string `json:"etag"`
}

func (s *Server) envelope(c *gin.Context, cmd bookstore.Command) bookstore.Envelope {
	ctx := c.Request.Context()
	return bookstore.Envelope{
		TenantID:       bookstore.TenantIDFromContext(ctx),
		Command:        cmd,
		ETag:           c.GetHeader("If-Match"),
		CorrelationID:  bookstore.CorrelationIDFromContext(ctx),
		CausationID:    bookstore.CausationIDFromContext(ctx),
		UserID:         bookstore.UserIDFromContext(ctx),
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
	}
}

// send dispatches cmd and writes the error response on failure.
func (s *Server) send(c *gin.Context, cmd bookstore.Command) (bookstore.CommandResult, bool) {
	result, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), s.envelope(c, cmd))
	if err == nil && result.IsError() {
		err = result.Error
	}
	if err != nil {
		s.fail(c, err)
		return result, false
	}
	c.Header("ETag", result.ETag)
	return result, true
}

// dispatch sends cmd and writes the result. location, when set, is joined
// with the aggregate ID for the Location header.
func (s *Server) dispatch(c *gin.Context, cmd bookstore.Command, status int, location string) {
	result, ok := s.send(c, cmd)
	if !ok {
		return
	}
	if location != "" {
		c.Header("Location", location+"/"+result.AggregateID)
	}
	c.JSON(status, CommandResponse{ID: result.AggregateID, Version: result.Version, ETag: result.ETag})
}

// bind decodes the JSON body into req. An empty body is allowed.
func bind(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

// =============================================================================
// Reads
// =============================================================================

// DocumentResponse is one read-model document in a list.
type DocumentResponse[D any] struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	ETag    string `json:"etag"`
	Data    D      `json:"data"`
}

// ListResponse is a page of documents.
type ListResponse[D any] struct {
	Items    []DocumentResponse[D] `json:"items"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"pageSize"`
	HasMore  bool                  `json:"hasMore"`
}

func writeDocument[D any](c *gin.Context, doc *bookstore.DocumentResult[D]) {
	c.Header("ETag", doc.ETag)
	if match := c.GetHeader("If-None-Match"); match != "" && match == doc.ETag {
		c.Status(http.StatusNotModified)
		return
	}
	c.JSON(http.StatusOK, doc.Value)
}

func writeList[D any](c *gin.Context, result *bookstore.QueryResult[D], page, pageSize int) {
	items := make([]DocumentResponse[D], len(result.Items))
	for i, item := range result.Items {
		items[i] = DocumentResponse[D]{ID: item.ID, Version: item.Version, ETag: item.ETag, Data: item.Value}
	}
	c.JSON(http.StatusOK, ListResponse[D]{
		Items:    items,
		Total:    result.TotalCount,
		Page:     page,
		PageSize: pageSize,
		HasMore:  result.HasMore,
	})
}
