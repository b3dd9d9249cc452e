package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/adapters/memory"
	"github.com/aalmada/BookStore-sub002/api"
	"github.com/aalmada/BookStore-sub002/cache/lrucache"
	"github.com/aalmada/BookStore-sub002/catalog"
)

type testServer struct {
	*api.Server
	store     *bookstore.EventStore
	engine    *bookstore.ProjectionEngine
	scheduler *bookstore.Scheduler
}

func newTestServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	ctx := context.Background()
	ts := &testServer{store: bookstore.New(memory.NewAdapter())}
	ts.store.RegisterEvents(catalog.Events()...)

	tenants := bookstore.NewTenantRegistry(ts.store)
	_, err := tenants.Register(ctx, "acme", "Acme Books")
	require.NoError(t, err)

	registry := bookstore.NewHandlerRegistry()
	require.NoError(t, catalog.RegisterHandlers(registry, ts.store))

	var bus *bookstore.CommandBus
	ts.scheduler = bookstore.NewScheduler(memory.NewScheduleStore(),
		bookstore.DispatcherFunc(func(ctx context.Context, env bookstore.Envelope) (bookstore.CommandResult, error) {
			return bus.Dispatch(ctx, env)
		}),
		registry,
	)
	bus = bookstore.NewCommandBus(
		bookstore.WithHandlerRegistry(registry),
		bookstore.WithCommandScheduler(ts.scheduler),
		bookstore.WithMiddleware(bookstore.ValidationMiddleware()),
	)

	cache := lrucache.New(128)
	coordinator := bookstore.NewPostCommitCoordinator(cache, nil, catalog.Tags())
	ts.engine = bookstore.NewProjectionEngine(ts.store, memory.NewProjectionStore(), bookstore.WithBatchObserver(coordinator))
	for _, p := range catalog.Projections() {
		require.NoError(t, ts.engine.Register(p))
	}
	require.NoError(t, ts.engine.AddTenant("acme"))

	ts.Server = api.New(api.Dependencies{
		Dispatcher: bus,
		Catalog:    catalog.NewRepositories(ts.engine, cache, time.Minute),
		Engine:     ts.engine,
		Rebuilder:  bookstore.NewProjectionRebuilder(ts.engine),
		Scheduler:  ts.scheduler,
		Tenants:    tenants,
		Metrics:    promhttp.Handler(),
	}, opts...)
	return ts
}

func (ts *testServer) catchUp(t *testing.T, tenant string) {
	t.Helper()
	for _, name := range catalog.ProjectionNames() {
		_, err := ts.engine.CatchUp(context.Background(), name, tenant)
		require.NoError(t, err)
	}
}

// do sends a request. headers are name/value pairs.
func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) acme(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	return ts.do(method, path, body, append([]string{bookstore.TenantHeader, "acme"}, headers...)...)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = ts.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_TenantResolution(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		tenant string
		status int
		code   string
	}{
		{name: "missing", status: http.StatusBadRequest, code: "tenant_required"},
		{name: "unknown", tenant: "globex", status: http.StatusNotFound, code: "unknown_tenant"},
		{name: "registered", tenant: "acme", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.tenant != "" {
				headers = []string{bookstore.TenantHeader, tt.tenant}
			}
			rec := ts.do(http.MethodGet, "/api/books", "", headers...)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decode[api.ErrorResponse](t, rec).Code)
			}
		})
	}
}

func TestServer_BookLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.acme(http.MethodPost, "/api/books", `{"title":"Dune","price":20,"categories":["sf"]}`, api.HeaderCorrelationID, "corr-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[api.CommandResponse](t, rec)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))
	assert.Equal(t, "/api/books/"+created.ID, rec.Header().Get("Location"))
	assert.Equal(t, "corr-1", rec.Header().Get(api.HeaderCorrelationID))
	path := "/api/books/" + created.ID

	ts.catchUp(t, "acme")
	rec = ts.acme(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))
	assert.Equal(t, "Dune", decode[catalog.BookSearchDocument](t, rec).Title)

	rec = ts.acme(http.MethodGet, path, "", "If-None-Match", `"1"`)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	t.Run("price change needs a matching ETag", func(t *testing.T) {
		rec := ts.acme(http.MethodPut, path+"/price", `{"price":25}`)
		assert.Equal(t, http.StatusPreconditionRequired, rec.Code)

		rec = ts.acme(http.MethodPut, path+"/price", `{"price":25}`, "If-Match", `"7"`)
		assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

		rec = ts.acme(http.MethodPut, path+"/price", `{"price":25}`, "If-Match", `"1"`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, `"2"`, rec.Header().Get("ETag"))
	})

	ts.catchUp(t, "acme")
	rec = ts.acme(http.MethodGet, "/api/books?minPrice=21", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[api.ListResponse[catalog.BookSearchDocument]](t, rec)
	require.Len(t, list.Items, 1, "the cached list is invalidated by the price change")
	assert.Equal(t, 25.0, list.Items[0].Data.CurrentPrice)

	rec = ts.acme(http.MethodDelete, path, "", "If-Match", `"2"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ts.catchUp(t, "acme")

	assert.Equal(t, http.StatusNotFound, ts.acme(http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusOK, ts.acme(http.MethodGet, path+"?includeDeleted=true", "").Code)
	assert.Zero(t, decode[api.ListResponse[catalog.BookSearchDocument]](t, ts.acme(http.MethodGet, "/api/books", "")).Total)

	rec = ts.acme(http.MethodPost, path+"/restore", "", "If-Match", `"3"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ts.catchUp(t, "acme")
	assert.Equal(t, http.StatusOK, ts.acme(http.MethodGet, path, "").Code)

	rec = ts.acme(http.MethodGet, path+"/statistics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[catalog.BookStatistics](t, rec)
	assert.Equal(t, 1, stats.PriceChanges)
	assert.Equal(t, 1, stats.Deletions)
	assert.Equal(t, 1, stats.Restores)
}

func TestServer_CommandErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{name: "malformed body", method: http.MethodPost, path: "/api/books", body: `{"title":`, status: http.StatusBadRequest, code: "bad_request"},
		{name: "validation", method: http.MethodPost, path: "/api/books", body: `{"title":" ","price":-1}`, status: http.StatusUnprocessableEntity, code: "validation_failed"},
		{name: "missing book", method: http.MethodGet, path: "/api/books/nope", status: http.StatusNotFound, code: "not_found"},
		{name: "bad filter", method: http.MethodGet, path: "/api/books?minPrice=cheap", status: http.StatusBadRequest, code: "bad_request"},
		{name: "bad sort", method: http.MethodGet, path: "/api/books?sort=isbn", status: http.StatusBadRequest, code: "bad_request"},
		{name: "bad page", method: http.MethodGet, path: "/api/authors?page=0", status: http.StatusBadRequest, code: "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.acme(tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[api.ErrorResponse](t, rec).Code)
		})
	}

	t.Run("validation fields", func(t *testing.T) {
		rec := ts.acme(http.MethodPost, "/api/books", `{"title":"","price":-1}`)
		body := decode[api.ErrorResponse](t, rec)
		assert.Contains(t, body.Fields, "title")
		assert.Contains(t, body.Fields, "price")
	})
}

func TestServer_Authors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.acme(http.MethodPost, "/api/authors", `{"authorId":"herbert","name":"Frank Herbert"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.acme(http.MethodPost, "/api/authors", `{"authorId":"herbert","name":"Frank Herbert"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.acme(http.MethodPost, "/api/authors", `{"authorId":"austen","name":"Jane Austen"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.catchUp(t, "acme")

	rec = ts.acme(http.MethodGet, "/api/authors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[api.ListResponse[catalog.AuthorDocument]](t, rec)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "Frank Herbert", list.Items[0].Data.Name)
	assert.Equal(t, int64(2), list.Total)

	rec = ts.acme(http.MethodPut, "/api/authors/austen", `{"name":"Jane Austen","biography":"Novelist"}`, "If-Match", `"1"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.acme(http.MethodDelete, "/api/authors/herbert", "", "If-Match", `"1"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ts.catchUp(t, "acme")

	assert.Equal(t, http.StatusNotFound, ts.acme(http.MethodGet, "/api/authors/herbert", "").Code)
	rec = ts.acme(http.MethodGet, "/api/authors/austen", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Novelist", decode[catalog.AuthorDocument](t, rec).Biography)
	assert.Equal(t, `"2"`, rec.Header().Get("ETag"))
}

func TestServer_ScheduleSale(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.acme(http.MethodPost, "/api/books", `{"bookId":"dune","title":"Dune","price":20}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	body := `{"percentage":25,"startsAt":"` + start.Format(time.RFC3339) + `","endsAt":"` + start.Add(24*time.Hour).Format(time.RFC3339) + `"}`
	rec = ts.acme(http.MethodPost, "/api/books/dune/sales", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sale := decode[api.SaleResponse](t, rec)
	assert.NotEmpty(t, sale.SaleID, "a sale ID is generated")
	assert.Equal(t, "dune", sale.ID)

	rec = ts.do(http.MethodGet, "/admin/tenants/acme/schedules?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	schedules := decode[[]api.ScheduleResponse](t, rec)
	require.Len(t, schedules, 2)
	assert.ElementsMatch(t, []string{"StartSale", "EndSale"}, []string{schedules[0].CommandType, schedules[1].CommandType})
	assert.Equal(t, "pending", schedules[0].Status)

	rec = ts.do(http.MethodGet, "/admin/tenants/acme/schedules?status=done", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AdminProjections(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.acme(http.MethodPost, "/api/books", `{"title":"Dune","price":20}`).Code)
	ts.catchUp(t, "acme")

	rec := ts.do(http.MethodGet, "/admin/projections?tenant=acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	statuses := decode[[]api.ProjectionStatusResponse](t, rec)
	assert.Len(t, statuses, len(catalog.ProjectionNames()))

	base := "/admin/projections/" + catalog.BookSearchProjection + "/tenants/acme"
	rec = ts.do(http.MethodGet, base+"/checkpoint", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cp := decode[api.CheckpointResponse](t, rec)
	assert.Positive(t, cp.Position)
	assert.Zero(t, cp.Generation)

	rec = ts.do(http.MethodPost, base+"/rebuild?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), decode[api.ProjectionStatusResponse](t, rec).Generation)

	rec = ts.do(http.MethodPost, base+"/rebuild", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ts.Wait()
	status, err := ts.engine.Status(context.Background(), catalog.BookSearchProjection, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.Generation)

	rec = ts.do(http.MethodPost, base+"/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/projections/nope/tenants/acme", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.acme(http.MethodGet, "/api/books", "")
	assert.Len(t, decode[api.ListResponse[catalog.BookSearchDocument]](t, rec).Items, 1, "reads hit the rebuilt generation")
}

func TestServer_AdminTenants(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/admin/tenants", `{"id":"globex","name":"Globex"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, ts.engine.Tenants(), "globex")

	rec = ts.do(http.MethodPost, "/admin/tenants", `{"id":"globex"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/tenants", `{"id":"Not Valid"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/tenants", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tenants := decode[[]api.TenantResponse](t, rec)
	require.Len(t, tenants, 2)
	assert.Equal(t, "acme", tenants[0].ID)

	rec = ts.do(http.MethodGet, "/api/books", "", bookstore.TenantHeader, "globex")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AdminToken(t *testing.T) {
	ts := newTestServer(t, api.WithAdminToken("secret"))

	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/admin/tenants", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/admin/tenants", "", "Authorization", "Bearer secret").Code)
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t, api.WithCORS("https://shop.example.com"))

	rec := ts.do(http.MethodOptions, "/api/books", "",
		"Origin", "https://shop.example.com",
		"Access-Control-Request-Method", http.MethodPut,
		"Access-Control-Request-Headers", "If-Match",
	)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://shop.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers")), "if-match"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{bookstore.ErrPreconditionFailed, http.StatusPreconditionFailed},
		{bookstore.ErrConcurrencyConflict, http.StatusPreconditionFailed},
		{bookstore.ErrPreconditionRequired, http.StatusPreconditionRequired},
		{bookstore.ErrStreamCollision, http.StatusConflict},
		{bookstore.ErrRebuildInProgress, http.StatusConflict},
		{bookstore.ErrTenantRequired, http.StatusBadRequest},
		{&catalog.NotFoundError{Entity: "book", ID: "1"}, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := api.StatusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
