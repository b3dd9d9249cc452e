package bookstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidQuery indicates the query is invalid.
var ErrInvalidQuery = errors.New("bookstore: invalid query")

// Query represents a query for read-model documents.
// Field names are the JSON field names of the document.
type Query struct {
	// Filters to apply.
	Filters []Filter

	// Ordering criteria. Documents are ordered by ID when empty.
	OrderBy []OrderBy

	// Maximum number of results to return.
	// 0 means no limit.
	Limit int

	// Number of results to skip.
	Offset int

	// IncludeCount includes the total count in paginated results.
	IncludeCount bool
}

// NewQuery creates a new empty Query.
func NewQuery() *Query {
	return &Query{}
}

// Where adds a filter condition.
func (q *Query) Where(field string, op FilterOp, value interface{}) *Query {
	q.Filters = append(q.Filters, Filter{
		Field: field,
		Op:    op,
		Value: value,
	})
	return q
}

// And is an alias for Where for readability.
func (q *Query) And(field string, op FilterOp, value interface{}) *Query {
	return q.Where(field, op, value)
}

// OrderByAsc adds ascending order.
func (q *Query) OrderByAsc(field string) *Query {
	q.OrderBy = append(q.OrderBy, OrderBy{Field: field})
	return q
}

// OrderByDesc adds descending order.
func (q *Query) OrderByDesc(field string) *Query {
	q.OrderBy = append(q.OrderBy, OrderBy{Field: field, Desc: true})
	return q
}

// WithLimit sets the maximum number of results.
func (q *Query) WithLimit(limit int) *Query {
	q.Limit = limit
	return q
}

// WithOffset sets the number of results to skip.
func (q *Query) WithOffset(offset int) *Query {
	q.Offset = offset
	return q
}

// WithPagination sets limit and offset for pagination.
func (q *Query) WithPagination(page, pageSize int) *Query {
	q.Limit = pageSize
	q.Offset = (page - 1) * pageSize
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// WithCount includes total count in results.
func (q *Query) WithCount() *Query {
	q.IncludeCount = true
	return q
}

// Build returns a copy of the query (useful for chaining).
func (q *Query) Build() Query {
	return *q
}

// Validate checks operators and operands.
func (q Query) Validate() error {
	if q.Limit < 0 || q.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidQuery)
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("%w: filter without field", ErrInvalidQuery)
		}
		switch f.Op {
		case FilterOpEq, FilterOpNe, FilterOpGt, FilterOpGte, FilterOpLt, FilterOpLte,
			FilterOpLike, FilterOpContains, FilterOpIsNull, FilterOpIsNotNull:
		case FilterOpIn, FilterOpNotIn:
			if _, ok := asList(f.Value); !ok {
				return fmt.Errorf("%w: %s %s needs a list", ErrInvalidQuery, f.Field, f.Op)
			}
		case FilterOpBetween:
			if l, ok := asList(f.Value); !ok || len(l) != 2 {
				return fmt.Errorf("%w: %s BETWEEN needs two bounds", ErrInvalidQuery, f.Field)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Op)
		}
	}
	for _, o := range q.OrderBy {
		if o.Field == "" {
			return fmt.Errorf("%w: order without field", ErrInvalidQuery)
		}
	}
	return nil
}

// cacheKey is a stable digest of the query.
func (q Query) cacheKey() string {
	data, _ := json.Marshal(q)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Filter represents a query filter condition.
type Filter struct {
	// Field is the field name to filter on.
	Field string

	// Op is the comparison operator.
	Op FilterOp

	// Value is the value to compare against.
	Value interface{}
}

// FilterOp represents a filter operation.
type FilterOp string

const (
	// FilterOpEq matches equal values.
	FilterOpEq FilterOp = "="

	// FilterOpNe matches not equal values.
	FilterOpNe FilterOp = "!="

	// FilterOpGt matches greater than values.
	FilterOpGt FilterOp = ">"

	// FilterOpGte matches greater than or equal values.
	FilterOpGte FilterOp = ">="

	// FilterOpLt matches less than values.
	FilterOpLt FilterOp = "<"

	// FilterOpLte matches less than or equal values.
	FilterOpLte FilterOp = "<="

	// FilterOpIn matches any value in a list.
	FilterOpIn FilterOp = "IN"

	// FilterOpNotIn matches no value in a list.
	FilterOpNotIn FilterOp = "NOT IN"

	// FilterOpLike matches a case-insensitive pattern where % is a wildcard.
	FilterOpLike FilterOp = "LIKE"

	// FilterOpIsNull matches null or missing values.
	FilterOpIsNull FilterOp = "IS NULL"

	// FilterOpIsNotNull matches non-null values.
	FilterOpIsNotNull FilterOp = "IS NOT NULL"

	// FilterOpContains matches arrays containing a value or strings containing a substring.
	FilterOpContains FilterOp = "CONTAINS"

	// FilterOpBetween matches values between two inclusive bounds.
	FilterOpBetween FilterOp = "BETWEEN"
)

// OrderBy represents a sort order.
type OrderBy struct {
	// Field is the field name to sort by.
	Field string

	// Desc specifies descending order.
	Desc bool
}

// DocumentResult is a decoded read-model document with its version.
type DocumentResult[D any] struct {
	ID      string
	Version int64
	ETag    string
	Value   D
}

// QueryResult contains query results with optional count.
type QueryResult[D any] struct {
	// Items contains the matching documents.
	Items []DocumentResult[D]

	// TotalCount is the total number of matching items (before pagination).
	// Only populated if IncludeCount was true in the query.
	TotalCount int64

	// HasMore indicates if there are more results beyond the limit.
	HasMore bool
}

// =============================================================================
// Document repository
// =============================================================================

// DocumentRepository reads the active generation of one projection's
// documents. Reads are tenant-scoped and optionally cached under the tags the
// post-commit coordinator invalidates.
type DocumentRepository[D any] struct {
	engine     *ProjectionEngine
	projection string
	entity     string
	cache      Cache
	ttl        time.Duration
}

// RepositoryOption configures a DocumentRepository.
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	cache Cache
	ttl   time.Duration
}

// WithRepositoryCache caches reads for ttl.
func WithRepositoryCache(cache Cache, ttl time.Duration) RepositoryOption {
	return func(c *repositoryConfig) {
		c.cache = cache
		c.ttl = ttl
	}
}

// NewDocumentRepository creates a repository over a registered projection.
// entity must match the projection's TagRule entity for cached reads to be
// invalidated.
func NewDocumentRepository[D any](engine *ProjectionEngine, projection, entity string, opts ...RepositoryOption) *DocumentRepository[D] {
	cfg := repositoryConfig{ttl: 5 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &DocumentRepository[D]{
		engine:     engine,
		projection: projection,
		entity:     entity,
		cache:      cfg.cache,
		ttl:        cfg.ttl,
	}
}

// Projection returns the projection name.
func (r *DocumentRepository[D]) Projection() string {
	return r.projection
}

// Get returns one document. Returns ErrDocumentNotFound if it does not exist.
func (r *DocumentRepository[D]) Get(ctx context.Context, tenantID, id string) (*DocumentResult[D], error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	load := func(ctx context.Context) ([]byte, error) {
		doc, err := r.getDocument(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	}

	var data []byte
	var err error
	if r.cache != nil {
		tags := []string{CacheTag(tenantID, r.entity, id), ProjectionTag(tenantID, r.projection)}
		data, err = r.cache.GetOrCreate(ctx, CacheTag(tenantID, r.projection, "doc", id), load, tags, r.ttl)
	} else {
		data, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("bookstore: failed to decode cached document %s: %w", id, err)
	}
	return decodeResult[D](&doc)
}

// getDocument retries once when a rebuild swapped generations between
// resolving the collection and reading from it.
func (r *DocumentRepository[D]) getDocument(ctx context.Context, tenantID, id string) (*Document, error) {
	c, err := r.engine.ActiveCollection(ctx, r.projection, tenantID)
	if err != nil {
		return nil, err
	}
	doc, err := r.engine.docs.GetDocument(ctx, c, id)
	if errors.Is(err, ErrDocumentNotFound) {
		again, cerr := r.engine.ActiveCollection(ctx, r.projection, tenantID)
		if cerr == nil && again.Generation != c.Generation {
			return r.engine.docs.GetDocument(ctx, again, id)
		}
	}
	return doc, err
}

// Find returns the documents that match the query.
func (r *DocumentRepository[D]) Find(ctx context.Context, tenantID string, query Query) (*QueryResult[D], error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}

	load := func(ctx context.Context) ([]byte, error) {
		page, err := r.find(ctx, tenantID, query)
		if err != nil {
			return nil, err
		}
		return json.Marshal(page)
	}

	var data []byte
	var err error
	if r.cache != nil {
		key := CacheTag(tenantID, r.projection, "query", query.cacheKey())
		tags := []string{CacheTag(tenantID, r.entity+"-list"), ProjectionTag(tenantID, r.projection)}
		data, err = r.cache.GetOrCreate(ctx, key, load, tags, r.ttl)
	} else {
		data, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}

	var page documentPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("bookstore: failed to decode cached query: %w", err)
	}

	result := &QueryResult[D]{TotalCount: page.Total, HasMore: page.HasMore}
	if !query.IncludeCount {
		result.TotalCount = 0
	}
	for i := range page.Documents {
		item, err := decodeResult[D](&page.Documents[i])
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, *item)
	}
	return result, nil
}

// Count returns the number of documents that match the query filters.
func (r *DocumentRepository[D]) Count(ctx context.Context, tenantID string, query Query) (int64, error) {
	query.Limit, query.Offset = 0, 0
	query.OrderBy = nil
	query.IncludeCount = true
	result, err := r.Find(ctx, tenantID, query)
	if err != nil {
		return 0, err
	}
	return result.TotalCount, nil
}

type documentPage struct {
	Documents []Document `json:"documents"`
	Total     int64      `json:"total"`
	HasMore   bool       `json:"hasMore"`
}

func (r *DocumentRepository[D]) find(ctx context.Context, tenantID string, query Query) (*documentPage, error) {
	c, err := r.engine.ActiveCollection(ctx, r.projection, tenantID)
	if err != nil {
		return nil, err
	}
	docs, err := r.engine.docs.ListDocuments(ctx, c)
	if err != nil {
		return nil, err
	}

	type row struct {
		doc    *Document
		fields map[string]interface{}
	}
	rows := make([]row, 0, len(docs))
	for _, doc := range docs {
		var fields map[string]interface{}
		if err := json.Unmarshal(doc.Data, &fields); err != nil {
			return nil, fmt.Errorf("bookstore: failed to decode document %s: %w", doc.ID, err)
		}
		if matchesFilters(fields, query.Filters) {
			rows = append(rows, row{doc: doc, fields: fields})
		}
	}

	if len(query.OrderBy) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, o := range query.OrderBy {
				c := compareValues(lookupField(rows[i].fields, o.Field), lookupField(rows[j].fields, o.Field))
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	page := &documentPage{Total: int64(len(rows))}
	start := query.Offset
	if start > len(rows) {
		start = len(rows)
	}
	end := len(rows)
	if query.Limit > 0 && start+query.Limit < end {
		end = start + query.Limit
		page.HasMore = true
	}
	page.Documents = make([]Document, 0, end-start)
	for _, rw := range rows[start:end] {
		page.Documents = append(page.Documents, *rw.doc)
	}
	return page, nil
}

func decodeResult[D any](doc *Document) (*DocumentResult[D], error) {
	value, err := DecodeDocument[D](doc)
	if err != nil {
		return nil, err
	}
	return &DocumentResult[D]{
		ID:      doc.ID,
		Version: doc.Version,
		ETag:    FormatETag(doc.Version),
		Value:   value,
	}, nil
}

// =============================================================================
// Filter evaluation
// =============================================================================

// lookupField resolves dotted paths such as "author.name".
func lookupField(fields map[string]interface{}, path string) interface{} {
	var cur interface{} = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func matchesFilters(fields map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(lookupField(fields, f.Field), f) {
			return false
		}
	}
	return true
}

func matchFilter(v interface{}, f Filter) bool {
	want := normalizeValue(f.Value)
	switch f.Op {
	case FilterOpIsNull:
		return v == nil
	case FilterOpIsNotNull:
		return v != nil
	case FilterOpEq:
		return v != nil && compareValues(v, want) == 0
	case FilterOpNe:
		return v == nil || compareValues(v, want) != 0
	case FilterOpGt:
		return v != nil && compareValues(v, want) > 0
	case FilterOpGte:
		return v != nil && compareValues(v, want) >= 0
	case FilterOpLt:
		return v != nil && compareValues(v, want) < 0
	case FilterOpLte:
		return v != nil && compareValues(v, want) <= 0
	case FilterOpIn, FilterOpNotIn:
		list, _ := asList(f.Value)
		found := false
		for _, item := range list {
			if v != nil && compareValues(v, normalizeValue(item)) == 0 {
				found = true
				break
			}
		}
		return found == (f.Op == FilterOpIn)
	case FilterOpBetween:
		list, _ := asList(f.Value)
		return v != nil && len(list) == 2 &&
			compareValues(v, normalizeValue(list[0])) >= 0 &&
			compareValues(v, normalizeValue(list[1])) <= 0
	case FilterOpLike:
		s, ok := v.(string)
		p, pok := want.(string)
		return ok && pok && likeMatch(strings.ToLower(s), strings.ToLower(p))
	case FilterOpContains:
		switch t := v.(type) {
		case []interface{}:
			for _, item := range t {
				if compareValues(item, want) == 0 {
					return true
				}
			}
			return false
		case string:
			p, ok := want.(string)
			return ok && strings.Contains(strings.ToLower(t), strings.ToLower(p))
		}
	}
	return false
}

// normalizeValue converts Go values to their JSON-decoded shape.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func asList(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]interface{}, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// compareValues orders nil first, then booleans, numbers and strings.
// Timestamps compare as strings because RFC 3339 UTC sorts lexically.
func compareValues(a, b interface{}) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case string:
		return strings.Compare(x, b.(string))
	case nil:
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func rank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}

// likeMatch matches s against a pattern where % matches any run of characters.
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, last)
}
