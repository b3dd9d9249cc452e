package bookstore

import "context"

type (
	tenantIDKey       struct{}
	correlationIDKey  struct{}
	causationIDKey    struct{}
	userIDKey         struct{}
	etagKey           struct{}
	idempotencyKeyKey struct{}
	replayKey         struct{}
)

// WithTenantID returns a context with the tenant ID set.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantIDFromContext returns the tenant ID from context.
func TenantIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequireTenant returns the tenant ID from context or ErrTenantRequired.
func RequireTenant(ctx context.Context) (string, error) {
	id := TenantIDFromContext(ctx)
	if id == "" {
		return "", ErrTenantRequired
	}
	return id, nil
}

// WithCorrelationID returns a context with the correlation ID set.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// CorrelationIDFromContext returns the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCausationID returns a context with the causation ID set.
func WithCausationID(ctx context.Context, causationID string) context.Context {
	return context.WithValue(ctx, causationIDKey{}, causationID)
}

// CausationIDFromContext returns the causation ID from context.
func CausationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(causationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithUserID returns a context with the acting user ID set.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the acting user ID from context.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithETag returns a context carrying the client supplied ETag.
func WithETag(ctx context.Context, etag string) context.Context {
	return context.WithValue(ctx, etagKey{}, etag)
}

// ETagFromContext returns the client supplied ETag, if any.
func ETagFromContext(ctx context.Context) (string, bool) {
	etag, ok := ctx.Value(etagKey{}).(string)
	return etag, ok && etag != ""
}

// WithIdempotencyKey returns a context carrying the client idempotency key.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey{}, key)
}

// IdempotencyKeyFromContext returns the client idempotency key, if any.
func IdempotencyKeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyKey{}).(string); ok {
		return key
	}
	return ""
}

// WithReplay marks ctx as belonging to a projection rebuild.
func WithReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

// IsReplay reports whether ctx belongs to a projection rebuild.
func IsReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}

// MetadataFromContext builds event metadata from the IDs carried by ctx.
func MetadataFromContext(ctx context.Context) Metadata {
	return Metadata{
		CorrelationID: CorrelationIDFromContext(ctx),
		CausationID:   CausationIDFromContext(ctx),
		UserID:        UserIDFromContext(ctx),
	}
}
