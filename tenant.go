package bookstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// SystemTenant is the reserved tenant that holds the tenant registry.
const SystemTenant = adapters.SystemTenant

// TenantHeader is the HTTP header carrying the tenant ID.
const TenantHeader = "X-Tenant-ID"

// tenantCategory is the stream category of tenant registrations in the system tenant.
const tenantCategory = "Tenant"

var (
	// ErrInvalidTenantID indicates a malformed or reserved tenant ID.
	ErrInvalidTenantID = errors.New("bookstore: invalid tenant ID")

	// ErrTenantExists indicates the tenant is already registered.
	ErrTenantExists = errors.New("bookstore: tenant already exists")

	// ErrUnknownTenant indicates the tenant is not registered.
	ErrUnknownTenant = errors.New("bookstore: unknown tenant")
)

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ValidateTenantID checks that id is usable as a regular tenant ID.
func ValidateTenantID(id string) error {
	if id == "" {
		return ErrTenantRequired
	}
	if id == SystemTenant || !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, id)
	}
	return nil
}

// TenantResolver resolves the tenant of an inbound request.
type TenantResolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderTenantResolver reads the tenant from a request header.
type HeaderTenantResolver struct {
	// Header defaults to TenantHeader.
	Header string
}

// Resolve implements TenantResolver.
func (h HeaderTenantResolver) Resolve(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = TenantHeader
	}
	id := strings.TrimSpace(r.Header.Get(name))
	if id == "" {
		return "", ErrTenantRequired
	}
	return id, nil
}

// RegisteredTenantResolver wraps a resolver and rejects tenants missing from the registry.
type RegisteredTenantResolver struct {
	Resolver TenantResolver
	Registry *TenantRegistry
}

// Resolve implements TenantResolver.
func (r RegisteredTenantResolver) Resolve(req *http.Request) (string, error) {
	id, err := r.Resolver.Resolve(req)
	if err != nil {
		return "", err
	}
	ok, err := r.Registry.Exists(req.Context(), id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTenant, id)
	}
	return id, nil
}

// TenantRegistered is recorded in the system tenant when a tenant is added.
type TenantRegistered struct {
	TenantID     string    `json:"tenantId"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Tenant describes a registered tenant.
type Tenant struct {
	ID           string
	Name         string
	RegisteredAt time.Time
}

// TenantRegistry keeps the set of tenants as event streams in the system tenant.
type TenantRegistry struct {
	store *EventStore
}

// NewTenantRegistry creates a TenantRegistry on the store.
func NewTenantRegistry(store *EventStore) *TenantRegistry {
	store.RegisterEvents(TenantRegistered{})
	return &TenantRegistry{store: store}
}

// Register adds a tenant. It fails with ErrTenantExists when the ID is taken.
func (r *TenantRegistry) Register(ctx context.Context, id, name string) (*Tenant, error) {
	if err := ValidateTenantID(id); err != nil {
		return nil, err
	}
	if name == "" {
		name = id
	}

	event := TenantRegistered{TenantID: id, Name: name, RegisteredAt: time.Now().UTC()}
	_, err := r.store.Append(ctx, SystemTenant, BuildStreamID(tenantCategory, id), NoStream, event)
	if errors.Is(err, ErrStreamCollision) {
		return nil, fmt.Errorf("%w: %q", ErrTenantExists, id)
	}
	if err != nil {
		return nil, err
	}
	return &Tenant{ID: id, Name: name, RegisteredAt: event.RegisteredAt}, nil
}

// Exists reports whether the tenant is registered. The system tenant always exists.
func (r *TenantRegistry) Exists(ctx context.Context, id string) (bool, error) {
	if id == SystemTenant {
		return true, nil
	}
	if id == "" {
		return false, nil
	}
	_, err := r.store.GetStreamInfo(ctx, SystemTenant, BuildStreamID(tenantCategory, id))
	if errors.Is(err, ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns every registered tenant in registration order.
func (r *TenantRegistry) List(ctx context.Context) ([]Tenant, error) {
	var (
		tenants  []Tenant
		position uint64
	)
	for {
		batch, err := r.store.ReadAll(ctx, SystemTenant, position, 500)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return tenants, nil
		}
		for _, stored := range batch {
			position = stored.GlobalPosition
			if stored.Type != "TenantRegistered" {
				continue
			}
			event, err := DeserializeEvent(r.store.Serializer(), stored)
			if err != nil {
				return nil, err
			}
			reg := event.Data.(TenantRegistered)
			tenants = append(tenants, Tenant{ID: reg.TenantID, Name: reg.Name, RegisteredAt: reg.RegisteredAt})
		}
	}
}

// IDs returns the IDs of every registered tenant.
func (r *TenantRegistry) IDs(ctx context.Context) ([]string, error) {
	tenants, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(tenants))
	for i, t := range tenants {
		ids[i] = t.ID
	}
	return ids, nil
}
