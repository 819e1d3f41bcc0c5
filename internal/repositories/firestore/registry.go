package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/saddleworth/api/internal/platform/firestore"
	"github.com/saddleworth/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract used for dependency injection.
type Registry struct {
	provider *pfirestore.Provider

	products      *ProductRepository
	carts         *CartRepository
	orders        *OrderRepository
	webhookEvents *WebhookEventRepository
	counters      *CounterRepository
	health        repositories.HealthRepository
}

// RegistryDeps carries the inputs needed to assemble the registry.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	Health   repositories.HealthRepository
}

// NewRegistry constructs every Firestore repository against the shared provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	products, err := NewProductRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	webhookEvents, err := NewWebhookEventRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(deps.Provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:      deps.Provider,
		products:      products,
		carts:         carts,
		orders:        orders,
		webhookEvents: webhookEvents,
		counters:      counters,
		health:        deps.Health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Products returns the product repository.
func (r *Registry) Products() repositories.ProductRepository { return r.products }

// Carts returns the cart repository.
func (r *Registry) Carts() repositories.CartRepository { return r.carts }

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// WebhookEvents returns the processed-event log.
func (r *Registry) WebhookEvents() repositories.WebhookEventRepository { return r.webhookEvents }

// Counters returns the sequence counter repository.
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn within a Firestore transaction context.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	return fn(ctx)
}

var _ repositories.Registry = (*Registry)(nil)
