package repositories

import (
	"context"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	Orders() OrderRepository
	WebhookEvents() WebhookEventRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository persists catalog entries and owns all stock mutations.
type ProductRepository interface {
	Insert(ctx context.Context, product domain.Product) error
	Update(ctx context.Context, product domain.Product) error
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
	// AdjustStock applies every line inside a single transaction. When
	// GuardMinZero is set, a line that would drive stock negative aborts the
	// whole batch with a StockError carrying StockErrorInsufficient.
	AdjustStock(ctx context.Context, req StockAdjustmentRequest) (StockAdjustmentResult, error)
	ListLowStock(ctx context.Context, query LowStockQuery) (domain.CursorPage[domain.Product], error)
}

// StockAdjustmentRequest describes a batch of stock deltas applied atomically.
type StockAdjustmentRequest struct {
	Lines        []StockAdjustmentLine
	GuardMinZero bool
	Reason       string
	Now          time.Time
}

// StockAdjustmentLine is a single product delta within a batch. Negative
// quantities decrement stock, positive quantities restore it.
type StockAdjustmentLine struct {
	ProductID string
	Delta     int
}

// StockAdjustmentResult reports the post-adjustment stock level per product.
type StockAdjustmentResult struct {
	Stocks map[string]int
}

// LowStockQuery controls pagination for low stock listings.
type LowStockQuery struct {
	PageSize  int
	PageToken string
}

// CartRepository owns the single cart document kept per user.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	ReplaceItems(ctx context.Context, userID string, items []domain.CartItem, now time.Time) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// OrderRepository persists order headers and provides query helpers for users and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update rejects writes when expectedUpdate no longer matches the stored
	// document, which keeps the one-shot stock restore guard honest under
	// concurrent transitions.
	Update(ctx context.Context, order domain.Order, expectedUpdate *time.Time) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	CountByStatus(ctx context.Context, dateRange domain.RangeQuery[time.Time]) (map[domain.OrderStatus]int64, error)
	SumRevenue(ctx context.Context, dateRange domain.RangeQuery[time.Time]) (int64, int64, error)
}

// WebhookEventRepository records processed gateway event ids for replay detection.
type WebhookEventRepository interface {
	// Seen reports whether the event id has already been recorded.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Record stores the event id with a create-only write. It returns false
	// without error when the id has already been recorded.
	Record(ctx context.Context, eventID string, eventType string, now time.Time) (bool, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type ProductListFilter struct {
	Category   *domain.ProductCategory
	Status     []domain.ProductStatus
	Pagination domain.Pagination
}

type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
