package services

import (
	"context"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Product            = domain.Product
	ProductCategory    = domain.ProductCategory
	ProductStatus      = domain.ProductStatus
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	CheckoutSession    = domain.CheckoutSession
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderTotals        = domain.OrderTotals
	OrderLineItem      = domain.OrderLineItem
	OrderPayment       = domain.OrderPayment
	OrderTracking      = domain.OrderTracking
	OrderAudit         = domain.OrderAudit
	OrderAnalytics     = domain.OrderAnalytics
	PaymentMethod      = domain.PaymentMethod
	PaymentStatus      = domain.PaymentStatus
	Address            = domain.Address
	SystemHealthReport = domain.SystemHealthReport
)

// CatalogService manages public product reads and admin catalog operations.
type CatalogService interface {
	ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error)
	GetProduct(ctx context.Context, productID string) (Product, error)
	CreateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	UpdateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	ArchiveProduct(ctx context.Context, cmd ArchiveProductCommand) (Product, error)
	AdjustStock(ctx context.Context, cmd AdjustStockCommand) (Product, error)
	ListLowStock(ctx context.Context, pager Pagination) (domain.CursorPage[Product], error)
}

// CartService manages mutable cart state for a user.
type CartService interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	ReplaceItems(ctx context.Context, cmd ReplaceCartItemsCommand) (Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// CheckoutService turns a cart into an order and, for card payments, a PSP session.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}

// OrderService encapsulates order read/write flows including the status
// machine and the stock reconciliation tied to it.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	Analytics(ctx context.Context, cmd OrderAnalyticsQuery) (OrderAnalytics, error)
}

// PaymentReconciler applies verified gateway events onto orders exactly once.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, event PaymentEvent) (Order, error)
}

// NotificationDispatcher delivers customer-facing notifications. Every method
// is fire-and-forget: failures are logged by implementations, never returned
// into order flows.
type NotificationDispatcher interface {
	OrderConfirmation(ctx context.Context, order Order)
	OrderStatusUpdate(ctx context.Context, order Order, previous OrderStatus)
	PaymentConfirmation(ctx context.Context, order Order)
	RefundConfirmation(ctx context.Context, order Order)
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

type ProductListFilter struct {
	Category      *ProductCategory
	IncludeHidden bool
	Pagination    Pagination
}

type UpsertProductCommand struct {
	ProductID      *string
	Name           string
	Description    string
	Category       ProductCategory
	Price          int64
	Images         []string
	Colors         []string
	InitialStock   int
	StockThreshold int
	Status         ProductStatus
	ActorID        string
}

type ArchiveProductCommand struct {
	ProductID string
	ActorID   string
}

type AdjustStockCommand struct {
	ProductID string
	Delta     int
	Reason    string
	ActorID   string
}

type ReplaceCartItemsCommand struct {
	UserID string
	Items  []CartItem
}

type CheckoutCommand struct {
	UserID          string
	PaymentMethod   PaymentMethod
	ShippingAddress Address
	ShippingFee     int64
	Total           int64
	Note            string
	SuccessURL      string
	CancelURL       string
}

// CheckoutResult returns the created order plus the PSP session for card
// payments. Session is nil for cash on delivery.
type CheckoutResult struct {
	Order   Order
	Session *CheckoutSession
}

type OrderListFilter = repositories.OrderListFilter

type CreateOrderCommand struct {
	UserID          string
	Items           []OrderItemInput
	PaymentMethod   PaymentMethod
	ShippingAddress Address
	ShippingFee     int64
	Total           int64
	Note            string
	ActorID         string
}

type OrderItemInput struct {
	ProductID string
	Quantity  int
	Color     string
}

type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   OrderStatus
	ActorID        string
	Privileged     bool
	Reason         string
	Tracking       *OrderTracking
	ExpectedStatus *OrderStatus
}

type CancelOrderCommand struct {
	OrderID string
	UserID  string
	ActorID string
	Reason  string
}

type OrderAnalyticsQuery struct {
	From *time.Time
	To   *time.Time
}

// PaymentEventType enumerates the semantic gateway events the reconciler understands.
type PaymentEventType string

const (
	// PaymentEventSucceeded reports a successful capture.
	PaymentEventSucceeded PaymentEventType = "payment.succeeded"
	// PaymentEventFailed reports a failed capture attempt.
	PaymentEventFailed PaymentEventType = "payment.failed"
	// PaymentEventRefunded reports a completed refund.
	PaymentEventRefunded PaymentEventType = "payment.refunded"
	// PaymentEventCancelled reports a payment cancelled before capture.
	PaymentEventCancelled PaymentEventType = "payment.cancelled"
)

// PaymentEvent is a signature-verified gateway event normalised by the
// webhook handler before it reaches the reconciler.
type PaymentEvent struct {
	EventID       string
	Type          PaymentEventType
	OrderID       string
	TransactionID string
	CardLast4     string
	Amount        int64
	RefundReason  string
	OccurredAt    time.Time
}
