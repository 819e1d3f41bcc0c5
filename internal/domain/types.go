package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a single page of results plus the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// ProductCategory enumerates the merchandising categories carried by the store.
type ProductCategory string

const (
	// ProductCategoryBags covers totes, satchels and briefcases.
	ProductCategoryBags ProductCategory = "bags"
	// ProductCategoryWallets covers wallets and card holders.
	ProductCategoryWallets ProductCategory = "wallets"
	// ProductCategoryBelts covers belts.
	ProductCategoryBelts ProductCategory = "belts"
	// ProductCategoryAccessories covers key fobs, straps and other small goods.
	ProductCategoryAccessories ProductCategory = "accessories"
)

// ProductStatus describes the lifecycle state of a catalog entry.
type ProductStatus string

const (
	// ProductStatusDraft indicates the product is not yet published.
	ProductStatusDraft ProductStatus = "draft"
	// ProductStatusActive indicates the product is published and purchasable.
	ProductStatusActive ProductStatus = "active"
	// ProductStatusArchived indicates the product has been retired from sale.
	ProductStatusArchived ProductStatus = "archived"
)

// Product captures a catalog entry including its live stock counters.
type Product struct {
	ID             string
	Name           string
	Description    string
	Category       ProductCategory
	Price          int64
	Images         []string
	Colors         []string
	Stock          int
	StockThreshold int
	Status         ProductStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LowStock reports whether the product has fallen to or below its restock threshold.
func (p Product) LowStock() bool {
	return p.Stock <= p.StockThreshold
}

// Purchasable reports whether the product can currently be added to an order.
func (p Product) Purchasable() bool {
	return p.Status == ProductStatusActive
}

// Cart aggregates the mutable shopping cart state for a user.
type Cart struct {
	ID        string
	UserID    string
	Items     []CartItem
	UpdatedAt time.Time
	CreatedAt time.Time
}

// CartItem stores a single product entry within a cart.
type CartItem struct {
	ProductID string
	Quantity  int
	Color     string
}

// PaymentMethod enumerates how an order is paid.
type PaymentMethod string

const (
	// PaymentMethodCOD indicates payment is collected in cash on delivery.
	PaymentMethodCOD PaymentMethod = "cash_on_delivery"
	// PaymentMethodCard indicates payment is captured through the PSP.
	PaymentMethodCard PaymentMethod = "card"
)

// PaymentStatus tracks the payment sub-state independently of the order status.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not been captured yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCompleted indicates the payment was captured successfully.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed indicates the capture attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the payment was refunded to the customer.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusCancelled indicates the payment was cancelled before capture.
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates the order has been confirmed and is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier has delivered the order.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before fulfilment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReturned indicates the customer returned the order.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusPaymentFailed indicates the gateway reported a failed capture.
	// Reachable only through payment reconciliation, never through manual updates.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
	// OrderStatusRefunded indicates the gateway reported a refund.
	// Reachable only through payment reconciliation, never through manual updates.
	OrderStatusRefunded OrderStatus = "refunded"
)

// Terminal reports whether the status permits no further manual transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusReturned, OrderStatusRefunded:
		return true
	}
	return false
}

// Order captures order headers returned to handlers/services.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Status          OrderStatus
	Items           []OrderLineItem
	Totals          OrderTotals
	Payment         OrderPayment
	ShippingAddress Address
	Tracking        *OrderTracking
	Note            string
	CancelReason    *string
	StockRestored   bool
	Audit           OrderAudit
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PlacedAt        time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	ReturnedAt      *time.Time
}

// OrderLineItem snapshots the product at the time the order was placed.
type OrderLineItem struct {
	ProductRef string
	Name       string
	UnitPrice  int64
	Image      string
	Quantity   int
	Color      string
}

// Total returns the extended price for the line.
func (li OrderLineItem) Total() int64 {
	return li.UnitPrice * int64(li.Quantity)
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal    int64
	ShippingFee int64
	Total       int64
}

// OrderPayment tracks the capture state and gateway references for an order.
type OrderPayment struct {
	Method        PaymentMethod
	Status        PaymentStatus
	CardLast4     string
	TransactionID string
	RefundAmount  *int64
	RefundReason  *string
	PaidAt        *time.Time
	RefundedAt    *time.Time
}

// OrderTracking stores carrier handoff details attached at shipping time.
type OrderTracking struct {
	Carrier string
	Number  string
	URL     string
}

// OrderAudit records the actors responsible for creating/updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// Address is the structured shipping destination captured at checkout.
type Address struct {
	RecipientName string
	Phone         string
	Line1         string
	Line2         string
	City          string
	Region        string
	PostalCode    string
	Country       string
}

// CheckoutSession represents PSP checkout session metadata returned to clients.
type CheckoutSession struct {
	SessionID   string
	PSP         string
	RedirectURL string
	ExpiresAt   time.Time
}

// OrderAnalytics aggregates dashboard figures for the admin surface.
type OrderAnalytics struct {
	StatusCounts map[OrderStatus]int64
	GrossRevenue int64
	OrderCount   int64
	From         *time.Time
	To           *time.Time
}
