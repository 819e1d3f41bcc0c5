package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/saddleworth/api/internal/domain"
	pfirestore "github.com/saddleworth/api/internal/platform/firestore"
	"github.com/saddleworth/api/internal/platform/pagination"
	"github.com/saddleworth/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order headers within Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection)
	return &OrderRepository{provider: provider, base: base}, nil
}

// Insert stores a new order document, rejecting duplicate ids.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update overwrites the order document. When expectedUpdate is supplied the
// write carries a last-update-time precondition, so a concurrent transition
// surfaces as a conflict instead of silently winning.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedUpdate *time.Time) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc := newOrderDocument(order)

	if expectedUpdate == nil || expectedUpdate.IsZero() {
		result, err := r.base.Set(ctx, id, doc)
		if err != nil {
			return domain.Order{}, err
		}
		saved := order
		saved.UpdatedAt = result.UpdateTime
		return saved, nil
	}

	updates := orderFieldUpdates(doc)
	result, err := r.base.Update(ctx, id, updates, firestore.LastUpdateTime(expectedUpdate.UTC()))
	if err != nil {
		return domain.Order{}, err
	}
	saved := order
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// FindByID loads a single order header.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	order := doc.Data.toDomain(doc.ID)
	if !doc.UpdateTime.IsZero() {
		order.UpdatedAt = doc.UpdateTime
	}
	return order, nil
}

// List returns a page of orders matching the filter ordered by placement time.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if uid := strings.TrimSpace(filter.UserID); uid != "" {
		query = query.Where("userId", "==", uid)
	}
	if len(filter.Status) == 1 {
		query = query.Where("status", "==", string(filter.Status[0]))
	} else if len(filter.Status) > 1 {
		values := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			values[i] = string(s)
		}
		query = query.Where("status", "in", values)
	}
	if filter.DateRange.From != nil {
		query = query.Where("placedAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("placedAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("placedAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(decoded.PlacedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		order := doc.toDomain(snap.Ref.ID)
		if !snap.UpdateTime.IsZero() {
			order.UpdatedAt = snap.UpdateTime
		}
		orders = append(orders, order)
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, PlacedAt: last.PlacedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// CountByStatus tallies orders per status within the optional date range.
func (r *OrderRepository) CountByStatus(ctx context.Context, dateRange domain.RangeQuery[time.Time]) (map[domain.OrderStatus]int64, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}

	counts := make(map[domain.OrderStatus]int64)
	err := r.scanOrders(ctx, dateRange, func(doc orderDocument) {
		counts[domain.OrderStatus(doc.Status)]++
	})
	if err != nil {
		return nil, pfirestore.WrapError("orders.countByStatus", err)
	}
	return counts, nil
}

// SumRevenue totals captured order value within the optional date range.
// Cancelled, returned and refunded orders do not count towards revenue.
func (r *OrderRepository) SumRevenue(ctx context.Context, dateRange domain.RangeQuery[time.Time]) (int64, int64, error) {
	if r == nil || r.provider == nil {
		return 0, 0, errors.New("order repository not initialised")
	}

	var revenue int64
	var count int64
	err := r.scanOrders(ctx, dateRange, func(doc orderDocument) {
		switch domain.OrderStatus(doc.Status) {
		case domain.OrderStatusCancelled, domain.OrderStatusReturned, domain.OrderStatusRefunded, domain.OrderStatusPaymentFailed:
			return
		}
		revenue += doc.Totals.Total
		count++
	})
	if err != nil {
		return 0, 0, pfirestore.WrapError("orders.sumRevenue", err)
	}
	return revenue, count, nil
}

func (r *OrderRepository) scanOrders(ctx context.Context, dateRange domain.RangeQuery[time.Time], visit func(orderDocument)) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}

	query := client.Collection(ordersCollection).Query
	if dateRange.From != nil {
		query = query.Where("placedAt", ">=", dateRange.From.UTC())
	}
	if dateRange.To != nil {
		query = query.Where("placedAt", "<=", dateRange.To.UTC())
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		visit(doc)
	}
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	OrderNumber   string              `firestore:"orderNumber"`
	UserID        string              `firestore:"userId"`
	Status        string              `firestore:"status"`
	Items         []orderLineDocument `firestore:"items"`
	Totals        orderTotalsDocument `firestore:"totals"`
	Payment       paymentDocument     `firestore:"payment"`
	Shipping      addressDocument     `firestore:"shipping"`
	Tracking      *trackingDocument   `firestore:"tracking,omitempty"`
	Note          string              `firestore:"note,omitempty"`
	CancelReason  *string             `firestore:"cancelReason,omitempty"`
	StockRestored bool                `firestore:"stockRestored"`
	CreatedBy     *string             `firestore:"createdBy,omitempty"`
	UpdatedBy     *string             `firestore:"updatedBy,omitempty"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
	PlacedAt      time.Time           `firestore:"placedAt"`
	ShippedAt     *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt   *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt   *time.Time          `firestore:"cancelledAt,omitempty"`
	ReturnedAt    *time.Time          `firestore:"returnedAt,omitempty"`
}

type orderLineDocument struct {
	ProductRef string `firestore:"productRef"`
	Name       string `firestore:"name"`
	UnitPrice  int64  `firestore:"unitPrice"`
	Image      string `firestore:"image,omitempty"`
	Quantity   int    `firestore:"qty"`
	Color      string `firestore:"color,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal    int64 `firestore:"subtotal"`
	ShippingFee int64 `firestore:"shippingFee"`
	Total       int64 `firestore:"total"`
}

type paymentDocument struct {
	Method        string     `firestore:"method"`
	Status        string     `firestore:"status"`
	CardLast4     string     `firestore:"cardLast4,omitempty"`
	TransactionID string     `firestore:"transactionId,omitempty"`
	RefundAmount  *int64     `firestore:"refundAmount,omitempty"`
	RefundReason  *string    `firestore:"refundReason,omitempty"`
	PaidAt        *time.Time `firestore:"paidAt,omitempty"`
	RefundedAt    *time.Time `firestore:"refundedAt,omitempty"`
}

type addressDocument struct {
	RecipientName string `firestore:"recipientName"`
	Phone         string `firestore:"phone"`
	Line1         string `firestore:"line1"`
	Line2         string `firestore:"line2,omitempty"`
	City          string `firestore:"city"`
	Region        string `firestore:"region,omitempty"`
	PostalCode    string `firestore:"postalCode"`
	Country       string `firestore:"country"`
}

type trackingDocument struct {
	Carrier string `firestore:"carrier"`
	Number  string `firestore:"number"`
	URL     string `firestore:"url,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderLineDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderLineDocument{
			ProductRef: strings.TrimSpace(item.ProductRef),
			Name:       strings.TrimSpace(item.Name),
			UnitPrice:  item.UnitPrice,
			Image:      strings.TrimSpace(item.Image),
			Quantity:   item.Quantity,
			Color:      strings.TrimSpace(item.Color),
		}
	}

	doc := orderDocument{
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Status:      string(order.Status),
		Items:       items,
		Totals: orderTotalsDocument{
			Subtotal:    order.Totals.Subtotal,
			ShippingFee: order.Totals.ShippingFee,
			Total:       order.Totals.Total,
		},
		Payment: paymentDocument{
			Method:        string(order.Payment.Method),
			Status:        string(order.Payment.Status),
			CardLast4:     strings.TrimSpace(order.Payment.CardLast4),
			TransactionID: strings.TrimSpace(order.Payment.TransactionID),
			RefundAmount:  order.Payment.RefundAmount,
			RefundReason:  order.Payment.RefundReason,
			PaidAt:        order.Payment.PaidAt,
			RefundedAt:    order.Payment.RefundedAt,
		},
		Shipping: addressDocument{
			RecipientName: strings.TrimSpace(order.ShippingAddress.RecipientName),
			Phone:         strings.TrimSpace(order.ShippingAddress.Phone),
			Line1:         strings.TrimSpace(order.ShippingAddress.Line1),
			Line2:         strings.TrimSpace(order.ShippingAddress.Line2),
			City:          strings.TrimSpace(order.ShippingAddress.City),
			Region:        strings.TrimSpace(order.ShippingAddress.Region),
			PostalCode:    strings.TrimSpace(order.ShippingAddress.PostalCode),
			Country:       strings.TrimSpace(order.ShippingAddress.Country),
		},
		Note:          strings.TrimSpace(order.Note),
		CancelReason:  order.CancelReason,
		StockRestored: order.StockRestored,
		CreatedBy:     order.Audit.CreatedBy,
		UpdatedBy:     order.Audit.UpdatedBy,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		PlacedAt:      order.PlacedAt.UTC(),
		ShippedAt:     order.ShippedAt,
		DeliveredAt:   order.DeliveredAt,
		CancelledAt:   order.CancelledAt,
		ReturnedAt:    order.ReturnedAt,
	}
	if order.Tracking != nil {
		doc.Tracking = &trackingDocument{
			Carrier: strings.TrimSpace(order.Tracking.Carrier),
			Number:  strings.TrimSpace(order.Tracking.Number),
			URL:     strings.TrimSpace(order.Tracking.URL),
		}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Image:      item.Image,
			Quantity:   item.Quantity,
			Color:      item.Color,
		}
	}

	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserID,
		Status:      domain.OrderStatus(d.Status),
		Items:       items,
		Totals: domain.OrderTotals{
			Subtotal:    d.Totals.Subtotal,
			ShippingFee: d.Totals.ShippingFee,
			Total:       d.Totals.Total,
		},
		Payment: domain.OrderPayment{
			Method:        domain.PaymentMethod(d.Payment.Method),
			Status:        domain.PaymentStatus(d.Payment.Status),
			CardLast4:     d.Payment.CardLast4,
			TransactionID: d.Payment.TransactionID,
			RefundAmount:  d.Payment.RefundAmount,
			RefundReason:  d.Payment.RefundReason,
			PaidAt:        d.Payment.PaidAt,
			RefundedAt:    d.Payment.RefundedAt,
		},
		ShippingAddress: domain.Address{
			RecipientName: d.Shipping.RecipientName,
			Phone:         d.Shipping.Phone,
			Line1:         d.Shipping.Line1,
			Line2:         d.Shipping.Line2,
			City:          d.Shipping.City,
			Region:        d.Shipping.Region,
			PostalCode:    d.Shipping.PostalCode,
			Country:       d.Shipping.Country,
		},
		Note:          d.Note,
		CancelReason:  d.CancelReason,
		StockRestored: d.StockRestored,
		Audit: domain.OrderAudit{
			CreatedBy: d.CreatedBy,
			UpdatedBy: d.UpdatedBy,
		},
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		PlacedAt:    d.PlacedAt,
		ShippedAt:   d.ShippedAt,
		DeliveredAt: d.DeliveredAt,
		CancelledAt: d.CancelledAt,
		ReturnedAt:  d.ReturnedAt,
	}
	if d.Tracking != nil {
		order.Tracking = &domain.OrderTracking{
			Carrier: d.Tracking.Carrier,
			Number:  d.Tracking.Number,
			URL:     d.Tracking.URL,
		}
	}
	return order
}

func orderFieldUpdates(doc orderDocument) []firestore.Update {
	updates := []firestore.Update{
		{Path: "status", Value: doc.Status},
		{Path: "payment", Value: doc.Payment},
		{Path: "stockRestored", Value: doc.StockRestored},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}

	appendOptional := func(path string, present bool, value any) {
		if present {
			updates = append(updates, firestore.Update{Path: path, Value: value})
		} else {
			updates = append(updates, firestore.Update{Path: path, Value: firestore.Delete})
		}
	}

	appendOptional("tracking", doc.Tracking != nil, doc.Tracking)
	appendOptional("cancelReason", doc.CancelReason != nil, doc.CancelReason)
	appendOptional("updatedBy", doc.UpdatedBy != nil, doc.UpdatedBy)
	appendOptional("shippedAt", doc.ShippedAt != nil, doc.ShippedAt)
	appendOptional("deliveredAt", doc.DeliveredAt != nil, doc.DeliveredAt)
	appendOptional("cancelledAt", doc.CancelledAt != nil, doc.CancelledAt)
	appendOptional("returnedAt", doc.ReturnedAt != nil, doc.ReturnedAt)
	return updates
}

type orderPageToken struct {
	ID       string
	PlacedAt time.Time
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	return pagination.EncodeToken(token)
}

func decodeOrderPageToken(encoded string) (orderPageToken, error) {
	var token orderPageToken
	err := pagination.DecodeToken(encoded, &token)
	return token, err
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
