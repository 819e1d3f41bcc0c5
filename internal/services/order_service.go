package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/payments"
	"github.com/saddleworth/api/internal/repositories"
)

const orderIDPrefix = "ord_"

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderProductNotFound indicates a referenced product is missing or unpurchasable.
	ErrOrderProductNotFound = errors.New("order: product not found")
	// ErrOrderInsufficientStock indicates requested quantity exceeds availability.
	ErrOrderInsufficientStock = errors.New("order: insufficient stock")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
)

// paymentRefunder abstracts payments.Manager so refunds can be stubbed in tests.
type paymentRefunder interface {
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Products      repositories.ProductRepository
	Counters      repositories.CounterRepository
	UnitOfWork    repositories.UnitOfWork
	Notifications NotificationDispatcher
	Refunds       paymentRefunder
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	products      repositories.ProductRepository
	counters      repositories.CounterRepository
	unitOfWork    repositories.UnitOfWork
	notifications NotificationDispatcher
	refunds       paymentRefunder
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:        deps.Orders,
		products:      deps.Products,
		counters:      deps.Counters,
		unitOfWork:    unit,
		notifications: deps.Notifications,
		refunds:       deps.Refunds,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	if cmd.PaymentMethod != domain.PaymentMethodCOD && cmd.PaymentMethod != domain.PaymentMethodCard {
		return Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	if err := validateAddress(cmd.ShippingAddress); err != nil {
		return Order{}, err
	}
	if cmd.ShippingFee < 0 {
		return Order{}, fmt.Errorf("%w: shipping fee must be >= 0", ErrOrderInvalidInput)
	}
	for _, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return Order{}, fmt.Errorf("%w: item product id is required", ErrOrderInvalidInput)
		}
		if item.Quantity < 1 {
			return Order{}, fmt.Errorf("%w: item quantity must be >= 1", ErrOrderInvalidInput)
		}
	}

	items := normaliseOrderItems(cmd.Items)

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	lines := make([]OrderLineItem, 0, len(items))
	var subtotal int64
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok || !product.Purchasable() {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderProductNotFound, item.ProductID)
		}
		if product.Stock < item.Quantity {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderInsufficientStock, item.ProductID)
		}
		line := OrderLineItem{
			ProductRef: product.ID,
			Name:       product.Name,
			UnitPrice:  product.Price,
			Quantity:   item.Quantity,
			Color:      item.Color,
		}
		if len(product.Images) > 0 {
			line.Image = product.Images[0]
		}
		lines = append(lines, line)
		subtotal += line.Total()
	}

	totals := OrderTotals{
		Subtotal:    subtotal,
		ShippingFee: cmd.ShippingFee,
		Total:       subtotal + cmd.ShippingFee,
	}
	if cmd.Total != 0 && cmd.Total != totals.Total {
		return Order{}, fmt.Errorf("%w: total %d does not match subtotal %d + shipping %d", ErrOrderInvalidInput, cmd.Total, subtotal, cmd.ShippingFee)
	}

	now := s.now()

	order := Order{
		ID:     orderIDPrefix + s.newID(),
		UserID: userID,
		Status: domain.OrderStatusPending,
		Items:  lines,
		Totals: totals,
		Payment: OrderPayment{
			Method: cmd.PaymentMethod,
			Status: domain.PaymentStatusPending,
		},
		ShippingAddress: cmd.ShippingAddress,
		Note:            strings.TrimSpace(cmd.Note),
		CreatedAt:       now,
		UpdatedAt:       now,
		PlacedAt:        now,
	}
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.CreatedBy = valuePtr(actor)
		order.Audit.UpdatedBy = valuePtr(actor)
	}

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}
	order.OrderNumber = number

	// The guarded batch decrement is the single write that decides whether the
	// order can exist; the pre-check above only produces friendlier errors.
	decrement := make([]repositories.StockAdjustmentLine, len(lines))
	for i, line := range lines {
		decrement[i] = repositories.StockAdjustmentLine{ProductID: line.ProductRef, Delta: -line.Quantity}
	}
	if _, err := s.products.AdjustStock(ctx, repositories.StockAdjustmentRequest{
		Lines:        decrement,
		GuardMinZero: true,
		Reason:       "order " + order.ID,
		Now:          now,
	}); err != nil {
		return Order{}, s.mapStockError(err)
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		s.restoreStock(ctx, order, "order insert failed")
		return Order{}, s.mapRepositoryError(err)
	}

	if s.notifications != nil {
		s.notifications.OrderConfirmation(ctx, order)
	}

	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.TargetStatus == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
		return Order{}, fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
	}

	actor := TransitionActor{ID: strings.TrimSpace(cmd.ActorID), Privileged: cmd.Privileged}
	if !CanTransition(order.Status, cmd.TargetStatus, actor) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, cmd.TargetStatus)
	}

	now := s.now()
	prev := order.Status
	expectedUpdate := order.UpdatedAt

	order.Status = cmd.TargetStatus
	order.UpdatedAt = now
	if actor.ID != "" {
		order.Audit.UpdatedBy = valuePtr(actor.ID)
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" && cmd.TargetStatus == domain.OrderStatusCancelled {
		order.CancelReason = valuePtr(reason)
	}
	s.applyStatusTimestamps(&order, cmd.TargetStatus, now)

	if cmd.Tracking != nil && cmd.TargetStatus == domain.OrderStatusShipped {
		tracking := *cmd.Tracking
		order.Tracking = &tracking
	}

	restore := restoresStock(cmd.TargetStatus) && !order.StockRestored
	if restore {
		order.StockRestored = true
	}

	// The update-time precondition claims the restore: a concurrent transition
	// loses the write and never releases the same stock twice.
	updated, err := s.orders.Update(ctx, order, &expectedUpdate)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if restore {
		s.restoreStock(ctx, updated, "status "+string(cmd.TargetStatus))
	}

	if cmd.TargetStatus == domain.OrderStatusCancelled {
		s.requestRefund(ctx, updated, cmd.Reason)
	}

	if s.notifications != nil {
		s.notifications.OrderStatusUpdate(ctx, updated, prev)
	}

	return updated, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	// Ownership failures read as not-found so order ids are not probeable.
	if uid := strings.TrimSpace(cmd.UserID); uid != "" && !strings.EqualFold(order.UserID, uid) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if !slices.Contains(userCancellableStatuses, order.Status) {
		return Order{}, fmt.Errorf("%w: order status %q cannot be cancelled", ErrOrderInvalidState, order.Status)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		actor = strings.TrimSpace(cmd.UserID)
	}

	return s.TransitionStatus(ctx, OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: domain.OrderStatusCancelled,
		ActorID:      actor,
		Reason:       cmd.Reason,
	})
}

func (s *orderService) Analytics(ctx context.Context, cmd OrderAnalyticsQuery) (OrderAnalytics, error) {
	dateRange := domain.RangeQuery[time.Time]{From: cmd.From, To: cmd.To}

	counts, err := s.orders.CountByStatus(ctx, dateRange)
	if err != nil {
		return OrderAnalytics{}, s.mapRepositoryError(err)
	}
	revenue, count, err := s.orders.SumRevenue(ctx, dateRange)
	if err != nil {
		return OrderAnalytics{}, s.mapRepositoryError(err)
	}

	return OrderAnalytics{
		StatusCounts: counts,
		GrossRevenue: revenue,
		OrderCount:   count,
		From:         cmd.From,
		To:           cmd.To,
	}, nil
}

// requestRefund asks the PSP to return a captured card payment after the
// order lands on cancelled. The refund settles asynchronously: the gateway
// webhook flips the payment sub-status once the PSP confirms, so failures
// here are logged for support follow-up rather than unwinding the
// cancellation that already committed.
func (s *orderService) requestRefund(ctx context.Context, order Order, reason string) {
	if s.refunds == nil {
		return
	}
	if order.Payment.Method != domain.PaymentMethodCard || order.Payment.Status != domain.PaymentStatusCompleted {
		return
	}
	txn := strings.TrimSpace(order.Payment.TransactionID)
	if txn == "" {
		s.logger(ctx, "order.refund.skipped", map[string]any{
			"order":  order.ID,
			"reason": "missing transaction id",
		})
		return
	}

	req := payments.RefundRequest{
		IntentID:       txn,
		IdempotencyKey: "refund-" + order.ID,
		Metadata:       map[string]string{"orderId": order.ID},
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		req.Reason = reason
	}
	if _, err := s.refunds.Refund(ctx, payments.PaymentContext{
		Metadata: map[string]string{"orderId": order.ID},
	}, req); err != nil {
		s.logger(ctx, "order.refund.request.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
}

// restoreStock puts an order's line quantities back on the shelf. It is used
// for both the cancel/return release and the compensating restore after a
// failed insert, so failures are logged rather than propagated: the order
// write has already settled by the time this runs.
func (s *orderService) restoreStock(ctx context.Context, order Order, reason string) {
	lines := make([]repositories.StockAdjustmentLine, len(order.Items))
	for i, item := range order.Items {
		lines[i] = repositories.StockAdjustmentLine{ProductID: item.ProductRef, Delta: item.Quantity}
	}
	if _, err := s.products.AdjustStock(ctx, repositories.StockAdjustmentRequest{
		Lines:  lines,
		Reason: reason,
		Now:    s.now(),
	}); err != nil {
		s.logger(ctx, "order.stock.restore.failed", map[string]any{
			"order":  order.ID,
			"reason": reason,
			"error":  err.Error(),
		})
	}
}

func (s *orderService) applyStatusTimestamps(order *Order, status OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	case domain.OrderStatusReturned:
		order.ReturnedAt = &now
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) mapStockError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: %s", ErrOrderInsufficientStock, stockErr.ProductID)
		case repositories.StockErrorProductNotFound:
			return fmt.Errorf("%w: %s", ErrOrderProductNotFound, stockErr.ProductID)
		}
	}
	return s.mapRepositoryError(err)
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SW-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// normaliseOrderItems merges duplicate (product, color) entries so a single
// stock line is produced per product variant.
func normaliseOrderItems(items []OrderItemInput) []OrderItemInput {
	merged := make([]OrderItemInput, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		color := strings.TrimSpace(item.Color)
		key := id + "\x00" + color
		if at, ok := index[key]; ok {
			merged[at].Quantity += item.Quantity
			continue
		}
		index[key] = len(merged)
		merged = append(merged, OrderItemInput{ProductID: id, Quantity: item.Quantity, Color: color})
	}
	return merged
}

func validateAddress(addr Address) error {
	required := map[string]string{
		"recipient name": addr.RecipientName,
		"phone":          addr.Phone,
		"line1":          addr.Line1,
		"city":           addr.City,
		"postal code":    addr.PostalCode,
		"country":        addr.Country,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: shipping address %s is required", ErrOrderInvalidInput, field)
		}
	}
	return nil
}

func valuePtr[T any](v T) *T {
	return &v
}
