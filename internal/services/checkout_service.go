package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/payments"
	"github.com/saddleworth/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutCartEmpty indicates the user's cart has no items to order.
	ErrCheckoutCartEmpty = errors.New("checkout: cart is empty")
	// ErrCheckoutPaymentFailed indicates the PSP session could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment session failed")
)

// checkoutSessionManager abstracts payments.Manager for easier testing.
type checkoutSessionManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts    repositories.CartRepository
	Orders   OrderService
	Payments checkoutSessionManager
	Currency string
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts    repositories.CartRepository
	orders   OrderService
	payments checkoutSessionManager
	currency string
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}

	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "usd"
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		carts:    deps.Carts,
		orders:   deps.Orders,
		payments: deps.Payments,
		currency: currency,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Checkout turns the user's cart into an order. Card payments additionally get
// a PSP session carrying the order id in metadata so gateway webhooks can be
// correlated back to the order.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}

	card := cmd.PaymentMethod == domain.PaymentMethodCard
	if card {
		if s.payments == nil {
			return CheckoutResult{}, fmt.Errorf("%w: card payments are not configured", ErrCheckoutInvalidInput)
		}
		if strings.TrimSpace(cmd.SuccessURL) == "" || strings.TrimSpace(cmd.CancelURL) == "" {
			return CheckoutResult{}, fmt.Errorf("%w: success and cancel urls are required for card payments", ErrCheckoutInvalidInput)
		}
	}

	cart, err := s.carts.Get(ctx, userID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if len(cart.Items) == 0 {
		return CheckoutResult{}, ErrCheckoutCartEmpty
	}

	items := make([]OrderItemInput, len(cart.Items))
	for i, item := range cart.Items {
		items[i] = OrderItemInput{ProductID: item.ProductID, Quantity: item.Quantity, Color: item.Color}
	}

	order, err := s.orders.CreateOrder(ctx, CreateOrderCommand{
		UserID:          userID,
		Items:           items,
		PaymentMethod:   cmd.PaymentMethod,
		ShippingAddress: cmd.ShippingAddress,
		ShippingFee:     cmd.ShippingFee,
		Total:           cmd.Total,
		Note:            cmd.Note,
		ActorID:         userID,
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	result := CheckoutResult{Order: order}

	if card {
		session, err := s.createPaymentSession(ctx, order, cmd)
		if err != nil {
			s.abandonOrder(ctx, order)
			return CheckoutResult{}, err
		}
		result.Session = session
	}

	if err := s.carts.Clear(ctx, userID); err != nil {
		s.logger(ctx, "checkout.cart.clear.failed", map[string]any{
			"user":  userID,
			"order": order.ID,
			"error": err.Error(),
		})
	}

	return result, nil
}

func (s *checkoutService) createPaymentSession(ctx context.Context, order Order, cmd CheckoutCommand) (*CheckoutSession, error) {
	lines := make([]payments.CheckoutLineItem, 0, len(order.Items)+1)
	for _, item := range order.Items {
		lines = append(lines, payments.CheckoutLineItem{
			Name:     item.Name,
			SKU:      item.ProductRef,
			Quantity: int64(item.Quantity),
			Amount:   item.UnitPrice,
			Currency: s.currency,
		})
	}
	if order.Totals.ShippingFee > 0 {
		lines = append(lines, payments.CheckoutLineItem{
			Name:     "Shipping",
			Quantity: 1,
			Amount:   order.Totals.ShippingFee,
			Currency: s.currency,
		})
	}

	session, err := s.payments.CreateCheckoutSession(ctx, payments.PaymentContext{Currency: s.currency}, payments.CheckoutSessionRequest{
		Amount:         order.Totals.Total,
		Currency:       s.currency,
		SuccessURL:     strings.TrimSpace(cmd.SuccessURL),
		CancelURL:      strings.TrimSpace(cmd.CancelURL),
		IdempotencyKey: "checkout-" + order.ID,
		Metadata: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
		},
		Items: lines,
	})
	if err != nil {
		s.logger(ctx, "checkout.session.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err)
	}

	return &CheckoutSession{
		SessionID:   session.ID,
		PSP:         session.Provider,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   session.ExpiresAt.UTC(),
	}, nil
}

// abandonOrder cancels an order whose PSP session never materialised, which
// also puts the decremented stock back through the standard restore path.
func (s *checkoutService) abandonOrder(ctx context.Context, order Order) {
	if _, err := s.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{
		OrderID:      order.ID,
		TargetStatus: domain.OrderStatusCancelled,
		ActorID:      order.UserID,
		Reason:       "payment session failed",
	}); err != nil {
		s.logger(ctx, "checkout.order.abandon.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
}
