package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/payments"
)

type stubOrderService struct {
	createFn     func(context.Context, CreateOrderCommand) (Order, error)
	transitionFn func(context.Context, OrderStatusTransitionCommand) (Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(context.Context, OrderListFilter) (domain.CursorPage[Order], error) {
	return domain.CursorPage[Order]{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(context.Context, string) (Order, error) {
	return Order{}, errors.New("not implemented")
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return Order{}, nil
}

func (s *stubOrderService) Cancel(context.Context, CancelOrderCommand) (Order, error) {
	return Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Analytics(context.Context, OrderAnalyticsQuery) (OrderAnalytics, error) {
	return OrderAnalytics{}, errors.New("not implemented")
}

type stubSessionManager struct {
	createFn func(context.Context, payments.PaymentContext, payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

func (s *stubSessionManager) CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	if s.createFn != nil {
		return s.createFn(ctx, paymentCtx, req)
	}
	return payments.CheckoutSession{}, errors.New("not implemented")
}

func checkoutCart() domain.Cart {
	return domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ProductID: "prd_1", Quantity: 2, Color: "tan"},
		},
	}
}

func TestCheckoutCardCreatesSessionWithOrderMetadata(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	carts := &stubCartRepo{
		getFn: func(_ context.Context, userID string) (domain.Cart, error) {
			return checkoutCart(), nil
		},
	}
	cleared := ""
	carts.clearFn = func(_ context.Context, userID string) error {
		cleared = userID
		return nil
	}

	orders := &stubOrderService{
		createFn: func(_ context.Context, cmd CreateOrderCommand) (Order, error) {
			if len(cmd.Items) != 1 || cmd.Items[0].Quantity != 2 {
				t.Fatalf("expected cart items forwarded, got %+v", cmd.Items)
			}
			return Order{
				ID:          "ord_1",
				OrderNumber: "SW-2026-000007",
				UserID:      cmd.UserID,
				Status:      domain.OrderStatusPending,
				Totals:      OrderTotals{Subtotal: 37000, ShippingFee: 900, Total: 37900},
				Items: []OrderLineItem{
					{ProductRef: "prd_1", Name: "Bridle Tote", UnitPrice: 18500, Quantity: 2},
				},
			}, nil
		},
	}

	var sessionReq payments.CheckoutSessionRequest
	sessions := &stubSessionManager{
		createFn: func(_ context.Context, _ payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			sessionReq = req
			return payments.CheckoutSession{
				ID:          "cs_123",
				Provider:    "stripe",
				RedirectURL: "https://pay.example/cs_123",
				ExpiresAt:   expires,
			}, nil
		},
	}

	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Carts:    carts,
		Orders:   orders,
		Payments: sessions,
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}

	result, err := svc.Checkout(ctx, CheckoutCommand{
		UserID:          "user-1",
		PaymentMethod:   domain.PaymentMethodCard,
		ShippingAddress: testShippingAddress(),
		ShippingFee:     900,
		SuccessURL:      "https://shop.example/success",
		CancelURL:       "https://shop.example/cancel",
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if result.Session == nil || result.Session.SessionID != "cs_123" {
		t.Fatalf("expected PSP session, got %+v", result.Session)
	}
	if sessionReq.Metadata["orderId"] != "ord_1" {
		t.Fatalf("expected order id in session metadata, got %+v", sessionReq.Metadata)
	}
	if sessionReq.Amount != 37900 {
		t.Fatalf("unexpected session amount %d", sessionReq.Amount)
	}
	if len(sessionReq.Items) != 2 {
		t.Fatalf("expected product line plus shipping, got %d", len(sessionReq.Items))
	}
	if cleared != "user-1" {
		t.Fatalf("expected cart cleared after checkout")
	}
}

func TestCheckoutCODSkipsSession(t *testing.T) {
	ctx := context.Background()
	carts := &stubCartRepo{
		getFn: func(_ context.Context, _ string) (domain.Cart, error) {
			return checkoutCart(), nil
		},
	}
	orders := &stubOrderService{
		createFn: func(_ context.Context, cmd CreateOrderCommand) (Order, error) {
			return Order{ID: "ord_2", UserID: cmd.UserID, Status: domain.OrderStatusPending}, nil
		},
	}

	svc, err := NewCheckoutService(CheckoutServiceDeps{Carts: carts, Orders: orders})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}

	result, err := svc.Checkout(ctx, CheckoutCommand{
		UserID:          "user-1",
		PaymentMethod:   domain.PaymentMethodCOD,
		ShippingAddress: testShippingAddress(),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Session != nil {
		t.Fatalf("cash on delivery must not create a PSP session")
	}
	if result.Order.ID != "ord_2" {
		t.Fatalf("unexpected order %+v", result.Order)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	ctx := context.Background()
	carts := &stubCartRepo{
		getFn: func(_ context.Context, userID string) (domain.Cart, error) {
			return domain.Cart{ID: userID, UserID: userID, Items: []domain.CartItem{}}, nil
		},
	}

	svc, err := NewCheckoutService(CheckoutServiceDeps{Carts: carts, Orders: &stubOrderService{}})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}

	if _, err := svc.Checkout(ctx, CheckoutCommand{
		UserID:          "user-1",
		PaymentMethod:   domain.PaymentMethodCOD,
		ShippingAddress: testShippingAddress(),
	}); !errors.Is(err, ErrCheckoutCartEmpty) {
		t.Fatalf("expected empty cart error, got %v", err)
	}
}

func TestCheckoutSessionFailureAbandonsOrder(t *testing.T) {
	ctx := context.Background()
	carts := &stubCartRepo{
		getFn: func(_ context.Context, _ string) (domain.Cart, error) {
			return checkoutCart(), nil
		},
	}

	var abandoned OrderStatusTransitionCommand
	orders := &stubOrderService{
		createFn: func(_ context.Context, cmd CreateOrderCommand) (Order, error) {
			return Order{ID: "ord_3", UserID: cmd.UserID, Status: domain.OrderStatusPending}, nil
		},
		transitionFn: func(_ context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
			abandoned = cmd
			return Order{ID: cmd.OrderID, Status: cmd.TargetStatus}, nil
		},
	}
	sessions := &stubSessionManager{
		createFn: func(_ context.Context, _ payments.PaymentContext, _ payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{}, errors.New("psp down")
		},
	}

	svc, err := NewCheckoutService(CheckoutServiceDeps{Carts: carts, Orders: orders, Payments: sessions})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}

	_, err = svc.Checkout(ctx, CheckoutCommand{
		UserID:          "user-1",
		PaymentMethod:   domain.PaymentMethodCard,
		ShippingAddress: testShippingAddress(),
		SuccessURL:      "https://shop.example/success",
		CancelURL:       "https://shop.example/cancel",
	})
	if !errors.Is(err, ErrCheckoutPaymentFailed) {
		t.Fatalf("expected payment failure, got %v", err)
	}
	if abandoned.OrderID != "ord_3" || abandoned.TargetStatus != domain.OrderStatusCancelled {
		t.Fatalf("expected order cancelled after session failure, got %+v", abandoned)
	}
}
