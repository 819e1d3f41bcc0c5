package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/services"
)

type stubCheckoutService struct {
	checkoutFn func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error)
}

func (s *stubCheckoutService) Checkout(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
	if s.checkoutFn != nil {
		return s.checkoutFn(ctx, cmd)
	}
	return services.CheckoutResult{Order: testOrder(cmd.UserID)}, nil
}

func newCheckoutRouter(checkout services.CheckoutService, middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	NewCheckoutHandlers(nil, checkout, middlewares...).Routes(r)
	return r
}

func TestCheckoutCardCreatesSession(t *testing.T) {
	var captured services.CheckoutCommand
	checkout := &stubCheckoutService{
		checkoutFn: func(_ context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
			captured = cmd
			order := testOrder(cmd.UserID)
			order.Payment.Method = domain.PaymentMethodCard
			return services.CheckoutResult{
				Order: order,
				Session: &domain.CheckoutSession{
					SessionID:   "cs_test_123",
					PSP:         "stripe",
					RedirectURL: "https://checkout.stripe.com/pay/cs_test_123",
					ExpiresAt:   time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
				},
			}, nil
		},
	}

	rec := httptest.NewRecorder()
	req := identityRequest(t, http.MethodPost, "/", `{
		"payment_method": "card",
		"shipping_address": {
			"recipient_name": "Jo Harness",
			"phone": "+15550100",
			"line1": "1 Tannery Row",
			"city": "Portland",
			"postal_code": "97201",
			"country": "us"
		},
		"shipping_fee": 900,
		"total": 44100,
		"success_url": "https://shop.example.com/thanks",
		"cancel_url": "https://shop.example.com/cart"
	}`)
	newCheckoutRouter(checkout).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.UserID != "user-1" || captured.PaymentMethod != domain.PaymentMethodCard {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.SuccessURL != "https://shop.example.com/thanks" || captured.CancelURL != "https://shop.example.com/cart" {
		t.Fatalf("unexpected redirect urls %+v", captured)
	}
	if captured.ShippingAddress.Country != "US" {
		t.Fatalf("expected country uppercased, got %q", captured.ShippingAddress.Country)
	}

	var payload struct {
		Session *struct {
			SessionID   string `json:"session_id"`
			PSP         string `json:"psp"`
			RedirectURL string `json:"redirect_url"`
		} `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Session == nil || payload.Session.SessionID != "cs_test_123" {
		t.Fatalf("expected session payload, got %+v", payload.Session)
	}
	if payload.Session.PSP != "stripe" || payload.Session.RedirectURL == "" {
		t.Fatalf("unexpected session %+v", payload.Session)
	}
}

func TestCheckoutCashOnDeliveryOmitsSession(t *testing.T) {
	checkout := &stubCheckoutService{
		checkoutFn: func(_ context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
			if cmd.PaymentMethod != domain.PaymentMethodCOD {
				t.Fatalf("unexpected payment method %s", cmd.PaymentMethod)
			}
			return services.CheckoutResult{Order: testOrder(cmd.UserID)}, nil
		},
	}

	rec := httptest.NewRecorder()
	req := identityRequest(t, http.MethodPost, "/",
		`{"payment_method":"cash_on_delivery","shipping_address":{"recipient_name":"Jo Harness","line1":"1 Tannery Row","city":"Portland","postal_code":"97201","country":"US"},"shipping_fee":900,"total":44100}`)
	newCheckoutRouter(checkout).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := payload["session"]; ok {
		t.Fatal("cash on delivery must not return a session")
	}
}

func TestCheckoutRejectsUnknownPaymentMethod(t *testing.T) {
	rec := httptest.NewRecorder()
	req := identityRequest(t, http.MethodPost, "/", `{"payment_method":"wire_transfer"}`)
	newCheckoutRouter(&stubCheckoutService{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestCheckoutRequiresBody(t *testing.T) {
	rec := httptest.NewRecorder()
	newCheckoutRouter(&stubCheckoutService{}).ServeHTTP(rec, identityRequest(t, http.MethodPost, "/", ""))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	checkout := &stubCheckoutService{
		checkoutFn: func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error) {
			return services.CheckoutResult{}, services.ErrCheckoutCartEmpty
		},
	}

	rec := httptest.NewRecorder()
	req := identityRequest(t, http.MethodPost, "/", `{"payment_method":"cash_on_delivery"}`)
	newCheckoutRouter(checkout).ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestCheckoutPaymentSessionFailure(t *testing.T) {
	checkout := &stubCheckoutService{
		checkoutFn: func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error) {
			return services.CheckoutResult{}, services.ErrCheckoutPaymentFailed
		},
	}

	rec := httptest.NewRecorder()
	req := identityRequest(t, http.MethodPost, "/", `{"payment_method":"card"}`)
	newCheckoutRouter(checkout).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", rec.Code)
	}
}

func TestCheckoutAppliesExtraMiddleware(t *testing.T) {
	seen := false
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = true
			next.ServeHTTP(w, r)
		})
	}

	rec := httptest.NewRecorder()
	req := identityRequest(t, http.MethodPost, "/", `{"payment_method":"cash_on_delivery"}`)
	newCheckoutRouter(&stubCheckoutService{}, mw).ServeHTTP(rec, req)

	if !seen {
		t.Fatal("expected extra middleware to run")
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
}
