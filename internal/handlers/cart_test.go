package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/saddleworth/api/internal/services"
)

type stubCartService struct {
	getFn     func(context.Context, string) (services.Cart, error)
	replaceFn func(context.Context, services.ReplaceCartItemsCommand) (services.Cart, error)
	clearFn   func(context.Context, string) error
}

func (s *stubCartService) GetCart(ctx context.Context, userID string) (services.Cart, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID)
	}
	return services.Cart{UserID: userID}, nil
}

func (s *stubCartService) ReplaceItems(ctx context.Context, cmd services.ReplaceCartItemsCommand) (services.Cart, error) {
	if s.replaceFn != nil {
		return s.replaceFn(ctx, cmd)
	}
	return services.Cart{UserID: cmd.UserID, Items: cmd.Items}, nil
}

func (s *stubCartService) ClearCart(ctx context.Context, userID string) error {
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	return nil
}

func newCartRouter(carts services.CartService) chi.Router {
	r := chi.NewRouter()
	NewCartHandlers(nil, carts).Routes(r)
	return r
}

func TestCartGetReturnsUserCart(t *testing.T) {
	carts := &stubCartService{
		getFn: func(_ context.Context, userID string) (services.Cart, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user id %s", userID)
			}
			return services.Cart{
				UserID:    userID,
				Items:     []services.CartItem{{ProductID: "prd_1", Quantity: 2, Color: "tan"}},
				UpdatedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
			}, nil
		},
	}

	rec := httptest.NewRecorder()
	newCartRouter(carts).ServeHTTP(rec, identityRequest(t, http.MethodGet, "/", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Cart struct {
			UserID string `json:"user_id"`
			Items  []struct {
				ProductID string `json:"product_id"`
				Quantity  int    `json:"quantity"`
			} `json:"items"`
		} `json:"cart"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Cart.UserID != "user-1" || len(payload.Cart.Items) != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Cart.Items[0].ProductID != "prd_1" || payload.Cart.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %+v", payload.Cart.Items)
	}
}

func TestCartReplaceItems(t *testing.T) {
	var captured services.ReplaceCartItemsCommand
	carts := &stubCartService{
		replaceFn: func(_ context.Context, cmd services.ReplaceCartItemsCommand) (services.Cart, error) {
			captured = cmd
			return services.Cart{UserID: cmd.UserID, Items: cmd.Items}, nil
		},
	}

	rec := httptest.NewRecorder()
	req := identityRequest(t, http.MethodPut, "/items",
		`{"items":[{"product_id":"prd_1","quantity":2,"color":"tan"},{"product_id":"prd_2","quantity":1}]}`)
	newCartRouter(carts).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.UserID != "user-1" || len(captured.Items) != 2 {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Items[0].Color != "tan" {
		t.Fatalf("unexpected first item %+v", captured.Items[0])
	}
}

func TestCartReplaceItemsUnavailableProduct(t *testing.T) {
	carts := &stubCartService{
		replaceFn: func(context.Context, services.ReplaceCartItemsCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartUnavailable
		},
	}

	rec := httptest.NewRecorder()
	req := identityRequest(t, http.MethodPut, "/items", `{"items":[{"product_id":"prd_1","quantity":1}]}`)
	newCartRouter(carts).ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestCartClear(t *testing.T) {
	cleared := ""
	carts := &stubCartService{
		clearFn: func(_ context.Context, userID string) error {
			cleared = userID
			return nil
		},
	}

	rec := httptest.NewRecorder()
	newCartRouter(carts).ServeHTTP(rec, identityRequest(t, http.MethodDelete, "/", ""))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if cleared != "user-1" {
		t.Fatalf("expected clear for user-1, got %q", cleared)
	}
}

func TestCartRequiresIdentity(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	newCartRouter(&stubCartService{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}
