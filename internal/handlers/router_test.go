package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRouterServesHealthEndpoints(t *testing.T) {
	router := NewRouter()

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", path, rec.Code)
		}
	}
}

func TestRouterUnconfiguredGroupsReturnNotImplemented(t *testing.T) {
	router := NewRouter()

	for _, path := range []string{"/api/v1/products", "/api/v1/cart", "/api/v1/orders/ord_1"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotImplemented {
			t.Fatalf("%s: expected 501 got %d", path, rec.Code)
		}
	}
}

func TestRouterMountsConfiguredGroups(t *testing.T) {
	router := NewRouter(
		WithProductRoutes(func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
				writeJSONResponse(w, http.StatusOK, map[string]string{"group": "products"})
			})
		}),
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouterNotFoundEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}

	var payload struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if payload.Error != "route_not_found" || payload.Status != http.StatusNotFound {
		t.Fatalf("unexpected envelope %+v", payload)
	}
}

func TestRouterWebhookGroupMiddleware(t *testing.T) {
	seen := false
	router := NewRouter(
		WithWebhookMiddlewares(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = true
				next.ServeHTTP(w, r)
			})
		}),
		WithWebhookRoutes(func(r chi.Router) {
			r.Post("/carrier", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/carrier", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !seen {
		t.Fatal("expected webhook middleware to run")
	}
}
