package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/saddleworth/api/internal/platform/auth"
	"github.com/saddleworth/api/internal/platform/httpx"
	"github.com/saddleworth/api/internal/services"
)

const maxCartBodySize = 32 * 1024

// CartHandlers exposes the per-user shopping cart endpoints.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.getCart)
	r.Put("/items", h.replaceItems)
	r.Delete("/", h.clearCart)
}

type cartItemsRequest struct {
	Items []cartItemInput `json:"items"`
}

type cartItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Color     string `json:"color,omitempty"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w, h.carts != nil, "cart_service_unavailable")
	if !ok {
		return
	}

	cart, err := h.carts.GetCart(ctx, userID)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) replaceItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w, h.carts != nil, "cart_service_unavailable")
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req cartItemsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	items := make([]services.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CartItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			Color:     strings.TrimSpace(item.Color),
		})
	}

	cart, err := h.carts.ReplaceItems(ctx, services.ReplaceCartItemsCommand{
		UserID: userID,
		Items:  items,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w, h.carts != nil, "cart_service_unavailable")
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, userID); err != nil {
		writeCartError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	UserID    string            `json:"user_id"`
	Items     []cartItemPayload `json:"items"`
	UpdatedAt string            `json:"updated_at,omitempty"`
}

type cartItemPayload struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Color     string `json:"color,omitempty"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	items := make([]cartItemPayload, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, cartItemPayload{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Color:     item.Color,
		})
	}
	return cartPayload{
		UserID:    strings.TrimSpace(cart.UserID),
		Items:     items,
		UpdatedAt: formatTime(cart.UpdatedAt),
	}
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}

// requireUser extracts the authenticated user id, writing the error response
// itself when the backing service is down or the identity is missing.
func requireUser(ctx context.Context, w http.ResponseWriter, serviceReady bool, unavailableCode string) (string, bool) {
	if !serviceReady {
		httpx.WriteError(ctx, w, httpx.NewError(unavailableCode, "service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}
