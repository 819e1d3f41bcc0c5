package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/platform/auth"
	"github.com/saddleworth/api/internal/platform/httpx"
	"github.com/saddleworth/api/internal/services"
)

const maxCheckoutRequestBody = 16 * 1024

// CheckoutHandlers exposes the checkout endpoint for authenticated users.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	middlewares []func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase
// authentication. Extra middlewares (idempotency) wrap the POST route only.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, middlewares ...func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:       authn,
		checkout:    checkout,
		middlewares: middlewares,
	}
}

// Routes registers the /checkout endpoints.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	for _, mw := range h.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.Post("/", h.checkoutCart)
}

type checkoutRequest struct {
	PaymentMethod   string         `json:"payment_method"`
	ShippingAddress addressPayload `json:"shipping_address"`
	ShippingFee     int64          `json:"shipping_fee"`
	Total           int64          `json:"total"`
	Note            string         `json:"note,omitempty"`
	SuccessURL      string         `json:"success_url,omitempty"`
	CancelURL       string         `json:"cancel_url,omitempty"`
}

type checkoutResponse struct {
	Order   orderPayload            `json:"order"`
	Session *checkoutSessionPayload `json:"session,omitempty"`
}

type checkoutSessionPayload struct {
	SessionID   string `json:"session_id"`
	PSP         string `json:"psp"`
	RedirectURL string `json:"redirect_url"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

func (h *CheckoutHandlers) checkoutCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w, h.checkout != nil, "checkout_service_unavailable")
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
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

	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	method, ok := parsePaymentMethod(req.PaymentMethod)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment_method must be cash_on_delivery or card", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.Checkout(ctx, services.CheckoutCommand{
		UserID:          userID,
		PaymentMethod:   method,
		ShippingAddress: buildAddress(req.ShippingAddress),
		ShippingFee:     req.ShippingFee,
		Total:           req.Total,
		Note:            strings.TrimSpace(req.Note),
		SuccessURL:      strings.TrimSpace(req.SuccessURL),
		CancelURL:       strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	payload := checkoutResponse{Order: buildOrderPayload(result.Order)}
	if result.Session != nil {
		payload.Session = &checkoutSessionPayload{
			SessionID:   result.Session.SessionID,
			PSP:         result.Session.PSP,
			RedirectURL: result.Session.RedirectURL,
			ExpiresAt:   formatTime(result.Session.ExpiresAt),
		}
	}

	writeJSONResponse(w, http.StatusCreated, payload)
}

func parsePaymentMethod(raw string) (services.PaymentMethod, bool) {
	switch domain.PaymentMethod(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.PaymentMethodCOD:
		return domain.PaymentMethodCOD, true
	case domain.PaymentMethodCard:
		return domain.PaymentMethodCard, true
	default:
		return "", false
	}
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_session_failed", "failed to start the payment session", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout", http.StatusInternalServerError))
	}
}
