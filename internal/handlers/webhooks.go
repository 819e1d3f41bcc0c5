package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/payments"
	"github.com/saddleworth/api/internal/platform/auth"
	"github.com/saddleworth/api/internal/platform/httpx"
	"github.com/saddleworth/api/internal/services"
)

const (
	maxStripeWebhookBody  = 256 * 1024
	maxCarrierWebhookBody = 32 * 1024

	stripeSignatureHeader = "Stripe-Signature"
	carrierSecretName     = "carrier"
)

// carrierStatuses lists the order statuses a carrier callback may report.
var carrierStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusShipped:   {},
	domain.OrderStatusDelivered: {},
}

// WebhookHandlers terminates inbound callbacks from the payment gateway and
// the shipping carrier.
type WebhookHandlers struct {
	verifier   *payments.StripeWebhookVerifier
	reconciler services.PaymentReconciler
	orders     services.OrderService
	hmac       *auth.HMACValidator
	limiter    RateLimiter
}

// WebhookHandlersDeps bundles collaborators for NewWebhookHandlers.
type WebhookHandlersDeps struct {
	Verifier   *payments.StripeWebhookVerifier
	Reconciler services.PaymentReconciler
	Orders     services.OrderService
	HMAC       *auth.HMACValidator
	Limiter    RateLimiter
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(deps WebhookHandlersDeps) *WebhookHandlers {
	return &WebhookHandlers{
		verifier:   deps.Verifier,
		reconciler: deps.Reconciler,
		orders:     deps.Orders,
		hmac:       deps.HMAC,
		limiter:    deps.Limiter,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.stripeWebhook)

	carrier := func(group chi.Router) {
		group.Post("/carrier", h.carrierWebhook)
	}
	if h.hmac != nil {
		r.Group(func(group chi.Router) {
			group.Use(h.hmac.RequireHMAC(carrierSecretName))
			carrier(group)
		})
		return
	}
	r.Group(carrier)
}

func (h *WebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verifier == nil || h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "payment webhook is not configured", http.StatusServiceUnavailable))
		return
	}
	if !h.allow(r) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxStripeWebhookBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	event, err := h.verifier.Verify(body, r.Header.Get(stripeSignatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrWebhookUnhandled):
		// Verified but irrelevant: acknowledge so the gateway stops retrying.
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true, EventID: event.ID})
		return
	case errors.Is(err, payments.ErrWebhookSignature):
		httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "webhook signature verification failed", http.StatusBadRequest))
		return
	case errors.Is(err, payments.ErrWebhookMissingOrder):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "event carries no order reference", http.StatusBadRequest))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to decode webhook payload", http.StatusBadRequest))
		return
	}

	order, err := h.reconciler.Reconcile(ctx, services.PaymentEvent{
		EventID:       event.ID,
		Type:          services.PaymentEventType(event.Type),
		OrderID:       event.OrderID,
		TransactionID: event.TransactionID,
		CardLast4:     event.CardLast4,
		Amount:        event.Amount,
		RefundReason:  event.RefundReason,
		OccurredAt:    event.OccurredAt,
	})
	if err != nil {
		writePaymentEventError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookAckResponse{
		Received: true,
		EventID:  event.ID,
		OrderID:  order.ID,
		Status:   string(order.Status),
	})
}

type carrierWebhookRequest struct {
	OrderID  string                `json:"order_id"`
	Status   string                `json:"status"`
	Tracking *orderTrackingPayload `json:"tracking,omitempty"`
}

func (h *WebhookHandlers) carrierWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "carrier webhook is not configured", http.StatusServiceUnavailable))
		return
	}
	if !h.allow(r) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxCarrierWebhookBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req carrierWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if _, ok := carrierStatuses[status]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be shipped or delivered", http.StatusBadRequest))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: status,
		ActorID:      "carrier-webhook",
		Reason:       "carrier status update",
	}
	if req.Tracking != nil {
		cmd.Tracking = &services.OrderTracking{
			Carrier: strings.TrimSpace(req.Tracking.Carrier),
			Number:  strings.TrimSpace(req.Tracking.Number),
			URL:     strings.TrimSpace(req.Tracking.URL),
		}
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookAckResponse{
		Received: true,
		OrderID:  order.ID,
		Status:   string(order.Status),
	})
}

func (h *WebhookHandlers) allow(r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(strings.TrimSpace(r.RemoteAddr))
}

type webhookAckResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Status   string `json:"status,omitempty"`
}

func writePaymentEventError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentEventInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found for event", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook event", http.StatusInternalServerError))
	}
}
