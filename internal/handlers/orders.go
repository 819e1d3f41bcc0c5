package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/platform/auth"
	"github.com/saddleworth/api/internal/platform/httpx"
	"github.com/saddleworth/api/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxOrderCancelBodySize = 4 * 1024
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:       {},
	domain.OrderStatusProcessing:    {},
	domain.OrderStatusShipped:       {},
	domain.OrderStatusDelivered:     {},
	domain.OrderStatusCancelled:     {},
	domain.OrderStatusReturned:      {},
	domain.OrderStatusPaymentFailed: {},
	domain.OrderStatusRefunded:      {},
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes order endpoints for authenticated customers.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w, h.orders != nil, "order_service_unavailable")
	if !ok {
		return
	}

	query := r.URL.Query()

	statuses, ok := parseStatusFilters(query["status"])
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown value", http.StatusBadRequest))
		return
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	pageSize, err := parsePageSize(query.Get("page_size"), defaultOrderPageSize, maxOrderPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID:    userID,
		Status:    statuses,
		DateRange: dateRange,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w, h.orders != nil, "order_service_unavailable")
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	// Foreign orders read as not found so ids cannot be probed.
	if !strings.EqualFold(strings.TrimSpace(order.UserID), userID) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w, h.orders != nil, "order_service_unavailable")
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderCancelBodySize)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// A cancel without a body is fine, the reason is optional.
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cancelled, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		UserID:  userID,
		ActorID: userID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Total       int64  `json:"total"`
	ItemCount   int    `json:"item_count"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"order_number"`
	UserID          string                `json:"user_id"`
	Status          string                `json:"status"`
	Items           []orderItemPayload    `json:"items"`
	Totals          orderTotalsPayload    `json:"totals"`
	Payment         orderPaymentPayload   `json:"payment"`
	ShippingAddress addressPayload        `json:"shipping_address"`
	Tracking        *orderTrackingPayload `json:"tracking,omitempty"`
	Note            string                `json:"note,omitempty"`
	CancelReason    *string               `json:"cancel_reason,omitempty"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at,omitempty"`
	PlacedAt        string                `json:"placed_at,omitempty"`
	ShippedAt       string                `json:"shipped_at,omitempty"`
	DeliveredAt     string                `json:"delivered_at,omitempty"`
	CancelledAt     string                `json:"cancelled_at,omitempty"`
	ReturnedAt      string                `json:"returned_at,omitempty"`
}

type orderItemPayload struct {
	ProductRef string `json:"product_ref"`
	Name       string `json:"name"`
	UnitPrice  int64  `json:"unit_price"`
	Quantity   int    `json:"quantity"`
	Color      string `json:"color,omitempty"`
	Image      string `json:"image,omitempty"`
	Total      int64  `json:"total"`
}

type orderTotalsPayload struct {
	Subtotal    int64 `json:"subtotal"`
	ShippingFee int64 `json:"shipping_fee"`
	Total       int64 `json:"total"`
}

type orderPaymentPayload struct {
	Method        string `json:"method"`
	Status        string `json:"status"`
	CardLast4     string `json:"card_last4,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	RefundAmount  *int64 `json:"refund_amount,omitempty"`
	RefundReason  string `json:"refund_reason,omitempty"`
	PaidAt        string `json:"paid_at,omitempty"`
	RefundedAt    string `json:"refunded_at,omitempty"`
}

type orderTrackingPayload struct {
	Carrier string `json:"carrier"`
	Number  string `json:"number"`
	URL     string `json:"url,omitempty"`
}

type addressPayload struct {
	RecipientName string `json:"recipient_name"`
	Phone         string `json:"phone"`
	Line1         string `json:"line1"`
	Line2         string `json:"line2,omitempty"`
	City          string `json:"city"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postal_code"`
	Country       string `json:"country"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	count := 0
	for _, item := range order.Items {
		count += item.Quantity
	}
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		Status:      string(order.Status),
		Total:       order.Totals.Total,
		ItemCount:   count,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Status:      string(order.Status),
		Items:       make([]orderItemPayload, 0, len(order.Items)),
		Totals: orderTotalsPayload{
			Subtotal:    order.Totals.Subtotal,
			ShippingFee: order.Totals.ShippingFee,
			Total:       order.Totals.Total,
		},
		Payment: orderPaymentPayload{
			Method:        string(order.Payment.Method),
			Status:        string(order.Payment.Status),
			CardLast4:     order.Payment.CardLast4,
			TransactionID: order.Payment.TransactionID,
			RefundAmount:  order.Payment.RefundAmount,
			PaidAt:        formatTime(pointerTime(order.Payment.PaidAt)),
			RefundedAt:    formatTime(pointerTime(order.Payment.RefundedAt)),
		},
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		Note:            order.Note,
		CancelReason:    cloneStringPointer(order.CancelReason),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PlacedAt:        formatTime(order.PlacedAt),
		ShippedAt:       formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:     formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:     formatTime(pointerTime(order.CancelledAt)),
		ReturnedAt:      formatTime(pointerTime(order.ReturnedAt)),
	}

	if order.Payment.RefundReason != nil {
		payload.Payment.RefundReason = *order.Payment.RefundReason
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductRef: strings.TrimSpace(item.ProductRef),
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
			Color:      item.Color,
			Image:      item.Image,
			Total:      item.Total(),
		})
	}

	if order.Tracking != nil {
		payload.Tracking = &orderTrackingPayload{
			Carrier: order.Tracking.Carrier,
			Number:  order.Tracking.Number,
			URL:     order.Tracking.URL,
		}
	}

	return payload
}

func buildAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		RecipientName: addr.RecipientName,
		Phone:         addr.Phone,
		Line1:         addr.Line1,
		Line2:         addr.Line2,
		City:          addr.City,
		Region:        addr.Region,
		PostalCode:    addr.PostalCode,
		Country:       addr.Country,
	}
}

func buildAddress(payload addressPayload) domain.Address {
	return domain.Address{
		RecipientName: strings.TrimSpace(payload.RecipientName),
		Phone:         strings.TrimSpace(payload.Phone),
		Line1:         strings.TrimSpace(payload.Line1),
		Line2:         strings.TrimSpace(payload.Line2),
		City:          strings.TrimSpace(payload.City),
		Region:        strings.TrimSpace(payload.Region),
		PostalCode:    strings.TrimSpace(payload.PostalCode),
		Country:       strings.ToUpper(strings.TrimSpace(payload.Country)),
	}
}

func parseStatusFilters(values []string) ([]domain.OrderStatus, bool) {
	raw := parseFilterValues(values)
	if len(raw) == 0 {
		return nil, true
	}
	statuses := make([]domain.OrderStatus, 0, len(raw))
	for _, value := range raw {
		status, ok := parseOrderStatus(value)
		if !ok {
			return nil, false
		}
		statuses = append(statuses, status)
	}
	return statuses, true
}

func parseOrderStatus(raw string) (domain.OrderStatus, bool) {
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := validOrderStatuses[status]; !ok {
		return "", false
	}
	return status, true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
