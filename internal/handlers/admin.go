package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/platform/auth"
	"github.com/saddleworth/api/internal/platform/httpx"
	"github.com/saddleworth/api/internal/services"
)

const maxAdminBodySize = 64 * 1024

// AdminHandlers exposes the back-office surface: order management, catalog
// management and dashboard analytics. All routes require staff or admin role.
type AdminHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	catalog services.CatalogService
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, catalog services.CatalogService) *AdminHandlers {
	return &AdminHandlers{
		authn:   authn,
		orders:  orders,
		catalog: catalog,
	}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}

	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:transition", h.transitionOrder)
	r.Get("/analytics/orders", h.orderAnalytics)

	r.Post("/products", h.createProduct)
	r.Put("/products/{productID}", h.updateProduct)
	r.Post("/products/{productID}:archive", h.archiveProduct)
	r.Post("/products/{productID}:adjust-stock", h.adjustStock)
	r.Get("/products/low-stock", h.listLowStock)
}

type transitionOrderRequest struct {
	Status         string                `json:"status"`
	Reason         string                `json:"reason,omitempty"`
	ExpectedStatus string                `json:"expected_status,omitempty"`
	Tracking       *orderTrackingPayload `json:"tracking,omitempty"`
}

type upsertProductRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Category       string   `json:"category"`
	Price          int64    `json:"price"`
	Images         []string `json:"images,omitempty"`
	Colors         []string `json:"colors,omitempty"`
	InitialStock   int      `json:"initial_stock,omitempty"`
	StockThreshold int      `json:"stock_threshold,omitempty"`
	Status         string   `json:"status,omitempty"`
}

type adjustStockRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason,omitempty"`
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireUser(ctx, w, h.orders != nil, "order_service_unavailable"); !ok {
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

	// Admin listings may scope to a single customer but default to all orders.
	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID:    strings.TrimSpace(query.Get("user_id")),
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

	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}

	writeJSONResponse(w, http.StatusOK, adminOrderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireUser(ctx, w, h.orders != nil, "order_service_unavailable"); !ok {
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

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireUser(ctx, w, h.orders != nil, "order_service_unavailable")
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req transitionOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	target, ok := parseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: target,
		ActorID:      actorID,
		Privileged:   h.actorIsPrivileged(ctx),
		Reason:       strings.TrimSpace(req.Reason),
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &expected
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

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) orderAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireUser(ctx, w, h.orders != nil, "order_service_unavailable"); !ok {
		return
	}

	query := r.URL.Query()
	analyticsQuery := services.OrderAnalyticsQuery{}
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "from must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		analyticsQuery.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "to must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		analyticsQuery.To = &ts
	}

	analytics, err := h.orders.Analytics(ctx, analyticsQuery)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	statusCounts := make(map[string]int64, len(analytics.StatusCounts))
	for status, count := range analytics.StatusCounts {
		statusCounts[string(status)] = count
	}

	writeJSONResponse(w, http.StatusOK, orderAnalyticsResponse{
		StatusCounts: statusCounts,
		GrossRevenue: analytics.GrossRevenue,
		OrderCount:   analytics.OrderCount,
		From:         formatTime(pointerTime(analytics.From)),
		To:           formatTime(pointerTime(analytics.To)),
	})
}

func (h *AdminHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireUser(ctx, w, h.catalog != nil, "catalog_unavailable")
	if !ok {
		return
	}

	cmd, ok := h.decodeUpsertProduct(w, r, actorID, nil)
	if !ok {
		return
	}

	product, err := h.catalog.CreateProduct(ctx, cmd)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminHandlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireUser(ctx, w, h.catalog != nil, "catalog_unavailable")
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	cmd, ok := h.decodeUpsertProduct(w, r, actorID, &productID)
	if !ok {
		return
	}

	product, err := h.catalog.UpdateProduct(ctx, cmd)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminHandlers) archiveProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireUser(ctx, w, h.catalog != nil, "catalog_unavailable")
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	product, err := h.catalog.ArchiveProduct(ctx, services.ArchiveProductCommand{
		ProductID: productID,
		ActorID:   actorID,
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireUser(ctx, w, h.catalog != nil, "catalog_unavailable")
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req adjustStockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if req.Delta == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "delta must be non-zero", http.StatusBadRequest))
		return
	}

	product, err := h.catalog.AdjustStock(ctx, services.AdjustStockCommand{
		ProductID: productID,
		Delta:     req.Delta,
		Reason:    strings.TrimSpace(req.Reason),
		ActorID:   actorID,
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireUser(ctx, w, h.catalog != nil, "catalog_unavailable"); !ok {
		return
	}

	query := r.URL.Query()
	pageSize, err := parsePageSize(query.Get("page_size"), defaultProductPageSize, maxProductPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.catalog.ListLowStock(ctx, services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	items := make([]productPayload, 0, len(page.Items))
	for _, product := range page.Items {
		items = append(items, buildProductPayload(product))
	}

	writeJSONResponse(w, http.StatusOK, productListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *AdminHandlers) decodeUpsertProduct(w http.ResponseWriter, r *http.Request, actorID string, productID *string) (services.UpsertProductCommand, bool) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return services.UpsertProductCommand{}, false
	}

	var req upsertProductRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return services.UpsertProductCommand{}, false
	}

	status := domain.ProductStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if status != "" && status != domain.ProductStatusDraft && status != domain.ProductStatusActive && status != domain.ProductStatusArchived {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be draft, active or archived", http.StatusBadRequest))
		return services.UpsertProductCommand{}, false
	}

	return services.UpsertProductCommand{
		ProductID:      productID,
		Name:           strings.TrimSpace(req.Name),
		Description:    req.Description,
		Category:       domain.ProductCategory(strings.ToLower(strings.TrimSpace(req.Category))),
		Price:          req.Price,
		Images:         slices.Clone(req.Images),
		Colors:         slices.Clone(req.Colors),
		InitialStock:   req.InitialStock,
		StockThreshold: req.StockThreshold,
		Status:         status,
		ActorID:        actorID,
	}, true
}

// actorIsPrivileged reports whether the caller holds the admin role. Admins
// may force any known status; staff are held to the normal transition table.
func (h *AdminHandlers) actorIsPrivileged(ctx context.Context) bool {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil {
		return false
	}
	return identity.HasRole(auth.RoleAdmin)
}

type adminOrderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderAnalyticsResponse struct {
	StatusCounts map[string]int64 `json:"status_counts"`
	GrossRevenue int64            `json:"gross_revenue"`
	OrderCount   int64            `json:"order_count"`
	From         string           `json:"from,omitempty"`
	To           string           `json:"to,omitempty"`
}
