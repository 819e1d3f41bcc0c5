package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/platform/httpx"
	"github.com/saddleworth/api/internal/services"
)

const (
	defaultProductPageSize = 24
	maxProductPageSize     = 100
)

var validProductCategories = map[domain.ProductCategory]struct{}{
	domain.ProductCategoryBags:        {},
	domain.ProductCategoryWallets:     {},
	domain.ProductCategoryBelts:       {},
	domain.ProductCategoryAccessories: {},
}

// CatalogHandlers exposes public, unauthenticated product reads.
type CatalogHandlers struct {
	catalog services.CatalogService
}

// NewCatalogHandlers constructs a new CatalogHandlers instance.
func NewCatalogHandlers(catalog services.CatalogService) *CatalogHandlers {
	return &CatalogHandlers{catalog: catalog}
}

// Routes registers the /products endpoints.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listProducts)
	r.Get("/{productID}", h.getProduct)
}

func (h *CatalogHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	filter := services.ProductListFilter{}
	if raw := strings.TrimSpace(query.Get("category")); raw != "" {
		category := domain.ProductCategory(strings.ToLower(raw))
		if _, ok := validProductCategories[category]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "category is not recognised", http.StatusBadRequest))
			return
		}
		filter.Category = &category
	}

	pageSize, err := parsePageSize(query.Get("page_size"), defaultProductPageSize, maxProductPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.Pagination = services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}

	page, err := h.catalog.ListProducts(ctx, filter)
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

func (h *CatalogHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	product, err := h.catalog.GetProduct(ctx, productID)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	// Archived or draft products are hidden from the public surface.
	if !product.Purchasable() {
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

type productListResponse struct {
	Items         []productPayload `json:"items"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type productResponse struct {
	Product productPayload `json:"product"`
}

type productPayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	Price       int64    `json:"price"`
	Images      []string `json:"images"`
	Colors      []string `json:"colors,omitempty"`
	Stock       int      `json:"stock"`
	InStock     bool     `json:"in_stock"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

func buildProductPayload(product services.Product) productPayload {
	images := product.Images
	if images == nil {
		images = []string{}
	}
	return productPayload{
		ID:          strings.TrimSpace(product.ID),
		Name:        strings.TrimSpace(product.Name),
		Description: product.Description,
		Category:    string(product.Category),
		Price:       product.Price,
		Images:      images,
		Colors:      product.Colors,
		Stock:       product.Stock,
		InStock:     product.Stock > 0,
		Status:      string(product.Status),
		CreatedAt:   formatTime(product.CreatedAt),
		UpdatedAt:   formatTime(product.UpdatedAt),
	}
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCatalogConflict):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to process catalog request", http.StatusInternalServerError))
	}
}
