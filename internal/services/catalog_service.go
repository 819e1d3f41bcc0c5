package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/repositories"
)

const productIDPrefix = "prd_"

var (
	// ErrCatalogInvalidInput indicates the caller supplied invalid data.
	ErrCatalogInvalidInput = errors.New("catalog: invalid input")
	// ErrCatalogProductNotFound indicates the product does not exist.
	ErrCatalogProductNotFound = errors.New("catalog: product not found")
	// ErrCatalogInsufficientStock indicates a stock decrement would go negative.
	ErrCatalogInsufficientStock = errors.New("catalog: insufficient stock")
	// ErrCatalogConflict indicates a concurrent modification or duplicate write.
	ErrCatalogConflict = errors.New("catalog: conflict")
)

var productCategories = []domain.ProductCategory{
	domain.ProductCategoryBags,
	domain.ProductCategoryWallets,
	domain.ProductCategoryBelts,
	domain.ProductCategoryAccessories,
}

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Products    repositories.ProductRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	products  repositories.ProductRepository
	sanitizer *bluemonday.Policy
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewCatalogService constructs the catalog service with the supplied dependencies.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errors.New("catalog service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &catalogService{
		products:  deps.Products,
		sanitizer: newDescriptionPolicy(),
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}, nil
}

// newDescriptionPolicy allows the limited formatting merchandisers use in
// product copy while stripping scripts and event handlers.
func newDescriptionPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").OnElements("p", "span", "ul", "ol", "li")
	policy.RequireNoFollowOnLinks(true)
	return policy
}

func (s *catalogService) ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error) {
	repoFilter := repositories.ProductListFilter{
		Category: filter.Category,
		Pagination: domain.Pagination{
			PageSize:  filter.Pagination.PageSize,
			PageToken: strings.TrimSpace(filter.Pagination.PageToken),
		},
	}
	if !filter.IncludeHidden {
		repoFilter.Status = []domain.ProductStatus{domain.ProductStatusActive}
	}

	page, err := s.products.List(ctx, repoFilter)
	if err != nil {
		return domain.CursorPage[Product]{}, s.translateRepoError(err)
	}
	return page, nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.translateRepoError(err)
	}
	return product, nil
}

func (s *catalogService) CreateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	product, err := s.buildProduct(cmd)
	if err != nil {
		return Product{}, err
	}
	if cmd.InitialStock < 0 {
		return Product{}, fmt.Errorf("%w: initial stock must be >= 0", ErrCatalogInvalidInput)
	}

	now := s.clock()
	product.ID = productIDPrefix + s.newID()
	product.Stock = cmd.InitialStock
	product.CreatedAt = now
	product.UpdatedAt = now

	if err := s.products.Insert(ctx, product); err != nil {
		return Product{}, s.translateRepoError(err)
	}

	s.logger(ctx, "catalog.product.created", map[string]any{
		"product": product.ID,
		"actor":   strings.TrimSpace(cmd.ActorID),
	})

	return product, nil
}

func (s *catalogService) UpdateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	if cmd.ProductID == nil || strings.TrimSpace(*cmd.ProductID) == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}

	product, err := s.buildProduct(cmd)
	if err != nil {
		return Product{}, err
	}

	existing, err := s.products.FindByID(ctx, strings.TrimSpace(*cmd.ProductID))
	if err != nil {
		return Product{}, s.translateRepoError(err)
	}

	product.ID = existing.ID
	product.Stock = existing.Stock
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = s.clock()

	if err := s.products.Update(ctx, product); err != nil {
		return Product{}, s.translateRepoError(err)
	}
	return product, nil
}

func (s *catalogService) ArchiveProduct(ctx context.Context, cmd ArchiveProductCommand) (Product, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.translateRepoError(err)
	}
	if product.Status == domain.ProductStatusArchived {
		return product, nil
	}

	product.Status = domain.ProductStatusArchived
	product.UpdatedAt = s.clock()

	if err := s.products.Update(ctx, product); err != nil {
		return Product{}, s.translateRepoError(err)
	}

	s.logger(ctx, "catalog.product.archived", map[string]any{
		"product": product.ID,
		"actor":   strings.TrimSpace(cmd.ActorID),
	})

	return product, nil
}

// AdjustStock applies a manual stock delta. Decrements are guarded so an
// operator typo can never drive stock negative; restocks are not.
func (s *catalogService) AdjustStock(ctx context.Context, cmd AdjustStockCommand) (Product, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}
	if cmd.Delta == 0 {
		return Product{}, fmt.Errorf("%w: delta must be non-zero", ErrCatalogInvalidInput)
	}

	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = "manual adjustment"
	}

	if _, err := s.products.AdjustStock(ctx, repositories.StockAdjustmentRequest{
		Lines:        []repositories.StockAdjustmentLine{{ProductID: productID, Delta: cmd.Delta}},
		GuardMinZero: cmd.Delta < 0,
		Reason:       reason,
		Now:          s.clock(),
	}); err != nil {
		return Product{}, s.translateStockError(err)
	}

	s.logger(ctx, "catalog.stock.adjusted", map[string]any{
		"product": productID,
		"delta":   cmd.Delta,
		"reason":  reason,
		"actor":   strings.TrimSpace(cmd.ActorID),
	})

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.translateRepoError(err)
	}
	return product, nil
}

func (s *catalogService) ListLowStock(ctx context.Context, pager Pagination) (domain.CursorPage[Product], error) {
	page, err := s.products.ListLowStock(ctx, repositories.LowStockQuery{
		PageSize:  pager.PageSize,
		PageToken: strings.TrimSpace(pager.PageToken),
	})
	if err != nil {
		return domain.CursorPage[Product]{}, s.translateRepoError(err)
	}
	return page, nil
}

func (s *catalogService) buildProduct(cmd UpsertProductCommand) (Product, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return Product{}, fmt.Errorf("%w: name is required", ErrCatalogInvalidInput)
	}
	if !slices.Contains(productCategories, cmd.Category) {
		return Product{}, fmt.Errorf("%w: unknown category %q", ErrCatalogInvalidInput, cmd.Category)
	}
	if cmd.Price < 0 {
		return Product{}, fmt.Errorf("%w: price must be >= 0", ErrCatalogInvalidInput)
	}
	if cmd.StockThreshold < 0 {
		return Product{}, fmt.Errorf("%w: stock threshold must be >= 0", ErrCatalogInvalidInput)
	}

	status := cmd.Status
	if status == "" {
		status = domain.ProductStatusActive
	}
	switch status {
	case domain.ProductStatusDraft, domain.ProductStatusActive, domain.ProductStatusArchived:
	default:
		return Product{}, fmt.Errorf("%w: unknown status %q", ErrCatalogInvalidInput, status)
	}

	return Product{
		Name:           name,
		Description:    s.sanitizer.Sanitize(strings.TrimSpace(cmd.Description)),
		Category:       cmd.Category,
		Price:          cmd.Price,
		Images:         trimStrings(cmd.Images),
		Colors:         trimStrings(cmd.Colors),
		StockThreshold: cmd.StockThreshold,
		Status:         status,
	}, nil
}

func (s *catalogService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCatalogProductNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCatalogConflict, err)
		}
	}
	return err
}

func (s *catalogService) translateStockError(err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: %s", ErrCatalogInsufficientStock, stockErr.ProductID)
		case repositories.StockErrorProductNotFound:
			return fmt.Errorf("%w: %s", ErrCatalogProductNotFound, stockErr.ProductID)
		}
	}
	return s.translateRepoError(err)
}

func trimStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
