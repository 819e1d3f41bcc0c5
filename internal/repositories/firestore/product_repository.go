package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/saddleworth/api/internal/domain"
	pfirestore "github.com/saddleworth/api/internal/platform/firestore"
	"github.com/saddleworth/api/internal/platform/pagination"
	"github.com/saddleworth/api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository persists catalog entries and owns all stock mutations.
type ProductRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection)
	return &ProductRepository{provider: provider, base: base}, nil
}

// Insert stores a new product document, rejecting duplicate ids.
func (r *ProductRepository) Insert(ctx context.Context, product domain.Product) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return errors.New("product repository: product id is required")
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newProductDocument(product)); err != nil {
		return pfirestore.WrapError("products.insert", err)
	}
	return nil
}

// Update overwrites the catalog fields of an existing product. Stock counters
// are preserved so that concurrent adjustments are never clobbered.
func (r *ProductRepository) Update(ctx context.Context, product domain.Product) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return errors.New("product repository: product id is required")
	}

	updates := []firestore.Update{
		{Path: "name", Value: strings.TrimSpace(product.Name)},
		{Path: "description", Value: product.Description},
		{Path: "category", Value: string(product.Category)},
		{Path: "price", Value: product.Price},
		{Path: "images", Value: cloneStrings(product.Images)},
		{Path: "colors", Value: cloneStrings(product.Colors)},
		{Path: "stockThreshold", Value: product.StockThreshold},
		{Path: "status", Value: string(product.Status)},
		{Path: "updatedAt", Value: product.UpdatedAt.UTC()},
	}
	if _, err := r.base.Update(ctx, id, updates, firestore.Exists); err != nil {
		return err
	}
	return nil
}

// FindByID loads a single product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByIDs loads the requested products keyed by id. Missing ids are simply
// absent from the result so callers can report them precisely.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("product repository not initialised")
	}

	out := make(map[string]domain.Product, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, raw := range productIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		doc, err := r.base.Get(ctx, id)
		if err != nil {
			var repoErr *pfirestore.Error
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				continue
			}
			return nil, err
		}
		out[doc.ID] = doc.Data.toDomain(doc.ID)
	}
	return out, nil
}

// List returns a page of products matching the filter ordered by creation time.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("product repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
	}

	query := client.Collection(productsCollection).Query
	if filter.Category != nil {
		query = query.Where("category", "==", string(*filter.Category))
	}
	if len(filter.Status) == 1 {
		query = query.Where("status", "==", string(filter.Status[0]))
	} else if len(filter.Status) > 1 {
		values := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			values[i] = string(s)
		}
		query = query.Where("status", "in", values)
	}
	query = query.OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeProductPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var products []domain.Product
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Product]{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		products = append(products, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(products) > pageSize
	if hasMore {
		products = products[:pageSize]
	}
	var nextToken string
	if hasMore && len(products) > 0 {
		last := products[len(products)-1]
		encoded, err := encodeProductPageToken(productPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Product]{Items: products, NextPageToken: nextToken}, nil
}

// AdjustStock applies every stock delta inside one transaction. With
// GuardMinZero set, any line that would drive stock negative aborts the whole
// batch, which is what makes concurrent order creation safe without a
// read-then-write race at the service layer.
func (r *ProductRepository) AdjustStock(ctx context.Context, req repositories.StockAdjustmentRequest) (repositories.StockAdjustmentResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockAdjustmentResult{}, errors.New("product repository not initialised")
	}
	if len(req.Lines) == 0 {
		return repositories.StockAdjustmentResult{}, errors.New("stock adjust: at least one line is required")
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var result repositories.StockAdjustmentResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type pendingWrite struct {
			ref *firestore.DocumentRef
			doc productDocument
		}

		stocks := make(map[string]int, len(req.Lines))
		writes := make([]pendingWrite, 0, len(req.Lines))

		// Firestore requires all reads before any write in a transaction.
		for _, line := range req.Lines {
			id := strings.TrimSpace(line.ProductID)
			if id == "" {
				return repositories.NewStockError(repositories.StockErrorProductNotFound, "", "stock adjust: product id is required", nil)
			}
			if line.Delta == 0 {
				return repositories.NewStockError(repositories.StockErrorUnknown, id, fmt.Sprintf("stock adjust: delta for %s must be non-zero", id), nil)
			}

			ref, err := r.base.DocumentRef(ctx, id)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorProductNotFound, id, fmt.Sprintf("product %s not found", id), err)
				}
				return err
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product %s: %w", id, err)
			}

			next := doc.Stock + line.Delta
			if req.GuardMinZero && next < 0 {
				return repositories.NewStockError(repositories.StockErrorInsufficient, id, fmt.Sprintf("insufficient stock for %s", id), nil)
			}
			if next < 0 {
				next = 0
			}
			doc.Stock = next
			doc.UpdatedAt = now

			stocks[id] = next
			writes = append(writes, pendingWrite{ref: ref, doc: doc})
		}

		for _, w := range writes {
			if err := tx.Set(w.ref, w.doc); err != nil {
				return err
			}
		}

		result = repositories.StockAdjustmentResult{Stocks: stocks}
		return nil
	})
	if err != nil {
		return repositories.StockAdjustmentResult{}, wrapStockError("products.adjustStock", err)
	}
	return result, nil
}

// ListLowStock returns products whose stock is at or below their restock threshold.
func (r *ProductRepository) ListLowStock(ctx context.Context, query repositories.LowStockQuery) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("product repository not initialised")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.lowStock", err)
	}

	// restockDelta = stock - stockThreshold is maintained on every write so the
	// comparison can be expressed as a single indexed predicate.
	fsQuery := client.Collection(productsCollection).Query.
		Where("restockDelta", "<=", 0).
		OrderBy("restockDelta", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(query.PageToken); token != "" {
		decoded, err := decodeLowStockPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.lowStock", err)
		}
		fsQuery = fsQuery.StartAfter(decoded.RestockDelta, decoded.ID)
	}

	iter := fsQuery.Documents(ctx)
	defer iter.Stop()

	var products []domain.Product
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.lowStock", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Product]{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		products = append(products, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(products) > pageSize
	if hasMore {
		products = products[:pageSize]
	}
	var nextToken string
	if hasMore && len(products) > 0 {
		last := products[len(products)-1]
		encoded, err := encodeLowStockPageToken(lowStockPageToken{ID: last.ID, RestockDelta: last.Stock - last.StockThreshold})
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.lowStock", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Product]{Items: products, NextPageToken: nextToken}, nil
}

// Helper structures ---------------------------------------------------------

type productDocument struct {
	Name           string    `firestore:"name"`
	Description    string    `firestore:"description,omitempty"`
	Category       string    `firestore:"category"`
	Price          int64     `firestore:"price"`
	Images         []string  `firestore:"images,omitempty"`
	Colors         []string  `firestore:"colors,omitempty"`
	Stock          int       `firestore:"stock"`
	StockThreshold int       `firestore:"stockThreshold"`
	RestockDelta   int       `firestore:"restockDelta"`
	Status         string    `firestore:"status"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func newProductDocument(product domain.Product) productDocument {
	doc := productDocument{
		Name:           strings.TrimSpace(product.Name),
		Description:    product.Description,
		Category:       string(product.Category),
		Price:          product.Price,
		Images:         cloneStrings(product.Images),
		Colors:         cloneStrings(product.Colors),
		Stock:          product.Stock,
		StockThreshold: product.StockThreshold,
		Status:         string(product.Status),
		CreatedAt:      product.CreatedAt.UTC(),
		UpdatedAt:      product.UpdatedAt.UTC(),
	}
	doc.RestockDelta = doc.Stock - doc.StockThreshold
	return doc
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:             id,
		Name:           strings.TrimSpace(d.Name),
		Description:    d.Description,
		Category:       domain.ProductCategory(d.Category),
		Price:          d.Price,
		Images:         cloneStrings(d.Images),
		Colors:         cloneStrings(d.Colors),
		Stock:          d.Stock,
		StockThreshold: d.StockThreshold,
		Status:         domain.ProductStatus(d.Status),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

type productPageToken struct {
	ID        string
	CreatedAt time.Time
}

type lowStockPageToken struct {
	ID           string
	RestockDelta int
}

func encodeProductPageToken(token productPageToken) (string, error) {
	return pagination.EncodeToken(token)
}

func decodeProductPageToken(encoded string) (productPageToken, error) {
	var token productPageToken
	err := pagination.DecodeToken(encoded, &token)
	return token, err
}

func encodeLowStockPageToken(token lowStockPageToken) (string, error) {
	return pagination.EncodeToken(token)
}

func decodeLowStockPageToken(encoded string) (lowStockPageToken, error) {
	var token lowStockPageToken
	err := pagination.DecodeToken(encoded, &token)
	return token, err
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
