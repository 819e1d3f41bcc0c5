package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
	pfirestore "github.com/saddleworth/api/internal/platform/firestore"
	"github.com/saddleworth/api/internal/repositories"
)

const cartsCollection = "carts"

// CartRepository persists the single cart document kept per user. The user id
// doubles as the document id.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection)
	return &CartRepository{base: base}, nil
}

// Get loads the cart for the given user. A missing document is returned as an
// empty cart rather than an error, since every user implicitly owns one.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.Cart{ID: uid, UserID: uid, Items: []domain.CartItem{}}, nil
		}
		return domain.Cart{}, err
	}

	return doc.Data.toDomain(doc.ID, doc.UpdateTime), nil
}

// ReplaceItems swaps the full item set for the user's cart.
func (r *CartRepository) ReplaceItems(ctx context.Context, userID string, items []domain.CartItem, now time.Time) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	ts := now.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	doc := cartDocument{
		Items:     make([]cartItemDocument, len(items)),
		UpdatedAt: ts,
		CreatedAt: ts,
	}
	for i, item := range items {
		doc.Items[i] = cartItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			Color:     strings.TrimSpace(item.Color),
		}
	}

	if existing, err := r.base.Get(ctx, uid); err == nil && !existing.Data.CreatedAt.IsZero() {
		doc.CreatedAt = existing.Data.CreatedAt
	}

	result, err := r.base.Set(ctx, uid, doc)
	if err != nil {
		return domain.Cart{}, err
	}

	return doc.toDomain(uid, result.UpdateTime), nil
}

// Clear removes every item from the user's cart while keeping the document.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}

	_, err := r.ReplaceItems(ctx, uid, nil, time.Now().UTC())
	return err
}

// Helper structures ---------------------------------------------------------

type cartDocument struct {
	Items     []cartItemDocument `firestore:"items"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string `firestore:"productId"`
	Quantity  int    `firestore:"qty"`
	Color     string `firestore:"color,omitempty"`
}

func (d cartDocument) toDomain(userID string, updateTime time.Time) domain.Cart {
	items := make([]domain.CartItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.CartItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Color:     item.Color,
		}
	}

	updated := d.UpdatedAt
	if !updateTime.IsZero() {
		updated = updateTime
	}

	return domain.Cart{
		ID:        userID,
		UserID:    userID,
		Items:     items,
		CreatedAt: d.CreatedAt,
		UpdatedAt: updated,
	}
}

var _ repositories.CartRepository = (*CartRepository)(nil)
