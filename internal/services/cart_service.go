package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/repositories"
)

const maxCartLineQuantity = 99

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart: invalid input")

// ErrCartProductNotFound indicates an item references an unknown or unpurchasable product.
var ErrCartProductNotFound = errors.New("cart: product not found")

// ErrCartUnavailable indicates the cart backend cannot fulfil the request.
var ErrCartUnavailable = errors.New("cart: unavailable")

// CartServiceDeps wires the repositories required for cart operations.
type CartServiceDeps struct {
	Carts    repositories.CartRepository
	Products repositories.ProductRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetCart returns the user's cart. A user with no stored cart document gets an
// empty one rather than a not-found error.
func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	return cart, nil
}

// ReplaceItems overwrites the cart contents wholesale. Duplicate product/color
// lines are merged and every referenced product must exist and be purchasable.
func (s *cartService) ReplaceItems(ctx context.Context, cmd ReplaceCartItemsCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	items, err := normaliseCartItems(cmd.Items)
	if err != nil {
		return Cart{}, err
	}

	if len(items) > 0 {
		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ProductID)
		}
		products, err := s.products.FindByIDs(ctx, ids)
		if err != nil {
			return Cart{}, s.translateRepoError(err)
		}
		for _, item := range items {
			product, ok := products[item.ProductID]
			if !ok || !product.Purchasable() {
				return Cart{}, fmt.Errorf("%w: %s", ErrCartProductNotFound, item.ProductID)
			}
		}
	}

	cart, err := s.carts.ReplaceItems(ctx, uid, items, s.clock())
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	return cart, nil
}

// ClearCart removes every item from the user's cart.
func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	if err := s.carts.Clear(ctx, uid); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartProductNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return err
}

func normaliseCartItems(items []domain.CartItem) ([]domain.CartItem, error) {
	merged := make([]domain.CartItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: item product id is required", ErrCartInvalidInput)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: item quantity must be >= 1", ErrCartInvalidInput)
		}
		color := strings.TrimSpace(item.Color)
		key := id + "\x00" + color
		if at, ok := index[key]; ok {
			merged[at].Quantity += item.Quantity
			if merged[at].Quantity > maxCartLineQuantity {
				return nil, fmt.Errorf("%w: quantity for %s exceeds %d", ErrCartInvalidInput, id, maxCartLineQuantity)
			}
			continue
		}
		if item.Quantity > maxCartLineQuantity {
			return nil, fmt.Errorf("%w: quantity for %s exceeds %d", ErrCartInvalidInput, id, maxCartLineQuantity)
		}
		index[key] = len(merged)
		merged = append(merged, domain.CartItem{ProductID: id, Quantity: item.Quantity, Color: color})
	}
	return merged, nil
}
