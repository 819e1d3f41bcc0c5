// Package payments abstracts payment service providers behind a common
// Provider interface and a Manager that picks the right provider per request.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the provider-neutral payment state stored on orders.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// ErrUnsupportedProvider is returned when no registered provider matches the
// request and no default applies.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// CheckoutLineItem is one purchasable line in a checkout session.
type CheckoutLineItem struct {
	Name        string
	Description string
	SKU         string
	Quantity    int64
	Amount      int64
	Currency    string
}

// CheckoutSessionRequest is everything a provider needs to open a hosted
// checkout session.
type CheckoutSessionRequest struct {
	Amount         int64
	Currency       string
	CustomerID     string
	SuccessURL     string
	CancelURL      string
	Locale         string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
}

// CheckoutSession is the provider session handed back to the client.
type CheckoutSession struct {
	ID           string
	Provider     string
	ClientSecret string
	RedirectURL  string
	IntentID     string
	ExpiresAt    time.Time
	Raw          map[string]any
}

// RefundRequest describes a refund attempt. A nil Amount refunds in full.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// LookupRequest identifies a payment for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails is the normalised view of a provider payment.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	RefundedAt *time.Time
	Raw        map[string]any
}

// Provider is the contract each payment service adapter implements.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager routes payment operations to a registered Provider.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures a Manager during construction.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when a request does not
// name one.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) { m.defaultProvider = provider }
}

// NewManager registers the supplied providers under normalised (lowercase,
// trimmed) keys. When Stripe is registered it becomes the default unless an
// option says otherwise.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}

	registered := make(map[string]Provider, len(providers))
	for name, provider := range providers {
		key := normalizeProviderKey(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		registered[key] = provider
	}

	m := &Manager{providers: registered}
	if _, ok := registered["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext carries the hints used to choose a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

// resolveProvider picks, in order: the preferred provider, the default, or
// the only registered provider.
func (m *Manager) resolveProvider(paymentCtx PaymentContext) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}

	for _, key := range []string{
		normalizeProviderKey(paymentCtx.PreferredProvider),
		normalizeProviderKey(m.defaultProvider),
	} {
		if key == "" {
			continue
		}
		if provider, ok := m.providers[key]; ok {
			return key, provider, nil
		}
	}

	if len(m.providers) == 1 {
		for key, provider := range m.providers {
			return key, provider, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateCheckoutSession opens a session with the resolved provider and tags
// the result with the provider key.
func (m *Manager) CreateCheckoutSession(ctx context.Context, paymentCtx PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CheckoutSession{}, err
	}
	session, err := provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Refund(ctx, req)
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}

func normalizeProviderKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
