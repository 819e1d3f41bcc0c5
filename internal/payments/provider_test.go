package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	sessionFn func(context.Context, CheckoutSessionRequest) (CheckoutSession, error)
	refundFn  func(context.Context, RefundRequest) (PaymentDetails, error)
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if f.sessionFn != nil {
		return f.sessionFn(ctx, req)
	}
	return CheckoutSession{ID: "sess-1"}, nil
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if f.refundFn != nil {
		return f.refundFn(ctx, req)
	}
	return PaymentDetails{}, nil
}

func (f *fakeProvider) LookupPayment(context.Context, LookupRequest) (PaymentDetails, error) {
	return PaymentDetails{}, errors.New("not implemented")
}

func TestManagerStripeIsDefault(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"stripe": &fakeProvider{},
		"mock":   &fakeProvider{},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	session, err := manager.CreateCheckoutSession(context.Background(), PaymentContext{}, CheckoutSessionRequest{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Provider != "stripe" {
		t.Fatalf("expected stripe provider got %s", session.Provider)
	}
}

func TestManagerPreferredProviderWins(t *testing.T) {
	called := ""
	manager, err := NewManager(map[string]Provider{
		"stripe": &fakeProvider{sessionFn: func(context.Context, CheckoutSessionRequest) (CheckoutSession, error) {
			called = "stripe"
			return CheckoutSession{}, nil
		}},
		"mock": &fakeProvider{sessionFn: func(context.Context, CheckoutSessionRequest) (CheckoutSession, error) {
			called = "mock"
			return CheckoutSession{}, nil
		}},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := manager.CreateCheckoutSession(context.Background(), PaymentContext{PreferredProvider: "mock"}, CheckoutSessionRequest{}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if called != "mock" {
		t.Fatalf("expected mock provider, got %s", called)
	}
}

func TestManagerSingleProviderFallback(t *testing.T) {
	manager, err := NewManager(map[string]Provider{"mock": &fakeProvider{}}, WithDefaultProvider("missing"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := manager.CreateCheckoutSession(context.Background(), PaymentContext{}, CheckoutSessionRequest{}); err != nil {
		t.Fatalf("expected single-provider fallback, got %v", err)
	}
}

func TestManagerRejectsEmptyRegistration(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error for empty provider map")
	}
	if _, err := NewManager(map[string]Provider{"": &fakeProvider{}}); err == nil {
		t.Fatalf("expected error for blank provider key")
	}
}
