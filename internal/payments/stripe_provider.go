package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger receives structured events from the Stripe adapter.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// stripeClients narrows the stripe client to the three APIs the adapter
// uses, so tests can substitute fakes.
type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
	refunds  stripeRefundAPI
}

// StripeProviderConfig configures NewStripeProvider. Clients overrides the
// real API bindings in tests; when it is set the APIKey may be empty.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements Provider on top of Stripe Checkout.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider builds the Stripe adapter.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)

	var api stripeClients
	switch {
	case cfg.Clients != nil:
		api = *cfg.Clients
	case apiKey == "":
		return nil, errors.New("stripe: api key is required")
	default:
		sc := client.New(apiKey, cfg.Backends)
		api = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
			refunds:  sc.Refunds,
		}
	}
	if api.sessions == nil || api.intents == nil || api.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     api,
		account: strings.TrimSpace(cfg.AccountID),
		clock:   func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

// CreateCheckoutSession opens a hosted Stripe Checkout session in payment
// mode. Request metadata is mirrored onto the payment intent so webhook
// events downstream carry the order id.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems:  p.buildLineItems(req),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.Locale != "" {
		params.Locale = stripe.String(strings.ReplaceAll(strings.ToLower(req.Locale), "_", "-"))
	}
	params.Metadata = cloneMetadata(req.Metadata)
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: cloneMetadata(req.Metadata),
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	var intentID string
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}
	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":     session.ID,
		"paymentIntent": intentID,
		"currency":      session.Currency,
	})

	expiresAt := p.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		ID:           session.ID,
		Provider:     "stripe",
		ClientSecret: session.ClientSecret,
		RedirectURL:  session.URL,
		IntentID:     intentID,
		ExpiresAt:    expiresAt,
		Raw:          rawPayload(session),
	}, nil
}

func (p *StripeProvider) buildLineItems(req CheckoutSessionRequest) []*stripe.CheckoutSessionLineItemParams {
	if len(req.Items) == 0 {
		// No itemisation supplied; charge the order total as one line.
		return []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order"),
				},
			},
		}}
	}

	lines := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		currency := item.Currency
		if strings.TrimSpace(currency) == "" {
			currency = req.Currency
		}
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(currency)),
				UnitAmount: stripe.Int64(item.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.Description != "" {
			line.PriceData.ProductData.Description = stripe.String(item.Description)
		}
		if item.SKU != "" {
			line.PriceData.ProductData.Metadata = map[string]string{"sku": item.SKU}
		}
		lines = append(lines, line)
	}
	return lines
}

// Refund refunds the payment intent and returns its refreshed details.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
		Metadata:      cloneMetadata(req.Metadata),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason, ok := stripeRefundReason(req.Reason); ok {
		params.Reason = stripe.String(reason)
	}

	if _, err := p.api.refunds.New(params); err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.IntentID,
	})
	return p.LookupPayment(ctx, LookupRequest{IntentID: req.IntentID})
}

// LookupPayment fetches the payment intent and normalises it.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return detailsFromIntent(intent), nil
}

// detailsFromIntent flattens a payment intent and its latest charge into the
// provider-neutral shape. A fully refunded charge wins over "succeeded".
func detailsFromIntent(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	captured := intent.Status == stripe.PaymentIntentStatusSucceeded
	var capturedAt, refundedAt *time.Time

	if charge := intent.LatestCharge; charge != nil {
		chargeTime := time.Unix(charge.Created, 0).UTC()
		if charge.Paid || charge.Captured {
			capturedAt = &chargeTime
			captured = true
		}
		if charge.Refunded || charge.AmountRefunded > 0 {
			refundedAt = &chargeTime
			if charge.Amount > 0 && charge.AmountRefunded >= charge.Amount {
				status = StatusRefunded
			}
		}
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	return PaymentDetails{
		Provider:   "stripe",
		IntentID:   intent.ID,
		Status:     status,
		Amount:     intent.Amount,
		Currency:   currency,
		Captured:   captured,
		CapturedAt: capturedAt,
		RefundedAt: refundedAt,
		Raw:        rawPayload(intent),
	}
}

// stripeRefundReason maps free-form reasons onto the values Stripe accepts.
// Anything unrecognised is omitted rather than rejected.
func stripeRefundReason(reason string) (string, bool) {
	switch stripe.RefundReason(strings.ToLower(strings.TrimSpace(reason))) {
	case stripe.RefundReasonDuplicate:
		return string(stripe.RefundReasonDuplicate), true
	case stripe.RefundReasonFraudulent:
		return string(stripe.RefundReasonFraudulent), true
	case stripe.RefundReasonRequestedByCustomer:
		return string(stripe.RefundReasonRequestedByCustomer), true
	default:
		return "", false
	}
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// rawPayload keeps the provider response round-trippable for audit storage.
func rawPayload(v any) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payload"] = v
	}
	return raw
}
