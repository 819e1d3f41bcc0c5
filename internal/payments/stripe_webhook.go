package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Normalised gateway event types shared with the reconciliation layer.
const (
	GatewayEventSucceeded = "payment.succeeded"
	GatewayEventFailed    = "payment.failed"
	GatewayEventRefunded  = "payment.refunded"
	GatewayEventCancelled = "payment.cancelled"
)

var (
	// ErrWebhookSignature indicates the payload failed signature verification.
	ErrWebhookSignature = errors.New("payments: webhook signature verification failed")
	// ErrWebhookUnhandled indicates a verified event of a type the storefront ignores.
	ErrWebhookUnhandled = errors.New("payments: webhook event type not handled")
	// ErrWebhookMissingOrder indicates the event carries no order id in its metadata.
	ErrWebhookMissingOrder = errors.New("payments: webhook event missing order id")
)

// GatewayEvent is a verified, provider-agnostic payment event.
type GatewayEvent struct {
	ID            string
	Type          string
	OrderID       string
	TransactionID string
	CardLast4     string
	Amount        int64
	RefundReason  string
	OccurredAt    time.Time
}

// StripeWebhookVerifier validates Stripe webhook signatures and normalises the
// events the order lifecycle cares about.
type StripeWebhookVerifier struct {
	secret string
}

// NewStripeWebhookVerifier constructs a verifier for the given endpoint secret.
func NewStripeWebhookVerifier(secret string) (*StripeWebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe webhook: endpoint secret is required")
	}
	return &StripeWebhookVerifier{secret: secret}, nil
}

// Verify checks the Stripe-Signature header against the raw payload and maps
// the event onto a GatewayEvent. Event types outside the payment lifecycle
// return ErrWebhookUnhandled after successful verification so callers can
// acknowledge them without acting.
func (v *StripeWebhookVerifier) Verify(payload []byte, signatureHeader string) (GatewayEvent, error) {
	if v == nil {
		return GatewayEvent{}, errors.New("stripe webhook: verifier is nil")
	}

	// An api_version drift between Stripe and the pinned SDK must not reject
	// the event: the payload fields read below are stable across versions.
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isSignatureError(err) {
			return GatewayEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
		}
		return GatewayEvent{}, fmt.Errorf("stripe webhook: parse event: %w", err)
	}

	occurredAt := time.Unix(event.Created, 0).UTC()

	// checkout.session.completed is deliberately ignored: the payment_intent
	// events carry the same outcome and processing both would double-notify.
	switch event.Type {
	case "payment_intent.succeeded":
		return normalisePaymentIntent(event, GatewayEventSucceeded, occurredAt)
	case "payment_intent.payment_failed":
		return normalisePaymentIntent(event, GatewayEventFailed, occurredAt)
	case "payment_intent.canceled":
		return normalisePaymentIntent(event, GatewayEventCancelled, occurredAt)
	case "charge.refunded":
		return normaliseRefundedCharge(event, occurredAt)
	default:
		return GatewayEvent{ID: event.ID, Type: string(event.Type), OccurredAt: occurredAt}, ErrWebhookUnhandled
	}
}

// isSignatureError distinguishes signature failures from payload parse
// problems so the latter are not mistaken for forgery.
func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func normalisePaymentIntent(event stripe.Event, eventType string, occurredAt time.Time) (GatewayEvent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return GatewayEvent{}, fmt.Errorf("stripe webhook: decode payment intent: %w", err)
	}

	orderID := strings.TrimSpace(intent.Metadata["orderId"])
	if orderID == "" {
		return GatewayEvent{}, fmt.Errorf("%w: event %s", ErrWebhookMissingOrder, event.ID)
	}

	out := GatewayEvent{
		ID:            event.ID,
		Type:          eventType,
		OrderID:       orderID,
		TransactionID: intent.ID,
		Amount:        intent.Amount,
		OccurredAt:    occurredAt,
	}
	if charge := intent.LatestCharge; charge != nil {
		if details := charge.PaymentMethodDetails; details != nil && details.Card != nil {
			out.CardLast4 = details.Card.Last4
		}
	}
	return out, nil
}

func normaliseRefundedCharge(event stripe.Event, occurredAt time.Time) (GatewayEvent, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return GatewayEvent{}, fmt.Errorf("stripe webhook: decode charge: %w", err)
	}

	orderID := strings.TrimSpace(charge.Metadata["orderId"])
	if orderID == "" && charge.PaymentIntent != nil {
		orderID = strings.TrimSpace(charge.PaymentIntent.Metadata["orderId"])
	}
	if orderID == "" {
		return GatewayEvent{}, fmt.Errorf("%w: event %s", ErrWebhookMissingOrder, event.ID)
	}

	out := GatewayEvent{
		ID:         event.ID,
		Type:       GatewayEventRefunded,
		OrderID:    orderID,
		Amount:     charge.AmountRefunded,
		OccurredAt: occurredAt,
	}
	if charge.PaymentIntent != nil {
		out.TransactionID = charge.PaymentIntent.ID
	}
	if details := charge.PaymentMethodDetails; details != nil && details.Card != nil {
		out.CardLast4 = details.Card.Last4
	}
	if refunds := charge.Refunds; refunds != nil && len(refunds.Data) > 0 {
		out.RefundReason = string(refunds.Data[0].Reason)
	}
	return out, nil
}
