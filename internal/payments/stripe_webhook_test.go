package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

const testWebhookSecret = "whsec_test_secret"

func signStripePayload(t *testing.T, payload []byte, secret string, ts time.Time) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeWebhookVerifierSucceededEvent(t *testing.T) {
	now := time.Now()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"created": %d,
		"data": {
			"object": {
				"id": "pi_123",
				"object": "payment_intent",
				"amount": 37900,
				"metadata": {"orderId": "ord_1"},
				"latest_charge": {
					"id": "ch_1",
					"payment_method_details": {"card": {"last4": "4242"}}
				}
			}
		}
	}`, now.Unix()))

	verifier, err := NewStripeWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	event, err := verifier.Verify(payload, signStripePayload(t, payload, testWebhookSecret, now))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if event.Type != GatewayEventSucceeded {
		t.Fatalf("expected %s got %s", GatewayEventSucceeded, event.Type)
	}
	if event.OrderID != "ord_1" || event.TransactionID != "pi_123" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.CardLast4 != "4242" {
		t.Fatalf("expected card last4 captured, got %q", event.CardLast4)
	}
	if event.Amount != 37900 {
		t.Fatalf("unexpected amount %d", event.Amount)
	}
}

func TestStripeWebhookVerifierToleratesAPIVersionDrift(t *testing.T) {
	now := time.Now()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_drift",
		"type": "payment_intent.succeeded",
		"api_version": "2099-01-01",
		"created": %d,
		"data": {
			"object": {
				"id": "pi_drift",
				"object": "payment_intent",
				"amount": 1200,
				"metadata": {"orderId": "ord_9"}
			}
		}
	}`, now.Unix()))

	verifier, err := NewStripeWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	event, err := verifier.Verify(payload, signStripePayload(t, payload, testWebhookSecret, now))
	if err != nil {
		t.Fatalf("a newer gateway api version must not be rejected: %v", err)
	}
	if event.OrderID != "ord_9" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestStripeWebhookVerifierRejectsBadSignature(t *testing.T) {
	now := time.Now()
	payload := []byte(fmt.Sprintf(`{"id":"evt_1","type":"payment_intent.succeeded","created":%d,"data":{"object":{}}}`, now.Unix()))

	verifier, err := NewStripeWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	if _, err := verifier.Verify(payload, signStripePayload(t, payload, "whsec_other", now)); !errors.Is(err, ErrWebhookSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestStripeWebhookVerifierUnhandledType(t *testing.T) {
	now := time.Now()
	payload := []byte(fmt.Sprintf(`{"id":"evt_2","type":"customer.created","created":%d,"data":{"object":{}}}`, now.Unix()))

	verifier, err := NewStripeWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	event, err := verifier.Verify(payload, signStripePayload(t, payload, testWebhookSecret, now))
	if !errors.Is(err, ErrWebhookUnhandled) {
		t.Fatalf("expected unhandled error, got %v", err)
	}
	if event.ID != "evt_2" {
		t.Fatalf("expected event id returned for acknowledgement, got %+v", event)
	}
}

func TestStripeWebhookVerifierMissingOrderID(t *testing.T) {
	now := time.Now()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_3",
		"type": "payment_intent.canceled",
		"created": %d,
		"data": {"object": {"id": "pi_9", "object": "payment_intent", "metadata": {}}}
	}`, now.Unix()))

	verifier, err := NewStripeWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	if _, err := verifier.Verify(payload, signStripePayload(t, payload, testWebhookSecret, now)); !errors.Is(err, ErrWebhookMissingOrder) {
		t.Fatalf("expected missing order error, got %v", err)
	}
}

func TestStripeWebhookVerifierRefundedCharge(t *testing.T) {
	now := time.Now()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_4",
		"type": "charge.refunded",
		"created": %d,
		"data": {
			"object": {
				"id": "ch_2",
				"object": "charge",
				"amount": 12500,
				"amount_refunded": 12500,
				"metadata": {"orderId": "ord_2"},
				"payment_intent": {"id": "pi_55"},
				"refunds": {"data": [{"id": "re_1", "reason": "requested_by_customer"}]}
			}
		}
	}`, now.Unix()))

	verifier, err := NewStripeWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	event, err := verifier.Verify(payload, signStripePayload(t, payload, testWebhookSecret, now))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if event.Type != GatewayEventRefunded || event.OrderID != "ord_2" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Amount != 12500 || event.TransactionID != "pi_55" {
		t.Fatalf("unexpected refund details %+v", event)
	}
	if event.RefundReason != "requested_by_customer" {
		t.Fatalf("expected refund reason, got %q", event.RefundReason)
	}
}
