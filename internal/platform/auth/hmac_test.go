package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type staticSecrets map[string]string

func (s staticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	if secret, ok := s[name]; ok {
		return secret, nil
	}
	return "", fmt.Errorf("secret %s not found", name)
}

type quietLogger struct{}

func (quietLogger) Printf(string, ...any) {}

type capturedVerification struct {
	success bool
	reason  string
}

type captureMetrics struct {
	mu      sync.Mutex
	records []capturedVerification
}

func (m *captureMetrics) RecordVerification(_ context.Context, _ string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, capturedVerification{success: success, reason: reason})
}

// signedRequest builds a request carrying a valid signature for the secret.
func signedRequest(method, target string, body []byte, secret, nonce string, at time.Time) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ts := at.UTC().Format(time.RFC3339)
	sig := sign([]byte(secret), canonicalRequest(req, body, ts, nonce))
	req.Header.Set(headerSignature, base64.StdEncoding.EncodeToString(sig))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerNonce, nonce)
	return req
}

func TestRequireHMACAcceptsValidSignature(t *testing.T) {
	const secretName = "webhooks/carrier"
	now := time.Now().UTC().Truncate(time.Second)
	metrics := &captureMetrics{}

	validator := NewHMACValidator(staticSecrets{secretName: "carrier-secret"}, NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACClock(func() time.Time { return now }),
		WithHMACMetrics(metrics),
	)

	body := []byte(`{"trackingNumber":"JP123456789"}`)
	req := signedRequest(http.MethodPost, "/api/v1/webhooks/carrier", body, "carrier-secret", "nonce-1", now)

	rr := httptest.NewRecorder()
	validator.RequireHMAC(secretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, ok := HMACMetadataFromContext(r.Context())
		if !ok {
			t.Fatal("expected hmac metadata in context")
		}
		if meta.SecretName != secretName || meta.Nonce != "nonce-1" {
			t.Fatalf("unexpected metadata %+v", meta)
		}
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.records) != 1 || !metrics.records[0].success {
		t.Fatalf("expected one success metric, got %+v", metrics.records)
	}
}

func TestRequireHMACAcceptsHexSignature(t *testing.T) {
	const secretName = "webhooks/carrier"
	now := time.Now().UTC().Truncate(time.Second)

	validator := NewHMACValidator(staticSecrets{secretName: "carrier-secret"}, NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/carrier", bytes.NewReader(body))
	ts := now.Format(time.RFC3339)
	sig := sign([]byte("carrier-secret"), canonicalRequest(req, body, ts, "nonce-hex"))
	req.Header.Set(headerSignature, hex.EncodeToString(sig))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerNonce, "nonce-hex")

	rr := httptest.NewRecorder()
	validator.RequireHMAC(secretName)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected hex signature to verify, got %d", rr.Code)
	}
}

func TestRequireHMACRejectsReplay(t *testing.T) {
	const secretName = "webhooks/carrier"
	now := time.Now().UTC().Truncate(time.Second)
	metrics := &captureMetrics{}

	validator := NewHMACValidator(staticSecrets{secretName: "carrier-secret"}, NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACClock(func() time.Time { return now }),
		WithHMACMetrics(metrics),
	)

	body := []byte(`{"status":"delivered"}`)
	handler := validator.RequireHMAC(secretName)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, signedRequest(http.MethodPost, "/api/v1/webhooks/carrier", body, "carrier-secret", "nonce-replay", now))
	if rr.Code != http.StatusOK {
		t.Fatalf("first delivery should pass, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, signedRequest(http.MethodPost, "/api/v1/webhooks/carrier", body, "carrier-secret", "nonce-replay", now))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replay should be rejected with 401, got %d", rr.Code)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	last := metrics.records[len(metrics.records)-1]
	if last.success || last.reason != "nonce_replay" {
		t.Fatalf("expected nonce_replay metric, got %+v", last)
	}
}

func TestRequireHMACRejectsTamperedBody(t *testing.T) {
	const secretName = "webhooks/carrier"
	now := time.Now().UTC().Truncate(time.Second)

	validator := NewHMACValidator(staticSecrets{secretName: "carrier-secret"}, NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	// Sign one body, deliver another.
	signed := signedRequest(http.MethodPost, "/api/v1/webhooks/carrier", []byte(`{"status":"in_transit"}`), "carrier-secret", "nonce-tamper", now)
	tampered := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/carrier", bytes.NewReader([]byte(`{"status":"delivered"}`)))
	tampered.Header = signed.Header

	rr := httptest.NewRecorder()
	validator.RequireHMAC(secretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run on signature mismatch")
	})).ServeHTTP(rr, tampered)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on mismatch, got %d", rr.Code)
	}
}

func TestRequireHMACRejectsMissingHeaders(t *testing.T) {
	const secretName = "webhooks/carrier"
	now := time.Now().UTC().Truncate(time.Second)

	validator := NewHMACValidator(staticSecrets{secretName: "carrier-secret"}, NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	strip := func(header string) *http.Request {
		req := signedRequest(http.MethodPost, "/api/v1/webhooks/carrier", []byte(`{}`), "carrier-secret", "nonce-h", now)
		req.Header.Del(header)
		return req
	}

	cases := []struct {
		name string
		req  *http.Request
	}{
		{"no signature", strip(headerSignature)},
		{"no timestamp", strip(headerTimestamp)},
		{"no nonce", strip(headerNonce)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			validator.RequireHMAC(secretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			})).ServeHTTP(rr, tc.req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}

func TestRequireHMACRejectsStaleTimestamp(t *testing.T) {
	const secretName = "webhooks/carrier"
	now := time.Now().UTC().Truncate(time.Second)

	validator := NewHMACValidator(staticSecrets{secretName: "carrier-secret"}, NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	req := signedRequest(http.MethodPost, "/api/v1/webhooks/carrier", []byte(`{}`), "carrier-secret", "nonce-old", now.Add(-10*time.Minute))

	rr := httptest.NewRecorder()
	validator.RequireHMAC(secretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run for a stale timestamp")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on skew, got %d", rr.Code)
	}
}

func TestRequireHMACSecretLookupFailure(t *testing.T) {
	validator := NewHMACValidator(SecretProviderFunc(func(context.Context, string) (string, error) {
		return "", fmt.Errorf("secret backend down")
	}), NewInMemoryNonceStore(),
		WithHMACLogger(quietLogger{}),
	)

	rr := httptest.NewRecorder()
	validator.RequireHMAC("webhooks/carrier")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without a secret")
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/carrier", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the secret cannot be resolved, got %d", rr.Code)
	}
}

func TestInMemoryNonceStoreExpiry(t *testing.T) {
	store := NewInMemoryNonceStore()
	ctx := context.Background()

	claimed, err := store.UseNonce(ctx, "scope", "n1", time.Now().Add(50*time.Millisecond))
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}

	claimed, err = store.UseNonce(ctx, "scope", "n1", time.Now().Add(time.Minute))
	if err != nil || claimed {
		t.Fatalf("duplicate claim should fail: claimed=%v err=%v", claimed, err)
	}

	// A different scope may reuse the same nonce value.
	claimed, err = store.UseNonce(ctx, "other", "n1", time.Now().Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("cross-scope claim: claimed=%v err=%v", claimed, err)
	}

	time.Sleep(60 * time.Millisecond)
	claimed, err = store.UseNonce(ctx, "scope", "n1", time.Now().Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("claim after expiry: claimed=%v err=%v", claimed, err)
	}
}
