package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Signature-Timestamp"
	headerNonce     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// Logger is the minimal logging contract the auth package depends on.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder receives the outcome of each signature verification.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a plain function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// SecretProvider resolves the shared secret a signed caller was provisioned with.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore remembers nonces so a captured request cannot be replayed.
type NonceStore interface {
	// UseNonce claims the nonce within the scope until expiry. It returns false
	// when the nonce was already claimed.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps claimed nonces in process memory. It is meant for
// tests and single-instance deployments; anything load balanced needs a shared
// store.
type InMemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewInMemoryNonceStore constructs an empty store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{seen: make(map[string]time.Time)}
}

// UseNonce claims the nonce until expiry, rejecting duplicates while the claim
// is live. Expired claims are evicted lazily on each call.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.evictLocked(now)

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	key := scope + "::" + nonce
	if live, ok := s.seen[key]; ok && live.After(now) {
		return false, nil
	}

	s.seen[key] = expiry
	return true, nil
}

func (s *InMemoryNonceStore) evictLocked(now time.Time) {
	for key, expiry := range s.seen {
		if expiry.Before(now) {
			delete(s.seen, key)
		}
	}
}

// HMACValidator authenticates machine callers (carrier webhooks, internal
// services) that sign each request with a shared secret.
type HMACValidator struct {
	secrets SecretProvider
	nonces  NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	sigHeader   string
	tsHeader    string
	nonceHeader string

	clockSkew time.Duration
	nonceTTL  time.Duration

	// resolved secrets, keyed by name; secrets rotate by restart
	cache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator from a secret provider and a nonce store.
func NewHMACValidator(secrets SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secrets:     secrets,
		nonces:      nonces,
		logger:      log.Default(),
		now:         time.Now,
		sigHeader:   headerSignature,
		tsHeader:    headerTimestamp,
		nonceHeader: headerNonce,
		clockSkew:   defaultClockSkew,
		nonceTTL:    defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics attaches a verification metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a clock for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders renames the signature, timestamp, and nonce headers.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.sigHeader = signature
		}
		if timestamp != "" {
			v.tsHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew widens or narrows the accepted timestamp window.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL adjusts how long claimed nonces stay reserved.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// HMACMetadata records how a request was verified, for downstream handlers.
type HMACMetadata struct {
	SecretName   string
	Timestamp    time.Time
	Nonce        string
	Signature    []byte
	RawSignature string
}

type hmacContextKey struct{}

// WithHMACMetadata stores verification metadata on the context.
func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

// HMACMetadataFromContext returns metadata stored by the middleware.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// hmacDenial is the terminal outcome of a failed verification step.
type hmacDenial struct {
	status  int
	code    string
	message string
	reason  string
}

func deny(status int, code, message, reason string) *hmacDenial {
	return &hmacDenial{status: status, code: code, message: message, reason: reason}
}

func unavailable(message, reason string) *hmacDenial {
	return deny(http.StatusServiceUnavailable, "verification_unavailable", message, reason)
}

// RequireHMAC rejects any request that does not carry a valid signature over
// the canonical request computed with the named secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			meta, denial := v.verify(ctx, r, secretName)
			if denial != nil {
				v.record(ctx, false, denial.reason, start)
				respondAuthError(w, denial.status, denial.code, denial.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(ctx, meta)))
		})
	}
}

// verify walks the checks in order and stops at the first failure. The
// request body is consumed and replaced so handlers can still read it.
func (v *HMACValidator) verify(ctx context.Context, r *http.Request, secretName string) (*HMACMetadata, *hmacDenial) {
	if secretName == "" {
		return nil, unavailable("hmac secret not configured", "secret_not_configured")
	}

	secret, err := v.secretFor(ctx, secretName)
	if err != nil {
		v.logf("auth: hmac secret lookup failed: %v", err)
		return nil, unavailable("hmac secret unavailable", "secret_unavailable")
	}

	rawSig := strings.TrimSpace(r.Header.Get(v.sigHeader))
	if rawSig == "" {
		return nil, deny(http.StatusUnauthorized, "signature_missing", "signature header missing", "signature_missing")
	}

	rawTS := strings.TrimSpace(r.Header.Get(v.tsHeader))
	if rawTS == "" {
		return nil, deny(http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing", "timestamp_missing")
	}

	ts, err := parseSignedTimestamp(rawTS)
	if err != nil {
		return nil, deny(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid", "timestamp_invalid")
	}

	if drift := v.now().Sub(ts); drift > v.clockSkew || drift < -v.clockSkew {
		return nil, deny(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", "timestamp_skew")
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, deny(http.StatusUnauthorized, "nonce_missing", "signature nonce missing", "nonce_missing")
	}

	body, err := snapshotBody(r)
	if err != nil {
		return nil, deny(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", "body_unreadable")
	}

	sig, err := parseSignature(rawSig)
	if err != nil {
		return nil, deny(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", "signature_invalid")
	}

	if !hmac.Equal(sig, sign(secret, canonicalRequest(r, body, rawTS, nonce))) {
		return nil, deny(http.StatusUnauthorized, "signature_mismatch", "signature verification failed", "signature_mismatch")
	}

	if v.nonces == nil {
		return nil, unavailable("nonce store unavailable", "nonce_store_unavailable")
	}

	// Reserve until the signer's timestamp ages out of the replay window,
	// but never for less than a full TTL from now.
	expiry := ts.Add(v.nonceTTL)
	if expiry.Before(v.now()) {
		expiry = v.now().Add(v.nonceTTL)
	}

	claimed, err := v.nonces.UseNonce(ctx, secretName, nonce, expiry)
	if err != nil {
		v.logf("auth: nonce store error: %v", err)
		return nil, unavailable("nonce storage error", "nonce_store_error")
	}
	if !claimed {
		return nil, deny(http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce", "nonce_replay")
	}

	return &HMACMetadata{
		SecretName:   secretName,
		Timestamp:    ts,
		Nonce:        nonce,
		Signature:    sig,
		RawSignature: rawSig,
	}, nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func (v *HMACValidator) logf(format string, args ...any) {
	if v != nil && v.logger != nil {
		v.logger.Printf(format, args...)
	}
}

func (v *HMACValidator) secretFor(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.secrets == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.cache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.secrets.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, errors.New("auth: secret is empty")
	}

	secret := []byte(raw)
	v.cache.Store(name, secret)
	return secret, nil
}

// snapshotBody drains the request body and replaces it with a rewindable copy.
func snapshotBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// parseSignature accepts base64 or hex encoded signatures. A 64-character hex
// string is also valid base64 (it would decode to 48 garbage bytes), so the
// hex decode is tried first when the length matches a SHA-256 digest.
func parseSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if len(value) == hex.EncodedLen(sha256.Size) {
		if sig, err := hex.DecodeString(value); err == nil {
			return sig, nil
		}
	}
	if sig, err := base64.StdEncoding.DecodeString(value); err == nil {
		return sig, nil
	}
	if sig, err := hex.DecodeString(value); err == nil {
		return sig, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignedTimestamp accepts RFC 3339 (with or without sub-second precision)
// or unix seconds.
func parseSignedTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// canonicalRequest is the string both sides sign:
// METHOD, escaped path, timestamp, nonce, and the hex SHA-256 of the body,
// joined with newlines.
func canonicalRequest(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	bodyHash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(bodyHash[:]),
	}, "\n"))
}

func sign(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}
