package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/saddleworth/api/internal/platform/auth"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	anonymousCaller   = "anonymous"
)

// Logger is the logging contract used for persistence failures.
type Logger interface {
	Printf(format string, args ...any)
}

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	methods    map[string]struct{}
	clock      func() time.Time
	logger     Logger
}

// MiddlewareOption customises the middleware.
type MiddlewareOption func(*middlewareConfig)

// WithHeader renames the key header.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL sets how long completed responses stay replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMethods limits which HTTP methods the middleware guards.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if len(methods) == 0 {
			return
		}
		cfg.methods = make(map[string]struct{}, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				cfg.methods[method] = struct{}{}
			}
		}
	}
}

// WithLogger injects a logger for store failures.
func WithLogger(logger Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.logger = logger
	}
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

func mutatingMethods() map[string]struct{} {
	return map[string]struct{}{
		http.MethodPost:   {},
		http.MethodPut:    {},
		http.MethodPatch:  {},
		http.MethodDelete: {},
	}
}

// Middleware makes mutating requests idempotent: the first request with a
// key runs and its response is stored; retries replay that response; a
// concurrent duplicate is rejected with 409.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		methods:    mutatingMethods(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.ttl <= 0 {
		cfg.ttl = DefaultTTL
	}
	if len(cfg.methods) == 0 {
		cfg.methods = mutatingMethods()
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, guarded := cfg.methods[r.Method]; !guarded {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" {
				respondError(w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				respondError(w, http.StatusInternalServerError, "idempotency_read_body_failed", "unable to read request body")
				return
			}

			caller := callerID(r.Context())
			fingerprint := requestFingerprint(r, body, caller)
			storeKey := scopeKey(key, caller)
			now := cfg.clock().UTC()

			reservation, err := store.Reserve(r.Context(), storeKey, fingerprint, now, cfg.ttl)
			if err != nil {
				respondStoreError(w, cfg.logger, err)
				return
			}

			switch reservation.State {
			case ReservationStateNew:
				// first time through; run the handler below
			case ReservationStateCompleted:
				replayResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				respondError(w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
				return
			default:
				respondError(w, http.StatusInternalServerError, "idempotency_unknown_state", "unexpected idempotency state")
				return
			}

			buffered := newBufferedWriter(w)
			next.ServeHTTP(buffered, r)

			captured := Response{
				Status:  buffered.status(),
				Headers: buffered.headerSnapshot(),
				Body:    buffered.bodyBytes(),
			}

			// The response reaches the client only after it is stored;
			// otherwise a retry could re-run a committed operation.
			if err := store.SaveResponse(r.Context(), storeKey, fingerprint, captured, cfg.clock().UTC(), cfg.ttl); err != nil {
				logf(cfg.logger, "idempotency: persist response for key %s (caller %s): %v", key, caller, err)
				if releaseErr := store.Release(r.Context(), storeKey, fingerprint); releaseErr != nil {
					logf(cfg.logger, "idempotency: release key %s after save failure: %v", key, releaseErr)
				}
				respondError(w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
				return
			}

			if err := buffered.flush(); err != nil {
				logf(cfg.logger, "idempotency: flush response for key %s: %v", key, err)
			}
		})
	}
}

func logf(logger Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// bufferBody drains the request body and replaces it with a rewindable copy.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint binds the stored response to the exact request shape so
// a key reused with a different payload is rejected.
func requestFingerprint(r *http.Request, body []byte, caller string) string {
	parts := []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		caller,
	}
	if len(body) > 0 {
		parts = append(parts, fingerprintOf(body))
	} else {
		parts = append(parts, "")
	}
	return fingerprintOf([]byte(strings.Join(parts, "|")))
}

// callerID scopes keys per caller: end users by Firebase UID, signed machine
// callers by the HMAC secret they verified against.
func callerID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	if meta, ok := auth.HMACMetadataFromContext(ctx); ok && meta.SecretName != "" {
		return meta.SecretName
	}
	return anonymousCaller
}

func scopeKey(key, caller string) string {
	key = strings.TrimSpace(key)
	caller = strings.TrimSpace(caller)
	if caller == "" {
		caller = anonymousCaller
	}
	if key == "" {
		return caller
	}
	return key + "|" + caller
}

func respondStoreError(w http.ResponseWriter, logger Logger, err error) {
	if errors.Is(err, ErrFingerprintMismatch) {
		respondError(w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	}
	logf(logger, "idempotency: store error: %v", err)
	respondError(w, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
}

func replayResponse(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name := range header {
		header.Del(name)
	}
	for name, values := range replayHeaders(record.ResponseHeaders) {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	header.Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
	})
}

// bufferedWriter holds the handler's response until the middleware decides
// whether it can be released to the client.
type bufferedWriter struct {
	dst    http.ResponseWriter
	header http.Header
	code   int
	body   bytes.Buffer
}

func newBufferedWriter(dst http.ResponseWriter) *bufferedWriter {
	return &bufferedWriter{dst: dst, header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

func (b *bufferedWriter) WriteHeader(status int) {
	if status <= 0 {
		status = http.StatusOK
	}
	b.code = status
}

func (b *bufferedWriter) Write(data []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *bufferedWriter) status() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedWriter) bodyBytes() []byte {
	if b.body.Len() == 0 {
		return nil
	}
	return b.body.Bytes()
}

func (b *bufferedWriter) headerSnapshot() http.Header {
	snapshot := make(http.Header, len(b.header))
	for name, values := range b.header {
		snapshot[name] = append([]string(nil), values...)
	}
	return snapshot
}

func (b *bufferedWriter) flush() error {
	dst := b.dst.Header()
	for name := range dst {
		dst.Del(name)
	}
	for name, values := range b.header {
		for _, value := range values {
			dst.Add(name, value)
		}
	}

	b.dst.WriteHeader(b.status())
	if b.body.Len() == 0 {
		return nil
	}
	_, err := b.dst.Write(b.body.Bytes())
	return err
}
