// Package config loads runtime configuration from the environment, with a
// dotenv file for local development and secret:// indirection for values that
// live in Secret Manager.
package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultRateLimitDefault      = 120
	defaultRateLimitAuth         = 240
	defaultRateLimitWebhookBurst = 60
	defaultSecurityEnvironment   = "local"
	defaultCurrency              = "usd"
	defaultHMACSignatureHeader   = "X-Signature"
	defaultHMACTimestampHeader   = "X-Signature-Timestamp"
	defaultHMACNonceHeader       = "X-Signature-Nonce"
	defaultHMACClockSkew         = 5 * time.Minute
	defaultHMACNonceTTL          = 5 * time.Minute
	defaultIdempotencyHeader     = "Idempotency-Key"
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyInterval   = time.Hour
	defaultIdempotencyBatchSize  = 200
)

// Config is the full runtime configuration, grouped by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	PSP         PSPConfig
	Checkout    CheckoutConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig holds Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig holds database settings.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the outbound messaging topics.
type PubSubConfig struct {
	ProjectID          string
	NotificationsTopic string
}

// PSPConfig holds payment provider credentials.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
}

// CheckoutConfig holds storefront checkout settings.
type CheckoutConfig struct {
	Currency string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
	WebhookBurst           int
}

// SecurityConfig groups machine-to-machine authentication settings.
type SecurityConfig struct {
	Environment string
	HMAC        HMACConfig
}

// HMACConfig describes the webhook signing scheme.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls the idempotency middleware and its cleanup job.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver turns secret:// references into their values.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists required fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the missing or invalid field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError reports a failure resolving one secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to nothing.
// Error output carries redacted identifiers only.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	names := e.RedactedNames()
	if len(names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns the sorted, redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the sorted plain secret identifiers, for logs that are
// already access-controlled.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the dotenv path. An empty path disables the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that win over every other source.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secrets as mandatory, named by config field path
// (for example "PSP.StripeAPIKey" or "Security.HMAC.Secrets[carrier]").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic instead of returning when a
// required secret is absent. Used at startup where continuing is unsafe.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

func applyOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// env is the merged key/value view Load reads from.
type env map[string]string

// EnvironmentValues returns the merged environment with the same precedence
// Load uses: dotenv file < process environment < explicit map. Callers use it
// to bootstrap dependencies (like the secret fetcher) before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := applyOptions(opts)

	fromFile, err := parseDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(fromFile)+len(options.envMap))
	for key, value := range fromFile {
		merged[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				merged[strings.TrimSpace(key)] = value
			}
		}
	}
	for key, value := range options.envMap {
		merged[key] = value
	}
	return merged, nil
}

// Load builds the configuration from defaults, the merged environment, and
// secret resolution, then validates it.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := applyOptions(opts)
	if options.secret == nil {
		options.secret = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		})
	}

	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	e := env(values)

	cfg := Config{
		Server: ServerConfig{
			Port:         e.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  e.dur("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: e.dur("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  e.dur("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       e.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: e.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    e.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: e.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:          e.str("API_PUBSUB_PROJECT_ID", ""),
			NotificationsTopic: e.str("API_PUBSUB_NOTIFICATIONS_TOPIC", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:        e.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: e.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
		},
		Checkout: CheckoutConfig{
			Currency: strings.ToLower(e.str("API_CHECKOUT_CURRENCY", defaultCurrency)),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       e.num("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: e.num("API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
			WebhookBurst:           e.num("API_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhookBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(e.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			HMAC: HMACConfig{
				Secrets:         e.kv("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: e.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: e.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     e.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       e.dur("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        e.dur("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           e.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              e.dur("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  e.dur("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: e.num("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Firestore and Pub/Sub inherit the Firebase project unless set explicitly.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	resolved := map[string]string{}
	resolve := func(name string, field *string) error {
		value, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = value
		resolved[name] = strings.TrimSpace(value)
		return nil
	}

	if err := resolve("PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey); err != nil {
		return Config{}, err
	}
	if err := resolve("PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret); err != nil {
		return Config{}, err
	}
	for key := range cfg.Security.HMAC.Secrets {
		value := cfg.Security.HMAC.Secrets[key]
		if err := resolve(fmt.Sprintf("Security.HMAC.Secrets[%s]", key), &value); err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = value
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	if missing := missingRequiredSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func (e env) str(key, fallback string) string {
	if value := e[key]; value != "" {
		return value
	}
	return fallback
}

func (e env) dur(key string, fallback time.Duration) time.Duration {
	if value := e[key]; value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (e env) num(key string, fallback int) int {
	if value := e[key]; value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// kv parses "name=value,name=value" lists. Names are lowercased; malformed
// entries are skipped.
func (e env) kv(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(e[key], ",") {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref, ok := secretReference(value)
	if !ok {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

// secretReference reports whether the value is a secret reference and
// normalises the legacy sm:// scheme to secret://.
func secretReference(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest, true
	}
	if strings.HasPrefix(trimmed, "secret://") {
		return trimmed, true
	}
	return "", false
}

func validate(cfg Config) error {
	var missing []string
	require := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	require(strings.TrimSpace(cfg.Checkout.Currency) != "", "Checkout.Currency")
	require(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	require(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func missingRequiredSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []missingSecret
	seen := map[string]struct{}{}
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, missingSecret{name: name, redacted: redactSecretName(name)})
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

// redactSecretName hashes identifiers so error text never leaks which
// secrets exist.
func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// parseDotEnv reads KEY=VALUE lines. Comments, blanks, and an optional
// "export " prefix are tolerated; values may be single or double quoted.
// A missing file is not an error.
func parseDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
