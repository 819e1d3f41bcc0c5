// Package secrets resolves secret:// references against Google Secret
// Manager, with an in-process cache and a local dotenv-style fallback file
// for development.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultVersion      = "latest"
	meterScope          = "github.com/saddleworth/api/internal/platform/secrets"
)

// secretManagerClientFactory is swapped out in tests to simulate environments
// without credentials.
var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// secretManagerClient is the slice of the Secret Manager API the fetcher uses.
type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references. Values are cached per reference and
// version until Invalidate is called; when Secret Manager is unreachable or
// denies access, the fallback file supplies values instead.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env          string
	defaultProj  string
	projectByEnv map[string]string
	versionPins  map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu       sync.RWMutex
	cache    map[string]string
	watchers map[string]map[chan struct{}]struct{}

	fetchLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
}

type fetcherConfig struct {
	logger      *zap.Logger
	env         string
	defaultProj string
	projectMap  map[string]string
	fallback    string
	meter       metric.Meter
	client      secretManagerClient
	clientOpts  []option.ClientOption
	versionPins map[string]string
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment selects the environment key used when mapping references
// to project IDs and version pins.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when no per-environment mapping
// or reference override applies.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.defaultProj = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies per-environment project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.projectMap = cloneMap(m) }
}

// WithFallbackFile overrides the path of the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallback = strings.TrimSpace(path) }
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a preconfigured client, primarily for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards Cloud client options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithVersionPins pins versions per canonical reference. Keys may optionally
/// be prefixed with "env:" to scope a pin to one environment.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.versionPins = cloneMap(pins) }
}

// NewFetcher builds a Fetcher. When no client is injected and the Secret
// Manager client cannot be constructed (for example, no credentials in local
// development), the fetcher still works in fallback-only mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:      zap.NewNop(),
		env:         strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallback:    defaultFallbackPath,
		projectMap:  map[string]string{},
		versionPins: map[string]string{},
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterScope)
	}

	f := &Fetcher{
		logger:       cfg.logger,
		env:          cfg.env,
		defaultProj:  cfg.defaultProj,
		projectByEnv: cloneMap(cfg.projectMap),
		versionPins:  cloneMap(cfg.versionPins),
		fallbackPath: cfg.fallback,
		cache:        make(map[string]string),
		watchers:     make(map[string]map[chan struct{}]struct{}),
	}

	var err error
	f.fetchLatency, err = meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
		f.fetchLatency = nil
	}
	f.cacheHits, err = meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
		f.cacheHits = nil
	}

	if cfg.client != nil {
		f.client = cfg.client
	} else if client, dialErr := secretManagerClientFactory(ctx, cfg.clientOpts...); dialErr != nil {
		cfg.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(dialErr))
	} else {
		f.client = client
		f.ownsClient = true
	}

	return f, nil
}

// Close drops all watchers and releases the client if the fetcher owns it.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	for canonical, set := range f.watchers {
		delete(f.watchers, canonical)
		for ch := range set {
			close(ch)
		}
	}
	f.mu.Unlock()

	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value for a secret:// reference, consulting the cache
// first, then Secret Manager, then the fallback file.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}

	version := f.pinnedVersion(ref)
	key := refKey(ref.canonical, version)

	f.mu.RLock()
	cached, hit := f.cache[key]
	f.mu.RUnlock()
	if hit {
		f.countCacheHit(ctx, ref.canonical)
		f.observe(ctx, start, "cache", nil)
		return cached, nil
	}

	if project := f.projectFor(ref); project != "" && f.client != nil {
		value, fetchErr := f.fetchRemote(ctx, project, ref.name, version)
		if fetchErr == nil {
			f.store(key, value)
			f.observe(ctx, start, "remote", nil)
			return value, nil
		}
		if !shouldFallBack(fetchErr) {
			f.observe(ctx, start, "error", fetchErr)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.canonical, fetchErr)
		}
		f.logger.Debug("secrets: using fallback file", zap.String("ref", ref.canonical), zap.Error(fetchErr))
	}

	value, ok := f.fallbackValue(ref, version)
	if !ok {
		err := fmt.Errorf("secrets: no fallback value for %s", ref.canonical)
		f.observe(ctx, start, "error", err)
		return "", err
	}
	f.store(key, value)
	f.observe(ctx, start, "fallback", nil)
	return value, nil
}

// Invalidate drops every cached version of the reference and notifies
// subscribers so they can re-resolve. Used on secret rotation.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := parseReference(raw)
	if err != nil {
		return
	}

	prefix := ref.canonical + "#"
	f.mu.Lock()
	for key := range f.cache {
		if strings.HasPrefix(key, prefix) {
			delete(f.cache, key)
		}
	}
	set := f.watchers[ref.canonical]
	f.mu.Unlock()

	for ch := range set {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers for invalidation notifications on the reference. The
// returned cancel func must be called to release the watcher.
func (f *Fetcher) Subscribe(raw string) (<-chan struct{}, func()) {
	ref, err := parseReference(raw)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}

	ch := make(chan struct{}, 1)
	f.mu.Lock()
	set := f.watchers[ref.canonical]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		f.watchers[ref.canonical] = set
	}
	set[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if set, ok := f.watchers[ref.canonical]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(f.watchers, ref.canonical)
			}
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) projectFor(ref secretRef) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projectByEnv[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.defaultProj)
}

func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.version != "" {
		return ref.version
	}
	for _, key := range []string{f.env + ":" + ref.canonical, ref.canonical} {
		if pin := strings.TrimSpace(f.versionPins[key]); pin != "" {
			return pin
		}
	}
	return defaultVersion
}

func (f *Fetcher) fallbackValue(ref secretRef, version string) (string, bool) {
	f.fallbackOnce.Do(f.loadFallback)
	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback file unreadable", zap.Error(f.fallbackErr))
		return "", false
	}
	if value, ok := f.fallback[refKey(ref.canonical, version)]; ok {
		return value, true
	}
	value, ok := f.fallback[ref.canonical]
	return value, ok
}

// loadFallback parses the fallback file once. Lines are KEY=VALUE; keys that
// parse as secret references are indexed by canonical form and version,
// everything else verbatim. "#" starts a comment.
func (f *Fetcher) loadFallback() {
	f.fallback = map[string]string{}

	path := strings.TrimSpace(f.fallbackPath)
	if path == "" {
		return
	}
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = fmt.Errorf("secrets: open fallback file %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rawKey, rawValue, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key := normalizeFallbackKey(rawKey)
		value := strings.TrimSpace(rawValue)
		if key == "" {
			continue
		}
		if ref, err := parseReference(key); err == nil {
			version := ref.version
			if version == "" {
				version = defaultVersion
			}
			f.fallback[ref.canonical] = value
			f.fallback[refKey(ref.canonical, version)] = value
		} else {
			f.fallback[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: read fallback file %s: %w", path, err)
	}
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string, err error) {
	if f.fetchLatency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	f.fetchLatency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (f *Fetcher) countCacheHit(ctx context.Context, canonical string) {
	if f.cacheHits == nil {
		return
	}
	f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(canonical))))
}

// secretRef is a parsed secret://name?version=N&project=P reference.
type secretRef struct {
	canonical string
	name      string
	version   string
	project   string
}

func parseReference(raw string) (secretRef, error) {
	if strings.TrimSpace(raw) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()
	return secretRef{
		canonical: canonical.String(),
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func refKey(canonical, version string) string {
	return canonical + "#" + version
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// maskReference keeps secret names out of metric labels.
func maskReference(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// shouldFallBack reports whether the Secret Manager error indicates the
// service (or our access to it) is unavailable rather than the secret being
// genuinely absent. NotFound must surface to the caller.
func shouldFallBack(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// normalizeFallbackKey accepts sm:// as an alias for secret:// so fallback
// files copied from gcloud tooling keep working.
func normalizeFallbackKey(key string) string {
	key = strings.TrimSpace(key)
	if rest, ok := strings.CutPrefix(key, "sm://"); ok {
		return "secret://" + rest
	}
	return key
}
