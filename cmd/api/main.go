package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/saddleworth/api/internal/di"
	"github.com/saddleworth/api/internal/platform/config"
	"github.com/saddleworth/api/internal/platform/observability"
	"github.com/saddleworth/api/internal/platform/secrets"
	"github.com/saddleworth/api/internal/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = baseLogger.Sync() }()
	logger := baseLogger.Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if cerr := fetcher.Close(); cerr != nil {
			logger.Warn("secret fetcher close error", zap.Error(cerr))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	container, err := di.NewContainer(ctx, di.ContainerDeps{
		Config: cfg,
		Logger: logger,
		Build:  resolveBuildInfo(envValues, cfg, startedAt),
	})
	if err != nil {
		return fmt.Errorf("assemble dependencies: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := container.Close(closeCtx); cerr != nil {
			logger.Warn("container close error", zap.Error(cerr))
		}
	}()

	stopJanitor := startIdempotencyJanitor(logger, cfg, container)
	defer stopJanitor()

	return serve(ctx, logger, cfg, container.Router)
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests before returning.
func serve(ctx context.Context, logger *zap.Logger, cfg config.Config, handler http.Handler) error {
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Named("http").Info("storefront api listening", zap.String("addr", server.Addr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received; draining requests")
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// startIdempotencyJanitor periodically removes expired idempotency records.
// The returned stop function blocks until the janitor goroutine exits.
func startIdempotencyJanitor(logger *zap.Logger, cfg config.Config, container *di.Container) func() {
	if container.IdempotencyStore == nil || cfg.Idempotency.CleanupInterval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(cfg.Idempotency.CleanupInterval)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		janitorLogger := logger.Named("idempotency")
		for {
			select {
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				removed, err := container.IdempotencyStore.CleanupExpired(sweepCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
				cancel()
				switch {
				case err != nil:
					janitorLogger.Error("idempotency cleanup error", zap.Error(err))
				case removed > 0:
					janitorLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		wg.Wait()
	}
}

func resolveBuildInfo(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	pick := func(value, fallback string) string {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
		return fallback
	}
	return services.BuildInfo{
		Version:     pick(env["API_BUILD_VERSION"], "dev"),
		CommitSHA:   pick(env["API_BUILD_COMMIT_SHA"], "unknown"),
		Environment: pick(cfg.Security.Environment, "local"),
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string { return strings.TrimSpace(env[key]) }

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projects := secretProjectMap(env["API_SECRET_PROJECT_IDS"]); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(env["API_SECRET_VERSION_PINS"]); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the configuration fields that must resolve to a
// secret value before the server may start. Each configured HMAC key adds one
// entry of its own.
func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}
	for _, pair := range splitPairs(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", strings.ToLower(pair[0])))
	}
	slices.Sort(required)
	return slices.Compact(required)
}

func secretProjectMap(raw string) map[string]string {
	projects := make(map[string]string)
	for _, pair := range splitPairs(raw) {
		projects[strings.ToLower(pair[0])] = pair[1]
	}
	return projects
}

// secretVersionPins parses "ref=version" pairs. References may carry an
// environment prefix ("prod:name") and either the secret:// or legacy sm://
// scheme; pins are stored with the canonical scheme so lookups match.
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for _, pair := range splitPairs(raw) {
		ref, version := pair[0], pair[1]

		var prefix string
		if label, rest, ok := strings.Cut(ref, ":"); ok && label != "" && !strings.HasPrefix(rest, "//") {
			prefix = strings.ToLower(strings.TrimSpace(label)) + ":"
			ref = strings.TrimSpace(rest)
		}
		if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
			ref = "secret://" + rest
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

// splitPairs parses a comma-separated "key=value" list, dropping malformed or
// empty entries.
func splitPairs(raw string) [][2]string {
	var pairs [][2]string
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs
}
