package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/saddleworth/api/internal/handlers"
	"github.com/saddleworth/api/internal/payments"
	"github.com/saddleworth/api/internal/platform/auth"
	"github.com/saddleworth/api/internal/platform/config"
	pfirestore "github.com/saddleworth/api/internal/platform/firestore"
	"github.com/saddleworth/api/internal/platform/idempotency"
	"github.com/saddleworth/api/internal/platform/jobs"
	"github.com/saddleworth/api/internal/platform/observability"
	"github.com/saddleworth/api/internal/repositories"
	firestoreRepo "github.com/saddleworth/api/internal/repositories/firestore"
	"github.com/saddleworth/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Catalog       services.CatalogService
	Carts         services.CartService
	Checkout      services.CheckoutService
	Orders        services.OrderService
	Reconciler    services.PaymentReconciler
	Notifications services.NotificationDispatcher
	System        services.SystemService
}

// ContainerDeps carries the inputs for NewContainer. Only Config is required;
// the remaining fields override production collaborators, primarily for tests.
type ContainerDeps struct {
	Config config.Config
	Logger *zap.Logger
	Build  services.BuildInfo

	Registry         repositories.Registry
	TokenVerifier    auth.TokenVerifier
	UserGetter       auth.UserGetter
	Publisher        services.NotificationPublisher
	IdempotencyStore idempotency.Store
	Clock            func() time.Time
}

// Container wires repositories, services, and the HTTP surface for runtime use.
type Container struct {
	Config           config.Config
	Logger           *zap.Logger
	Registry         repositories.Registry
	Services         Services
	Authenticator    *auth.Authenticator
	HMAC             *auth.HMACValidator
	Payments         *payments.Manager
	WebhookVerifier  *payments.StripeWebhookVerifier
	IdempotencyStore idempotency.Store
	Router           http.Handler

	closers []func(context.Context) error
}

// NewContainer assembles the runtime dependency graph from configuration.
func NewContainer(ctx context.Context, deps ContainerDeps) (*Container, error) {
	if ctx == nil {
		return nil, errors.New("di: context is required")
	}

	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &Container{Config: cfg, Logger: logger}

	registry := deps.Registry
	idemStore := deps.IdempotencyStore
	if registry == nil {
		provider := pfirestore.NewProvider(cfg.Firestore)
		client, err := provider.Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("di: firestore client: %w", err)
		}
		c.closers = append(c.closers, provider.Close)

		checks := []repositories.DependencyCheck{{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				_, err := client.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		}}

		var publisher services.NotificationPublisher
		if deps.Publisher != nil {
			publisher = deps.Publisher
		} else if cfg.PubSub.ProjectID != "" && cfg.PubSub.NotificationsTopic != "" {
			psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
			if err != nil {
				return nil, fmt.Errorf("di: pubsub client: %w", err)
			}
			topic := psClient.Topic(cfg.PubSub.NotificationsTopic)
			c.closers = append(c.closers, func(context.Context) error {
				topic.Stop()
				return psClient.Close()
			})
			publisher, err = jobs.NewPubSubNotificationPublisher(topic)
			if err != nil {
				return nil, fmt.Errorf("di: notification publisher: %w", err)
			}
			checks = append(checks, repositories.DependencyCheck{
				Name: "pubsub",
				Check: func(ctx context.Context) error {
					ok, err := topic.Exists(ctx)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("topic %s does not exist", cfg.PubSub.NotificationsTopic)
					}
					return nil
				},
			})
		}
		deps.Publisher = publisher

		health, err := repositories.NewDependencyHealthRepository(checks)
		if err != nil {
			return nil, fmt.Errorf("di: health repository: %w", err)
		}

		registry, err = firestoreRepo.NewRegistry(firestoreRepo.RegistryDeps{
			Provider: provider,
			Health:   health,
		})
		if err != nil {
			return nil, fmt.Errorf("di: repository registry: %w", err)
		}

		if idemStore == nil {
			idemStore = idempotency.NewFirestoreStore(client)
		}
	}
	c.Registry = registry
	c.IdempotencyStore = idemStore

	manager, err := buildPaymentManager(cfg, logger, clock)
	if err != nil {
		return nil, err
	}
	c.Payments = manager

	svc, err := buildServices(registry, cfg, logger, clock, manager, deps)
	if err != nil {
		return nil, err
	}
	c.Services = svc

	// Cash-on-delivery checkout still works without a PSP configured.
	checkoutDeps := services.CheckoutServiceDeps{
		Carts:    registry.Carts(),
		Orders:   svc.Orders,
		Currency: cfg.Checkout.Currency,
		Clock:    clock,
		Logger:   eventLogger(logger.Named("checkout")),
	}
	if manager != nil {
		checkoutDeps.Payments = manager
	}
	checkout, err := services.NewCheckoutService(checkoutDeps)
	if err != nil {
		return nil, fmt.Errorf("di: checkout service: %w", err)
	}
	c.Services.Checkout = checkout

	if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
		verifier, err := payments.NewStripeWebhookVerifier(secret)
		if err != nil {
			return nil, fmt.Errorf("di: stripe webhook verifier: %w", err)
		}
		c.WebhookVerifier = verifier
	}

	verifier := deps.TokenVerifier
	userGetter := deps.UserGetter
	if verifier == nil && cfg.Firebase.ProjectID != "" {
		fv, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return nil, fmt.Errorf("di: firebase verifier: %w", err)
		}
		verifier = fv
		if userGetter == nil {
			userGetter = fv
		}
	}
	if verifier != nil {
		opts := []auth.Option{}
		if userGetter != nil {
			opts = append(opts, auth.WithUserGetter(userGetter))
		}
		c.Authenticator = auth.NewAuthenticator(verifier, opts...)
	}

	c.HMAC = buildHMACValidator(cfg, logger.Named("auth"))

	c.Router = buildRouter(c, cfg, logger)
	return c, nil
}

// Close releases resources such as repository clients and message publishers.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.Registry != nil {
		if err := c.Registry.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildServices(registry repositories.Registry, cfg config.Config, logger *zap.Logger, clock func() time.Time, manager *payments.Manager, deps ContainerDeps) (Services, error) {
	var svc Services

	var notifications services.NotificationDispatcher
	if deps.Publisher != nil {
		dispatcher, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
			Publisher: deps.Publisher,
			Clock:     clock,
			Logger:    eventLogger(logger.Named("notifications")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("di: notification dispatcher: %w", err)
		}
		notifications = dispatcher
	}
	svc.Notifications = notifications

	catalog, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products: registry.Products(),
		Clock:    clock,
		Logger:   eventLogger(logger.Named("catalog")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("di: catalog service: %w", err)
	}
	svc.Catalog = catalog

	carts, err := services.NewCartService(services.CartServiceDeps{
		Carts:    registry.Carts(),
		Products: registry.Products(),
		Clock:    clock,
		Logger:   eventLogger(logger.Named("cart")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("di: cart service: %w", err)
	}
	svc.Carts = carts

	orderDeps := services.OrderServiceDeps{
		Orders:        registry.Orders(),
		Products:      registry.Products(),
		Counters:      registry.Counters(),
		UnitOfWork:    registry,
		Notifications: notifications,
		Clock:         clock,
		Logger:        eventLogger(logger.Named("orders")),
	}
	// Cancellations of captured card payments trigger a PSP refund request.
	if manager != nil {
		orderDeps.Refunds = manager
	}
	orders, err := services.NewOrderService(orderDeps)
	if err != nil {
		return Services{}, fmt.Errorf("di: order service: %w", err)
	}
	svc.Orders = orders

	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Orders:        registry.Orders(),
		WebhookEvents: registry.WebhookEvents(),
		Notifications: notifications,
		Clock:         clock,
		Logger:        eventLogger(logger.Named("payments")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("di: payment reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	if registry.Health() != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: registry.Health(),
			Clock:            clock,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("di: system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

func buildPaymentManager(cfg config.Config, logger *zap.Logger, clock func() time.Time) (*payments.Manager, error) {
	apiKey := strings.TrimSpace(cfg.PSP.StripeAPIKey)
	if apiKey == "" {
		return nil, nil
	}

	provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: apiKey,
		Logger: eventLogger(logger.Named("stripe")),
		Clock:  clock,
	})
	if err != nil {
		return nil, fmt.Errorf("di: stripe provider: %w", err)
	}

	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": provider})
	if err != nil {
		return nil, fmt.Errorf("di: payment manager: %w", err)
	}
	return manager, nil
}

func buildHMACValidator(cfg config.Config, logger *zap.Logger) *auth.HMACValidator {
	secrets := make(map[string]string, len(cfg.Security.HMAC.Secrets))
	for name, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(strings.TrimSpace(name))] = value
	}
	if len(secrets) == 0 {
		return nil
	}

	provider := auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		secret, ok := secrets[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return "", fmt.Errorf("auth: hmac secret %q not configured", name)
		}
		return secret, nil
	})

	return auth.NewHMACValidator(provider, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
}

func buildRouter(c *Container, cfg config.Config, logger *zap.Logger) http.Handler {
	projectID := strings.TrimSpace(cfg.Firebase.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(cfg.Firestore.ProjectID)
	}

	httpLogger := logger.Named("http")
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(httpLogger),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(httpLogger),
		observability.RequestLoggerMiddleware(projectID),
	}

	var checkoutMiddlewares []func(http.Handler) http.Handler
	if c.IdempotencyStore != nil {
		checkoutMiddlewares = append(checkoutMiddlewares, idempotency.Middleware(
			c.IdempotencyStore,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
			idempotency.WithMethods(http.MethodPost),
		))
	}

	var limiter handlers.RateLimiter
	if cfg.RateLimits.WebhookBurst > 0 {
		limiter = handlers.NewSimpleRateLimiter(cfg.RateLimits.WebhookBurst, time.Minute, nil)
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(handlers.WithSystemService(c.Services.System))),
		handlers.WithProductRoutes(handlers.NewCatalogHandlers(c.Services.Catalog).Routes),
		handlers.WithCartRoutes(handlers.NewCartHandlers(c.Authenticator, c.Services.Carts).Routes),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(c.Authenticator, c.Services.Checkout, checkoutMiddlewares...).Routes),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(c.Authenticator, c.Services.Orders).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminHandlers(c.Authenticator, c.Services.Orders, c.Services.Catalog).Routes),
		handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(handlers.WebhookHandlersDeps{
			Verifier:   c.WebhookVerifier,
			Reconciler: c.Services.Reconciler,
			Orders:     c.Services.Orders,
			HMAC:       c.HMAC,
			Limiter:    limiter,
		}).Routes),
	}

	return handlers.NewRouter(opts...)
}

func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zFields = append(zFields, zap.Any(key, value))
		}
		logger.Info(event, zFields...)
	}
}
