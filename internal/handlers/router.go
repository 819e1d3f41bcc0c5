package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/saddleworth/api/internal/platform/httpx"
)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// RouteRegistrar registers one route group's endpoints on the router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	products RouteRegistrar
	cart     RouteRegistrar
	checkout RouteRegistrar
	orders   RouteRegistrar
	admin    RouteRegistrar
	webhooks RouteRegistrar

	webhookMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router.
type Option func(*routerConfig)

// WithMiddlewares appends global middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithProductRoutes sets the public catalog registrar.
func WithProductRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.products = reg }
}

// WithCartRoutes sets the cart registrar.
func WithCartRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.cart = reg }
}

// WithCheckoutRoutes sets the checkout registrar.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.checkout = reg }
}

// WithOrderRoutes sets the order registrar.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.orders = reg }
}

// WithAdminRoutes sets the admin registrar.
func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.admin = reg }
}

// WithWebhookRoutes sets the webhook registrar.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.webhooks = reg }
}

// WithWebhookMiddlewares adds middleware scoped to the /webhooks group
// (rate limiting and HMAC checks live here, not globally).
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.webhookMiddlewares = append(cfg.webhookMiddlewares, mw...) }
}

// NewRouter assembles the chi router. Every route group is mounted even when
// unconfigured so unwired endpoints answer 501 instead of 404.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w,
			httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w,
			httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	groups := []struct {
		path       string
		name       string
		registrar  RouteRegistrar
		middleware []func(http.Handler) http.Handler
	}{
		{path: "/products", name: "products", registrar: cfg.products},
		{path: "/cart", name: "cart", registrar: cfg.cart},
		{path: "/checkout", name: "checkout", registrar: cfg.checkout},
		{path: "/orders", name: "orders", registrar: cfg.orders},
		{path: "/admin", name: "admin", registrar: cfg.admin},
		{path: "/webhooks", name: "webhooks", registrar: cfg.webhooks, middleware: cfg.webhookMiddlewares},
	}

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, g := range groups {
			g := g
			api.Route(g.path, func(group chi.Router) {
				for _, mw := range g.middleware {
					if mw != nil {
						group.Use(mw)
					}
				}
				if g.registrar != nil {
					g.registrar(group)
					return
				}
				mountNotImplemented(group, g.name)
			})
		}
	})

	return r
}

// mountNotImplemented answers 501 for every path and method in the group.
func mountNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w,
			httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
