// Package server implements the HTTP transport layer for the Gandalf gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/app"
	"github.com/eugener/gandalf/internal/auth"
	"github.com/eugener/gandalf/internal/forwarder"
	"github.com/eugener/gandalf/internal/oauthmgr"
	"github.com/eugener/gandalf/internal/provider"
	"github.com/eugener/gandalf/internal/ratelimit"
	"github.com/eugener/gandalf/internal/selector"
	"github.com/eugener/gandalf/internal/storage"
	"github.com/eugener/gandalf/internal/telemetry"
	"github.com/eugener/gandalf/internal/tracer"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// KeyInvalidator drops a ServiceKey from the authenticator's lookup cache,
// called after any admin mutation so the next request sees fresh state
// instead of a stale cached copy.
type KeyInvalidator interface {
	InvalidateByKeyID(keyID string)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           gateway.Authenticator
	Admin          *auth.AdminAuth // nil = admin surface disabled
	KeyInvalidator KeyInvalidator  // nil = no cache to invalidate
	Forwarder      *forwarder.Forwarder
	Providers      *provider.Registry
	Keys           *app.KeyManager
	Selector       *selector.Selector // nil = health reset endpoint answers 204 without resetting
	OAuth          *oauthmgr.Manager   // nil = native OAuth endpoints answer 501
	Store          storage.Store       // nil = no admin CRUD (for tests)
	Strategies     map[string]gateway.ProviderStrategy
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	Collector      *tracer.Collector  // nil = no trace emission
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	RateLimiter    *ratelimit.Registry // nil = no per-minute rate limiting
	Daily          *ratelimit.DailyTracker // nil = no daily quota enforcement
	Cache          Cache                   // nil = no response caching
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	// The upstream's browser redirect after an operator grants access carries
	// no admin token, so the callback must sit outside the admin-token group.
	r.Get("/oauth/callback", s.handleOAuthCallback)

	// Client-facing API (service-key auth required) -- universal OpenAI format
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleListModels)
	})

	// Native API passthrough routes (per-provider auth normalization)
	s.mountNativeRoutes(r)

	// Management API (admin-token auth + RBAC required)
	if deps.Store != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.authenticateAdmin)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageProviders))
				r.Get("/provider-types", s.handleListProviderTypes)
				r.Put("/provider-types/{id}", s.handleUpsertProviderType)
				r.Delete("/provider-types/{id}", s.handleDeleteProviderType)

				r.Get("/provider-keys", s.handleListProviderKeys)
				r.Post("/provider-keys", s.handleCreateProviderKey)
				r.Get("/provider-keys/{id}", s.handleGetProviderKey)
				r.Put("/provider-keys/{id}", s.handleUpdateProviderKey)
				r.Delete("/provider-keys/{id}", s.handleDeleteProviderKey)
				r.Post("/provider-keys/{id}/reset-health", s.handleResetProviderKeyHealth)

				r.Post("/cache/purge", s.handleCachePurge)

				r.Post("/oauth/start", s.handleStartOAuth)
				r.Get("/oauth/sessions/{id}", s.handleGetOAuthSession)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageAllKeys))
				r.Get("/service-keys", s.handleListServiceKeys)
				r.Post("/service-keys", s.handleCreateServiceKey)
				r.Get("/service-keys/{id}", s.handleGetServiceKey)
				r.Put("/service-keys/{id}", s.handleUpdateServiceKey)
				r.Post("/service-keys/{id}/rotate", s.handleRotateServiceKey)
				r.Delete("/service-keys/{id}", s.handleDeleteServiceKey)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermViewAllUsage))
				r.Get("/usage", s.handleQueryUsage)
			})
		})
	}

	return r
}

type server struct {
	deps Deps
}
