package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/app"
	"github.com/eugener/gandalf/internal/auth"
	"github.com/eugener/gandalf/internal/cache"
	"github.com/eugener/gandalf/internal/config"
	"github.com/eugener/gandalf/internal/forwarder"
	"github.com/eugener/gandalf/internal/oauthmgr"
	"github.com/eugener/gandalf/internal/provider"
	"github.com/eugener/gandalf/internal/provider/anthropic"
	"github.com/eugener/gandalf/internal/provider/gemini"
	"github.com/eugener/gandalf/internal/provider/ollama"
	"github.com/eugener/gandalf/internal/provider/openai"
	"github.com/eugener/gandalf/internal/ratelimit"
	"github.com/eugener/gandalf/internal/selector"
	"github.com/eugener/gandalf/internal/server"
	"github.com/eugener/gandalf/internal/storage"
	"github.com/eugener/gandalf/internal/storage/sqlite"
	"github.com/eugener/gandalf/internal/strategy"
	"github.com/eugener/gandalf/internal/telemetry"
	"github.com/eugener/gandalf/internal/tracer"
	"github.com/eugener/gandalf/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting gandalf", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	reg, err := buildProviderRegistry(ctx, store, dnsResolver)
	if err != nil {
		return err
	}

	strategies, err := buildStrategies(ctx, store)
	if err != nil {
		return err
	}

	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Caller-facing ServiceKey authentication, with its own lookup cache.
	serviceKeyAuth, err := auth.New(store, store)
	if err != nil {
		return err
	}
	adminAuth := auth.NewAdmin(cfg.Auth.AdminToken)
	if cfg.Auth.AdminToken == "" {
		slog.Warn("admin_token is empty, management API will reject every request")
	}

	keys := app.NewKeyManager(store)
	oauthMgr := oauthmgr.New(store, store, store)

	sel := selector.New(selector.HealthConfig{
		RateLimitStreak:     cfg.Selector.RateLimitStreak,
		RateLimitWindow:     cfg.Selector.RateLimitWindow,
		RateLimitBackoff:    cfg.Selector.RateLimitBackoff,
		RateLimitMaxBackoff: cfg.Selector.RateLimitMaxBackoff,

		UnhealthyStreak:  cfg.Selector.UnhealthyStreak,
		UnhealthyWindow:  cfg.Selector.UnhealthyWindow,
		UnhealthyCoolOff: cfg.Selector.UnhealthyCoolOff,
	})

	// Per-ProviderKey RPM, independent of the caller-facing ServiceKey quota.
	perKeyLimiter := ratelimit.NewRegistry()
	fwd := forwarder.New(reg, sel, oauthMgr, perKeyLimiter)

	// Per-ServiceKey RPM and cumulative daily quota.
	rateLimiter := ratelimit.NewRegistry()
	daily := ratelimit.NewDailyTracker()

	// Response cache.
	var responseCache server.Cache
	if cfg.Cache.Enabled {
		mc, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if cacheErr != nil {
			return cacheErr
		}
		responseCache = mc
		slog.Info("response cache enabled",
			"max_size", cfg.Cache.MaxSize,
			"default_ttl", cfg.Cache.DefaultTTL,
		)
	}

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		fwd = fwd.WithMetrics(metrics)
		sel.WithMetrics(metrics)
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var otelTracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			otelTracer = telemetry.Tracer("gandalf/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	// Per-request trace assembly and durable persistence.
	collector := tracer.New(store, sel, daily, locForServiceKeyID(store))

	// Create HTTP server.
	handler := server.New(server.Deps{
		Auth:           serviceKeyAuth,
		Admin:          adminAuth,
		KeyInvalidator: serviceKeyAuth,
		Forwarder:      fwd,
		Providers:      reg,
		Keys:           keys,
		Selector:       sel,
		OAuth:          oauthMgr,
		Store:          store,
		Strategies:     strategies,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         otelTracer,
		Collector:      collector,
		ReadyCheck:     store.Ping,
		RateLimiter:    rateLimiter,
		Daily:          daily,
		Cache:          responseCache,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	runner := worker.NewRunner(
		collector,
		worker.NewQuotaSyncWorker(daily, store, store, func(sk *gateway.ServiceKey) *time.Location {
			return locationFor(sk.TimeZone)
		}),
		worker.NewOAuthSweepWorker(oauthMgr),
	)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale rate limiters.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				evicted := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour))
				evicted += perKeyLimiter.EvictStale(time.Now().Add(-1 * time.Hour))
				if evicted > 0 {
					slog.Info("rate limiter eviction", "evicted", evicted)
				}
				if n := daily.EvictStale(time.Now().Add(-48 * time.Hour)); n > 0 {
					slog.Info("daily quota eviction", "evicted", n)
				}
			}
		}
	}()

	// Graceful shutdown.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("universal API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/embeddings",
			"GET  /v1/models",
		},
	)
	slog.Info("gandalf ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("gandalf stopped")
	return nil
}

// buildProviderRegistry constructs one adapter per bootstrapped ProviderType
// and registers it under that type's catalog ID, matching how a
// ServiceKeySnapshot's ProviderTypeID selects a pool and how the forwarder
// looks the adapter back up. The four built-in IDs select their dedicated
// SDK adapters; any other catalog ID is treated as an OpenAI-protocol
// compatible upstream (Together, Groq, Fireworks, and similar all speak
// it), reachable with nothing more than a base URL.
func buildProviderRegistry(ctx context.Context, types storage.ProviderTypeStore, resolver *dnscache.Resolver) (*provider.Registry, error) {
	pts, err := types.ListProviderTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list provider types: %w", err)
	}

	reg := provider.NewRegistry()
	for _, pt := range pts {
		var prov gateway.Provider
		switch pt.ID {
		case "anthropic":
			client := &http.Client{Transport: provider.NewTransport(resolver, true)}
			prov = anthropic.New(pt.ID, pt.BaseURL, client)
		case "gemini":
			prov = gemini.New(pt.BaseURL, resolver)
		case "ollama":
			prov = ollama.New(pt.BaseURL, resolver)
		case "openai":
			prov = openai.New(pt.BaseURL, resolver)
		default:
			prov = openai.New(pt.BaseURL, resolver)
		}
		_, hasNative := prov.(gateway.NativeProxy)
		reg.Register(pt.ID, prov)
		slog.Info("provider registered", "id", pt.ID, "base_url", pt.BaseURL, "native_proxy", hasNative)
	}
	return reg, nil
}

// buildStrategies builds one gateway.ProviderStrategy per catalog entry,
// used to extract usage and price it for billing and tracing.
func buildStrategies(ctx context.Context, types storage.ProviderTypeStore) (map[string]gateway.ProviderStrategy, error) {
	pts, err := types.ListProviderTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list provider types: %w", err)
	}
	strategies := make(map[string]gateway.ProviderStrategy, len(pts))
	for _, pt := range pts {
		strategies[pt.ID] = strategy.New(pt)
	}
	return strategies, nil
}

// locForServiceKeyID adapts the store's paginated ServiceKey listing into a
// by-ID time zone lookup for the tracer, which only ever has a request's
// ServiceKeyID on hand, not the full record. Fine for the lookup volume a
// trace fold generates; not meant for a hot path.
func locForServiceKeyID(keys storage.ServiceKeyStore) func(string) *time.Location {
	return func(id string) *time.Location {
		const pageSize = 200
		ctx := context.Background()
		for offset := 0; ; offset += pageSize {
			page, err := keys.ListServiceKeys(ctx, "", offset, pageSize)
			if err != nil || len(page) == 0 {
				return time.UTC
			}
			for _, k := range page {
				if k.ID == id {
					return locationFor(k.TimeZone)
				}
			}
			if len(page) < pageSize {
				return time.UTC
			}
		}
	}
}

// locationFor resolves an IANA time zone name, falling back to UTC for an
// empty or unrecognized one.
func locationFor(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
