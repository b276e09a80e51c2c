package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/forwarder"
	"github.com/eugener/gandalf/internal/tracer"
)

// clientIP returns the caller's address, preferring the first hop recorded
// in X-Forwarded-For (set by a trusted upstream load balancer) over the
// raw socket address, which would otherwise only ever show the balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// lastProviderKeyID returns the ProviderKey that served (or most recently
// attempted) the request, for trace attribution.
func lastProviderKeyID(attempts []forwarder.Attempt) string {
	if len(attempts) == 0 {
		return ""
	}
	return attempts[len(attempts)-1].ProviderKey.ID
}

// costFor prices usage against sk's provider type strategy, returning 0 if
// no strategy is registered for it.
func (s *server) costFor(sk *gateway.ServiceKeySnapshot, usage gateway.UsagePartial) float64 {
	if sk == nil || s.deps.Strategies == nil {
		return 0
	}
	strat, ok := s.deps.Strategies[sk.ProviderTypeID]
	if !ok {
		return 0
	}
	return strat.ComputeCost(usage)
}

// emitAdmitted marks the moment a request was accepted for forwarding, so
// the tracer's folded row reports the actual end-to-end duration rather
// than the time since only its terminal event.
func (s *server) emitAdmitted(r *http.Request, sk *gateway.ServiceKeySnapshot, model string) {
	if s.deps.Tracer == nil {
		return
	}
	ev := tracer.Event{
		Phase:     tracer.PhaseAdmitted,
		RequestID: gateway.RequestIDFromContext(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
		Model:     model,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		At:        time.Now(),
	}
	if sk != nil {
		ev.ServiceKeyID = sk.ID
		ev.OwnerUserID = sk.OwnerUserID
	}
	if err := s.deps.Tracer.Emit(ev); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "trace dropped", slog.String("error", err.Error()))
	}
}

// emitTrace records a request that reached a terminal, non-error outcome.
func (s *server) emitTrace(r *http.Request, sk *gateway.ServiceKeySnapshot, model string, status int, usage *gateway.Usage, attempts []forwarder.Attempt) {
	if s.deps.Tracer == nil {
		return
	}
	partial := gateway.UsagePartial{Model: model}
	if usage != nil {
		partial.PromptTokens = usage.PromptTokens
		partial.CompletionTokens = usage.CompletionTokens
		partial.CacheCreateTokens = usage.CacheCreateTokens
		partial.CacheReadTokens = usage.CacheReadTokens
	}
	cost := s.costFor(sk, partial)

	if s.deps.Metrics != nil && usage != nil {
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	}

	ev := tracer.Event{
		Phase:         tracer.PhaseUpstreamBodyComplete,
		RequestID:     gateway.RequestIDFromContext(r.Context()),
		Method:        r.Method,
		Path:          r.URL.Path,
		Model:         model,
		ClientIP:      clientIP(r),
		UserAgent:     r.UserAgent(),
		StatusCode:    status,
		RetryCount:    len(attempts),
		ProviderKeyID: lastProviderKeyID(attempts),
		Usage:         partial,
		CostUSD:       cost,
		At:            time.Now(),
	}
	if sk != nil {
		ev.ServiceKeyID = sk.ID
		ev.OwnerUserID = sk.OwnerUserID
	}
	if err := s.deps.Tracer.Emit(ev); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "trace dropped", slog.String("error", err.Error()))
	}
}

// emitTraceFailure records a request that exhausted the forwarder's retry
// budget or failed before reaching an upstream at all.
func (s *server) emitTraceFailure(r *http.Request, sk *gateway.ServiceKeySnapshot, model string, attempts []forwarder.Attempt, err error) {
	if s.deps.Tracer == nil {
		return
	}
	ev := tracer.Event{
		Phase:         tracer.PhaseFailed,
		RequestID:     gateway.RequestIDFromContext(r.Context()),
		Method:        r.Method,
		Path:          r.URL.Path,
		Model:         model,
		ClientIP:      clientIP(r),
		UserAgent:     r.UserAgent(),
		StatusCode:    errorStatus(err),
		RetryCount:    len(attempts),
		ProviderKeyID: lastProviderKeyID(attempts),
		ErrorKind:     err.Error(),
		At:            time.Now(),
	}
	if sk != nil {
		ev.ServiceKeyID = sk.ID
		ev.OwnerUserID = sk.OwnerUserID
	}
	if emitErr := s.deps.Tracer.Emit(ev); emitErr != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "trace dropped", slog.String("error", emitErr.Error()))
	}
}
