// Package forwarder resolves a ServiceKey's ProviderKey pool into live
// Credentials, walks the selector's candidate order with a per-key retry
// budget and jittered backoff, and delegates the actual upstream call to
// the registered provider adapter.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/provider"
	"github.com/eugener/gandalf/internal/ratelimit"
	"github.com/eugener/gandalf/internal/selector"
	"github.com/eugener/gandalf/internal/telemetry"
	"github.com/eugener/gandalf/internal/tokencount"
)

const (
	baseBackoff = 100 * time.Millisecond
	maxBackoff  = 5 * time.Second
	jitterFrac  = 0.20

	// cancelGrace is how long a forwarded attempt is given to unwind once
	// the inbound client disconnects, before its context is force-cancelled.
	cancelGrace = 50 * time.Millisecond
)

// TokenMinter resolves a fresh access token for an oauth-typed ProviderKey.
// Satisfied by *oauthmgr.Manager.
type TokenMinter interface {
	AccessToken(ctx context.Context, sessionID string) (string, error)
}

// Attempt describes one resolved try against a single ProviderKey, reported
// to the caller so it can be turned into a tracer.Event.
type Attempt struct {
	ProviderKey gateway.ProviderKey
	Err         error
	StatusCode  int
}

// Forwarder ties the selector's ranking, a provider registry, and OAuth
// token resolution together into one retrying call path.
type Forwarder struct {
	registry *provider.Registry
	sel      *selector.Selector
	tokens   TokenMinter
	perKey   *ratelimit.Registry // per-ProviderKey RPM+TPM, keyed by ProviderKey.ID
	metrics  *telemetry.Metrics  // nil = no Prometheus metrics
	counter  *tokencount.Counter
}

// New creates a Forwarder. perKey enforces each ProviderKey's own
// MaxRequestPerMin and MaxPromptTokenMin independently of the caller-facing
// ServiceKey quota, so a hot key in the pool throttles itself without
// stalling the whole pool.
func New(registry *provider.Registry, sel *selector.Selector, tokens TokenMinter, perKey *ratelimit.Registry) *Forwarder {
	return &Forwarder{registry: registry, sel: sel, tokens: tokens, perKey: perKey, counter: tokencount.NewCounter()}
}

// WithMetrics attaches Prometheus collectors that record upstream call
// duration and error counts per provider type.
func (f *Forwarder) WithMetrics(m *telemetry.Metrics) *Forwarder {
	f.metrics = m
	return f
}

// attemptBudget returns the number of candidates to try: the first attempt
// plus sk.RetryCount retries, capped by pool size.
func attemptBudget(sk *gateway.ServiceKeySnapshot, poolLen int) int {
	budget := sk.RetryCount + 1
	if budget > poolLen {
		budget = poolLen
	}
	return budget
}

func backoff(attempt int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(attempt))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(d) * jitter)
}

func withTimeout(ctx context.Context, sk *gateway.ServiceKeySnapshot) (context.Context, context.CancelFunc) {
	if sk.TimeoutSeconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(sk.TimeoutSeconds)*time.Second)
}

// credentialFor resolves pk into a Credential usable for exactly one call.
func (f *Forwarder) credentialFor(ctx context.Context, pk gateway.ProviderKey) (gateway.Credential, error) {
	switch pk.AuthType {
	case "api_key":
		return gateway.Credential{AuthType: "api_key", Token: pk.Secret, ProjectID: pk.ProjectID}, nil
	case "oauth":
		if f.tokens == nil {
			return gateway.Credential{}, gateway.ErrOAuthUnavailable
		}
		tok, err := f.tokens.AccessToken(ctx, pk.OAuthSessionID)
		if err != nil {
			return gateway.Credential{}, fmt.Errorf("%w: %v", gateway.ErrOAuthUnavailable, err)
		}
		return gateway.Credential{AuthType: "oauth", Token: tok, ProjectID: pk.ProjectID}, nil
	default:
		return gateway.Credential{}, fmt.Errorf("forwarder: unknown auth_type %q", pk.AuthType)
	}
}

// classify turns an upstream error into the ResponseClass the selector's
// health machine understands.
func classify(err error) gateway.ResponseClass {
	if err == nil {
		return gateway.ClassOK
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return gateway.ClassRateLimited
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return gateway.ClassAuthError
		case apiErr.StatusCode >= 500:
			return gateway.ClassServerError
		default:
			return gateway.ClassClientError
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gateway.ClassServerError
	}
	return gateway.ClassServerError
}

// classLabel turns a ResponseClass into a low-cardinality metric label.
func classLabel(c gateway.ResponseClass) string {
	switch c {
	case gateway.ClassOK:
		return "ok"
	case gateway.ClassRateLimited:
		return "rate_limited"
	case gateway.ClassAuthError:
		return "auth_error"
	case gateway.ClassServerError:
		return "server_error"
	default:
		return "client_error"
	}
}

func statusOf(err error) int {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// walk drives one logical request across sk's candidate pool, invoking try
// for each selected ProviderKey until try returns a nil error or the retry
// budget is exhausted. It records every attempt's outcome with the
// selector and returns the last attempt's error on exhaustion.
func (f *Forwarder) walk(ctx context.Context, sk *gateway.ServiceKeySnapshot, estimatedTokens int64, try func(context.Context, gateway.ProviderKey, gateway.Credential) error) ([]Attempt, error) {
	candidates := f.sel.Candidates(sk)
	if len(candidates) == 0 {
		return nil, gateway.ErrNoUpstreamAvailable
	}
	budget := attemptBudget(sk, len(candidates))

	var attempts []Attempt
	var lastErr error

	for i := 0; i < budget; i++ {
		pk := candidates[i]

		if !f.sel.Allow(pk.ID) {
			if f.metrics != nil {
				f.metrics.ProviderKeyRejects.WithLabelValues(pk.ID).Inc()
			}
			attempts = append(attempts, Attempt{ProviderKey: pk, Err: gateway.ErrNoUpstreamAvailable})
			continue
		}

		if f.perKey != nil && (pk.MaxRequestPerMin > 0 || pk.MaxPromptTokenMin > 0) {
			limiter := f.perKey.GetOrCreate(pk.ID, ratelimit.Limits{RPM: int64(pk.MaxRequestPerMin), TPM: int64(pk.MaxPromptTokenMin)})
			if !limiter.AllowRPM().Allowed {
				attempts = append(attempts, Attempt{ProviderKey: pk, Err: gateway.ErrRateLimitedMinute})
				continue
			}
			if pk.MaxPromptTokenMin > 0 && estimatedTokens > 0 && !limiter.ConsumeTPM(estimatedTokens).Allowed {
				attempts = append(attempts, Attempt{ProviderKey: pk, Err: gateway.ErrRateLimitedMinute})
				continue
			}
		}

		if i > 0 {
			select {
			case <-time.After(backoff(i - 1)):
			case <-ctx.Done():
				return attempts, ctx.Err()
			}
		}

		cred, err := f.credentialFor(ctx, pk)
		if err != nil {
			f.sel.RecordOutcome(pk.ID, gateway.ClassAuthError)
			attempts = append(attempts, Attempt{ProviderKey: pk, Err: err})
			lastErr = err
			continue
		}

		attemptCtx, cancel := withTimeout(ctx, sk)
		attemptStart := time.Now()
		f.sel.BeginAttempt(pk.ID)
		err = try(attemptCtx, pk, cred)
		cancel()
		duration := time.Since(attemptStart)
		f.sel.EndAttempt(pk.ID, duration, err == nil)

		class := classify(err)
		if f.metrics != nil {
			f.metrics.UpstreamDuration.WithLabelValues(pk.ProviderTypeID).Observe(duration.Seconds())
			if err != nil {
				f.metrics.UpstreamErrors.WithLabelValues(pk.ProviderTypeID, classLabel(class)).Inc()
			}
		}
		f.sel.RecordOutcome(pk.ID, class)
		attempts = append(attempts, Attempt{ProviderKey: pk, Err: err, StatusCode: statusOf(err)})

		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			return attempts, gateway.ErrClientCancelled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = gateway.ErrUpstreamTimeout
		}
	}

	if lastErr == nil {
		lastErr = gateway.ErrNoUpstreamAvailable
	}
	slog.LogAttrs(ctx, slog.LevelWarn, "forwarder exhausted retry budget",
		slog.String("service_key_id", sk.ID),
		slog.Int("attempts", len(attempts)),
		slog.String("error", lastErr.Error()),
	)
	// Every candidate was rejected before an upstream call was even made
	// (health state not admitting it, per-key RPM/TPM throttled, or the pool was empty): this
	// is unavailability, not an upstream failure, so it must not be folded
	// into the generic upstream_error bucket.
	if errors.Is(lastErr, gateway.ErrNoUpstreamAvailable) {
		return attempts, lastErr
	}
	return attempts, fmt.Errorf("%w: %v", gateway.ErrUpstreamError, lastErr)
}

// ChatCompletion resolves and forwards a non-streaming chat request.
func (f *Forwarder) ChatCompletion(ctx context.Context, sk *gateway.ServiceKeySnapshot, req *gateway.ChatRequest) (*gateway.ChatResponse, []Attempt, error) {
	var resp *gateway.ChatResponse
	estimated := int64(f.counter.EstimateRequest(req.Model, req.Messages))
	attempts, err := f.walk(ctx, sk, estimated, func(ctx context.Context, pk gateway.ProviderKey, cred gateway.Credential) error {
		p, gerr := f.registry.Get(sk.ProviderTypeID)
		if gerr != nil {
			return fmt.Errorf("%w: %v", gateway.ErrNoUpstreamAvailable, gerr)
		}
		r, cerr := p.ChatCompletion(ctx, req, cred)
		if cerr != nil {
			return cerr
		}
		resp = r
		return nil
	})
	return resp, attempts, err
}

// ChatCompletionStream resolves and forwards a streaming chat request.
// Unlike ChatCompletion, a stream failure mid-flight is not retried: the
// client may already have received partial output, so retrying would risk
// duplicate content.
func (f *Forwarder) ChatCompletionStream(ctx context.Context, sk *gateway.ServiceKeySnapshot, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, []Attempt, error) {
	var ch <-chan gateway.StreamChunk
	estimated := int64(f.counter.EstimateRequest(req.Model, req.Messages))
	attempts, err := f.walk(ctx, sk, estimated, func(ctx context.Context, pk gateway.ProviderKey, cred gateway.Credential) error {
		p, gerr := f.registry.Get(sk.ProviderTypeID)
		if gerr != nil {
			return fmt.Errorf("%w: %v", gateway.ErrNoUpstreamAvailable, gerr)
		}
		c, cerr := p.ChatCompletionStream(ctx, req, cred)
		if cerr != nil {
			return cerr
		}
		ch = c
		return nil
	})
	return ch, attempts, err
}

// Embeddings resolves and forwards an embeddings request.
func (f *Forwarder) Embeddings(ctx context.Context, sk *gateway.ServiceKeySnapshot, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, []Attempt, error) {
	var resp *gateway.EmbeddingResponse
	estimated := int64(f.counter.CountText(req.Model, string(req.Input)))
	attempts, err := f.walk(ctx, sk, estimated, func(ctx context.Context, pk gateway.ProviderKey, cred gateway.Credential) error {
		p, gerr := f.registry.Get(sk.ProviderTypeID)
		if gerr != nil {
			return fmt.Errorf("%w: %v", gateway.ErrNoUpstreamAvailable, gerr)
		}
		r, cerr := p.Embeddings(ctx, req, cred)
		if cerr != nil {
			return cerr
		}
		resp = r
		return nil
	})
	return resp, attempts, err
}

// ProxyRequest forwards a raw HTTP passthrough request via the provider's
// NativeProxy implementation, watching the inbound request's context so
// that a client disconnect unwinds the upstream call within cancelGrace
// instead of leaking it for the lifetime of a long streaming response.
func (f *Forwarder) ProxyRequest(ctx context.Context, sk *gateway.ServiceKeySnapshot, w http.ResponseWriter, r *http.Request, path string) ([]Attempt, error) {
	detached := context.WithoutCancel(ctx)
	attempts, err := f.walk(detached, sk, 0, func(ctx context.Context, pk gateway.ProviderKey, cred gateway.Credential) error {
		p, gerr := f.registry.Get(sk.ProviderTypeID)
		if gerr != nil {
			return fmt.Errorf("%w: %v", gateway.ErrNoUpstreamAvailable, gerr)
		}
		np, ok := p.(gateway.NativeProxy)
		if !ok {
			return fmt.Errorf("forwarder: provider %q does not support native proxy", p.Name())
		}

		attemptCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go watchDisconnect(attemptCtx, cancel, r)

		return np.ProxyRequest(attemptCtx, w, r, path, cred)
	})
	return attempts, err
}

// watchDisconnect cancels cancel once the original client request's
// context ends, giving an in-flight upstream copy cancelGrace to notice
// before the connection is torn down forcibly.
func watchDisconnect(ctx context.Context, cancel context.CancelFunc, r *http.Request) {
	select {
	case <-r.Context().Done():
		select {
		case <-time.After(cancelGrace):
			cancel()
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}
