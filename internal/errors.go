package gateway

import "errors"

// Sentinel errors for the gateway domain. Each maps to an HTTP status in
// internal/server/proxy.go's errorStatus.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrBadRequest      = errors.New("bad request")
	ErrProviderError   = errors.New("provider error")
	ErrModelNotAllowed = errors.New("model not allowed")

	// Authenticator errors.
	ErrMissingCredentials = errors.New("missing_credentials")
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrCredentialsExpired = errors.New("credentials_expired")
	ErrUserInactive       = errors.New("user_inactive")

	// Quota and rate limiter errors.
	ErrRateLimitedMinute = errors.New("rate_limited_minute")
	ErrQuotaRequestsDay  = errors.New("quota_requests_day")
	ErrQuotaTokensDay    = errors.New("quota_tokens_day")
	ErrQuotaCostDay      = errors.New("quota_cost_day")

	// Selector and forwarder errors.
	ErrNoUpstreamAvailable = errors.New("no_upstream_available")
	ErrOAuthUnavailable    = errors.New("oauth_unavailable")
	ErrUpstreamTimeout     = errors.New("upstream_timeout")
	ErrUpstreamError       = errors.New("upstream_error")
	ErrClientCancelled     = errors.New("client_cancelled")

	// Tracer backpressure.
	ErrOverloaded = errors.New("overloaded")

	// retained for storage/auth code paths that reason about key lifecycle.
	ErrKeyExpired = ErrCredentialsExpired
	ErrKeyBlocked = ErrInvalidCredentials
)
