// Package gateway defines domain types and interfaces for the Gandalf LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// --- Credential ---

// Credential is the secret a provider adapter uses for exactly one upstream
// call. The forwarder resolves the selected ProviderKey to a Credential: for api_key
// keys the secret is read directly, for oauth keys it comes from the OAuth
// manager's cached access token.
type Credential struct {
	AuthType  string // "api_key" | "oauth"
	Token     string // bearer/api-key secret, or a fresh OAuth access token
	ProjectID string // optional: GCP project for Vertex-hosted variants
}

// --- Provider ---

// Provider is the interface that all LLM provider adapters must implement.
// Every call carries the Credential chosen for this attempt by the
// selector, so one adapter instance serves every ProviderKey of its
// ProviderType rather than being bound to a single credential at startup.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
	// Type returns the ProviderType ID this adapter serves.
	Type() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest, cred Credential) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest, cred Credential) (<-chan StreamChunk, error)
	// Embeddings generates embeddings for input text.
	Embeddings(ctx context.Context, req *EmbeddingRequest, cred Credential) (*EmbeddingResponse, error)
	// ListModels returns the list of available model IDs.
	ListModels(ctx context.Context) ([]string, error)
	// HealthCheck verifies connectivity to the provider with the given credential.
	HealthCheck(ctx context.Context, cred Credential) error
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics, including the cache dimensions
// that Anthropic-family providers report for prompt caching.
type Usage struct {
	PromptTokens      int `json:"prompt_tokens"`
	CompletionTokens  int `json:"completion_tokens"`
	TotalTokens       int `json:"total_tokens"`
	CacheCreateTokens int `json:"cache_create_tokens,omitempty"`
	CacheReadTokens   int `json:"cache_read_tokens,omitempty"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data line, forwarded as-is when possible
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// --- Provider catalog ---

// FieldPaths is the table-driven gjson path configuration that lets a new
// OpenAI-compatible provider be onboarded by configuration instead of code.
type FieldPaths struct {
	ModelPath            string `json:"model_path"`
	UsagePromptPath      string `json:"usage_prompt_path"`
	UsageCompletionPath  string `json:"usage_completion_path"`
	UsageCacheCreatePath string `json:"usage_cache_create_path,omitempty"`
	UsageCacheReadPath   string `json:"usage_cache_read_path,omitempty"`
	StreamEventDelimiter string `json:"stream_event_delimiter,omitempty"` // default "\n\n"
	TerminalMarker       string `json:"terminal_marker,omitempty"`        // e.g. "[DONE]"
}

// OAuthCatalogParams carries the OAuth 2.0 endpoint parameters for provider
// types that support oauth-typed ProviderKeys.
type OAuthCatalogParams struct {
	AuthorizeURL string   `json:"authorize_url"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes,omitempty"`
	PKCERequired bool     `json:"pkce_required"`
}

// ModelPrice is the per-1M-token price for one model, in USD.
type ModelPrice struct {
	PromptPrice      float64 `json:"prompt_price"`
	CompletionPrice  float64 `json:"completion_price"`
	CacheCreatePrice float64 `json:"cache_create_price,omitempty"`
	CacheReadPrice   float64 `json:"cache_read_price,omitempty"`
}

// ProviderType is a catalog row describing one upstream API family.
// Loaded from config and treated as immutable for the life of the process;
// reconfiguration replaces the whole catalog snapshot rather than mutating
// entries in place.
type ProviderType struct {
	ID                string                `json:"id"`
	DisplayName       string                `json:"display_name"`
	BaseURL           string                `json:"base_url"`
	AuthHeaderName    string                `json:"auth_header_name"`
	AuthHeaderFormat  string                `json:"auth_header_format"` // e.g. "Bearer {token}"
	SupportsAuthTypes []string              `json:"supports_auth_types"`
	FieldPaths        FieldPaths            `json:"field_paths"`
	OAuth             *OAuthCatalogParams   `json:"oauth,omitempty"`
	PriceTable        map[string]ModelPrice `json:"price_table,omitempty"`
}

// --- Service key (user-facing bearer) ---

// QuotaLimits holds the four quota dimensions enforced for a ServiceKey.
// Zero means unlimited for that dimension.
type QuotaLimits struct {
	MaxRequestsPerMinute int64   `json:"max_requests_per_minute,omitempty"`
	MaxRequestsPerDay    int64   `json:"max_requests_per_day,omitempty"`
	MaxTokensPerDay      int64   `json:"max_tokens_per_day,omitempty"`
	MaxCostPerDay        float64 `json:"max_cost_per_day,omitempty"`
}

// ServiceKey is the opaque bearer a caller presents to the gateway. It owns
// an ordered pool of ProviderKeys and a selection strategy over that pool.
type ServiceKey struct {
	ID             string     `json:"id"`
	OwnerUserID    string     `json:"owner_user_id"`
	DisplayName    string     `json:"display_name"`
	ProviderTypeID string     `json:"provider_type_id"`
	ProviderKeyIDs []string   `json:"provider_key_ids"` // ordered pool
	Strategy       string     `json:"strategy"`         // round_robin | weighted | health_best | smart
	RetryCount     int        `json:"retry_count"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	Quota          QuotaLimits `json:"quota"`
	TimeZone       string     `json:"time_zone,omitempty"` // IANA zone for daily rollover; "" = UTC
	KeyHash        string     `json:"-"`                   // SHA-256 hex, never exposed
	KeyPrefix      string     `json:"key_prefix"`
	Active         bool       `json:"active"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ServiceKeySnapshot is an immutable copy of a ServiceKey, captured at
// request-authentication time together with its materialized ProviderKey
// pool. The request pipeline operates exclusively on this copy so that a
// concurrent key or pool edit never changes behavior mid-request.
type ServiceKeySnapshot struct {
	ServiceKey
	Pool []ProviderKey `json:"pool"`
}

// --- Provider key (pooled upstream credential) ---

// HealthState is the selector-visible health of a ProviderKey.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthRateLimited
	HealthUnhealthy
)

// String implements fmt.Stringer.
func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthRateLimited:
		return "rate_limited"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthView is the cached, read-mostly health snapshot the selector
// consults; it is updated by the consecutive-failure health machine, never read
// and written under the same lock as the hot request path.
type HealthView struct {
	State  HealthState `json:"state"`
	Since  time.Time   `json:"since"`
	Reason string      `json:"reason,omitempty"`
}

// ProviderKey is one upstream credential bound into a ServiceKey's pool.
type ProviderKey struct {
	ID                string     `json:"id"`
	ProviderTypeID    string     `json:"provider_type_id"`
	AuthType          string     `json:"auth_type"`       // "api_key" | "oauth"
	Secret            string     `json:"-"`                // populated only for auth_type=api_key
	OAuthSessionID    string     `json:"oauth_session_id,omitempty"`
	Weight            int        `json:"weight"`
	MaxRequestPerMin  int        `json:"max_request_per_min,omitempty"`
	MaxPromptTokenMin int        `json:"max_prompt_token_min,omitempty"`
	MaxRequestPerDay  int        `json:"max_request_per_day,omitempty"`
	ProjectID         string     `json:"project_id,omitempty"`
	Active            bool       `json:"active"`
	Health            HealthView `json:"health"`
}

// --- OAuth session ---

// OAuthStatus is the lifecycle state of an OAuthSession.
type OAuthStatus string

const (
	OAuthPending    OAuthStatus = "pending"
	OAuthAuthorized OAuthStatus = "authorized"
	OAuthError      OAuthStatus = "error"
	OAuthExpired    OAuthStatus = "expired"
	OAuthRevoked    OAuthStatus = "revoked"
)

// OAuthSession is the stored authorization context owned by exactly one
// oauth-typed ProviderKey. All mutation goes through internal/oauthmgr,
// which serializes refreshes per session with singleflight.
type OAuthSession struct {
	ID            string      `json:"id"`
	ProviderKeyID string      `json:"provider_key_id"`
	State         string      `json:"-"` // CSRF state token, cleared once exchanged
	PKCEVerifier  string      `json:"-"`
	AuthorizeURL  string      `json:"authorize_url,omitempty"`
	AccessToken   string      `json:"-"`
	RefreshToken  string      `json:"-"`
	ExpiresAt     time.Time   `json:"expires_at"`
	Status        OAuthStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// --- Identity / RBAC (management API actors) ---

// Identity is the authenticated management-API caller attached to request
// context by the admin auth middleware. Distinct from ServiceKeySnapshot, which identifies
// the caller of the proxy data plane.
type Identity struct {
	Subject    string     `json:"subject"`
	UserID     string     `json:"user_id"`
	Role       string     `json:"role"` // "admin", "member", "viewer"
	Perms      Permission `json:"-"`
	AuthMethod string     `json:"auth_method"`
}

// Permission is a bitmask representing management-API authorization capabilities.
type Permission uint32

const (
	PermManageOwnKeys   Permission = 1 << iota // create/delete own service keys
	PermViewOwnUsage                           // view own trace/usage stats
	PermViewAllUsage                           // view gateway-wide usage
	PermManageAllKeys                          // manage any service key
	PermManageProviders                        // configure provider types and provider keys
	PermManageUsers                            // manage user accounts
)

// Can reports whether the identity has the given permission.
func (id *Identity) Can(p Permission) bool { return id.Perms&p == p }

// RolePermissions maps role names to their permission bitmasks.
var RolePermissions = map[string]Permission{
	"admin":  PermManageOwnKeys | PermViewOwnUsage | PermViewAllUsage | PermManageAllKeys | PermManageProviders | PermManageUsers,
	"member": PermManageOwnKeys | PermViewOwnUsage,
	"viewer": PermViewOwnUsage | PermViewAllUsage,
}

// --- Trace row ---

// TraceRow is the durable per-request record. Every inbound proxy request
// produces exactly one, even on failure before an upstream was reached.
type TraceRow struct {
	ID                string    `json:"id"`
	RequestID         string    `json:"request_id"`
	ServiceKeyID      string    `json:"service_key_id"`
	ProviderKeyID     string    `json:"provider_key_id,omitempty"`
	OwnerUserID       string    `json:"owner_user_id"`
	Method            string    `json:"method"`
	Path              string    `json:"path"`
	StatusCode        int       `json:"status_code"`
	PromptTokens      int       `json:"prompt_tokens"`
	CompletionTokens  int       `json:"completion_tokens"`
	CacheCreateTokens int       `json:"cache_create_tokens,omitempty"`
	CacheReadTokens   int       `json:"cache_read_tokens,omitempty"`
	TotalTokens       int       `json:"total_tokens"`
	CostUSD           float64   `json:"cost_usd,omitempty"`
	Model             string    `json:"model"`
	ClientIP          string    `json:"client_ip,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	ErrorKind         string    `json:"error_kind,omitempty"`
	RetryCount        int       `json:"retry_count"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	DurationMs        int64     `json:"duration_ms"`
	Success           bool      `json:"success"`
}

// --- Provider response classification (extracted by provider strategies) ---

// ResponseClass is the outcome classification a provider strategy assigns
// to an upstream response so the selector's health machine and the
// forwarder's retry budget can react uniformly across providers.
type ResponseClass int

const (
	ClassOK ResponseClass = iota
	ClassRateLimited
	ClassAuthError
	ClassServerError
	ClassClientError
)

// UsagePartial is the token/model information a provider strategy extracts
// from a response body or an accumulated stream.
type UsagePartial struct {
	Model             string
	PromptTokens      int
	CompletionTokens  int
	CacheCreateTokens int
	CacheReadTokens   int
}

// TotalTokens sums every counted dimension.
func (u UsagePartial) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens + u.CacheCreateTokens + u.CacheReadTokens
}

// ProviderStrategy turns a raw upstream response body (or an accumulated
// stream) into the classification, usage, and cost figures the forwarder
// and tracer need, driven entirely by a ProviderType's FieldPaths and
// PriceTable rather than per-provider code. This is what lets a new
// OpenAI-compatible provider be onboarded by configuration alone.
type ProviderStrategy interface {
	// ClassifyResponse maps an HTTP status and body to a ResponseClass.
	ClassifyResponse(statusCode int, body []byte) ResponseClass
	// ExtractUsage reads the token counts and model name out of body.
	ExtractUsage(body []byte) UsagePartial
	// ComputeCost prices usage against the provider type's PriceTable.
	ComputeCost(usage UsagePartial) float64
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// ServiceKey and ProviderKeyID are set later by middleware/selector via
// mutation of the same pointer, avoiding repeated context.WithValue calls.
type requestMeta struct {
	RequestID     string
	Identity      *Identity
	ServiceKey    *ServiceKeySnapshot
	ProviderKeyID string
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated management identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// ServiceKeyFromContext extracts the authenticated service-key snapshot from context.
func ServiceKeyFromContext(ctx context.Context) *ServiceKeySnapshot {
	if m := metaFromContext(ctx); m != nil {
		return m.ServiceKey
	}
	return nil
}

// ContextWithServiceKey stores the snapshot in the existing requestMeta if present.
func ContextWithServiceKey(ctx context.Context, sk *ServiceKeySnapshot) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.ServiceKey = sk
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{ServiceKey: sk})
}

// ProviderKeyIDFromContext returns the ProviderKey ID the selector chose for
// this attempt, once set.
func ProviderKeyIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.ProviderKeyID
	}
	return ""
}

// ContextWithProviderKeyID records the selector's pick on the request context.
func ContextWithProviderKeyID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.ProviderKeyID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{ProviderKeyID: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Native passthrough ---

// NativeProxy is an optional interface that providers can implement to support
// raw HTTP passthrough. The gateway authenticates and routes the request, then
// delegates the raw HTTP exchange to the provider. Checked via type assertion.
type NativeProxy interface {
	// ProxyRequest forwards a raw HTTP request to the provider's API.
	// path is the provider-relative path (e.g. "/messages").
	// The implementation handles auth headers, URL construction, and
	// response streaming (flush-on-read for SSE/NDJSON).
	ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, cred Credential) error
}

// --- Shared constants and helpers ---

// ServiceKeyPrefix is the prefix for all Gandalf service keys.
const ServiceKeyPrefix = "gnd_"

// HashKey returns the hex-encoded SHA-256 hash of a raw service key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the resolved
// service-key snapshot.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*ServiceKeySnapshot, error)
}
