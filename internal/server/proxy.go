package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/forwarder"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// decodeRequestBody reads the request body via bodyPool, unmarshals JSON into
// v, and returns false (writing a 400) on error. Parse errors are logged
// server-side; clients receive a static message to avoid leaking internals.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "invalid request body"))
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		bodyPool.Put(buf)
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "invalid request body"))
		return false
	}
	bodyPool.Put(buf)
	return true
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	sk := gateway.ServiceKeyFromContext(r.Context())

	if !req.Stream && s.deps.Cache != nil && sk != nil && isCacheable(&req) {
		key := cacheKey(sk.ID, &req)
		if data, ok := s.deps.Cache.Get(r.Context(), key); ok {
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheHits.Inc()
			}
			s.emitTrace(r, sk, req.Model, http.StatusOK, nil, nil)
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}

	s.emitAdmitted(r, sk, req.Model)

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req, sk)
		return
	}

	resp, attempts, err := s.deps.Forwarder.ChatCompletion(r.Context(), sk, &req)
	if err != nil {
		s.emitTraceFailure(r, sk, req.Model, attempts, err)
		writeUpstreamError(w, err)
		return
	}

	if s.deps.Cache != nil && sk != nil && isCacheable(&req) {
		if data, err := json.Marshal(resp); err == nil {
			s.deps.Cache.Set(r.Context(), cacheKey(sk.ID, &req), data, s.cacheTTL())
		}
	}

	s.emitTrace(r, sk, req.Model, http.StatusOK, resp.Usage, attempts)
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream handles SSE streaming chat completion requests.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest, sk *gateway.ServiceKeySnapshot) {
	ch, attempts, err := s.deps.Forwarder.ChatCompletionStream(r.Context(), sk, req)
	if err != nil {
		s.emitTraceFailure(r, sk, req.Model, attempts, err)
		writeUpstreamError(w, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	// Lazy ticker: avoid allocating time.NewTicker for fast-completing streams.
	var keepAlive *time.Ticker
	defer func() {
		if keepAlive != nil {
			keepAlive.Stop()
		}
	}()

	var usage *gateway.Usage
	for {
		if keepAlive == nil {
			select {
			case chunk, chOpen := <-ch:
				if usage, ok = s.processStreamChunk(w, flusher, r, chunk, chOpen, req, sk, usage, attempts); !ok {
					return
				}
				keepAlive = time.NewTicker(15 * time.Second)
			case <-r.Context().Done():
				return
			}
			continue
		}

		select {
		case chunk, chOpen := <-ch:
			if usage, ok = s.processStreamChunk(w, flusher, r, chunk, chOpen, req, sk, usage, attempts); !ok {
				return
			}
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// processStreamChunk handles a single chunk from the stream channel.
// Returns updated usage and true to continue, or false if the stream ended.
func (s *server) processStreamChunk(
	w http.ResponseWriter, flusher http.Flusher, r *http.Request,
	chunk gateway.StreamChunk, chOpen bool,
	req *gateway.ChatRequest, sk *gateway.ServiceKeySnapshot,
	usage *gateway.Usage, attempts []forwarder.Attempt,
) (*gateway.Usage, bool) {
	if !chOpen {
		writeSSEDone(w)
		flusher.Flush()
		s.emitTrace(r, sk, req.Model, http.StatusOK, usage, attempts)
		return usage, false
	}
	if chunk.Err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
			slog.String("error", chunk.Err.Error()),
		)
		writeSSEError(w, "upstream stream error")
		writeSSEDone(w)
		flusher.Flush()
		s.emitTrace(r, sk, req.Model, http.StatusBadGateway, usage, attempts)
		return usage, false
	}
	if chunk.Usage != nil {
		usage = chunk.Usage
	}
	if chunk.Done {
		writeSSEDone(w)
		flusher.Flush()
		s.emitTrace(r, sk, req.Model, http.StatusOK, usage, attempts)
		return usage, false
	}
	writeSSEData(w, chunk.Data)
	flusher.Flush()
	return usage, true
}

// cacheTTL returns the cache TTL applied to stored chat responses.
func (s *server) cacheTTL() time.Duration {
	return 5 * time.Minute
}

// errorBody is the wire shape for every error response: a stable taxonomy
// code, a human-readable message, and — for 429s only — the number of
// seconds the caller should wait before retrying. RetryAfterSeconds is a
// pointer so it round-trips as present-with-a-value on 429s and absent
// everywhere else, rather than always-present-as-zero.
type errorBody struct {
	Code              string   `json:"code"`
	Message           string   `json:"message"`
	RetryAfterSeconds *float64 `json:"retry_after_seconds,omitempty"`
}

func errorResponse(code, msg string) errorBody {
	return errorBody{Code: code, Message: msg}
}

func errorResponseRetry(code, msg string, retryAfterSeconds float64) errorBody {
	return errorBody{Code: code, Message: msg, RetryAfterSeconds: &retryAfterSeconds}
}

// writeUpstreamError logs the full error server-side and returns a sanitized
// message to the client. Both 4xx and 5xx responses use generic status text
// to avoid leaking upstream provider internals (URLs, org IDs, quota details).
func writeUpstreamError(w http.ResponseWriter, err error) {
	slog.Warn("upstream error", slog.String("error", err.Error()))
	status := errorStatus(err)
	writeJSON(w, status, errorResponse(errorCode(err), http.StatusText(status)))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized),
		errors.Is(err, gateway.ErrMissingCredentials),
		errors.Is(err, gateway.ErrInvalidCredentials),
		errors.Is(err, gateway.ErrCredentialsExpired):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden),
		errors.Is(err, gateway.ErrModelNotAllowed),
		errors.Is(err, gateway.ErrUserInactive):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrRateLimitedMinute),
		errors.Is(err, gateway.ErrQuotaRequestsDay),
		errors.Is(err, gateway.ErrQuotaTokensDay),
		errors.Is(err, gateway.ErrQuotaCostDay):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrClientCancelled):
		return 499
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrNoUpstreamAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrOAuthUnavailable),
		errors.Is(err, gateway.ErrUpstreamError),
		errors.Is(err, gateway.ErrProviderError):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrOverloaded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode maps err to the stable taxonomy string clients match on,
// independent of the HTTP status (which can change across a provider
// migration without breaking client error handling).
func errorCode(err error) string {
	switch {
	case errors.Is(err, gateway.ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, gateway.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, gateway.ErrCredentialsExpired):
		return "credentials_expired"
	case errors.Is(err, gateway.ErrUserInactive):
		return "user_inactive"
	case errors.Is(err, gateway.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, gateway.ErrForbidden),
		errors.Is(err, gateway.ErrModelNotAllowed):
		return "forbidden"
	case errors.Is(err, gateway.ErrNotFound):
		return "not_found"
	case errors.Is(err, gateway.ErrRateLimitedMinute):
		return "rate_limited_minute"
	case errors.Is(err, gateway.ErrQuotaRequestsDay):
		return "quota_requests_day"
	case errors.Is(err, gateway.ErrQuotaTokensDay):
		return "quota_tokens_day"
	case errors.Is(err, gateway.ErrQuotaCostDay):
		return "quota_cost_day"
	case errors.Is(err, gateway.ErrConflict):
		return "conflict"
	case errors.Is(err, gateway.ErrBadRequest):
		return "bad_request"
	case errors.Is(err, gateway.ErrClientCancelled):
		return "client_cancelled"
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, gateway.ErrNoUpstreamAvailable):
		return "no_upstream_available"
	case errors.Is(err, gateway.ErrOAuthUnavailable):
		return "oauth_unavailable"
	case errors.Is(err, gateway.ErrUpstreamError),
		errors.Is(err, gateway.ErrProviderError):
		return "upstream_error"
	case errors.Is(err, gateway.ErrOverloaded):
		return "overloaded"
	default:
		return "internal_error"
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
