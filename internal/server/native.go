package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/gandalf/internal"
)

// isValidParam checks that s is non-empty and contains only [a-zA-Z0-9._-].
// Delegates to isValidToken to DRY the byte-loop validation.
func isValidParam(s string) bool { return isValidToken(s, maxRequestIDLen) }

// mountNativeRoutes registers native API passthrough routes on the given
// router. Each format group normalizes its provider-specific auth header to
// Authorization: Bearer before authenticate runs, so the same middleware
// resolves a ServiceKey regardless of which native wire format the caller
// speaks. Routing to the matching upstream is driven entirely by the
// resolved ServiceKey's ProviderTypeID, not by which group handled the
// request, so a route only needs to know the provider-relative path shape.
func (s *server) mountNativeRoutes(r chi.Router) {
	if s.deps.Forwarder == nil {
		return
	}

	// --- Anthropic native: /v1/messages ---
	r.Group(func(r chi.Router) {
		r.Use(normalizeAuth("X-Api-Key"))
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/messages", s.handleNativeProxy(func(*http.Request) string { return "/messages" }))
	})

	// --- Gemini native: /v1beta/models/* ---
	r.Group(func(r chi.Router) {
		r.Use(normalizeAuth("X-Goog-Api-Key"))
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/v1beta/models/{model}:{action}", s.handleNativeProxy(func(r *http.Request) string {
			model := chi.URLParam(r, "model")
			action := chi.URLParam(r, "action")
			if !isValidParam(model) || !isValidParam(action) {
				return ""
			}
			return "/models/" + model + ":" + action
		}))
		r.Get("/v1beta/models", s.handleNativeProxy(func(*http.Request) string { return "/models" }))
	})

	// --- Azure OpenAI native: /openai/deployments/{deployment}/* ---
	r.Group(func(r chi.Router) {
		r.Use(normalizeAuth("Api-Key"))
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/openai/deployments/{deployment}/chat/completions", s.handleNativeProxy(func(r *http.Request) string {
			d := chi.URLParam(r, "deployment")
			if !isValidParam(d) {
				return ""
			}
			return "/deployments/" + d + "/chat/completions"
		}))
		r.Post("/openai/deployments/{deployment}/embeddings", s.handleNativeProxy(func(r *http.Request) string {
			d := chi.URLParam(r, "deployment")
			if !isValidParam(d) {
				return ""
			}
			return "/deployments/" + d + "/embeddings"
		}))
	})

	// --- Ollama native: /api/* ---
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/api/chat", s.handleNativeProxy(func(*http.Request) string { return "/chat" }))
		r.Post("/api/embed", s.handleNativeProxy(func(*http.Request) string { return "/embed" }))
		r.Get("/api/tags", s.handleNativeProxy(func(*http.Request) string { return "/tags" }))
	})
}

// handleNativeProxy resolves the raw upstream path from the request and
// forwards it verbatim through the forwarder's retrying pool walk. The
// caller's ServiceKey (set by authenticate) picks the provider and pool;
// no per-route model extraction or allowlist check is needed since pool
// membership is already scoped to one provider type per key.
func (s *server) handleNativeProxy(pathFunc func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sk := gateway.ServiceKeyFromContext(r.Context())
		if sk == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized", "unauthorized"))
			return
		}
		path := pathFunc(r)
		if path == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "invalid path parameters"))
			return
		}

		s.emitAdmitted(r, sk, "")
		attempts, err := s.deps.Forwarder.ProxyRequest(r.Context(), sk, w, r, path)
		if err != nil {
			s.emitTraceFailure(r, sk, "", attempts, err)
			writeUpstreamError(w, err)
			return
		}
		s.emitTrace(r, sk, "", http.StatusOK, nil, attempts)
	}
}

// normalizeAuth returns middleware that copies a provider-specific auth header
// to Authorization: Bearer, so the existing authenticate middleware works
// unchanged. If Authorization is already present, the provider header is ignored.
func normalizeAuth(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				if key := r.Header.Get(header); key != "" {
					r.Header.Set("Authorization", "Bearer "+key)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
