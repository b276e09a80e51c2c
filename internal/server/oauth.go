package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// startOAuthRequest names the ProviderKey an operator wants to authorize
// against its upstream's OAuth flow.
type startOAuthRequest struct {
	ProviderKeyID  string `json:"provider_key_id"`
	ProviderTypeID string `json:"provider_type_id"`
}

// handleStartOAuth begins an authorization-code flow for a ProviderKey,
// returning the URL an operator should visit to grant access.
func (s *server) handleStartOAuth(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("not_implemented", "oauth is not configured"))
		return
	}
	var req startOAuthRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProviderKeyID == "" || req.ProviderTypeID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "provider_key_id and provider_type_id are required"))
		return
	}
	sess, err := s.deps.OAuth.StartAuthorize(r.Context(), req.ProviderKeyID, req.ProviderTypeID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleOAuthCallback completes the authorization-code exchange for the
// redirect the upstream sends back after the operator grants access.
func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("not_implemented", "oauth is not configured"))
		return
	}
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "state and code are required"))
		return
	}
	sess, err := s.deps.OAuth.CompleteAuthorize(r.Context(), state, code)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleGetOAuthSession returns the current status of an OAuth session,
// omitted of its access/refresh tokens and PKCE verifier by gateway.OAuthSession's
// own json tags.
func (s *server) handleGetOAuthSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.deps.Store.GetOAuthSession(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
