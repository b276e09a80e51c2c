package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/app"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, status, errorResponse("not_found", "not found"))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, status, errorResponse("conflict", "conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal_error", "internal error"))
	}
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
// Writes 400 and returns false on invalid format.
func parseExpiresAt(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "invalid expires_at format"))
		return nil, false
	}
	return &t, true
}

// --- Provider types ---

func (s *server) handleListProviderTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.deps.Store.ListProviderTypes(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal_error", "failed to list provider types"))
		return
	}
	if types == nil {
		types = []*gateway.ProviderType{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: types, Pagination: pagination{Limit: len(types)}})
}

func (s *server) handleUpsertProviderType(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var pt gateway.ProviderType
	if !decodeJSON(w, r, &pt) {
		return
	}
	pt.ID = id
	if err := s.deps.Store.UpsertProviderType(r.Context(), &pt); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pt)
}

func (s *server) handleDeleteProviderType(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteProviderType(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Provider keys (pooled upstream credentials) ---

// providerKeyRequest carries a plaintext secret, which gateway.ProviderKey
// itself never serializes (json:"-") so it can't be leaked back out once stored.
type providerKeyRequest struct {
	ProviderTypeID    string `json:"provider_type_id"`
	AuthType          string `json:"auth_type"`
	Secret            string `json:"secret,omitempty"`
	OAuthSessionID    string `json:"oauth_session_id,omitempty"`
	Weight            int    `json:"weight"`
	MaxRequestPerMin  int    `json:"max_request_per_min,omitempty"`
	MaxPromptTokenMin int    `json:"max_prompt_token_min,omitempty"`
	MaxRequestPerDay  int    `json:"max_request_per_day,omitempty"`
	ProjectID         string `json:"project_id,omitempty"`
	Active            bool   `json:"active"`
}

func (s *server) handleListProviderKeys(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	keys, err := s.deps.Store.ListProviderKeys(r.Context(), ids)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal_error", "failed to list provider keys"))
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: keys, Pagination: pagination{Limit: len(keys)}})
}

func (s *server) handleCreateProviderKey(w http.ResponseWriter, r *http.Request) {
	var req providerKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProviderTypeID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "provider_type_id is required"))
		return
	}
	key := &gateway.ProviderKey{
		ID:                uuid.Must(uuid.NewV7()).String(),
		ProviderTypeID:    req.ProviderTypeID,
		AuthType:          req.AuthType,
		Secret:            req.Secret,
		OAuthSessionID:    req.OAuthSessionID,
		Weight:            req.Weight,
		MaxRequestPerMin:  req.MaxRequestPerMin,
		MaxPromptTokenMin: req.MaxPromptTokenMin,
		MaxRequestPerDay:  req.MaxRequestPerDay,
		ProjectID:         req.ProjectID,
		Active:            true,
		Health:            gateway.HealthView{State: gateway.HealthHealthy, Since: time.Now().UTC()},
	}
	if err := s.deps.Store.CreateProviderKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/provider-keys/"+key.ID)
	writeJSON(w, http.StatusCreated, key)
}

func (s *server) handleGetProviderKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, err := s.deps.Store.GetProviderKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleUpdateProviderKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetProviderKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	var update struct {
		Secret            *string `json:"secret,omitempty"`
		Weight            *int    `json:"weight,omitempty"`
		MaxRequestPerMin  *int    `json:"max_request_per_min,omitempty"`
		MaxPromptTokenMin *int    `json:"max_prompt_token_min,omitempty"`
		MaxRequestPerDay  *int    `json:"max_request_per_day,omitempty"`
		Active            *bool   `json:"active,omitempty"`
	}
	if !decodeJSON(w, r, &update) {
		return
	}
	if update.Secret != nil {
		existing.Secret = *update.Secret
	}
	if update.Weight != nil {
		existing.Weight = *update.Weight
	}
	if update.MaxRequestPerMin != nil {
		existing.MaxRequestPerMin = *update.MaxRequestPerMin
	}
	if update.MaxPromptTokenMin != nil {
		existing.MaxPromptTokenMin = *update.MaxPromptTokenMin
	}
	if update.MaxRequestPerDay != nil {
		existing.MaxRequestPerDay = *update.MaxRequestPerDay
	}
	if update.Active != nil {
		existing.Active = *update.Active
	}

	if err := s.deps.Store.UpdateProviderKey(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// handleResetProviderKeyHealth clears a provider key's rate_limited or
// unhealthy state, overriding whichever backoff or cool-off is in effect.
func (s *server) handleResetProviderKeyHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetProviderKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Selector != nil {
		s.deps.Selector.Reset(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteProviderKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteProviderKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Service keys (caller-facing bearer) ---

type serviceKeyCreateRequest struct {
	DisplayName    string              `json:"display_name"`
	OwnerUserID    string              `json:"owner_user_id"`
	ProviderTypeID string              `json:"provider_type_id"`
	ProviderKeyIDs []string            `json:"provider_key_ids"`
	Strategy       string              `json:"strategy,omitempty"`
	RetryCount     int                 `json:"retry_count,omitempty"`
	TimeoutSeconds int                 `json:"timeout_seconds,omitempty"`
	Quota          gateway.QuotaLimits `json:"quota"`
	TimeZone       string              `json:"time_zone,omitempty"`
	ExpiresAt      *string             `json:"expires_at,omitempty"` // RFC3339
}

// serviceKeyCreateResponse includes the plaintext key (shown only once).
type serviceKeyCreateResponse struct {
	*gateway.ServiceKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListServiceKeys(w http.ResponseWriter, r *http.Request) {
	ownerUserID := r.URL.Query().Get("owner_user_id")
	offset, limit := parsePagination(r)

	keys, err := s.deps.Store.ListServiceKeys(r.Context(), ownerUserID, offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal_error", "failed to list service keys"))
		return
	}
	if keys == nil {
		keys = []*gateway.ServiceKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: offset, Limit: limit},
	})
}

func (s *server) handleCreateServiceKey(w http.ResponseWriter, r *http.Request) {
	var req serviceKeyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProviderTypeID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "provider_type_id is required"))
		return
	}
	expiresAt, ok := parseExpiresAt(w, req.ExpiresAt)
	if !ok {
		return
	}

	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), app.CreateServiceKeyOpts{
		DisplayName:    req.DisplayName,
		OwnerUserID:    req.OwnerUserID,
		ProviderTypeID: req.ProviderTypeID,
		ProviderKeyIDs: req.ProviderKeyIDs,
		Strategy:       req.Strategy,
		RetryCount:     req.RetryCount,
		TimeoutSeconds: req.TimeoutSeconds,
		Quota:          req.Quota,
		TimeZone:       req.TimeZone,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	w.Header().Set("Location", "/admin/v1/service-keys/"+key.ID)
	writeJSON(w, http.StatusCreated, serviceKeyCreateResponse{
		ServiceKey:   key,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleGetServiceKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, err := s.lookupServiceKey(r, id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleUpdateServiceKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.lookupServiceKey(r, id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	var update struct {
		DisplayName    *string              `json:"display_name,omitempty"`
		ProviderKeyIDs []string             `json:"provider_key_ids,omitempty"`
		Strategy       *string              `json:"strategy,omitempty"`
		RetryCount     *int                 `json:"retry_count,omitempty"`
		TimeoutSeconds *int                 `json:"timeout_seconds,omitempty"`
		Quota          *gateway.QuotaLimits `json:"quota,omitempty"`
		TimeZone       *string              `json:"time_zone,omitempty"`
		ExpiresAt      *string              `json:"expires_at,omitempty"`
		Active         *bool                `json:"active,omitempty"`
	}
	if !decodeJSON(w, r, &update) {
		return
	}
	if update.DisplayName != nil {
		existing.DisplayName = *update.DisplayName
	}
	if update.ProviderKeyIDs != nil {
		existing.ProviderKeyIDs = update.ProviderKeyIDs
	}
	if update.Strategy != nil {
		existing.Strategy = *update.Strategy
	}
	if update.RetryCount != nil {
		existing.RetryCount = *update.RetryCount
	}
	if update.TimeoutSeconds != nil {
		existing.TimeoutSeconds = *update.TimeoutSeconds
	}
	if update.Quota != nil {
		existing.Quota = *update.Quota
	}
	if update.TimeZone != nil {
		existing.TimeZone = *update.TimeZone
	}
	if update.ExpiresAt != nil {
		expiresAt, ok := parseExpiresAt(w, update.ExpiresAt)
		if !ok {
			return
		}
		existing.ExpiresAt = expiresAt
	}
	if update.Active != nil {
		existing.Active = *update.Active
	}

	if err := s.deps.Store.UpdateServiceKey(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateKey(id)
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleRotateServiceKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.lookupServiceKey(r, id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	plaintext, err := s.deps.Keys.RotateKey(r.Context(), existing)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateKey(id)
	writeJSON(w, http.StatusOK, serviceKeyCreateResponse{
		ServiceKey:   existing,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleDeleteServiceKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.DeleteKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateKey(id)
	w.WriteHeader(http.StatusNoContent)
}

// lookupServiceKey finds a ServiceKey by ID. The store only exposes lookup
// by hash or a paginated owner scan, so the admin surface walks pages
// looking for an ID match; fine for the key volumes an operator manages by
// hand, not meant for a hot path.
func (s *server) lookupServiceKey(r *http.Request, id string) (*gateway.ServiceKey, error) {
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		page, err := s.deps.Store.ListServiceKeys(r.Context(), "", offset, pageSize)
		if err != nil {
			return nil, err
		}
		for _, k := range page {
			if k.ID == id {
				return k, nil
			}
		}
		if len(page) < pageSize {
			return nil, gateway.ErrNotFound
		}
	}
}

// invalidateKey drops id from the authenticator's cache, if one is wired.
func (s *server) invalidateKey(id string) {
	if s.deps.KeyInvalidator != nil {
		s.deps.KeyInvalidator.InvalidateByKeyID(id)
	}
}

// --- Cache ---

func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache != nil {
		s.deps.Cache.Purge(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Usage ---

// usageSummary reports one ServiceKey's accounting for a single day, bounded
// by what TraceStore and CounterStore actually expose: a cost-since-day sum
// and the synced daily counters row, not arbitrary trace listing.
type usageSummary struct {
	ServiceKeyID string  `json:"service_key_id"`
	Day          string  `json:"day"`
	Requests     int64   `json:"requests"`
	Tokens       int64   `json:"tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (s *server) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	serviceKeyID := q.Get("service_key_id")
	if serviceKeyID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "service_key_id is required"))
		return
	}
	day := q.Get("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "invalid day format, use YYYY-MM-DD"))
		return
	}

	counters, err := s.deps.Store.GetDailyCounters(r.Context(), serviceKeyID, day)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal_error", "failed to query usage"))
		return
	}
	cost, err := s.deps.Store.SumCostSince(r.Context(), serviceKeyID, day)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal_error", "failed to query usage"))
		return
	}

	writeJSON(w, http.StatusOK, usageSummary{
		ServiceKeyID: serviceKeyID,
		Day:          day,
		Requests:     counters.Requests,
		Tokens:       counters.Tokens,
		CostUSD:      cost,
	})
}
