package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/app"
	"github.com/eugener/gandalf/internal/auth"
)

const adminToken = "test-admin-token"

func testAdminAuth(t *testing.T) *auth.AdminAuth {
	t.Helper()
	return auth.NewAdmin(adminToken)
}

// --- In-memory admin store ---

type adminFakeStore struct {
	*fakeServiceKeyStore

	mu            sync.RWMutex
	providerKeys  map[string]*gateway.ProviderKey
	providerTypes map[string]*gateway.ProviderType
	oauthSessions map[string]*gateway.OAuthSession
	counters      map[string]gateway.DailyCounters
	traces        []gateway.TraceRow
}

func newAdminFakeStore() *adminFakeStore {
	return &adminFakeStore{
		fakeServiceKeyStore: newFakeServiceKeyStore(),
		providerKeys:        make(map[string]*gateway.ProviderKey),
		providerTypes:       make(map[string]*gateway.ProviderType),
		oauthSessions:       make(map[string]*gateway.OAuthSession),
		counters:            make(map[string]gateway.DailyCounters),
	}
}

func (s *adminFakeStore) CreateProviderKey(_ context.Context, k *gateway.ProviderKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerKeys[k.ID] = k
	return nil
}
func (s *adminFakeStore) GetProviderKey(_ context.Context, id string) (*gateway.ProviderKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.providerKeys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}
func (s *adminFakeStore) ListProviderKeys(_ context.Context, ids []string) ([]gateway.ProviderKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gateway.ProviderKey
	for _, k := range s.providerKeys {
		if len(ids) > 0 && !contains(ids, k.ID) {
			continue
		}
		out = append(out, *k)
	}
	return out, nil
}
func (s *adminFakeStore) UpdateProviderKey(_ context.Context, k *gateway.ProviderKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providerKeys[k.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.providerKeys[k.ID] = k
	return nil
}
func (s *adminFakeStore) DeleteProviderKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providerKeys[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.providerKeys, id)
	return nil
}
func (s *adminFakeStore) SetProviderKeyHealth(_ context.Context, id string, h gateway.HealthView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.providerKeys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.Health = h
	return nil
}

func (s *adminFakeStore) GetProviderType(_ context.Context, id string) (*gateway.ProviderType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pt, ok := s.providerTypes[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return pt, nil
}
func (s *adminFakeStore) ListProviderTypes(_ context.Context) ([]*gateway.ProviderType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.ProviderType
	for _, pt := range s.providerTypes {
		out = append(out, pt)
	}
	return out, nil
}
func (s *adminFakeStore) UpsertProviderType(_ context.Context, pt *gateway.ProviderType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerTypes[pt.ID] = pt
	return nil
}
func (s *adminFakeStore) DeleteProviderType(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providerTypes, id)
	return nil
}

func (s *adminFakeStore) CreateOAuthSession(_ context.Context, sess *gateway.OAuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oauthSessions[sess.ID] = sess
	return nil
}
func (s *adminFakeStore) GetOAuthSession(_ context.Context, id string) (*gateway.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.oauthSessions[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return sess, nil
}
func (s *adminFakeStore) GetOAuthSessionByState(_ context.Context, state string) (*gateway.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.oauthSessions {
		if sess.State == state {
			return sess, nil
		}
	}
	return nil, gateway.ErrNotFound
}
func (s *adminFakeStore) UpdateOAuthSession(_ context.Context, sess *gateway.OAuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.oauthSessions[sess.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.oauthSessions[sess.ID] = sess
	return nil
}
func (s *adminFakeStore) DeleteExpiredOAuthSessions(context.Context) (int, error) { return 0, nil }

func (s *adminFakeStore) GetDailyCounters(_ context.Context, serviceKeyID, day string) (gateway.DailyCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[serviceKeyID+"|"+day], nil
}
func (s *adminFakeStore) IncrDailyCounters(_ context.Context, serviceKeyID, day string, requests, tokens int64, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := serviceKeyID + "|" + day
	c := s.counters[key]
	c.ServiceKeyID, c.Day = serviceKeyID, day
	c.Requests += requests
	c.Tokens += tokens
	c.CostUSD += costUSD
	s.counters[key] = c
	return nil
}

func (s *adminFakeStore) InsertTraces(_ context.Context, rows []gateway.TraceRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, rows...)
	return nil
}
func (s *adminFakeStore) SumCostSince(_ context.Context, serviceKeyID, day string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[serviceKeyID+"|"+day].CostUSD, nil
}

func (s *adminFakeStore) Close() error { return nil }

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func newAdminTestHandler(t *testing.T) (http.Handler, *adminFakeStore) {
	t.Helper()
	store := newAdminFakeStore()
	h := New(Deps{
		Auth:  fakeAuth{},
		Admin: testAdminAuth(t),
		Keys:  app.NewKeyManager(store),
		Store: store,
	})
	return h, store
}

func adminRequest(method, path, token string, body any) *http.Request {
	var r *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, strings.NewReader(string(b)))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("X-Admin-Token", token)
	}
	return r
}

func TestAdmin_ProviderTypeLifecycle(t *testing.T) {
	t.Parallel()
	h, _ := newAdminTestHandler(t)

	req := adminRequest(http.MethodPut, "/admin/v1/provider-types/openai", adminToken, gateway.ProviderType{
		DisplayName: "OpenAI", BaseURL: "https://api.openai.com",
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = adminRequest(http.MethodGet, "/admin/v1/provider-types", adminToken, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "OpenAI") {
		t.Fatalf("list status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = adminRequest(http.MethodDelete, "/admin/v1/provider-types/openai", adminToken, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestAdmin_ProviderKeyLifecycle(t *testing.T) {
	t.Parallel()
	h, _ := newAdminTestHandler(t)

	req := adminRequest(http.MethodPost, "/admin/v1/provider-keys", adminToken, providerKeyRequest{
		ProviderTypeID: "openai",
		AuthType:       "api_key",
		Secret:         "sk-live-xyz",
		Weight:         1,
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-live-xyz") {
		t.Error("response should never echo the provider key secret")
	}

	var created gateway.ProviderKey
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	req = adminRequest(http.MethodGet, "/admin/v1/provider-keys/"+created.ID, adminToken, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	req = adminRequest(http.MethodPut, "/admin/v1/provider-keys/"+created.ID, adminToken, map[string]any{"active": false})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = adminRequest(http.MethodPost, "/admin/v1/provider-keys/"+created.ID+"/reset-health", adminToken, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset-health status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = adminRequest(http.MethodDelete, "/admin/v1/provider-keys/"+created.ID, adminToken, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestAdmin_ServiceKeyLifecycle(t *testing.T) {
	t.Parallel()
	h, _ := newAdminTestHandler(t)

	req := adminRequest(http.MethodPost, "/admin/v1/service-keys", adminToken, serviceKeyCreateRequest{
		DisplayName:    "ci-bot",
		OwnerUserID:    "user-1",
		ProviderTypeID: "openai",
		ProviderKeyIDs: []string{"pk-1"},
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created serviceKeyCreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(created.PlaintextKey, gateway.ServiceKeyPrefix) {
		t.Errorf("plaintext key = %q, want %s prefix", created.PlaintextKey, gateway.ServiceKeyPrefix)
	}

	req = adminRequest(http.MethodGet, "/admin/v1/service-keys/"+created.ID, adminToken, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = adminRequest(http.MethodPost, "/admin/v1/service-keys/"+created.ID+"/rotate", adminToken, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var rotated serviceKeyCreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rotated); err != nil {
		t.Fatal(err)
	}
	if rotated.PlaintextKey == created.PlaintextKey {
		t.Error("rotate should issue a new plaintext key")
	}

	req = adminRequest(http.MethodDelete, "/admin/v1/service-keys/"+created.ID, adminToken, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestAdmin_ServiceKeyList_ScopedByOwner(t *testing.T) {
	t.Parallel()
	h, store := newAdminTestHandler(t)
	store.keys["sk-a"] = &gateway.ServiceKey{ID: "sk-a", OwnerUserID: "alice"}
	store.keys["sk-b"] = &gateway.ServiceKey{ID: "sk-b", OwnerUserID: "bob"}

	req := adminRequest(http.MethodGet, "/admin/v1/service-keys?owner_user_id=alice", adminToken, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-b") {
		t.Error("list should not include keys owned by a different user")
	}
}

func TestAdmin_MissingToken_Unauthorized(t *testing.T) {
	t.Parallel()
	h, _ := newAdminTestHandler(t)

	req := adminRequest(http.MethodGet, "/admin/v1/service-keys", "", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAdmin_QueryUsage(t *testing.T) {
	t.Parallel()
	h, store := newAdminTestHandler(t)
	day := time.Now().UTC().Format("2006-01-02")
	store.counters["sk-1|"+day] = gateway.DailyCounters{ServiceKeyID: "sk-1", Day: day, Requests: 10, Tokens: 500, CostUSD: 0.25}

	req := adminRequest(http.MethodGet, "/admin/v1/usage?service_key_id=sk-1", adminToken, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var summary usageSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Requests != 10 || summary.CostUSD != 0.25 {
		t.Errorf("summary = %+v, want requests=10 cost=0.25", summary)
	}
}

func TestAdmin_CachePurge(t *testing.T) {
	t.Parallel()
	store := newAdminFakeStore()
	c := &fakePurgeCache{}
	h := New(Deps{
		Auth:  fakeAuth{},
		Admin: testAdminAuth(t),
		Keys:  app.NewKeyManager(store),
		Store: store,
		Cache: c,
	})

	req := adminRequest(http.MethodPost, "/admin/v1/cache/purge", adminToken, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if !c.purged {
		t.Error("expected cache to be purged")
	}
}

type fakePurgeCache struct{ purged bool }

func (c *fakePurgeCache) Get(context.Context, string) ([]byte, bool)     { return nil, false }
func (c *fakePurgeCache) Set(context.Context, string, []byte, time.Duration) {}
func (c *fakePurgeCache) Delete(context.Context, string)                {}
func (c *fakePurgeCache) Purge(context.Context)                         { c.purged = true }
