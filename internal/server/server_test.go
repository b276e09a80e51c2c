package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/forwarder"
	"github.com/eugener/gandalf/internal/provider"
	"github.com/eugener/gandalf/internal/ratelimit"
	"github.com/eugener/gandalf/internal/selector"
	"github.com/eugener/gandalf/internal/storage"
)

// fakeAuth always authenticates successfully against a canned snapshot.
type fakeAuth struct {
	snapshot *gateway.ServiceKeySnapshot
}

func (f fakeAuth) Authenticate(_ context.Context, _ *http.Request) (*gateway.ServiceKeySnapshot, error) {
	if f.snapshot != nil {
		return f.snapshot, nil
	}
	return defaultSnapshot(), nil
}

func defaultSnapshot() *gateway.ServiceKeySnapshot {
	return &gateway.ServiceKeySnapshot{
		ServiceKey: gateway.ServiceKey{
			ID:             "sk-test-1",
			OwnerUserID:    "user-1",
			ProviderTypeID: "fake",
			ProviderKeyIDs: []string{"pk-1"},
			Strategy:       "round_robin",
			RetryCount:     1,
			Active:         true,
		},
		Pool: []gateway.ProviderKey{{
			ID:             "pk-1",
			ProviderTypeID: "fake",
			AuthType:       "api_key",
			Secret:         "sk-live-fake",
			Weight:         1,
			Active:         true,
		}},
	}
}

// fakeProvider returns a canned response for every call.
type fakeProvider struct {
	chatErr error
}

func (fakeProvider) Name() string { return "fake" }
func (fakeProvider) Type() string { return "fake" }

func (p fakeProvider) ChatCompletion(_ context.Context, req *gateway.ChatRequest, _ gateway.Credential) (*gateway.ChatResponse, error) {
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: 1234567890,
		Model:   req.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"Hello!"`)},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}, nil
}

func (fakeProvider) ChatCompletionStream(_ context.Context, _ *gateway.ChatRequest, _ gateway.Credential) (<-chan gateway.StreamChunk, error) {
	ch := make(chan gateway.StreamChunk, 3)
	ch <- gateway.StreamChunk{Data: []byte(`{"id":"chatcmpl-test","choices":[{"delta":{"content":"hi"}}]}`)}
	ch <- gateway.StreamChunk{Data: []byte(`{"id":"chatcmpl-test","choices":[{"delta":{"content":"!"}}]}`)}
	ch <- gateway.StreamChunk{Done: true, Usage: &gateway.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}}
	close(ch)
	return ch, nil
}

func (fakeProvider) Embeddings(_ context.Context, _ *gateway.EmbeddingRequest, _ gateway.Credential) (*gateway.EmbeddingResponse, error) {
	return &gateway.EmbeddingResponse{
		Object: "list",
		Data:   []byte(`[{"object":"embedding","index":0,"embedding":[0.1]}]`),
		Model:  "text-embedding-3-small",
		Usage:  &gateway.Usage{PromptTokens: 3, TotalTokens: 3},
	}, nil
}
func (fakeProvider) ListModels(context.Context) ([]string, error) { return []string{"gpt-4o"}, nil }
func (fakeProvider) HealthCheck(context.Context, gateway.Credential) error { return nil }

// newTestForwarder builds a real Forwarder wired to a fake provider, so
// route tests exercise the same selector/retry path production traffic
// does instead of a stubbed-out interface.
func newTestForwarder(p gateway.Provider) *forwarder.Forwarder {
	reg := provider.NewRegistry()
	reg.Register("fake", p)
	sel := selector.New(selector.DefaultHealthConfig())
	return forwarder.New(reg, sel, nil, ratelimit.NewRegistry())
}

func newTestHandler() http.Handler {
	fwd := newTestForwarder(fakeProvider{})
	reg := provider.NewRegistry()
	reg.Register("fake", fakeProvider{})
	return New(Deps{
		Auth:      fakeAuth{},
		Forwarder: fwd,
		Providers: reg,
	})
}

// fakeServiceKeyStore is a minimal in-memory ServiceKeyStore for admin tests.
type fakeServiceKeyStore struct {
	keys map[string]*gateway.ServiceKey
}

func newFakeServiceKeyStore() *fakeServiceKeyStore {
	return &fakeServiceKeyStore{keys: map[string]*gateway.ServiceKey{}}
}
func (s *fakeServiceKeyStore) CreateServiceKey(_ context.Context, key *gateway.ServiceKey) error {
	s.keys[key.ID] = key
	return nil
}
func (s *fakeServiceKeyStore) GetServiceKeyByHash(_ context.Context, hash string) (*gateway.ServiceKey, error) {
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return k, nil
		}
	}
	return nil, gateway.ErrNotFound
}
func (s *fakeServiceKeyStore) ListServiceKeys(_ context.Context, ownerUserID string, offset, limit int) ([]*gateway.ServiceKey, error) {
	var out []*gateway.ServiceKey
	for _, k := range s.keys {
		if ownerUserID != "" && k.OwnerUserID != ownerUserID {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}
func (s *fakeServiceKeyStore) UpdateServiceKey(_ context.Context, key *gateway.ServiceKey) error {
	if _, ok := s.keys[key.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.keys[key.ID] = key
	return nil
}
func (s *fakeServiceKeyStore) DeleteServiceKey(_ context.Context, id string) error {
	if _, ok := s.keys[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}
func (s *fakeServiceKeyStore) TouchServiceKeyUsed(context.Context, string) error { return nil }

var _ storage.ServiceKeyStore = (*fakeServiceKeyStore)(nil)

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadyz_NoCheck(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "chatcmpl-test") {
		t.Errorf("body = %s, want chatcmpl-test", rec.Body.String())
	}
}

func TestEmbeddings(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	body := `{"model":"text-embedding-3-small","input":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "gpt-4o") {
		t.Errorf("body = %s, want gpt-4o", rec.Body.String())
	}
}

func TestChatCompletion_UpstreamError(t *testing.T) {
	t.Parallel()
	fwd := newTestForwarder(fakeProvider{chatErr: &provider.APIError{StatusCode: 500, Body: "boom"}})
	reg := provider.NewRegistry()
	reg.Register("fake", fakeProvider{chatErr: &provider.APIError{StatusCode: 500, Body: "boom"}})
	h := New(Deps{Auth: fakeAuth{}, Forwarder: fwd, Providers: reg})

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code < 500 {
		t.Errorf("status = %d, want >= 500", rec.Code)
	}
}

func TestNoServiceKey_Unauthorized(t *testing.T) {
	t.Parallel()
	fwd := newTestForwarder(fakeProvider{})
	reg := provider.NewRegistry()
	reg.Register("fake", fakeProvider{})
	h := New(Deps{
		Auth: authFunc(func(context.Context, *http.Request) (*gateway.ServiceKeySnapshot, error) {
			return nil, gateway.ErrUnauthorized
		}),
		Forwarder: fwd,
		Providers: reg,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

// authFunc adapts a plain function to gateway.Authenticator.
type authFunc func(context.Context, *http.Request) (*gateway.ServiceKeySnapshot, error)

func (f authFunc) Authenticate(ctx context.Context, r *http.Request) (*gateway.ServiceKeySnapshot, error) {
	return f(ctx, r)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id header to be set")
	}
}

func TestReadyz_CheckFails(t *testing.T) {
	t.Parallel()
	fwd := newTestForwarder(fakeProvider{})
	reg := provider.NewRegistry()
	reg.Register("fake", fakeProvider{})
	h := New(Deps{
		Auth:      fakeAuth{},
		Forwarder: fwd,
		Providers: reg,
		ReadyCheck: func(context.Context) error {
			return context.DeadlineExceeded
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
