package strategy

import (
	"testing"

	gateway "github.com/eugener/gandalf/internal"
)

func testProviderType() *gateway.ProviderType {
	return &gateway.ProviderType{
		ID: "openai",
		FieldPaths: gateway.FieldPaths{
			ModelPath:           "model",
			UsagePromptPath:     "usage.prompt_tokens",
			UsageCompletionPath: "usage.completion_tokens",
		},
		PriceTable: map[string]gateway.ModelPrice{
			"gpt-4o": {PromptPrice: 2.50, CompletionPrice: 10.0},
		},
	}
}

func TestExtractUsage(t *testing.T) {
	t.Parallel()
	s := New(testProviderType())
	body := []byte(`{"model":"gpt-4o","usage":{"prompt_tokens":100,"completion_tokens":50}}`)

	u := s.ExtractUsage(body)
	if u.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", u.Model)
	}
	if u.PromptTokens != 100 || u.CompletionTokens != 50 {
		t.Errorf("usage = %+v", u)
	}
}

func TestExtractUsage_MissingCachePaths(t *testing.T) {
	t.Parallel()
	s := New(testProviderType())
	body := []byte(`{"model":"gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":5}}`)

	u := s.ExtractUsage(body)
	if u.CacheCreateTokens != 0 || u.CacheReadTokens != 0 {
		t.Errorf("expected zero cache tokens, got %+v", u)
	}
}

func TestComputeCost(t *testing.T) {
	t.Parallel()
	s := New(testProviderType())
	cost := s.ComputeCost(gateway.UsagePartial{Model: "gpt-4o", PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
	want := 2.50 + 10.0
	if cost != want {
		t.Errorf("cost = %v, want %v", cost, want)
	}
}

func TestComputeCost_UnknownModel(t *testing.T) {
	t.Parallel()
	s := New(testProviderType())
	cost := s.ComputeCost(gateway.UsagePartial{Model: "unknown-model", PromptTokens: 1000})
	if cost != 0 {
		t.Errorf("cost = %v, want 0 for unpriced model", cost)
	}
}

func TestClassifyResponse(t *testing.T) {
	t.Parallel()
	s := New(testProviderType())

	tests := []struct {
		status int
		want   gateway.ResponseClass
	}{
		{200, gateway.ClassOK},
		{429, gateway.ClassRateLimited},
		{401, gateway.ClassAuthError},
		{403, gateway.ClassAuthError},
		{500, gateway.ClassServerError},
		{400, gateway.ClassClientError},
	}
	for _, tt := range tests {
		if got := s.ClassifyResponse(tt.status, nil); got != tt.want {
			t.Errorf("ClassifyResponse(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
