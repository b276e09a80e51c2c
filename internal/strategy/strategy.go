// Package strategy implements gateway.ProviderStrategy generically over a
// ProviderType's FieldPaths and PriceTable, so a new OpenAI-compatible
// upstream can be onboarded by configuration instead of a new adapter.
package strategy

import (
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/gandalf/internal"
)

// FieldPath implements gateway.ProviderStrategy for one catalog entry.
type FieldPath struct {
	paths      gateway.FieldPaths
	priceTable map[string]gateway.ModelPrice
}

var _ gateway.ProviderStrategy = (*FieldPath)(nil)

// New builds a FieldPath strategy for pt.
func New(pt *gateway.ProviderType) *FieldPath {
	return &FieldPath{paths: pt.FieldPaths, priceTable: pt.PriceTable}
}

// ClassifyResponse maps an HTTP status to a ResponseClass. The class is
// decided by the status alone; the body is not inspected, so a rate-limit
// signal carried inside a 200 response is classified as ClassOK.
func (f *FieldPath) ClassifyResponse(statusCode int, body []byte) gateway.ResponseClass {
	switch {
	case statusCode == 0 || statusCode < 300:
		return gateway.ClassOK
	case statusCode == 429:
		return gateway.ClassRateLimited
	case statusCode == 401 || statusCode == 403:
		return gateway.ClassAuthError
	case statusCode >= 500:
		return gateway.ClassServerError
	default:
		return gateway.ClassClientError
	}
}

// ExtractUsage reads model and token counts out of body using the
// configured gjson paths. A path left blank in the catalog entry yields a
// zero value for that dimension rather than an error, since not every
// provider reports every dimension (cache tokens in particular).
func (f *FieldPath) ExtractUsage(body []byte) gateway.UsagePartial {
	get := func(path string) int64 {
		if path == "" {
			return 0
		}
		return gjson.GetBytes(body, path).Int()
	}
	model := ""
	if f.paths.ModelPath != "" {
		model = gjson.GetBytes(body, f.paths.ModelPath).String()
	}
	return gateway.UsagePartial{
		Model:             model,
		PromptTokens:      int(get(f.paths.UsagePromptPath)),
		CompletionTokens:  int(get(f.paths.UsageCompletionPath)),
		CacheCreateTokens: int(get(f.paths.UsageCacheCreatePath)),
		CacheReadTokens:   int(get(f.paths.UsageCacheReadPath)),
	}
}

// ComputeCost prices usage against the provider type's per-model price
// table, in USD per token (the catalog stores prices per 1M tokens).
func (f *FieldPath) ComputeCost(usage gateway.UsagePartial) float64 {
	price, ok := f.priceTable[usage.Model]
	if !ok {
		return 0
	}
	const perMillion = 1_000_000.0
	return float64(usage.PromptTokens)*price.PromptPrice/perMillion +
		float64(usage.CompletionTokens)*price.CompletionPrice/perMillion +
		float64(usage.CacheCreateTokens)*price.CacheCreatePrice/perMillion +
		float64(usage.CacheReadTokens)*price.CacheReadPrice/perMillion
}
