// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Provider
// types are upserted unconditionally (the catalog is meant to track config
// on every restart); service keys and their provider-key pools are created
// only the first time their plaintext key is seen, so re-running bootstrap
// against an already-seeded database is a no-op for keys.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, pt := range cfg.ProviderTypes {
		if err := store.UpsertProviderType(ctx, toProviderType(pt)); err != nil {
			return err
		}
		slog.Info("bootstrapped provider type", "id", pt.ID)
	}

	for _, sk := range cfg.ServiceKeys {
		if sk.Key == "" {
			continue
		}
		hash := gateway.HashKey(sk.Key)
		if existing, _ := store.GetServiceKeyByHash(ctx, hash); existing != nil {
			continue
		}

		providerKeyIDs := make([]string, 0, len(sk.ProviderKeys))
		for _, pke := range sk.ProviderKeys {
			pk := &gateway.ProviderKey{
				ID:                uuid.Must(uuid.NewV7()).String(),
				ProviderTypeID:    pke.ProviderTypeID,
				AuthType:          pke.AuthType,
				Secret:            pke.Secret,
				Weight:            max(1, pke.Weight),
				MaxRequestPerMin:  pke.MaxRequestPerMin,
				MaxPromptTokenMin: pke.MaxPromptTokenMin,
				MaxRequestPerDay:  pke.MaxRequestPerDay,
				ProjectID:         pke.ProjectID,
				Active:            true,
			}
			if err := store.CreateProviderKey(ctx, pk); err != nil {
				return err
			}
			providerKeyIDs = append(providerKeyIDs, pk.ID)
		}

		prefix := sk.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}

		strategy := sk.Strategy
		if strategy == "" {
			strategy = "round_robin"
		}

		key := &gateway.ServiceKey{
			ID:             uuid.Must(uuid.NewV7()).String(),
			OwnerUserID:    sk.OwnerUserID,
			DisplayName:    sk.DisplayName,
			ProviderTypeID: sk.ProviderTypeID,
			ProviderKeyIDs: providerKeyIDs,
			Strategy:       strategy,
			RetryCount:     sk.RetryCount,
			TimeoutSeconds: max(5, sk.TimeoutSeconds),
			Quota: gateway.QuotaLimits{
				MaxRequestsPerMinute: sk.Quota.MaxRequestsPerMinute,
				MaxRequestsPerDay:    sk.Quota.MaxRequestsPerDay,
				MaxTokensPerDay:      sk.Quota.MaxTokensPerDay,
				MaxCostPerDay:        sk.Quota.MaxCostPerDay,
			},
			TimeZone:  sk.TimeZone,
			KeyHash:   hash,
			KeyPrefix: prefix,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateServiceKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped service key", "display_name", sk.DisplayName, "prefix", prefix)
	}

	return nil
}

func toProviderType(pt ProviderTypeEntry) *gateway.ProviderType {
	priceTable := make(map[string]gateway.ModelPrice, len(pt.PriceTable))
	for model, price := range pt.PriceTable {
		priceTable[model] = gateway.ModelPrice{
			PromptPrice:      price.PromptPrice,
			CompletionPrice:  price.CompletionPrice,
			CacheCreatePrice: price.CacheCreatePrice,
			CacheReadPrice:   price.CacheReadPrice,
		}
	}

	var oauth *gateway.OAuthCatalogParams
	if pt.OAuth != nil {
		oauth = &gateway.OAuthCatalogParams{
			AuthorizeURL: pt.OAuth.AuthorizeURL,
			TokenURL:     pt.OAuth.TokenURL,
			Scopes:       pt.OAuth.Scopes,
			PKCERequired: pt.OAuth.PKCERequired,
		}
	}

	return &gateway.ProviderType{
		ID:                pt.ID,
		DisplayName:       pt.DisplayName,
		BaseURL:           pt.BaseURL,
		AuthHeaderName:    pt.AuthHeaderName,
		AuthHeaderFormat:  pt.AuthHeaderFormat,
		SupportsAuthTypes: pt.SupportsAuthTypes,
		FieldPaths: gateway.FieldPaths{
			ModelPath:            pt.FieldPaths.ModelPath,
			UsagePromptPath:      pt.FieldPaths.UsagePromptPath,
			UsageCompletionPath:  pt.FieldPaths.UsageCompletionPath,
			UsageCacheCreatePath: pt.FieldPaths.UsageCacheCreatePath,
			UsageCacheReadPath:   pt.FieldPaths.UsageCacheReadPath,
			StreamEventDelimiter: pt.FieldPaths.StreamEventDelimiter,
			TerminalMarker:       pt.FieldPaths.TerminalMarker,
		},
		OAuth:      oauth,
		PriceTable: priceTable,
	}
}

// GenerateServiceKey creates a random service key and returns the plaintext.
func GenerateServiceKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.ServiceKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
