// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/eugener/gandalf/internal"
)

// ServiceKeyStore manages service key persistence.
type ServiceKeyStore interface {
	CreateServiceKey(ctx context.Context, key *gateway.ServiceKey) error
	GetServiceKeyByHash(ctx context.Context, hash string) (*gateway.ServiceKey, error)
	ListServiceKeys(ctx context.Context, ownerUserID string, offset, limit int) ([]*gateway.ServiceKey, error)
	UpdateServiceKey(ctx context.Context, key *gateway.ServiceKey) error
	DeleteServiceKey(ctx context.Context, id string) error
	TouchServiceKeyUsed(ctx context.Context, id string) error
}

// ProviderKeyStore manages pooled upstream credential persistence.
type ProviderKeyStore interface {
	CreateProviderKey(ctx context.Context, k *gateway.ProviderKey) error
	GetProviderKey(ctx context.Context, id string) (*gateway.ProviderKey, error)
	ListProviderKeys(ctx context.Context, ids []string) ([]gateway.ProviderKey, error)
	UpdateProviderKey(ctx context.Context, k *gateway.ProviderKey) error
	DeleteProviderKey(ctx context.Context, id string) error
	SetProviderKeyHealth(ctx context.Context, id string, h gateway.HealthView) error
}

// ProviderTypeStore manages the provider catalog.
type ProviderTypeStore interface {
	GetProviderType(ctx context.Context, id string) (*gateway.ProviderType, error)
	ListProviderTypes(ctx context.Context) ([]*gateway.ProviderType, error)
	UpsertProviderType(ctx context.Context, pt *gateway.ProviderType) error
	DeleteProviderType(ctx context.Context, id string) error
}

// OAuthSessionStore manages OAuth session persistence.
type OAuthSessionStore interface {
	CreateOAuthSession(ctx context.Context, s *gateway.OAuthSession) error
	GetOAuthSession(ctx context.Context, id string) (*gateway.OAuthSession, error)
	GetOAuthSessionByState(ctx context.Context, state string) (*gateway.OAuthSession, error)
	UpdateOAuthSession(ctx context.Context, s *gateway.OAuthSession) error
	DeleteExpiredOAuthSessions(ctx context.Context) (int, error)
}

// DailyCounters is the rolling-day accounting row for one ServiceKey,
// keyed by the key's own time zone so day boundaries line up with the
// caller's expectation rather than the server's local clock.
type DailyCounters struct {
	ServiceKeyID string
	Day          string // YYYY-MM-DD in the key's time zone
	Requests     int64
	Tokens       int64
	CostUSD      float64
}

// CounterStore manages the durable daily quota counters that the quota-sync
// background worker reads to rehydrate the in-memory trackers.
type CounterStore interface {
	GetDailyCounters(ctx context.Context, serviceKeyID, day string) (DailyCounters, error)
	IncrDailyCounters(ctx context.Context, serviceKeyID, day string, requests, tokens int64, costUSD float64) error
}

// TraceStore manages durable per-request trace persistence.
type TraceStore interface {
	InsertTraces(ctx context.Context, rows []gateway.TraceRow) error
	SumCostSince(ctx context.Context, serviceKeyID string, day string) (float64, error)
}

// Store combines all storage interfaces.
type Store interface {
	ServiceKeyStore
	ProviderKeyStore
	ProviderTypeStore
	OAuthSessionStore
	CounterStore
	TraceStore
	Close() error
}
