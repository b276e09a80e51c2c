// Package auth implements service key authentication for the Gandalf gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 60 * time.Second // widened from the original 30s to match the invalidation cadence
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// ServiceKeyAuth authenticates requests using service keys with "gnd_" prefix.
// It caches resolved snapshots in an otter W-TinyLFU cache for fast lookups.
type ServiceKeyAuth struct {
	keys         storage.ServiceKeyStore
	providerKeys storage.ProviderKeyStore
	cache        *otter.Cache[string, *gateway.ServiceKeySnapshot]
	keyIDToHash  sync.Map // keyID -> hash for cache invalidation by key ID
}

var _ gateway.Authenticator = (*ServiceKeyAuth)(nil)

// New returns a new ServiceKeyAuth backed by keys and providerKeys.
func New(keys storage.ServiceKeyStore, providerKeys storage.ProviderKeyStore) (*ServiceKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.ServiceKeySnapshot]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.ServiceKeySnapshot](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &ServiceKeyAuth{keys: keys, providerKeys: providerKeys, cache: c}, nil
}

// bearerFromRequest extracts the caller-supplied secret, trying each
// accepted location in order: Authorization: Bearer, x-api-key,
// x-goog-api-key, then the "key" query parameter. The first present wins.
func bearerFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k
	}
	return r.URL.Query().Get("key")
}

// Authenticate extracts the caller's service key secret, validates it
// against the store, and returns an immutable ServiceKeySnapshot. Only
// keys with the ServiceKeyPrefix are handled; a missing or non-prefixed key
// returns ErrMissingCredentials.
func (a *ServiceKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.ServiceKeySnapshot, error) {
	raw := bearerFromRequest(r)
	if raw == "" || !strings.HasPrefix(raw, gateway.ServiceKeyPrefix) {
		return nil, gateway.ErrMissingCredentials
	}

	hash := gateway.HashKey(raw)

	if snap, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkActive(snap); err != nil {
			if errors.Is(err, gateway.ErrCredentialsExpired) {
				a.cache.Invalidate(hash)
			}
			return nil, err
		}
		return snap, nil
	}

	key, err := a.keys.GetServiceKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrInvalidCredentials
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrInvalidCredentials
	}

	pool, err := a.providerKeys.ListProviderKeys(ctx, key.ProviderKeyIDs)
	if err != nil {
		return nil, fmt.Errorf("auth: load provider key pool: %w", err)
	}
	snap := &gateway.ServiceKeySnapshot{ServiceKey: *key, Pool: pool}

	if err := checkActive(snap); err != nil {
		return nil, err
	}

	a.cache.Set(hash, snap)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.keys.TouchServiceKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return snap, nil
}

// checkActive validates the non-quota invariants of a resolved snapshot.
func checkActive(snap *gateway.ServiceKeySnapshot) error {
	if !snap.Active {
		return gateway.ErrInvalidCredentials
	}
	if snap.ExpiresAt != nil && snap.ExpiresAt.Before(time.Now()) {
		return gateway.ErrCredentialsExpired
	}
	return nil
}

// InvalidateByKeyID removes a cached service key by its key ID.
// Used when management operations (block, update, delete) modify a key.
func (a *ServiceKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}
