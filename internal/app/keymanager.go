// Package app implements application-level services for the Gandalf LLM gateway.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/storage"
)

// CreateServiceKeyOpts configures a new ServiceKey at creation time.
type CreateServiceKeyOpts struct {
	DisplayName    string
	OwnerUserID    string
	ProviderTypeID string
	ProviderKeyIDs []string
	Strategy       string
	RetryCount     int
	TimeoutSeconds int
	Quota          gateway.QuotaLimits
	TimeZone       string
	ExpiresAt      *time.Time
}

// KeyManager handles ServiceKey lifecycle (create, rotate, delete). It
// owns the only code path that ever sees a key's plaintext secret; every
// other component operates on hashes or snapshots.
type KeyManager struct {
	store storage.ServiceKeyStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.ServiceKeyStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKey generates a new "gnd_"-prefixed service key secret, stores its
// hash, and returns the plaintext (shown exactly once) along with the
// persisted ServiceKey record.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateServiceKeyOpts) (string, *gateway.ServiceKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := gateway.ServiceKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash := gateway.HashKey(plaintext)

	key := &gateway.ServiceKey{
		ID:             uuid.Must(uuid.NewV7()).String(),
		OwnerUserID:    opts.OwnerUserID,
		DisplayName:    opts.DisplayName,
		ProviderTypeID: opts.ProviderTypeID,
		ProviderKeyIDs: opts.ProviderKeyIDs,
		Strategy:       opts.Strategy,
		RetryCount:     opts.RetryCount,
		TimeoutSeconds: opts.TimeoutSeconds,
		Quota:          opts.Quota,
		TimeZone:       opts.TimeZone,
		KeyHash:        hash,
		KeyPrefix:      plaintext[:len(gateway.ServiceKeyPrefix)+8],
		Active:         true,
		ExpiresAt:      opts.ExpiresAt,
		CreatedAt:      time.Now().UTC(),
	}

	if err := km.store.CreateServiceKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// RotateKey replaces key's secret with a freshly generated one and persists
// it, invalidating the old plaintext immediately. The ServiceKey's pool and
// quota are left untouched.
func (km *KeyManager) RotateKey(ctx context.Context, key *gateway.ServiceKey) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	plaintext := gateway.ServiceKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	key.KeyHash = gateway.HashKey(plaintext)
	key.KeyPrefix = plaintext[:len(gateway.ServiceKeyPrefix)+8]

	if err := km.store.UpdateServiceKey(ctx, key); err != nil {
		return "", err
	}
	return plaintext, nil
}

// DeleteKey removes the ServiceKey with the given ID.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	return km.store.DeleteServiceKey(ctx, id)
}
