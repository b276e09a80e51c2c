// Package oauthmgr manages the authorize/exchange/refresh lifecycle of the
// OAuth sessions backing oauth-typed ProviderKeys. Refreshes for a given
// session are deduplicated with singleflight so a burst of concurrent
// requests against an expiring token triggers exactly one upstream
// refresh call.
package oauthmgr

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/storage"
)

// refreshSkew is how long before actual expiry a token is treated as
// expired, so a request never races a token that dies mid-flight.
const refreshSkew = 60 * time.Second

// Manager owns the OAuth session lifecycle for every oauth-typed ProviderKey.
type Manager struct {
	store       storage.OAuthSessionStore
	types       storage.ProviderTypeStore
	providerKeys storage.ProviderKeyStore
	group       singleflight.Group
}

// New creates a Manager backed by store for session persistence, types for
// resolving each ProviderType's OAuth endpoints, and providerKeys for
// mapping a session back to the ProviderType it was issued under.
func New(store storage.OAuthSessionStore, types storage.ProviderTypeStore, providerKeys storage.ProviderKeyStore) *Manager {
	return &Manager{store: store, types: types, providerKeys: providerKeys}
}

// StartAuthorize begins a PKCE authorization flow for a pending ProviderKey,
// returning the URL the operator should visit to grant access.
func (m *Manager) StartAuthorize(ctx context.Context, providerKeyID, providerTypeID string) (*gateway.OAuthSession, error) {
	pt, err := m.types.GetProviderType(ctx, providerTypeID)
	if err != nil {
		return nil, fmt.Errorf("oauthmgr: lookup provider type: %w", err)
	}
	if pt.OAuth == nil {
		return nil, gateway.ErrOAuthUnavailable
	}

	state, err := randomToken(24)
	if err != nil {
		return nil, err
	}
	verifier, err := randomToken(48)
	if err != nil {
		return nil, err
	}

	cfg := oauthConfig(pt)
	authURL := cfg.AuthCodeURL(state, pkceChallenge(verifier, pt.OAuth.PKCERequired)...)

	sess := &gateway.OAuthSession{
		ID:            providerKeyID + "-" + state[:8],
		ProviderKeyID: providerKeyID,
		State:         state,
		PKCEVerifier:  verifier,
		AuthorizeURL:  authURL,
		Status:        gateway.OAuthPending,
		CreatedAt:     time.Now(),
	}
	if err := m.store.CreateOAuthSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// CompleteAuthorize exchanges an authorization code for tokens after the
// provider redirects back with the matching state.
func (m *Manager) CompleteAuthorize(ctx context.Context, state, code string) (*gateway.OAuthSession, error) {
	sess, err := m.store.GetOAuthSessionByState(ctx, state)
	if err != nil {
		return nil, err
	}
	pt, err := m.providerTypeForSession(ctx, sess)
	if err != nil {
		return nil, err
	}

	cfg := oauthConfig(pt)
	opts := []oauth2.AuthCodeOption{}
	if sess.PKCEVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", sess.PKCEVerifier))
	}
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		sess.Status = gateway.OAuthError
		_ = m.store.UpdateOAuthSession(ctx, sess)
		return nil, fmt.Errorf("oauthmgr: exchange code: %w", err)
	}

	sess.AccessToken = tok.AccessToken
	sess.RefreshToken = tok.RefreshToken
	sess.ExpiresAt = tok.Expiry
	sess.Status = gateway.OAuthAuthorized
	sess.State = ""
	sess.PKCEVerifier = ""
	if err := m.store.UpdateOAuthSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AccessToken returns a valid access token for the session, refreshing it
// first if it is expired or within refreshSkew of expiring. Concurrent
// callers for the same session share one refresh via singleflight.
func (m *Manager) AccessToken(ctx context.Context, sessionID string) (string, error) {
	sess, err := m.store.GetOAuthSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status != gateway.OAuthAuthorized && sess.Status != gateway.OAuthExpired {
		return "", gateway.ErrOAuthUnavailable
	}
	if time.Until(sess.ExpiresAt) > refreshSkew {
		return sess.AccessToken, nil
	}

	v, err, _ := m.group.Do(sessionID, func() (any, error) {
		return m.refresh(ctx, sess)
	})
	if err != nil {
		return "", err
	}
	return v.(*gateway.OAuthSession).AccessToken, nil
}

func (m *Manager) refresh(ctx context.Context, sess *gateway.OAuthSession) (*gateway.OAuthSession, error) {
	// Re-read in case another process already refreshed this session.
	fresh, err := m.store.GetOAuthSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if time.Until(fresh.ExpiresAt) > refreshSkew {
		return fresh, nil
	}
	if fresh.RefreshToken == "" {
		fresh.Status = gateway.OAuthExpired
		_ = m.store.UpdateOAuthSession(ctx, fresh)
		return nil, gateway.ErrOAuthUnavailable
	}

	pt, err := m.providerTypeForSession(ctx, fresh)
	if err != nil {
		return nil, err
	}
	cfg := oauthConfig(pt)
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: fresh.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		fresh.Status = gateway.OAuthError
		_ = m.store.UpdateOAuthSession(ctx, fresh)
		return nil, fmt.Errorf("oauthmgr: refresh token: %w", err)
	}

	fresh.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	fresh.ExpiresAt = tok.Expiry
	fresh.Status = gateway.OAuthAuthorized
	if err := m.store.UpdateOAuthSession(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// providerTypeForSession resolves the ProviderType governing a session's
// ProviderKey. The session itself doesn't carry the type ID directly, so
// this hops through the owning ProviderKey.
func (m *Manager) providerTypeForSession(ctx context.Context, sess *gateway.OAuthSession) (*gateway.ProviderType, error) {
	pk, err := m.providerKeys.GetProviderKey(ctx, sess.ProviderKeyID)
	if err != nil {
		return nil, fmt.Errorf("oauthmgr: lookup provider key: %w", err)
	}
	pt, err := m.types.GetProviderType(ctx, pk.ProviderTypeID)
	if err != nil {
		return nil, fmt.Errorf("oauthmgr: lookup provider type: %w", err)
	}
	if pt.OAuth == nil {
		return nil, gateway.ErrOAuthUnavailable
	}
	return pt, nil
}

// Sweep deletes abandoned pending sessions that never completed the
// authorize/exchange handshake. Intended to run on a periodic tick from
// internal/worker.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredOAuthSessions(ctx)
}

func oauthConfig(pt *gateway.ProviderType) *oauth2.Config {
	return &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			AuthURL:  pt.OAuth.AuthorizeURL,
			TokenURL: pt.OAuth.TokenURL,
		},
		Scopes: pt.OAuth.Scopes,
	}
}

func pkceChallenge(verifier string, required bool) []oauth2.AuthCodeOption {
	if !required {
		return nil
	}
	return []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", verifier),
		oauth2.SetAuthURLParam("code_challenge_method", "plain"),
	}
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
