package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// CreateOAuthSession inserts a new OAuth authorization session.
func (s *Store) CreateOAuthSession(ctx context.Context, sess *gateway.OAuthSession) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO oauth_sessions (id, provider_key_id, state, pkce_verifier, authorize_url,
		 access_token, refresh_token, expires_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProviderKeyID, nullStr(sess.State), nullStr(sess.PKCEVerifier), nullStr(sess.AuthorizeURL),
		nullStr(sess.AccessToken), nullStr(sess.RefreshToken), timeToStr(&sess.ExpiresAt),
		string(sess.Status), sess.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetOAuthSession retrieves an OAuth session by ID.
func (s *Store) GetOAuthSession(ctx context.Context, id string) (*gateway.OAuthSession, error) {
	row := s.read.QueryRowContext(ctx, oauthSessionSelect+` WHERE id=?`, id)
	return scanOAuthSession(row)
}

// GetOAuthSessionByState looks up a pending session by its CSRF state
// token, used when the provider redirects back to the callback endpoint.
func (s *Store) GetOAuthSessionByState(ctx context.Context, state string) (*gateway.OAuthSession, error) {
	row := s.read.QueryRowContext(ctx, oauthSessionSelect+` WHERE state=?`, state)
	return scanOAuthSession(row)
}

// UpdateOAuthSession persists a refreshed or exchanged token set.
func (s *Store) UpdateOAuthSession(ctx context.Context, sess *gateway.OAuthSession) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE oauth_sessions SET state=?, pkce_verifier=?, access_token=?, refresh_token=?, expires_at=?, status=? WHERE id=?`,
		nullStr(sess.State), nullStr(sess.PKCEVerifier),
		nullStr(sess.AccessToken), nullStr(sess.RefreshToken), timeToStr(&sess.ExpiresAt),
		string(sess.Status), sess.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "oauth session")
}

// DeleteExpiredOAuthSessions removes sessions that never completed the
// authorize/exchange handshake within the PKCE state TTL.
func (s *Store) DeleteExpiredOAuthSessions(ctx context.Context) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM oauth_sessions WHERE status=? AND created_at < ?`,
		string(gateway.OAuthPending), time.Now().Add(-15*time.Minute).UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

const oauthSessionSelect = `SELECT id, provider_key_id, state, pkce_verifier, authorize_url,
	 access_token, refresh_token, expires_at, status, created_at FROM oauth_sessions`

func scanOAuthSession(row scanner) (*gateway.OAuthSession, error) {
	var sess gateway.OAuthSession
	var state, verifier, authURL, accessToken, refreshToken sql.NullString
	var expiresAt, createdAt sql.NullString
	var status string

	err := row.Scan(
		&sess.ID, &sess.ProviderKeyID, &state, &verifier, &authURL,
		&accessToken, &refreshToken, &expiresAt, &status, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	sess.State = state.String
	sess.PKCEVerifier = verifier.String
	sess.AuthorizeURL = authURL.String
	sess.AccessToken = accessToken.String
	sess.RefreshToken = refreshToken.String
	sess.Status = gateway.OAuthStatus(status)
	if t := parseTime(expiresAt); t != nil {
		sess.ExpiresAt = *t
	}
	if t := parseTime(createdAt); t != nil {
		sess.CreatedAt = *t
	}
	return &sess, nil
}
