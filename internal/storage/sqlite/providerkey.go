package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// CreateProviderKey inserts a new pooled upstream credential.
func (s *Store) CreateProviderKey(ctx context.Context, k *gateway.ProviderKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_keys (id, provider_type_id, auth_type, secret, oauth_session_id,
		 weight, max_request_per_min, max_prompt_token_min, max_request_per_day, project_id,
		 active, health_state, health_since, health_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.ProviderTypeID, k.AuthType, nullStr(k.Secret), nullStr(k.OAuthSessionID),
		k.Weight, k.MaxRequestPerMin, k.MaxPromptTokenMin, k.MaxRequestPerDay, nullStr(k.ProjectID),
		boolToInt(k.Active), int(k.Health.State), timeToStr(&k.Health.Since), nullStr(k.Health.Reason),
	)
	return err
}

// GetProviderKey retrieves a provider key by ID.
func (s *Store) GetProviderKey(ctx context.Context, id string) (*gateway.ProviderKey, error) {
	row := s.read.QueryRowContext(ctx, providerKeySelect+` WHERE id=?`, id)
	return scanProviderKey(row)
}

// ListProviderKeys returns provider keys matching the given IDs, preserving
// no particular order; callers reorder to match a ServiceKey's pool list.
func (s *Store) ListProviderKeys(ctx context.Context, ids []string) ([]gateway.ProviderKey, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.read.QueryContext(ctx, providerKeySelect+` WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []gateway.ProviderKey
	for rows.Next() {
		k, err := scanProviderKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// UpdateProviderKey updates a provider key's mutable fields.
func (s *Store) UpdateProviderKey(ctx context.Context, k *gateway.ProviderKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_keys SET weight=?, max_request_per_min=?, max_prompt_token_min=?,
		 max_request_per_day=?, project_id=?, active=? WHERE id=?`,
		k.Weight, k.MaxRequestPerMin, k.MaxPromptTokenMin, k.MaxRequestPerDay,
		nullStr(k.ProjectID), boolToInt(k.Active), k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider key")
}

// DeleteProviderKey removes a provider key.
func (s *Store) DeleteProviderKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider key")
}

// SetProviderKeyHealth persists the selector's health-machine verdict so a
// process restart resumes with the last known state instead of defaulting
// every key back to healthy.
func (s *Store) SetProviderKeyHealth(ctx context.Context, id string, h gateway.HealthView) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_keys SET health_state=?, health_since=?, health_reason=? WHERE id=?`,
		int(h.State), h.Since.UTC().Format(time.RFC3339), nullStr(h.Reason), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider key")
}

const providerKeySelect = `SELECT id, provider_type_id, auth_type, secret, oauth_session_id,
	 weight, max_request_per_min, max_prompt_token_min, max_request_per_day, project_id,
	 active, health_state, health_since, health_reason FROM provider_keys`

func scanProviderKey(row scanner) (*gateway.ProviderKey, error) {
	var k gateway.ProviderKey
	var secret, oauthSessionID, projectID sql.NullString
	var active int
	var healthState int
	var healthSince sql.NullString
	var healthReason sql.NullString

	err := row.Scan(
		&k.ID, &k.ProviderTypeID, &k.AuthType, &secret, &oauthSessionID,
		&k.Weight, &k.MaxRequestPerMin, &k.MaxPromptTokenMin, &k.MaxRequestPerDay, &projectID,
		&active, &healthState, &healthSince, &healthReason,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Secret = secret.String
	k.OAuthSessionID = oauthSessionID.String
	k.ProjectID = projectID.String
	k.Active = active != 0
	k.Health.State = gateway.HealthState(healthState)
	k.Health.Reason = healthReason.String
	if t := parseTime(healthSince); t != nil {
		k.Health.Since = *t
	}
	return &k, nil
}
