package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// CreateServiceKey inserts a new service key.
func (s *Store) CreateServiceKey(ctx context.Context, key *gateway.ServiceKey) error {
	poolJSON, err := marshalJSON(key.ProviderKeyIDs)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO service_keys (id, owner_user_id, display_name, provider_type_id,
		 provider_key_ids, strategy, retry_count, timeout_seconds,
		 max_rpm, max_rpd, max_tpd, max_cost_day, time_zone,
		 key_hash, key_prefix, active, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.OwnerUserID, key.DisplayName, key.ProviderTypeID,
		poolJSON, key.Strategy, key.RetryCount, key.TimeoutSeconds,
		key.Quota.MaxRequestsPerMinute, key.Quota.MaxRequestsPerDay, key.Quota.MaxTokensPerDay, key.Quota.MaxCostPerDay,
		nullStr(key.TimeZone),
		key.KeyHash, key.KeyPrefix, boolToInt(key.Active), timeToStr(key.ExpiresAt),
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetServiceKeyByHash retrieves a service key by its SHA-256 hash.
func (s *Store) GetServiceKeyByHash(ctx context.Context, hash string) (*gateway.ServiceKey, error) {
	row := s.read.QueryRowContext(ctx, serviceKeySelect+` WHERE key_hash = ?`, hash)
	return scanServiceKey(row)
}

// ListServiceKeys returns service keys owned by a user.
func (s *Store) ListServiceKeys(ctx context.Context, ownerUserID string, offset, limit int) ([]*gateway.ServiceKey, error) {
	rows, err := s.read.QueryContext(ctx,
		serviceKeySelect+` WHERE owner_user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		ownerUserID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.ServiceKey
	for rows.Next() {
		k, err := scanServiceKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateServiceKey updates an existing service key's mutable fields.
func (s *Store) UpdateServiceKey(ctx context.Context, key *gateway.ServiceKey) error {
	poolJSON, err := marshalJSON(key.ProviderKeyIDs)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE service_keys SET display_name=?, provider_key_ids=?, strategy=?, retry_count=?,
		 timeout_seconds=?, max_rpm=?, max_rpd=?, max_tpd=?, max_cost_day=?, time_zone=?,
		 active=?, expires_at=? WHERE id=?`,
		key.DisplayName, poolJSON, key.Strategy, key.RetryCount, key.TimeoutSeconds,
		key.Quota.MaxRequestsPerMinute, key.Quota.MaxRequestsPerDay, key.Quota.MaxTokensPerDay, key.Quota.MaxCostPerDay,
		nullStr(key.TimeZone), boolToInt(key.Active), timeToStr(key.ExpiresAt), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "service key")
}

// DeleteServiceKey removes a service key.
func (s *Store) DeleteServiceKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM service_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "service key")
}

// TouchServiceKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchServiceKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE service_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

const serviceKeySelect = `SELECT id, owner_user_id, display_name, provider_type_id,
	 provider_key_ids, strategy, retry_count, timeout_seconds,
	 max_rpm, max_rpd, max_tpd, max_cost_day, time_zone,
	 key_hash, key_prefix, active, expires_at, created_at FROM service_keys`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func scanServiceKey(row scanner) (*gateway.ServiceKey, error) {
	var k gateway.ServiceKey
	var poolJSON sql.NullString
	var timeZone sql.NullString
	var expiresAt, createdAt sql.NullString
	var active int

	err := row.Scan(
		&k.ID, &k.OwnerUserID, &k.DisplayName, &k.ProviderTypeID,
		&poolJSON, &k.Strategy, &k.RetryCount, &k.TimeoutSeconds,
		&k.Quota.MaxRequestsPerMinute, &k.Quota.MaxRequestsPerDay, &k.Quota.MaxTokensPerDay, &k.Quota.MaxCostPerDay,
		&timeZone,
		&k.KeyHash, &k.KeyPrefix, &active, &expiresAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Active = active != 0
	k.TimeZone = timeZone.String

	pool, err := unmarshalStringSlice(poolJSON)
	if err != nil {
		return nil, err
	}
	k.ProviderKeyIDs = pool
	k.ExpiresAt = parseTime(expiresAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// helpers shared by every entity file in this package.

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
