package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	gateway "github.com/eugener/gandalf/internal"
)

// GetProviderType retrieves a provider type by ID.
func (s *Store) GetProviderType(ctx context.Context, id string) (*gateway.ProviderType, error) {
	row := s.read.QueryRowContext(ctx, providerTypeSelect+` WHERE id=?`, id)
	return scanProviderType(row)
}

// ListProviderTypes returns the full provider catalog.
func (s *Store) ListProviderTypes(ctx context.Context) ([]*gateway.ProviderType, error) {
	rows, err := s.read.QueryContext(ctx, providerTypeSelect+` ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ProviderType
	for rows.Next() {
		pt, err := scanProviderType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// UpsertProviderType inserts or replaces a catalog row. The catalog is
// config-driven and reloaded wholesale on startup, so upsert-by-id is the
// only write path; there is no incremental-field update.
func (s *Store) UpsertProviderType(ctx context.Context, pt *gateway.ProviderType) error {
	fieldPaths, err := json.Marshal(pt.FieldPaths)
	if err != nil {
		return err
	}
	authTypes, err := marshalJSON(pt.SupportsAuthTypes)
	if err != nil {
		return err
	}
	var oauthJSON sql.NullString
	if pt.OAuth != nil {
		b, err := json.Marshal(pt.OAuth)
		if err != nil {
			return err
		}
		oauthJSON = sql.NullString{String: string(b), Valid: true}
	}
	priceJSON, err := json.Marshal(pt.PriceTable)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO provider_types (id, display_name, base_url, auth_header_name, auth_header_format,
		 supports_auth_types, field_paths, oauth_params, price_table)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, base_url=excluded.base_url,
		 auth_header_name=excluded.auth_header_name, auth_header_format=excluded.auth_header_format,
		 supports_auth_types=excluded.supports_auth_types, field_paths=excluded.field_paths,
		 oauth_params=excluded.oauth_params, price_table=excluded.price_table`,
		pt.ID, pt.DisplayName, pt.BaseURL, pt.AuthHeaderName, pt.AuthHeaderFormat,
		authTypes, string(fieldPaths), oauthJSON, string(priceJSON),
	)
	return err
}

// DeleteProviderType removes a catalog row.
func (s *Store) DeleteProviderType(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_types WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider type")
}

const providerTypeSelect = `SELECT id, display_name, base_url, auth_header_name, auth_header_format,
	 supports_auth_types, field_paths, oauth_params, price_table FROM provider_types`

func scanProviderType(row scanner) (*gateway.ProviderType, error) {
	var pt gateway.ProviderType
	var authTypesJSON sql.NullString
	var fieldPathsJSON string
	var oauthJSON sql.NullString
	var priceJSON sql.NullString

	err := row.Scan(
		&pt.ID, &pt.DisplayName, &pt.BaseURL, &pt.AuthHeaderName, &pt.AuthHeaderFormat,
		&authTypesJSON, &fieldPathsJSON, &oauthJSON, &priceJSON,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	authTypes, err := unmarshalStringSlice(authTypesJSON)
	if err != nil {
		return nil, err
	}
	pt.SupportsAuthTypes = authTypes

	if err := json.Unmarshal([]byte(fieldPathsJSON), &pt.FieldPaths); err != nil {
		return nil, err
	}

	if oauthJSON.Valid {
		var o gateway.OAuthCatalogParams
		if err := json.Unmarshal([]byte(oauthJSON.String), &o); err != nil {
			return nil, err
		}
		pt.OAuth = &o
	}

	if priceJSON.Valid && priceJSON.String != "" {
		var prices map[string]gateway.ModelPrice
		if err := json.Unmarshal([]byte(priceJSON.String), &prices); err != nil {
			return nil, err
		}
		pt.PriceTable = prices
	}

	return &pt, nil
}
