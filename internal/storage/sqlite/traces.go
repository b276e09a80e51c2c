package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// InsertTraces batch-inserts trace rows. Called by the tracer's collector
// on each flush tick; a single multi-row INSERT avoids N round-trips.
func (s *Store) InsertTraces(ctx context.Context, rows []gateway.TraceRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 20
	placeholders := make([]string, len(rows))
	args := make([]any, 0, len(rows)*cols)

	for i, r := range rows {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.ServiceKeyID, nullStr(r.ProviderKeyID), r.OwnerUserID,
			r.Method, r.Path, r.StatusCode,
			r.PromptTokens, r.CompletionTokens, r.CacheCreateTokens, r.CacheReadTokens, r.TotalTokens,
			r.CostUSD, r.Model, nullStr(r.ClientIP), nullStr(r.UserAgent), nullStr(r.ErrorKind),
			r.RetryCount, r.StartedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO traces
		(id, request_id, service_key_id, provider_key_id, owner_user_id,
		 method, path, status_code,
		 prompt_tokens, completion_tokens, cache_create_tokens, cache_read_tokens, total_tokens,
		 cost_usd, model, client_ip, user_agent, error_kind,
		 retry_count, started_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumCostSince returns the accumulated cost for a service key on the given
// day string (YYYY-MM-DD), matched against the UTC date of each trace's
// started_at.
func (s *Store) SumCostSince(ctx context.Context, serviceKeyID string, day string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM traces
		 WHERE service_key_id = ? AND substr(started_at, 1, 10) = ?`,
		serviceKeyID, day,
	).Scan(&total)
	return total, err
}
