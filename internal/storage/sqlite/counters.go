package sqlite

import (
	"context"
	"database/sql"

	"github.com/eugener/gandalf/internal/storage"
)

// GetDailyCounters returns the running totals for a service key on a given
// day, zero-valued if no counter row exists yet.
func (s *Store) GetDailyCounters(ctx context.Context, serviceKeyID, day string) (storage.DailyCounters, error) {
	var c storage.DailyCounters
	c.ServiceKeyID = serviceKeyID
	c.Day = day

	err := s.read.QueryRowContext(ctx,
		`SELECT requests, tokens, cost_usd FROM daily_counters WHERE service_key_id=? AND day=?`,
		serviceKeyID, day,
	).Scan(&c.Requests, &c.Tokens, &c.CostUSD)
	if err == sql.ErrNoRows {
		return c, nil
	}
	return c, err
}

// IncrDailyCounters atomically adds to a service key's running daily
// totals, creating the row on first write for the day.
func (s *Store) IncrDailyCounters(ctx context.Context, serviceKeyID, day string, requests, tokens int64, costUSD float64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO daily_counters (service_key_id, day, requests, tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(service_key_id, day) DO UPDATE SET
		   requests = requests + excluded.requests,
		   tokens = tokens + excluded.tokens,
		   cost_usd = cost_usd + excluded.cost_usd`,
		serviceKeyID, day, requests, tokens, costUSD,
	)
	return err
}
