package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DailyLimits holds the effective per-day quota ceilings for a service key.
// A value of 0 means unlimited for that dimension.
type DailyLimits struct {
	MaxRequests int64
	MaxTokens   int64
	MaxCostUSD  float64
}

// DailyCounterStore provides the durable daily counters that back
// DailyTracker.Sync, used to rehydrate in-memory counters after a restart
// and to reconcile against other gateway instances sharing the same store.
type DailyCounterStore interface {
	GetDailyCounters(ctx context.Context, serviceKeyID, day string) (requests, tokens int64, costUSD float64, err error)
}

// dailyEntry tracks one service key's running totals for the current day
// in that key's own time zone.
type dailyEntry struct {
	day      string
	requests int64
	tokens   int64
	costUSD  float64
}

// DailyTracker enforces the three cumulative daily quota dimensions
// (requests, tokens, cost) per service key. Day boundaries are computed
// in the caller-supplied time zone so a key configured for "Asia/Tokyo"
// resets at local midnight there, not in the server's zone.
type DailyTracker struct {
	mu      sync.Mutex
	entries map[string]*dailyEntry
}

// NewDailyTracker creates an empty DailyTracker.
func NewDailyTracker() *DailyTracker {
	return &DailyTracker{entries: make(map[string]*dailyEntry)}
}

// entryFor returns keyID's entry for now's YYYY-MM-DD day in loc, rolling
// the entry if the day has changed since the last observation.
func (t *DailyTracker) entryFor(keyID string, loc *time.Location, now time.Time) *dailyEntry {
	day := now.In(loc).Format("2006-01-02")
	e, ok := t.entries[keyID]
	if !ok || e.day != day {
		e = &dailyEntry{day: day}
		t.entries[keyID] = e
	}
	return e
}

// Check reports whether the key is within all three configured daily
// limits, without consuming anything. dim identifies which limit, if any,
// was exceeded: "requests", "tokens", "cost", or "" if allowed.
func (t *DailyTracker) Check(keyID string, loc *time.Location, limits DailyLimits) (allowed bool, dim string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(keyID, loc, time.Now())

	if limits.MaxRequests > 0 && e.requests >= limits.MaxRequests {
		return false, "requests"
	}
	if limits.MaxTokens > 0 && e.tokens >= limits.MaxTokens {
		return false, "tokens"
	}
	if limits.MaxCostUSD > 0 && e.costUSD >= limits.MaxCostUSD {
		return false, "cost"
	}
	return true, ""
}

// Record adds one request's worth of tokens and cost to the key's running
// day total. Called once per completed request, after usage is known.
func (t *DailyTracker) Record(keyID string, loc *time.Location, tokens int64, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(keyID, loc, time.Now())
	e.requests++
	e.tokens += tokens
	e.costUSD += costUSD
}

// Sync rehydrates a key's running totals from the durable counter store,
// used on process start and by the periodic quota-sync worker to fold in
// counts recorded by other gateway instances.
func (t *DailyTracker) Sync(ctx context.Context, store DailyCounterStore, keyID string, loc *time.Location) error {
	day := time.Now().In(loc).Format("2006-01-02")
	requests, tokens, cost, err := store.GetDailyCounters(ctx, keyID, day)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[keyID] = &dailyEntry{day: day, requests: requests, tokens: tokens, costUSD: cost}
	return nil
}

// SyncAll reloads every tracked key's totals from the store.
func (t *DailyTracker) SyncAll(ctx context.Context, store DailyCounterStore, locFor func(keyID string) *time.Location) error {
	t.mu.Lock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	for _, k := range keys {
		if err := t.Sync(ctx, store, k, locFor(k)); err != nil {
			return err
		}
	}
	return nil
}

// EvictStale removes entries for days strictly before cutoff's day, since
// a rolled-over day will be recreated lazily on next use.
func (t *DailyTracker) EvictStale(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoffDay := cutoff.UTC().Format("2006-01-02")
	evicted := 0
	for k, e := range t.entries {
		if e.day < cutoffDay {
			delete(t.entries, k)
			evicted++
		}
	}
	return evicted
}
