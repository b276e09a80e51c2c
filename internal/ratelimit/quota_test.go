package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeDailyStore struct {
	requests map[string]int64
	tokens   map[string]int64
	cost     map[string]float64
}

func (s *fakeDailyStore) GetDailyCounters(_ context.Context, serviceKeyID, _ string) (int64, int64, float64, error) {
	return s.requests[serviceKeyID], s.tokens[serviceKeyID], s.cost[serviceKeyID], nil
}

func TestDailyTracker_WithinBudget(t *testing.T) {
	t.Parallel()
	tr := NewDailyTracker()

	allowed, dim := tr.Check("key1", time.UTC, DailyLimits{MaxCostUSD: 10.0})
	if !allowed || dim != "" {
		t.Errorf("new key should be within budget, got allowed=%v dim=%q", allowed, dim)
	}
}

func TestDailyTracker_OverBudget(t *testing.T) {
	t.Parallel()
	tr := NewDailyTracker()

	tr.Record("key1", time.UTC, 0, 10.0)

	allowed, dim := tr.Check("key1", time.UTC, DailyLimits{MaxCostUSD: 10.0})
	if allowed || dim != "cost" {
		t.Errorf("key at limit should be over budget on cost, got allowed=%v dim=%q", allowed, dim)
	}
}

func TestDailyTracker_Record(t *testing.T) {
	t.Parallel()
	tr := NewDailyTracker()

	tr.Record("key1", time.UTC, 0, 3.0)
	tr.Record("key1", time.UTC, 0, 4.0)

	if allowed, _ := tr.Check("key1", time.UTC, DailyLimits{MaxCostUSD: 10.0}); !allowed {
		t.Error("key at 7/10 should be within budget")
	}

	tr.Record("key1", time.UTC, 0, 4.0)

	if allowed, dim := tr.Check("key1", time.UTC, DailyLimits{MaxCostUSD: 10.0}); allowed || dim != "cost" {
		t.Error("key at 11/10 should be over budget")
	}
}

func TestDailyTracker_UnlimitedBudget(t *testing.T) {
	t.Parallel()
	tr := NewDailyTracker()

	tr.Record("key1", time.UTC, 0, 1_000_000)

	if allowed, _ := tr.Check("key1", time.UTC, DailyLimits{}); !allowed {
		t.Error("unlimited budget (zero limits) should always pass")
	}
}

func TestDailyTracker_RequestsAndTokensDimensions(t *testing.T) {
	t.Parallel()
	tr := NewDailyTracker()

	tr.Record("key1", time.UTC, 100, 0)
	if allowed, dim := tr.Check("key1", time.UTC, DailyLimits{MaxTokens: 100}); allowed || dim != "tokens" {
		t.Errorf("key at token limit should be over budget, got allowed=%v dim=%q", allowed, dim)
	}

	tr.Record("key2", time.UTC, 0, 0)
	tr.Record("key2", time.UTC, 0, 0)
	if allowed, dim := tr.Check("key2", time.UTC, DailyLimits{MaxRequests: 2}); allowed || dim != "requests" {
		t.Errorf("key at request limit should be over budget, got allowed=%v dim=%q", allowed, dim)
	}
}

func TestDailyTracker_Sync(t *testing.T) {
	t.Parallel()
	tr := NewDailyTracker()
	store := &fakeDailyStore{cost: map[string]float64{"key1": 8.5}}

	tr.Check("key1", time.UTC, DailyLimits{MaxCostUSD: 10.0}) // creates the entry
	if err := tr.Sync(context.Background(), store, "key1", time.UTC); err != nil {
		t.Fatal(err)
	}
	if allowed, _ := tr.Check("key1", time.UTC, DailyLimits{MaxCostUSD: 10.0}); !allowed {
		t.Error("key at 8.5/10 should be within budget")
	}

	store.cost["key1"] = 11.0
	if err := tr.Sync(context.Background(), store, "key1", time.UTC); err != nil {
		t.Fatal(err)
	}
	if allowed, _ := tr.Check("key1", time.UTC, DailyLimits{MaxCostUSD: 10.0}); allowed {
		t.Error("key at 11/10 should be over budget")
	}
}

func TestDailyTracker_SyncAll(t *testing.T) {
	t.Parallel()
	tr := NewDailyTracker()
	store := &fakeDailyStore{cost: map[string]float64{"k1": 5.0, "k2": 15.0}}

	tr.Check("k1", time.UTC, DailyLimits{MaxCostUSD: 10.0}) // create entries
	tr.Check("k2", time.UTC, DailyLimits{MaxCostUSD: 10.0})

	if err := tr.SyncAll(context.Background(), store, func(string) *time.Location { return time.UTC }); err != nil {
		t.Fatal(err)
	}

	if allowed, _ := tr.Check("k1", time.UTC, DailyLimits{MaxCostUSD: 10.0}); !allowed {
		t.Error("k1 at 5/10 should be within budget")
	}
	if allowed, _ := tr.Check("k2", time.UTC, DailyLimits{MaxCostUSD: 10.0}); allowed {
		t.Error("k2 at 15/10 should be over budget")
	}
}

func TestDailyTracker_SyncNewKey(t *testing.T) {
	t.Parallel()
	tr := NewDailyTracker()
	store := &fakeDailyStore{cost: map[string]float64{"new": 3.0}}

	if err := tr.Sync(context.Background(), store, "new", time.UTC); err != nil {
		t.Fatal(err)
	}
	if allowed, _ := tr.Check("new", time.UTC, DailyLimits{MaxCostUSD: 5.0}); !allowed {
		t.Error("key at 3/5 should be within budget")
	}
}

func TestDailyTracker_EvictStale(t *testing.T) {
	t.Parallel()
	tr := NewDailyTracker()

	tr.Record("old", time.UTC, 0, 1.0)
	tr.entries["old"].day = "2000-01-01"

	if n := tr.EvictStale(time.Now()); n != 1 {
		t.Errorf("EvictStale() = %d, want 1", n)
	}
	if _, ok := tr.entries["old"]; ok {
		t.Error("stale entry should have been evicted")
	}
}
