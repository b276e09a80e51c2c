package worker

import (
	"context"
	"testing"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/ratelimit"
	"github.com/eugener/gandalf/internal/storage"
)

type fakeCounterStore struct {
	counters map[string]storage.DailyCounters
}

func (s *fakeCounterStore) GetDailyCounters(_ context.Context, serviceKeyID, day string) (storage.DailyCounters, error) {
	if c, ok := s.counters[serviceKeyID]; ok {
		return c, nil
	}
	return storage.DailyCounters{ServiceKeyID: serviceKeyID, Day: day}, nil
}

func (s *fakeCounterStore) IncrDailyCounters(context.Context, string, string, int64, int64, float64) error {
	return nil
}

type fakeServiceKeyLister struct {
	keys []*gateway.ServiceKey
}

func (s *fakeServiceKeyLister) CreateServiceKey(context.Context, *gateway.ServiceKey) error { return nil }
func (s *fakeServiceKeyLister) GetServiceKeyByHash(context.Context, string) (*gateway.ServiceKey, error) {
	return nil, gateway.ErrNotFound
}
func (s *fakeServiceKeyLister) ListServiceKeys(_ context.Context, _ string, offset, limit int) ([]*gateway.ServiceKey, error) {
	if offset >= len(s.keys) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.keys) {
		end = len(s.keys)
	}
	return s.keys[offset:end], nil
}
func (s *fakeServiceKeyLister) UpdateServiceKey(context.Context, *gateway.ServiceKey) error { return nil }
func (s *fakeServiceKeyLister) DeleteServiceKey(context.Context, string) error              { return nil }
func (s *fakeServiceKeyLister) TouchServiceKeyUsed(context.Context, string) error           { return nil }

func TestQuotaSyncWorker_Run(t *testing.T) {
	t.Parallel()
	tracker := ratelimit.NewDailyTracker()
	store := &fakeCounterStore{counters: map[string]storage.DailyCounters{
		"k1": {ServiceKeyID: "k1", Requests: 3, Tokens: 500, CostUSD: 1.25},
	}}
	keys := &fakeServiceKeyLister{keys: []*gateway.ServiceKey{{ID: "k1"}}}

	w := NewQuotaSyncWorker(tracker, store, keys, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	allowed, dim := tracker.Check("k1", time.UTC, ratelimit.DailyLimits{MaxRequests: 3})
	if allowed || dim != "requests" {
		t.Errorf("expected k1 to be at its synced request limit, got allowed=%v dim=%q", allowed, dim)
	}
}

func TestQuotaSyncWorker_Name(t *testing.T) {
	t.Parallel()
	w := NewQuotaSyncWorker(ratelimit.NewDailyTracker(), &fakeCounterStore{}, &fakeServiceKeyLister{}, nil)
	if w.Name() != "quota_sync" {
		t.Errorf("Name() = %q, want quota_sync", w.Name())
	}
}
