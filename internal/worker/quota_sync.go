package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/ratelimit"
	"github.com/eugener/gandalf/internal/storage"
)

const quotaSyncInterval = 60 * time.Second

// counterStoreAdapter adapts storage.CounterStore's struct-returning
// GetDailyCounters to the scalar-returning shape ratelimit.DailyTracker
// expects, so the tracker package stays free of a storage import.
type counterStoreAdapter struct {
	store storage.CounterStore
}

func (a counterStoreAdapter) GetDailyCounters(ctx context.Context, serviceKeyID, day string) (requests, tokens int64, costUSD float64, err error) {
	c, err := a.store.GetDailyCounters(ctx, serviceKeyID, day)
	if err != nil {
		return 0, 0, 0, err
	}
	return c.Requests, c.Tokens, c.CostUSD, nil
}

// QuotaSyncWorker periodically rehydrates the in-memory DailyTracker from
// the durable counter store, so a freshly started gateway instance (or one
// that missed updates made by a sibling instance) enforces today's quota
// correctly rather than starting every key from zero.
type QuotaSyncWorker struct {
	tracker *ratelimit.DailyTracker
	store   storage.CounterStore
	keys    storage.ServiceKeyStore
	locFor  func(sk *gateway.ServiceKey) *time.Location
}

// NewQuotaSyncWorker creates a QuotaSyncWorker. locFor resolves a
// ServiceKey's configured IANA time zone; pass a function returning
// time.UTC if day boundaries should always follow UTC.
func NewQuotaSyncWorker(tracker *ratelimit.DailyTracker, store storage.CounterStore, keys storage.ServiceKeyStore, locFor func(sk *gateway.ServiceKey) *time.Location) *QuotaSyncWorker {
	return &QuotaSyncWorker{tracker: tracker, store: store, keys: keys, locFor: locFor}
}

// Name returns the worker identifier.
func (w *QuotaSyncWorker) Name() string { return "quota_sync" }

// Run performs an initial sync of every known service key, then
// periodically re-syncs until ctx is cancelled.
func (w *QuotaSyncWorker) Run(ctx context.Context) error {
	w.syncAllKeys(ctx)

	ticker := time.NewTicker(quotaSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.syncAllKeys(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// syncAllKeys walks every service key known to the store, rehydrating the
// tracker one page at a time so startup doesn't require loading the whole
// catalog into memory at once.
func (w *QuotaSyncWorker) syncAllKeys(ctx context.Context) {
	adapter := counterStoreAdapter{store: w.store}
	const pageSize = 200

	for offset := 0; ; offset += pageSize {
		keys, err := w.keys.ListServiceKeys(ctx, "", offset, pageSize)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "quota sync: list service keys failed",
				slog.String("error", err.Error()),
			)
			return
		}
		for _, sk := range keys {
			loc := time.UTC
			if w.locFor != nil {
				loc = w.locFor(sk)
			}
			if err := w.tracker.Sync(ctx, adapter, sk.ID, loc); err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "quota sync failed for key",
					slog.String("service_key_id", sk.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if len(keys) < pageSize {
			return
		}
	}
}
