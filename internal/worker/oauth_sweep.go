package worker

import (
	"context"
	"log/slog"
	"time"
)

const oauthSweepInterval = 5 * time.Minute

// oauthSweeper is satisfied by *oauthmgr.Manager. Declared locally instead
// of imported so this package doesn't depend on oauthmgr's storage wiring.
type oauthSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// OAuthSweepWorker periodically deletes abandoned OAuth sessions that never
// completed the authorize/exchange handshake, keeping the session table
// from growing unbounded with stale pending rows.
type OAuthSweepWorker struct {
	mgr oauthSweeper
}

// NewOAuthSweepWorker creates an OAuthSweepWorker.
func NewOAuthSweepWorker(mgr oauthSweeper) *OAuthSweepWorker {
	return &OAuthSweepWorker{mgr: mgr}
}

// Name returns the worker identifier.
func (w *OAuthSweepWorker) Name() string { return "oauth_sweep" }

// Run sweeps immediately, then on a fixed interval until ctx is cancelled.
func (w *OAuthSweepWorker) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(oauthSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *OAuthSweepWorker) sweep(ctx context.Context) {
	n, err := w.mgr.Sweep(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "oauth sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		slog.Info("oauth sweep removed abandoned sessions", "count", n)
	}
}
