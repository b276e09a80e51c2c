// Package tracer assembles per-request trace rows from phased upstream
// events and batch-flushes them to durable storage, adapting the same
// bounded-channel, batch-by-size-or-time pattern the gateway uses for
// every other async sink.
package tracer

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/ratelimit"
	"github.com/eugener/gandalf/internal/selector"
)

const (
	chanSize       = 2000
	batchSize      = 100
	flushEvery     = 5 * time.Second
	drainTimeout   = 30 * time.Second
	spillThreshold = 5 // consecutive flush failures before spilling to disk
)

// Phase identifies where in a request's lifecycle an event was observed.
type Phase int

const (
	PhaseAdmitted Phase = iota
	PhaseUpstreamSent
	PhaseUpstreamHeaders
	PhaseUpstreamBodyComplete
	PhaseFailed
)

// Event is one phased observation about an in-flight request. Collect
// assembles the sequence of Events sharing a RequestID into one TraceRow,
// finalized by the terminal (body-complete or failed) event.
type Event struct {
	Phase         Phase
	RequestID     string
	ServiceKeyID  string
	ProviderKeyID string
	OwnerUserID   string
	Method        string
	Path          string
	Model         string
	ClientIP      string
	UserAgent     string
	StatusCode    int
	RetryCount    int
	ErrorKind     string
	Usage         gateway.UsagePartial
	CostUSD       float64
	At            time.Time
}

// TraceStore is the durable persistence interface consumed by Collector.
type TraceStore interface {
	InsertTraces(ctx context.Context, rows []gateway.TraceRow) error
}

// inflight accumulates the events for one request until a terminal phase
// arrives.
type inflight struct {
	row   gateway.TraceRow
	start time.Time
}

// Collector assembles TraceRows from phased Events, updates the selector's
// per-key health state and the rate limiter's daily counters as each
// request finalizes, and batch-flushes completed rows to the store.
//
// A full queue returns gateway.ErrOverloaded rather than silently dropping
// a row, since every trace row is also the only record of a billable
// request; callers should fail the inbound HTTP request with 503 rather
// than let usage go unaccounted.
type Collector struct {
	store   TraceStore
	sel     *selector.Selector
	daily   *ratelimit.DailyTracker
	locFor  func(serviceKeyID string) *time.Location

	ch chan Event

	mu       sync.Mutex
	open     map[string]*inflight
	failures int

	spillPath string
}

// Option configures optional Collector behavior.
type Option func(*Collector)

// WithSpillPath enables on-disk NDJSON spillover after repeated flush
// failures, replayed when Run next starts.
func WithSpillPath(path string) Option {
	return func(c *Collector) { c.spillPath = path }
}

// New creates a Collector. locFor resolves a ServiceKey's configured IANA
// time zone for daily counter rollover; pass a function returning
// time.UTC if zones aren't tracked.
func New(store TraceStore, sel *selector.Selector, daily *ratelimit.DailyTracker, locFor func(serviceKeyID string) *time.Location, opts ...Option) *Collector {
	c := &Collector{
		store:  store,
		sel:    sel,
		daily:  daily,
		locFor: locFor,
		ch:     make(chan Event, chanSize),
		open:   make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the worker identifier.
func (c *Collector) Name() string { return "tracer" }

// Len returns the number of events currently buffered in the collector's
// channel, for exposing queue depth as a gauge.
func (c *Collector) Len() int { return len(c.ch) }

// Emit records one phased event. It blocks only as long as it takes to
// enqueue; when the channel is full it returns ErrOverloaded for any phase,
// so the caller can fail the request loudly instead of losing the trace.
func (c *Collector) Emit(ev Event) error {
	select {
	case c.ch <- ev:
		return nil
	default:
		return gateway.ErrOverloaded
	}
}

// Run processes events until ctx is cancelled, then drains remaining rows.
func (c *Collector) Run(ctx context.Context) error {
	c.replaySpill(ctx)

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	buf := make([]gateway.TraceRow, 0, batchSize)

	for {
		select {
		case ev := <-c.ch:
			if row, done := c.fold(ev); done {
				buf = append(buf, row)
				if len(buf) >= batchSize {
					c.flush(ctx, buf)
					buf = buf[:0]
				}
			}

		case <-ticker.C:
			if len(buf) > 0 {
				c.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			c.drain(buf)
			return nil
		}
	}
}

// fold applies ev to its request's in-flight row, returning the completed
// row and true once a terminal phase arrives.
func (c *Collector) fold(ev Event) (gateway.TraceRow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl, ok := c.open[ev.RequestID]
	if !ok {
		fl = &inflight{start: ev.At, row: gateway.TraceRow{
			RequestID:    ev.RequestID,
			ServiceKeyID: ev.ServiceKeyID,
			OwnerUserID:  ev.OwnerUserID,
			Method:       ev.Method,
			Path:         ev.Path,
			Model:        ev.Model,
			ClientIP:     ev.ClientIP,
			UserAgent:    ev.UserAgent,
			StartedAt:    ev.At,
		}}
		c.open[ev.RequestID] = fl
	}
	if ev.ProviderKeyID != "" {
		fl.row.ProviderKeyID = ev.ProviderKeyID
	}
	if ev.RetryCount > fl.row.RetryCount {
		fl.row.RetryCount = ev.RetryCount
	}

	switch ev.Phase {
	case PhaseUpstreamHeaders:
		fl.row.StatusCode = ev.StatusCode
		return gateway.TraceRow{}, false

	case PhaseUpstreamBodyComplete:
		delete(c.open, ev.RequestID)
		fl.row.ID = uuid.Must(uuid.NewV7()).String()
		fl.row.StatusCode = ev.StatusCode
		fl.row.PromptTokens = ev.Usage.PromptTokens
		fl.row.CompletionTokens = ev.Usage.CompletionTokens
		fl.row.CacheCreateTokens = ev.Usage.CacheCreateTokens
		fl.row.CacheReadTokens = ev.Usage.CacheReadTokens
		fl.row.TotalTokens = ev.Usage.TotalTokens()
		fl.row.CostUSD = ev.CostUSD
		fl.row.EndedAt = ev.At
		fl.row.DurationMs = ev.At.Sub(fl.row.StartedAt).Milliseconds()
		fl.row.Success = ev.StatusCode < 400
		c.finalize(fl.row)
		return fl.row, true

	case PhaseFailed:
		delete(c.open, ev.RequestID)
		fl.row.ID = uuid.Must(uuid.NewV7()).String()
		fl.row.StatusCode = ev.StatusCode
		fl.row.ErrorKind = ev.ErrorKind
		fl.row.EndedAt = ev.At
		fl.row.DurationMs = ev.At.Sub(fl.row.StartedAt).Milliseconds()
		fl.row.Success = false
		c.finalize(fl.row)
		return fl.row, true

	default:
		return gateway.TraceRow{}, false
	}
}

// finalize updates the selector's per-key health and the daily quota
// tracker once a row's outcome is known. Called while holding c.mu, which
// is fine: neither downstream call blocks on tracer state.
func (c *Collector) finalize(row gateway.TraceRow) {
	if row.ProviderKeyID != "" && c.sel != nil {
		c.sel.RecordOutcome(row.ProviderKeyID, classify(row.StatusCode))
	}
	if c.daily != nil {
		loc := time.UTC
		if c.locFor != nil {
			loc = c.locFor(row.ServiceKeyID)
		}
		c.daily.Record(row.ServiceKeyID, loc, int64(row.TotalTokens), row.CostUSD)
	}
}

func classify(status int) gateway.ResponseClass {
	switch {
	case status == 0 || status < 400:
		return gateway.ClassOK
	case status == 429:
		return gateway.ClassRateLimited
	case status == 401 || status == 403:
		return gateway.ClassAuthError
	case status >= 500:
		return gateway.ClassServerError
	default:
		return gateway.ClassClientError
	}
}

func (c *Collector) drain(buf []gateway.TraceRow) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case ev := <-c.ch:
			if row, done := c.fold(ev); done {
				buf = append(buf, row)
				if len(buf) >= batchSize {
					c.flush(ctx, buf)
					buf = buf[:0]
				}
			}
		default:
			if len(buf) > 0 {
				c.flush(ctx, buf)
			}
			return
		}
	}
}

func (c *Collector) flush(ctx context.Context, buf []gateway.TraceRow) {
	batch := make([]gateway.TraceRow, len(buf))
	copy(batch, buf)

	if err := c.store.InsertTraces(ctx, batch); err != nil {
		c.mu.Lock()
		c.failures++
		failures := c.failures
		c.mu.Unlock()

		slog.LogAttrs(ctx, slog.LevelError, "trace flush failed",
			slog.Int("count", len(batch)),
			slog.Int("consecutive_failures", failures),
			slog.String("error", err.Error()),
		)

		if failures >= spillThreshold && c.spillPath != "" {
			c.spill(batch)
		}
		return
	}

	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

// spill appends undelivered rows to an NDJSON file so they survive a
// store outage; replaySpill re-ingests them the next time Run starts.
func (c *Collector) spill(rows []gateway.TraceRow) {
	f, err := os.OpenFile(c.spillPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		slog.Error("trace spill open failed", "error", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			slog.Error("trace spill encode failed", "error", err)
			return
		}
	}
}

// replaySpill re-ingests any rows left over from a prior spill, then
// truncates the file. Called once at Run startup.
func (c *Collector) replaySpill(ctx context.Context) {
	if c.spillPath == "" {
		return
	}
	f, err := os.Open(c.spillPath)
	if err != nil {
		return // no spill file, nothing to replay
	}

	var rows []gateway.TraceRow
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var row gateway.TraceRow
		if err := json.Unmarshal(sc.Bytes(), &row); err == nil {
			rows = append(rows, row)
		}
	}
	f.Close()

	if len(rows) == 0 {
		return
	}
	if err := c.store.InsertTraces(ctx, rows); err != nil {
		slog.Error("trace spill replay failed", "error", err, "rows", len(rows))
		return
	}
	os.Remove(c.spillPath)
	slog.Info("trace spill replayed", "rows", len(rows))
}
