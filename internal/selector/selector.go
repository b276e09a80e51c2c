// Package selector chooses which ProviderKey in a ServiceKey's pool should
// serve a given attempt, and tracks each key's health and responsiveness
// from the outcomes the forwarder reports back.
package selector

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/telemetry"
)

// HealthConfig tunes the two independent tracks every ProviderKey's health
// record is judged against.
type HealthConfig struct {
	RateLimitStreak     int           // consecutive 429s before tripping rate_limited
	RateLimitWindow     time.Duration // the streak must land within this span
	RateLimitBackoff    time.Duration // initial wait before the first recovery probe
	RateLimitMaxBackoff time.Duration // cap on the doubling backoff

	UnhealthyStreak  int           // consecutive 5xx/connection failures before tripping unhealthy
	UnhealthyWindow  time.Duration // the streak must land within this span
	UnhealthyCoolOff time.Duration // flat wait before the recovery probe
}

// DefaultHealthConfig returns the thresholds a fresh deployment should run
// with: 3 consecutive 429s in 60s trips rate_limited; 5 consecutive 5xx or
// connection failures in 5 minutes trips unhealthy.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		RateLimitStreak:     3,
		RateLimitWindow:     60 * time.Second,
		RateLimitBackoff:    60 * time.Second,
		RateLimitMaxBackoff: 15 * time.Minute,

		UnhealthyStreak:  5,
		UnhealthyWindow:  5 * time.Minute,
		UnhealthyCoolOff: 30 * time.Second,
	}
}

// Selector ranks a ServiceKey's ProviderKey pool for each attempt and
// records the outcome, latency, and concurrency of every attempt against
// each ProviderKey.
type Selector struct {
	cfg      HealthConfig
	healths  sync.Map // providerKeyID -> *healthRecord
	latency  sync.Map // providerKeyID -> *latencyRecord
	rr       sync.Map // cursor key -> *uint64, round-robin position
	metrics  *telemetry.Metrics
}

// New creates a Selector using cfg for every tracked ProviderKey.
func New(cfg HealthConfig) *Selector {
	return &Selector{cfg: cfg}
}

// WithMetrics attaches Prometheus collectors that mirror each ProviderKey's
// health state.
func (s *Selector) WithMetrics(m *telemetry.Metrics) *Selector {
	s.metrics = m
	return s
}

func (s *Selector) healthFor(providerKeyID string) *healthRecord {
	v, _ := s.healths.LoadOrStore(providerKeyID, newHealthRecord())
	return v.(*healthRecord)
}

func (s *Selector) latencyFor(providerKeyID string) *latencyRecord {
	v, _ := s.latency.LoadOrStore(providerKeyID, newLatencyRecord())
	return v.(*latencyRecord)
}

// RecordOutcome folds one attempt's classification into the ProviderKey's
// health machine. Call once per attempt, whether it succeeded or not.
func (s *Selector) RecordOutcome(providerKeyID string, class gateway.ResponseClass) {
	h := s.healthFor(providerKeyID)
	h.recordOutcome(class, s.cfg)
	if s.metrics != nil {
		s.metrics.ProviderKeyHealth.WithLabelValues(providerKeyID).Set(float64(h.view().State))
	}
}

// BeginAttempt marks the start of a live call against providerKeyID, so
// concurrency-aware strategies (smart) see it as in flight.
func (s *Selector) BeginAttempt(providerKeyID string) {
	s.latencyFor(providerKeyID).begin()
}

// EndAttempt marks the end of a call started with BeginAttempt, folding its
// duration and outcome into the key's latency and success-rate EWMAs.
func (s *Selector) EndAttempt(providerKeyID string, d time.Duration, ok bool) {
	l := s.latencyFor(providerKeyID)
	l.end()
	l.observe(d, ok)
}

// HealthView returns the current health snapshot for a ProviderKey. Keys
// never seen before report healthy, matching a fresh process's default.
func (s *Selector) HealthView(providerKeyID string) gateway.HealthView {
	return s.healthFor(providerKeyID).view()
}

// Allow reports whether an attempt against providerKeyID may proceed right
// now; a tripped track rejects everything but its single recovery probe.
func (s *Selector) Allow(providerKeyID string) bool {
	return s.healthFor(providerKeyID).allow()
}

// Reset forces providerKeyID's health record back to healthy, overriding
// either track. Exposed for an operator-initiated reset.
func (s *Selector) Reset(providerKeyID string) {
	s.healthFor(providerKeyID).reset()
}

// Candidates ranks sk's pool for one inbound request according to its
// configured Strategy, skipping inactive keys. The forwarder walks the
// returned slice in order, advancing past keys that fail Allow() or whose
// attempt is classified as a failure, until one succeeds or the list (and
// the ServiceKey's retry budget) is exhausted.
func (s *Selector) Candidates(sk *gateway.ServiceKeySnapshot) []gateway.ProviderKey {
	pool := make([]gateway.ProviderKey, 0, len(sk.Pool))
	for _, pk := range sk.Pool {
		if pk.Active {
			pk.Health = s.HealthView(pk.ID)
			pool = append(pool, pk)
		}
	}
	if len(pool) == 0 {
		return nil
	}

	switch sk.Strategy {
	case "weighted":
		return weightedOrder(pool)
	case "health_best":
		return s.healthBestOrder(sk.ID, pool)
	case "smart":
		return s.smartOrder(sk.ID, pool)
	default: // "round_robin"
		return roundRobinOrder(s, sk.ID, pool)
	}
}

func roundRobinOrder(s *Selector, cursorKey string, pool []gateway.ProviderKey) []gateway.ProviderKey {
	cursor, _ := s.rr.LoadOrStore(cursorKey, new(uint64))
	c := cursor.(*uint64)
	start := int(atomic.AddUint64(c, 1)-1) % len(pool)

	out := make([]gateway.ProviderKey, len(pool))
	for i := range pool {
		out[i] = pool[(start+i)%len(pool)]
	}
	return healthBestStableOrder(out)
}

// weightedOrder produces a weighted-random permutation: each draw removes
// one key with probability proportional to its remaining weight among
// healthy keys first, then rate-limited, then unhealthy.
func weightedOrder(pool []gateway.ProviderKey) []gateway.ProviderKey {
	tiers := splitByHealth(pool)
	out := make([]gateway.ProviderKey, 0, len(pool))
	for _, tier := range tiers {
		out = append(out, weightedShuffle(tier)...)
	}
	return out
}

func weightedShuffle(pool []gateway.ProviderKey) []gateway.ProviderKey {
	remaining := append([]gateway.ProviderKey(nil), pool...)
	out := make([]gateway.ProviderKey, 0, len(pool))
	for len(remaining) > 0 {
		total := 0
		for _, pk := range remaining {
			w := pk.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		pick := rand.IntN(total)
		cum := 0
		idx := 0
		for i, pk := range remaining {
			w := pk.Weight
			if w <= 0 {
				w = 1
			}
			cum += w
			if pick < cum {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

// healthBestTieBand is how close to the tier's lowest EWMA latency another
// key's latency must be to count as tied with it.
const healthBestTieBand = 0.10

// healthBestOrder sorts healthy keys first, then rate-limited, then
// unhealthy; within each tier, keys are ordered by ascending EWMA latency,
// with keys inside a 10% band of the tier's lowest latency treated as tied
// and rotated round-robin.
func (s *Selector) healthBestOrder(serviceKeyID string, pool []gateway.ProviderKey) []gateway.ProviderKey {
	tiers := splitByHealth(pool)
	out := make([]gateway.ProviderKey, 0, len(pool))
	for _, tier := range tiers {
		out = append(out, s.lowestLatencyOrder(serviceKeyID, tier)...)
	}
	return out
}

func healthBestStableOrder(pool []gateway.ProviderKey) []gateway.ProviderKey {
	out := append([]gateway.ProviderKey(nil), pool...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Health.State != out[j].Health.State {
			return out[i].Health.State < out[j].Health.State
		}
		return false
	})
	return out
}

func (s *Selector) lowestLatencyOrder(serviceKeyID string, tier []gateway.ProviderKey) []gateway.ProviderKey {
	if len(tier) <= 1 {
		return tier
	}

	type scored struct {
		pk      gateway.ProviderKey
		latency float64
	}
	scoredTier := make([]scored, len(tier))
	minLatency := math.MaxFloat64
	for i, pk := range tier {
		ms, _, _ := s.latencyFor(pk.ID).snapshot()
		scoredTier[i] = scored{pk: pk, latency: ms}
		if ms < minLatency {
			minLatency = ms
		}
	}

	threshold := minLatency * (1 + healthBestTieBand)
	var tied, rest []gateway.ProviderKey
	for _, sc := range scoredTier {
		if sc.latency <= threshold {
			tied = append(tied, sc.pk)
		} else {
			rest = append(rest, sc.pk)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		li, _, _ := s.latencyFor(rest[i].ID).snapshot()
		lj, _, _ := s.latencyFor(rest[j].ID).snapshot()
		return li < lj
	})

	tied = roundRobinOrder(s, serviceKeyID+"#health_best", tied)
	return append(tied, rest...)
}

// Weights applied to smartOrder's score: favor low latency and a high
// recent success rate, penalize live concurrency so load spreads across an
// otherwise-tied pool instead of piling onto one key.
const (
	smartLatencyWeight     = 0.4
	smartSuccessRateWeight = 0.5
	smartConcurrencyWeight = 0.1
)

// smartOrder scores every non-rate-limited key as
// α·(1/latency) + β·success_rate − γ·concurrency and ranks by descending
// score. Rate-limited keys are excluded outright rather than merely
// deprioritized, unless every key in the pool is rate-limited, in which case
// they're returned in tier order so the forwarder still gets a chance to
// probe one once its backoff elapses.
func (s *Selector) smartOrder(serviceKeyID string, pool []gateway.ProviderKey) []gateway.ProviderKey {
	eligible := make([]gateway.ProviderKey, 0, len(pool))
	for _, pk := range pool {
		if pk.Health.State != gateway.HealthRateLimited {
			eligible = append(eligible, pk)
		}
	}
	if len(eligible) == 0 {
		return healthBestStableOrder(pool)
	}

	type scored struct {
		pk    gateway.ProviderKey
		score float64
	}
	out := make([]scored, len(eligible))
	for i, pk := range eligible {
		latencyMillis, successRate, concurrency := s.latencyFor(pk.ID).snapshot()
		latencyTerm := 0.0
		if latencyMillis > 0 {
			latencyTerm = 1 / latencyMillis
		}
		out[i] = scored{
			pk: pk,
			score: smartLatencyWeight*latencyTerm +
				smartSuccessRateWeight*successRate -
				smartConcurrencyWeight*float64(concurrency),
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	ranked := make([]gateway.ProviderKey, len(out))
	for i, sc := range out {
		ranked[i] = sc.pk
	}
	return ranked
}

func splitByHealth(pool []gateway.ProviderKey) [3][]gateway.ProviderKey {
	var tiers [3][]gateway.ProviderKey
	for _, pk := range pool {
		tiers[pk.Health.State] = append(tiers[pk.Health.State], pk)
	}
	return tiers
}
