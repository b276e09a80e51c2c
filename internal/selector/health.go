package selector

import (
	"sync"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// healthRecord tracks one ProviderKey through the two independent failure
// tracks the health machine distinguishes: a burst of 429/quota responses
// trips rate_limited with a doubling backoff; a burst of 5xx or connection
// failures trips unhealthy with a flat cool-off. Both tracks clear on the
// first successful request once their waiting period elapses, or on a
// forced reset.
type healthRecord struct {
	mu    sync.Mutex
	state gateway.HealthState
	since time.Time

	rlCount   int
	rlFirst   time.Time
	rlBackoff time.Duration
	rlProbing bool

	uhCount   int
	uhFirst   time.Time
	uhProbing bool
	uhCoolOff time.Duration
}

func newHealthRecord() *healthRecord {
	return &healthRecord{state: gateway.HealthHealthy, since: time.Now()}
}

// recordOutcome folds one classified attempt into the health machine.
func (h *healthRecord) recordOutcome(class gateway.ResponseClass, cfg HealthConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()

	switch class {
	case gateway.ClassOK:
		h.rlCount = 0
		h.uhCount = 0
		if h.state == gateway.HealthRateLimited && h.rlProbing {
			h.state = gateway.HealthHealthy
			h.rlProbing = false
			h.rlBackoff = 0
			h.since = now
		}
		if h.state == gateway.HealthUnhealthy && h.uhProbing {
			h.state = gateway.HealthHealthy
			h.uhProbing = false
			h.since = now
		}

	case gateway.ClassRateLimited:
		h.uhCount = 0
		if h.rlCount == 0 || now.Sub(h.rlFirst) > cfg.RateLimitWindow {
			h.rlFirst = now
			h.rlCount = 1
		} else {
			h.rlCount++
		}
		switch h.state {
		case gateway.HealthRateLimited:
			if h.rlProbing {
				// The post-backoff probe was rate-limited again: double the wait.
				h.rlProbing = false
				h.rlBackoff *= 2
				if h.rlBackoff > cfg.RateLimitMaxBackoff {
					h.rlBackoff = cfg.RateLimitMaxBackoff
				}
				h.since = now
			}
		case gateway.HealthHealthy:
			if h.rlCount >= cfg.RateLimitStreak {
				h.state = gateway.HealthRateLimited
				h.since = now
				h.rlBackoff = cfg.RateLimitBackoff
				h.rlCount = 0
			}
		}

	case gateway.ClassServerError:
		h.rlCount = 0
		if h.uhCount == 0 || now.Sub(h.uhFirst) > cfg.UnhealthyWindow {
			h.uhFirst = now
			h.uhCount = 1
		} else {
			h.uhCount++
		}
		switch h.state {
		case gateway.HealthUnhealthy:
			if h.uhProbing {
				h.uhProbing = false
				h.since = now
			}
		case gateway.HealthHealthy:
			if h.uhCount >= cfg.UnhealthyStreak {
				h.state = gateway.HealthUnhealthy
				h.since = now
				h.uhCount = 0
				h.uhCoolOff = cfg.UnhealthyCoolOff
			}
		}

	default:
		// ClassAuthError and ClassClientError count toward neither track.
	}
}

// allow reports whether an attempt may proceed: unconditionally when
// healthy, or as the single probe once a tripped track's waiting period has
// elapsed.
func (h *healthRecord) allow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	switch h.state {
	case gateway.HealthRateLimited:
		if h.rlProbing {
			return false
		}
		if now.Sub(h.since) < h.rlBackoff {
			return false
		}
		h.rlProbing = true
		return true
	case gateway.HealthUnhealthy:
		if h.uhProbing {
			return false
		}
		if now.Sub(h.since) < h.uhCoolOff {
			return false
		}
		h.uhProbing = true
		return true
	default:
		return true
	}
}

func (h *healthRecord) view() gateway.HealthView {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case gateway.HealthRateLimited:
		return gateway.HealthView{State: gateway.HealthRateLimited, Since: h.since, Reason: "rate_limited"}
	case gateway.HealthUnhealthy:
		return gateway.HealthView{State: gateway.HealthUnhealthy, Since: h.since, Reason: "error_rate"}
	default:
		return gateway.HealthView{State: gateway.HealthHealthy}
	}
}

// reset forces the record back to healthy, as an operator-initiated
// override of either track.
func (h *healthRecord) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = gateway.HealthHealthy
	h.since = time.Now()
	h.rlCount, h.rlFirst, h.rlBackoff, h.rlProbing = 0, time.Time{}, 0, false
	h.uhCount, h.uhFirst, h.uhProbing, h.uhCoolOff = 0, time.Time{}, false, 0
}
