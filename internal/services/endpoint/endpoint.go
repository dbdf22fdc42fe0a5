// Package endpoint maintains the live view of upstream endpoints: health
// state, latency EWMA, in-flight counts, and the probe scheduler that keeps
// them fresh.
package endpoint

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

const (
	// downThreshold is the consecutive-failure count that flips an endpoint
	// from degraded to down.
	downThreshold = 3

	// ewmaAlpha weights new latency samples: avg = avg*(1-a) + sample*a.
	ewmaAlpha = 0.2

	// maxBackoff caps the probe backoff for failing endpoints.
	maxBackoff = 300 * time.Second
)

// Endpoint wraps an admin-configured upstream with the mutable runtime state
// shared by the balancer, the proxy, and the health scheduler. All mutable
// fields are atomics; an Endpoint is never copied after construction.
type Endpoint struct {
	Config models.ModelEndpoint

	health              atomic.Int32 // models.HealthStatus as ordinal
	consecutiveFailures atomic.Int32
	avgLatencyMS        atomic.Int64
	inFlight            atomic.Int32
	totalRequests       atomic.Int64
	lastCheckUnix       atomic.Int64
	nextCheckUnix       atomic.Int64
}

func newEndpoint(cfg models.ModelEndpoint) *Endpoint {
	e := &Endpoint{Config: cfg}
	e.health.Store(healthOrdinal(cfg.HealthStatus))
	e.consecutiveFailures.Store(int32(cfg.ConsecutiveFailures))
	e.avgLatencyMS.Store(cfg.AvgLatencyMS)
	e.totalRequests.Store(cfg.TotalRequests)
	if cfg.NextCheckAt != nil {
		e.nextCheckUnix.Store(cfg.NextCheckAt.Unix())
	}
	return e
}

func healthOrdinal(s models.HealthStatus) int32 {
	switch s {
	case models.HealthHealthy:
		return 1
	case models.HealthDegraded:
		return 2
	case models.HealthDown:
		return 3
	default:
		return 0
	}
}

func healthFromOrdinal(v int32) models.HealthStatus {
	switch v {
	case 1:
		return models.HealthHealthy
	case 2:
		return models.HealthDegraded
	case 3:
		return models.HealthDown
	default:
		return models.HealthUnknown
	}
}

func (e *Endpoint) ID() uuid.UUID { return e.Config.ID }

func (e *Endpoint) Health() models.HealthStatus {
	return healthFromOrdinal(e.health.Load())
}

// Dispatchable reports whether the balancer may send traffic here at all.
// Unknown endpoints (fresh, never probed) are treated as dispatchable so a
// cold start is not a blackout.
func (e *Endpoint) Dispatchable() bool {
	switch e.Health() {
	case models.HealthHealthy, models.HealthDegraded, models.HealthUnknown:
		return true
	default:
		return false
	}
}

func (e *Endpoint) AvgLatencyMS() int64 { return e.avgLatencyMS.Load() }

func (e *Endpoint) InFlight() int { return int(e.inFlight.Load()) }

func (e *Endpoint) TotalRequests() int64 { return e.totalRequests.Load() }

func (e *Endpoint) ConsecutiveFailures() int { return int(e.consecutiveFailures.Load()) }

func (e *Endpoint) NextCheckAt() time.Time { return time.Unix(e.nextCheckUnix.Load(), 0) }

// Acquire takes an in-flight slot, respecting max_concurrent_requests.
// It returns false when the endpoint is saturated.
func (e *Endpoint) Acquire() bool {
	limit := e.Config.MaxConcurrentRequests
	for {
		cur := e.inFlight.Load()
		if limit > 0 && int(cur) >= limit {
			return false
		}
		if e.inFlight.CompareAndSwap(cur, cur+1) {
			e.totalRequests.Add(1)
			return true
		}
	}
}

func (e *Endpoint) Release() {
	e.inFlight.Add(-1)
}

// RecordSuccess applies a successful probe or dispatch: healthy, failures
// cleared, EWMA latency updated, next probe at the regular interval.
func (e *Endpoint) RecordSuccess(latency time.Duration, now time.Time) {
	e.health.Store(healthOrdinal(models.HealthHealthy))
	e.consecutiveFailures.Store(0)
	e.observeLatency(latency)
	e.lastCheckUnix.Store(now.Unix())
	e.nextCheckUnix.Store(now.Add(e.Config.HealthCheckInterval()).Unix())
}

// RecordFailure applies a failed probe or a connection-level dispatch
// failure: degraded until the third consecutive failure, then down. The next
// probe backs off exponentially, capped at maxBackoff.
func (e *Endpoint) RecordFailure(now time.Time) {
	failures := e.consecutiveFailures.Add(1)
	if failures >= downThreshold {
		e.health.Store(healthOrdinal(models.HealthDown))
	} else {
		e.health.Store(healthOrdinal(models.HealthDegraded))
	}

	backoff := e.Config.HealthCheckInterval()
	for i := int32(1); i < failures && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	e.lastCheckUnix.Store(now.Unix())
	e.nextCheckUnix.Store(now.Add(backoff).Unix())
}

// RecordDegraded marks a soft failure (probe reachable but unhappy, e.g. a
// non-200 health response) without the full backoff ladder.
func (e *Endpoint) RecordDegraded(now time.Time) {
	e.consecutiveFailures.Add(1)
	e.health.Store(healthOrdinal(models.HealthDegraded))
	e.lastCheckUnix.Store(now.Unix())
	e.nextCheckUnix.Store(now.Add(30 * time.Second).Unix())
}

func (e *Endpoint) observeLatency(latency time.Duration) {
	sample := latency.Milliseconds()
	for {
		cur := e.avgLatencyMS.Load()
		var next int64
		if cur == 0 {
			next = sample
		} else {
			next = int64(float64(cur)*(1-ewmaAlpha) + float64(sample)*ewmaAlpha)
		}
		if e.avgLatencyMS.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Snapshot renders the live state back onto the config row for persistence.
func (e *Endpoint) Snapshot() models.ModelEndpoint {
	row := e.Config
	row.HealthStatus = e.Health()
	row.ConsecutiveFailures = e.ConsecutiveFailures()
	row.AvgLatencyMS = e.AvgLatencyMS()
	row.TotalRequests = e.TotalRequests()
	if v := e.lastCheckUnix.Load(); v > 0 {
		t := time.Unix(v, 0)
		row.LastHealthCheck = &t
	}
	if v := e.nextCheckUnix.Load(); v > 0 {
		t := time.Unix(v, 0)
		row.NextCheckAt = &t
	}
	return row
}
