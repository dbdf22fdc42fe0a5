// Package balancer orders endpoint candidates for dispatch. It never probes
// or retries itself; it only decides who gets the next attempt.
package balancer

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/models"
	"github.com/ctenopoma/llm-gateway/internal/services/endpoint"
)

type Balancer struct {
	registry *endpoint.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	rrCursor map[string]*atomic.Uint64
}

func New(registry *endpoint.Registry, logger *zap.Logger) *Balancer {
	return &Balancer{
		registry: registry,
		logger:   logger,
		rrCursor: make(map[string]*atomic.Uint64),
	}
}

// Candidates returns the attempt order for a model: dispatchable endpoints
// only, healthy and unprobed ones before degraded last resorts, each group
// in priority order and strategy order within equal priority.
func (b *Balancer) Candidates(modelID string) ([]*endpoint.Endpoint, error) {
	eps := b.registry.ForModel(modelID)
	if len(eps) == 0 {
		return nil, apierror.Newf(apierror.KindNoEndpoint,
			"no endpoints configured for model %q", modelID)
	}

	var preferred, lastResort []*endpoint.Endpoint
	for _, ep := range eps {
		switch ep.Health() {
		case models.HealthHealthy, models.HealthUnknown:
			preferred = append(preferred, ep)
		case models.HealthDegraded:
			lastResort = append(lastResort, ep)
		}
	}
	if len(preferred) == 0 && len(lastResort) == 0 {
		return nil, apierror.Newf(apierror.KindNoEndpoint,
			"no live endpoints for model %q", modelID)
	}

	strategy := eps[0].Config.RoutingStrategy
	ordered := append(b.order(modelID, strategy, preferred), b.order(modelID, strategy, lastResort)...)
	return ordered, nil
}

// order applies the routing strategy within each priority tier, keeping the
// tiers themselves in configured order.
func (b *Balancer) order(modelID string, strategy models.RoutingStrategy, eps []*endpoint.Endpoint) []*endpoint.Endpoint {
	if len(eps) <= 1 {
		return eps
	}

	out := make([]*endpoint.Endpoint, 0, len(eps))
	for start := 0; start < len(eps); {
		end := start + 1
		for end < len(eps) && eps[end].Config.RoutingPriority == eps[start].Config.RoutingPriority {
			end++
		}
		tier := append([]*endpoint.Endpoint(nil), eps[start:end]...)
		b.orderTier(modelID, strategy, tier)
		out = append(out, tier...)
		start = end
	}
	return out
}

func (b *Balancer) orderTier(modelID string, strategy models.RoutingStrategy, tier []*endpoint.Endpoint) {
	if len(tier) <= 1 {
		return
	}
	switch strategy {
	case models.RouteUsageBased:
		sort.SliceStable(tier, func(i, j int) bool {
			return tier[i].InFlight() < tier[j].InFlight()
		})
	case models.RouteLatencyBased:
		sort.SliceStable(tier, func(i, j int) bool {
			return tier[i].AvgLatencyMS() < tier[j].AvgLatencyMS()
		})
	case models.RouteRandom:
		rand.Shuffle(len(tier), func(i, j int) {
			tier[i], tier[j] = tier[j], tier[i]
		})
	default: // round robin
		offset := int(b.cursor(modelID).Add(1)-1) % len(tier)
		rotated := append(append([]*endpoint.Endpoint(nil), tier[offset:]...), tier[:offset]...)
		copy(tier, rotated)
	}
}

func (b *Balancer) cursor(modelID string) *atomic.Uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.rrCursor[modelID]
	if !ok {
		c = &atomic.Uint64{}
		b.rrCursor[modelID] = c
	}
	return c
}
