package endpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

// ConfigSource loads endpoint configuration rows.
type ConfigSource interface {
	ActiveEndpoints(ctx context.Context) ([]models.ModelEndpoint, error)
}

// Registry is the in-memory endpoint table. Reload replaces the whole view
// under the write lock; the hot path only takes read locks and endpoint
// atomics.
type Registry struct {
	mu      sync.RWMutex
	byModel map[string][]*Endpoint
	byID    map[uuid.UUID]*Endpoint

	source ConfigSource
	logger *zap.Logger
}

func NewRegistry(source ConfigSource, logger *zap.Logger) *Registry {
	return &Registry{
		byModel: make(map[string][]*Endpoint),
		byID:    make(map[uuid.UUID]*Endpoint),
		source:  source,
		logger:  logger,
	}
}

// Reload pulls the current endpoint set from the config source. Live state
// of endpoints that survive the reload is preserved; rows that changed
// identity are rebuilt fresh.
func (r *Registry) Reload(ctx context.Context) error {
	rows, err := r.source.ActiveEndpoints(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byModel := make(map[string][]*Endpoint, len(rows))
	byID := make(map[uuid.UUID]*Endpoint, len(rows))
	for _, row := range rows {
		ep, ok := r.byID[row.ID]
		if ok {
			// Keep live counters; adopt the possibly-updated config.
			ep.Config = row
		} else {
			ep = newEndpoint(row)
		}
		byID[row.ID] = ep
		byModel[row.ModelID] = append(byModel[row.ModelID], ep)
	}

	// Stable priority order per model; lower routing_priority dispatches
	// first.
	for _, eps := range byModel {
		sort.SliceStable(eps, func(i, j int) bool {
			return eps[i].Config.RoutingPriority < eps[j].Config.RoutingPriority
		})
	}

	r.byModel = byModel
	r.byID = byID
	r.logger.Info("endpoint registry reloaded", zap.Int("endpoints", len(rows)))
	return nil
}

// ForModel returns the priority-ordered endpoints serving a model. The slice
// is shared; callers must not mutate it.
func (r *Registry) ForModel(modelID string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byModel[modelID]
}

func (r *Registry) ByID(id uuid.UUID) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byID[id]
	return ep, ok
}

// Due returns up to limit endpoints whose next probe time has passed.
func (r *Registry) Due(now time.Time, limit int) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*Endpoint
	for _, ep := range r.byID {
		if !ep.NextCheckAt().After(now) {
			due = append(due, ep)
			if limit > 0 && len(due) >= limit {
				break
			}
		}
	}
	return due
}

// All returns every registered endpoint.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.byID))
	for _, ep := range r.byID {
		out = append(out, ep)
	}
	return out
}
