package endpoint

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/middleware"
	"github.com/ctenopoma/llm-gateway/internal/models"
)

// StateSink persists live endpoint state back to the durable store. Writes
// are best-effort; the in-memory view is authoritative while the process
// lives.
type StateSink interface {
	SaveEndpointState(ctx context.Context, row models.ModelEndpoint) error
}

// HealthChecker probes endpoints on their individual schedules and applies
// the health transition rules shared with dispatch outcomes.
type HealthChecker struct {
	registry     *Registry
	sink         StateSink
	client       *http.Client
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
}

func NewHealthChecker(registry *Registry, sink StateSink, logger *zap.Logger, pollInterval time.Duration, batchSize int) *HealthChecker {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &HealthChecker{
		registry:     registry,
		sink:         sink,
		client:       &http.Client{},
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Run probes due endpoints until the context is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	h.CheckDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckDue(ctx)
		}
	}
}

// CheckDue probes every endpoint whose schedule has come up, concurrently.
func (h *HealthChecker) CheckDue(ctx context.Context) {
	due := h.registry.Due(time.Now(), h.batchSize)
	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, ep := range due {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			h.Probe(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

// Probe performs one health check and applies the transition:
// 2xx within the timeout is a success, a reachable non-2xx degrades, and a
// connection failure or timeout counts toward down.
func (h *HealthChecker) Probe(ctx context.Context, ep *Endpoint) {
	probeCtx, cancel := context.WithTimeout(ctx, ep.Config.HealthCheckTimeout())
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, ep.Config.ProbeURL(), nil)
	if err != nil {
		h.logger.Error("invalid probe URL",
			zap.String("endpoint_id", ep.ID().String()), zap.Error(err))
		ep.RecordFailure(time.Now())
		h.persist(ctx, ep)
		return
	}

	resp, err := h.client.Do(req)
	now := time.Now()
	switch {
	case err != nil:
		ep.RecordFailure(now)
		h.logger.Warn("endpoint probe failed",
			zap.String("endpoint_id", ep.ID().String()),
			zap.String("model", ep.Config.ModelID),
			zap.Int("consecutive_failures", ep.ConsecutiveFailures()),
			zap.String("status", string(ep.Health())),
			zap.Error(err))
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		resp.Body.Close()
		ep.RecordSuccess(now.Sub(start), now)
	default:
		resp.Body.Close()
		ep.RecordDegraded(now)
		h.logger.Warn("endpoint probe degraded",
			zap.String("endpoint_id", ep.ID().String()),
			zap.Int("status_code", resp.StatusCode))
	}

	middleware.SetEndpointHealth(ep.Config.ModelID, ep.Config.BaseURL, healthMetricValue(ep.Health()))
	h.persist(ctx, ep)
}

func healthMetricValue(s models.HealthStatus) float64 {
	switch s {
	case models.HealthHealthy:
		return 1
	case models.HealthDegraded:
		return 0.5
	default:
		return 0
	}
}

func (h *HealthChecker) persist(ctx context.Context, ep *Endpoint) {
	if h.sink == nil {
		return
	}
	if err := h.sink.SaveEndpointState(ctx, ep.Snapshot()); err != nil {
		h.logger.Warn("failed to persist endpoint state",
			zap.String("endpoint_id", ep.ID().String()), zap.Error(err))
	}
}
