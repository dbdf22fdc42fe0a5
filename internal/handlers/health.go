package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ctenopoma/llm-gateway/internal/database"
	"github.com/ctenopoma/llm-gateway/internal/services/endpoint"
)

// DependencyCheck pings one backing store.
type DependencyCheck func(ctx context.Context) error

type HealthHandler struct {
	checks   map[string]DependencyCheck
	registry *endpoint.Registry
}

func NewHealthHandler(db *gorm.DB, redisClient *redis.Client, registry *endpoint.Registry) *HealthHandler {
	return &HealthHandler{
		checks: map[string]DependencyCheck{
			"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
		registry: registry,
	}
}

// Health is GET /health and GET /ready: 200 when every backing store
// answers, 503 otherwise.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	writeJSON(w, status, map[string]interface{}{
		"status": http.StatusText(status),
		"checks": results,
	})
}

// Endpoints is GET /admin/endpoints: live routing state for operators.
func (h *HealthHandler) Endpoints(w http.ResponseWriter, r *http.Request) {
	eps := h.registry.All()
	out := make([]map[string]interface{}, 0, len(eps))
	for _, ep := range eps {
		snap := ep.Snapshot()
		out = append(out, map[string]interface{}{
			"id":                   snap.ID,
			"model_id":             snap.ModelID,
			"base_url":             snap.BaseURL,
			"health_status":        snap.HealthStatus,
			"consecutive_failures": snap.ConsecutiveFailures,
			"avg_latency_ms":       snap.AvgLatencyMS,
			"in_flight":            ep.InFlight(),
			"total_requests":       snap.TotalRequests,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": out})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
