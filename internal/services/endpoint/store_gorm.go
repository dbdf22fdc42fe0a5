package endpoint

import (
	"context"

	"gorm.io/gorm"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

type gormStore struct {
	db *gorm.DB
}

// NewGormStore serves both the config-source and state-sink roles from the
// shared database.
func NewGormStore(db *gorm.DB) *gormStore {
	return &gormStore{db: db}
}

var _ ConfigSource = (*gormStore)(nil)
var _ StateSink = (*gormStore)(nil)

func (g *gormStore) ActiveEndpoints(ctx context.Context) ([]models.ModelEndpoint, error) {
	var rows []models.ModelEndpoint
	err := g.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("model_id, routing_priority").
		Find(&rows).Error
	return rows, err
}

func (g *gormStore) SaveEndpointState(ctx context.Context, row models.ModelEndpoint) error {
	return g.db.WithContext(ctx).Model(&models.ModelEndpoint{}).
		Where("id = ?", row.ID).
		UpdateColumns(map[string]interface{}{
			"health_status":        row.HealthStatus,
			"consecutive_failures": row.ConsecutiveFailures,
			"avg_latency_ms":       row.AvgLatencyMS,
			"total_requests":       row.TotalRequests,
			"last_health_check":    row.LastHealthCheck,
			"next_check_at":        row.NextCheckAt,
		}).Error
}
