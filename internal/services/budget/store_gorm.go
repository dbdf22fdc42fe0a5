package budget

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (g *gormStore) ResetMonth(ctx context.Context, keyID uuid.UUID, month string) error {
	// Guarded by last_reset_month so concurrent rollovers collapse to one.
	return g.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ? AND last_reset_month <> ?", keyID, month).
		Updates(map[string]interface{}{
			"usage_current_month": 0,
			"last_reset_month":    month,
		}).Error
}

func (g *gormStore) AddKeyUsage(ctx context.Context, keyID uuid.UUID, amount float64) error {
	return g.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", keyID).
		UpdateColumn("usage_current_month", gorm.Expr("usage_current_month + ?", amount)).Error
}
