package usage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) RecordStore {
	return &gormStore{db: db}
}

func (g *gormStore) InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	return g.db.WithContext(ctx).Create(rec).Error
}

func (g *gormStore) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res := g.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.UsageRecord{})
	return res.RowsAffected, res.Error
}
