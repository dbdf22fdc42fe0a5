package key

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

type gormSource struct {
	db *gorm.DB
}

// NewGormSource backs a Store with the shared postgres database.
func NewGormSource(db *gorm.DB) Source {
	return &gormSource{db: db}
}

func (g *gormSource) ActiveKeys(ctx context.Context) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := g.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("expires_at IS NULL OR expires_at > ?", time.Now()).
		Find(&keys).Error
	return keys, err
}

func (g *gormSource) KeyByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	var k models.APIKey
	err := g.db.WithContext(ctx).First(&k, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (g *gormSource) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return g.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", at).Error
}
