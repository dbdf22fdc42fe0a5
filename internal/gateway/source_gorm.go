package gateway

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

type gormModelSource struct {
	db *gorm.DB
}

func NewGormModelSource(db *gorm.DB) ModelSource {
	return &gormModelSource{db: db}
}

func (g *gormModelSource) ModelByID(ctx context.Context, id string) (*models.Model, error) {
	var m models.Model
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (g *gormModelSource) ActiveModels(ctx context.Context) ([]models.Model, error) {
	var out []models.Model
	err := g.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id").
		Find(&out).Error
	return out, err
}
