package account

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (g *gormStore) UserByOID(ctx context.Context, oid string) (*models.User, error) {
	var user models.User
	err := g.db.WithContext(ctx).First(&user, "oid = ?", oid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (g *gormStore) AppByID(ctx context.Context, appID string) (*models.App, error) {
	var app models.App
	err := g.db.WithContext(ctx).First(&app, "app_id = ?", appID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (g *gormStore) MarkExpired(ctx context.Context, oid string) error {
	return g.db.WithContext(ctx).Model(&models.User{}).
		Where("oid = ?", oid).
		Update("payment_status", models.PaymentStatusExpired).Error
}

func (g *gormStore) AddUserCost(ctx context.Context, oid string, amount float64) error {
	return g.db.WithContext(ctx).Model(&models.User{}).
		Where("oid = ?", oid).
		UpdateColumn("total_cost_cache", gorm.Expr("total_cost_cache + ?", amount)).Error
}

func (g *gormStore) BulkExpireUsers(ctx context.Context, now time.Time) (int64, error) {
	res := g.db.WithContext(ctx).Model(&models.User{}).
		Where("payment_status IN ?", []models.PaymentStatus{models.PaymentStatusActive, models.PaymentStatusTrial}).
		Where("payment_valid_until IS NOT NULL AND payment_valid_until < ?", now).
		Update("payment_status", models.PaymentStatusExpired)
	return res.RowsAffected, res.Error
}
