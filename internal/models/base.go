// Package models defines the persistent entities the gateway reads and
// writes. Admin tooling owns creation of users, keys, apps, models, and
// endpoints; the gateway treats those as read-mostly and owns usage records.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BaseModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// CurrentMonth returns the accounting month in "YYYY-MM" (UTC), the unit of
// budget rollover.
func CurrentMonth(now time.Time) string {
	return now.UTC().Format("2006-01")
}
