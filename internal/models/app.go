package models

import "time"

// App is a registered delegating application. Apps call the gateway with the
// shared secret and bill the per-request user they name, so the row mostly
// exists for attribution and kill switches.
type App struct {
	AppID       string    `gorm:"primaryKey;size:64" json:"app_id"`
	Name        string    `gorm:"size:255" json:"name"`
	OwnerOID    string    `gorm:"size:64;index" json:"owner_oid"`
	Description string    `gorm:"size:1024" json:"description"`
	IsActive    bool      `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (App) TableName() string { return "apps" }
