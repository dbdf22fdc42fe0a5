package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditRecord rows are written by the admin collaborator and the key CLI;
// the serving path never writes to this table.
type AuditRecord struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AdminOID   string         `gorm:"size:64;index" json:"admin_oid"`
	Action     string         `gorm:"size:128" json:"action"`
	TargetType string         `gorm:"size:64" json:"target_type"`
	TargetID   string         `gorm:"size:128" json:"target_id"`
	IPAddress  string         `gorm:"size:64" json:"ip_address"`
	Metadata   datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
}

func (AuditRecord) TableName() string { return "audit_records" }

func (a *AuditRecord) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
