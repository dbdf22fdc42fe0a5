package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type UsageStatus string

const (
	UsageStatusCompleted UsageStatus = "completed"
	UsageStatusFailed    UsageStatus = "failed"
	UsageStatusCancelled UsageStatus = "cancelled"
)

// UsageRecord is the immutable audit row written once per admitted dispatch,
// at terminal time. The table is partitioned by created_at month; partition
// management is external.
type UsageRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	RequestID string     `gorm:"size:64;index" json:"request_id"`
	UserOID   string     `gorm:"size:64;index" json:"user_oid"`
	APIKeyID  *uuid.UUID `gorm:"type:uuid;index" json:"api_key_id,omitempty"`
	AppID     *string    `gorm:"size:64;index" json:"app_id,omitempty"`
	IPAddress string     `gorm:"size:64" json:"ip_address"`
	UserAgent string     `gorm:"size:512" json:"user_agent"`

	RequestedModel string     `gorm:"size:128" json:"requested_model"`
	ActualModel    string     `gorm:"size:128" json:"actual_model"`
	EndpointID     *uuid.UUID `gorm:"type:uuid" json:"endpoint_id,omitempty"`
	Streamed       bool       `json:"streamed"`

	InputTokens       int     `json:"input_tokens"`
	OutputTokens      int     `json:"output_tokens"`
	CacheCreateTokens int     `gorm:"default:0" json:"cache_creation_tokens"`
	CacheReadTokens   int     `gorm:"default:0" json:"cache_read_tokens"`
	Cost              float64 `json:"cost"`

	Status       UsageStatus `gorm:"size:16;index" json:"status"`
	ErrorCode    string      `gorm:"size:64" json:"error_code,omitempty"`
	ErrorMessage string      `gorm:"size:1024" json:"error_message,omitempty"`

	LatencyMS int64  `json:"latency_ms"`
	TTFTMS    *int64 `json:"ttft_ms,omitempty"`

	Metadata datatypes.JSON `json:"metadata,omitempty"`
}

func (UsageRecord) TableName() string { return "usage_records" }

func (u *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
