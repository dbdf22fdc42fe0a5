package models

import "time"

type PaymentStatus string

const (
	PaymentStatusActive  PaymentStatus = "active"
	PaymentStatusTrial   PaymentStatus = "trial"
	PaymentStatusExpired PaymentStatus = "expired"
	PaymentStatusBanned  PaymentStatus = "banned"
)

// User is a billed principal. OID is the organization-wide identifier issued
// by the identity collaborator; it is the primary key, not a surrogate uuid.
type User struct {
	OID               string        `gorm:"primaryKey;size:64" json:"oid"`
	Email             string        `gorm:"uniqueIndex;size:255" json:"email"`
	DisplayName       string        `gorm:"size:255" json:"display_name"`
	PaymentStatus     PaymentStatus `gorm:"size:16;default:'trial';index" json:"payment_status"`
	PaymentValidUntil *time.Time    `json:"payment_valid_until,omitempty"`
	TotalCostCache    float64       `gorm:"default:0" json:"total_cost_cache"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// Billable reports whether requests may be billed to this user right now.
// A stale active/trial status with an elapsed payment window is NOT billable;
// callers are expected to sync the row to expired when they see that.
func (u *User) Billable(now time.Time) bool {
	switch u.PaymentStatus {
	case PaymentStatusActive, PaymentStatusTrial:
	default:
		return false
	}
	if u.PaymentValidUntil != nil && now.After(*u.PaymentValidUntil) {
		return false
	}
	return true
}

// PaymentLapsed reports whether the stored status needs syncing to expired.
func (u *User) PaymentLapsed(now time.Time) bool {
	if u.PaymentStatus != PaymentStatusActive && u.PaymentStatus != PaymentStatusTrial {
		return false
	}
	return u.PaymentValidUntil != nil && now.After(*u.PaymentValidUntil)
}
