package models

import (
	"time"

	"github.com/lib/pq"
)

// APIKey is an opaque bearer credential. Only the salted digest is stored;
// the plaintext is shown once at creation time.
type APIKey struct {
	BaseModel
	UserOID string `gorm:"size:64;index;not null" json:"user_oid"`
	User    *User  `gorm:"foreignKey:UserOID;references:OID" json:"-"`

	Name          string `gorm:"size:255" json:"name"`
	HashedKey     string `gorm:"uniqueIndex;size:64;not null" json:"-"`
	Salt          string `gorm:"size:32;not null" json:"-"`
	DisplayPrefix string `gorm:"size:16" json:"display_prefix"`

	RateLimitRPM      int            `gorm:"default:60" json:"rate_limit_rpm"`
	BudgetMonthly     *float64       `json:"budget_monthly,omitempty"`
	UsageCurrentMonth float64        `gorm:"default:0" json:"usage_current_month"`
	LastResetMonth    string         `gorm:"size:7" json:"last_reset_month"`
	AllowedModels     pq.StringArray `gorm:"type:text[]" json:"allowed_models,omitempty"`
	AllowedIPs        pq.StringArray `gorm:"type:text[]" json:"allowed_ips,omitempty"`

	IsActive   bool       `gorm:"default:true;index" json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func (APIKey) TableName() string { return "api_keys" }

// Usable reports whether the key may authenticate a request right now.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// ModelAllowed applies the per-key model whitelist. An empty whitelist means
// every active model is allowed.
func (k *APIKey) ModelAllowed(modelID string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

// IPAllowed applies the per-key source-IP allowlist. Empty means any.
func (k *APIKey) IPAllowed(ip string) bool {
	if len(k.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range k.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}
