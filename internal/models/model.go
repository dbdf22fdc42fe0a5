package models

import (
	"time"

	"github.com/lib/pq"
)

// Model is a logical model clients request by ID ("gpt-4o", "llama-3-70b").
// Pricing is per million tokens in JPY.
type Model struct {
	ID           string `gorm:"primaryKey;size:128" json:"id"`
	UpstreamName string `gorm:"size:128" json:"upstream_name"`
	Provider     string `gorm:"size:64" json:"provider"`

	InputCostPerMillion  float64 `json:"input_cost_per_million"`
	OutputCostPerMillion float64 `json:"output_cost_per_million"`

	ContextWindow   int `gorm:"default:8192" json:"context_window"`
	MaxOutputTokens int `gorm:"default:4096" json:"max_output_tokens"`

	SupportsStreaming bool `gorm:"default:true" json:"supports_streaming"`
	SupportsFunctions bool `gorm:"default:false" json:"supports_functions"`
	SupportsVision    bool `gorm:"default:false" json:"supports_vision"`

	MaxRetries     int            `gorm:"default:2" json:"max_retries"`
	FallbackModels pq.StringArray `gorm:"type:text[]" json:"fallback_models,omitempty"`
	// TrafficWeight is reserved for weighted routing; admin-owned.
	TrafficWeight int `gorm:"default:1" json:"traffic_weight"`

	IsActive  bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Model) TableName() string { return "models" }

// CostFor prices a completed call, rounded to 4 decimal places.
func (m *Model) CostFor(inputTokens, outputTokens int) float64 {
	cost := float64(inputTokens)/1e6*m.InputCostPerMillion +
		float64(outputTokens)/1e6*m.OutputCostPerMillion
	return float64(int64(cost*10000+0.5)) / 10000
}

// EffectiveMaxOutput clamps a requested max_tokens to the model ceiling,
// defaulting to the ceiling when the request does not say.
func (m *Model) EffectiveMaxOutput(requested int) int {
	if requested <= 0 || requested > m.MaxOutputTokens {
		return m.MaxOutputTokens
	}
	return requested
}
