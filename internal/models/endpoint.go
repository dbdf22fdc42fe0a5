package models

import "time"

type EndpointType string

const (
	EndpointTypeVLLM   EndpointType = "vllm"
	EndpointTypeOllama EndpointType = "ollama"
	EndpointTypeTGI    EndpointType = "tgi"
	EndpointTypeCustom EndpointType = "custom"
)

type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

type RoutingStrategy string

const (
	RouteRoundRobin   RoutingStrategy = "round_robin"
	RouteUsageBased   RoutingStrategy = "usage_based"
	RouteLatencyBased RoutingStrategy = "latency_based"
	RouteRandom       RoutingStrategy = "random"
)

// ModelEndpoint is one physical upstream serving a logical model. Static
// columns are admin-owned config; the live-state columns at the bottom are
// written back by the health scheduler and are advisory on restart.
type ModelEndpoint struct {
	BaseModel
	ModelID string `gorm:"size:128;index;not null" json:"model_id"`
	Model   *Model `gorm:"foreignKey:ModelID" json:"-"`

	EndpointType EndpointType `gorm:"size:16;default:'vllm'" json:"endpoint_type"`
	BaseURL      string       `gorm:"size:512;not null" json:"base_url"`
	// APIKeyEnv names the environment variable holding the upstream
	// credential, so secrets stay out of the database.
	APIKeyEnv string `gorm:"size:128" json:"api_key_env"`

	RoutingPriority       int             `gorm:"default:100" json:"routing_priority"`
	RoutingStrategy       RoutingStrategy `gorm:"size:16;default:'round_robin'" json:"routing_strategy"`
	TimeoutSeconds        int             `gorm:"default:120" json:"timeout_seconds"`
	MaxConcurrentRequests int             `gorm:"default:0" json:"max_concurrent_requests"`

	HealthCheckURL        string `gorm:"size:512" json:"health_check_url"`
	HealthCheckIntervalMS int    `gorm:"default:60000" json:"health_check_interval_ms"`
	HealthCheckTimeoutMS  int    `gorm:"default:5000" json:"health_check_timeout_ms"`

	IsActive bool `gorm:"default:true;index" json:"is_active"`

	// Live state, persisted best-effort by the health scheduler.
	HealthStatus        HealthStatus `gorm:"size:16;default:'unknown'" json:"health_status"`
	ConsecutiveFailures int          `gorm:"default:0" json:"consecutive_failures"`
	AvgLatencyMS        int64        `gorm:"default:0" json:"avg_latency_ms"`
	TotalRequests       int64        `gorm:"default:0" json:"total_requests"`
	LastHealthCheck     *time.Time   `json:"last_health_check,omitempty"`
	NextCheckAt         *time.Time   `gorm:"index" json:"next_check_at,omitempty"`
}

func (ModelEndpoint) TableName() string { return "model_endpoints" }

// ProbeURL is the health probe target, defaulting to base_url + "/health".
func (e *ModelEndpoint) ProbeURL() string {
	if e.HealthCheckURL != "" {
		return e.HealthCheckURL
	}
	return e.BaseURL + "/health"
}

func (e *ModelEndpoint) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func (e *ModelEndpoint) HealthCheckInterval() time.Duration {
	if e.HealthCheckIntervalMS <= 0 {
		return time.Minute
	}
	return time.Duration(e.HealthCheckIntervalMS) * time.Millisecond
}

func (e *ModelEndpoint) HealthCheckTimeout() time.Duration {
	if e.HealthCheckTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(e.HealthCheckTimeoutMS) * time.Millisecond
}
