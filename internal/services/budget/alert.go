package budget

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Alert is the soft-limit notification payload posted to the operations
// webhook. Delivery is at-least-once; the Redis SETNX in the reserver keeps
// it to once per key per month in practice.
type Alert struct {
	KeyID     string  `json:"key_id"`
	UserOID   string  `json:"user_oid"`
	Month     string  `json:"month"`
	Threshold float64 `json:"threshold"`
	Usage     float64 `json:"usage"`
	Limit     float64 `json:"limit"`
}

type Alerter struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewAlerter(url string, logger *zap.Logger) *Alerter {
	if url == "" {
		return nil
	}
	return &Alerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Fire posts the alert in the background; admission latency never waits on
// the webhook.
func (a *Alerter) Fire(alert Alert) {
	go func() {
		payload, err := json.Marshal(alert)
		if err != nil {
			return
		}
		resp, err := a.client.Post(a.url, "application/json", bytes.NewReader(payload))
		if err != nil {
			a.logger.Warn("budget alert webhook failed",
				zap.String("key_id", alert.KeyID), zap.Error(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			a.logger.Warn("budget alert webhook rejected",
				zap.String("key_id", alert.KeyID), zap.Int("status", resp.StatusCode))
		}
	}()
}
