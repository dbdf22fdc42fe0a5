package budget

import "github.com/ctenopoma/llm-gateway/internal/models"

// EstimateCost prices the worst case of a call before dispatch: the
// estimated input tokens at input cost plus the full output allowance at
// output cost. Reservations made from this are corrected to actuals at
// commit time.
func EstimateCost(m *models.Model, estInputTokens, maxOutputTokens int) float64 {
	return float64(estInputTokens)/1e6*m.InputCostPerMillion +
		float64(maxOutputTokens)/1e6*m.OutputCostPerMillion
}
