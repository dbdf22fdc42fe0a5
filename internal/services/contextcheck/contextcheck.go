// Package contextcheck rejects requests that cannot fit a model's context
// window before any budget or upstream capacity is spent on them.
package contextcheck

import (
	"unicode"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/models"
)

// perMessageOverhead approximates the role and framing tokens around each
// message.
const perMessageOverhead = 4

// EstimateTokens approximates the token count of a text without a real
// tokenizer: roughly 4 characters per token for Latin text, 2 for CJK-heavy
// text (more than 30% CJK runes).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	total := 0
	cjk := 0
	for _, r := range text {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	divisor := 4
	if float64(cjk)/float64(total) > 0.3 {
		divisor = 2
	}
	tokens := total / divisor
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

func isCJK(r rune) bool {
	return unicode.In(r,
		unicode.Han,
		unicode.Hiragana,
		unicode.Katakana,
		unicode.Hangul,
	)
}

// EstimateInput sums the token estimate over the flattened message texts.
func EstimateInput(messageTexts []string) int {
	total := 0
	for _, text := range messageTexts {
		total += EstimateTokens(text) + perMessageOverhead
	}
	return total
}

// Validate checks a request's flattened messages and max_tokens against the
// model's window. The returned estimate is reused for budget estimation so
// both gates see the same numbers.
func Validate(messageTexts []string, maxTokens int, m *models.Model) (estInput int, err error) {
	if len(messageTexts) == 0 {
		return 0, apierror.New(apierror.KindValidation, "messages must not be empty")
	}

	if maxTokens > m.MaxOutputTokens {
		return 0, apierror.Newf(apierror.KindContextTooLarge,
			"max_tokens %d exceeds model limit of %d", maxTokens, m.MaxOutputTokens)
	}

	estInput = EstimateInput(messageTexts)
	maxOutput := m.EffectiveMaxOutput(maxTokens)

	if estInput+maxOutput > m.ContextWindow {
		return 0, apierror.Newf(apierror.KindContextTooLarge,
			"estimated %d input tokens plus %d output tokens exceeds the %d token context window",
			estInput, maxOutput, m.ContextWindow)
	}
	return estInput, nil
}
