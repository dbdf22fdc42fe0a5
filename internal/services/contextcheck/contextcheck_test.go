package contextcheck

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/models"
)

func TestEstimateTokens(t *testing.T) {
	t.Run("latin text at 4 chars per token", func(t *testing.T) {
		assert.Equal(t, 10, EstimateTokens(strings.Repeat("a", 40)))
	})

	t.Run("cjk heavy text at 2 chars per token", func(t *testing.T) {
		assert.Equal(t, 10, EstimateTokens(strings.Repeat("日", 20)))
	})

	t.Run("mixed below cjk threshold stays at 4", func(t *testing.T) {
		// 2 CJK runes out of 42 is under 30%.
		text := strings.Repeat("a", 40) + "日本"
		assert.Equal(t, 10, EstimateTokens(text))
	})

	t.Run("empty and tiny", func(t *testing.T) {
		assert.Equal(t, 0, EstimateTokens(""))
		assert.Equal(t, 1, EstimateTokens("hi"))
	})
}

func TestValidate(t *testing.T) {
	m := &models.Model{
		ID:              "test-model",
		ContextWindow:   1000,
		MaxOutputTokens: 200,
	}

	t.Run("fits", func(t *testing.T) {
		est, err := Validate([]string{strings.Repeat("a", 400)}, 100, m) // ~100 tokens
		require.NoError(t, err)
		assert.Equal(t, 104, est)
	})

	t.Run("input plus output overflows window", func(t *testing.T) {
		// ~900 input tokens; max_tokens unset defaults to the model's 200.
		_, err := Validate([]string{strings.Repeat("a", 3600)}, 0, m)
		require.Error(t, err)
		assert.Equal(t, apierror.KindContextTooLarge, apierror.From(err).Kind)
	})

	t.Run("boundary exactly fits", func(t *testing.T) {
		// 796 input + 4 overhead + 200 output == 1000.
		_, err := Validate([]string{strings.Repeat("a", 3184)}, 0, m)
		assert.NoError(t, err)
	})

	t.Run("one over the boundary rejects", func(t *testing.T) {
		_, err := Validate([]string{strings.Repeat("a", 3188)}, 0, m)
		assert.Error(t, err)
	})

	t.Run("max_tokens above model ceiling", func(t *testing.T) {
		_, err := Validate([]string{"hi"}, 500, m)
		require.Error(t, err)
		assert.Equal(t, apierror.KindContextTooLarge, apierror.From(err).Kind)
	})

	t.Run("empty messages", func(t *testing.T) {
		_, err := Validate(nil, 0, m)
		require.Error(t, err)
		assert.Equal(t, apierror.KindValidation, apierror.From(err).Kind)
	})
}
