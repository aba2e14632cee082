package providers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEScannerBasics(t *testing.T) {
	input := ": heartbeat\n" +
		"data: {\"a\":1}\n\n" +
		"event: message\n" +
		"data: {\"b\":2}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"never\":true}\n"

	s := newSSEScanner(strings.NewReader(input))

	first, ok := s.Next()
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(first))

	second, ok := s.Next()
	require.True(t, ok)
	assert.JSONEq(t, `{"b":2}`, string(second))

	// [DONE] terminates the stream; trailing data is never surfaced.
	_, ok = s.Next()
	assert.False(t, ok)
	assert.NoError(t, s.Err())
}

func TestNDJSONScanner(t *testing.T) {
	input := "{\"a\":1}\n{\"b\":2}\n"
	s := newNDJSONScanner(strings.NewReader(input))

	first, ok := s.Next()
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(first))

	second, ok := s.Next()
	require.True(t, ok)
	assert.JSONEq(t, `{"b":2}`, string(second))

	_, ok = s.Next()
	assert.False(t, ok)
}

func TestLookupEmbeddedPricing(t *testing.T) {
	exact, ok := LookupEmbeddedPricing("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 0.0025, exact.InputPer1K)

	// Date-stamped ids match by suffix stripping.
	dated, ok := LookupEmbeddedPricing("claude-3-5-sonnet-20241022")
	require.True(t, ok)
	assert.Equal(t, 0.003, dated.InputPer1K)

	_, ok = LookupEmbeddedPricing("unknown-model")
	assert.False(t, ok)
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}
	cost := p.Cost(Usage{PromptTokens: 1000, CompletionTokens: 2000})
	assert.InDelta(t, 0.003+0.03, cost, 1e-9)
}
