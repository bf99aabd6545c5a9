package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// TestPricingLookup verifies the resolution chain: exact name, then first
// table entry in declaration order that prefixes or appears in the name,
// then the fallback.
func TestPricingLookup(t *testing.T) {
	t.Parallel()
	table := DefaultPricingTable()

	tests := []struct {
		name      string
		model     string
		wantInput float64
		wantKnown bool
	}{
		{name: "Exact Match", model: "gpt-4.1-mini", wantInput: 0.80, wantKnown: true},
		{name: "Case Insensitive", model: "GPT-4o", wantInput: 2.50, wantKnown: true},
		// A dated snapshot resolves to the first entry that prefixes it,
		// which is the base model, not the longer -mini entry further down.
		{name: "Prefix Resolves In Table Order", model: "gpt-4.1-mini-2024", wantInput: 3.00, wantKnown: true},
		{name: "Substring Match", model: "azure-gpt-3.5-turbo-0613", wantInput: 0.50, wantKnown: true},
		{name: "Unknown Falls Back", model: "claude-sonnet", wantInput: 3.00, wantKnown: false},
	}

	for _, tc := range tests {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pricing, known := table.Lookup(tt.model)
			assert.Equal(t, tt.wantKnown, known)
			require.NotNil(t, pricing.Input)
			assert.InDelta(t, tt.wantInput, *pricing.Input, 1e-9)
		})
	}
}

// TestPricingCost verifies the cost split between cached and fresh prompt
// tokens and the output bucket.
func TestPricingCost(t *testing.T) {
	t.Parallel()
	table := DefaultPricingTable()

	t.Run("No Cache", func(t *testing.T) {
		t.Parallel()
		pricing, _ := table.Lookup("gpt-4.1")
		cost := pricing.Cost(&schemas.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 500_000})
		// 1M input at $3 plus 0.5M output at $12.
		assert.InDelta(t, 9.00, cost, 1e-9)
	})

	t.Run("Cached Split", func(t *testing.T) {
		t.Parallel()
		pricing, _ := table.Lookup("gpt-4.1")
		cost := pricing.Cost(&schemas.TokenUsage{PromptTokens: 1_000_000, CachedTokens: 400_000, CompletionTokens: 0})
		// 400k cached at $0.75 plus 600k fresh at $3.
		assert.InDelta(t, 0.3+1.8, cost, 1e-9)
	})

	t.Run("Nil Output Rate", func(t *testing.T) {
		t.Parallel()
		pricing, known := table.Lookup("gpt-image-1-mini")
		require.True(t, known)
		cost := pricing.Cost(&schemas.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
		// No published output rate, so completions cost nothing.
		assert.InDelta(t, 2.00, cost, 1e-9)
	})

	t.Run("Nil Usage", func(t *testing.T) {
		t.Parallel()
		pricing, _ := table.Lookup("gpt-4.1")
		assert.Zero(t, pricing.Cost(nil))
	})
}

// TestUsageTrackerSummary verifies accumulation, rounding, and reset.
func TestUsageTrackerSummary(t *testing.T) {
	t.Parallel()
	tracker := newUsageTracker("gpt-4.1", nil, zap.NewNop())

	tracker.Record(&schemas.TokenUsage{PromptTokens: 300, CompletionTokens: 50, CachedTokens: 100})
	tracker.Record(&schemas.TokenUsage{PromptTokens: 700, CompletionTokens: 150})

	s := tracker.Summary()
	assert.Equal(t, 2, s.APICalls)
	assert.Equal(t, 1000, s.TotalInputTokens)
	assert.Equal(t, 200, s.TotalOutputTokens)
	assert.Equal(t, 100, s.TotalCachedTokens)
	assert.Equal(t, 1200, s.TotalTokens)
	assert.Equal(t, "gpt-4.1", s.Model)
	assert.Greater(t, s.TotalCostUSD, 0.0)

	tracker.Reset()
	s = tracker.Summary()
	assert.Zero(t, s.APICalls)
	assert.Zero(t, s.TotalCostUSD)
}

// TestSummaryRounding pins the micro-dollar rounding of the reported total.
func TestSummaryRounding(t *testing.T) {
	t.Parallel()
	tracker := newUsageTracker("gpt-4.1", nil, zap.NewNop())
	// 1 input token costs $0.000003; 111 calls accumulate float noise.
	for i := 0; i < 111; i++ {
		tracker.Record(&schemas.TokenUsage{PromptTokens: 1})
	}
	s := tracker.Summary()
	assert.InDelta(t, 0.000333, s.TotalCostUSD, 1e-12)
}
