// File: internal/controller/usage.go
package controller

import (
	"math"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// usageTracker accumulates token usage and dollar cost across every request
// of a run. Clearing conversation history never touches these totals; they
// only reset when a new run starts.
type usageTracker struct {
	pricing *PricingTable
	model   string
	log     *zap.Logger

	totalCost    float64
	inputTokens  int
	outputTokens int
	cachedTokens int
	apiCalls     int
}

func newUsageTracker(model string, pricing *PricingTable, log *zap.Logger) *usageTracker {
	if pricing == nil {
		pricing = DefaultPricingTable()
	}
	return &usageTracker{pricing: pricing, model: model, log: log}
}

// Record folds one request's usage block into the running totals and returns
// the cost of that request.
func (t *usageTracker) Record(u *schemas.TokenUsage) float64 {
	if u == nil {
		return 0
	}

	pricing, known := t.pricing.Lookup(t.model)
	if !known {
		t.log.Warn("Unknown model pricing, using fallback rates", zap.String("model", t.model))
	}
	cost := pricing.Cost(u)

	t.totalCost += cost
	t.inputTokens += u.PromptTokens
	t.outputTokens += u.CompletionTokens
	t.cachedTokens += u.CachedTokens
	t.apiCalls++

	t.log.Info("API call cost",
		zap.Float64("cost_usd", cost),
		zap.Int("input_tokens", u.PromptTokens),
		zap.Int("output_tokens", u.CompletionTokens),
		zap.Int("cached_tokens", u.CachedTokens),
		zap.Float64("total_cost_usd", t.totalCost))

	return cost
}

// Summary snapshots the cumulative totals. Cost is rounded to micro-dollars
// for stable serialization.
func (t *usageTracker) Summary() schemas.UsageSummary {
	return schemas.UsageSummary{
		TotalCostUSD:      math.Round(t.totalCost*1e6) / 1e6,
		TotalInputTokens:  t.inputTokens,
		TotalOutputTokens: t.outputTokens,
		TotalCachedTokens: t.cachedTokens,
		TotalTokens:       t.inputTokens + t.outputTokens,
		APICalls:          t.apiCalls,
		Model:             t.model,
	}
}

// Reset zeroes the totals for a fresh run.
func (t *usageTracker) Reset() {
	t.totalCost = 0
	t.inputTokens = 0
	t.outputTokens = 0
	t.cachedTokens = 0
	t.apiCalls = 0
}
