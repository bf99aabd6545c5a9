// File: internal/controller/pricing.go
package controller

import (
	"strings"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// ModelPricing holds per-million-token rates for one model. A nil rate means
// the provider publishes no price for that bucket; it contributes zero cost.
type ModelPricing struct {
	Input       *float64
	CachedInput *float64
	Output      *float64
}

// PricingTable resolves a model name to its rates. Resolution order: exact
// match, then the first table entry that is a prefix or substring of the
// name, then the fallback entry. Entry order therefore matters and is kept.
type PricingTable struct {
	order    []string
	rates    map[string]ModelPricing
	fallback string
}

func rate(v float64) *float64 { return &v }

// DefaultPricingTable returns the published OpenAI rates, per 1M tokens.
func DefaultPricingTable() *PricingTable {
	t := &PricingTable{rates: make(map[string]ModelPricing), fallback: "gpt-4.1"}
	add := func(name string, p ModelPricing) {
		t.order = append(t.order, name)
		t.rates[name] = p
	}

	// Flagship models
	add("gpt-5.2", ModelPricing{rate(1.750), rate(0.175), rate(14.000)})
	add("gpt-5.2-pro", ModelPricing{rate(21.00), nil, rate(168.00)})
	add("gpt-5-mini", ModelPricing{rate(0.250), rate(0.025), rate(2.000)})
	// Fine-tuning models
	add("gpt-4.1", ModelPricing{rate(3.00), rate(0.75), rate(12.00)})
	add("gpt-4.1-mini", ModelPricing{rate(0.80), rate(0.20), rate(3.20)})
	add("gpt-4.1-nano", ModelPricing{rate(0.20), rate(0.05), rate(0.80)})
	add("o4-mini", ModelPricing{rate(4.00), rate(1.00), rate(16.00)})
	// Realtime API
	add("gpt-realtime", ModelPricing{rate(4.00), rate(0.40), rate(16.00)})
	add("gpt-realtime-mini", ModelPricing{rate(0.60), rate(0.06), rate(2.40)})
	// Image generation API
	add("gpt-image-1.5", ModelPricing{rate(5.00), rate(1.25), rate(10.00)})
	add("gpt-image-1", ModelPricing{rate(5.00), rate(1.25), nil})
	add("gpt-image-1-mini", ModelPricing{rate(2.00), rate(0.20), nil})
	// Legacy models
	add("gpt-4o", ModelPricing{rate(2.50), rate(0.25), rate(10.00)})
	add("gpt-4o-mini", ModelPricing{rate(0.15), rate(0.015), rate(0.60)})
	add("gpt-4-turbo", ModelPricing{rate(10.00), rate(1.00), rate(30.00)})
	add("gpt-3.5-turbo", ModelPricing{rate(0.50), rate(0.25), rate(1.50)})

	return t
}

// Lookup resolves pricing for a model name. The second return value reports
// whether the name resolved to a real entry rather than the fallback.
func (t *PricingTable) Lookup(model string) (ModelPricing, bool) {
	name := strings.ToLower(model)

	if p, ok := t.rates[name]; ok {
		return p, true
	}
	for _, key := range t.order {
		if strings.HasPrefix(name, key) || strings.Contains(name, key) {
			return t.rates[key], true
		}
	}
	return t.rates[t.fallback], false
}

// Cost computes the dollar cost of one request at these rates. Cached tokens
// are billed at the cached rate when one exists; the remainder of the prompt
// at the input rate; completion tokens at the output rate.
func (p ModelPricing) Cost(u *schemas.TokenUsage) float64 {
	if u == nil {
		return 0
	}

	var inputCost float64
	if u.CachedTokens > 0 && p.CachedInput != nil {
		inputCost += float64(u.CachedTokens) / 1_000_000 * (*p.CachedInput)
		if nonCached := u.PromptTokens - u.CachedTokens; nonCached > 0 && p.Input != nil {
			inputCost += float64(nonCached) / 1_000_000 * (*p.Input)
		}
	} else if p.Input != nil {
		inputCost = float64(u.PromptTokens) / 1_000_000 * (*p.Input)
	}

	var outputCost float64
	if u.CompletionTokens > 0 && p.Output != nil {
		outputCost = float64(u.CompletionTokens) / 1_000_000 * (*p.Output)
	}

	return inputCost + outputCost
}
