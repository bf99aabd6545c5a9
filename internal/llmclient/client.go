// internal/llmclient/client.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// Client is the provider-neutral model endpoint: one request carries the full
// transcript plus the available tool schemas, one response carries text and/or
// structured calls plus usage counts. Implementations own their wire format,
// their retry policy, and their multimodal ordering policy.
type Client interface {
	Complete(ctx context.Context, turns []schemas.Turn, tools []schemas.ToolDefinition) (*schemas.ModelResponse, error)
}

// New is a factory function that creates a Client based on the configuration.
func New(ctx context.Context, cfg config.ControllerConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger), nil
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported model provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderOpenAI, config.ProviderGemini)
	}
}

// newLimiter builds the provider-call rate limiter, or nil when unthrottled.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// waitForSlot blocks until the limiter admits the call. A context expiring
// during the wait surfaces as a transport failure for the provider.
func waitForSlot(ctx context.Context, limiter *rate.Limiter, provider string) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return &schemas.TransportError{Provider: provider, Err: err}
	}
	return nil
}
