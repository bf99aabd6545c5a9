package llmclient

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/marionette/internal/config"
)

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	core, _ := observer.New(zap.DebugLevel)
	return zap.New(core)
}

// validControllerConfig returns a controller configuration suitable for
// exercising the provider adapters in tests.
func validControllerConfig() config.ControllerConfig {
	return config.ControllerConfig{
		Provider:        config.ProviderOpenAI,
		Model:           "gpt-4.1",
		APIKey:          "test-api-key",
		APITimeout:      5 * time.Second,
		MaxParseRetries: 2,
		NativeTools:     true,
		MaxTokens:       1024,
	}
}
