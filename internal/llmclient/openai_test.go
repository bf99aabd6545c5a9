package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// -- Test Setup Helpers --

// setupOpenAIClient rigs up an OpenAIClient pointed at a mock HTTP server.
// It returns the client, the mock server, and a log observer.
func setupOpenAIClient(t *testing.T, handler http.HandlerFunc) (*OpenAIClient, *httptest.Server, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)

	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	logger := zap.New(loggerCore)

	cfg := validControllerConfig()
	cfg.Endpoint = server.URL

	client := NewOpenAIClient(cfg, logger)
	client.httpClient.Timeout = 5 * time.Second

	t.Cleanup(server.Close)
	return client, server, observedLogs
}

// sampleTurns provides a minimal transcript for request-shaping tests.
func sampleTurns() []schemas.Turn {
	return []schemas.Turn{
		{Role: schemas.RoleUser, Content: "List the files in the workspace."},
	}
}

// chatSuccessBody builds a minimal successful completion payload.
func chatSuccessBody(content string) string {
	encoded, _ := json.Marshal(content)
	return fmt.Sprintf(`{
		"choices": [{"message": {"content": %s}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150,
			"prompt_tokens_details": {"cached_tokens": 25}}
	}`, encoded)
}

// wireRequest mirrors the chat completions request for server-side assertions.
type wireRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCallID string          `json:"tool_call_id"`
		ToolCalls  []struct {
			ID       string `json:"id"`
			Type     string `json:"type"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"messages"`
	Tools       []json.RawMessage `json:"tools"`
	Temperature *float64          `json:"temperature"`
	MaxTokens   *int              `json:"max_tokens"`
}

func decodeWireRequest(t *testing.T, r *http.Request) wireRequest {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var req wireRequest
	require.NoError(t, json.Unmarshal(body, &req), "Server received invalid JSON payload")
	return req
}

// -- Test Cases: Initialization --

// Verifies endpoint resolution through the configuration and environment.
func TestNewOpenAIClient_EndpointResolution(t *testing.T) {
	// Neutralize ambient environment for deterministic resolution.
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("VLLM_BASE_URL", "")

	t.Run("Explicit Endpoint", func(t *testing.T) {
		cfg := validControllerConfig()
		cfg.Endpoint = "http://vllm.internal:8000/v1/"
		client := NewOpenAIClient(cfg, setupTestLogger(t))
		assert.Equal(t, "http://vllm.internal:8000/v1/chat/completions", client.completionsURL)
		assert.Equal(t, "test-api-key", client.apiKey)
	})

	t.Run("Key Without Endpoint Uses Hosted API", func(t *testing.T) {
		cfg := validControllerConfig()
		cfg.Endpoint = ""
		client := NewOpenAIClient(cfg, setupTestLogger(t))
		assert.Equal(t, defaultOpenAIEndpoint+"/chat/completions", client.completionsURL)
	})

	t.Run("No Key No Endpoint Falls Back To Local vLLM", func(t *testing.T) {
		cfg := validControllerConfig()
		cfg.Endpoint = ""
		cfg.APIKey = ""
		client := NewOpenAIClient(cfg, setupTestLogger(t))
		assert.Equal(t, defaultLocalEndpoint+"/chat/completions", client.completionsURL)
		assert.Equal(t, placeholderKey, client.apiKey)
	})

	t.Run("Environment Base URL", func(t *testing.T) {
		t.Setenv("VLLM_BASE_URL", "http://10.0.0.5:8000/v1")
		cfg := validControllerConfig()
		cfg.Endpoint = ""
		cfg.APIKey = ""
		client := NewOpenAIClient(cfg, setupTestLogger(t))
		assert.Equal(t, "http://10.0.0.5:8000/v1/chat/completions", client.completionsURL)
	})

	t.Run("Qwen VL Model Orders Images First", func(t *testing.T) {
		cfg := validControllerConfig()
		cfg.Model = "Qwen3-VL-30B-Instruct"
		client := NewOpenAIClient(cfg, setupTestLogger(t))
		assert.True(t, client.imagesFirst)

		cfg.Model = "gpt-4.1"
		client = NewOpenAIClient(cfg, setupTestLogger(t))
		assert.False(t, client.imagesFirst)
	})
}

// -- Test Cases: Complete - Success Scenarios --

// Verifies a standard successful call: request integrity, response parsing,
// usage accounting, and logging.
func TestComplete_Success(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

		req := decodeWireRequest(t, r)
		assert.Equal(t, "gpt-4.1", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.NotEmpty(t, req.Tools)
		require.NotNil(t, req.MaxTokens)
		assert.Equal(t, 1024, *req.MaxTokens)
		// Zero temperature stays off the wire so the provider default applies.
		assert.Nil(t, req.Temperature)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, chatSuccessBody("The workspace is empty."))
	}

	client, _, observedLogs := setupOpenAIClient(t, handler)

	resp, err := client.Complete(context.Background(), sampleTurns(), schemas.UnifiedTools())

	require.NoError(t, err)
	assert.Equal(t, "The workspace is empty.", resp.Text)
	assert.Empty(t, resp.ToolCalls)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 120, resp.Usage.PromptTokens)
	assert.Equal(t, 30, resp.Usage.CompletionTokens)
	assert.Equal(t, 150, resp.Usage.TotalTokens)
	// Cached tokens come from prompt_tokens_details when present.
	assert.Equal(t, 25, resp.Usage.CachedTokens)

	require.Equal(t, 1, observedLogs.Len())
	logEntry := observedLogs.All()[0]
	assert.Equal(t, "Chat completion finished", logEntry.Message)
	assert.Equal(t, int64(120), logEntry.ContextMap()["prompt_tokens"])
	assert.NotNil(t, logEntry.ContextMap()["duration"])
}

// Verifies native tool call decoding, including ID synthesis for wire calls
// that omit one.
func TestComplete_ToolCalls(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{
			"choices": [{"message": {"content": null, "tool_calls": [
				{"id": "call_9", "type": "function", "function": {"name": "browser_click", "arguments": "{\"x\": 10, \"y\": 20}"}},
				{"id": "", "type": "function", "function": {"name": "browser_screenshot", "arguments": ""}}
			]}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 50, "completion_tokens": 12, "total_tokens": 62, "cached_tokens": 8}
		}`)
	}

	client, _, _ := setupOpenAIClient(t, handler)

	resp, err := client.Complete(context.Background(), sampleTurns(), schemas.UnifiedTools())

	require.NoError(t, err)
	assert.Empty(t, resp.Text)
	require.Len(t, resp.ToolCalls, 2)

	assert.Equal(t, "call_9", resp.ToolCalls[0].ID)
	assert.Equal(t, "browser_click", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"x": 10, "y": 20}`, string(resp.ToolCalls[0].Arguments))

	// The second call had no ID and empty arguments on the wire.
	assert.NotEmpty(t, resp.ToolCalls[1].ID)
	assert.Contains(t, resp.ToolCalls[1].ID, "call_")
	assert.JSONEq(t, `{}`, string(resp.ToolCalls[1].Arguments))

	// Without prompt_tokens_details the top-level cache counter applies (vLLM).
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 8, resp.Usage.CachedTokens)
}

// Verifies multimodal content ordering for both provider policies.
func TestComplete_ImageOrdering(t *testing.T) {
	type part struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}

	decodeParts := func(t *testing.T, raw json.RawMessage) []part {
		t.Helper()
		var parts []part
		require.NoError(t, json.Unmarshal(raw, &parts))
		return parts
	}

	turns := []schemas.Turn{
		{Role: schemas.RoleUser, Content: "Describe the screenshot.", Images: []string{"aW1nMQ==", "aW1nMg=="}},
	}

	t.Run("Text First For OpenAI Models", func(t *testing.T) {
		var got []part
		handler := func(w http.ResponseWriter, r *http.Request) {
			req := decodeWireRequest(t, r)
			got = decodeParts(t, req.Messages[0].Content)
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, chatSuccessBody("ok"))
		}
		client, _, _ := setupOpenAIClient(t, handler)

		_, err := client.Complete(context.Background(), turns, nil)
		require.NoError(t, err)

		require.Len(t, got, 3)
		assert.Equal(t, "text", got[0].Type)
		assert.Equal(t, "Describe the screenshot.", got[0].Text)
		assert.Equal(t, "image_url", got[1].Type)
		assert.Equal(t, "data:image/png;base64,aW1nMQ==", got[1].ImageURL.URL)
		assert.Equal(t, "data:image/png;base64,aW1nMg==", got[2].ImageURL.URL)
	})

	t.Run("Images First For Qwen VL", func(t *testing.T) {
		var got []part
		handler := func(w http.ResponseWriter, r *http.Request) {
			req := decodeWireRequest(t, r)
			got = decodeParts(t, req.Messages[0].Content)
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, chatSuccessBody("ok"))
		}
		client, _, _ := setupOpenAIClient(t, handler)
		client.imagesFirst = true

		_, err := client.Complete(context.Background(), turns, nil)
		require.NoError(t, err)

		require.Len(t, got, 3)
		assert.Equal(t, "image_url", got[0].Type)
		assert.Equal(t, "image_url", got[1].Type)
		assert.Equal(t, "text", got[2].Type)
	})
}

// Verifies the transcript's structured turns survive the round trip onto the
// wire: assistant tool calls as string-encoded arguments, tool results with
// their correlation token.
func TestComplete_StructuredHistoryOnWire(t *testing.T) {
	turns := []schemas.Turn{
		{Role: schemas.RoleSystem, Content: "You are an autonomous agent."},
		{Role: schemas.RoleUser, Content: "Click the login button."},
		{Role: schemas.RoleAssistant, ToolCalls: []schemas.ToolCall{
			{ID: "call_1", Name: "browser_click", Arguments: json.RawMessage(`{"x": 5}`)},
		}},
		{Role: schemas.RoleTool, ToolCallID: "call_1", Content: "Clicked at (5, 0)"},
	}

	handler := func(w http.ResponseWriter, r *http.Request) {
		req := decodeWireRequest(t, r)
		require.Len(t, req.Messages, 4)

		assert.Equal(t, "system", req.Messages[0].Role)

		assistant := req.Messages[2]
		assert.Equal(t, "assistant", assistant.Role)
		require.Len(t, assistant.ToolCalls, 1)
		assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
		assert.Equal(t, "function", assistant.ToolCalls[0].Type)
		assert.Equal(t, "browser_click", assistant.ToolCalls[0].Function.Name)
		assert.JSONEq(t, `{"x": 5}`, assistant.ToolCalls[0].Function.Arguments)

		toolMsg := req.Messages[3]
		assert.Equal(t, "tool", toolMsg.Role)
		assert.Equal(t, "call_1", toolMsg.ToolCallID)
		assert.JSONEq(t, `"Clicked at (5, 0)"`, string(toolMsg.Content))

		w.WriteHeader(http.StatusOK)
		io.WriteString(w, chatSuccessBody("done"))
	}

	client, _, _ := setupOpenAIClient(t, handler)

	_, err := client.Complete(context.Background(), turns, nil)
	require.NoError(t, err)
}

// -- Test Cases: Complete - Error Handling & Retries --

// Verifies the exponential backoff mechanism works for transient API errors.
func TestComplete_RetryOnTransientErrors(t *testing.T) {
	var attemptCounter int32
	expectedAttempts := 3

	handler := func(w http.ResponseWriter, r *http.Request) {
		attempt := atomic.AddInt32(&attemptCounter, 1)
		if int(attempt) < expectedAttempts {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, "Service temporarily unavailable.")
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, chatSuccessBody("Success after retry"))
	}

	client, _, observedLogs := setupOpenAIClient(t, handler)
	client.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Millisecond
		b.MaxElapsedTime = 5 * time.Second
		return b
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Complete(ctx, sampleTurns(), nil)

	require.NoError(t, err)
	assert.Equal(t, "Success after retry", resp.Text)
	assert.Equal(t, int32(expectedAttempts), atomic.LoadInt32(&attemptCounter))

	errorLogs := observedLogs.FilterLevelExact(zap.ErrorLevel)
	assert.Equal(t, expectedAttempts-1, errorLogs.Len(), "Expected ERROR logs for the failed attempts")
}

// Verifies that permanent errors fail immediately as transport failures.
func TestComplete_NoRetryOnPermanentErrors(t *testing.T) {
	var attemptCounter int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "API key invalid")
	}

	client, _, _ := setupOpenAIClient(t, handler)

	resp, err := client.Complete(context.Background(), sampleTurns(), nil)

	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter), "Permanent errors must not trigger retries")

	var te *schemas.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "openai", te.Provider)
	assert.Equal(t, http.StatusForbidden, te.Status)
	assert.Contains(t, err.Error(), "status 403")
}

// Verifies that network level errors are retried and logged as warnings.
func TestComplete_RetryOnNetworkError(t *testing.T) {
	client, server, observedLogs := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler reached despite server being closed.")
	})
	client.backoffFactory = func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, sampleTurns(), nil)

	require.Error(t, err)
	var te *schemas.TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.Status, "No HTTP status was received")

	warnLogs := observedLogs.FilterLevelExact(zap.WarnLevel)
	assert.Greater(t, warnLogs.Len(), 1, "Expected multiple WARN logs for network errors indicating retries")
	assert.Contains(t, warnLogs.All()[0].Message, "Network error during model request, retrying...")
}

// Verifies robustness against responses with no choices.
func TestComplete_NoChoices(t *testing.T) {
	var attemptCounter int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"choices": [], "usage": null}`)
	}

	client, _, _ := setupOpenAIClient(t, handler)

	_, err := client.Complete(context.Background(), sampleTurns(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned no choices")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter))
}

// Verifies handling of corrupted API responses.
func TestComplete_InvalidJSONResponse(t *testing.T) {
	var attemptCounter int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "{invalid json:")
	}

	client, _, _ := setupOpenAIClient(t, handler)

	_, err := client.Complete(context.Background(), sampleTurns(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response payload")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter))
}

// Verifies the operation respects context cancellation during backoff waits.
func TestComplete_ContextCancellation(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}

	client, _, _ := setupOpenAIClient(t, handler)
	client.backoffFactory = func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	startTime := time.Now()
	_, err := client.Complete(ctx, sampleTurns(), nil)
	duration := time.Since(startTime)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "Error should unwrap to context.Canceled, but got: %v", err)
	assert.Less(t, duration, 5*time.Second, "Operation should abort quickly upon cancellation")
}
