// internal/llmclient/openai.go
package llmclient

import (
	"bytes"
	"context"
	encodingjson "encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// defaultOpenAIEndpoint is used when an API key is configured but no endpoint.
const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// defaultLocalEndpoint is the fallback for a keyless setup: a locally
// port-forwarded vLLM server speaking the same chat completions protocol.
const defaultLocalEndpoint = "http://localhost:8000/v1"

// placeholderKey satisfies servers that require a bearer token syntactically
// but never validate it (vLLM).
const placeholderKey = "EMPTY"

// OpenAIClient implements Client against any OpenAI-compatible chat
// completions endpoint, vLLM deployments included.
type OpenAIClient struct {
	model          string
	completionsURL string
	apiKey         string
	imagesFirst    bool // Qwen3-VL prefers images before the prompt text.
	temperature    float32
	maxTokens      int
	httpClient     *http.Client
	limiter        *rate.Limiter
	backoffFactory func() backoff.BackOff
	logger         *zap.Logger
}

// -- Chat Completions Request/Response Structures (Internal to this file) --

type chatRequest struct {
	Model       string                   `json:"model"`
	Messages    []chatMessage            `json:"messages"`
	Tools       []schemas.ToolDefinition `json:"tools,omitempty"`
	Temperature float32                  `json:"temperature,omitempty"`
	MaxTokens   int                      `json:"max_tokens,omitempty"`
}

// chatMessage renders one transcript turn. Content is either a plain string
// or a list of typed parts when images ride along.
type chatMessage struct {
	Role       string         `json:"role"`
	Content    interface{}    `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imagePayload `json:"image_url,omitempty"`
}

type imagePayload struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

// chatFunction carries arguments as a JSON-encoded string, which is how the
// chat completions wire format represents them in both directions.
type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   *string        `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// chatUsage accepts both accounting dialects: OpenAI proper nests the cache
// counter under prompt_tokens_details, vLLM reports it at the top level.
type chatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CachedTokens        int `json:"cached_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

// NewOpenAIClient initializes the client. A missing endpoint resolves through
// OPENAI_BASE_URL and VLLM_BASE_URL; with neither set, a configured API key
// selects the hosted API and a keyless setup falls back to local vLLM.
func NewOpenAIClient(cfg config.ControllerConfig, logger *zap.Logger) *OpenAIClient {
	log := logger.Named("llm_client.openai")

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OPENAI_BASE_URL")
	}
	if endpoint == "" {
		endpoint = os.Getenv("VLLM_BASE_URL")
	}
	if endpoint == "" {
		if apiKey != "" {
			endpoint = defaultOpenAIEndpoint
		} else {
			endpoint = defaultLocalEndpoint
			log.Info("No API key or endpoint configured, falling back to local vLLM", zap.String("endpoint", endpoint))
		}
	}
	if apiKey == "" {
		apiKey = placeholderKey
		log.Info("No API key found, using placeholder key for vLLM compatibility")
	}

	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	model := strings.ToLower(cfg.Model)
	imagesFirst := strings.Contains(model, "qwen3-vl") || strings.Contains(model, "qwen3_vl")

	return &OpenAIClient{
		model:          cfg.Model,
		completionsURL: strings.TrimRight(endpoint, "/") + "/chat/completions",
		apiKey:         apiKey,
		imagesFirst:    imagesFirst,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		httpClient:     &http.Client{Timeout: timeout},
		limiter:        newLimiter(cfg.RateLimitRPS),
		backoffFactory: defaultBackoffFactory,
		logger:         log,
	}
}

func defaultBackoffFactory() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	return b
}

// Complete sends the transcript to the chat completions endpoint and returns
// the provider-neutral response, retrying transient failures.
func (c *OpenAIClient) Complete(ctx context.Context, turns []schemas.Turn, tools []schemas.ToolDefinition) (*schemas.ModelResponse, error) {
	payload := chatRequest{
		Model:       c.model,
		Messages:    c.buildMessages(turns),
		Tools:       tools,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &schemas.TransportError{Provider: "openai", Err: fmt.Errorf("failed to marshal request payload: %w", err)}
	}

	var (
		result     *schemas.ModelResponse
		lastStatus int
	)

	operation := func() error {
		if err := waitForSlot(ctx, c.limiter, "openai"); err != nil {
			return backoff.Permanent(err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			lastStatus = 0
			c.logger.Warn("Network error during model request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			lastStatus = resp.StatusCode
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			lastStatus = resp.StatusCode
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload chatResponse
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(responsePayload.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("chat completions API returned no choices"))
		}

		result = convertChatResponse(&responsePayload)

		fields := []zap.Field{
			zap.String("model", c.model),
			zap.Duration("duration", duration),
			zap.Int("tool_calls", len(result.ToolCalls)),
		}
		if result.Usage != nil {
			fields = append(fields,
				zap.Int("prompt_tokens", result.Usage.PromptTokens),
				zap.Int("completion_tokens", result.Usage.CompletionTokens),
				zap.Int("cached_tokens", result.Usage.CachedTokens),
			)
		}
		c.logger.Info("Chat completion finished", fields...)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		var te *schemas.TransportError
		if !errors.As(err, &te) {
			err = &schemas.TransportError{Provider: "openai", Status: lastStatus, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// buildMessages renders the transcript into the wire shape. User turns with
// images become structured content lists: text before images for OpenAI-style
// models, images before text for Qwen3-VL.
func (c *OpenAIClient) buildMessages(turns []schemas.Turn) []chatMessage {
	messages := make([]chatMessage, 0, len(turns))
	for _, turn := range turns {
		msg := chatMessage{Role: string(turn.Role), Content: turn.Content}

		if len(turn.Images) > 0 {
			parts := make([]contentPart, 0, len(turn.Images)+1)
			if !c.imagesFirst {
				parts = append(parts, contentPart{Type: "text", Text: turn.Content})
			}
			for _, img := range turn.Images {
				parts = append(parts, contentPart{
					Type:     "image_url",
					ImageURL: &imagePayload{URL: "data:image/png;base64," + img},
				})
			}
			if c.imagesFirst {
				parts = append(parts, contentPart{Type: "text", Text: turn.Content})
			}
			msg.Content = parts
		}

		for _, call := range turn.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: chatFunction{Name: call.Name, Arguments: argumentsString(call.Arguments)},
			})
		}
		msg.ToolCallID = turn.ToolCallID
		messages = append(messages, msg)
	}
	return messages
}

func (c *OpenAIClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Chat completions API returned error status",
		zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("chat completions API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient errors, retry.
	default:
		return backoff.Permanent(err) // Permanent errors.
	}
}

// convertChatResponse maps the wire payload onto the provider-neutral shape.
// Tool call IDs missing on the wire (some vLLM builds) are synthesized so the
// pairing protocol always has a correlation token.
func convertChatResponse(payload *chatResponse) *schemas.ModelResponse {
	message := payload.Choices[0].Message

	out := &schemas.ModelResponse{}
	if message.Content != nil {
		out.Text = *message.Content
	}
	for _, call := range message.ToolCalls {
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, schemas.ToolCall{
			ID:        id,
			Name:      call.Function.Name,
			Arguments: rawArguments(call.Function.Arguments),
		})
	}
	if payload.Usage != nil {
		cached := payload.Usage.CachedTokens
		if payload.Usage.PromptTokensDetails != nil {
			cached = payload.Usage.PromptTokensDetails.CachedTokens
		}
		out.Usage = &schemas.TokenUsage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			CachedTokens:     cached,
			TotalTokens:      payload.Usage.TotalTokens,
		}
	}
	return out
}

// argumentsString renders stored call arguments back into the wire's
// string-encoded form.
func argumentsString(raw encodingjson.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "{}"
	}
	return s
}

// rawArguments normalizes the wire's argument string for storage.
func rawArguments(s string) encodingjson.RawMessage {
	if strings.TrimSpace(s) == "" {
		return encodingjson.RawMessage("{}")
	}
	return encodingjson.RawMessage(s)
}
