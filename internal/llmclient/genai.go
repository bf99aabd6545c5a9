// internal/llmclient/genai.go
package llmclient

import (
	"context"
	"encoding/base64"
	encodingjson "encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// GeminiClient implements Client for Google Gemini via the genai SDK. Native
// calls map onto FunctionCall/FunctionResponse parts; images attach before
// the prompt text, which is the ordering Gemini performs best with.
type GeminiClient struct {
	model          string
	genClient      *genai.Client
	temperature    float32
	maxTokens      int32
	limiter        *rate.Limiter
	backoffFactory func() backoff.BackOff
	logger         *zap.Logger
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.ControllerConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.Endpoint
	}

	genClient, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	return &GeminiClient{
		model:          cfg.Model,
		genClient:      genClient,
		temperature:    cfg.Temperature,
		maxTokens:      int32(cfg.MaxTokens),
		limiter:        newLimiter(cfg.RateLimitRPS),
		backoffFactory: defaultBackoffFactory,
		logger:         logger.Named("llm_client.gemini"),
	}, nil
}

// Complete sends the transcript to the Gemini API and returns the generated
// content with retries.
func (c *GeminiClient) Complete(ctx context.Context, turns []schemas.Turn, tools []schemas.ToolDefinition) (*schemas.ModelResponse, error) {
	contents, system := c.buildContents(turns)

	genCfg := &genai.GenerateContentConfig{}
	if system != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}
	if c.temperature > 0 {
		genCfg.Temperature = genai.Ptr(c.temperature)
	}
	if c.maxTokens > 0 {
		genCfg.MaxOutputTokens = c.maxTokens
	}
	if len(tools) > 0 {
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: buildDeclarations(tools)}}
	}

	var result *schemas.ModelResponse

	operation := func() error {
		if err := waitForSlot(ctx, c.limiter, "gemini"); err != nil {
			return backoff.Permanent(err)
		}

		startTime := time.Now()
		resp, err := c.genClient.Models.GenerateContent(ctx, c.model, contents, genCfg)
		duration := time.Since(startTime)

		if err != nil {
			return c.classifyError(err)
		}
		if len(resp.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := resp.Candidates[0]
		if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		result = convertGeminiResponse(resp)

		fields := []zap.Field{
			zap.String("model", c.model),
			zap.Duration("duration", duration),
			zap.Int("tool_calls", len(result.ToolCalls)),
		}
		if result.Usage != nil {
			fields = append(fields,
				zap.Int("prompt_tokens", result.Usage.PromptTokens),
				zap.Int("completion_tokens", result.Usage.CompletionTokens),
			)
		}
		c.logger.Info("LLM generation complete (Gemini)", fields...)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		var te *schemas.TransportError
		if !errors.As(err, &te) {
			err = &schemas.TransportError{Provider: "gemini", Err: err}
		}
		return nil, err
	}
	return result, nil
}

// buildContents renders the transcript into genai contents plus the system
// instruction text. Gemini keeps system text out of the contents list, sends
// function responses back as user-role parts, and needs the original call
// name on each response, so assistant calls are tracked by correlation token.
// Adjacent same-role contents are merged to keep the turn sequence valid.
func (c *GeminiClient) buildContents(turns []schemas.Turn) ([]*genai.Content, string) {
	var system []string
	callNames := make(map[string]string)
	contents := make([]*genai.Content, 0, len(turns))

	appendContent := func(role genai.Role, parts []*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == string(role) {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: string(role), Parts: parts})
	}

	for _, turn := range turns {
		switch turn.Role {
		case schemas.RoleSystem:
			system = append(system, turn.Content)

		case schemas.RoleUser:
			parts := make([]*genai.Part, 0, len(turn.Images)+1)
			for _, img := range turn.Images {
				data, err := base64.StdEncoding.DecodeString(img)
				if err != nil {
					c.logger.Warn("Dropping undecodable image attachment", zap.Error(err))
					continue
				}
				parts = append(parts, genai.NewPartFromBytes(data, "image/png"))
			}
			parts = append(parts, genai.NewPartFromText(turn.Content))
			appendContent(genai.RoleUser, parts)

		case schemas.RoleAssistant:
			var parts []*genai.Part
			if turn.Content != "" {
				parts = append(parts, genai.NewPartFromText(turn.Content))
			}
			for _, call := range turn.ToolCalls {
				callNames[call.ID] = call.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: decodeCallArgs(call.Arguments),
				}})
			}
			appendContent(genai.RoleModel, parts)

		case schemas.RoleTool:
			name := callNames[turn.ToolCallID]
			if name == "" {
				name = "tool"
			}
			appendContent(genai.RoleUser, []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
				ID:       turn.ToolCallID,
				Name:     name,
				Response: map[string]any{"output": turn.Content},
			}}})
		}
	}

	return contents, strings.Join(system, "\n\n")
}

func (c *GeminiClient) classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		c.logger.Error("Gemini API returned error status",
			zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
		wrapped := fmt.Errorf("gemini API error: status %d: %s", apiErr.Code, apiErr.Message)
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
			return wrapped // Transient errors, retry.
		default:
			return backoff.Permanent(wrapped) // Permanent errors.
		}
	}
	c.logger.Warn("Network error during model request, retrying...", zap.Error(err))
	return err
}

// convertGeminiResponse maps the SDK payload onto the provider-neutral shape.
// Call IDs the API omits are synthesized so the pairing protocol always has a
// correlation token.
func convertGeminiResponse(resp *genai.GenerateContentResponse) *schemas.ModelResponse {
	out := &schemas.ModelResponse{}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			out.ToolCalls = append(out.ToolCalls, schemas.ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: encodeCallArgs(part.FunctionCall.Args),
			})
		}
	}
	out.Text = text.String()

	if um := resp.UsageMetadata; um != nil {
		out.Usage = &schemas.TokenUsage{
			PromptTokens:     int(um.PromptTokenCount),
			CompletionTokens: int(um.CandidatesTokenCount),
			CachedTokens:     int(um.CachedContentTokenCount),
			TotalTokens:      int(um.TotalTokenCount),
		}
	}
	return out
}

// buildDeclarations converts tool definitions into genai function schemas.
func buildDeclarations(tools []schemas.ToolDefinition) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  parametersSchema(t.Function.Parameters),
		})
	}
	return decls
}

func parametersSchema(p schemas.ToolParameters) *genai.Schema {
	props := make(map[string]*genai.Schema, len(p.Properties))
	for _, prop := range p.Properties {
		props[prop.Name] = propertySchema(prop)
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   p.Required,
	}
}

func propertySchema(p schemas.ToolProperty) *genai.Schema {
	s := &genai.Schema{
		Type:        schemaType(p.Type),
		Description: p.Description,
	}
	for _, v := range p.Enum {
		s.Enum = append(s.Enum, fmt.Sprintf("%v", v))
	}
	if p.Items != nil {
		s.Items = propertySchema(*p.Items)
	}
	return s
}

func schemaType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// decodeCallArgs recovers the argument map from stored raw arguments,
// unwrapping the string-encoded form some providers use.
func decodeCallArgs(raw encodingjson.RawMessage) map[string]any {
	args := make(map[string]any)
	if len(raw) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		_ = json.Unmarshal([]byte(s), &args)
	}
	return args
}

func encodeCallArgs(args map[string]any) encodingjson.RawMessage {
	if len(args) == 0 {
		return encodingjson.RawMessage("{}")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return encodingjson.RawMessage("{}")
	}
	return encodingjson.RawMessage(data)
}
