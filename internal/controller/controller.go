// File: internal/controller/controller.go
package controller

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// ModelClient is the provider transport. Implementations send the
// conversation and the optional native tool schema to a model endpoint and
// return its reply with usage accounting.
//
//go:generate mockery --name ModelClient --output ./mocks --outpkg mocks
type ModelClient interface {
	// Complete sends the turns to the model. A nil tools slice means the
	// request carries no native function-calling schema.
	Complete(ctx context.Context, turns []schemas.Turn, tools []schemas.ToolDefinition) (*schemas.ModelResponse, error)
}

// Controller drives one model conversation, converting replies into
// validated action batches. Failed parses are retried within a bounded
// budget by feeding the error back to the model; transport failures are
// returned immediately.
type Controller struct {
	client ModelClient
	conv   *Conversation
	parser *Parser
	usage  *usageTracker
	tools  []schemas.ToolDefinition

	model           string
	nativeTools     bool
	isQwen          bool
	isQwenVL        bool
	maxParseRetries int

	lastThink string
	log       *zap.Logger
}

// New builds a controller from the model configuration and a provider
// transport.
func New(cfg *config.ControllerConfig, client ModelClient, log *zap.Logger) *Controller {
	lower := strings.ToLower(cfg.Model)

	retries := cfg.MaxParseRetries
	if retries < 1 {
		retries = 1
	}

	var tools []schemas.ToolDefinition
	if cfg.NativeTools {
		tools = schemas.UnifiedTools()
	}

	c := &Controller{
		client:          client,
		conv:            NewConversation(),
		parser:          NewParser(cfg.Model, log),
		usage:           newUsageTracker(cfg.Model, nil, log),
		tools:           tools,
		model:           cfg.Model,
		nativeTools:     cfg.NativeTools,
		isQwen:          strings.Contains(lower, "qwen"),
		isQwenVL:        strings.Contains(lower, "qwen3-vl") || strings.Contains(lower, "qwen3_vl"),
		maxParseRetries: retries,
		log:             log.Named("controller"),
	}

	c.log.Info("Controller initialized",
		zap.String("model", c.model),
		zap.Bool("native_tools", c.nativeTools),
		zap.Int("max_parse_retries", c.maxParseRetries))
	c.log.Debug("Model family detection",
		zap.Bool("is_qwen", c.isQwen),
		zap.Bool("is_qwen_vl", c.isQwenVL))

	return c
}

// Step appends the prompt (and any images) as a user turn, queries the
// model, and returns the validated actions. Invalid replies are corrected
// in-conversation and retried up to the configured budget; when the budget
// runs out the last parse or validation error comes back so the caller can
// turn it into feedback. Transport errors are fatal and returned as-is.
func (c *Controller) Step(ctx context.Context, prompt string, images []string) ([]*schemas.Action, error) {
	c.conv.AddUser(prompt, images)

	var lastErr error
	for attempt := 1; attempt <= c.maxParseRetries; attempt++ {
		c.log.Debug("Sending prompt to model",
			zap.String("model", c.model),
			zap.Int("conversation_depth", c.conv.Len()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxParseRetries))

		// Vision models that take tools as prompt text get no native schema.
		var tools []schemas.ToolDefinition
		if c.nativeTools && !c.isQwenVL {
			tools = c.tools
		}

		resp, err := c.client.Complete(ctx, c.conv.History(), tools)
		if err != nil {
			c.log.Error("Model call failed", zap.Error(err))
			return nil, err
		}
		if resp.Usage != nil {
			c.usage.Record(resp.Usage)
		}

		text := resp.Text
		hasTagged := strings.Contains(text, "<tool_call>") || strings.Contains(text, "</tool_call>")

		// Inline tagged calls take precedence: some models emit them even
		// when a native schema was offered.
		if c.nativeTools && text != "" && (hasTagged || c.isQwen) {
			if raws := c.parser.extractTaggedCalls(text); len(raws) > 0 {
				c.lastThink = text
				if idx := strings.Index(text, "<tool_call>"); idx >= 0 {
					c.lastThink = strings.TrimSpace(text[:idx])
				}
				c.conv.AddAssistant(text, nil)
				c.log.Debug("Parsed tagged tool calls", zap.Int("count", len(raws)))

				actions, verr := c.parser.validateRawCalls(raws)
				if verr == nil {
					return actions, nil
				}
				lastErr = verr
				c.log.Warn("Failed to validate tagged tool calls",
					zap.Int("attempt", attempt), zap.Error(verr))
				if attempt >= c.maxParseRetries {
					break
				}
				c.conv.AddUser(fmt.Sprintf(toolRetryPromptFormat, verr), nil)
				continue
			}
		}

		// Native structured calls.
		if c.nativeTools && resp.HasToolCalls() {
			c.lastThink = text
			c.conv.AddAssistant(text, resp.ToolCalls)
			c.log.Debug("Received tool calls",
				zap.String("model", c.model), zap.Int("count", len(resp.ToolCalls)))

			actions, verr := c.parser.ParseToolCalls(resp.ToolCalls)
			if verr == nil {
				return actions, nil
			}
			lastErr = verr
			c.log.Warn("Failed to validate tool calls",
				zap.Int("attempt", attempt), zap.Error(verr))
			// Every call ID on an assistant turn must be answered by a tool
			// turn before the conversation can continue.
			for _, tc := range resp.ToolCalls {
				c.AddToolResult(tc.ID, "Error parsing tool call: "+verr.Error())
			}
			if attempt >= c.maxParseRetries {
				break
			}
			c.conv.AddUser(fmt.Sprintf(toolRetryPromptFormat, verr), nil)
			continue
		}

		// Free-form text.
		c.lastThink = text
		c.conv.AddAssistant(text, nil)
		c.log.Debug("Received text response",
			zap.String("model", c.model), zap.Int("length", len(text)))

		actions, think, perr := c.parser.ParseText(text)
		if perr == nil {
			c.lastThink = think
			return actions, nil
		}
		lastErr = perr
		c.log.Warn("Failed to parse assistant response",
			zap.Int("attempt", attempt), zap.Error(perr))
		if attempt >= c.maxParseRetries {
			break
		}
		c.conv.AddUser(jsonCorrectionPrompt, nil)
	}

	if lastErr == nil {
		lastErr = &schemas.ParseError{Reason: "no valid action produced"}
	}
	return nil, lastErr
}

// AddToolResult appends a tool turn answering a native call ID. Empty IDs
// are ignored.
func (c *Controller) AddToolResult(callID, content string) {
	if callID == "" {
		return
	}
	c.conv.AddTool(callID, content)
	c.log.Debug("Added tool message", zap.String("tool_call_id", callID),
		zap.String("content", truncate(content, 200)))
}

// History returns a copy of the conversation turns.
func (c *Controller) History() []schemas.Turn {
	return c.conv.History()
}

// ClearHistory drops the conversation. Usage totals are kept so cost stays
// cumulative across tasks.
func (c *Controller) ClearHistory() {
	c.log.Debug("Clearing message history", zap.Int("removed", c.conv.Len()))
	c.conv.Clear()
}

// Usage reports the cumulative API cost and token statistics.
func (c *Controller) Usage() *schemas.UsageSummary {
	s := c.usage.Summary()
	return &s
}

// ResetUsage zeroes the cost counters and the cached reasoning content.
func (c *Controller) ResetUsage() {
	c.usage.Reset()
	c.lastThink = ""
}

// LastThink returns the reasoning text from the most recent model turn, for
// the run trace.
func (c *Controller) LastThink() string {
	return c.lastThink
}
