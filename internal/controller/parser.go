// File: internal/controller/parser.go
package controller

import (
	encodingjson "encoding/json"
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// Parser converts raw model output into validated actions. Three strategies
// apply in order: native structured calls (handled by ParseToolCalls), inline
// <tool_call> tagged JSON, then fenced or bare JSON objects. Each JSON decode
// gets one repair pass before giving up.
type Parser struct {
	model string
	log   *zap.Logger
}

func NewParser(model string, log *zap.Logger) *Parser {
	return &Parser{model: model, log: log}
}

var (
	// A complete <tool_call>{...}</tool_call> block.
	toolCallBlockRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	// A flat JSON object with a "name" key immediately before a closing tag;
	// some models drop the opening tag.
	namedBeforeCloseRe = regexp.MustCompile(`(?s)(\{[^{}]*"name"[^{}]*\})\s*</tool_call>`)
	// Last resort: a flat JSON object carrying both "name" and "arguments",
	// accepted only when a closing tag follows within a short distance.
	namedWithArgsRe = regexp.MustCompile(`(?s)(\{[^{}]*"name"[^{}]*"arguments"[^{}]*\})`)
	// A fenced code block, optionally labelled json.
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\n?```")
)

// closeTagProximity bounds how far a closing tag may trail the bare JSON
// object matched by the last-resort pattern.
const closeTagProximity = 50

// rawCall is one extracted but not yet validated invocation.
type rawCall struct {
	id   string
	name string
	args map[string]interface{}
}

// ParseToolCalls validates native structured calls into actions. Argument
// payloads arrive either as JSON objects or as JSON-encoded strings; both
// are accepted, and undecodable arguments degrade to an empty set.
func (p *Parser) ParseToolCalls(calls []schemas.ToolCall) ([]*schemas.Action, error) {
	raws := make([]rawCall, 0, len(calls))
	for _, tc := range calls {
		raws = append(raws, rawCall{
			id:   tc.ID,
			name: tc.Name,
			args: p.decodeArguments(tc.Arguments),
		})
	}
	return p.validateRawCalls(raws)
}

// ParseText extracts actions from free-form model text. The returned string
// is the reasoning content to surface in the trace: the text before the
// first tag when tagged calls were found, otherwise the full response.
func (p *Parser) ParseText(text string) ([]*schemas.Action, string, error) {
	if strings.Contains(text, "<tool_call>") || strings.Contains(text, "</tool_call>") {
		if raws := p.extractTaggedCalls(text); len(raws) > 0 {
			actions, err := p.validateRawCalls(raws)
			if err != nil {
				return nil, "", err
			}
			think := text
			if idx := strings.Index(text, "<tool_call>"); idx >= 0 {
				think = strings.TrimSpace(text[:idx])
			}
			return actions, think, nil
		}
	}

	body := text
	// Some model families prepend a <think> block; only the content after it
	// is the answer.
	if strings.Contains(strings.ToLower(p.model), "qwen") {
		body = stripThinkBlock(body)
	}

	// Tags that survived extraction get one more chance as a single block.
	if strings.Contains(body, "<tool_call>") || strings.Contains(body, "</tool_call>") {
		if m := toolCallBlockRe.FindStringSubmatch(body); m != nil {
			body = m[1]
		}
	}

	jsonStr := strings.TrimSpace(body)
	if m := fencedJSONRe.FindStringSubmatch(body); m != nil {
		jsonStr = strings.TrimSpace(m[1])
	}

	payload, err := decodeWithRepair(jsonStr)
	if err != nil {
		return nil, "", &schemas.ParseError{
			Reason: fmt.Sprintf("Invalid JSON in LLM response: %v", err),
			Raw:    truncate(text, 200),
		}
	}

	actions, err := p.actionsFromPayload(payload)
	if err != nil {
		return nil, "", err
	}
	return actions, text, nil
}

// extractTaggedCalls pulls every JSON object out of <tool_call> markup,
// trying progressively looser patterns. Objects that fail to decode even
// after control-character repair are skipped, not fatal.
func (p *Parser) extractTaggedCalls(content string) []rawCall {
	var matches []string
	for _, m := range toolCallBlockRe.FindAllStringSubmatch(content, -1) {
		matches = append(matches, m[1])
	}
	if len(matches) == 0 {
		for _, m := range namedBeforeCloseRe.FindAllStringSubmatch(content, -1) {
			matches = append(matches, m[1])
		}
	}
	if len(matches) == 0 {
		for _, m := range namedWithArgsRe.FindAllStringSubmatch(content, -1) {
			candidate := m[1]
			idx := strings.Index(content, candidate)
			if idx < 0 {
				continue
			}
			tail := content[idx+len(candidate):]
			if len(tail) > closeTagProximity {
				tail = tail[:closeTagProximity]
			}
			if strings.Contains(tail, "</tool_call>") {
				matches = append(matches, candidate)
				break
			}
		}
	}

	var calls []rawCall
	for _, match := range matches {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(match), &payload); err != nil {
			fixed := EscapeControlChars(match)
			if err2 := json.Unmarshal([]byte(fixed), &payload); err2 != nil {
				p.log.Error("Failed to parse tagged tool call",
					zap.Error(err),
					zap.String("content", truncate(match, 500)))
				continue
			}
			p.log.Debug("Parsed tool call after escaping control characters")
		}

		name, _ := payload["name"].(string)
		calls = append(calls, rawCall{name: name, args: argumentsAsMap(payload["arguments"])})
	}
	return calls
}

// validateRawCalls checks every extracted call against the action schema.
// One bad call fails the whole batch so the model can correct it.
func (p *Parser) validateRawCalls(raws []rawCall) ([]*schemas.Action, error) {
	actions := make([]*schemas.Action, 0, len(raws))
	for _, rc := range raws {
		action, err := schemas.ValidateAction(schemas.ActionName(rc.name), rc.args)
		if err != nil {
			return nil, err
		}
		action.CallID = rc.id
		actions = append(actions, action)
		p.log.Debug("Tool call mapped to action", zap.String("action", rc.name))
	}
	return actions, nil
}

// actionsFromPayload turns a decoded JSON payload into validated actions.
// The legacy nested-parameters shape is flattened first; a payload with an
// "actions" array yields the whole batch in order.
func (p *Parser) actionsFromPayload(payload map[string]interface{}) ([]*schemas.Action, error) {
	payload = schemas.NormalizeRaw(payload)

	if rawList, ok := payload["actions"].([]interface{}); ok {
		actions := make([]*schemas.Action, 0, len(rawList))
		for _, item := range rawList {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, &schemas.ParseError{Reason: fmt.Sprintf("action entry is not an object: %T", item)}
			}
			action, err := p.actionFromMap(m)
			if err != nil {
				return nil, err
			}
			actions = append(actions, action)
		}
		return actions, nil
	}

	action, err := p.actionFromMap(payload)
	if err != nil {
		return nil, err
	}
	return []*schemas.Action{action}, nil
}

func (p *Parser) actionFromMap(m map[string]interface{}) (*schemas.Action, error) {
	m = schemas.NormalizeRaw(m)

	name, _ := m["action_type"].(string)
	callID, _ := m["tool_call_id"].(string)

	// Legacy payload tolerance: "exit" signals completion, and a bare
	// "command" with no action type routes to the shell.
	cmd, _ := m["command"].(string)
	switch {
	case name == "exit":
		name = string(schemas.ActionTaskComplete)
	case name == "" && cmd == "exit":
		name = string(schemas.ActionTaskComplete)
	case name == "" && cmd != "":
		name = string(schemas.ActionShellExecute)
	}

	params := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == "action_type" || k == "tool_call_id" {
			continue
		}
		if k == "command" && name == string(schemas.ActionTaskComplete) {
			continue
		}
		params[k] = v
	}

	action, err := schemas.ValidateAction(schemas.ActionName(name), params)
	if err != nil {
		return nil, err
	}
	action.CallID = callID
	return action, nil
}

// decodeArguments accepts a native call's argument payload as either a JSON
// object or a JSON-encoded string of one. Anything else degrades to empty.
func (p *Parser) decodeArguments(raw encodingjson.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(asString), &m); err == nil {
			return m
		}
		p.log.Error("Failed to parse tool arguments", zap.String("arguments", truncate(asString, 200)))
		return map[string]interface{}{}
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	p.log.Error("Failed to parse tool arguments", zap.String("arguments", truncate(string(raw), 200)))
	return map[string]interface{}{}
}

// argumentsAsMap coerces a tagged call's "arguments" value, which models
// emit as an object, a JSON-encoded string, or garbage.
func argumentsAsMap(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return t
	case string:
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(t), &m); err == nil {
			return m
		}
	}
	return map[string]interface{}{}
}

// decodeWithRepair decodes a JSON object, retrying once with backslash
// repair. The error reported is the one from the repaired attempt.
func decodeWithRepair(s string) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(s), &payload); err == nil {
		return payload, nil
	}

	repaired := RepairInvalidEscapes(s)
	if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// stripThinkBlock drops a leading <think>...</think> block, keeping only the
// content after the last closing tag. An unterminated block loses its open
// tag instead.
func stripThinkBlock(s string) string {
	lower := strings.ToLower(s)
	if !strings.Contains(lower, "<think>") {
		return s
	}
	if idx := strings.LastIndex(lower, "</think>"); idx >= 0 {
		return s[idx+len("</think>"):]
	}
	idx := strings.Index(lower, "<think>")
	return s[idx+len("<think>"):]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
