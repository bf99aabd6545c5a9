// File: internal/controller/prompts.go
package controller

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// --- Embedded Prompt Templates ---

//go:embed prompts/initial.txt
var initialPromptTemplate string

//go:embed prompts/feedback.txt
var feedbackPromptTemplate string

//go:embed prompts/initial_qwen_vl.txt
var initialPromptTemplateQwenVL string

//go:embed prompts/feedback_qwen_vl.txt
var feedbackPromptTemplateQwenVL string

// toolRetryPromptFormat asks the model to fix an invalid tool invocation.
// Sent as a user turn before retrying.
const toolRetryPromptFormat = "Error parsing tool calls: %s\n" +
	"Please check the tool parameters and try again. " +
	"Make sure you only use the parameters documented for each tool."

// jsonCorrectionPrompt re-states the response contract after the model
// produced free text that could not be parsed at all.
const jsonCorrectionPrompt = "Your previous response did not follow the required format. " +
	"Always respond with either (a) a tool call, or (b) a JSON object describing the next action " +
	"following this schema:\n" +
	"{\n" +
	"  \"action_type\": \"<one of: browser_*, file_*, code_execute, shell_execute, task_complete>\",\n" +
	"  \"param_name\": \"param_value\", ...\n" +
	"}\n" +
	"Do not nest parameters in a 'parameters' field. Put all parameters at the top level.\n" +
	"Do not include natural language outside the JSON object."

// BuildInitialPrompt renders the task kickoff prompt. Vision models that
// consume tools as text get the variant carrying the rendered tool list.
func (c *Controller) BuildInitialPrompt(instruction string) string {
	if c.isQwenVL {
		prompt := strings.ReplaceAll(initialPromptTemplateQwenVL, "{instruction}", instruction)
		return strings.ReplaceAll(prompt, "{tools_description}", FormatToolsAsText(c.tools))
	}
	return strings.ReplaceAll(initialPromptTemplate, "{instruction}", instruction)
}

// BuildFeedbackPrompt renders the follow-up prompt for one iteration's
// combined observation text.
func (c *Controller) BuildFeedbackPrompt(feedback string) string {
	if c.isQwenVL {
		return strings.ReplaceAll(feedbackPromptTemplateQwenVL, "{feedback}", feedback)
	}
	return strings.ReplaceAll(feedbackPromptTemplate, "{feedback}", feedback)
}

// FormatToolsAsText renders tool definitions as a plain-text catalogue for
// models without native function calling.
func FormatToolsAsText(tools []schemas.ToolDefinition) string {
	descriptions := make([]string, 0, len(tools))

	for _, t := range tools {
		var params []string
		required := make(map[string]bool, len(t.Function.Parameters.Required))
		for _, r := range t.Function.Parameters.Required {
			required[r] = true
		}

		for _, prop := range t.Function.Parameters.Properties {
			line := fmt.Sprintf("  - %s (%s)", prop.Name, prop.Type)
			if prop.Description != "" {
				line += ": " + prop.Description
			}
			if len(prop.Enum) > 0 {
				opts := make([]string, len(prop.Enum))
				for i, v := range prop.Enum {
					opts[i] = fmt.Sprintf("%v", v)
				}
				line += fmt.Sprintf(" [options: %s]", strings.Join(opts, ", "))
			}
			if prop.Default != nil {
				line += fmt.Sprintf(" [default: %v]", prop.Default)
			}
			if required[prop.Name] {
				line += " [required]"
			}
			params = append(params, line)
		}

		text := fmt.Sprintf("- %s: %s", t.Function.Name, t.Function.Description)
		if len(params) > 0 {
			text += "\n" + strings.Join(params, "\n")
		}
		descriptions = append(descriptions, text)
	}

	return strings.Join(descriptions, "\n\n")
}
