// File: api/schemas/tools.go
package schemas

import (
	json "github.com/json-iterator/go"
)

// ToolProperty describes one parameter of a tool in JSON schema terms.
// Properties keep declaration order so text renderings stay stable.
type ToolProperty struct {
	Name        string
	Type        string
	Description string
	Enum        []interface{}
	Default     interface{}
	Items       *ToolProperty
}

// ToolParameters is the parameter object of one tool.
type ToolParameters struct {
	Type       string
	Properties []ToolProperty
	Required   []string
}

// ToolFunction is the function block of an OpenAI-style tool definition.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolDefinition is one tool in the OpenAI function-calling format. Provider
// adapters convert these to their native schema types.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type toolPropertyJSON struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Enum        []interface{}     `json:"enum,omitempty"`
	Default     interface{}       `json:"default,omitempty"`
	Items       *toolPropertyJSON `json:"items,omitempty"`
}

func (p *ToolProperty) wireForm() *toolPropertyJSON {
	if p == nil {
		return nil
	}
	return &toolPropertyJSON{
		Type:        p.Type,
		Description: p.Description,
		Enum:        p.Enum,
		Default:     p.Default,
		Items:       p.Items.wireForm(),
	}
}

// MarshalJSON renders the parameter block as a standard JSON schema object.
func (p ToolParameters) MarshalJSON() ([]byte, error) {
	props := make(map[string]*toolPropertyJSON, len(p.Properties))
	for i := range p.Properties {
		prop := p.Properties[i]
		props[prop.Name] = prop.wireForm()
	}
	return json.Marshal(struct {
		Type       string                       `json:"type"`
		Properties map[string]*toolPropertyJSON `json:"properties"`
		Required   []string                     `json:"required,omitempty"`
	}{
		Type:       p.Type,
		Properties: props,
		Required:   p.Required,
	})
}

func tool(name ActionName, description string, required []string, props ...ToolProperty) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        string(name),
			Description: description,
			Parameters: ToolParameters{
				Type:       "object",
				Properties: props,
				Required:   required,
			},
		},
	}
}

const taskCompleteDescription = "Mark the task as complete and exit. Optionally provide the final result/answer if the task requires returning a specific output (e.g., JSON answer). For tasks that generate files in the sandbox, you can omit the result parameter."

// BrowserTools returns the browser action definitions plus task_complete.
func BrowserTools() []ToolDefinition {
	return []ToolDefinition{
		tool(ActionBrowserClick, "Click at a specific position on the screen or at the current cursor position", nil,
			ToolProperty{Name: "x", Type: "number", Description: "X coordinate to click (optional, if not provided clicks at current position)"},
			ToolProperty{Name: "y", Type: "number", Description: "Y coordinate to click (optional, if not provided clicks at current position)"},
			ToolProperty{Name: "button", Type: "string", Description: "Mouse button to click", Enum: []interface{}{"left", "right", "middle"}, Default: "left"},
			ToolProperty{Name: "num_clicks", Type: "integer", Description: "Number of clicks", Enum: []interface{}{1, 2, 3}, Default: 1},
		),
		tool(ActionBrowserType, "Type text into the currently focused element", []string{"text"},
			ToolProperty{Name: "text", Type: "string", Description: "Text to type"},
			ToolProperty{Name: "use_clipboard", Type: "boolean", Description: "Use clipboard for better character support", Default: true},
		),
		tool(ActionBrowserPress, "Press a keyboard key", []string{"key"},
			ToolProperty{Name: "key", Type: "string", Description: "Key to press (e.g., 'Enter', 'Tab', 'Escape', 'ArrowDown', etc.)"},
		),
		tool(ActionBrowserScroll, "Scroll the page", nil,
			ToolProperty{Name: "dx", Type: "integer", Description: "Horizontal scroll amount in pixels", Default: 0},
			ToolProperty{Name: "dy", Type: "integer", Description: "Vertical scroll amount in pixels (positive = down, negative = up)", Default: 0},
		),
		tool(ActionBrowserMoveTo, "Move the mouse cursor to a specific position", []string{"x", "y"},
			ToolProperty{Name: "x", Type: "number", Description: "Target X coordinate"},
			ToolProperty{Name: "y", Type: "number", Description: "Target Y coordinate"},
		),
		tool(ActionBrowserMoveRel, "Move the mouse cursor relative to current position", []string{"x_offset", "y_offset"},
			ToolProperty{Name: "x_offset", Type: "number", Description: "Relative X offset from current position"},
			ToolProperty{Name: "y_offset", Type: "number", Description: "Relative Y offset from current position"},
		),
		tool(ActionBrowserDragTo, "Drag from current position to target coordinates", []string{"x", "y"},
			ToolProperty{Name: "x", Type: "number", Description: "Target X coordinate to drag to"},
			ToolProperty{Name: "y", Type: "number", Description: "Target Y coordinate to drag to"},
		),
		tool(ActionBrowserDragRel, "Drag relative to current mouse position", []string{"x_offset", "y_offset"},
			ToolProperty{Name: "x_offset", Type: "number", Description: "Relative X offset for drag"},
			ToolProperty{Name: "y_offset", Type: "number", Description: "Relative Y offset for drag"},
		),
		tool(ActionBrowserHotkey, "Press a keyboard hotkey combination", []string{"keys"},
			ToolProperty{Name: "keys", Type: "array", Description: "Array of keys to press together (e.g., ['ctrl', 'c'])", Items: &ToolProperty{Type: "string"}},
		),
		tool(ActionBrowserKeyDown, "Press down a keyboard key (without releasing)", []string{"key"},
			ToolProperty{Name: "key", Type: "string", Description: "Key to press down"},
		),
		tool(ActionBrowserKeyUp, "Release a keyboard key", []string{"key"},
			ToolProperty{Name: "key", Type: "string", Description: "Key to release"},
		),
		tool(ActionBrowserWait, "Wait for a specified duration", []string{"duration"},
			ToolProperty{Name: "duration", Type: "number", Description: "Duration to wait in seconds"},
		),
		tool(ActionBrowserScreenshot, "Take a screenshot of the current browser display", nil),
		tool(ActionBrowserViewport, "Get current browser viewport information (URL and viewport dimensions). Useful for verifying page state after on-screen actions.", nil),
		tool(ActionBrowserNavigate, "Navigate the browser to a URL (DOM load).", []string{"url"},
			ToolProperty{Name: "url", Type: "string", Description: "Destination URL to open"},
		),
		tool(ActionDOMGetText, "Get page text (innerText of body) via DOM, no vision required. Truncates long output.", nil),
		tool(ActionDOMGetHTML, "Get full page HTML via DOM (truncated if long).", nil),
		tool(ActionDOMQuery, "Query elements with a CSS selector and return detailed info: tag, id, class, name, type, href, aria-label, role, text. Use this to identify precise selectors before clicking.", []string{"selector"},
			ToolProperty{Name: "selector", Type: "string", Description: "CSS selector to query"},
			ToolProperty{Name: "limit", Type: "integer", Description: "Maximum elements to return (default 20)"},
		),
		tool(ActionDOMExtractLinks, "Extract hyperlinks (text + href) from the current page, optionally filtered.", nil,
			ToolProperty{Name: "filter_pattern", Type: "string", Description: "Optional substring to filter links by href or text"},
			ToolProperty{Name: "limit", Type: "integer", Description: "Maximum links to return (default 50)"},
		),
		tool(ActionDOMClick, "Click a DOM element using a CSS selector (text-based, no coordinates).", []string{"selector"},
			ToolProperty{Name: "selector", Type: "string", Description: "CSS selector to identify element(s) to click"},
			ToolProperty{Name: "nth", Type: "integer", Description: "Zero-based index of the matched element to click (default 0)"},
			ToolProperty{Name: "button", Type: "string", Description: "Mouse button to use (default left)", Enum: []interface{}{"left", "right", "middle"}},
			ToolProperty{Name: "click_count", Type: "integer", Description: "Number of clicks (1=click, 2=double click)", Enum: []interface{}{1, 2}},
			ToolProperty{Name: "timeout_ms", Type: "integer", Description: "Timeout in milliseconds for the click (default 2000)"},
		),
		tool(ActionTaskComplete, taskCompleteDescription, nil,
			ToolProperty{Name: "result", Type: "string", Description: "Optional: The final result or answer for the task (e.g., JSON string). Use this when the task requires returning a specific output. For tasks that generate files, omit this parameter."},
		),
	}
}

// FileTools returns the file operation definitions plus task_complete.
func FileTools() []ToolDefinition {
	return []ToolDefinition{
		tool(ActionFileRead, "Read file contents", []string{"path"},
			ToolProperty{Name: "path", Type: "string", Description: "Absolute path to the file to read"},
		),
		tool(ActionFileWrite, "Write content to a file", []string{"path", "content"},
			ToolProperty{Name: "path", Type: "string", Description: "Absolute path to the file to write"},
			ToolProperty{Name: "content", Type: "string", Description: "Content to write to the file"},
		),
		tool(ActionFileList, "List files in a directory", []string{"path"},
			ToolProperty{Name: "path", Type: "string", Description: "Absolute path to the directory to list"},
		),
		tool(ActionReplaceInFile, "Replace text in a file", []string{"file", "old_text", "new_text"},
			ToolProperty{Name: "file", Type: "string", Description: "Absolute path to the file"},
			ToolProperty{Name: "old_text", Type: "string", Description: "Text to replace"},
			ToolProperty{Name: "new_text", Type: "string", Description: "Replacement text"},
		),
		tool(ActionSearchInFile, "Search for text in a file using regex pattern", []string{"file", "pattern"},
			ToolProperty{Name: "file", Type: "string", Description: "Absolute path to the file"},
			ToolProperty{Name: "pattern", Type: "string", Description: "Regular expression pattern to search for"},
		),
		tool(ActionFindFiles, "Find files matching a glob pattern", []string{"path", "glob"},
			ToolProperty{Name: "path", Type: "string", Description: "Directory path to search in"},
			ToolProperty{Name: "glob", Type: "string", Description: "Glob pattern (e.g., '*.py', '**/*.txt')"},
		),
		tool(ActionImageRead, "Read an image file (PNG, JPG, etc.) and return it as base64-encoded image for visual analysis. Use this to read visualization files generated by code (e.g., matplotlib plots, saved figures). The image will be automatically included in subsequent prompts for analysis.", []string{"path"},
			ToolProperty{Name: "path", Type: "string", Description: "Absolute path to the image file to read (supports PNG, JPG, JPEG formats)"},
		),
		tool(ActionEditor, "Advanced file editor with view, create, str_replace, insert, undo_edit commands", []string{"command", "path"},
			ToolProperty{Name: "command", Type: "string", Description: "Editor command to execute", Enum: []interface{}{"view", "create", "str_replace", "insert", "undo_edit"}},
			ToolProperty{Name: "path", Type: "string", Description: "Absolute path to file or directory"},
			ToolProperty{Name: "file_text", Type: "string", Description: "File content for 'create' command"},
			ToolProperty{Name: "old_str", Type: "string", Description: "String to replace for 'str_replace' command"},
			ToolProperty{Name: "new_str", Type: "string", Description: "New string for 'str_replace' or 'insert' command"},
			ToolProperty{Name: "insert_line", Type: "integer", Description: "Line number for 'insert' command"},
			ToolProperty{Name: "view_range", Type: "array", Description: "Line range for 'view' command [start, end]", Items: &ToolProperty{Type: "integer"}},
		),
		tool(ActionTaskComplete, taskCompleteDescription, nil,
			ToolProperty{Name: "result", Type: "string", Description: "Optional: The final result or answer for the task (e.g., JSON string). Use this when the task requires returning a specific output. For tasks that generate files, omit this parameter."},
		),
	}
}

// CodeTools returns the code execution definitions plus task_complete.
func CodeTools() []ToolDefinition {
	return []ToolDefinition{
		tool(ActionCodeExecute, "Execute code via sandbox runtime (python default). Returns stdout/stderr.", []string{"code"},
			ToolProperty{Name: "code", Type: "string", Description: "Source code to execute"},
			ToolProperty{Name: "language", Type: "string", Description: "Runtime language (default python)", Enum: []interface{}{"python", "javascript"}},
			ToolProperty{Name: "timeout", Type: "integer", Description: "Optional timeout in seconds"},
		),
		tool(ActionTaskComplete, taskCompleteDescription, nil,
			ToolProperty{Name: "result", Type: "string", Description: "Optional: The final result or answer for the task (e.g., JSON string). Use this when the task requires returning a specific output. For tasks that generate files, omit this parameter."},
		),
	}
}

// ShellTools returns the shell execution definitions plus task_complete.
func ShellTools() []ToolDefinition {
	return []ToolDefinition{
		tool(ActionShellExecute, "Execute a shell command and get the output", []string{"command"},
			ToolProperty{Name: "command", Type: "string", Description: "Shell command to execute"},
		),
		tool(ActionTaskComplete, taskCompleteDescription, nil,
			ToolProperty{Name: "result", Type: "string", Description: "Optional: The final result or answer for the task (e.g., JSON string). Use this when the task requires returning a specific output. For tasks that generate files, omit this parameter."},
		),
	}
}

// UnifiedTools combines the browser, file, code, and shell definitions into
// one list with a single task_complete entry.
func UnifiedTools() []ToolDefinition {
	var all []ToolDefinition
	seenComplete := false
	for _, set := range [][]ToolDefinition{BrowserTools(), FileTools(), CodeTools(), ShellTools()} {
		for _, t := range set {
			if t.Function.Name == string(ActionTaskComplete) {
				if seenComplete {
					continue
				}
				seenComplete = true
			}
			all = append(all, t)
		}
	}
	return all
}
