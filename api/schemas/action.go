// api/schemas/action.go
package schemas

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	json "github.com/json-iterator/go"
)

// ActionName identifies one sandbox capability the agent may invoke. The set of
// names is closed: anything else is rejected during validation, never routed.
type ActionName string

const (
	// -- Browser input (pointer, keyboard, navigation) --
	ActionBrowserClick      ActionName = "browser_click"             // Click at coordinates or the current cursor position.
	ActionBrowserType       ActionName = "browser_type"              // Type text into the focused element.
	ActionBrowserPress      ActionName = "browser_press"             // Press and release a single key.
	ActionBrowserScroll     ActionName = "browser_scroll"            // Scroll by a pixel delta.
	ActionBrowserMoveTo     ActionName = "browser_move_to"           // Move the cursor to absolute coordinates.
	ActionBrowserMoveRel    ActionName = "browser_move_rel"          // Move the cursor relative to its position.
	ActionBrowserDragTo     ActionName = "browser_drag_to"           // Drag from the current position to coordinates.
	ActionBrowserDragRel    ActionName = "browser_drag_rel"          // Drag relative to the current position.
	ActionBrowserHotkey     ActionName = "browser_hotkey"            // Press a key combination.
	ActionBrowserKeyDown    ActionName = "browser_key_down"          // Press and hold a key.
	ActionBrowserKeyUp      ActionName = "browser_key_up"            // Release a held key.
	ActionBrowserWait       ActionName = "browser_wait"              // Wait for a duration in seconds.
	ActionBrowserScreenshot ActionName = "browser_screenshot"        // Capture the current viewport.
	ActionBrowserViewport   ActionName = "browser_get_viewport_info" // Report the current URL and viewport size.
	ActionBrowserNavigate   ActionName = "browser_navigate"          // Navigate to a URL.

	// -- Structured DOM queries (selector-based, no vision required) --
	ActionDOMGetText      ActionName = "dom_get_text"      // Page innerText, truncated when long.
	ActionDOMGetHTML      ActionName = "dom_get_html"      // Page HTML, truncated when long.
	ActionDOMQuery        ActionName = "dom_query_selector" // Enumerate elements matching a CSS selector.
	ActionDOMExtractLinks ActionName = "dom_extract_links" // Extract anchors, optionally filtered.
	ActionDOMClick        ActionName = "dom_click"         // Click an element matched by CSS selector.

	// -- Filesystem --
	ActionFileRead      ActionName = "file_read"          // Read a file.
	ActionFileWrite     ActionName = "file_write"         // Write a file.
	ActionFileList      ActionName = "file_list"          // List a directory.
	ActionReplaceInFile ActionName = "replace_in_file"    // Replace text inside a file.
	ActionSearchInFile  ActionName = "search_in_file"     // Search a file for a pattern.
	ActionFindFiles     ActionName = "find_files"         // Find files matching a glob.
	ActionImageRead     ActionName = "image_read"         // Read an image file as base64.
	ActionEditor        ActionName = "str_replace_editor" // Multi-command file editor.

	// -- Code execution --
	ActionCodeExecute ActionName = "code_execute" // Run a code snippet via a configured runtime.

	// -- Shell --
	ActionShellExecute ActionName = "shell_execute" // Run a command in the persistent shell session.

	// -- Terminal --
	ActionTaskComplete ActionName = "task_complete" // Signal completion, optionally with a result payload.
)

// Family groups action names by the capability that executes them. Every name
// belongs to exactly one family; routing is a pure table lookup.
type Family string

const (
	FamilyBrowserInput Family = "browser_input" // Pointer, keyboard and navigation actions.
	FamilyDOM          Family = "dom"           // Selector-based DOM queries and clicks.
	FamilyFile         Family = "file"          // Filesystem operations in the sandbox workspace.
	FamilyCode         Family = "code"          // Code execution via a runtime.
	FamilyShell        Family = "shell"         // Persistent shell session commands.
	FamilyTerminal     Family = "terminal"      // The universal completion action.
)

// ActionParams is the typed parameter payload of an Action. Each action name
// owns one concrete shape; the shape's JSON tags define the closed key set, so
// the allowed-parameter table is field membership, not a hand-maintained list.
type ActionParams interface {
	isActionParams()
}

// Pointer and keyboard parameter shapes. Coordinates are optional where the
// backend accepts "current cursor position"; required-ness is enforced by the
// executor (a domain concern), not by schema validation.
type BrowserClickParams struct {
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Button    string   `json:"button,omitempty"`
	NumClicks int      `json:"num_clicks,omitempty"`
}

type BrowserTypeParams struct {
	Text         string `json:"text,omitempty"`
	UseClipboard *bool  `json:"use_clipboard,omitempty"`
}

type BrowserKeyParams struct {
	Key string `json:"key,omitempty"`
}

type BrowserScrollParams struct {
	DX float64 `json:"dx,omitempty"`
	DY float64 `json:"dy,omitempty"`
}

type BrowserMoveParams struct {
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
}

type BrowserMoveRelParams struct {
	XOffset float64 `json:"x_offset,omitempty"`
	YOffset float64 `json:"y_offset,omitempty"`
}

type BrowserHotkeyParams struct {
	Keys []string `json:"keys,omitempty"`
}

type BrowserWaitParams struct {
	Duration float64 `json:"duration,omitempty"`
}

type BrowserNavigateParams struct {
	URL string `json:"url,omitempty"`
}

// EmptyParams is the shape of actions that declare no parameters at all.
type EmptyParams struct{}

type DOMQueryParams struct {
	Selector string `json:"selector,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type DOMExtractLinksParams struct {
	FilterPattern string `json:"filter_pattern,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type DOMClickParams struct {
	Selector   string `json:"selector,omitempty"`
	Nth        int    `json:"nth,omitempty"`
	Button     string `json:"button,omitempty"`
	ClickCount int    `json:"click_count,omitempty"`
	TimeoutMs  int    `json:"timeout_ms,omitempty"`
}

type FilePathParams struct {
	Path string `json:"path,omitempty"`
}

type FileWriteParams struct {
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

type ReplaceInFileParams struct {
	File    string `json:"file,omitempty"`
	OldText string `json:"old_text,omitempty"`
	NewText string `json:"new_text,omitempty"`
}

type SearchInFileParams struct {
	File    string `json:"file,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

type FindFilesParams struct {
	Path string `json:"path,omitempty"`
	Glob string `json:"glob,omitempty"`
}

type EditorParams struct {
	Command    string `json:"command,omitempty"`
	Path       string `json:"path,omitempty"`
	FileText   string `json:"file_text,omitempty"`
	OldStr     string `json:"old_str,omitempty"`
	NewStr     string `json:"new_str,omitempty"`
	InsertLine int    `json:"insert_line,omitempty"`
	ViewRange  []int  `json:"view_range,omitempty"`
}

type CodeExecuteParams struct {
	Code     string  `json:"code,omitempty"`
	Language string  `json:"language,omitempty"`
	Timeout  float64 `json:"timeout,omitempty"`
}

type ShellExecuteParams struct {
	Command string `json:"command,omitempty"`
}

type TaskCompleteParams struct {
	Result string `json:"result,omitempty"`
}

func (*BrowserClickParams) isActionParams()    {}
func (*BrowserTypeParams) isActionParams()     {}
func (*BrowserKeyParams) isActionParams()      {}
func (*BrowserScrollParams) isActionParams()   {}
func (*BrowserMoveParams) isActionParams()     {}
func (*BrowserMoveRelParams) isActionParams()  {}
func (*BrowserHotkeyParams) isActionParams()   {}
func (*BrowserWaitParams) isActionParams()     {}
func (*BrowserNavigateParams) isActionParams() {}
func (*EmptyParams) isActionParams()           {}
func (*DOMQueryParams) isActionParams()        {}
func (*DOMExtractLinksParams) isActionParams() {}
func (*DOMClickParams) isActionParams()        {}
func (*FilePathParams) isActionParams()        {}
func (*FileWriteParams) isActionParams()       {}
func (*ReplaceInFileParams) isActionParams()   {}
func (*SearchInFileParams) isActionParams()    {}
func (*FindFilesParams) isActionParams()       {}
func (*EditorParams) isActionParams()          {}
func (*CodeExecuteParams) isActionParams()     {}
func (*ShellExecuteParams) isActionParams()    {}
func (*TaskCompleteParams) isActionParams()    {}

// actionSpec binds a name to its executor family and its parameter shape.
type actionSpec struct {
	family    Family
	newParams func() ActionParams
}

// actionTable is the single source of truth for the closed action set.
var actionTable = map[ActionName]actionSpec{
	ActionBrowserClick:      {FamilyBrowserInput, func() ActionParams { return &BrowserClickParams{} }},
	ActionBrowserType:       {FamilyBrowserInput, func() ActionParams { return &BrowserTypeParams{} }},
	ActionBrowserPress:      {FamilyBrowserInput, func() ActionParams { return &BrowserKeyParams{} }},
	ActionBrowserScroll:     {FamilyBrowserInput, func() ActionParams { return &BrowserScrollParams{} }},
	ActionBrowserMoveTo:     {FamilyBrowserInput, func() ActionParams { return &BrowserMoveParams{} }},
	ActionBrowserMoveRel:    {FamilyBrowserInput, func() ActionParams { return &BrowserMoveRelParams{} }},
	ActionBrowserDragTo:     {FamilyBrowserInput, func() ActionParams { return &BrowserMoveParams{} }},
	ActionBrowserDragRel:    {FamilyBrowserInput, func() ActionParams { return &BrowserMoveRelParams{} }},
	ActionBrowserHotkey:     {FamilyBrowserInput, func() ActionParams { return &BrowserHotkeyParams{} }},
	ActionBrowserKeyDown:    {FamilyBrowserInput, func() ActionParams { return &BrowserKeyParams{} }},
	ActionBrowserKeyUp:      {FamilyBrowserInput, func() ActionParams { return &BrowserKeyParams{} }},
	ActionBrowserWait:       {FamilyBrowserInput, func() ActionParams { return &BrowserWaitParams{} }},
	ActionBrowserScreenshot: {FamilyBrowserInput, func() ActionParams { return &EmptyParams{} }},
	ActionBrowserViewport:   {FamilyBrowserInput, func() ActionParams { return &EmptyParams{} }},
	ActionBrowserNavigate:   {FamilyBrowserInput, func() ActionParams { return &BrowserNavigateParams{} }},

	ActionDOMGetText:      {FamilyDOM, func() ActionParams { return &EmptyParams{} }},
	ActionDOMGetHTML:      {FamilyDOM, func() ActionParams { return &EmptyParams{} }},
	ActionDOMQuery:        {FamilyDOM, func() ActionParams { return &DOMQueryParams{} }},
	ActionDOMExtractLinks: {FamilyDOM, func() ActionParams { return &DOMExtractLinksParams{} }},
	ActionDOMClick:        {FamilyDOM, func() ActionParams { return &DOMClickParams{} }},

	ActionFileRead:      {FamilyFile, func() ActionParams { return &FilePathParams{} }},
	ActionFileWrite:     {FamilyFile, func() ActionParams { return &FileWriteParams{} }},
	ActionFileList:      {FamilyFile, func() ActionParams { return &FilePathParams{} }},
	ActionReplaceInFile: {FamilyFile, func() ActionParams { return &ReplaceInFileParams{} }},
	ActionSearchInFile:  {FamilyFile, func() ActionParams { return &SearchInFileParams{} }},
	ActionFindFiles:     {FamilyFile, func() ActionParams { return &FindFilesParams{} }},
	ActionImageRead:     {FamilyFile, func() ActionParams { return &FilePathParams{} }},
	ActionEditor:        {FamilyFile, func() ActionParams { return &EditorParams{} }},

	ActionCodeExecute: {FamilyCode, func() ActionParams { return &CodeExecuteParams{} }},

	ActionShellExecute: {FamilyShell, func() ActionParams { return &ShellExecuteParams{} }},

	ActionTaskComplete: {FamilyTerminal, func() ActionParams { return &TaskCompleteParams{} }},
}

// allowedKeys caches the tag-derived key set for each action name. Built once
// at package init from the parameter struct declarations.
var allowedKeys = func() map[ActionName]map[string]struct{} {
	out := make(map[ActionName]map[string]struct{}, len(actionTable))
	for name, spec := range actionTable {
		keys := make(map[string]struct{})
		t := reflect.TypeOf(spec.newParams()).Elem()
		for i := 0; i < t.NumField(); i++ {
			tag := t.Field(i).Tag.Get("json")
			if tag == "" || tag == "-" {
				continue
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			keys[tag] = struct{}{}
		}
		out[name] = keys
	}
	return out
}()

// Action is one validated, schema-checked instruction for the sandbox. Params
// is always the typed shape for Name; raw keeps the model's key set (alias
// spellings normalized) so traces and history reproduce what was sent.
type Action struct {
	Name   ActionName   // The validated action name.
	CallID string       // Correlation token; set only for native structured calls.
	Params ActionParams // Typed parameters; never nil after validation.

	raw map[string]interface{}
}

// KnownAction reports whether name is part of the closed action set.
func KnownAction(name ActionName) bool {
	_, ok := actionTable[name]
	return ok
}

// ActionNames returns the closed set of action names in sorted order.
func ActionNames() []ActionName {
	names := make([]ActionName, 0, len(actionTable))
	for n := range actionTable {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Route returns the capability family owning the action's name.
func Route(name ActionName) (Family, error) {
	spec, ok := actionTable[name]
	if !ok {
		return "", &ValidationError{Name: string(name)}
	}
	return spec.family, nil
}

// NormalizeRaw flattens the legacy shape that nests every parameter under a
// single "parameters" object. Sibling top-level fields (the correlation token
// included) are preserved and never overwritten by nested values. Normalizing
// an already-flat payload returns it unchanged.
func NormalizeRaw(payload map[string]interface{}) map[string]interface{} {
	nested, ok := payload["parameters"].(map[string]interface{})
	if !ok {
		return payload
	}
	out := make(map[string]interface{}, len(payload)+len(nested))
	for k, v := range nested {
		out[k] = v
	}
	for k, v := range payload {
		if k == "parameters" {
			continue
		}
		out[k] = v
	}
	return out
}

// aliasKeys maps legacy parameter spellings accepted for compatibility onto
// the canonical keys. The alias never overwrites a canonical key that is
// already present.
var aliasKeys = map[ActionName]map[string]string{
	ActionFileRead:      {"file": "path"},
	ActionFileWrite:     {"file": "path"},
	ActionImageRead:     {"file": "path"},
	ActionReplaceInFile: {"old_str": "old_text", "new_str": "new_text"},
	ActionSearchInFile:  {"regex": "pattern"},
}

// ValidateAction checks a raw parameter mapping against the closed schema for
// name and returns the typed Action. Unknown names fail outright; for known
// names every undeclared key is collected into the error, never dropped.
func ValidateAction(name ActionName, params map[string]interface{}) (*Action, error) {
	spec, ok := actionTable[name]
	if !ok {
		return nil, &ValidationError{Name: string(name)}
	}

	if aliases, ok := aliasKeys[name]; ok {
		for from, to := range aliases {
			if v, exists := params[from]; exists {
				if _, has := params[to]; !has {
					params[to] = v
				}
				delete(params, from)
			}
		}
	}

	allowed := allowedKeys[name]
	var unknown []string
	for k := range params {
		if _, ok := allowed[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &ValidationError{
			Name:        string(name),
			UnknownKeys: unknown,
			Allowed:     sortedKeys(allowed),
			Received:    sortedMapKeys(params),
		}
	}

	typed := spec.newParams()
	if len(params) > 0 {
		buf, err := json.Marshal(params)
		if err != nil {
			return nil, &ValidationError{Name: string(name), Reason: fmt.Sprintf("parameters are not encodable: %v", err)}
		}
		if err := json.Unmarshal(buf, typed); err != nil {
			return nil, &ValidationError{Name: string(name), Reason: fmt.Sprintf("parameter types do not match the schema: %v", err)}
		}
	}

	return &Action{Name: name, Params: typed, raw: params}, nil
}

// Family returns the capability family of an already validated action.
func (a *Action) Family() Family {
	return actionTable[a.Name].family
}

// HasParam reports whether the payload carried the key at all, which matters
// for parameters whose zero value is meaningful (an empty file_write content,
// for one).
func (a *Action) HasParam(key string) bool {
	_, ok := a.raw[key]
	return ok
}

// IsBrowser reports whether executing the action can change the rendered page,
// which is what decides an implicit follow-up screenshot.
func (a *Action) IsBrowser() bool {
	f := a.Family()
	return f == FamilyBrowserInput || f == FamilyDOM
}

// MarshalJSON flattens the action into the wire shape the model emits:
// action_type plus top-level parameters, with the correlation token alongside.
func (a *Action) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(a.raw)+2)
	for k, v := range a.raw {
		out[k] = v
	}
	out["action_type"] = a.Name
	if a.CallID != "" {
		out["tool_call_id"] = a.CallID
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the flattened wire shape and re-validates it, so
// actions loaded from stored traces satisfy the same invariants.
func (a *Action) UnmarshalJSON(data []byte) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	payload = NormalizeRaw(payload)

	name, _ := payload["action_type"].(string)
	callID, _ := payload["tool_call_id"].(string)
	delete(payload, "action_type")
	delete(payload, "tool_call_id")

	parsed, err := ValidateAction(ActionName(name), payload)
	if err != nil {
		return err
	}
	parsed.CallID = callID
	*a = *parsed
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedMapKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
