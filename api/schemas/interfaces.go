// api/schemas/interfaces.go
package schemas

import (
	"context"
)

// ViewportInfo describes the current page and viewport of a browser session.
type ViewportInfo struct {
	URL    string `json:"url"` // The page the session is currently on.
	Width  int64  `json:"width"`
	Height int64  `json:"height"`
}

// ClickResult reports which element a selector click landed on. Total carries
// the full match count so the caller can tell "clicked 2 of 7" apart from
// "nothing matched" (Total == 0).
type ClickResult struct {
	Index int    `json:"index"` // Zero-based index of the element clicked.
	Total int    `json:"total"` // Number of elements the selector matched.
	Text  string `json:"text"`  // Trimmed text content of the clicked element.
}

// ElementInfo is one element returned by a selector query: enough structure
// for the model to pick a follow-up target without seeing a screenshot.
type ElementInfo struct {
	Tag   string            `json:"tag"`
	Text  string            `json:"text,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// LinkInfo is one anchor extracted from the page.
type LinkInfo struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
}

// BrowserSession is the contract between the action executor and a live
// browser tab. Implementations drive a real DevTools connection; tests swap in
// a mock. Methods take the validated parameter shapes directly so the session
// never re-interprets raw model output.
//
//go:generate mockery --name BrowserSession --output ../../internal/mocks --outpkg mocks
type BrowserSession interface {
	Navigate(ctx context.Context, p *BrowserNavigateParams) error                // Loads a URL and waits for the page to settle.
	Click(ctx context.Context, p *BrowserClickParams) error                      // Clicks at coordinates or the current cursor position.
	TypeText(ctx context.Context, p *BrowserTypeParams) error                    // Types text into the focused element.
	PressKey(ctx context.Context, p *BrowserKeyParams) error                     // Presses and releases one key.
	KeyDown(ctx context.Context, p *BrowserKeyParams) error                      // Presses and holds one key.
	KeyUp(ctx context.Context, p *BrowserKeyParams) error                        // Releases a held key.
	Hotkey(ctx context.Context, p *BrowserHotkeyParams) error                    // Presses a key combination in order, releasing in reverse.
	Scroll(ctx context.Context, p *BrowserScrollParams) error                    // Scrolls the page by a pixel delta.
	MoveTo(ctx context.Context, p *BrowserMoveParams) error                      // Moves the cursor to absolute coordinates.
	MoveRel(ctx context.Context, p *BrowserMoveRelParams) error                  // Moves the cursor relative to its position.
	DragTo(ctx context.Context, p *BrowserMoveParams) error                      // Drags from the current position to coordinates.
	DragRel(ctx context.Context, p *BrowserMoveRelParams) error                  // Drags relative to the current position.
	Screenshot(ctx context.Context) ([]byte, error)                              // Captures the viewport as PNG bytes.
	Viewport(ctx context.Context) (*ViewportInfo, error)                         // Reports the current URL and viewport size.
	InnerText(ctx context.Context) (string, error)                               // Returns the rendered text of the page body.
	HTML(ctx context.Context) (string, error)                                    // Returns the full outer HTML of the document.
	QuerySelector(ctx context.Context, p *DOMQueryParams) ([]ElementInfo, error) // Enumerates elements matching a CSS selector.
	ClickSelector(ctx context.Context, p *DOMClickParams) (*ClickResult, error)  // Clicks the nth element matching a CSS selector.
	Close(ctx context.Context) error                                             // Tears the session down.
}
