// internal/sandbox/browser.go
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// ChromeSession drives one real browser tab over DevTools and implements
// schemas.BrowserSession. Every operation is funneled through the Bridge so
// CDP dispatches never interleave, and a tracked software cursor backs the
// position-relative pointer actions.
type ChromeSession struct {
	logger *zap.Logger
	bridge *Bridge

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	mu      sync.Mutex
	cursorX float64
	cursorY float64
}

var _ schemas.BrowserSession = (*ChromeSession)(nil)

// NewChromeSession launches the browser process and attaches to a fresh tab.
// The warm-up navigation confirms the browser is alive before the session is
// handed out.
func NewChromeSession(ctx context.Context, cfg *config.SandboxConfig, bridge *Bridge, logger *zap.Logger) (*ChromeSession, error) {
	opts := buildAllocatorOptions(cfg)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	warmCtx, cancelWarm := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancelWarm()
	if err := chromedp.Run(warmCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	logger.Info("Browser session started.",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", cfg.Viewport["width"]),
		zap.Int("viewport_height", cfg.Viewport["height"]))

	return &ChromeSession{
		logger:      logger,
		bridge:      bridge,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}, nil
}

// buildAllocatorOptions translates the sandbox config into chromedp allocator
// options.
func buildAllocatorOptions(cfg *config.SandboxConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		// Recommended for stability in containers/headless environments.
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	if cfg.Headless {
		opts = append(opts, chromedp.Headless, chromedp.DisableGPU)
	}

	width, height := cfg.Viewport["width"], cfg.Viewport["height"]
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}
	opts = append(opts, chromedp.WindowSize(width, height))

	// Route traffic through the capture proxy when enabled. The proxy re-signs
	// TLS with its own CA, so certificate errors must be tolerated.
	if cfg.Capture.Enabled && cfg.Capture.Addr != "" {
		opts = append(opts,
			chromedp.ProxyServer(cfg.Capture.Addr),
			chromedp.Flag("ignore-certificate-errors", true),
		)
	}

	for _, arg := range cfg.BrowserArgs {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

// run executes chromedp actions against the session tab, serialized through
// the bridge and honoring both the caller's context and the tab lifetime.
func (s *ChromeSession) run(ctx context.Context, name string, actions ...chromedp.Action) error {
	return s.bridge.Do(ctx, name, func(opCtx context.Context) error {
		runCtx, cancel := combineContext(s.tabCtx, opCtx)
		defer cancel()
		return chromedp.Run(runCtx, actions...)
	})
}

// combineContext derives a context from primary that is additionally canceled
// when secondary ends. chromedp requires its own context chain, so the
// caller's deadline cannot simply be passed through.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// evaluate runs a JS expression on the page and decodes its JSON value into out.
func (s *ChromeSession) evaluate(ctx context.Context, name, script string, out interface{}) error {
	return s.run(ctx, name, chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
}

// Navigate loads a URL and waits for the DOM to become ready.
func (s *ChromeSession) Navigate(ctx context.Context, p *schemas.BrowserNavigateParams) error {
	return s.run(ctx, "navigate",
		chromedp.Navigate(p.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Click dispatches a mouse click at the given coordinates, or at the tracked
// cursor position when none are provided. Multi-clicks replay the press and
// release with an increasing click count, matching how a real double click is
// reported.
func (s *ChromeSession) Click(ctx context.Context, p *schemas.BrowserClickParams) error {
	s.mu.Lock()
	x, y := s.cursorX, s.cursorY
	if p.X != nil && p.Y != nil {
		x, y = *p.X, *p.Y
		s.cursorX, s.cursorY = x, y
	}
	s.mu.Unlock()

	button := input.MouseButton(p.Button)
	if p.Button == "" {
		button = input.MouseButton("left")
	}
	clicks := p.NumClicks
	if clicks < 1 {
		clicks = 1
	}

	actions := []chromedp.Action{
		input.DispatchMouseEvent(input.MouseMoved, x, y),
	}
	for i := 1; i <= clicks; i++ {
		actions = append(actions,
			input.DispatchMouseEvent(input.MousePressed, x, y).
				WithButton(button).
				WithButtons(buttonsBitfield(button)).
				WithClickCount(int64(i)),
			input.DispatchMouseEvent(input.MouseReleased, x, y).
				WithButton(button).
				WithButtons(0).
				WithClickCount(int64(i)),
		)
	}
	return s.run(ctx, "click", actions...)
}

// TypeText enters text into the focused element. The default path inserts the
// text wholesale, as a paste would, which sidesteps per-key synthesis for
// characters without simple key equivalents.
func (s *ChromeSession) TypeText(ctx context.Context, p *schemas.BrowserTypeParams) error {
	useClipboard := true
	if p.UseClipboard != nil {
		useClipboard = *p.UseClipboard
	}
	if useClipboard {
		return s.run(ctx, "type_text", input.InsertText(p.Text))
	}
	return s.run(ctx, "type_text", chromedp.KeyEvent(p.Text))
}

// PressKey presses and releases one key. Printable characters go through the
// full key event synthesis so the page sees the usual down/char/up sequence.
func (s *ChromeSession) PressKey(ctx context.Context, p *schemas.BrowserKeyParams) error {
	key := canonicalKey(p.Key)
	if utf8.RuneCountInString(key) == 1 {
		return s.run(ctx, "press_key", chromedp.KeyEvent(key))
	}
	return s.run(ctx, "press_key",
		input.DispatchKeyEvent(input.KeyDown).WithKey(key),
		input.DispatchKeyEvent(input.KeyUp).WithKey(key),
	)
}

// KeyDown presses and holds one key.
func (s *ChromeSession) KeyDown(ctx context.Context, p *schemas.BrowserKeyParams) error {
	return s.run(ctx, "key_down", input.DispatchKeyEvent(input.KeyDown).WithKey(canonicalKey(p.Key)))
}

// KeyUp releases a held key.
func (s *ChromeSession) KeyUp(ctx context.Context, p *schemas.BrowserKeyParams) error {
	return s.run(ctx, "key_up", input.DispatchKeyEvent(input.KeyUp).WithKey(canonicalKey(p.Key)))
}

// Hotkey presses a key combination in order and releases it in reverse, with
// modifier bits accumulated across the sequence so the non-modifier keys carry
// the held state.
func (s *ChromeSession) Hotkey(ctx context.Context, p *schemas.BrowserHotkeyParams) error {
	if len(p.Keys) == 0 {
		return fmt.Errorf("hotkey requires at least one key")
	}

	keys := make([]string, 0, len(p.Keys))
	for _, k := range p.Keys {
		keys = append(keys, canonicalKey(k))
	}

	var mods input.Modifier
	actions := make([]chromedp.Action, 0, 2*len(keys))
	for _, key := range keys {
		actions = append(actions, input.DispatchKeyEvent(input.KeyDown).WithModifiers(mods).WithKey(key))
		mods |= modifierBit(key)
	}
	for i := len(keys) - 1; i >= 0; i-- {
		mods &^= modifierBit(keys[i])
		actions = append(actions, input.DispatchKeyEvent(input.KeyUp).WithModifiers(mods).WithKey(keys[i]))
	}
	return s.run(ctx, "hotkey", actions...)
}

// Scroll dispatches a wheel event at the tracked cursor position.
func (s *ChromeSession) Scroll(ctx context.Context, p *schemas.BrowserScrollParams) error {
	s.mu.Lock()
	x, y := s.cursorX, s.cursorY
	s.mu.Unlock()

	return s.run(ctx, "scroll",
		input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(p.DX).
			WithDeltaY(p.DY),
	)
}

// MoveTo moves the cursor to absolute coordinates.
func (s *ChromeSession) MoveTo(ctx context.Context, p *schemas.BrowserMoveParams) error {
	if p.X == nil || p.Y == nil {
		return fmt.Errorf("move requires both x and y coordinates")
	}
	return s.moveCursor(ctx, "move_to", *p.X, *p.Y)
}

// MoveRel moves the cursor relative to its current position.
func (s *ChromeSession) MoveRel(ctx context.Context, p *schemas.BrowserMoveRelParams) error {
	s.mu.Lock()
	x, y := s.cursorX+p.XOffset, s.cursorY+p.YOffset
	s.mu.Unlock()
	return s.moveCursor(ctx, "move_rel", x, y)
}

func (s *ChromeSession) moveCursor(ctx context.Context, name string, x, y float64) error {
	if err := s.run(ctx, name, input.DispatchMouseEvent(input.MouseMoved, x, y)); err != nil {
		return err
	}
	s.mu.Lock()
	s.cursorX, s.cursorY = x, y
	s.mu.Unlock()
	return nil
}

// DragTo drags from the current cursor position to absolute coordinates.
func (s *ChromeSession) DragTo(ctx context.Context, p *schemas.BrowserMoveParams) error {
	if p.X == nil || p.Y == nil {
		return fmt.Errorf("drag requires both x and y coordinates")
	}
	return s.drag(ctx, "drag_to", *p.X, *p.Y)
}

// DragRel drags from the current cursor position by a relative offset.
func (s *ChromeSession) DragRel(ctx context.Context, p *schemas.BrowserMoveRelParams) error {
	s.mu.Lock()
	x, y := s.cursorX+p.XOffset, s.cursorY+p.YOffset
	s.mu.Unlock()
	return s.drag(ctx, "drag_rel", x, y)
}

// drag presses the left button at the current cursor position, glides to the
// target, and releases.
func (s *ChromeSession) drag(ctx context.Context, name string, toX, toY float64) error {
	s.mu.Lock()
	fromX, fromY := s.cursorX, s.cursorY
	s.mu.Unlock()

	err := s.run(ctx, name,
		input.DispatchMouseEvent(input.MousePressed, fromX, fromY).
			WithButton(input.MouseButton("left")).
			WithButtons(1).
			WithClickCount(1),
		input.DispatchMouseEvent(input.MouseMoved, toX, toY).
			WithButtons(1),
		input.DispatchMouseEvent(input.MouseReleased, toX, toY).
			WithButton(input.MouseButton("left")).
			WithButtons(0).
			WithClickCount(1),
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cursorX, s.cursorY = toX, toY
	s.mu.Unlock()
	return nil
}

// Screenshot captures the viewport as PNG bytes.
func (s *ChromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, "screenshot", chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Viewport reports the current page URL and the visible viewport size.
func (s *ChromeSession) Viewport(ctx context.Context) (*schemas.ViewportInfo, error) {
	const script = `({url: String(location.href), width: window.innerWidth, height: window.innerHeight})`
	var info schemas.ViewportInfo
	if err := s.evaluate(ctx, "viewport", script, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// InnerText returns the rendered text of the page body.
func (s *ChromeSession) InnerText(ctx context.Context) (string, error) {
	const script = `document.body ? document.body.innerText : ''`
	var text string
	if err := s.evaluate(ctx, "inner_text", script, &text); err != nil {
		return "", err
	}
	return text, nil
}

// HTML returns the full outer HTML of the document.
func (s *ChromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, "html", chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// QuerySelector enumerates all elements matching a CSS selector, returning a
// compact description of each. Display truncation is the caller's concern.
func (s *ChromeSession) QuerySelector(ctx context.Context, p *schemas.DOMQueryParams) ([]schemas.ElementInfo, error) {
	script := fmt.Sprintf(`
        (function(sel) {
            const keep = ['id', 'class', 'name', 'type', 'href', 'aria-label', 'role'];
            const out = [];
            for (const el of document.querySelectorAll(sel)) {
                const attrs = {};
                for (const k of keep) {
                    const v = el.getAttribute(k);
                    if (v) { attrs[k] = v; }
                }
                out.push({
                    tag: el.tagName.toLowerCase(),
                    text: (el.innerText || el.textContent || '').trim().slice(0, 300),
                    attrs: attrs
                });
            }
            return out;
        })(%s)`, jsonEncode(p.Selector))

	var res json.RawMessage
	if err := s.evaluate(ctx, "query_selector", script, &res); err != nil {
		return nil, err
	}
	if string(res) == "null" {
		return nil, nil
	}

	var elements []schemas.ElementInfo
	if err := json.Unmarshal(res, &elements); err != nil {
		return nil, fmt.Errorf("failed to unmarshal selector matches: %w", err)
	}
	return elements, nil
}

// ClickSelector locates the nth element matching a CSS selector, scrolls it
// into view, and clicks its center. The out-of-range index is clamped to the
// nearest valid element.
func (s *ChromeSession) ClickSelector(ctx context.Context, p *schemas.DOMClickParams) (*schemas.ClickResult, error) {
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	script := fmt.Sprintf(`
        (function(sel, nth) {
            const nodes = document.querySelectorAll(sel);
            if (nodes.length === 0) { return {total: 0}; }
            let idx = nth;
            if (idx < 0) { idx = 0; }
            if (idx >= nodes.length) { idx = nodes.length - 1; }
            const el = nodes[idx];
            el.scrollIntoView({block: 'center', inline: 'center'});
            const r = el.getBoundingClientRect();
            return {
                total: nodes.length,
                index: idx,
                x: r.left + r.width / 2,
                y: r.top + r.height / 2,
                text: (el.innerText || el.textContent || '').trim().slice(0, 300)
            };
        })(%s, %d)`, jsonEncode(p.Selector), p.Nth)

	var target struct {
		Total int     `json:"total"`
		Index int     `json:"index"`
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
		Text  string  `json:"text"`
	}
	if err := s.evaluate(ctx, "click_selector_locate", script, &target); err != nil {
		return nil, err
	}
	if target.Total == 0 {
		return &schemas.ClickResult{Total: 0}, nil
	}

	button := input.MouseButton(p.Button)
	if p.Button == "" {
		button = input.MouseButton("left")
	}
	clicks := p.ClickCount
	if clicks < 1 {
		clicks = 1
	}

	actions := []chromedp.Action{
		input.DispatchMouseEvent(input.MouseMoved, target.X, target.Y),
	}
	for i := 1; i <= clicks; i++ {
		actions = append(actions,
			input.DispatchMouseEvent(input.MousePressed, target.X, target.Y).
				WithButton(button).
				WithButtons(buttonsBitfield(button)).
				WithClickCount(int64(i)),
			input.DispatchMouseEvent(input.MouseReleased, target.X, target.Y).
				WithButton(button).
				WithButtons(0).
				WithClickCount(int64(i)),
		)
	}
	if err := s.run(ctx, "click_selector", actions...); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cursorX, s.cursorY = target.X, target.Y
	s.mu.Unlock()

	return &schemas.ClickResult{Index: target.Index, Total: target.Total, Text: target.Text}, nil
}

// Close tears the tab and the browser process down.
func (s *ChromeSession) Close(ctx context.Context) error {
	s.logger.Debug("Closing browser session.")
	s.tabCancel()
	s.allocCancel()
	return nil
}

// buttonsBitfield maps a button to the CDP bitfield reported while it is held
// (1: left, 2: right, 4: middle).
func buttonsBitfield(b input.MouseButton) int64 {
	switch b {
	case "left":
		return 1
	case "right":
		return 2
	case "middle":
		return 4
	}
	return 0
}

// canonicalKey normalizes the lowercase key aliases the model tends to
// produce onto the DOM key values CDP expects. Single characters pass through
// unchanged; unknown multi-character names are capitalized in the DOM style.
func canonicalKey(name string) string {
	k := strings.TrimSpace(name)
	if k == "" {
		return k
	}
	switch lower := strings.ToLower(k); lower {
	case "enter", "return":
		return "Enter"
	case "tab":
		return "Tab"
	case "escape", "esc":
		return "Escape"
	case "backspace":
		return "Backspace"
	case "delete", "del":
		return "Delete"
	case "insert":
		return "Insert"
	case "space", "spacebar":
		return " "
	case "up", "arrowup":
		return "ArrowUp"
	case "down", "arrowdown":
		return "ArrowDown"
	case "left", "arrowleft":
		return "ArrowLeft"
	case "right", "arrowright":
		return "ArrowRight"
	case "home":
		return "Home"
	case "end":
		return "End"
	case "pageup":
		return "PageUp"
	case "pagedown":
		return "PageDown"
	case "ctrl", "control":
		return "Control"
	case "alt", "option":
		return "Alt"
	case "shift":
		return "Shift"
	case "meta", "cmd", "command", "win":
		return "Meta"
	case "capslock":
		return "CapsLock"
	default:
		if len(lower) >= 2 && lower[0] == 'f' {
			if n, err := strconv.Atoi(lower[1:]); err == nil && n >= 1 && n <= 24 {
				return "F" + strconv.Itoa(n)
			}
		}
		if utf8.RuneCountInString(k) == 1 {
			return k
		}
		return strings.ToUpper(k[:1]) + k[1:]
	}
}

// modifierBit returns the CDP modifier bit a key contributes while held.
func modifierBit(key string) input.Modifier {
	switch key {
	case "Control":
		return input.ModifierCtrl
	case "Alt":
		return input.ModifierAlt
	case "Shift":
		return input.ModifierShift
	case "Meta":
		return input.ModifierMeta
	}
	return 0
}

// jsonEncode marshals a value for safe injection into a JS expression.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
