// internal/sandbox/executor.go
//
// The executor is the capability surface for one task run: it owns the
// browser session, the workspace file tools, the code runner, the persistent
// shell, and the execution history. Actions arrive already validated; every
// execution failure is absorbed into the observation message so the agent
// loop always gets feedback it can react to. Only context cancellation
// escapes as a real error.
package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// Executor dispatches validated actions to their capability family and
// records every action/observation pair. The browser session starts lazily on
// the first browser or DOM action; file, code, and shell actions never touch
// it.
type Executor struct {
	cfg    *config.SandboxConfig
	logger *zap.Logger
	bridge *Bridge

	mu             sync.Mutex
	session        schemas.BrowserSession
	dom            *domTools
	capture        *networkCapture
	sessionFactory func(ctx context.Context) (schemas.BrowserSession, error)

	files *fileTools
	code  *codeTools
	shell *shellSession

	histMu  sync.Mutex
	history []schemas.ExecutionEntry
}

// NewExecutor builds the capability surface for one task run.
func NewExecutor(cfg *config.SandboxConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	bridge := NewBridge(cfg.OpTimeout, logger)
	e := &Executor{
		cfg:    cfg,
		logger: logger,
		bridge: bridge,
		files:  newFileTools(cfg.Workspace, logger),
		code:   newCodeTools(cfg, logger),
		shell:  newShellSession(cfg, logger),
	}
	e.sessionFactory = func(ctx context.Context) (schemas.BrowserSession, error) {
		scfg := *cfg
		if scfg.Capture.Enabled {
			nc, err := e.ensureCaptureLocked()
			if err != nil {
				return nil, err
			}
			scfg.Capture.Addr = nc.Addr()
		}
		return NewChromeSession(ctx, &scfg, bridge, logger)
	}
	return e
}

// browser returns the live session and DOM tools, starting the browser on
// first use.
func (e *Executor) browser(ctx context.Context) (schemas.BrowserSession, *domTools, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return e.session, e.dom, nil
	}
	sess, err := e.sessionFactory(ctx)
	if err != nil {
		return nil, nil, err
	}
	e.session = sess
	e.dom = newDOMTools(sess, e.logger)
	return e.session, e.dom, nil
}

// ensureCaptureLocked starts the capture proxy once. Callers hold e.mu.
func (e *Executor) ensureCaptureLocked() (*networkCapture, error) {
	if e.capture != nil {
		return e.capture, nil
	}
	nc, err := newNetworkCapture(e.cfg.Capture, e.logger)
	if err != nil {
		return nil, err
	}
	e.capture = nc
	return nc, nil
}

// Execute runs one action and returns its observation. Failures become
// "Error: ..." observations; the returned error is non-nil only when ctx is
// done, in which case nothing is recorded.
func (e *Executor) Execute(ctx context.Context, act *schemas.Action) (*schemas.Observation, error) {
	obs, err := e.dispatch(ctx, act)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		e.logger.Error("Error executing action.",
			zap.String("action", string(act.Name)), zap.Error(err))
		obs = &schemas.Observation{Message: "Error: " + err.Error()}
	}
	e.record(act, obs)
	return obs, nil
}

func (e *Executor) dispatch(ctx context.Context, act *schemas.Action) (*schemas.Observation, error) {
	switch act.Family() {
	case schemas.FamilyTerminal:
		p := act.Params.(*schemas.TaskCompleteParams)
		if p.Result != "" {
			e.logger.Debug("Task completed with result.",
				zap.String("result", truncateRunes(p.Result, 200)))
			return &schemas.Observation{
				Done:       true,
				Message:    "Task completed. Result: " + p.Result,
				TaskResult: p.Result,
			}, nil
		}
		return &schemas.Observation{Done: true, Message: "Task completed"}, nil

	case schemas.FamilyBrowserInput:
		return e.dispatchBrowser(ctx, act)

	case schemas.FamilyDOM:
		return e.dispatchDOM(ctx, act)

	case schemas.FamilyFile:
		return e.dispatchFile(act)

	case schemas.FamilyCode:
		msg, err := e.code.Execute(ctx, act.Params.(*schemas.CodeExecuteParams))
		if err != nil {
			return nil, err
		}
		return &schemas.Observation{Message: msg}, nil

	case schemas.FamilyShell:
		msg, err := e.shell.Execute(ctx, act.Params.(*schemas.ShellExecuteParams))
		if err != nil {
			return nil, err
		}
		return &schemas.Observation{Message: msg}, nil
	}

	return &schemas.Observation{Message: fmt.Sprintf("Unknown action type: %s", act.Name)}, nil
}

func (e *Executor) dispatchBrowser(ctx context.Context, act *schemas.Action) (*schemas.Observation, error) {
	// Waiting is local; it needs no session.
	if act.Name == schemas.ActionBrowserWait {
		p := act.Params.(*schemas.BrowserWaitParams)
		d := time.Duration(p.Duration * float64(time.Second))
		if d <= 0 {
			d = time.Second
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &schemas.Observation{Message: "Action executed successfully. Response: " + actionResponse(act)}, nil
	}

	sess, _, err := e.browser(ctx)
	if err != nil {
		return nil, err
	}

	switch act.Name {
	case schemas.ActionBrowserNavigate:
		p := act.Params.(*schemas.BrowserNavigateParams)
		if p.URL == "" {
			return nil, fmt.Errorf("browser_navigate requires 'url' parameter")
		}
		if err := sess.Navigate(ctx, p); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			e.logger.Error("Failed to navigate.", zap.String("url", p.URL), zap.Error(err))
			return &schemas.Observation{Message: fmt.Sprintf("Failed to navigate: %v", err)}, nil
		}
		return &schemas.Observation{Message: fmt.Sprintf("Successfully navigated to %s", p.URL)}, nil

	case schemas.ActionBrowserScreenshot:
		data, err := sess.Screenshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			e.logger.Error("Failed to take screenshot.", zap.Error(err))
			return &schemas.Observation{Message: fmt.Sprintf("Failed to take screenshot: %v", err)}, nil
		}
		return &schemas.Observation{
			Message: fmt.Sprintf("Screenshot taken successfully (%d bytes)", len(data)),
			Image:   base64.StdEncoding.EncodeToString(data),
		}, nil

	case schemas.ActionBrowserViewport:
		info, err := sess.Viewport(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			e.logger.Error("Failed to get browser info.", zap.Error(err))
			return &schemas.Observation{Message: fmt.Sprintf("Failed to get browser info: %v", err)}, nil
		}
		return &schemas.Observation{
			Message: fmt.Sprintf("Browser Info:\nURL: %s\nViewport: %dx%d", info.URL, info.Width, info.Height),
		}, nil
	}

	if err := inputAction(ctx, sess, act); err != nil {
		return nil, err
	}
	return &schemas.Observation{Message: "Action executed successfully. Response: " + actionResponse(act)}, nil
}

// inputAction routes the pointer and keyboard actions. These fail hard: a
// dispatch error means the tab is gone or the parameters were unusable, and
// the loop should see it as an error message.
func inputAction(ctx context.Context, sess schemas.BrowserSession, act *schemas.Action) error {
	switch act.Name {
	case schemas.ActionBrowserClick:
		return sess.Click(ctx, act.Params.(*schemas.BrowserClickParams))
	case schemas.ActionBrowserType:
		return sess.TypeText(ctx, act.Params.(*schemas.BrowserTypeParams))
	case schemas.ActionBrowserPress:
		return sess.PressKey(ctx, act.Params.(*schemas.BrowserKeyParams))
	case schemas.ActionBrowserKeyDown:
		return sess.KeyDown(ctx, act.Params.(*schemas.BrowserKeyParams))
	case schemas.ActionBrowserKeyUp:
		return sess.KeyUp(ctx, act.Params.(*schemas.BrowserKeyParams))
	case schemas.ActionBrowserHotkey:
		return sess.Hotkey(ctx, act.Params.(*schemas.BrowserHotkeyParams))
	case schemas.ActionBrowserScroll:
		return sess.Scroll(ctx, act.Params.(*schemas.BrowserScrollParams))
	case schemas.ActionBrowserMoveTo:
		return sess.MoveTo(ctx, act.Params.(*schemas.BrowserMoveParams))
	case schemas.ActionBrowserMoveRel:
		return sess.MoveRel(ctx, act.Params.(*schemas.BrowserMoveRelParams))
	case schemas.ActionBrowserDragTo:
		return sess.DragTo(ctx, act.Params.(*schemas.BrowserMoveParams))
	case schemas.ActionBrowserDragRel:
		return sess.DragRel(ctx, act.Params.(*schemas.BrowserMoveRelParams))
	}
	return fmt.Errorf("Unsupported action type: %s", act.Name)
}

func (e *Executor) dispatchDOM(ctx context.Context, act *schemas.Action) (*schemas.Observation, error) {
	_, dom, err := e.browser(ctx)
	if err != nil {
		return nil, err
	}

	var msg string
	switch act.Name {
	case schemas.ActionDOMGetText:
		msg, err = dom.GetText(ctx)
	case schemas.ActionDOMGetHTML:
		msg, err = dom.GetHTML(ctx)
	case schemas.ActionDOMQuery:
		msg, err = dom.QuerySelector(ctx, act.Params.(*schemas.DOMQueryParams))
	case schemas.ActionDOMExtractLinks:
		msg, err = dom.ExtractLinks(ctx, act.Params.(*schemas.DOMExtractLinksParams))
	case schemas.ActionDOMClick:
		msg, err = dom.Click(ctx, act.Params.(*schemas.DOMClickParams))
	default:
		return &schemas.Observation{Message: fmt.Sprintf("Unknown action type: %s", act.Name)}, nil
	}
	if err != nil {
		return nil, err
	}
	return &schemas.Observation{Message: msg}, nil
}

func (e *Executor) dispatchFile(act *schemas.Action) (*schemas.Observation, error) {
	var (
		msg   string
		image string
		err   error
	)
	switch act.Name {
	case schemas.ActionFileRead:
		msg, err = e.files.Read(act.Params.(*schemas.FilePathParams))
	case schemas.ActionFileWrite:
		p := act.Params.(*schemas.FileWriteParams)
		// Distinguish a missing content key from a legitimate empty write.
		if p.Path != "" && !act.HasParam("content") {
			return nil, fmt.Errorf("file_write requires 'content' parameter")
		}
		msg, err = e.files.Write(p)
	case schemas.ActionFileList:
		msg, err = e.files.List(act.Params.(*schemas.FilePathParams))
	case schemas.ActionReplaceInFile:
		p := act.Params.(*schemas.ReplaceInFileParams)
		if p.File != "" && p.OldText != "" && !act.HasParam("new_text") {
			return nil, fmt.Errorf("replace_in_file requires 'new_text' or 'new_str' parameter")
		}
		msg, err = e.files.Replace(p)
	case schemas.ActionSearchInFile:
		msg, err = e.files.Search(act.Params.(*schemas.SearchInFileParams))
	case schemas.ActionFindFiles:
		msg, err = e.files.Find(act.Params.(*schemas.FindFilesParams))
	case schemas.ActionImageRead:
		msg, image, err = e.files.ImageRead(act.Params.(*schemas.FilePathParams))
	case schemas.ActionEditor:
		msg, err = e.files.Editor(act.Params.(*schemas.EditorParams))
	default:
		return &schemas.Observation{Message: fmt.Sprintf("Unknown action type: %s", act.Name)}, nil
	}
	if err != nil {
		return nil, err
	}
	return &schemas.Observation{Message: msg, Image: image}, nil
}

// TakeScreenshot captures the current page outside the action flow, for the
// implicit screenshot the loop attaches after page-changing actions. It never
// fails hard; a broken browser comes back as a status message with no image.
func (e *Executor) TakeScreenshot(ctx context.Context) (string, string) {
	sess, _, err := e.browser(ctx)
	if err == nil {
		var data []byte
		if data, err = sess.Screenshot(ctx); err == nil {
			return base64.StdEncoding.EncodeToString(data),
				fmt.Sprintf("Screenshot taken successfully (%d bytes)", len(data))
		}
	}
	e.logger.Error("Failed to take screenshot.", zap.Error(err))
	return "", fmt.Sprintf("Failed to take screenshot: %v", err)
}

// actionResponse renders the wire form of an input action for the success
// message, standing in for the response body the automation backend echoes.
func actionResponse(act *schemas.Action) string {
	buf, err := json.Marshal(act)
	if err != nil {
		return string(act.Name)
	}
	return string(buf)
}

func (e *Executor) record(act *schemas.Action, obs *schemas.Observation) {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	e.history = append(e.history, schemas.ExecutionEntry{
		Action:      act,
		Observation: *obs,
		Timestamp:   time.Now().UTC(),
	})
}

// History returns a copy of the recorded action/observation pairs.
func (e *Executor) History() []schemas.ExecutionEntry {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	out := make([]schemas.ExecutionEntry, len(e.history))
	copy(out, e.history)
	return out
}

// ClearHistory drops the recorded pairs, typically between tasks.
func (e *Executor) ClearHistory() {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	e.logger.Debug("Clearing execution history.", zap.Int("entries", len(e.history)))
	e.history = nil
}

// CaptureLog returns the exchanges the capture proxy has recorded so far, or
// nil when capture is disabled.
func (e *Executor) CaptureLog() []schemas.NetworkExchange {
	e.mu.Lock()
	nc := e.capture
	e.mu.Unlock()
	if nc == nil {
		return nil
	}
	return nc.Exchanges()
}

// Close tears down the shell session, the browser, and the capture proxy.
func (e *Executor) Close() {
	e.shell.Close()

	e.mu.Lock()
	sess := e.session
	nc := e.capture
	e.session = nil
	e.dom = nil
	e.capture = nil
	e.mu.Unlock()

	if sess != nil {
		if err := sess.Close(context.Background()); err != nil {
			e.logger.Debug("Browser session close failed.", zap.Error(err))
		}
	}
	if nc != nil {
		nc.Close()
	}
}
