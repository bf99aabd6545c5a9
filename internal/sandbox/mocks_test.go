package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// testSandboxConfig returns a sandbox configuration rooted at a per-test
// workspace directory.
func testSandboxConfig(t *testing.T) *config.SandboxConfig {
	t.Helper()
	return &config.SandboxConfig{
		Workspace:   t.TempDir(),
		Headless:    true,
		OpTimeout:   10 * time.Second,
		CodeTimeout: 10 * time.Second,
	}
}

// -- Browser Session Mock --

// MockBrowserSession mocks the schemas.BrowserSession contract so executor and
// DOM tests run without a live browser.
type MockBrowserSession struct {
	mock.Mock
}

func (m *MockBrowserSession) Navigate(ctx context.Context, p *schemas.BrowserNavigateParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) Click(ctx context.Context, p *schemas.BrowserClickParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) TypeText(ctx context.Context, p *schemas.BrowserTypeParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) PressKey(ctx context.Context, p *schemas.BrowserKeyParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) KeyDown(ctx context.Context, p *schemas.BrowserKeyParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) KeyUp(ctx context.Context, p *schemas.BrowserKeyParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) Hotkey(ctx context.Context, p *schemas.BrowserHotkeyParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) Scroll(ctx context.Context, p *schemas.BrowserScrollParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) MoveTo(ctx context.Context, p *schemas.BrowserMoveParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) MoveRel(ctx context.Context, p *schemas.BrowserMoveRelParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) DragTo(ctx context.Context, p *schemas.BrowserMoveParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) DragRel(ctx context.Context, p *schemas.BrowserMoveRelParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockBrowserSession) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBrowserSession) Viewport(ctx context.Context) (*schemas.ViewportInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.ViewportInfo), args.Error(1)
}

func (m *MockBrowserSession) InnerText(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowserSession) HTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowserSession) QuerySelector(ctx context.Context, p *schemas.DOMQueryParams) ([]schemas.ElementInfo, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.ElementInfo), args.Error(1)
}

func (m *MockBrowserSession) ClickSelector(ctx context.Context, p *schemas.DOMClickParams) (*schemas.ClickResult, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.ClickResult), args.Error(1)
}

func (m *MockBrowserSession) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// newMockSession returns a session mock whose Close is pre-wired, since the
// executor closes whatever session it opened.
func newMockSession() *MockBrowserSession {
	m := &MockBrowserSession{}
	m.On("Close", mock.Anything).Return(nil).Maybe()
	return m
}

// mockExecutor builds an executor whose browser factory hands out the given
// mock session instead of launching Chrome.
func mockExecutor(t *testing.T, sess schemas.BrowserSession) *Executor {
	t.Helper()
	e := NewExecutor(testSandboxConfig(t), zap.NewNop())
	e.sessionFactory = func(ctx context.Context) (schemas.BrowserSession, error) {
		return sess, nil
	}
	t.Cleanup(e.Close)
	return e
}
