package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// -- Controller Mock --

// MockController mocks the Controller contract so loop tests run without a
// model endpoint.
type MockController struct {
	mock.Mock
}

func (m *MockController) Step(ctx context.Context, prompt string, images []string) ([]*schemas.Action, error) {
	args := m.Called(ctx, prompt, images)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*schemas.Action), args.Error(1)
}

func (m *MockController) BuildInitialPrompt(instruction string) string {
	args := m.Called(instruction)
	return args.String(0)
}

func (m *MockController) BuildFeedbackPrompt(feedback string) string {
	args := m.Called(feedback)
	return args.String(0)
}

func (m *MockController) AddToolResult(callID, content string) {
	m.Called(callID, content)
}

func (m *MockController) History() []schemas.Turn {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]schemas.Turn)
}

func (m *MockController) ClearHistory() {
	m.Called()
}

func (m *MockController) Usage() *schemas.UsageSummary {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*schemas.UsageSummary)
}

func (m *MockController) LastThink() string {
	args := m.Called()
	return args.String(0)
}

// -- Sandbox Mock --

// MockSandbox mocks the Sandbox contract so loop tests run without any
// capability backends.
type MockSandbox struct {
	mock.Mock
}

func (m *MockSandbox) Execute(ctx context.Context, act *schemas.Action) (*schemas.Observation, error) {
	args := m.Called(ctx, act)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Observation), args.Error(1)
}

func (m *MockSandbox) TakeScreenshot(ctx context.Context) (string, string) {
	args := m.Called(ctx)
	return args.String(0), args.String(1)
}

func (m *MockSandbox) History() []schemas.ExecutionEntry {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]schemas.ExecutionEntry)
}

func (m *MockSandbox) ClearHistory() {
	m.Called()
}

func (m *MockSandbox) CaptureLog() []schemas.NetworkExchange {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]schemas.NetworkExchange)
}

// -- Environment Mock --

type MockEnvironment struct {
	mock.Mock
}

func (m *MockEnvironment) Setup(ctx context.Context, task *schemas.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockEnvironment) Cleanup(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// -- Fixtures --

// runnerFixture bundles a runner with its mocked collaborators.
type runnerFixture struct {
	ctrl *MockController
	sb   *MockSandbox
	cfg  *config.Config
	r    *Runner
}

func newRunnerFixture(maxIterations int) *runnerFixture {
	f := &runnerFixture{
		ctrl: &MockController{},
		sb:   &MockSandbox{},
		cfg: &config.Config{
			ControllerCfg: config.ControllerConfig{Model: "test-model"},
			RunnerCfg: config.RunnerConfig{
				MaxIterations: maxIterations,
				EvalTimeout:   10 * time.Second,
			},
		},
	}
	f.r = NewRunner(f.cfg, f.ctrl, f.sb, nil, zap.NewNop())
	return f
}

// wireDefaults installs the standing expectations every run consults when it
// assembles the result record. Expectations a test wants to override must be
// declared before calling this, or the defaults shadow them.
func (f *runnerFixture) wireDefaults() {
	f.ctrl.On("LastThink").Return("").Maybe()
	f.ctrl.On("History").Return([]schemas.Turn{}).Maybe()
	f.ctrl.On("Usage").Return(&schemas.UsageSummary{Model: "test-model"}).Maybe()
	f.ctrl.On("AddToolResult", mock.Anything, mock.Anything).Maybe()
	f.sb.On("History").Return([]schemas.ExecutionEntry{}).Maybe()
	f.sb.On("CaptureLog").Return(nil).Maybe()
}

// mustAction builds a validated action or fails the test.
func mustAction(t *testing.T, name schemas.ActionName, params map[string]interface{}) *schemas.Action {
	t.Helper()
	act, err := schemas.ValidateAction(name, params)
	require.NoError(t, err)
	return act
}

func batch(actions ...*schemas.Action) []*schemas.Action {
	return actions
}
