// File: internal/agent/interfaces.go
package agent

import (
	"context"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// Controller produces action batches for the loop. Both the LLM-backed
// controller and the interactive human controller satisfy it.
type Controller interface {
	// Step sends a prompt (plus any carried images) and returns the parsed
	// action batch. Malformed replies come back as ParseError or
	// ValidationError once the controller's own retry budget is spent;
	// transport failures come back as-is.
	Step(ctx context.Context, prompt string, images []string) ([]*schemas.Action, error)

	// BuildInitialPrompt renders the kickoff prompt for a task instruction.
	BuildInitialPrompt(instruction string) string

	// BuildFeedbackPrompt renders the follow-up prompt for one iteration's
	// combined observation text.
	BuildFeedbackPrompt(feedback string) string

	// AddToolResult answers a native tool call so providers with strict
	// call/response pairing accept the next turn. Empty IDs are ignored.
	AddToolResult(callID, content string)

	History() []schemas.Turn
	ClearHistory()
	Usage() *schemas.UsageSummary
	LastThink() string
}

// Sandbox executes validated actions and owns the run's execution history.
// The loop never touches capability backends directly, which keeps it
// testable without a browser or a shell.
type Sandbox interface {
	Execute(ctx context.Context, act *schemas.Action) (*schemas.Observation, error)

	// TakeScreenshot captures the page outside the action flow, for the
	// implicit screenshot after page-changing actions. An empty image means
	// no capture; the status string says why.
	TakeScreenshot(ctx context.Context) (image string, status string)

	History() []schemas.ExecutionEntry
	ClearHistory()
	CaptureLog() []schemas.NetworkExchange
}

// Environment manages the container stack a task bundle brings along.
type Environment interface {
	Setup(ctx context.Context, task *schemas.Task) error
	Cleanup(ctx context.Context) error
}
