// File: internal/controller/human.go
package controller

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// Human is an interactive controller for manual runs and debugging. Each
// step prints the prompt and reads one line: a JSON object is parsed as an
// action payload, anything else runs as a shell command.
type Human struct {
	in     *bufio.Reader
	out    io.Writer
	parser *Parser
	log    *zap.Logger
}

// NewHuman builds a Human controller on the given streams. Pass nil to use
// stdin and stdout.
func NewHuman(in io.Reader, out io.Writer, log *zap.Logger) *Human {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	h := &Human{
		in:     bufio.NewReader(in),
		out:    out,
		parser: NewParser("", log),
		log:    log.Named("human"),
	}
	h.log.Info("Human controller initialized")
	return h
}

var promptBanner = strings.Repeat("=", 80)

// Step displays the prompt and converts the operator's reply into actions.
func (h *Human) Step(ctx context.Context, prompt string, images []string) ([]*schemas.Action, error) {
	h.log.Debug("Prompting user", zap.String("prompt", truncate(prompt, 100)))

	io.WriteString(h.out, "\n"+promptBanner+"\n")
	io.WriteString(h.out, "PROMPT:\n")
	io.WriteString(h.out, promptBanner+"\n")
	io.WriteString(h.out, prompt+"\n")
	io.WriteString(h.out, promptBanner+"\n")
	io.WriteString(h.out, "Please provide your response below:\n")
	io.WriteString(h.out, promptBanner+"\n")
	io.WriteString(h.out, "> ")

	line, err := h.in.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	line = strings.TrimSpace(line)
	h.log.Debug("User provided input", zap.String("input", truncate(line, 100)))

	if strings.HasPrefix(line, "{") {
		actions, _, perr := h.parser.ParseText(line)
		if perr != nil {
			return nil, perr
		}
		return actions, nil
	}

	action, verr := schemas.ValidateAction(schemas.ActionShellExecute, map[string]interface{}{
		"command": line,
	})
	if verr != nil {
		return nil, verr
	}
	return []*schemas.Action{action}, nil
}

// BuildInitialPrompt renders the first prompt shown to the operator.
func (h *Human) BuildInitialPrompt(instruction string) string {
	return "Task: " + instruction + "\n\nPlease provide a shell command to solve this task."
}

// BuildFeedbackPrompt renders the follow-up prompt for the operator.
func (h *Human) BuildFeedbackPrompt(feedback string) string {
	return "Feedback: " + feedback + "\n\nPlease provide the next shell command."
}

// AddToolResult is a no-op: the operator sees observations in the feedback
// prompt instead.
func (h *Human) AddToolResult(callID, content string) {}

// History reports no turns; the operator's terminal is the history.
func (h *Human) History() []schemas.Turn { return nil }

// ClearHistory is a no-op.
func (h *Human) ClearHistory() {
	h.log.Debug("Human controller has no history to clear")
}

// Usage reports nil: manual runs have no API cost.
func (h *Human) Usage() *schemas.UsageSummary { return nil }

// LastThink reports no reasoning content.
func (h *Human) LastThink() string { return "" }
