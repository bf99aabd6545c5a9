// File: internal/agent/runner.go

// Package agent drives the task loop: it relays prompts and observations
// between a controller and a sandbox until the task completes or the
// iteration budget runs out, and assembles the durable result record.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// wrapUpDirective is appended to the progress note once two or fewer
// iterations remain.
const wrapUpDirective = " You are near the maximum iteration budget. " +
	"Prioritize finishing steps and produce the final boxed answer soon."

// parseFeedbackFormat turns a parse or validation failure into ordinary
// feedback so the model can correct itself on the next iteration.
const parseFeedbackFormat = "Error: %s\nPlease correct the tool call parameters and try again."

// Runner executes tasks: one model call, one action batch, one combined
// observation per iteration, strictly in sequence. A runner is not safe for
// concurrent use; it owns its controller's conversation and its sandbox's
// history for the duration of a run.
type Runner struct {
	cfg        config.Interface
	controller Controller
	sandbox    Sandbox
	env        Environment
	log        *zap.Logger
}

// NewRunner wires a runner from its collaborators. env may be nil for tasks
// that run against the local sandbox only.
func NewRunner(cfg config.Interface, ctrl Controller, sb Sandbox, env Environment, log *zap.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		controller: ctrl,
		sandbox:    sb,
		env:        env,
		log:        log.Named("runner"),
	}
}

// SetupEnvironment brings up the task's container stack when it has one and
// resets the conversation so the run starts clean. Usage totals survive the
// reset.
func (r *Runner) SetupEnvironment(ctx context.Context, task *schemas.Task) error {
	if r.env != nil {
		if err := r.env.Setup(ctx, task); err != nil {
			return err
		}
	}
	r.controller.ClearHistory()
	return nil
}

// CleanupEnvironment tears the environment down best-effort and drops the
// conversation.
func (r *Runner) CleanupEnvironment(ctx context.Context) error {
	r.controller.ClearHistory()
	if r.env == nil {
		return nil
	}
	return r.env.Cleanup(ctx)
}

// RunTask runs the agent loop for one task. The returned record is always
// usable: on a fatal fault it carries the transcript and traces collected so
// far with status failed, and the fault is also returned as the error.
// Exhausting the iteration budget is not a fault; it yields status
// incomplete and a nil error.
func (r *Runner) RunTask(ctx context.Context, task *schemas.Task) (*schemas.ResultRecord, error) {
	maxIterations := r.cfg.Runner().MaxIterations
	if task.MaxIterations > 0 {
		maxIterations = task.MaxIterations
	}

	started := time.Now()
	rec := &schemas.ResultRecord{
		TaskName:  task.Name,
		Model:     r.cfg.Controller().Model,
		Status:    schemas.StatusIncomplete,
		StartedAt: started.UTC(),
	}

	r.log.Info("Starting task.",
		zap.String("task", task.Name),
		zap.Int("max_iterations", maxIterations))

	if task.StartURL != "" {
		if err := r.openStartPage(ctx, task.StartURL); err != nil {
			return r.fail(rec, started, err)
		}
	}

	prompt := r.controller.BuildInitialPrompt(task.Instruction)
	var carryImages []string

	for iteration := 1; iteration <= maxIterations; iteration++ {
		rec.Iterations = iteration
		if err := ctx.Err(); err != nil {
			return r.fail(rec, started, err)
		}

		r.log.Info("Iteration starting.",
			zap.Int("iteration", iteration),
			zap.Int("max_iterations", maxIterations),
			zap.Int("carried_images", len(carryImages)))

		actions, err := r.controller.Step(ctx, prompt+progressNote(iteration, maxIterations), carryImages)
		if err != nil {
			if !isRecoverable(err) {
				return r.fail(rec, started, err)
			}
			// The model burned this iteration on output the parser could not
			// use; tell it so and move on without touching the sandbox.
			r.log.Warn("Discarding unusable model response.",
				zap.Int("iteration", iteration), zap.Error(err))
			prompt = r.controller.BuildFeedbackPrompt(fmt.Sprintf(parseFeedbackFormat, err))
			continue
		}

		batch, err := r.runBatch(ctx, iteration, actions)
		if err != nil {
			return r.fail(rec, started, err)
		}
		rec.VisualizationData = append(rec.VisualizationData, batch.frame)

		// Only the freshest view travels to the next prompt; the full image
		// set stays in the trace frame.
		carryImages = nil
		if len(batch.images) > 0 {
			carryImages = batch.images[len(batch.images)-1:]
		}

		if batch.done {
			rec.Status = schemas.StatusSuccess
			rec.TaskResult = batch.taskResult
			r.log.Info("Task completed.",
				zap.String("task", task.Name), zap.Int("iteration", iteration))
			break
		}

		prompt = r.controller.BuildFeedbackPrompt(batch.message)
	}

	if rec.Status == schemas.StatusIncomplete {
		r.log.Warn("Iteration budget exhausted before completion.",
			zap.String("task", task.Name), zap.Int("iterations", rec.Iterations))
	}
	return r.finish(rec, started), nil
}

// batchResult is one iteration's worth of sandbox work.
type batchResult struct {
	frame      schemas.TraceFrame
	message    string   // Newline-joined feedback of every executed action.
	images     []string // Every image the batch produced, in order.
	done       bool
	taskResult string
}

// runBatch executes the iteration's actions in order, stopping at the first
// done observation. Each executed browser action that is not itself a
// screenshot gets an implicit follow-up capture so the model sees what it
// did to the page.
func (r *Runner) runBatch(ctx context.Context, iteration int, actions []*schemas.Action) (*batchResult, error) {
	autoShot := r.cfg.Sandbox().ScreenshotOnAction
	b := &batchResult{
		frame: schemas.TraceFrame{Iteration: iteration, Think: r.controller.LastThink()},
	}

	var messages []string
	for _, act := range actions {
		obs, err := r.sandbox.Execute(ctx, act)
		if err != nil {
			return nil, err
		}
		r.controller.AddToolResult(act.CallID, obs.Message)
		messages = append(messages, obs.Message)

		var shot string
		if autoShot && act.IsBrowser() && act.Name != schemas.ActionBrowserScreenshot {
			img, status := r.sandbox.TakeScreenshot(ctx)
			if img == "" {
				r.log.Warn("Post-action screenshot failed.", zap.String("status", status))
			} else {
				shot = img
				b.images = append(b.images, img)
			}
		}
		if obs.Image != "" && !containsImage(b.images, obs.Image) {
			b.images = append(b.images, obs.Image)
		}
		if shot == "" {
			shot = obs.Image
		}

		b.frame.Actions = append(b.frame.Actions, schemas.TraceStep{
			Action:      act,
			Observation: obs.Message,
			Screenshot:  shot,
		})

		if obs.Done {
			b.done = true
			b.taskResult = obs.TaskResult
			break
		}
	}

	b.message = strings.Join(messages, "\n")
	return b, nil
}

// openStartPage loads the task's landing page before the first model call so
// iteration 1 begins from a known state. The navigation lands in the
// execution history like any other action; because the model never hears
// about it, a failure here is a setup fault rather than feedback.
func (r *Runner) openStartPage(ctx context.Context, url string) error {
	act, err := schemas.ValidateAction(schemas.ActionBrowserNavigate, map[string]interface{}{"url": url})
	if err != nil {
		return fmt.Errorf("invalid start URL action: %w", err)
	}
	obs, err := r.sandbox.Execute(ctx, act)
	if err != nil {
		return err
	}
	if strings.HasPrefix(obs.Message, "Failed to") || strings.HasPrefix(obs.Message, "Error:") {
		return fmt.Errorf("failed to open start page %s: %s", url, obs.Message)
	}
	r.log.Info("Start page loaded.", zap.String("url", url))
	return nil
}

// finish stamps the record with everything collected during the run.
func (r *Runner) finish(rec *schemas.ResultRecord, started time.Time) *schemas.ResultRecord {
	rec.Conversation = r.controller.History()
	rec.ExecutionTrace = r.sandbox.History()
	rec.NetworkLog = r.sandbox.CaptureLog()
	rec.APICostStats = r.controller.Usage()
	rec.ExecutionTime = time.Since(started).Seconds()
	return rec
}

func (r *Runner) fail(rec *schemas.ResultRecord, started time.Time, err error) (*schemas.ResultRecord, error) {
	rec.Status = schemas.StatusFailed
	rec.Error = err.Error()
	r.log.Error("Task run failed.", zap.String("task", rec.TaskName), zap.Error(err))
	return r.finish(rec, started), err
}

// progressNote renders the iteration counter appended to every outgoing
// prompt, plus the wrap-up directive when the budget is nearly spent.
func progressNote(iteration, max int) string {
	remaining := max - iteration
	if remaining < 0 {
		remaining = 0
	}
	note := fmt.Sprintf("\n\n[Progress update: iteration %d/%d. Remaining iterations: %d.]",
		iteration, max, remaining)
	if remaining <= 2 {
		note += wrapUpDirective
	}
	return note
}

// isRecoverable reports whether the model can fix the failure itself on a
// later iteration. Transport faults and context cancellation cannot be
// talked away.
func isRecoverable(err error) bool {
	return schemas.IsParseError(err) || schemas.IsValidationError(err)
}

func containsImage(images []string, img string) bool {
	for _, have := range images {
		if have == img {
			return true
		}
	}
	return false
}
