// File: internal/agent/eval.go
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// defaultEvalTimeout bounds an evaluation script when the config leaves the
// budget unset.
const defaultEvalTimeout = 2 * time.Minute

// evalVerdict is the JSON contract an evaluation script prints on stdout.
// Score is optional; when absent it is derived from the pass flag.
type evalVerdict struct {
	Passed  bool     `json:"passed"`
	Score   *float64 `json:"score"`
	Details string   `json:"details"`
}

// RunEval grades a finished run with the task's evaluation script: the
// result record goes to the script as JSON on stdin, the verdict comes back
// as JSON on stdout. Tasks without a script produce no record at all. A
// script that exits non-zero or prints garbage is a failed evaluation, not
// an error; only a script that cannot run to completion is.
func (r *Runner) RunEval(ctx context.Context, task *schemas.Task, result *schemas.ResultRecord) (*schemas.EvalRecord, error) {
	if task.EvalScript == "" {
		r.log.Debug("Task has no evaluation script.", zap.String("task", task.Name))
		return nil, nil
	}

	argv := strings.Fields(task.EvalScript)
	if len(argv) == 0 {
		return nil, fmt.Errorf("task %q has a blank evaluation script", task.Name)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result for evaluation: %w", err)
	}

	timeout := r.cfg.Runner().EvalTimeout
	if timeout <= 0 {
		timeout = defaultEvalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = task.Dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Anything the script spawned can hold the output pipes open after the
	// script itself is gone; bound the post-exit wait so grading always
	// finishes.
	cmd.WaitDelay = time.Second

	r.log.Info("Running evaluation script.",
		zap.String("task", task.Name), zap.String("script", task.EvalScript))

	runErr := cmd.Run()
	if errors.Is(runErr, exec.ErrWaitDelay) {
		// The script exited cleanly; whatever was written before the pipe
		// was abandoned is the whole verdict.
		runErr = nil
	}

	rec := &schemas.EvalRecord{
		TaskName: task.Name,
		RawJSON:  strings.TrimSpace(stdout.String()),
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("evaluation script did not finish within %s: %w", timeout, ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("failed to run evaluation script: %w", runErr)
		}
		rec.ExitCode = exitErr.ExitCode()
		rec.Details = strings.TrimSpace(stderr.String())
		if rec.Details == "" {
			rec.Details = runErr.Error()
		}
		r.log.Warn("Evaluation script exited non-zero.",
			zap.String("task", task.Name), zap.Int("exit_code", rec.ExitCode))
		return rec, nil
	}

	var v evalVerdict
	if err := json.Unmarshal([]byte(rec.RawJSON), &v); err != nil {
		rec.Details = "evaluation script did not produce a JSON verdict"
		r.log.Warn("Unparseable evaluation output.",
			zap.String("task", task.Name),
			zap.String("stdout", truncateForLog(rec.RawJSON, 200)))
		return rec, nil
	}

	rec.Passed = v.Passed
	rec.Details = v.Details
	switch {
	case v.Score != nil:
		rec.Score = *v.Score
	case v.Passed:
		rec.Score = 1.0
	}

	r.log.Info("Evaluation finished.",
		zap.String("task", task.Name),
		zap.Bool("passed", rec.Passed),
		zap.Float64("score", rec.Score))
	return rec, nil
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
