// internal/sandbox/environment.go
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// errEnvironmentReady is the sentinel a readiness probe returns to win the
// race; it cancels the sibling probe through the errgroup context.
var errEnvironmentReady = errors.New("environment ready")

const (
	composeCommandTimeout = 120 * time.Second
	teardownTimeout       = 30 * time.Second
	healthPollInterval    = 5 * time.Second
)

// Environment manages the compose stack a task bundle brings along: build and
// start, stream the compose logs to a file, wait for readiness, tear down.
// Tasks without an environment section are a no-op.
type Environment struct {
	cfg    config.EnvironmentConfig
	logger *zap.Logger

	compose string
	overlay []string
	logPath string
	logFile *os.File
	logCmd  *exec.Cmd
}

func NewEnvironment(cfg config.EnvironmentConfig, logger *zap.Logger) *Environment {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Environment{cfg: cfg, logger: logger}
}

// Setup builds and starts the task's compose stack and blocks until it is
// ready. Failure to become ready within the budget is an irrecoverable setup
// error.
func (e *Environment) Setup(ctx context.Context, task *schemas.Task) error {
	if task.Environment == nil {
		e.logger.Debug("Task has no environment section; nothing to set up.")
		return nil
	}

	composeRel := task.Environment.ComposeFile
	if composeRel == "" {
		composeRel = e.cfg.ComposeFile
	}
	if composeRel == "" {
		composeRel = "docker-compose.yaml"
	}
	compose := composeRel
	if !filepath.IsAbs(compose) {
		compose = filepath.Join(task.Dir, compose)
	}
	if _, err := os.Stat(compose); err != nil {
		return fmt.Errorf("compose file not found: %s", compose)
	}
	e.compose = compose

	healthURL := task.Environment.HealthURL
	if healthURL == "" {
		healthURL = e.cfg.HealthURL
	}

	e.overlay = []string{
		fmt.Sprintf("TASK_DOCKER_IMAGE_NAME=task-%s:latest", task.Name),
		fmt.Sprintf("TASK_DOCKER_CONTAINER_NAME=task-%s-container", task.Name),
	}
	if port := hostPort(healthURL); port != "" {
		e.overlay = append(e.overlay, "HOST_PORT="+port)
	}

	e.logger.Info("Building and starting task environment.",
		zap.String("task", task.Name), zap.String("compose_file", compose))

	if err := e.runCompose(ctx, composeCommandTimeout, "build", "--no-cache"); err != nil {
		return err
	}
	if err := e.runCompose(ctx, composeCommandTimeout, "up", "-d"); err != nil {
		return err
	}
	if err := e.streamLogs(task.Name); err != nil {
		return err
	}

	return e.waitReady(ctx, task, healthURL)
}

// streamLogs pipes the compose log output into a file so the readiness
// follower and any postmortem can read it.
func (e *Environment) streamLogs(taskName string) error {
	logPath := e.cfg.ReadyLogPath
	if logPath == "" {
		logPath = filepath.Join(os.TempDir(), fmt.Sprintf("compose-%s.log", safeName(taskName)))
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create compose log file: %w", err)
	}

	cmd := exec.Command("docker", "compose", "-f", e.compose, "logs", "-f", "--no-color")
	cmd.Env = append(os.Environ(), e.overlay...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("failed to stream compose logs: %w", err)
	}

	e.logPath = logPath
	e.logFile = logFile
	e.logCmd = cmd
	return nil
}

func (e *Environment) waitReady(ctx context.Context, task *schemas.Task, healthURL string) error {
	pattern := task.Environment.ReadyPattern
	if pattern == "" {
		pattern = e.cfg.ReadyLogPattern
	}

	if healthURL == "" && pattern == "" {
		e.logger.Info("No readiness probe configured; assuming environment is up.")
		return nil
	}

	budget := e.cfg.HealthTimeout
	if task.Environment.ReadyTimeout > 0 {
		budget = time.Duration(task.Environment.ReadyTimeout * float64(time.Second))
	}
	if budget <= 0 {
		budget = 60 * time.Second
	}

	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	g, groupCtx := errgroup.WithContext(waitCtx)
	if healthURL != "" {
		g.Go(func() error { return e.pollHealth(groupCtx, healthURL) })
	}
	if pattern != "" {
		g.Go(func() error { return e.followLog(groupCtx, pattern) })
	}

	err := g.Wait()
	if errors.Is(err, errEnvironmentReady) {
		e.logger.Info("Docker environment ready")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("environment failed to become ready within %v", budget)
}

func (e *Environment) pollHealth(ctx context.Context, healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	waited := 0
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return errEnvironmentReady
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			waited += int(healthPollInterval / time.Second)
			e.logger.Info("Docker environment not ready yet. Waiting ...",
				zap.Int("waited_seconds", waited))
		}
	}
}

func (e *Environment) followLog(ctx context.Context, pattern string) error {
	t, err := tail.TailFile(e.logPath, tail.Config{
		Follow: true,
		ReOpen: true,
		Logger: tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail compose log: %w", err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return fmt.Errorf("compose log stream ended before the ready pattern appeared")
			}
			if line.Err != nil {
				e.logger.Warn("Error reading compose log.", zap.Error(line.Err))
				continue
			}
			if strings.Contains(line.Text, pattern) {
				e.logger.Debug("Ready pattern matched in compose log.", zap.String("line", line.Text))
				return errEnvironmentReady
			}
		}
	}
}

// Cleanup stops the log stream and takes the compose stack down, volumes
// included. Best-effort; the returned error is informational.
func (e *Environment) Cleanup(ctx context.Context) error {
	if e.logCmd != nil && e.logCmd.Process != nil {
		_ = e.logCmd.Process.Kill()
		_ = e.logCmd.Wait()
		e.logCmd = nil
	}
	if e.logFile != nil {
		_ = e.logFile.Close()
		e.logFile = nil
	}
	if e.compose == "" {
		e.logger.Debug("No environment to clean up.")
		return nil
	}

	e.logger.Info("Stopping task environment.", zap.String("compose_file", e.compose))
	if err := e.runCompose(ctx, teardownTimeout, "down", "-v"); err != nil {
		e.logger.Error("Failed to stop task environment.", zap.Error(err))
		return err
	}
	e.compose = ""
	return nil
}

// LogPath returns the compose log file location, empty until Setup streamed
// logs.
func (e *Environment) LogPath() string {
	return e.logPath
}

func (e *Environment) runCompose(ctx context.Context, timeout time.Duration, args ...string) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := append([]string{"compose", "-f", e.compose}, args...)
	cmd := exec.CommandContext(cctx, "docker", full...)
	cmd.Env = append(os.Environ(), e.overlay...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("docker compose %s timed out after %v", args[0], timeout)
		}
		return fmt.Errorf("docker compose %s failed: %v: %s",
			args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// hostPort pulls the port out of the health URL so compose files that
// parameterize their published port can pick it up.
func hostPort(healthURL string) string {
	if healthURL == "" {
		return ""
	}
	u, err := url.Parse(healthURL)
	if err != nil {
		return ""
	}
	return u.Port()
}

// safeName keeps a task name usable as a file name fragment.
func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
}
