// internal/sandbox/shell.go
package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

var errSessionDead = errors.New("shell session terminated unexpectedly")

// shellSession keeps one long-lived bash process per executor so state such as
// cwd, environment variables, and background jobs survives across commands.
// Output is captured by echoing a per-command sentinel after each command and
// reading lines until it appears. A dead session is restarted transparently
// and the command retried once.
type shellSession struct {
	workspace string
	timeout   time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
}

func newShellSession(cfg *config.SandboxConfig, logger *zap.Logger) *shellSession {
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &shellSession{
		workspace: cfg.Workspace,
		timeout:   timeout,
		logger:    logger,
	}
}

// Execute runs a command in the persistent session.
func (s *shellSession) Execute(ctx context.Context, p *schemas.ShellExecuteParams) (string, error) {
	if p.Command == "" {
		return "", fmt.Errorf("shell_execute requires 'command' parameter")
	}
	output, err := s.exec(ctx, p.Command)
	if err != nil {
		return "", err
	}
	if output == "" {
		return "Command executed successfully (no output)", nil
	}
	return output, nil
}

func (s *shellSession) exec(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		if err := s.start(); err != nil {
			return "", err
		}
	}

	out, err := s.run(ctx, command)
	if errors.Is(err, errSessionDead) {
		s.logger.Warn("Shell session died, starting a new one.")
		s.teardown()
		if startErr := s.start(); startErr != nil {
			return "", startErr
		}
		return s.run(ctx, command)
	}
	return out, err
}

func (s *shellSession) start() error {
	if err := os.MkdirAll(s.workspace, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace %s: %w", s.workspace, err)
	}

	cmd := exec.Command("bash")
	cmd.Dir = s.workspace
	// Orphaned children inherit the output pipe and can hold it open after
	// the shell itself is gone; bound the post-exit wait so a dead session's
	// readers always finish.
	cmd.WaitDelay = 100 * time.Millisecond
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = pw.Close()
		_ = pr.Close()
		return fmt.Errorf("failed to start shell session: %w", err)
	}

	lines := make(chan string, 256)
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	go func() {
		_ = cmd.Wait()
		_ = pw.Close()
	}()

	s.cmd = cmd
	s.stdin = stdin
	s.lines = lines
	s.logger.Debug("Started shell session.", zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (s *shellSession) run(ctx context.Context, command string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	sentinel := "__MARIONETTE_DONE_" + nonce + "_"
	payload := fmt.Sprintf("%s\necho \"%s$?\"\n", command, sentinel)

	if _, err := io.WriteString(s.stdin, payload); err != nil {
		return "", errSessionDead
	}

	var out []string
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return "", errSessionDead
			}
			// The sentinel can share a line with a command whose output has
			// no trailing newline.
			if idx := strings.Index(line, sentinel); idx >= 0 {
				if idx > 0 {
					out = append(out, line[:idx])
				}
				if code, err := strconv.Atoi(strings.TrimSpace(line[idx+len(sentinel):])); err == nil && code != 0 {
					s.logger.Debug("Shell command exited nonzero.", zap.Int("exit_code", code))
				}
				return strings.Join(out, "\n"), nil
			}
			out = append(out, line)
		case <-runCtx.Done():
			// The session's stdin state is unknown after an interrupted
			// command, so tear it down; the next call starts fresh.
			s.teardown()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("shell command timed out after %v", s.timeout)
		}
	}
}

func (s *shellSession) teardown() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.lines != nil {
		// Drain so the reader goroutine can finish.
		go func(ch <-chan string) {
			for range ch {
			}
		}(s.lines)
	}
	s.cmd = nil
	s.stdin = nil
	s.lines = nil
}

// Close terminates the underlying bash process, if any.
func (s *shellSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		s.logger.Debug("Closing shell session.")
	}
	s.teardown()
}
