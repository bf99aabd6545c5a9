package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// Shell tests stay sequential: each one verifies its own goroutines are gone,
// which only works while no sibling test is mid-flight.

func newTestShell(t *testing.T, timeout time.Duration) *shellSession {
	t.Helper()
	cfg := testSandboxConfig(t)
	if timeout > 0 {
		cfg.OpTimeout = timeout
	}
	return newShellSession(cfg, zap.NewNop())
}

func TestShellExecuteOutput(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestShell(t, 0)
	defer s.Close()
	ctx := context.Background()

	out, err := s.Execute(ctx, &schemas.ShellExecuteParams{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = s.Execute(ctx, &schemas.ShellExecuteParams{Command: "printf 'l1\\nl2\\n'"})
	require.NoError(t, err)
	assert.Equal(t, "l1\nl2", out)

	out, err = s.Execute(ctx, &schemas.ShellExecuteParams{Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, "Command executed successfully (no output)", out)
}

func TestShellOutputWithoutTrailingNewline(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestShell(t, 0)
	defer s.Close()

	// The completion marker lands on the same pipe line as the unterminated
	// output and must be split off.
	out, err := s.Execute(context.Background(), &schemas.ShellExecuteParams{Command: "printf 'abc'"})
	require.NoError(t, err)
	assert.Equal(t, "abc", out)
}

func TestShellStatePersists(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestShell(t, 0)
	defer s.Close()
	ctx := context.Background()

	_, err := s.Execute(ctx, &schemas.ShellExecuteParams{Command: "export MARIONETTE_TEST=persisted"})
	require.NoError(t, err)
	out, err := s.Execute(ctx, &schemas.ShellExecuteParams{Command: "echo $MARIONETTE_TEST"})
	require.NoError(t, err)
	assert.Equal(t, "persisted", out)

	_, err = s.Execute(ctx, &schemas.ShellExecuteParams{Command: "mkdir -p sub && cd sub"})
	require.NoError(t, err)
	out, err = s.Execute(ctx, &schemas.ShellExecuteParams{Command: `basename "$PWD"`})
	require.NoError(t, err)
	assert.Equal(t, "sub", out)
}

func TestShellNonzeroExitKeepsOutput(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestShell(t, 0)
	defer s.Close()

	out, err := s.Execute(context.Background(), &schemas.ShellExecuteParams{Command: "echo boom; exit 7"})
	require.NoError(t, err)
	assert.Equal(t, "boom", out)
}

func TestShellTimeoutRestartsSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestShell(t, 300*time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	_, err := s.Execute(ctx, &schemas.ShellExecuteParams{Command: "sleep 5"})
	require.EqualError(t, err, "shell command timed out after 300ms")

	// The interrupted session was torn down; the next command gets a fresh one.
	out, err := s.Execute(ctx, &schemas.ShellExecuteParams{Command: "echo back"})
	require.NoError(t, err)
	assert.Equal(t, "back", out)
}

func TestShellContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestShell(t, 0)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, &schemas.ShellExecuteParams{Command: "sleep 5"})
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return after cancellation")
	}
}

func TestShellSurvivesSessionDeath(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestShell(t, 0)
	defer s.Close()
	ctx := context.Background()

	out, err := s.Execute(ctx, &schemas.ShellExecuteParams{Command: "echo first"})
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	// Killing the process loses the session; the one retry hits a session that
	// dies again, so the error surfaces.
	_, err = s.Execute(ctx, &schemas.ShellExecuteParams{Command: "kill -9 $$"})
	require.ErrorIs(t, err, errSessionDead)

	out, err = s.Execute(ctx, &schemas.ShellExecuteParams{Command: "echo alive"})
	require.NoError(t, err)
	assert.Equal(t, "alive", out)
}

func TestShellValidationAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestShell(t, 0)

	_, err := s.Execute(context.Background(), &schemas.ShellExecuteParams{})
	require.EqualError(t, err, "shell_execute requires 'command' parameter")

	// Close before any session exists is a no-op, and twice is fine.
	s.Close()
	s.Close()

	out, err := s.Execute(context.Background(), &schemas.ShellExecuteParams{Command: "echo after"})
	require.NoError(t, err)
	assert.Equal(t, "after", out)
	s.Close()
}
