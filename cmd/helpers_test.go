// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/marionette/internal/config"
	"github.com/xkilldash9x/marionette/internal/observability"
)

// resetForTest silences the global logger before a command test runs. The
// logger initializes once per process, so claiming it here keeps the root
// command's own initialization from writing a log file into the tree.
func resetForTest(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{
		Level:       "fatal",
		Format:      "console",
		ServiceName: "test",
		LogFile:     "",
	})
}

// baseConfigYAML is the quiet baseline configuration for command tests.
const baseConfigYAML = `logger:
  level: fatal
  format: console
  log_file: ""
`

// writeConfigFile writes a config file into a fresh temp dir and returns its
// path. Tests always pass --config explicitly so nothing is picked up from
// the working directory or the home directory.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marionette.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// executeCommand runs a fresh root command and captures its combined output.
func executeCommand(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if stdin != nil {
		root.SetIn(stdin)
	}
	// Always a non-nil slice; cobra falls back to os.Args otherwise.
	root.SetArgs(append([]string{}, args...))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// sampleInstruction satisfies every lint the bundle validator applies.
const sampleInstruction = "Explore the demo shop, locate the hidden discount banner and report its code.\n\n## Output Format\nReply with <answer>CODE</answer> when you are done.\n"

// minimalTaskJSON builds a loadable task.json with just an instruction.
func minimalTaskJSON() string {
	return fmt.Sprintf(`{"instruction": %q}`, sampleInstruction)
}

// writeBundle creates a directory bundle with the given task.json content.
func writeBundle(t *testing.T, root, name, taskJSON string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "task.json"), []byte(taskJSON), 0o644))
	return dir
}
