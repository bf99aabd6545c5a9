// File: cmd/tasks_test.go
package cmd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksListCmd(t *testing.T) {
	tasksDir := t.TempDir()
	writeBundle(t, tasksDir, "demo-task", minimalTaskJSON())
	cfgFile := writeConfigFile(t, baseConfigYAML+fmt.Sprintf("tasks:\n  dir: %q\n", tasksDir))

	out, err := executeCommand(t, nil, "--config", cfgFile, "tasks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "demo-task")
	assert.Contains(t, out, "Explore the demo shop")
	assert.Contains(t, out, "1 bundle(s) in "+tasksDir)
}

func TestTasksListCmdEmptyDirectory(t *testing.T) {
	tasksDir := t.TempDir()
	cfgFile := writeConfigFile(t, baseConfigYAML+fmt.Sprintf("tasks:\n  dir: %q\n", tasksDir))

	out, err := executeCommand(t, nil, "--config", cfgFile, "tasks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No task bundles found")
}

// TestTasksListCmdDirFlag verifies --dir overrides the configured directory.
func TestTasksListCmdDirFlag(t *testing.T) {
	configuredDir := t.TempDir()
	flagDir := t.TempDir()
	writeBundle(t, flagDir, "flagged-task", minimalTaskJSON())
	cfgFile := writeConfigFile(t, baseConfigYAML+fmt.Sprintf("tasks:\n  dir: %q\n", configuredDir))

	out, err := executeCommand(t, nil, "--config", cfgFile, "tasks", "list", "--dir", flagDir)
	require.NoError(t, err)
	assert.Contains(t, out, "flagged-task")
}

func TestTasksValidateCmd(t *testing.T) {
	tasksDir := t.TempDir()
	writeBundle(t, tasksDir, "clean-task", minimalTaskJSON())
	writeBundle(t, tasksDir, "broken-task", "{not json")
	cfgFile := writeConfigFile(t, baseConfigYAML+fmt.Sprintf("tasks:\n  dir: %q\n", tasksDir))

	out, err := executeCommand(t, nil, "--config", cfgFile, "tasks", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed for 1 bundle(s)")
	assert.Contains(t, out, "clean-task: ok")
	assert.Contains(t, out, "[error]")
	assert.Contains(t, out, "2 bundle(s) checked, 1 with errors.")
}

// TestTasksValidateCmdWarningsPass verifies warnings are reported but do not
// fail the command.
func TestTasksValidateCmdWarningsPass(t *testing.T) {
	tasksDir := t.TempDir()
	bundle := writeBundle(t, tasksDir, "terse-task", `{"instruction": "Do the thing."}`)
	cfgFile := writeConfigFile(t, baseConfigYAML)

	out, err := executeCommand(t, nil, "--config", cfgFile, "tasks", "validate", bundle)
	require.NoError(t, err)
	assert.Contains(t, out, "[warning]")
	assert.Contains(t, out, "1 bundle(s) checked, 0 with errors.")
}

func TestTasksValidateCmdEmptyDirectory(t *testing.T) {
	tasksDir := t.TempDir()
	cfgFile := writeConfigFile(t, baseConfigYAML+fmt.Sprintf("tasks:\n  dir: %q\n", tasksDir))

	_, err := executeCommand(t, nil, "--config", cfgFile, "tasks", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no task bundles found")
}

func TestTasksFetchCmdRequiresRepoURL(t *testing.T) {
	cfgFile := writeConfigFile(t, baseConfigYAML)

	_, err := executeCommand(t, nil, "--config", cfgFile, "tasks", "fetch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no task repository configured")
}
