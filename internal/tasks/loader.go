// internal/tasks/loader.go
package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/tools/txtar"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

const (
	bundleFile = "task.json"
	canaryFile = "canary.txt"
	txtarExt   = ".txtar"
)

// Loader reads task bundles. A bundle is either a directory containing
// task.json plus whatever files the task needs (compose file, eval script,
// fixtures), or a single txtar archive of the same layout.
type Loader struct {
	cfg config.TasksConfig
	log *zap.Logger
}

// NewLoader creates a loader over the configured tasks directory.
func NewLoader(cfg config.TasksConfig, logger *zap.Logger) *Loader {
	return &Loader{
		cfg: cfg,
		log: logger.Named("tasks"),
	}
}

// LoadAll loads every bundle under the tasks directory, in name order.
// Entries that are not loadable bundles are logged and skipped so one broken
// bundle cannot take the whole suite down.
func (l *Loader) LoadAll() ([]*schemas.Task, error) {
	dir, err := homedir.Expand(l.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tasks directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks directory %s: %w", dir, err)
	}

	var loaded []*schemas.Task
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasSuffix(entry.Name(), txtarExt) {
			continue
		}
		task, err := l.Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			l.log.Warn("Skipping bundle",
				zap.String("entry", entry.Name()),
				zap.Error(err))
			continue
		}
		loaded = append(loaded, task)
	}
	l.log.Info("Tasks loaded", zap.String("dir", dir), zap.Int("count", len(loaded)))
	return loaded, nil
}

// Load reads a single bundle from a directory or a txtar archive. The task is
// named after its bundle (directory base name, or archive file stem); a
// task_name inside task.json does not override that.
func (l *Loader) Load(path string) (*schemas.Task, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bundle path: %w", err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return nil, fmt.Errorf("task bundle not found: %w", err)
	}

	if info.IsDir() {
		return l.loadDir(expanded, filepath.Base(filepath.Clean(expanded)))
	}
	if strings.HasSuffix(expanded, txtarExt) {
		dir, err := unpackTxtar(expanded)
		if err != nil {
			return nil, err
		}
		return l.loadDir(dir, strings.TrimSuffix(filepath.Base(expanded), txtarExt))
	}
	return nil, fmt.Errorf("task bundle %s is neither a directory nor a %s archive", path, txtarExt)
}

func (l *Loader) loadDir(dir, name string) (*schemas.Task, error) {
	raw, err := os.ReadFile(filepath.Join(dir, bundleFile))
	if err != nil {
		return nil, fmt.Errorf("bundle %q has no readable %s: %w", name, bundleFile, err)
	}

	var task schemas.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("bundle %q has invalid %s: %w", name, bundleFile, err)
	}
	if strings.TrimSpace(task.Instruction) == "" {
		return nil, fmt.Errorf("bundle %q has no instruction", name)
	}

	task.Name = name
	task.Dir = dir

	canary, err := readCanary(dir)
	if err != nil {
		return nil, fmt.Errorf("bundle %q: %w", name, err)
	}
	task.Canary = canary

	l.log.Debug("Bundle loaded",
		zap.String("task", task.Name),
		zap.String("dir", dir),
		zap.Bool("has_eval", task.EvalScript != ""),
		zap.Bool("has_canary", task.Canary != ""))
	return &task, nil
}

// readCanary returns the trimmed contents of canary.txt. A missing file means
// the task is simply unkeyed; an existing but empty file is a broken bundle.
func readCanary(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, canaryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s: %w", canaryFile, err)
	}
	canary := strings.TrimSpace(string(raw))
	if canary == "" {
		return "", fmt.Errorf("%s exists but is empty", canaryFile)
	}
	return canary, nil
}

// unpackTxtar materializes an archive bundle into a scratch directory, since
// compose files and eval scripts have to exist as real files to run.
func unpackTxtar(path string) (string, error) {
	archive, err := txtar.ParseFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to parse archive %s: %w", path, err)
	}
	if len(archive.Files) == 0 {
		return "", fmt.Errorf("archive %s contains no files", path)
	}

	dir, err := os.MkdirTemp("", "marionette-task-*")
	if err != nil {
		return "", fmt.Errorf("failed to create bundle scratch dir: %w", err)
	}
	for _, f := range archive.Files {
		name := filepath.Clean(f.Name)
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("archive entry %q escapes the bundle", f.Name)
		}
		target := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("failed to unpack archive entry %q: %w", f.Name, err)
		}
		if err := os.WriteFile(target, f.Data, 0o644); err != nil {
			return "", fmt.Errorf("failed to unpack archive entry %q: %w", f.Name, err)
		}
	}
	return dir, nil
}
