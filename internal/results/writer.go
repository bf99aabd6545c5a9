// internal/results/writer.go
package results

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

const (
	recordSuffix = ".json"
	traceSuffix  = ".trace.json.br"
)

// Writer persists run records to the output directory, one JSON file per
// task. When compression is enabled it additionally writes the visualization
// trace as a brotli-compressed sibling, which matters because the trace
// carries every screenshot of the run.
type Writer struct {
	dir      string
	compress bool
	log      *zap.Logger
}

// NewWriter creates a writer rooted at the configured output directory.
func NewWriter(cfg config.ResultsConfig, logger *zap.Logger) *Writer {
	return &Writer{
		dir:      cfg.OutputDir,
		compress: cfg.Compress,
		log:      logger.Named("results"),
	}
}

// Write persists the record as <output_dir>/<task_name>.json and returns the
// path of the file it wrote. The record is written whole, including the
// conversation and the visualization trace, so a run can be replayed from
// the file alone.
func (w *Writer) Write(rec *schemas.ResultRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("cannot persist a nil result record")
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", w.dir, err)
	}

	stem := fileStem(rec.TaskName)
	path := filepath.Join(w.dir, stem+recordSuffix)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize result for task %q: %w", rec.TaskName, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write result file %s: %w", path, err)
	}
	w.log.Debug("Result persisted",
		zap.String("task", rec.TaskName),
		zap.String("file", path),
		zap.Int("bytes", len(data)))

	if w.compress && len(rec.VisualizationData) > 0 {
		tracePath := filepath.Join(w.dir, stem+traceSuffix)
		if err := w.writeTrace(tracePath, rec.VisualizationData); err != nil {
			return "", err
		}
	}
	return path, nil
}

// writeTrace stores the visualization frames as brotli-compressed JSON. The
// frames are mostly base64 PNG data, which brotli shrinks considerably.
func (w *Writer) writeTrace(path string, frames []schemas.TraceFrame) error {
	data, err := json.Marshal(frames)
	if err != nil {
		return fmt.Errorf("failed to serialize visualization trace: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trace archive %s: %w", path, err)
	}

	bw := brotli.NewWriter(f)
	if _, err := bw.Write(data); err != nil {
		_ = bw.Close()
		_ = f.Close()
		return fmt.Errorf("failed to compress visualization trace: %w", err)
	}
	// The brotli writer must be closed to flush its final block before the
	// file handle goes away.
	if err := bw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to finalize trace archive %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close trace archive %s: %w", path, err)
	}

	w.log.Debug("Trace archive written",
		zap.String("file", path),
		zap.Int("uncompressed_bytes", len(data)))
	return nil
}

// RunInfo is a lightweight summary of one persisted run, used for listings.
type RunInfo struct {
	TaskName   string            `json:"task_name"`
	Status     schemas.RunStatus `json:"status"`
	Model      string            `json:"model,omitempty"`
	Iterations int               `json:"iterations"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   float64           `json:"execution_time"`
	EvalPassed *bool             `json:"eval_passed,omitempty"`
	EvalScore  *float64          `json:"eval_score,omitempty"`
	File       string            `json:"file"`
}

// List summarizes every result file in the directory, most recent run first.
// Unreadable or non-result files are skipped rather than failing the listing.
func List(dir string) ([]RunInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read results directory %s: %w", dir, err)
	}

	var infos []RunInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		rec, err := Load(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		info := RunInfo{
			TaskName:   rec.TaskName,
			Status:     rec.Status,
			Model:      rec.Model,
			Iterations: rec.Iterations,
			StartedAt:  rec.StartedAt,
			Duration:   rec.ExecutionTime,
			File:       name,
		}
		if rec.Eval != nil {
			passed := rec.Eval.Passed
			score := rec.Eval.Score
			info.EvalPassed = &passed
			info.EvalScore = &score
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos, nil
}

// Load reads one persisted run record back from disk.
func Load(path string) (*schemas.ResultRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read result file %s: %w", path, err)
	}
	var rec schemas.ResultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse result file %s: %w", path, err)
	}
	return &rec, nil
}

// fileStem maps a task name to a safe file name. Path separators and shell
// metacharacters collapse to a dash so a hostile task name cannot escape the
// output directory.
func fileStem(name string) string {
	stem := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, name)
	stem = strings.Trim(stem, ".-")
	if stem == "" {
		return "task"
	}
	return stem
}
