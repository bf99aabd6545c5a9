// internal/sandbox/files.go
package sandbox

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

const maxFileChars = 5000

// fileTools implements the workspace file actions. Relative paths resolve
// against the configured workspace directory; messages echo the path exactly
// as the model sent it.
type fileTools struct {
	workspace string
	logger    *zap.Logger

	mu      sync.Mutex
	history map[string][]string // Editor undo stacks, keyed by resolved path.
}

func newFileTools(workspace string, logger *zap.Logger) *fileTools {
	return &fileTools{
		workspace: workspace,
		logger:    logger,
		history:   make(map[string][]string),
	}
}

// resolvePath anchors p at the workspace and rejects anything that escapes it,
// whether by absolute path or by .. traversal.
func (f *fileTools) resolvePath(p string) (string, error) {
	resolved := p
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(f.workspace, resolved)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(f.workspace, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the sandbox workspace: %s", p)
	}
	return resolved, nil
}

// Read returns a file's content, truncated past the observation cap.
func (f *fileTools) Read(p *schemas.FilePathParams) (string, error) {
	if p.Path == "" {
		return "", fmt.Errorf("file_read requires 'path' or 'file' parameter")
	}
	resolved, err := f.resolvePath(p.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	content := string(data)
	if total := len([]rune(content)); total > maxFileChars {
		return fmt.Sprintf("File content (first %d chars):\n%s\n... (truncated, total %d chars)",
			maxFileChars, truncateRunes(content, maxFileChars), total), nil
	}
	return "File content:\n" + content, nil
}

// Write creates or overwrites a file, creating parent directories as needed.
func (f *fileTools) Write(p *schemas.FileWriteParams) (string, error) {
	if p.Path == "" {
		return "", fmt.Errorf("file_write requires 'path' or 'file' parameter")
	}
	resolved, err := f.resolvePath(p.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully wrote to %s", p.Path), nil
}

// List names a directory's entries, capped at 50.
func (f *fileTools) List(p *schemas.FilePathParams) (string, error) {
	if p.Path == "" {
		return "", fmt.Errorf("file_list requires 'path' parameter")
	}
	resolved, err := f.resolvePath(p.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	shown := names
	if len(shown) > 50 {
		shown = shown[:50]
	}
	msg := fmt.Sprintf("Files in %s (%d items):\n", p.Path, len(names)) + strings.Join(shown, "\n")
	if len(names) > 50 {
		msg += fmt.Sprintf("\n... and %d more", len(names)-50)
	}
	return msg, nil
}

// Replace substitutes every occurrence of old_text in a file.
func (f *fileTools) Replace(p *schemas.ReplaceInFileParams) (string, error) {
	if p.File == "" {
		return "", fmt.Errorf("replace_in_file requires 'file' parameter")
	}
	if p.OldText == "" {
		return "", fmt.Errorf("replace_in_file requires 'old_text' or 'old_str' parameter")
	}
	resolved, err := f.resolvePath(p.File)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	content := string(data)
	if !strings.Contains(content, p.OldText) {
		return "", fmt.Errorf("old_text not found in %s", p.File)
	}
	updated := strings.ReplaceAll(content, p.OldText, p.NewText)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully replaced text in %s", p.File), nil
}

// Search counts regexp matches in a file.
func (f *fileTools) Search(p *schemas.SearchInFileParams) (string, error) {
	if p.File == "" {
		return "", fmt.Errorf("search_in_file requires 'file' parameter")
	}
	if p.Pattern == "" {
		return "", fmt.Errorf("search_in_file requires 'pattern' or 'regex' parameter")
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern '%s': %w", p.Pattern, err)
	}
	resolved, err := f.resolvePath(p.File)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	matches := re.FindAllStringIndex(string(data), -1)
	return fmt.Sprintf("Found %d matches for '%s' in %s", len(matches), p.Pattern, p.File), nil
}

// Find counts files under a directory whose name or relative path matches a
// glob pattern.
func (f *fileTools) Find(p *schemas.FindFilesParams) (string, error) {
	if p.Path == "" {
		return "", fmt.Errorf("find_files requires 'path' parameter")
	}
	if p.Glob == "" {
		return "", fmt.Errorf("find_files requires 'glob' parameter")
	}
	root, err := f.resolvePath(p.Path)
	if err != nil {
		return "", err
	}
	count := 0
	err = filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(p.Glob, entry.Name()); ok {
			count++
			return nil
		}
		if rel, rErr := filepath.Rel(root, path); rErr == nil {
			if ok, _ := filepath.Match(p.Glob, rel); ok {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Found %d files matching '%s'", count, p.Glob), nil
}

// ImageRead loads an image file and returns it base64-encoded alongside the
// status message, so the loop can attach it to the conversation.
func (f *fileTools) ImageRead(p *schemas.FilePathParams) (string, string, error) {
	if p.Path == "" {
		return "", "", fmt.Errorf("image_read requires 'path' or 'file' parameter")
	}
	resolved, err := f.resolvePath(p.Path)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", "", err
	}
	if len(data) == 0 {
		return "", "", fmt.Errorf("Failed to read image file: %s or file is empty", p.Path)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return fmt.Sprintf("Successfully read image from %s (%d bytes)", p.Path, len(data)), encoded, nil
}

// Editor implements the multi-command file editor: view, create, str_replace,
// insert, and undo_edit. Mutating commands snapshot the prior content so
// undo_edit can restore it.
func (f *fileTools) Editor(p *schemas.EditorParams) (string, error) {
	if p.Command == "" {
		return "", fmt.Errorf("str_replace_editor requires 'command' parameter")
	}
	if p.Path == "" {
		return "", fmt.Errorf("str_replace_editor requires 'path' parameter")
	}

	resolved, err := f.resolvePath(p.Path)
	if err != nil {
		return "", err
	}
	base := fmt.Sprintf("Editor command '%s' executed on %s", p.Command, p.Path)

	switch p.Command {
	case "view":
		content, err := f.editorView(p.Path, resolved, p.ViewRange)
		if err != nil {
			return "", err
		}
		if content == "" {
			return base, nil
		}
		return base + "\n" + content, nil

	case "create":
		if prev, err := os.ReadFile(resolved); err == nil {
			f.pushUndo(resolved, string(prev))
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(resolved, []byte(p.FileText), 0o644); err != nil {
			return "", err
		}
		return base, nil

	case "str_replace":
		if p.OldStr == "" {
			return "", fmt.Errorf("str_replace_editor: 'str_replace' requires 'old_str' parameter")
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", err
		}
		content := string(data)
		switch n := strings.Count(content, p.OldStr); {
		case n == 0:
			return "", fmt.Errorf("old_str not found in %s", p.Path)
		case n > 1:
			return "", fmt.Errorf("old_str occurs %d times in %s; it must match exactly once", n, p.Path)
		}
		f.pushUndo(resolved, content)
		updated := strings.Replace(content, p.OldStr, p.NewStr, 1)
		if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
			return "", err
		}
		return base, nil

	case "insert":
		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", err
		}
		content := string(data)
		lines := strings.Split(content, "\n")
		if p.InsertLine < 0 || p.InsertLine > len(lines) {
			return "", fmt.Errorf("insert_line %d is out of range (file has %d lines)", p.InsertLine, len(lines))
		}
		f.pushUndo(resolved, content)
		updated := make([]string, 0, len(lines)+1)
		updated = append(updated, lines[:p.InsertLine]...)
		updated = append(updated, p.NewStr)
		updated = append(updated, lines[p.InsertLine:]...)
		if err := os.WriteFile(resolved, []byte(strings.Join(updated, "\n")), 0o644); err != nil {
			return "", err
		}
		return base, nil

	case "undo_edit":
		prev, ok := f.popUndo(resolved)
		if !ok {
			return "", fmt.Errorf("no edit history for %s", p.Path)
		}
		if err := os.WriteFile(resolved, []byte(prev), 0o644); err != nil {
			return "", err
		}
		return base, nil

	default:
		return "", fmt.Errorf("str_replace_editor: invalid command '%s'. Valid commands: ['view', 'create', 'str_replace', 'insert', 'undo_edit']", p.Command)
	}
}

// editorView renders a file (optionally a line range) or a directory listing.
func (f *fileTools) editorView(path, resolved string, viewRange []int) (string, error) {
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return "", err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return strings.Join(names, "\n"), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	content := string(data)
	if len(viewRange) == 2 {
		lines := strings.Split(content, "\n")
		start, end := viewRange[0], viewRange[1]
		if start < 1 {
			start = 1
		}
		if end == -1 || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) {
			return "", fmt.Errorf("view_range start %d is past the end of %s (%d lines)", viewRange[0], path, len(lines))
		}
		if end < start {
			return "", fmt.Errorf("view_range [%d, %d] is invalid: end precedes start", viewRange[0], viewRange[1])
		}
		content = strings.Join(lines[start-1:end], "\n")
	}
	if len([]rune(content)) > maxFileChars {
		content = truncateRunes(content, maxFileChars) + "\n... (truncated)"
	}
	return content, nil
}

func (f *fileTools) pushUndo(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[path] = append(f.history[path], content)
}

func (f *fileTools) popUndo(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stack := f.history[path]
	if len(stack) == 0 {
		return "", false
	}
	content := stack[len(stack)-1]
	f.history[path] = stack[:len(stack)-1]
	return content, true
}
