// internal/sandbox/code.go
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// codeTools runs model-provided snippets through a configured interpreter,
// with a tree-sitter syntax check in front so obviously broken code gets
// feedback without burning an interpreter run.
type codeTools struct {
	workspace      string
	languages      map[string][]string
	defaultTimeout time.Duration
	logger         *zap.Logger
}

func newCodeTools(cfg *config.SandboxConfig, logger *zap.Logger) *codeTools {
	timeout := cfg.CodeTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &codeTools{
		workspace:      cfg.Workspace,
		languages:      cfg.Languages,
		defaultTimeout: timeout,
		logger:         logger,
	}
}

// canonicalLanguage folds the aliases models tend to send onto the configured
// language keys.
func canonicalLanguage(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", "python", "python3", "py":
		return "python"
	case "javascript", "js", "node", "nodejs":
		return "javascript"
	case "bash", "sh", "shell":
		return "bash"
	default:
		return strings.ToLower(strings.TrimSpace(language))
	}
}

func (c *codeTools) argv(language string) ([]string, error) {
	lang := canonicalLanguage(language)
	if argv, ok := c.languages[lang]; ok && len(argv) > 0 {
		return argv, nil
	}
	switch lang {
	case "python":
		return []string{"python3", "-c"}, nil
	case "javascript":
		return []string{"node", "-e"}, nil
	case "bash":
		return []string{"bash", "-lc"}, nil
	}
	return nil, fmt.Errorf("unsupported language '%s'", language)
}

// Execute runs the snippet and assembles stdout and stderr into the
// observation message.
func (c *codeTools) Execute(ctx context.Context, p *schemas.CodeExecuteParams) (string, error) {
	if p.Code == "" {
		return "", fmt.Errorf("code_execute requires 'code' parameter")
	}
	language := p.Language
	if language == "" {
		language = "python"
	}
	argv, err := c.argv(language)
	if err != nil {
		return "", err
	}

	if msg := c.preflight(ctx, language, p.Code); msg != "" {
		return msg, nil
	}

	timeout := c.defaultTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout * float64(time.Second))
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), argv[1:]...), p.Code)
	cmd := exec.CommandContext(runCtx, argv[0], args...)
	cmd.Dir = c.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return "", fmt.Errorf("code execution timed out after %v", timeout)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	status := "success"
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("failed to run %s: %w", argv[0], runErr)
		}
		status = fmt.Sprintf("exit %d", exitErr.ExitCode())
	}
	c.logger.Debug("Code execution finished.",
		zap.String("language", language),
		zap.String("status", status),
		zap.Duration("elapsed", time.Since(start)),
	)

	var parts []string
	if out := strings.TrimRight(stdout.String(), " \t\r\n"); out != "" {
		parts = append(parts, out)
	}
	if errOut := strings.TrimRight(stderr.String(), " \t\r\n"); errOut != "" {
		parts = append(parts, "[stderr]\n"+errOut)
	}
	message := strings.Join(parts, "\n")
	if message == "" {
		message = fmt.Sprintf("Code executed: status=%s", status)
	}
	return message, nil
}

// preflight parses the snippet with the matching tree-sitter grammar. A parse
// tree with errors produces feedback instead of an interpreter run; languages
// without a bundled grammar skip the check.
func (c *codeTools) preflight(ctx context.Context, language, code string) string {
	var lang *sitter.Language
	canonical := canonicalLanguage(language)
	switch canonical {
	case "python":
		lang = python.GetLanguage()
	case "javascript":
		lang = javascript.GetLanguage()
	case "bash":
		lang = bash.GetLanguage()
	default:
		return ""
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, []byte(code))
	if err != nil {
		c.logger.Debug("Syntax preflight parse failed; running code anyway.", zap.Error(err))
		return ""
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return ""
	}
	line := int(root.StartPoint().Row) + 1
	if errNode := firstSyntaxError(root); errNode != nil {
		line = int(errNode.StartPoint().Row) + 1
	}
	c.logger.Debug("Syntax preflight rejected code.",
		zap.String("language", canonical), zap.Int("line", line))
	return fmt.Sprintf("Syntax error in %s code near line %d; fix the snippet and retry.", canonical, line)
}

func firstSyntaxError(n *sitter.Node) *sitter.Node {
	if n.Type() == "ERROR" {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstSyntaxError(n.Child(i)); found != nil {
			return found
		}
	}
	return n
}
