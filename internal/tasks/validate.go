// internal/tasks/validate.go
package tasks

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// Severity classifies a validation issue. Errors make a bundle unrunnable;
// warnings flag conventions a well-formed bundle is expected to follow.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding for a bundle.
type Issue struct {
	Severity Severity
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s", i.Severity, i.Message)
}

var (
	bundleNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	canaryPattern     = regexp.MustCompile(`^[0-9a-f]{16}$`)
	scriptExtensions  = []string{".py", ".sh", ".js"}
)

// Validate checks a loaded bundle and reports everything it finds rather
// than stopping at the first problem. An empty result means the bundle is
// clean.
func Validate(task *schemas.Task) []Issue {
	if task == nil {
		return []Issue{{SeverityError, "no task to validate"}}
	}

	var issues []Issue
	fail := func(format string, args ...interface{}) {
		issues = append(issues, Issue{SeverityError, fmt.Sprintf(format, args...)})
	}
	warn := func(format string, args ...interface{}) {
		issues = append(issues, Issue{SeverityWarning, fmt.Sprintf(format, args...)})
	}

	if task.Name == "" {
		fail("task has no name")
	} else if !bundleNamePattern.MatchString(task.Name) {
		warn("task name %q is not lowercase alphanumeric with ._- separators", task.Name)
	}

	if instruction := strings.TrimSpace(task.Instruction); instruction == "" {
		fail("instruction is empty")
	} else {
		if len(instruction) < 50 {
			warn("instruction seems too short (< 50 characters)")
		}
		if !strings.Contains(instruction, "Output Format") {
			warn("instruction has no Output Format section")
		}
		if !strings.Contains(instruction, "<answer>") {
			warn("instruction has no <answer> tag example")
		}
	}

	if task.MaxIterations < 0 {
		fail("max_iterations cannot be negative")
	}

	if task.StartURL != "" {
		if u, err := url.Parse(task.StartURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			fail("start_url %q is not a valid http(s) URL", task.StartURL)
		}
	}

	validateEnvironment(task, fail, warn)
	validateEval(task, fail, warn)
	validateCanary(task, warn)

	return issues
}

func validateEnvironment(task *schemas.Task, fail, warn func(string, ...interface{})) {
	env := task.Environment
	if env == nil {
		return
	}

	if env.ComposeFile == "" {
		fail("environment requires a compose_file")
	} else if task.Dir != "" {
		if _, err := os.Stat(filepath.Join(task.Dir, env.ComposeFile)); err != nil {
			fail("compose file %q is not in the bundle", env.ComposeFile)
		}
	}
	if env.ReadyTimeout < 0 {
		fail("environment ready_timeout cannot be negative")
	}
	if env.HealthURL != "" {
		if u, err := url.Parse(env.HealthURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			fail("environment health_url %q is not a valid http(s) URL", env.HealthURL)
		}
	}
	if env.HealthURL == "" && env.ReadyPattern == "" {
		warn("environment defines neither health_url nor ready_pattern; readiness falls back to configured defaults")
	}
}

func validateEval(task *schemas.Task, fail, warn func(string, ...interface{})) {
	if task.EvalScript == "" {
		return
	}

	argv := strings.Fields(task.EvalScript)
	if len(argv) == 0 {
		fail("eval_script is blank")
		return
	}
	if task.Dir == "" {
		return
	}
	// Tokens that look like bundle files should exist; a grading script the
	// bundle forgot to ship is the most common authoring mistake.
	for _, token := range argv {
		if !looksLikeScript(token) {
			continue
		}
		if _, err := os.Stat(filepath.Join(task.Dir, token)); err != nil {
			warn("eval script references %q which is not in the bundle", token)
		}
	}
}

func looksLikeScript(token string) bool {
	if strings.Contains(token, "/") {
		return true
	}
	for _, ext := range scriptExtensions {
		if strings.HasSuffix(token, ext) {
			return true
		}
	}
	return false
}

func validateCanary(task *schemas.Task, warn func(string, ...interface{})) {
	if task.Canary == "" {
		return
	}

	if !canaryPattern.MatchString(task.Canary) {
		warn("canary is not 16 lowercase hex characters")
		return
	}
	// By convention the canary is the truncated digest of the task name, so a
	// copied bundle with a stale canary is detectable.
	sum := sha256.Sum256([]byte(task.Name))
	if expected := hex.EncodeToString(sum[:])[:16]; task.Canary != expected {
		warn("canary does not match the task name hash")
	}
}

// HasErrors reports whether any issue in the list is a hard error.
func HasErrors(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}
