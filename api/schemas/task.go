// api/schemas/task.go
package schemas

import (
	"time"
)

// RunStatus is the terminal status of a task run. Exhausting the iteration
// budget is a normal, non-error outcome and maps to StatusIncomplete.
type RunStatus string

const (
	StatusSuccess    RunStatus = "success"    // The agent signalled completion.
	StatusIncomplete RunStatus = "incomplete" // The iteration budget ran out first.
	StatusFailed     RunStatus = "failed"     // Setup or an unrecoverable fault ended the run.
)

// TaskEnvironment describes the container environment a task bundle brings
// along. Readiness is judged by the health URL, the log pattern, or both.
type TaskEnvironment struct {
	ComposeFile  string  `json:"compose_file,omitempty"`  // Compose file path relative to the bundle dir.
	HealthURL    string  `json:"health_url,omitempty"`    // Polled until it answers 200.
	ReadyPattern string  `json:"ready_pattern,omitempty"` // Substring awaited in the compose log stream.
	ReadyTimeout float64 `json:"ready_timeout,omitempty"` // Seconds; zero uses the configured default.
}

// Task is one unit of work handed to the agent: an instruction, an optional
// container environment and an optional scripted evaluation.
type Task struct {
	Name          string            `json:"task_name"`
	Instruction   string            `json:"instruction"`
	Dir           string            `json:"-"`                       // Bundle directory on disk; set by the loader.
	StartURL      string            `json:"start_url,omitempty"`     // Page loaded before the first iteration.
	MaxIterations int               `json:"max_iterations,omitempty"` // Overrides the configured budget when positive.
	Environment   *TaskEnvironment  `json:"environment,omitempty"`
	EvalScript    string            `json:"eval_script,omitempty"` // Script whose JSON stdout grades the run.
	Canary        string            `json:"-"`                     // Receipt signing key; never serialized.
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Observation is the sandbox's report for one executed action. Done is true
// only for the completion action; execution failures come back as non-done
// observations with the failure in Message.
type Observation struct {
	Done       bool   `json:"done"`
	Message    string `json:"message"`
	Image      string `json:"image,omitempty"`       // Base64 PNG produced by the action, if any.
	TaskResult string `json:"task_result,omitempty"` // Verbatim result payload of the completion action.
}

// ExecutionEntry is one action/observation pair of the execution trace.
type ExecutionEntry struct {
	Action      *Action     `json:"action"`
	Observation Observation `json:"result"`
	Timestamp   time.Time   `json:"timestamp"`
}

// NetworkExchange is one request/response pair recorded by the capture proxy
// sitting in front of the managed browser.
type NetworkExchange struct {
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type,omitempty"`
	BodySize    int64     `json:"body_size"`
	StartedAt   time.Time `json:"started_at"`
}

// TraceStep is one executed action in the visualization trace: what ran,
// the feedback it produced, and the screenshot that goes with it (the
// implicit post-action capture, or the image the action itself returned).
type TraceStep struct {
	Action      *Action `json:"action"`
	Observation string  `json:"observation"`
	Screenshot  string  `json:"screenshot,omitempty"`
}

// TraceFrame is one iteration of the visualization trace. It is independent
// of the model conversation: every image the iteration produced is kept here
// even though only the last one is carried forward to the next prompt.
type TraceFrame struct {
	Iteration int         `json:"iteration"`
	Think     string      `json:"think,omitempty"`
	Actions   []TraceStep `json:"actions"`
}

// UsageSummary is the cumulative accounting block of a run. Totals only ever
// grow; clearing conversation history does not reset them.
type UsageSummary struct {
	TotalCostUSD      float64 `json:"total_cost_usd"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	TotalCachedTokens int     `json:"total_cached_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	APICalls          int     `json:"api_calls"`
	Model             string  `json:"model"`
}

// ResultRecord is the durable outcome of one task run.
type ResultRecord struct {
	TaskName          string            `json:"task_name,omitempty"`
	Model             string            `json:"model,omitempty"`
	Status            RunStatus         `json:"status"`
	Iterations        int               `json:"iterations"`
	Conversation      []Turn            `json:"conversation"`
	ExecutionTrace    []ExecutionEntry  `json:"execution_trace"`
	VisualizationData []TraceFrame      `json:"visualization_data"`
	NetworkLog        []NetworkExchange `json:"network_log,omitempty"`
	TaskResult        string            `json:"task_result,omitempty"`
	APICostStats      *UsageSummary     `json:"api_cost_stats,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	ExecutionTime     float64           `json:"execution_time"` // Wall-clock seconds.
	Error             string            `json:"error,omitempty"`
	Eval              *EvalRecord       `json:"eval,omitempty"` // Attached after grading, when the task has a script.
}

// EvalRecord is the outcome of a scripted evaluation run after a task. A task
// without an evaluation script produces no record at all.
type EvalRecord struct {
	TaskName string  `json:"task_name"`
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score"`
	Details  string  `json:"details,omitempty"`
	RawJSON  string  `json:"raw_json,omitempty"` // The script's stdout, kept verbatim.
	ExitCode int     `json:"exit_code"`
	Receipt  string  `json:"receipt,omitempty"` // Signed attestation when the task carries a canary key.
}
