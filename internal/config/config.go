// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Controller() ControllerConfig
	Sandbox() SandboxConfig
	Runner() RunnerConfig
	Results() ResultsConfig
	Tasks() TasksConfig
	Contrib() ContribConfig
	Viewer() ViewerConfig

	// Runner Setters
	SetRunnerMaxIterations(int)

	// Controller Setters
	SetControllerProvider(string)
	SetControllerModel(string)
	SetControllerNativeTools(bool)

	// Sandbox Setters
	SetSandboxWorkspace(string)
	SetSandboxHeadless(bool)
	SetSandboxCaptureEnabled(bool)

	// Results Setters
	SetResultsOutputDir(string)
	SetResultsCompress(bool)

	// Tasks Setters
	SetTasksDir(string)
}

// Config holds the entire application configuration. Fields are exported so
// viper can unmarshal into them; callers go through the Interface getters.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	ControllerCfg ControllerConfig `mapstructure:"controller" yaml:"controller"`
	SandboxCfg    SandboxConfig    `mapstructure:"sandbox" yaml:"sandbox"`
	RunnerCfg     RunnerConfig     `mapstructure:"runner" yaml:"runner"`
	ResultsCfg    ResultsConfig    `mapstructure:"results" yaml:"results"`
	TasksCfg      TasksConfig      `mapstructure:"tasks" yaml:"tasks"`
	ContribCfg    ContribConfig    `mapstructure:"contrib" yaml:"contrib"`
	ViewerCfg     ViewerConfig     `mapstructure:"viewer" yaml:"viewer"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Controller() ControllerConfig { return c.ControllerCfg }
func (c *Config) Sandbox() SandboxConfig       { return c.SandboxCfg }
func (c *Config) Runner() RunnerConfig         { return c.RunnerCfg }
func (c *Config) Results() ResultsConfig       { return c.ResultsCfg }
func (c *Config) Tasks() TasksConfig           { return c.TasksCfg }
func (c *Config) Contrib() ContribConfig       { return c.ContribCfg }
func (c *Config) Viewer() ViewerConfig         { return c.ViewerCfg }

// --- Interface Method Implementations (Setters) ---

// Runner Setters
func (c *Config) SetRunnerMaxIterations(n int) { c.RunnerCfg.MaxIterations = n }

// Controller Setters
func (c *Config) SetControllerProvider(p string)  { c.ControllerCfg.Provider = Provider(p) }
func (c *Config) SetControllerModel(m string)     { c.ControllerCfg.Model = m }
func (c *Config) SetControllerNativeTools(b bool) { c.ControllerCfg.NativeTools = b }

// Sandbox Setters
func (c *Config) SetSandboxWorkspace(dir string)   { c.SandboxCfg.Workspace = dir }
func (c *Config) SetSandboxHeadless(b bool)        { c.SandboxCfg.Headless = b }
func (c *Config) SetSandboxCaptureEnabled(b bool)  { c.SandboxCfg.Capture.Enabled = b }

// Results Setters
func (c *Config) SetResultsOutputDir(dir string) { c.ResultsCfg.OutputDir = dir }
func (c *Config) SetResultsCompress(b bool)      { c.ResultsCfg.Compress = b }

// Tasks Setters
func (c *Config) SetTasksDir(dir string) { c.TasksCfg.Dir = dir }

// Provider identifies which model API adapter the controller talks to.
type Provider string

const (
	ProviderOpenAI Provider = "openai" // OpenAI-compatible chat completions endpoint.
	ProviderGemini Provider = "gemini" // Google Gemini via the genai SDK.
)

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ControllerConfig tunes the model controller: which provider and model to
// talk to and how persistently to recover from malformed responses.
type ControllerConfig struct {
	Provider        Provider      `mapstructure:"provider" yaml:"provider"`
	Model           string        `mapstructure:"model" yaml:"model"`
	APIKey          string        `mapstructure:"api_key" yaml:"-"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout      time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxParseRetries int           `mapstructure:"max_parse_retries" yaml:"max_parse_retries"`
	NativeTools     bool          `mapstructure:"native_tools" yaml:"native_tools"`
	Temperature     float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
}

// CaptureConfig configures the intercepting proxy that records sandbox
// network traffic for the run artifacts.
type CaptureConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr         string `mapstructure:"addr" yaml:"addr"`
	CACert       string `mapstructure:"ca_cert" yaml:"ca_cert"`
	CAKey        string `mapstructure:"ca_key" yaml:"ca_key"`
	MaxBodyBytes int    `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// EnvironmentConfig describes the managed task environment: an optional
// compose stack plus the readiness signals to wait on before the run.
type EnvironmentConfig struct {
	ComposeFile     string        `mapstructure:"compose_file" yaml:"compose_file"`
	HealthURL       string        `mapstructure:"health_url" yaml:"health_url"`
	HealthTimeout   time.Duration `mapstructure:"health_timeout" yaml:"health_timeout"`
	ReadyLogPath    string        `mapstructure:"ready_log_path" yaml:"ready_log_path"`
	ReadyLogPattern string        `mapstructure:"ready_log_pattern" yaml:"ready_log_pattern"`
}

// SandboxConfig holds settings for the action executor and its backends.
type SandboxConfig struct {
	Workspace          string              `mapstructure:"workspace" yaml:"workspace"`
	Headless           bool                `mapstructure:"headless" yaml:"headless"`
	BrowserArgs        []string            `mapstructure:"browser_args" yaml:"browser_args"`
	Viewport           map[string]int      `mapstructure:"viewport" yaml:"viewport"`
	OpTimeout          time.Duration       `mapstructure:"op_timeout" yaml:"op_timeout"`
	CodeTimeout        time.Duration       `mapstructure:"code_timeout" yaml:"code_timeout"`
	Languages          map[string][]string `mapstructure:"languages" yaml:"languages"`
	ScreenshotOnAction bool                `mapstructure:"screenshot_on_action" yaml:"screenshot_on_action"`
	Capture            CaptureConfig       `mapstructure:"capture" yaml:"capture"`
	Environment        EnvironmentConfig   `mapstructure:"environment" yaml:"environment"`
}

// RunnerConfig bounds the agent loop.
type RunnerConfig struct {
	MaxIterations int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	EvalTimeout   time.Duration `mapstructure:"eval_timeout" yaml:"eval_timeout"`
}

// ReceiptConfig configures signed run receipts.
type ReceiptConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Secret  string        `mapstructure:"secret" yaml:"-"`
	Issuer  string        `mapstructure:"issuer" yaml:"issuer"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// ResultsConfig controls where and how run artifacts are persisted.
type ResultsConfig struct {
	OutputDir   string        `mapstructure:"output_dir" yaml:"output_dir"`
	Compress    bool          `mapstructure:"compress" yaml:"compress"`
	DatabaseURL string        `mapstructure:"database_url" yaml:"-"`
	JUnitPath   string        `mapstructure:"junit_path" yaml:"junit_path"`
	Receipt     ReceiptConfig `mapstructure:"receipt" yaml:"receipt"`
}

// TasksConfig controls where task definitions come from.
type TasksConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	RepoURL  string `mapstructure:"repo_url" yaml:"repo_url"`
	RepoRef  string `mapstructure:"repo_ref" yaml:"repo_ref"`
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`
}

// GitConfig defines the committer identity.
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
}

// GitHubConfig defines the configuration for GitHub integration.
type GitHubConfig struct {
	Token      string `mapstructure:"token" yaml:"-"`
	RepoOwner  string `mapstructure:"repo_owner" yaml:"repo_owner"`
	RepoName   string `mapstructure:"repo_name" yaml:"repo_name"`
	BaseBranch string `mapstructure:"base_branch" yaml:"base_branch"`
}

// ContribConfig holds settings for contributing recorded runs back to a
// shared task repository.
type ContribConfig struct {
	Enabled bool         `mapstructure:"enabled" yaml:"enabled"`
	Git     GitConfig    `mapstructure:"git" yaml:"git"`
	GitHub  GitHubConfig `mapstructure:"github" yaml:"github"`
}

// ViewerConfig configures the local result viewer.
type ViewerConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "marionette")
	v.SetDefault("logger.log_file", "marionette.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Controller --
	v.SetDefault("controller.provider", "openai")
	v.SetDefault("controller.model", "gpt-4.1")
	v.SetDefault("controller.api_timeout", "120s")
	v.SetDefault("controller.max_parse_retries", 2)
	v.SetDefault("controller.native_tools", true)
	v.SetDefault("controller.temperature", 0.0)
	v.SetDefault("controller.max_tokens", 4096)
	v.SetDefault("controller.rate_limit_rps", 2.0)

	// -- Sandbox --
	v.SetDefault("sandbox.workspace", "/home/gem")
	v.SetDefault("sandbox.headless", true)
	v.SetDefault("sandbox.viewport", map[string]int{"width": 1280, "height": 720})
	v.SetDefault("sandbox.op_timeout", "60s")
	v.SetDefault("sandbox.code_timeout", "60s")
	v.SetDefault("sandbox.screenshot_on_action", true)
	v.SetDefault("sandbox.languages", map[string][]string{
		"python":     {"python3", "-c"},
		"javascript": {"node", "-e"},
		"bash":       {"bash", "-lc"},
	})
	v.SetDefault("sandbox.capture.enabled", false)
	v.SetDefault("sandbox.capture.addr", "127.0.0.1:0")
	v.SetDefault("sandbox.capture.max_body_bytes", 1<<20)
	v.SetDefault("sandbox.environment.health_timeout", "60s")
	v.SetDefault("sandbox.environment.ready_log_pattern", "ready")

	// -- Runner --
	v.SetDefault("runner.max_iterations", 10)
	v.SetDefault("runner.eval_timeout", "120s")

	// -- Results --
	v.SetDefault("results.output_dir", "results")
	v.SetDefault("results.compress", false)
	v.SetDefault("results.receipt.enabled", false)
	v.SetDefault("results.receipt.issuer", "marionette")
	v.SetDefault("results.receipt.ttl", "720h")

	// -- Tasks --
	v.SetDefault("tasks.dir", "tasks")
	v.SetDefault("tasks.repo_ref", "main")
	v.SetDefault("tasks.cache_dir", "~/.marionette/tasks")

	// -- Contrib --
	v.SetDefault("contrib.enabled", false)
	v.SetDefault("contrib.git.author_name", "marionette-bot")
	v.SetDefault("contrib.git.author_email", "bot@marionette.dev")
	v.SetDefault("contrib.github.base_branch", "main")

	// -- Viewer --
	v.SetDefault("viewer.addr", "127.0.0.1:8931")
	v.SetDefault("viewer.read_timeout", "10s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("controller.api_key", "MARIONETTE_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("contrib.github.token", "MARIONETTE_GH_TOKEN")
	v.BindEnv("results.database_url", "MARIONETTE_DATABASE_URL")
	v.BindEnv("results.receipt.secret", "MARIONETTE_RECEIPT_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the token if Unmarshal didn't pick it up
	if cfg.ContribCfg.Enabled && cfg.ContribCfg.GitHub.Token == "" {
		cfg.ContribCfg.GitHub.Token = os.Getenv("MARIONETTE_GH_TOKEN")
	}

	// A retry budget below one would disable the first attempt entirely.
	if cfg.ControllerCfg.MaxParseRetries < 1 {
		cfg.ControllerCfg.MaxParseRetries = 1
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.ControllerCfg.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("controller.provider must be one of: openai, gemini")
	}
	if c.ControllerCfg.Model == "" {
		return fmt.Errorf("controller.model is a required configuration field")
	}
	if c.RunnerCfg.MaxIterations <= 0 {
		return fmt.Errorf("runner.max_iterations must be a positive integer")
	}
	if w, h := c.SandboxCfg.Viewport["width"], c.SandboxCfg.Viewport["height"]; w <= 0 || h <= 0 {
		return fmt.Errorf("sandbox.viewport width and height must be positive integers")
	}
	if c.SandboxCfg.OpTimeout <= 0 {
		return fmt.Errorf("sandbox.op_timeout must be a positive duration")
	}
	if err := c.ContribCfg.Validate(); err != nil {
		return fmt.Errorf("contrib configuration invalid: %w", err)
	}
	if err := c.ResultsCfg.Receipt.Validate(); err != nil {
		return fmt.Errorf("results.receipt configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the Contrib configuration.
func (c *ContribConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.GitHub.RepoOwner == "" || c.GitHub.RepoName == "" || c.GitHub.BaseBranch == "" {
		return fmt.Errorf("github.repo_owner, github.repo_name, and github.base_branch are required")
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("GitHub token is required but not found. Ensure MARIONETTE_GH_TOKEN is set")
	}
	return nil
}

// Validate checks the receipt signing settings.
func (r *ReceiptConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Secret == "" {
		return fmt.Errorf("signing secret is required but not found. Ensure MARIONETTE_RECEIPT_SECRET is set")
	}
	if r.TTL <= 0 {
		return fmt.Errorf("ttl must be a positive duration")
	}
	return nil
}
