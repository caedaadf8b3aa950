// Package config loads trustee's YAML configuration and maps it onto the
// settings the agent loop, tools and checkpoint store are built from.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/martinemde/trustee/agentloop"
	"github.com/martinemde/trustee/coretools"
	"github.com/martinemde/trustee/unifiedllm"
)

// DefaultFileName is looked up in the working directory when no path is
// given.
const DefaultFileName = "trustee.yaml"

// Backends that can serve provider calls.
const (
	BackendOpenAI = "openai"
	BackendGollm  = "gollm"
)

// Config is the top-level configuration file.
type Config struct {
	Provider   ProviderConfig   `yaml:"provider"`
	Session    SessionSettings  `yaml:"session"`
	Tools      ToolSettings     `yaml:"tools"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Templates  TemplateSettings `yaml:"templates"`
	EnvFiles   []string         `yaml:"env_files,omitempty"`

	// dir is the directory relative paths in the file resolve against.
	dir string
}

// ProviderConfig selects the model backend. API keys never live in the
// file; APIKeyEnv names the environment variable holding one.
type ProviderConfig struct {
	Backend   string `yaml:"backend"`
	Name      string `yaml:"name,omitempty"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
}

// RetrySettings mirrors unifiedllm.RetryPolicy.
type RetrySettings struct {
	MaxRetries          int           `yaml:"max_retries"`
	MaxMalformedRetries int           `yaml:"max_malformed_retries"`
	BaseDelay           time.Duration `yaml:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	Jitter              *bool         `yaml:"jitter,omitempty"`
}

// SessionSettings holds the turn loop settings.
type SessionSettings struct {
	Mode                string         `yaml:"mode"`
	MaxIterations       int            `yaml:"max_iterations"`
	CheckpointInterval  int            `yaml:"checkpoint_interval"`
	Temperature         *float64       `yaml:"temperature,omitempty"`
	MaxTokens           *int           `yaml:"max_tokens,omitempty"`
	Streaming           bool           `yaml:"streaming"`
	ProviderTimeout     time.Duration  `yaml:"provider_timeout"`
	ToolTimeout         time.Duration  `yaml:"tool_timeout"`
	ParallelToolCalls   bool           `yaml:"parallel_tool_calls"`
	CompletionMarker    string         `yaml:"completion_marker"`
	ContinuePrompt      string         `yaml:"continue_prompt,omitempty"`
	DefaultTaskType     string         `yaml:"default_task_type"`
	UserInstructions    string         `yaml:"user_instructions,omitempty"`
	LoopDetection       *bool          `yaml:"loop_detection,omitempty"`
	LoopDetectionWindow int            `yaml:"loop_detection_window"`
	ToolOutputLimits    map[string]int `yaml:"tool_output_limits,omitempty"`
	ToolLineLimits      map[string]int `yaml:"tool_line_limits,omitempty"`
	Retry               RetrySettings  `yaml:"retry"`
}

// ToolSettings configures the core tool set.
type ToolSettings struct {
	WorkingDir        string        `yaml:"working_dir,omitempty"`
	Confine           bool          `yaml:"confine"`
	ReadOnly          bool          `yaml:"read_only"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	MaxCommandTimeout time.Duration `yaml:"max_command_timeout"`
	SubmitToolName    string        `yaml:"submit_tool_name"`
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	Dir  string `yaml:"dir"`
	Keep int    `yaml:"keep"`
}

// TemplateSettings configures task classification and prompt templates.
type TemplateSettings struct {
	Dir        string   `yaml:"dir,omitempty"`
	Classifier string   `yaml:"classifier"` // "keyword" or "provider"
	Labels     []string `yaml:"labels,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	session := agentloop.DefaultSessionConfig()
	retry := unifiedllm.DefaultRetryPolicy()
	tools := coretools.DefaultOptions()
	return &Config{
		Provider: ProviderConfig{
			Backend:   BackendOpenAI,
			Model:     "gpt-4o",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Session: SessionSettings{
			Mode:                string(session.Mode),
			MaxIterations:       session.MaxIterations,
			CheckpointInterval:  session.CheckpointInterval,
			ProviderTimeout:     session.ProviderTimeout,
			ToolTimeout:         session.ToolTimeout,
			CompletionMarker:    session.CompletionMarker,
			DefaultTaskType:     session.DefaultTaskType,
			LoopDetectionWindow: session.LoopDetectionWindow,
			Retry: RetrySettings{
				MaxRetries:          retry.MaxRetries,
				MaxMalformedRetries: retry.MaxMalformedRetries,
				BaseDelay:           seconds(retry.BaseDelay),
				MaxDelay:            seconds(retry.MaxDelay),
				BackoffMultiplier:   retry.BackoffMultiplier,
			},
		},
		Tools: ToolSettings{
			Confine:           true,
			CommandTimeout:    tools.CommandTimeout,
			MaxCommandTimeout: tools.MaxCommandTimeout,
			SubmitToolName:    tools.SubmitToolName,
		},
		Checkpoint: CheckpointConfig{
			Dir: filepath.Join(".trustee", "checkpoints"),
		},
		Templates: TemplateSettings{
			Classifier: "keyword",
		},
		EnvFiles: []string{".env"},
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Load reads the file at path over the defaults, then loads its env files.
// An empty path uses DefaultFileName when it exists and the defaults
// otherwise.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		cfg.dir = filepath.Dir(abs)
	case os.IsNotExist(err) && !explicit:
		cfg.dir, _ = os.Getwd()
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.loadEnvFiles()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// loadEnvFiles loads each env file that exists. Variables already set in
// the environment win.
func (c *Config) loadEnvFiles() {
	for _, name := range c.EnvFiles {
		path := c.resolve(name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Warn("Could not load env file", "path", path, "error", err)
		}
	}
}

func (c *Config) resolve(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider.Backend {
	case BackendOpenAI, BackendGollm:
	default:
		errs = append(errs, fmt.Errorf("provider.backend must be %q or %q, got %q", BackendOpenAI, BackendGollm, c.Provider.Backend))
	}
	if c.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required"))
	}
	switch c.Templates.Classifier {
	case "keyword":
	case "provider":
		if len(c.Templates.Labels) == 0 {
			errs = append(errs, errors.New("templates.labels is required with the provider classifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("templates.classifier must be keyword or provider, got %q", c.Templates.Classifier))
	}
	if c.Checkpoint.Keep < 0 {
		errs = append(errs, errors.New("checkpoint.keep must not be negative"))
	}
	if _, err := c.SessionConfig(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SessionConfig maps the file onto the agent loop's configuration.
func (c *Config) SessionConfig() (agentloop.SessionConfig, error) {
	s := c.Session
	mode, err := agentloop.ParseMode(s.Mode)
	if err != nil {
		return agentloop.SessionConfig{}, err
	}

	cfg := agentloop.DefaultSessionConfig()
	cfg.Mode = mode
	cfg.Provider = c.ProviderName()
	cfg.Model = c.Provider.Model
	cfg.MaxIterations = s.MaxIterations
	cfg.CheckpointInterval = s.CheckpointInterval
	cfg.Temperature = s.Temperature
	cfg.MaxTokens = s.MaxTokens
	cfg.Streaming = s.Streaming
	cfg.ProviderTimeout = s.ProviderTimeout
	cfg.ToolTimeout = s.ToolTimeout
	cfg.ParallelToolCalls = s.ParallelToolCalls
	cfg.CompletionMarker = s.CompletionMarker
	cfg.SubmitToolName = c.Tools.SubmitToolName
	cfg.ContinuePrompt = s.ContinuePrompt
	cfg.DefaultTaskType = s.DefaultTaskType
	cfg.WorkingDir = c.WorkingDir()
	cfg.UserInstructions = s.UserInstructions
	cfg.ToolOutputLimits = s.ToolOutputLimits
	cfg.ToolLineLimits = s.ToolLineLimits
	if s.LoopDetection != nil {
		cfg.EnableLoopDetection = *s.LoopDetection
	}
	cfg.LoopDetectionWindow = s.LoopDetectionWindow
	cfg.Retry = c.RetryPolicy()

	if err := cfg.Validate(); err != nil {
		return agentloop.SessionConfig{}, err
	}
	return cfg, nil
}

// RetryPolicy returns the provider retry policy.
func (c *Config) RetryPolicy() unifiedllm.RetryPolicy {
	r := c.Session.Retry
	policy := unifiedllm.RetryPolicy{
		MaxRetries:          r.MaxRetries,
		MaxMalformedRetries: r.MaxMalformedRetries,
		BaseDelay:           r.BaseDelay.Seconds(),
		MaxDelay:            r.MaxDelay.Seconds(),
		BackoffMultiplier:   r.BackoffMultiplier,
		Jitter:              true,
	}
	if r.Jitter != nil {
		policy.Jitter = *r.Jitter
	}
	return policy
}

// ToolOptions returns the core tool options.
func (c *Config) ToolOptions() coretools.Options {
	return coretools.Options{
		CommandTimeout:    c.Tools.CommandTimeout,
		MaxCommandTimeout: c.Tools.MaxCommandTimeout,
		SubmitToolName:    c.Tools.SubmitToolName,
		ReadOnly:          c.Tools.ReadOnly,
	}
}

// WorkingDir returns the directory tools operate in.
func (c *Config) WorkingDir() string {
	if c.Tools.WorkingDir == "" {
		if c.dir != "" {
			return c.dir
		}
		wd, _ := os.Getwd()
		return wd
	}
	return c.resolve(c.Tools.WorkingDir)
}

// CheckpointDir returns the checkpoint root.
func (c *Config) CheckpointDir() string {
	return c.resolve(c.Checkpoint.Dir)
}

// TemplateDir returns the template override directory, or "".
func (c *Config) TemplateDir() string {
	if c.Templates.Dir == "" {
		return ""
	}
	return c.resolve(c.Templates.Dir)
}

// ProviderName is the name requests are attributed to.
func (c *Config) ProviderName() string {
	if c.Provider.Name != "" {
		return c.Provider.Name
	}
	return c.Provider.Backend
}

// APIKey reads the provider key from the environment.
func (c *Config) APIKey() string {
	if c.Provider.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Provider.APIKeyEnv)
}

// NewProvider builds the configured provider backend.
func (c *Config) NewProvider() (unifiedllm.ProviderAdapter, error) {
	key := c.APIKey()
	if key == "" && c.Provider.APIKeyEnv != "" && c.Provider.BaseURL == "" {
		return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("environment variable %s is not set", c.Provider.APIKeyEnv),
		}}
	}

	switch c.Provider.Backend {
	case BackendOpenAI:
		return unifiedllm.NewOpenAIAdapter(unifiedllm.OpenAIConfig{
			Name:    c.ProviderName(),
			APIKey:  key,
			BaseURL: c.Provider.BaseURL,
			Model:   c.Provider.Model,
		}), nil
	case BackendGollm:
		opts := []unifiedllm.GollmAdapterOption{unifiedllm.WithModel(c.Provider.Model)}
		if c.Session.MaxTokens != nil {
			opts = append(opts, unifiedllm.WithMaxTokens(*c.Session.MaxTokens))
		}
		if c.Session.Temperature != nil {
			opts = append(opts, unifiedllm.WithTemperature(*c.Session.Temperature))
		}
		name := c.Provider.Name
		if name == "" {
			name = unifiedllm.InferProvider(c.Provider.Model)
		}
		return unifiedllm.NewGollmAdapter(name, key, opts...)
	}
	return nil, fmt.Errorf("unknown provider backend %q", c.Provider.Backend)
}

// NewLifecycle builds the template lifecycle, using provider for
// classification when configured to.
func (c *Config) NewLifecycle(provider unifiedllm.ProviderAdapter) *agentloop.TemplateLifecycle {
	var classifier agentloop.Classifier
	if c.Templates.Classifier == "provider" && provider != nil {
		classifier = &agentloop.ProviderClassifier{Provider: provider, Model: c.Provider.Model, Labels: c.Templates.Labels}
	}
	return agentloop.NewTemplateLifecycle(classifier, c.TemplateDir())
}
