package agentloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/martinemde/trustee/unifiedllm"
)

// InputFunc supplies the next user message in interactive mode. It is given
// the assistant's latest reply. Returning "" or io.EOF ends the session.
type InputFunc func(ctx context.Context, assistantText string) (string, error)

// SessionConfig holds configuration for a session.
type SessionConfig struct {
	Mode                   Mode                   `json:"mode"`
	Provider               string                 `json:"provider,omitempty"`
	Model                  string                 `json:"model,omitempty"`
	MaxIterations          int                    `json:"max_iterations"`
	CheckpointInterval     int                    `json:"checkpoint_interval"`
	Temperature            *float64               `json:"temperature,omitempty"`
	MaxTokens              *int                   `json:"max_tokens,omitempty"`
	Streaming              bool                   `json:"streaming"`
	ProviderTimeout        time.Duration          `json:"provider_timeout"`
	ToolTimeout            time.Duration          `json:"tool_timeout"`
	Retry                  unifiedllm.RetryPolicy `json:"-"`
	ParallelToolCalls      bool                   `json:"parallel_tool_calls"`
	CompletionMarker       string                 `json:"completion_marker"`
	SubmitToolName         string                 `json:"submit_tool_name"`
	ContinuePrompt         string                 `json:"continue_prompt"`
	DefaultTaskType        string                 `json:"default_task_type"`
	WorkingDir             string                 `json:"working_dir,omitempty"`
	UserInstructions       string                 `json:"user_instructions,omitempty"` // appended last to the system prompt
	ToolOutputLimits       map[string]int         `json:"tool_output_limits,omitempty"`
	ToolLineLimits         map[string]int         `json:"tool_line_limits,omitempty"`
	EnableLoopDetection    bool                   `json:"enable_loop_detection"`
	LoopDetectionWindow    int                    `json:"loop_detection_window"`
	FinalCheckpointTimeout time.Duration          `json:"final_checkpoint_timeout"`
	Input                  InputFunc              `json:"-"`
}

const defaultContinuePrompt = "Continue working on the task. When it is fully done, reply with %s or call the %s tool."

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Mode:                   ModeAuto,
		MaxIterations:          50,
		CheckpointInterval:     5,
		ProviderTimeout:        120 * time.Second,
		ToolTimeout:            30 * time.Second,
		Retry:                  unifiedllm.DefaultRetryPolicy(),
		CompletionMarker:       "<task_complete/>",
		SubmitToolName:         "submit",
		DefaultTaskType:        "general",
		EnableLoopDetection:    true,
		LoopDetectionWindow:    10,
		FinalCheckpointTimeout: 10 * time.Second,
	}
}

// Validate reports configuration that the loop cannot run with.
func (c SessionConfig) Validate() error {
	var errs []error
	if _, err := ParseMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if c.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations))
	}
	if c.CheckpointInterval <= 0 {
		errs = append(errs, fmt.Errorf("checkpoint_interval must be positive, got %d", c.CheckpointInterval))
	}
	if c.ProviderTimeout < 0 || c.ToolTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.EnableLoopDetection && c.LoopDetectionWindow <= 0 {
		errs = append(errs, fmt.Errorf("loop_detection_window must be positive, got %d", c.LoopDetectionWindow))
	}
	return errors.Join(errs...)
}

func (c SessionConfig) continuePrompt() string {
	if c.ContinuePrompt != "" {
		return c.ContinuePrompt
	}
	return fmt.Sprintf(defaultContinuePrompt, c.CompletionMarker, c.SubmitToolName)
}
