package agentloop

import (
	"fmt"
	"strings"
)

// Step is a position in the session state machine.
type Step string

const (
	StepInit            Step = "init"
	StepClassification  Step = "classification"
	StepTemplateLoading Step = "template_loading"
	StepPlanningLoop    Step = "planning_loop"
	StepToolExecution   Step = "tool_execution"
	StepCompletion      Step = "completion"
	StepFailed          Step = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Step) Terminal() bool {
	return s == StepCompletion || s == StepFailed
}

// Resumable reports whether a checkpoint taken at s can be continued.
func (s Step) Resumable() bool {
	return s == StepPlanningLoop || s == StepToolExecution
}

// Mode selects how the loop decides a task is finished.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeInteractive Mode = "interactive"
	ModeAgentic     Mode = "agentic"
)

// ParseMode converts a user-supplied string into a Mode. Empty means auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeInteractive:
		return ModeInteractive, nil
	case ModeAgentic:
		return ModeAgentic, nil
	}
	return "", fmt.Errorf("unknown mode %q (want auto, interactive or agentic)", s)
}

// Outcome records how a session ended. It is empty while the session can
// still make progress.
type Outcome string

const (
	OutcomeCompleted            Outcome = "completed"
	OutcomeMaxIterationsReached Outcome = "max_iterations_reached"
	OutcomeFailed               Outcome = "failed"
)

// WorkflowState is the persisted position of a session.
type WorkflowState struct {
	Step            Step    `json:"step"`
	Mode            Mode    `json:"mode"`
	Iteration       int     `json:"iteration"`
	APICallCount    int     `json:"api_call_count"`
	TaskDescription string  `json:"task_description"`
	TaskType        string  `json:"task_type,omitempty"`
	SubmitCalled    bool    `json:"submit_called,omitempty"`
	Outcome         Outcome `json:"outcome,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// transition moves the state to step. Terminal states are final.
func (w *WorkflowState) transition(to Step) error {
	if w.Step.Terminal() {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrSessionTerminal, w.Step, to)
	}
	w.Step = to
	return nil
}
