package agentloop

import "errors"

var (
	// ErrSessionBusy is returned when Run or Resume is called while the
	// session is already running.
	ErrSessionBusy = errors.New("session is already running")

	// ErrSessionStarted is returned when Run is called on a session that
	// has already run. Use Resume to continue a session.
	ErrSessionStarted = errors.New("session has already started")

	// ErrSessionTerminal is returned when resuming or advancing a session
	// that has already completed or failed.
	ErrSessionTerminal = errors.New("session is in a terminal state")

	// ErrIncompleteCheckpoint is returned when resuming a checkpoint taken
	// before the planning loop started.
	ErrIncompleteCheckpoint = errors.New("checkpoint was taken before the planning loop started")

	// ErrUnclassified is returned by classifiers that cannot pick a task type.
	ErrUnclassified = errors.New("task could not be classified")
)

// TemplateError reports a template that could not be loaded or rendered.
// It is always fatal to the session.
type TemplateError struct {
	Name string
	Err  error
}

func (e *TemplateError) Error() string {
	return "template " + e.Name + ": " + e.Err.Error()
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}
