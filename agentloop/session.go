package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/trustee/unifiedllm"
)

const tracerName = "github.com/martinemde/trustee/agentloop"

const interruptedToolMessage = "Tool call was interrupted before it completed. Re-run it if the result is still needed."

// Result is what Run and Resume return, whether the session completed,
// failed or was cancelled.
type Result struct {
	SessionID          string
	State              WorkflowState
	Conversation       []unifiedllm.Message
	FinalText          string
	Usage              unifiedllm.Usage
	CheckpointSequence int // last checkpoint written, 0 if none
}

// ExitCode maps the result onto a process exit status: 0 when the session
// reached Completion (including the iteration limit), 1 otherwise.
func (r *Result) ExitCode() int {
	if r != nil && r.State.Step == StepCompletion {
		return 0
	}
	return 1
}

// Session drives one task through the turn loop: classify, render the
// opening prompts, then alternate provider calls and tool execution until
// the task completes, fails or runs out of iterations.
type Session struct {
	id         string
	provider   unifiedllm.ProviderAdapter
	lifecycle  Lifecycle
	registry   *ToolRegistry
	dispatcher *ToolDispatcher
	store      CheckpointStore
	config     SessionConfig
	emitter    *EventEmitter
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu                      sync.Mutex
	running                 bool
	state                   WorkflowState
	conversation            []unifiedllm.Message
	steeringQueue           []string
	usage                   unifiedllm.Usage
	lastCheckpointIteration int
	lastSequence            int
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithCheckpointStore enables checkpointing to store.
func WithCheckpointStore(store CheckpointStore) SessionOption {
	return func(s *Session) { s.store = store }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithEventBuffer sets the size of the event channel buffer.
func WithEventBuffer(n int) SessionOption {
	return func(s *Session) { s.emitter = NewEventEmitter(s.id, n) }
}

// WithTracer sets the tracer used for session, provider, tool and
// checkpoint spans.
func WithTracer(t trace.Tracer) SessionOption {
	return func(s *Session) { s.tracer = t }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession creates a session. A nil config means DefaultSessionConfig.
func NewSession(provider unifiedllm.ProviderAdapter, lifecycle Lifecycle, registry *ToolRegistry, config *SessionConfig, opts ...SessionOption) *Session {
	cfg := DefaultSessionConfig()
	if config != nil {
		cfg = *config
	}
	if registry == nil {
		registry = NewToolRegistry()
	}

	s := &Session{
		id:                      uuid.New().String(),
		provider:                provider,
		lifecycle:               lifecycle,
		registry:                registry,
		config:                  cfg,
		logger:                  slog.Default(),
		tracer:                  otel.Tracer(tracerName),
		now:                     time.Now,
		lastCheckpointIteration: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.emitter == nil {
		s.emitter = NewEventEmitter(s.id, 256)
	}
	s.emitter.setSessionID(s.id)
	s.dispatcher = NewToolDispatcher(registry,
		WithToolTimeout(cfg.ToolTimeout),
		WithOutputLimits(cfg.ToolOutputLimits, cfg.ToolLineLimits),
		WithDispatcherLogger(s.logger),
		WithDispatcherTracer(s.tracer),
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns a copy of the workflow state.
func (s *Session) State() WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns a copy of the conversation so far.
func (s *Session) Conversation() []unifiedllm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.conversation)
}

// Events returns the event channel for the host application.
func (s *Session) Events() <-chan SessionEvent {
	return s.emitter.Events()
}

// Steer queues a user message to be added before the next provider call.
func (s *Session) Steer(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steeringQueue = append(s.steeringQueue, message)
}

// Close closes the event channel. The session must not be running.
func (s *Session) Close() {
	s.emitter.Close()
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSessionBusy
	}
	s.running = true
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// Run starts the task from scratch. The returned Result is non-nil
// whenever the session started; the error is non-nil when it failed or
// ctx was cancelled.
func (s *Session) Run(ctx context.Context, task string) (*Result, error) {
	if err := s.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	s.mu.Lock()
	if s.state.Step != "" {
		s.mu.Unlock()
		return nil, ErrSessionStarted
	}
	s.state = WorkflowState{Step: StepInit, Mode: s.config.Mode, TaskDescription: task}
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "agentloop.session", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("session.mode", string(s.config.Mode)),
	))
	defer span.End()

	s.logger.Info("Session started", "session_id", s.id, "mode", s.config.Mode, "model", s.config.Model)
	s.emitter.Emit(EventSessionStart, map[string]any{"task": task, "mode": string(s.config.Mode)})

	taskType := s.classify(ctx, task)
	if err := s.loadTemplates(ctx, task, taskType); err != nil {
		if ctx.Err() != nil {
			return s.cancelled(ctx, span)
		}
		return s.fail(ctx, span, err)
	}
	return s.loop(ctx, span)
}

// Resume continues a session from a checkpoint. Classification and
// template loading are not repeated; tool calls the checkpoint left
// unanswered are answered with an interrupted error result.
func (s *Session) Resume(ctx context.Context, cp *Checkpoint) (*Result, error) {
	if cp == nil {
		return nil, errors.New("resume: nil checkpoint")
	}
	if cp.State.Step.Terminal() {
		return nil, fmt.Errorf("%w: session %s ended in %s", ErrSessionTerminal, cp.SessionID, cp.State.Step)
	}
	if !cp.State.Step.Resumable() {
		return nil, fmt.Errorf("%w (step %s)", ErrIncompleteCheckpoint, cp.State.Step)
	}
	if err := s.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	s.mu.Lock()
	s.id = cp.SessionID
	s.state = cp.State
	if s.state.Mode == "" {
		s.state.Mode = s.config.Mode
	}
	s.conversation = cloneMessages(cp.Conversation)
	s.lastCheckpointIteration = cp.State.Iteration
	s.lastSequence = cp.Sequence
	s.mu.Unlock()
	s.emitter.setSessionID(cp.SessionID)

	ctx, span := s.tracer.Start(ctx, "agentloop.session", trace.WithAttributes(
		attribute.String("session.id", cp.SessionID),
		attribute.String("session.mode", string(s.state.Mode)),
		attribute.Int("session.resumed_from", cp.Sequence),
	))
	defer span.End()

	s.logger.Info("Session resumed", "session_id", cp.SessionID, "sequence", cp.Sequence, "iteration", cp.State.Iteration, "step", cp.State.Step)
	s.emitter.Emit(EventSessionStart, map[string]any{
		"task":      cp.State.TaskDescription,
		"mode":      string(s.state.Mode),
		"resumed":   true,
		"sequence":  cp.Sequence,
		"iteration": cp.State.Iteration,
	})

	if err := unifiedllm.ValidateConversation(s.conversation); err != nil {
		return s.fail(ctx, span, fmt.Errorf("checkpoint conversation is inconsistent: %w", err))
	}

	if pending := unifiedllm.PendingToolCalls(s.conversation); len(pending) > 0 {
		s.logger.Warn("Answering interrupted tool calls", "session_id", s.id, "count", len(pending))
		for _, call := range pending {
			res := failedResult(call, interruptedToolMessage)
			s.appendMessages(res.Message())
		}
	}

	// A checkpoint taken during tool execution finishes that cycle here.
	s.mu.Lock()
	if s.state.Step == StepToolExecution {
		s.state.Step = StepPlanningLoop
		s.state.Iteration++
	}
	s.mu.Unlock()

	// A checkpoint taken while waiting on the completion decision resumes
	// with that decision.
	if last, ok := s.lastMessage(); ok && last.Role == unifiedllm.RoleAssistant && len(last.ToolCalls()) == 0 {
		done, err := s.checkCompletion(ctx, last.TextContent())
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled(ctx, span)
			}
			return s.fail(ctx, span, err)
		}
		if done {
			return s.complete(ctx, span, OutcomeCompleted)
		}
	}

	return s.loop(ctx, span)
}

func (s *Session) classify(ctx context.Context, task string) string {
	_ = s.setStep(StepClassification)

	taskType, err := s.lifecycle.Classify(ctx, task)
	taskType = strings.TrimSpace(taskType)
	if err != nil || taskType == "" {
		s.logger.Warn("Task classification failed, using default task type", "session_id", s.id, "default", s.config.DefaultTaskType, "error", err)
		s.emitter.Emit(EventWarning, map[string]any{"message": "task classification failed", "error": fmt.Sprint(err)})
		taskType = s.config.DefaultTaskType
	}

	s.mu.Lock()
	s.state.TaskType = taskType
	s.mu.Unlock()
	s.emitter.Emit(EventClassification, map[string]any{"task_type": taskType})
	return taskType
}

func (s *Session) loadTemplates(ctx context.Context, task, taskType string) error {
	if err := s.setStep(StepTemplateLoading); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(BuildTemplateData(s.id, task, taskType, s.config, s.registry, s.now()))
	if err != nil {
		return &TemplateError{Name: "data", Err: err}
	}

	var rendered []string
	for _, kind := range []string{TemplateSystem, TemplateTaskStart} {
		name := taskType + "/" + kind
		tmpl, err := s.lifecycle.LoadTemplate(ctx, name)
		if err != nil {
			return asTemplateError(name, err)
		}
		out, err := s.lifecycle.RenderTemplate(ctx, tmpl, data)
		if err != nil {
			return asTemplateError(name, err)
		}
		rendered = append(rendered, out)
	}

	s.appendMessages(unifiedllm.SystemMessage(rendered[0]), unifiedllm.UserMessage(rendered[1]))
	return nil
}

func asTemplateError(name string, err error) error {
	var te *TemplateError
	if errors.As(err, &te) {
		return err
	}
	return &TemplateError{Name: name, Err: err}
}

// loop runs planning cycles until a terminal state or cancellation.
func (s *Session) loop(ctx context.Context, span trace.Span) (*Result, error) {
	if err := s.setStep(StepPlanningLoop); err != nil {
		return s.result(), err
	}

	for {
		if ctx.Err() != nil {
			return s.cancelled(ctx, span)
		}

		iteration := s.State().Iteration
		if iteration >= s.config.MaxIterations {
			s.logger.Warn("Maximum iterations reached", "session_id", s.id, "iteration", iteration)
			return s.complete(ctx, span, OutcomeMaxIterationsReached)
		}

		if iteration%s.config.CheckpointInterval == 0 && iteration != s.checkpointedIteration() {
			_, _ = s.saveCheckpoint(ctx, "periodic")
			if ctx.Err() != nil {
				return s.cancelled(ctx, span)
			}
		}

		s.drainSteering()

		if pending := unifiedllm.PendingToolCalls(s.Conversation()); len(pending) > 0 {
			return s.fail(ctx, span, fmt.Errorf("%d tool calls are unanswered before the next provider call", len(pending)))
		}

		resp, err := s.callProvider(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled(ctx, span)
			}
			return s.fail(ctx, span, fmt.Errorf("provider call failed: %w", err))
		}
		s.checkContextUsage()

		if resp.HasToolCalls() {
			resp.ToolCalls = unifiedllm.UniqueToolCallIDs(s.Conversation(), resp.ToolCalls)
			s.appendMessages(unifiedllm.AssistantToolUseMessage(resp.Text, resp.ToolCalls))
			s.emitter.Emit(EventAssistantMessage, map[string]any{"text": resp.Text, "tool_calls": len(resp.ToolCalls)})

			if err := s.setStep(StepToolExecution); err != nil {
				return s.result(), err
			}
			s.executeTools(ctx, resp.ToolCalls)
			if ctx.Err() != nil {
				return s.cancelled(ctx, span)
			}

			s.mu.Lock()
			s.state.Iteration++
			s.mu.Unlock()
			if err := s.setStep(StepPlanningLoop); err != nil {
				return s.result(), err
			}
			s.detectLoop()
			continue
		}

		s.appendMessages(unifiedllm.AssistantMessage(resp.Text))
		s.emitter.Emit(EventAssistantMessage, map[string]any{"text": resp.Text})
		s.mu.Lock()
		s.state.Iteration++
		s.mu.Unlock()

		done, err := s.checkCompletion(ctx, resp.Text)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled(ctx, span)
			}
			return s.fail(ctx, span, err)
		}
		if done {
			return s.complete(ctx, span, OutcomeCompleted)
		}
	}
}

// callProvider makes one logical provider call: retries per the policy,
// each attempt bounded by ProviderTimeout.
func (s *Session) callProvider(ctx context.Context) (unifiedllm.GenerateResponse, error) {
	req := unifiedllm.Request{
		Model:       s.config.Model,
		Provider:    s.config.Provider,
		Messages:    s.Conversation(),
		Tools:       s.registry.Definitions(),
		Temperature: s.config.Temperature,
		MaxTokens:   s.config.MaxTokens,
	}

	policy := s.config.Retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		s.logger.Warn("Retrying provider call", "session_id", s.id, "attempt", attempt, "delay", delay, "kind", unifiedllm.KindOf(err), "error", err)
		s.emitter.Emit(EventProviderRetry, map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
			"kind":    string(unifiedllm.KindOf(err)),
			"error":   err.Error(),
		})
	}

	resp, err := unifiedllm.Retry(ctx, policy, func(ctx context.Context) (unifiedllm.GenerateResponse, error) {
		return s.attemptProvider(ctx, req)
	})
	if err != nil {
		return resp, err
	}

	s.mu.Lock()
	s.usage = s.usage.Add(resp.Usage)
	s.mu.Unlock()
	return resp, nil
}

func (s *Session) attemptProvider(ctx context.Context, req unifiedllm.Request) (unifiedllm.GenerateResponse, error) {
	s.mu.Lock()
	s.state.APICallCount++
	callNumber := s.state.APICallCount
	s.mu.Unlock()

	attemptCtx := ctx
	if s.config.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.config.ProviderTimeout)
		defer cancel()
	}
	attemptCtx, span := s.tracer.Start(attemptCtx, "agentloop.provider_call", trace.WithAttributes(
		attribute.String("provider.name", s.provider.Name()),
		attribute.String("provider.model", req.Model),
		attribute.Int("provider.call", callNumber),
		attribute.Bool("provider.streaming", s.config.Streaming),
	))
	defer span.End()

	resp, err := s.generate(attemptCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		// The attempt timed out but the session is still live: a transport
		// failure, not a cancellation.
		err = &unifiedllm.RequestTimeoutError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("provider call timed out after %s", s.config.ProviderTimeout),
			Cause:   err,
		}}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(unifiedllm.KindOf(err)))
		return unifiedllm.GenerateResponse{}, err
	}
	span.SetAttributes(
		attribute.Int("provider.input_tokens", resp.Usage.InputTokens),
		attribute.Int("provider.output_tokens", resp.Usage.OutputTokens),
		attribute.Int("provider.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

func (s *Session) generate(ctx context.Context, req unifiedllm.Request) (unifiedllm.GenerateResponse, error) {
	if !s.config.Streaming {
		resp, err := s.provider.Complete(ctx, req)
		if err != nil {
			return unifiedllm.GenerateResponse{}, err
		}
		return resp.GenerateResponse(), nil
	}

	events, err := s.provider.Stream(ctx, req)
	if err != nil {
		return unifiedllm.GenerateResponse{}, err
	}
	return unifiedllm.Accumulate(ctx, events, func(ev unifiedllm.StreamEvent) {
		if ev.Type == unifiedllm.TextDelta {
			s.emitter.Emit(EventAssistantTextDelta, map[string]any{"delta": ev.Delta})
		}
	})
}

// executeTools runs one round of tool calls and appends their results in
// the order the provider issued them. Calls that cannot run because ctx
// was cancelled still get a (failed) result.
func (s *Session) executeTools(ctx context.Context, calls []unifiedllm.ToolCall) {
	results := make([]ToolResult, len(calls))
	if s.config.ParallelToolCalls && len(calls) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			g.Go(func() error {
				results[i] = s.runTool(gctx, call)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, call := range calls {
			results[i] = s.runTool(ctx, call)
		}
	}

	msgs := make([]unifiedllm.Message, len(results))
	submitted := false
	for i, res := range results {
		msgs[i] = res.Message()
		if res.Success && s.config.SubmitToolName != "" && res.Name == s.config.SubmitToolName {
			submitted = true
		}
	}
	s.appendMessages(msgs...)
	if submitted {
		s.mu.Lock()
		s.state.SubmitCalled = true
		s.mu.Unlock()
	}
}

func (s *Session) runTool(ctx context.Context, call unifiedllm.ToolCall) ToolResult {
	s.emitter.Emit(EventToolCallStart, map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"input":     string(call.Input),
	})
	res := s.dispatcher.Execute(ctx, call)
	s.emitter.Emit(EventToolCallEnd, map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"success":   res.Success,
		"output":    res.Content,
		"duration":  res.Duration.String(),
	})
	if !res.Success {
		s.logger.Debug("Tool call failed", "session_id", s.id, "tool", call.Name, "call_id", call.ID, "output", res.Content)
	}
	return res
}

// checkCompletion decides, after a plain content response, whether the
// task is finished. When it is not, the next user message is appended.
func (s *Session) checkCompletion(ctx context.Context, text string) (bool, error) {
	state := s.State()
	signaled := state.SubmitCalled ||
		(s.config.CompletionMarker != "" && strings.Contains(text, s.config.CompletionMarker))

	switch state.Mode {
	case ModeAgentic:
		if signaled {
			return true, nil
		}
		s.appendMessages(unifiedllm.UserMessage(s.config.continuePrompt()))
		return false, nil

	case ModeInteractive:
		if signaled || s.config.Input == nil {
			return true, nil
		}
		input, err := s.config.Input(ctx, text)
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("reading user input: %w", err)
		}
		if strings.TrimSpace(input) == "" {
			return true, nil
		}
		s.appendMessages(unifiedllm.UserMessage(input))
		s.emitter.Emit(EventUserInput, map[string]any{"content": input})
		return false, nil
	}

	return true, nil
}

func (s *Session) complete(ctx context.Context, span trace.Span, outcome Outcome) (*Result, error) {
	s.mu.Lock()
	s.state.Outcome = outcome
	s.mu.Unlock()
	if err := s.setStep(StepCompletion); err != nil {
		return s.result(), err
	}
	s.finalCheckpoint(ctx, "completion")

	state := s.State()
	s.logger.Info("Session completed", "session_id", s.id, "outcome", outcome, "iteration", state.Iteration, "api_calls", state.APICallCount)
	s.emitter.Emit(EventSessionEnd, map[string]any{"outcome": string(outcome), "iteration": state.Iteration})
	span.SetAttributes(attribute.String("session.outcome", string(outcome)), attribute.Int("session.iterations", state.Iteration))
	return s.result(), nil
}

func (s *Session) fail(ctx context.Context, span trace.Span, cause error) (*Result, error) {
	s.mu.Lock()
	s.state.Outcome = OutcomeFailed
	s.state.Error = cause.Error()
	s.mu.Unlock()
	_ = s.setStep(StepFailed)
	s.finalCheckpoint(ctx, "failure")

	s.logger.Error("Session failed", "session_id", s.id, "kind", unifiedllm.KindOf(cause), "error", cause)
	s.emitter.Emit(EventError, map[string]any{"error": cause.Error()})
	s.emitter.Emit(EventSessionEnd, map[string]any{"outcome": string(OutcomeFailed)})
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	return s.result(), fmt.Errorf("session %s failed: %w", s.id, cause)
}

// cancelled records a best-effort checkpoint and returns the context's
// error. The state stays resumable. A session cancelled before its prompts
// were loaded has nothing to resume and is not checkpointed.
func (s *Session) cancelled(ctx context.Context, span trace.Span) (*Result, error) {
	cause := context.Cause(ctx)
	if s.State().Step.Resumable() {
		s.finalCheckpoint(ctx, "cancelled")
	}

	state := s.State()
	s.logger.Warn("Session cancelled", "session_id", s.id, "step", state.Step, "iteration", state.Iteration)
	s.emitter.Emit(EventSessionEnd, map[string]any{"cancelled": true, "iteration": state.Iteration})
	span.SetStatus(codes.Error, "cancelled")
	return s.result(), fmt.Errorf("session %s cancelled: %w", s.id, cause)
}

// finalCheckpoint saves on a context detached from ctx's cancellation so
// that it is written even when the session is ending because of it.
func (s *Session) finalCheckpoint(ctx context.Context, reason string) {
	timeout := s.config.FinalCheckpointTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	_, _ = s.saveCheckpoint(ctx, reason)
}

func (s *Session) saveCheckpoint(ctx context.Context, reason string) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	cp := s.snapshot(reason)

	ctx, span := s.tracer.Start(ctx, "agentloop.checkpoint", trace.WithAttributes(
		attribute.String("session.id", cp.SessionID),
		attribute.Int("checkpoint.iteration", cp.Iteration),
		attribute.String("checkpoint.reason", reason),
	))
	defer span.End()

	seq, err := s.store.Save(ctx, cp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("Checkpoint write failed", "session_id", cp.SessionID, "iteration", cp.Iteration, "reason", reason, "error", err)
		s.emitter.Emit(EventCheckpointFailed, map[string]any{"iteration": cp.Iteration, "reason": reason, "error": err.Error()})
		return 0, err
	}

	s.mu.Lock()
	s.lastCheckpointIteration = cp.Iteration
	s.lastSequence = seq
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("checkpoint.sequence", seq))
	s.logger.Debug("Checkpoint saved", "session_id", cp.SessionID, "sequence", seq, "iteration", cp.Iteration, "reason", reason)
	s.emitter.Emit(EventCheckpointSaved, map[string]any{"sequence": seq, "iteration": cp.Iteration, "reason": reason})
	return seq, nil
}

func (s *Session) snapshot(reason string) *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Checkpoint{
		SessionID:    s.id,
		Timestamp:    s.now().UTC(),
		Iteration:    s.state.Iteration,
		Conversation: cloneMessages(s.conversation),
		State:        s.state,
		Metadata: map[string]string{
			"reason":    reason,
			"provider":  s.provider.Name(),
			"model":     s.config.Model,
			"task_type": s.state.TaskType,
		},
	}
}

func (s *Session) checkpointedIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheckpointIteration
}

func (s *Session) result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &Result{
		SessionID:          s.id,
		State:              s.state,
		Conversation:       cloneMessages(s.conversation),
		Usage:              s.usage,
		CheckpointSequence: s.lastSequence,
	}
	for i := len(s.conversation) - 1; i >= 0; i-- {
		if s.conversation[i].Role == unifiedllm.RoleAssistant {
			res.FinalText = s.conversation[i].TextContent()
			break
		}
	}
	return res
}

func (s *Session) setStep(to Step) error {
	s.mu.Lock()
	from := s.state.Step
	err := s.state.transition(to)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if from != to {
		s.logger.Debug("Step change", "session_id", s.id, "from", from, "to", to)
		s.emitter.Emit(EventStepChange, map[string]any{"from": string(from), "to": string(to)})
	}
	return nil
}

func (s *Session) appendMessages(msgs ...unifiedllm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = append(s.conversation, msgs...)
}

func (s *Session) lastMessage() (unifiedllm.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conversation) == 0 {
		return unifiedllm.Message{}, false
	}
	return s.conversation[len(s.conversation)-1], true
}

// drainSteering appends queued steering messages as user messages.
func (s *Session) drainSteering() {
	s.mu.Lock()
	queued := s.steeringQueue
	s.steeringQueue = nil
	for _, msg := range queued {
		s.conversation = append(s.conversation, unifiedllm.UserMessage(msg))
	}
	s.mu.Unlock()

	for _, msg := range queued {
		s.emitter.Emit(EventSteeringInjected, map[string]any{"content": msg})
	}
}

// detectLoop steers the model away from a repeating tool call pattern.
func (s *Session) detectLoop() {
	if !s.config.EnableLoopDetection {
		return
	}
	window := s.config.LoopDetectionWindow
	if !DetectLoop(s.Conversation(), window) {
		return
	}
	warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", window)
	s.logger.Warn("Tool call loop detected", "session_id", s.id, "window", window)
	s.Steer(warning)
	s.emitter.Emit(EventLoopDetection, map[string]any{"message": warning})
}

// checkContextUsage warns when the conversation approaches the model's
// context window, estimated at four characters per token.
func (s *Session) checkContextUsage() {
	info := unifiedllm.GetModelInfo(s.config.Model)
	if info == nil || info.ContextWindow == 0 {
		return
	}

	s.mu.Lock()
	chars := 0
	for _, m := range s.conversation {
		for _, p := range m.Content {
			chars += len(p.Text)
			if p.ToolUse != nil {
				chars += len(p.ToolUse.Input)
			}
			if p.ToolResult != nil {
				chars += len(p.ToolResult.Content)
			}
		}
	}
	s.mu.Unlock()

	approxTokens := chars / 4
	if approxTokens > info.ContextWindow*8/10 {
		pct := approxTokens * 100 / info.ContextWindow
		s.emitter.Emit(EventWarning, map[string]any{
			"message": fmt.Sprintf("Context usage at ~%d%% of context window", pct),
		})
	}
}
