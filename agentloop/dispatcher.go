package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/trustee/unifiedllm"
)

const (
	defaultToolTimeout = 30 * time.Second
	defaultToolGrace   = 2 * time.Second
)

// ToolResult is the outcome of one dispatched tool call. Failures are
// results too: the model sees them as error tool messages.
type ToolResult struct {
	ToolCallID string
	Name       string
	Success    bool
	Content    string
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// Message wraps the result as a tool-role message answering its call.
func (r ToolResult) Message() unifiedllm.Message {
	msg := unifiedllm.ToolResultMessage(r.ToolCallID, r.Content, !r.Success)
	msg.Metadata = map[string]string{"tool_name": r.Name}
	if r.Stdout != "" {
		msg.Metadata["stdout"] = r.Stdout
	}
	if r.Stderr != "" {
		msg.Metadata["stderr"] = r.Stderr
	}
	return msg
}

func failedResult(call unifiedllm.ToolCall, format string, args ...any) ToolResult {
	return ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    fmt.Sprintf(format, args...),
	}
}

// ToolDispatcher looks up, validates and runs tool calls against a
// registry. Execute never returns an error.
type ToolDispatcher struct {
	registry   *ToolRegistry
	timeout    time.Duration
	grace      time.Duration
	charLimits map[string]int
	lineLimits map[string]int
	logger     *slog.Logger
	tracer     trace.Tracer
}

// DispatcherOption configures a ToolDispatcher.
type DispatcherOption func(*ToolDispatcher)

// WithToolTimeout bounds each tool call. Zero keeps the default.
func WithToolTimeout(d time.Duration) DispatcherOption {
	return func(t *ToolDispatcher) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithToolGracePeriod sets how long a timed out or cancelled call is given
// to return before the dispatcher moves on without it. Zero does not wait.
func WithToolGracePeriod(d time.Duration) DispatcherOption {
	return func(t *ToolDispatcher) {
		if d >= 0 {
			t.grace = d
		}
	}
}

// WithOutputLimits overrides the per-tool character and line limits.
func WithOutputLimits(chars, lines map[string]int) DispatcherOption {
	return func(t *ToolDispatcher) {
		t.charLimits = chars
		t.lineLimits = lines
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(t *ToolDispatcher) { t.logger = l }
}

// WithDispatcherTracer sets the tracer used for tool spans.
func WithDispatcherTracer(tr trace.Tracer) DispatcherOption {
	return func(t *ToolDispatcher) { t.tracer = tr }
}

// NewToolDispatcher creates a dispatcher over registry.
func NewToolDispatcher(registry *ToolRegistry, opts ...DispatcherOption) *ToolDispatcher {
	d := &ToolDispatcher{
		registry: registry,
		timeout:  defaultToolTimeout,
		grace:    defaultToolGrace,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs one tool call. Unknown tools, invalid input, executor
// errors, panics, timeouts and cancellation all produce a failed result.
func (d *ToolDispatcher) Execute(ctx context.Context, call unifiedllm.ToolCall) ToolResult {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "agentloop.tool_call", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	res := d.execute(ctx, call)
	res.ToolCallID = call.ID
	res.Name = call.Name
	res.Duration = time.Since(start)

	span.SetAttributes(attribute.Bool("tool.success", res.Success))
	if !res.Success {
		span.SetStatus(codes.Error, res.Content)
	}
	d.logger.Debug("Tool call finished", "tool", call.Name, "call_id", call.ID, "success", res.Success, "duration", res.Duration)
	return res
}

type toolOutcome struct {
	out ToolOutput
	err error
}

func (d *ToolDispatcher) execute(ctx context.Context, call unifiedllm.ToolCall) ToolResult {
	if ctx.Err() != nil {
		return failedResult(call, "Tool call cancelled before it started")
	}

	tool := d.registry.Get(call.Name)
	if tool == nil {
		return failedResult(call, "Unknown tool: %s", call.Name)
	}

	input := bytes.TrimSpace(call.Input)
	if len(input) == 0 {
		input = []byte(`{}`)
	}
	if !json.Valid(input) || input[0] != '{' {
		return failedResult(call, "Invalid input for %s: expected a JSON object", call.Name)
	}
	if err := tool.validate(input); err != nil {
		return failedResult(call, "Invalid input for %s: %v", call.Name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- toolOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.Executor(callCtx, input)
		done <- toolOutcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if res, interrupted := d.interrupted(ctx, callCtx, call); interrupted {
				return res
			}
			res := failedResult(call, "Tool error (%s): %v", call.Name, o.err)
			if o.out.Content != "" {
				res.Content += "\n" + d.truncate(call.Name, o.out.Content)
			}
			res.Stdout, res.Stderr = o.out.Stdout, o.out.Stderr
			return res
		}
		return ToolResult{
			Success: true,
			Content: d.truncate(call.Name, o.out.Content),
			Stdout:  o.out.Stdout,
			Stderr:  o.out.Stderr,
		}
	case <-callCtx.Done():
		d.awaitAbandoned(call, done)
		res, _ := d.interrupted(ctx, callCtx, call)
		return res
	}
}

// awaitAbandoned waits up to the grace period for an executor whose
// context has ended, so that it does not overlap the next call. Executors
// must honour ctx; one that does not is left running.
func (d *ToolDispatcher) awaitAbandoned(call unifiedllm.ToolCall, done <-chan toolOutcome) {
	if d.grace <= 0 {
		return
	}
	timer := time.NewTimer(d.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.logger.Warn("Tool did not stop after cancellation", "tool", call.Name, "call_id", call.ID, "grace", d.grace)
	}
}

// interrupted reports a cancelled or timed out call.
func (d *ToolDispatcher) interrupted(parent, callCtx context.Context, call unifiedllm.ToolCall) (ToolResult, bool) {
	if parent.Err() != nil {
		return failedResult(call, "Tool call cancelled"), true
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return failedResult(call, "Tool %s timed out after %s", call.Name, d.timeout), true
	}
	return ToolResult{}, false
}

func (d *ToolDispatcher) truncate(name, content string) string {
	return TruncateToolOutput(content, name, d.charLimits, d.lineLimits)
}
