package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/martinemde/trustee/unifiedllm"
)

// scriptedProvider answers each call with the next step of a script. A nil
// step function or an exhausted script is a test failure.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []func(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
	requests []unifiedllm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) next(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	var step func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)
	if n < len(p.steps) {
		step = p.steps[n]
	}
	p.mu.Unlock()
	if step == nil {
		return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("script exhausted at call %d", n+1)}}
	}
	return step(ctx, req)
}

func (p *scriptedProvider) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	return p.next(ctx, req)
}

// Stream replays the scripted response as a text delta per word followed
// by the tool calls and a finish event.
func (p *scriptedProvider) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	resp, err := p.next(ctx, req)
	if err != nil {
		return nil, err
	}
	var events []unifiedllm.StreamEvent
	for _, part := range resp.Message.Content {
		switch {
		case part.Kind == unifiedllm.ContentText && part.Text != "":
			events = append(events, unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: part.Text})
		case part.ToolUse != nil:
			events = append(events,
				unifiedllm.StreamEvent{Type: unifiedllm.ToolCallStart, ToolCallID: part.ToolUse.ID, ToolName: part.ToolUse.Name},
				unifiedllm.StreamEvent{Type: unifiedllm.ToolCallDelta, ToolCallID: part.ToolUse.ID, Delta: string(part.ToolUse.Input)},
				unifiedllm.StreamEvent{Type: unifiedllm.ToolCallEnd, ToolCallID: part.ToolUse.ID},
			)
		}
	}
	events = append(events, unifiedllm.StreamEvent{
		Type:         unifiedllm.StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
	})
	ch := make(chan unifiedllm.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) unifiedllm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func script(steps ...func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)) *scriptedProvider {
	return &scriptedProvider{steps: steps}
}

func content(text string) func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
	return func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
		return &unifiedllm.Response{
			ID:           "resp",
			Message:      unifiedllm.AssistantMessage(text),
			FinishReason: unifiedllm.FinishReason{Reason: "stop"},
			Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func toolCalls(calls ...unifiedllm.ToolCall) func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
	return func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
		return &unifiedllm.Response{
			ID:           "resp",
			Message:      unifiedllm.AssistantToolUseMessage("", calls),
			FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
			Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func failWith(err error) func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
	return func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
		return nil, err
	}
}

func repeat(n int, step func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)) []func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
	steps := make([]func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error), n)
	for i := range steps {
		steps[i] = step
	}
	return steps
}

func call(id, name, input string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}
}

// memoryStore keeps checkpoints in memory. Save stores a JSON round trip
// so tests observe exactly what a persistent store would return.
type memoryStore struct {
	mu      sync.Mutex
	saved   map[string][][]byte
	failErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: make(map[string][][]byte)}
}

func (m *memoryStore) Save(ctx context.Context, cp *Checkpoint) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	seq := len(m.saved[cp.SessionID]) + 1
	stored := *cp
	stored.Sequence = seq
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, err
	}
	m.saved[cp.SessionID] = append(m.saved[cp.SessionID], data)
	return seq, nil
}

func (m *memoryStore) Load(_ context.Context, sessionID string, sequence int) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.saved[sessionID]
	if len(all) == 0 {
		return nil, errors.New("no checkpoints for " + sessionID)
	}
	if sequence <= 0 {
		sequence = len(all)
	}
	if sequence > len(all) {
		return nil, fmt.Errorf("no checkpoint %d for %s", sequence, sessionID)
	}
	var cp Checkpoint
	if err := json.Unmarshal(all[sequence-1], &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *memoryStore) all(t *testing.T, sessionID string) []*Checkpoint {
	t.Helper()
	m.mu.Lock()
	n := len(m.saved[sessionID])
	m.mu.Unlock()
	cps := make([]*Checkpoint, 0, n)
	for seq := 1; seq <= n; seq++ {
		cp, err := m.Load(context.Background(), sessionID, seq)
		if err != nil {
			t.Fatalf("load checkpoint %d: %v", seq, err)
		}
		cps = append(cps, cp)
	}
	return cps
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a config suited to fast tests: no retry delays and a
// working directory outside any repository.
func testConfig(t *testing.T) SessionConfig {
	t.Helper()
	cfg := DefaultSessionConfig()
	cfg.Model = "test-model"
	cfg.WorkingDir = t.TempDir()
	cfg.Retry = unifiedllm.RetryPolicy{
		MaxRetries:          3,
		MaxMalformedRetries: 2,
		BaseDelay:           0.001,
		MaxDelay:            0.01,
		BackoffMultiplier:   1,
	}
	return cfg
}

func echoTool(name string) RegisteredTool {
	return RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        name,
			Description: "Echoes its input.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
			},
		},
		Executor: func(_ context.Context, input json.RawMessage) (ToolOutput, error) {
			return ToolOutput{Content: string(input)}, nil
		},
	}
}

func newTestSession(t *testing.T, provider unifiedllm.ProviderAdapter, registry *ToolRegistry, cfg SessionConfig, opts ...SessionOption) *Session {
	t.Helper()
	opts = append([]SessionOption{WithLogger(discardLogger()), WithEventBuffer(1024)}, opts...)
	s := NewSession(provider, NewTemplateLifecycle(nil, ""), registry, &cfg, opts...)
	t.Cleanup(s.Close)
	return s
}

func drainEvents(s *Session) []SessionEvent {
	var events []SessionEvent
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func hasEvent(events []SessionEvent, kind EventKind) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func roles(msgs []unifiedllm.Message) []unifiedllm.Role {
	out := make([]unifiedllm.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}
