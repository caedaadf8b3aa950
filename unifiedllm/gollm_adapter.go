package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// gollm speaks in prompts and plain text, so the conversation is flattened
// into a single prompt and tool calls are recovered from a JSON envelope in
// the reply.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string

	// gollm options are set on the shared LLM, so calls are serialized.
	mu sync.Mutex
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm will attempt to read it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if models := ListModels(provider); len(models) > 0 {
			model = models[0].ID
		} else {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("no model configured for provider %q", provider),
			}}
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to the turn loop
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{
		provider: provider,
		llm:      llm,
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)

	a.mu.Lock()
	a.applyRequestOptions(req)
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(ctx, err)
	}

	return a.buildResponse(req, text)
}

// Stream sends a streaming request and returns a channel of StreamEvent
// objects. Requests that carry tools are generated in one piece, since
// the tool envelope can only be recognized once the reply is complete.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	ch := make(chan StreamEvent, 64)

	if len(req.Tools) > 0 || !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			resp, err := a.Complete(ctx, req)
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Error: err})
				return
			}
			for _, ev := range responseEvents(resp) {
				if !send(ctx, ch, ev) {
					return
				}
			}
		}()
		return ch, nil
	}

	a.mu.Lock()
	a.applyRequestOptions(req)
	stream, err := a.llm.Stream(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(ctx, err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		id := newResponseID()
		var outputLen int
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Error: a.translateError(ctx, err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			outputLen += len(token.Text)
			if !send(ctx, ch, StreamEvent{Type: TextDelta, Delta: token.Text, ResponseID: id}) {
				return
			}
		}

		usage := estimateUsage(req, outputLen)
		send(ctx, ch, StreamEvent{
			Type:         StreamFinish,
			FinishReason: &FinishReason{Reason: "stop", Raw: "stop"},
			Usage:        &usage,
			ResponseID:   id,
		})
	}()

	return ch, nil
}

// responseEvents replays a complete response as a stream.
func responseEvents(resp *Response) []StreamEvent {
	var events []StreamEvent
	if text := resp.Text(); text != "" {
		events = append(events, StreamEvent{Type: TextDelta, Delta: text, ResponseID: resp.ID})
	}
	for _, call := range resp.ToolCalls() {
		events = append(events,
			StreamEvent{Type: ToolCallStart, ToolCallID: call.ID, ToolName: call.Name},
			StreamEvent{Type: ToolCallDelta, ToolCallID: call.ID, Delta: string(call.Input)},
			StreamEvent{Type: ToolCallEnd, ToolCallID: call.ID},
		)
	}
	fr, usage := resp.FinishReason, resp.Usage
	events = append(events, StreamEvent{Type: StreamFinish, FinishReason: &fr, Usage: &usage, ResponseID: resp.ID})
	return events
}

func send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// gollmToolEnvelope is the reply shape the model is instructed to use when
// it wants to call tools.
type gollmToolEnvelope struct {
	ToolCalls []struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"tool_calls"`
}

const toolEnvelopeMarker = `{"tool_calls"`

const toolProtocolInstructions = `To call tools, reply with a single JSON object on its own, after any prose:
{"tool_calls": [{"name": "<tool name>", "arguments": {...}}]}
Tool results are returned to you as [Tool Result <id>] blocks.`

// translateRequest flattens a unified Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemParts []string
	var turns []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.TextContent())
		case RoleUser:
			turns = append(turns, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				turns = append(turns, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				turns = append(turns, fmt.Sprintf("[Tool Call %s] %s %s", call.ID, call.Name, string(call.Input)))
			}
		case RoleTool:
			if result, ok := msg.ToolResult(); ok {
				prefix := "[Tool Result " + result.ToolCallID + "]"
				if result.IsError {
					prefix = "[Tool Error " + result.ToolCallID + "]"
				}
				turns = append(turns, prefix+": "+result.Content)
			}
		}
	}

	promptText := strings.Join(turns, "\n\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if len(req.Tools) > 0 {
		systemParts = append(systemParts, toolProtocolInstructions)
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools), gollm.WithToolChoice("auto"))
	}
	if len(systemParts) > 0 {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(strings.Join(systemParts, "\n\n")), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	prose, calls, err := parseToolEnvelope(text)
	if err != nil {
		return nil, err
	}

	var parts []ContentPart
	parts = append(parts, TextPart(prose))
	for _, c := range calls {
		parts = append(parts, ToolUsePart(c.ID, c.Name, c.Input))
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	return &Response{
		ID:           newResponseID(),
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finishReason,
		Usage:        estimateUsage(req, len(text)),
	}, nil
}

// parseToolEnvelope splits a reply into prose and tool calls. A reply that
// starts an envelope but does not decode is malformed.
func parseToolEnvelope(text string) (string, []ToolCall, error) {
	idx := strings.Index(text, toolEnvelopeMarker)
	if idx == -1 {
		return text, nil, nil
	}

	var env gollmToolEnvelope
	dec := json.NewDecoder(strings.NewReader(text[idx:]))
	if err := dec.Decode(&env); err != nil {
		return "", nil, &MalformedResponseError{SDKError{Message: "undecodable tool call envelope", Cause: err}}
	}

	calls := make([]ToolCall, 0, len(env.ToolCalls))
	for _, raw := range env.ToolCalls {
		if raw.Name == "" {
			return "", nil, NewMalformedResponse("tool call without a name")
		}
		input, err := parseToolInput(string(raw.Arguments))
		if err != nil {
			return "", nil, &MalformedToolInputError{
				MalformedResponseError: MalformedResponseError{SDKError{Message: "invalid input for tool " + raw.Name, Cause: err}},
				ToolCallID:             raw.ID,
				ToolName:               raw.Name,
				Input:                  string(raw.Arguments),
			}
		}
		id := raw.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:8]
		}
		calls = append(calls, ToolCall{ID: id, Name: raw.Name, Input: input})
	}
	return strings.TrimSpace(text[:idx]), calls, nil
}

// translateError converts a gollm error into the unified error hierarchy.
// gollm only surfaces strings, so classification is by message content.
func (a *GollmAdapter) translateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: ctx.Err()}}
	}
	msg := err.Error()
	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Provider:   a.provider,
			StatusCode: status,
			Retryable:  retryable,
		}
	}

	msgLower := strings.ToLower(msg)
	switch {
	case strings.Contains(msgLower, "401") || strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "invalid api key"):
		return &AuthenticationError{ProviderError: pe(401, false)}
	case strings.Contains(msgLower, "403") || strings.Contains(msgLower, "forbidden"):
		return &AccessDeniedError{ProviderError: pe(403, false)}
	case strings.Contains(msgLower, "429") || strings.Contains(msgLower, "rate limit"):
		return &RateLimitError{ProviderError: pe(429, true)}
	case strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "too many tokens"):
		return &ContextLengthError{ProviderError: pe(413, false)}
	case strings.Contains(msgLower, "content filter") || strings.Contains(msgLower, "content policy") || strings.Contains(msgLower, "safety"):
		return &ContentFilterError{ProviderError: pe(400, false)}
	case strings.Contains(msgLower, "500") || strings.Contains(msgLower, "502") || strings.Contains(msgLower, "503") ||
		strings.Contains(msgLower, "internal server") || strings.Contains(msgLower, "overloaded"):
		return &ServerError{ProviderError: pe(500, true)}
	case strings.Contains(msgLower, "timeout") || strings.Contains(msgLower, "deadline"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "connection") || strings.Contains(msgLower, "eof") || strings.Contains(msgLower, "no such host"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	default:
		p := pe(0, true)
		return &p
	}
}

func newResponseID() string {
	return "resp_" + uuid.NewString()[:8]
}

// estimateUsage approximates token counts at four bytes per token; gollm
// does not report usage.
func estimateUsage(req Request, outputBytes int) Usage {
	input := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				input += len(part.Text)
			case ContentToolUse:
				input += len(part.ToolUse.Input)
			case ContentToolResult:
				input += len(part.ToolResult.Content)
			}
		}
	}
	in, out := input/4, outputBytes/4
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}
