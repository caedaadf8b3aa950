package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// OpenAIAdapter talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, OpenRouter, Ollama, vLLM) with native tool calls.
type OpenAIAdapter struct {
	name   string
	client *openai.Client
	model  string
}

// OpenAIConfig configures an OpenAIAdapter.
type OpenAIConfig struct {
	Name       string // provider name reported by Name(); defaults to "openai"
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// NewOpenAIAdapter creates an adapter from cfg.
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIAdapter{
		name:   name,
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
	}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Complete sends a blocking chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.CreateChatCompletion(ctx, a.buildRequest(req, false))
	if err != nil {
		return nil, a.translateError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewMalformedResponse("no choices in response")
	}

	choice := resp.Choices[0]
	calls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		if tc.ID == "" {
			tc.ID = newToolCallID()
		}
		input, err := parseToolInput(tc.Function.Arguments)
		if err != nil {
			return nil, &MalformedToolInputError{
				MalformedResponseError: MalformedResponseError{SDKError{Message: "invalid input for tool call " + tc.ID, Cause: err}},
				ToolCallID:             tc.ID,
				ToolName:               tc.Function.Name,
				Input:                  tc.Function.Arguments,
			}
		}
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}

	msg := AssistantMessage(choice.Message.Content)
	if len(calls) > 0 {
		msg = AssistantToolUseMessage(choice.Message.Content, calls)
	}

	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.name,
		Message:      msg,
		FinishReason: mapFinishReason(string(choice.FinishReason)),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream sends a streaming chat completion request. Tool call fragments,
// which the wire format addresses by index, are re-keyed by call id.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, a.buildRequest(req, true))
	if err != nil {
		return nil, a.translateError(ctx, err)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		ids := make(map[int]string)
		var order []string
		var finish *FinishReason
		var usage *Usage
		var respID string

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Error: a.translateError(ctx, err)})
				return
			}
			if respID == "" {
				respID = chunk.ID
			}
			if chunk.Usage != nil {
				usage = &Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !send(ctx, ch, StreamEvent{Type: TextDelta, Delta: choice.Delta.Content, ResponseID: respID}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := len(order)
				if tc.Index != nil {
					idx = *tc.Index
				}
				id, seen := ids[idx]
				if !seen {
					id = tc.ID
					if id == "" {
						id = "call_" + strconv.Itoa(idx) + "_" + uuid.NewString()[:8]
					}
					ids[idx] = id
					order = append(order, id)
					if !send(ctx, ch, StreamEvent{Type: ToolCallStart, ToolCallID: id, ToolName: tc.Function.Name}) {
						return
					}
				}
				if tc.Function.Arguments != "" {
					if !send(ctx, ch, StreamEvent{Type: ToolCallDelta, ToolCallID: id, Delta: tc.Function.Arguments}) {
						return
					}
				}
			}
			if choice.FinishReason != "" {
				fr := mapFinishReason(string(choice.FinishReason))
				finish = &fr
			}
		}

		for _, id := range order {
			if !send(ctx, ch, StreamEvent{Type: ToolCallEnd, ToolCallID: id}) {
				return
			}
		}
		if finish == nil {
			// No finish_reason: the stream was cut short. Closing without a
			// finish event lets the accumulator report it as malformed.
			return
		}
		send(ctx, ch, StreamEvent{Type: StreamFinish, FinishReason: finish, Usage: usage, ResponseID: respID})
	}()

	return ch, nil
}

func (a *OpenAIAdapter) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = a.model
	}
	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Stop:     req.StopSequences,
		Stream:   stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if len(req.Tools) > 0 {
		out.Tools = convertTools(req.Tools)
		out.ToolChoice = "auto"
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			if tr, ok := msg.ToolResult(); ok {
				content := tr.Content
				if tr.IsError {
					content = "Error: " + content
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.TextContent(),
				Name:    msg.Name,
			}
			for _, tc := range msg.ToolCalls() {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)
		}
	}
	return result
}

func convertTools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return result
}

func mapFinishReason(raw string) FinishReason {
	switch raw {
	case "stop", "length", "tool_calls", "content_filter":
		return FinishReason{Reason: raw, Raw: raw}
	case "function_call":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "":
		return FinishReason{Reason: "stop"}
	}
	return FinishReason{Reason: "other", Raw: raw}
}

// translateError maps go-openai errors onto the unified hierarchy.
func (a *OpenAIAdapter) translateError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: ctx.Err()}}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		return statusError(apiErr.HTTPStatusCode, apiErr.Message, a.name, code, nil, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(reqErr.HTTPStatusCode, reqErr.Error(), a.name, "", nil, err)
	}

	return &NetworkError{SDKError: SDKError{Message: fmt.Sprintf("%s request failed", a.name), Cause: err}}
}
