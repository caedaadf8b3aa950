package unifiedllm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolUse    ContentKind = "tool_use"
	ContentToolResult ContentKind = "tool_result"
)

// ToolUseData represents a model-initiated tool invocation.
type ToolUseData struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultData holds the result of a tool execution.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ContentPart is a tagged union representing one part of a message.
// Exactly one payload matches Kind; a part is owned by a single Message.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolUse    *ToolUseData    `json:"tool_use,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ToolUsePart creates a tool use ContentPart.
func ToolUsePart(id, name string, input json.RawMessage) ContentPart {
	return ContentPart{
		Kind:    ContentToolUse,
		ToolUse: &ToolUseData{ID: id, Name: name, Input: normalizeInput(input)},
	}
}

// ToolResultPart creates a tool result ContentPart.
func ToolResultPart(toolCallID, content string, isError bool) ContentPart {
	return ContentPart{
		Kind:       ContentToolResult,
		ToolResult: &ToolResultData{ToolCallID: toolCallID, Content: content, IsError: isError},
	}
}

// Message is the fundamental unit of conversation.
type Message struct {
	Role       Role              `json:"role"`
	Content    []ContentPart     `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TextContent returns the concatenation of all text content parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts the tool invocations carried by the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Content {
		if part.Kind == ContentToolUse && part.ToolUse != nil {
			calls = append(calls, ToolCall{
				ID:    part.ToolUse.ID,
				Name:  part.ToolUse.Name,
				Input: part.ToolUse.Input,
			})
		}
	}
	return calls
}

// ToolResult returns the first tool result part, if any.
func (m Message) ToolResult() (*ToolResultData, bool) {
	for _, part := range m.Content {
		if part.Kind == ContentToolResult && part.ToolResult != nil {
			return part.ToolResult, true
		}
	}
	return nil, false
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// AssistantToolUseMessage creates an assistant message announcing tool calls.
// The text part is always present, even when the model produced no prose.
func AssistantToolUseMessage(text string, calls []ToolCall) Message {
	parts := make([]ContentPart, 0, len(calls)+1)
	parts = append(parts, TextPart(text))
	for _, c := range calls {
		parts = append(parts, ToolUsePart(c.ID, c.Name, c.Input))
	}
	return Message{Role: RoleAssistant, Content: parts}
}

// ToolResultMessage creates a tool result Message.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    []ContentPart{ToolResultPart(toolCallID, content, isError)},
		ToolCallID: toolCallID,
	}
}

// ToolCall is a single tool invocation extracted from a model response.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolDefinition is the schema of a tool surfaced to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// FinishReason describes why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"` // "stop", "length", "tool_calls", "content_filter", "error", "other"
	Raw    string `json:"raw,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Request is the input type for both Complete and Stream.
type Request struct {
	Model         string            `json:"model"`
	Messages      []Message         `json:"messages"`
	Provider      string            `json:"provider,omitempty"`
	Tools         []ToolDefinition  `json:"tools,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Response is the output of Complete.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text returns the concatenated text from all text parts in the response message.
func (r Response) Text() string {
	return r.Message.TextContent()
}

// ToolCalls extracts tool calls from the response message.
func (r Response) ToolCalls() []ToolCall {
	return r.Message.ToolCalls()
}

// GenerateResponse reduces r to the shape the turn loop branches on.
func (r Response) GenerateResponse() GenerateResponse {
	return GenerateResponse{
		ID:           r.ID,
		Text:         r.Text(),
		ToolCalls:    r.ToolCalls(),
		FinishReason: r.FinishReason,
		Usage:        r.Usage,
	}
}

// GenerateResponse is the outcome of one provider call: either plain
// content, or a set of tool calls possibly accompanied by prose.
type GenerateResponse struct {
	ID           string
	Text         string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        Usage
}

// HasToolCalls reports whether the response is the tool-calls variant.
func (g GenerateResponse) HasToolCalls() bool {
	return len(g.ToolCalls) > 0
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	TextDelta     StreamEventType = "text_delta"
	ToolCallStart StreamEventType = "tool_call_start"
	ToolCallDelta StreamEventType = "tool_call_delta"
	ToolCallEnd   StreamEventType = "tool_call_end"
	StreamFinish  StreamEventType = "finish"
	StreamError   StreamEventType = "error"
)

// StreamEvent is a single event from a streaming response. Tool call
// events carry the call id (and the name on start) in ToolCallID/ToolName;
// ToolCallDelta carries a fragment of the JSON input in Delta.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	Delta        string          `json:"delta,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	FinishReason *FinishReason   `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	ResponseID   string          `json:"response_id,omitempty"`
	Error        error           `json:"-"`
}

func normalizeInput(input json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(input))) == 0 {
		return json.RawMessage(`{}`)
	}
	return input
}
