package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// errAccumulatorDone is returned when an accumulator is fed after it has
// produced its result.
var errAccumulatorDone = errors.New("stream accumulator already finished")

type pendingToolCall struct {
	id    string
	name  string
	input strings.Builder
	ended bool
}

// StreamAccumulator folds the events of one streaming provider call into a
// single GenerateResponse. Tool call input fragments are buffered by call id,
// so interleaved streams for several calls are reassembled correctly.
//
// An accumulator is single use: create one per provider call.
type StreamAccumulator struct {
	text     strings.Builder
	calls    map[string]*pendingToolCall
	order    []string
	finish   FinishReason
	usage    Usage
	id       string
	done     bool
	consumed bool
}

// NewStreamAccumulator returns an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{calls: make(map[string]*pendingToolCall)}
}

// Done reports whether the finish event has been seen.
func (a *StreamAccumulator) Done() bool {
	return a.done
}

// Process applies a single event.
func (a *StreamAccumulator) Process(ev StreamEvent) error {
	if a.done {
		return errAccumulatorDone
	}
	if ev.ResponseID != "" && a.id == "" {
		a.id = ev.ResponseID
	}

	switch ev.Type {
	case TextDelta:
		a.text.WriteString(ev.Delta)

	case ToolCallStart:
		if ev.ToolCallID == "" {
			return NewMalformedResponse("tool call start without id")
		}
		if _, exists := a.calls[ev.ToolCallID]; exists {
			return NewMalformedResponse("duplicate tool call start for id %q", ev.ToolCallID)
		}
		pc := &pendingToolCall{id: ev.ToolCallID, name: ev.ToolName}
		pc.input.WriteString(ev.Delta)
		a.calls[ev.ToolCallID] = pc
		a.order = append(a.order, ev.ToolCallID)

	case ToolCallDelta:
		pc, ok := a.calls[ev.ToolCallID]
		if !ok {
			return NewMalformedResponse("tool call delta for unknown id %q", ev.ToolCallID)
		}
		if pc.ended {
			return NewMalformedResponse("tool call delta after end for id %q", ev.ToolCallID)
		}
		pc.input.WriteString(ev.Delta)

	case ToolCallEnd:
		pc, ok := a.calls[ev.ToolCallID]
		if !ok {
			return NewMalformedResponse("tool call end for unknown id %q", ev.ToolCallID)
		}
		pc.ended = true

	case StreamFinish:
		if ev.FinishReason != nil {
			a.finish = *ev.FinishReason
		}
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
		a.done = true

	case StreamError:
		if ev.Error != nil {
			return ev.Error
		}
		return &NetworkError{SDKError: SDKError{Message: "stream error"}}

	default:
		// Unknown event types are ignored.
	}
	return nil
}

// Result builds the final response. It fails if the finish event has not
// been seen or if any tool call input is not a JSON object.
func (a *StreamAccumulator) Result() (GenerateResponse, error) {
	if a.consumed {
		return GenerateResponse{}, errAccumulatorDone
	}
	if !a.done {
		return GenerateResponse{}, NewMalformedResponse("stream ended without finish event")
	}
	a.consumed = true

	resp := GenerateResponse{
		ID:           a.id,
		Text:         a.text.String(),
		FinishReason: a.finish,
		Usage:        a.usage,
	}
	for _, id := range a.order {
		pc := a.calls[id]
		input, err := parseToolInput(pc.input.String())
		if err != nil {
			return GenerateResponse{}, &MalformedToolInputError{
				MalformedResponseError: MalformedResponseError{SDKError{
					Message: "invalid input for tool call " + pc.id,
					Cause:   err,
				}},
				ToolCallID: pc.id,
				ToolName:   pc.name,
				Input:      pc.input.String(),
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: pc.id, Name: pc.name, Input: input})
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason.Reason == "" {
		resp.FinishReason.Reason = "tool_calls"
	}
	return resp, nil
}

// Accumulate drains events into a new accumulator and returns the final
// response. observe, when non-nil, sees every event before it is applied.
func Accumulate(ctx context.Context, events <-chan StreamEvent, observe func(StreamEvent)) (GenerateResponse, error) {
	acc := NewStreamAccumulator()
	for {
		select {
		case <-ctx.Done():
			return GenerateResponse{}, &AbortError{SDKError: SDKError{Message: "stream cancelled", Cause: ctx.Err()}}
		case ev, ok := <-events:
			if !ok {
				return acc.Result()
			}
			if observe != nil {
				observe(ev)
			}
			if err := acc.Process(ev); err != nil {
				return GenerateResponse{}, err
			}
			if acc.Done() {
				return acc.Result()
			}
		}
	}
}

func parseToolInput(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("tool input must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(trimmed)); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
