package unifiedllm

import (
	"fmt"

	"github.com/google/uuid"
)

// PendingToolCalls returns the tool calls in msgs that have no tool-role
// result yet, in the order they were issued.
func PendingToolCalls(msgs []Message) []ToolCall {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == RoleTool {
			answered[resultID(m)] = true
		}
	}
	var pending []ToolCall
	for _, m := range msgs {
		if m.Role != RoleAssistant {
			continue
		}
		for _, c := range m.ToolCalls() {
			if !answered[c.ID] {
				pending = append(pending, c)
			}
		}
	}
	return pending
}

// ValidateConversation checks the pairing rules between tool calls and
// results: every tool message answers exactly one earlier call, and no
// call is answered twice.
func ValidateConversation(msgs []Message) error {
	issued := make(map[string]bool)
	answered := make(map[string]bool)
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		switch m.Role {
		case RoleAssistant:
			for _, c := range m.ToolCalls() {
				if c.ID == "" {
					return fmt.Errorf("message %d: tool call without id", i)
				}
				if issued[c.ID] {
					return fmt.Errorf("message %d: duplicate tool call id %q", i, c.ID)
				}
				issued[c.ID] = true
			}
		case RoleTool:
			id := resultID(m)
			if id == "" {
				return fmt.Errorf("message %d: tool message without tool_call_id", i)
			}
			if !issued[id] {
				return fmt.Errorf("message %d: tool result %q has no preceding tool call", i, id)
			}
			if answered[id] {
				return fmt.Errorf("message %d: tool call %q answered twice", i, id)
			}
			answered[id] = true
		}
	}
	return nil
}

func resultID(m Message) string {
	if m.ToolCallID != "" {
		return m.ToolCallID
	}
	if tr, ok := m.ToolResult(); ok {
		return tr.ToolCallID
	}
	return ""
}

// UniqueToolCallIDs returns calls with every empty id, or id already used
// in history or earlier in calls, replaced by a fresh one. Providers that
// number calls per response would otherwise produce a conversation that
// ValidateConversation rejects.
func UniqueToolCallIDs(history []Message, calls []ToolCall) []ToolCall {
	used := make(map[string]bool)
	for _, m := range history {
		for _, c := range m.ToolCalls() {
			used[c.ID] = true
		}
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" || used[c.ID] {
			c.ID = newToolCallID()
		}
		used[c.ID] = true
		out[i] = c
	}
	return out
}

func newToolCallID() string {
	return "call_" + uuid.NewString()
}
