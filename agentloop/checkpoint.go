package agentloop

import (
	"context"
	"time"

	"github.com/martinemde/trustee/unifiedllm"
)

// Checkpoint is an immutable snapshot of a session: enough to resume the
// loop exactly where it stopped.
type Checkpoint struct {
	SessionID    string               `json:"session_id"`
	Sequence     int                  `json:"sequence"`
	Timestamp    time.Time            `json:"timestamp"`
	Iteration    int                  `json:"iteration"`
	Conversation []unifiedllm.Message `json:"conversation"`
	State        WorkflowState        `json:"state"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
}

// Status summarizes whether the checkpointed session can continue.
func (c *Checkpoint) Status() SessionStatus {
	switch c.State.Step {
	case StepCompletion:
		return StatusCompleted
	case StepFailed:
		return StatusFailed
	}
	return StatusActive
}

// SessionStatus is the coarse lifecycle of a persisted session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// CheckpointStore persists checkpoints. Save assigns the sequence number
// and returns it; Load with sequence <= 0 returns the latest checkpoint.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) (int, error)
	Load(ctx context.Context, sessionID string, sequence int) (*Checkpoint, error)
}

func cloneMessages(msgs []unifiedllm.Message) []unifiedllm.Message {
	out := make([]unifiedllm.Message, len(msgs))
	for i, m := range msgs {
		c := m
		c.Content = make([]unifiedllm.ContentPart, len(m.Content))
		for j, part := range m.Content {
			if part.ToolUse != nil {
				tu := *part.ToolUse
				tu.Input = append([]byte(nil), tu.Input...)
				part.ToolUse = &tu
			}
			if part.ToolResult != nil {
				tr := *part.ToolResult
				part.ToolResult = &tr
			}
			c.Content[j] = part
		}
		if m.Metadata != nil {
			c.Metadata = make(map[string]string, len(m.Metadata))
			for k, v := range m.Metadata {
				c.Metadata[k] = v
			}
		}
		out[i] = c
	}
	return out
}
