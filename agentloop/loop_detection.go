package agentloop

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/martinemde/trustee/unifiedllm"
)

// toolCallSignature identifies a call by tool name and a hash of its
// compacted input, so formatting differences do not hide repetition.
func toolCallSignature(name string, input json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, input); err != nil {
		buf.Reset()
		buf.Write(input)
	}
	h := sha256.Sum256(buf.Bytes())
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentToolCallSignatures returns up to count signatures of the most
// recent tool calls in msgs, oldest first.
func recentToolCallSignatures(msgs []unifiedllm.Message, count int) []string {
	var sigs []string
	for i := len(msgs) - 1; i >= 0 && len(sigs) < count; i-- {
		if msgs[i].Role != unifiedllm.RoleAssistant {
			continue
		}
		calls := msgs[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j].Name, calls[j].Input))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls repeat a
// pattern of length 1, 2 or 3.
func DetectLoop(msgs []unifiedllm.Message, windowSize int) bool {
	if windowSize <= 1 {
		return false
	}
	sigs := recentToolCallSignatures(msgs, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		if repeats(sigs, patternLen) {
			return true
		}
	}
	return false
}

func repeats(sigs []string, patternLen int) bool {
	for i := patternLen; i < len(sigs); i++ {
		if sigs[i] != sigs[i%patternLen] {
			return false
		}
	}
	return true
}
