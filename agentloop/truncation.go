package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies which part of an oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

const fallbackCharLimit = 30000

// DefaultToolCharLimits caps the characters of each tool's output that are
// sent back to the model.
var DefaultToolCharLimits = map[string]int{
	"read_file":   50000,
	"run_command": 30000,
	"grep":        20000,
	"glob":        20000,
	"edit_file":   10000,
	"create_file": 1000,
	"submit":      1000,
}

// DefaultTruncationModes picks the truncation mode per tool. Command output
// keeps both ends; listings keep the tail.
var DefaultTruncationModes = map[string]TruncationMode{
	"read_file":   TruncateHeadTail,
	"run_command": TruncateHeadTail,
	"grep":        TruncateTail,
	"glob":        TruncateTail,
	"edit_file":   TruncateTail,
	"create_file": TruncateTail,
}

// DefaultToolLineLimits applies after character truncation.
var DefaultToolLineLimits = map[string]int{
	"run_command": 256,
	"grep":        200,
	"glob":        500,
}

// TruncateOutput shortens output to at most maxChars characters of the
// original plus a notice describing what was removed.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[output truncated: the first %d characters were removed]\n\n", removed) +
			output[len(output)-maxChars:]
	}

	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[output truncated: %d characters were removed from the middle. "+
			"Re-run the tool with narrower parameters to see them.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output when it exceeds
// maxLines.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies character truncation and then line truncation
// using the per-tool limits, falling back to the defaults above.
func TruncateToolOutput(output, toolName string, charLimits, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = fallbackCharLimit
		}
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := lineLimits[toolName]
	if !ok {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}
