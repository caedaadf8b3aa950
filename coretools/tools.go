// Package coretools provides the file, search, command and submit tools an
// agent session works with, bound to a Workspace.
package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/martinemde/trustee/agentloop"
	"github.com/martinemde/trustee/unifiedllm"
)

// Options configures the core tool set.
type Options struct {
	CommandTimeout    time.Duration // default for run_command
	MaxCommandTimeout time.Duration // cap on the model-requested timeout
	SubmitToolName    string
	ReadOnly          bool // omit tools that modify the workspace
}

// DefaultOptions returns the default tool options.
func DefaultOptions() Options {
	return Options{
		CommandTimeout:    10 * time.Second,
		MaxCommandTimeout: 10 * time.Minute,
		SubmitToolName:    "submit",
	}
}

// Register adds the core tools operating on ws to reg.
func Register(reg *agentloop.ToolRegistry, ws *Workspace, opts Options) error {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultOptions().CommandTimeout
	}
	if opts.MaxCommandTimeout < opts.CommandTimeout {
		opts.MaxCommandTimeout = opts.CommandTimeout
	}
	if opts.SubmitToolName == "" {
		opts.SubmitToolName = DefaultOptions().SubmitToolName
	}

	tools := []agentloop.RegisteredTool{
		readFileTool(ws),
		listDirTool(ws),
		grepTool(ws),
		globTool(ws),
		submitTool(opts.SubmitToolName),
	}
	if !opts.ReadOnly {
		tools = append(tools,
			createFileTool(ws),
			editFileTool(ws),
			runCommandTool(ws, opts.CommandTimeout, opts.MaxCommandTimeout),
		)
	}

	var errs []error
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func decode[T any](input json.RawMessage) (T, error) {
	var args T
	if err := json.Unmarshal(input, &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

func text(format string, args ...any) agentloop.ToolOutput {
	return agentloop.ToolOutput{Content: fmt.Sprintf(format, args...)}
}

func createFileTool(ws *Workspace) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "create_file",
			Description: "Create a file with the given content. Parent directories are created as needed. Fails if the file exists unless overwrite is true.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":      map[string]any{"type": "string", "description": "File path, relative to the workspace root."},
					"content":   map[string]any{"type": "string", "description": "The full file content."},
					"overwrite": map[string]any{"type": "boolean", "description": "Replace an existing file. Default: false."},
				},
				"required":             []string{"path", "content"},
				"additionalProperties": false,
			},
		},
		Executor: func(_ context.Context, input json.RawMessage) (agentloop.ToolOutput, error) {
			args, err := decode[struct {
				Path      string `json:"path"`
				Content   string `json:"content"`
				Overwrite bool   `json:"overwrite"`
			}](input)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			if ws.Exists(args.Path) && !args.Overwrite {
				return agentloop.ToolOutput{}, fmt.Errorf("%s already exists; set overwrite to replace it", args.Path)
			}
			if err := ws.WriteFile(args.Path, args.Content); err != nil {
				return agentloop.ToolOutput{}, err
			}
			return text("Created %s (%d bytes)", args.Path, len(args.Content)), nil
		},
	}
}

func readFileTool(ws *Workspace) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "read_file",
			Description: "Read a file. Returns line-numbered content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":   map[string]any{"type": "string", "description": "File path, relative to the workspace root."},
					"offset": map[string]any{"type": "integer", "minimum": 1, "description": "1-based line number to start reading from."},
					"limit":  map[string]any{"type": "integer", "minimum": 1, "description": "Maximum number of lines to read. Default: 2000."},
				},
				"required": []string{"path"},
			},
		},
		Executor: func(_ context.Context, input json.RawMessage) (agentloop.ToolOutput, error) {
			args, err := decode[struct {
				Path   string `json:"path"`
				Offset int    `json:"offset"`
				Limit  int    `json:"limit"`
			}](input)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			if args.Limit == 0 {
				args.Limit = 2000
			}
			content, err := ws.ReadFile(args.Path, args.Offset, args.Limit)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return agentloop.ToolOutput{}, fmt.Errorf("file not found: %s", args.Path)
				}
				return agentloop.ToolOutput{}, err
			}
			if content == "" {
				return text("%s is empty or has fewer lines than the offset", args.Path), nil
			}
			return agentloop.ToolOutput{Content: content}, nil
		},
	}
}

func editFileTool(ws *Workspace) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. old_string must occur exactly once unless replace_all is true.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":        map[string]any{"type": "string", "description": "File path, relative to the workspace root."},
					"old_string":  map[string]any{"type": "string", "minLength": 1, "description": "Exact text to find."},
					"new_string":  map[string]any{"type": "string", "description": "Replacement text."},
					"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence. Default: false."},
				},
				"required": []string{"path", "old_string", "new_string"},
			},
		},
		Executor: func(_ context.Context, input json.RawMessage) (agentloop.ToolOutput, error) {
			args, err := decode[struct {
				Path       string `json:"path"`
				OldString  string `json:"old_string"`
				NewString  string `json:"new_string"`
				ReplaceAll bool   `json:"replace_all"`
			}](input)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			content, err := ws.ReadRaw(args.Path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return agentloop.ToolOutput{}, fmt.Errorf("file not found: %s", args.Path)
				}
				return agentloop.ToolOutput{}, err
			}

			count := strings.Count(content, args.OldString)
			switch {
			case count == 0:
				return agentloop.ToolOutput{}, fmt.Errorf("old_string not found in %s", args.Path)
			case count > 1 && !args.ReplaceAll:
				return agentloop.ToolOutput{}, fmt.Errorf("old_string found %d times in %s; add context to make it unique or set replace_all", count, args.Path)
			}

			replacements := 1
			if args.ReplaceAll {
				content = strings.ReplaceAll(content, args.OldString, args.NewString)
				replacements = count
			} else {
				content = strings.Replace(content, args.OldString, args.NewString, 1)
			}
			if err := ws.WriteFile(args.Path, content); err != nil {
				return agentloop.ToolOutput{}, err
			}
			return text("Replaced %d occurrence(s) in %s", replacements, args.Path), nil
		},
	}
}

func runCommandTool(ws *Workspace, defaultTimeout, maxTimeout time.Duration) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "run_command",
			Description: "Run a shell command in the workspace. Returns stdout, stderr and the exit code.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":    map[string]any{"type": "string", "minLength": 1, "description": "The command to run."},
					"dir":        map[string]any{"type": "string", "description": "Working directory, relative to the workspace root."},
					"timeout_ms": map[string]any{"type": "integer", "minimum": 1, "description": "Override the default timeout in milliseconds."},
				},
				"required": []string{"command"},
			},
		},
		Executor: func(ctx context.Context, input json.RawMessage) (agentloop.ToolOutput, error) {
			args, err := decode[struct {
				Command   string `json:"command"`
				Dir       string `json:"dir"`
				TimeoutMs int    `json:"timeout_ms"`
			}](input)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			timeout := defaultTimeout
			if args.TimeoutMs > 0 {
				timeout = time.Duration(args.TimeoutMs) * time.Millisecond
			}
			timeout = min(timeout, maxTimeout)

			result, err := ws.ExecCommand(ctx, args.Command, timeout, args.Dir)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			switch {
			case result.TimedOut:
				fmt.Fprintf(&sb, "\n\n[command timed out after %s; partial output is shown above. Retry with a larger timeout_ms if needed]", timeout)
			case result.ExitCode != 0:
				fmt.Fprintf(&sb, "\n\n[exit code: %d]", result.ExitCode)
			}
			out := agentloop.ToolOutput{Content: sb.String(), Stdout: result.Stdout, Stderr: result.Stderr}
			if out.Content == "" {
				out.Content = "(no output)"
			}
			return out, nil
		},
	}
}

func grepTool(ws *Workspace) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "grep",
			Description: "Search file contents with a regular expression. Returns matching lines as file:line: text.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern":          map[string]any{"type": "string", "minLength": 1, "description": "Regular expression (RE2 syntax)."},
					"path":             map[string]any{"type": "string", "description": "Directory or file to search. Default: workspace root."},
					"glob_filter":      map[string]any{"type": "string", "description": "Only search files matching this glob, e.g. \"*.go\"."},
					"case_insensitive": map[string]any{"type": "boolean"},
					"max_results":      map[string]any{"type": "integer", "minimum": 1, "description": "Default: 100."},
				},
				"required": []string{"pattern"},
			},
		},
		Executor: func(ctx context.Context, input json.RawMessage) (agentloop.ToolOutput, error) {
			args, err := decode[struct {
				Pattern         string `json:"pattern"`
				Path            string `json:"path"`
				GlobFilter      string `json:"glob_filter"`
				CaseInsensitive bool   `json:"case_insensitive"`
				MaxResults      int    `json:"max_results"`
			}](input)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			if args.MaxResults <= 0 {
				args.MaxResults = 100
			}
			out, err := ws.Grep(ctx, args.Pattern, args.Path, GrepOptions{
				GlobFilter:      args.GlobFilter,
				CaseInsensitive: args.CaseInsensitive,
				MaxResults:      args.MaxResults,
			})
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			if out == "" {
				return text("No matches for %q", args.Pattern), nil
			}
			return agentloop.ToolOutput{Content: out}, nil
		},
	}
}

func globTool(ws *Workspace) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "glob",
			Description: "Find files matching a glob pattern such as \"**/*.go\". Returns paths newest first.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string", "minLength": 1},
					"path":    map[string]any{"type": "string", "description": "Base directory. Default: workspace root."},
				},
				"required": []string{"pattern"},
			},
		},
		Executor: func(_ context.Context, input json.RawMessage) (agentloop.ToolOutput, error) {
			args, err := decode[struct {
				Pattern string `json:"pattern"`
				Path    string `json:"path"`
			}](input)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			matches, err := ws.Glob(args.Pattern, args.Path)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			if len(matches) == 0 {
				return text("No files matched %q", args.Pattern), nil
			}
			return agentloop.ToolOutput{Content: strings.Join(matches, "\n")}, nil
		},
	}
}

func listDirTool(ws *Workspace) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "list_dir",
			Description: "List a directory. Directories are shown with a trailing slash.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Directory. Default: workspace root."},
				},
			},
		},
		Executor: func(_ context.Context, input json.RawMessage) (agentloop.ToolOutput, error) {
			args, err := decode[struct {
				Path string `json:"path"`
			}](input)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			entries, err := ws.ListDirectory(args.Path)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			if len(entries) == 0 {
				return text("(empty directory)"), nil
			}
			lines := make([]string, len(entries))
			for i, e := range entries {
				if e.IsDir {
					lines[i] = e.Name + "/"
				} else {
					lines[i] = fmt.Sprintf("%s (%d bytes)", e.Name, e.Size)
				}
			}
			return agentloop.ToolOutput{Content: strings.Join(lines, "\n")}, nil
		},
	}
}

func submitTool(name string) agentloop.RegisteredTool {
	return agentloop.RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        name,
			Description: "Declare the task complete. Call this once, after the work is done and verified, with a short summary.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string", "description": "What was done."},
				},
				"required": []string{"summary"},
			},
		},
		Executor: func(_ context.Context, input json.RawMessage) (agentloop.ToolOutput, error) {
			args, err := decode[struct {
				Summary string `json:"summary"`
			}](input)
			if err != nil {
				return agentloop.ToolOutput{}, err
			}
			return text("Task submitted: %s", args.Summary), nil
		},
	}
}
