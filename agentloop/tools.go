package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/martinemde/trustee/unifiedllm"
)

// ToolOutput is what an executor produces. Content is what the model sees;
// Stdout and Stderr are kept alongside for commands.
type ToolOutput struct {
	Content string
	Stdout  string
	Stderr  string
}

// ToolExecutor runs one tool call. input is the call's JSON object,
// already validated against the tool's parameter schema.
type ToolExecutor func(ctx context.Context, input json.RawMessage) (ToolOutput, error)

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition unifiedllm.ToolDefinition
	Executor   ToolExecutor

	schema *gojsonschema.Schema
}

// ToolRegistry is the runtime capability map: tool name to executor.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds or replaces a tool. The parameter schema, if any, is
// compiled here so every call is validated against the same schema.
func (r *ToolRegistry) Register(tool RegisteredTool) error {
	if tool.Definition.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.Executor == nil {
		return fmt.Errorf("tool %s: executor is required", tool.Definition.Name)
	}
	if len(tool.Definition.Parameters) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Definition.Parameters))
		if err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", tool.Definition.Name, err)
		}
		tool.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
	return nil
}

// MustRegister is Register for static tool sets; it panics on error.
func (r *ToolRegistry) MustRegister(tool RegisteredTool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns all tool definitions sorted by name, so requests
// built from the same registry are identical.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns a copy of the registry.
func (r *ToolRegistry) Clone() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewToolRegistry()
	for name, tool := range r.tools {
		cloned := *tool
		clone.tools[name] = &cloned
	}
	return clone
}

// MergeFrom copies all tools from other into this registry.
// Existing tools with the same name are overwritten (latest-wins).
func (r *ToolRegistry) MergeFrom(other *ToolRegistry) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tool := range other.tools {
		cloned := *tool
		r.tools[name] = &cloned
	}
}

// validate checks input against the tool's compiled schema.
func (t *RegisteredTool) validate(input json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	result, err := t.schema.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return errors.New(strings.Join(problems, "; "))
}
