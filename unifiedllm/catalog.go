package unifiedllm

import "strings"

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog. It is used to infer a provider
// from a model name and to pick a default output limit.
var Models = []ModelInfo{
	// Anthropic
	{ID: "claude-opus-4-1", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 32000, SupportsTools: true, Aliases: []string{"opus"}},
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 64000, SupportsTools: true, Aliases: []string{"sonnet"}},
	{ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 64000, SupportsTools: true, Aliases: []string{"haiku"}},

	// OpenAI
	{ID: "gpt-4.1", Provider: "openai", ContextWindow: 1047576, MaxOutput: 32768, SupportsTools: true},
	{ID: "gpt-4.1-mini", Provider: "openai", ContextWindow: 1047576, MaxOutput: 32768, SupportsTools: true},
	{ID: "gpt-4o", Provider: "openai", ContextWindow: 128000, MaxOutput: 16384, SupportsTools: true},
	{ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128000, MaxOutput: 16384, SupportsTools: true},

	// Ollama (local)
	{ID: "llama3.1", Provider: "ollama", ContextWindow: 131072, MaxOutput: 4096, SupportsTools: true},
	{ID: "qwen2.5-coder", Provider: "ollama", ContextWindow: 32768, MaxOutput: 4096, SupportsTools: true},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// InferProvider guesses the provider for a model id. Catalog entries win;
// otherwise well-known name prefixes are used.
func InferProvider(modelID string) string {
	if info := GetModelInfo(modelID); info != nil {
		return info.Provider
	}
	switch {
	case strings.HasPrefix(modelID, "claude"):
		return "anthropic"
	case strings.HasPrefix(modelID, "gpt-"), strings.HasPrefix(modelID, "o1"),
		strings.HasPrefix(modelID, "o3"), strings.HasPrefix(modelID, "o4"):
		return "openai"
	}
	return ""
}
