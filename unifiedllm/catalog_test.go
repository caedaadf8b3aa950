package unifiedllm

import "testing"

func TestGetModelInfo(t *testing.T) {
	info := GetModelInfo("claude-sonnet-4-5")
	if info == nil {
		t.Fatal("expected to find claude-sonnet-4-5")
	}
	if info.Provider != "anthropic" {
		t.Errorf("expected provider %q, got %q", "anthropic", info.Provider)
	}
	if !info.SupportsTools {
		t.Error("expected supports_tools = true")
	}

	info = GetModelInfo("sonnet")
	if info == nil || info.ID != "claude-sonnet-4-5" {
		t.Fatalf("expected alias lookup to find claude-sonnet-4-5, got %v", info)
	}

	if info := GetModelInfo("nonexistent-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %v", info)
	}
}

func TestListModels(t *testing.T) {
	if all := ListModels(""); len(all) != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), len(all))
	}
	for _, m := range ListModels("openai") {
		if m.Provider != "openai" {
			t.Errorf("expected only openai models, got %s", m.Provider)
		}
	}
	if got := ListModels("nonexistent"); len(got) != 0 {
		t.Errorf("expected no models, got %d", len(got))
	}
}

func TestInferProvider(t *testing.T) {
	tests := map[string]string{
		"gpt-4o":            "openai",
		"gpt-5-preview":     "openai",
		"o3-mini":           "openai",
		"claude-3-7-sonnet": "anthropic",
		"haiku":             "anthropic",
		"qwen2.5-coder":     "ollama",
		"mystery":           "",
	}
	for model, want := range tests {
		if got := InferProvider(model); got != want {
			t.Errorf("InferProvider(%q) = %q, want %q", model, got, want)
		}
	}
}
