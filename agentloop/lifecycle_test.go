package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/martinemde/trustee/unifiedllm"
)

func TestTemplateLifecycleLoadTemplate(t *testing.T) {
	l := NewTemplateLifecycle(nil, "")
	ctx := context.Background()

	code, err := l.LoadTemplate(ctx, "code/system")
	if err != nil {
		t.Fatalf("code/system: %v", err)
	}
	if !strings.Contains(code, "software engineer") {
		t.Errorf("code/system should be the code template, got %q", code[:40])
	}

	// code has no task_start of its own.
	fallback, err := l.LoadTemplate(ctx, "code/task_start")
	if err != nil {
		t.Fatalf("code/task_start: %v", err)
	}
	def, _ := l.LoadTemplate(ctx, "default/task_start")
	if fallback != def {
		t.Errorf("code/task_start should fall back to default")
	}

	_, err = l.LoadTemplate(ctx, "default/missing")
	var te *TemplateError
	if !errors.As(err, &te) || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing template err = %v", err)
	}

	if _, err := l.LoadTemplate(ctx, "nokind/"); !errors.As(err, &te) {
		t.Errorf("malformed name err = %v", err)
	}
}

func TestTemplateLifecycleOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "default"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "default", "system.tmpl"), []byte("custom {{.task}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewTemplateLifecycle(nil, dir)

	got, err := l.LoadTemplate(context.Background(), "analysis/system")
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	// The built-in analysis template wins over an overridden default.
	if strings.HasPrefix(got, "custom") {
		t.Errorf("analysis/system resolved to the override default")
	}

	got, err = l.LoadTemplate(context.Background(), "general/system")
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	if got != "custom {{.task}}" {
		t.Errorf("general/system = %q, want the override", got)
	}
}

func TestTemplateLifecycleRenderTemplate(t *testing.T) {
	l := NewTemplateLifecycle(nil, "")
	ctx := context.Background()
	data, _ := json.Marshal(map[string]any{"task": "write docs", "items": []string{"a", "b"}})

	got, err := l.RenderTemplate(ctx, "  {{upper .task}}: {{join \", \" .items}}\n", data)
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	if got != "WRITE DOCS: a, b" {
		t.Errorf("rendered %q", got)
	}

	if _, err := l.RenderTemplate(ctx, "{{.nope}}", data); err == nil {
		t.Error("expected an error for a missing key")
	}
	if _, err := l.RenderTemplate(ctx, "{{.task", data); err == nil {
		t.Error("expected a parse error")
	}
	if _, err := l.RenderTemplate(ctx, "x", json.RawMessage(`not json`)); err == nil {
		t.Error("expected a data decoding error")
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	l := NewTemplateLifecycle(nil, "")
	ctx := context.Background()
	cfg := DefaultSessionConfig()
	cfg.Mode = ModeAgentic
	cfg.WorkingDir = t.TempDir()
	registry := NewToolRegistry()
	registry.MustRegister(echoTool("echo"))

	for _, taskType := range []string{"general", "code", "analysis"} {
		data, err := json.Marshal(BuildTemplateData("sid", "the task", taskType, cfg, registry, fixedNow))
		if err != nil {
			t.Fatal(err)
		}
		for _, kind := range []string{TemplateSystem, TemplateTaskStart} {
			tmpl, err := l.LoadTemplate(ctx, taskType+"/"+kind)
			if err != nil {
				t.Fatalf("%s/%s: %v", taskType, kind, err)
			}
			out, err := l.RenderTemplate(ctx, tmpl, data)
			if err != nil {
				t.Fatalf("%s/%s: %v", taskType, kind, err)
			}
			if kind == TemplateSystem && !strings.Contains(out, "<task_complete/>") {
				t.Errorf("%s/%s should mention the completion marker in agentic mode", taskType, kind)
			}
			if kind == TemplateTaskStart && !strings.Contains(out, "the task") {
				t.Errorf("%s/%s should contain the task", taskType, kind)
			}
		}
	}
}

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier(nil, "")
	tests := map[string]string{
		"Fix the bug in the parser":         "code",
		"Explain how the scheduler works":   "analysis",
		"create file foo.txt with content":  "general",
		"please REFACTOR the config loader": "code",
	}
	for task, want := range tests {
		got, err := c.Classify(context.Background(), task)
		if err != nil || got != want {
			t.Errorf("Classify(%q) = %q, %v; want %q", task, got, err, want)
		}
	}
}

func TestProviderClassifier(t *testing.T) {
	p := &ProviderClassifier{Provider: script(content(" Code.\n")), Model: "m", Labels: []string{"code", "analysis"}}
	got, err := p.Classify(context.Background(), "do it")
	if err != nil || got != "code" {
		t.Errorf("Classify = %q, %v", got, err)
	}

	p = &ProviderClassifier{Provider: script(content("poetry")), Labels: []string{"code"}}
	if _, err := p.Classify(context.Background(), "do it"); !errors.Is(err, ErrUnclassified) {
		t.Errorf("err = %v, want ErrUnclassified", err)
	}

	p = &ProviderClassifier{Provider: script(failWith(errors.New("down"))), Labels: []string{"code"}}
	if _, err := p.Classify(context.Background(), "do it"); err == nil || errors.Is(err, ErrUnclassified) {
		t.Errorf("provider failure err = %v", err)
	}

	prov := script(content("code"))
	p = &ProviderClassifier{Provider: prov, Labels: []string{"code"}}
	_, _ = p.Classify(context.Background(), "do it")
	if req := prov.request(0); len(req.Messages) != 1 || req.Messages[0].Role != unifiedllm.RoleUser {
		t.Errorf("classification request = %+v", req.Messages)
	}
}
