package agentloop

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"strings"
	"text/template"

	"github.com/martinemde/trustee/unifiedllm"
)

// Lifecycle supplies task classification and the prompt templates a
// session opens with. Template data crosses the boundary as JSON so any
// backend can render it.
type Lifecycle interface {
	Classify(ctx context.Context, task string) (string, error)
	LoadTemplate(ctx context.Context, name string) (string, error)
	RenderTemplate(ctx context.Context, tmpl string, data json.RawMessage) (string, error)
}

// Template kinds loaded once per session.
const (
	TemplateSystem    = "system"
	TemplateTaskStart = "task_start"
)

const defaultTemplateGroup = "default"

//go:embed templates
var builtinTemplates embed.FS

// Classifier maps a task description to a task type.
type Classifier interface {
	Classify(ctx context.Context, task string) (string, error)
}

// TemplateLifecycle is the default Lifecycle: a Classifier plus prompt
// templates named "<task_type>/<kind>", looked up first in an optional
// override directory and then in the built-in set.
type TemplateLifecycle struct {
	classifier Classifier
	sources    []fs.FS
}

// NewTemplateLifecycle creates a lifecycle. overrideDir may be empty.
func NewTemplateLifecycle(classifier Classifier, overrideDir string) *TemplateLifecycle {
	if classifier == nil {
		classifier = NewKeywordClassifier(nil, "")
	}
	builtin, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		panic(err)
	}
	l := &TemplateLifecycle{classifier: classifier}
	if overrideDir != "" {
		l.sources = append(l.sources, os.DirFS(overrideDir))
	}
	l.sources = append(l.sources, builtin)
	return l
}

// Classify delegates to the configured classifier.
func (l *TemplateLifecycle) Classify(ctx context.Context, task string) (string, error) {
	return l.classifier.Classify(ctx, task)
}

// LoadTemplate returns the template text for name ("code/system"). When the
// task type has no such template, the default group's is used.
func (l *TemplateLifecycle) LoadTemplate(_ context.Context, name string) (string, error) {
	group, kind := path.Split(name)
	group = strings.TrimSuffix(group, "/")
	if kind == "" {
		return "", &TemplateError{Name: name, Err: errors.New("template name must be <task_type>/<kind>")}
	}
	candidates := []string{name + ".tmpl"}
	if group != defaultTemplateGroup {
		candidates = append(candidates, path.Join(defaultTemplateGroup, kind)+".tmpl")
	}
	for _, candidate := range candidates {
		for _, src := range l.sources {
			data, err := fs.ReadFile(src, candidate)
			if err == nil {
				return string(data), nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return "", &TemplateError{Name: name, Err: err}
			}
		}
	}
	return "", &TemplateError{Name: name, Err: fs.ErrNotExist}
}

var templateFuncs = template.FuncMap{
	"join": func(sep string, items []any) string {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep)
	},
	"upper": strings.ToUpper,
}

// RenderTemplate executes tmpl with data decoded from JSON. Referencing a
// key the data does not carry is an error.
func (l *TemplateLifecycle) RenderTemplate(_ context.Context, tmpl string, data json.RawMessage) (string, error) {
	vars := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &vars); err != nil {
			return "", &TemplateError{Name: "render", Err: fmt.Errorf("decoding template data: %w", err)}
		}
	}
	t, err := template.New("prompt").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", &TemplateError{Name: "render", Err: err}
	}
	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return "", &TemplateError{Name: "render", Err: err}
	}
	return strings.TrimSpace(sb.String()), nil
}

// KeywordRule assigns TaskType to tasks matching Pattern.
type KeywordRule struct {
	TaskType string
	Pattern  *regexp.Regexp
}

// DefaultKeywordRules covers the task types shipped with built-in templates.
var DefaultKeywordRules = []KeywordRule{
	{TaskType: "code", Pattern: regexp.MustCompile(`(?i)\b(implement|refactor|fix|bug|function|compile|test|build|debug|code)\b`)},
	{TaskType: "analysis", Pattern: regexp.MustCompile(`(?i)\b(explain|analy[sz]e|summari[sz]e|review|investigate|why|describe)\b`)},
}

// KeywordClassifier picks the first rule whose pattern matches the task.
type KeywordClassifier struct {
	rules    []KeywordRule
	fallback string
}

// NewKeywordClassifier creates a classifier. nil rules means
// DefaultKeywordRules; an empty fallback means "general".
func NewKeywordClassifier(rules []KeywordRule, fallback string) *KeywordClassifier {
	if rules == nil {
		rules = DefaultKeywordRules
	}
	if fallback == "" {
		fallback = "general"
	}
	return &KeywordClassifier{rules: rules, fallback: fallback}
}

// Classify returns the matching task type, or the fallback.
func (k *KeywordClassifier) Classify(_ context.Context, task string) (string, error) {
	for _, r := range k.rules {
		if r.Pattern.MatchString(task) {
			return r.TaskType, nil
		}
	}
	return k.fallback, nil
}

// ProviderClassifier asks a model to label the task with one of Labels.
type ProviderClassifier struct {
	Provider unifiedllm.ProviderAdapter
	Model    string
	Labels   []string
}

// Classify returns ErrUnclassified when the model's answer is not one of
// the allowed labels.
func (p *ProviderClassifier) Classify(ctx context.Context, task string) (string, error) {
	if len(p.Labels) == 0 {
		return "", fmt.Errorf("%w: no labels configured", ErrUnclassified)
	}
	prompt := fmt.Sprintf("Classify the following task as exactly one of: %s.\nReply with the label only.\n\nTask: %s",
		strings.Join(p.Labels, ", "), task)
	resp, err := p.Provider.Complete(ctx, unifiedllm.Request{
		Model:    p.Model,
		Messages: []unifiedllm.Message{unifiedllm.UserMessage(prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("classifying task: %w", err)
	}
	answer := strings.ToLower(strings.Trim(strings.TrimSpace(resp.Text()), ".\"'`"))
	for _, label := range p.Labels {
		if answer == strings.ToLower(label) {
			return label, nil
		}
	}
	return "", fmt.Errorf("%w: model answered %q", ErrUnclassified, answer)
}
