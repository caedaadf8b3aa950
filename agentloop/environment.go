package agentloop

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
)

const (
	maxProjectDocBytes = 32 * 1024
	maxRecentCommits   = 10
)

// ProjectDocFiles are the instruction files collected from the repository
// root down to the working directory.
var ProjectDocFiles = []string{"AGENTS.md", "CLAUDE.md", ".trustee/instructions.md"}

// ToolSummary names a tool for prompt templates.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GitContext describes the repository the agent works in.
type GitContext struct {
	IsRepo        bool     `json:"is_repo"`
	Root          string   `json:"root"`
	Branch        string   `json:"branch"`
	ModifiedFiles int      `json:"modified_files"`
	RecentCommits []string `json:"recent_commits"`
}

// TemplateData is the data prompt templates are rendered with. It is
// marshaled to JSON before crossing the Lifecycle boundary; every field is
// always present so templates can reference any of them.
type TemplateData struct {
	Task             string        `json:"task"`
	TaskType         string        `json:"task_type"`
	Mode             Mode          `json:"mode"`
	SessionID        string        `json:"session_id"`
	WorkingDir       string        `json:"working_dir"`
	Platform         string        `json:"platform"`
	Date             string        `json:"date"`
	Model            string        `json:"model"`
	Provider         string        `json:"provider"`
	Tools            []ToolSummary `json:"tools"`
	Git              GitContext    `json:"git"`
	ProjectDocs      string        `json:"project_docs"`
	UserInstructions string        `json:"user_instructions"`
	CompletionMarker string        `json:"completion_marker"`
	SubmitTool       string        `json:"submit_tool"`
}

// BuildTemplateData gathers the environment for a session's opening prompts.
func BuildTemplateData(sessionID, task, taskType string, cfg SessionConfig, registry *ToolRegistry, now time.Time) TemplateData {
	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	gitCtx := ReadGitContext(workingDir)

	var tools []ToolSummary
	if registry != nil {
		for _, def := range registry.Definitions() {
			tools = append(tools, ToolSummary{Name: def.Name, Description: def.Description})
		}
	}

	docRoot := gitCtx.Root
	if docRoot == "" {
		docRoot = workingDir
	}

	return TemplateData{
		Task:             task,
		TaskType:         taskType,
		Mode:             cfg.Mode,
		SessionID:        sessionID,
		WorkingDir:       workingDir,
		Platform:         runtime.GOOS + "/" + runtime.GOARCH,
		Date:             now.Format("2006-01-02"),
		Model:            cfg.Model,
		Provider:         cfg.Provider,
		Tools:            tools,
		Git:              gitCtx,
		ProjectDocs:      DiscoverProjectDocs(docRoot, workingDir),
		UserInstructions: cfg.UserInstructions,
		CompletionMarker: cfg.CompletionMarker,
		SubmitTool:       cfg.SubmitToolName,
	}
}

// ReadGitContext inspects the repository containing dir. A directory
// outside any repository yields a zero GitContext.
func ReadGitContext(dir string) GitContext {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return GitContext{}
	}
	gc := GitContext{IsRepo: true}

	if wt, err := repo.Worktree(); err == nil {
		gc.Root = wt.Filesystem.Root()
		if status, err := wt.Status(); err == nil {
			for _, s := range status {
				if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
					gc.ModifiedFiles++
				}
			}
		}
	}

	head, err := repo.Head()
	if err != nil {
		// Fresh repository without commits.
		return gc
	}
	gc.Branch = head.Name().Short()

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return gc
	}
	defer iter.Close()
	for len(gc.RecentCommits) < maxRecentCommits {
		c, err := iter.Next()
		if err != nil {
			break
		}
		subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
		gc.RecentCommits = append(gc.RecentCommits, c.Hash.String()[:7]+" "+subject)
	}
	return gc
}

// DiscoverProjectDocs loads ProjectDocFiles from every directory between
// root and workingDir, outermost first, capped at 32KB in total.
func DiscoverProjectDocs(root, workingDir string) string {
	var docs []string
	total := 0
	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, name := range ProjectDocFiles {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				docs = append(docs, "[project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("## %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns directories from root to target, inclusive.
// A target outside root yields only target.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return []string{root}
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return []string{target}
	}

	dirs := []string{root}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}
