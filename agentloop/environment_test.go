package agentloop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadGitContext(t *testing.T) {
	if gc := ReadGitContext(t.TempDir()); gc.IsRepo {
		t.Errorf("plain directory reported as a repository: %+v", gc)
	}

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "README.md"), "hello\n")
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Commit("Initial commit\n\nWith a body.", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: fixedNow},
	}); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "README.md"), "changed\n")
	writeFile(t, filepath.Join(dir, "sub", "new.txt"), "new\n")

	gc := ReadGitContext(filepath.Join(dir, "sub"))
	if !gc.IsRepo || gc.Branch != "master" {
		t.Errorf("git context = %+v", gc)
	}
	if gc.ModifiedFiles != 2 {
		t.Errorf("modified files = %d, want 2", gc.ModifiedFiles)
	}
	if len(gc.RecentCommits) != 1 || !strings.HasSuffix(gc.RecentCommits[0], " Initial commit") {
		t.Errorf("recent commits = %v", gc.RecentCommits)
	}
}

func TestDiscoverProjectDocs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "AGENTS.md"), "root rules")
	writeFile(t, filepath.Join(root, "pkg", "CLAUDE.md"), "pkg rules")
	writeFile(t, filepath.Join(root, "other", "AGENTS.md"), "unrelated")

	docs := DiscoverProjectDocs(root, filepath.Join(root, "pkg"))
	if !strings.Contains(docs, "root rules") || !strings.Contains(docs, "pkg rules") {
		t.Errorf("docs = %q", docs)
	}
	if strings.Contains(docs, "unrelated") {
		t.Error("docs from sibling directories should not be included")
	}
	if strings.Index(docs, "root rules") > strings.Index(docs, "pkg rules") {
		t.Error("outer docs should come first")
	}

	writeFile(t, filepath.Join(root, "pkg", "AGENTS.md"), strings.Repeat("z", 40*1024))
	docs = DiscoverProjectDocs(root, filepath.Join(root, "pkg"))
	if !strings.Contains(docs, "truncated at 32KB") {
		t.Error("oversized docs should be truncated")
	}
}

func TestCollectPathHierarchy(t *testing.T) {
	root := filepath.Join("/", "repo")
	got := collectPathHierarchy(root, filepath.Join(root, "a", "b"))
	want := []string{root, filepath.Join(root, "a"), filepath.Join(root, "a", "b")}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("hierarchy = %v, want %v", got, want)
	}
	outside := filepath.Join("/", "elsewhere")
	if got := collectPathHierarchy(root, outside); len(got) != 1 || got[0] != outside {
		t.Errorf("outside target = %v", got)
	}
}

func TestBuildTemplateData(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.WorkingDir = t.TempDir()
	cfg.Model = "gpt-4o"
	cfg.UserInstructions = "be brief"
	registry := NewToolRegistry()
	registry.MustRegister(echoTool("echo"))

	data := BuildTemplateData("sid", "task", "code", cfg, registry, fixedNow)
	if data.Date != "2026-03-14" || data.SessionID != "sid" || data.TaskType != "code" {
		t.Errorf("data = %+v", data)
	}
	if len(data.Tools) != 1 || data.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", data.Tools)
	}
	if data.Git.IsRepo || data.WorkingDir != cfg.WorkingDir || data.UserInstructions != "be brief" {
		t.Errorf("data = %+v", data)
	}
	if data.CompletionMarker != "<task_complete/>" || data.SubmitTool != "submit" {
		t.Errorf("completion settings = %q %q", data.CompletionMarker, data.SubmitTool)
	}
}
