package coretools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/natefinch/atomic"
)

// ErrOutsideWorkspace is returned for paths that escape a confined workspace.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string
	CaseInsensitive bool
	MaxResults      int
}

// Workspace is the directory tools operate in. Relative paths resolve
// against its root; a confined workspace rejects paths outside it.
type Workspace struct {
	root    string
	confine bool
}

// NewWorkspace creates the workspace rooted at root (the current directory
// when empty), creating the directory if needed.
func NewWorkspace(root string, confine bool) (*Workspace, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Workspace{root: abs, confine: confine}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps path onto the filesystem.
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" {
		return w.root, nil
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(w.root, resolved)
	}
	resolved = filepath.Clean(resolved)
	if w.confine {
		rel, err := filepath.Rel(w.root, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
		}
	}
	return resolved, nil
}

func (w *Workspace) relative(path string) string {
	if rel, err := filepath.Rel(w.root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return path
}

// ReadFile returns lines of path formatted as "N | text". offset is
// 1-based; limit <= 0 reads to the end.
func (w *Workspace) ReadFile(path string, offset, limit int) (string, error) {
	raw, err := w.ReadRaw(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(raw, "\n")
	if strings.HasSuffix(raw, "\n") {
		lines = lines[:len(lines)-1]
	}

	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

// ReadRaw returns the content of path.
func (w *Workspace) ReadRaw(path string) (string, error) {
	resolved, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile atomically replaces path with content, creating parent
// directories as needed.
func (w *Workspace) WriteFile(path, content string) error {
	resolved, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return atomic.WriteFile(resolved, strings.NewReader(content))
}

// Exists reports whether path exists.
func (w *Workspace) Exists(path string) bool {
	resolved, err := w.Resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(resolved)
	return err == nil
}

// ListDirectory returns the entries of path, directories first.
func (w *Workspace) ListDirectory(path string) ([]DirEntry, error) {
	resolved, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}
	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		de := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].IsDir != result[j].IsDir {
			return result[i].IsDir
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// ExecCommand runs command through the platform shell in dir (the root when
// empty). A non-zero exit status is reported in the result, not as an error.
func (w *Workspace) ExecCommand(ctx context.Context, command string, timeout time.Duration, dir string) (*ExecResult, error) {
	workDir, err := w.Resolve(dir)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, flag := shellCommand()
	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Dir = workDir
	cmd.SysProcAttr = processGroupAttr()
	cmd.Env = filterEnvironment()
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case ctx.Err() != nil:
			return result, ctx.Err()
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("running command: %w", err)
		}
	}
	return result, nil
}

// Grep searches files under path for lines matching pattern and returns
// "file:line: text" entries relative to the root. .git directories are
// skipped.
func (w *Workspace) Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error) {
	base, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	if opts.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}

	var results []string
	limitReached := errors.New("limit reached")
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if opts.GlobFilter != "" && !matchFilter(opts.GlobFilter, w.relative(p)) {
			return nil
		}
		return grepFile(p, w.relative(p), re, func(line string) bool {
			results = append(results, line)
			return opts.MaxResults <= 0 || len(results) < opts.MaxResults
		}, limitReached)
	})
	if err != nil && !errors.Is(err, limitReached) {
		return "", err
	}
	return strings.Join(results, "\n"), nil
}

func grepFile(path, display string, re *regexp.Regexp, emit func(string) bool, stop error) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if lineNum == 1 && strings.IndexByte(line, 0) >= 0 {
			// Binary file.
			return nil
		}
		if re.MatchString(line) {
			if !emit(fmt.Sprintf("%s:%d: %s", display, lineNum, line)) {
				return stop
			}
		}
	}
	return nil
}

// matchFilter matches a glob filter against a slash-separated relative
// path. Filters without a slash match the base name.
func matchFilter(filter, rel string) bool {
	if !strings.Contains(filter, "/") {
		ok, _ := doublestar.Match(filter, filepath.Base(rel))
		return ok
	}
	ok, _ := doublestar.Match(filter, rel)
	return ok
}

// Glob returns files under path matching pattern ("**" allowed), relative
// to the root and sorted newest first.
func (w *Workspace) Glob(pattern, path string) ([]string, error) {
	base, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	matches, err := doublestar.Glob(os.DirFS(base), filepath.ToSlash(pattern), doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}

	type match struct {
		path    string
		modTime time.Time
	}
	found := make([]match, 0, len(matches))
	for _, m := range matches {
		full := filepath.Join(base, filepath.FromSlash(m))
		var mod time.Time
		if info, err := os.Stat(full); err == nil {
			mod = info.ModTime()
		}
		found = append(found, match{path: w.relative(full), modTime: mod})
	}
	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.After(found[j].modTime)
		}
		return found[i].path < found[j].path
	})

	result := make([]string, len(found))
	for i, m := range found {
		result[i] = m.path
	}
	return result, nil
}

var sensitiveEnvSuffixes = []string{"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL"}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

// filterEnvironment drops credentials from the environment commands see.
func filterEnvironment() []string {
	var filtered []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}
