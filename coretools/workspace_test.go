package coretools

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T, files map[string]string) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir(), true)
	require.NoError(t, err)
	for name, content := range files {
		require.NoError(t, ws.WriteFile(name, content))
	}
	return ws
}

func TestResolve(t *testing.T) {
	ws := newWorkspace(t, nil)

	got, err := ws.Resolve("a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root(), "a", "b.txt"), got)

	got, err = ws.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, ws.Root(), got)

	for _, p := range []string{"../escape", "a/../../escape", filepath.Join(filepath.Dir(ws.Root()), "other")} {
		_, err := ws.Resolve(p)
		require.ErrorIs(t, err, ErrOutsideWorkspace, p)
	}

	open, err := NewWorkspace(ws.Root(), false)
	require.NoError(t, err)
	got, err = open.Resolve("../elsewhere")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(ws.Root()), "elsewhere"), got)
}

func TestReadFile(t *testing.T) {
	ws := newWorkspace(t, map[string]string{"f.txt": "one\ntwo\nthree\n"})

	got, err := ws.ReadFile("f.txt", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "1 | one\n2 | two\n3 | three\n", got)

	got, err = ws.ReadFile("f.txt", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, "2 | two\n", got)

	got, err = ws.ReadFile("f.txt", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ws.ReadFile("missing.txt", 0, 0)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteFileCreatesParents(t *testing.T) {
	ws := newWorkspace(t, nil)
	require.NoError(t, ws.WriteFile("deep/nested/f.txt", "x"))
	assert.True(t, ws.Exists("deep/nested/f.txt"))

	require.NoError(t, ws.WriteFile("deep/nested/f.txt", "y"))
	raw, err := ws.ReadRaw("deep/nested/f.txt")
	require.NoError(t, err)
	assert.Equal(t, "y", raw)

	require.ErrorIs(t, ws.WriteFile("../outside.txt", "x"), ErrOutsideWorkspace)
}

func TestListDirectory(t *testing.T) {
	ws := newWorkspace(t, map[string]string{"b.txt": "bb", "a.txt": "a", "sub/c.txt": "c"})

	entries, err := ws.ListDirectory("")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, DirEntry{Name: "sub", IsDir: true}, entries[0])
	assert.Equal(t, DirEntry{Name: "a.txt", Size: 1}, entries[1])
	assert.Equal(t, DirEntry{Name: "b.txt", Size: 2}, entries[2])
}

func TestExecCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	ws := newWorkspace(t, map[string]string{"sub/marker": ""})

	res, err := ws.ExecCommand(t.Context(), "echo out; echo err >&2; exit 3", 5*time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "out\n\nerr\n", res.Output())

	res, err = ws.ExecCommand(t.Context(), "ls", 5*time.Second, "sub")
	require.NoError(t, err)
	assert.Equal(t, "marker\n", res.Stdout)

	res, err = ws.ExecCommand(t.Context(), "sleep 5", 100*time.Millisecond, "")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}

func TestExecCommandFiltersCredentials(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	t.Setenv("TRUSTEE_TEST_API_KEY", "secret")
	t.Setenv("TRUSTEE_TEST_VISIBLE", "shown")
	ws := newWorkspace(t, nil)

	res, err := ws.ExecCommand(t.Context(), `echo "[$TRUSTEE_TEST_API_KEY][$TRUSTEE_TEST_VISIBLE]"`, 5*time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, "[][shown]\n", res.Stdout)
}

func TestExecCommandCancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	ws := newWorkspace(t, nil)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := ws.ExecCommand(ctx, "sleep 5", time.Minute, "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestGrep(t *testing.T) {
	ws := newWorkspace(t, map[string]string{
		"main.go":        "package main\nfunc Main() {}\n",
		"lib/util.go":    "package lib\nfunc helper() {}\nfunc Other() {}\n",
		"lib/notes.md":   "func in markdown\n",
		".git/HEAD":      "func hidden\n",
		"bin/data.bin":   "\x00func binary\n",
		"lib/deep/x.txt": "FUNC upper\n",
	})

	out, err := ws.Grep(t.Context(), `^func`, "", GrepOptions{GlobFilter: "*.go"})
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	assert.ElementsMatch(t, []string{
		"main.go:2: func Main() {}",
		"lib/util.go:2: func helper() {}",
		"lib/util.go:3: func Other() {}",
	}, lines)

	out, err = ws.Grep(t.Context(), `func`, "lib", GrepOptions{CaseInsensitive: true, GlobFilter: "lib/**/*.txt"})
	require.NoError(t, err)
	assert.Equal(t, "lib/deep/x.txt:1: FUNC upper", out)

	out, err = ws.Grep(t.Context(), `func`, "", GrepOptions{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, strings.Split(out, "\n"), 2)
	assert.NotContains(t, out, ".git")
	assert.NotContains(t, out, "binary")

	_, err = ws.Grep(t.Context(), `(`, "", GrepOptions{})
	require.ErrorContains(t, err, "invalid pattern")
}

func TestGlob(t *testing.T) {
	ws := newWorkspace(t, map[string]string{"a.go": "", "pkg/b.go": "", "pkg/c.txt": ""})
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(ws.Root(), "a.go"), old, old))

	matches, err := ws.Glob("**/*.go", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg/b.go", "a.go"}, matches)

	matches, err = ws.Glob("*.go", "pkg")
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg/b.go"}, matches)

	matches, err = ws.Glob("*.rs", "")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
