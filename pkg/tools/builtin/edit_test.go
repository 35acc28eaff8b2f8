package builtin_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitop-dev/agentcore/pkg/tools/builtin"
)

func editTool(t *testing.T, cwd, path, oldText, newText string) string {
	t.Helper()
	tool := builtin.NewEditTool(cwd)
	result, err := tool.Execute(context.Background(), "c1", map[string]any{
		"path":    path,
		"oldText": oldText,
		"newText": newText,
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return resultTextContent(result)
}

func TestEditTool_BasicReplace(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "f.go")
	os.WriteFile(f, []byte("func Hello() {}\n"), 0644)

	editTool(t, dir, "f.go", "Hello", "World")

	data, _ := os.ReadFile(f)
	if !strings.Contains(string(data), "World") {
		t.Errorf("replacement not applied, got: %s", data)
	}
	if strings.Contains(string(data), "Hello") {
		t.Errorf("old text still present: %s", data)
	}
}

func TestEditTool_MultilineReplace(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("line one\nline two\nline three\n"), 0644)

	editTool(t, dir, "f.txt", "line one\nline two", "replaced")

	data, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	if !strings.Contains(string(data), "replaced") {
		t.Errorf("multiline replace failed, got: %s", data)
	}
}

func TestEditTool_NotFound(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("content"), 0644)

	out := editTool(t, dir, "f.txt", "DOES_NOT_EXIST", "x")
	if !strings.Contains(out, "could not find") && !strings.Contains(strings.ToLower(out), "error") {
		t.Errorf("expected not-found error, got: %q", out)
	}
}

func TestEditTool_AmbiguousMatch(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("foo\nfoo\n"), 0644)

	out := editTool(t, dir, "f.txt", "foo", "bar")
	if !strings.Contains(out, "occurrences") {
		t.Errorf("expected ambiguity error, got: %q", out)
	}

	// File must be untouched.
	data, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	if string(data) != "foo\nfoo\n" {
		t.Errorf("file modified despite ambiguous match: %s", data)
	}
}

func TestEditTool_FuzzyTrailingWhitespace(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("hello   \nworld\n"), 0644)

	// oldText without the trailing spaces should still match.
	editTool(t, dir, "f.txt", "hello\nworld", "done")

	data, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	if !strings.Contains(string(data), "done") {
		t.Errorf("fuzzy match failed, got: %s", data)
	}
}

func TestEditTool_PreservesCRLF(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("a\r\nb\r\nc\r\n"), 0644)

	editTool(t, dir, "f.txt", "b", "B")

	data, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	if !strings.Contains(string(data), "B\r\n") {
		t.Errorf("CRLF not preserved: %q", data)
	}
}

func TestEditTool_DetailsCarryDiff(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("one\ntwo\nthree\n"), 0644)

	tool := builtin.NewEditTool(dir)
	result, err := tool.Execute(context.Background(), "c1", map[string]any{
		"path":    "f.txt",
		"oldText": "two",
		"newText": "2",
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	details, ok := result.Details.(builtin.EditDetails)
	if !ok {
		t.Fatalf("Details type = %T, want EditDetails", result.Details)
	}
	if !strings.Contains(details.Diff, "-") || !strings.Contains(details.Diff, "+") {
		t.Errorf("diff missing +/- lines: %q", details.Diff)
	}
	if details.FirstChangedLine != 2 {
		t.Errorf("FirstChangedLine = %d, want 2", details.FirstChangedLine)
	}
}
