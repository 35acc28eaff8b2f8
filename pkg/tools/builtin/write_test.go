package builtin_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitop-dev/agentcore/pkg/tools/builtin"
)

func writeTool(t *testing.T, cwd, path, content string) string {
	t.Helper()
	tool := builtin.NewWriteTool(cwd)
	result, err := tool.Execute(context.Background(), "c1", map[string]any{
		"path":    path,
		"content": content,
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return resultTextContent(result)
}

func TestWriteTool_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	out := writeTool(t, dir, "new.txt", "hello")
	if !strings.Contains(out, "5 bytes") {
		t.Errorf("unexpected output: %s", out)
	}

	data, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q", data)
	}
}

func TestWriteTool_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "f.txt")
	os.WriteFile(f, []byte("old content"), 0644)

	writeTool(t, dir, "f.txt", "new")

	data, _ := os.ReadFile(f)
	if string(data) != "new" {
		t.Errorf("content = %q, want overwritten", data)
	}
}

func TestWriteTool_CreatesParentDirs(t *testing.T) {
	dir := t.TempDir()

	writeTool(t, dir, "a/b/c.txt", "deep")

	data, err := os.ReadFile(filepath.Join(dir, "a", "b", "c.txt"))
	if err != nil {
		t.Fatalf("nested file not created: %v", err)
	}
	if string(data) != "deep" {
		t.Errorf("content = %q", data)
	}
}

func TestWriteTool_MissingPath(t *testing.T) {
	tool := builtin.NewWriteTool(t.TempDir())
	result, err := tool.Execute(context.Background(), "c1", map[string]any{
		"content": "x",
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out := resultTextContent(result); !strings.Contains(out, "error") {
		t.Errorf("missing path should produce an error result, got %q", out)
	}
}
