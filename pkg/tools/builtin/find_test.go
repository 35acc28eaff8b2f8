package builtin_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitop-dev/agentcore/pkg/tools/builtin"
)

func findTool(t *testing.T, cwd string, params map[string]any) string {
	t.Helper()
	tool := builtin.NewFindTool(cwd)
	result, err := tool.Execute(context.Background(), "c1", params, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return resultTextContent(result)
}

func TestFindTool_SimpleGlob(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("notes"), 0644)

	out := findTool(t, dir, map[string]any{"pattern": "*.go"})
	if !strings.Contains(out, "main.go") || strings.Contains(out, "notes.txt") {
		t.Errorf("output = %q", out)
	}
}

func TestFindTool_DoubleStarGlob(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "src", "util"), 0755)
	os.WriteFile(filepath.Join(dir, "src", "util", "x.go"), []byte("package util"), 0644)
	os.WriteFile(filepath.Join(dir, "top.go"), []byte("package top"), 0644)

	out := findTool(t, dir, map[string]any{"pattern": "**/*.go"})
	if !strings.Contains(out, "src/util/x.go") {
		t.Errorf("nested match missing: %q", out)
	}
}

func TestFindTool_SkipsIgnoredDirs(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0755)
	os.WriteFile(filepath.Join(dir, "node_modules", "pkg", "dep.go"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "app.go"), []byte("x"), 0644)

	out := findTool(t, dir, map[string]any{"pattern": "*.go"})
	if strings.Contains(out, "node_modules") {
		t.Errorf("node_modules not skipped: %q", out)
	}
	if !strings.Contains(out, "app.go") {
		t.Errorf("app.go missing: %q", out)
	}
}

func TestFindTool_RespectsGitignore(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("dist/\n*.log\n"), 0644)
	os.MkdirAll(filepath.Join(dir, "dist"), 0755)
	os.WriteFile(filepath.Join(dir, "dist", "bundle.log"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "debug.log"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "keep.log.txt"), []byte("x"), 0644)

	out := findTool(t, dir, map[string]any{"pattern": "*"})
	if strings.Contains(out, "debug.log") || strings.Contains(out, "dist/") {
		t.Errorf("ignored files leaked: %q", out)
	}
}

func TestFindTool_NoMatches(t *testing.T) {
	out := findTool(t, t.TempDir(), map[string]any{"pattern": "*.rs"})
	if !strings.Contains(out, "No files found") {
		t.Errorf("output = %q", out)
	}
}

func TestFindTool_PatternRequired(t *testing.T) {
	out := findTool(t, t.TempDir(), map[string]any{})
	if !strings.Contains(out, "pattern is required") {
		t.Errorf("output = %q", out)
	}
}
