package builtin_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitop-dev/agentcore/pkg/tools/builtin"
)

func grepTool(t *testing.T, cwd string, params map[string]any) string {
	t.Helper()
	tool := builtin.NewGrepTool(cwd)
	result, err := tool.Execute(context.Background(), "c1", params, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return resultTextContent(result)
}

func TestGrepTool_BasicMatch(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\nfunc Hello() {}\n"), 0644)
	os.WriteFile(filepath.Join(dir, "b.go"), []byte("package b\n"), 0644)

	out := grepTool(t, dir, map[string]any{"pattern": "func Hello"})
	if !strings.Contains(out, "a.go:2: func Hello() {}") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "b.go") {
		t.Errorf("non-matching file present: %q", out)
	}
}

func TestGrepTool_IgnoreCase(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("Hello World\n"), 0644)

	if out := grepTool(t, dir, map[string]any{"pattern": "hello"}); !strings.Contains(out, "No matches") {
		t.Errorf("case-sensitive search matched: %q", out)
	}
	out := grepTool(t, dir, map[string]any{"pattern": "hello", "ignoreCase": true})
	if !strings.Contains(out, "Hello World") {
		t.Errorf("output = %q", out)
	}
}

func TestGrepTool_LiteralPattern(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("a.b\naxb\n"), 0644)

	out := grepTool(t, dir, map[string]any{"pattern": "a.b", "literal": true})
	if !strings.Contains(out, "f.txt:1:") || strings.Contains(out, "axb") {
		t.Errorf("literal match wrong: %q", out)
	}
}

func TestGrepTool_InvalidRegex(t *testing.T) {
	out := grepTool(t, t.TempDir(), map[string]any{"pattern": "([unclosed"})
	if !strings.Contains(out, "invalid pattern") {
		t.Errorf("output = %q", out)
	}
}

func TestGrepTool_GlobFilter(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("needle\n"), 0644)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("needle\n"), 0644)

	out := grepTool(t, dir, map[string]any{"pattern": "needle", "glob": "*.go"})
	if !strings.Contains(out, "a.go") || strings.Contains(out, "a.txt") {
		t.Errorf("glob filter wrong: %q", out)
	}
}

func TestGrepTool_ContextLines(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("one\ntwo\nthree\nfour\nfive\n"), 0644)

	out := grepTool(t, dir, map[string]any{"pattern": "three", "context": 1})
	if !strings.Contains(out, "f.txt-2- two") ||
		!strings.Contains(out, "f.txt:3: three") ||
		!strings.Contains(out, "f.txt-4- four") {
		t.Errorf("context rendering wrong: %q", out)
	}
}

func TestGrepTool_MatchLimit(t *testing.T) {
	dir := t.TempDir()
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("match line\n")
	}
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte(sb.String()), 0644)

	out := grepTool(t, dir, map[string]any{"pattern": "match", "limit": 3})
	if !strings.Contains(out, "3 matches limit reached") {
		t.Errorf("missing limit notice: %q", out)
	}
}

func TestGrepTool_SingleFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "only.txt"), []byte("alpha\nbeta\n"), 0644)

	out := grepTool(t, dir, map[string]any{"pattern": "beta", "path": "only.txt"})
	if !strings.Contains(out, "beta") {
		t.Errorf("output = %q", out)
	}
}
