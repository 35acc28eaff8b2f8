package builtin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/tools"
)

const (
	grepDefaultLimit  = 100
	grepMaxLineLength = 500
)

// GrepTool searches file contents with Go's regexp engine, walking the tree
// in pure Go.
type GrepTool struct {
	cwd string
}

func NewGrepTool(cwd string) *GrepTool { return &GrepTool{cwd: cwd} }

func (t *GrepTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:  "grep",
		Label: "Grep",
		Description: fmt.Sprintf(
			"Search file contents for a pattern. Returns matching lines with file paths and line numbers. "+
				"Respects .gitignore. Output is truncated to %d matches or %s (whichever is hit first). "+
				"Long lines are truncated to %d chars.",
			grepDefaultLimit, FormatSize(DefaultMaxBytes), grepMaxLineLength,
		),
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"pattern":    {Type: "string", Description: "Search pattern (regex or literal string)"},
				"path":       {Type: "string", Description: "Directory or file to search (default: current directory)"},
				"glob":       {Type: "string", Description: "Filter files by glob pattern, e.g. '*.go' or '**/*_test.go'"},
				"ignoreCase": {Type: "boolean", Description: "Case-insensitive search (default: false)"},
				"literal":    {Type: "boolean", Description: "Treat pattern as literal string instead of regex (default: false)"},
				"context":    {Type: "integer", Description: "Number of lines to show before and after each match (default: 0)"},
				"limit":      {Type: "integer", Description: fmt.Sprintf("Maximum number of matches to return (default: %d)", grepDefaultLimit)},
			},
			Required: []string{"pattern"},
		}),
	}
}

type grepMatch struct {
	file    string // relative, slash-separated
	lineNum int    // 1-indexed
	line    string
}

func (t *GrepTool) Execute(ctx context.Context, _ string, params map[string]any, onUpdate tools.UpdateFn) (tools.Result, error) {
	pattern, _ := params["pattern"].(string)
	if pattern == "" {
		return tools.ErrorResult(fmt.Errorf("pattern is required")), nil
	}

	pathParam, _ := params["path"].(string)
	globParam, _ := params["glob"].(string)
	ignoreCase, _ := params["ignoreCase"].(bool)
	literal, _ := params["literal"].(bool)
	ctxLines, _ := intParam(params, "context")
	limit := grepDefaultLimit
	if n, ok := intParam(params, "limit"); ok && n > 0 {
		limit = n
	}

	root := t.cwd
	if pathParam != "" {
		root = resolvePath(pathParam, t.cwd)
	}

	patStr := pattern
	if literal {
		patStr = regexp.QuoteMeta(pattern)
	}
	if ignoreCase {
		patStr = "(?i)" + patStr
	}
	re, err := regexp.Compile(patStr)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("invalid pattern: %w", err)), nil
	}

	info, err := os.Stat(root)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("path not found: %s", root)), nil
	}

	var matches []grepMatch
	linesTruncated := false
	limitReached := false

	if !info.IsDir() {
		rel, _ := filepath.Rel(t.cwd, root)
		ms, lt, err := grepFile(ctx, root, filepath.ToSlash(rel), re, limit)
		if err != nil {
			return tools.ErrorResult(err), nil
		}
		matches, linesTruncated = ms, lt
		limitReached = len(matches) >= limit
	} else {
		ignore := loadIgnoreRules(root)
		filesSearched := 0

		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil || ctx.Err() != nil {
				return walkErr
			}
			if d.IsDir() {
				if skipDirs[d.Name()] || ignore.skipDir(path, root) {
					return filepath.SkipDir
				}
				return nil
			}
			if globParam != "" {
				if matched, _ := matchGlob(globParam, d.Name(), path, root); !matched {
					return nil
				}
			}
			if !isTextFile(d.Name()) || ignore.skipFile(path, root) {
				return nil
			}

			remaining := limit - len(matches)
			if remaining <= 0 {
				limitReached = true
				return errLimitReached
			}

			rel, _ := filepath.Rel(root, path)
			ms, lt, err := grepFile(ctx, path, filepath.ToSlash(rel), re, remaining)
			if err != nil {
				return nil // unreadable file, keep walking
			}
			matches = append(matches, ms...)
			if lt {
				linesTruncated = true
			}

			filesSearched++
			if onUpdate != nil && filesSearched%100 == 0 {
				onUpdate(tools.Result{
					Content: []ai.ContentBlock{ai.TextContent{
						Type: "text",
						Text: fmt.Sprintf("Searching… %d files scanned, %d matches so far", filesSearched, len(matches)),
					}},
				})
			}
			if len(matches) >= limit {
				limitReached = true
				return errLimitReached
			}
			return nil
		})
		if walkErr != nil && !errors.Is(walkErr, errLimitReached) {
			return tools.ErrorResult(walkErr), nil
		}
	}

	if len(matches) == 0 {
		return tools.TextResult("No matches found"), nil
	}

	tr := TruncateHead(strings.Join(formatMatches(matches, ctxLines, root), "\n"), maxInt, DefaultMaxBytes)
	output := tr.Content

	var notices []string
	if limitReached {
		notices = append(notices, fmt.Sprintf("%d matches limit reached. Use limit=%d for more, or refine pattern", limit, limit*2))
	}
	if tr.Truncated {
		notices = append(notices, fmt.Sprintf("%s limit reached", FormatSize(DefaultMaxBytes)))
	}
	if linesTruncated {
		notices = append(notices, fmt.Sprintf("Some lines truncated to %d chars. Use read tool to see full lines", grepMaxLineLength))
	}
	if len(notices) > 0 {
		output += "\n\n[" + strings.Join(notices, ". ") + "]"
	}

	return tools.Result{
		Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: output}},
	}, nil
}

func grepFile(ctx context.Context, absPath, relPath string, re *regexp.Regexp, limit int) ([]grepMatch, bool, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	var matches []grepMatch
	linesTruncated := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	lineNum := 0

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		lineNum++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		if len(line) > grepMaxLineLength {
			line = line[:grepMaxLineLength] + "…"
			linesTruncated = true
		}
		matches = append(matches, grepMatch{file: relPath, lineNum: lineNum, line: line})
		if len(matches) >= limit {
			break
		}
	}
	return matches, linesTruncated, scanner.Err()
}

// formatMatches renders "file:line: content" lines. With context, nearby
// lines are re-read from the file and marked with "-" separators.
func formatMatches(matches []grepMatch, ctxLines int, root string) []string {
	if ctxLines <= 0 {
		out := make([]string, 0, len(matches))
		for _, m := range matches {
			out = append(out, fmt.Sprintf("%s:%d: %s", m.file, m.lineNum, m.line))
		}
		return out
	}

	fileLines := map[string][]string{}
	getLines := func(absPath string) []string {
		if l, ok := fileLines[absPath]; ok {
			return l
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			fileLines[absPath] = nil
			return nil
		}
		lines := strings.Split(normalizeToLF(string(data)), "\n")
		fileLines[absPath] = lines
		return lines
	}

	var out []string
	for _, m := range matches {
		absPath := filepath.Join(root, filepath.FromSlash(m.file))
		lines := getLines(absPath)
		start := max(0, m.lineNum-1-ctxLines)
		end := min(len(lines), m.lineNum+ctxLines)
		for i := start; i < end; i++ {
			lineText := lines[i]
			if len(lineText) > grepMaxLineLength {
				lineText = lineText[:grepMaxLineLength] + "…"
			}
			if i+1 == m.lineNum {
				out = append(out, fmt.Sprintf("%s:%d: %s", m.file, i+1, lineText))
			} else {
				out = append(out, fmt.Sprintf("%s-%d- %s", m.file, i+1, lineText))
			}
		}
	}
	return out
}
