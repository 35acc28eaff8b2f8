package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/tools"
)

const findDefaultLimit = 1000

var errLimitReached = errors.New("limit reached")

// FindTool locates files by glob pattern. Pure-Go walk that honors
// .gitignore and skips VCS and node_modules directories.
type FindTool struct {
	cwd string
}

func NewFindTool(cwd string) *FindTool { return &FindTool{cwd: cwd} }

func (t *FindTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:  "find",
		Label: "Find",
		Description: fmt.Sprintf(
			"Search for files by glob pattern. Returns matching file paths relative to the search directory. "+
				"Respects .gitignore. Output is truncated to %d results or %s (whichever is hit first).",
			findDefaultLimit, FormatSize(DefaultMaxBytes),
		),
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"pattern": {Type: "string", Description: "Glob pattern to match files, e.g. '*.go', '**/*.json', or 'src/**/*_test.go'"},
				"path":    {Type: "string", Description: "Directory to search in (default: current directory)"},
				"limit":   {Type: "integer", Description: fmt.Sprintf("Maximum number of results (default: %d)", findDefaultLimit)},
			},
			Required: []string{"pattern"},
		}),
	}
}

func (t *FindTool) Execute(ctx context.Context, _ string, params map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	pattern, _ := params["pattern"].(string)
	if pattern == "" {
		return tools.ErrorResult(fmt.Errorf("pattern is required")), nil
	}

	pathParam, _ := params["path"].(string)
	limit := findDefaultLimit
	if n, ok := intParam(params, "limit"); ok && n > 0 {
		limit = n
	}

	root := t.cwd
	if pathParam != "" {
		root = resolvePath(pathParam, t.cwd)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return tools.ErrorResult(fmt.Errorf("path not found or not a directory: %s", root)), nil
	}

	ignore := loadIgnoreRules(root)

	var results []string
	limitReached := false

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
		if ignore.skipFile(path, root) {
			return nil
		}

		matched, _ := matchGlob(pattern, d.Name(), path, root)
		if !matched {
			return nil
		}

		rel, _ := filepath.Rel(root, path)
		results = append(results, filepath.ToSlash(rel))
		if len(results) >= limit {
			limitReached = true
			return errLimitReached
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errLimitReached) {
		return tools.ErrorResult(walkErr), nil
	}

	if len(results) == 0 {
		return tools.TextResult("No files found matching pattern"), nil
	}

	tr := TruncateHead(strings.Join(results, "\n"), maxInt, DefaultMaxBytes)
	output := tr.Content

	var notices []string
	if limitReached {
		notices = append(notices, fmt.Sprintf("%d results limit reached. Use limit=%d for more, or refine pattern", limit, limit*2))
	}
	if tr.Truncated {
		notices = append(notices, fmt.Sprintf("%s limit reached", FormatSize(DefaultMaxBytes)))
	}
	if len(notices) > 0 {
		output += "\n\n[" + strings.Join(notices, ". ") + "]"
	}

	return tools.Result{
		Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: output}},
	}, nil
}
