package builtin

import (
	"os"
	"path/filepath"
	"strings"
)

// Directories never worth descending into.
var skipDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true, "node_modules": true,
}

// ignoreRules is a minimal .gitignore matcher: plain patterns only, no
// negation. Good enough to keep build output out of search results.
type ignoreRules struct {
	patterns []string
}

func loadIgnoreRules(root string) ignoreRules {
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return ignoreRules{}
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		patterns = append(patterns, line)
	}
	return ignoreRules{patterns: patterns}
}

func (r ignoreRules) skipDir(absPath, root string) bool {
	rel, _ := filepath.Rel(root, absPath)
	name := filepath.Base(absPath)
	for _, p := range r.patterns {
		clean := strings.TrimSuffix(p, "/")
		if ok, _ := filepath.Match(clean, name); ok {
			return true
		}
		if ok, _ := filepath.Match(clean, filepath.ToSlash(rel)); ok {
			return true
		}
	}
	return false
}

func (r ignoreRules) skipFile(absPath, root string) bool {
	rel, _ := filepath.Rel(root, absPath)
	name := filepath.Base(absPath)
	for _, p := range r.patterns {
		if strings.HasSuffix(p, "/") {
			continue
		}
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.ToSlash(rel)); ok {
			return true
		}
	}
	return false
}

// matchGlob matches a file against a glob. Patterns without ** match the
// bare filename; patterns with ** match the slash-separated relative path.
func matchGlob(pattern, name, absPath, root string) (bool, error) {
	if !strings.Contains(pattern, "**") {
		return filepath.Match(pattern, name)
	}
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return false, err
	}
	return doubleStarMatch(pattern, filepath.ToSlash(rel))
}

// doubleStarMatch handles the common ** shapes (**/*.go, src/**/*.spec.ts)
// by checking the literal prefix and glob-matching the suffix.
func doubleStarMatch(pattern, path string) (bool, error) {
	parts := strings.Split(pattern, "**")
	if len(parts) == 1 {
		return filepath.Match(pattern, path)
	}

	prefix := parts[0]
	suffix := parts[len(parts)-1]

	if prefix != "" {
		if !strings.HasPrefix(path, prefix) {
			return false, nil
		}
		path = path[len(prefix):]
	}
	if suffix != "" && !strings.HasSuffix(path, suffix) {
		m, _ := filepath.Match(suffix, filepath.Base(path))
		return m, nil
	}
	return true, nil
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".ico": true, ".pdf": true, ".zip": true, ".tar": true,
	".gz": true, ".bz2": true, ".xz": true, ".7z": true, ".rar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true,
	".wasm": true, ".bin": true, ".db": true, ".sqlite": true,
	".mp3": true, ".mp4": true, ".mov": true, ".avi": true,
}

func isTextFile(name string) bool {
	return !binaryExtensions[strings.ToLower(filepath.Ext(name))]
}

const maxInt = int(^uint(0) >> 1)
