// Package builtin provides the standard file and shell tools: read, write,
// edit, bash, ls, find, and grep. The file tools take a "path" parameter so
// the agent's compaction pass can roll up which files a conversation touched.
package builtin

import (
	"fmt"

	"github.com/bitop-dev/agentcore/pkg/tools"
)

// Register adds the built-in tools to the registry. cwd is the working
// directory all file tools operate from; pass "" for the process working
// directory.
func Register(reg *tools.Registry, cwd string) {
	if cwd == "" {
		cwd = "."
	}
	reg.Register(NewReadTool(cwd))
	reg.Register(NewWriteTool(cwd))
	reg.Register(NewEditTool(cwd))
	reg.Register(NewBashTool(cwd))
	reg.Register(NewLsTool(cwd))
	reg.Register(NewFindTool(cwd))
	reg.Register(NewGrepTool(cwd))
}

const (
	DefaultMaxLines = 2000
	DefaultMaxBytes = 50 * 1024 // 50 KB
	contextLines    = 4         // lines of context shown around edits
)

// FormatSize formats a byte count as a human-readable string.
func FormatSize(bytes int) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%dB", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
	}
}
