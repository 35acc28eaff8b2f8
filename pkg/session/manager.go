// Package session — Manager: locate, list, create, and load sessions.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultBaseDir returns the platform-appropriate root for session storage.
// Sessions live under <base>/<encoded-cwd>/<timestamp>-<id>.jsonl.
func DefaultBaseDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentcore", "sessions")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agentcore", "sessions")
}

// EncodeCWD derives a directory name from a working directory: leading
// separator stripped, remaining separators replaced with '-', wrapped in
// double dashes. /home/user/proj → --home-user-proj--.
func EncodeCWD(cwd string) string {
	p := filepath.ToSlash(filepath.Clean(cwd))
	p = strings.TrimPrefix(p, "/")
	p = strings.ReplaceAll(p, "/", "-")
	return "--" + p + "--"
}

// Manager resolves session files under a base directory, one subdirectory
// per working directory.
type Manager struct {
	BaseDir string
	Logger  *slog.Logger
}

// NewManager returns a Manager rooted at baseDir ("" = DefaultBaseDir).
func NewManager(baseDir string, logger *slog.Logger) *Manager {
	if baseDir == "" {
		baseDir = DefaultBaseDir()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{BaseDir: baseDir, Logger: logger}
}

// Dir returns the session directory for a working directory.
func (m *Manager) Dir(cwd string) string {
	return filepath.Join(m.BaseDir, EncodeCWD(cwd))
}

// Create starts a new session for cwd.
func (m *Manager) Create(cwd string) (*Session, error) {
	return Create(m.Dir(cwd), cwd, m.Logger)
}

// Open loads the session whose file name contains idPrefix, searching the
// directory for cwd.
func (m *Manager) Open(cwd, idPrefix string) (*Session, error) {
	dir := m.Dir(cwd)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("session: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), idPrefix) && strings.HasSuffix(e.Name(), ".jsonl") {
			return Load(filepath.Join(dir, e.Name()), m.Logger)
		}
	}
	return nil, fmt.Errorf("session: no session matching %q in %s", idPrefix, dir)
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

// Info is a lightweight summary of a session, used for pickers.
type Info struct {
	ID           string    // session ULID
	Path         string    // absolute path to the JSONL file
	CWD          string    // working directory at creation
	Created      time.Time // parsed from the header
	MessageCount int       // number of message entries
	FirstMessage string    // text of the first user message (truncated)
}

// List returns summary info for all sessions recorded for cwd, newest-first.
func (m *Manager) List(cwd string) ([]Info, error) {
	return m.listDir(m.Dir(cwd))
}

// ListAll returns summary info for every session across all working
// directories, newest-first.
func (m *Manager) ListAll() ([]Info, error) {
	dirs, err := os.ReadDir(m.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: read base dir: %w", err)
	}

	var all []Info
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		infos, err := m.listDir(filepath.Join(m.BaseDir, d.Name()))
		if err != nil {
			continue
		}
		all = append(all, infos...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Created.After(all[j].Created) })
	return all, nil
}

func (m *Manager) listDir(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: list %s: %w", dir, err)
	}

	var infos []Info
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := readInfo(filepath.Join(dir, e.Name()))
		if err != nil {
			m.Logger.Warn("session: skipping unreadable session file", "path", e.Name(), "err", err)
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Created.After(infos[j].Created) })
	return infos, nil
}

func readInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}

	info := Info{Path: path}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		meta, raw, err := ParseLine([]byte(line))
		if err != nil {
			continue
		}
		switch meta.Type {
		case EntryTypeSession:
			var h Header
			if err := json.Unmarshal(raw, &h); err == nil {
				info.ID = h.ID
				info.CWD = h.CWD
				if t, err := time.Parse(time.RFC3339Nano, h.CreatedAt); err == nil {
					info.Created = t
				}
			}
		case EntryTypeMessage:
			info.MessageCount++
			if info.FirstMessage == "" {
				var e MessageEntry
				if err := json.Unmarshal(raw, &e); err == nil && e.Role == "user" {
					info.FirstMessage = firstTextSnippet(raw)
				}
			}
		}
	}

	if info.ID == "" {
		return Info{}, fmt.Errorf("no session header in %s", path)
	}
	return info, nil
}

// firstTextSnippet pulls the first text block out of a raw MessageEntry line.
func firstTextSnippet(line []byte) string {
	var probe struct {
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return ""
	}
	for _, c := range probe.Message.Content {
		if c.Type == "text" && c.Text != "" {
			if len(c.Text) > 80 {
				return c.Text[:77] + "..."
			}
			return c.Text
		}
	}
	return ""
}
