// Package session manages persistent agent sessions stored as JSONL files.
//
// Each session is one JSONL file:
//   - Line 1: Header (type=session, id, version, cwd, createdAt)
//   - Lines 2+: one entry per line (messages, compactions, settings changes)
//
// Entries form a tree via parentId; the current path is the chain from the
// newest leaf back to the root. Files are append-only: branching writes new
// entries with divergent parents, never rewrites.
//
// Usage:
//
//	sess, _ := session.Create(dir, cwd, logger)
//	sess.AppendMessage(msg)
//
//	// Later: resume
//	sess, _ = session.Load(path, logger)
//	msgs, _ := sess.BuildContext()
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bitop-dev/agentcore/pkg/ai"
)

// entryNode is one parsed line kept in memory for path reconstruction.
type entryNode struct {
	meta Meta
	raw  json.RawMessage
}

// Session is an open session file. All writes are append-only. A single
// goroutine is the expected writer, but the mutex guards against accidental
// concurrent calls.
type Session struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	id     string
	cwd    string
	path   string
	leafID string

	entries []entryNode
	byID    map[string]int // entry id → index in entries

	logger *slog.Logger
}

// ID returns the session's root id.
func (s *Session) ID() string { return s.id }

// CWD returns the working directory the session was created in.
func (s *Session) CWD() string { return s.cwd }

// FilePath returns the absolute path to the session's JSONL file.
func (s *Session) FilePath() string { return s.path }

// LeafID returns the id of the newest entry (the tip of the current path).
func (s *Session) LeafID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leafID
}

// ---------------------------------------------------------------------------
// Creating and loading sessions
// ---------------------------------------------------------------------------

// Create opens a new session file in dir, writes the header, and returns the
// session. cwd is the working directory at session start. logger may be nil.
func Create(dir, cwd string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: mkdir %s: %w", dir, err)
	}

	id := newEntryID()
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl",
		time.Now().UTC().Format("20060102-150405"), id))

	// O_EXCL: an agent owns its file exclusively; a name collision means
	// another writer got there first.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", path, err)
	}

	s := &Session{
		f:      f,
		w:      bufio.NewWriter(f),
		id:     id,
		cwd:    cwd,
		path:   path,
		leafID: id,
		byID:   map[string]int{},
		logger: logger,
	}

	header := Header{
		Type:      EntryTypeSession,
		ID:        id,
		Version:   currentVersion,
		CreatedAt: nowStamp(),
		CWD:       cwd,
	}
	raw, err := s.writeLine(header)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.index(Meta{Type: EntryTypeSession, ID: id}, raw)

	return s, nil
}

// Load opens an existing session file for appending, parsing all entries to
// restore the in-memory tree. Malformed lines are skipped with a warning.
func Load(path string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}

	s := &Session{
		path:   path,
		byID:   map[string]int{},
		logger: logger,
	}

	for i, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		meta, raw, err := ParseLine([]byte(line))
		if err != nil {
			logger.Warn("session: skipping malformed line", "path", path, "line", i+1, "err", err)
			continue
		}
		if meta.Type == EntryTypeSession {
			var h Header
			if err := json.Unmarshal(raw, &h); err == nil {
				s.id = h.ID
				s.cwd = h.CWD
				meta.ID = h.ID
			}
		}
		s.index(meta, raw)
	}
	if s.id == "" {
		return nil, fmt.Errorf("session: no header in %s", path)
	}

	// Leaf = lexically largest entry id; ULIDs make that the newest.
	s.leafID = s.id
	for _, e := range s.entries {
		if e.meta.ID > s.leafID {
			s.leafID = e.meta.ID
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open %s for append: %w", path, err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	return s, nil
}

// ---------------------------------------------------------------------------
// Appending entries
// ---------------------------------------------------------------------------

// AppendMessage serialises msg and appends a MessageEntry. Returns the new
// entry id.
func (s *Session) AppendMessage(msg ai.Message) (string, error) {
	raw, err := MarshalMessage(msg)
	if err != nil {
		return "", fmt.Errorf("session: marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := MessageEntry{
		Type:      EntryTypeMessage,
		ID:        newEntryID(),
		ParentID:  s.leafID,
		Timestamp: nowStamp(),
		Role:      string(msg.GetRole()),
		Message:   raw,
	}
	return s.appendLocked(entry.ID, entry)
}

// AppendCustomMessage appends a host-defined message entry.
func (s *Session) AppendCustomMessage(tag string, payload json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := CustomMessageEntry{
		Type:      EntryTypeCustomMessage,
		ID:        newEntryID(),
		ParentID:  s.leafID,
		Timestamp: nowStamp(),
		Tag:       tag,
		Payload:   payload,
	}
	return s.appendLocked(entry.ID, entry)
}

// AppendCompaction appends a CompactionEntry recording that a summary
// replaced the history before firstKeptEntryID.
func (s *Session) AppendCompaction(summary, firstKeptEntryID string, tokensBefore int, details CompactionDetails) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := CompactionEntry{
		Type:             EntryTypeCompaction,
		ID:               newEntryID(),
		ParentID:         s.leafID,
		Timestamp:        nowStamp(),
		Summary:          summary,
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
		Details:          details,
	}
	return s.appendLocked(entry.ID, entry)
}

// AppendThinkingLevel records a thinking level change.
func (s *Session) AppendThinkingLevel(level string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := ThinkingLevelEntry{
		Type: EntryTypeThinkingLevel, ID: newEntryID(), ParentID: s.leafID,
		Timestamp: nowStamp(), Level: level,
	}
	return s.appendLocked(entry.ID, entry)
}

// AppendModelChange records a provider/model switch.
func (s *Session) AppendModelChange(provider, model string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := ModelChangeEntry{
		Type: EntryTypeModelChange, ID: newEntryID(), ParentID: s.leafID,
		Timestamp: nowStamp(), Provider: provider, Model: model,
	}
	return s.appendLocked(entry.ID, entry)
}

// AppendLabel attaches a label to an earlier entry.
func (s *Session) AppendLabel(targetID, label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := LabelEntry{
		Type: EntryTypeLabel, ID: newEntryID(), ParentID: s.leafID,
		Timestamp: nowStamp(), TargetID: targetID, Label: label,
	}
	return s.appendLocked(entry.ID, entry)
}

// appendLocked writes one entry line and advances the leaf. Callers hold mu.
func (s *Session) appendLocked(id string, v any) (string, error) {
	raw, err := s.writeLine(v)
	if err != nil {
		return "", err
	}
	var meta Meta
	_ = json.Unmarshal(raw, &meta)
	s.index(meta, raw)
	s.leafID = id
	return id, nil
}

// writeLine marshals v, writes it followed by a newline, and syncs. Appends
// must be durable per call.
func (s *Session) writeLine(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("session: marshal entry: %w", err)
	}
	if _, err := s.w.Write(data); err != nil {
		return nil, fmt.Errorf("session: write: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("session: write newline: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return nil, fmt.Errorf("session: flush: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return nil, fmt.Errorf("session: sync: %w", err)
	}
	return data, nil
}

func (s *Session) index(meta Meta, raw json.RawMessage) {
	s.entries = append(s.entries, entryNode{meta: meta, raw: raw})
	if meta.ID != "" {
		s.byID[meta.ID] = len(s.entries) - 1
	}
}

// Close flushes and closes the session file.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}

// ---------------------------------------------------------------------------
// Paths and context
// ---------------------------------------------------------------------------

// CurrentPath returns the entries from the root to the newest leaf, in
// chronological order.
func (s *Session) CurrentPath() []Meta {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := s.pathToLocked(s.leafID)
	metas := make([]Meta, len(nodes))
	for i, n := range nodes {
		metas[i] = n.meta
	}
	return metas
}

// pathToLocked walks parent pointers from leaf back to the root and returns
// the chain oldest-first. Callers hold mu.
func (s *Session) pathToLocked(leaf string) []entryNode {
	var chain []entryNode
	id := leaf
	for id != "" {
		idx, ok := s.byID[id]
		if !ok {
			break
		}
		node := s.entries[idx]
		chain = append(chain, node)
		id = node.meta.ParentID
	}
	// Reverse to oldest-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// BuildContext materializes the current path into an ordered message list.
// The last compaction on the path takes effect: the summary is injected as a
// synthetic user message and only kept entries (id ≥ firstKeptEntryId)
// before the compaction contribute. Custom messages are included; callers
// filter them before handing the context to a provider.
func (s *Session) BuildContext() ([]ai.Message, error) {
	_, msgs, err := s.BuildContextWithIDs()
	return msgs, err
}

// BuildContextWithIDs is BuildContext plus the entry id of each returned
// message. The synthesized compaction-summary message has an empty id.
func (s *Session) BuildContextWithIDs() ([]string, []ai.Message, error) {
	s.mu.Lock()
	chain := s.pathToLocked(s.leafID)
	s.mu.Unlock()

	// Locate the last compaction on the path.
	lastComp := -1
	var comp CompactionEntry
	for i, n := range chain {
		if n.meta.Type == EntryTypeCompaction {
			if err := json.Unmarshal(n.raw, &comp); err == nil {
				lastComp = i
			}
		}
	}

	var ids []string
	var msgs []ai.Message

	appendEntry := func(n entryNode) {
		switch n.meta.Type {
		case EntryTypeMessage:
			var e MessageEntry
			if err := json.Unmarshal(n.raw, &e); err != nil {
				s.logger.Warn("session: skipping unreadable message entry", "id", n.meta.ID, "err", err)
				return
			}
			msg, err := UnmarshalMessage(e.Role, e.Message)
			if err != nil {
				s.logger.Warn("session: skipping undecodable message", "id", e.ID, "role", e.Role, "err", err)
				return
			}
			ids = append(ids, e.ID)
			msgs = append(msgs, msg)
		case EntryTypeCustomMessage:
			var e CustomMessageEntry
			if err := json.Unmarshal(n.raw, &e); err != nil {
				return
			}
			ids = append(ids, e.ID)
			msgs = append(msgs, ai.CustomMessage{Role: ai.RoleCustom, Tag: e.Tag, Payload: e.Payload})
		}
	}

	if lastComp == -1 {
		for _, n := range chain {
			appendEntry(n)
		}
		return ids, msgs, nil
	}

	// Summary opens the context.
	ids = append(ids, "")
	msgs = append(msgs, CompactionSummaryMessage(comp.Summary))

	// Kept entries before the compaction: id >= firstKeptEntryId. An empty
	// FirstKeptEntryID means the compaction swallowed everything before it,
	// so the summary alone stands in for that history.
	if comp.FirstKeptEntryID != "" {
		for i := 0; i < lastComp; i++ {
			n := chain[i]
			if n.meta.ID < comp.FirstKeptEntryID {
				continue
			}
			appendEntry(n)
		}
	}
	// Everything after the compaction.
	for i := lastComp + 1; i < len(chain); i++ {
		appendEntry(chain[i])
	}
	return ids, msgs, nil
}

// CompactionSummaryMessage wraps a compaction summary as the synthetic user
// message that opens a compacted context.
func CompactionSummaryMessage(summary string) ai.UserMessage {
	text := fmt.Sprintf(
		"The conversation history before this point was compacted into the following summary:\n\n<summary>\n%s\n</summary>",
		summary,
	)
	return ai.UserMessage{
		Role:      ai.RoleUser,
		Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}

// LastCompaction returns the most recent compaction entry on the current
// path, if any. Subsequent compactions chain their file-op details from it.
func (s *Session) LastCompaction() (CompactionEntry, bool) {
	s.mu.Lock()
	chain := s.pathToLocked(s.leafID)
	s.mu.Unlock()

	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].meta.Type == EntryTypeCompaction {
			var e CompactionEntry
			if err := json.Unmarshal(chain[i].raw, &e); err == nil {
				return e, true
			}
		}
	}
	return CompactionEntry{}, false
}

// MessageEntriesOnPath returns the decoded messages of the current path
// together with their entry ids, oldest-first, ignoring compactions. The
// compaction engine uses this to choose a cut point.
func (s *Session) MessageEntriesOnPath() ([]string, []ai.Message, error) {
	s.mu.Lock()
	chain := s.pathToLocked(s.leafID)
	s.mu.Unlock()

	var ids []string
	var msgs []ai.Message
	for _, n := range chain {
		if n.meta.Type != EntryTypeMessage {
			continue
		}
		var e MessageEntry
		if err := json.Unmarshal(n.raw, &e); err != nil {
			continue
		}
		msg, err := UnmarshalMessage(e.Role, e.Message)
		if err != nil {
			continue
		}
		ids = append(ids, e.ID)
		msgs = append(msgs, msg)
	}
	return ids, msgs, nil
}

// ---------------------------------------------------------------------------
// Forking
// ---------------------------------------------------------------------------

// Fork creates a new session file containing a copy of the ancestor chain up
// to and including forkEntryID, followed by a branch_summary entry linking
// back to this session. branchSummary may be empty.
//
// The returned Session is ready for writing and is NOT closed by Fork.
func (s *Session) Fork(dir, forkEntryID, branchSummary string, logger *slog.Logger) (*Session, error) {
	s.mu.Lock()
	if _, ok := s.byID[forkEntryID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: fork: unknown entry %q", forkEntryID)
	}
	chain := s.pathToLocked(forkEntryID)
	parentPath := s.path
	cwd := s.cwd
	s.mu.Unlock()

	child, err := Create(dir, cwd, logger)
	if err != nil {
		return nil, fmt.Errorf("session: fork: create child: %w", err)
	}

	// Copy the ancestor chain verbatim, skipping the parent's header; the
	// child has its own. The first copied entry is re-parented onto the
	// child's root.
	child.mu.Lock()
	prevID := child.id
	for _, n := range chain {
		if n.meta.Type == EntryTypeSession {
			continue
		}
		raw := n.raw
		if n.meta.ParentID == s.id {
			raw = reparent(raw, prevID)
		}
		if _, err := child.w.Write(raw); err != nil {
			child.mu.Unlock()
			child.Close()
			return nil, fmt.Errorf("session: fork: copy entry: %w", err)
		}
		if err := child.w.WriteByte('\n'); err != nil {
			child.mu.Unlock()
			child.Close()
			return nil, fmt.Errorf("session: fork: copy entry: %w", err)
		}
		meta := n.meta
		if n.meta.ParentID == s.id {
			meta.ParentID = prevID
		}
		child.index(meta, raw)
		child.leafID = meta.ID
	}
	if err := child.w.Flush(); err != nil {
		child.mu.Unlock()
		child.Close()
		return nil, err
	}
	child.mu.Unlock()

	if _, err := child.appendBranchSummary(parentPath, forkEntryID, branchSummary); err != nil {
		child.Close()
		return nil, err
	}
	return child, nil
}

func (s *Session) appendBranchSummary(parentPath, forkEntryID, summary string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := BranchSummaryEntry{
		Type:              EntryTypeBranchSummary,
		ID:                newEntryID(),
		ParentID:          s.leafID,
		Timestamp:         nowStamp(),
		ParentSessionPath: parentPath,
		ForkEntryID:       forkEntryID,
		Summary:           summary,
	}
	return s.appendLocked(entry.ID, entry)
}

// reparent rewrites the parentId field of a raw entry line.
func reparent(raw json.RawMessage, newParent string) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	m["parentId"] = newParent
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}
