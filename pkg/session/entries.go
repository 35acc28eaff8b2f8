// Package session — JSONL session file entry types.
//
// Every line in a session file is one entry. Entries carry ULID ids, which
// are time-sortable: the entry with the lexically largest id is the newest.
// Parent ids form a tree rooted at the header, so one file can hold several
// branches of the same conversation.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const currentVersion = 1

// EntryType identifies the kind of JSONL line.
type EntryType string

const (
	EntryTypeSession       EntryType = "session"
	EntryTypeMessage       EntryType = "message"
	EntryTypeCustomMessage EntryType = "custom_message"
	EntryTypeBranchSummary EntryType = "branch_summary"
	EntryTypeCompaction    EntryType = "compaction"
	EntryTypeThinkingLevel EntryType = "thinking_level_change"
	EntryTypeModelChange   EntryType = "model_change"
	EntryTypeLabel         EntryType = "label"
)

// newEntryID returns a fresh ULID. ULIDs sort lexically by creation time,
// and the default entropy source is monotonic within a millisecond, so ids
// written by one process never collide or reorder.
func newEntryID() string {
	return ulid.Make().String()
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ---------------------------------------------------------------------------
// Header (first line of every session file)
// ---------------------------------------------------------------------------

// Header is the first line written to every session file.
type Header struct {
	Type      EntryType `json:"type"` // "session"
	ID        string    `json:"id"`   // session ULID; also the tree root id
	Version   int       `json:"version"`
	CreatedAt string    `json:"createdAt"` // ISO 8601
	CWD       string    `json:"cwd"`
}

// ---------------------------------------------------------------------------
// Message entries
// ---------------------------------------------------------------------------

// MessageEntry records one complete message in the conversation.
type MessageEntry struct {
	Type      EntryType       `json:"type"` // "message"
	ID        string          `json:"id"`
	ParentID  string          `json:"parentId"`
	Timestamp string          `json:"timestamp"`
	Role      string          `json:"role"`    // quick access without parsing Message
	Message   json.RawMessage `json:"message"` // serialized message (concrete type)
}

// CustomMessageEntry records a host-defined message. Custom messages ride in
// the session history but are filtered out before the context reaches the
// provider.
type CustomMessageEntry struct {
	Type      EntryType       `json:"type"` // "custom_message"
	ID        string          `json:"id"`
	ParentID  string          `json:"parentId"`
	Timestamp string          `json:"timestamp"`
	Tag       string          `json:"tag"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ---------------------------------------------------------------------------
// CompactionEntry
// ---------------------------------------------------------------------------

// CompactionDetails is the structured payload chained between compactions.
type CompactionDetails struct {
	ReadFiles     []string `json:"readFiles,omitempty"`
	ModifiedFiles []string `json:"modifiedFiles,omitempty"`
}

// CompactionEntry records that an LLM-generated summary replaced the early
// portion of the conversation history.
type CompactionEntry struct {
	Type             EntryType         `json:"type"` // "compaction"
	ID               string            `json:"id"`
	ParentID         string            `json:"parentId"`
	Timestamp        string            `json:"timestamp"`
	Summary          string            `json:"summary"`
	FirstKeptEntryID string            `json:"firstKeptEntryId"`
	TokensBefore     int               `json:"tokensBefore"`
	Details          CompactionDetails `json:"details"`
}

// ---------------------------------------------------------------------------
// BranchSummaryEntry
// ---------------------------------------------------------------------------

// BranchSummaryEntry is written to a forked session right after the copied
// ancestor chain. It records where the fork came from and, optionally, an
// LLM summary of the abandoned branch.
type BranchSummaryEntry struct {
	Type              EntryType `json:"type"` // "branch_summary"
	ID                string    `json:"id"`
	ParentID          string    `json:"parentId"`
	Timestamp         string    `json:"timestamp"`
	ParentSessionPath string    `json:"parentSessionPath"`
	ForkEntryID       string    `json:"forkEntryId"`
	Summary           string    `json:"summary,omitempty"`
}

// ---------------------------------------------------------------------------
// Settings entries
// ---------------------------------------------------------------------------

// ThinkingLevelEntry records a mid-session thinking level change.
type ThinkingLevelEntry struct {
	Type      EntryType `json:"type"` // "thinking_level_change"
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId"`
	Timestamp string    `json:"timestamp"`
	Level     string    `json:"level"`
}

// ModelChangeEntry records a mid-session provider/model switch.
type ModelChangeEntry struct {
	Type      EntryType `json:"type"` // "model_change"
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId"`
	Timestamp string    `json:"timestamp"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
}

// LabelEntry attaches a human-readable label to an earlier entry, typically
// to name a branch point.
type LabelEntry struct {
	Type      EntryType `json:"type"` // "label"
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId"`
	Timestamp string    `json:"timestamp"`
	TargetID  string    `json:"targetId"`
	Label     string    `json:"label"`
}

// ---------------------------------------------------------------------------
// Generic line parsing
// ---------------------------------------------------------------------------

// Meta is the envelope every non-header entry shares.
type Meta struct {
	Type     EntryType `json:"type"`
	ID       string    `json:"id"`
	ParentID string    `json:"parentId"`
}

// ParseLine peeks at the envelope fields of a JSONL line.
func ParseLine(line []byte) (Meta, json.RawMessage, error) {
	var meta Meta
	if err := json.Unmarshal(line, &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("session: parse entry: %w", err)
	}
	if meta.Type == "" {
		return Meta{}, nil, fmt.Errorf("session: entry missing type")
	}
	return meta, json.RawMessage(line), nil
}
