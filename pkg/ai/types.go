// Package ai defines the core types for LLM interactions: messages, content
// blocks, the normalized streaming event alphabet, and the provider interface.
package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Content blocks
// ---------------------------------------------------------------------------

type TextContent struct {
	Type      string `json:"type"` // "text"
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"` // provider-opaque, attached at text_end
}

type ImageContent struct {
	Type     string `json:"type"`      // "image"
	Data     string `json:"data"`      // base64
	MIMEType string `json:"mime_type"` // e.g. "image/png"
}

type ThinkingContent struct {
	Type      string `json:"type"` // "thinking"
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`
}

type ToolCall struct {
	Type      string         `json:"type"`      // "tool_call"
	ID        string         `json:"id"`        // unique call ID
	Name      string         `json:"name"`      // tool name
	Arguments map[string]any `json:"arguments"` // parsed JSON args
	Signature string         `json:"signature,omitempty"`

	// PartialJSON buffers argument deltas while the call is streaming.
	// It is cleared at toolcall_end and never persisted.
	PartialJSON string `json:"-"`
}

// ContentBlock is the sealed union of TextContent, ImageContent,
// ThinkingContent, and ToolCall.
type ContentBlock interface {
	contentBlock()
}

func (TextContent) contentBlock()     {}
func (ImageContent) contentBlock()    {}
func (ThinkingContent) contentBlock() {}
func (ToolCall) contentBlock()        {}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
	RoleCustom     Role = "custom"
)

type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "tool_use"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// UserMessage is a message from the user (human turn).
type UserMessage struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

func (m UserMessage) GetRole() Role { return m.Role }

// AssistantMessage is a response from the LLM.
type AssistantMessage struct {
	Role         Role           `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Usage        Usage          `json:"usage"`
	StopReason   StopReason     `json:"stop_reason"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

func (m AssistantMessage) GetRole() Role { return m.Role }

// ToolCalls returns the tool-call blocks in declaration order.
func (m AssistantMessage) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, c := range m.Content {
		if tc, ok := c.(ToolCall); ok {
			out = append(out, tc)
		}
	}
	return out
}

// HasContent reports whether the message carries at least one non-empty
// text, thinking, or tool-call block. Whitespace-only blocks do not count.
// Used to decide whether a partial message from an aborted stream is worth
// persisting.
func (m AssistantMessage) HasContent() bool {
	for _, c := range m.Content {
		switch b := c.(type) {
		case TextContent:
			if strings.TrimSpace(b.Text) != "" {
				return true
			}
		case ThinkingContent:
			if strings.TrimSpace(b.Thinking) != "" {
				return true
			}
		case ToolCall:
			return true
		}
	}
	return false
}

// ToolResultMessage carries the result of a tool call back to the LLM.
// Content is what the model sees; Details is opaque host-side metadata.
type ToolResultMessage struct {
	Role       Role           `json:"role"`
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Content    []ContentBlock `json:"content"`
	Details    any            `json:"details,omitempty"`
	IsError    bool           `json:"is_error"`
	Timestamp  int64          `json:"timestamp"`
}

func (m ToolResultMessage) GetRole() Role { return m.Role }

// CustomMessage is an application-defined entry. The core never sends it to
// the LLM; the caller's ConvertToLLM hook may map it if desired.
type CustomMessage struct {
	Role      Role            `json:"role"` // "custom"
	Tag       string          `json:"tag"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func (m CustomMessage) GetRole() Role { return m.Role }

// Message is the union type over the four message kinds.
type Message interface {
	GetRole() Role
}

// NewUserText builds a single-text-block user message stamped with now.
func NewUserText(text string) UserMessage {
	return UserMessage{
		Role:      RoleUser,
		Content:   []ContentBlock{TextContent{Type: "text", Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}

// ---------------------------------------------------------------------------
// Thinking levels
// ---------------------------------------------------------------------------

// ThinkingLevel is a coarse reasoning knob mapped to provider-specific
// budgets by each adapter.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// ParseThinkingLevel validates a config string. Empty means off.
func ParseThinkingLevel(s string) (ThinkingLevel, error) {
	switch ThinkingLevel(s) {
	case "", ThinkingOff:
		return ThinkingOff, nil
	case ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingXHigh:
		return ThinkingLevel(s), nil
	}
	return "", fmt.Errorf("ai: unknown thinking level %q", s)
}

// ThinkingBudgets maps levels to token budgets for providers that take a
// numeric budget rather than an effort string.
type ThinkingBudgets struct {
	Minimal int
	Low     int
	Medium  int
	High    int
	XHigh   int
}

// BudgetFor returns the budget for a level, with defaults when the struct is
// zero.
func (b ThinkingBudgets) BudgetFor(level ThinkingLevel) int {
	pick := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	switch level {
	case ThinkingMinimal:
		return pick(b.Minimal, 1024)
	case ThinkingLow:
		return pick(b.Low, 4096)
	case ThinkingMedium:
		return pick(b.Medium, 8192)
	case ThinkingHigh:
		return pick(b.High, 16384)
	case ThinkingXHigh:
		return pick(b.XHigh, 32768)
	}
	return 0
}

// ---------------------------------------------------------------------------
// Usage / cost
// ---------------------------------------------------------------------------

type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
	Total      float64 `json:"total"`
}

type Usage struct {
	Input       int  `json:"input"`
	Output      int  `json:"output"`
	CacheRead   int  `json:"cache_read"`
	CacheWrite  int  `json:"cache_write"`
	TotalTokens int  `json:"total_tokens"`
	Cost        Cost `json:"cost"`
}

// ---------------------------------------------------------------------------
// Tool definition (schema handed to LLM)
// ---------------------------------------------------------------------------

// ToolDefinition describes a tool to the LLM. Label is the human-readable
// name shown by UIs; the model only sees Name/Description/Parameters.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Label       string          `json:"label,omitempty"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}

// ---------------------------------------------------------------------------
// Normalized streaming event alphabet
// ---------------------------------------------------------------------------

// StreamEventType enumerates the normalized events every provider adapter
// must emit. Providers translate their wire formats into this alphabet; the
// Assembler turns it into a growing partial message.
type StreamEventType string

const (
	StreamEventStart StreamEventType = "start"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"

	StreamEventTextStart StreamEventType = "text_start"
	StreamEventTextDelta StreamEventType = "text_delta"
	StreamEventTextEnd   StreamEventType = "text_end"

	StreamEventThinkingStart StreamEventType = "thinking_start"
	StreamEventThinkingDelta StreamEventType = "thinking_delta"
	StreamEventThinkingEnd   StreamEventType = "thinking_end"

	StreamEventToolCallStart StreamEventType = "toolcall_start"
	StreamEventToolCallDelta StreamEventType = "toolcall_delta"
	StreamEventToolCallEnd   StreamEventType = "toolcall_end"
)

// StreamEvent is one normalized event. ContentIndex names the target slot
// for block-scoped events; the Assembler keeps slots dense regardless of the
// provider's numbering.
type StreamEvent struct {
	Type         StreamEventType
	ContentIndex int

	// Delta is the incremental text / thinking / raw-JSON-args payload.
	Delta string

	// Set on toolcall_start.
	ToolCallID   string
	ToolCallName string

	// Signature attaches at text_end / thinking_end / toolcall_end.
	Signature string

	// Redacted marks a thinking_start for a redacted reasoning block.
	Redacted bool

	// Set on done / error.
	Reason StopReason
	Usage  Usage
	Error  error

	// Partial is the latest snapshot of the message under assembly. Set by
	// the Assembler; subscribers must treat it as read-only.
	Partial *AssistantMessage
}

// ---------------------------------------------------------------------------
// Retryable errors
// ---------------------------------------------------------------------------

// RetryableError wraps a transient provider failure (429, 5xx, connection
// reset). Delay is the server-requested wait, zero when the server did not
// specify one.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("transient provider error (retry after %s): %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Context passed to provider
// ---------------------------------------------------------------------------

// Context holds the full conversation state for one LLM call.
type Context struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
}

// ---------------------------------------------------------------------------
// Stream options
// ---------------------------------------------------------------------------

// CacheRetention controls prompt-caching aggressiveness on providers that
// support it.
type CacheRetention string

const (
	CacheRetentionNone  CacheRetention = "none"
	CacheRetentionShort CacheRetention = "short"
	CacheRetentionLong  CacheRetention = "long"
)

// Transport selects the wire protocol for streaming responses. Adapters
// that only speak one protocol treat other values as TransportAuto.
type Transport string

const (
	TransportAuto      Transport = "auto"
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// StreamOptions is passed to Provider.Stream on every call.
type StreamOptions struct {
	Temperature *float64
	MaxTokens   int
	APIKey      string

	CacheRetention CacheRetention
	SessionID      string
	Headers        map[string]string

	// Transport picks the streaming protocol. Empty = TransportAuto. The
	// bundled adapters stream over SSE and ignore a websocket request.
	Transport Transport

	ThinkingLevel   ThinkingLevel
	ThinkingBudgets ThinkingBudgets

	// MaxRetryDelayMs caps server-requested retry delays. 0 = use the
	// caller's default; negative = uncapped.
	MaxRetryDelayMs int

	// OnPayload, when set, receives the serialized request body before it is
	// sent. Debug/audit hook.
	OnPayload func(payload []byte)

	// Metadata is forwarded verbatim where the provider supports it.
	Metadata map[string]string
}
