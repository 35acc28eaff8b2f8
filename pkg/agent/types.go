// Package agent drives the core loop: stream an assistant response, execute
// the tool calls it requested, poll for steering, repeat until the model
// stops and no follow-ups are queued. The loop is the single writer to the
// conversation history; everything else observes it through events.
package agent

import (
	"errors"
	"log/slog"
	"time"

	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/ai/models"
	"github.com/bitop-dev/agentcore/pkg/tools"
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventType identifies an agent lifecycle event.
type EventType string

const (
	// Run lifecycle. Every run emits exactly one agent_start and one
	// agent_end, whatever happens in between.
	EventAgentStart EventType = "agent_start"
	EventAgentEnd   EventType = "agent_end"

	// Turn = one assistant response plus any resulting tool executions.
	EventTurnStart EventType = "turn_start"
	EventTurnEnd   EventType = "turn_end"

	// Message lifecycle. message_update fires only while an assistant
	// response is streaming.
	EventMessageStart  EventType = "message_start"
	EventMessageUpdate EventType = "message_update"
	EventMessageEnd    EventType = "message_end"

	// Tool execution, in tool-call declaration order.
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"

	// Compaction replaced the early history with a summary.
	EventCompaction EventType = "compaction"

	// Retry — the loop is backing off before re-issuing a failed LLM call.
	EventRetry EventType = "retry"

	// Turn limit reached — loop stopped before the model finished naturally.
	EventTurnLimitReached EventType = "turn_limit_reached"
)

// ContextUsage is a snapshot of estimated context token usage after a turn.
type ContextUsage struct {
	// Estimated total tokens in the current context window.
	Tokens int
	// Tokens reported by the last assistant message's usage object.
	UsageTokens int
	// Estimated tokens appended after the last usage report (tool results,
	// steering messages, new user input).
	TrailingTokens int
}

// CostUsage tracks cumulative cost across turns.
type CostUsage struct {
	InputTokens  int
	OutputTokens int
	InputCost    float64 // USD, includes cache read/write
	OutputCost   float64 // USD
	TotalCost    float64 // USD
}

func (c *CostUsage) add(other CostUsage) {
	c.InputTokens += other.InputTokens
	c.OutputTokens += other.OutputTokens
	c.InputCost += other.InputCost
	c.OutputCost += other.OutputCost
	c.TotalCost += other.TotalCost
}

// CompactionEvent describes a completed context compaction.
type CompactionEvent struct {
	Summary         string
	MessagesRemoved int
	MessagesKept    int
	TokensBefore    int
	TokensAfter     int
}

// Event carries a lifecycle notification from the agent loop.
type Event struct {
	Type EventType

	// Set for message_* events.
	Message ai.Message

	// Set for message_update.
	StreamEvent *ai.StreamEvent

	// Set for turn_end.
	ToolResults  []ai.ToolResultMessage
	ContextUsage ContextUsage
	CostUsage    CostUsage

	// Set for compaction events.
	Compaction *CompactionEvent

	// Set for tool_execution_* events.
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
	ToolResult *tools.Result
	IsError    bool

	// Set for agent_end: every message the run appended to history.
	NewMessages []ai.Message

	// Set for retry events.
	RetryAttempt int
	RetryError   error
	RetryDelay   time.Duration
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is a read-only snapshot of the agent.
type State struct {
	SystemPrompt     string
	Model            string
	Provider         string
	Messages         []ai.Message
	IsStreaming      bool
	PendingToolCalls map[string]bool // callID → in-flight
	Error            string          // last run's bubbled error, cleared on next success
	ContextTokens    int
	CumulativeCost   CostUsage
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// ErrBusy is returned when a run is started while another is streaming.
// Queue messages with Steer or FollowUp instead.
var ErrBusy = errors.New("agent: a run is already in progress")

// Config holds everything needed to run the loop for one call.
type Config struct {
	// ConvertToLLM reshapes the history into the slice sent to the LLM.
	// Default: keep only user/assistant/tool-result messages.
	ConvertToLLM func([]ai.Message) ([]ai.Message, error)

	// TransformContext optionally prunes or enriches messages before
	// ConvertToLLM runs. Called every turn.
	TransformContext func([]ai.Message) ([]ai.Message, error)

	// GetAPIKey resolves the key for the named provider. Called every turn
	// so short-lived OAuth tokens stay fresh.
	GetAPIKey func(provider string) (string, error)

	// GetSteeringMessages is polled after each tool execution and between
	// stream end and the stop check. Non-empty results interrupt the
	// remaining tool calls and open the next turn.
	GetSteeringMessages func() ([]ai.Message, error)

	// GetFollowUpMessages is polled only when the loop is about to stop.
	GetFollowUpMessages func() ([]ai.Message, error)

	// StreamOptions passed to the provider on every call.
	StreamOptions ai.StreamOptions

	// MaxTurns caps the number of LLM calls per run. 0 = unlimited.
	MaxTurns int

	// MaxRetries caps retry attempts for transient provider errors.
	// 0 = no retries.
	MaxRetries int

	// RetryBaseDelay is the initial backoff delay; attempt n sleeps
	// base * 2^n. Default (zero): 2 seconds.
	RetryBaseDelay time.Duration

	// MaxRetryDelay caps any single backoff sleep, including
	// server-requested waits. When the server demands a longer wait the
	// run fails instead of sleeping.
	//
	// Zero means the default cap of 60 seconds, not "no cap"; pass a
	// negative value to disable capping entirely.
	MaxRetryDelay time.Duration
}

func (c Config) retryBaseDelay() time.Duration {
	if c.RetryBaseDelay > 0 {
		return c.RetryBaseDelay
	}
	return 2 * time.Second
}

func (c Config) maxRetryDelay() time.Duration {
	if c.MaxRetryDelay != 0 {
		return c.MaxRetryDelay
	}
	return 60 * time.Second
}

// ---------------------------------------------------------------------------
// Cost calculation
// ---------------------------------------------------------------------------

// computeTurnCost prices a single turn's token usage against the model
// catalog. Unknown models report tokens with zero cost.
func computeTurnCost(model string, usage ai.Usage) CostUsage {
	info := models.Lookup(model)
	if info == nil {
		return CostUsage{
			InputTokens:  usage.Input,
			OutputTokens: usage.Output,
		}
	}
	inputCost := float64(usage.Input) * info.InputCostPer1M / 1_000_000
	outputCost := float64(usage.Output) * info.OutputCostPer1M / 1_000_000
	cacheReadCost := float64(usage.CacheRead) * info.CacheReadCostPer1M / 1_000_000
	cacheWriteCost := float64(usage.CacheWrite) * info.CacheWriteCostPer1M / 1_000_000

	return CostUsage{
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		InputCost:    inputCost + cacheReadCost + cacheWriteCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost + cacheReadCost + cacheWriteCost,
	}
}

// defaultLogger returns a no-op logger. Embedders pass a real *slog.Logger
// via Options.Logger.
func defaultLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
