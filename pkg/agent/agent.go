package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/session"
	"github.com/bitop-dev/agentcore/pkg/tools"
)

// Agent orchestrates the LLM + tool loop. Listeners may subscribe and the
// steering/follow-up queues may be filled from any goroutine; starting runs
// is single-writer — a second Prompt while one is streaming fails with
// ErrBusy.
type Agent struct {
	mu           sync.RWMutex
	systemPrompt string
	model        string
	provider     ai.Provider
	tools        *tools.Registry

	messages     []ai.Message
	isStreaming  bool
	pendingCalls map[string]bool
	err          string
	cost         CostUsage

	listeners   map[int]func(Event)
	listenerSeq int
	listenerMu  sync.RWMutex

	abortFn   context.CancelFunc
	abortOnce sync.Once

	steering *MessageQueue
	followUp *MessageQueue

	// Session persistence (optional).
	sess *session.Session
	// entryIDs maps message index → session entry id, consulted by
	// compaction to record the first kept entry.
	entryIDs []string

	compactionCfg CompactionConfig
	prevSummary   string
	prevDetails   session.CompactionDetails
	streamOpts    ai.StreamOptions

	logger *slog.Logger
}

// Options configures a new Agent.
type Options struct {
	SystemPrompt string
	Model        string
	Provider     ai.Provider
	Tools        *tools.Registry // nil → empty registry

	// Session, when set, persists every appended message.
	Session *session.Session

	// Compaction enables auto-compaction when the context grows.
	Compaction CompactionConfig

	// SteeringMode / FollowUpMode control how many queued messages one
	// poll drains. Empty: one-at-a-time.
	SteeringMode QueueMode
	FollowUpMode QueueMode

	// StreamOptions used for compaction summary calls (and available as a
	// base for run configs).
	StreamOptions ai.StreamOptions

	// Logger for diagnostics. nil → discard.
	Logger *slog.Logger
}

// New creates an Agent.
func New(opts Options) *Agent {
	reg := opts.Tools
	if reg == nil {
		reg = tools.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	return &Agent{
		systemPrompt:  opts.SystemPrompt,
		model:         opts.Model,
		provider:      opts.Provider,
		tools:         reg,
		pendingCalls:  make(map[string]bool),
		listeners:     make(map[int]func(Event)),
		steering:      NewMessageQueue(opts.SteeringMode),
		followUp:      NewMessageQueue(opts.FollowUpMode),
		sess:          opts.Session,
		compactionCfg: opts.Compaction,
		streamOpts:    opts.StreamOptions,
		logger:        logger,
	}
}

// AttachSession attaches a session and seeds the agent's history from its
// current path. Picks up the last compaction's summary and file-ops rollup
// so future compactions chain from it. Call before the first Prompt.
func (a *Agent) AttachSession(s *session.Session) error {
	ids, msgs, err := s.BuildContextWithIDs()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.sess = s
	a.messages = msgs
	a.entryIDs = ids
	if comp, ok := s.LastCompaction(); ok {
		a.prevSummary = comp.Summary
		a.prevDetails = comp.Details
	}
	a.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Configuration setters
// ---------------------------------------------------------------------------

func (a *Agent) SetSystemPrompt(s string) {
	a.mu.Lock()
	a.systemPrompt = s
	a.mu.Unlock()
}

// SetModel switches the model, recording the change in the session.
func (a *Agent) SetModel(provider ai.Provider, model string) {
	a.mu.Lock()
	a.provider = provider
	a.model = model
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		if _, err := sess.AppendModelChange(provider.Name(), model); err != nil {
			a.logger.Warn("session write failed", "error", err)
		}
	}
}

// SetThinkingLevel changes the reasoning level used for compaction and as
// the base for run configs, recording the change in the session.
func (a *Agent) SetThinkingLevel(level ai.ThinkingLevel) {
	a.mu.Lock()
	a.streamOpts.ThinkingLevel = level
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		if _, err := sess.AppendThinkingLevel(string(level)); err != nil {
			a.logger.Warn("session write failed", "error", err)
		}
	}
}

func (a *Agent) Tools() *tools.Registry {
	return a.tools
}

// ---------------------------------------------------------------------------
// Event subscriptions
// ---------------------------------------------------------------------------

// Subscribe registers a listener and returns an unsubscribe function.
// Listeners receive every event for every run, in order.
func (a *Agent) Subscribe(fn func(Event)) func() {
	a.listenerMu.Lock()
	id := a.listenerSeq
	a.listenerSeq++
	a.listeners[id] = fn
	a.listenerMu.Unlock()

	return func() {
		a.listenerMu.Lock()
		delete(a.listeners, id)
		a.listenerMu.Unlock()
	}
}

// broadcast delivers an event to a snapshot of the listener set, so
// subscribing or unsubscribing from inside a listener is safe.
func (a *Agent) broadcast(e Event) {
	a.listenerMu.RLock()
	fns := make([]func(Event), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

// ---------------------------------------------------------------------------
// Prompt / Steer / FollowUp
// ---------------------------------------------------------------------------

// Prompt sends a new user message and runs the loop to completion.
func (a *Agent) Prompt(ctx context.Context, text string, cfg Config) error {
	return a.PromptMessages(ctx, []ai.Message{ai.NewUserText(text)}, cfg)
}

// PromptMessages sends pre-built messages and runs the loop to completion.
// Fails with ErrBusy while another run is streaming; queue messages with
// Steer or FollowUp instead.
func (a *Agent) PromptMessages(ctx context.Context, msgs []ai.Message, cfg Config) error {
	a.mu.Lock()
	if a.isStreaming {
		a.mu.Unlock()
		return ErrBusy
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.abortFn = cancel
	a.abortOnce = sync.Once{}
	a.isStreaming = true
	a.err = ""
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.isStreaming = false
		a.abortFn = nil
		a.mu.Unlock()
		cancel()
	}()

	cfg = a.wrapConfig(cfg)
	return a.runLoop(loopCtx, msgs, cfg)
}

// Continue resumes from the existing context, e.g. after an error.
func (a *Agent) Continue(ctx context.Context, cfg Config) error {
	msgs := a.snapshotMessages()
	if len(msgs) == 0 {
		return fmt.Errorf("agent: no messages to continue from")
	}
	if msgs[len(msgs)-1].GetRole() == ai.RoleAssistant {
		return fmt.Errorf("agent: last message is an assistant message; nothing to continue from")
	}
	return a.PromptMessages(ctx, nil, cfg)
}

// Steer queues a message to inject after the current tool call finishes.
func (a *Agent) Steer(m ai.Message) {
	a.steering.Enqueue(m)
}

// SteerText queues a plain-text steering message.
func (a *Agent) SteerText(text string) {
	a.Steer(ai.NewUserText(text))
}

// FollowUp queues a message to process when the agent would otherwise stop.
func (a *Agent) FollowUp(m ai.Message) {
	a.followUp.Enqueue(m)
}

// FollowUpText queues a plain-text follow-up message.
func (a *Agent) FollowUpText(text string) {
	a.FollowUp(ai.NewUserText(text))
}

// Abort cancels the running loop. Safe to call at any time; idempotent
// within a run.
func (a *Agent) Abort() {
	a.mu.RLock()
	fn := a.abortFn
	a.mu.RUnlock()
	if fn != nil {
		a.abortOnce.Do(fn)
	}
}

// ---------------------------------------------------------------------------
// State accessors
// ---------------------------------------------------------------------------

func (a *Agent) IsStreaming() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isStreaming
}

// State returns a read-only snapshot of the agent.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	msgs := make([]ai.Message, len(a.messages))
	copy(msgs, a.messages)
	pending := make(map[string]bool, len(a.pendingCalls))
	for k, v := range a.pendingCalls {
		pending[k] = v
	}
	usage := EstimateContextTokens(msgs)
	return State{
		SystemPrompt:     a.systemPrompt,
		Model:            a.model,
		Provider:         a.providerNameLocked(),
		Messages:         msgs,
		IsStreaming:      a.isStreaming,
		PendingToolCalls: pending,
		Error:            a.err,
		ContextTokens:    usage.Tokens,
		CumulativeCost:   a.cost,
	}
}

// Messages returns a snapshot of the conversation history.
func (a *Agent) Messages() []ai.Message {
	return a.snapshotMessages()
}

// Session returns the attached session, nil when running in-memory only.
func (a *Agent) Session() *session.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sess
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// appendMsg is the single write path for conversation history. Messages are
// normalised to value types and mirrored into the session file.
func (a *Agent) appendMsg(m ai.Message) {
	m = derefMessage(m)
	a.mu.Lock()
	a.messages = append(a.messages, m)
	var entryID string
	if a.sess != nil {
		var err error
		entryID, err = a.sess.AppendMessage(m)
		if err != nil {
			a.logger.Warn("session write failed", "error", err)
		}
	}
	a.entryIDs = append(a.entryIDs, entryID)
	a.mu.Unlock()
}

func (a *Agent) snapshotMessages() []ai.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ai.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// messagesSince returns the messages appended after index n. Compaction may
// shrink the history below n mid-run; everything current is new then.
func (a *Agent) messagesSince(n int) []ai.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if n > len(a.messages) {
		n = 0
	}
	out := make([]ai.Message, len(a.messages)-n)
	copy(out, a.messages[n:])
	return out
}

func (a *Agent) setError(s string) {
	a.mu.Lock()
	a.err = s
	a.mu.Unlock()
}

func (a *Agent) addTurnCost(turn CostUsage) CostUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cost.add(turn)
	return a.cost
}

func (a *Agent) cumulativeCost() CostUsage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cost
}

func (a *Agent) providerName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.providerNameLocked()
}

func (a *Agent) providerNameLocked() string {
	if a.provider == nil {
		return ""
	}
	return a.provider.Name()
}

// wrapConfig injects the agent's queues into the config unless the caller
// supplied their own sources.
func (a *Agent) wrapConfig(cfg Config) Config {
	if cfg.GetSteeringMessages == nil {
		cfg.GetSteeringMessages = func() ([]ai.Message, error) {
			return a.steering.Poll(), nil
		}
	}
	if cfg.GetFollowUpMessages == nil {
		cfg.GetFollowUpMessages = func() ([]ai.Message, error) {
			return a.followUp.Poll(), nil
		}
	}
	return cfg
}

// maybeCompact replaces the early history with a summary when the context
// estimate crosses the threshold. The compaction entry lands in the session
// so a resumed path starts from the summary. Errors are fatal to the run.
//
// force skips the threshold check; the loop uses it after a provider-reported
// context overflow, where the estimate undercounted the real prompt size.
func (a *Agent) maybeCompact(ctx context.Context, force bool) error {
	if !a.compactionCfg.Enabled || a.compactionCfg.ContextWindow <= 0 {
		return nil
	}

	a.mu.RLock()
	msgs := make([]ai.Message, len(a.messages))
	copy(msgs, a.messages)
	entryIDs := make([]string, len(a.entryIDs))
	copy(entryIDs, a.entryIDs)
	prevSummary := a.prevSummary
	prevDetails := a.prevDetails
	a.mu.RUnlock()

	usage := EstimateContextTokens(msgs)
	if !force && !ShouldCompact(usage.Tokens, a.compactionCfg) {
		return nil
	}

	result, err := runCompaction(ctx, a.provider, a.model, a.streamOpts, msgs, a.compactionCfg, prevSummary, prevDetails)
	if err != nil {
		return fmt.Errorf("compaction: %w", err)
	}
	if result == nil {
		return nil
	}

	cutIdx := len(result.summarisedMessages)
	firstKeptEntryID := ""
	if cutIdx < len(entryIDs) {
		firstKeptEntryID = entryIDs[cutIdx]
	}

	a.mu.Lock()
	if a.sess != nil {
		if _, err := a.sess.AppendCompaction(result.summary, firstKeptEntryID, result.tokensBefore, result.details); err != nil {
			a.logger.Warn("session compaction write failed", "error", err)
		}
	}
	// Rebuild entryIDs: one blank slot for the summary, then the kept ids.
	newEntryIDs := make([]string, 1+len(result.keptMessages))
	copy(newEntryIDs[1:], entryIDs[cutIdx:])
	a.messages = result.newMessages
	a.entryIDs = newEntryIDs
	a.prevSummary = result.summary
	a.prevDetails = result.details
	a.mu.Unlock()

	a.broadcast(Event{Type: EventCompaction, Compaction: &CompactionEvent{
		Summary:         result.summary,
		MessagesRemoved: len(result.summarisedMessages),
		MessagesKept:    len(result.keptMessages),
		TokensBefore:    result.tokensBefore,
		TokensAfter:     EstimateContextTokens(result.newMessages).Tokens,
	}})

	return nil
}

// derefMessage normalises pointer message types to values so type
// assertions stay uniform throughout the codebase.
func derefMessage(m ai.Message) ai.Message {
	switch p := m.(type) {
	case *ai.UserMessage:
		return *p
	case *ai.AssistantMessage:
		return *p
	case *ai.ToolResultMessage:
		return *p
	case *ai.CustomMessage:
		return *p
	}
	return m
}
