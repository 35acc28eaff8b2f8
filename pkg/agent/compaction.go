// Context compaction: when the estimated context size crosses
// ContextWindow − ReserveTokens, the older portion of the conversation is
// summarised by the LLM and replaced with a single synthetic user message,
// keeping the most recent KeepRecentTokens of history intact.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/session"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// CompactionConfig controls when and how compaction runs.
type CompactionConfig struct {
	// Enabled turns auto-compaction on or off.
	Enabled bool

	// ContextWindow is the model's maximum context size in tokens.
	// Compaction triggers when the estimate exceeds
	// ContextWindow - ReserveTokens.
	ContextWindow int

	// ReserveTokens is the headroom kept free for the summary and system
	// prompt. Default: 16384.
	ReserveTokens int

	// KeepRecentTokens is the lower bound on tokens preserved after the
	// cut. Default: 20000.
	KeepRecentTokens int
}

func (c CompactionConfig) reserveTokens() int {
	if c.ReserveTokens > 0 {
		return c.ReserveTokens
	}
	return 16384
}

func (c CompactionConfig) keepRecentTokens() int {
	if c.KeepRecentTokens > 0 {
		return c.KeepRecentTokens
	}
	return 20000
}

// ShouldCompact reports whether the estimated token count crosses the
// compaction threshold.
func ShouldCompact(contextTokens int, cfg CompactionConfig) bool {
	if !cfg.Enabled || cfg.ContextWindow <= 0 {
		return false
	}
	return contextTokens > cfg.ContextWindow-cfg.reserveTokens()
}

// ---------------------------------------------------------------------------
// Cut-point selection
// ---------------------------------------------------------------------------

// isCutCandidate reports whether the history may be cut so that msgs[i] is
// the first kept message. A tool-result must stay adjacent to the assistant
// message that called it, so it can never open the kept suffix.
func isCutCandidate(m ai.Message) bool {
	switch m.(type) {
	case ai.ToolResultMessage:
		return false
	default:
		return true
	}
}

// FindCutPoint returns the index of the first message to keep, targeting the
// most recent keepRecentTokens of conversation.
//
// Walking backward from the newest message, token estimates accumulate until
// they reach keepRecentTokens; the cut lands on the nearest candidate at or
// after that point. Returns -1 when the conversation is too short to compact.
func FindCutPoint(msgs []ai.Message, keepRecentTokens int) int {
	if len(msgs) < 4 { // need at least two exchanges
		return -1
	}

	accumulated := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		accumulated += estimateTokens(msgs[i])
		if accumulated < keepRecentTokens {
			continue
		}
		for j := i; j < len(msgs); j++ {
			// Leave something to summarise.
			if j > 0 && isCutCandidate(msgs[j]) {
				return j
			}
		}
		return -1
	}
	return -1
}

// turnStartBefore returns the index of the user message that opened the turn
// containing msgs[cutIdx], or -1 when the cut already sits on a user message
// (the cut does not split a turn).
func turnStartBefore(msgs []ai.Message, cutIdx int) int {
	if _, ok := msgs[cutIdx].(ai.UserMessage); ok {
		return -1
	}
	for i := cutIdx - 1; i >= 0; i-- {
		if _, ok := msgs[i].(ai.UserMessage); ok {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// File-operations rollup
// ---------------------------------------------------------------------------

// collectFileOps scans discarded messages for file-tool calls and folds the
// touched paths into prev, preserving first-seen order without duplicates.
// The rollup survives repeated compactions because each compaction entry
// stores it as structured details that the next one merges.
func collectFileOps(msgs []ai.Message, prev session.CompactionDetails) session.CompactionDetails {
	out := session.CompactionDetails{
		ReadFiles:     append([]string(nil), prev.ReadFiles...),
		ModifiedFiles: append([]string(nil), prev.ModifiedFiles...),
	}
	seenRead := make(map[string]bool, len(out.ReadFiles))
	for _, p := range out.ReadFiles {
		seenRead[p] = true
	}
	seenMod := make(map[string]bool, len(out.ModifiedFiles))
	for _, p := range out.ModifiedFiles {
		seenMod[p] = true
	}

	for _, m := range msgs {
		am, ok := m.(ai.AssistantMessage)
		if !ok {
			continue
		}
		for _, tc := range am.ToolCalls() {
			path, _ := tc.Arguments["path"].(string)
			if path == "" {
				continue
			}
			switch tc.Name {
			case "read":
				if !seenRead[path] {
					seenRead[path] = true
					out.ReadFiles = append(out.ReadFiles, path)
				}
			case "write", "edit":
				if !seenMod[path] {
					seenMod[path] = true
					out.ModifiedFiles = append(out.ModifiedFiles, path)
				}
			}
		}
	}
	return out
}

// formatFileOps renders the rollup as the text block appended to summaries.
func formatFileOps(d session.CompactionDetails) string {
	if len(d.ReadFiles) == 0 && len(d.ModifiedFiles) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\n## File Operations\n")
	if len(d.ReadFiles) > 0 {
		sb.WriteString("### Read\n")
		for _, p := range d.ReadFiles {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}
	if len(d.ModifiedFiles) > 0 {
		sb.WriteString("### Modified\n")
		for _, p := range d.ModifiedFiles {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ---------------------------------------------------------------------------
// Summary generation
// ---------------------------------------------------------------------------

const summarisationSystemPrompt = `You are an expert at summarising technical conversations.
Create concise, structured summaries that allow another AI to continue the work seamlessly.
Focus on facts, decisions, and current state — not the conversational flow.`

const summarisationPrompt = `The messages above are a conversation to summarise. Create a structured context checkpoint that another LLM will use to continue the work.

Use this EXACT format:

## Goal
[What is the user trying to accomplish? Can be multiple items.]

## Constraints & Preferences
- [Any constraints, preferences, or requirements mentioned by the user]
- [Or "(none)" if none were mentioned]

## Progress
### Done
- [x] [Completed tasks/changes]

### In Progress
- [ ] [Current work]

### Blocked
- [Issues preventing progress, or "(none)"]

## Key Decisions
- **[Decision]**: [Brief rationale]

## Next Steps
1. [Ordered list of what should happen next]

## Critical Context
- [Exact file paths, function names, error messages, data needed to continue]
- [Or "(none)" if not applicable]

Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

const updateSummarisationPrompt = `The messages above are NEW conversation messages to incorporate into the existing summary provided in <previous-summary> tags.

Update the existing structured summary with new information:
- PRESERVE all existing information unless it is now incorrect
- ADD new progress, decisions, and context from the new messages
- UPDATE Progress: move In Progress items to Done when completed
- UPDATE Next Steps based on what was accomplished

<previous-summary>
%s
</previous-summary>

Use the same EXACT format as the previous summary (Goal / Constraints / Progress / Key Decisions / Next Steps / Critical Context).
Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

const turnPrefixPrompt = `The messages above are the beginning of a turn that was cut off mid-way by a context checkpoint. Write a short summary (a few sentences) of the original request and the progress made in these early messages, so the rest of the turn can be understood without them. Preserve exact identifiers, file paths, and error messages.`

// GenerateSummary asks the provider for a structured history summary.
// A non-empty prevSummary switches to the incremental update prompt so prior
// information is preserved and only the new messages are folded in.
func GenerateSummary(
	ctx context.Context,
	provider ai.Provider,
	model string,
	opts ai.StreamOptions,
	msgs []ai.Message,
	prevSummary string,
) (string, error) {
	conversationText := serializeConversation(msgs)

	var promptText string
	if prevSummary != "" {
		promptText = fmt.Sprintf("<conversation>\n%s\n</conversation>\n\n%s",
			conversationText, fmt.Sprintf(updateSummarisationPrompt, prevSummary))
	} else {
		promptText = fmt.Sprintf("<conversation>\n%s\n</conversation>\n\n%s",
			conversationText, summarisationPrompt)
	}

	summaryOpts := opts
	summaryOpts.MaxTokens = 4096
	summaryOpts.ThinkingLevel = ai.ThinkingHigh

	return requestText(ctx, provider, model, summaryOpts, summarisationSystemPrompt, promptText)
}

// generateTurnPrefixSummary summarises the head of a turn the cut split.
func generateTurnPrefixSummary(
	ctx context.Context,
	provider ai.Provider,
	model string,
	opts ai.StreamOptions,
	msgs []ai.Message,
	maxTokens int,
) (string, error) {
	promptText := fmt.Sprintf("<turn-prefix>\n%s\n</turn-prefix>\n\n%s",
		serializeConversation(msgs), turnPrefixPrompt)

	summaryOpts := opts
	summaryOpts.MaxTokens = maxTokens
	summaryOpts.ThinkingLevel = ""

	return requestText(ctx, provider, model, summaryOpts, summarisationSystemPrompt, promptText)
}

// GenerateBranchSummary summarises the messages left behind when a session
// was forked, so the child branch carries context about what was abandoned.
func GenerateBranchSummary(
	ctx context.Context,
	provider ai.Provider,
	model string,
	opts ai.StreamOptions,
	discardedMsgs []ai.Message,
) (string, error) {
	if len(discardedMsgs) == 0 {
		return "", nil
	}

	promptText := fmt.Sprintf(
		"<discarded-branch>\n%s\n</discarded-branch>\n\n"+
			"The conversation above is a branch that was forked away from. "+
			"Write a one-paragraph summary (max 200 words) of what was tried in that branch, "+
			"what worked, what didn't, and why the branch was abandoned. "+
			"This will be shown as context in the new branch.",
		serializeConversation(discardedMsgs),
	)

	summaryOpts := opts
	summaryOpts.MaxTokens = 512
	summaryOpts.ThinkingLevel = ""

	return requestText(ctx, provider, model, summaryOpts,
		"You summarise discarded conversation branches concisely.", promptText)
}

// requestText performs one non-interactive LLM call and returns the joined
// text content of the response.
func requestText(
	ctx context.Context,
	provider ai.Provider,
	model string,
	opts ai.StreamOptions,
	systemPrompt, promptText string,
) (string, error) {
	llmCtx := ai.Context{
		SystemPrompt: systemPrompt,
		Messages:     []ai.Message{ai.NewUserText(promptText)},
	}

	_, wait := provider.Stream(ctx, model, llmCtx, opts)
	result, err := wait()
	if err != nil {
		return "", fmt.Errorf("compaction: summarisation failed: %w", err)
	}
	if result.StopReason == ai.StopReasonError {
		return "", fmt.Errorf("compaction: summarisation error: %s", result.ErrorMessage)
	}

	var sb strings.Builder
	for _, b := range result.Content {
		if tc, ok := b.(ai.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), nil
}

// serializeConversation renders messages as a plain-text transcript for the
// summarisation LLM.
func serializeConversation(msgs []ai.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch msg := m.(type) {
		case ai.UserMessage:
			sb.WriteString("[USER]\n")
			for _, b := range msg.Content {
				if tc, ok := b.(ai.TextContent); ok {
					sb.WriteString(tc.Text)
					sb.WriteByte('\n')
				}
			}
			sb.WriteByte('\n')
		case ai.AssistantMessage:
			sb.WriteString("[ASSISTANT]\n")
			for _, b := range msg.Content {
				switch bc := b.(type) {
				case ai.TextContent:
					sb.WriteString(bc.Text)
					sb.WriteByte('\n')
				case ai.ThinkingContent:
					sb.WriteString("<thinking>\n")
					sb.WriteString(bc.Thinking)
					sb.WriteString("\n</thinking>\n")
				case ai.ToolCall:
					fmt.Fprintf(&sb, "[TOOL CALL: %s]\n", bc.Name)
				}
			}
			sb.WriteByte('\n')
		case ai.ToolResultMessage:
			fmt.Fprintf(&sb, "[TOOL RESULT: %s]\n", msg.ToolName)
			for _, b := range msg.Content {
				if tc, ok := b.(ai.TextContent); ok {
					text := tc.Text
					// Very long tool outputs add little to the summary input.
					if len(text) > 2000 {
						text = text[:1997] + "..."
					}
					sb.WriteString(text)
					sb.WriteByte('\n')
				}
			}
			sb.WriteByte('\n')
		case ai.CustomMessage:
			fmt.Fprintf(&sb, "[%s]\n", msg.Tag)
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Full compaction pipeline
// ---------------------------------------------------------------------------

// compactionResult holds the output of one compaction run.
type compactionResult struct {
	// newMessages is the post-compaction history:
	// [summary user message, kept messages...].
	newMessages []ai.Message

	summarisedMessages []ai.Message
	keptMessages       []ai.Message

	// summary is the combined summary text (history + optional turn prefix
	// + file-operations rollup).
	summary string

	tokensBefore int
	details      session.CompactionDetails
}

// runCompaction finds the cut point, generates the summaries, and returns
// the updated history. Returns (nil, nil) when there is nothing to compact.
// Any summarisation failure is returned as-is; the loop treats it as fatal.
func runCompaction(
	ctx context.Context,
	provider ai.Provider,
	model string,
	opts ai.StreamOptions,
	msgs []ai.Message,
	cfg CompactionConfig,
	prevSummary string,
	prevDetails session.CompactionDetails,
) (*compactionResult, error) {
	usage := EstimateContextTokens(msgs)

	cutIdx := FindCutPoint(msgs, cfg.keepRecentTokens())
	if cutIdx <= 0 {
		return nil, nil
	}

	toSummarise := msgs[:cutIdx]
	toKeep := msgs[cutIdx:]

	// When the cut splits a turn, its prefix gets its own smaller summary,
	// produced concurrently with the history summary.
	var prefixCh chan struct {
		text string
		err  error
	}
	if turnStart := turnStartBefore(msgs, cutIdx); turnStart >= 0 {
		prefixMsgs := msgs[turnStart:cutIdx]
		prefixCh = make(chan struct {
			text string
			err  error
		}, 1)
		go func() {
			text, err := generateTurnPrefixSummary(ctx, provider, model, opts, prefixMsgs, cfg.reserveTokens()/2)
			prefixCh <- struct {
				text string
				err  error
			}{text, err}
		}()
	}

	summary, err := GenerateSummary(ctx, provider, model, opts, toSummarise, prevSummary)
	if err != nil {
		return nil, err
	}

	if prefixCh != nil {
		prefix := <-prefixCh
		if prefix.err != nil {
			return nil, prefix.err
		}
		if prefix.text != "" {
			summary += "\n\n## Current Turn (partial)\n" + prefix.text
		}
	}

	details := collectFileOps(toSummarise, prevDetails)
	combined := summary + formatFileOps(details)

	newMessages := make([]ai.Message, 0, 1+len(toKeep))
	newMessages = append(newMessages, session.CompactionSummaryMessage(combined))
	newMessages = append(newMessages, toKeep...)

	return &compactionResult{
		newMessages:        newMessages,
		summarisedMessages: toSummarise,
		keptMessages:       toKeep,
		summary:            combined,
		tokensBefore:       usage.Tokens,
		details:            details,
	}, nil
}
