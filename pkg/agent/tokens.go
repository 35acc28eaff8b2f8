package agent

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/bitop-dev/agentcore/pkg/ai"
)

// imageTokens is the flat per-image contribution to the estimate.
const imageTokens = 1200

// EstimateContextTokens estimates the total token count of a message history.
//
// The provider's reported totalTokens on the most recent non-aborted,
// non-errored assistant message is trusted as exact; anything appended after
// it (tool results, steering, new user input) is estimated at chars/4.
// With no usage data yet, everything is estimated.
func EstimateContextTokens(msgs []ai.Message) ContextUsage {
	lastUsageIdx := -1
	var lastUsage ai.Usage
	for i := len(msgs) - 1; i >= 0; i-- {
		am, ok := msgs[i].(ai.AssistantMessage)
		if !ok {
			continue
		}
		if am.StopReason == ai.StopReasonError || am.StopReason == ai.StopReasonAborted {
			continue
		}
		if am.Usage.TotalTokens > 0 || am.Usage.Input > 0 {
			lastUsageIdx = i
			lastUsage = am.Usage
			break
		}
	}

	if lastUsageIdx == -1 {
		total := 0
		for _, m := range msgs {
			total += estimateTokens(m)
		}
		return ContextUsage{Tokens: total, TrailingTokens: total}
	}

	usageTokens := lastUsage.TotalTokens
	if usageTokens == 0 {
		usageTokens = lastUsage.Input + lastUsage.Output + lastUsage.CacheRead + lastUsage.CacheWrite
	}

	trailing := 0
	for _, m := range msgs[lastUsageIdx+1:] {
		trailing += estimateTokens(m)
	}

	return ContextUsage{
		Tokens:         usageTokens + trailing,
		UsageTokens:    usageTokens,
		TrailingTokens: trailing,
	}
}

// estimateTokens estimates one message at ceil(chars/4), images flat.
func estimateTokens(m ai.Message) int {
	chars := 0
	images := 0
	switch msg := m.(type) {
	case ai.UserMessage:
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case ai.TextContent:
				chars += countChars(blk.Text)
			case ai.ImageContent:
				images++
			}
		}
	case ai.AssistantMessage:
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case ai.TextContent:
				chars += countChars(blk.Text)
			case ai.ThinkingContent:
				chars += countChars(blk.Thinking)
			case ai.ToolCall:
				chars += len(blk.Name)
				if j, err := json.Marshal(blk.Arguments); err == nil {
					chars += len(j)
				}
			}
		}
	case ai.ToolResultMessage:
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case ai.TextContent:
				chars += countChars(blk.Text)
			case ai.ImageContent:
				images++
			}
		}
	case ai.CustomMessage:
		chars += len(msg.Tag) + len(msg.Payload)
	}
	return (chars+3)/4 + images*imageTokens
}

// countChars is an indirection so the exact tokenizer, when enabled, can
// replace the chars/4 heuristic with a real count (pre-scaled so the shared
// divide-by-4 still applies).
func countChars(s string) int {
	if count := activeCounter(); count != nil {
		return 4 * count(s)
	}
	return len(s)
}

// ---------------------------------------------------------------------------
// Optional exact counting
// ---------------------------------------------------------------------------

var (
	counterMu    sync.RWMutex
	tokenCounter func(string) int // nil → chars/4 heuristic
)

// UseExactTokenizer switches the estimator from the chars/4 heuristic to
// tiktoken counts for the given model. Unknown models keep the heuristic
// and return the lookup error.
func UseExactTokenizer(model string) error {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return err
	}
	setTokenCounter(func(s string) int { return len(enc.Encode(s, nil, nil)) })
	return nil
}

// UseHeuristicTokenizer reverts the estimator to chars/4.
func UseHeuristicTokenizer() {
	setTokenCounter(nil)
}

func setTokenCounter(fn func(string) int) {
	counterMu.Lock()
	tokenCounter = fn
	counterMu.Unlock()
}

func activeCounter() func(string) int {
	counterMu.RLock()
	defer counterMu.RUnlock()
	return tokenCounter
}
