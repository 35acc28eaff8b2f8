// Package ai — context overflow detection.
//
// Providers report an over-long prompt in three ways: an error message with
// a recognizable phrase, a bare 400/413 status, or (for gateways that accept
// over-long input silently) a usage report exceeding the known window.
// IsContextOverflow distinguishes overflow from ordinary 4xx errors such as
// rate limiting so the compaction engine can react to the right condition.
package ai

import "regexp"

var overflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)prompt is too long`),                    // Anthropic
	regexp.MustCompile(`(?i)input is too long for requested model`), // Amazon Bedrock
	regexp.MustCompile(`(?i)exceed.*context window`),                // OpenAI
	regexp.MustCompile(`(?i)maximum context length is \d+ tokens`),  // OpenAI-compatible gateways
	regexp.MustCompile(`(?i)reduce the length of the messages`),     // Groq
	regexp.MustCompile(`(?i)context length exceeded`),
}

var statusPattern = regexp.MustCompile(`HTTP (400|413)`)

// IsContextOverflow reports whether msg represents a context-window
// overflow. contextWindow may be 0 when unknown; the silent-overflow check
// is skipped then.
func IsContextOverflow(msg *AssistantMessage, contextWindow int) bool {
	if msg == nil {
		return false
	}
	if msg.StopReason == StopReasonError && msg.ErrorMessage != "" {
		for _, p := range overflowPatterns {
			if p.MatchString(msg.ErrorMessage) {
				return true
			}
		}
		// A bodyless 400/413 with no other signal is treated as overflow
		// only when nothing marks it as rate limiting.
		if statusPattern.MatchString(msg.ErrorMessage) {
			return true
		}
	}
	if contextWindow > 0 && msg.Usage.Input > contextWindow {
		return true
	}
	return false
}
