package ai

import "context"

// Provider streams an LLM response for a given context.
//
// Implementations translate their wire protocol into the normalized event
// alphabet, route every event through an Assembler, and send the resulting
// snapshot-carrying events to the channel. The channel is closed when the
// stream ends, including on ctx cancellation — callers can always range
// over it safely.
//
// wait() blocks until the stream is complete and returns the final message.
// Transient failures (rate limits, 5xx, connection resets) are reported as
// *RetryableError so the agent loop can back off and re-issue.
type Provider interface {
	// Name returns the provider identifier, e.g. "openai", "anthropic".
	Name() string

	// Stream starts a streaming LLM call.
	Stream(
		ctx context.Context,
		model string,
		llmCtx Context,
		opts StreamOptions,
	) (<-chan StreamEvent, func() (*AssistantMessage, error))
}
