package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitop-dev/agentcore/pkg/ai"
)

// runLoop drives the conversation to a terminal condition:
//
//  1. Stream an assistant response from the provider.
//  2. Execute its tool calls in order, polling for steering after each.
//  3. Drain the steering queue; injected messages open the next turn.
//  4. Stop when the model stops and the follow-up queue is empty.
//
// Exactly one agent_end is emitted per run, whatever the outcome.
func (a *Agent) runLoop(ctx context.Context, newMsgs []ai.Message, cfg Config) error {
	emit := func(e Event) { a.broadcast(e) }

	startLen := len(a.snapshotMessages())

	emit(Event{Type: EventAgentStart})
	defer func() {
		emit(Event{Type: EventAgentEnd, NewMessages: a.messagesSince(startLen)})
	}()

	pendingMessages := newMsgs
	turnCount := 0
	overflowCompacted := false

	for {
		hasToolCalls := true
		var steeringAfterTools []ai.Message

		for hasToolCalls || len(pendingMessages) > 0 {
			if cfg.MaxTurns > 0 && turnCount >= cfg.MaxTurns {
				emit(Event{Type: EventTurnLimitReached})
				return nil
			}
			turnCount++

			emit(Event{Type: EventTurnStart})

			// Inject initial / steering / follow-up messages.
			for _, m := range pendingMessages {
				a.appendMsg(m)
				emit(Event{Type: EventMessageStart, Message: m})
				emit(Event{Type: EventMessageEnd, Message: m})
			}
			pendingMessages = nil

			// Compact before opening the stream. A compaction failure is
			// fatal; history stays untouched so the caller can retry.
			if err := a.maybeCompact(ctx, false); err != nil {
				if ctx.Err() != nil {
					a.finishTurn(emit, nil, nil)
					return nil
				}
				a.setError(err.Error())
				errMsg := a.errorMessage(err)
				a.appendMsg(errMsg)
				emit(Event{Type: EventMessageStart, Message: *errMsg})
				emit(Event{Type: EventMessageEnd, Message: *errMsg})
				a.finishTurn(emit, errMsg, nil)
				return err
			}

			assistantMsg, err := a.streamWithRetry(ctx, cfg, emit)

			// A provider-reported overflow means the token estimate missed;
			// compact regardless of the threshold and retry once.
			if (err != nil || assistantMsg.StopReason == ai.StopReasonError) &&
				!overflowCompacted && a.compactionCfg.Enabled &&
				ai.IsContextOverflow(assistantMsg, a.compactionCfg.ContextWindow) {
				overflowCompacted = true
				emit(Event{Type: EventMessageEnd, Message: *assistantMsg})
				a.logger.Warn("provider reported context overflow, compacting and retrying",
					"error", assistantMsg.ErrorMessage)
				if cerr := a.maybeCompact(ctx, true); cerr != nil {
					a.setError(cerr.Error())
					errMsg := a.errorMessage(cerr)
					a.appendMsg(errMsg)
					emit(Event{Type: EventMessageStart, Message: *errMsg})
					emit(Event{Type: EventMessageEnd, Message: *errMsg})
					a.finishTurn(emit, errMsg, nil)
					return cerr
				}
				assistantMsg, err = a.streamWithRetry(ctx, cfg, emit)
			}
			if err != nil {
				a.setError(err.Error())
				a.appendMsg(assistantMsg)
				emit(Event{Type: EventMessageEnd, Message: *assistantMsg})
				a.finishTurn(emit, assistantMsg, nil)
				return err
			}

			switch assistantMsg.StopReason {
			case ai.StopReasonAborted:
				// Partial content survives the abort only when the model
				// actually produced something.
				if assistantMsg.HasContent() {
					a.appendMsg(assistantMsg)
				}
				emit(Event{Type: EventMessageEnd, Message: *assistantMsg})
				a.finishTurn(emit, assistantMsg, nil)
				return nil
			case ai.StopReasonError:
				a.setError(assistantMsg.ErrorMessage)
				a.appendMsg(assistantMsg)
				emit(Event{Type: EventMessageEnd, Message: *assistantMsg})
				a.finishTurn(emit, assistantMsg, nil)
				return fmt.Errorf("agent: provider error: %s", assistantMsg.ErrorMessage)
			}

			a.appendMsg(assistantMsg)
			emit(Event{Type: EventMessageEnd, Message: *assistantMsg})

			toolCalls := assistantMsg.ToolCalls()
			if assistantMsg.StopReason == ai.StopReasonToolUse && len(toolCalls) == 0 {
				// Stop reason promised tool calls but none arrived. Treat
				// as a normal stop rather than looping forever.
				a.logger.Warn("stop reason tool_use with no tool calls", "model", assistantMsg.Model)
			}
			hasToolCalls = len(toolCalls) > 0

			var toolResults []ai.ToolResultMessage
			if hasToolCalls {
				results, steering, execErr := a.executeToolCalls(ctx, toolCalls, cfg, emit)
				for _, r := range results {
					a.appendMsg(r)
				}
				toolResults = results
				steeringAfterTools = steering
				if execErr != nil {
					// Cancelled mid-tools; results so far are committed.
					a.finishTurn(emit, assistantMsg, toolResults)
					return nil
				}
			}

			a.finishTurn(emit, assistantMsg, toolResults)

			if len(steeringAfterTools) > 0 {
				pendingMessages = steeringAfterTools
				steeringAfterTools = nil
			} else if cfg.GetSteeringMessages != nil {
				msgs, _ := cfg.GetSteeringMessages()
				pendingMessages = msgs
			}
		}

		// About to stop — give queued follow-ups a chance to extend the run.
		if cfg.GetFollowUpMessages != nil {
			followUp, _ := cfg.GetFollowUpMessages()
			if len(followUp) > 0 {
				pendingMessages = followUp
				continue
			}
		}
		return nil
	}
}

// finishTurn emits turn_end with a fresh usage/cost snapshot.
func (a *Agent) finishTurn(emit func(Event), msg *ai.AssistantMessage, toolResults []ai.ToolResultMessage) {
	usage := EstimateContextTokens(a.snapshotMessages())
	cost := a.cumulativeCost()
	if msg != nil {
		cost = a.addTurnCost(computeTurnCost(msg.Model, msg.Usage))
	}
	ev := Event{
		Type:         EventTurnEnd,
		ToolResults:  toolResults,
		ContextUsage: usage,
		CostUsage:    cost,
	}
	if msg != nil {
		ev.Message = *msg
	}
	emit(ev)
}

// ---------------------------------------------------------------------------
// Streaming with retry
// ---------------------------------------------------------------------------

// streamWithRetry issues the provider call, re-issuing on transient errors
// with exponential backoff capped by Config.MaxRetryDelay. When the server
// demands a wait beyond the cap the run fails without sleeping.
//
// A nil error means the returned message is final (its stop reason may still
// be aborted). A non-nil error comes with a message carrying the error — its
// message_start has already been emitted; the caller owns message_end.
func (a *Agent) streamWithRetry(ctx context.Context, cfg Config, emit func(Event)) (*ai.AssistantMessage, error) {
	maxDelay := cfg.maxRetryDelay()

	for attempt := 0; ; attempt++ {
		msg, err := a.streamOnce(ctx, cfg, emit)
		if err == nil {
			return msg, nil
		}

		var re *ai.RetryableError
		if !errors.As(err, &re) || attempt >= cfg.MaxRetries {
			return a.failedMessage(msg, err, emit), err
		}

		delay := cfg.retryBaseDelay() << attempt
		if re.Delay > 0 {
			delay = re.Delay
		}
		if maxDelay > 0 && delay > maxDelay {
			capErr := fmt.Errorf("agent: server requested %s retry delay, exceeding the %s cap: %w", delay, maxDelay, err)
			return a.failedMessage(msg, capErr, emit), capErr
		}

		emit(Event{Type: EventRetry, RetryAttempt: attempt + 1, RetryError: err, RetryDelay: delay})
		a.logger.Warn("retrying provider call", "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			aborted := a.failedMessage(msg, ctx.Err(), emit)
			aborted.StopReason = ai.StopReasonAborted
			return aborted, nil
		}
	}
}

// failedMessage folds err into the attempt's partial message, or synthesizes
// a fresh error message (emitting its message_start) when the failure struck
// before any stream opened.
func (a *Agent) failedMessage(partial *ai.AssistantMessage, err error, emit func(Event)) *ai.AssistantMessage {
	if partial == nil {
		m := a.errorMessage(err)
		emit(Event{Type: EventMessageStart, Message: *m})
		return m
	}
	m := *partial
	m.StopReason = ai.StopReasonError
	m.ErrorMessage = err.Error()
	return &m
}

// streamOnce performs one provider call and fans stream events to listeners.
//
// On success the error is nil and the message is final; a cancelled stream
// comes back with stop reason aborted. Failures return the provider's error
// (retryable ones bubble for the retry layer) alongside the partial message
// assembled so far, nil if the failure struck before the stream opened.
func (a *Agent) streamOnce(ctx context.Context, cfg Config, emit func(Event)) (*ai.AssistantMessage, error) {
	history := a.snapshotMessages()

	if cfg.TransformContext != nil {
		var err error
		history, err = cfg.TransformContext(history)
		if err != nil {
			return nil, fmt.Errorf("agent: transform context: %w", err)
		}
	}

	var llmMsgs []ai.Message
	if cfg.ConvertToLLM != nil {
		var err error
		llmMsgs, err = cfg.ConvertToLLM(history)
		if err != nil {
			return nil, fmt.Errorf("agent: convert to llm: %w", err)
		}
	} else {
		llmMsgs = defaultConvertToLLM(history)
	}

	llmCtx := ai.Context{
		SystemPrompt: a.systemPrompt,
		Messages:     llmMsgs,
		Tools:        a.tools.Definitions(),
	}

	// API keys are resolved every turn so short-lived tokens stay valid.
	opts := cfg.StreamOptions
	if cfg.GetAPIKey != nil {
		key, err := cfg.GetAPIKey(a.provider.Name())
		if err == nil && key != "" {
			opts.APIKey = key
		}
	}

	events, wait := a.provider.Stream(ctx, a.model, llmCtx, opts)

	partial := &ai.AssistantMessage{
		Role:      ai.RoleAssistant,
		Model:     a.model,
		Provider:  a.provider.Name(),
		Timestamp: time.Now().UnixMilli(),
	}
	emit(Event{Type: EventMessageStart, Message: *partial})

	for ev := range events {
		if ev.Partial != nil {
			partial = ev.Partial
		}
		switch ev.Type {
		case ai.StreamEventStart, ai.StreamEventDone, ai.StreamEventError:
			// Terminal state lands via wait().
		default:
			emit(Event{Type: EventMessageUpdate, Message: *partial, StreamEvent: &ev})
		}
	}

	finalMsg, err := wait()
	if finalMsg == nil {
		finalMsg = partial
	}

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			aborted := *finalMsg
			aborted.StopReason = ai.StopReasonAborted
			aborted.ErrorMessage = err.Error()
			return &aborted, nil
		}
		return finalMsg, err
	}
	return finalMsg, nil
}

// ---------------------------------------------------------------------------
// Synthetic terminal messages
// ---------------------------------------------------------------------------

func (a *Agent) errorMessage(err error) *ai.AssistantMessage {
	return &ai.AssistantMessage{
		Role:         ai.RoleAssistant,
		Model:        a.model,
		Provider:     a.providerName(),
		StopReason:   ai.StopReasonError,
		ErrorMessage: err.Error(),
		Timestamp:    time.Now().UnixMilli(),
	}
}

// defaultConvertToLLM keeps the three message kinds LLM APIs understand.
func defaultConvertToLLM(msgs []ai.Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.GetRole() {
		case ai.RoleUser, ai.RoleAssistant, ai.RoleToolResult:
			out = append(out, m)
		}
	}
	return out
}
