package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/tools"
)

// skippedToolResultText is the payload placed in results synthesized for
// tool calls skipped after a steering interruption.
const skippedToolResultText = "Tool call skipped due to user interruption"

// executeToolCalls runs the assistant message's tool calls sequentially, in
// declaration order, polling the steering source after each one. When
// steering arrives the remaining calls are skipped with synthesized results
// and the steering messages are returned for the next turn.
func (a *Agent) executeToolCalls(
	ctx context.Context,
	toolCalls []ai.ToolCall,
	cfg Config,
	emit func(Event),
) ([]ai.ToolResultMessage, []ai.Message, error) {
	var results []ai.ToolResultMessage
	var steeringMessages []ai.Message

	for i, tc := range toolCalls {
		a.setPending(tc.ID, true)
		emit(Event{
			Type:       EventToolExecutionStart,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			ToolArgs:   tc.Arguments,
		})

		result, isError := a.executeSingleTool(ctx, tc, emit)

		a.setPending(tc.ID, false)
		emit(Event{
			Type:       EventToolExecutionEnd,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			ToolArgs:   tc.Arguments,
			ToolResult: &result,
			IsError:    isError,
		})

		toolResult := ai.ToolResultMessage{
			Role:       ai.RoleToolResult,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Content:    append([]ai.ContentBlock(nil), result.Content...),
			Details:    result.Details,
			IsError:    isError,
			Timestamp:  time.Now().UnixMilli(),
		}
		results = append(results, toolResult)

		emit(Event{Type: EventMessageStart, Message: toolResult})
		emit(Event{Type: EventMessageEnd, Message: toolResult})

		if ctx.Err() != nil {
			return results, nil, ctx.Err()
		}

		// Steering check: a queued user message interrupts the remaining
		// calls of this assistant message.
		if cfg.GetSteeringMessages != nil && i < len(toolCalls)-1 {
			steering, _ := cfg.GetSteeringMessages()
			if len(steering) > 0 {
				steeringMessages = steering
				for _, skipped := range toolCalls[i+1:] {
					skippedResult := ai.ToolResultMessage{
						Role:       ai.RoleToolResult,
						ToolCallID: skipped.ID,
						ToolName:   skipped.Name,
						Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: skippedToolResultText}},
						IsError:    false,
						Timestamp:  time.Now().UnixMilli(),
					}
					results = append(results, skippedResult)
					emit(Event{Type: EventMessageStart, Message: skippedResult})
					emit(Event{Type: EventMessageEnd, Message: skippedResult})
				}
				break
			}
		}
	}

	return results, steeringMessages, nil
}

// executeSingleTool validates and runs one tool call. All failure modes,
// including panics inside the tool, collapse into an error result so the
// loop always continues.
func (a *Agent) executeSingleTool(
	ctx context.Context,
	tc ai.ToolCall,
	emit func(Event),
) (result tools.Result, isError bool) {
	tool := a.tools.Get(tc.Name)
	if tool == nil {
		return tools.ErrorResult(fmt.Errorf("tool %q not found", tc.Name)), true
	}

	params, err := tools.ValidateAndCoerce(tool, tc.Arguments)
	if err != nil {
		return tools.ErrorResult(err), true
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("tool panicked", "tool", tc.Name, "panic", r)
			result = tools.ErrorResult(fmt.Errorf("tool %q panicked: %v", tc.Name, r))
			isError = true
		}
	}()

	onUpdate := func(partial tools.Result) {
		emit(Event{
			Type:       EventToolExecutionUpdate,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			ToolArgs:   tc.Arguments,
			ToolResult: &partial,
		})
	}

	res, err := tool.Execute(ctx, tc.ID, params, onUpdate)
	if err != nil {
		return tools.ErrorResult(err), true
	}
	return res, false
}

func (a *Agent) setPending(callID string, pending bool) {
	a.mu.Lock()
	if pending {
		a.pendingCalls[callID] = true
	} else {
		delete(a.pendingCalls, callID)
	}
	a.mu.Unlock()
}
