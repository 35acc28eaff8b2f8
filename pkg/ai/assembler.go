package ai

import (
	"fmt"
	"strings"

	"github.com/bitop-dev/agentcore/pkg/ai/streamjson"
)

// Assembler folds the normalized event alphabet into a growing partial
// assistant message. Provider adapters push every event through Apply; the
// returned event carries a snapshot of the partial so subscribers never see
// the message under mutation.
//
// Invariants maintained:
//   - the content array is dense: slot i exists before slot i+1
//   - a slot's block type never changes after its *_start event
//   - signatures attach only at *_end
//   - tool-call arguments always hold the best-effort parse of the
//     concatenated deltas; a malformed buffer yields an empty object
type Assembler struct {
	msg   *AssistantMessage
	slots map[int]int // provider content index → dense index in msg.Content
}

// NewAssembler prepares an assembler for one stream. The partial message
// exists from the first Apply(start) onward.
func NewAssembler(provider, model string, timestamp int64) *Assembler {
	return &Assembler{
		msg: &AssistantMessage{
			Role:      RoleAssistant,
			Model:     model,
			Provider:  provider,
			Timestamp: timestamp,
		},
		slots: make(map[int]int),
	}
}

// Message returns a snapshot of the partial message.
func (a *Assembler) Message() *AssistantMessage {
	return snapshot(a.msg)
}

// Apply folds one event into the partial message and returns the event with
// its Partial snapshot attached. A returned error means the provider
// violated the event protocol; the stream should be abandoned.
func (a *Assembler) Apply(ev StreamEvent) (StreamEvent, error) {
	switch ev.Type {
	case StreamEventStart:
		// Model metadata may arrive with the start event.
		ev.Partial = snapshot(a.msg)
		return ev, nil

	case StreamEventTextStart:
		if err := a.openSlot(ev.ContentIndex, TextContent{Type: "text"}); err != nil {
			return ev, err
		}

	case StreamEventTextDelta:
		tb, err := textAt(a.msg, a.slots, ev.ContentIndex)
		if err != nil {
			return ev, err
		}
		tb.Text += ev.Delta
		a.msg.Content[a.slots[ev.ContentIndex]] = *tb

	case StreamEventTextEnd:
		tb, err := textAt(a.msg, a.slots, ev.ContentIndex)
		if err != nil {
			return ev, err
		}
		tb.Signature = ev.Signature
		a.msg.Content[a.slots[ev.ContentIndex]] = *tb

	case StreamEventThinkingStart:
		if err := a.openSlot(ev.ContentIndex, ThinkingContent{Type: "thinking", Redacted: ev.Redacted}); err != nil {
			return ev, err
		}

	case StreamEventThinkingDelta:
		th, err := thinkingAt(a.msg, a.slots, ev.ContentIndex)
		if err != nil {
			return ev, err
		}
		th.Thinking += ev.Delta
		a.msg.Content[a.slots[ev.ContentIndex]] = *th

	case StreamEventThinkingEnd:
		th, err := thinkingAt(a.msg, a.slots, ev.ContentIndex)
		if err != nil {
			return ev, err
		}
		th.Signature = ev.Signature
		a.msg.Content[a.slots[ev.ContentIndex]] = *th

	case StreamEventToolCallStart:
		tc := ToolCall{
			Type:      "tool_call",
			ID:        ev.ToolCallID,
			Name:      ev.ToolCallName,
			Arguments: map[string]any{},
		}
		if err := a.openSlot(ev.ContentIndex, tc); err != nil {
			return ev, err
		}

	case StreamEventToolCallDelta:
		tc, err := toolCallAt(a.msg, a.slots, ev.ContentIndex)
		if err != nil {
			return ev, err
		}
		tc.PartialJSON += ev.Delta
		tc.Arguments = streamjson.Parse(tc.PartialJSON)
		a.msg.Content[a.slots[ev.ContentIndex]] = *tc

	case StreamEventToolCallEnd:
		tc, err := toolCallAt(a.msg, a.slots, ev.ContentIndex)
		if err != nil {
			return ev, err
		}
		tc.Arguments = streamjson.Parse(tc.PartialJSON)
		tc.PartialJSON = ""
		tc.Signature = ev.Signature
		a.msg.Content[a.slots[ev.ContentIndex]] = *tc

	case StreamEventDone:
		a.msg.StopReason = ev.Reason
		if a.msg.StopReason == "" {
			a.msg.StopReason = StopReasonStop
		}
		a.msg.Usage = ev.Usage

	case StreamEventError:
		a.msg.StopReason = ev.Reason
		if a.msg.StopReason != StopReasonAborted {
			a.msg.StopReason = StopReasonError
		}
		if ev.Usage.TotalTokens > 0 || ev.Usage.Input > 0 {
			a.msg.Usage = ev.Usage
		}
		if ev.Error != nil {
			a.msg.ErrorMessage = ev.Error.Error()
		}

	default:
		return ev, fmt.Errorf("ai: unknown stream event %q", ev.Type)
	}

	ev.Partial = snapshot(a.msg)
	return ev, nil
}

// openSlot registers a new content block for a provider index. Indices may
// be sparse on the wire; the dense position is the append position.
func (a *Assembler) openSlot(index int, block ContentBlock) error {
	if _, exists := a.slots[index]; exists {
		return fmt.Errorf("ai: content slot %d started twice", index)
	}
	a.slots[index] = len(a.msg.Content)
	a.msg.Content = append(a.msg.Content, block)
	return nil
}

func textAt(msg *AssistantMessage, slots map[int]int, index int) (*TextContent, error) {
	i, ok := slots[index]
	if !ok {
		return nil, fmt.Errorf("ai: text delta for unopened slot %d", index)
	}
	tb, ok := msg.Content[i].(TextContent)
	if !ok {
		return nil, fmt.Errorf("ai: slot %d is %T, not text", index, msg.Content[i])
	}
	return &tb, nil
}

func thinkingAt(msg *AssistantMessage, slots map[int]int, index int) (*ThinkingContent, error) {
	i, ok := slots[index]
	if !ok {
		return nil, fmt.Errorf("ai: thinking delta for unopened slot %d", index)
	}
	th, ok := msg.Content[i].(ThinkingContent)
	if !ok {
		return nil, fmt.Errorf("ai: slot %d is %T, not thinking", index, msg.Content[i])
	}
	return &th, nil
}

func toolCallAt(msg *AssistantMessage, slots map[int]int, index int) (*ToolCall, error) {
	i, ok := slots[index]
	if !ok {
		return nil, fmt.Errorf("ai: tool-call delta for unopened slot %d", index)
	}
	tc, ok := msg.Content[i].(ToolCall)
	if !ok {
		return nil, fmt.Errorf("ai: slot %d is %T, not tool_call", index, msg.Content[i])
	}
	return &tc, nil
}

// snapshot clones the message and its content slice so the partial can
// escape into subscriber callbacks while assembly continues.
func snapshot(msg *AssistantMessage) *AssistantMessage {
	cp := *msg
	cp.Content = make([]ContentBlock, len(msg.Content))
	copy(cp.Content, msg.Content)
	return &cp
}

// JoinText concatenates the text blocks of a message, used by summarizers
// and tests.
func JoinText(msg *AssistantMessage) string {
	var sb strings.Builder
	for _, c := range msg.Content {
		if tb, ok := c.(TextContent); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String()
}
