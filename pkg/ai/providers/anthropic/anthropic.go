// Package anthropic implements ai.Provider for the Anthropic Messages API
// (streaming via SSE).
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/ai/sse"
)

const defaultBaseURL = "https://api.anthropic.com/v1"
const anthropicVersion = "2023-06-01"

// Provider is the Anthropic streaming provider.
type Provider struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a Provider. baseURL may be empty for the public API.
func New(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *Provider) Name() string { return "anthropic" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Thinking (assistant)
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	// Tool use (assistant)
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	// Tool result (user)
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content   []wireContent `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	// Image
	Source *wireImageSource `json:"source,omitempty"`
	// Prompt caching
	CacheControl *wireCacheCtrl `json:"cache_control,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // "image/png"
	Data      string `json:"data"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireThinking struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type wireSystemBlock struct {
	Type         string         `json:"type"` // "text"
	Text         string         `json:"text"`
	CacheControl *wireCacheCtrl `json:"cache_control,omitempty"`
}

type wireCacheCtrl struct {
	Type string `json:"type"` // "ephemeral"
	TTL  string `json:"ttl,omitempty"`
}

type wireMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      any           `json:"system,omitempty"` // string or []wireSystemBlock
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	Thinking    *wireThinking `json:"thinking,omitempty"`
	Metadata    *wireMetadata `json:"metadata,omitempty"`
}

// SSE event payloads

type evContentBlockStart struct {
	Index        int         `json:"index"`
	ContentBlock wireContent `json:"content_block"`
}

type evContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type evMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type evMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type evError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

func (p *Provider) Stream(
	ctx context.Context,
	model string,
	llmCtx ai.Context,
	opts ai.StreamOptions,
) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	events := make(chan ai.StreamEvent, 64)
	var finalMsg *ai.AssistantMessage
	var finalErr error
	done := make(chan struct{})

	go func() {
		defer close(events)
		defer close(done)
		finalMsg, finalErr = p.stream(ctx, model, llmCtx, opts, events)
	}()

	return events, func() (*ai.AssistantMessage, error) {
		<-done
		return finalMsg, finalErr
	}
}

func (p *Provider) stream(
	ctx context.Context,
	model string,
	llmCtx ai.Context,
	opts ai.StreamOptions,
	events chan<- ai.StreamEvent,
) (*ai.AssistantMessage, error) {
	body, err := buildRequestBody(model, llmCtx, opts)
	if err != nil {
		return nil, err
	}
	if opts.OnPayload != nil {
		opts.OnPayload(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", opts.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")
	if opts.ThinkingLevel != "" && opts.ThinkingLevel != ai.ThinkingOff {
		httpReq.Header.Set("anthropic-beta", "interleaved-thinking-2025-05-14")
	}
	for k, v := range opts.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ai.RetryableError{Err: fmt.Errorf("anthropic: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp)
	}

	asm := ai.NewAssembler("anthropic", model, time.Now().UnixMilli())
	emit := func(ev ai.StreamEvent) error {
		out, err := asm.Apply(ev)
		if err != nil {
			return err
		}
		select {
		case events <- out:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Per-index state the alphabet does not carry between events.
	type blockState struct {
		kind      string // "text" | "thinking" | "tool_use"
		signature string
	}
	blocks := map[int]*blockState{}
	var stopReason ai.StopReason
	var usage ai.Usage

	reader := sse.NewReader(resp.Body)
	for {
		sev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			_ = emitErrorEvent(emit, err, usage)
			return asm.Message(), err
		}
		if sev.Data == "" {
			continue
		}

		switch sev.Type {
		case "message_start":
			var ms evMessageStart
			if json.Unmarshal([]byte(sev.Data), &ms) == nil {
				usage.Input = ms.Message.Usage.InputTokens
				usage.CacheRead = ms.Message.Usage.CacheReadInputTokens
				usage.CacheWrite = ms.Message.Usage.CacheCreationInputTokens
			}
			if err := emit(ai.StreamEvent{Type: ai.StreamEventStart}); err != nil {
				return asm.Message(), err
			}

		case "content_block_start":
			var cbs evContentBlockStart
			if json.Unmarshal([]byte(sev.Data), &cbs) != nil {
				continue
			}
			bs := &blockState{kind: cbs.ContentBlock.Type}
			blocks[cbs.Index] = bs
			var ev ai.StreamEvent
			switch cbs.ContentBlock.Type {
			case "text":
				ev = ai.StreamEvent{Type: ai.StreamEventTextStart, ContentIndex: cbs.Index}
			case "thinking":
				ev = ai.StreamEvent{Type: ai.StreamEventThinkingStart, ContentIndex: cbs.Index}
			case "redacted_thinking":
				bs.kind = "thinking"
				ev = ai.StreamEvent{Type: ai.StreamEventThinkingStart, ContentIndex: cbs.Index, Redacted: true}
			case "tool_use":
				id := cbs.ContentBlock.ID
				if id == "" {
					id = "call_" + uuid.New().String()[:8]
				}
				ev = ai.StreamEvent{
					Type:         ai.StreamEventToolCallStart,
					ContentIndex: cbs.Index,
					ToolCallID:   id,
					ToolCallName: cbs.ContentBlock.Name,
				}
			default:
				continue
			}
			if err := emit(ev); err != nil {
				return asm.Message(), err
			}

		case "content_block_delta":
			var cbd evContentBlockDelta
			if json.Unmarshal([]byte(sev.Data), &cbd) != nil {
				continue
			}
			bs := blocks[cbd.Index]
			if bs == nil {
				continue
			}
			var ev ai.StreamEvent
			switch cbd.Delta.Type {
			case "text_delta":
				ev = ai.StreamEvent{Type: ai.StreamEventTextDelta, ContentIndex: cbd.Index, Delta: cbd.Delta.Text}
			case "thinking_delta":
				ev = ai.StreamEvent{Type: ai.StreamEventThinkingDelta, ContentIndex: cbd.Index, Delta: cbd.Delta.Thinking}
			case "signature_delta":
				// Buffered until the block closes; signatures attach at *_end.
				bs.signature += cbd.Delta.Signature
				continue
			case "input_json_delta":
				ev = ai.StreamEvent{Type: ai.StreamEventToolCallDelta, ContentIndex: cbd.Index, Delta: cbd.Delta.PartialJSON}
			default:
				continue
			}
			if err := emit(ev); err != nil {
				return asm.Message(), err
			}

		case "content_block_stop":
			var idx struct {
				Index int `json:"index"`
			}
			if json.Unmarshal([]byte(sev.Data), &idx) != nil {
				continue
			}
			bs := blocks[idx.Index]
			if bs == nil {
				continue
			}
			var typ ai.StreamEventType
			switch bs.kind {
			case "text":
				typ = ai.StreamEventTextEnd
			case "thinking":
				typ = ai.StreamEventThinkingEnd
			case "tool_use":
				typ = ai.StreamEventToolCallEnd
			default:
				continue
			}
			if err := emit(ai.StreamEvent{Type: typ, ContentIndex: idx.Index, Signature: bs.signature}); err != nil {
				return asm.Message(), err
			}

		case "message_delta":
			var md evMessageDelta
			if json.Unmarshal([]byte(sev.Data), &md) == nil {
				stopReason = mapStopReason(md.Delta.StopReason)
				usage.Output = md.Usage.OutputTokens
				usage.TotalTokens = usage.Input + usage.Output + usage.CacheRead + usage.CacheWrite
			}

		case "message_stop":
			if err := emit(ai.StreamEvent{Type: ai.StreamEventDone, Reason: stopReason, Usage: usage}); err != nil {
				return asm.Message(), err
			}

		case "error":
			var we evError
			_ = json.Unmarshal([]byte(sev.Data), &we)
			streamErr := fmt.Errorf("anthropic: %s: %s", we.Error.Type, we.Error.Message)
			if we.Error.Type == "overloaded_error" {
				streamErr = &ai.RetryableError{Err: streamErr}
			}
			_ = emitErrorEvent(emit, streamErr, usage)
			return asm.Message(), streamErr
		}
	}

	final := asm.Message()
	if final.StopReason == "" {
		// Stream ended without message_stop; treat as a normal stop.
		final.StopReason = ai.StopReasonStop
	}
	return final, nil
}

func emitErrorEvent(emit func(ai.StreamEvent) error, err error, usage ai.Usage) error {
	reason := ai.StopReasonError
	if errors.Is(err, context.Canceled) {
		reason = ai.StopReasonAborted
	}
	return emit(ai.StreamEvent{Type: ai.StreamEventError, Reason: reason, Error: err, Usage: usage})
}

// ---------------------------------------------------------------------------
// Request construction
// ---------------------------------------------------------------------------

func buildRequestBody(model string, llmCtx ai.Context, opts ai.StreamOptions) ([]byte, error) {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	req := wireRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Stream:      true,
		Temperature: opts.Temperature,
	}

	caching := opts.CacheRetention != "" && opts.CacheRetention != ai.CacheRetentionNone
	if llmCtx.SystemPrompt != "" {
		if caching {
			req.System = []wireSystemBlock{{
				Type:         "text",
				Text:         llmCtx.SystemPrompt,
				CacheControl: cacheCtrl(opts.CacheRetention),
			}}
		} else {
			req.System = llmCtx.SystemPrompt
		}
	}

	if opts.ThinkingLevel != "" && opts.ThinkingLevel != ai.ThinkingOff {
		req.Thinking = &wireThinking{
			Type:         "enabled",
			BudgetTokens: opts.ThinkingBudgets.BudgetFor(opts.ThinkingLevel),
		}
	}

	if opts.SessionID != "" {
		req.Metadata = &wireMetadata{UserID: opts.SessionID}
	}

	for _, m := range llmCtx.Messages {
		wm, err := convertMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, wm)
	}

	// Cache breakpoint on the last message promotes stable prefix caching.
	if caching && len(req.Messages) > 0 {
		last := &req.Messages[len(req.Messages)-1]
		if len(last.Content) > 0 {
			last.Content[len(last.Content)-1].CacheControl = cacheCtrl(opts.CacheRetention)
		}
	}

	for _, t := range llmCtx.Tools {
		req.Tools = append(req.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return json.Marshal(req)
}

func cacheCtrl(retention ai.CacheRetention) *wireCacheCtrl {
	if retention == ai.CacheRetentionLong {
		return &wireCacheCtrl{Type: "ephemeral", TTL: "1h"}
	}
	return &wireCacheCtrl{Type: "ephemeral"}
}

func convertMessage(m ai.Message) (wireMessage, error) {
	switch msg := m.(type) {
	case ai.UserMessage:
		var content []wireContent
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case ai.TextContent:
				content = append(content, wireContent{Type: "text", Text: blk.Text})
			case ai.ImageContent:
				content = append(content, wireContent{
					Type:   "image",
					Source: &wireImageSource{Type: "base64", MediaType: blk.MIMEType, Data: blk.Data},
				})
			}
		}
		return wireMessage{Role: "user", Content: content}, nil

	case ai.AssistantMessage:
		var content []wireContent
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case ai.TextContent:
				content = append(content, wireContent{Type: "text", Text: blk.Text})
			case ai.ThinkingContent:
				if blk.Redacted {
					continue // redacted blocks are not replayable
				}
				content = append(content, wireContent{Type: "thinking", Thinking: blk.Thinking, Signature: blk.Signature})
			case ai.ToolCall:
				content = append(content, wireContent{
					Type:  "tool_use",
					ID:    blk.ID,
					Name:  blk.Name,
					Input: blk.Arguments,
				})
			}
		}
		return wireMessage{Role: "assistant", Content: content}, nil

	case ai.ToolResultMessage:
		var inner []wireContent
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case ai.TextContent:
				inner = append(inner, wireContent{Type: "text", Text: blk.Text})
			case ai.ImageContent:
				inner = append(inner, wireContent{
					Type:   "image",
					Source: &wireImageSource{Type: "base64", MediaType: blk.MIMEType, Data: blk.Data},
				})
			}
		}
		return wireMessage{
			Role: "user",
			Content: []wireContent{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   inner,
				IsError:   msg.IsError,
			}},
		}, nil
	}

	return wireMessage{}, fmt.Errorf("anthropic: unsupported message type: %T", m)
}

// classifyHTTPError maps a non-200 response to the error taxonomy: 429 and
// 5xx become retryable with any server-requested delay attached.
func classifyHTTPError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	base := fmt.Errorf("anthropic: HTTP %d: %s", resp.StatusCode, string(b))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &ai.RetryableError{Err: base, Delay: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	return base
}

// parseRetryAfter handles the delta-seconds form; the HTTP-date form is rare
// enough on LLM APIs that it is ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func mapStopReason(s string) ai.StopReason {
	switch s {
	case "end_turn", "stop_sequence":
		return ai.StopReasonStop
	case "max_tokens":
		return ai.StopReasonLength
	case "tool_use":
		return ai.StopReasonToolUse
	case "":
		return ""
	default:
		return ai.StopReason(s)
	}
}
