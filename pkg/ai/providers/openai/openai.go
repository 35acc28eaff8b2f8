// Package openai implements ai.Provider for the OpenAI chat-completions API
// (streaming). It also works against any OpenAI-compatible endpoint (Groq,
// OpenRouter, local gateways) via BaseURL.
package openai

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

const defaultBaseURL = "https://api.openai.com/v1"

// Provider is the OpenAI streaming provider.
type Provider struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a Provider. Pass "" for the public OpenAI endpoint.
func New(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *Provider) Name() string { return "openai" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"` // string | []wirePart
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wirePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"` // "function"
	Function wireToolFunc `json:"function"`
}

type wireToolFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"` // "function"
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"` // JSON string
	} `json:"function"`
}

type wireRequest struct {
	Model           string         `json:"model"`
	Messages        []wireMessage  `json:"messages"`
	Tools           []wireTool     `json:"tools,omitempty"`
	Stream          bool           `json:"stream"`
	MaxTokens       int            `json:"max_completion_tokens,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
	User            string         `json:"user,omitempty"`
	StreamOptions   *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chunkDelta struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type streamChunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage"`
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
	req, err := buildRequest(model, llmCtx, opts)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(req)
	if opts.OnPayload != nil {
		opts.OnPayload(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+opts.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range opts.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ai.RetryableError{Err: fmt.Errorf("openai: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		base := fmt.Errorf("openai: HTTP %d: %s", resp.StatusCode, string(b))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			var delay time.Duration
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				delay = time.Duration(secs) * time.Second
			}
			return nil, &ai.RetryableError{Err: base, Delay: delay}
		}
		return nil, base
	}

	asm := ai.NewAssembler("openai", model, time.Now().UnixMilli())
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

	// Chat completions interleave one implicit text stream with indexed tool
	// calls. Text occupies slot 0; tool call with wire index i maps to slot
	// i+1. The assembler re-densifies.
	textOpen := false
	openCalls := map[int]bool{}
	var finish string
	var usage ai.Usage

	fail := func(err error) (*ai.AssistantMessage, error) {
		reason := ai.StopReasonError
		if errors.Is(err, context.Canceled) {
			reason = ai.StopReasonAborted
		}
		_ = emit(ai.StreamEvent{Type: ai.StreamEventError, Reason: reason, Error: err, Usage: usage})
		return asm.Message(), err
	}

	if err := emit(ai.StreamEvent{Type: ai.StreamEventStart}); err != nil {
		return asm.Message(), err
	}

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
			return fail(err)
		}
		if sev.Data == "" || sev.Data == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if json.Unmarshal([]byte(sev.Data), &chunk) != nil {
			continue
		}
		if chunk.Usage != nil {
			usage.Input = chunk.Usage.PromptTokens
			usage.Output = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
			if d := chunk.Usage.PromptTokensDetails; d != nil {
				usage.CacheRead = d.CachedTokens
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if !textOpen {
				if err := emit(ai.StreamEvent{Type: ai.StreamEventTextStart, ContentIndex: 0}); err != nil {
					return asm.Message(), err
				}
				textOpen = true
			}
			if err := emit(ai.StreamEvent{Type: ai.StreamEventTextDelta, ContentIndex: 0, Delta: choice.Delta.Content}); err != nil {
				return asm.Message(), err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			slot := tc.Index + 1
			if !openCalls[tc.Index] {
				openCalls[tc.Index] = true
				id := tc.ID
				if id == "" {
					id = "call_" + uuid.New().String()[:8]
				}
				if err := emit(ai.StreamEvent{
					Type:         ai.StreamEventToolCallStart,
					ContentIndex: slot,
					ToolCallID:   id,
					ToolCallName: tc.Function.Name,
				}); err != nil {
					return asm.Message(), err
				}
			}
			if tc.Function.Arguments != "" {
				if err := emit(ai.StreamEvent{Type: ai.StreamEventToolCallDelta, ContentIndex: slot, Delta: tc.Function.Arguments}); err != nil {
					return asm.Message(), err
				}
			}
		}

		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}

	if textOpen {
		if err := emit(ai.StreamEvent{Type: ai.StreamEventTextEnd, ContentIndex: 0}); err != nil {
			return asm.Message(), err
		}
	}
	for idx := range openCalls {
		if err := emit(ai.StreamEvent{Type: ai.StreamEventToolCallEnd, ContentIndex: idx + 1}); err != nil {
			return asm.Message(), err
		}
	}
	if err := emit(ai.StreamEvent{Type: ai.StreamEventDone, Reason: mapFinishReason(finish), Usage: usage}); err != nil {
		return asm.Message(), err
	}

	return asm.Message(), nil
}

// ---------------------------------------------------------------------------
// Request construction
// ---------------------------------------------------------------------------

func buildRequest(model string, llmCtx ai.Context, opts ai.StreamOptions) (*wireRequest, error) {
	req := &wireRequest{
		Model:         model,
		Stream:        true,
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		User:          opts.SessionID,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	switch opts.ThinkingLevel {
	case "", ai.ThinkingOff:
	case ai.ThinkingXHigh:
		req.ReasoningEffort = "high"
	default:
		req.ReasoningEffort = string(opts.ThinkingLevel)
	}

	if llmCtx.SystemPrompt != "" {
		req.Messages = append(req.Messages, wireMessage{Role: "system", Content: llmCtx.SystemPrompt})
	}

	for _, m := range llmCtx.Messages {
		wms, err := convertMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, wms...)
	}

	for _, t := range llmCtx.Tools {
		req.Tools = append(req.Tools, wireTool{
			Type: "function",
			Function: wireToolFunc{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return req, nil
}

func convertMessage(m ai.Message) ([]wireMessage, error) {
	switch msg := m.(type) {
	case ai.UserMessage:
		var parts []wirePart
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case ai.TextContent:
				parts = append(parts, wirePart{Type: "text", Text: blk.Text})
			case ai.ImageContent:
				p := wirePart{Type: "image_url"}
				p.ImageURL = &struct {
					URL string `json:"url"`
				}{URL: "data:" + blk.MIMEType + ";base64," + blk.Data}
				parts = append(parts, p)
			}
		}
		return []wireMessage{{Role: "user", Content: parts}}, nil

	case ai.AssistantMessage:
		wm := wireMessage{Role: "assistant"}
		var text string
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case ai.TextContent:
				text += blk.Text
			case ai.ToolCall:
				args, err := json.Marshal(blk.Arguments)
				if err != nil {
					return nil, fmt.Errorf("openai: marshal tool args: %w", err)
				}
				wtc := wireToolCall{ID: blk.ID, Type: "function"}
				wtc.Function.Name = blk.Name
				wtc.Function.Arguments = string(args)
				wm.ToolCalls = append(wm.ToolCalls, wtc)
			}
		}
		if text != "" {
			wm.Content = text
		}
		return []wireMessage{wm}, nil

	case ai.ToolResultMessage:
		var text string
		for _, c := range msg.Content {
			if tb, ok := c.(ai.TextContent); ok {
				text += tb.Text
			}
		}
		return []wireMessage{{Role: "tool", ToolCallID: msg.ToolCallID, Content: text}}, nil
	}

	return nil, fmt.Errorf("openai: unsupported message type: %T", m)
}

func mapFinishReason(s string) ai.StopReason {
	switch s {
	case "stop", "":
		return ai.StopReasonStop
	case "length":
		return ai.StopReasonLength
	case "tool_calls", "function_call":
		return ai.StopReasonToolUse
	default:
		return ai.StopReason(s)
	}
}
