// Package bedrock implements ai.Provider for Amazon Bedrock's ConverseStream API.
//
// Authentication is handled by the AWS SDK v2 credential chain:
//  1. AWS_ACCESS_KEY_ID + AWS_SECRET_ACCESS_KEY (+ optional AWS_SESSION_TOKEN)
//  2. AWS_PROFILE — named profile from ~/.aws/credentials
//  3. ~/.aws/credentials default profile
//  4. IAM instance roles / ECS task roles / IRSA
//
// Configure in agent.yaml:
//
//	provider: bedrock
//	model:    us.anthropic.claude-opus-4-5-20251101-v1:0
//	region:   us-east-1      # optional; falls back to AWS_DEFAULT_REGION
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brdoc "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/bitop-dev/agentcore/pkg/ai"
)

// Provider is the Amazon Bedrock streaming provider.
type Provider struct {
	Region  string
	Profile string
}

func New(region, profile string) *Provider {
	return &Provider{Region: region, Profile: profile}
}

func (p *Provider) Name() string { return "bedrock" }

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
	client, err := p.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("bedrock: build client: %w", err)
	}

	input, payload, err := buildInput(model, llmCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("bedrock: build input: %w", err)
	}
	if opts.OnPayload != nil {
		opts.OnPayload(payload)
	}

	resp, err := client.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}

	asm := ai.NewAssembler("bedrock", model, time.Now().UnixMilli())
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

	var stopReason ai.StopReason
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

	// Bedrock block kind per ContentBlockIndex, so ContentBlockStop knows
	// which end event to emit.
	blockKind := map[int32]ai.StreamEventType{}

	stream := resp.GetStream()
	defer stream.Close()

	for event := range stream.Events() {
		switch ev := event.(type) {

		case *types.ConverseStreamOutputMemberContentBlockStart:
			idx := aws.ToInt32(ev.Value.ContentBlockIndex)
			switch s := ev.Value.Start.(type) {
			case *types.ContentBlockStartMemberToolUse:
				blockKind[idx] = ai.StreamEventToolCallEnd
				if err := emit(ai.StreamEvent{
					Type:         ai.StreamEventToolCallStart,
					ContentIndex: int(idx),
					ToolCallID:   aws.ToString(s.Value.ToolUseId),
					ToolCallName: aws.ToString(s.Value.Name),
				}); err != nil {
					return asm.Message(), err
				}
			default:
				blockKind[idx] = ai.StreamEventTextEnd
				if err := emit(ai.StreamEvent{Type: ai.StreamEventTextStart, ContentIndex: int(idx)}); err != nil {
					return asm.Message(), err
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			idx := aws.ToInt32(ev.Value.ContentBlockIndex)
			switch d := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if blockKind[idx] == "" {
					// Text blocks may omit ContentBlockStart.
					blockKind[idx] = ai.StreamEventTextEnd
					if err := emit(ai.StreamEvent{Type: ai.StreamEventTextStart, ContentIndex: int(idx)}); err != nil {
						return asm.Message(), err
					}
				}
				if err := emit(ai.StreamEvent{Type: ai.StreamEventTextDelta, ContentIndex: int(idx), Delta: d.Value}); err != nil {
					return asm.Message(), err
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if err := emit(ai.StreamEvent{Type: ai.StreamEventToolCallDelta, ContentIndex: int(idx), Delta: aws.ToString(d.Value.Input)}); err != nil {
					return asm.Message(), err
				}
			case *types.ContentBlockDeltaMemberReasoningContent:
				switch r := d.Value.(type) {
				case *types.ReasoningContentBlockDeltaMemberText:
					if blockKind[idx] == "" {
						blockKind[idx] = ai.StreamEventThinkingEnd
						if err := emit(ai.StreamEvent{Type: ai.StreamEventThinkingStart, ContentIndex: int(idx)}); err != nil {
							return asm.Message(), err
						}
					}
					if err := emit(ai.StreamEvent{Type: ai.StreamEventThinkingDelta, ContentIndex: int(idx), Delta: r.Value}); err != nil {
						return asm.Message(), err
					}
				case *types.ReasoningContentBlockDeltaMemberSignature:
					if blockKind[idx] == ai.StreamEventThinkingEnd {
						if err := emit(ai.StreamEvent{Type: ai.StreamEventThinkingEnd, ContentIndex: int(idx), Signature: r.Value}); err != nil {
							return asm.Message(), err
						}
						delete(blockKind, idx)
					}
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			idx := aws.ToInt32(ev.Value.ContentBlockIndex)
			kind, ok := blockKind[idx]
			if !ok {
				continue
			}
			delete(blockKind, idx)
			if err := emit(ai.StreamEvent{Type: kind, ContentIndex: int(idx)}); err != nil {
				return asm.Message(), err
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			stopReason = mapStopReason(ev.Value.StopReason)

		case *types.ConverseStreamOutputMemberMetadata:
			if u := ev.Value.Usage; u != nil {
				usage.Input = int(aws.ToInt32(u.InputTokens))
				usage.Output = int(aws.ToInt32(u.OutputTokens))
				usage.TotalTokens = usage.Input + usage.Output
				usage.CacheRead = int(aws.ToInt32(u.CacheReadInputTokens))
				usage.CacheWrite = int(aws.ToInt32(u.CacheWriteInputTokens))
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return fail(classifyError(err))
	}

	if err := emit(ai.StreamEvent{Type: ai.StreamEventDone, Reason: stopReason, Usage: usage}); err != nil {
		return asm.Message(), err
	}
	return asm.Message(), nil
}

// ---------------------------------------------------------------------------
// Client + input building
// ---------------------------------------------------------------------------

func (p *Provider) newClient(ctx context.Context) (*bedrockruntime.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if p.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(p.Region))
	}
	if p.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(p.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

func buildInput(model string, llmCtx ai.Context, opts ai.StreamOptions) (*bedrockruntime.ConverseStreamInput, []byte, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(model),
	}

	if llmCtx.SystemPrompt != "" {
		sysBlocks := []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: llmCtx.SystemPrompt},
		}
		if opts.CacheRetention != "" && opts.CacheRetention != ai.CacheRetentionNone {
			sysBlocks = append(sysBlocks,
				&types.SystemContentBlockMemberCachePoint{
					Value: types.CachePointBlock{Type: types.CachePointTypeDefault},
				},
			)
		}
		input.System = sysBlocks
	}

	ic := &types.InferenceConfiguration{}
	if opts.MaxTokens > 0 {
		v := int32(opts.MaxTokens)
		ic.MaxTokens = &v
	}
	if opts.Temperature != nil {
		v := float32(*opts.Temperature)
		ic.Temperature = &v
	}
	input.InferenceConfig = ic

	// Extended thinking for Claude models rides in the model-specific
	// request fields.
	if opts.ThinkingLevel != "" && opts.ThinkingLevel != ai.ThinkingOff && strings.Contains(model, "anthropic") {
		input.AdditionalModelRequestFields = brdoc.NewLazyDocument(map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": opts.ThinkingBudgets.BudgetFor(opts.ThinkingLevel),
			},
		})
		// Anthropic rejects temperature with thinking enabled.
		ic.Temperature = nil
	}

	msgs, err := convertMessages(llmCtx.Messages)
	if err != nil {
		return nil, nil, err
	}
	input.Messages = msgs

	if len(llmCtx.Tools) > 0 {
		toolList := make([]types.Tool, 0, len(llmCtx.Tools))
		for _, t := range llmCtx.Tools {
			var schema map[string]any
			_ = json.Unmarshal(t.Parameters, &schema)
			toolList = append(toolList, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{
						Value: brdoc.NewLazyDocument(schema),
					},
				},
			})
		}
		input.ToolConfig = &types.ToolConfiguration{
			Tools:      toolList,
			ToolChoice: &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}},
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"modelId":  model,
		"system":   llmCtx.SystemPrompt,
		"messages": len(llmCtx.Messages),
		"tools":    len(llmCtx.Tools),
	})
	return input, payload, nil
}

// ---------------------------------------------------------------------------
// Message conversion
// ---------------------------------------------------------------------------

func convertMessages(msgs []ai.Message) ([]types.Message, error) {
	var out []types.Message
	for _, m := range msgs {
		switch msg := m.(type) {
		case ai.UserMessage:
			var blocks []types.ContentBlock
			for _, c := range msg.Content {
				switch blk := c.(type) {
				case ai.TextContent:
					blocks = append(blocks, &types.ContentBlockMemberText{Value: blk.Text})
				case ai.ImageContent:
					imgBytes, _ := base64.StdEncoding.DecodeString(blk.Data)
					blocks = append(blocks, &types.ContentBlockMemberImage{
						Value: types.ImageBlock{
							Format: imageFormat(blk.MIMEType),
							Source: &types.ImageSourceMemberBytes{Value: imgBytes},
						},
					})
				}
			}
			out = append(out, types.Message{Role: types.ConversationRoleUser, Content: blocks})

		case ai.AssistantMessage:
			var blocks []types.ContentBlock
			for _, c := range msg.Content {
				switch blk := c.(type) {
				case ai.TextContent:
					if strings.TrimSpace(blk.Text) != "" {
						blocks = append(blocks, &types.ContentBlockMemberText{Value: blk.Text})
					}
				case ai.ThinkingContent:
					if blk.Redacted || blk.Thinking == "" {
						continue
					}
					blocks = append(blocks, &types.ContentBlockMemberReasoningContent{
						Value: &types.ReasoningContentBlockMemberReasoningText{
							Value: types.ReasoningTextBlock{
								Text:      aws.String(blk.Thinking),
								Signature: aws.String(blk.Signature),
							},
						},
					})
				case ai.ToolCall:
					blocks = append(blocks, &types.ContentBlockMemberToolUse{
						Value: types.ToolUseBlock{
							ToolUseId: aws.String(blk.ID),
							Name:      aws.String(blk.Name),
							Input:     brdoc.NewLazyDocument(blk.Arguments),
						},
					})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})

		case ai.ToolResultMessage:
			var content []types.ToolResultContentBlock
			for _, c := range msg.Content {
				switch blk := c.(type) {
				case ai.TextContent:
					content = append(content, &types.ToolResultContentBlockMemberText{Value: blk.Text})
				case ai.ImageContent:
					imgBytes, _ := base64.StdEncoding.DecodeString(blk.Data)
					content = append(content, &types.ToolResultContentBlockMemberImage{
						Value: types.ImageBlock{
							Format: imageFormat(blk.MIMEType),
							Source: &types.ImageSourceMemberBytes{Value: imgBytes},
						},
					})
				}
			}
			status := types.ToolResultStatusSuccess
			if msg.IsError {
				status = types.ToolResultStatusError
			}
			toolResultBlock := &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Status:    status,
					Content:   content,
				},
			}
			// Bedrock requires all tool results in the same user message
			if len(out) > 0 && out[len(out)-1].Role == types.ConversationRoleUser {
				out[len(out)-1].Content = append(out[len(out)-1].Content, toolResultBlock)
			} else {
				out = append(out, types.Message{
					Role:    types.ConversationRoleUser,
					Content: []types.ContentBlock{toolResultBlock},
				})
			}
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var throttle *types.ThrottlingException
	var unavailable *types.ServiceUnavailableException
	var internal *types.InternalServerException
	if errors.As(err, &throttle) || errors.As(err, &unavailable) || errors.As(err, &internal) {
		return &ai.RetryableError{Err: fmt.Errorf("bedrock: %w", err)}
	}
	return fmt.Errorf("bedrock: %w", err)
}

func mapStopReason(r types.StopReason) ai.StopReason {
	switch r {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return ai.StopReasonStop
	case types.StopReasonMaxTokens:
		return ai.StopReasonLength
	case types.StopReasonToolUse:
		return ai.StopReasonToolUse
	default:
		return ai.StopReasonStop
	}
}

func imageFormat(mimeType string) types.ImageFormat {
	switch mimeType {
	case "image/jpeg":
		return types.ImageFormatJpeg
	case "image/png":
		return types.ImageFormatPng
	case "image/gif":
		return types.ImageFormatGif
	case "image/webp":
		return types.ImageFormatWebp
	default:
		return types.ImageFormatPng
	}
}
