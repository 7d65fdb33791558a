package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider wraps anthropic-sdk-go, grounded on the teacher's
// pkg/providers/anthropic.Provider: same buildParams tool-result-merging
// rule (all tool_result blocks belonging to one assistant tool_use turn
// must land in a single following user message) and the same
// Accumulate-based streaming loop.
type AnthropicProvider struct {
	client  *anthropic.Client
	baseURL string
}

func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAuthToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client, baseURL: baseURL}
}

func (p *AnthropicProvider) DefaultModel() string { return "claude-sonnet-4-5" }

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string) (*Response, error) {
	params, err := p.buildParams(messages, tools, model)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: chat: %w", err)
	}
	return parseAnthropicMessage(resp), nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, onDelta func(StreamDelta)) (*Response, error) {
	params, err := p.buildParams(messages, tools, model)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)

	var accumulated anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := accumulated.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic: accumulating stream event: %w", err)
		}
		if onDelta == nil {
			continue
		}
		switch e := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if td := e.Delta.AsTextDelta(); td.Text != "" {
				onDelta(StreamDelta{TextDelta: td.Text})
			}
			if thd := e.Delta.AsThinkingDelta(); thd.Thinking != "" {
				onDelta(StreamDelta{ThinkingDelta: thd.Thinking})
			}
			if id := e.Delta.AsInputJSONDelta(); id.PartialJSON != "" {
				onDelta(StreamDelta{ToolCallDelta: &ToolCallDelta{
					Index:         int(e.Index),
					ArgumentsPart: id.PartialJSON,
				}})
			}
		case anthropic.ContentBlockStartEvent:
			if tu := e.ContentBlock.AsToolUse(); tu.ID != "" {
				onDelta(StreamDelta{ToolCallDelta: &ToolCallDelta{
					Index: int(e.Index),
					ID:    tu.ID,
					Name:  tu.Name,
				}})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: streaming chat: %w", err)
	}
	return parseAnthropicMessage(&accumulated), nil
}

func (p *AnthropicProvider) buildParams(messages []Message, tools []ToolDefinition, model string) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var out []anthropic.MessageParam

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					var args map[string]any
					_ = json.Unmarshal([]byte(tc.Arguments), &args)
					if args == nil {
						args = map[string]any{}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
				}
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			} else {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}
		default: // "user" and "tool" roles, merging consecutive tool results
			if msg.ToolCallID != "" {
				var toolBlocks []anthropic.ContentBlockParamUnion
				for i < len(messages) && messages[i].ToolCallID != "" {
					toolBlocks = append(toolBlocks,
						anthropic.NewToolResultBlock(messages[i].ToolCallID, messages[i].Content, false))
					i++
				}
				i--
				out = append(out, anthropic.NewUserMessage(toolBlocks...))
			} else {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  out,
		MaxTokens: 8192,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = translateAnthropicTools(tools)
	}
	return params, nil
}

func translateAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		if req, ok := t.Parameters["required"].([]any); ok {
			var required []string
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func parseAnthropicMessage(resp *anthropic.Message) *Response {
	var content, thinking string
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.AsText().Text
		case "thinking":
			thinking += block.AsThinking().Thinking
		case "tool_use":
			tu := block.AsToolUse()
			args, _ := json.Marshal(json.RawMessage(tu.Input))
			toolCalls = append(toolCalls, ToolCall{ID: tu.ID, Name: tu.Name, Arguments: string(args)})
		}
	}

	finish := "stop"
	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		finish = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		finish = "length"
	}

	return &Response{
		Content:      content,
		Thinking:     thinking,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage: UsageInfo{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
}
