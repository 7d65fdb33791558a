package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// thinkOpenTag/thinkCloseTag and thinkingOpenTag/thinkingCloseTag bracket
// inline reasoning some OpenAI-compatible models emit in the main content
// stream instead of a dedicated reasoning_content field, following the
// teacher's pkg/providers/openai_compat extraction rule.
const (
	thinkOpenTag       = "<think>"
	thinkCloseTag      = "</think>"
	thinkingOpenTag    = "<thinking>"
	thinkingCloseTag   = "</thinking>"
	maxReasoningBlocks = 10
)

// OpenAICompatProvider talks to any OpenAI chat-completions-compatible
// endpoint over plain net/http, grounded on the teacher's
// pkg/providers/http_provider.HTTPProvider (non-streaming JSON parse) and
// pkg/providers/openai_compat (reasoning_content / <think> / <thinking>
// extraction).
// SSE framing for ChatStream follows http_provider.parseStreamingResponse.
type OpenAICompatProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewOpenAICompatProvider(apiKey, baseURL string) *OpenAICompatProvider {
	return &OpenAICompatProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 0},
	}
}

func (p *OpenAICompatProvider) DefaultModel() string { return "gpt-4o" }

type chatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []wireMessage   `json:"messages"`
	Tools    []wireToolDef   `json:"tools,omitempty"`
	Stream   bool            `json:"stream,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolDef struct {
	Type     string          `json:"type"`
	Function wireToolDefFunc `json:"function"`
}

type wireToolDefFunc struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func toWireMessages(messages []Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID: tc.ID, Type: "function",
				Function: wireFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []ToolDefinition) []wireToolDef {
	out := make([]wireToolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireToolDef{
			Type: "function",
			Function: wireToolDefFunc{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (p *OpenAICompatProvider) newRequest(ctx context.Context, body chatCompletionRequest) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai_compat: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai_compat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return req, nil
}

func (p *OpenAICompatProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string) (*Response, error) {
	req, err := p.newRequest(ctx, chatCompletionRequest{Model: model, Messages: toWireMessages(messages), Tools: toWireTools(tools)})
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai_compat: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai_compat: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai_compat: API error (%d): %s", resp.StatusCode, string(body))
	}
	return parseOpenAIResponse(body)
}

func parseOpenAIResponse(body []byte) (*Response, error) {
	var apiResp struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
				ToolCalls        []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("openai_compat: unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return &Response{FinishReason: "stop"}, nil
	}
	choice := apiResp.Choices[0]
	content, reasoning := extractThinking(choice.Message.Content, choice.Message.ReasoningContent)

	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	return &Response{
		Content:      content,
		Thinking:     reasoning,
		ToolCalls:    toolCalls,
		FinishReason: choice.FinishReason,
		Usage: UsageInfo{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}, nil
}

// extractThinking pulls <think>...</think> and then <thinking>...</thinking>
// blocks out of content and appends them to reasoningContent, for models
// that inline reasoning in the main content stream rather than a dedicated
// field.
func extractThinking(content, reasoningContent string) (string, string) {
	content, reasoningContent = extractTagged(content, reasoningContent, thinkOpenTag, thinkCloseTag)
	return extractTagged(content, reasoningContent, thinkingOpenTag, thinkingCloseTag)
}

// extractTagged moves up to maxReasoningBlocks openTag...closeTag blocks
// from content into reasoningContent.
func extractTagged(content, reasoningContent, openTag, closeTag string) (string, string) {
	for i := 0; i < maxReasoningBlocks; i++ {
		start := strings.Index(content, openTag)
		if start == -1 {
			break
		}
		endRel := strings.Index(content[start:], closeTag)
		if endRel == -1 {
			break
		}
		end := start + endRel
		extracted := strings.TrimSpace(content[start+len(openTag) : end])
		if reasoningContent == "" {
			reasoningContent = extracted
		} else if extracted != "" {
			reasoningContent += "\n\n" + extracted
		}
		content = strings.TrimSpace(content[:start] + content[end+len(closeTag):])
	}
	return content, reasoningContent
}

// ChatStream performs an SSE streaming chat completion, following the
// teacher's HTTPProvider.parseStreamingResponse line for line: bufio.Scanner
// over "data: " prefixed lines, "[DONE]" sentinel, per-index tool-call
// delta accumulator.
func (p *OpenAICompatProvider) ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, onDelta func(StreamDelta)) (*Response, error) {
	req, err := p.newRequest(ctx, chatCompletionRequest{Model: model, Messages: toWireMessages(messages), Tools: toWireTools(tools), Stream: true})
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai_compat: streaming request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai_compat: API error (%d): %s", resp.StatusCode, string(body))
	}
	return parseOpenAIStream(resp.Body, onDelta)
}

func parseOpenAIStream(body io.Reader, onDelta func(StreamDelta)) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder, reasoningBuilder strings.Builder
	toolCalls := make(map[int]*ToolCall)
	finishReason := ""
	var usage UsageInfo

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content          string `json:"content"`
					ReasoningContent string `json:"reasoning_content"`
					ToolCalls        []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = UsageInfo{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(StreamDelta{TextDelta: choice.Delta.Content})
			}
		}
		if choice.Delta.ReasoningContent != "" {
			reasoningBuilder.WriteString(choice.Delta.ReasoningContent)
			if onDelta != nil {
				onDelta(StreamDelta{ThinkingDelta: choice.Delta.ReasoningContent})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			existing, ok := toolCalls[tc.Index]
			if !ok {
				existing = &ToolCall{ID: tc.ID, Name: tc.Function.Name}
				toolCalls[tc.Index] = existing
			}
			if existing.ID == "" {
				existing.ID = tc.ID
			}
			existing.Arguments += tc.Function.Arguments
			if onDelta != nil {
				onDelta(StreamDelta{ToolCallDelta: &ToolCallDelta{
					Index: tc.Index, ID: tc.ID, Name: tc.Function.Name, ArgumentsPart: tc.Function.Arguments,
				}})
			}
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("openai_compat: reading stream: %w", err)
	}

	content, reasoning := extractThinking(contentBuilder.String(), reasoningBuilder.String())

	resp := &Response{
		Content:      content,
		Thinking:     reasoning,
		FinishReason: finishReason,
		Usage:        usage,
	}
	for i := 0; i < len(toolCalls); i++ {
		if tc, ok := toolCalls[i]; ok {
			resp.ToolCalls = append(resp.ToolCalls, *tc)
		}
	}
	return resp, nil
}
