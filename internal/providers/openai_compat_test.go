package providers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOpenAIResponseExtractsToolCalls(t *testing.T) {
	body := []byte(`{
		"choices": [{
			"message": {
				"content": "done",
				"tool_calls": [{"id": "tc-1", "function": {"name": "read_file", "arguments": "{\"path\":\"a.go\"}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5}
	}`)
	resp, err := parseOpenAIResponse(body)
	require.NoError(t, err)
	require.Equal(t, "done", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "read_file", resp.ToolCalls[0].Name)
	require.Equal(t, "tool_calls", resp.FinishReason)
	require.Equal(t, 10, resp.Usage.InputTokens)
}

func TestParseOpenAIResponseNoChoicesReturnsStop(t *testing.T) {
	resp, err := parseOpenAIResponse([]byte(`{"choices": []}`))
	require.NoError(t, err)
	require.Equal(t, "stop", resp.FinishReason)
}

func TestExtractThinkingPullsInlineBlock(t *testing.T) {
	content, reasoning := extractThinking("<think>pondering</think>the answer", "")
	require.Equal(t, "the answer", content)
	require.Equal(t, "pondering", reasoning)
}

func TestExtractThinkingAppendsToExistingReasoning(t *testing.T) {
	content, reasoning := extractThinking("<think>more</think>answer", "already have this")
	require.Equal(t, "answer", content)
	require.Equal(t, "already have this\n\nmore", reasoning)
}

func TestExtractThinkingLeavesUnclosedTagAlone(t *testing.T) {
	content, reasoning := extractThinking("<think>unterminated", "")
	require.Equal(t, "<think>unterminated", content)
	require.Equal(t, "", reasoning)
}

func TestParseOpenAIStreamAccumulatesDeltasAndToolCalls(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"tc-1","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
		"",
	}, "\n")

	var deltas []StreamDelta
	resp, err := parseOpenAIStream(strings.NewReader(stream), func(d StreamDelta) { deltas = append(deltas, d) })
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
	require.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "search", resp.ToolCalls[0].Name)
	require.Equal(t, `{"q":"x"}`, resp.ToolCalls[0].Arguments)
	require.NotEmpty(t, deltas)
}

func TestParseOpenAIStreamSkipsMalformedLines(t *testing.T) {
	stream := "data: not-json\ndata: [DONE]\n"
	resp, err := parseOpenAIStream(strings.NewReader(stream), nil)
	require.NoError(t, err)
	require.Equal(t, "", resp.Content)
}
