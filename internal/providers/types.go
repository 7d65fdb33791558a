// Package providers implements the model-provider side of C4, the API
// worker: a thin Provider interface over the Anthropic and OpenAI-compatible
// wire protocols, grounded on the teacher's pkg/providers/anthropic and
// pkg/providers/openai_compat adapters.
package providers

import (
	"context"

	"github.com/gokr/niffler/internal/fabric"
)

// Message is the provider-facing wire shape fabric.Message is translated
// to/from. Kept distinct from fabric.Message so a provider package never
// needs to import fabric's queue-payload types for anything but this
// translation boundary.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type UsageInfo struct {
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
}

// Response is a single non-streaming completion, or the fully accumulated
// result of a streaming one.
type Response struct {
	Content      string
	Thinking     string
	IsEncrypted  bool
	ToolCalls    []ToolCall
	FinishReason string // "stop" | "tool_calls" | "length"
	Usage        UsageInfo
}

// StreamDelta is one incremental event surfaced while a stream is active,
// consumed by internal/apiworker to build fabric.APIResponse chunks.
type StreamDelta struct {
	TextDelta     string
	ThinkingDelta string
	ToolCallDelta *ToolCallDelta
}

// ToolCallDelta carries one incremental fragment of a tool call keyed by
// its position in the response, mirroring the teacher's index-keyed
// toolCallsMap accumulator.
type ToolCallDelta struct {
	Index        int
	ID           string
	Name         string
	ArgumentsPart string
}

// Provider is the common interface every model backend implements.
// ChatStream invokes onDelta for every incremental event and returns the
// fully accumulated Response once the stream ends, matching the teacher's
// ChatStream(..., onDelta func(string)) shape generalized to carry
// thinking and tool-call deltas as well as text.
type Provider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string) (*Response, error)
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, onDelta func(StreamDelta)) (*Response, error)
	DefaultModel() string
}

// ToFabricToolCalls converts provider tool calls to fabric wire shape.
func ToFabricToolCalls(tcs []ToolCall) []fabric.ToolCallInfo {
	out := make([]fabric.ToolCallInfo, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, fabric.ToolCallInfo{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}
