package apiworker

import (
	"context"
	"testing"
	"time"

	"github.com/gokr/niffler/internal/fabric"
	"github.com/gokr/niffler/internal/providers"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	responses []providers.Response
	calls     int
}

func (f *fakeProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string) (*providers.Response, error) {
	return f.next(), nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, onDelta func(providers.StreamDelta)) (*providers.Response, error) {
	resp := f.next()
	if resp.Content != "" {
		onDelta(providers.StreamDelta{TextDelta: resp.Content})
	}
	return resp, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }

func (f *fakeProvider) next() *providers.Response {
	if f.calls >= len(f.responses) {
		return &providers.Response{FinishReason: "stop"}
	}
	r := f.responses[f.calls]
	f.calls++
	return &r
}

func drainResponses(t *testing.T, fab *fabric.Fabric, requestID string, until fabric.APIResponseKind) []fabric.APIResponse {
	t.Helper()
	var out []fabric.APIResponse
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, ok := fab.RecvAPIResponse(200 * time.Millisecond)
		if !ok {
			continue
		}
		if resp.RequestID != requestID {
			continue
		}
		out = append(out, resp)
		if resp.Kind == until {
			return out
		}
	}
	t.Fatal("timed out waiting for terminal response kind")
	return nil
}

func TestHandleChatWithoutToolCallsCompletesImmediately(t *testing.T) {
	fab := fabric.New()
	w := NewWorker(fab, nil)
	w.Configure("test-model", &fakeProvider{responses: []providers.Response{
		{Content: "hello there", FinishReason: "stop"},
	}})

	w.handleChat(context.Background(), fabric.ChatRequest{
		RequestID: "r1", ModelNickname: "test-model", Model: "fake-model",
	})

	events := drainResponses(t, fab, "r1", fabric.KindStreamComplete)
	var sawChunk, sawComplete bool
	for _, e := range events {
		if e.Kind == fabric.KindStreamChunk && e.Text == "hello there" {
			sawChunk = true
		}
		if e.Kind == fabric.KindStreamComplete {
			sawComplete = true
		}
	}
	require.True(t, sawChunk)
	require.True(t, sawComplete)
}

func TestHandleChatDispatchesToolCallsThroughFabric(t *testing.T) {
	fab := fabric.New()
	w := NewWorker(fab, nil)
	w.Configure("test-model", &fakeProvider{responses: []providers.Response{
		{ToolCalls: []providers.ToolCall{{ID: "tc-1", Name: "read_file", Arguments: `{"path":"a"}`}}, FinishReason: "tool_calls"},
		{Content: "done", FinishReason: "stop"},
	}})

	// Tool worker stand-in: echo back success.
	go func() {
		req, ok := fab.RecvToolRequest(5 * time.Second)
		if !ok {
			return
		}
		_ = fab.SendToolResponse(fabric.ToolResponse{ToolCallID: req.ToolCallID, Success: true, Result: "file contents"})
	}()

	w.handleChat(context.Background(), fabric.ChatRequest{
		RequestID: "r2", ModelNickname: "test-model", Model: "fake-model",
	})

	events := drainResponses(t, fab, "r2", fabric.KindStreamComplete)
	var sawToolReq, sawToolResult bool
	for _, e := range events {
		if e.Kind == fabric.KindToolCallRequest {
			sawToolReq = true
		}
		if e.Kind == fabric.KindToolCallResult && e.ToolResult.Success {
			sawToolResult = true
		}
	}
	require.True(t, sawToolReq)
	require.True(t, sawToolResult)
}

func TestHandleChatEmitsExactlyOneStreamCompletePerRequest(t *testing.T) {
	fab := fabric.New()
	w := NewWorker(fab, nil)
	w.Configure("test-model", &fakeProvider{responses: []providers.Response{
		{ToolCalls: []providers.ToolCall{{ID: "tc-1", Name: "list_dir", Arguments: `{"path":"."}`}}, FinishReason: "tool_calls"},
		{Content: "Here are the entries: a, b.", FinishReason: "stop"},
	}})

	go func() {
		req, ok := fab.RecvToolRequest(5 * time.Second)
		if !ok {
			return
		}
		_ = fab.SendToolResponse(fabric.ToolResponse{ToolCallID: req.ToolCallID, Success: true, Result: "a\nb"})
	}()

	w.handleChat(context.Background(), fabric.ChatRequest{
		RequestID: "r5", ModelNickname: "test-model", Model: "fake-model",
	})

	events := drainResponses(t, fab, "r5", fabric.KindStreamComplete)

	var completes, batches int
	var finalText string
	var batchToolCalls []fabric.ToolCallInfo
	for _, e := range events {
		switch e.Kind {
		case fabric.KindStreamComplete:
			completes++
		case fabric.KindToolCallBatch:
			batches++
			batchToolCalls = e.ToolCallBatch
		case fabric.KindStreamChunk:
			finalText += e.Text
		}
	}

	require.Equal(t, 1, completes, "exactly one StreamComplete must be emitted per requestId")
	require.Equal(t, 1, batches)
	require.Len(t, batchToolCalls, 1)
	require.Equal(t, "tc-1", batchToolCalls[0].ID)
	require.Equal(t, "Here are the entries: a, b.", finalText)
}

func TestHandleChatUnknownModelEmitsProtocolError(t *testing.T) {
	fab := fabric.New()
	w := NewWorker(fab, nil)

	w.handleChat(context.Background(), fabric.ChatRequest{RequestID: "r3", ModelNickname: "missing"})

	resp, ok := fab.RecvAPIResponse(time.Second)
	require.True(t, ok)
	require.Equal(t, fabric.KindStreamError, resp.Kind)
	require.Equal(t, "protocol", resp.ErrorKind)
}

func TestHandleCancelStopsInFlightStream(t *testing.T) {
	fab := fabric.New()
	w := NewWorker(fab, nil)
	cancelled := false
	w.registerCancel("r4", func() { cancelled = true })

	w.handleCancel(fabric.StreamCancel{RequestID: "r4"})
	require.True(t, cancelled)
}
