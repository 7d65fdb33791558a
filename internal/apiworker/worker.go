// Package apiworker implements C4: the API worker, the hardest component in
// the system (spec.md §4.4). It consumes fabric.APIRequest values, drives a
// provider's streaming chat completion, dispatches any requested tool calls
// through the tool worker's fabric queues, and loops until the model stops
// requesting tools or a safety cap is hit — emitting fabric.APIResponse
// chunks throughout per the Idle/Streaming/ToolDispatch/PersistAndComplete
// state machine in spec.md §4.4.2. The iteration shape (chat, check for
// tool calls, execute, append results, repeat) is grounded on the teacher's
// pkg/tools.RunToolLoop; a fixed safety cap replaces RunToolLoop's
// token-budget wrap-up since spec.md has no token-budget concept.
package apiworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gokr/niffler/internal/fabric"
	"github.com/gokr/niffler/internal/logger"
	"github.com/gokr/niffler/internal/providers"
	"github.com/gokr/niffler/internal/store"
)

// maxIterations bounds the chat/tool-dispatch loop per spec.md §4.4.2's
// safety cap, preventing a misbehaving model from looping forever.
const maxIterations = 25

// toolCallTimeout bounds how long the worker waits for one dispatched tool
// call's response before giving up on that call specifically.
const toolCallTimeout = 300 * time.Second

// Worker is C4's streaming state machine runner.
type Worker struct {
	fab       *fabric.Fabric
	store     *store.Store
	providers map[string]providers.Provider // model nickname -> provider
	mu        sync.Mutex
	cancels   map[string]context.CancelFunc // requestID -> cancel
}

func NewWorker(fab *fabric.Fabric, st *store.Store) *Worker {
	return &Worker{
		fab:       fab,
		store:     st,
		providers: make(map[string]providers.Provider),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Configure installs (or replaces) the provider backing a model nickname.
func (w *Worker) Configure(nickname string, p providers.Provider) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.providers[nickname] = p
}

// Run drains the API-request queue until the fabric signals shutdown.
func (w *Worker) Run(ctx context.Context) {
	w.fab.WorkerStarted()
	defer w.fab.WorkerStopped()

	for {
		if w.fab.ShuttingDown() {
			return
		}
		req, ok := w.fab.RecvAPIRequest(500 * time.Millisecond)
		if !ok {
			continue
		}
		switch {
		case req.Chat != nil:
			w.handleChat(ctx, *req.Chat)
		case req.Cancel != nil:
			w.handleCancel(*req.Cancel)
		case req.Configure != nil:
			// Provider wiring for a ConfigureModel request is done by the
			// caller via Configure before the request is observed here;
			// this case exists only to keep APIRequest's sum-type contract
			// honored (exactly one of Chat/Cancel/Configure is handled).
		}
	}
}

func (w *Worker) handleCancel(c fabric.StreamCancel) {
	w.mu.Lock()
	cancel, ok := w.cancels[c.RequestID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

func (w *Worker) registerCancel(requestID string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.cancels[requestID] = cancel
	w.mu.Unlock()
}

func (w *Worker) clearCancel(requestID string) {
	w.mu.Lock()
	delete(w.cancels, requestID)
	w.mu.Unlock()
}

func (w *Worker) handleChat(parent context.Context, req fabric.ChatRequest) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	w.registerCancel(req.RequestID, cancel)
	defer w.clearCancel(req.RequestID)

	w.mu.Lock()
	provider, ok := w.providers[req.ModelNickname]
	w.mu.Unlock()
	if !ok {
		w.emitError(req.RequestID, "protocol", fmt.Sprintf("no provider configured for model %q", req.ModelNickname))
		return
	}

	messages := toProviderMessages(req.Messages)
	tools := toProviderTools(req.Tools)

	for iteration := 1; iteration <= maxIterations; iteration++ {
		resp, err := w.streamOnce(ctx, provider, req, messages, tools)
		if err != nil {
			if ctx.Err() != nil {
				w.emit(fabric.APIResponse{RequestID: req.RequestID, Kind: fabric.KindStreamError, ErrorKind: "cancelled", ErrorMessage: "stream cancelled"})
				return
			}
			w.emitError(req.RequestID, "network", err.Error())
			return
		}

		w.recordUsage(req, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			// PersistAndComplete (spec.md §4.4.2): this is the only point
			// that reaches it, so exactly one StreamComplete (or, on the
			// other exits, one StreamError) is emitted per requestId (§8).
			w.emit(fabric.APIResponse{
				RequestID: req.RequestID,
				Kind:      fabric.KindStreamComplete,
				Usage:     &fabric.UsageInfo{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
			})
			return
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)

		batch := make([]fabric.ToolCallInfo, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			batch = append(batch, fabric.ToolCallInfo{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		w.emit(fabric.APIResponse{
			RequestID:     req.RequestID,
			Kind:          fabric.KindToolCallBatch,
			Text:          resp.Content,
			ToolCallBatch: batch,
		})

		for _, tc := range resp.ToolCalls {
			result := w.dispatchTool(req, tc)
			messages = append(messages, providers.Message{Role: "tool", Content: result.Result, ToolCallID: tc.ID})
		}

		logger.DebugCF("apiworker", "tool dispatch round complete, reopening stream", map[string]any{
			"request_id": req.RequestID,
			"iteration":  iteration,
		})
	}

	logger.WarnCF("apiworker", "hit iteration safety cap", map[string]any{
		"request_id": req.RequestID, "cap": maxIterations,
	})
	w.emitError(req.RequestID, "protocol", fmt.Sprintf("tool-call loop exceeded %d iterations", maxIterations))
}

func (w *Worker) streamOnce(ctx context.Context, provider providers.Provider, req fabric.ChatRequest, messages []providers.Message, tools []providers.ToolDefinition) (*providers.Response, error) {
	w.emit(fabric.APIResponse{RequestID: req.RequestID, Kind: fabric.KindReady})

	return provider.ChatStream(ctx, messages, tools, req.Model, func(delta providers.StreamDelta) {
		switch {
		case delta.TextDelta != "":
			w.emit(fabric.APIResponse{RequestID: req.RequestID, Kind: fabric.KindStreamChunk, Text: delta.TextDelta})
		case delta.ThinkingDelta != "":
			w.emit(fabric.APIResponse{RequestID: req.RequestID, Kind: fabric.KindStreamChunk, Thinking: delta.ThinkingDelta})
		case delta.ToolCallDelta != nil:
			// Tool-call argument deltas accumulate inside the provider;
			// the worker only surfaces the completed call once the
			// stream ends, so no chunk is emitted here.
		}
	})
}

// dispatchTool sends one tool call through the fabric to the tool worker
// and blocks for its response, surfacing both the pre-dispatch request and
// the post-dispatch result to the UI per spec.md §4.4.2.
func (w *Worker) dispatchTool(req fabric.ChatRequest, tc providers.ToolCall) fabric.ToolResponse {
	w.emit(fabric.APIResponse{
		RequestID: req.RequestID,
		Kind:      fabric.KindToolCallRequest,
		ToolCall:  &fabric.ToolCallInfo{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments},
	})

	if err := w.fab.SendToolRequest(fabric.ToolRequest{
		ToolCallID: tc.ID, Name: tc.Name, ArgsJSON: tc.Arguments,
		AgentName: req.AgentName, ConversationID: req.ConversationID,
	}); err != nil {
		result := fabric.ToolResponse{ToolCallID: tc.ID, Success: false, Result: fmt.Sprintf(`{"error": %q}`, err.Error())}
		w.emitToolResult(req.RequestID, result)
		return result
	}

	deadline := time.Now().Add(toolCallTimeout)
	for time.Now().Before(deadline) {
		resp, ok := w.fab.RecvToolResponse(time.Second)
		if !ok {
			continue
		}
		if resp.ToolCallID != tc.ID {
			// Not ours (another tool call or a stale response); re-enqueue
			// is not possible on a plain channel, so this worker dispatches
			// strictly one call at a time and never sees another ID here
			// under normal operation.
			continue
		}
		w.emitToolResult(req.RequestID, resp)
		return resp
	}

	timeout := fabric.ToolResponse{ToolCallID: tc.ID, Success: false, Result: `{"error": "tool call timed out"}`}
	w.emitToolResult(req.RequestID, timeout)
	return timeout
}

func (w *Worker) emitToolResult(requestID string, resp fabric.ToolResponse) {
	w.emit(fabric.APIResponse{
		RequestID: requestID,
		Kind:      fabric.KindToolCallResult,
		ToolResult: &fabric.ToolResultInfo{ID: resp.ToolCallID, Success: resp.Success, Result: resp.Result, Elapsed: resp.Elapsed},
	})
}

// recordUsage persists one append-only TokenUsage row per spec.md §3,
// pricing it with the per-1k rates the caller resolved from the model's
// configured profile.
func (w *Worker) recordUsage(req fabric.ChatRequest, usage providers.UsageInfo) {
	if w.store == nil || req.ConversationID == 0 {
		return
	}
	err := w.store.RecordTokenUsage(store.TokenUsage{
		ConversationID: req.ConversationID,
		ModelNickname:  req.ModelNickname,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		InputCost:      float64(usage.InputTokens) / 1000 * req.InputCostPer1k,
		OutputCost:     float64(usage.OutputTokens) / 1000 * req.OutputCostPer1k,
	})
	if err != nil {
		logger.WarnCF("apiworker", "failed to record token usage", map[string]any{
			"request_id": req.RequestID, "error": err.Error(),
		})
	}
}

func (w *Worker) emitError(requestID, kind, message string) {
	w.emit(fabric.APIResponse{RequestID: requestID, Kind: fabric.KindStreamError, ErrorKind: kind, ErrorMessage: message})
}

func (w *Worker) emit(resp fabric.APIResponse) {
	if err := w.fab.SendAPIResponse(resp); err != nil {
		logger.ErrorCF("apiworker", "failed to publish response", map[string]any{
			"request_id": resp.RequestID, "error": err.Error(),
		})
	}
}

func toProviderMessages(msgs []fabric.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		pm := providers.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out = append(out, pm)
	}
	return out
}

func toProviderTools(defs []fabric.ToolDefinition) []providers.ToolDefinition {
	out := make([]providers.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, providers.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out
}
