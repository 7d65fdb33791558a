// Package fabric implements C1: the typed multi-producer/multi-consumer
// queues that connect the in-process worker threads (UI, API worker, tool
// worker, output handler). It is modeled on the teacher's pkg/bus.MessageBus
// (an inbound/outbound channel pair guarded by a closed flag), generalized
// to the four distinct queues spec.md §4.1 names and given an explicit
// dequeue timeout so workers can observe shutdown without polling.
package fabric

import "time"

// ChatRequest starts a new streaming turn on the API worker.
type ChatRequest struct {
	RequestID      string
	ConversationID int64
	Messages       []Message
	Model          string
	ModelNickname  string
	MaxTokens      int
	Temperature    float64
	BaseURL        string
	APIKey         string
	EnableTools    bool
	Tools          []ToolDefinition
	AgentName      string
	InputCostPer1k  float64
	OutputCostPer1k float64
}

// StreamCancel asks the API worker to tear down an in-flight request.
type StreamCancel struct {
	RequestID string
}

// ConfigureModel swaps the API worker's active model. The caller must
// ensure no request is in flight.
type ConfigureModel struct {
	ModelNickname string
	Model         string
	BaseURL       string
	APIKey        string
}

// APIRequest is the sum type enqueued on the apiRequest queue (spec.md
// §4.1). Exactly one of the fields is non-nil.
type APIRequest struct {
	Chat      *ChatRequest
	Cancel    *StreamCancel
	Configure *ConfigureModel
}

// APIResponseKind discriminates the apiResponse queue's event payloads.
type APIResponseKind int

const (
	KindReady APIResponseKind = iota
	KindStreamChunk
	KindToolCallRequest
	KindToolCallResult
	// KindToolCallBatch carries the full assistant-with-tool-calls message
	// for one ToolDispatch round (spec.md §4.4.2), emitted once before the
	// per-call KindToolCallRequest/KindToolCallResult events for that round,
	// so a caller can persist the carrier message in the right order.
	KindToolCallBatch
	KindStreamComplete
	KindStreamError
)

// APIResponse is one event emitted by the API worker's streaming state
// machine (spec.md §4.4.2).
type APIResponse struct {
	RequestID     string
	Kind          APIResponseKind
	Text          string
	Thinking      string
	IsEncrypted   bool
	ToolCall      *ToolCallInfo
	ToolResult    *ToolResultInfo
	ToolCallBatch []ToolCallInfo
	Usage         *UsageInfo
	ErrorMessage  string
	ErrorKind     string // e.g. "cancelled", "network", "protocol"
}

// ToolCallInfo is the UI-facing view of a tool call, surfaced both before
// dispatch (KindToolCallRequest) and after (KindToolCallResult).
type ToolCallInfo struct {
	ID        string
	Name      string
	Arguments string
}

type ToolResultInfo struct {
	ID      string
	Success bool
	Result  string
	Elapsed time.Duration
}

// ToolRequest is enqueued by the API worker and consumed by the tool
// worker (spec.md §4.1, §4.3).
type ToolRequest struct {
	ToolCallID     string
	Name           string
	ArgsJSON       string
	AgentName      string
	ConversationID int64
}

// ToolResponse is the tool worker's reply.
type ToolResponse struct {
	ToolCallID string
	Success    bool
	Result     string
	Elapsed    time.Duration
}

// Message mirrors the wire shape of a conversation message as passed
// between the API worker and an LLM provider (distinct from store.Message,
// which is the persisted form).
type Message struct {
	Role         string
	Content      string
	ToolCalls    []ToolCallInfo
	ToolCallID   string
	Thinking     string
	IsEncrypted  bool
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
	Estimated       bool
}
