// Package store implements C2, the conversation store: durable persistence
// of conversations, messages, per-message token/cost rows, and the
// plan-mode created-file set (spec.md §3, §4.2). The backing engine is
// modernc.org/sqlite via database/sql, following the teacher's
// pkg/swarm/memory.SQLiteStore: hand-written CREATE TABLE IF NOT EXISTS and
// Scan/Exec calls, no ORM.
package store

import "time"

type Mode string

const (
	ModePlan Mode = "plan"
	ModeCode Mode = "code"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Conversation is the persisted form of spec.md §3's Conversation entity.
type Conversation struct {
	ID            int64
	Title         string
	Mode          Mode
	ModelNickname string
	CreatedAt     time.Time
	LastActivity  time.Time
	MessageCount  int
	IsActive      bool
}

// ToolCall is an opaque tool invocation carried by an assistant message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // unparsed JSON, preserving the model's own formatting
}

// Message is the persisted form of spec.md §3's Message entity.
type Message struct {
	ID                int64
	ConversationID    int64
	Role              Role
	Content           string
	ToolCalls         []ToolCall
	ToolCallID        string
	Thinking          string
	ThinkingEncrypted bool
	Sequence          int64
	CreatedAt         time.Time
}

// TokenUsage is one append-only row from spec.md §3's TokenUsage entity.
type TokenUsage struct {
	ID             int64
	ConversationID int64
	MessageID      int64
	ModelNickname  string
	InputTokens    int
	OutputTokens   int
	ReasoningTokens int
	InputCost      float64
	OutputCost     float64
	ReasoningCost  float64
	Timestamp      time.Time
}

// ModelCostRow is one row of the per-model cost breakdown returned by
// GetConversationCostDetailed (spec.md §4.2).
type ModelCostRow struct {
	ModelNickname   string
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	InputCost       float64
	OutputCost      float64
	ReasoningCost   float64
}

// CostBreakdown is the store's grouped-by-model cost report plus a grand
// total.
type CostBreakdown struct {
	Rows  []ModelCostRow
	Total ModelCostRow
}
