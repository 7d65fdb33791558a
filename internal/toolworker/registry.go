// Package toolworker implements C3: the tool worker. It dispatches
// fabric.ToolRequest values consumed from the tool-request queue to
// registered handlers and produces fabric.ToolResponse values, enforcing
// the per-agent allow-list and the plan-mode file-protection rule from
// spec.md §4.3/§4.8. Dispatch sequencing and per-call timing/logging follow
// the teacher's pkg/tools.ExecuteToolCalls, simplified to sequential
// execution since spec.md §4.4.2 requires dispatch in call order without
// in-batch parallelism.
package toolworker

import (
	"context"
	"encoding/json"
)

// Handler implements one named tool. args is the raw JSON object from the
// model's tool call; the returned string becomes ToolResponse.Result on
// success.
type Handler func(ctx context.Context, conversationID int64, args json.RawMessage) (string, error)

// Registry maps tool names to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns every registered tool name, used to build the ToolDefinition
// list a capability-filtered agent sees.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
