package toolworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gokr/niffler/internal/fabric"
	"github.com/gokr/niffler/internal/logger"
	"github.com/gokr/niffler/internal/nifflerrors"
	"github.com/gokr/niffler/internal/store"
)

// editingTools are the tool names subject to plan-mode file protection:
// they mutate file contents (as opposed to read-only or file-creating
// tools like create_file, which is how a file enters the created-file set
// in the first place).
var editingTools = map[string]bool{
	"edit_file":  true,
	"write_file": true,
	"patch_file": true,
}

// creatingTools produce a new file and record it as plan-mode-editable.
var creatingTools = map[string]bool{
	"create_file": true,
}

// pathArg extracts the "path" argument every filesystem tool shares.
func pathArg(args json.RawMessage) string {
	var decoded struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(args, &decoded)
	return decoded.Path
}

// Worker is C3's dispatch loop: it consumes fabric.ToolRequest values and
// produces fabric.ToolResponse values, one at a time, per spec.md §4.4.2's
// sequential tool-dispatch requirement.
type Worker struct {
	fab      *fabric.Fabric
	registry *Registry
	store    *store.Store
	allowed  map[string]map[string]bool // agent name -> allowed tool set; nil/missing entry = all tools allowed
}

func NewWorker(fab *fabric.Fabric, registry *Registry, st *store.Store) *Worker {
	return &Worker{
		fab:      fab,
		registry: registry,
		store:    st,
		allowed:  make(map[string]map[string]bool),
	}
}

// SetAllowedTools configures the allow-list for an agent. An empty or nil
// set means "no restriction" — spec.md §4.3's default posture.
func (w *Worker) SetAllowedTools(agentName string, tools []string) {
	if len(tools) == 0 {
		delete(w.allowed, agentName)
		return
	}
	set := make(map[string]bool, len(tools))
	for _, t := range tools {
		set[t] = true
	}
	w.allowed[agentName] = set
}

// Run drains the tool-request queue until the fabric signals shutdown.
// Grounded on the teacher's worker-goroutine shape in pkg/swarm/runtime
// (recover-wrapped run loop).
func (w *Worker) Run(ctx context.Context) {
	w.fab.WorkerStarted()
	defer w.fab.WorkerStopped()

	for {
		if w.fab.ShuttingDown() {
			return
		}
		req, ok := w.fab.RecvToolRequest(500 * time.Millisecond)
		if !ok {
			continue
		}
		resp := w.dispatch(ctx, req)
		if err := w.fab.SendToolResponse(resp); err != nil {
			logger.ErrorCF("toolworker", "failed to publish tool response", map[string]any{
				"tool_call_id": req.ToolCallID,
				"error":        err.Error(),
			})
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, req fabric.ToolRequest) (resp fabric.ToolResponse) {
	start := time.Now()
	resp = fabric.ToolResponse{ToolCallID: req.ToolCallID}

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("toolworker", "tool handler panicked", map[string]any{
				"tool": req.Name, "panic": fmt.Sprint(r),
			})
			resp.Success = false
			resp.Result = fmt.Sprintf(`{"error": "tool %q panicked: %v"}`, req.Name, r)
		}
		resp.Elapsed = time.Since(start)
	}()

	if !w.isAuthorized(req.AgentName, req.Name) {
		resp.Success = false
		resp.Result = fmt.Sprintf(`{"error": %q}`, nifflerrors.ErrToolUnauthorized.Error())
		return resp
	}

	if editingTools[req.Name] {
		if blocked, msg := w.planModeBlocks(req.ConversationID, pathArg(json.RawMessage(req.ArgsJSON))); blocked {
			resp.Success = false
			resp.Result = fmt.Sprintf(`{"error": %q}`, msg)
			return resp
		}
	}

	handler, ok := w.registry.Lookup(req.Name)
	if !ok {
		resp.Success = false
		resp.Result = fmt.Sprintf(`{"error": "unknown tool %q"}`, req.Name)
		return resp
	}

	result, err := handler(ctx, req.ConversationID, json.RawMessage(req.ArgsJSON))
	if err != nil {
		resp.Success = false
		resp.Result = fmt.Sprintf(`{"error": %q}`, err.Error())
		return resp
	}

	if creatingTools[req.Name] && w.store != nil {
		if path := pathArg(json.RawMessage(req.ArgsJSON)); path != "" {
			if err := w.store.RecordCreatedFile(req.ConversationID, path); err != nil {
				logger.WarnCF("toolworker", "failed to record created file", map[string]any{
					"path": path, "error": err.Error(),
				})
			}
		}
	}

	resp.Success = true
	resp.Result = result
	return resp
}

func (w *Worker) isAuthorized(agentName, toolName string) bool {
	set, ok := w.allowed[agentName]
	if !ok {
		return true
	}
	return set[toolName]
}

// planModeBlocks implements spec.md §4.8's fail-open protection, reading the
// conversation's mode straight from the store per request (spec.md §5) so
// /plan and /code take effect immediately with no separate notification
// path into the tool worker. A store error — looking up the conversation or
// checking the created-file set — is logged and treated as "not blocked"
// rather than propagated, since refusing every edit whenever the store
// hiccups would make plan mode unusable.
func (w *Worker) planModeBlocks(conversationID int64, path string) (bool, string) {
	if w.store == nil || conversationID == 0 {
		return false, ""
	}
	conv, err := w.store.GetConversationByID(conversationID)
	if err != nil {
		logger.WarnCF("toolworker", "plan-mode conversation lookup failed, failing open", map[string]any{
			"conversation_id": conversationID, "error": err.Error(),
		})
		return false, ""
	}
	if conv.Mode != store.ModePlan {
		return false, ""
	}
	if path == "" {
		return false, ""
	}
	created, err := w.store.WasCreatedInPlanMode(conversationID, path)
	if err != nil {
		logger.WarnCF("toolworker", "plan-mode file check failed, failing open", map[string]any{
			"path": path, "error": err.Error(),
		})
		return false, ""
	}
	if created {
		return false, ""
	}
	return true, nifflerrors.ErrPlanModeProtected.Error()
}
