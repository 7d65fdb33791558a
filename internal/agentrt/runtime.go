package agentrt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gokr/niffler/internal/apiworker"
	"github.com/gokr/niffler/internal/busclient"
	"github.com/gokr/niffler/internal/command"
	"github.com/gokr/niffler/internal/config"
	"github.com/gokr/niffler/internal/fabric"
	"github.com/gokr/niffler/internal/logger"
	"github.com/gokr/niffler/internal/providers"
	"github.com/gokr/niffler/internal/store"
	"github.com/gokr/niffler/internal/toolworker"
)

const pumpPeriod = 1 * time.Second

// pendingRequest is one FIFO entry in the agentic backlog (spec.md
// §4.6.1 step 3's "enqueue into pendingAgenticRequests").
type pendingRequest struct {
	req busclient.NatsRequest
}

// Runtime is C6: the agent runtime. It owns a fresh fabric plus its own
// API worker and tool worker (spec.md §4.6's "start API worker and tool
// worker over a fresh channel fabric"), and pumps the main loop described
// in §4.6.1, grounded on the teacher's pkg/swarm/runtime.NodeActor but
// turned from a one-shot task runner into a persistent request pump.
type Runtime struct {
	def     *AgentDefinition
	cfg     *config.Config
	profile config.ModelProfile
	store   *store.Store
	bus     *busclient.Client

	fab        *fabric.Fabric
	api        *apiworker.Worker
	tools      *toolworker.Worker
	toolDefs   []fabric.ToolDefinition
	workerCtx  context.Context
	workerStop context.CancelFunc

	agenticActive atomic.Bool
	pendingMu     sync.Mutex
	pending       []pendingRequest

	commands *command.Dispatcher

	currentConversation *store.Conversation
	lastHeartbeat       time.Time
	heartbeatInterval   time.Duration
}

// New wires C6's internal worker pair and returns a Runtime ready to Run.
func New(def *AgentDefinition, cfg *config.Config, profile config.ModelProfile, st *store.Store, bus *busclient.Client, registry *toolworker.Registry, workspace string) (*Runtime, error) {
	provider, err := providers.New(profile)
	if err != nil {
		return nil, fmt.Errorf("agentrt: building provider for agent %s: %w", def.Name, err)
	}

	fab := fabric.New()
	api := apiworker.NewWorker(fab, st)
	api.Configure(profile.Nickname, provider)

	tw := toolworker.NewWorker(fab, registry, st)
	tw.SetAllowedTools(def.Name, def.AllowedTools)

	toolDefs := make([]fabric.ToolDefinition, 0, len(registry.Names()))
	for _, name := range registry.Names() {
		if !def.AllowsTool(name) {
			continue
		}
		toolDefs = append(toolDefs, fabric.ToolDefinition{Name: name})
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		def:               def,
		cfg:               cfg,
		profile:           profile,
		store:             st,
		bus:               bus,
		fab:               fab,
		api:               api,
		tools:             tw,
		toolDefs:          toolDefs,
		workerCtx:         ctx,
		workerStop:        cancel,
		commands:          command.NewDispatcher(command.NewRegistry(command.AgentDefinitions())),
		heartbeatInterval: time.Duration(cfg.Bus.PresenceTTL/3+1) * time.Second,
	}
	return r, nil
}

// Start launches the API worker and tool worker goroutines. Call once
// before Run.
func (r *Runtime) Start() {
	go r.api.Run(r.workerCtx)
	go r.tools.Run(r.workerCtx)
}

// Stop tears down the workers and the fabric.
func (r *Runtime) Stop() {
	r.fab.SignalShutdown()
	r.workerStop()
	r.fab.Close()
}

// Run is the ~1s main-loop pump of spec.md §4.6.1. It subscribes to the
// agent's request subject and blocks until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	received := make(chan busclient.NatsRequest, 16)
	sub, err := r.bus.SubscribeAgentRequests(r.def.Name, func(req busclient.NatsRequest) {
		received <- req
	})
	if err != nil {
		return fmt.Errorf("agentrt: subscribing agent requests: %w", err)
	}
	defer sub.Unsubscribe()

	if err := r.bus.Heartbeat(r.def.Name); err == nil {
		r.lastHeartbeat = time.Now()
	}

	ticker := time.NewTicker(pumpPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-received:
			r.handleRequest(ctx, req)
		case <-ticker.C:
			r.drainPending(ctx)
			r.maybeHeartbeat()
		}
	}
}

func (r *Runtime) maybeHeartbeat() {
	if time.Since(r.lastHeartbeat) < r.heartbeatInterval {
		return
	}
	if err := r.bus.Heartbeat(r.def.Name); err != nil {
		logger.WarnCF("agentrt", "heartbeat failed", map[string]any{"agent": r.def.Name, "error": err.Error()})
		return
	}
	r.lastHeartbeat = time.Now()
}

// handleRequest implements spec.md §4.6.1 steps 2-3: classify then route.
func (r *Runtime) handleRequest(ctx context.Context, req busclient.NatsRequest) {
	switch Classify(req.Input) {
	case ClassSafeQuick:
		r.runSafeQuick(req)
	case ClassDisruptive:
		if r.agenticActive.Load() {
			r.publishDone(req.RequestID, "Cannot execute this command while ask/task is running")
			return
		}
		r.runDisruptive(req)
	default:
		if r.agenticActive.CompareAndSwap(false, true) {
			go r.runAgentic(ctx, req)
			return
		}
		r.enqueuePending(req)
	}
}

func (r *Runtime) enqueuePending(req busclient.NatsRequest) {
	r.pendingMu.Lock()
	r.pending = append(r.pending, pendingRequest{req: req})
	position := len(r.pending)
	r.pendingMu.Unlock()

	if err := r.bus.PublishStatus(busclient.NatsStatusUpdate{
		RequestID: req.RequestID, AgentName: r.def.Name,
		Status: fmt.Sprintf("queued, position %d", position),
	}); err != nil {
		logger.WarnCF("agentrt", "failed to publish queue status", map[string]any{"error": err.Error()})
	}
}

// drainPending implements §4.6.1 step 4: start the next queued agentic
// request once the single slot frees up.
func (r *Runtime) drainPending(ctx context.Context) {
	if r.agenticActive.Load() {
		return
	}
	r.pendingMu.Lock()
	if len(r.pending) == 0 {
		r.pendingMu.Unlock()
		return
	}
	next := r.pending[0]
	r.pending = r.pending[1:]
	r.pendingMu.Unlock()

	if r.agenticActive.CompareAndSwap(false, true) {
		go r.runAgentic(ctx, next.req)
	}
}

func (r *Runtime) runSafeQuick(req busclient.NatsRequest) {
	r.publishDone(req.RequestID, r.handleLocalCommand(req.Input))
}

func (r *Runtime) runDisruptive(req busclient.NatsRequest) {
	r.publishDone(req.RequestID, r.handleLocalCommand(req.Input))
}

// handleLocalCommand dispatches a slash-command through C8 against this
// agent's current conversation, per spec.md §4.6.1's "execute synchronously
// in the loop thread" contract for safe-quick and disruptive input.
func (r *Runtime) handleLocalCommand(input string) string {
	cctx := &command.Context{
		Store:        r.store,
		Config:       r.cfg,
		AgentName:    r.def.Name,
		Conversation: r.currentConversation,
		SetConversation: func(c *store.Conversation) {
			r.currentConversation = c
		},
		SetModelNickname: func(nickname string) {
			if profile, ok := r.cfg.ModelByNickname(nickname); ok {
				r.applyModel(profile)
			}
		},
	}
	result := r.commands.Dispatch(context.Background(), input, command.CategoryAgent, cctx)
	if result.Outcome == command.OutcomePassthrough {
		return fmt.Sprintf("unrecognized command: %s", input)
	}
	if result.Err != nil {
		return fmt.Sprintf("error: %v", result.Err)
	}
	return result.Reply
}

// applyModel reconfigures the API worker's provider when /model switches
// the active nickname, so the next turn picks it up without a restart.
func (r *Runtime) applyModel(profile config.ModelProfile) {
	provider, err := providers.New(profile)
	if err != nil {
		logger.WarnCF("agentrt", "failed to switch model", map[string]any{"nickname": profile.Nickname, "error": err.Error()})
		return
	}
	r.profile = profile
	r.api.Configure(profile.Nickname, provider)
}

func (r *Runtime) publishDone(requestID, content string) {
	if err := r.bus.PublishResponse(busclient.NatsResponse{
		RequestID: requestID, AgentName: r.def.Name, Content: content, Done: true,
	}); err != nil {
		logger.WarnCF("agentrt", "failed to publish response", map[string]any{"error": err.Error()})
	}
}

// runAgentic executes one full turn, then releases the single agentic slot
// per spec.md §4.6.1.
func (r *Runtime) runAgentic(ctx context.Context, req busclient.NatsRequest) {
	defer r.agenticActive.Store(false)

	name, _, isCommand := parseCommand(req.Input)
	if isCommand && name == "task" {
		r.runTaskMode(ctx, req)
		return
	}
	r.runAskMode(ctx, req)
}

// runTaskMode implements spec.md §4.6.2's task mode: a fresh, isolated
// context that never touches the agent's ongoing conversation.
func (r *Runtime) runTaskMode(ctx context.Context, req busclient.NatsRequest) {
	_, prompt, _ := parseCommand(req.Input)
	messages := []fabric.Message{
		{Role: "system", Content: r.def.SystemPrompt("code")},
		{Role: "user", Content: prompt},
	}
	final, usage := r.runTurn(ctx, req, messages, func(chunk string) {}, nil, nil)
	_ = usage
	r.publishDone(req.RequestID, final)
}

// runAskMode implements spec.md §4.6.2's ask mode: the conversation bound
// to this agent is loaded (or created), the user message is appended, and
// each streamed chunk is published as a done=false response before the
// final done=true publish.
func (r *Runtime) runAskMode(ctx context.Context, req busclient.NatsRequest) {
	conv, err := r.ensureConversation()
	if err != nil {
		r.publishDone(req.RequestID, fmt.Sprintf("error: %v", err))
		return
	}

	if _, err := r.store.AppendMessage(conv.ID, store.Message{Role: store.RoleUser, Content: req.Input}); err != nil {
		r.publishDone(req.RequestID, fmt.Sprintf("error appending message: %v", err))
		return
	}

	history, err := r.store.GetMessages(conv.ID)
	if err != nil {
		r.publishDone(req.RequestID, fmt.Sprintf("error loading conversation: %v", err))
		return
	}

	messages := []fabric.Message{{Role: "system", Content: r.def.SystemPrompt(string(conv.Mode))}}
	messages = append(messages, toFabricMessages(history)...)

	var accumulated string
	onChunk := func(chunk string) {
		accumulated += chunk
		if err := r.bus.PublishResponse(busclient.NatsResponse{
			RequestID: req.RequestID, AgentName: r.def.Name, Content: accumulated, Done: false,
		}); err != nil {
			logger.WarnCF("agentrt", "failed to publish stream chunk", map[string]any{"error": err.Error()})
		}
	}

	// onToolRound and onToolResult persist the assistant(toolCalls)/tool(result)
	// messages §4.4's loop produces, in the order the API worker commits them,
	// matching the user/assistant(toolCalls)/tool(result)/assistant(text)
	// sequence invariant §3.1 requires.
	onToolRound := func(content string, calls []fabric.ToolCallInfo) {
		toolCalls := make([]store.ToolCall, 0, len(calls))
		for _, tc := range calls {
			toolCalls = append(toolCalls, store.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		if _, err := r.store.AppendMessage(conv.ID, store.Message{Role: store.RoleAssistant, Content: content, ToolCalls: toolCalls}); err != nil {
			logger.WarnCF("agentrt", "failed to persist tool-call carrier message", map[string]any{"error": err.Error()})
		}
	}
	onToolResult := func(result fabric.ToolResultInfo) {
		if _, err := r.store.AppendMessage(conv.ID, store.Message{Role: store.RoleTool, Content: result.Result, ToolCallID: result.ID}); err != nil {
			logger.WarnCF("agentrt", "failed to persist tool result message", map[string]any{"error": err.Error()})
		}
	}

	final, _ := r.runTurn(ctx, req, messages, onChunk, onToolRound, onToolResult)

	if _, err := r.store.AppendMessage(conv.ID, store.Message{Role: store.RoleAssistant, Content: final}); err != nil {
		logger.WarnCF("agentrt", "failed to persist assistant reply", map[string]any{"error": err.Error()})
	}
	r.publishDone(req.RequestID, final)
}

// ensureConversation implements spec.md §4.6.2's "continue or create the
// conversation bound to this agent": the agent runtime keeps exactly one
// current conversation at a time, switched explicitly via /conv or /new.
func (r *Runtime) ensureConversation() (*store.Conversation, error) {
	if r.currentConversation != nil {
		if conv, err := r.store.GetConversationByID(r.currentConversation.ID); err == nil {
			r.currentConversation = conv
			return conv, nil
		}
	}
	conv, err := r.store.CreateConversation(r.def.Name, store.ModeCode, r.profile.Nickname)
	if err != nil {
		return nil, err
	}
	r.currentConversation = conv
	return conv, nil
}

// runTurn drives one full §4.4 API-worker loop to completion over the
// fabric and returns the final assistant text plus the last usage report
// observed. onChunk fires for every streamed text fragment; onToolRound
// fires once per ToolDispatch round with the assistant's tool-call carrier
// message; onToolResult fires once per dispatched call's result. Both may
// be nil (task mode persists nothing, per spec.md §4.6.2).
func (r *Runtime) runTurn(ctx context.Context, req busclient.NatsRequest, messages []fabric.Message, onChunk func(string), onToolRound func(string, []fabric.ToolCallInfo), onToolResult func(fabric.ToolResultInfo)) (string, *fabric.UsageInfo) {
	requestID := uuid.NewString()
	var convID int64
	if r.currentConversation != nil {
		convID = r.currentConversation.ID
	}

	chatReq := fabric.ChatRequest{
		RequestID:       requestID,
		ConversationID:  convID,
		Messages:        messages,
		Model:           r.profile.Model,
		ModelNickname:   r.profile.Nickname,
		EnableTools:     len(r.toolDefs) > 0,
		Tools:           r.toolDefs,
		AgentName:       r.def.Name,
		InputCostPer1k:  r.profile.InputCost,
		OutputCostPer1k: r.profile.OutputCost,
	}
	if err := r.fab.SendAPIRequest(fabric.APIRequest{Chat: &chatReq}); err != nil {
		return fmt.Sprintf("error: %v", err), nil
	}

	var final string
	var usage *fabric.UsageInfo
	deadline := time.Now().Add(r.turnTimeout())
	for time.Now().Before(deadline) {
		resp, ok := r.fab.RecvAPIResponse(500 * time.Millisecond)
		if !ok {
			if ctx.Err() != nil {
				r.cancelTurn(requestID)
				return final, usage
			}
			continue
		}
		if resp.RequestID != requestID {
			continue
		}
		switch resp.Kind {
		case fabric.KindStreamChunk:
			if resp.Text != "" {
				final += resp.Text
				onChunk(resp.Text)
			}
		case fabric.KindToolCallBatch:
			if onToolRound != nil {
				onToolRound(resp.Text, resp.ToolCallBatch)
			}
		case fabric.KindToolCallResult:
			if onToolResult != nil && resp.ToolResult != nil {
				onToolResult(*resp.ToolResult)
			}
		case fabric.KindStreamComplete:
			usage = resp.Usage
			return final, usage
		case fabric.KindStreamError:
			return fmt.Sprintf("error: %s", resp.ErrorMessage), usage
		}
	}
	r.cancelTurn(requestID)
	return final, usage
}

func (r *Runtime) cancelTurn(requestID string) {
	_ = r.fab.SendAPIRequest(fabric.APIRequest{Cancel: &fabric.StreamCancel{RequestID: requestID}})
}

func (r *Runtime) turnTimeout() time.Duration {
	if r.cfg.Agents.TurnTimeoutSec <= 0 {
		return 300 * time.Second
	}
	return time.Duration(r.cfg.Agents.TurnTimeoutSec) * time.Second
}

func toFabricMessages(history []*store.Message) []fabric.Message {
	out := make([]fabric.Message, 0, len(history))
	for _, m := range history {
		fm := fabric.Message{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			fm.ToolCalls = append(fm.ToolCalls, fabric.ToolCallInfo{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out = append(out, fm)
	}
	return out
}
