package agentrt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gokr/niffler/internal/busclient"
	"github.com/gokr/niffler/internal/config"
	"github.com/gokr/niffler/internal/providers"
	"github.com/gokr/niffler/internal/store"
	"github.com/gokr/niffler/internal/toolworker"
)

type fakeProvider struct {
	content string
}

func (f *fakeProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string) (*providers.Response, error) {
	return &providers.Response{Content: f.content, FinishReason: "stop"}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, onDelta func(providers.StreamDelta)) (*providers.Response, error) {
	onDelta(providers.StreamDelta{TextDelta: f.content})
	return &providers.Response{Content: f.content, FinishReason: "stop"}, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }

func startEmbeddedBus(t *testing.T) *busclient.EmbeddedServer {
	t.Helper()
	srv := busclient.NewEmbeddedServer(0)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func newBusClient(t *testing.T, srv *busclient.EmbeddedServer) *busclient.Client {
	t.Helper()
	c, err := busclient.Connect(srv.ClientURL(), 30*time.Second, "test")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	t.Setenv("NIFFLER_TEST_MODEL_API_KEY", "test-key")
	profile := config.ModelProfile{
		Nickname: "test-model", Provider: "openai_compat", Model: "fake-model",
		BaseURL: "https://example.invalid", APIKeyEnv: "NIFFLER_TEST_MODEL_API_KEY",
	}
	cfg := config.Default()
	cfg.Models = []config.ModelProfile{profile}
	cfg.Agents.TurnTimeoutSec = 5

	def := &AgentDefinition{Name: "coder", CommonPrompt: "be helpful", PlanPrompt: "plan", CodePrompt: "code"}
	registry := toolworker.NewRegistry()

	rt, err := New(def, cfg, profile, st, nil, registry, t.TempDir())
	require.NoError(t, err)
	return rt
}

func TestHandleLocalCommandDispatchesKnownCommand(t *testing.T) {
	rt := newTestRuntime(t)
	reply := rt.handleLocalCommand("/new")
	require.Contains(t, reply, "started conversation")
	require.NotNil(t, rt.currentConversation)
}

func TestHandleLocalCommandReportsUnrecognizedCommand(t *testing.T) {
	rt := newTestRuntime(t)
	reply := rt.handleLocalCommand("/bogus")
	require.Equal(t, "unrecognized command: /bogus", reply)
}

func TestApplyModelSwitchesActiveProfile(t *testing.T) {
	rt := newTestRuntime(t)
	t.Setenv("NIFFLER_TEST_OTHER_API_KEY", "other-key")
	other := config.ModelProfile{
		Nickname: "other", Provider: "openai_compat", Model: "other-model",
		BaseURL: "https://example.invalid", APIKeyEnv: "NIFFLER_TEST_OTHER_API_KEY",
	}
	rt.applyModel(other)
	require.Equal(t, "other", rt.profile.Nickname)
}

func TestEnqueuePendingPublishesQueuePosition(t *testing.T) {
	srv := startEmbeddedBus(t)
	rt := newTestRuntime(t)
	rt.bus = newBusClient(t, srv)

	statuses := make(chan busclient.NatsStatusUpdate, 4)
	sub, err := rt.bus.SubscribeStatus(func(s busclient.NatsStatusUpdate) { statuses <- s })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rt.enqueuePending(busclient.NatsRequest{RequestID: "r1"})
	rt.enqueuePending(busclient.NatsRequest{RequestID: "r2"})

	require.Len(t, rt.pending, 2)
	require.Equal(t, "r1", rt.pending[0].req.RequestID)
	require.Equal(t, "r2", rt.pending[1].req.RequestID)

	var seen []string
	require.Eventually(t, func() bool {
		for {
			select {
			case s := <-statuses:
				seen = append(seen, s.Status)
			default:
				return len(seen) >= 2
			}
		}
	}, time.Second, 10*time.Millisecond)
	require.Contains(t, seen[0], "position 1")
	require.Contains(t, seen[1], "position 2")
}

func TestDrainPendingPopsFIFOHeadWhenSlotFree(t *testing.T) {
	srv := startEmbeddedBus(t)
	rt := newTestRuntime(t)
	rt.bus = newBusClient(t, srv)
	rt.api.Configure("test-model", &fakeProvider{content: "ok"})
	rt.Start()
	defer rt.Stop()

	rt.pending = []pendingRequest{
		{req: busclient.NatsRequest{RequestID: "first", Input: "do it"}},
		{req: busclient.NatsRequest{RequestID: "second", Input: "do it too"}},
	}

	rt.drainPending(context.Background())

	require.True(t, rt.agenticActive.Load())
	require.Len(t, rt.pending, 1)
	require.Equal(t, "second", rt.pending[0].req.RequestID)
}

func TestHandleRequestRejectsDisruptiveCommandWhileAgenticActive(t *testing.T) {
	srv := startEmbeddedBus(t)
	rt := newTestRuntime(t)
	rt.bus = newBusClient(t, srv)
	rt.agenticActive.Store(true)

	responses := make(chan busclient.NatsResponse, 2)
	sub, err := rt.bus.SubscribeResponses(func(r busclient.NatsResponse) { responses <- r })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rt.handleRequest(context.Background(), busclient.NatsRequest{RequestID: "r1", Input: "/new"})

	var resp busclient.NatsResponse
	require.Eventually(t, func() bool {
		select {
		case resp = <-responses:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	require.Contains(t, resp.Content, "Cannot execute")
}

func TestHandleRequestRunsAgenticTurnAndPublishesFinalResponse(t *testing.T) {
	srv := startEmbeddedBus(t)
	rt := newTestRuntime(t)
	rt.bus = newBusClient(t, srv)
	rt.api.Configure("test-model", &fakeProvider{content: "hello from agent"})
	rt.Start()
	defer rt.Stop()

	responses := make(chan busclient.NatsResponse, 8)
	sub, err := rt.bus.SubscribeResponses(func(r busclient.NatsResponse) { responses <- r })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rt.handleRequest(context.Background(), busclient.NatsRequest{RequestID: "r1", AgentName: "coder", Input: "hello there"})

	var final busclient.NatsResponse
	require.Eventually(t, func() bool {
		for {
			select {
			case resp := <-responses:
				if resp.Done {
					final = resp
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, "hello from agent", final.Content)
	require.False(t, rt.agenticActive.Load())
}

// toolLoopProvider plays back a single tool call on its first turn, then
// answers in plain text on the second, modeling scenario S2 (the headline
// tool-call loop).
type toolLoopProvider struct {
	calls int
}

func (f *toolLoopProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string) (*providers.Response, error) {
	return f.next(), nil
}

func (f *toolLoopProvider) ChatStream(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, onDelta func(providers.StreamDelta)) (*providers.Response, error) {
	resp := f.next()
	if resp.Content != "" {
		onDelta(providers.StreamDelta{TextDelta: resp.Content})
	}
	return resp, nil
}

func (f *toolLoopProvider) DefaultModel() string { return "fake-model" }

func (f *toolLoopProvider) next() *providers.Response {
	f.calls++
	if f.calls == 1 {
		return &providers.Response{
			ToolCalls:    []providers.ToolCall{{ID: "tc-1", Name: "list_dir", Arguments: `{"path":"."}`}},
			FinishReason: "tool_calls",
		}
	}
	return &providers.Response{Content: "Here are the entries: a, b.", FinishReason: "stop"}
}

func TestHandleRequestToolCallLoopPersistsMessagesAndDeliversFinalAnswer(t *testing.T) {
	srv := startEmbeddedBus(t)

	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	t.Setenv("NIFFLER_TEST_MODEL_API_KEY", "test-key")
	profile := config.ModelProfile{
		Nickname: "test-model", Provider: "openai_compat", Model: "fake-model",
		BaseURL: "https://example.invalid", APIKeyEnv: "NIFFLER_TEST_MODEL_API_KEY",
	}
	cfg := config.Default()
	cfg.Models = []config.ModelProfile{profile}
	cfg.Agents.TurnTimeoutSec = 5

	def := &AgentDefinition{Name: "coder", CommonPrompt: "be helpful", PlanPrompt: "plan", CodePrompt: "code"}
	registry := toolworker.NewRegistry()
	registry.Register("list_dir", func(ctx context.Context, convID int64, args json.RawMessage) (string, error) {
		return "a\nb", nil
	})

	rt, err := New(def, cfg, profile, st, nil, registry, t.TempDir())
	require.NoError(t, err)
	rt.bus = newBusClient(t, srv)
	rt.api.Configure("test-model", &toolLoopProvider{})
	rt.Start()
	defer rt.Stop()

	responses := make(chan busclient.NatsResponse, 8)
	sub, err := rt.bus.SubscribeResponses(func(r busclient.NatsResponse) { responses <- r })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rt.handleRequest(context.Background(), busclient.NatsRequest{RequestID: "r1", AgentName: "coder", Input: "list the directory"})

	var final busclient.NatsResponse
	require.Eventually(t, func() bool {
		for {
			select {
			case resp := <-responses:
				if resp.Done {
					final = resp
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, "Here are the entries: a, b.", final.Content)
	require.False(t, rt.agenticActive.Load())

	require.NotNil(t, rt.currentConversation)
	msgs, err := st.GetMessages(rt.currentConversation.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, store.RoleUser, msgs[0].Role)
	require.Equal(t, store.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	require.Equal(t, "list_dir", msgs[1].ToolCalls[0].Name)
	require.Equal(t, store.RoleTool, msgs[2].Role)
	require.Equal(t, "a\nb", msgs[2].Content)
	require.Equal(t, "tc-1", msgs[2].ToolCallID)
	require.Equal(t, store.RoleAssistant, msgs[3].Role)
	require.Equal(t, "Here are the entries: a, b.", msgs[3].Content)
}

func TestRunTaskModeDoesNotTouchCurrentConversation(t *testing.T) {
	srv := startEmbeddedBus(t)
	rt := newTestRuntime(t)
	rt.bus = newBusClient(t, srv)
	rt.api.Configure("test-model", &fakeProvider{content: "task done"})
	rt.Start()
	defer rt.Stop()

	responses := make(chan busclient.NatsResponse, 4)
	sub, err := rt.bus.SubscribeResponses(func(r busclient.NatsResponse) { responses <- r })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rt.runTaskMode(context.Background(), busclient.NatsRequest{RequestID: "t1", Input: "/task do the thing"})

	require.Eventually(t, func() bool {
		select {
		case resp := <-responses:
			return resp.Done && resp.Content == "task done"
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
	require.Nil(t, rt.currentConversation)
}
