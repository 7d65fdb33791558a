package masterrt

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gokr/niffler/internal/busclient"
	"github.com/gokr/niffler/internal/nifflerrors"
)

func startTestBus(t *testing.T) *busclient.EmbeddedServer {
	t.Helper()
	srv := busclient.NewEmbeddedServer(0)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func newTestClient(t *testing.T, srv *busclient.EmbeddedServer) *busclient.Client {
	t.Helper()
	c, err := busclient.Connect(srv.ClientURL(), 30*time.Second, "test")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestParseAgentTargetExtractsExplicitAgent(t *testing.T) {
	agent, rest, explicit := parseAgentTarget("@coder fix the bug")
	require.True(t, explicit)
	require.Equal(t, "coder", agent)
	require.Equal(t, "fix the bug", rest)
}

func TestParseAgentTargetFallsThroughWithoutAt(t *testing.T) {
	agent, rest, explicit := parseAgentTarget("fix the bug")
	require.False(t, explicit)
	require.Equal(t, "", agent)
	require.Equal(t, "fix the bug", rest)
}

func TestHandleAgentRequestReturnsErrNoTargetWithoutFocus(t *testing.T) {
	srv := startTestBus(t)
	bus := newTestClient(t, srv)
	m := New(bus, "", nil)

	_, _, err := m.HandleAgentRequest("fix the bug")
	require.ErrorIs(t, err, ErrNoTarget)
}

func TestHandleAgentRequestRejectsAbsentAgent(t *testing.T) {
	srv := startTestBus(t)
	bus := newTestClient(t, srv)
	m := New(bus, "", nil)

	_, _, err := m.HandleAgentRequest("@coder fix the bug")
	require.ErrorIs(t, err, nifflerrors.ErrAgentUnavailable)
}

func TestHandleAgentRequestPublishesAndUpdatesCurrentAgent(t *testing.T) {
	srv := startTestBus(t)
	bus := newTestClient(t, srv)
	require.NoError(t, bus.Heartbeat("coder"))

	var out bytes.Buffer
	m := New(bus, "", &out)

	received := make(chan busclient.NatsRequest, 1)
	sub, err := bus.SubscribeAgentRequests("coder", func(r busclient.NatsRequest) { received <- r })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	requestID, agent, err := m.HandleAgentRequest("@coder fix the bug")
	require.NoError(t, err)
	require.Equal(t, "coder", agent)
	require.NotEmpty(t, requestID)
	require.Equal(t, "coder", m.CurrentAgent())

	select {
	case req := <-received:
		require.Equal(t, requestID, req.RequestID)
		require.Equal(t, "fix the bug", req.Input)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published request")
	}

	// A follow-up with no explicit @agent routes to the now-focused agent.
	received2 := make(chan busclient.NatsRequest, 1)
	sub2, err := bus.SubscribeAgentRequests("coder", func(r busclient.NatsRequest) { received2 <- r })
	require.NoError(t, err)
	defer sub2.Unsubscribe()

	_, agent2, err := m.HandleAgentRequest("refactor it")
	require.NoError(t, err)
	require.Equal(t, "coder", agent2)

	select {
	case req := <-received2:
		require.Equal(t, "refactor it", req.Input)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for follow-up request")
	}
}

func TestListenWritesColoredResponsesAndConvertsNewlines(t *testing.T) {
	srv := startTestBus(t)
	bus := newTestClient(t, srv)

	var out bytes.Buffer
	m := New(bus, "", &out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := m.Listen(ctx)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, bus.PublishResponse(busclient.NatsResponse{
		RequestID: "r1", AgentName: "coder", Content: "line one\nline two", Done: true,
	}))

	require.Eventually(t, func() bool {
		return bytes.Contains(out.Bytes(), []byte("line one\r\nline two"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitForResponseReturnsOnDone(t *testing.T) {
	srv := startTestBus(t)
	bus := newTestClient(t, srv)
	m := New(bus, "", nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = bus.PublishResponse(busclient.NatsResponse{RequestID: "r1", AgentName: "coder", Content: "partial", Done: false})
		time.Sleep(20 * time.Millisecond)
		_ = bus.PublishResponse(busclient.NatsResponse{RequestID: "r1", AgentName: "coder", Content: "partial final", Done: true})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	content, err := m.WaitForResponse(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "partial final", content)
}

func TestWaitForResponseTimesOut(t *testing.T) {
	srv := startTestBus(t)
	bus := newTestClient(t, srv)
	m := New(bus, "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.WaitForResponse(ctx, "never-comes")
	require.Error(t, err)
}
