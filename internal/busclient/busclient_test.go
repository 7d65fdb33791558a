package busclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestBus(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv := NewEmbeddedServer(0)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func newTestClient(t *testing.T, srv *EmbeddedServer) *Client {
	t.Helper()
	c, err := Connect(srv.ClientURL(), 2*time.Second, "test-client")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestPublishRequestDeliversToSubscribedAgent(t *testing.T) {
	srv := startTestBus(t)
	master := newTestClient(t, srv)
	agent := newTestClient(t, srv)

	received := make(chan NatsRequest, 1)
	sub, err := agent.SubscribeAgentRequests("coder", func(req NatsRequest) {
		received <- req
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, master.PublishRequest("coder", NatsRequest{RequestID: "r1", AgentName: "coder", Input: "hello"}))

	select {
	case req := <-received:
		require.Equal(t, "r1", req.RequestID)
		require.Equal(t, "hello", req.Input)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func TestPublishResponseDeliversToMaster(t *testing.T) {
	srv := startTestBus(t)
	master := newTestClient(t, srv)
	agent := newTestClient(t, srv)

	received := make(chan NatsResponse, 1)
	sub, err := master.SubscribeResponses(func(resp NatsResponse) { received <- resp })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, agent.PublishResponse(NatsResponse{RequestID: "r1", AgentName: "coder", Content: "done", Done: true}))

	select {
	case resp := <-received:
		require.Equal(t, "coder", resp.AgentName)
		require.True(t, resp.Done)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestPublishStatusDeliversToMaster(t *testing.T) {
	srv := startTestBus(t)
	master := newTestClient(t, srv)
	agent := newTestClient(t, srv)

	received := make(chan NatsStatusUpdate, 1)
	sub, err := master.SubscribeStatus(func(s NatsStatusUpdate) { received <- s })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, agent.PublishStatus(NatsStatusUpdate{RequestID: "r1", AgentName: "coder", Status: "thinking"}))

	select {
	case s := <-received:
		require.Equal(t, "thinking", s.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
}

func TestHeartbeatMakesAgentPresent(t *testing.T) {
	srv := startTestBus(t)
	c := newTestClient(t, srv)

	present, err := c.IsPresent("coder")
	require.NoError(t, err)
	require.False(t, present)

	require.NoError(t, c.Heartbeat("coder"))

	present, err = c.IsPresent("coder")
	require.NoError(t, err)
	require.True(t, present)

	names, err := c.ListPresent()
	require.NoError(t, err)
	require.Contains(t, names, "coder")
}

func TestRemovePresenceClearsAgent(t *testing.T) {
	srv := startTestBus(t)
	c := newTestClient(t, srv)

	require.NoError(t, c.Heartbeat("coder"))
	require.NoError(t, c.RemovePresence("coder"))

	present, err := c.IsPresent("coder")
	require.NoError(t, err)
	require.False(t, present)
}

func TestRemovePresenceOfAbsentAgentIsNotAnError(t *testing.T) {
	srv := startTestBus(t)
	c := newTestClient(t, srv)

	require.NoError(t, c.RemovePresence("nobody"))
}

func TestHeartbeatLoopStopsOnContextCancel(t *testing.T) {
	srv := startTestBus(t)
	c := newTestClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.HeartbeatLoop(ctx, "coder", 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	present, err := c.IsPresent("coder")
	require.NoError(t, err)
	require.True(t, present)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat loop did not stop after cancel")
	}
}
