package fabric

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gokr/niffler/internal/nifflerrors"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	f := New()
	require.NoError(t, f.SendToolRequest(ToolRequest{ToolCallID: "tc-1", Name: "list"}))

	req, ok := f.RecvToolRequest(100 * time.Millisecond)
	require.True(t, ok)
	require.Equal(t, "tc-1", req.ToolCallID)
}

func TestDequeueTimesOutWithoutItem(t *testing.T) {
	f := New()
	_, ok := f.RecvToolRequest(20 * time.Millisecond)
	require.False(t, ok)
}

func TestEnqueueFailsWhenQueueFull(t *testing.T) {
	f := New()
	for i := 0; i < defaultQueueSize; i++ {
		require.NoError(t, f.SendToolRequest(ToolRequest{ToolCallID: "x"}))
	}
	err := f.SendToolRequest(ToolRequest{ToolCallID: "overflow"})
	require.Error(t, err)
	require.True(t, errors.Is(err, nifflerrors.ErrQueueFull))
}

func TestActiveWorkerCounterTracksStartStop(t *testing.T) {
	f := New()
	require.EqualValues(t, 0, f.ActiveWorkers())
	f.WorkerStarted()
	f.WorkerStarted()
	require.EqualValues(t, 2, f.ActiveWorkers())
	f.WorkerStopped()
	require.EqualValues(t, 1, f.ActiveWorkers())
}

func TestShutdownSignalObservedAcrossGoroutines(t *testing.T) {
	f := New()
	var wg sync.WaitGroup
	seen := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !f.ShuttingDown() {
			time.Sleep(time.Millisecond)
		}
		close(seen)
	}()
	f.SignalShutdown()
	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("worker never observed shutdown flag")
	}
	wg.Wait()
}
