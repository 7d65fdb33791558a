package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gokr/niffler/internal/nifflerrors"
)

const (
	defaultQueueSize   = 64
	enqueueRetrySleep  = 10 * time.Millisecond
	enqueueRetryBudget = 200 * time.Millisecond
)

// Fabric is the four-queue channel bus between the UI/agent, API worker,
// and tool worker threads. All four queues are created together so no
// worker can start against a half-built fabric (see spec.md §9 on
// constructing state before spawning threads).
type Fabric struct {
	apiRequest   chan APIRequest
	apiResponse  chan APIResponse
	toolRequest  chan ToolRequest
	toolResponse chan ToolResponse

	shutdown     atomic.Bool
	activeCount  atomic.Int32
	closeOnce    sync.Once
}

// New creates a Fabric with the default queue depth on all four channels.
func New() *Fabric {
	return &Fabric{
		apiRequest:   make(chan APIRequest, defaultQueueSize),
		apiResponse:  make(chan APIResponse, defaultQueueSize),
		toolRequest:  make(chan ToolRequest, defaultQueueSize),
		toolResponse: make(chan ToolResponse, defaultQueueSize),
	}
}

// WorkerStarted increments the active-thread counter; call once per
// goroutine at the top of its run loop.
func (f *Fabric) WorkerStarted() { f.activeCount.Add(1) }

// WorkerStopped decrements the active-thread counter; call via defer in
// every worker's run loop.
func (f *Fabric) WorkerStopped() { f.activeCount.Add(-1) }

// ActiveWorkers reports the number of currently-running workers; used by
// tests to assert clean teardown (spec.md property 9).
func (f *Fabric) ActiveWorkers() int32 { return f.activeCount.Load() }

// SignalShutdown sets the shutdown flag observed by every worker's next
// dequeue-timeout tick.
func (f *Fabric) SignalShutdown() { f.shutdown.Store(true) }

// ShuttingDown reports whether SignalShutdown has been called.
func (f *Fabric) ShuttingDown() bool { return f.shutdown.Load() }

// enqueue performs the non-blocking-with-bounded-retry send contract of
// spec.md §4.1: try a non-blocking send, and on a full queue retry for up
// to enqueueRetryBudget before giving up with ErrQueueFull.
func enqueue[T any](ch chan<- T, item T) error {
	deadline := time.Now().Add(enqueueRetryBudget)
	for {
		select {
		case ch <- item:
			return nil
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("fabric: %w", nifflerrors.ErrQueueFull)
		}
		time.Sleep(enqueueRetrySleep)
	}
}

// dequeue blocks for up to timeout waiting for an item, returning ok=false
// on timeout so the caller can re-check the shutdown flag and publish
// heartbeats between tries.
func dequeue[T any](ch <-chan T, timeout time.Duration) (item T, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item, open := <-ch:
		if !open {
			var zero T
			return zero, false
		}
		return item, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

func (f *Fabric) SendAPIRequest(req APIRequest) error     { return enqueue(f.apiRequest, req) }
func (f *Fabric) SendAPIResponse(resp APIResponse) error  { return enqueue(f.apiResponse, resp) }
func (f *Fabric) SendToolRequest(req ToolRequest) error   { return enqueue(f.toolRequest, req) }
func (f *Fabric) SendToolResponse(resp ToolResponse) error { return enqueue(f.toolResponse, resp) }

func (f *Fabric) RecvAPIRequest(timeout time.Duration) (APIRequest, bool) {
	return dequeue(f.apiRequest, timeout)
}
func (f *Fabric) RecvAPIResponse(timeout time.Duration) (APIResponse, bool) {
	return dequeue(f.apiResponse, timeout)
}
func (f *Fabric) RecvToolRequest(timeout time.Duration) (ToolRequest, bool) {
	return dequeue(f.toolRequest, timeout)
}
func (f *Fabric) RecvToolResponse(timeout time.Duration) (ToolResponse, bool) {
	return dequeue(f.toolResponse, timeout)
}

// Close closes all four queues. Safe to call multiple times; workers must
// have already observed shutdown and stopped sending before this is
// called, or a send will panic (standard Go channel semantics).
func (f *Fabric) Close() {
	f.closeOnce.Do(func() {
		close(f.apiRequest)
		close(f.apiResponse)
		close(f.toolRequest)
		close(f.toolResponse)
	})
}
