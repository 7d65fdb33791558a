// Package nifflerrors defines the sentinel error kinds §7 of the spec
// distinguishes across the core. Components wrap these with fmt.Errorf's
// %w so callers can errors.Is against a stable kind while still getting a
// human-readable message.
package nifflerrors

import "errors"

var (
	// ErrQueueFull is returned by a fabric enqueue once its bounded retry
	// deadline elapses. The API worker treats this as fatal to the current
	// turn.
	ErrQueueFull = errors.New("queue full")

	// ErrLocked is returned by the conversation store when a write could not
	// acquire its per-conversation lock after the configured retry budget.
	ErrLocked = errors.New("conversation locked")

	// ErrAgentUnavailable is returned by the master when the target agent is
	// not present on the bus.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrToolUnauthorized is returned by the tool worker when the calling
	// agent's allow-list does not include the requested tool.
	ErrToolUnauthorized = errors.New("tool not authorized for this agent")

	// ErrPlanModeProtected is returned by the tool worker when an edit would
	// touch a file outside the conversation's plan-mode created-files set.
	// The message's casing is stable by design (§7: "specific and stable for
	// LLM learning") and must not be normalized to satisfy Go's error-string lint.
	ErrPlanModeProtected = errors.New("Cannot edit existing files in plan mode. Only files created during this plan mode session can be edited.")

	// ErrCancelled marks a stream that was torn down by streamCancel.
	ErrCancelled = errors.New("stream cancelled")

	// ErrBusUnavailable is returned when the NATS connection cannot be
	// established or is lost and no reconnect is in progress.
	ErrBusUnavailable = errors.New("message bus unavailable")
)
