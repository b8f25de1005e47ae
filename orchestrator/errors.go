package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors for failure kinds not already declared next to the
// subsystem that raises them (rpcclient.ErrTimeout,
// rpcclient.ErrDisconnected, worker.ErrPoolShutdown,
// worker.ErrIncompatiblePoolSettings).
var (
	// ErrAborted marks a stream closed by caller-initiated cancellation.
	ErrAborted = errors.New("orchestrator: aborted")

	// ErrCompactionFailed is surfaced only when strict compaction fails.
	ErrCompactionFailed = errors.New("orchestrator: compaction failed")

	// ErrHandlerFailure names the failure kind of an approval or tool
	// handler's own error. No code path in this module returns it: such an
	// error reaches the peer as a failure result or a JSON-RPC error
	// response instead.
	ErrHandlerFailure = errors.New("orchestrator: handler failure")

	// ErrMissingToolResult names a cross-call continuation whose prompt
	// does not carry a tool result for the parked call id. The
	// continuation path does not return it: it answers the parked call
	// with a failure result whose text names the missing id.
	ErrMissingToolResult = errors.New("orchestrator: missing tool result for parked call")

	// ErrPersistentRequired is returned when a host-SDK-managed tool is
	// configured without Config.Persistent set: parking across calls has
	// no Worker to park on without a pool.
	ErrPersistentRequired = errors.New("orchestrator: host-managed tools require persistent configuration")
)

// ProtocolViolationError reports a peer response missing a thread id or
// turn id where one is required.
type ProtocolViolationError struct {
	Method string
	Detail string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("orchestrator: protocol violation in %s response: %s", e.Method, e.Detail)
}
