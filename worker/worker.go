// Package worker wraps a transport.Transport into a reusable "session" that
// survives across generation calls: it caches the initialize handshake,
// idle-expires, and parks at most one in-flight tool call across calls. Pool
// coordinates acquire/release of Workers with backpressure and FIFO waiters.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codex-bridge/codexrpc/rpcclient"
	"github.com/codex-bridge/codexrpc/telemetry"
	"github.com/codex-bridge/codexrpc/transport"
)

// State is the Worker's lifecycle state.
type State int

const (
	// Disconnected means the underlying transport has no live channel.
	Disconnected State = iota
	// Idle means the worker is connected and available for acquisition.
	Idle
	// Busy means the worker is currently lent out to a caller.
	Busy
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// ParkedCall is an inbound tool-call request deliberately left unanswered at
// end-of-turn so a subsequent generation call can supply the result. At most
// one parked call exists per Worker at a time.
type ParkedCall struct {
	RequestID rpcclient.ID
	CallID    string
	ToolName  string
	Arguments json.RawMessage
	ThreadID  string
}

// Factory constructs a fresh transport.Transport for a Worker to use. It is
// invoked on first connect and again on every reconnect after a real
// transport failure.
type Factory func() transport.Transport

// Worker wraps one underlying transport.Transport. Each generation call
// borrowing the worker builds its own rpcclient.Client over the transport
// (via persistent.Transport); the worker itself never subscribes a client,
// so an inbound request is only ever answered by the borrowing call's
// handlers. State transitions: disconnected -> idle -> busy -> idle -> ...
// -> disconnected.
type Worker struct {
	id      string
	factory Factory
	logger  telemetry.Logger

	idleTimeout time.Duration

	mu          sync.Mutex
	state       State
	t           transport.Transport
	initialized bool
	cachedInit  json.RawMessage
	parked      *ParkedCall
	idleTimer   *time.Timer

	listenersMu sync.Mutex
	listeners   []func()

	unsubClose func()
}

// New constructs a Worker that lazily connects via factory on first
// Acquire. idleTimeout of zero disables idle expiry.
func New(factory Factory, idleTimeout time.Duration, logger telemetry.Logger) *Worker {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Worker{
		id:          uuid.NewString(),
		factory:     factory,
		idleTimeout: idleTimeout,
		logger:      logger,
		state:       Disconnected,
	}
}

// ID returns the worker's correlation identifier, used for logging.
func (w *Worker) ID() string { return w.id }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// UnderlyingTransport returns the raw transport.Transport bound to this
// worker's current connection. The persistent transport needs this to send
// a deferred tool-call response directly, bypassing any particular
// generation call's rpcclient.Client (which does not outlive its call).
func (w *Worker) UnderlyingTransport() transport.Transport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.t
}

// Initialized reports whether the initialize handshake has already
// completed on this worker's current connection, and returns the cached
// result if so.
func (w *Worker) Initialized() (json.RawMessage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cachedInit, w.initialized
}

// CacheInitializeResult records the initialize handshake result so a later
// borrower on this same connection can skip the round trip.
func (w *Worker) CacheInitializeResult(result json.RawMessage) {
	w.mu.Lock()
	w.initialized = true
	w.cachedInit = result
	w.mu.Unlock()
}

// Park records an inbound tool call left unanswered at end-of-turn. It
// replaces any previously parked call; a worker holds at most one.
func (w *Worker) Park(call ParkedCall) {
	w.mu.Lock()
	w.parked = &call
	w.mu.Unlock()
}

// TakeParked returns and clears the parked call, if any.
func (w *Worker) TakeParked() (ParkedCall, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.parked == nil {
		return ParkedCall{}, false
	}
	call := *w.parked
	w.parked = nil
	return call, true
}

// HasParked reports whether a tool call is currently parked without
// consuming it.
func (w *Worker) HasParked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.parked != nil
}

// PeekParked returns a copy of the parked call, if any, without consuming
// it. Used by a new generation call's cross-call continuation branch to
// read the call id, tool name, and thread id before deciding how to answer
// it (the eventual answer still goes through TakeParked, via
// persistent.Transport.RespondToParkedToolCall).
func (w *Worker) PeekParked() (ParkedCall, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.parked == nil {
		return ParkedCall{}, false
	}
	return *w.parked, true
}

// AddSessionListener registers an unsubscribe function to be invoked on the
// worker's next Release, for listeners (e.g. notification handlers) that
// are scoped to one generation call rather than the worker's lifetime.
func (w *Worker) AddSessionListener(unsubscribe func()) {
	w.listenersMu.Lock()
	w.listeners = append(w.listeners, unsubscribe)
	w.listenersMu.Unlock()
}

// Acquire transitions the worker to Busy, connecting it first if it is
// currently Disconnected. It cancels any pending idle timer.
func (w *Worker) Acquire(ctx context.Context) error {
	w.mu.Lock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	needsConnect := w.state == Disconnected
	w.mu.Unlock()

	if needsConnect {
		if err := w.connect(); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.state = Busy
	w.mu.Unlock()
	return nil
}

// ClearSessionListeners unsubscribes every listener registered via
// AddSessionListener since the last clear, without changing the worker's
// state. Used when a worker is handed directly to the next FIFO waiter
// instead of round-tripping through Idle.
func (w *Worker) ClearSessionListeners() {
	w.listenersMu.Lock()
	listeners := w.listeners
	w.listeners = nil
	w.listenersMu.Unlock()
	for _, unsubscribe := range listeners {
		unsubscribe()
	}
}

// Release clears session-scoped listeners, transitions to Idle, and arms
// the idle timer (a zero idleTimeout disables it).
func (w *Worker) Release(onIdleExpire func(*Worker)) {
	w.ClearSessionListeners()

	w.mu.Lock()
	w.state = Idle
	if w.idleTimeout > 0 && onIdleExpire != nil {
		w.idleTimer = time.AfterFunc(w.idleTimeout, func() { onIdleExpire(w) })
	}
	w.mu.Unlock()
}

// Shutdown clears timers, detaches listeners, and disconnects the
// transport. Idempotent.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	t := w.t
	unsub := w.unsubClose
	w.state = Disconnected
	w.t = nil
	w.initialized = false
	w.cachedInit = nil
	w.parked = nil
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if t != nil {
		t.Disconnect()
	}
}

func (w *Worker) connect() error {
	t := w.factory()
	if err := t.Connect(); err != nil {
		return fmt.Errorf("worker %s: connect: %w", w.id, err)
	}
	unsub := t.Subscribe(transport.EventClose, func(any) { w.onTransportClosed() })

	w.mu.Lock()
	w.t = t
	w.unsubClose = unsub
	w.state = Idle
	w.initialized = false
	w.cachedInit = nil
	// A real transport teardown invalidates any parked call: the sidecar
	// process and the turn it was tracking are both gone.
	w.parked = nil
	w.mu.Unlock()
	return nil
}

func (w *Worker) onTransportClosed() {
	w.mu.Lock()
	w.state = Disconnected
	w.initialized = false
	w.cachedInit = nil
	w.parked = nil
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	w.mu.Unlock()

	w.listenersMu.Lock()
	listeners := w.listeners
	w.listeners = nil
	w.listenersMu.Unlock()
	for _, unsubscribe := range listeners {
		unsubscribe()
	}
}
