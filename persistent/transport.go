// Package persistent adapts a pool-borrowed worker.Worker to the
// transport.Transport contract for the lifetime of a single generation
// call. It caches the initialize handshake on the worker so a later call
// reusing the same connection skips the round trip, and it lets a tool
// call be parked across calls by writing directly to the underlying
// transport once the owning generation call's own rpcclient.Client is gone.
package persistent

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"

	"github.com/codex-bridge/codexrpc/transport"
	"github.com/codex-bridge/codexrpc/worker"
)

// ErrNoParkedCall is returned by RespondToParkedToolCall when the worker
// has no parked call to answer.
var ErrNoParkedCall = errors.New("persistent: no parked tool call")

const (
	initializeMethod  = "initialize"
	initializedMethod = "initialized"
)

// Transport wraps a worker.Worker already Acquire'd from a worker.Pool,
// presenting it as a transport.Transport for one generation call.
// Disconnect releases the worker back to the pool instead of tearing down
// the underlying connection.
type Transport struct {
	pool *worker.Pool
	w    *worker.Worker

	disp *dispatcher

	mu              sync.Mutex
	pendingInitID   json.RawMessage
	suppressInitAck bool
	unsubMessage    func()
	unsubError      func()
	unsubClose      func()
}

// New binds a Transport to a worker already acquired from pool. The
// caller is responsible for having called pool.Acquire (or equivalent)
// beforehand; New itself performs no pool operation.
func New(pool *worker.Pool, w *worker.Worker) *Transport {
	t := &Transport{pool: pool, w: w, disp: newDispatcher()}
	underlying := w.UnderlyingTransport()
	if underlying != nil {
		t.unsubMessage = underlying.Subscribe(transport.EventMessage, t.onUnderlyingMessage)
		t.unsubError = underlying.Subscribe(transport.EventError, func(payload any) { t.disp.emit(transport.EventError, payload) })
		t.unsubClose = underlying.Subscribe(transport.EventClose, func(payload any) { t.disp.emit(transport.EventClose, payload) })
	}
	return t
}

// Connect is a no-op: the underlying worker is already connected by the
// time a Transport is constructed over it.
func (t *Transport) Connect() error { return nil }

// Disconnect releases the worker to the pool. The underlying transport
// stays connected and any parked call survives, per the persistent
// transport contract.
func (t *Transport) Disconnect() {
	if t.unsubMessage != nil {
		t.unsubMessage()
	}
	if t.unsubError != nil {
		t.unsubError()
	}
	if t.unsubClose != nil {
		t.unsubClose()
	}
	if t.pool != nil {
		t.pool.Release(t.w)
	}
}

// SendMessage intercepts initialize requests: if the worker already has a
// cached handshake result, no bytes are sent and the cached result is
// synthesized as an inbound message event with the caller's request id
// instead. Otherwise the request is forwarded and its matching response is
// captured to populate the cache for future callers on this worker.
func (t *Transport) SendMessage(msg transport.Message) error {
	underlying := t.w.UnderlyingTransport()
	if underlying == nil {
		return transport.ErrNotConnected
	}

	if msg.Method == initializeMethod && len(msg.ID) > 0 {
		if cached, ok := t.w.Initialized(); ok {
			t.mu.Lock()
			t.suppressInitAck = true
			t.mu.Unlock()
			id := append(json.RawMessage(nil), msg.ID...)
			go t.disp.emit(transport.EventMessage, &transport.Message{ID: id, Result: cached})
			return nil
		}
		t.mu.Lock()
		t.pendingInitID = append(json.RawMessage(nil), msg.ID...)
		t.mu.Unlock()
	}

	return underlying.SendMessage(msg)
}

// SendNotification forwards to the underlying transport unchanged, except
// for the "initialized" notification immediately following a cache-hit
// initialize: the real handshake already happened on a previous call, so
// the sidecar must not see a second "initialized" for it.
func (t *Transport) SendNotification(method string, params any) error {
	underlying := t.w.UnderlyingTransport()
	if underlying == nil {
		return transport.ErrNotConnected
	}
	if method == initializedMethod {
		t.mu.Lock()
		suppress := t.suppressInitAck
		t.suppressInitAck = false
		t.mu.Unlock()
		if suppress {
			return nil
		}
	}
	return underlying.SendNotification(method, params)
}

// Subscribe registers a handler against this Transport's own event stream,
// which mirrors the underlying transport's events except for an
// intercepted initialize response.
func (t *Transport) Subscribe(event string, handler func(any)) func() {
	return t.disp.subscribe(event, handler)
}

// ParkToolCall records an inbound tool-call request, left unanswered at
// end-of-turn, on the underlying worker so a later generation call reusing
// it can supply the result.
func (t *Transport) ParkToolCall(call worker.ParkedCall) {
	t.w.Park(call)
}

// RespondToParkedToolCall takes the worker's parked call, if any, and
// writes the response directly to the underlying transport: the
// generation call that originally received the request is long gone, so
// there is no rpcclient.Client left to answer through.
func (t *Transport) RespondToParkedToolCall(result any) error {
	call, ok := t.w.TakeParked()
	if !ok {
		return ErrNoParkedCall
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	idRaw, err := json.Marshal(call.RequestID)
	if err != nil {
		return err
	}
	underlying := t.w.UnderlyingTransport()
	if underlying == nil {
		return transport.ErrNotConnected
	}
	return underlying.SendMessage(transport.Message{ID: idRaw, Result: raw})
}

// HasParkedToolCall reports whether the underlying worker currently holds
// a parked tool call, without consuming it.
func (t *Transport) HasParkedToolCall() bool {
	return t.w.HasParked()
}

func (t *Transport) onUnderlyingMessage(payload any) {
	msg, ok := payload.(*transport.Message)
	if !ok || msg == nil {
		t.disp.emit(transport.EventMessage, payload)
		return
	}

	t.mu.Lock()
	pending := t.pendingInitID
	isInitResponse := pending != nil && msg.Method == "" && bytes.Equal(pending, msg.ID)
	if isInitResponse {
		t.pendingInitID = nil
	}
	t.mu.Unlock()

	if isInitResponse && msg.Error == nil {
		t.w.CacheInitializeResult(msg.Result)
	}
	t.disp.emit(transport.EventMessage, msg)
}
