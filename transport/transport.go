// Package transport provides the framed, bidirectional byte channel that
// carries JSON-RPC 2.0 messages between this adapter and a sidecar process.
// Two variants are provided: Stdio (subprocess, line-delimited JSON) and
// WebSocket (text frames). Both satisfy the Transport interface.
package transport

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrNotConnected is returned by SendMessage/SendNotification when the
// transport's channel has already been closed.
var ErrNotConnected = errors.New("transport: not connected")

// ErrTransportUnavailable is returned by Connect when the peer cannot be
// reached (process failed to spawn, dial failed, etc).
var ErrTransportUnavailable = errors.New("transport: unavailable")

type (
	// Message is a decoded JSON-RPC 2.0 frame. Exactly one of the embedded
	// shapes is meaningful, selected per the classification rules in
	// rpcclient: id+method => Request, method only => Notification,
	// id+(result|error) => Response.
	Message struct {
		ID     json.RawMessage `json:"id,omitempty"`
		Method string          `json:"method,omitempty"`
		Params json.RawMessage `json:"params,omitempty"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  *MessageError   `json:"error,omitempty"`
	}

	// MessageError is the JSON-RPC 2.0 error object.
	MessageError struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}

	// CloseInfo carries the best-effort reason a transport closed.
	CloseInfo struct {
		Code   int
		Signal string
	}

	// Transport is the framed, bidirectional byte channel contract shared by
	// every variant. Implementations must be safe for concurrent use: Connect
	// and Disconnect may race with SendMessage, and Subscribe handlers fire on
	// a dedicated goroutine.
	Transport interface {
		// Connect establishes the byte channel. Returns ErrTransportUnavailable
		// wrapped with the underlying cause if the peer cannot be reached.
		Connect() error

		// Disconnect closes the channel best-effort. It never returns an
		// observable failure and is safe to call more than once.
		Disconnect()

		// SendMessage serializes and frames one JSON-RPC message.
		// Returns ErrNotConnected if the channel is already closed.
		SendMessage(msg Message) error

		// SendNotification is a convenience wrapper that builds a Notification
		// (a Message with Method set and ID empty) and sends it.
		SendNotification(method string, params any) error

		// Subscribe registers a handler for one of "message", "error", "close"
		// and returns an unsubscribe function. Unsubscribe is idempotent.
		Subscribe(event string, handler func(any)) (unsubscribe func())
	}
)

const (
	// EventMessage fires with a *Message payload for every decoded frame.
	EventMessage = "message"
	// EventError fires with an error payload for malformed frames or
	// transport-level failures that don't tear the transport down.
	EventError = "error"
	// EventClose fires with a CloseInfo payload exactly once, when the
	// transport's channel is torn down.
	EventClose = "close"
)

// dispatcher is the shared subscribe/unsubscribe/fan-out bookkeeping used by
// both transport variants, so neither duplicates the listener-set logic.
type dispatcher struct {
	mu        sync.Mutex
	listeners map[string]map[int]func(any)
	nextID    int
}

func newDispatcher() *dispatcher {
	return &dispatcher{listeners: make(map[string]map[int]func(any))}
}

func (d *dispatcher) subscribe(event string, handler func(any)) func() {
	d.mu.Lock()
	if d.listeners[event] == nil {
		d.listeners[event] = make(map[int]func(any))
	}
	id := d.nextID
	d.nextID++
	d.listeners[event][id] = handler
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners[event], id)
			d.mu.Unlock()
		})
	}
}

func (d *dispatcher) emit(event string, payload any) {
	d.mu.Lock()
	handlers := make([]func(any), 0, len(d.listeners[event]))
	for _, h := range d.listeners[event] {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}
