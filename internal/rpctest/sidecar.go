package rpctest

import (
	"encoding/json"
	"sync"

	"github.com/codex-bridge/codexrpc/transport"
)

// Sidecar is a scriptable fake peer sitting on one end of a Pipe. Tests use
// it to play the role of the app server: answering requests by method name
// and emitting notifications on demand, without spawning a real process.
type Sidecar struct {
	t transport.Transport

	mu       sync.Mutex
	handlers map[string]func(id json.RawMessage, params json.RawMessage)
	seen     []Call
}

// Call records one request or notification the Sidecar observed.
type Call struct {
	Method string
	Params json.RawMessage
	ID     json.RawMessage // nil for notifications
}

// NewSidecar wraps t (one end of a Pipe) as a scriptable fake peer.
func NewSidecar(t transport.Transport) *Sidecar {
	s := &Sidecar{t: t, handlers: make(map[string]func(json.RawMessage, json.RawMessage))}
	t.Subscribe(transport.EventMessage, s.onMessage)
	return s
}

// OnCall registers a responder for method. handler is invoked with the
// request id and params; it answers by calling Respond on the Sidecar, or
// leaves the request unanswered by not calling it.
func (s *Sidecar) OnCall(method string, handler func(id json.RawMessage, params json.RawMessage)) {
	s.mu.Lock()
	s.handlers[method] = handler
	s.mu.Unlock()
}

// Calls returns every request/notification observed so far, in arrival order.
func (s *Sidecar) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.seen...)
}

// Respond sends a success response for the given request id.
func (s *Sidecar) Respond(id json.RawMessage, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.t.SendMessage(transport.Message{ID: id, Result: raw})
}

// Notify emits a server-initiated notification.
func (s *Sidecar) Notify(method string, params any) error {
	return s.t.SendNotification(method, params)
}

func (s *Sidecar) onMessage(payload any) {
	msg, ok := payload.(*transport.Message)
	if !ok || msg == nil {
		return
	}
	hasID := len(msg.ID) > 0
	if msg.Method == "" {
		return // response, not our concern here
	}

	s.mu.Lock()
	s.seen = append(s.seen, Call{Method: msg.Method, Params: msg.Params, ID: msg.ID})
	handler := s.handlers[msg.Method]
	s.mu.Unlock()

	if !hasID {
		if handler != nil {
			handler(nil, msg.Params)
		}
		return
	}
	if handler != nil {
		handler(msg.ID, msg.Params)
		return
	}
	_ = s.t.SendMessage(transport.Message{
		ID:    msg.ID,
		Error: &transport.MessageError{Code: -32601, Message: "method not found: " + msg.Method},
	})
}

// NewFactory returns a worker.Factory-compatible function (any func() transport.Transport)
// that, on each call, creates a fresh Pipe and wires a new Sidecar to one end
// via setup, returning the other end for the caller to Connect.
func NewFactory(setup func(sidecar *Sidecar)) func() transport.Transport {
	return func() transport.Transport {
		clientSide, sidecarSide := Pipe()
		sidecar := NewSidecar(sidecarSide)
		if setup != nil {
			setup(sidecar)
		}
		return clientSide
	}
}
