// Package rpctest provides an in-memory duplex transport and a scriptable
// fake sidecar driver used by rpcclient, worker, and orchestrator tests in
// place of spawning a real subprocess.
package rpctest

import (
	"encoding/json"
	"sync"

	"github.com/codex-bridge/codexrpc/transport"
)

// Pipe returns two linked transport.Transport values: messages sent on one
// are delivered as "message" events on the other, and vice versa. Disconnect
// on either side fires a "close" event on both. Delivery preserves the
// sender's order: each end has its own single delivery goroutine, so a
// sequence of SendMessage/SendNotification calls arrives in the order sent.
func Pipe() (a, b transport.Transport) {
	pa := &pipeEnd{inbox: make(chan *transport.Message, 256)}
	pb := &pipeEnd{inbox: make(chan *transport.Message, 256)}
	pa.peer = pb
	pb.peer = pa
	go pa.deliverLoop()
	go pb.deliverLoop()
	return pa, pb
}

type pipeEnd struct {
	mu     sync.Mutex
	peer   *pipeEnd
	closed bool
	disp   dispatcher
	inbox  chan *transport.Message
}

// deliverLoop hands each inbound message to disp.emit one at a time, on a
// single goroutine per end, so messages surface in send order regardless of
// how the sender's own goroutines get scheduled.
func (p *pipeEnd) deliverLoop() {
	for m := range p.inbox {
		p.disp.emit(transport.EventMessage, m)
	}
}

// dispatcher is a minimal copy of transport's internal fan-out, duplicated
// here because it is unexported in the transport package.
type dispatcher struct {
	mu        sync.Mutex
	listeners map[string]map[int]func(any)
	nextID    int
}

func (d *dispatcher) subscribe(event string, handler func(any)) func() {
	d.mu.Lock()
	if d.listeners == nil {
		d.listeners = make(map[string]map[int]func(any))
	}
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

func (p *pipeEnd) Connect() error { return nil }

func (p *pipeEnd) Disconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	peer := p.peer
	p.mu.Unlock()
	p.disp.emit(transport.EventClose, transport.CloseInfo{})
	peer.Disconnect()
}

func (p *pipeEnd) SendMessage(msg transport.Message) error {
	p.mu.Lock()
	closed := p.closed
	peer := p.peer
	p.mu.Unlock()
	if closed {
		return transport.ErrNotConnected
	}
	// Round-trip through JSON to faithfully reproduce wire semantics (e.g.
	// json.RawMessage fields becoming nil vs empty).
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var decoded transport.Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	m := decoded
	select {
	case peer.inbox <- &m:
	default:
		// Inbox full: fall back to an unordered async send rather than
		// blocking the caller or dropping the message.
		go func() { peer.inbox <- &m }()
	}
	return nil
}

func (p *pipeEnd) SendNotification(method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = data
	}
	return p.SendMessage(transport.Message{Method: method, Params: raw})
}

func (p *pipeEnd) Subscribe(event string, handler func(any)) func() {
	return p.disp.subscribe(event, handler)
}
