package persistent

import "sync"

// dispatcher mirrors transport's internal subscribe/emit bookkeeping,
// duplicated here because a Transport's event stream is its own (it
// diverges from the underlying transport's for the intercepted initialize
// response) rather than a passthrough subscription.
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
