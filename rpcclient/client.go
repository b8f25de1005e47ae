// Package rpcclient implements a JSON-RPC 2.0 multiplexer over a
// transport.Transport: it correlates outbound requests with their
// responses, dispatches inbound requests and notifications to
// caller-registered handlers, and enforces per-request timeouts.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codex-bridge/codexrpc/transport"
)

type (
	// RequestHandler handles an inbound JSON-RPC request. It returns the
	// result to encode in the response, or an error to encode as a JSON-RPC
	// error response (InternalErrorCode).
	RequestHandler func(ctx context.Context, id ID, params json.RawMessage) (result any, err error)

	// NotificationHandler handles an inbound JSON-RPC notification.
	NotificationHandler func(method string, params json.RawMessage)

	// Responder lets a caller that deferred a response (see DeferResponse)
	// answer it later, possibly after the request's original handler
	// invocation has already returned.
	Responder interface {
		// Respond encodes result as a success response.
		Respond(result any) error
		// RespondError encodes a JSON-RPC error response.
		RespondError(code int, message string) error
	}

	pendingRequest struct {
		resultCh chan json.RawMessage
		errCh    chan error
		timer    *time.Timer
	}

	// Client is a JSON-RPC 2.0 correlator bound to one transport.Transport.
	// One Client instance is confined to one logical executor: inbound
	// messages are dispatched in arrival order and a request handler
	// completes (or defers) before the next inbound message is processed.
	Client struct {
		t transport.Transport

		nextID atomic.Uint64

		mu      sync.Mutex
		pending map[uint64]*pendingRequest
		closed  bool

		handlersMu       sync.Mutex
		requestHandlers  map[string]RequestHandler
		notifHandlers    map[string][]NotificationHandler
		anyNotifHandlers []NotificationHandler

		unsubMessage func()
		unsubClose   func()

		deferredMu sync.Mutex
		deferred   map[uint64]struct{}
	}

	responder struct {
		c  *Client
		id ID
	}
)

// New constructs a Client bound to t and starts listening for inbound
// frames. The caller must call Close when done to release the transport
// subscriptions; it does not disconnect the transport itself (ownership of
// the transport's lifetime belongs to the caller, e.g. a worker.Worker).
func New(t transport.Transport) *Client {
	c := &Client{
		t:               t,
		pending:         make(map[uint64]*pendingRequest),
		requestHandlers: make(map[string]RequestHandler),
		notifHandlers:   make(map[string][]NotificationHandler),
		deferred:        make(map[uint64]struct{}),
	}
	c.unsubMessage = t.Subscribe(transport.EventMessage, c.onMessage)
	c.unsubClose = t.Subscribe(transport.EventClose, func(any) { c.onDisconnect(ErrDisconnected) })
	return c
}

// Request sends method with params, waits for the matching response, and
// returns its result. timeout <= 0 means no deadline.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	id := c.nextID.Add(1)
	pr := &pendingRequest{
		resultCh: make(chan json.RawMessage, 1),
		errCh:    make(chan error, 1),
	}
	c.pending[id] = pr
	c.mu.Unlock()

	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() {
			c.failPending(id, ErrTimeout)
		})
	}

	raw, err := encodeParams(params)
	if err != nil {
		c.removePending(id)
		return nil, err
	}
	if err := c.t.SendMessage(transport.Message{ID: mustMarshalID(NewID(id)), Method: method, Params: raw}); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	select {
	case result := <-pr.resultCh:
		return result, nil
	case err := <-pr.errCh:
		return nil, err
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	var p any
	if raw != nil {
		p = raw
	}
	if err := c.t.SendNotification(method, p); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// OnNotification registers handler for one notification method.
func (c *Client) OnNotification(method string, handler NotificationHandler) (unsubscribe func()) {
	c.handlersMu.Lock()
	c.notifHandlers[method] = append(c.notifHandlers[method], handler)
	idx := len(c.notifHandlers[method]) - 1
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		list := c.notifHandlers[method]
		if idx < len(list) {
			list[idx] = nil
		}
	}
}

// OnAnyNotification registers handler for every notification, regardless of
// method.
func (c *Client) OnAnyNotification(handler NotificationHandler) (unsubscribe func()) {
	c.handlersMu.Lock()
	c.anyNotifHandlers = append(c.anyNotifHandlers, handler)
	idx := len(c.anyNotifHandlers) - 1
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		if idx < len(c.anyNotifHandlers) {
			c.anyNotifHandlers[idx] = nil
		}
	}
}

// OnRequest registers handler for one inbound request method. If no handler
// is registered for an inbound method, the client responds with
// MethodNotFoundCode.
func (c *Client) OnRequest(method string, handler RequestHandler) (unsubscribe func()) {
	c.handlersMu.Lock()
	c.requestHandlers[method] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		if c.requestHandlers[method] != nil {
			delete(c.requestHandlers, method)
		}
	}
}

// DeferResponse detaches the given inbound request id from the normal
// handler-return response path, returning a Responder the caller can invoke
// later (possibly after the originating handler call has already returned,
// and possibly from a different generation call sharing the same worker).
// It must be called from within the RequestHandler for id before that
// handler returns. The second return value is false if id is a string id;
// only integer ids can be deferred. DeferResponse does not check that id
// belongs to an in-flight inbound request.
func (c *Client) DeferResponse(id ID) (Responder, bool) {
	if id.isStr {
		return nil, false
	}
	c.deferredMu.Lock()
	c.deferred[id.n] = struct{}{}
	c.deferredMu.Unlock()
	return &responder{c: c, id: id}, true
}

// Close disconnects the transport subscriptions and rejects all pending
// requests. Idempotent.
func (c *Client) Close() {
	c.onDisconnect(ErrDisconnected)
	c.unsubMessage()
	c.unsubClose()
}

func (c *Client) onDisconnect(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.errCh <- cause
	}
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok && pr.timer != nil {
		pr.timer.Stop()
	}
}

func (c *Client) failPending(id uint64, err error) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		pr.errCh <- err
	}
}

func (c *Client) onMessage(payload any) {
	msg, ok := payload.(*transport.Message)
	if !ok || msg == nil {
		return
	}

	hasID := len(msg.ID) > 0
	hasMethod := msg.Method != ""
	hasResultOrError := len(msg.Result) > 0 || msg.Error != nil

	switch classify(hasID, hasMethod, hasResultOrError) {
	case kindResponse:
		c.handleResponse(msg)
	case kindRequest:
		c.handleRequest(msg)
	case kindNotification:
		c.handleNotification(msg)
	default:
		// Unrecognized shape; dropped silently, matching "responses to
		// unknown ids are dropped" for the adjacent case.
	}
}

func (c *Client) handleResponse(msg *transport.Message) {
	var id ID
	if err := json.Unmarshal(msg.ID, &id); err != nil || id.isStr {
		return
	}
	c.mu.Lock()
	pr, ok := c.pending[id.n]
	if ok {
		delete(c.pending, id.n)
	}
	c.mu.Unlock()
	if !ok {
		// Late response to a timed-out/disconnected/unknown id: dropped.
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	if msg.Error != nil {
		pr.errCh <- &JSONRPCError{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}
		return
	}
	pr.resultCh <- msg.Result
}

func (c *Client) handleNotification(msg *transport.Message) {
	c.handlersMu.Lock()
	handlers := append([]NotificationHandler(nil), c.notifHandlers[msg.Method]...)
	anyHandlers := append([]NotificationHandler(nil), c.anyNotifHandlers...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(msg.Method, msg.Params)
		}
	}
	for _, h := range anyHandlers {
		if h != nil {
			h(msg.Method, msg.Params)
		}
	}
}

func (c *Client) handleRequest(msg *transport.Message) {
	var id ID
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		return
	}

	c.handlersMu.Lock()
	handler := c.requestHandlers[msg.Method]
	c.handlersMu.Unlock()

	if handler == nil {
		_ = c.t.SendMessage(transport.Message{
			ID:    msg.ID,
			Error: &transport.MessageError{Code: MethodNotFoundCode, Message: fmt.Sprintf("method not found: %s", msg.Method)},
		})
		return
	}

	result, err := safeInvoke(handler, context.Background(), id, msg.Params)

	if !id.isStr {
		c.deferredMu.Lock()
		_, deferred := c.deferred[id.n]
		if deferred {
			delete(c.deferred, id.n)
		}
		c.deferredMu.Unlock()
		if deferred {
			// The handler declared "I will respond later" via DeferResponse;
			// this invocation produces no response.
			return
		}
	}

	if err != nil {
		_ = c.t.SendMessage(transport.Message{
			ID:    msg.ID,
			Error: &transport.MessageError{Code: InternalErrorCode, Message: err.Error()},
		})
		return
	}
	resultRaw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		_ = c.t.SendMessage(transport.Message{
			ID:    msg.ID,
			Error: &transport.MessageError{Code: InternalErrorCode, Message: marshalErr.Error()},
		})
		return
	}
	_ = c.t.SendMessage(transport.Message{ID: msg.ID, Result: resultRaw})
}

func safeInvoke(handler RequestHandler, ctx context.Context, id ID, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, id, params)
}

func (r *responder) Respond(result any) error {
	resultRaw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return r.c.t.SendMessage(transport.Message{ID: mustMarshalID(r.id), Result: resultRaw})
}

func (r *responder) RespondError(code int, message string) error {
	return r.c.t.SendMessage(transport.Message{
		ID:    mustMarshalID(r.id),
		Error: &transport.MessageError{Code: code, Message: message},
	})
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func mustMarshalID(id ID) json.RawMessage {
	data, _ := id.MarshalJSON()
	return data
}
