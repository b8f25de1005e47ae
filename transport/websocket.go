package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// WebSocketOptions configures the WebSocket transport variant.
type WebSocketOptions struct {
	URL string

	// DialOptions is passed through to websocket.Dial verbatim, allowing
	// callers to set headers, subprotocols, or a custom HTTP client.
	DialOptions *websocket.DialOptions
}

// WebSocket is the WebSocket transport variant: one JSON-RPC message per
// text frame.
type WebSocket struct {
	opts WebSocketOptions

	dispatcher *dispatcher

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebSocket constructs a WebSocket transport. Connect must be called
// before sending or receiving messages.
func NewWebSocket(opts WebSocketOptions) *WebSocket {
	return &WebSocket{opts: opts, dispatcher: newDispatcher()}
}

// Connect dials the configured URL and starts the read loop.
func (w *WebSocket) Connect() error {
	ctx, cancel := context.WithCancel(context.Background())
	conn, _, err := websocket.Dial(ctx, w.opts.URL, w.opts.DialOptions)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.ctx = ctx
	w.cancel = cancel
	w.mu.Unlock()

	go w.readLoop(ctx, conn)
	return nil
}

// Disconnect closes the connection best-effort.
func (w *WebSocket) Disconnect() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	conn := w.conn
	cancel := w.cancel
	w.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	if cancel != nil {
		cancel()
	}
	w.dispatcher.emit(EventClose, CloseInfo{})
}

// SendMessage serializes msg and writes it as one text frame.
func (w *WebSocket) SendMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	closed := w.closed
	conn := w.conn
	ctx := w.ctx
	w.mu.Unlock()
	if closed || conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// SendNotification builds and sends a Notification (no id).
func (w *WebSocket) SendNotification(method string, params any) error {
	msg, err := buildNotification(method, params)
	if err != nil {
		return err
	}
	return w.SendMessage(msg)
}

// Subscribe registers a handler for "message", "error", or "close".
func (w *WebSocket) Subscribe(event string, handler func(any)) func() {
	return w.dispatcher.subscribe(event, handler)
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			w.Disconnect()
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.dispatcher.emit(EventError, fmt.Errorf("transport: malformed frame: %w", err))
			continue
		}
		m := msg
		w.dispatcher.emit(EventMessage, &m)
	}
}
