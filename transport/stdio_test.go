package transport_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codex-bridge/codexrpc/transport"
)

// catTransport spawns the system "cat" as the subprocess: whatever this
// transport writes to its stdin comes back on its stdout, line for line,
// letting the framing and dispatch logic be exercised without a real
// sidecar.
func catTransport(t *testing.T) *transport.Stdio {
	t.Helper()
	s := transport.NewStdio(transport.StdioOptions{Command: "cat"})
	require.NoError(t, s.Connect())
	t.Cleanup(s.Disconnect)
	return s
}

func TestStdioRoundTripsAMessage(t *testing.T) {
	s := catTransport(t)

	received := make(chan *transport.Message, 1)
	s.Subscribe(transport.EventMessage, func(payload any) {
		if m, ok := payload.(*transport.Message); ok {
			received <- m
		}
	})

	err := s.SendMessage(transport.Message{
		ID:     json.RawMessage(`1`),
		Method: "initialize",
		Params: json.RawMessage(`{"foo":"bar"}`),
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Equal(t, "initialize", msg.Method)
		require.JSONEq(t, `{"foo":"bar"}`, string(msg.Params))
		require.Equal(t, json.RawMessage("1"), msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message never echoed back")
	}
}

func TestStdioSendNotification(t *testing.T) {
	s := catTransport(t)

	received := make(chan *transport.Message, 1)
	s.Subscribe(transport.EventMessage, func(payload any) {
		if m, ok := payload.(*transport.Message); ok {
			received <- m
		}
	})

	require.NoError(t, s.SendNotification("initialized", nil))

	select {
	case msg := <-received:
		require.Equal(t, "initialized", msg.Method)
		require.Empty(t, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never echoed back")
	}
}

func TestStdioDisconnectEmitsClose(t *testing.T) {
	s := catTransport(t)

	closed := make(chan struct{})
	s.Subscribe(transport.EventClose, func(any) { close(closed) })

	s.Disconnect()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close event never fired")
	}
}

func TestStdioSendAfterDisconnectFails(t *testing.T) {
	s := catTransport(t)
	s.Disconnect()

	err := s.SendMessage(transport.Message{Method: "noop"})
	require.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestStdioConnectUnknownCommandFails(t *testing.T) {
	s := transport.NewStdio(transport.StdioOptions{Command: "codexrpc-nonexistent-binary-xyz"})
	err := s.Connect()
	require.ErrorIs(t, err, transport.ErrTransportUnavailable)
}
