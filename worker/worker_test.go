package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-bridge/codexrpc/internal/rpctest"
	"github.com/codex-bridge/codexrpc/persistent"
	"github.com/codex-bridge/codexrpc/rpcclient"
	"github.com/codex-bridge/codexrpc/transport"
	"github.com/codex-bridge/codexrpc/worker"
)

func TestWorkerAcquireReleaseLifecycle(t *testing.T) {
	factory := rpctest.NewFactory(nil)
	w := worker.New(factory, 0, nil)
	assert.Equal(t, worker.Disconnected, w.State())

	require.NoError(t, w.Acquire(context.Background()))
	assert.Equal(t, worker.Busy, w.State())

	w.Release(nil)
	assert.Equal(t, worker.Idle, w.State())
}

func TestWorkerCachesInitialize(t *testing.T) {
	factory := rpctest.NewFactory(nil)
	w := worker.New(factory, 0, nil)
	require.NoError(t, w.Acquire(context.Background()))

	_, ok := w.Initialized()
	assert.False(t, ok)

	w.CacheInitializeResult(json.RawMessage(`{"ok":true}`))
	result, ok := w.Initialized()
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestWorkerParkedCallRoundTrips(t *testing.T) {
	factory := rpctest.NewFactory(nil)
	w := worker.New(factory, 0, nil)
	require.NoError(t, w.Acquire(context.Background()))

	assert.False(t, w.HasParked())
	w.Park(worker.ParkedCall{CallID: "c1", ToolName: "lookup"})
	assert.True(t, w.HasParked())

	call, ok := w.TakeParked()
	require.True(t, ok)
	assert.Equal(t, "c1", call.CallID)
	assert.False(t, w.HasParked())
}

// A pooled worker must leave inbound requests to the borrowing call's own
// rpcclient.Client: the sidecar sees exactly one response frame per request
// id, never a second method-not-found answer from a worker-owned client.
func TestPooledWorkerInboundRequestAnsweredOnce(t *testing.T) {
	clientSide, sidecarSide := rpctest.Pipe()
	require.NoError(t, sidecarSide.Connect())

	p := worker.NewPool(1, func() transport.Transport { return clientSide }, 0)
	w, err := p.Acquire(context.Background())
	require.NoError(t, err)

	pt := persistent.New(p, w)
	rpc := rpcclient.New(pt)
	defer rpc.Close()
	rpc.OnRequest("item/tool/call", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		return map[string]any{"success": true}, nil
	})

	var mu sync.Mutex
	var responseIDs []string
	sidecarSide.Subscribe(transport.EventMessage, func(payload any) {
		msg, ok := payload.(*transport.Message)
		if !ok || msg == nil || msg.Method != "" || len(msg.ID) == 0 {
			return
		}
		mu.Lock()
		responseIDs = append(responseIDs, string(msg.ID))
		mu.Unlock()
	})

	require.NoError(t, sidecarSide.SendMessage(transport.Message{
		ID:     json.RawMessage(`7`),
		Method: "item/tool/call",
		Params: json.RawMessage(`{"call_id":"c1","tool_name":"lookup"}`),
	}))

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(responseIDs)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no response ever arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Let any duplicate responder write its frame too before asserting.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"7"}, responseIDs)
}

func TestWorkerIdleExpiryDisconnects(t *testing.T) {
	factory := rpctest.NewFactory(nil)
	w := worker.New(factory, 20*time.Millisecond, nil)
	require.NoError(t, w.Acquire(context.Background()))
	w.CacheInitializeResult(json.RawMessage(`{}`))

	done := make(chan struct{})
	w.Release(func(expired *worker.Worker) {
		expired.Shutdown()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle timer never fired")
	}
	assert.Equal(t, worker.Disconnected, w.State())
	_, ok := w.Initialized()
	assert.False(t, ok)
}
