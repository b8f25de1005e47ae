package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-bridge/codexrpc/eventmapper"
	"github.com/codex-bridge/codexrpc/internal/rpctest"
	"github.com/codex-bridge/codexrpc/orchestrator"
	"github.com/codex-bridge/codexrpc/promptmapper"
	"github.com/codex-bridge/codexrpc/rpcclient"
	"github.com/codex-bridge/codexrpc/transport"
)

// newSidecarPair wires one end of an in-memory Pipe as the returned
// transport.Transport (handed to the orchestrator via Config.TransportFactory)
// and the other as a full rpcclient.Client a test can script like a real
// sidecar: answering requests and, unlike internal/rpctest.Sidecar's fixed
// OnCall scripting, initiating its own inbound requests and notifications at
// arbitrary points in the exchange.
func newSidecarPair(t *testing.T) (sidecar *rpcclient.Client, factory func() transport.Transport) {
	t.Helper()
	clientSide, sidecarSide := rpctest.Pipe()
	require.NoError(t, sidecarSide.Connect())
	sidecar = rpcclient.New(sidecarSide)
	t.Cleanup(sidecar.Close)
	return sidecar, func() transport.Transport { return clientSide }
}

func drainParts(t *testing.T, stream *eventmapper.Stream, deadline time.Duration) []eventmapper.Part {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	var parts []eventmapper.Part
	for {
		p, err := stream.Recv(ctx)
		if err != nil {
			return parts
		}
		parts = append(parts, p)
		switch p.(type) {
		case eventmapper.Finish, eventmapper.ErrorPart:
			return parts
		}
	}
}

func partKinds(parts []eventmapper.Part) []string {
	kinds := make([]string, len(parts))
	for i, p := range parts {
		switch v := p.(type) {
		case eventmapper.StreamStart:
			kinds[i] = "stream-start"
		case eventmapper.TextStart:
			kinds[i] = "text-start:" + v.ID
		case eventmapper.TextDelta:
			kinds[i] = "text-delta:" + v.ID + ":" + v.Delta
		case eventmapper.TextEnd:
			kinds[i] = "text-end:" + v.ID
		case eventmapper.ToolCall:
			kinds[i] = "tool-call:" + v.CallID
		case eventmapper.ToolResult:
			kinds[i] = "tool-result:" + v.CallID
		case eventmapper.Finish:
			kinds[i] = "finish:" + v.Reason
		case eventmapper.ErrorPart:
			kinds[i] = "error:" + v.Cause.Error()
		default:
			kinds[i] = "other"
		}
	}
	return kinds
}

// A plain text turn with no tools, no resume, no abort.
func TestPlainTextTurn(t *testing.T) {
	sidecar, factory := newSidecarPair(t)

	sidecar.OnRequest("initialize", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		return map[string]any{}, nil
	})
	sidecar.OnRequest("thread/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		return map[string]any{"thread_id": "thr_1"}, nil
	})
	sidecar.OnRequest("turn/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		go func() {
			_ = sidecar.Notify("turn/started", map[string]any{})
			_ = sidecar.Notify("item/started", map[string]any{"item_id": "m1", "kind": "agentMessage"})
			_ = sidecar.Notify("item/agentMessage/delta", map[string]any{"item_id": "m1", "delta": "Hello"})
			_ = sidecar.Notify("item/completed", map[string]any{"item_id": "m1", "kind": "agentMessage", "text": "Hello"})
			_ = sidecar.Notify("turn/completed", map[string]any{"status": "completed"})
		}()
		return map[string]any{"turn_id": "turn_1"}, nil
	})

	orch := orchestrator.New(orchestrator.Config{
		ClientInfo:       orchestrator.ClientInfo{Name: "test", Version: "0"},
		TransportFactory: factory,
	})
	stream, err := orch.Stream(context.Background(), []promptmapper.Message{
		{Role: promptmapper.RoleUser, Content: []promptmapper.Part{promptmapper.TextPart{Text: "hi"}}},
	})
	require.NoError(t, err)

	parts := drainParts(t, stream, 2*time.Second)
	require.Equal(t, []string{
		"stream-start",
		"text-start:m1",
		"text-delta:m1:Hello",
		"text-end:m1",
		"finish:stop",
	}, partKinds(parts))

	for _, p := range parts {
		if _, ok := p.(eventmapper.StreamStart); ok {
			continue
		}
		threadID, ok := threadIDOf(p)
		require.True(t, ok, "%T should carry a thread id", p)
		assert.Equal(t, "thr_1", threadID)
	}
}

func threadIDOf(p eventmapper.Part) (string, bool) {
	switch v := p.(type) {
	case eventmapper.TextStart:
		return v.ThreadID, true
	case eventmapper.TextDelta:
		return v.ThreadID, true
	case eventmapper.TextEnd:
		return v.ThreadID, true
	case eventmapper.Finish:
		return v.ThreadID, true
	}
	return "", false
}

// Resuming a thread stamped on a prior assistant message
// sends thread/resume, never thread/start.
func TestResumeSendsThreadResumeNotStart(t *testing.T) {
	sidecar, factory := newSidecarPair(t)

	var methods []string
	record := func(method string) {
		methods = append(methods, method)
	}

	sidecar.OnRequest("initialize", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		record("initialize")
		return map[string]any{}, nil
	})
	sidecar.OnRequest("thread/resume", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		record("thread/resume")
		return map[string]any{"thread_id": "thr_existing"}, nil
	})
	sidecar.OnRequest("thread/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		record("thread/start")
		return map[string]any{"thread_id": "thr_new"}, nil
	})
	sidecar.OnRequest("turn/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		record("turn/start")
		go func() {
			_ = sidecar.Notify("turn/completed", map[string]any{"status": "completed"})
		}()
		return map[string]any{"turn_id": "turn_1"}, nil
	})
	sidecar.OnNotification("initialized", func(string, json.RawMessage) {})

	orch := orchestrator.New(orchestrator.Config{
		ClientInfo:       orchestrator.ClientInfo{Name: "test", Version: "0"},
		TransportFactory: factory,
	})
	messages := []promptmapper.Message{
		{Role: promptmapper.RoleUser, Content: []promptmapper.Part{promptmapper.TextPart{Text: "hi"}}},
		{
			Role:    promptmapper.RoleAssistant,
			Content: []promptmapper.Part{promptmapper.TextPart{Text: "hello back"}},
			ProviderMetadata: promptmapper.ProviderMetadata{
				promptmapper.ProviderID: {promptmapper.ThreadIDField: "thr_existing"},
			},
		},
		{Role: promptmapper.RoleUser, Content: []promptmapper.Part{promptmapper.TextPart{Text: "continue"}}},
	}
	stream, err := orch.Stream(context.Background(), messages)
	require.NoError(t, err)
	drainParts(t, stream, 2*time.Second)

	assert.Equal(t, []string{"initialize", "thread/resume", "turn/start"}, methods)
}

// Compaction on resume, both lax (swallowed failure) and
// strict (propagated failure) modes.
func TestCompactionOnResume(t *testing.T) {
	resumeMessages := func() []promptmapper.Message {
		return []promptmapper.Message{
			{
				Role:    promptmapper.RoleAssistant,
				Content: []promptmapper.Part{promptmapper.TextPart{Text: "hello back"}},
				ProviderMetadata: promptmapper.ProviderMetadata{
					promptmapper.ProviderID: {promptmapper.ThreadIDField: "thr_existing"},
				},
			},
			{Role: promptmapper.RoleUser, Content: []promptmapper.Part{promptmapper.TextPart{Text: "continue"}}},
		}
	}

	t.Run("lax mode continues the turn despite a failed compaction", func(t *testing.T) {
		sidecar, factory := newSidecarPair(t)
		var methods []string

		sidecar.OnRequest("initialize", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
			methods = append(methods, "initialize")
			return map[string]any{}, nil
		})
		sidecar.OnRequest("thread/resume", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
			methods = append(methods, "thread/resume")
			return map[string]any{"thread_id": "thr_existing"}, nil
		})
		sidecar.OnRequest("thread/compact/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
			methods = append(methods, "thread/compact/start")
			return nil, errors.New("compaction unavailable")
		})
		sidecar.OnRequest("turn/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
			methods = append(methods, "turn/start")
			go func() { _ = sidecar.Notify("turn/completed", map[string]any{"status": "completed"}) }()
			return map[string]any{"turn_id": "turn_1"}, nil
		})

		orch := orchestrator.New(orchestrator.Config{
			ClientInfo:       orchestrator.ClientInfo{Name: "test", Version: "0"},
			TransportFactory: factory,
			Compaction:       orchestrator.CompactionConfig{ShouldCompactOnResume: true, Strict: false},
		})
		stream, err := orch.Stream(context.Background(), resumeMessages())
		require.NoError(t, err)
		parts := drainParts(t, stream, 2*time.Second)

		assert.Equal(t, []string{"initialize", "thread/resume", "thread/compact/start", "turn/start"}, methods)
		last := parts[len(parts)-1]
		finish, ok := last.(eventmapper.Finish)
		require.True(t, ok, "turn should still complete in lax mode")
		assert.Equal(t, "stop", finish.Reason)
	})

	t.Run("strict mode surfaces the compaction failure as an error part", func(t *testing.T) {
		sidecar, factory := newSidecarPair(t)
		var methods []string

		sidecar.OnRequest("initialize", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
			methods = append(methods, "initialize")
			return map[string]any{}, nil
		})
		sidecar.OnRequest("thread/resume", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
			methods = append(methods, "thread/resume")
			return map[string]any{"thread_id": "thr_existing"}, nil
		})
		sidecar.OnRequest("thread/compact/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
			methods = append(methods, "thread/compact/start")
			return nil, errors.New("compaction unavailable")
		})
		sidecar.OnRequest("turn/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
			methods = append(methods, "turn/start")
			return map[string]any{"turn_id": "turn_1"}, nil
		})

		orch := orchestrator.New(orchestrator.Config{
			ClientInfo:       orchestrator.ClientInfo{Name: "test", Version: "0"},
			TransportFactory: factory,
			Compaction:       orchestrator.CompactionConfig{ShouldCompactOnResume: true, Strict: true},
		})
		stream, err := orch.Stream(context.Background(), resumeMessages())
		require.NoError(t, err)
		parts := drainParts(t, stream, 2*time.Second)

		assert.Equal(t, []string{"initialize", "thread/resume", "thread/compact/start"}, methods)
		require.NotEmpty(t, parts)
		errPart, ok := parts[len(parts)-1].(eventmapper.ErrorPart)
		require.True(t, ok, "strict compaction failure should end the stream with an error part")
		assert.ErrorIs(t, errPart.Cause, orchestrator.ErrCompactionFailed)
	})
}

// Aborting mid-turn sends turn/interrupt and closes the
// stream with an Aborted error part.
func TestAbortMidTurnSendsInterrupt(t *testing.T) {
	sidecar, factory := newSidecarPair(t)

	turnStarted := make(chan struct{})
	interrupted := make(chan struct{}, 1)

	sidecar.OnRequest("initialize", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		return map[string]any{}, nil
	})
	sidecar.OnRequest("thread/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		return map[string]any{"thread_id": "thr_1"}, nil
	})
	sidecar.OnRequest("turn/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		close(turnStarted)
		// Deliberately never emits turn/completed.
		return map[string]any{"turn_id": "turn_1"}, nil
	})
	sidecar.OnRequest("turn/interrupt", func(_ context.Context, _ rpcclient.ID, params json.RawMessage) (any, error) {
		var p struct {
			ThreadID string `json:"thread_id"`
			TurnID   string `json:"turn_id"`
		}
		_ = json.Unmarshal(params, &p)
		assert.Equal(t, "thr_1", p.ThreadID)
		assert.Equal(t, "turn_1", p.TurnID)
		select {
		case interrupted <- struct{}{}:
		default:
		}
		return map[string]any{}, nil
	})

	orch := orchestrator.New(orchestrator.Config{
		ClientInfo:       orchestrator.ClientInfo{Name: "test", Version: "0"},
		TransportFactory: factory,
		InterruptTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := orch.Stream(ctx, []promptmapper.Message{
		{Role: promptmapper.RoleUser, Content: []promptmapper.Part{promptmapper.TextPart{Text: "interrupt me"}}},
	})
	require.NoError(t, err)

	select {
	case <-turnStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("turn/start never reached the sidecar")
	}
	cancel()

	parts := drainParts(t, stream, 2*time.Second)
	require.NotEmpty(t, parts)
	errPart, ok := parts[len(parts)-1].(eventmapper.ErrorPart)
	require.True(t, ok, "abort should end the stream with an error part")
	assert.ErrorIs(t, errPart.Cause, orchestrator.ErrAborted)

	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("turn/interrupt was never sent to the sidecar")
	}
}

// A host-SDK-managed tool call is parked across generation
// calls on a persistent worker, then answered by the next call.
func TestCrossCallToolContinuation(t *testing.T) {
	sidecar, factory := newSidecarPair(t)

	sidecar.OnRequest("initialize", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		return map[string]any{}, nil
	})
	sidecar.OnRequest("thread/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		return map[string]any{"thread_id": "thr_1"}, nil
	})

	toolResultCh := make(chan struct {
		raw json.RawMessage
		err error
	}, 1)
	sidecar.OnRequest("turn/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		go func() {
			raw, err := sidecar.Request(context.Background(), "item/tool/call", map[string]any{
				"call_id":   "c1",
				"tool_name": "lookup_ticket",
				"thread_id": "thr_1",
			}, 5*time.Second)
			toolResultCh <- struct {
				raw json.RawMessage
				err error
			}{raw, err}
			if err != nil {
				return
			}
			// The parked call is now answered: the sidecar continues the
			// same (still-open) turn with the final assistant message.
			_ = sidecar.Notify("item/started", map[string]any{"item_id": "m2", "kind": "agentMessage"})
			_ = sidecar.Notify("item/agentMessage/delta", map[string]any{"item_id": "m2", "delta": "open"})
			_ = sidecar.Notify("item/completed", map[string]any{"item_id": "m2", "kind": "agentMessage", "text": "open"})
			_ = sidecar.Notify("turn/completed", map[string]any{"status": "completed"})
		}()
		return map[string]any{"turn_id": "turn_1"}, nil
	})

	orch := orchestrator.New(orchestrator.Config{
		ClientInfo:       orchestrator.ClientInfo{Name: "test", Version: "0"},
		TransportFactory: factory,
		Persistent:       &orchestrator.PersistentConfig{Scope: orchestrator.ScopeProvider, PoolSize: 1},
		Tools: map[string]orchestrator.ToolConfig{
			"lookup_ticket": {}, // Execute is nil: host-SDK-managed, must be parked.
		},
	})
	defer orch.Close()

	stream1, err := orch.Stream(context.Background(), []promptmapper.Message{
		{Role: promptmapper.RoleUser, Content: []promptmapper.Part{promptmapper.TextPart{Text: "check ticket"}}},
	})
	require.NoError(t, err)
	parts1 := drainParts(t, stream1, 2*time.Second)

	require.Len(t, parts1, 3)
	assert.IsType(t, eventmapper.StreamStart{}, parts1[0])
	toolCall, ok := parts1[1].(eventmapper.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "c1", toolCall.CallID)
	assert.Equal(t, "lookup_ticket", toolCall.Name)
	assert.True(t, toolCall.Dynamic)
	finish1, ok := parts1[2].(eventmapper.Finish)
	require.True(t, ok)
	assert.Equal(t, "tool-calls", finish1.Reason)

	// Second call: same pooled worker, no thread/start or thread/resume (the
	// thread context carries over from the parked call), answers the parked
	// call with the tool result found in the prompt.
	messages2 := []promptmapper.Message{
		{Role: promptmapper.RoleUser, Content: []promptmapper.Part{promptmapper.TextPart{Text: "check ticket"}}},
		{
			Role: promptmapper.RoleAssistant,
			Content: []promptmapper.Part{promptmapper.ToolCallPart{
				ID: "c1", Name: "lookup_ticket",
				ProviderMetadata: promptmapper.ProviderMetadata{
					promptmapper.ProviderID: {promptmapper.ThreadIDField: "thr_1"},
				},
			}},
		},
		{
			Role: promptmapper.RoleTool,
			Content: []promptmapper.Part{promptmapper.ToolResultPart{
				ToolCallID: "c1",
				Output:     promptmapper.ToolOutput{Type: "text", Value: "open"},
			}},
		},
	}

	stream2, err := orch.Stream(context.Background(), messages2)
	require.NoError(t, err)
	parts2 := drainParts(t, stream2, 2*time.Second)

	select {
	case outcome := <-toolResultCh:
		require.NoError(t, outcome.err)
		assert.JSONEq(t, `{"success":true,"content_items":[{"type":"input_text","text":"open"}]}`, string(outcome.raw))
	case <-time.After(2 * time.Second):
		t.Fatal("parked tool call was never answered")
	}

	require.Equal(t, []string{
		"stream-start",
		"text-start:m2",
		"text-delta:m2:open",
		"text-end:m2",
		"finish:stop",
	}, partKinds(parts2))
}

// A persistent pool caches the handshake across calls that
// share a worker, so the second call sends neither initialize nor
// initialized on the wire.
func TestPersistentPoolCachesHandshake(t *testing.T) {
	sidecar, factory := newSidecarPair(t)

	var initCount, initializedCount, turnStartCount int
	sidecar.OnRequest("initialize", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		initCount++
		return map[string]any{}, nil
	})
	sidecar.OnNotification("initialized", func(string, json.RawMessage) {
		initializedCount++
	})
	sidecar.OnRequest("thread/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		return map[string]any{"thread_id": "thr_1"}, nil
	})
	sidecar.OnRequest("turn/start", func(context.Context, rpcclient.ID, json.RawMessage) (any, error) {
		turnStartCount++
		go func() { _ = sidecar.Notify("turn/completed", map[string]any{"status": "completed"}) }()
		return map[string]any{"turn_id": "turn_1"}, nil
	})

	orch := orchestrator.New(orchestrator.Config{
		ClientInfo:       orchestrator.ClientInfo{Name: "test", Version: "0"},
		TransportFactory: factory,
		Persistent:       &orchestrator.PersistentConfig{Scope: orchestrator.ScopeProvider, PoolSize: 1},
	})
	defer orch.Close()

	messages := []promptmapper.Message{
		{Role: promptmapper.RoleUser, Content: []promptmapper.Part{promptmapper.TextPart{Text: "hi"}}},
	}

	stream1, err := orch.Stream(context.Background(), messages)
	require.NoError(t, err)
	parts1 := drainParts(t, stream1, 2*time.Second)
	require.NotEmpty(t, parts1)
	finish1, ok := parts1[len(parts1)-1].(eventmapper.Finish)
	require.True(t, ok)
	assert.Equal(t, "stop", finish1.Reason)

	stream2, err := orch.Stream(context.Background(), messages)
	require.NoError(t, err)
	parts2 := drainParts(t, stream2, 2*time.Second)
	require.NotEmpty(t, parts2)
	finish2, ok := parts2[len(parts2)-1].(eventmapper.Finish)
	require.True(t, ok)
	assert.Equal(t, "stop", finish2.Reason)

	assert.Equal(t, 1, initCount, "initialize should hit the sidecar exactly once across both calls")
	assert.Equal(t, 1, initializedCount, "initialized should reach the sidecar exactly once across both calls")
	assert.Equal(t, 2, turnStartCount, "each call should still start its own turn")
}
