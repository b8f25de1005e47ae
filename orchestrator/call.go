package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codex-bridge/codexrpc/approvals"
	"github.com/codex-bridge/codexrpc/dynamictools"
	"github.com/codex-bridge/codexrpc/eventmapper"
	"github.com/codex-bridge/codexrpc/persistent"
	"github.com/codex-bridge/codexrpc/promptmapper"
	"github.com/codex-bridge/codexrpc/rpcclient"
	"github.com/codex-bridge/codexrpc/transport"
	"github.com/codex-bridge/codexrpc/worker"
)

// call holds the state of one generation call: exactly one Stream
// invocation's worth of transport, RPC client, and mapper, confined to the
// goroutine run starts (aside from the mutex-guarded thread/turn id
// snapshot the abort watcher reads).
type call struct {
	orch *Orchestrator
	cfg  Config

	stream *eventmapper.Stream
	mapper *eventmapper.Mapper

	t                   transport.Transport
	persistentTransport *persistent.Transport
	pool                *worker.Pool
	w                   *worker.Worker

	rpc             *rpcclient.Client
	toolDispatcher  *dynamictools.Dispatcher
	fileResolver    *promptmapper.FileResolver
	ownedFileWriter *promptmapper.LocalFileWriter

	unsubs []func()

	mu       sync.Mutex
	threadID string
	turnID   string

	doneCh   chan struct{}
	doneOnce sync.Once
}

type toolCallRequestParams struct {
	ThreadID  string          `json:"thread_id,omitempty"`
	TurnID    string          `json:"turn_id,omitempty"`
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

const methodToolCall = "item/tool/call"

func (c *call) run(ctx context.Context, messages []promptmapper.Message) {
	defer c.cleanup()

	// Step 1: build transport (persistent if configured, else direct).
	if err := c.buildTransport(ctx); err != nil {
		c.mapper.EmitError(fmt.Errorf("%w: %w", transport.ErrTransportUnavailable, err))
		return
	}

	// Step 2: build RPC Client; Event Mapper already built in Stream.
	c.rpc = rpcclient.New(c.t)

	// Step 3: install abort listener.
	go c.watchAbort(ctx)

	// Step 4: connect transport.
	if err := c.t.Connect(); err != nil {
		c.mapper.EmitError(fmt.Errorf("%w: %w", transport.ErrTransportUnavailable, err))
		return
	}

	// Step 5: cross-call continuation branch.
	if c.persistentTransport != nil {
		if parked, ok := c.w.PeekParked(); ok {
			c.runContinuation(ctx, messages, parked)
			<-c.doneCh
			return
		}
	}

	// Step 6: normal branch.
	if err := c.runNormal(ctx, messages); err != nil {
		c.mapper.EmitError(err)
		return
	}

	// Step 7: wait for the mapper to produce Finish, for an abort, or for
	// a setup error raised asynchronously by the abort watcher.
	<-c.doneCh
}

func (c *call) buildTransport(ctx context.Context) error {
	if c.cfg.Persistent == nil {
		c.t = c.orch.buildDirectTransport()
		return nil
	}

	pool, err := c.orch.persistentPool(ctx)
	if err != nil {
		return err
	}
	w, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: acquire persistent worker: %w", err)
	}
	pt := persistent.New(pool, w)
	c.pool = pool
	c.w = w
	c.persistentTransport = pt
	c.t = pt
	return nil
}

func (c *call) runNormal(ctx context.Context, messages []promptmapper.Message) error {
	attachTools := c.cfg.ExperimentalAPIEnabled || c.cfg.hasDynamicTools()
	if attachTools {
		c.toolDispatcher = dynamictools.NewDispatcher(c.cfg.toolTimeout())
		for name, t := range c.cfg.Tools {
			if t.Execute == nil {
				continue // host-SDK-managed: not run locally, only ever parked
			}
			if err := c.toolDispatcher.Register(name, dynamictools.Tool{
				Description: t.Description,
				InputSchema: t.InputSchema,
				Execute:     t.Execute,
			}); err != nil {
				return err
			}
		}
	}

	c.registerToolCallHandler()
	c.unsubs = append(c.unsubs, approvals.Register(c.rpc, c.cfg.Approvals))
	c.unsubs = append(c.unsubs, c.rpc.OnAnyNotification(func(method string, params json.RawMessage) {
		if c.cfg.Debug.LogPackets {
			c.cfg.logger().Debug(ctx, "rpc.message", "direction", "in", "method", method)
		}
		c.mapper.HandleNotification(method, params)
	}))

	var caps *capabilities
	if attachTools {
		caps = &capabilities{DynamicTools: true}
	}
	if c.cfg.Debug.LogPackets {
		c.cfg.logger().Debug(ctx, "rpc.message", "direction", "out", "method", methodInitialize)
	}
	if _, err := c.rpc.Request(ctx, methodInitialize, initializeParams{
		ClientInfo:   clientInfoWire{Name: c.cfg.ClientInfo.Name, Version: c.cfg.ClientInfo.Version, Title: c.cfg.ClientInfo.Title},
		Capabilities: caps,
	}, 0); err != nil {
		return err
	}
	if err := c.rpc.Notify(methodInitialized, nil); err != nil {
		return err
	}

	devInstructions, _ := promptmapper.DeveloperInstructions(messages)
	resumeID, isResume := promptmapper.ResumeThreadID(messages)

	if isResume {
		result, err := c.rpc.Request(ctx, methodThreadResume, threadResumeParams{
			ThreadID:              resumeID,
			DeveloperInstructions: devInstructions,
		}, 0)
		if err != nil {
			return err
		}
		threadID, err := decodeThreadID(result)
		if err != nil || threadID == "" {
			return &ProtocolViolationError{Method: methodThreadResume, Detail: "missing thread id"}
		}
		c.setThreadID(threadID)
	} else {
		result, err := c.rpc.Request(ctx, methodThreadStart, threadStartParams{
			Model:                 firstNonEmpty(c.cfg.TurnDefaults.Model, c.cfg.DefaultModel),
			DynamicTools:          c.mergedToolSchemas(),
			DeveloperInstructions: devInstructions,
			Cwd:                   c.cfg.ThreadDefaults.Cwd,
			ApprovalPolicy:        c.cfg.ThreadDefaults.ApprovalPolicy,
			Sandbox:               c.cfg.ThreadDefaults.Sandbox,
		}, 0)
		if err != nil {
			return err
		}
		threadID, err := decodeThreadID(result)
		if err != nil || threadID == "" {
			return &ProtocolViolationError{Method: methodThreadStart, Detail: "missing thread id"}
		}
		c.setThreadID(threadID)
	}
	c.mapper.SetThreadID(c.threadIDSnapshot())

	if isResume {
		compact, err := c.shouldCompact(ctx)
		if err != nil {
			if c.cfg.Compaction.Strict {
				return fmt.Errorf("%w: %w", ErrCompactionFailed, err)
			}
			c.cfg.logger().Warn(ctx, "compaction decision failed, skipping", "error", err)
			compact = false
		}
		if compact {
			if _, err := c.rpc.Request(ctx, methodThreadCompact, threadCompactParams{ThreadID: c.threadIDSnapshot()}, 0); err != nil {
				if c.cfg.Compaction.Strict {
					return fmt.Errorf("%w: %w", ErrCompactionFailed, err)
				}
				c.cfg.logger().Warn(ctx, "compaction failed, continuing", "error", err)
			}
		}
	}

	fileWriter := c.cfg.FileWriter
	if fileWriter == nil {
		lw, err := promptmapper.NewLocalFileWriter()
		if err != nil {
			return err
		}
		c.ownedFileWriter = lw
		fileWriter = lw
	}
	c.fileResolver = promptmapper.NewFileResolver(fileWriter)

	input, err := promptmapper.MapTurnInput(ctx, messages, isResume, c.fileResolver)
	if err != nil {
		return err
	}

	result, err := c.rpc.Request(ctx, methodTurnStart, turnStartParams{
		ThreadID:       c.threadIDSnapshot(),
		Input:          input,
		Cwd:            c.cfg.TurnDefaults.Cwd,
		ApprovalPolicy: c.cfg.TurnDefaults.ApprovalPolicy,
		SandboxPolicy:  c.cfg.TurnDefaults.SandboxPolicy,
		Model:          c.cfg.TurnDefaults.Model,
		Effort:         c.cfg.TurnDefaults.Effort,
		Summary:        c.cfg.TurnDefaults.Summary,
	}, 0)
	if err != nil {
		return err
	}
	turnID, err := decodeTurnID(result)
	if err != nil {
		return err
	}
	if turnID == "" {
		return &ProtocolViolationError{Method: methodTurnStart, Detail: "missing turn id"}
	}
	c.setTurnID(turnID)
	c.mapper.SetTurnID(turnID)
	return nil
}

func (c *call) runContinuation(ctx context.Context, messages []promptmapper.Message, parked worker.ParkedCall) {
	c.setThreadID(parked.ThreadID)
	c.mapper.SetThreadID(parked.ThreadID)

	if c.cfg.hasDynamicTools() {
		c.toolDispatcher = dynamictools.NewDispatcher(c.cfg.toolTimeout())
		for name, t := range c.cfg.Tools {
			if t.Execute == nil {
				continue
			}
			_ = c.toolDispatcher.Register(name, dynamictools.Tool{Description: t.Description, InputSchema: t.InputSchema, Execute: t.Execute})
		}
	}

	c.unsubs = append(c.unsubs, c.rpc.OnAnyNotification(func(method string, params json.RawMessage) {
		c.mapper.HandleNotification(method, params)
	}))
	c.registerToolCallHandler()
	c.unsubs = append(c.unsubs, approvals.Register(c.rpc, c.cfg.Approvals))

	var wire promptmapper.ToolResultWire
	if tr, ok := promptmapper.FindToolResult(messages, parked.CallID); ok {
		wire = promptmapper.EncodeToolResult(tr.Output)
	} else {
		wire = promptmapper.ToolResultWire{
			Success:      false,
			ContentItems: []promptmapper.ToolResultContentItem{{Type: "input_text", Text: fmt.Sprintf("missing tool result for call %q", parked.CallID)}},
		}
	}

	if err := c.persistentTransport.RespondToParkedToolCall(wire); err != nil {
		c.mapper.EmitError(err)
	}
}

func (c *call) registerToolCallHandler() {
	c.unsubs = append(c.unsubs, c.rpc.OnRequest(methodToolCall, c.handleToolCall))
}

func (c *call) handleToolCall(ctx context.Context, id rpcclient.ID, params json.RawMessage) (any, error) {
	var p toolCallRequestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	tc := dynamictools.Context{ThreadID: p.ThreadID, TurnID: p.TurnID, CallID: p.CallID, ToolName: p.ToolName}

	if c.toolDispatcher != nil {
		if result, err, found := c.toolDispatcher.TryInvoke(ctx, p.ToolName, tc, p.Arguments); found {
			if c.cfg.Debug.LogToolCalls {
				c.cfg.logger().Debug(ctx, "tool.call", "name", p.ToolName, "call_id", p.CallID, "dynamic", false)
			}
			return result, err
		}
	}

	if c.persistentTransport == nil || c.w == nil {
		return dynamictools.FailureResult{Error: fmt.Sprintf("no such tool: %q", p.ToolName)}, nil
	}

	if _, ok := c.rpc.DeferResponse(id); !ok {
		return dynamictools.FailureResult{Error: "cannot defer tool call response"}, nil
	}
	c.w.Park(worker.ParkedCall{RequestID: id, CallID: p.CallID, ToolName: p.ToolName, Arguments: p.Arguments, ThreadID: p.ThreadID})
	if c.cfg.Debug.LogToolCalls {
		c.cfg.logger().Debug(ctx, "tool.call", "name", p.ToolName, "call_id", p.CallID, "dynamic", true)
	}
	c.mapper.EmitDynamicToolCall(p.CallID, p.ToolName, p.Arguments)
	c.mapper.FlushPendingToolCalls("tool-calls")
	return nil, nil
}

func (c *call) mergedToolSchemas() []toolSchemaWire {
	if !c.cfg.hasDynamicTools() {
		return nil
	}
	out := make([]toolSchemaWire, 0, len(c.cfg.Tools))
	for name, t := range c.cfg.Tools {
		out = append(out, toolSchemaWire{Name: name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

func (c *call) shouldCompact(ctx context.Context) (bool, error) {
	if c.cfg.Compaction.ShouldCompactOnResumeFunc != nil {
		return c.cfg.Compaction.ShouldCompactOnResumeFunc(ctx)
	}
	return c.cfg.Compaction.ShouldCompactOnResume, nil
}

func (c *call) watchAbort(ctx context.Context) {
	select {
	case <-c.doneCh:
		return
	case <-ctx.Done():
	}

	threadID, turnID := c.threadIDSnapshot(), c.turnIDSnapshot()
	if c.rpc != nil && threadID != "" && turnID != "" {
		ictx, cancel := context.WithTimeout(context.Background(), c.cfg.interruptTimeout())
		_, _ = c.rpc.Request(ictx, methodTurnInterrupt, turnInterruptParams{ThreadID: threadID, TurnID: turnID}, c.cfg.interruptTimeout())
		cancel()
	}
	c.mapper.EmitError(ErrAborted)
}

func (c *call) emit(p eventmapper.Part) {
	c.stream.Emit(p)
	switch p.(type) {
	case eventmapper.Finish, eventmapper.ErrorPart:
		c.markDone()
	}
}

func (c *call) markDone() {
	c.doneOnce.Do(func() { close(c.doneCh) })
}

func (c *call) cleanup() {
	for _, unsub := range c.unsubs {
		if unsub != nil {
			unsub()
		}
	}
	if c.fileResolver != nil {
		c.fileResolver.Cleanup()
	}
	if c.ownedFileWriter != nil {
		c.ownedFileWriter.RemoveAll()
	}
	if c.rpc != nil {
		c.rpc.Close()
	}
	if c.t != nil {
		c.t.Disconnect()
	}
	c.markDone()
	c.stream.Close()
}

func (c *call) setThreadID(id string) {
	c.mu.Lock()
	c.threadID = id
	c.mu.Unlock()
}

func (c *call) threadIDSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

func (c *call) setTurnID(id string) {
	c.mu.Lock()
	c.turnID = id
	c.mu.Unlock()
}

func (c *call) turnIDSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnID
}
