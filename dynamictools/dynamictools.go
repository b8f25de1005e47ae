// Package dynamictools registers a single inbound request handler that
// routes tool-call requests by name to caller-supplied executors, with
// JSON Schema validation of arguments and a per-call timeout.
package dynamictools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/codex-bridge/codexrpc/rpcclient"
)

const methodToolCall = "item/tool/call"

// DefaultTimeout bounds an Execute invocation when Dispatcher was built
// without an explicit timeout.
const DefaultTimeout = 30 * time.Second

type (
	// Context carries correlation information for one tool invocation.
	Context struct {
		ThreadID string
		TurnID   string
		CallID   string
		ToolName string
	}

	// Executor runs one tool call and returns its result payload (any
	// JSON-marshalable value) or an error.
	Executor func(ctx context.Context, tc Context, arguments json.RawMessage) (any, error)

	// Tool is one registered dynamic tool.
	Tool struct {
		Description string
		InputSchema json.RawMessage
		Execute     Executor
	}

	registeredTool struct {
		tool   Tool
		schema *jsonschema.Schema
	}

	// Dispatcher routes inbound tool-call requests to registered tools by
	// name.
	Dispatcher struct {
		timeout time.Duration
		tools   map[string]registeredTool
	}

	// FailureResult is the result payload returned for a tool call that
	// could not run: unknown tool name, invalid arguments, or a panic or
	// error from Execute.
	FailureResult struct {
		Error string `json:"error"`
	}

	toolCallParams struct {
		ThreadID  string          `json:"thread_id,omitempty"`
		TurnID    string          `json:"turn_id,omitempty"`
		CallID    string          `json:"call_id"`
		ToolName  string          `json:"tool_name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
)

// NewDispatcher builds an empty Dispatcher. timeout <= 0 uses
// DefaultTimeout.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{timeout: timeout, tools: make(map[string]registeredTool)}
}

// Register adds or replaces the tool registered under name. When
// tool.InputSchema is non-empty, it is compiled once here;
// ErrInvalidSchema wraps any compile failure.
func (d *Dispatcher) Register(name string, tool Tool) error {
	rt := registeredTool{tool: tool}
	if len(tool.InputSchema) > 0 {
		var schemaDoc any
		if err := json.Unmarshal(tool.InputSchema, &schemaDoc); err != nil {
			return fmt.Errorf("%w: unmarshal schema for %q: %w", ErrInvalidSchema, name, err)
		}
		c := jsonschema.NewCompiler()
		resourceName := "tool:" + name
		if err := c.AddResource(resourceName, schemaDoc); err != nil {
			return fmt.Errorf("%w: add schema resource for %q: %w", ErrInvalidSchema, name, err)
		}
		schema, err := c.Compile(resourceName)
		if err != nil {
			return fmt.Errorf("%w: compile schema for %q: %w", ErrInvalidSchema, name, err)
		}
		rt.schema = schema
	}
	d.tools[name] = rt
	return nil
}

// Tools returns the Tool definition of every registered tool, in no
// particular order. The returned values do not carry the names the tools
// were registered under.
func (d *Dispatcher) Tools() []Tool {
	tools := make([]Tool, 0, len(d.tools))
	for _, rt := range d.tools {
		tools = append(tools, rt.tool)
	}
	return tools
}

// RegisterOn wires the dispatcher's tool-call handler onto client.
func (d *Dispatcher) RegisterOn(client *rpcclient.Client) (unsubscribe func()) {
	return client.OnRequest(methodToolCall, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, _ rpcclient.ID, params json.RawMessage) (any, error) {
	var p toolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("dynamictools: decode tool call params: %w", err)
	}

	tc := Context{ThreadID: p.ThreadID, TurnID: p.TurnID, CallID: p.CallID, ToolName: p.ToolName}

	result, err, found := d.TryInvoke(ctx, p.ToolName, tc, p.Arguments)
	if !found {
		return FailureResult{Error: fmt.Sprintf("no such tool: %q", p.ToolName)}, nil
	}
	return result, err
}

// TryInvoke looks up name among the dispatcher's registered tools and, if
// present, validates arguments against its compiled schema (when any) and
// invokes its Execute under the dispatcher's timeout. found reports
// whether name was registered at all; callers (e.g. the orchestrator's
// combined local/cross-call tool-call handler) use found=false to fall
// through to host-SDK-managed tool-call parking instead of a hard
// "unknown tool" failure.
func (d *Dispatcher) TryInvoke(ctx context.Context, name string, tc Context, arguments json.RawMessage) (result any, err error, found bool) {
	rt, ok := d.tools[name]
	if !ok {
		return nil, nil, false
	}

	if rt.schema != nil {
		var argsDoc any
		if uerr := json.Unmarshal(arguments, &argsDoc); uerr != nil {
			return FailureResult{Error: fmt.Sprintf("invalid arguments for %q: %v", name, uerr)}, nil, true
		}
		if verr := rt.schema.Validate(argsDoc); verr != nil {
			return FailureResult{Error: fmt.Sprintf("arguments for %q failed validation: %v", name, verr)}, nil, true
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, invokeErr := d.invoke(callCtx, rt.tool.Execute, tc, arguments)
	if invokeErr != nil {
		return FailureResult{Error: invokeErr.Error()}, nil, true
	}
	return out, nil, true
}

// Has reports whether a tool is registered under name.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.tools[name]
	return ok
}

func (d *Dispatcher) invoke(ctx context.Context, execute Executor, tc Context, arguments json.RawMessage) (any, error) {
	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("tool %q panicked: %v", tc.ToolName, r)
			}
		}()
		r, execErr := execute(ctx, tc, arguments)
		if execErr != nil {
			errCh <- execErr
			return
		}
		resultCh <- r
	}()
	select {
	case r := <-resultCh:
		return r, nil
	case execErr := <-errCh:
		return nil, execErr
	case <-ctx.Done():
		return nil, fmt.Errorf("tool %q: %w", tc.ToolName, ctx.Err())
	}
}
