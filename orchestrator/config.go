// Package orchestrator composes a transport, RPC client, event mapper, and
// prompt mapper into the single per-call state machine a host SDK drives:
// connect, handshake, open or resume a thread, drive one turn, and clean up
// on every termination path. Orchestrator is the package's only exported
// constructor surface.
package orchestrator

import (
	"context"
	"time"

	"github.com/codex-bridge/codexrpc/approvals"
	"github.com/codex-bridge/codexrpc/dynamictools"
	"github.com/codex-bridge/codexrpc/promptmapper"
	"github.com/codex-bridge/codexrpc/telemetry"
	"github.com/codex-bridge/codexrpc/transport"
	"github.com/codex-bridge/codexrpc/worker"
)

// TransportVariant selects which transport.Transport implementation a
// direct (non-persistent) call builds.
type TransportVariant string

const (
	TransportStdio     TransportVariant = "stdio"
	TransportWebSocket TransportVariant = "websocket"
)

// PersistentScope selects which registry holds a persistent pool:
// ScopeProvider keeps it in the Orchestrator's own private registry, never
// shared with another Orchestrator even under the same key; ScopeGlobal
// shares it by key through the GlobalRegistry the embedder supplied (e.g. a
// ReplicatedRegistry shared cluster-wide) or, when none is set, through one
// process-wide InProcessRegistry.
type PersistentScope string

const (
	ScopeProvider PersistentScope = "provider"
	ScopeGlobal   PersistentScope = "global"
)

type (
	// ClientInfo identifies this adapter to the sidecar at initialize time.
	ClientInfo struct {
		Name    string
		Version string
		Title   string
	}

	// ThreadDefaults seed every thread/start. thread/resume does not send
	// them.
	ThreadDefaults struct {
		Cwd            string
		ApprovalPolicy string
		Sandbox        string
	}

	// TurnDefaults seed every turn/start.
	TurnDefaults struct {
		Cwd            string
		ApprovalPolicy string
		SandboxPolicy  string
		Model          string
		Effort         string
		Summary        string
	}

	// CompactionDecisionFunc evaluates whether to compact a resumed thread
	// before starting its next turn.
	CompactionDecisionFunc func(ctx context.Context) (bool, error)

	// CompactionConfig controls thread/compact/start behavior on resume.
	// ShouldCompactOnResumeFunc, when set, takes precedence over the plain
	// bool so embedders can make the decision context-dependent.
	CompactionConfig struct {
		ShouldCompactOnResume     bool
		ShouldCompactOnResumeFunc CompactionDecisionFunc
		Strict                    bool
	}

	// ToolConfig is one entry in Config.Tools. A nil Execute marks the tool
	// as host-SDK-managed: calls to it are parked rather than run locally,
	// which requires Config.Persistent to be set.
	ToolConfig struct {
		Description string
		InputSchema []byte
		Execute     dynamictools.Executor
	}

	// DebugConfig enables wire-level and tool-call logging.
	DebugConfig struct {
		LogPackets   bool
		LogToolCalls bool
	}

	// PersistentConfig configures reuse of a pooled Worker across
	// generation calls instead of a fresh subprocess/WebSocket per call.
	// NoWait disables waiter enqueuing on an exhausted pool: the call
	// fails with worker.ErrPoolExhausted instead of queuing FIFO.
	PersistentConfig struct {
		Scope       PersistentScope
		Key         string
		PoolSize    int
		IdleTimeout time.Duration
		NoWait      bool
	}

	// Config enumerates every option the orchestrator's per-call flow
	// reads from.
	Config struct {
		DefaultModel           string
		ClientInfo             ClientInfo
		ExperimentalAPIEnabled bool

		TransportVariant  TransportVariant
		StdioSettings     transport.StdioOptions
		WebSocketSettings transport.WebSocketOptions
		// TransportFactory, when set, overrides TransportVariant entirely:
		// every direct (non-persistent) or persistent-pool connection is
		// built by calling it instead of constructing a Stdio or WebSocket
		// transport. Tests use this to substitute an in-memory transport;
		// embedders may use it for a transport variant this package does
		// not provide directly.
		TransportFactory func() transport.Transport

		ThreadDefaults ThreadDefaults
		TurnDefaults   TurnDefaults
		Compaction     CompactionConfig

		Tools       map[string]ToolConfig
		ToolTimeout time.Duration

		InterruptTimeout time.Duration

		Approvals approvals.Config
		Debug     DebugConfig

		Persistent *PersistentConfig

		EmitPlanUpdates bool

		FileWriter     promptmapper.FileWriter
		GlobalRegistry worker.GlobalRegistry

		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics

		// StreamBuffer sizes the channel backing the returned
		// eventmapper.Stream. Zero uses a small default.
		StreamBuffer int
	}
)

func (c Config) logger() telemetry.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return telemetry.NewNoopLogger()
}

func (c Config) tracer() telemetry.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return telemetry.NewNoopTracer()
}

func (c Config) metrics() telemetry.Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return telemetry.NewNoopMetrics()
}

func (c Config) toolTimeout() time.Duration {
	if c.ToolTimeout > 0 {
		return c.ToolTimeout
	}
	return dynamictools.DefaultTimeout
}

func (c Config) interruptTimeout() time.Duration {
	if c.InterruptTimeout > 0 {
		return c.InterruptTimeout
	}
	return 5 * time.Second
}

func (c Config) streamBuffer() int {
	if c.StreamBuffer > 0 {
		return c.StreamBuffer
	}
	return 16
}

// hasDynamicTools reports whether any tool is configured, regardless of
// whether it runs locally or is host-SDK-managed.
func (c Config) hasDynamicTools() bool {
	return len(c.Tools) > 0
}

// hasHostManagedTools reports whether any configured tool has a nil
// Execute (host-SDK-managed, parked rather than run locally).
func (c Config) hasHostManagedTools() bool {
	for _, t := range c.Tools {
		if t.Execute == nil {
			return true
		}
	}
	return false
}
