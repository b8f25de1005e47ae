// Package codexrpc bridges a structured-conversation host SDK to a codex
// app-server sidecar speaking bidirectional JSON-RPC 2.0 over line-delimited
// stdio or WebSocket frames. It re-exports the orchestrator's public surface
// as the module's primary import; the deeper packages (transport, rpcclient,
// worker, persistent, approvals, dynamictools, eventmapper, promptmapper)
// remain importable individually for embedders that need finer control.
//
// A minimal embedder builds an Orchestrator once and drives it per call:
//
//	orch := codexrpc.New(codexrpc.Config{
//		DefaultModel: "gpt-5",
//		ClientInfo:   codexrpc.ClientInfo{Name: "my-host", Version: "1.0.0"},
//		StdioSettings: transport.StdioOptions{Command: "codex", Args: []string{"app-server"}},
//	})
//	defer orch.Close()
//	stream, err := orch.Stream(ctx, messages)
package codexrpc

import (
	"github.com/codex-bridge/codexrpc/eventmapper"
	"github.com/codex-bridge/codexrpc/orchestrator"
	"github.com/codex-bridge/codexrpc/promptmapper"
	"github.com/codex-bridge/codexrpc/rpcclient"
	"github.com/codex-bridge/codexrpc/transport"
	"github.com/codex-bridge/codexrpc/worker"
)

// ProviderID is the provider-metadata key this adapter writes and reads on
// host-SDK messages; ThreadIDField is the field under it carrying a
// resumable thread id. Host SDK adapters round-trip these to resume threads
// across generation calls.
const (
	ProviderID    = promptmapper.ProviderID
	ThreadIDField = promptmapper.ThreadIDField
)

// Orchestrator and its configuration surface, aliased from the orchestrator
// package so most embedders import only this root package.
type (
	Orchestrator     = orchestrator.Orchestrator
	Config           = orchestrator.Config
	ClientInfo       = orchestrator.ClientInfo
	ThreadDefaults   = orchestrator.ThreadDefaults
	TurnDefaults     = orchestrator.TurnDefaults
	CompactionConfig = orchestrator.CompactionConfig
	ToolConfig       = orchestrator.ToolConfig
	DebugConfig      = orchestrator.DebugConfig
	PersistentConfig = orchestrator.PersistentConfig
	TransportVariant = orchestrator.TransportVariant
	PersistentScope  = orchestrator.PersistentScope
	Result           = orchestrator.Result
	ContentBlock     = orchestrator.ContentBlock

	// Message is one entry of the host SDK's prompt; Stream is the ordered
	// part stream a generation call produces.
	Message = promptmapper.Message
	Stream  = eventmapper.Stream
)

const (
	TransportStdio     = orchestrator.TransportStdio
	TransportWebSocket = orchestrator.TransportWebSocket

	ScopeProvider = orchestrator.ScopeProvider
	ScopeGlobal   = orchestrator.ScopeGlobal
)

// New constructs an Orchestrator bound to cfg.
func New(cfg Config) *Orchestrator { return orchestrator.New(cfg) }

// LoadConfig reads the statically expressible subset of Config from a YAML
// document at path.
func LoadConfig(path string) (Config, error) { return orchestrator.LoadConfig(path) }

// Failure kinds, aliased from the subsystems that raise them so callers can
// errors.Is/errors.As against this package alone.
var (
	ErrTransportUnavailable     = transport.ErrTransportUnavailable
	ErrNotConnected             = transport.ErrNotConnected
	ErrDisconnected             = rpcclient.ErrDisconnected
	ErrTimeout                  = rpcclient.ErrTimeout
	ErrPoolShutdown             = worker.ErrPoolShutdown
	ErrPoolExhausted            = worker.ErrPoolExhausted
	ErrIncompatiblePoolSettings = worker.ErrIncompatiblePoolSettings
	ErrAborted                  = orchestrator.ErrAborted
	ErrCompactionFailed         = orchestrator.ErrCompactionFailed
)

type (
	// JSONRPCError wraps a JSON-RPC error response returned by the peer.
	JSONRPCError = rpcclient.JSONRPCError
	// ProtocolViolationError reports a peer response missing a required
	// thread or turn id.
	ProtocolViolationError = orchestrator.ProtocolViolationError
)
