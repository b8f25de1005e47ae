// Package approvals registers handlers for the two inbound request
// methods through which a sidecar turn asks permission before running a
// command or touching a file. Each decision comes from a caller-supplied
// function, with an explicit, configurable default when none is supplied.
package approvals

import (
	"context"
	"encoding/json"

	"github.com/codex-bridge/codexrpc/rpcclient"
)

// Decision is the closed set of values an approval handler may return.
type Decision string

const (
	// Accept permits the sidecar to proceed with the command or file
	// change.
	Accept Decision = "accept"
	// Deny refuses the command or file change.
	Deny Decision = "deny"
)

const (
	methodCommandApproval    = "item/commandExecution/requestApproval"
	methodFileChangeApproval = "item/fileChange/requestApproval"
)

type (
	// CommandApprovalRequest is the decoded params of a command-execution
	// approval request.
	CommandApprovalRequest struct {
		ThreadID string          `json:"thread_id,omitempty"`
		TurnID   string          `json:"turn_id,omitempty"`
		CallID   string          `json:"call_id,omitempty"`
		Command  string          `json:"command"`
		Cwd      string          `json:"cwd,omitempty"`
		Raw      json.RawMessage `json:"-"`
	}

	// FileChangeApprovalRequest is the decoded params of a file-change
	// approval request.
	FileChangeApprovalRequest struct {
		ThreadID string          `json:"thread_id,omitempty"`
		TurnID   string          `json:"turn_id,omitempty"`
		CallID   string          `json:"call_id,omitempty"`
		Path     string          `json:"path,omitempty"`
		Raw      json.RawMessage `json:"-"`
	}

	// CommandApprovalFunc decides whether to run a proposed command.
	CommandApprovalFunc func(ctx context.Context, req CommandApprovalRequest) (Decision, error)

	// FileChangeApprovalFunc decides whether to permit a proposed file
	// change.
	FileChangeApprovalFunc func(ctx context.Context, req FileChangeApprovalRequest) (Decision, error)

	// Config configures the approvals dispatcher. A nil handler falls
	// back to the matching Default*Decision. The conservative default for
	// both is Deny, but each is explicitly overridable.
	Config struct {
		OnCommand    CommandApprovalFunc
		OnFileChange FileChangeApprovalFunc

		DefaultCommandDecision    Decision
		DefaultFileChangeDecision Decision
	}
)

func (d Decision) orDefault(def Decision) Decision {
	if d == "" {
		return def
	}
	return d
}

func (c Config) commandDefault() Decision {
	if c.DefaultCommandDecision == "" {
		return Deny
	}
	return c.DefaultCommandDecision
}

func (c Config) fileChangeDefault() Decision {
	if c.DefaultFileChangeDecision == "" {
		return Deny
	}
	return c.DefaultFileChangeDecision
}

// decisionResult is the shape sent back to the sidecar for either
// approval method.
type decisionResult struct {
	Decision Decision `json:"decision"`
}

// Register wires cfg's handlers onto client for both approval request
// methods, returning a single unsubscribe function for both.
func Register(client *rpcclient.Client, cfg Config) (unsubscribe func()) {
	unsubCmd := client.OnRequest(methodCommandApproval, func(ctx context.Context, _ rpcclient.ID, params json.RawMessage) (any, error) {
		var req CommandApprovalRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		req.Raw = params

		decision := cfg.commandDefault()
		if cfg.OnCommand != nil {
			d, err := cfg.OnCommand(ctx, req)
			if err != nil {
				return nil, err
			}
			decision = d.orDefault(cfg.commandDefault())
		}
		return decisionResult{Decision: decision}, nil
	})

	unsubFile := client.OnRequest(methodFileChangeApproval, func(ctx context.Context, _ rpcclient.ID, params json.RawMessage) (any, error) {
		var req FileChangeApprovalRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		req.Raw = params

		decision := cfg.fileChangeDefault()
		if cfg.OnFileChange != nil {
			d, err := cfg.OnFileChange(ctx, req)
			if err != nil {
				return nil, err
			}
			decision = d.orDefault(cfg.fileChangeDefault())
		}
		return decisionResult{Decision: decision}, nil
	})

	return func() {
		unsubCmd()
		unsubFile()
	}
}
