package orchestrator

import (
	"encoding/json"

	"github.com/codex-bridge/codexrpc/promptmapper"
)

const (
	methodInitialize    = "initialize"
	methodInitialized   = "initialized"
	methodThreadStart   = "thread/start"
	methodThreadResume  = "thread/resume"
	methodThreadCompact = "thread/compact/start"
	methodTurnStart     = "turn/start"
	methodTurnInterrupt = "turn/interrupt"
)

type initializeParams struct {
	ClientInfo   clientInfoWire `json:"client_info"`
	Capabilities *capabilities  `json:"capabilities,omitempty"`
}

type clientInfoWire struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

type capabilities struct {
	DynamicTools bool `json:"dynamic_tools,omitempty"`
}

type toolSchemaWire struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type threadStartParams struct {
	Model                 string           `json:"model,omitempty"`
	DynamicTools          []toolSchemaWire `json:"dynamic_tools,omitempty"`
	DeveloperInstructions string           `json:"developer_instructions,omitempty"`
	Cwd                   string           `json:"cwd,omitempty"`
	ApprovalPolicy        string           `json:"approval_policy,omitempty"`
	Sandbox               string           `json:"sandbox,omitempty"`
}

type threadResumeParams struct {
	ThreadID               string `json:"thread_id"`
	PersistExtendedHistory bool   `json:"persist_extended_history"`
	DeveloperInstructions  string `json:"developer_instructions,omitempty"`
}

type threadCompactParams struct {
	ThreadID string `json:"thread_id"`
}

type turnStartParams struct {
	ThreadID       string                       `json:"thread_id"`
	Input          []promptmapper.TurnInputItem `json:"input"`
	Cwd            string                       `json:"cwd,omitempty"`
	ApprovalPolicy string                       `json:"approval_policy,omitempty"`
	SandboxPolicy  string                       `json:"sandbox_policy,omitempty"`
	Model          string                       `json:"model,omitempty"`
	Effort         string                       `json:"effort,omitempty"`
	Summary        string                       `json:"summary,omitempty"`
}

type turnInterruptParams struct {
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
}

type threadIDResult struct {
	ThreadID string `json:"thread_id"`
	Thread   *struct {
		ID string `json:"id"`
	} `json:"thread,omitempty"`
}

type turnIDResult struct {
	TurnID string `json:"turn_id"`
}

// decodeThreadID extracts a thread id from a thread/start or thread/resume
// result, accepting both the flat "thread_id" field and the nested
// "thread.id" shape some peer versions emit, preferring the flat form.
func decodeThreadID(raw json.RawMessage) (string, error) {
	var r threadIDResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}
	if r.ThreadID != "" {
		return r.ThreadID, nil
	}
	if r.Thread != nil && r.Thread.ID != "" {
		return r.Thread.ID, nil
	}
	return "", nil
}

func decodeTurnID(raw json.RawMessage) (string, error) {
	var r turnIDResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}
	return r.TurnID, nil
}
