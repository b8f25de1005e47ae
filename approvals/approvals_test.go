package approvals_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-bridge/codexrpc/approvals"
	"github.com/codex-bridge/codexrpc/internal/rpctest"
	"github.com/codex-bridge/codexrpc/rpcclient"
)

func TestDefaultDecisionIsDeny(t *testing.T) {
	a, b := rpctest.Pipe()
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())
	client := rpcclient.New(a)
	defer client.Close()

	approvals.Register(client, approvals.Config{})

	result, err := rpcclient.New(b).Request(context.Background(), "item/commandExecution/requestApproval",
		map[string]any{"command": "rm -rf /"}, time.Second)
	require.NoError(t, err)

	var decoded struct {
		Decision approvals.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, approvals.Deny, decoded.Decision)
}

func TestCustomHandlerDecidesOutcome(t *testing.T) {
	a, b := rpctest.Pipe()
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())
	client := rpcclient.New(a)
	defer client.Close()

	var seenPath string
	approvals.Register(client, approvals.Config{
		OnFileChange: func(_ context.Context, req approvals.FileChangeApprovalRequest) (approvals.Decision, error) {
			seenPath = req.Path
			return approvals.Accept, nil
		},
	})

	result, err := rpcclient.New(b).Request(context.Background(), "item/fileChange/requestApproval",
		map[string]any{"path": "/tmp/file.txt"}, time.Second)
	require.NoError(t, err)

	var decoded struct {
		Decision approvals.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, approvals.Accept, decoded.Decision)
	assert.Equal(t, "/tmp/file.txt", seenPath)
}

func TestHandlerErrorProducesErrorResponseNotCrash(t *testing.T) {
	a, b := rpctest.Pipe()
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())
	client := rpcclient.New(a)
	defer client.Close()

	approvals.Register(client, approvals.Config{
		OnCommand: func(context.Context, approvals.CommandApprovalRequest) (approvals.Decision, error) {
			return "", errors.New("boom")
		},
	})

	_, err := rpcclient.New(b).Request(context.Background(), "item/commandExecution/requestApproval",
		map[string]any{"command": "ls"}, time.Second)
	var rpcErr *rpcclient.JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcclient.InternalErrorCode, rpcErr.Code)
}
