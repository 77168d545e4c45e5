package control

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSocket(t *testing.T) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewServer(socketPath)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	// Wait for socket to be ready
	time.Sleep(10 * time.Millisecond)
	return server, NewClient(socketPath)
}

func TestServer_StartStop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewServer(socketPath)

	require.NoError(t, server.Start())

	_, err := os.Stat(socketPath)
	require.NoError(t, err)

	require.NoError(t, server.Stop())

	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestClient_Status(t *testing.T) {
	server, client := startSocket(t)
	server.Handle(CmdStatus, func(json.RawMessage) (any, error) {
		return StatusResponse{
			ChannelState:  StateConnected.String(),
			ActiveDomains: []string{"a.example.com"},
		}, nil
	})

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, "connected", status.ChannelState)
	assert.Equal(t, []string{"a.example.com"}, status.ActiveDomains)
}

func TestClient_SyncCommands(t *testing.T) {
	server, client := startSocket(t)

	var runs, refreshes atomic.Int32
	server.Handle(CmdSyncRun, func(json.RawMessage) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	server.Handle(CmdCertsRefresh, func(json.RawMessage) (any, error) {
		refreshes.Add(1)
		return nil, nil
	})

	require.NoError(t, client.SyncRun())
	require.NoError(t, client.RefreshCertificates())
	require.NoError(t, client.SyncRun())

	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestClient_HandlerError(t *testing.T) {
	server, client := startSocket(t)
	server.Handle(CmdSyncRun, func(json.RawMessage) (any, error) {
		return nil, errors.New("synchronizer stopped")
	})

	err := client.SyncRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synchronizer stopped")
}

func TestClient_UnknownCommand(t *testing.T) {
	_, client := startSocket(t)

	resp, err := client.Send(Request{Command: "unknown"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestClient_NoServer(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := client.Status()
	assert.Error(t, err)
}
