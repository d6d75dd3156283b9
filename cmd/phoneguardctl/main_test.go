package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoneguard/internal/capture"
	"phoneguard/internal/ipc"
	"phoneguard/internal/monitor"
)

func startDaemon(t *testing.T) *monitor.Monitor {
	t.Helper()

	dir, err := os.MkdirTemp("", "pgctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "d.sock")

	mon := monitor.New(monitor.Options{})
	cfg := ipc.DefaultServerConfig(path)
	cfg.Version = "test"
	srv, err := ipc.NewServer(cfg, ipc.NewSessionHandler(ipc.SessionHandlerConfig{
		Controller: mon,
		Version:    "test",
	}))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	old := *socketPath
	*socketPath = path
	t.Cleanup(func() { *socketPath = old })
	return mon
}

func TestStartStopCommands(t *testing.T) {
	mon := startDaemon(t)

	var out bytes.Buffer
	require.NoError(t, run("start", []string{"trip-5"}, &out))
	assert.Contains(t, out.String(), "Monitoring session trip-5")
	assert.Equal(t, "trip-5", mon.Status().CurrentSessionID())

	mon.HandleSignal(capture.Signal{Kind: capture.KindTextInput, Source: "test"})

	out.Reset()
	require.NoError(t, run("violations", nil, &out))
	assert.Contains(t, out.String(), "Session trip-5")
	assert.Contains(t, out.String(), "text_input")

	out.Reset()
	require.NoError(t, run("status", nil, &out))
	assert.Contains(t, out.String(), "Session      trip-5")
	assert.Contains(t, out.String(), "Violations   1")

	out.Reset()
	require.NoError(t, run("stop", nil, &out))
	assert.Contains(t, out.String(), "Stopped session trip-5")
	assert.Contains(t, out.String(), "text_input")
	assert.False(t, mon.Status().IsActive)
}

func TestStartRequiresSessionID(t *testing.T) {
	startDaemon(t)
	assert.Error(t, run("start", nil, &bytes.Buffer{}))
}

func TestStopWithoutSessionFails(t *testing.T) {
	startDaemon(t)
	err := run("stop", nil, &bytes.Buffer{})
	assert.ErrorContains(t, err, "no active session")
}

func TestPing(t *testing.T) {
	startDaemon(t)
	var out bytes.Buffer
	require.NoError(t, run("ping", nil, &out))
	assert.Contains(t, out.String(), "phoneguardd test responded")
}

func TestUnknownCommand(t *testing.T) {
	assert.ErrorContains(t, run("frobnicate", nil, &bytes.Buffer{}), "unknown command")
}

func TestDaemonNotRunning(t *testing.T) {
	old := *socketPath
	*socketPath = filepath.Join(t.TempDir(), "missing.sock")
	defer func() { *socketPath = old }()

	assert.ErrorIs(t, run("status", nil, &bytes.Buffer{}), ipc.ErrDaemonNotRunning)
}
