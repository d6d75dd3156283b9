package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoneguard/internal/capture"
	"phoneguard/internal/clock"
	"phoneguard/internal/config"
	"phoneguard/internal/ipc"
	"phoneguard/internal/logging"
	"phoneguard/internal/monitor"
)

var epoch = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Listen = "127.0.0.1:0"
	cfg.IPC.Enabled = false
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, Options{Version: "test", Clock: clock.NewFake(epoch)})
	require.NoError(t, err)
	return d
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusAndViolationsEndpoints(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	var idle monitor.Status
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/status", &idle))
	assert.False(t, idle.IsActive)
	assert.Nil(t, idle.SessionID)

	d.Monitor().Start("trip-1")
	d.Monitor().HandleSignal(capture.Signal{Kind: capture.KindTextInput, Source: "test"})

	var status monitor.Status
	getJSON(t, srv.URL+"/v1/status", &status)
	assert.True(t, status.IsActive)
	assert.Equal(t, "trip-1", status.CurrentSessionID())
	assert.Equal(t, 1, status.ViolationsCount)

	var got violationsResponse
	getJSON(t, srv.URL+"/v1/violations", &got)
	assert.Equal(t, "trip-1", got.SessionID)
	require.Len(t, got.Violations, 1)
	assert.Equal(t, "text_input", string(got.Violations[0].Kind))
}

func TestMetricsEndpoint(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	d.Monitor().Start("trip-1")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "phoneguard_sessions_started_total 1")
	assert.Contains(t, string(body), "phoneguard_active_session 1")
	assert.Contains(t, string(body), "phoneguard_websocket_connections 0")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	d := newTestDaemon(t, cfg)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthWithoutCollector(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	var body struct {
		Status     string `json:"status"`
		Components map[string]struct {
			Status string `json:"status"`
		} `json:"components"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "degraded", body.Components["collector"].Status)
	assert.Equal(t, "healthy", body.Components["capture"].Status)

	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/readyz", nil))
}

func TestApplyConfig(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))

	old := d.cfg.Clone()
	next := d.cfg.Clone()
	next.Logging.Level = "debug"
	next.Collector.Endpoint = "http://127.0.0.1:9/report"

	d.applyConfig(old, next)
	assert.Equal(t, logging.LevelDebug, d.log.Level())
	assert.Equal(t, "http://127.0.0.1:9/report", d.collector.Endpoint())
}

func TestAuditTrail(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.AuditPath = filepath.Join(t.TempDir(), "audit.jsonl")
	d := newTestDaemon(t, cfg)

	d.Monitor().Start("trip-1")
	d.Monitor().HandleSignal(capture.Signal{Kind: capture.KindTextInput, Source: "test"})
	d.Monitor().Stop()
	require.NoError(t, d.audit.Close())

	f, err := os.Open(cfg.Logging.AuditPath)
	require.NoError(t, err)
	defer f.Close()

	var types []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line struct {
			EventType string `json:"event_type"`
			SessionID string `json:"session_id"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		assert.Equal(t, "trip-1", line.SessionID)
		types = append(types, line.EventType)
	}
	assert.Equal(t, []string{"session_start", "violation", "session_end"}, types)
}

func TestRunEndToEnd(t *testing.T) {
	dir, err := os.MkdirTemp("", "pgd")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg := testConfig(t)
	cfg.IPC.Enabled = true
	cfg.IPC.SocketPath = filepath.Join(dir, "d.sock")
	d, err := New(cfg, Options{Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.health.IsReady() }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + d.Addr().String()

	client := ipc.NewClient(ipc.DefaultClientConfig(cfg.IPC.SocketPath))
	require.NoError(t, client.Connect())
	defer client.Close()

	_, err = client.StartSession("trip-42")
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + cfg.Capture.WebSocket.Path
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, conn.WriteJSON(capture.Frame{Kind: string(capture.KindTextInput)}))

	require.Eventually(t, func() bool {
		got, err := client.Violations()
		return err == nil && len(got.Violations) == 1
	}, 5*time.Second, 20*time.Millisecond)

	var status monitor.Status
	getJSON(t, base+"/v1/status", &status)
	assert.Equal(t, "trip-42", status.CurrentSessionID())

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `phoneguard_signals_received_total{source="websocket"} 1`)
	assert.Contains(t, string(body), "phoneguard_ipc_events_dropped 0")

	var health struct {
		Components map[string]struct {
			Status  string         `json:"status"`
			Details map[string]any `json:"details"`
		} `json:"components"`
	}
	getJSON(t, base+"/healthz", &health)
	ipcHealth := health.Components["ipc"]
	assert.Equal(t, "healthy", ipcHealth.Status)
	clients, _ := ipcHealth.Details["clients"].(float64)
	assert.GreaterOrEqual(t, clients, float64(1))
	assert.EqualValues(t, 0, ipcHealth.Details["dropped_events"])
	assert.NotEmpty(t, ipcHealth.Details["started_at"])

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
	}
	conn.Close()

	_, err = os.Stat(cfg.IPC.SocketPath)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, d.Monitor().Status().IsActive)
}
