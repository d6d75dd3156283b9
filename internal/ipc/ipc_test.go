package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoneguard/internal/capture"
	"phoneguard/internal/clock"
	"phoneguard/internal/monitor"
	"phoneguard/internal/violation"
)

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&StartSessionRequest{SessionID: "trip-7"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgStartSession, 42, payload).Write(&buf))
	assert.Equal(t, HeaderSize+len(payload), buf.Len())

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgStartSession, msg.Header.Type)
	assert.Equal(t, uint32(42), msg.Header.RequestID)
	assert.Equal(t, FlagJSON, msg.Header.Flags)

	var req StartSessionRequest
	require.NoError(t, Decode(msg.Payload, &req))
	assert.Equal(t, "trip-7", req.SessionID)
}

func TestReadMessageRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgPing, 1, nil)
	msg.Header.Magic = 0xdeadbeef
	require.NoError(t, msg.Header.Write(&buf))

	_, err := ReadMessage(&buf)
	assert.ErrorContains(t, err, "invalid magic")
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], ProtocolMagic)
	hdr[4] = ProtocolVersion
	binary.BigEndian.PutUint16(hdr[6:8], uint16(MsgEvent))
	binary.BigEndian.PutUint32(hdr[12:16], MaxPayload+1)

	_, err := ReadMessage(bytes.NewReader(hdr[:]))
	assert.ErrorContains(t, err, "payload too large")
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "start_session", MsgStartSession.String())
	assert.Equal(t, "0x7777", MessageType(0x7777).String())
}

// =============================================================================
// Server and client
// =============================================================================

var epoch = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type harness struct {
	clk    *clock.Fake
	mon    *monitor.Monitor
	server *Server
	path   string
}

func newHarness(t *testing.T, mutate func(*ServerConfig)) *harness {
	t.Helper()

	// unix socket paths are short; t.TempDir can exceed the limit on macOS
	dir, err := os.MkdirTemp("", "pg")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	h := &harness{clk: clock.NewFake(epoch), path: filepath.Join(dir, "d.sock")}
	h.mon = monitor.New(monitor.Options{Clock: h.clk})

	cfg := DefaultServerConfig(h.path)
	cfg.Version = "test"
	if mutate != nil {
		mutate(&cfg)
	}

	var srv *Server
	handler := NewSessionHandler(SessionHandlerConfig{
		Controller: h.mon,
		Version:    "test",
		Clients:    func() int { return srv.ClientCount() },
	})
	srv, err = NewServer(cfg, handler)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	unsubscribe := h.mon.Subscribe(srv.Observe)
	t.Cleanup(unsubscribe)

	h.server = srv
	return h
}

func (h *harness) dial(t *testing.T) *IPCClient {
	t.Helper()
	c := NewClient(DefaultClientConfig(h.path))
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewServerRequiresSocketPath(t *testing.T) {
	_, err := NewServer(ServerConfig{}, nil)
	assert.Error(t, err)
}

func TestHandshakeAndStatus(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	assert.Equal(t, "test", c.ServerVersion())
	assert.NotEmpty(t, c.ClientID())
	assert.Equal(t, PermControl, c.Permission())
	require.NoError(t, c.Ping())

	status, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 1, status.Clients)
	assert.False(t, status.Monitor.IsActive)
	assert.Nil(t, status.Monitor.SessionID)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	started, err := c.StartSession("trip-1")
	require.NoError(t, err)
	assert.Equal(t, "trip-1", started.SessionID)
	assert.Empty(t, started.Replaced)

	h.mon.HandleSignal(capture.Signal{Kind: capture.KindTextInput, Source: "test"})

	got, err := c.Violations()
	require.NoError(t, err)
	assert.Equal(t, "trip-1", got.SessionID)
	require.Len(t, got.Violations, 1)
	assert.Equal(t, violation.KindTextInput, got.Violations[0].Kind)

	replaced, err := c.StartSession("trip-2")
	require.NoError(t, err)
	assert.Equal(t, "trip-1", replaced.Replaced)

	h.mon.HandleSignal(capture.Signal{Kind: capture.KindTextInput, Source: "test"})

	stopped, err := c.StopSession()
	require.NoError(t, err)
	assert.Equal(t, "trip-2", stopped.SessionID)
	assert.Len(t, stopped.Violations, 1)

	status, err := c.Status()
	require.NoError(t, err)
	assert.False(t, status.Monitor.IsActive)
	assert.Zero(t, status.Monitor.ViolationsCount)
}

func TestStartSessionValidation(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	_, err := c.StartSession("  ")
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, ErrInvalidRequest, remote.Code)
	assert.False(t, h.mon.Status().IsActive)
}

func TestStopWithoutSession(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	_, err := c.StopSession()
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, ErrNoActiveSession, remote.Code)
}

// stopRacer ends the session from "another client" just before its own stop
// runs.
type stopRacer struct {
	*monitor.Monitor
}

func (r stopRacer) StopSession() (string, []violation.Event, bool) {
	r.Monitor.Stop()
	return r.Monitor.StopSession()
}

func TestStopLosingRaceReportsNoSession(t *testing.T) {
	mon := monitor.New(monitor.Options{})
	mon.Start("trip-1")
	mon.HandleSignal(capture.Signal{Kind: capture.KindTextInput, Source: "test"})

	handler := NewSessionHandler(SessionHandlerConfig{Controller: stopRacer{mon}, Version: "test"})
	resp, err := handler.HandleMessage(context.Background(), &Client{}, NewMessage(MsgStopSession, 7, nil))
	require.NoError(t, err)
	require.Equal(t, MsgError, resp.Header.Type)

	var body ErrorResponse
	require.NoError(t, Decode(resp.Payload, &body))
	assert.Equal(t, ErrNoActiveSession, body.Code)
}

func TestStopReplyMatchesStoppedSession(t *testing.T) {
	mon := monitor.New(monitor.Options{})
	mon.Start("trip-1")
	mon.HandleSignal(capture.Signal{Kind: capture.KindTextInput, Source: "test"})

	handler := NewSessionHandler(SessionHandlerConfig{Controller: mon, Version: "test"})
	resp, err := handler.HandleMessage(context.Background(), &Client{}, NewMessage(MsgStopSession, 8, nil))
	require.NoError(t, err)
	require.Equal(t, MsgStopSessionResp, resp.Header.Type)

	var body StopSessionResponse
	require.NoError(t, Decode(resp.Payload, &body))
	assert.Equal(t, "trip-1", body.SessionID)
	require.Len(t, body.Violations, 1)
	assert.Equal(t, violation.KindTextInput, body.Violations[0].Kind)
}

func TestReadOnlyClientCannotControl(t *testing.T) {
	h := newHarness(t, nil)

	// Skip authentication by speaking the protocol directly.
	c := NewClient(DefaultClientConfig(h.path))
	require.True(t, c.dialed.CompareAndSwap(false, true))
	conn, err := net.Dial("unix", h.path)
	require.NoError(t, err)
	c.conn = conn
	c.connected.Store(true)
	c.wg.Add(1)
	go c.readLoop(conn)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.handshake())
	assert.Equal(t, PermReadOnly, c.Permission())

	_, err = c.StartSession("trip-1")
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, ErrPermissionDenied, remote.Code)

	_, err = c.Status()
	assert.NoError(t, err)
}

func TestEventStreaming(t *testing.T) {
	h := newHarness(t, nil)
	watcher := h.dial(t)
	require.NoError(t, watcher.Subscribe())

	ctl := h.dial(t)
	_, err := ctl.StartSession("trip-9")
	require.NoError(t, err)
	h.mon.HandleSignal(capture.Signal{Kind: capture.KindTextInput, Source: "test"})
	_, err = ctl.StopSession()
	require.NoError(t, err)

	var got []monitor.EventType
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-watcher.Events():
			require.NotNil(t, ev)
			assert.Equal(t, "trip-9", ev.SessionID)
			if ev.Type == monitor.EventViolationRecorded {
				require.NotNil(t, ev.Violation)
				assert.Equal(t, violation.KindTextInput, ev.Violation.Kind)
			}
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("received %v before timeout", got)
		}
	}
	assert.Equal(t, []monitor.EventType{
		monitor.EventSessionStarted,
		monitor.EventViolationRecorded,
		monitor.EventSessionStopped,
	}, got)
}

func TestSubscribeFiltersEventTypes(t *testing.T) {
	h := newHarness(t, nil)
	watcher := h.dial(t)
	require.NoError(t, watcher.Subscribe(monitor.EventSessionStopped))

	h.mon.Start("trip-3")
	h.mon.Stop()

	select {
	case ev := <-watcher.Events():
		assert.Equal(t, monitor.EventSessionStopped, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
}

func TestMaxConnections(t *testing.T) {
	h := newHarness(t, func(cfg *ServerConfig) { cfg.MaxConnections = 1 })
	h.dial(t)

	c := NewClient(DefaultClientConfig(h.path))
	defer c.Close()
	assert.Error(t, c.Connect())
}

func TestClientDaemonNotRunning(t *testing.T) {
	c := NewClient(DefaultClientConfig(filepath.Join(t.TempDir(), "none.sock")))
	defer c.Close()
	assert.ErrorIs(t, c.Connect(), ErrDaemonNotRunning)
}

func TestRequestAfterCloseFails(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Ping(), ErrNotConnected)
}

func TestServerStopRemovesSocket(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.server.Stop())
	_, err := os.Stat(h.path)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, IsSocketListening(h.path))
}

func TestCleanupSocketRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	assert.Error(t, CleanupSocket(path))
	assert.NoError(t, CleanupSocket(filepath.Join(t.TempDir(), "missing")))
}
