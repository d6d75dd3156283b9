package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"phoneguard/internal/monitor"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient is the client for communicating with the phoneguard daemon
type IPCClient struct {
	config ClientConfig

	mu         sync.RWMutex
	conn       net.Conn
	clientID   string
	version    string
	permission PermissionLevel

	writeMu   sync.Mutex
	connected atomic.Bool
	dialed    atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	eventChan chan *Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// KeepAlive is how long the read loop waits before pinging an idle
	// connection.
	KeepAlive time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "phoneguardctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		KeepAlive:      60 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IPCClient{
		config:    cfg,
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect dials the daemon, performs the handshake and authenticates with
// peer credentials. A client connects at most once.
func (c *IPCClient) Connect() error {
	if c.connected.Load() {
		return nil
	}
	if !c.dialed.CompareAndSwap(false, true) {
		return errors.New("ipc: client cannot reconnect, create a new one")
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.authenticate(); err != nil {
		c.close()
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()
	c.wg.Wait()
	return nil
}

// close drops the connection and fails every pending request.
func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the id the server assigned during the handshake.
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Permission returns the permission granted by the daemon.
func (c *IPCClient) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// Events returns streamed events. The channel is closed when the
// connection ends. Events are dropped while it is full.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake() error {
	var ack HandshakeResponse
	err := c.call(MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &ack)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()
	return nil
}

func (c *IPCClient) authenticate() error {
	var resp AuthResponse
	err := c.call(MsgAuthenticate, &AuthRequest{
		Method: "peercred",
		PID:    os.Getpid(),
	}, MsgAuthResponse, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("authentication failed: %s", resp.Error)
	}

	c.mu.Lock()
	c.permission = resp.Permission
	c.mu.Unlock()
	return nil
}

// call sends a request, checks the response type and decodes the payload
// into out. Error responses surface as *RemoteError.
func (c *IPCClient) call(msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(msgType, payload)
	if err != nil {
		return err
	}
	switch resp.Header.Type {
	case want:
		if out == nil {
			return nil
		}
		return Decode(resp.Payload, out)
	case MsgError:
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: errResp.Code, Message: errResp.Message}
	default:
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
}

// request sends a request and waits for a response
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	return c.requestWithTimeout(msgType, payload, c.config.RequestTimeout)
}

// requestWithTimeout sends a request with a custom timeout
func (c *IPCClient) requestWithTimeout(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(NewMessage(msgType, reqID, data)); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

// readLoop is the only sender on eventChan and closes it on exit.
func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.eventChan)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.KeepAlive))
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if err := c.write(NewMessage(MsgPing, c.nextReqID.Add(1), nil)); err == nil {
					continue
				}
			}
			c.close()
			return
		}
		c.handleMessage(msg)
	}
}

func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		_ = c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.eventChan <- &event:
		default:
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping() error {
	resp, err := c.requestWithTimeout(MsgPing, nil, 5*time.Second)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
	return nil
}

// Status requests the daemon status
func (c *IPCClient) Status() (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(MsgStatusRequest, nil, MsgStatusResponse, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StartSession starts monitoring under sessionID, replacing any active
// session.
func (c *IPCClient) StartSession(sessionID string) (*StartSessionResponse, error) {
	var result StartSessionResponse
	err := c.call(MsgStartSession, &StartSessionRequest{SessionID: sessionID}, MsgStartSessionResp, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// StopSession stops monitoring and returns the session's violations.
func (c *IPCClient) StopSession() (*StopSessionResponse, error) {
	var result StopSessionResponse
	if err := c.call(MsgStopSession, nil, MsgStopSessionResp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Violations returns a copy of the active session's violations.
func (c *IPCClient) Violations() (*ViolationsResponse, error) {
	var result ViolationsResponse
	if err := c.call(MsgGetViolations, nil, MsgGetViolationsResp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Subscribe subscribes to events. No event types means all of them.
func (c *IPCClient) Subscribe(events ...monitor.EventType) error {
	var result SubscribeResponse
	if err := c.call(MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &result); err != nil {
		return err
	}
	if !result.Success {
		return errors.New("subscription failed")
	}
	return nil
}

// Unsubscribe unsubscribes from events
func (c *IPCClient) Unsubscribe() error {
	return c.call(MsgUnsubscribe, nil, MsgUnsubscribeResp, nil)
}
