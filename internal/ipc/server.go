package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"phoneguard/internal/monitor"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *slog.Logger

	mu          sync.RWMutex
	listener    net.Listener
	clients     map[string]*Client
	subscribers map[string]map[monitor.EventType]bool
	startedAt   time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	eventChan     chan *Event
	dropped       atomic.Uint64
}

// Client represents a connected client
type Client struct {
	ID          string
	ConnectedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	permission    PermissionLevel
	authenticated bool
	name          string
	version       string
	lastActivity  time.Time
}

// Permission returns the client's current permission level.
func (c *Client) Permission() PermissionLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

// Name returns the name the client announced in its handshake.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	Mode           os.FileMode
	MaxConnections int
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration

	// RequireSameUser rejects authentication from peers running as a
	// different uid. Where peer credentials cannot be read the socket mode
	// is the only guard.
	RequireSameUser bool

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:      socketPath,
		Version:         "1.0.0",
		Mode:            0o600,
		MaxConnections:  10,
		IdleTimeout:     5 * time.Minute,
		WriteTimeout:    10 * time.Second,
		RequireSameUser: true,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	if cfg.Mode == 0 {
		cfg.Mode = 0o600
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]map[monitor.EventType]bool),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, 128),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket %s is already in use", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, s.cfg.Mode); err != nil {
		_ = listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	_ = s.listener.Close()

	s.mu.Lock()
	for _, client := range s.clients {
		_ = client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc server stop timed out")
	}

	_ = os.Remove(s.cfg.SocketPath)
	s.logger.Info("ipc server stopped")
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when the server began listening.
func (s *Server) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// DroppedEvents returns how many events were discarded because the
// broadcast queue was full.
func (s *Server) DroppedEvents() uint64 {
	return s.dropped.Load()
}

// Broadcast queues an event for every subscribed client. It never blocks.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.dropped.Add(1)
	}
}

// Observe forwards monitor notifications to subscribers. It has the
// signature of monitor.Observer.
func (s *Server) Observe(e monitor.Event) {
	s.Broadcast(EventFromMonitor(e))
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("ipc accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn("ipc connection refused: limit reached", "max", s.cfg.MaxConnections)
			_ = conn.Close()
			continue
		}
		now := time.Now()
		client := &Client{
			ID:           uuid.NewString(),
			ConnectedAt:  now,
			conn:         conn,
			permission:   PermReadOnly,
			lastActivity: now,
		}
		s.clients[client.ID] = client
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		_ = client.conn.Close()
		s.logger.Debug("ipc client disconnected", "client_id", client.ID)
	}()

	s.logger.Debug("ipc client connected", "client_id", client.ID)
	for {
		if s.ctx.Err() != nil {
			return
		}

		_ = client.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := ReadMessage(client.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Debug("ipc client idle, closing", "client_id", client.ID)
				return
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("ipc read failed", "client_id", client.ID, "error", err)
			}
			return
		}

		client.mu.Lock()
		client.lastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

// requiresControl lists the messages a read-only client may not send.
func requiresControl(t MessageType) bool {
	return t == MsgStartSession || t == MsgStopSession
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handleHandshake(client, msg)
	case MsgAuthenticate:
		return s.handleAuthenticate(client, msg)
	case MsgSubscribe:
		return s.handleSubscribe(client, msg)
	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)
	}

	if requiresControl(msg.Header.Type) && client.Permission() < PermControl {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "not authenticated"), nil
	}
	if s.handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
	return s.handler.HandleMessage(s.ctx, client, msg)
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.version = req.ClientVersion
	client.name = req.ClientName
	perm := client.permission
	client.mu.Unlock()

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
		Permission:      perm,
	})
}

func (s *Server) handleAuthenticate(client *Client, msg *Message) (*Message, error) {
	var req AuthRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid auth request"), nil
	}

	if err := s.verifyPeer(client.conn); err != nil {
		s.logger.Warn("ipc authentication rejected", "client_id", client.ID, "error", err)
		return NewResponse(MsgAuthResponse, msg.Header.RequestID, &AuthResponse{
			Success:    false,
			Permission: client.Permission(),
			Error:      err.Error(),
		})
	}

	client.mu.Lock()
	client.authenticated = true
	client.permission = PermControl
	client.mu.Unlock()

	return NewResponse(MsgAuthResponse, msg.Header.RequestID, &AuthResponse{
		Success:    true,
		Permission: PermControl,
	})
}

func (s *Server) verifyPeer(conn net.Conn) error {
	if !s.cfg.RequireSameUser {
		return nil
	}
	cred, err := GetPeerCredentials(conn)
	if errors.Is(err, ErrPeerCredUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read peer credentials: %w", err)
	}
	if cred.UID != os.Getuid() {
		return fmt.Errorf("peer uid %d is not allowed", cred.UID)
	}
	return nil
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	events := make(map[monitor.EventType]bool)
	if len(req.Events) == 0 {
		events[monitor.EventSessionStarted] = true
		events[monitor.EventSessionStopped] = true
		events[monitor.EventViolationRecorded] = true
	}
	for _, et := range req.Events {
		events[et] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = events
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, client.ID)
	s.mu.Unlock()

	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

// eventBroadcaster delivers queued events in order. A subscriber whose
// write fails is disconnected.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.eventChan:
			payload, err := Encode(event)
			if err != nil {
				s.logger.Error("ipc event encode failed", "error", err)
				continue
			}

			var targets []*Client
			s.mu.RLock()
			for clientID, events := range s.subscribers {
				if !events[event.Type] {
					continue
				}
				if client, ok := s.clients[clientID]; ok {
					targets = append(targets, client)
				}
			}
			s.mu.RUnlock()

			for _, client := range targets {
				msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
				if err := s.sendMessage(client, msg); err != nil {
					s.logger.Debug("ipc event delivery failed", "client_id", client.ID, "error", err)
					_ = client.conn.Close()
				}
			}
		}
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	_ = client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

// CleanupSocket removes a stale socket file. It refuses to remove anything
// that is not a socket.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening reports whether something accepts connections on path.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
