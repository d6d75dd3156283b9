package capture

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures a WebSocketSource.
type WebSocketConfig struct {
	// MaxFrameBytes caps a single inbound frame. Zero means 4 KiB.
	MaxFrameBytes int64

	// AuthToken, when set, must be presented as a bearer token or as the
	// token query parameter.
	AuthToken string

	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// Frame is one inbound message from a phone client.
type Frame struct {
	Kind string `json:"kind"`
}

// frameError is written back when a frame cannot be used.
type frameError struct {
	Error string `json:"error"`
}

// WebSocketSource accepts signal frames from phone clients over WebSocket.
// It is both a Source and the http.Handler mounted on the daemon's router.
// Connections are refused until Run has been called.
type WebSocketSource struct {
	cfg      WebSocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  map[string]bool

	mu    sync.RWMutex
	sink  Sink
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// NewWebSocketSource returns an idle source.
func NewWebSocketSource(cfg WebSocketConfig, logger *slog.Logger) *WebSocketSource {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4096
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &WebSocketSource{
		cfg:     cfg,
		logger:  logger,
		origins: make(map[string]bool),
		conns:   make(map[*websocket.Conn]struct{}),
	}
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			s.origins[o] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *WebSocketSource) Name() string { return "websocket" }

// Run accepts connections until ctx is done, then closes every open
// connection.
func (s *WebSocketSource) Run(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.sink = nil
	for c := range s.conns {
		goingAway(c)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return ctx.Err()
}

// Connections returns the number of open client connections.
func (s *WebSocketSource) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *WebSocketSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	if s.sink == nil {
		s.mu.Unlock()
		http.Error(w, "signal capture not running", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	if !s.admit(conn) {
		s.logger.Debug("signal client refused during shutdown", "remote", r.RemoteAddr)
		return
	}
	s.logger.Info("signal client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info("signal client disconnected", "remote", r.RemoteAddr)
	}()

	s.readLoop(conn)
}

// admit registers conn for shutdown. Run may have stopped between the
// availability check and the upgrade; such a conn is closed and refused.
func (s *WebSocketSource) admit(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		goingAway(conn)
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func goingAway(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func (s *WebSocketSource) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				s.logger.Debug("signal client read ended", "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.reject(conn, "malformed frame")
			continue
		}
		kind, err := ParseKind(f.Kind)
		if err != nil {
			s.reject(conn, err.Error())
			continue
		}

		s.mu.RLock()
		sink := s.sink
		s.mu.RUnlock()
		if sink == nil {
			return
		}
		sink.HandleSignal(Signal{Kind: kind, Source: s.Name()})
	}
}

func (s *WebSocketSource) reject(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteJSON(frameError{Error: msg}); err != nil {
		s.logger.Debug("write frame error", "error", err)
	}
}

func (s *WebSocketSource) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.cfg.AuthToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken
}

func (s *WebSocketSource) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 {
		return true
	}
	return s.origins[origin]
}
