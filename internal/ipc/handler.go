package ipc

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"phoneguard/internal/monitor"
	"phoneguard/internal/violation"
)

// Controller is the part of the monitor the IPC surface drives. Each method
// reads and changes session state in one step, so concurrent clients get
// replies that match what their own request did.
type Controller interface {
	StartSession(sessionID string) (replaced string)
	StopSession() (sessionID string, violations []violation.Event, ok bool)
	SessionViolations() (sessionID string, violations []violation.Event)
	Status() monitor.Status
}

// SessionHandler implements Handler on top of a Controller.
type SessionHandler struct {
	controller Controller
	version    string
	startedAt  time.Time
	clients    func() int
	logger     *slog.Logger
}

// SessionHandlerConfig configures the session handler
type SessionHandlerConfig struct {
	Controller Controller
	Version    string
	// Clients reports the number of connected IPC clients for status
	// responses. It may be nil.
	Clients func() int
	Logger  *slog.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(cfg SessionHandlerConfig) *SessionHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SessionHandler{
		controller: cfg.Controller,
		version:    cfg.Version,
		startedAt:  time.Now(),
		clients:    cfg.Clients,
		logger:     logger,
	}
}

// HandleMessage processes an IPC message
func (h *SessionHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgStartSession:
		return h.handleStartSession(client, msg)
	case MsgStopSession:
		return h.handleStopSession(client, msg)
	case MsgGetViolations:
		return h.handleGetViolations(msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			"unknown message type "+msg.Header.Type.String()), nil
	}
}

func (h *SessionHandler) handleStatus(msg *Message) (*Message, error) {
	clients := 0
	if h.clients != nil {
		clients = h.clients()
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, &StatusResponse{
		Version:   h.version,
		StartedAt: h.startedAt,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Clients:   clients,
		Monitor:   h.controller.Status(),
	})
}

func (h *SessionHandler) handleStartSession(client *Client, msg *Message) (*Message, error) {
	var req StartSessionRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid start request"), nil
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "session_id is required"), nil
	}

	replaced := h.controller.StartSession(req.SessionID)
	h.logger.Info("session started over ipc", "session_id", req.SessionID, "client", client.Name())

	return NewResponse(MsgStartSessionResp, msg.Header.RequestID, &StartSessionResponse{
		SessionID: req.SessionID,
		Replaced:  replaced,
	})
}

func (h *SessionHandler) handleStopSession(client *Client, msg *Message) (*Message, error) {
	sessionID, violations, ok := h.controller.StopSession()
	if !ok {
		return NewErrorMessage(msg.Header.RequestID, ErrNoActiveSession, "no active session"), nil
	}

	h.logger.Info("session stopped over ipc",
		"session_id", sessionID, "violations", len(violations), "client", client.Name())

	return NewResponse(MsgStopSessionResp, msg.Header.RequestID, &StopSessionResponse{
		SessionID:  sessionID,
		Violations: violations,
	})
}

func (h *SessionHandler) handleGetViolations(msg *Message) (*Message, error) {
	sessionID, violations := h.controller.SessionViolations()
	return NewResponse(MsgGetViolationsResp, msg.Header.RequestID, &ViolationsResponse{
		SessionID:  sessionID,
		Violations: violations,
	})
}
