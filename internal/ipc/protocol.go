// Package ipc provides the local control channel between the phoneguard
// daemon and its clients (phoneguardctl, companion apps).
//
// The protocol is designed for:
// - Request/response pattern for session commands
// - Event streaming for session and violation updates
// - A fixed binary header with JSON payloads
// - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"phoneguard/internal/monitor"
	"phoneguard/internal/violation"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x50475244 // "PGRD"
)

// MaxPayload bounds a single message body.
const MaxPayload = 1 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgAuthenticate MessageType = 0x0007
	MsgAuthResponse MessageType = 0x0008

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Session management (0x02xx)
	MsgStartSession      MessageType = 0x0200
	MsgStartSessionResp  MessageType = 0x0201
	MsgStopSession       MessageType = 0x0202
	MsgStopSessionResp   MessageType = 0x0203
	MsgGetViolations     MessageType = 0x0204
	MsgGetViolationsResp MessageType = 0x0205

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake_ack"
	case MsgError:
		return "error"
	case MsgAuthenticate:
		return "authenticate"
	case MsgAuthResponse:
		return "auth_response"
	case MsgStatusRequest:
		return "status"
	case MsgStatusResponse:
		return "status_response"
	case MsgStartSession:
		return "start_session"
	case MsgStartSessionResp:
		return "start_session_response"
	case MsgStopSession:
		return "stop_session"
	case MsgStopSessionResp:
		return "stop_session_response"
	case MsgGetViolations:
		return "violations"
	case MsgGetViolationsResp:
		return "violations_response"
	case MsgSubscribe:
		return "subscribe"
	case MsgSubscribeResp:
		return "subscribe_response"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgUnsubscribeResp:
		return "unsubscribe_response"
	case MsgEvent:
		return "event"
	default:
		return fmt.Sprintf("0x%04x", uint16(t))
	}
}

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	// PermReadOnly may query status and violations and subscribe.
	PermReadOnly PermissionLevel = 0x01
	// PermControl may also start and stop sessions.
	PermControl PermissionLevel = 0x02
)

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message as a single buffer so concurrent writers on
// the same connection never interleave.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	buf = binary.BigEndian.AppendUint32(buf, m.Header.Magic)
	buf = append(buf, m.Header.Version, m.Header.Flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Header.Type))
	buf = binary.BigEndian.AppendUint32(buf, m.Header.RequestID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	ClientID        string          `json:"client_id"`
	Permission      PermissionLevel `json:"permission"`
}

// AuthRequest is sent to authenticate a client
type AuthRequest struct {
	Method string `json:"method"` // "peercred" or "none"
	PID    int    `json:"pid,omitempty"`
}

// AuthResponse acknowledges authentication
type AuthResponse struct {
	Success    bool            `json:"success"`
	Permission PermissionLevel `json:"permission"`
	Error      string          `json:"error,omitempty"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrNoActiveSession  = 9
)

// StatusResponse contains daemon status
type StatusResponse struct {
	Version   string         `json:"version"`
	StartedAt time.Time      `json:"started_at"`
	Uptime    string         `json:"uptime"`
	Clients   int            `json:"clients"`
	Monitor   monitor.Status `json:"monitor"`
}

// StartSessionRequest starts (or replaces) the monitoring session.
type StartSessionRequest struct {
	SessionID string `json:"session_id"`
}

// StartSessionResponse acknowledges session start. Replaced names the
// session that was active before, if any.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Replaced  string `json:"replaced,omitempty"`
}

// StopSessionResponse returns the drained violation log.
type StopSessionResponse struct {
	SessionID  string            `json:"session_id,omitempty"`
	Violations []violation.Event `json:"violations"`
}

// ViolationsResponse is a copy of the current violation log.
type ViolationsResponse struct {
	SessionID  string            `json:"session_id,omitempty"`
	Violations []violation.Event `json:"violations"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []monitor.EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event struct {
	Type       monitor.EventType `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	SessionID  string            `json:"session_id,omitempty"`
	Violation  *violation.Event  `json:"violation,omitempty"`
	Violations int               `json:"violations"`
}

// EventFromMonitor converts a monitor notification into a wire event.
func EventFromMonitor(e monitor.Event) *Event {
	return &Event{
		Type:       e.Type,
		Timestamp:  e.At,
		SessionID:  e.SessionID,
		Violation:  e.Violation,
		Violations: e.Violations,
	}
}

// Encode encodes a payload to JSON bytes. A nil payload encodes to nothing.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload. An empty payload leaves v as is.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

// RemoteError is an ErrorResponse surfaced to client callers.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}
