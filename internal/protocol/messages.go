// Package protocol defines the WebSocket message types and structures used
// for communication between the chat client and the gateway. All messages
// are serialized as JSON and follow a consistent envelope format with a
// type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/parley/dm-app/internal/conversation"
	"github.com/parley/dm-app/internal/directory"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth        = "auth"
	TypeListUsers   = "list_users"
	TypeSelectPeer  = "select_peer"
	TypeSendMessage = "send_message"
	TypeRefresh     = "refresh"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeAuthed      = "authed"
	TypeDirectory   = "directory"
	TypeSnapshot    = "snapshot"
	TypeMessageSent = "message_sent"
	TypeNotice      = "notice"
	TypeError       = "error"
	TypePong        = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeNotAuthenticated = "not_authenticated"
	CodeInvalidMessage   = "invalid_message"
	CodeUnknownType      = "unknown_type"
)

// Synchronization modes accepted by SelectPeerMsg. Push keeps a standing
// subscription delivering a snapshot on every change; pull delivers one
// snapshot per select/refresh.
const (
	ModePush = "push"
	ModePull = "pull"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg binds the connection to a session token. It must be the first
// message on a connection; everything else is rejected until the token
// resolves.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// ListUsersMsg requests the user directory.
type ListUsersMsg struct {
	Type string `json:"type"`
}

// SelectPeerMsg opens the conversation with a peer. Mode chooses the
// synchronization variant; empty defaults to push.
type SelectPeerMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	Mode   string `json:"mode,omitempty"`
}

// SendMessageMsg sends a text message to the selected peer.
type SendMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// RefreshMsg re-queries the open conversation (pull mode).
type RefreshMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthedMsg confirms the session token resolved.
type AuthedMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// DirectoryMsg carries the ordered user roster.
type DirectoryMsg struct {
	Type  string           `json:"type"`
	Users []directory.User `json:"users"`
}

// SnapshotMsg carries one complete ordered conversation snapshot. PeerID
// identifies which conversation the snapshot belongs to, so a client can
// drop a late frame for a peer it no longer has selected.
type SnapshotMsg struct {
	Type     string                 `json:"type"`
	PeerID   string                 `json:"peer_id"`
	Messages []conversation.Message `json:"messages"`
}

// MessageSentMsg acknowledges a successful send with the stored message,
// including its server-assigned timestamp.
type MessageSentMsg struct {
	Type    string               `json:"type"`
	Message conversation.Message `json:"message"`
}

// NoticeMsg is a fire-and-forget toast for the user ("Message sent",
// "Could not fetch your chat users", ...).
type NoticeMsg struct {
	Type  string `json:"type"`
	Level string `json:"level"` // "info" or "error"
	Text  string `json:"text"`
}

// ErrorMsg communicates a protocol-level error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListUsers:
		var m ListUsersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSelectPeer:
		var m SelectPeerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRefresh:
		var m RefreshMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
