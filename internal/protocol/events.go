// Package protocol defines the event types and envelope format carried over
// the console's persistent WebSocket connections. All frames are serialized
// as JSON and follow a consistent envelope format with a type discriminator
// and an opaque payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Server -> Client event types pushed over the general events connection.
const (
	TypeLog            = "log"
	TypeBotStatus      = "bot_status"
	TypeDashboardStats = "dashboard_stats"
	TypeCommandLog     = "command_log"
	TypeRoleUpdate     = "role_update"
)

// Server -> Client event types pushed over the chat connection.
const (
	TypeAdminReply     = "admin_reply"
	TypeNewChatMessage = "new_chat_message"
	TypeNewChatSession = "new_chat_session"
)

// Client-local topics published by the connection manager. These never
// appear on the wire.
const (
	TopicConnect    = "connect"
	TopicDisconnect = "disconnect"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the wire unit for every pushed event: a type discriminator and
// an opaque payload decoded later by the interested subscriber.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes raw frame bytes into an Envelope. An envelope with a
// missing or empty type field is rejected so that callers can drop the frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return &env, nil
}

// NewEnvelope builds the JSON bytes for an envelope of the given type
// wrapping the given payload.
func NewEnvelope(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", eventType, err)
	}
	out, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Chat payloads
// ---------------------------------------------------------------------------

// Message kinds. A message originates either from the end user or from the
// admin/moderator side.
const (
	KindUser  = "user"
	KindAdmin = "admin"
)

// Target audiences for a chat session.
const (
	TargetAdmin     = "admin"
	TargetModerator = "moderator"
)

// Sender identifies who wrote a chat message.
type Sender struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	FullName string `json:"fullName,omitempty"`
	Role     string `json:"role"`
}

// ChatMessage is a single immutable message within a chat session. Ordering
// within a session is insertion order, not the Timestamp field.
type ChatMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Sender    Sender `json:"sender"`
	Timestamp string `json:"timestamp"` // RFC 3339; informational only
	Kind      string `json:"type"`      // KindUser or KindAdmin
}

// SessionSummary describes an open chat session as listed to admins and
// moderators.
type SessionSummary struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	FullName     string `json:"fullName,omitempty"`
	UserRole     string `json:"userRole"`
	TargetType   string `json:"targetType"`
	CreatedAt    string `json:"createdAt"`
	LastActivity string `json:"lastActivity"`
}

// AdminReplyEvent is the payload of an admin_reply push: a staff message for
// one specific session. Clients must discard it when the session id does not
// match their active session.
type AdminReplyEvent struct {
	SessionID string      `json:"sessionId"`
	Message   ChatMessage `json:"message"`
}

// NewChatMessageEvent is the payload of a new_chat_message push delivered to
// the admin side whenever a user sends a message.
type NewChatMessageEvent struct {
	Message ChatMessage `json:"message"`
}

// NewChatSessionEvent is the payload of a new_chat_session push, prompting
// admin clients to refresh their session list.
type NewChatSessionEvent struct {
	Session SessionSummary `json:"session"`
}

// ---------------------------------------------------------------------------
// Console event payloads
// ---------------------------------------------------------------------------

// LogEvent is a live log line streamed to the console.
type LogEvent struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// RoleUpdateEvent notifies a user that their role changed.
type RoleUpdateEvent struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	OldRole  string `json:"old_role"`
	NewRole  string `json:"new_role"`
	RoleName string `json:"role_name"`
	Message  string `json:"message"`
}
