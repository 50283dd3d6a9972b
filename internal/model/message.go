package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one transcript entry. Assistant content may grow while its
// turn is streaming; once the turn ends the message is frozen.
type ChatMessage struct {
	// Identity
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Seq       uint64 `json:"seq"`

	// Content
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Field attribution (which schema field this message answered or introduced)
	FieldKey   string `json:"field_key,omitempty"`
	FieldValue string `json:"field_value,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Attributed reports whether the message is tied to a schema field.
func (m ChatMessage) Attributed() bool {
	return m.FieldKey != ""
}

// TurnRequest is the payload of one send-turn call.
type TurnRequest struct {
	SessionID  string `json:"-"`
	Token      string `json:"-"`
	Content    string `json:"content"`
	FieldKey   string `json:"field_key,omitempty"`
	FieldValue string `json:"field_value,omitempty"`
}

// ContentEvent carries streamed assistant text.
type ContentEvent struct {
	Text string `json:"text"`
}

// FieldEvent carries a field capture/advance signal.
type FieldEvent struct {
	FieldKey   string `json:"field_key"`
	FieldValue string `json:"field_value,omitempty"`
}

// StatusEvent carries the authoritative session state.
type StatusEvent struct {
	Status ConversationState `json:"status"`
}

// Error codes used in API error bodies and stream error events.
const (
	CodeAuthRequired     = "auth_required"
	CodeInvalidToken     = "invalid_token"
	CodeAgentNotFound    = "agent_not_found"
	CodeSessionNotFound  = "session_not_found"
	CodeSessionCompleted = "session_completed"
	CodeTurnInFlight     = "turn_in_flight"
	CodeInvalidRequest   = "invalid_request"
	CodeStreamError      = "stream_error"
	CodeRateLimited      = "rate_limited"
)

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// DoneEvent terminates a turn stream.
type DoneEvent struct {
	MessageID string `json:"message_id,omitempty"`
}
