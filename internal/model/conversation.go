// Package model defines data structures shared by the session engine, the
// agent API client and the reference agent backend.
package model

import (
	"time"

	"github.com/capitalize-ai/formchat/internal/schema"
)

// Status is the server-asserted session status.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// ConversationState is the authoritative session status. A fresher value
// always replaces the held one wholesale.
type ConversationState struct {
	Status       Status `json:"status"`
	CurrentField string `json:"current_field,omitempty"`
}

// Completed reports whether the session is terminal.
func (s ConversationState) Completed() bool {
	return s.Status == StatusCompleted
}

// StartSessionRequest is the request to start a session with an agent.
type StartSessionRequest struct {
	Password string `json:"password,omitempty"`
}

// StartSessionResponse is returned by start-session.
type StartSessionResponse struct {
	SessionID string            `json:"session_id"`
	Token     string            `json:"token"`
	State     ConversationState `json:"state"`
	Greeting  *ChatMessage      `json:"greeting,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// StartResult is what the engine receives from a successful start-session.
type StartResult struct {
	SessionID string
	Token     string
	State     ConversationState
	Seed      *ChatMessage
}

// AgentSchemaResponse describes an agent and the fields it collects.
type AgentSchemaResponse struct {
	Slug             string         `json:"slug"`
	Name             string         `json:"name"`
	RequiresPassword bool           `json:"requires_password"`
	Fields           []schema.Field `json:"fields"`
}

// APIErrorResponse is the JSON error body returned by the agent backend.
type APIErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
