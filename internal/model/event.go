package model

import (
	"time"
)

// EventType represents the type of session event.
type EventType string

const (
	EventTypeTurnFailed EventType = "turn_failed"
	EventTypeCompleted  EventType = "completed"
)

// SessionEvent is a non-message record in a session's journal.
type SessionEvent struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	AgentSlug string            `json:"agent_slug"`
	Type      EventType         `json:"type"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Sequence  uint64            `json:"sequence,omitempty"`
}
