package conversation

import (
	"github.com/capitalize-ai/formchat/internal/model"
)

// Phase is the controller's lifecycle state.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseActive        Phase = "active"
	PhaseCompleted     Phase = "completed"
)

// View is the read-only projection handed to UI collaborators. While a turn
// is in flight the transcript ends with the draft assistant message.
type View struct {
	AgentSlug    string
	SessionID    string
	Phase        Phase
	Transcript   []model.ChatMessage
	State        model.ConversationState
	TurnInFlight bool
}

// Last returns the final transcript entry, if any.
func (v View) Last() (model.ChatMessage, bool) {
	if len(v.Transcript) == 0 {
		return model.ChatMessage{}, false
	}
	return v.Transcript[len(v.Transcript)-1], true
}

// AcceptsInput reports whether a new turn may be sent right now.
func (v View) AcceptsInput() bool {
	return v.Phase == PhaseActive && !v.TurnInFlight
}
