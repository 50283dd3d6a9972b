package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/formchat/internal/model"
)

const (
	// StreamName is the name of the session journal stream.
	StreamName = "FORMCHAT_SESSIONS"

	// SubjectPrefix is the prefix for all journal subjects.
	SubjectPrefix = "formchat"
)

// Publisher is the part of JetStream the journal writes through.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Journal appends session messages and events to JetStream.
type Journal struct {
	js Publisher
}

// NewJournal creates a journal writing through js.
func NewJournal(js Publisher) *Journal {
	return &Journal{js: js}
}

// EnsureStream creates the journal stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Conversational form transcripts and turn events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// MessageSubject returns the subject for a transcript message.
func MessageSubject(agentSlug, sessionID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, token(agentSlug), sessionID, role)
}

// EventSubject returns the subject for a session event.
func EventSubject(agentSlug, sessionID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, token(agentSlug), sessionID, eventType)
}

// SessionFilter returns the filter subject for everything in a session.
func SessionFilter(agentSlug, sessionID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(agentSlug), sessionID)
}

// token makes s safe to use as one subject token.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// PublishMessage appends a transcript message. It returns the stream sequence.
func (j *Journal) PublishMessage(ctx context.Context, agentSlug string, msg *model.ChatMessage) (uint64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := j.js.Publish(ctx, MessageSubject(agentSlug, msg.SessionID, msg.Role), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}

	return ack.Sequence, nil
}

// PublishEvent appends a session event. It returns the stream sequence.
func (j *Journal) PublishEvent(ctx context.Context, event *model.SessionEvent) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := j.js.Publish(ctx, EventSubject(event.AgentSlug, event.SessionID, event.Type), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	return ack.Sequence, nil
}
