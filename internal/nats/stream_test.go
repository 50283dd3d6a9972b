package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/formchat/internal/model"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(f.msgs))}, nil
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "formchat.intake.s1.msg.user", MessageSubject("intake", "s1", model.RoleUser))
	assert.Equal(t, "formchat.intake_v2.s1.event.turn_failed", EventSubject("intake.v2", "s1", model.EventTypeTurnFailed))
	assert.Equal(t, "formchat.intake.s1.>", SessionFilter("intake", "s1"))
}

func TestJournalPublish(t *testing.T) {
	pub := &fakePublisher{}
	j := NewJournal(pub)

	seq, err := j.PublishMessage(context.Background(), "intake", &model.ChatMessage{
		ID: "m1", SessionID: "s1", Role: model.RoleAssistant, Content: "Hi",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	seq, err = j.PublishEvent(context.Background(), &model.SessionEvent{
		ID: "e1", SessionID: "s1", AgentSlug: "intake", Type: model.EventTypeCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "formchat.intake.s1.msg.assistant", pub.msgs[0].subject)
	assert.Equal(t, "formchat.intake.s1.event.completed", pub.msgs[1].subject)

	var msg model.ChatMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &msg))
	assert.Equal(t, "Hi", msg.Content)
}

func TestJournalPublishError(t *testing.T) {
	j := NewJournal(&fakePublisher{err: errors.New("no responders")})

	_, err := j.PublishMessage(context.Background(), "intake", &model.ChatMessage{SessionID: "s1", Role: model.RoleUser})
	assert.ErrorContains(t, err, "failed to publish message")
}
