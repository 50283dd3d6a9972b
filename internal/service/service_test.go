package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/formchat/internal/llm"
	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/schema"
	"github.com/capitalize-ai/formchat/pkg/logger"
)

const agentsYAML = `
agents:
  - slug: intake
    name: Intake Assistant
    persona: You are a friendly intake assistant.
    greeting: Hello!
    fields:
      - key: email
        label: Email
        type: email
        required: true
      - key: nickname
        label: Nickname
        type: text
      - key: plan
        label: Plan
        type: select
        required: true
        options: [basic, pro]
  - slug: private
    name: Private
    password: s3cret
    fields:
      - key: name
        type: text
        required: true
`

type fakeTokens struct{}

func (fakeTokens) Issue(sessionID, _ string) (string, time.Time, error) {
	return "token-" + sessionID, time.Now().Add(time.Hour), nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	messages []model.ChatMessage
	events   []model.SessionEvent
}

func (r *fakeRecorder) PublishMessage(_ context.Context, _ string, msg *model.ChatMessage) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, *msg)
	return uint64(len(r.messages)), nil
}

func (r *fakeRecorder) PublishEvent(_ context.Context, ev *model.SessionEvent) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return uint64(len(r.events)), nil
}

func (r *fakeRecorder) eventTypes() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeLLM struct {
	tokens []string
	err    error
	got    *llm.CompletionRequest
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) CompleteStream(_ context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	f.got = req
	for i, tok := range f.tokens {
		if err := cb(tok, i); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: strings.Join(f.tokens, ""), Model: "fake"}, nil
}

type collector struct {
	chunks []model.Chunk
}

func (c *collector) emit(ch model.Chunk) error {
	c.chunks = append(c.chunks, ch)
	return nil
}

func (c *collector) text() string {
	var b strings.Builder
	for _, ch := range c.chunks {
		if cc, ok := ch.(model.ContentChunk); ok {
			b.WriteString(cc.Text)
		}
	}
	return b.String()
}

// tail returns the non-content chunks.
func (c *collector) tail() []model.Chunk {
	var out []model.Chunk
	for _, ch := range c.chunks {
		if ch.Kind() != model.ChunkContent {
			out = append(out, ch)
		}
	}
	return out
}

func newServices(t *testing.T, client llm.Client) (*SessionService, *TurnService, *fakeRecorder) {
	t.Helper()
	reg, err := schema.ParseAgents([]byte(agentsYAML))
	require.NoError(t, err)

	rec := &fakeRecorder{}
	sessions := NewSessionService(reg, fakeTokens{}, rec, logger.NewNop())
	return sessions, NewTurnService(sessions, client, ""), rec
}

func TestStartSession(t *testing.T) {
	sessions, _, rec := newServices(t, nil)

	resp, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "token-"+resp.SessionID, resp.Token)
	assert.Equal(t, model.ConversationState{Status: model.StatusActive, CurrentField: "email"}, resp.State)
	require.NotNil(t, resp.Greeting)
	assert.Equal(t, model.RoleAssistant, resp.Greeting.Role)
	assert.Equal(t, "Hello! What is your email?", resp.Greeting.Content)
	assert.Equal(t, "email", resp.Greeting.FieldKey)
	assert.Equal(t, uint64(1), resp.Greeting.Seq)

	require.Len(t, rec.messages, 1)
	assert.Equal(t, resp.Greeting.ID, rec.messages[0].ID)
}

func TestStartSessionErrors(t *testing.T) {
	sessions, _, _ := newServices(t, nil)

	_, err := sessions.Start(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = sessions.Start(context.Background(), "private", "")
	assert.ErrorIs(t, err, ErrAuthRequired)

	_, err = sessions.Start(context.Background(), "private", "wrong")
	assert.ErrorIs(t, err, ErrAuthRequired)

	resp, err := sessions.Start(context.Background(), "private", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "name", resp.State.CurrentField)
}

func TestTurnAdvancesToNextField(t *testing.T) {
	sessions, turns, rec := newServices(t, nil)
	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	c := &collector{}
	reply, err := turns.Run(context.Background(), start.SessionID, model.TurnRequest{
		Content: "jane@x.com", FieldKey: "email", FieldValue: "jane@x.com",
	}, c.emit, nil)
	require.NoError(t, err)

	assert.Greater(t, len(c.chunks), 3, "template reply streams in pieces")
	assert.Equal(t, reply.Content, c.text())
	assert.Contains(t, reply.Content, "nickname")
	assert.Equal(t, []model.Chunk{
		model.FieldChunk{FieldKey: "nickname"},
		model.StatusChunk{State: model.ConversationState{Status: model.StatusActive, CurrentField: "nickname"}},
	}, c.tail())
	assert.Equal(t, "nickname", reply.FieldKey)
	assert.Equal(t, uint64(3), reply.Seq)

	answers, err := sessions.Answers(start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "jane@x.com"}, answers)

	require.Len(t, rec.messages, 3)
	assert.Equal(t, model.RoleUser, rec.messages[1].Role)
	assert.Equal(t, model.RoleAssistant, rec.messages[2].Role)
}

func TestTurnRejectedAnswerKeepsField(t *testing.T) {
	sessions, turns, _ := newServices(t, nil)
	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	c := &collector{}
	reply, err := turns.Run(context.Background(), start.SessionID, model.TurnRequest{
		Content: "not an email", FieldKey: "email", FieldValue: "not an email",
	}, c.emit, nil)
	require.NoError(t, err)

	assert.Contains(t, reply.Content, "expected an email address")
	assert.Equal(t, []model.Chunk{
		model.FieldChunk{FieldKey: "email"},
		model.StatusChunk{State: model.ConversationState{Status: model.StatusActive, CurrentField: "email"}},
	}, c.tail())

	answers, err := sessions.Answers(start.SessionID)
	require.NoError(t, err)
	assert.Empty(t, answers)
}

func TestTurnCompletesSession(t *testing.T) {
	sessions, turns, rec := newServices(t, nil)
	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	for _, answer := range []model.TurnRequest{
		{Content: "jane@x.com", FieldKey: "email", FieldValue: "jane@x.com"},
		{Content: "skip", FieldKey: "nickname", FieldValue: "skip"},
	} {
		_, err := turns.Run(context.Background(), start.SessionID, answer, (&collector{}).emit, nil)
		require.NoError(t, err)
	}

	c := &collector{}
	reply, err := turns.Run(context.Background(), start.SessionID, model.TurnRequest{
		Content: "pro", FieldKey: "plan", FieldValue: "pro",
	}, c.emit, nil)
	require.NoError(t, err)

	assert.Empty(t, reply.FieldKey)
	assert.Equal(t, []model.Chunk{
		model.StatusChunk{State: model.ConversationState{Status: model.StatusCompleted}},
	}, c.tail())

	answers, err := sessions.Answers(start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "jane@x.com", "nickname": "", "plan": "pro"}, answers)
	assert.Equal(t, []model.EventType{model.EventTypeCompleted}, rec.eventTypes())

	_, err = turns.Run(context.Background(), start.SessionID, model.TurnRequest{Content: "hello?"}, c.emit, nil)
	assert.ErrorIs(t, err, ErrSessionCompleted)
}

func TestTurnFailureDoesNotAdvance(t *testing.T) {
	sessions, turns, rec := newServices(t, nil)
	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	gone := errors.New("client disconnected")
	sent := 0
	_, err = turns.Run(context.Background(), start.SessionID, model.TurnRequest{
		Content: "jane@x.com", FieldKey: "email", FieldValue: "jane@x.com",
	}, func(model.Chunk) error {
		sent++
		if sent == 2 {
			return gone
		}
		return nil
	}, nil)
	require.ErrorIs(t, err, gone)

	answers, err := sessions.Answers(start.SessionID)
	require.NoError(t, err)
	assert.Empty(t, answers)
	assert.Equal(t, []model.EventType{model.EventTypeTurnFailed}, rec.eventTypes())
	assert.Len(t, rec.messages, 1, "only the greeting is journaled")

	c := &collector{}
	_, err = turns.Run(context.Background(), start.SessionID, model.TurnRequest{
		Content: "jane@x.com", FieldKey: "email", FieldValue: "jane@x.com",
	}, c.emit, nil)
	require.NoError(t, err)
	assert.Equal(t, model.FieldChunk{FieldKey: "nickname"}, c.tail()[0])
}

func TestTurnInFlightRejected(t *testing.T) {
	sessions, turns, _ := newServices(t, nil)
	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		first := true
		_, err := turns.Run(context.Background(), start.SessionID, model.TurnRequest{Content: "jane@x.com"}, func(model.Chunk) error {
			if first {
				first = false
				close(entered)
				<-release
			}
			return nil
		}, nil)
		done <- err
	}()

	<-entered
	_, err = turns.Run(context.Background(), start.SessionID, model.TurnRequest{Content: "again"}, (&collector{}).emit, nil)
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(release)
	require.NoError(t, <-done)
}

func TestTurnUnknownSession(t *testing.T) {
	_, turns, _ := newServices(t, nil)
	_, err := turns.Run(context.Background(), "missing", model.TurnRequest{Content: "hi"}, (&collector{}).emit, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTurnWithLLM(t *testing.T) {
	fake := &fakeLLM{tokens: []string{"Thanks", " Jane!", " Any nickname?"}}
	sessions, turns, _ := newServices(t, fake)
	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	c := &collector{}
	reply, err := turns.Run(context.Background(), start.SessionID, model.TurnRequest{
		Content: "jane@x.com", FieldKey: "email", FieldValue: "jane@x.com",
	}, c.emit, nil)
	require.NoError(t, err)

	assert.Equal(t, "Thanks Jane! Any nickname?", reply.Content)
	assert.Equal(t, []model.Chunk{
		model.ContentChunk{Text: "Thanks"},
		model.ContentChunk{Text: " Jane!"},
		model.ContentChunk{Text: " Any nickname?"},
		model.FieldChunk{FieldKey: "nickname"},
		model.StatusChunk{State: model.ConversationState{Status: model.StatusActive, CurrentField: "nickname"}},
	}, c.chunks)

	require.NotNil(t, fake.got)
	assert.Contains(t, fake.got.System, "friendly intake assistant")
	assert.Contains(t, fake.got.System, `Next, ask for "Nickname"`)
	require.Len(t, fake.got.Messages, 1, "leading greeting is dropped")
	assert.Equal(t, llm.ChatMessage{Role: "user", Content: "jane@x.com"}, fake.got.Messages[0])
}

func TestTurnLLMFailure(t *testing.T) {
	fake := &fakeLLM{tokens: []string{"Tha"}, err: errors.New("overloaded")}
	sessions, turns, rec := newServices(t, fake)
	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	_, err = turns.Run(context.Background(), start.SessionID, model.TurnRequest{Content: "jane@x.com"}, (&collector{}).emit, nil)
	require.Error(t, err)

	answers, err := sessions.Answers(start.SessionID)
	require.NoError(t, err)
	assert.Empty(t, answers)
	assert.Equal(t, []model.EventType{model.EventTypeTurnFailed}, rec.eventTypes())
}

func TestTurnFinishGatesCommit(t *testing.T) {
	sessions, turns, rec := newServices(t, nil)
	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	for _, answer := range []model.TurnRequest{
		{Content: "jane@x.com", FieldKey: "email", FieldValue: "jane@x.com"},
		{Content: "skip", FieldKey: "nickname", FieldValue: "skip"},
	} {
		_, err := turns.Run(context.Background(), start.SessionID, answer, (&collector{}).emit, nil)
		require.NoError(t, err)
	}

	last := model.TurnRequest{Content: "pro", FieldKey: "plan", FieldValue: "pro"}
	gone := errors.New("client disconnected")
	c := &collector{}
	_, err = turns.Run(context.Background(), start.SessionID, last, c.emit, func(string) error { return gone })
	require.ErrorIs(t, err, gone)
	assert.Equal(t, model.StatusChunk{State: model.ConversationState{Status: model.StatusCompleted}}, c.chunks[len(c.chunks)-1])

	answers, err := sessions.Answers(start.SessionID)
	require.NoError(t, err)
	assert.NotContains(t, answers, "plan")
	assert.NotContains(t, rec.eventTypes(), model.EventTypeCompleted)

	var finished string
	reply, err := turns.Run(context.Background(), start.SessionID, last, (&collector{}).emit, func(id string) error {
		finished = id
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, reply.ID, finished)
	assert.Contains(t, rec.eventTypes(), model.EventTypeCompleted)
}

func TestTurnLLMBlankReplyFallsBack(t *testing.T) {
	fake := &fakeLLM{tokens: []string{" ", "\n", "  "}}
	sessions, turns, _ := newServices(t, fake)
	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	c := &collector{}
	reply, err := turns.Run(context.Background(), start.SessionID, model.TurnRequest{
		Content: "jane@x.com", FieldKey: "email", FieldValue: "jane@x.com",
	}, c.emit, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, strings.TrimSpace(reply.Content))
	assert.Equal(t, strings.TrimSpace(reply.Content), reply.Content)
	assert.Equal(t, reply.Content, c.text())
}

func TestTurnLLMLeadingWhitespaceKept(t *testing.T) {
	fake := &fakeLLM{tokens: []string{"\n", " ", "Hi", " Jane"}}
	sessions, turns, _ := newServices(t, fake)
	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	c := &collector{}
	reply, err := turns.Run(context.Background(), start.SessionID, model.TurnRequest{
		Content: "jane@x.com", FieldKey: "email", FieldValue: "jane@x.com",
	}, c.emit, nil)
	require.NoError(t, err)

	assert.Equal(t, "\n Hi Jane", reply.Content)
	assert.Equal(t, reply.Content, c.text())
	assert.Equal(t, model.ContentChunk{Text: "\n Hi"}, c.chunks[0])
}

func TestPrune(t *testing.T) {
	sessions, _, _ := newServices(t, nil)
	now := time.Now()
	sessions.now = func() time.Time { return now }

	start, err := sessions.Start(context.Background(), "intake", "")
	require.NoError(t, err)

	assert.Equal(t, 0, sessions.Prune(time.Hour))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, sessions.Prune(time.Hour))

	_, err = sessions.Answers(start.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSplitWords(t *testing.T) {
	text := "Got it, email noted."
	pieces := splitWords(text)
	assert.Equal(t, []string{"Got", " it,", " email", " noted."}, pieces)
	assert.Equal(t, text, strings.Join(pieces, ""))
}
