package conversation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/formchat/internal/fieldinput"
	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/schema"
	"github.com/capitalize-ai/formchat/pkg/logger"
)

type fakeStream struct {
	chunks []model.Chunk
	err    error
	gate   chan struct{}
	onNext func(pos int)

	pos    int
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (model.Chunk, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
			s.gate = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.onNext != nil {
		s.onNext(s.pos)
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	start    *model.StartResult
	startErr error
	sendErr  error
	streams  []*fakeStream
	requests []model.TurnRequest
	slugs    []string
	creds    []string
}

func (b *fakeBackend) StartSession(ctx context.Context, agentSlug, credential string) (*model.StartResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slugs = append(b.slugs, agentSlug)
	b.creds = append(b.creds, credential)
	if b.startErr != nil {
		return nil, b.startErr
	}
	if b.start == nil {
		return nil, nil
	}
	res := *b.start
	return &res, nil
}

func (b *fakeBackend) SendTurn(ctx context.Context, req model.TurnRequest) (ChunkStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	if len(b.streams) == 0 {
		return nil, errors.New("no stream queued")
	}
	s := b.streams[0]
	b.streams = b.streams[1:]
	return s, nil
}

func (b *fakeBackend) queue(streams ...*fakeStream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, streams...)
}

func (b *fakeBackend) lastRequest() model.TurnRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

var testSchema = schema.MustNew([]schema.Field{
	{Key: "email", Type: schema.TypeEmail, Required: true},
	{Key: "phone", Type: schema.TypePhone},
	{Key: "plan", Type: schema.TypeSelect, Options: []string{"Basic", "Pro"}},
	{Key: "address", Type: schema.TypeTextarea},
})

func activeOn(field string) model.ConversationState {
	return model.ConversationState{Status: model.StatusActive, CurrentField: field}
}

func content(text string) model.Chunk { return model.ContentChunk{Text: text} }

func status(s model.ConversationState) model.Chunk { return model.StatusChunk{State: s} }

func newStarted(t *testing.T, state model.ConversationState, opts ...Option) (*Controller, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{start: &model.StartResult{SessionID: "s1", Token: "tok", State: state}}
	opts = append([]Option{WithSchema(testSchema), WithLogger(logger.NewNop())}, opts...)
	c := NewController(backend, opts...)
	require.NoError(t, c.Start(context.Background(), "demo", ""))
	return c, backend
}

func TestStartSeedsTranscript(t *testing.T) {
	backend := &fakeBackend{start: &model.StartResult{
		SessionID: "s1",
		State:     activeOn("email"),
		Seed:      &model.ChatMessage{Content: "Hi! What's your email?"},
	}}
	c := NewController(backend, WithSchema(testSchema), WithLogger(logger.NewNop()))

	assert.Equal(t, PhaseUninitialized, c.View().Phase)
	require.NoError(t, c.Start(context.Background(), "demo", ""))

	v := c.View()
	assert.Equal(t, PhaseActive, v.Phase)
	assert.Equal(t, "s1", v.SessionID)
	assert.Equal(t, activeOn("email"), v.State)
	require.Len(t, v.Transcript, 1)
	assert.Equal(t, model.RoleAssistant, v.Transcript[0].Role)
	assert.Equal(t, "s1", v.Transcript[0].SessionID)
	assert.NotEmpty(t, v.Transcript[0].ID)

	f, ok := c.FieldInFocus()
	require.True(t, ok)
	assert.Equal(t, "email", f.Key)
}

func TestStartAuthRequired(t *testing.T) {
	backend := &fakeBackend{startErr: ErrAuthRequired}
	c := NewController(backend, WithSchema(testSchema), WithLogger(logger.NewNop()))

	err := c.Start(context.Background(), "private", "wrong")
	require.ErrorIs(t, err, ErrAuthRequired)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.True(t, startErr.AuthRequired())
	assert.Equal(t, PhaseUninitialized, c.View().Phase)

	backend.startErr = nil
	backend.start = &model.StartResult{SessionID: "s2", State: activeOn("email")}
	require.NoError(t, c.Start(context.Background(), "private", "right"))
	assert.Equal(t, []string{"wrong", "right"}, backend.creds)
	assert.Equal(t, "s2", c.View().SessionID)
}

func TestStartOtherFailure(t *testing.T) {
	boom := errors.New("agent not found")
	c := NewController(&fakeBackend{startErr: boom}, WithLogger(logger.NewNop()))

	err := c.Start(context.Background(), "missing", "")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAuthRequired)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.False(t, startErr.AuthRequired())
}

func TestStartWithoutSession(t *testing.T) {
	c := NewController(&fakeBackend{}, WithLogger(logger.NewNop()))

	err := c.Start(context.Background(), "demo", "")
	require.ErrorIs(t, err, ErrNoSession)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, PhaseUninitialized, c.View().Phase)
	require.ErrorIs(t, c.SendTurn(context.Background(), "hi"), ErrNotStarted)
}

func TestStartTwiceRejected(t *testing.T) {
	c, _ := newStarted(t, activeOn("email"))
	require.ErrorIs(t, c.Start(context.Background(), "demo", ""), ErrAlreadyStarted)
}

func TestSendTurnBeforeStart(t *testing.T) {
	c := NewController(&fakeBackend{}, WithLogger(logger.NewNop()))
	require.ErrorIs(t, c.SendTurn(context.Background(), "hi"), ErrNotStarted)
	assert.Empty(t, c.View().Transcript)
}

func TestScenarioEmailThenPhone(t *testing.T) {
	c, backend := newStarted(t, activeOn("email"))
	st := &fakeStream{chunks: []model.Chunk{
		content("Thanks!"),
		model.FieldChunk{FieldKey: "phone"},
		status(activeOn("phone")),
	}}
	backend.queue(st)

	require.NoError(t, c.SendTurn(context.Background(), "jane@x.com"))

	req := backend.lastRequest()
	assert.Equal(t, "s1", req.SessionID)
	assert.Equal(t, "tok", req.Token)
	assert.Equal(t, "email", req.FieldKey)
	assert.Equal(t, "jane@x.com", req.FieldValue)

	v := c.View()
	require.Len(t, v.Transcript, 2)

	user := v.Transcript[0]
	assert.Equal(t, model.RoleUser, user.Role)
	assert.Equal(t, "email", user.FieldKey)
	assert.Equal(t, "jane@x.com", user.FieldValue)

	reply := v.Transcript[1]
	assert.Equal(t, model.RoleAssistant, reply.Role)
	assert.Equal(t, "Thanks!", reply.Content)
	assert.Equal(t, "phone", reply.FieldKey)
	assert.Greater(t, reply.Seq, user.Seq)

	assert.Equal(t, "phone", v.State.CurrentField)
	assert.False(t, v.TurnInFlight)
	assert.True(t, st.closed)
}

func TestAppendOnlyTranscript(t *testing.T) {
	c, backend := newStarted(t, activeOn("email"))

	var history [][]model.ChatMessage
	for i, next := range []string{"phone", "plan", "address"} {
		backend.queue(&fakeStream{chunks: []model.Chunk{
			content("ok "), content(next),
			status(activeOn(next)),
		}})

		before := c.View().Transcript
		require.NoError(t, c.SendTurn(context.Background(), "answer"))
		after := c.View().Transcript

		require.Len(t, after, len(before)+2, "turn %d", i)
		assert.Equal(t, before, after[:len(before)], "committed messages must not change")
		history = append(history, after)
	}

	final := c.View().Transcript
	for _, snapshot := range history {
		assert.Equal(t, snapshot, final[:len(snapshot)])
	}
	for i := 1; i < len(final); i++ {
		assert.Greater(t, final[i].Seq, final[i-1].Seq)
	}
}

func TestFailedTurnDiscardsDraft(t *testing.T) {
	c, backend := newStarted(t, activeOn("email"))
	drop := errors.New("connection reset by peer")
	backend.queue(&fakeStream{
		chunks: []model.Chunk{content("Thanks, I")},
		err:    drop,
	})

	before := c.View()
	err := c.SendTurn(context.Background(), "jane@x.com")
	require.ErrorIs(t, err, drop)

	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, "s1", turnErr.SessionID)

	after := c.View()
	require.Len(t, after.Transcript, len(before.Transcript)+1)
	last, _ := after.Last()
	assert.Equal(t, model.RoleUser, last.Role)
	assert.Equal(t, turnErr.UserMessageID, last.ID)
	assert.False(t, after.TurnInFlight)
	assert.Equal(t, before.State, after.State)

	backend.queue(&fakeStream{chunks: []model.Chunk{content("Got it."), status(activeOn("phone"))}})
	require.NoError(t, c.SendTurn(context.Background(), "jane@x.com"))
	assert.Len(t, c.View().Transcript, len(before.Transcript)+3)
}

func TestFailedOpenDiscardsDraft(t *testing.T) {
	c, backend := newStarted(t, activeOn("email"))
	backend.sendErr = errors.New("dial tcp: connection refused")

	err := c.SendTurn(context.Background(), "jane@x.com")
	require.Error(t, err)

	v := c.View()
	require.Len(t, v.Transcript, 1)
	assert.Equal(t, model.RoleUser, v.Transcript[0].Role)
	assert.False(t, v.TurnInFlight)
}

func TestFailedTurnDiscardsStatus(t *testing.T) {
	c, backend := newStarted(t, activeOn("email"))
	backend.queue(&fakeStream{
		chunks: []model.Chunk{status(model.ConversationState{Status: model.StatusCompleted})},
		err:    errors.New("server error"),
	})

	require.Error(t, c.SendTurn(context.Background(), "x"))
	assert.Equal(t, activeOn("email"), c.View().State)
	assert.Equal(t, PhaseActive, c.View().Phase)
}

func TestSingleTurnInFlight(t *testing.T) {
	c, backend := newStarted(t, activeOn("email"))
	gate := make(chan struct{})
	backend.queue(&fakeStream{
		gate:   gate,
		chunks: []model.Chunk{content("first reply"), status(activeOn("phone"))},
	})

	done := make(chan error, 1)
	go func() {
		done <- c.SendTurn(context.Background(), "jane@x.com")
	}()

	require.Eventually(t, func() bool { return c.View().TurnInFlight }, time.Second, time.Millisecond)

	before := c.View()
	require.ErrorIs(t, c.SendTurn(context.Background(), "second"), ErrTurnInFlight)
	assert.Equal(t, before, c.View())

	close(gate)
	require.NoError(t, <-done)

	v := c.View()
	require.Len(t, v.Transcript, 2)
	assert.Equal(t, "first reply", v.Transcript[1].Content)
	assert.Equal(t, "phone", v.State.CurrentField)
	assert.Len(t, backend.requests, 1)
}

func TestStatusLastWins(t *testing.T) {
	c, backend := newStarted(t, activeOn("email"))
	backend.queue(&fakeStream{chunks: []model.Chunk{
		status(activeOn("phone")),
		content("Let's skip ahead."),
		status(activeOn("address")),
	}})

	require.NoError(t, c.SendTurn(context.Background(), "jane@x.com"))
	assert.Equal(t, activeOn("address"), c.View().State)

	backend.queue(&fakeStream{chunks: []model.Chunk{content("No status this time.")}})
	require.NoError(t, c.SendTurn(context.Background(), "12 Main St"))
	assert.Equal(t, activeOn("address"), c.View().State)
}

func TestIncrementalVisibility(t *testing.T) {
	var observed []string
	c, backend := newStarted(t, activeOn("email"), WithObserver(func(v View) {
		if last, ok := v.Last(); ok && v.TurnInFlight && last.Role == model.RoleAssistant && last.Content != "" {
			observed = append(observed, last.Content)
		}
	}))

	var sampled []string
	st := &fakeStream{chunks: []model.Chunk{content("Hel"), content("lo"), content(" there")}}
	st.onNext = func(pos int) {
		if pos == 0 {
			return
		}
		last, _ := c.View().Last()
		sampled = append(sampled, last.Content)
	}
	backend.queue(st)

	require.NoError(t, c.SendTurn(context.Background(), "jane@x.com"))

	want := []string{"Hel", "Hello", "Hello there"}
	assert.Equal(t, want, sampled)
	assert.Equal(t, want, observed)
}

func TestCompletedSessionRejectsTurns(t *testing.T) {
	c, backend := newStarted(t, activeOn("address"))
	backend.queue(&fakeStream{chunks: []model.Chunk{
		content("All done, thank you!"),
		status(model.ConversationState{Status: model.StatusCompleted}),
	}})

	require.NoError(t, c.SendTurn(context.Background(), "12 Main St"))

	v := c.View()
	assert.Equal(t, PhaseCompleted, v.Phase)
	assert.False(t, v.AcceptsInput())

	err := c.SendTurn(context.Background(), "one more thing")
	require.ErrorIs(t, err, ErrSessionCompleted)
	assert.Equal(t, v, c.View())
	assert.Len(t, backend.requests, 1)
}

func TestCancelledTurnRollsBack(t *testing.T) {
	c, backend := newStarted(t, activeOn("email"))
	backend.queue(&fakeStream{gate: make(chan struct{})})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.SendTurn(ctx, "jane@x.com")
	}()

	require.Eventually(t, func() bool { return c.View().TurnInFlight }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	v := c.View()
	assert.False(t, v.TurnInFlight)
	require.Len(t, v.Transcript, 1)
	assert.Equal(t, model.RoleUser, v.Transcript[0].Role)
}

func TestTurnTimeout(t *testing.T) {
	c, backend := newStarted(t, activeOn("email"), WithTurnTimeout(20*time.Millisecond))
	backend.queue(&fakeStream{gate: make(chan struct{})})

	err := c.SendTurn(context.Background(), "jane@x.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.View().TurnInFlight)
	assert.Len(t, c.View().Transcript, 1)
}

func TestUnknownChunkFailsTurn(t *testing.T) {
	type strayChunk struct{ model.FieldChunk }

	c, backend := newStarted(t, activeOn("email"))
	backend.queue(&fakeStream{chunks: []model.Chunk{content("partial"), strayChunk{}}})

	require.Error(t, c.SendTurn(context.Background(), "jane@x.com"))
	assert.Len(t, c.View().Transcript, 1)
}

func TestGuardsDoNotMutate(t *testing.T) {
	strict := fieldinput.New(fieldinput.WithStrictSelect())
	c, backend := newStarted(t, activeOn("plan"), WithAdapter(strict))

	require.ErrorIs(t, c.SendTurn(context.Background(), "   "), ErrEmptyInput)
	require.ErrorIs(t, c.SendTurn(context.Background(), "pro"), fieldinput.ErrInvalidOption)

	assert.Empty(t, c.View().Transcript)
	assert.Empty(t, backend.requests)
}

func TestFreeFormStage(t *testing.T) {
	tests := []struct {
		name  string
		state model.ConversationState
	}{
		{"no current field", model.ConversationState{Status: model.StatusActive}},
		{"field not in schema", activeOn("favourite_colour")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, backend := newStarted(t, tt.state)
			backend.queue(&fakeStream{chunks: []model.Chunk{content("Sure, let's begin.")}})

			_, ok := c.FieldInFocus()
			assert.False(t, ok)

			require.NoError(t, c.SendTurn(context.Background(), "hello"))

			req := backend.lastRequest()
			assert.Equal(t, "hello", req.Content)
			assert.Empty(t, req.FieldKey)
			assert.Empty(t, req.FieldValue)
			assert.False(t, c.View().Transcript[0].Attributed())
		})
	}
}

func TestUserMessageVisibleBeforeReply(t *testing.T) {
	var firstInFlight *View
	c, backend := newStarted(t, activeOn("email"), WithObserver(func(v View) {
		if v.TurnInFlight && firstInFlight == nil {
			snapshot := v
			firstInFlight = &snapshot
		}
	}))
	backend.queue(&fakeStream{chunks: []model.Chunk{content("Thanks!")}})

	require.NoError(t, c.SendTurn(context.Background(), "jane@x.com"))

	require.NotNil(t, firstInFlight)
	require.Len(t, firstInFlight.Transcript, 2)
	assert.Equal(t, model.RoleUser, firstInFlight.Transcript[0].Role)
	assert.Equal(t, model.RoleAssistant, firstInFlight.Transcript[1].Role)
	assert.Empty(t, firstInFlight.Transcript[1].Content)
}
