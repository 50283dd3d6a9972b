package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/formchat/internal/fieldinput"
	"github.com/capitalize-ai/formchat/internal/llm"
	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/schema"
	"github.com/capitalize-ai/formchat/pkg/metrics"
	"github.com/capitalize-ai/formchat/pkg/tracing"
)

// maxHistory bounds the transcript sent to the LLM.
const maxHistory = 20

// Emit delivers one reply chunk to the client. An error aborts the turn.
type Emit func(model.Chunk) error

// Finish confirms the reply reached the client. It receives the id the
// reply is stored under; an error aborts the turn.
type Finish func(messageID string) error

// TurnService runs turns: it records the answer, advances the session to
// the next unanswered field and streams the agent's reply.
type TurnService struct {
	sessions *SessionService
	llm      llm.Client
	model    string
	tracer   trace.Tracer
}

// NewTurnService creates a turn service. A nil client replies from
// templates.
func NewTurnService(sessions *SessionService, client llm.Client, model string) *TurnService {
	return &TurnService{
		sessions: sessions,
		llm:      client,
		model:    model,
		tracer:   tracing.Tracer("formchat/service"),
	}
}

// Run executes one turn. Chunks reach emit in order: reply text, then the
// field being introduced, then the new state. finish, if not nil, runs last.
// The session only advances if every chunk was delivered and finish
// succeeded.
func (t *TurnService) Run(ctx context.Context, sessionID string, req model.TurnRequest, emit Emit, finish Finish) (*model.ChatMessage, error) {
	start := time.Now()

	snap, err := t.sessions.begin(sessionID)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("server", "rejected").Inc()
		return nil, err
	}

	ctx, span := t.tracer.Start(ctx, "service.Turn",
		trace.WithAttributes(
			attribute.String("agent", snap.agent.Slug),
			attribute.String("session_id", snap.id),
		))
	defer span.End()

	log := t.sessions.logger.WithSession(snap.agent.Slug, snap.id)

	outcome, answers, state := evaluate(snap, req)

	user := model.ChatMessage{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Role:       model.RoleUser,
		Content:    req.Content,
		FieldKey:   req.FieldKey,
		FieldValue: req.FieldValue,
	}
	reply := model.ChatMessage{
		ID:   uuid.Must(uuid.NewV7()).String(),
		Role: model.RoleAssistant,
	}
	if outcome.next != nil {
		reply.FieldKey = outcome.next.Key
	}

	reply.Content, err = t.reply(ctx, snap, outcome, req.Content, emit)
	if err == nil && outcome.next != nil {
		err = emit(model.FieldChunk{FieldKey: outcome.next.Key})
	}
	if err == nil {
		err = emit(model.StatusChunk{State: state})
	}
	if err == nil && finish != nil {
		err = finish(reply.ID)
	}
	if err != nil {
		t.sessions.release(snap.id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		metrics.RecordTurn("server", "failed", time.Since(start).Seconds())
		log.Warn("turn failed", zap.Error(err))
		t.sessions.recordEvent(context.WithoutCancel(ctx), &model.SessionEvent{
			ID:        uuid.Must(uuid.NewV7()).String(),
			SessionID: snap.id,
			AgentSlug: snap.agent.Slug,
			Type:      model.EventTypeTurnFailed,
			Reason:    err.Error(),
			CreatedAt: time.Now(),
		})
		return nil, err
	}

	t.sessions.commit(snap.id, answers, state, &user, &reply)

	journalCtx := context.WithoutCancel(ctx)
	t.sessions.record(journalCtx, snap.agent.Slug, &user)
	t.sessions.record(journalCtx, snap.agent.Slug, &reply)

	metrics.RecordTurn("server", "committed", time.Since(start).Seconds())
	log.Debug("turn committed",
		zap.String("status", string(state.Status)),
		zap.String("current_field", state.CurrentField),
		zap.Int("problems", len(outcome.problems)),
	)

	if state.Completed() {
		log.Info("session completed", zap.Int("answers", len(answers)))
		t.sessions.recordEvent(journalCtx, &model.SessionEvent{
			ID:        uuid.Must(uuid.NewV7()).String(),
			SessionID: snap.id,
			AgentSlug: snap.agent.Slug,
			Type:      model.EventTypeCompleted,
			Metadata:  answers,
			CreatedAt: time.Now(),
		})
	}

	return &reply, nil
}

// evaluate decides what the answer means for the session. The returned
// answers and state are only stored if the turn commits.
func evaluate(snap *snapshot, req model.TurnRequest) (turnOutcome, map[string]string, model.ConversationState) {
	s := snap.agent.Schema()

	key := req.FieldKey
	if key == "" {
		key = snap.state.CurrentField
	}
	value := req.FieldValue
	if value == "" {
		value = strings.TrimSpace(req.Content)
	}

	f, ok := s.Lookup(key)
	if !ok {
		// free-form message; ask for the current field again
		return turnOutcome{next: lookup(s, snap.state.CurrentField)}, snap.answers, snap.state
	}

	if !f.Required && strings.EqualFold(value, "skip") {
		value = ""
	} else if problems := fieldinput.Check(f, value); len(problems) > 0 {
		return turnOutcome{answered: &f, value: value, problems: problems, next: &f}, snap.answers, snap.state
	}

	snap.answers[f.Key] = value
	state := nextState(s, snap.answers)
	return turnOutcome{
		answered: &f,
		value:    value,
		next:     lookup(s, state.CurrentField),
		done:     state.Completed(),
	}, snap.answers, state
}

func lookup(s *schema.Schema, key string) *schema.Field {
	f, ok := s.Lookup(key)
	if !ok {
		return nil
	}
	return &f
}

// reply streams the agent's text through emit and returns exactly what was
// emitted. Whitespace the LLM sends before any visible text is held back, so
// a blank completion falls back to the template without leaving stray
// whitespace in the reply.
func (t *TurnService) reply(ctx context.Context, snap *snapshot, o turnOutcome, userContent string, emit Emit) (string, error) {
	if t.llm == nil {
		return streamTemplate(templateReply(o), emit)
	}

	var (
		sent    strings.Builder
		pending string
	)
	streamStart := time.Now()
	resp, err := t.llm.CompleteStream(ctx, &llm.CompletionRequest{
		Model:    t.model,
		System:   systemPrompt(snap.agent, o),
		Messages: llmHistory(snap.history, userContent),
	}, func(token string, index int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sent.Len() == 0 && strings.TrimSpace(pending+token) == "" {
			pending += token
			return nil
		}
		text := pending + token
		pending = ""
		if err := emit(model.ContentChunk{Text: text}); err != nil {
			return err
		}
		sent.WriteString(text)
		return nil
	})
	if err != nil {
		metrics.RecordLLMStream(t.llm.Name(), "error", time.Since(streamStart).Seconds(), 0, 0)
		return "", err
	}
	metrics.RecordLLMStream(resp.Model, "success", time.Since(streamStart).Seconds(), resp.TokensIn, resp.TokensOut)

	if sent.Len() == 0 {
		return streamTemplate(templateReply(o), emit)
	}
	return sent.String(), nil
}

func streamTemplate(text string, emit Emit) (string, error) {
	for _, piece := range splitWords(text) {
		if err := emit(model.ContentChunk{Text: piece}); err != nil {
			return "", err
		}
	}
	return text, nil
}

// llmHistory converts the transcript to LLM messages. Providers expect the
// conversation to open with a user message, so leading assistant messages
// are dropped.
func llmHistory(history []model.ChatMessage, userContent string) []llm.ChatMessage {
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	msgs := make([]llm.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		if len(msgs) == 0 && m.Role != model.RoleUser {
			continue
		}
		msgs = append(msgs, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return append(msgs, llm.ChatMessage{Role: string(model.RoleUser), Content: userContent})
}
