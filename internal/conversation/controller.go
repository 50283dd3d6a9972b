// Package conversation owns the state of one conversational-form session:
// transcript, field-in-focus and status. It issues one turn at a time,
// folds the streamed reply into a draft, and commits or discards it.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/formchat/internal/fieldinput"
	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/schema"
	"github.com/capitalize-ai/formchat/internal/stream"
	"github.com/capitalize-ai/formchat/pkg/logger"
	"github.com/capitalize-ai/formchat/pkg/metrics"
	"github.com/capitalize-ai/formchat/pkg/tracing"
)

// Controller drives a single session. Share one instance between all views
// of the same session.
type Controller struct {
	backend     Backend
	schema      *schema.Schema
	adapter     *fieldinput.Adapter
	logger      *logger.Logger
	tracer      trace.Tracer
	turnTimeout time.Duration
	observers   []func(View)
	now         func() time.Time
	newID       func() string

	mu         sync.Mutex
	agentSlug  string
	sessionID  string
	token      string
	transcript []model.ChatMessage
	state      model.ConversationState
	started    bool
	starting   bool
	inFlight   bool
	draft      *model.ChatMessage
	seq        uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithSchema sets the agent schema used to resolve the field in focus.
func WithSchema(s *schema.Schema) Option {
	return func(c *Controller) { c.schema = s }
}

// WithAdapter replaces the default field input adapter.
func WithAdapter(a *fieldinput.Adapter) Option {
	return func(c *Controller) { c.adapter = a }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithObserver registers a callback invoked after every read-model change.
// Callbacks run synchronously on the goroutine that caused the change.
func WithObserver(fn func(View)) Option {
	return func(c *Controller) { c.observers = append(c.observers, fn) }
}

// WithTurnTimeout bounds each turn. Exceeding it fails the turn.
func WithTurnTimeout(d time.Duration) Option {
	return func(c *Controller) { c.turnTimeout = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller bound to backend.
func NewController(backend Backend, opts ...Option) *Controller {
	c := &Controller{
		backend: backend,
		adapter: fieldinput.New(),
		logger:  logger.Global(),
		tracer:  tracing.Tracer("formchat/conversation"),
		now:     time.Now,
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens a session with the agent identified by agentSlug.
func (c *Controller) Start(ctx context.Context, agentSlug, credential string) error {
	c.mu.Lock()
	if c.starting {
		c.mu.Unlock()
		return ErrStartInProgress
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.starting = true
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "conversation.Start",
		trace.WithAttributes(attribute.String("agent", agentSlug)))
	defer span.End()

	res, err := c.backend.StartSession(ctx, agentSlug, credential)
	if err == nil && res == nil {
		err = ErrNoSession
	}

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.mu.Unlock()
		outcome := "error"
		if errors.Is(err, ErrAuthRequired) {
			outcome = "auth_required"
		}
		metrics.SessionsStartedTotal.WithLabelValues(agentSlug, outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		c.logger.Warn("session start failed",
			zap.String("agent", agentSlug),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		return &StartError{AgentSlug: agentSlug, Err: err}
	}

	c.started = true
	c.agentSlug = agentSlug
	c.sessionID = res.SessionID
	c.token = res.Token
	c.state = res.State
	if c.state.Status == "" {
		c.state.Status = model.StatusActive
	}
	if res.Seed != nil {
		seed := *res.Seed
		seed.Role = model.RoleAssistant
		c.stamp(&seed)
		c.transcript = append(c.transcript, seed)
	}
	view := c.viewLocked()
	c.mu.Unlock()

	metrics.SessionsStartedTotal.WithLabelValues(agentSlug, "ok").Inc()
	span.SetAttributes(attribute.String("session_id", res.SessionID))
	c.logger.Info("session started",
		zap.String("agent", agentSlug),
		zap.String("session_id", res.SessionID),
		zap.String("current_field", res.State.CurrentField),
	)
	c.notify(view)
	return nil
}

// SendTurn sends raw as the answer to the field in focus and consumes the
// streamed reply. It blocks until the reply is committed or discarded.
func (c *Controller) SendTurn(ctx context.Context, raw string) error {
	started := c.now()

	c.mu.Lock()
	if err := c.guardLocked(raw); err != nil {
		c.mu.Unlock()
		metrics.TurnsTotal.WithLabelValues("client", "rejected").Inc()
		return err
	}

	out, err := c.adapter.Normalize(c.fieldInFocusLocked(), raw)
	if err != nil {
		c.mu.Unlock()
		metrics.TurnsTotal.WithLabelValues("client", "rejected").Inc()
		return err
	}

	user := model.ChatMessage{
		Role:       model.RoleUser,
		Content:    out.Content,
		FieldKey:   out.FieldKey,
		FieldValue: out.FieldValue,
	}
	c.stamp(&user)
	c.transcript = append(c.transcript, user)

	placeholder := model.ChatMessage{Role: model.RoleAssistant}
	c.stamp(&placeholder)
	c.draft = &placeholder
	c.inFlight = true

	req := model.TurnRequest{
		SessionID:  c.sessionID,
		Token:      c.token,
		Content:    out.Content,
		FieldKey:   out.FieldKey,
		FieldValue: out.FieldValue,
	}
	sessionID := c.sessionID
	view := c.viewLocked()
	c.mu.Unlock()

	c.notify(view)

	log := c.logger.With(
		zap.String("session_id", sessionID),
		zap.String("field_key", out.FieldKey),
	)
	log.Debug("turn started", zap.String("user_message_id", user.ID))

	if c.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.turnTimeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "conversation.SendTurn",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("field_key", out.FieldKey),
		))
	defer span.End()

	draft, err := c.consume(ctx, req, placeholder)
	if err != nil {
		c.rollback()
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		metrics.RecordTurn("client", "failed", c.now().Sub(started).Seconds())
		log.Warn("turn failed, draft discarded", zap.Error(err))
		return &TurnError{SessionID: sessionID, UserMessageID: user.ID, Err: err}
	}

	state := c.commit(draft)
	metrics.RecordTurn("client", "committed", c.now().Sub(started).Seconds())
	log.Debug("turn committed",
		zap.Int("chunks", draft.Chunks),
		zap.String("status", string(state.Status)),
		zap.String("current_field", state.CurrentField),
	)
	if state.Completed() {
		log.Info("session completed")
	}
	return nil
}

func (c *Controller) guardLocked(raw string) error {
	switch {
	case c.starting:
		return ErrStartInProgress
	case !c.started:
		return ErrNotStarted
	case c.inFlight:
		return ErrTurnInFlight
	case c.state.Completed():
		return ErrSessionCompleted
	case strings.TrimSpace(raw) == "":
		return ErrEmptyInput
	}
	return nil
}

// consume opens the reply stream and drains it into a draft, republishing
// the read model after every chunk.
func (c *Controller) consume(ctx context.Context, req model.TurnRequest, placeholder model.ChatMessage) (stream.Draft, error) {
	src, err := c.backend.SendTurn(ctx, req)
	if err != nil {
		return stream.Draft{}, err
	}
	defer src.Close()

	consumer := stream.NewConsumer(placeholder)
	err = consumer.Drain(ctx, src, func(model.Chunk) {
		msg := consumer.Draft().Message

		c.mu.Lock()
		c.draft = &msg
		view := c.viewLocked()
		c.mu.Unlock()

		c.notify(view)
	})
	if err != nil {
		return stream.Draft{}, err
	}
	return consumer.Draft(), nil
}

func (c *Controller) commit(d stream.Draft) model.ConversationState {
	c.mu.Lock()
	c.transcript = append(c.transcript, d.Message)
	if d.State != nil {
		c.state = *d.State
	}
	c.draft = nil
	c.inFlight = false
	state := c.state
	view := c.viewLocked()
	c.mu.Unlock()

	c.notify(view)
	return state
}

func (c *Controller) rollback() {
	c.mu.Lock()
	c.draft = nil
	c.inFlight = false
	view := c.viewLocked()
	c.mu.Unlock()

	c.notify(view)
}

// View returns a snapshot of the read model.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// FieldInFocus returns the schema field the agent is waiting on.
func (c *Controller) FieldInFocus() (schema.Field, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.fieldInFocusLocked()
	if f == nil {
		return schema.Field{}, false
	}
	return *f, true
}

// Schema returns the schema the controller resolves fields against.
func (c *Controller) Schema() *schema.Schema {
	return c.schema
}

func (c *Controller) fieldInFocusLocked() *schema.Field {
	f, ok := c.schema.Lookup(c.state.CurrentField)
	if !ok {
		return nil
	}
	return &f
}

func (c *Controller) viewLocked() View {
	n := len(c.transcript)
	if c.draft != nil {
		n++
	}
	transcript := make([]model.ChatMessage, 0, n)
	transcript = append(transcript, c.transcript...)
	if c.draft != nil {
		transcript = append(transcript, *c.draft)
	}

	return View{
		AgentSlug:    c.agentSlug,
		SessionID:    c.sessionID,
		Phase:        c.phaseLocked(),
		Transcript:   transcript,
		State:        c.state,
		TurnInFlight: c.inFlight,
	}
}

func (c *Controller) phaseLocked() Phase {
	switch {
	case !c.started:
		return PhaseUninitialized
	case c.state.Completed():
		return PhaseCompleted
	default:
		return PhaseActive
	}
}

// stamp assigns identity and creation order to a new message.
func (c *Controller) stamp(m *model.ChatMessage) {
	c.seq++
	m.Seq = c.seq
	m.SessionID = c.sessionID
	if m.ID == "" {
		m.ID = c.newID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = c.now()
	}
}

func (c *Controller) notify(v View) {
	for _, fn := range c.observers {
		fn(v)
	}
}
