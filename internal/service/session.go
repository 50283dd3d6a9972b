// Package service provides the reference agent's session logic: opening
// sessions against an agent definition and running turns that walk the
// agent's fields in order.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/schema"
	"github.com/capitalize-ai/formchat/pkg/logger"
	"github.com/capitalize-ai/formchat/pkg/metrics"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAuthRequired     = errors.New("agent requires a password")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionCompleted = errors.New("session is completed")
	ErrTurnInFlight     = errors.New("a turn is already in flight")
)

// TokenIssuer mints the bearer token a session's turns must present.
type TokenIssuer interface {
	Issue(sessionID, agentSlug string) (token string, expiresAt time.Time, err error)
}

// Recorder receives the session journal. Failures are logged, never
// surfaced to the user.
type Recorder interface {
	PublishMessage(ctx context.Context, agentSlug string, msg *model.ChatMessage) (uint64, error)
	PublishEvent(ctx context.Context, event *model.SessionEvent) (uint64, error)
}

type nopRecorder struct{}

func (nopRecorder) PublishMessage(context.Context, string, *model.ChatMessage) (uint64, error) {
	return 0, nil
}

func (nopRecorder) PublishEvent(context.Context, *model.SessionEvent) (uint64, error) {
	return 0, nil
}

// session is the server-side record of one conversation.
type session struct {
	id        string
	agent     *schema.Agent
	answers   map[string]string
	state     model.ConversationState
	history   []model.ChatMessage
	seq       uint64
	inFlight  bool
	createdAt time.Time
	touched   time.Time
}

// snapshot is a copy of a session handed to a turn.
type snapshot struct {
	id      string
	agent   *schema.Agent
	answers map[string]string
	state   model.ConversationState
	history []model.ChatMessage
}

// SessionService holds sessions in memory.
type SessionService struct {
	agents  *schema.Registry
	tokens  TokenIssuer
	journal Recorder
	logger  *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionService creates a session service. journal may be nil.
func NewSessionService(agents *schema.Registry, tokens TokenIssuer, journal Recorder, log *logger.Logger) *SessionService {
	if journal == nil {
		journal = nopRecorder{}
	}
	return &SessionService{
		agents:   agents,
		tokens:   tokens,
		journal:  journal,
		logger:   log,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Agent returns the agent definition for slug.
func (s *SessionService) Agent(slug string) (*schema.Agent, error) {
	a, ok := s.agents.Get(slug)
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

// Start opens a session with the agent. The response carries the bearer
// token for later turns and a greeting that asks for the first field.
func (s *SessionService) Start(ctx context.Context, agentSlug, password string) (*model.StartSessionResponse, error) {
	agent, err := s.Agent(agentSlug)
	if err != nil {
		return nil, err
	}

	if agent.RequiresPassword() &&
		subtle.ConstantTimeCompare([]byte(agent.Password), []byte(password)) != 1 {
		metrics.SessionsStartedTotal.WithLabelValues(agentSlug, "auth_required").Inc()
		return nil, ErrAuthRequired
	}

	now := s.now()
	sess := &session{
		id:        uuid.Must(uuid.NewV7()).String(),
		agent:     agent,
		answers:   make(map[string]string),
		createdAt: now,
		touched:   now,
	}
	sess.state = nextState(agent.Schema(), sess.answers)

	token, expiresAt, err := s.tokens.Issue(sess.id, agentSlug)
	if err != nil {
		return nil, err
	}

	greeting := sess.newMessage(model.RoleAssistant, greetingText(agent, sess.state), now)
	greeting.FieldKey = sess.state.CurrentField
	sess.history = append(sess.history, greeting)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	metrics.SessionsStartedTotal.WithLabelValues(agentSlug, "ok").Inc()
	s.logger.WithSession(agentSlug, sess.id).Info("session opened",
		zap.String("current_field", sess.state.CurrentField),
	)
	s.record(ctx, agentSlug, &greeting)

	return &model.StartSessionResponse{
		SessionID: sess.id,
		Token:     token,
		State:     sess.state,
		Greeting:  &greeting,
		ExpiresAt: expiresAt,
	}, nil
}

// begin claims the session for one turn.
func (s *SessionService) begin(sessionID string) (*snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.state.Completed() {
		return nil, ErrSessionCompleted
	}
	if sess.inFlight {
		return nil, ErrTurnInFlight
	}
	sess.inFlight = true
	sess.touched = s.now()

	answers := make(map[string]string, len(sess.answers))
	for k, v := range sess.answers {
		answers[k] = v
	}
	return &snapshot{
		id:      sess.id,
		agent:   sess.agent,
		answers: answers,
		state:   sess.state,
		history: append([]model.ChatMessage(nil), sess.history...),
	}, nil
}

// commit stores a finished turn and releases the session.
func (s *SessionService) commit(sessionID string, answers map[string]string, state model.ConversationState, user, reply *model.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	now := s.now()
	*user = sess.stamp(*user, now)
	*reply = sess.stamp(*reply, now)
	sess.answers = answers
	sess.state = state
	sess.history = append(sess.history, *user, *reply)
	sess.inFlight = false
	sess.touched = now
}

// release ends a failed turn without changing the session.
func (s *SessionService) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.inFlight = false
	}
}

// Answers returns a copy of the values captured so far.
func (s *SessionService) Answers(sessionID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make(map[string]string, len(sess.answers))
	for k, v := range sess.answers {
		out[k] = v
	}
	return out, nil
}

// Prune drops sessions idle for longer than ttl. It returns the number
// removed.
func (s *SessionService) Prune(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.sessions {
		if !sess.inFlight && sess.touched.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// RunJanitor prunes idle sessions every interval until ctx is done.
func (s *SessionService) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(ttl); n > 0 {
				s.logger.Info("pruned idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (s *SessionService) record(ctx context.Context, agentSlug string, msg *model.ChatMessage) {
	if _, err := s.journal.PublishMessage(ctx, agentSlug, msg); err != nil {
		metrics.JournalPublishFailures.Inc()
		s.logger.Warn("journal publish failed",
			zap.String("session_id", msg.SessionID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

func (s *SessionService) recordEvent(ctx context.Context, event *model.SessionEvent) {
	if _, err := s.journal.PublishEvent(ctx, event); err != nil {
		metrics.JournalPublishFailures.Inc()
		s.logger.Warn("journal publish failed",
			zap.String("session_id", event.SessionID),
			zap.String("event", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (sess *session) newMessage(role model.Role, content string, now time.Time) model.ChatMessage {
	return sess.stamp(model.ChatMessage{Role: role, Content: content}, now)
}

func (sess *session) stamp(m model.ChatMessage, now time.Time) model.ChatMessage {
	sess.seq++
	m.Seq = sess.seq
	m.SessionID = sess.id
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	return m
}

// nextState points at the first field in schema order without an answer.
func nextState(s *schema.Schema, answers map[string]string) model.ConversationState {
	for _, f := range s.Fields() {
		if _, ok := answers[f.Key]; !ok {
			return model.ConversationState{Status: model.StatusActive, CurrentField: f.Key}
		}
	}
	return model.ConversationState{Status: model.StatusCompleted}
}
