package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/formchat/internal/middleware"
	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/service"
	"github.com/capitalize-ai/formchat/pkg/logger"
	"github.com/capitalize-ai/formchat/pkg/metrics"
)

// SSE event names. They match what agentapi decodes.
const (
	eventContent = "content"
	eventField   = "field"
	eventStatus  = "status"
	eventError   = "error"
	eventDone    = "done"
)

// TurnHandler runs turns and streams replies as Server-Sent Events.
type TurnHandler struct {
	turns  *service.TurnService
	logger *logger.Logger
}

// NewTurnHandler creates a new turn handler.
func NewTurnHandler(turns *service.TurnService, log *logger.Logger) *TurnHandler {
	return &TurnHandler{
		turns:  turns,
		logger: log,
	}
}

// Send handles POST /api/v1/sessions/{id}/turns
//
// Rejections (unknown session, completed, turn in flight) are plain JSON
// errors. Once the first chunk is written the response is an SSE stream,
// and failures after that point arrive as an error event.
func (h *TurnHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, err.Error())
		return
	}
	if middleware.GetSessionID(ctx) != sessionID {
		writeError(w, http.StatusUnauthorized, model.CodeInvalidToken, "token does not match session")
		return
	}

	var req model.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateTurnContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, err.Error())
		return
	}

	sse := &sseWriter{w: w, rc: http.NewResponseController(w)}
	defer sse.close()

	// The done frame is part of the turn: if it cannot be written the
	// session does not advance.
	finish := func(messageID string) error {
		return sse.send(eventDone, &model.DoneEvent{MessageID: messageID})
	}

	_, err := h.turns.Run(ctx, sessionID, req, sse.emitChunk, finish)
	if err != nil {
		if !sse.started {
			h.reject(w, sessionID, err)
			return
		}
		h.logger.Warn("turn stream failed",
			zap.String("session_id", sessionID),
			zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
			zap.Error(err),
		)
		if ctx.Err() == nil {
			_ = sse.send(eventError, &model.ErrorEvent{
				Code:    model.CodeStreamError,
				Message: "the agent could not finish its reply",
			})
		}
		return
	}
}

func (h *TurnHandler) reject(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, model.CodeSessionNotFound, "session not found")
	case errors.Is(err, service.ErrSessionCompleted):
		writeError(w, http.StatusConflict, model.CodeSessionCompleted, "session is completed")
	case errors.Is(err, service.ErrTurnInFlight):
		writeError(w, http.StatusConflict, model.CodeTurnInFlight, "a turn is already in progress")
	default:
		h.logger.Error("turn failed before streaming", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusBadGateway, model.CodeStreamError, "the agent could not reply")
	}
}

// sseWriter opens the event stream on first use.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
}

func (s *sseWriter) close() {
	if s.started {
		metrics.DecrementSSEConnections()
	}
}

func (s *sseWriter) emitChunk(c model.Chunk) error {
	switch c := c.(type) {
	case model.ContentChunk:
		return s.send(eventContent, &model.ContentEvent{Text: c.Text})
	case model.FieldChunk:
		return s.send(eventField, &model.FieldEvent{FieldKey: c.FieldKey, FieldValue: c.FieldValue})
	case model.StatusChunk:
		return s.send(eventStatus, &model.StatusEvent{Status: c.State})
	default:
		return fmt.Errorf("unsupported chunk kind %q", c.Kind())
	}
}

func (s *sseWriter) send(event string, data interface{}) error {
	s.start()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	return s.rc.Flush()
}
