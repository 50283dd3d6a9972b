package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/formchat/internal/middleware"
	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/service"
	"github.com/capitalize-ai/formchat/pkg/logger"
)

// AgentHandler serves agent schemas and opens sessions.
type AgentHandler struct {
	sessions *service.SessionService
	logger   *logger.Logger
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(sessions *service.SessionService, log *logger.Logger) *AgentHandler {
	return &AgentHandler{
		sessions: sessions,
		logger:   log,
	}
}

// Schema handles GET /api/v1/agents/{slug}/schema
func (h *AgentHandler) Schema(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := middleware.ValidateAgentSlug(slug); err != nil {
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, err.Error())
		return
	}

	agent, err := h.sessions.Agent(slug)
	if err != nil {
		writeError(w, http.StatusNotFound, model.CodeAgentNotFound, "agent not found")
		return
	}

	writeJSON(w, http.StatusOK, &model.AgentSchemaResponse{
		Slug:             agent.Slug,
		Name:             agent.Name,
		RequiresPassword: agent.RequiresPassword(),
		Fields:           agent.Schema().Fields(),
	})
}

// StartSession handles POST /api/v1/agents/{slug}/sessions
func (h *AgentHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := middleware.ValidateAgentSlug(slug); err != nil {
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, err.Error())
		return
	}

	var req model.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, "invalid request body")
		return
	}

	resp, err := h.sessions.Start(r.Context(), slug, req.Password)
	switch {
	case errors.Is(err, service.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, model.CodeAgentNotFound, "agent not found")
		return
	case errors.Is(err, service.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, model.CodeAuthRequired, "this agent requires a password")
		return
	case err != nil:
		h.logger.Error("failed to start session", zap.String("agent", slug), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", "failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}
