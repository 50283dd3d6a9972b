// Package agentapi is the HTTP client for the remote agent backend. It
// implements conversation.Backend: start-session as a JSON request and
// send-turn as a Server-Sent Events stream.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/formchat/internal/conversation"
	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/schema"
	"github.com/capitalize-ai/formchat/pkg/logger"
)

// ErrAgentNotFound is returned for an unknown agent slug.
var ErrAgentNotFound = errors.New("agent not found")

// APIError is a non-success response from the backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent api: %d: %s", e.StatusCode, e.Message)
}

// Client talks to the agent backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Streaming turns are bounded by the
// request context, so the client should not carry a global timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger.Global(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ conversation.Backend = (*Client)(nil)

// FetchSchema retrieves the agent's field definitions.
func (c *Client) FetchSchema(ctx context.Context, agentSlug string) (*schema.Schema, *model.AgentSchemaResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.agentURL(agentSlug, "schema"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build schema request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch schema: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, c.decodeError(resp)
	}

	var body model.AgentSchemaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("failed to decode schema: %w", err)
	}

	s, err := schema.New(body.Fields)
	if err != nil {
		return nil, nil, fmt.Errorf("agent %s returned an invalid schema: %w", agentSlug, err)
	}
	return s, &body, nil
}

// StartSession implements conversation.Backend.
func (c *Client) StartSession(ctx context.Context, agentSlug, credential string) (*model.StartResult, error) {
	payload, err := json.Marshal(model.StartSessionRequest{Password: credential})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.agentURL(agentSlug, "sessions"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var body model.StartSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode start response: %w", err)
	}

	c.logger.Debug("session opened",
		zap.String("agent", agentSlug),
		zap.String("session_id", body.SessionID),
	)

	return &model.StartResult{
		SessionID: body.SessionID,
		Token:     body.Token,
		State:     body.State,
		Seed:      body.Greeting,
	}, nil
}

// SendTurn implements conversation.Backend.
func (c *Client) SendTurn(ctx context.Context, turn model.TurnRequest) (conversation.ChunkStream, error) {
	payload, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turn: %w", err)
	}

	endpoint := c.baseURL + "/api/v1/sessions/" + url.PathEscape(turn.SessionID) + "/turns"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if turn.Token != "" {
		req.Header.Set("Authorization", "Bearer "+turn.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open turn stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected turn stream content type %q", ct)
	}

	return newChunkStream(resp.Body), nil
}

func (c *Client) agentURL(slug, suffix string) string {
	return c.baseURL + "/api/v1/agents/" + url.PathEscape(slug) + "/" + suffix
}

func (c *Client) decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body model.APIErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Code: body.Code, Message: body.Error}

	switch {
	case resp.StatusCode == http.StatusUnauthorized && body.Code == model.CodeAuthRequired:
		return fmt.Errorf("%w: %s", conversation.ErrAuthRequired, body.Error)
	case body.Code == model.CodeAgentNotFound:
		return fmt.Errorf("%w: %v", ErrAgentNotFound, apiErr)
	case body.Code == model.CodeSessionCompleted:
		return fmt.Errorf("%w: %v", conversation.ErrSessionCompleted, apiErr)
	}
	return apiErr
}
