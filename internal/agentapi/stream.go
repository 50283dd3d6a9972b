package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/capitalize-ai/formchat/internal/model"
)

var (
	// ErrTruncatedStream means the body ended without a done event.
	ErrTruncatedStream = errors.New("turn stream ended without completion")
	// ErrMalformedChunk means an event payload could not be decoded.
	ErrMalformedChunk = errors.New("malformed stream chunk")
)

// StreamError is an error reported by the agent in the middle of a turn.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("agent stream error (%s): %s", e.Code, e.Message)
}

// Event names on the turn stream.
const (
	EventContent   = "content"
	EventField     = "field"
	EventStatus    = "status"
	EventError     = "error"
	EventDone      = "done"
	EventHeartbeat = "heartbeat"
)

// chunkStream decodes a turn's SSE body into chunks.
type chunkStream struct {
	body    io.ReadCloser
	scanner *SSEScanner
	done    bool
}

func newChunkStream(body io.ReadCloser) *chunkStream {
	return &chunkStream{body: body, scanner: NewSSEScanner(body)}
}

// Next returns the next chunk, io.EOF after the done event, or an error.
func (s *chunkStream) Next(ctx context.Context) (model.Chunk, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !s.scanner.Next() {
			if err := s.scanner.Err(); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, fmt.Errorf("failed to read turn stream: %w", err)
			}
			return nil, ErrTruncatedStream
		}

		ev := s.scanner.Event()
		switch ev.Type {
		case EventContent:
			var payload model.ContentEvent
			if err := decode(ev, &payload); err != nil {
				return nil, err
			}
			return model.ContentChunk{Text: payload.Text}, nil

		case EventField:
			var payload model.FieldEvent
			if err := decode(ev, &payload); err != nil {
				return nil, err
			}
			return model.FieldChunk{FieldKey: payload.FieldKey, FieldValue: payload.FieldValue}, nil

		case EventStatus:
			var payload model.StatusEvent
			if err := decode(ev, &payload); err != nil {
				return nil, err
			}
			if payload.Status.Status == "" {
				return nil, fmt.Errorf("%w: status event without status", ErrMalformedChunk)
			}
			return model.StatusChunk{State: payload.Status}, nil

		case EventError:
			var payload model.ErrorEvent
			if err := decode(ev, &payload); err != nil {
				return nil, err
			}
			return nil, &StreamError{Code: payload.Code, Message: payload.Message}

		case EventDone:
			s.done = true
			return nil, io.EOF

		default:
			// heartbeats and unknown event types carry no chunk
		}
	}
}

// Close releases the response body.
func (s *chunkStream) Close() error {
	return s.body.Close()
}

func decode(ev SSEEvent, v any) error {
	if err := json.Unmarshal([]byte(ev.Data), v); err != nil {
		return fmt.Errorf("%w: %s event: %v", ErrMalformedChunk, ev.Type, err)
	}
	return nil
}
