package conversation

import (
	"context"

	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/stream"
)

// Backend is the remote agent the controller talks to.
type Backend interface {
	// StartSession opens a session. A missing or wrong credential must be
	// reported as an error wrapping ErrAuthRequired.
	StartSession(ctx context.Context, agentSlug, credential string) (*model.StartResult, error)

	// SendTurn opens the reply stream for one user message.
	SendTurn(ctx context.Context, req model.TurnRequest) (ChunkStream, error)
}

// ChunkStream is an open reply stream. Next returns io.EOF on successful
// completion; Close releases the transport and must always be called.
type ChunkStream interface {
	stream.Source
	Close() error
}
