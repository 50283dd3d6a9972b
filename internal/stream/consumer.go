// Package stream applies the chunks of one in-flight turn to a draft
// assistant message, in arrival order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/pkg/metrics"
)

// ErrUnknownChunk is returned for a chunk outside the closed variant set.
var ErrUnknownChunk = errors.New("unknown chunk kind")

// Source yields the chunks of one turn. Next returns io.EOF once the
// transport has completed successfully.
type Source interface {
	Next(ctx context.Context) (model.Chunk, error)
}

// Draft is the not-yet-committed result of a turn.
type Draft struct {
	Message model.ChatMessage
	// State is the last status received, nil if none arrived.
	State  *model.ConversationState
	Chunks int
}

// Consumer builds a Draft from chunks. It is owned by a single turn and is
// not safe for concurrent use.
type Consumer struct {
	draft Draft
}

// NewConsumer starts a draft from an empty assistant placeholder.
func NewConsumer(placeholder model.ChatMessage) *Consumer {
	placeholder.Role = model.RoleAssistant
	return &Consumer{draft: Draft{Message: placeholder}}
}

// Apply folds one chunk into the draft.
func (c *Consumer) Apply(chunk model.Chunk) error {
	switch ch := chunk.(type) {
	case model.ContentChunk:
		c.draft.Message.Content += ch.Text
	case model.FieldChunk:
		c.draft.Message.FieldKey = ch.FieldKey
		c.draft.Message.FieldValue = ch.FieldValue
	case model.StatusChunk:
		state := ch.State
		c.draft.State = &state
	default:
		return fmt.Errorf("%w: %T", ErrUnknownChunk, chunk)
	}

	c.draft.Chunks++
	metrics.StreamChunksTotal.WithLabelValues(string(chunk.Kind())).Inc()
	return nil
}

// Draft returns a copy of the current draft.
func (c *Consumer) Draft() Draft {
	d := c.draft
	if d.State != nil {
		state := *d.State
		d.State = &state
	}
	return d
}

// Drain reads src until completion, applying every chunk and calling
// onApplied after each one. Any error means the draft must be discarded.
func (c *Consumer) Drain(ctx context.Context, src Source, onApplied func(model.Chunk)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := c.Apply(chunk); err != nil {
			return err
		}
		if onApplied != nil {
			onApplied(chunk)
		}
	}
}
