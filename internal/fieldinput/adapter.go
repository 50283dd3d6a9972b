// Package fieldinput maps a raw UI input to the value sent for the field in
// focus. Values pass through verbatim: interpretation belongs to the agent.
package fieldinput

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/formchat/internal/schema"
)

var (
	// ErrUnsupportedType is returned for a field type with no handler.
	ErrUnsupportedType = errors.New("unsupported field type")
	// ErrInvalidOption is returned in strict mode for a select answer that is
	// not one of the field's options.
	ErrInvalidOption = errors.New("value is not a valid option")
)

// Outgoing is the normalized form of one user input.
type Outgoing struct {
	Content    string
	FieldKey   string
	FieldValue string
}

// Attributed reports whether the outgoing message answers a field.
func (o Outgoing) Attributed() bool {
	return o.FieldKey != ""
}

type handler func(f schema.Field, raw string) (string, error)

// Adapter normalizes raw input per field type.
type Adapter struct {
	handlers map[schema.FieldType]handler
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithStrictSelect rejects select answers outside the field's options.
func WithStrictSelect() Option {
	return func(a *Adapter) {
		a.handlers[schema.TypeSelect] = strictSelect
	}
}

// New creates an adapter with a handler registered for every field type.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		handlers: map[schema.FieldType]handler{
			schema.TypeText:     passthrough,
			schema.TypeNumber:   passthrough,
			schema.TypeEmail:    passthrough,
			schema.TypePhone:    passthrough,
			schema.TypeDate:     passthrough,
			schema.TypeSelect:   passthrough,
			schema.TypeTextarea: passthrough,
			schema.TypeFile:     passthrough,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Normalize produces the outgoing value for raw given the field in focus.
// A nil field means the free-form stage: content goes out unattributed.
func (a *Adapter) Normalize(field *schema.Field, raw string) (Outgoing, error) {
	if field == nil {
		return Outgoing{Content: raw}, nil
	}

	h, ok := a.handlers[field.Type]
	if !ok {
		return Outgoing{}, fmt.Errorf("%w: %s", ErrUnsupportedType, field.Type)
	}

	value, err := h(*field, raw)
	if err != nil {
		return Outgoing{}, err
	}

	return Outgoing{
		Content:    value,
		FieldKey:   field.Key,
		FieldValue: value,
	}, nil
}

func passthrough(_ schema.Field, raw string) (string, error) {
	return raw, nil
}

func strictSelect(f schema.Field, raw string) (string, error) {
	if !f.HasOption(raw) {
		return "", fmt.Errorf("%w for %s: %q", ErrInvalidOption, f.Key, raw)
	}
	return raw, nil
}
