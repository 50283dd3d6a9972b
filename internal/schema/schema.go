package schema

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyKey       = errors.New("field key cannot be empty")
	ErrDuplicateKey   = errors.New("duplicate field key")
	ErrUnknownType    = errors.New("unknown field type")
	ErrMissingOptions = errors.New("select field requires options")
	ErrUnexpectedOpts = errors.New("options are only allowed on select fields")
)

// Schema is an ordered, immutable set of fields.
type Schema struct {
	fields []Field
	index  map[string]int
}

// New validates fields and builds a schema from them.
func New(fields []Field) (*Schema, error) {
	s := &Schema{
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}

	for _, f := range fields {
		if f.Key == "" {
			return nil, ErrEmptyKey
		}
		if _, exists := s.index[f.Key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, f.Key)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("%w %q on field %s", ErrUnknownType, f.Type, f.Key)
		}
		if f.Type == TypeSelect && len(f.Options) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingOptions, f.Key)
		}
		if f.Type != TypeSelect && len(f.Options) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedOpts, f.Key)
		}

		s.index[f.Key] = len(s.fields)
		s.fields = append(s.fields, clone(f))
	}

	return s, nil
}

// MustNew is like New but panics on an invalid schema.
func MustNew(fields []Field) *Schema {
	s, err := New(fields)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the field with the given key. A missing key is not an
// error; callers treat it as "no active field".
func (s *Schema) Lookup(key string) (Field, bool) {
	if s == nil || key == "" {
		return Field{}, false
	}
	i, ok := s.index[key]
	if !ok {
		return Field{}, false
	}
	return clone(s.fields[i]), true
}

// Fields returns the fields in declaration order.
func (s *Schema) Fields() []Field {
	if s == nil {
		return nil
	}
	out := make([]Field, len(s.fields))
	for i, f := range s.fields {
		out[i] = clone(f)
	}
	return out
}

// Len returns the number of fields.
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.fields)
}

func clone(f Field) Field {
	if f.Options != nil {
		f.Options = append([]string(nil), f.Options...)
	}
	if f.Validation != nil {
		v := *f.Validation
		f.Validation = &v
	}
	return f
}
