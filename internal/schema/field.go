// Package schema describes the fields an agent collects. Schemas are
// immutable once built and are only ever read by the session engine.
package schema

// FieldType is the input type of a schema field.
type FieldType string

const (
	TypeText     FieldType = "text"
	TypeNumber   FieldType = "number"
	TypeEmail    FieldType = "email"
	TypePhone    FieldType = "phone"
	TypeDate     FieldType = "date"
	TypeSelect   FieldType = "select"
	TypeTextarea FieldType = "textarea"
	TypeFile     FieldType = "file"
)

// Types lists every known field type.
var Types = []FieldType{
	TypeText, TypeNumber, TypeEmail, TypePhone,
	TypeDate, TypeSelect, TypeTextarea, TypeFile,
}

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Validation holds advisory constraints for the UI. The engine does not
// enforce them.
type Validation struct {
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Custom  string   `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Field is a single schema field definition.
type Field struct {
	Key         string      `json:"key" yaml:"key"`
	Label       string      `json:"label,omitempty" yaml:"label,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Type        FieldType   `json:"type" yaml:"type"`
	Required    bool        `json:"required" yaml:"required"`
	Validation  *Validation `json:"validation,omitempty" yaml:"validation,omitempty"`
	Options     []string    `json:"options,omitempty" yaml:"options,omitempty"`
}

// DisplayName returns the label, falling back to the key.
func (f Field) DisplayName() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Key
}

// HasOption reports whether v is one of the field's options (case-sensitive).
func (f Field) HasOption(v string) bool {
	for _, o := range f.Options {
		if o == v {
			return true
		}
	}
	return false
}
