// File: api/schemas/fields.go
package schemas

import (
	"fmt"
	"strings"
)

// FieldKind classifies a fillable element on a target surface. It is a closed
// enum so the filler's per-kind dispatch can be exhaustive; anything the
// extractor cannot classify becomes KindOther, which the filler treats with
// the text strategy.
type FieldKind int

const (
	KindText FieldKind = iota
	KindSelect
	KindCheckbox
	KindRadio
	KindTextarea
	KindOther
)

var fieldKindNames = map[FieldKind]string{
	KindText:     "text",
	KindSelect:   "select",
	KindCheckbox: "checkbox",
	KindRadio:    "radio",
	KindTextarea: "textarea",
	KindOther:    "other",
}

func (k FieldKind) String() string {
	if name, ok := fieldKindNames[k]; ok {
		return name
	}
	return "other"
}

// MarshalText implements encoding.TextMarshaler.
func (k FieldKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *FieldKind) UnmarshalText(text []byte) error {
	parsed, err := ParseFieldKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseFieldKind maps an input "type" attribute (or tag name) to a FieldKind.
// The text-like HTML input types all collapse to KindText because they share
// a fill strategy.
func ParseFieldKind(s string) (FieldKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "number", "date", "url", "email", "tel", "password", "search":
		return KindText, nil
	case "select", "select-one", "select-multiple":
		return KindSelect, nil
	case "checkbox":
		return KindCheckbox, nil
	case "radio":
		return KindRadio, nil
	case "textarea":
		return KindTextarea, nil
	case "", "other", "hidden", "file", "range", "color", "time", "month", "week":
		return KindOther, nil
	default:
		return KindOther, nil
	}
}

// FieldDescriptor is the normalized representation of one fillable element.
// It is produced fresh per request and never persisted beyond the cache's
// templated form.
type FieldDescriptor struct {
	// Selector is the primary CSS selector targeting the element.
	Selector string `json:"selector"`
	// Name is the element's name (or id fallback); the key in value maps.
	Name     string    `json:"name"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required"`
	// SpecificValue binds a radio/checkbox descriptor to the concrete value
	// of one element in a same-named group.
	SpecificValue string `json:"specificValue,omitempty"`
	// Label is the visible label text, when one could be associated. Used
	// only to give the generation call context.
	Label string `json:"label,omitempty"`
	// Options holds the visible choices for select elements.
	Options []string `json:"options,omitempty"`
}

// Complexity is a coarse score derived from field count and the presence of
// essay-style fields. Reporting only; never control flow.
type Complexity int

const (
	ComplexityLow Complexity = iota
	ComplexityMedium
	ComplexityHigh
)

func (c Complexity) String() string {
	switch c {
	case ComplexityLow:
		return "low"
	case ComplexityMedium:
		return "medium"
	case ComplexityHigh:
		return "high"
	default:
		return fmt.Sprintf("complexity(%d)", int(c))
	}
}

// ExtractionResult is the outcome of inspecting a loaded target surface.
type ExtractionResult struct {
	Fields                   []FieldDescriptor `json:"fields"`
	HasVerificationChallenge bool              `json:"hasVerificationChallenge"`
	Complexity               Complexity        `json:"complexity"`
}
