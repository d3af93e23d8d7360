package labels

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrInvalidLabel is returned when a label or adjudication payload does not
// match its task type's schema.
var ErrInvalidLabel = errors.New("invalid label")

// Field describes one comparison field. A nil Allowed list marks a binary
// 0/1 field; otherwise the value must be one of Allowed.
type Field struct {
	Name    string
	Allowed []string
}

// Binary reports whether the field holds a 0/1 integer.
func (f Field) Binary() bool { return f.Allowed == nil }

func (f Field) normalize(v any) (any, error) {
	if f.Binary() {
		n, ok := asInt(v)
		if !ok || (n != 0 && n != 1) {
			return nil, fmt.Errorf("%w: %s must be 0 or 1, got %v", ErrInvalidLabel, f.Name, v)
		}
		return n, nil
	}
	s, ok := v.(string)
	if !ok || !slices.Contains(f.Allowed, s) {
		return nil, fmt.Errorf("%w: %s must be one of %v, got %v", ErrInvalidLabel, f.Name, f.Allowed, v)
	}
	return s, nil
}

// Schema is the per-task-type description of label and adjudication payloads.
type Schema struct {
	TaskType TaskType
	// Fields are compared between the two annotators to detect conflicts.
	Fields []Field
	// CoverageField names the comparison field whose adjudicated value is
	// counted against per-label coverage targets. Empty if the task has none.
	CoverageField string

	decode func(data []byte) (Label, error)
}

var (
	roleValues       = []string{"analyst", "management", "operator", "unknown"}
	pairingValues    = []string{"good", "minor_issue", "major_issue", "unusable"}
	initiationValues = []string{"analyst_initiated", "management_pivot", "analyst_only", "non_ai"}
)

// Schema returns the schema for t. This is the only switch over task types.
func (t TaskType) Schema() (Schema, error) {
	switch t {
	case AISentenceAudit:
		return Schema{
			TaskType: t,
			Fields:   []Field{{Name: "is_ai_true"}},
			decode:   decodeInto[*AISentenceLabel, AISentenceLabel],
		}, nil
	case RoleAudit:
		return Schema{
			TaskType:      t,
			Fields:        []Field{{Name: "role_true", Allowed: roleValues}},
			CoverageField: "role_true",
			decode:        decodeInto[*RoleLabel, RoleLabel],
		}, nil
	case BoundaryAudit:
		return Schema{
			TaskType: t,
			Fields: []Field{
				{Name: "boundary_correct"},
				{Name: "pairing_quality", Allowed: pairingValues},
			},
			decode: decodeInto[*BoundaryLabel, BoundaryLabel],
		}, nil
	case InitiationAudit:
		return Schema{
			TaskType: t,
			Fields: []Field{
				{Name: "question_is_ai_true"},
				{Name: "answer_is_ai_true"},
				{Name: "initiation_type_true", Allowed: initiationValues},
			},
			CoverageField: "initiation_type_true",
			decode:        decodeInto[*InitiationLabel, InitiationLabel],
		}, nil
	}
	return Schema{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, string(t))
}

// MustSchema is Schema for callers that already validated the task type.
func (t TaskType) MustSchema() Schema {
	s, err := t.Schema()
	if err != nil {
		panic(err)
	}
	return s
}

// FieldNames returns the comparison field names in schema order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// DecodeLabel parses and validates an annotator label payload.
func (s Schema) DecodeLabel(data []byte) (Label, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty payload for %s", ErrInvalidLabel, s.TaskType)
	}
	l, err := s.decode(data)
	if err != nil {
		return nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// ConflictFields returns the comparison fields on which a and b disagree.
func (s Schema) ConflictFields(a, b Label) []string {
	left, right := a.Compared(), b.Compared()
	var out []string
	for _, f := range s.Fields {
		if left[f.Name] != right[f.Name] {
			out = append(out, f.Name)
		}
	}
	return out
}

// AdjudicatedColumn returns the column holding the resolved value of field.
func AdjudicatedColumn(field string) string { return "adjudicated_" + field }

// AnnotatorColumn returns the export column for annotator slot "a" or "b".
func AnnotatorColumn(slot, field string) string { return "annotator_" + slot + "_" + field }

// ResolutionFromLabel builds an adjudication payload that copies l's
// comparison values.
func (s Schema) ResolutionFromLabel(l Label) map[string]any {
	values := l.Compared()
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		out[AdjudicatedColumn(f.Name)] = values[f.Name]
	}
	return out
}

// NormalizeResolution validates an adjudication payload. Every adjudicated
// column is required; binary values come back as int and enums as string.
// Keys outside the schema are rejected.
func (s Schema) NormalizeResolution(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		col := AdjudicatedColumn(f.Name)
		v, ok := raw[col]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: %s is required for %s", ErrInvalidLabel, col, s.TaskType)
		}
		nv, err := f.normalize(v)
		if err != nil {
			return nil, err
		}
		out[col] = nv
	}
	for k := range raw {
		if _, ok := out[k]; !ok {
			return nil, fmt.Errorf("%w: unexpected field %s for %s", ErrInvalidLabel, k, s.TaskType)
		}
	}
	return out, nil
}

// CoverageValue returns the adjudicated coverage label in resolved, if the
// schema tracks one.
func (s Schema) CoverageValue(resolved map[string]any) (string, bool) {
	if s.CoverageField == "" {
		return "", false
	}
	v, ok := resolved[AdjudicatedColumn(s.CoverageField)].(string)
	return v, ok
}

func decodeInto[T interface {
	Label
	*E
}, E any](data []byte) (Label, error) {
	var v E
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLabel, err)
	}
	return T(&v), nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
