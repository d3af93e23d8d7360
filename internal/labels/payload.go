package labels

import "fmt"

// Label is one annotator's judgment on a sample.
type Label interface {
	TaskType() TaskType
	Validate() error
	// Compared returns the comparison field values, binary fields as int and
	// enum fields as string.
	Compared() map[string]any
	// Note returns the free-text note, or "" if none was given.
	Note() string
}

// AISentenceLabel is the ai_sentence_audit payload.
type AISentenceLabel struct {
	IsAITrue          *int    `json:"is_ai_true"`
	FalsePositiveType *string `json:"false_positive_type,omitempty"`
	Notes             *string `json:"notes,omitempty"`
}

func (l *AISentenceLabel) TaskType() TaskType { return AISentenceAudit }

func (l *AISentenceLabel) Validate() error {
	return validateBinary("is_ai_true", l.IsAITrue)
}

func (l *AISentenceLabel) Compared() map[string]any {
	return map[string]any{"is_ai_true": deref(l.IsAITrue)}
}

func (l *AISentenceLabel) Note() string { return derefString(l.Notes) }

// RoleLabel is the role_audit_qa_turns payload.
type RoleLabel struct {
	RoleTrue string  `json:"role_true"`
	Notes    *string `json:"notes,omitempty"`
}

func (l *RoleLabel) TaskType() TaskType { return RoleAudit }

func (l *RoleLabel) Validate() error {
	return validateEnum("role_true", l.RoleTrue, roleValues)
}

func (l *RoleLabel) Compared() map[string]any {
	return map[string]any{"role_true": l.RoleTrue}
}

func (l *RoleLabel) Note() string { return derefString(l.Notes) }

// BoundaryLabel is the qa_boundary_audit_docs payload.
type BoundaryLabel struct {
	BoundaryCorrect *int    `json:"boundary_correct"`
	PairingQuality  string  `json:"pairing_quality"`
	Notes           *string `json:"notes,omitempty"`
}

func (l *BoundaryLabel) TaskType() TaskType { return BoundaryAudit }

func (l *BoundaryLabel) Validate() error {
	if err := validateBinary("boundary_correct", l.BoundaryCorrect); err != nil {
		return err
	}
	return validateEnum("pairing_quality", l.PairingQuality, pairingValues)
}

func (l *BoundaryLabel) Compared() map[string]any {
	return map[string]any{
		"boundary_correct": deref(l.BoundaryCorrect),
		"pairing_quality":  l.PairingQuality,
	}
}

func (l *BoundaryLabel) Note() string { return derefString(l.Notes) }

// InitiationLabel is the initiation_audit_exchanges payload.
type InitiationLabel struct {
	QuestionIsAITrue   *int    `json:"question_is_ai_true"`
	AnswerIsAITrue     *int    `json:"answer_is_ai_true"`
	InitiationTypeTrue string  `json:"initiation_type_true"`
	Notes              *string `json:"notes,omitempty"`
}

func (l *InitiationLabel) TaskType() TaskType { return InitiationAudit }

func (l *InitiationLabel) Validate() error {
	if err := validateBinary("question_is_ai_true", l.QuestionIsAITrue); err != nil {
		return err
	}
	if err := validateBinary("answer_is_ai_true", l.AnswerIsAITrue); err != nil {
		return err
	}
	return validateEnum("initiation_type_true", l.InitiationTypeTrue, initiationValues)
}

func (l *InitiationLabel) Compared() map[string]any {
	return map[string]any{
		"question_is_ai_true":  deref(l.QuestionIsAITrue),
		"answer_is_ai_true":    deref(l.AnswerIsAITrue),
		"initiation_type_true": l.InitiationTypeTrue,
	}
}

func (l *InitiationLabel) Note() string { return derefString(l.Notes) }

func validateBinary(name string, v *int) error {
	if v == nil {
		return fmt.Errorf("%w: %s is required", ErrInvalidLabel, name)
	}
	if *v != 0 && *v != 1 {
		return fmt.Errorf("%w: %s must be 0 or 1, got %d", ErrInvalidLabel, name, *v)
	}
	return nil
}

func validateEnum(name, v string, allowed []string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be one of %v, got %q", ErrInvalidLabel, name, allowed, v)
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
