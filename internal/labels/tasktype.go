// Package labels defines the four audit task types and the label payloads
// annotators and adjudicators submit for each of them.
//
// Everything that depends on the shape of a label (comparison fields,
// adjudicated columns, export columns, coverage labels) is derived from the
// Schema returned by TaskType.Schema, which is the single switch over the
// task types. Adding a task type means adding a case there.
package labels

import (
	"errors"
	"fmt"
)

// TaskType identifies one of the fixed audit tasks.
type TaskType string

const (
	AISentenceAudit TaskType = "ai_sentence_audit"
	RoleAudit       TaskType = "role_audit_qa_turns"
	BoundaryAudit   TaskType = "qa_boundary_audit_docs"
	InitiationAudit TaskType = "initiation_audit_exchanges"
)

// ErrUnknownTaskType is returned when a task type string is not one of the
// four supported values.
var ErrUnknownTaskType = errors.New("unknown task type")

// All returns the task types in display order.
func All() []TaskType {
	return []TaskType{AISentenceAudit, RoleAudit, BoundaryAudit, InitiationAudit}
}

// Parse validates s and returns it as a TaskType.
func Parse(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the supported task types.
func (t TaskType) Valid() bool {
	_, err := t.Schema()
	return err == nil
}

func (t TaskType) String() string { return string(t) }

// Mode is the role a user acts in for a session.
type Mode string

const (
	// ModeAnnotator is formal work; it counts toward double-annotation targets.
	ModeAnnotator Mode = "annotator"
	// ModeTest is practice work, excluded from formal progress.
	ModeTest Mode = "test"
	// ModeAdjudicator resolves samples and may not submit annotations.
	ModeAdjudicator Mode = "adjudicator"
)

// ErrUnknownMode is returned for a mode string outside the three modes.
var ErrUnknownMode = errors.New("unknown mode")

// ParseMode validates s and returns it as a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAnnotator, ModeTest, ModeAdjudicator:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Formal reports whether annotations in this mode count toward coverage.
func (m Mode) Formal() bool { return m == ModeAnnotator }
