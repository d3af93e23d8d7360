package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/callaudit/internal/labels"
)

// SaveAnnotationRequest is one label submission.
type SaveAnnotationRequest struct {
	TaskType labels.TaskType
	SampleID string
	Session  Session
	// BatchID links the submission to its claim; empty for unclaimed work.
	BatchID string
	Label   json.RawMessage
}

// SaveAnnotation validates and upserts a label, then marks the matching
// claim submitted.
//
// Formal submissions are rejected with ErrStaleSubmission when two other
// users already hold formal annotations on the sample. The check and the
// write are separate statements, so two submitters racing past the check
// can still produce a third formal annotation; the extra row is tolerated
// and only the first two by submission order are ever compared or exported.
func (s *Service) SaveAnnotation(ctx context.Context, req SaveAnnotationRequest) (Annotation, error) {
	if req.Session.Mode == labels.ModeAdjudicator {
		return Annotation{}, forbidden("adjudicator mode cannot submit annotations")
	}
	schema, err := parseTaskType(req.TaskType)
	if err != nil {
		return Annotation{}, err
	}
	if req.SampleID == "" {
		return Annotation{}, fmt.Errorf("%w: missing sample id", ErrInvalidInput)
	}
	user, err := s.Authenticate(ctx, req.Session)
	if err != nil {
		return Annotation{}, err
	}
	label, err := schema.DecodeLabel(req.Label)
	if err != nil {
		return Annotation{}, invalid(err)
	}
	if _, err := s.store.GetTaskItem(ctx, req.TaskType, req.SampleID); err != nil {
		return Annotation{}, err
	}

	if req.Session.Mode.Formal() {
		existing, err := s.store.ListAnnotations(ctx, AnnotationFilter{
			TaskType: req.TaskType,
			SampleID: req.SampleID,
			Mode:     labels.ModeAnnotator,
		})
		if err != nil {
			return Annotation{}, err
		}
		if blocksSubmission(existing, user.ID) {
			return Annotation{}, fmt.Errorf("%w (%s %s)", ErrStaleSubmission, req.TaskType, req.SampleID)
		}
	}

	saved, err := s.store.UpsertAnnotation(ctx, Annotation{
		ID:          uuid.NewString(),
		TaskType:    req.TaskType,
		SampleID:    req.SampleID,
		UserID:      user.ID,
		UserName:    user.DisplayName,
		Mode:        req.Session.Mode,
		Label:       label,
		BatchID:     req.BatchID,
		SubmittedAt: s.now(),
	})
	if err != nil {
		return Annotation{}, fmt.Errorf("save annotation %s/%s: %w", req.TaskType, req.SampleID, err)
	}
	if req.BatchID != "" {
		if err := s.store.MarkClaimSubmitted(ctx, req.BatchID, req.TaskType, req.SampleID, user.ID); err != nil {
			return Annotation{}, fmt.Errorf("mark claim submitted: %w", err)
		}
	}
	return saved, nil
}

// blocksSubmission reports whether formal already has two distinct
// annotators, neither of them userID.
func blocksSubmission(formal []Annotation, userID string) bool {
	others := make(map[string]struct{})
	for _, a := range formal {
		if !a.Mode.Formal() {
			continue
		}
		if a.UserID == userID {
			return false
		}
		others[a.UserID] = struct{}{}
	}
	return len(others) >= 2
}
