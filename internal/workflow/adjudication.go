package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/monitoring"
)

// AdjudicationStatus is derived from stored annotations and adjudications;
// it is never persisted.
type AdjudicationStatus string

const (
	StatusNotDoubleAnnotated AdjudicationStatus = "not_double_annotated"
	StatusNoConflict         AdjudicationStatus = "double_annotated_no_conflict"
	StatusConflict           AdjudicationStatus = "double_annotated_conflict"
	StatusAdjudicated        AdjudicationStatus = "adjudicated"
)

// NeedsAdjudication reports whether the status awaits a first resolution.
func (s AdjudicationStatus) NeedsAdjudication() bool {
	return s == StatusNoConflict || s == StatusConflict
}

// AutoFillNote is recorded on adjudications written by AutoFill.
const AutoFillNote = "Auto-filled from matching A/B labels"

// ConflictFields returns the comparison fields on which the first two formal
// annotations disagree. It returns nil when fewer than two are given.
func ConflictFields(schema labels.Schema, formal []Annotation) []string {
	ab := pairAB(sortedFormal(formal))
	if len(ab) < 2 {
		return nil
	}
	return schema.ConflictFields(ab[0].Label, ab[1].Label)
}

// Status derives the adjudication status of one sample. An adjudication
// takes precedence over any comparison of the annotators.
func Status(schema labels.Schema, formal []Annotation, adj *Adjudication) AdjudicationStatus {
	if adj != nil {
		return StatusAdjudicated
	}
	formal = sortedFormal(formal)
	if distinctUsers(formal) < 2 {
		return StatusNotDoubleAnnotated
	}
	if len(ConflictFields(schema, formal)) > 0 {
		return StatusConflict
	}
	return StatusNoConflict
}

func sortedFormal(anns []Annotation) []Annotation {
	out := make([]Annotation, 0, len(anns))
	for _, a := range anns {
		if a.Mode.Formal() {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, CompareAnnotations)
	return out
}

// AdjudicationDetail bundles everything needed to resolve one sample.
type AdjudicationDetail struct {
	TaskItem       TaskItem           `json:"task_item"`
	Context        *DocContext        `json:"context,omitempty"`
	Annotations    []Annotation       `json:"annotations_ab"`
	Adjudication   *Adjudication      `json:"adjudication,omitempty"`
	Status         AdjudicationStatus `json:"status"`
	ConflictFields []string           `json:"conflict_fields"`
}

func buildDetail(schema labels.Schema, item TaskItem, formal []Annotation, adj *Adjudication) AdjudicationDetail {
	formal = sortedFormal(formal)
	conflicts := ConflictFields(schema, formal)
	if conflicts == nil {
		conflicts = []string{}
	}
	return AdjudicationDetail{
		TaskItem:       item,
		Annotations:    slices.Clone(pairAB(formal)),
		Adjudication:   adj,
		Status:         Status(schema, formal, adj),
		ConflictFields: conflicts,
	}
}

// AdjudicationDetail loads the detail view for one sample.
func (s *Service) AdjudicationDetail(ctx context.Context, sess Session, tt labels.TaskType, sampleID string) (AdjudicationDetail, error) {
	if _, err := s.requireAdjudicator(ctx, sess, "adjudication detail"); err != nil {
		return AdjudicationDetail{}, err
	}
	schema, err := parseTaskType(tt)
	if err != nil {
		return AdjudicationDetail{}, err
	}
	item, err := s.store.GetTaskItem(ctx, tt, sampleID)
	if err != nil {
		return AdjudicationDetail{}, err
	}
	formal, err := s.store.ListAnnotations(ctx, AnnotationFilter{TaskType: tt, SampleID: sampleID, Mode: labels.ModeAnnotator})
	if err != nil {
		return AdjudicationDetail{}, err
	}
	adj, err := s.store.GetAdjudication(ctx, tt, sampleID)
	if err != nil {
		return AdjudicationDetail{}, err
	}
	detail := buildDetail(schema, item, formal, adj)
	if detail.Context, err = s.store.GetDocContext(ctx, item.DocID); err != nil {
		return AdjudicationDetail{}, err
	}
	return detail, nil
}

// QueueRow is one entry of the adjudication queue.
type QueueRow struct {
	SampleID  string             `json:"sample_id"`
	TaskType  labels.TaskType    `json:"task_type"`
	DocID     string             `json:"doc_id"`
	Status    AdjudicationStatus `json:"status"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// QueueFilter narrows BuildQueue. An empty TaskType means every task.
type QueueFilter struct {
	TaskType      labels.TaskType
	OnlyConflicts bool
}

// BuildQueue lists samples awaiting adjudication together with those
// already adjudicated, most recently updated first. UpdatedAt is the
// adjudication time, else the latest formal submission, else the item's
// creation time.
func BuildQueue(snap Snapshot, f QueueFilter) []QueueRow {
	var rows []QueueRow
	for _, tt := range labels.All() {
		if f.TaskType != "" && tt != f.TaskType {
			continue
		}
		schema := tt.MustSchema()
		idx := snap.index(tt, false)
		for _, it := range idx.items {
			formal := idx.formal[it.SampleID]
			adj := idx.adj[it.SampleID]
			status := Status(schema, formal, adj)
			if !status.NeedsAdjudication() && adj == nil {
				continue
			}
			if f.OnlyConflicts && status != StatusConflict {
				continue
			}
			updated := it.CreatedAt
			switch {
			case adj != nil:
				updated = adj.AdjudicatedAt
			case len(formal) > 0:
				updated = formal[len(formal)-1].SubmittedAt
			}
			rows = append(rows, QueueRow{
				SampleID:  it.SampleID,
				TaskType:  it.TaskType,
				DocID:     it.DocID,
				Status:    status,
				UpdatedAt: updated,
			})
		}
	}
	slices.SortStableFunc(rows, func(a, b QueueRow) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if c := strings.Compare(string(a.TaskType), string(b.TaskType)); c != 0 {
			return c
		}
		return strings.Compare(a.SampleID, b.SampleID)
	})
	return rows
}

// NextInQueue returns the row after the current sample, if any.
func NextInQueue(queue []QueueRow, tt labels.TaskType, sampleID string) (QueueRow, bool) {
	i := slices.IndexFunc(queue, func(r QueueRow) bool { return r.TaskType == tt && r.SampleID == sampleID })
	if i < 0 || i+1 >= len(queue) {
		return QueueRow{}, false
	}
	return queue[i+1], true
}

// AdjudicationQueue returns BuildQueue over the current state.
func (s *Service) AdjudicationQueue(ctx context.Context, sess Session, f QueueFilter) ([]QueueRow, error) {
	if _, err := s.requireAdjudicator(ctx, sess, "adjudication queue"); err != nil {
		return nil, err
	}
	if f.TaskType != "" {
		if _, err := parseTaskType(f.TaskType); err != nil {
			return nil, err
		}
	}
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	rows := BuildQueue(snap, f)
	if rows == nil {
		rows = []QueueRow{}
	}
	return rows, nil
}

// SaveAdjudicationRequest resolves one sample.
type SaveAdjudicationRequest struct {
	TaskType labels.TaskType
	SampleID string
	Session  Session
	// Resolved holds the adjudicated_* fields for the task type.
	Resolved map[string]any
	Notes    *string
}

// SaveAdjudication validates and upserts a manual adjudication.
func (s *Service) SaveAdjudication(ctx context.Context, req SaveAdjudicationRequest) (Adjudication, error) {
	user, err := s.requireAdjudicator(ctx, req.Session, "adjudication")
	if err != nil {
		return Adjudication{}, err
	}
	schema, err := parseTaskType(req.TaskType)
	if err != nil {
		return Adjudication{}, err
	}
	resolved, err := schema.NormalizeResolution(req.Resolved)
	if err != nil {
		return Adjudication{}, invalid(err)
	}
	if _, err := s.store.GetTaskItem(ctx, req.TaskType, req.SampleID); err != nil {
		return Adjudication{}, err
	}
	saved, err := s.store.UpsertAdjudication(ctx, Adjudication{
		ID:            uuid.NewString(),
		TaskType:      req.TaskType,
		SampleID:      req.SampleID,
		Resolved:      resolved,
		Notes:         req.Notes,
		AdjudicatedBy: user.ID,
		AdjudicatedAt: s.now(),
	})
	if err != nil {
		return Adjudication{}, fmt.Errorf("save adjudication %s/%s: %w", req.TaskType, req.SampleID, err)
	}
	return saved, nil
}

// AutoFillCandidates returns adjudications copying annotator A's values for
// every sample whose first two formal annotations agree and which has no
// adjudication yet.
func AutoFillCandidates(snap Snapshot, tt labels.TaskType, by string, now time.Time) []Adjudication {
	var out []Adjudication
	for _, t := range labels.All() {
		if tt != "" && t != tt {
			continue
		}
		schema := t.MustSchema()
		idx := snap.index(t, false)
		for _, it := range idx.items {
			formal := idx.formal[it.SampleID]
			if Status(schema, formal, idx.adj[it.SampleID]) != StatusNoConflict {
				continue
			}
			note := AutoFillNote
			out = append(out, Adjudication{
				ID:            uuid.NewString(),
				TaskType:      t,
				SampleID:      it.SampleID,
				Resolved:      maps.Clone(schema.ResolutionFromLabel(formal[0].Label)),
				Notes:         &note,
				AdjudicatedBy: by,
				AdjudicatedAt: now,
				AutoFilled:    true,
			})
		}
	}
	return out
}

// AutoFill adjudicates every agreeing sample and returns how many were
// written. A rerun on unchanged state writes nothing.
func (s *Service) AutoFill(ctx context.Context, sess Session, tt labels.TaskType) (int, error) {
	user, err := s.requireAdjudicator(ctx, sess, "auto-fill")
	if err != nil {
		return 0, err
	}
	if tt != "" {
		if _, err := parseTaskType(tt); err != nil {
			return 0, err
		}
	}
	defer monitoring.Timed("autofill")()

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, adj := range AutoFillCandidates(snap, tt, user.ID, s.now()) {
		if _, err := s.store.UpsertAdjudication(ctx, adj); err != nil {
			return updated, fmt.Errorf("auto-fill %s/%s: %w", adj.TaskType, adj.SampleID, err)
		}
		updated++
	}
	monitoring.Logf("autofill by %s: %d samples adjudicated", user.ID, updated)
	return updated, nil
}
