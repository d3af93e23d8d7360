package workflow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/banshee-data/callaudit/internal/batching"
	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/monitoring"
)

// ClaimRequest asks for a new batch of samples.
type ClaimRequest struct {
	TaskType  labels.TaskType
	Session   Session
	BatchSize int
}

// ClaimResult describes the batch that was issued.
type ClaimResult struct {
	BatchID       string          `json:"batch_id"`
	TaskType      labels.TaskType `json:"task_type"`
	SampleIDs     []string        `json:"sample_ids"`
	ToDoubleCount int             `json:"to_double_count"`
	NewItemCount  int             `json:"new_item_count"`
}

// NewBatchID returns a unique batch id.
func NewBatchID() string { return "batch-" + uuid.NewString() }

// tiers is the classification of a task's items by distinct formal annotators.
type tiers struct {
	singleOnly    []batching.Candidate
	zero          []string
	alreadyDouble []string
}

// formalAnnotators maps sample id to the distinct formal annotator ids in
// first-seen order.
func formalAnnotators(anns []Annotation) map[string][]string {
	out := make(map[string][]string)
	for _, a := range anns {
		if !a.Mode.Formal() {
			continue
		}
		if !slices.Contains(out[a.SampleID], a.UserID) {
			out[a.SampleID] = append(out[a.SampleID], a.UserID)
		}
	}
	return out
}

func classify(items []TaskItem, anns []Annotation) tiers {
	byUser := formalAnnotators(anns)
	var t tiers
	for _, it := range items {
		users := byUser[it.SampleID]
		switch {
		case len(users) >= 2:
			t.alreadyDouble = append(t.alreadyDouble, it.SampleID)
		case len(users) == 1:
			t.singleOnly = append(t.singleOnly, batching.Candidate{SampleID: it.SampleID, AnnotatorIDs: users})
		default:
			t.zero = append(t.zero, it.SampleID)
		}
	}
	return t
}

// ClaimBatch allocates a batch of samples to the session's user and records
// one claim per sample. Classification, allocation and claim insertion run
// under the store's task lock so concurrent callers never receive
// overlapping samples.
func (s *Service) ClaimBatch(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if _, err := parseTaskType(req.TaskType); err != nil {
		return ClaimResult{}, err
	}
	if _, err := batching.Limit(req.BatchSize); err != nil {
		return ClaimResult{}, invalid(err)
	}
	if req.Session.Mode == labels.ModeAdjudicator {
		return ClaimResult{}, forbidden("adjudicator mode cannot claim annotation batches")
	}
	user, err := s.Authenticate(ctx, req.Session)
	if err != nil {
		return ClaimResult{}, err
	}

	var res ClaimResult
	err = s.store.WithTaskLock(ctx, req.TaskType, func(tx ClaimTx) error {
		now := s.now()
		items, err := tx.ListTaskItems(ctx, req.TaskType)
		if err != nil {
			return fmt.Errorf("list task items: %w", err)
		}
		anns, err := tx.ListAnnotations(ctx, AnnotationFilter{TaskType: req.TaskType})
		if err != nil {
			return fmt.Errorf("list annotations: %w", err)
		}
		active, err := tx.ListActiveClaims(ctx, req.TaskType, now)
		if err != nil {
			return fmt.Errorf("list active claims: %w", err)
		}

		blocked := make(map[string]bool, len(active))
		for _, c := range active {
			if c.Active(now) {
				blocked[c.SampleID] = true
			}
		}
		t := classify(items, anns)
		in := batching.Input{
			BatchSize:     req.BatchSize,
			UserID:        user.ID,
			AlreadyDouble: t.alreadyDouble,
		}
		for _, c := range t.singleOnly {
			if !blocked[c.SampleID] {
				in.SingleOnly = append(in.SingleOnly, c)
			}
		}
		for _, id := range t.zero {
			if !blocked[id] {
				in.Zero = append(in.Zero, id)
			}
		}
		// Any mode counts: a user never labels the same sample twice.
		for _, a := range anns {
			if a.UserID == user.ID {
				in.UserAnnotated = append(in.UserAnnotated, a.SampleID)
			}
		}

		alloc, err := s.allocate(in)
		if err != nil {
			return invalid(err)
		}

		batchID := NewBatchID()
		claims := make([]Claim, 0, len(alloc.SampleIDs))
		for _, id := range alloc.SampleIDs {
			claims = append(claims, Claim{
				ID:        uuid.NewString(),
				BatchID:   batchID,
				TaskType:  req.TaskType,
				SampleID:  id,
				UserID:    user.ID,
				Mode:      req.Session.Mode,
				Status:    ClaimClaimed,
				ClaimedAt: now,
				ExpiresAt: now.Add(s.ttl),
			})
		}
		if err := tx.InsertClaims(ctx, claims); err != nil {
			return fmt.Errorf("insert claims: %w", err)
		}
		res = ClaimResult{
			BatchID:       batchID,
			TaskType:      req.TaskType,
			SampleIDs:     alloc.SampleIDs,
			ToDoubleCount: alloc.ToDoubleCount,
			NewItemCount:  alloc.NewItemCount,
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	monitoring.Logf("claim %s: user=%s mode=%s task=%s assigned=%d to_double=%d new=%d",
		res.BatchID, user.ID, req.Session.Mode, req.TaskType, len(res.SampleIDs), res.ToDoubleCount, res.NewItemCount)
	return res, nil
}

func (s *Service) allocate(in batching.Input) (batching.Result, error) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return batching.Allocate(in, s.rng)
}

// BatchItem is one entry of a batch view.
type BatchItem struct {
	Claim        Claim       `json:"claim"`
	TaskItem     TaskItem    `json:"task_item"`
	Context      *DocContext `json:"context,omitempty"`
	MyAnnotation *Annotation `json:"existing_my_annotation,omitempty"`
}

// BatchView is a claimed batch ready for display.
type BatchView struct {
	BatchID  string          `json:"batch_id"`
	TaskType labels.TaskType `json:"task_type"`
	Items    []BatchItem     `json:"items"`
}

// OrderBatchClaims sorts claims by sample id then claim id and keeps the
// first claim per sample. The result does not depend on the input order.
func OrderBatchClaims(claims []Claim) []Claim {
	sorted := slices.Clone(claims)
	slices.SortFunc(sorted, func(a, b Claim) int {
		return cmp.Or(cmp.Compare(a.SampleID, b.SampleID), cmp.Compare(a.ID, b.ID))
	})
	return slices.CompactFunc(sorted, func(a, b Claim) bool { return a.SampleID == b.SampleID })
}

// BatchView loads a previously claimed batch with its items, transcript
// contexts and the caller's own annotations.
func (s *Service) BatchView(ctx context.Context, sess Session, tt labels.TaskType, batchID string) (BatchView, error) {
	if _, err := parseTaskType(tt); err != nil {
		return BatchView{}, err
	}
	if batchID == "" {
		return BatchView{}, fmt.Errorf("%w: missing batch id", ErrInvalidInput)
	}
	user, err := s.Authenticate(ctx, sess)
	if err != nil {
		return BatchView{}, err
	}
	claims, err := s.store.ListClaimsByBatch(ctx, tt, batchID)
	if err != nil {
		return BatchView{}, err
	}
	if len(claims) == 0 {
		return BatchView{}, notFound("batch %s for %s", batchID, tt)
	}

	mine, err := s.store.ListAnnotations(ctx, AnnotationFilter{TaskType: tt, UserID: user.ID})
	if err != nil {
		return BatchView{}, err
	}
	contexts := make(map[string]*DocContext)

	view := BatchView{BatchID: batchID, TaskType: tt, Items: []BatchItem{}}
	for _, c := range OrderBatchClaims(claims) {
		item, err := s.store.GetTaskItem(ctx, tt, c.SampleID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return BatchView{}, err
		}
		dc, ok := contexts[item.DocID]
		if !ok {
			if dc, err = s.store.GetDocContext(ctx, item.DocID); err != nil {
				return BatchView{}, err
			}
			contexts[item.DocID] = dc
		}
		view.Items = append(view.Items, BatchItem{
			Claim:        c,
			TaskItem:     item,
			Context:      dc,
			MyAnnotation: ownAnnotation(mine, c.SampleID, sess.Mode),
		})
	}
	return view, nil
}

// ownAnnotation prefers the annotation made in mode, falling back to any
// mode for the same sample.
func ownAnnotation(mine []Annotation, sampleID string, mode labels.Mode) *Annotation {
	var fallback *Annotation
	for i := range mine {
		if mine[i].SampleID != sampleID {
			continue
		}
		if mine[i].Mode == mode {
			return &mine[i]
		}
		if fallback == nil {
			fallback = &mine[i]
		}
	}
	return fallback
}
