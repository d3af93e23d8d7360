package workflow

import (
	"context"
	"time"

	"github.com/banshee-data/callaudit/internal/labels"
)

// CoverageStatus counts adjudications carrying one coverage label.
type CoverageStatus struct {
	Label             string `json:"label_name"`
	AdjudicatedCount  int    `json:"adjudicated_count"`
	TargetMinPerLabel int    `json:"target_min_per_label"`
	Met               bool   `json:"is_label_target_met"`
}

// TaskProgress summarises one task type.
type TaskProgress struct {
	TaskType             labels.TaskType  `json:"task_type"`
	DisplayName          string           `json:"task_display_name"`
	TotalItems           int              `json:"total_items"`
	SingleAnnotated      int              `json:"single_annotated_count"`
	DoubleAnnotated      int              `json:"double_annotated_count"`
	Adjudicated          int              `json:"adjudicated_count"`
	SingleOnly           int              `json:"single_only_count"`
	ZeroAnnotated        int              `json:"zero_annotated_count"`
	InProgress           int              `json:"in_progress_count"`
	NeedsAdjudication    int              `json:"needs_adjudication_count"`
	RemainingToTarget    int              `json:"remaining_to_double_target"`
	TargetTotalCompleted int              `json:"target_total_completed"`
	CompletionRate       float64          `json:"completion_rate"`
	TargetMet            bool             `json:"is_target_met"`
	TargetMinPerLabel    int              `json:"target_min_per_label,omitempty"`
	Coverage             []CoverageStatus `json:"coverage_status,omitempty"`
}

// ProgressOptions controls ComputeTaskProgress.
type ProgressOptions struct {
	// IncludeTest adds test-mode annotations to the single-annotated and
	// zero-annotated display counts. Formal counts never change.
	IncludeTest bool
	Now         time.Time
}

// ComputeTaskProgress aggregates the snapshot for cfg.TaskType.
func ComputeTaskProgress(snap Snapshot, cfg TaskConfig, opts ProgressOptions) TaskProgress {
	schema := cfg.TaskType.MustSchema()
	idx := snap.index(cfg.TaskType, opts.IncludeTest)

	active := make(map[string]bool)
	for _, c := range snap.Claims {
		if c.TaskType == cfg.TaskType && c.Active(opts.Now) {
			active[c.SampleID] = true
		}
	}

	p := TaskProgress{
		TaskType:             cfg.TaskType,
		DisplayName:          cfg.DisplayName,
		TotalItems:           len(idx.items),
		TargetTotalCompleted: cfg.TargetTotalCompleted,
		TargetMinPerLabel:    cfg.TargetMinPerLabel,
	}
	for _, it := range idx.items {
		formal := idx.formal[it.SampleID]
		nFormal := distinctUsers(formal)
		if len(idx.all[it.SampleID]) == 0 {
			p.ZeroAnnotated++
		} else {
			p.SingleAnnotated++
		}
		switch {
		case nFormal == 1:
			p.SingleOnly++
		case nFormal >= 2:
			p.DoubleAnnotated++
		}
		adj := idx.adj[it.SampleID]
		if adj != nil {
			p.Adjudicated++
		}
		if Status(schema, formal, adj).NeedsAdjudication() {
			p.NeedsAdjudication++
		}
		if active[it.SampleID] {
			p.InProgress++
		}
	}

	p.RemainingToTarget = max(cfg.TargetTotalCompleted-p.DoubleAnnotated, 0)
	if cfg.TargetTotalCompleted > 0 {
		p.CompletionRate = float64(p.DoubleAnnotated) / float64(cfg.TargetTotalCompleted)
	}
	p.TargetMet = p.DoubleAnnotated >= cfg.TargetTotalCompleted

	if len(cfg.CoverageLabels) > 0 && cfg.TargetMinPerLabel > 0 {
		counts := make(map[string]int, len(cfg.CoverageLabels))
		for _, adj := range idx.adj {
			if v, ok := schema.CoverageValue(adj.Resolved); ok {
				counts[v]++
			}
		}
		for _, l := range cfg.CoverageLabels {
			p.Coverage = append(p.Coverage, CoverageStatus{
				Label:             l,
				AdjudicatedCount:  counts[l],
				TargetMinPerLabel: cfg.TargetMinPerLabel,
				Met:               counts[l] >= cfg.TargetMinPerLabel,
			})
		}
	}
	return p
}

// ComputeAllTaskProgress returns one summary per task type in display order.
// Every task type must have a config.
func ComputeAllTaskProgress(snap Snapshot, cfgs []TaskConfig, opts ProgressOptions) ([]TaskProgress, error) {
	ordered, err := orderConfigs(cfgs)
	if err != nil {
		return nil, err
	}
	out := make([]TaskProgress, 0, len(ordered))
	for _, cfg := range ordered {
		out = append(out, ComputeTaskProgress(snap, cfg, opts))
	}
	return out, nil
}

// User progress roles.
const (
	RoleAnnotator   = "annotator"
	RoleAdjudicator = "adjudicator"
	RoleTest        = "test"
)

// UserProgressRow is one line of the per-user table.
type UserProgressRow struct {
	UserID            string                  `json:"user_id"`
	UserName          string                  `json:"user_name"`
	Role              string                  `json:"role"`
	CompletedTotal    int                     `json:"completed_total"`
	Completed         map[labels.TaskType]int `json:"completed_by_task"`
	AdjudicationCount int                     `json:"adjudication_completed_count"`
	LastActivityAt    *time.Time              `json:"last_activity_at,omitempty"`
}

// ComputeUserProgress returns a formal row per user followed by a
// "(test mode)" row for each test-enabled user.
func ComputeUserProgress(snap Snapshot, users []User) []UserProgressRow {
	rows := make([]UserProgressRow, 0, len(users))
	for _, u := range users {
		role := RoleAnnotator
		if u.CanAdjudicate {
			role = RoleAdjudicator
		}
		row := userRow(snap, u, labels.ModeAnnotator, role)
		for _, adj := range snap.Adjudications {
			if adj.AdjudicatedBy == u.ID {
				row.AdjudicationCount++
				row.LastActivityAt = later(row.LastActivityAt, adj.AdjudicatedAt)
			}
		}
		rows = append(rows, row)
	}
	for _, u := range users {
		if !u.IsTestUser {
			continue
		}
		row := userRow(snap, u, labels.ModeTest, RoleTest)
		row.UserName = u.DisplayName + " (test mode)"
		rows = append(rows, row)
	}
	return rows
}

func userRow(snap Snapshot, u User, mode labels.Mode, role string) UserProgressRow {
	row := UserProgressRow{
		UserID:    u.ID,
		UserName:  u.DisplayName,
		Role:      role,
		Completed: make(map[labels.TaskType]int, len(labels.All())),
	}
	for _, tt := range labels.All() {
		row.Completed[tt] = 0
	}
	for _, a := range snap.Annotations {
		if a.UserID != u.ID {
			continue
		}
		// Activity covers both modes on the formal row.
		if mode == labels.ModeAnnotator || a.Mode == mode {
			row.LastActivityAt = later(row.LastActivityAt, a.SubmittedAt)
		}
		if a.Mode != mode {
			continue
		}
		row.CompletedTotal++
		row.Completed[a.TaskType]++
	}
	return row
}

func later(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}

// TaskCard pairs a config with its progress for the dashboard.
type TaskCard struct {
	Config   TaskConfig   `json:"config"`
	Progress TaskProgress `json:"progress"`
}

// Dashboard is the lobby view.
type Dashboard struct {
	Tasks       []TaskCard        `json:"tasks"`
	Users       []UserProgressRow `json:"user_progress"`
	IncludeTest *bool             `json:"include_test_user_data,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Dashboard computes task and user progress. A nil includeTest applies each
// task's ExcludeTestByDefault setting.
func (s *Service) Dashboard(ctx context.Context, includeTest *bool) (Dashboard, error) {
	cfgs, err := s.ListTaskConfigs(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return Dashboard{}, err
	}

	now := s.now()
	d := Dashboard{IncludeTest: includeTest, GeneratedAt: now}
	for _, cfg := range cfgs {
		opts := ProgressOptions{IncludeTest: !cfg.ExcludeTestByDefault, Now: now}
		if includeTest != nil {
			opts.IncludeTest = *includeTest
		}
		d.Tasks = append(d.Tasks, TaskCard{Config: cfg, Progress: ComputeTaskProgress(snap, cfg, opts)})
	}
	d.Users = ComputeUserProgress(snap, users)
	return d, nil
}
