// Package workflow implements batch claiming, annotation saving, progress
// aggregation, adjudication and export for the labelling tasks.
//
// Every operation reads and writes through the Store interface. The pure
// aggregation functions (ComputeTaskProgress, Status, BuildQueue,
// ExportRows and friends) take a Snapshot so they can be exercised without
// a database.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/banshee-data/callaudit/internal/labels"
)

// User is a member of the fixed annotator roster.
type User struct {
	ID            string `json:"id" yaml:"id"`
	DisplayName   string `json:"display_name" yaml:"display_name"`
	IsTestUser    bool   `json:"is_test_user" yaml:"is_test_user"`
	CanAdjudicate bool   `json:"can_adjudicate" yaml:"can_adjudicate"`
	IsActive      bool   `json:"is_active" yaml:"is_active"`
}

// Batch strategies recorded on a task config. Only auto_mixed changes
// allocation; ratio_mixed is stored for the admin page.
const (
	BatchStrategyAutoMixed  = "auto_mixed"
	BatchStrategyRatioMixed = "ratio_mixed"
)

// TaskConfig holds the targets for one task type.
type TaskConfig struct {
	TaskType             labels.TaskType `json:"task_type" yaml:"task_type"`
	DisplayName          string          `json:"display_name" yaml:"display_name"`
	Description          string          `json:"description" yaml:"description"`
	TargetTotalCompleted int             `json:"target_total_completed" yaml:"target_total_completed"`
	TargetMinPerLabel    int             `json:"target_min_per_label,omitempty" yaml:"target_min_per_label"`
	CoverageLabels       []string        `json:"coverage_labels,omitempty" yaml:"coverage_labels"`
	ExcludeTestByDefault bool            `json:"exclude_test_by_default" yaml:"exclude_test_by_default"`
	BatchStrategy        string          `json:"batch_strategy" yaml:"batch_strategy"`
	BatchRatio           *float64        `json:"batch_ratio,omitempty" yaml:"batch_ratio"`
}

// TaskItem is an immutable unit of work.
type TaskItem struct {
	ID        string          `json:"id"`
	TaskType  labels.TaskType `json:"task_type"`
	SampleID  string          `json:"sample_id"`
	DocID     string          `json:"doc_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Turn is one speaker turn of a transcript.
type Turn struct {
	Idx        int    `json:"idx"`
	Speaker    string `json:"speaker"`
	Text       string `json:"text"`
	Role       string `json:"role,omitempty"`
	IsQuestion bool   `json:"is_question,omitempty"`
	Section    string `json:"section,omitempty"`
}

// DocContext is the transcript a task item was sampled from.
type DocContext struct {
	DocID       string `json:"doc_id"`
	Ticker      string `json:"ticker,omitempty"`
	Year        int    `json:"year,omitempty"`
	Quarter     int    `json:"quarter,omitempty"`
	SpeechTurns []Turn `json:"speech_turns"`
	QATurns     []Turn `json:"qa_turns"`
}

// Annotation is one user's label for one sample in one mode.
type Annotation struct {
	ID          string          `json:"id"`
	TaskType    labels.TaskType `json:"task_type"`
	SampleID    string          `json:"sample_id"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name"`
	Mode        labels.Mode     `json:"mode"`
	Label       labels.Label    `json:"annotation"`
	BatchID     string          `json:"batch_id,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// ClaimStatus is the lifecycle state of a claim row.
type ClaimStatus string

const (
	ClaimClaimed   ClaimStatus = "claimed"
	ClaimSubmitted ClaimStatus = "submitted"
)

// Claim is a time-boxed lease on one sample.
type Claim struct {
	ID        string          `json:"id"`
	BatchID   string          `json:"batch_id"`
	TaskType  labels.TaskType `json:"task_type"`
	SampleID  string          `json:"sample_id"`
	UserID    string          `json:"user_id"`
	Mode      labels.Mode     `json:"mode"`
	Status    ClaimStatus     `json:"status"`
	ClaimedAt time.Time       `json:"claimed_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Active reports whether the claim still blocks allocation at now.
func (c Claim) Active(now time.Time) bool {
	return c.Status == ClaimClaimed && c.ExpiresAt.After(now)
}

// Adjudication is the resolved label for a sample.
type Adjudication struct {
	ID            string          `json:"id"`
	TaskType      labels.TaskType `json:"task_type"`
	SampleID      string          `json:"sample_id"`
	Resolved      map[string]any  `json:"adjudicated"`
	Notes         *string         `json:"notes"`
	AdjudicatedBy string          `json:"adjudicated_by"`
	AdjudicatedAt time.Time       `json:"adjudicated_at"`
	AutoFilled    bool            `json:"auto_filled"`
}

// Snapshot is a consistent read of every record, used by the pure
// aggregation functions.
type Snapshot struct {
	Items         []TaskItem
	Annotations   []Annotation
	Claims        []Claim
	Adjudications []Adjudication
}

// Session identifies the acting user and the mode they chose.
type Session struct {
	UserID string
	Mode   labels.Mode
}
