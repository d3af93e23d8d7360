package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/callaudit/internal/labels"
)

// AnnotationFilter narrows ListAnnotations. Zero-valued fields match anything.
type AnnotationFilter struct {
	TaskType labels.TaskType
	SampleID string
	UserID   string
	Mode     labels.Mode
}

// Match reports whether a passes the filter.
func (f AnnotationFilter) Match(a Annotation) bool {
	return (f.TaskType == "" || a.TaskType == f.TaskType) &&
		(f.SampleID == "" || a.SampleID == f.SampleID) &&
		(f.UserID == "" || a.UserID == f.UserID) &&
		(f.Mode == "" || a.Mode == f.Mode)
}

// Store is the persistence boundary for the workflow. Implementations
// return errors wrapping ErrNotFound for missing single records.
type Store interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id string) (User, error)

	ListTaskConfigs(ctx context.Context) ([]TaskConfig, error)
	GetTaskConfig(ctx context.Context, tt labels.TaskType) (TaskConfig, error)
	SaveTaskConfig(ctx context.Context, cfg TaskConfig) error

	GetTaskItem(ctx context.Context, tt labels.TaskType, sampleID string) (TaskItem, error)
	// GetDocContext returns nil without error when no context was imported.
	GetDocContext(ctx context.Context, docID string) (*DocContext, error)

	ListAnnotations(ctx context.Context, f AnnotationFilter) ([]Annotation, error)
	// UpsertAnnotation writes a keyed by (task type, sample id, user id,
	// mode). An existing row keeps its id; the stored row is returned.
	UpsertAnnotation(ctx context.Context, a Annotation) (Annotation, error)
	MarkClaimSubmitted(ctx context.Context, batchID string, tt labels.TaskType, sampleID, userID string) error
	ListClaimsByBatch(ctx context.Context, tt labels.TaskType, batchID string) ([]Claim, error)

	// GetAdjudication returns nil without error when the sample is unresolved.
	GetAdjudication(ctx context.Context, tt labels.TaskType, sampleID string) (*Adjudication, error)
	// UpsertAdjudication writes adj keyed by (task type, sample id).
	UpsertAdjudication(ctx context.Context, adj Adjudication) (Adjudication, error)

	Snapshot(ctx context.Context) (Snapshot, error)

	// WithTaskLock runs fn with exclusive access to claim allocation for tt.
	// Writes made through the ClaimTx commit only if fn returns nil.
	WithTaskLock(ctx context.Context, tt labels.TaskType, fn func(tx ClaimTx) error) error
}

// ClaimTx is the view of the store available inside WithTaskLock.
type ClaimTx interface {
	ListTaskItems(ctx context.Context, tt labels.TaskType) ([]TaskItem, error)
	ListAnnotations(ctx context.Context, f AnnotationFilter) ([]Annotation, error)
	ListActiveClaims(ctx context.Context, tt labels.TaskType, now time.Time) ([]Claim, error)
	InsertClaims(ctx context.Context, claims []Claim) error
}

// TaskLocks hands out one mutex per task type. Stores use it to serialise
// claim allocation within a process.
type TaskLocks struct {
	mu    sync.Mutex
	locks map[labels.TaskType]*sync.Mutex
}

// Lock blocks until tt's mutex is held and returns its unlock func.
func (l *TaskLocks) Lock(tt labels.TaskType) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[labels.TaskType]*sync.Mutex)
	}
	m, ok := l.locks[tt]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tt] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Loader is implemented by stores that accept seeded and imported records.
type Loader interface {
	// UpsertUsers inserts or replaces roster entries by id.
	UpsertUsers(ctx context.Context, users []User) error
	// EnsureTaskConfigs inserts configs whose task type has none yet.
	EnsureTaskConfigs(ctx context.Context, cfgs []TaskConfig) error
	// InsertTaskItems inserts items not yet present and returns how many
	// were new. Existing items are never modified.
	InsertTaskItems(ctx context.Context, items []TaskItem) (int, error)
	UpsertDocContexts(ctx context.Context, docs []DocContext) error
}
