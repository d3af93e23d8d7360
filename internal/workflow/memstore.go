package workflow

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/callaudit/internal/labels"
)

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	locks TaskLocks

	mu            sync.RWMutex
	users         []User
	configs       map[labels.TaskType]TaskConfig
	items         []TaskItem
	docs          map[string]DocContext
	annotations   []Annotation
	claims        []Claim
	adjudications []Adjudication
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Loader = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[labels.TaskType]TaskConfig),
		docs:    make(map[string]DocContext),
	}
}

func (m *MemoryStore) UpsertUsers(_ context.Context, users []User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		if i := slices.IndexFunc(m.users, func(x User) bool { return x.ID == u.ID }); i >= 0 {
			m.users[i] = u
			continue
		}
		m.users = append(m.users, u)
	}
	return nil
}

func (m *MemoryStore) EnsureTaskConfigs(_ context.Context, cfgs []TaskConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cfgs {
		if _, ok := m.configs[c.TaskType]; !ok {
			m.configs[c.TaskType] = c
		}
	}
	return nil
}

func (m *MemoryStore) InsertTaskItems(_ context.Context, items []TaskItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range items {
		if slices.ContainsFunc(m.items, func(x TaskItem) bool { return x.TaskType == it.TaskType && x.SampleID == it.SampleID }) {
			continue
		}
		m.items = append(m.items, it)
		n++
	}
	return n, nil
}

func (m *MemoryStore) UpsertDocContexts(_ context.Context, docs []DocContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		m.docs[d.DocID] = d
	}
	return nil
}

func (m *MemoryStore) ListUsers(context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.users), nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return User{}, notFound("user %s", id)
}

func (m *MemoryStore) ListTaskConfigs(context.Context) ([]TaskConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskConfig, 0, len(m.configs))
	for _, tt := range labels.All() {
		if c, ok := m.configs[tt]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetTaskConfig(_ context.Context, tt labels.TaskType) (TaskConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[tt]
	if !ok {
		return TaskConfig{}, notFound("task config %s", tt)
	}
	return c, nil
}

func (m *MemoryStore) SaveTaskConfig(_ context.Context, cfg TaskConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.TaskType] = cfg
	return nil
}

func (m *MemoryStore) GetTaskItem(_ context.Context, tt labels.TaskType, sampleID string) (TaskItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, it := range m.items {
		if it.TaskType == tt && it.SampleID == sampleID {
			return it, nil
		}
	}
	return TaskItem{}, notFound("task item %s/%s", tt, sampleID)
}

func (m *MemoryStore) GetDocContext(_ context.Context, docID string) (*DocContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[docID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *MemoryStore) ListAnnotations(_ context.Context, f AnnotationFilter) ([]Annotation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAnnotations(f), nil
}

func (m *MemoryStore) listAnnotations(f AnnotationFilter) []Annotation {
	var out []Annotation
	for _, a := range m.annotations {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	return out
}

func (m *MemoryStore) UpsertAnnotation(_ context.Context, a Annotation) (Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.annotations {
		if cur.TaskType == a.TaskType && cur.SampleID == a.SampleID && cur.UserID == a.UserID && cur.Mode == a.Mode {
			a.ID = cur.ID
			m.annotations[i] = a
			return a, nil
		}
	}
	m.annotations = append(m.annotations, a)
	return a, nil
}

func (m *MemoryStore) MarkClaimSubmitted(_ context.Context, batchID string, tt labels.TaskType, sampleID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.claims {
		if c.BatchID == batchID && c.TaskType == tt && c.SampleID == sampleID && c.UserID == userID {
			m.claims[i].Status = ClaimSubmitted
		}
	}
	return nil
}

func (m *MemoryStore) ListClaimsByBatch(_ context.Context, tt labels.TaskType, batchID string) ([]Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Claim
	for _, c := range m.claims {
		if c.TaskType == tt && c.BatchID == batchID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetAdjudication(_ context.Context, tt labels.TaskType, sampleID string) (*Adjudication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.adjudications {
		if a.TaskType == tt && a.SampleID == sampleID {
			return &a, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) UpsertAdjudication(_ context.Context, adj Adjudication) (Adjudication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.adjudications {
		if cur.TaskType == adj.TaskType && cur.SampleID == adj.SampleID {
			adj.ID = cur.ID
			m.adjudications[i] = adj
			return adj, nil
		}
	}
	m.adjudications = append(m.adjudications, adj)
	return adj, nil
}

func (m *MemoryStore) Snapshot(context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Items:         slices.Clone(m.items),
		Annotations:   slices.Clone(m.annotations),
		Claims:        slices.Clone(m.claims),
		Adjudications: slices.Clone(m.adjudications),
	}, nil
}

// WithTaskLock holds tt's lock while fn runs. Claims inserted by fn are
// staged and applied only if fn succeeds.
func (m *MemoryStore) WithTaskLock(ctx context.Context, tt labels.TaskType, fn func(tx ClaimTx) error) error {
	unlock := m.locks.Lock(tt)
	defer unlock()

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		return err
	}
	m.mu.Lock()
	m.claims = append(m.claims, tx.staged...)
	m.mu.Unlock()
	return nil
}

type memTx struct {
	m      *MemoryStore
	staged []Claim
}

func (tx *memTx) ListTaskItems(_ context.Context, tt labels.TaskType) ([]TaskItem, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	var out []TaskItem
	for _, it := range tx.m.items {
		if it.TaskType == tt {
			out = append(out, it)
		}
	}
	return out, nil
}

func (tx *memTx) ListAnnotations(_ context.Context, f AnnotationFilter) ([]Annotation, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	return tx.m.listAnnotations(f), nil
}

func (tx *memTx) ListActiveClaims(_ context.Context, tt labels.TaskType, now time.Time) ([]Claim, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	var out []Claim
	for _, c := range tx.m.claims {
		if c.TaskType == tt && c.Active(now) {
			out = append(out, c)
		}
	}
	for _, c := range tx.staged {
		if c.TaskType == tt && c.Active(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (tx *memTx) InsertClaims(_ context.Context, claims []Claim) error {
	tx.staged = append(tx.staged, claims...)
	return nil
}
