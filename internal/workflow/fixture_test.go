package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/callaudit/internal/batching"
	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/monitoring"
	"github.com/banshee-data/callaudit/internal/testutil"
	"github.com/banshee-data/callaudit/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var roster = []User{
	{ID: "u1", DisplayName: "User One", IsActive: true},
	{ID: "u2", DisplayName: "User Two", IsActive: true},
	{ID: "u3", DisplayName: "User Three", IsActive: true},
	{ID: "lead", DisplayName: "Lead", IsTestUser: true, CanAdjudicate: true, IsActive: true},
	{ID: "gone", DisplayName: "Former", IsActive: false},
}

func testConfigs() []TaskConfig {
	return []TaskConfig{
		{TaskType: labels.AISentenceAudit, DisplayName: "AI sentences", TargetTotalCompleted: 4, ExcludeTestByDefault: true, BatchStrategy: BatchStrategyAutoMixed},
		{TaskType: labels.RoleAudit, DisplayName: "Roles", TargetTotalCompleted: 2, TargetMinPerLabel: 1,
			CoverageLabels: []string{"analyst", "management", "operator", "unknown"}, ExcludeTestByDefault: true, BatchStrategy: BatchStrategyAutoMixed},
		{TaskType: labels.BoundaryAudit, DisplayName: "Boundaries", TargetTotalCompleted: 0, ExcludeTestByDefault: true, BatchStrategy: BatchStrategyAutoMixed},
		{TaskType: labels.InitiationAudit, DisplayName: "Initiation", TargetTotalCompleted: 3, TargetMinPerLabel: 1,
			CoverageLabels: []string{"analyst_initiated", "management_pivot", "analyst_only", "non_ai"}, ExcludeTestByDefault: true, BatchStrategy: BatchStrategyAutoMixed},
	}
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *MemoryStore
	clock *timeutil.MockClock
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.UpsertUsers(ctx, roster))
	require.NoError(t, store.EnsureTaskConfigs(ctx, testConfigs()))
	clock := timeutil.NewMockClock(testutil.Epoch)
	svc := NewService(store, WithClock(clock), WithRand(batching.NewRand(1)))
	return &fixture{t: t, ctx: ctx, store: store, clock: clock, svc: svc}
}

// items adds task items with the given sample ids, created a second apart.
func (f *fixture) items(tt labels.TaskType, ids ...string) {
	f.t.Helper()
	var items []TaskItem
	for i, id := range ids {
		payload := fmt.Sprintf(`{"sample_id":%q,"doc_id":"doc-%d","text":"sentence %d","notes":null}`, id, i%2, i)
		items = append(items, TaskItem{
			ID:        string(tt) + ":" + id,
			TaskType:  tt,
			SampleID:  id,
			DocID:     fmt.Sprintf("doc-%d", i%2),
			Payload:   json.RawMessage(payload),
			CreatedAt: testutil.Epoch.Add(-time.Hour + time.Duration(i)*time.Second),
		})
	}
	_, err := f.store.InsertTaskItems(f.ctx, items)
	require.NoError(f.t, err)
}

// annotate writes an annotation directly, bypassing the save path, with a
// submission time offset from the epoch.
func (f *fixture) annotate(tt labels.TaskType, sampleID, userID string, mode labels.Mode, variant int, at time.Duration) Annotation {
	f.t.Helper()
	a, err := f.store.UpsertAnnotation(f.ctx, Annotation{
		ID:          fmt.Sprintf("ann-%s-%s-%s", sampleID, userID, mode),
		TaskType:    tt,
		SampleID:    sampleID,
		UserID:      userID,
		UserName:    userID,
		Mode:        mode,
		Label:       testutil.MustLabel(f.t, tt, variant),
		SubmittedAt: testutil.Epoch.Add(at),
	})
	require.NoError(f.t, err)
	return a
}

func sess(user string, mode labels.Mode) Session {
	return Session{UserID: user, Mode: mode}
}

var lead = Session{UserID: "lead", Mode: labels.ModeAdjudicator}
