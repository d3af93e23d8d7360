package workflow

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/callaudit/internal/batching"
	"github.com/banshee-data/callaudit/internal/labels"
)

func TestClaimBatch_ExampleScenario(t *testing.T) {
	f := newFixture(t)
	tt := labels.AISentenceAudit
	f.items(tt, "S1", "S2", "Z1", "Z2", "Z3", "D1")
	f.annotate(tt, "S1", "u2", labels.ModeAnnotator, 0, 0)
	f.annotate(tt, "S2", "u1", labels.ModeAnnotator, 0, 0)
	f.annotate(tt, "D1", "u2", labels.ModeAnnotator, 0, 0)
	f.annotate(tt, "D1", "u3", labels.ModeAnnotator, 0, time.Second)

	res, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess("u1", labels.ModeAnnotator), BatchSize: 5})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"S1", "Z1", "Z2", "Z3"}, res.SampleIDs)
	assert.Equal(t, 1, res.ToDoubleCount)
	assert.Equal(t, 3, res.NewItemCount)
	assert.Equal(t, tt, res.TaskType)

	claims, err := f.store.ListClaimsByBatch(f.ctx, tt, res.BatchID)
	require.NoError(t, err)
	require.Len(t, claims, 4)
	for _, c := range claims {
		assert.Equal(t, ClaimClaimed, c.Status)
		assert.Equal(t, "u1", c.UserID)
		assert.Equal(t, f.clock.Now(), c.ClaimedAt)
		assert.Equal(t, f.clock.Now().Add(DefaultClaimTTL), c.ExpiresAt)
	}
}

func TestClaimBatch_InvalidInput(t *testing.T) {
	f := newFixture(t)
	f.items(labels.RoleAudit, "R1")

	_, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: labels.RoleAudit, Session: sess("u1", labels.ModeAnnotator), BatchSize: 0})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, batching.ErrInvalidBatchSize)

	_, err = f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: "sentiment", Session: sess("u1", labels.ModeAnnotator), BatchSize: 5})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: labels.RoleAudit, Session: sess("", labels.ModeAnnotator), BatchSize: 5})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: labels.RoleAudit, Session: sess("nobody", labels.ModeAnnotator), BatchSize: 5})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimBatch_ModeChecks(t *testing.T) {
	f := newFixture(t)
	f.items(labels.RoleAudit, "R1", "R2")

	tests := []struct {
		name string
		s    Session
		want error
	}{
		{"adjudicator cannot claim", lead, ErrForbidden},
		{"test mode needs test user", sess("u1", labels.ModeTest), ErrForbidden},
		{"inactive user", sess("gone", labels.ModeAnnotator), ErrForbidden},
		{"test user in test mode", sess("lead", labels.ModeTest), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: labels.RoleAudit, Session: tc.s, BatchSize: 1})
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClaimBatch_ActiveClaimsBlockUntilExpiry(t *testing.T) {
	f := newFixture(t)
	tt := labels.BoundaryAudit
	f.items(tt, "B1", "B2", "B3")

	first, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess("u1", labels.ModeAnnotator), BatchSize: 2})
	require.NoError(t, err)
	require.Len(t, first.SampleIDs, 2)

	second, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess("u2", labels.ModeAnnotator), BatchSize: 5})
	require.NoError(t, err)
	require.Len(t, second.SampleIDs, 1)
	assert.NotContains(t, first.SampleIDs, second.SampleIDs[0])

	// Nothing left until the first lease lapses.
	empty, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess("u3", labels.ModeAnnotator), BatchSize: 5})
	require.NoError(t, err)
	assert.Empty(t, empty.SampleIDs)

	f.clock.Advance(DefaultClaimTTL)
	later, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess("u3", labels.ModeAnnotator), BatchSize: 5})
	require.NoError(t, err)
	assert.Len(t, later.SampleIDs, 3, "expired claims no longer block")
}

func TestClaimBatch_SubmittedClaimsDoNotBlock(t *testing.T) {
	f := newFixture(t)
	tt := labels.RoleAudit
	f.items(tt, "R1")

	res, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess("u1", labels.ModeAnnotator), BatchSize: 1})
	require.NoError(t, err)
	_, err = f.svc.SaveAnnotation(f.ctx, SaveAnnotationRequest{
		TaskType: tt, SampleID: "R1", Session: sess("u1", labels.ModeAnnotator), BatchID: res.BatchID,
		Label: []byte(`{"role_true":"analyst"}`),
	})
	require.NoError(t, err)

	next, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess("u2", labels.ModeAnnotator), BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, next.SampleIDs)
	assert.Equal(t, 1, next.ToDoubleCount)
}

func TestClaimBatch_TestAnnotationsDoNotCountTowardDouble(t *testing.T) {
	f := newFixture(t)
	tt := labels.AISentenceAudit
	f.items(tt, "A1")
	f.annotate(tt, "A1", "lead", labels.ModeTest, 0, 0)
	f.annotate(tt, "A1", "u2", labels.ModeAnnotator, 0, 0)

	res, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess("u1", labels.ModeAnnotator), BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, res.SampleIDs)
	assert.Equal(t, 1, res.ToDoubleCount)
}

func TestClaimBatch_DistinctBatchIDsAtSameInstant(t *testing.T) {
	f := newFixture(t)
	tt := labels.AISentenceAudit
	f.items(tt, "A1", "A2")

	ids := map[string]bool{}
	for _, u := range []string{"u1", "u1", "u2"} {
		res, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess(u, labels.ModeAnnotator), BatchSize: 1})
		require.NoError(t, err)
		assert.False(t, ids[res.BatchID], "duplicate batch id %s", res.BatchID)
		ids[res.BatchID] = true
	}
}

func TestClaimBatch_ConcurrentCallersNeverOverlap(t *testing.T) {
	f := newFixture(t)
	tt := labels.InitiationAudit
	var ids []string
	for i := range 30 {
		ids = append(ids, "I"+string(rune('A'+i/10))+string(rune('0'+i%10)))
	}
	f.items(tt, ids...)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []ClaimResult
	)
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := []string{"u1", "u2", "u3"}[i%3]
			res, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess(user, labels.ModeAnnotator), BatchSize: 4})
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := map[string]string{}
	total := 0
	for _, r := range results {
		for _, id := range r.SampleIDs {
			prev, dup := seen[id]
			assert.False(t, dup, "sample %s assigned to %s and %s", id, prev, r.BatchID)
			seen[id] = r.BatchID
			total++
		}
	}
	assert.Equal(t, 30, total)
}

func TestOrderBatchClaims_IgnoresStorageOrder(t *testing.T) {
	claims := []Claim{
		{ID: "c3", SampleID: "S2"},
		{ID: "c1", SampleID: "S1"},
		{ID: "c0", SampleID: "S2"},
		{ID: "c2", SampleID: "S3"},
	}
	reversed := slices.Clone(claims)
	slices.Reverse(reversed)

	want := []Claim{{ID: "c1", SampleID: "S1"}, {ID: "c0", SampleID: "S2"}, {ID: "c2", SampleID: "S3"}}
	if diff := cmp.Diff(want, OrderBatchClaims(claims)); diff != "" {
		t.Errorf("OrderBatchClaims() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(OrderBatchClaims(claims), OrderBatchClaims(reversed)); diff != "" {
		t.Errorf("order depends on storage order (-first +reversed):\n%s", diff)
	}
}

func TestBatchView(t *testing.T) {
	f := newFixture(t)
	tt := labels.RoleAudit
	f.items(tt, "R1", "R2", "R3")
	require.NoError(t, f.store.UpsertDocContexts(f.ctx, []DocContext{{DocID: "doc-0", Ticker: "ACME"}}))

	res, err := f.svc.ClaimBatch(f.ctx, ClaimRequest{TaskType: tt, Session: sess("u1", labels.ModeAnnotator), BatchSize: 3})
	require.NoError(t, err)
	f.annotate(tt, "R2", "u1", labels.ModeAnnotator, 1, 0)

	view, err := f.svc.BatchView(f.ctx, sess("u1", labels.ModeAnnotator), tt, res.BatchID)
	require.NoError(t, err)

	var got []string
	for _, it := range view.Items {
		got = append(got, it.TaskItem.SampleID)
	}
	assert.Equal(t, []string{"R1", "R2", "R3"}, got)

	// Reversing and duplicating the stored rows must not change the view.
	f.store.mu.Lock()
	dup := f.store.claims[0]
	dup.ID = "zzz-duplicate"
	f.store.claims = append(f.store.claims, dup)
	slices.Reverse(f.store.claims)
	f.store.mu.Unlock()

	again, err := f.svc.BatchView(f.ctx, sess("u1", labels.ModeAnnotator), tt, res.BatchID)
	require.NoError(t, err)
	if diff := cmp.Diff(view, again); diff != "" {
		t.Errorf("batch view changed after reordering claims (-before +after):\n%s", diff)
	}

	require.NotNil(t, view.Items[1].MyAnnotation)
	assert.Equal(t, "R2", view.Items[1].MyAnnotation.SampleID)
	assert.Nil(t, view.Items[0].MyAnnotation)
	require.NotNil(t, view.Items[0].Context, "R1 is on doc-0")
	assert.Nil(t, view.Items[1].Context, "doc-1 has no imported context")
	assert.Equal(t, "ACME", view.Items[0].Context.Ticker)

	_, err = f.svc.BatchView(f.ctx, sess("u1", labels.ModeAnnotator), tt, "batch-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
