package batching

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_ExampleScenario(t *testing.T) {
	t.Parallel()

	in := Input{
		BatchSize: 5,
		UserID:    "u1",
		SingleOnly: []Candidate{
			{SampleID: "S1", AnnotatorIDs: []string{"u2"}},
			{SampleID: "S2", AnnotatorIDs: []string{"u1"}},
		},
		Zero:          []string{"Z1", "Z2", "Z3"},
		AlreadyDouble: []string{"D1"},
		UserAnnotated: []string{"S2"},
	}

	res, err := Allocate(in, NewRand(42))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"S1", "Z1", "Z2", "Z3"}, res.SampleIDs)
	assert.Equal(t, 1, res.ToDoubleCount)
	assert.Equal(t, 3, res.NewItemCount)
	assert.Equal(t, "S1", res.SampleIDs[0], "single-only candidates come first")
}

func TestAllocate_RejectsNonPositiveSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, -1, -20} {
		_, err := Allocate(Input{BatchSize: size, Zero: []string{"Z1"}}, NewRand(1))
		assert.ErrorIs(t, err, ErrInvalidBatchSize, "size %d", size)
	}
}

func TestLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want int
	}{
		{1, 1},
		{5, 5},
		{20, 20},
		{21, 20},
		{500, 20},
	}
	for _, tc := range tests {
		got, err := Limit(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "Limit(%d)", tc.in)
	}
}

func TestAllocate_SingleOnlyExhaustedFirst(t *testing.T) {
	t.Parallel()

	var single []Candidate
	for i := range 8 {
		single = append(single, Candidate{SampleID: fmt.Sprintf("S%d", i), AnnotatorIDs: []string{"other"}})
	}
	res, err := Allocate(Input{
		BatchSize:  5,
		UserID:     "me",
		SingleOnly: single,
		Zero:       []string{"Z1", "Z2"},
	}, NewRand(7))
	require.NoError(t, err)
	assert.Len(t, res.SampleIDs, 5)
	assert.Equal(t, 5, res.ToDoubleCount)
	assert.Equal(t, 0, res.NewItemCount)
}

func TestAllocate_CapsAtMaxBatchSize(t *testing.T) {
	t.Parallel()

	var zero []string
	for i := range 50 {
		zero = append(zero, fmt.Sprintf("Z%02d", i))
	}
	res, err := Allocate(Input{BatchSize: 100, UserID: "me", Zero: zero}, NewRand(3))
	require.NoError(t, err)
	assert.Len(t, res.SampleIDs, MaxBatchSize)
}

func TestAllocate_SmallPoolReturnsFewer(t *testing.T) {
	t.Parallel()

	res, err := Allocate(Input{
		BatchSize:     10,
		UserID:        "me",
		Zero:          []string{"Z1", "Z2", "D1"},
		AlreadyDouble: []string{"D1"},
	}, NewRand(3))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Z1", "Z2"}, res.SampleIDs)
}

// Property check over many seeds and pool shapes.
func TestAllocate_Invariants(t *testing.T) {
	t.Parallel()

	for seed := range uint64(200) {
		rng := NewRand(seed)
		nSingle := int(seed % 7)
		nZero := int(seed % 11)
		size := int(seed%25) + 1

		in := Input{BatchSize: size, UserID: "me"}
		for i := range nSingle {
			ann := "other"
			if i%3 == 0 {
				ann = "me"
			}
			in.SingleOnly = append(in.SingleOnly, Candidate{SampleID: fmt.Sprintf("S%d", i), AnnotatorIDs: []string{ann}})
		}
		for i := range nZero {
			in.Zero = append(in.Zero, fmt.Sprintf("Z%d", i))
		}
		// Overlapping ids across pools must still be returned at most once.
		in.Zero = append(in.Zero, "S1", "Z0")
		in.AlreadyDouble = []string{"Z2", "S4"}
		in.UserAnnotated = []string{"Z3"}

		res, err := Allocate(in, rng)
		require.NoError(t, err)

		limit, _ := Limit(size)
		assert.LessOrEqual(t, len(res.SampleIDs), limit)
		assert.Equal(t, len(res.SampleIDs), res.ToDoubleCount+res.NewItemCount)

		seen := map[string]bool{}
		for _, id := range res.SampleIDs {
			assert.False(t, seen[id], "duplicate %s (seed %d)", id, seed)
			seen[id] = true
			assert.NotContains(t, in.AlreadyDouble, id)
			assert.NotContains(t, in.UserAnnotated, id)
		}

		eligibleSingle := 0
		for _, c := range in.SingleOnly {
			if !slices.Contains(c.AnnotatorIDs, "me") && !slices.Contains(in.AlreadyDouble, c.SampleID) {
				eligibleSingle++
			}
		}
		if eligibleSingle >= limit {
			assert.Zero(t, res.NewItemCount, "seed %d", seed)
		} else {
			assert.Equal(t, eligibleSingle, res.ToDoubleCount, "seed %d", seed)
		}
	}
}

func TestAllocate_SeedIsDeterministic(t *testing.T) {
	t.Parallel()

	in := Input{BatchSize: 3, UserID: "me", Zero: []string{"a", "b", "c", "d", "e", "f"}}
	first, err := Allocate(in, NewRand(99))
	require.NoError(t, err)
	second, err := Allocate(in, NewRand(99))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Input slices are not reordered.
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, in.Zero)
}
