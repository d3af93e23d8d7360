// Package batching selects which samples a user receives when claiming a
// batch of annotation work.
package batching

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
)

const (
	// MinBatchSize and MaxBatchSize bound the number of samples in one claim.
	MinBatchSize = 1
	MaxBatchSize = 20
)

// ErrInvalidBatchSize is returned for a non-positive requested size.
var ErrInvalidBatchSize = errors.New("invalid batch size")

// Candidate is a sample that already has exactly one formal annotator.
type Candidate struct {
	SampleID     string
	AnnotatorIDs []string
}

// Input describes the pools for one allocation.
type Input struct {
	BatchSize int
	UserID    string
	// SingleOnly samples are completed first.
	SingleOnly []Candidate
	// Zero samples have no formal annotation yet.
	Zero []string
	// AlreadyDouble and UserAnnotated are never selected.
	AlreadyDouble []string
	UserAnnotated []string
}

// Result is the outcome of Allocate.
type Result struct {
	SampleIDs     []string
	ToDoubleCount int
	NewItemCount  int
}

// NewRand returns a deterministic source for tests and reproducible runs.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Limit clamps a requested batch size to [MinBatchSize, MaxBatchSize].
func Limit(requested int) (int, error) {
	if requested <= 0 {
		return 0, fmt.Errorf("%w: %d (must be positive)", ErrInvalidBatchSize, requested)
	}
	return max(MinBatchSize, min(MaxBatchSize, requested)), nil
}

// Allocate picks up to the clamped batch size of sample ids. Single-only
// candidates are shuffled and taken first; zero candidates, also shuffled,
// fill the remaining capacity. A nil rng uses the global source.
func Allocate(in Input, rng *rand.Rand) (Result, error) {
	limit, err := Limit(in.BatchSize)
	if err != nil {
		return Result{}, err
	}

	blocked := make(map[string]struct{}, len(in.AlreadyDouble)+len(in.UserAnnotated))
	for _, id := range in.AlreadyDouble {
		blocked[id] = struct{}{}
	}
	for _, id := range in.UserAnnotated {
		blocked[id] = struct{}{}
	}

	single := slices.Clone(in.SingleOnly)
	zero := slices.Clone(in.Zero)
	shuffle(rng, len(single), func(i, j int) { single[i], single[j] = single[j], single[i] })
	shuffle(rng, len(zero), func(i, j int) { zero[i], zero[j] = zero[j], zero[i] })

	res := Result{SampleIDs: make([]string, 0, limit)}
	for _, c := range single {
		if len(res.SampleIDs) >= limit {
			break
		}
		if _, ok := blocked[c.SampleID]; ok {
			continue
		}
		if slices.Contains(c.AnnotatorIDs, in.UserID) {
			continue
		}
		blocked[c.SampleID] = struct{}{}
		res.SampleIDs = append(res.SampleIDs, c.SampleID)
		res.ToDoubleCount++
	}
	for _, id := range zero {
		if len(res.SampleIDs) >= limit {
			break
		}
		if _, ok := blocked[id]; ok {
			continue
		}
		blocked[id] = struct{}{}
		res.SampleIDs = append(res.SampleIDs, id)
		res.NewItemCount++
	}
	return res, nil
}

func shuffle(rng *rand.Rand, n int, swap func(i, j int)) {
	if rng == nil {
		rand.Shuffle(n, swap)
		return
	}
	rng.Shuffle(n, swap)
}
