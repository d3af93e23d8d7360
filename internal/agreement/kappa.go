// Package agreement measures inter-annotator agreement on categorical labels.
package agreement

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Pair is one sample's values from annotators A and B.
type Pair struct {
	A, B string
}

// Result is the agreement on one field.
type Result struct {
	Field      string      `json:"field"`
	Categories []string    `json:"categories"`
	Pairs      int         `json:"pairs"`
	Observed   float64     `json:"observed_agreement"`
	Expected   float64     `json:"expected_agreement"`
	Kappa      float64     `json:"kappa"`
	Confusion  [][]float64 `json:"confusion"`
}

// Compute returns Cohen's kappa for pairs over categories. Values outside
// categories are appended as extra categories. With no pairs every statistic
// is zero; when chance agreement is total, kappa is 1 if the annotators
// agree on every pair and 0 otherwise.
func Compute(field string, categories []string, pairs []Pair) (Result, error) {
	cats := slices.Clone(categories)
	for _, p := range pairs {
		for _, v := range []string{p.A, p.B} {
			if !slices.Contains(cats, v) {
				cats = append(cats, v)
			}
		}
	}
	res := Result{Field: field, Categories: cats, Pairs: len(pairs)}
	if len(cats) == 0 {
		return res, nil
	}

	index := make(map[string]int, len(cats))
	for i, c := range cats {
		index[c] = i
	}
	k := len(cats)
	confusion := mat.NewDense(k, k, nil)
	matches := make([]float64, len(pairs))
	for i, p := range pairs {
		a, b := index[p.A], index[p.B]
		confusion.Set(a, b, confusion.At(a, b)+1)
		if a == b {
			matches[i] = 1
		}
	}
	res.Confusion = make([][]float64, k)
	for i := range k {
		res.Confusion[i] = slices.Clone(confusion.RawRowView(i))
	}
	if len(pairs) == 0 {
		return res, nil
	}

	n := float64(len(pairs))
	rowSums := make([]float64, k)
	colSums := make([]float64, k)
	for i := range k {
		rowSums[i] = floats.Sum(confusion.RawRowView(i))
		colSums[i] = floats.Sum(mat.Col(nil, i, confusion))
	}

	res.Observed = stat.Mean(matches, nil)
	if diag := mat.Trace(confusion) / n; !scalar.EqualWithinAbs(diag, res.Observed, 1e-12) {
		return Result{}, fmt.Errorf("agreement %s: trace %v disagrees with observed %v", field, diag, res.Observed)
	}
	res.Expected = floats.Dot(rowSums, colSums) / (n * n)

	switch {
	case scalar.EqualWithinAbs(res.Expected, 1, 1e-12):
		if scalar.EqualWithinAbs(res.Observed, 1, 1e-12) {
			res.Kappa = 1
		}
	default:
		res.Kappa = (res.Observed - res.Expected) / (1 - res.Expected)
	}
	return res, nil
}
