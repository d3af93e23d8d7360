package workflow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/banshee-data/callaudit/internal/agreement"
	"github.com/banshee-data/callaudit/internal/labels"
)

// AgreementReport holds per-field agreement between annotators A and B.
type AgreementReport struct {
	TaskType labels.TaskType    `json:"task_type"`
	Pairs    int                `json:"pairs"`
	Fields   []agreement.Result `json:"fields"`
}

// ComputeAgreement compares the first two formal annotations of every
// double-annotated sample of tt.
func ComputeAgreement(snap Snapshot, tt labels.TaskType) (AgreementReport, error) {
	schema, err := parseTaskType(tt)
	if err != nil {
		return AgreementReport{}, err
	}
	idx := snap.index(tt, false)
	pairs := make(map[string][]agreement.Pair, len(schema.Fields))
	report := AgreementReport{TaskType: tt, Fields: []agreement.Result{}}
	for _, it := range idx.items {
		ab := pairAB(idx.formal[it.SampleID])
		if len(ab) < 2 {
			continue
		}
		report.Pairs++
		a, b := ab[0].Label.Compared(), ab[1].Label.Compared()
		for _, f := range schema.Fields {
			pairs[f.Name] = append(pairs[f.Name], agreement.Pair{A: category(a[f.Name]), B: category(b[f.Name])})
		}
	}
	for _, f := range schema.Fields {
		cats := f.Allowed
		if f.Binary() {
			cats = []string{"0", "1"}
		}
		res, err := agreement.Compute(f.Name, cats, pairs[f.Name])
		if err != nil {
			return AgreementReport{}, err
		}
		report.Fields = append(report.Fields, res)
	}
	return report, nil
}

func category(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	}
	return fmt.Sprint(v)
}

// Agreement returns the agreement report for tt over the current state.
func (s *Service) Agreement(ctx context.Context, tt labels.TaskType) (AgreementReport, error) {
	if _, err := parseTaskType(tt); err != nil {
		return AgreementReport{}, err
	}
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return AgreementReport{}, err
	}
	return ComputeAgreement(snap, tt)
}
