package workflow

import (
	"cmp"
	"slices"

	"github.com/banshee-data/callaudit/internal/labels"
)

// CompareAnnotations orders annotations by submission time, then id. The
// first two formal annotations in this order are annotators A and B.
func CompareAnnotations(a, b Annotation) int {
	return cmp.Or(a.SubmittedAt.Compare(b.SubmittedAt), cmp.Compare(a.ID, b.ID))
}

// taskIndex groups one task type's records by sample id.
type taskIndex struct {
	items []TaskItem
	// all holds every annotation kept by the includeTest toggle.
	all map[string][]Annotation
	// formal holds annotator-mode annotations sorted by CompareAnnotations.
	formal map[string][]Annotation
	adj    map[string]*Adjudication
}

func (snap Snapshot) index(tt labels.TaskType, includeTest bool) taskIndex {
	idx := taskIndex{
		all:    make(map[string][]Annotation),
		formal: make(map[string][]Annotation),
		adj:    make(map[string]*Adjudication),
	}
	for _, it := range snap.Items {
		if it.TaskType == tt {
			idx.items = append(idx.items, it)
		}
	}
	for _, a := range snap.Annotations {
		if a.TaskType != tt {
			continue
		}
		if a.Mode.Formal() {
			idx.formal[a.SampleID] = append(idx.formal[a.SampleID], a)
		}
		if a.Mode.Formal() || includeTest {
			idx.all[a.SampleID] = append(idx.all[a.SampleID], a)
		}
	}
	for _, anns := range idx.formal {
		slices.SortFunc(anns, CompareAnnotations)
	}
	for i := range snap.Adjudications {
		if snap.Adjudications[i].TaskType == tt {
			idx.adj[snap.Adjudications[i].SampleID] = &snap.Adjudications[i]
		}
	}
	return idx
}

// distinctUsers counts the distinct user ids in anns.
func distinctUsers(anns []Annotation) int {
	seen := make(map[string]struct{}, len(anns))
	for _, a := range anns {
		seen[a.UserID] = struct{}{}
	}
	return len(seen)
}

// pairAB returns the first two formal annotations. formal must already be
// sorted with CompareAnnotations.
func pairAB(formal []Annotation) []Annotation {
	if len(formal) > 2 {
		return formal[:2]
	}
	return formal
}
