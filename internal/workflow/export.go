package workflow

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/monitoring"
)

// ExportScope selects which samples an export contains.
type ExportScope string

const (
	ScopeSingle         ExportScope = "single"
	ScopeDouble         ExportScope = "double"
	ScopeAdjudicated    ExportScope = "adjudicated"
	ScopeAllAnnotations ExportScope = "all_annotations"
)

// ParseScope validates s.
func ParseScope(s string) (ExportScope, error) {
	switch sc := ExportScope(s); sc {
	case ScopeSingle, ScopeDouble, ScopeAdjudicated, ScopeAllAnnotations:
		return sc, nil
	}
	return "", fmt.Errorf("%w: unknown export scope %q", ErrInvalidInput, s)
}

// ExportRequest describes one export.
type ExportRequest struct {
	TaskType    labels.TaskType
	Scope       ExportScope
	IncludeTest bool
}

// Filename is {taskType}__{scope}.csv.
func (r ExportRequest) Filename() string {
	return fmt.Sprintf("%s__%s.csv", r.TaskType, r.Scope)
}

// Row is an export row that remembers the order its keys were first set.
type Row struct {
	keys   []string
	values map[string]any
}

// NewRow returns an empty row.
func NewRow() *Row { return &Row{values: make(map[string]any)} }

// Set assigns v to k, appending k to the key order if new.
func (r *Row) Set(k string, v any) {
	if _, ok := r.values[k]; !ok {
		r.keys = append(r.keys, k)
	}
	r.values[k] = v
}

// Get returns the value at k and whether it was set.
func (r *Row) Get(k string) (any, bool) {
	v, ok := r.values[k]
	return v, ok
}

// Keys returns the keys in insertion order.
func (r *Row) Keys() []string { return slices.Clone(r.keys) }

// MarshalJSON writes the row as an object with keys in insertion order.
func (r *Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// baseRow copies the item payload's top-level fields in document order.
func baseRow(payload json.RawMessage) *Row {
	row := NewRow()
	res := gjson.ParseBytes(payload)
	if !res.IsObject() {
		return row
	}
	res.ForEach(func(k, v gjson.Result) bool {
		row.Set(k.String(), v.Value())
		return true
	})
	return row
}

func nonEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	}
	return true
}

// projectRow merges annotators A and B and the adjudication into the item's
// base row. formal must be sorted with CompareAnnotations.
func projectRow(schema labels.Schema, item TaskItem, formal []Annotation, adj *Adjudication) *Row {
	row := baseRow(item.Payload)
	ab := pairAB(formal)
	slots := []string{"a", "b"}

	for _, f := range schema.Fields {
		for i, slot := range slots {
			var v any
			if i < len(ab) {
				v = ab[i].Label.Compared()[f.Name]
			}
			row.Set(labels.AnnotatorColumn(slot, f.Name), v)
		}
	}
	for _, f := range schema.Fields {
		col := labels.AdjudicatedColumn(f.Name)
		var v any
		if adj != nil {
			v = adj.Resolved[col]
		}
		if v == nil {
			v, _ = row.Get(col)
		}
		row.Set(col, v)
	}

	var note any
	switch {
	case adj != nil && adj.Notes != nil && *adj.Notes != "":
		note = *adj.Notes
	case len(ab) > 0 && ab[0].Label.Note() != "":
		note = ab[0].Label.Note()
	case len(ab) > 1 && ab[1].Label.Note() != "":
		note = ab[1].Label.Note()
	default:
		if v, _ := row.Get("notes"); nonEmpty(v) {
			note = v
		}
	}
	row.Set("notes", note)
	return row
}

// ExportRows builds the export for req from snap.
//
// The single scope keeps items with at least one annotation (test-mode
// annotations count only when IncludeTest is set), double keeps items with
// two formal annotators, and adjudicated keeps adjudicated items. The
// all_annotations scope emits one row per annotation instead of per item.
func ExportRows(snap Snapshot, req ExportRequest) ([]*Row, error) {
	schema, err := parseTaskType(req.TaskType)
	if err != nil {
		return nil, err
	}
	if _, err := ParseScope(string(req.Scope)); err != nil {
		return nil, err
	}
	idx := snap.index(req.TaskType, req.IncludeTest)

	if req.Scope == ScopeAllAnnotations {
		var anns []Annotation
		for _, list := range idx.all {
			anns = append(anns, list...)
		}
		slices.SortFunc(anns, CompareAnnotations)
		rows := make([]*Row, 0, len(anns))
		for _, a := range anns {
			payload, err := json.Marshal(a.Label)
			if err != nil {
				return nil, fmt.Errorf("marshal annotation %s: %w", a.ID, err)
			}
			row := NewRow()
			row.Set("task_type", string(a.TaskType))
			row.Set("sample_id", a.SampleID)
			row.Set("user_name", a.UserName)
			row.Set("user_id", a.UserID)
			row.Set("mode", string(a.Mode))
			row.Set("submitted_at", a.SubmittedAt.UTC().Format(time.RFC3339Nano))
			row.Set("annotation_json", string(payload))
			rows = append(rows, row)
		}
		return rows, nil
	}

	var rows []*Row
	for _, it := range idx.items {
		formal := idx.formal[it.SampleID]
		adj := idx.adj[it.SampleID]
		switch req.Scope {
		case ScopeSingle:
			if len(idx.all[it.SampleID]) == 0 {
				continue
			}
		case ScopeDouble:
			if distinctUsers(formal) < 2 {
				continue
			}
		case ScopeAdjudicated:
			if adj == nil {
				continue
			}
		}
		rows = append(rows, projectRow(schema, it, formal, adj))
	}
	return rows, nil
}

// WriteCSV writes rows with a header made of every key in first-seen order.
func WriteCSV(w io.Writer, rows []*Row) error {
	var header []string
	seen := make(map[string]bool)
	for _, r := range rows {
		for _, k := range r.keys {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, r := range rows {
		for i, k := range header {
			s, err := csvValue(r.values[k])
			if err != nil {
				return fmt.Errorf("column %s: %w", k, err)
			}
			record[i] = s
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

// Export loads the current state and writes the CSV for req to w. It
// returns the number of data rows written.
func (s *Service) Export(ctx context.Context, req ExportRequest, w io.Writer) (int, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := ExportRows(snap, req)
	if err != nil {
		return 0, err
	}
	if err := WriteCSV(w, rows); err != nil {
		return 0, fmt.Errorf("write %s: %w", req.Filename(), err)
	}
	monitoring.Logf("export %s: %d rows", req.Filename(), len(rows))
	return len(rows), nil
}
