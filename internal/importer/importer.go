// Package importer loads a generated task bundle into a workflow store.
//
// A bundle directory holds task_items/<task_type>.jsonl, one task item per
// line, and transcript_contexts/<doc_id>.json, one transcript per file.
// Both use the camelCase keys written by the bundle builder.
package importer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/monitoring"
	"github.com/banshee-data/callaudit/internal/security"
	"github.com/banshee-data/callaudit/internal/workflow"
)

const (
	itemsDir    = "task_items"
	contextsDir = "transcript_contexts"

	// maxLineSize bounds one JSONL record.
	maxLineSize = 4 * 1024 * 1024
)

// ErrMalformed marks a bundle record that cannot be imported.
var ErrMalformed = errors.New("malformed bundle record")

type bundleItem struct {
	ID        string          `json:"id"`
	TaskType  string          `json:"taskType"`
	SampleID  string          `json:"sampleId"`
	DocID     string          `json:"docId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt *time.Time      `json:"createdAt"`
}

type bundleTurn struct {
	Idx        int    `json:"idx"`
	Speaker    string `json:"speaker"`
	Text       string `json:"text"`
	Role       string `json:"role"`
	IsQuestion bool   `json:"isQuestion"`
	Section    string `json:"section"`
}

type bundleDoc struct {
	DocID       string       `json:"docId"`
	Ticker      string       `json:"ticker"`
	Year        int          `json:"year"`
	Quarter     int          `json:"quarter"`
	SpeechTurns []bundleTurn `json:"speechTurns"`
	QATurns     []bundleTurn `json:"qaTurns"`
}

// Result counts what an import read and wrote.
type Result struct {
	Items    int `json:"items"`
	Inserted int `json:"inserted"`
	Docs     int `json:"docs"`
}

// ReadTaskItems parses JSONL task items. Blank lines are skipped. Items
// without an id get "ti-<task_type>-<sample_id>"; items without a creation
// time get now.
func ReadTaskItems(r io.Reader, now time.Time) ([]workflow.TaskItem, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var out []workflow.TaskItem
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var bi bundleItem
		if err := json.Unmarshal(raw, &bi); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
		}
		it, err := bi.toTaskItem(now)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, it)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read task items: %w", err)
	}
	return out, nil
}

func (bi bundleItem) toTaskItem(now time.Time) (workflow.TaskItem, error) {
	tt, err := labels.Parse(bi.TaskType)
	if err != nil {
		return workflow.TaskItem{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if bi.SampleID == "" {
		return workflow.TaskItem{}, fmt.Errorf("%w: missing sampleId", ErrMalformed)
	}
	if p := bytes.TrimSpace(bi.Payload); len(p) == 0 || p[0] != '{' {
		return workflow.TaskItem{}, fmt.Errorf("%w: payload for %s must be a JSON object", ErrMalformed, bi.SampleID)
	}
	it := workflow.TaskItem{
		ID:        bi.ID,
		TaskType:  tt,
		SampleID:  bi.SampleID,
		DocID:     bi.DocID,
		Payload:   bi.Payload,
		CreatedAt: now.UTC(),
	}
	if it.ID == "" {
		it.ID = fmt.Sprintf("ti-%s-%s", tt, bi.SampleID)
	}
	if bi.CreatedAt != nil {
		it.CreatedAt = bi.CreatedAt.UTC()
	}
	return it, nil
}

// ReadDocContext parses one transcript context file.
func ReadDocContext(r io.Reader) (workflow.DocContext, error) {
	var bd bundleDoc
	if err := json.NewDecoder(r).Decode(&bd); err != nil {
		return workflow.DocContext{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if bd.DocID == "" {
		return workflow.DocContext{}, fmt.Errorf("%w: missing docId", ErrMalformed)
	}
	return workflow.DocContext{
		DocID:       bd.DocID,
		Ticker:      bd.Ticker,
		Year:        bd.Year,
		Quarter:     bd.Quarter,
		SpeechTurns: convertTurns(bd.SpeechTurns),
		QATurns:     convertTurns(bd.QATurns),
	}, nil
}

func convertTurns(in []bundleTurn) []workflow.Turn {
	out := make([]workflow.Turn, len(in))
	for i, t := range in {
		out[i] = workflow.Turn(t)
	}
	return out
}

// ImportBundle loads every transcript context and task item under dir.
// Contexts go first so items never reference a document that is missing
// only because of ordering. Re-running an import inserts nothing new.
func ImportBundle(ctx context.Context, loader workflow.Loader, dir string, now time.Time) (Result, error) {
	defer monitoring.Timed("import " + dir)()

	var res Result
	docFiles, err := bundleFiles(dir, contextsDir, "*.json")
	if err != nil {
		return res, err
	}
	docs := make([]workflow.DocContext, 0, len(docFiles))
	for _, path := range docFiles {
		dc, err := readFile(path, ReadDocContext)
		if err != nil {
			return res, err
		}
		docs = append(docs, dc)
	}
	if len(docs) > 0 {
		if err := loader.UpsertDocContexts(ctx, docs); err != nil {
			return res, err
		}
	}
	res.Docs = len(docs)

	itemFiles, err := bundleFiles(dir, itemsDir, "*.jsonl")
	if err != nil {
		return res, err
	}
	for _, path := range itemFiles {
		items, err := readFile(path, func(r io.Reader) ([]workflow.TaskItem, error) { return ReadTaskItems(r, now) })
		if err != nil {
			return res, err
		}
		n, err := loader.InsertTaskItems(ctx, items)
		if err != nil {
			return res, fmt.Errorf("insert items from %s: %w", filepath.Base(path), err)
		}
		res.Items += len(items)
		res.Inserted += n
		monitoring.Logf("import %s: %d items, %d new", filepath.Base(path), len(items), n)
	}
	monitoring.Logf("import %s: %d docs, %d items, %d new", dir, res.Docs, res.Items, res.Inserted)
	return res, nil
}

// bundleFiles lists sub/pattern under dir in name order. A missing
// subdirectory yields no files; a file resolving outside dir is an error.
func bundleFiles(dir, sub, pattern string) ([]string, error) {
	root, err := security.JoinWithin(dir, sub)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		if err := security.ValidatePathWithinDirectory(m, dir); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

func readFile[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()
	v, err := read(f)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return v, nil
}
