package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/workflow"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", workflow.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

const userColumns = `id, display_name, is_test_user, can_adjudicate, is_active`

func scanUser(sc interface{ Scan(...any) error }) (workflow.User, error) {
	var u workflow.User
	err := sc.Scan(&u.ID, &u.DisplayName, &u.IsTestUser, &u.CanAdjudicate, &u.IsActive)
	return u, err
}

func (db *DB) ListUsers(ctx context.Context) ([]workflow.User, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+userColumns+` FROM app_users ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []workflow.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (db *DB) GetUser(ctx context.Context, id string) (workflow.User, error) {
	u, err := scanUser(db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM app_users WHERE id = ?`, id))
	if err != nil {
		return workflow.User{}, notFound(err, "user %s", id)
	}
	return u, nil
}

const configColumns = `task_type, display_name, description, target_total_completed,
	target_min_per_label, coverage_labels, exclude_test_by_default, batch_strategy, batch_ratio`

func scanConfig(sc interface{ Scan(...any) error }) (workflow.TaskConfig, error) {
	var (
		c        workflow.TaskConfig
		coverage string
		ratio    sql.NullFloat64
	)
	if err := sc.Scan(&c.TaskType, &c.DisplayName, &c.Description, &c.TargetTotalCompleted,
		&c.TargetMinPerLabel, &coverage, &c.ExcludeTestByDefault, &c.BatchStrategy, &ratio); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(coverage), &c.CoverageLabels); err != nil {
		return c, fmt.Errorf("decode coverage labels for %s: %w", c.TaskType, err)
	}
	if ratio.Valid {
		c.BatchRatio = &ratio.Float64
	}
	return c, nil
}

func configArgs(c workflow.TaskConfig) ([]any, error) {
	coverage := c.CoverageLabels
	if coverage == nil {
		coverage = []string{}
	}
	cov, err := json.Marshal(coverage)
	if err != nil {
		return nil, err
	}
	var ratio sql.NullFloat64
	if c.BatchRatio != nil {
		ratio = sql.NullFloat64{Float64: *c.BatchRatio, Valid: true}
	}
	return []any{c.TaskType, c.DisplayName, c.Description, c.TargetTotalCompleted,
		c.TargetMinPerLabel, string(cov), c.ExcludeTestByDefault, c.BatchStrategy, ratio}, nil
}

func (db *DB) ListTaskConfigs(ctx context.Context) ([]workflow.TaskConfig, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+configColumns+` FROM task_configs ORDER BY task_type`)
	if err != nil {
		return nil, fmt.Errorf("list task configs: %w", err)
	}
	defer rows.Close()

	var out []workflow.TaskConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) GetTaskConfig(ctx context.Context, tt labels.TaskType) (workflow.TaskConfig, error) {
	c, err := scanConfig(db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM task_configs WHERE task_type = ?`, tt))
	if err != nil {
		return workflow.TaskConfig{}, notFound(err, "task config %s", tt)
	}
	return c, nil
}

func (db *DB) SaveTaskConfig(ctx context.Context, cfg workflow.TaskConfig) error {
	args, err := configArgs(cfg)
	if err != nil {
		return err
	}
	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO task_configs (`+configColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (task_type) DO UPDATE SET
				display_name = excluded.display_name,
				description = excluded.description,
				target_total_completed = excluded.target_total_completed,
				target_min_per_label = excluded.target_min_per_label,
				coverage_labels = excluded.coverage_labels,
				exclude_test_by_default = excluded.exclude_test_by_default,
				batch_strategy = excluded.batch_strategy,
				batch_ratio = excluded.batch_ratio`, args...)
		if err != nil {
			return fmt.Errorf("save task config %s: %w", cfg.TaskType, err)
		}
		return nil
	})
}

const itemColumns = `id, task_type, sample_id, doc_id, payload, created_at`

func scanItem(sc interface{ Scan(...any) error }) (workflow.TaskItem, error) {
	var (
		it      workflow.TaskItem
		payload string
		created int64
	)
	if err := sc.Scan(&it.ID, &it.TaskType, &it.SampleID, &it.DocID, &payload, &created); err != nil {
		return it, err
	}
	it.Payload = json.RawMessage(payload)
	it.CreatedAt = fromNanos(created)
	return it, nil
}

func (db *DB) GetTaskItem(ctx context.Context, tt labels.TaskType, sampleID string) (workflow.TaskItem, error) {
	it, err := scanItem(db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM task_items WHERE task_type = ? AND sample_id = ?`, tt, sampleID))
	if err != nil {
		return workflow.TaskItem{}, notFound(err, "task item %s/%s", tt, sampleID)
	}
	return it, nil
}

// listTaskItems returns items in import order. An empty tt lists every task.
func listTaskItems(ctx context.Context, q queryer, tt labels.TaskType) ([]workflow.TaskItem, error) {
	query := `SELECT ` + itemColumns + ` FROM task_items`
	var args []any
	if tt != "" {
		query += ` WHERE task_type = ?`
		args = append(args, tt)
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list task items: %w", err)
	}
	defer rows.Close()

	var out []workflow.TaskItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (db *DB) GetDocContext(ctx context.Context, docID string) (*workflow.DocContext, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT context_json FROM transcript_docs WHERE doc_id = ?`, docID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get doc context %s: %w", docID, err)
	}
	var dc workflow.DocContext
	if err := json.Unmarshal([]byte(raw), &dc); err != nil {
		return nil, fmt.Errorf("decode doc context %s: %w", docID, err)
	}
	return &dc, nil
}

const annotationColumns = `id, task_type, sample_id, user_id, user_name, mode, annotation_json, batch_id, submitted_at`

func scanAnnotation(sc interface{ Scan(...any) error }) (workflow.Annotation, error) {
	var (
		a         workflow.Annotation
		raw       string
		batchID   sql.NullString
		submitted int64
	)
	if err := sc.Scan(&a.ID, &a.TaskType, &a.SampleID, &a.UserID, &a.UserName, &a.Mode, &raw, &batchID, &submitted); err != nil {
		return a, err
	}
	schema, err := a.TaskType.Schema()
	if err != nil {
		return a, err
	}
	if a.Label, err = schema.DecodeLabel([]byte(raw)); err != nil {
		return a, fmt.Errorf("decode annotation %s: %w", a.ID, err)
	}
	a.BatchID = batchID.String
	a.SubmittedAt = fromNanos(submitted)
	return a, nil
}

func listAnnotations(ctx context.Context, q queryer, f workflow.AnnotationFilter) ([]workflow.Annotation, error) {
	var (
		where []string
		args  []any
	)
	add := func(col string, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("task_type", string(f.TaskType))
	add("sample_id", f.SampleID)
	add("user_id", f.UserID)
	add("mode", string(f.Mode))

	query := `SELECT ` + annotationColumns + ` FROM annotations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var out []workflow.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) ListAnnotations(ctx context.Context, f workflow.AnnotationFilter) ([]workflow.Annotation, error) {
	return listAnnotations(ctx, db, f)
}

func (db *DB) UpsertAnnotation(ctx context.Context, a workflow.Annotation) (workflow.Annotation, error) {
	payload, err := json.Marshal(a.Label)
	if err != nil {
		return workflow.Annotation{}, fmt.Errorf("encode annotation: %w", err)
	}
	err = retryOnBusy(func() error {
		return db.QueryRowContext(ctx, `
			INSERT INTO annotations (`+annotationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (task_type, sample_id, user_id, mode) DO UPDATE SET
				user_name = excluded.user_name,
				annotation_json = excluded.annotation_json,
				batch_id = excluded.batch_id,
				submitted_at = excluded.submitted_at
			RETURNING id`,
			a.ID, a.TaskType, a.SampleID, a.UserID, a.UserName, a.Mode, string(payload),
			nullString(a.BatchID), toNanos(a.SubmittedAt),
		).Scan(&a.ID)
	})
	if err != nil {
		return workflow.Annotation{}, fmt.Errorf("upsert annotation %s/%s for %s: %w", a.TaskType, a.SampleID, a.UserID, err)
	}
	return a, nil
}

const claimColumns = `id, batch_id, task_type, sample_id, user_id, mode, status, claimed_at, expires_at`

func scanClaims(rows *sql.Rows) ([]workflow.Claim, error) {
	defer rows.Close()
	var out []workflow.Claim
	for rows.Next() {
		var (
			c                  workflow.Claim
			claimed, expiresAt int64
		)
		if err := rows.Scan(&c.ID, &c.BatchID, &c.TaskType, &c.SampleID, &c.UserID, &c.Mode, &c.Status, &claimed, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		c.ClaimedAt = fromNanos(claimed)
		c.ExpiresAt = fromNanos(expiresAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) MarkClaimSubmitted(ctx context.Context, batchID string, tt labels.TaskType, sampleID, userID string) error {
	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, `
			UPDATE claims SET status = ?
			WHERE batch_id = ? AND task_type = ? AND sample_id = ? AND user_id = ?`,
			workflow.ClaimSubmitted, batchID, tt, sampleID, userID)
		if err != nil {
			return fmt.Errorf("mark claim submitted %s/%s: %w", batchID, sampleID, err)
		}
		return nil
	})
}

func (db *DB) ListClaimsByBatch(ctx context.Context, tt labels.TaskType, batchID string) ([]workflow.Claim, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE task_type = ? AND batch_id = ? ORDER BY rowid`, tt, batchID)
	if err != nil {
		return nil, fmt.Errorf("list claims for batch %s: %w", batchID, err)
	}
	return scanClaims(rows)
}

const adjudicationColumns = `id, task_type, sample_id, adjudicated_json, notes, adjudicated_by, adjudicated_at, auto_filled`

func scanAdjudication(sc interface{ Scan(...any) error }) (workflow.Adjudication, error) {
	var (
		adj   workflow.Adjudication
		raw   string
		notes sql.NullString
		at    int64
	)
	if err := sc.Scan(&adj.ID, &adj.TaskType, &adj.SampleID, &raw, &notes, &adj.AdjudicatedBy, &at, &adj.AutoFilled); err != nil {
		return adj, err
	}
	schema, err := adj.TaskType.Schema()
	if err != nil {
		return adj, err
	}
	var resolved map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&resolved); err != nil {
		return adj, fmt.Errorf("decode adjudication %s: %w", adj.ID, err)
	}
	if adj.Resolved, err = schema.NormalizeResolution(resolved); err != nil {
		return adj, fmt.Errorf("stored adjudication %s: %w", adj.ID, err)
	}
	if notes.Valid {
		adj.Notes = &notes.String
	}
	adj.AdjudicatedAt = fromNanos(at)
	return adj, nil
}

func (db *DB) GetAdjudication(ctx context.Context, tt labels.TaskType, sampleID string) (*workflow.Adjudication, error) {
	adj, err := scanAdjudication(db.QueryRowContext(ctx,
		`SELECT `+adjudicationColumns+` FROM adjudications WHERE task_type = ? AND sample_id = ?`, tt, sampleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get adjudication %s/%s: %w", tt, sampleID, err)
	}
	return &adj, nil
}

func (db *DB) UpsertAdjudication(ctx context.Context, adj workflow.Adjudication) (workflow.Adjudication, error) {
	payload, err := json.Marshal(adj.Resolved)
	if err != nil {
		return workflow.Adjudication{}, fmt.Errorf("encode adjudication: %w", err)
	}
	var notes sql.NullString
	if adj.Notes != nil {
		notes = sql.NullString{String: *adj.Notes, Valid: true}
	}
	err = retryOnBusy(func() error {
		return db.QueryRowContext(ctx, `
			INSERT INTO adjudications (`+adjudicationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (task_type, sample_id) DO UPDATE SET
				adjudicated_json = excluded.adjudicated_json,
				notes = excluded.notes,
				adjudicated_by = excluded.adjudicated_by,
				adjudicated_at = excluded.adjudicated_at,
				auto_filled = excluded.auto_filled
			RETURNING id`,
			adj.ID, adj.TaskType, adj.SampleID, string(payload), notes, adj.AdjudicatedBy,
			toNanos(adj.AdjudicatedAt), adj.AutoFilled,
		).Scan(&adj.ID)
	})
	if err != nil {
		return workflow.Adjudication{}, fmt.Errorf("upsert adjudication %s/%s: %w", adj.TaskType, adj.SampleID, err)
	}
	return adj, nil
}

// Snapshot reads every record inside one transaction.
func (db *DB) Snapshot(ctx context.Context) (workflow.Snapshot, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return workflow.Snapshot{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	var snap workflow.Snapshot
	if snap.Items, err = listTaskItems(ctx, tx, ""); err != nil {
		return workflow.Snapshot{}, err
	}
	if snap.Annotations, err = listAnnotations(ctx, tx, workflow.AnnotationFilter{}); err != nil {
		return workflow.Snapshot{}, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims ORDER BY rowid`)
	if err != nil {
		return workflow.Snapshot{}, fmt.Errorf("list claims: %w", err)
	}
	if snap.Claims, err = scanClaims(rows); err != nil {
		return workflow.Snapshot{}, err
	}

	adjRows, err := tx.QueryContext(ctx, `SELECT `+adjudicationColumns+` FROM adjudications ORDER BY rowid`)
	if err != nil {
		return workflow.Snapshot{}, fmt.Errorf("list adjudications: %w", err)
	}
	defer adjRows.Close()
	for adjRows.Next() {
		adj, err := scanAdjudication(adjRows)
		if err != nil {
			return workflow.Snapshot{}, err
		}
		snap.Adjudications = append(snap.Adjudications, adj)
	}
	if err := adjRows.Err(); err != nil {
		return workflow.Snapshot{}, err
	}
	return snap, tx.Commit()
}

// WithTaskLock serialises claim allocation for tt within the process with
// a mutex and across processes with an IMMEDIATE transaction.
func (db *DB) WithTaskLock(ctx context.Context, tt labels.TaskType, fn func(workflow.ClaimTx) error) error {
	unlock := db.locks.Lock(tt)
	defer unlock()

	var tx *sql.Tx
	if err := retryOnBusy(func() (err error) {
		tx, err = db.BeginTx(ctx, nil)
		return err
	}); err != nil {
		return fmt.Errorf("begin claim transaction for %s: %w", tt, err)
	}
	defer tx.Rollback()

	if err := fn(claimTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claims for %s: %w", tt, err)
	}
	return nil
}

type claimTx struct {
	tx *sql.Tx
}

func (c claimTx) ListTaskItems(ctx context.Context, tt labels.TaskType) ([]workflow.TaskItem, error) {
	return listTaskItems(ctx, c.tx, tt)
}

func (c claimTx) ListAnnotations(ctx context.Context, f workflow.AnnotationFilter) ([]workflow.Annotation, error) {
	return listAnnotations(ctx, c.tx, f)
}

func (c claimTx) ListActiveClaims(ctx context.Context, tt labels.TaskType, now time.Time) ([]workflow.Claim, error) {
	rows, err := c.tx.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM claims
		WHERE task_type = ? AND status = ? AND expires_at > ?
		ORDER BY rowid`, tt, workflow.ClaimClaimed, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("list active claims for %s: %w", tt, err)
	}
	return scanClaims(rows)
}

func (c claimTx) InsertClaims(ctx context.Context, claims []workflow.Claim) error {
	stmt, err := c.tx.PrepareContext(ctx, `INSERT INTO claims (`+claimColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare claim insert: %w", err)
	}
	defer stmt.Close()
	for _, cl := range claims {
		if _, err := stmt.ExecContext(ctx, cl.ID, cl.BatchID, cl.TaskType, cl.SampleID, cl.UserID, cl.Mode,
			cl.Status, toNanos(cl.ClaimedAt), toNanos(cl.ExpiresAt)); err != nil {
			return fmt.Errorf("insert claim %s/%s: %w", cl.TaskType, cl.SampleID, err)
		}
	}
	return nil
}
