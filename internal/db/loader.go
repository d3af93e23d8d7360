package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/callaudit/internal/workflow"
)

// inTx runs fn in a transaction, retrying the whole unit on SQLITE_BUSY.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (db *DB) UpsertUsers(ctx context.Context, users []workflow.User) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range users {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO app_users (`+userColumns+`) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					display_name = excluded.display_name,
					is_test_user = excluded.is_test_user,
					can_adjudicate = excluded.can_adjudicate,
					is_active = excluded.is_active`,
				u.ID, u.DisplayName, u.IsTestUser, u.CanAdjudicate, u.IsActive)
			if err != nil {
				return fmt.Errorf("upsert user %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

func (db *DB) EnsureTaskConfigs(ctx context.Context, cfgs []workflow.TaskConfig) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range cfgs {
			args, err := configArgs(c)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_configs (`+configColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (task_type) DO NOTHING`, args...); err != nil {
				return fmt.Errorf("seed task config %s: %w", c.TaskType, err)
			}
		}
		return nil
	})
}

func (db *DB) InsertTaskItems(ctx context.Context, items []workflow.TaskItem) (int, error) {
	var inserted int
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO task_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare item insert: %w", err)
		}
		defer stmt.Close()
		for _, it := range items {
			res, err := stmt.ExecContext(ctx, it.ID, it.TaskType, it.SampleID, it.DocID, string(it.Payload), toNanos(it.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert task item %s/%s: %w", it.TaskType, it.SampleID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	return inserted, err
}

func (db *DB) UpsertDocContexts(ctx context.Context, docs []workflow.DocContext) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, d := range docs {
			raw, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("encode doc context %s: %w", d.DocID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO transcript_docs (doc_id, context_json) VALUES (?, ?)
				ON CONFLICT (doc_id) DO UPDATE SET context_json = excluded.context_json`,
				d.DocID, string(raw)); err != nil {
				return fmt.Errorf("upsert doc context %s: %w", d.DocID, err)
			}
		}
		return nil
	})
}
