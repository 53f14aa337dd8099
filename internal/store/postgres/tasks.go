package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/kurtskinny/mirrorsync/internal/store"
	"github.com/kurtskinny/mirrorsync/internal/store/retry"
)

func scanTask(row pgx.Row) (*store.SyncTask, error) {
	var t store.SyncTask
	err := row.Scan(
		&t.ID, &t.SourceChannelID, &t.TaskType, &t.Status, &t.CreatedAt, &t.StartedAt,
		&t.PausedAt, &t.CompletedAt, &t.ProgressCurrent, &t.ProgressTotal,
		&t.LastProcessedID, &t.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const taskColumns = `id, source_channel_id, task_type, status, created_at, started_at,
	paused_at, completed_at, progress_current, progress_total, last_processed_id, last_error`

// GetTask loads a task by id.
func (d *DB) GetTask(ctx context.Context, id int64) (*store.SyncTask, error) {
	var t *store.SyncTask
	err := retry.Do(ctx, "GetTask", func(ctx context.Context) error {
		var scanErr error
		t, scanErr = scanTask(d.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM sync_task WHERE id = $1`, id))
		return scanErr
	})
	return t, err
}

// CreateTask inserts a new pending task (used by the UI externally and by
// C10's scheduler-driven retry-task creation).
func (d *DB) CreateTask(ctx context.Context, sourceChannelID int64, taskType store.TaskType) (*store.SyncTask, error) {
	var t *store.SyncTask
	err := retry.Do(ctx, "CreateTask", func(ctx context.Context) error {
		var scanErr error
		t, scanErr = scanTask(d.Pool.QueryRow(ctx, `
			INSERT INTO sync_task (source_channel_id, task_type, status)
			VALUES ($1, $2, 'pending')
			RETURNING `+taskColumns, sourceChannelID, taskType))
		return scanErr
	})
	return t, err
}

// ReviveTask resets a non-pending/non-running/non-paused task back to
// pending with cleared progress, used by the retry-task creator (C10) when a
// prior retry_failed task already exists in a terminal state.
func (d *DB) ReviveTask(ctx context.Context, taskID int64) error {
	return retry.Do(ctx, "ReviveTask", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			UPDATE sync_task SET
				status = 'pending', progress_current = NULL, progress_total = NULL,
				last_processed_id = NULL, last_error = '', started_at = NULL,
				paused_at = NULL, completed_at = NULL
			WHERE id = $1 AND status NOT IN ('pending', 'running', 'paused')
		`, taskID)
		return err
	})
}

// FindTaskBySourceAndType returns the most recent task of the given type for
// a source, or nil if none exists — used by schedulers to decide whether to
// create or revive.
func (d *DB) FindTaskBySourceAndType(ctx context.Context, sourceChannelID int64, taskType store.TaskType) (*store.SyncTask, error) {
	var t *store.SyncTask
	err := retry.Do(ctx, "FindTaskBySourceAndType", func(ctx context.Context) error {
		var scanErr error
		t, scanErr = scanTask(d.Pool.QueryRow(ctx, `
			SELECT `+taskColumns+` FROM sync_task
			WHERE source_channel_id = $1 AND task_type = $2
			ORDER BY created_at DESC LIMIT 1
		`, sourceChannelID, taskType))
		return scanErr
	})
	return t, err
}

// ClaimNextTask implements C5's two-step claim: select the eligible pending
// task of taskType with the highest source priority, oldest first among equals, excluding sources already owned by a running
// task (runningSourceIDs, the in-memory exclusivity set), then conditionally
// update it to running guarded by status='pending'. Returns nil, nil if no
// task could be claimed (either none eligible, or the race was lost).
func (d *DB) ClaimNextTask(ctx context.Context, taskType store.TaskType, runningSourceIDs []int64) (*store.SyncTask, error) {
	var t *store.SyncTask
	err := retry.Do(ctx, "ClaimNextTask", func(ctx context.Context) error {
		var candidateID int64
		excl := runningSourceIDs
		if excl == nil {
			excl = []int64{}
		}

		findErr := d.Pool.QueryRow(ctx, `
			SELECT st.id
			FROM sync_task st
			JOIN source_channel sc ON sc.id = st.source_channel_id
			LEFT JOIN mirror_channel mc ON mc.source_channel_id = sc.id
			WHERE st.task_type = $1
			  AND st.status = 'pending'
			  AND sc.is_active = TRUE
			  AND sc.sync_status != 'error'
			  AND NOT (sc.id = ANY($2::bigint[]))
			  AND ($1 = 'resolve' OR (sc.numeric_id IS NOT NULL AND mc.numeric_id IS NOT NULL))
			ORDER BY sc.priority DESC, st.created_at ASC
			LIMIT 1
		`, taskType, excl).Scan(&candidateID)
		if errors.Is(findErr, pgx.ErrNoRows) {
			t = nil
			return nil
		}
		if findErr != nil {
			return findErr
		}

		claimed, scanErr := scanTask(d.Pool.QueryRow(ctx, `
			UPDATE sync_task SET status = 'running', started_at = now()
			WHERE id = $1 AND status = 'pending'
			RETURNING `+taskColumns, candidateID))
		if scanErr != nil {
			return scanErr
		}
		t = claimed // nil if the race was lost (zero rows updated)
		return nil
	})
	return t, err
}

// PauseTask is C4's pause(): sets paused, records reason, optionally updates
// progress, and returns the row's prior state for event emission.
func (d *DB) PauseTask(ctx context.Context, taskID int64, reason string, progressCurrent, lastProcessedID *int64) (*store.SyncTask, error) {
	var prior *store.SyncTask
	err := retry.Do(ctx, "PauseTask", func(ctx context.Context) error {
		tx, txErr := d.Pool.Begin(ctx)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback(ctx) }()

		p, scanErr := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM sync_task WHERE id = $1 FOR UPDATE`, taskID))
		if scanErr != nil {
			return scanErr
		}
		if p == nil {
			return nil
		}
		prior = p

		if _, err := tx.Exec(ctx, `
			UPDATE sync_task SET
				status = 'paused', paused_at = now(), last_error = $2,
				progress_current = COALESCE($3, progress_current),
				last_processed_id = COALESCE($4, last_processed_id)
			WHERE id = $1
		`, taskID, store.TruncateMessage(reason), progressCurrent, lastProcessedID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	return prior, err
}

// FailTask is C4's fail(): sets failed + completed_at, records the error, and
// the caller (tasks.Lifecycle) is responsible for marking the owning source
// sync_status=error for resolve/history_full task types per §4.4.
func (d *DB) FailTask(ctx context.Context, taskID int64, errMsg string) (*store.SyncTask, error) {
	var prior *store.SyncTask
	err := retry.Do(ctx, "FailTask", func(ctx context.Context) error {
		tx, txErr := d.Pool.Begin(ctx)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback(ctx) }()

		p, scanErr := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM sync_task WHERE id = $1 FOR UPDATE`, taskID))
		if scanErr != nil {
			return scanErr
		}
		if p == nil {
			return nil
		}
		prior = p

		if _, err := tx.Exec(ctx, `
			UPDATE sync_task SET status = 'failed', completed_at = now(), last_error = $2
			WHERE id = $1
		`, taskID, store.TruncateMessage(errMsg)); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	return prior, err
}

// CompleteTask is C4's complete(): sets completed, clears last_error.
func (d *DB) CompleteTask(ctx context.Context, taskID int64) (*store.SyncTask, error) {
	var prior *store.SyncTask
	err := retry.Do(ctx, "CompleteTask", func(ctx context.Context) error {
		tx, txErr := d.Pool.Begin(ctx)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback(ctx) }()

		p, scanErr := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM sync_task WHERE id = $1 FOR UPDATE`, taskID))
		if scanErr != nil {
			return scanErr
		}
		if p == nil {
			return nil
		}
		prior = p

		if _, err := tx.Exec(ctx, `
			UPDATE sync_task SET status = 'completed', completed_at = now(), last_error = ''
			WHERE id = $1
		`, taskID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	return prior, err
}

// UpdateProgress persists (progress_current, last_processed_id) without
// touching status — the opportunistic write C7/C8 perform during a scan.
func (d *DB) UpdateProgress(ctx context.Context, taskID int64, current, total, lastProcessedID *int64) error {
	return retry.Do(ctx, "UpdateProgress", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			UPDATE sync_task SET
				progress_current = COALESCE($2, progress_current),
				progress_total = COALESCE($3, progress_total),
				last_processed_id = COALESCE($4, last_processed_id)
			WHERE id = $1
		`, taskID, current, total, lastProcessedID)
		return err
	})
}

// RequeueRunningTasks flips every running task back to pending — the crash
// recovery step C11 performs on startup and on SIGINT/SIGTERM.
func (d *DB) RequeueRunningTasks(ctx context.Context) (int64, error) {
	var n int64
	err := retry.Do(ctx, "RequeueRunningTasks", func(ctx context.Context) error {
		tag, err := d.Pool.Exec(ctx, `UPDATE sync_task SET status = 'pending', started_at = NULL WHERE status = 'running'`)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// PausedTasksWithFloodWait returns paused tasks whose last_error looks like a
// FLOOD_WAIT message, for the auto-resume scheduler (C10) to inspect.
func (d *DB) PausedTasksWithFloodWait(ctx context.Context) ([]*store.SyncTask, error) {
	var out []*store.SyncTask
	err := retry.Do(ctx, "PausedTasksWithFloodWait", func(ctx context.Context) error {
		rows, err := d.Pool.Query(ctx, `
			SELECT `+taskColumns+` FROM sync_task
			WHERE status = 'paused' AND last_error ILIKE '%flood_wait%'
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = nil
		for rows.Next() {
			t, scanErr := scanTaskRows(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func scanTaskRows(rows pgx.Rows) (*store.SyncTask, error) {
	var t store.SyncTask
	err := rows.Scan(
		&t.ID, &t.SourceChannelID, &t.TaskType, &t.Status, &t.CreatedAt, &t.StartedAt,
		&t.PausedAt, &t.CompletedAt, &t.ProgressCurrent, &t.ProgressTotal,
		&t.LastProcessedID, &t.LastError,
	)
	return &t, err
}

// ResumeTask flips a paused task back to pending (FLOOD_WAIT auto-resume).
func (d *DB) ResumeTask(ctx context.Context, taskID int64) error {
	return retry.Do(ctx, "ResumeTask", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `UPDATE sync_task SET status = 'pending' WHERE id = $1 AND status = 'paused'`, taskID)
		return err
	})
}

// CountRunningExcludingRealtime returns the number of running tasks that
// occupy the concurrency cap (realtime tasks are orthogonal per §5).
func (d *DB) CountRunningExcludingRealtime(ctx context.Context) (int, error) {
	var n int
	err := retry.Do(ctx, "CountRunningExcludingRealtime", func(ctx context.Context) error {
		return d.Pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM sync_task WHERE status = 'running' AND task_type != 'realtime'
		`).Scan(&n)
	})
	return n, err
}
