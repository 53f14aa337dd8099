package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/kurtskinny/mirrorsync/internal/store"
	"github.com/kurtskinny/mirrorsync/internal/store/retry"
)

const mappingColumns = `id, source_channel_id, source_message_id, mirror_message_id, message_type,
	media_group_id, status, skip_reason, error_message, retry_count, has_media, file_size,
	text, text_preview, sent_at, mirrored_at, last_edited_at, edit_count, is_deleted, deleted_at`

func scanMapping(row pgx.Row) (*store.MessageMapping, error) {
	var m store.MessageMapping
	err := row.Scan(
		&m.ID, &m.SourceChannelID, &m.SourceMessageID, &m.MirrorMessageID, &m.MessageType,
		&m.MediaGroupID, &m.Status, &m.SkipReason, &m.ErrorMessage, &m.RetryCount, &m.HasMedia, &m.FileSize,
		&m.Text, &m.TextPreview, &m.SentAt, &m.MirroredAt, &m.LastEditedAt, &m.EditCount, &m.IsDeleted, &m.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMappingWithInserted(row pgx.Row) (*store.MessageMapping, bool, error) {
	var m store.MessageMapping
	var inserted bool
	err := row.Scan(
		&inserted,
		&m.ID, &m.SourceChannelID, &m.SourceMessageID, &m.MirrorMessageID, &m.MessageType,
		&m.MediaGroupID, &m.Status, &m.SkipReason, &m.ErrorMessage, &m.RetryCount, &m.HasMedia, &m.FileSize,
		&m.Text, &m.TextPreview, &m.SentAt, &m.MirroredAt, &m.LastEditedAt, &m.EditCount, &m.IsDeleted, &m.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &m, inserted, nil
}

func scanMappingRows(rows pgx.Rows) (*store.MessageMapping, error) {
	var m store.MessageMapping
	err := rows.Scan(
		&m.ID, &m.SourceChannelID, &m.SourceMessageID, &m.MirrorMessageID, &m.MessageType,
		&m.MediaGroupID, &m.Status, &m.SkipReason, &m.ErrorMessage, &m.RetryCount, &m.HasMedia, &m.FileSize,
		&m.Text, &m.TextPreview, &m.SentAt, &m.MirroredAt, &m.LastEditedAt, &m.EditCount, &m.IsDeleted, &m.DeletedAt,
	)
	return &m, err
}

// GetMapping loads a mapping by (sourceChannelID, sourceMessageID).
func (d *DB) GetMapping(ctx context.Context, sourceChannelID, sourceMessageID int64) (*store.MessageMapping, error) {
	var m *store.MessageMapping
	err := retry.Do(ctx, "GetMapping", func(ctx context.Context) error {
		var scanErr error
		m, scanErr = scanMapping(d.Pool.QueryRow(ctx, `
			SELECT `+mappingColumns+` FROM message_mapping
			WHERE source_channel_id = $1 AND source_message_id = $2
		`, sourceChannelID, sourceMessageID))
		return scanErr
	})
	return m, err
}

// UpsertPendingMapping inserts a new pending mapping for a source message, or
// returns the existing row untouched if one already exists — the "exactly
// one mirror message per source message" invariant's entry point, guarding
// both the real-time handler (C9) and history/retry workers (C7/C8) against
// double-processing the same source message. The second return value reports
// whether this call performed the insert (false means a prior row already
// existed — callers treat that as a duplicate and stop).
func (d *DB) UpsertPendingMapping(ctx context.Context, m *store.MessageMapping) (*store.MessageMapping, bool, error) {
	var out *store.MessageMapping
	var inserted bool
	err := retry.Do(ctx, "UpsertPendingMapping", func(ctx context.Context) error {
		var scanErr error
		out, inserted, scanErr = scanMappingWithInserted(d.Pool.QueryRow(ctx, `
			INSERT INTO message_mapping (
				source_channel_id, source_message_id, message_type, media_group_id,
				status, has_media, file_size, text, text_preview
			) VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8)
			ON CONFLICT (source_channel_id, source_message_id) DO UPDATE SET
				source_channel_id = message_mapping.source_channel_id
			RETURNING (xmax = 0) AS inserted, `+mappingColumns,
			m.SourceChannelID, m.SourceMessageID, m.MessageType, m.MediaGroupID,
			m.HasMedia, m.FileSize, m.Text, m.TextPreview))
		return scanErr
	})
	return out, inserted, err
}

// MarkMappingSuccess records a successful mirror and the resulting
// mirror_message_id.
func (d *DB) MarkMappingSuccess(ctx context.Context, id int64, mirrorMessageID int64) error {
	return retry.Do(ctx, "MarkMappingSuccess", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			UPDATE message_mapping SET
				status = 'success', mirror_message_id = $2, mirrored_at = now(), error_message = ''
			WHERE id = $1
		`, id, mirrorMessageID)
		return err
	})
}

// MarkMappingSkipped records a permanent, non-retryable skip.
func (d *DB) MarkMappingSkipped(ctx context.Context, id int64, reason store.SkipReason, detail string) error {
	return retry.Do(ctx, "MarkMappingSkipped", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			UPDATE message_mapping SET
				status = 'skipped', skip_reason = $2, error_message = $3
			WHERE id = $1
		`, id, reason, store.TruncateMessage(detail))
		return err
	})
}

// MarkMappingSkippedAfterRetries records a terminal skip reached via the
// retry budget (C8's skip-after-max-retry path), bumping retry_count one
// final time so the ledger reflects the attempt that exhausted the budget.
func (d *DB) MarkMappingSkippedAfterRetries(ctx context.Context, id int64, reason store.SkipReason, detail string) error {
	return retry.Do(ctx, "MarkMappingSkippedAfterRetries", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			UPDATE message_mapping SET
				status = 'skipped', skip_reason = $2, error_message = $3, retry_count = retry_count + 1
			WHERE id = $1
		`, id, reason, store.TruncateMessage(detail))
		return err
	})
}

// MarkMappingFailed records a retryable failure and bumps retry_count.
func (d *DB) MarkMappingFailed(ctx context.Context, id int64, detail string) error {
	return retry.Do(ctx, "MarkMappingFailed", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			UPDATE message_mapping SET
				status = 'failed', error_message = $2, retry_count = retry_count + 1
			WHERE id = $1
		`, id, store.TruncateMessage(detail))
		return err
	})
}

// RecordEdit bumps the mapping's last_edited_at / edit_count / text, and —
// only when keepHistory is true — appends a message_edit version row.
// keepHistory is the per-call value of the keep_edit_history setting: the
// mapping's current text always tracks the source, but the append-only
// version ledger is opt-in.
func (d *DB) RecordEdit(ctx context.Context, mappingID int64, newText string, keepHistory bool) error {
	return retry.Do(ctx, "RecordEdit", func(ctx context.Context) error {
		tx, txErr := d.Pool.Begin(ctx)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var nextVersion int
		if err := tx.QueryRow(ctx, `
			UPDATE message_mapping SET
				text = $2, edit_count = edit_count + 1, last_edited_at = now()
			WHERE id = $1
			RETURNING edit_count
		`, mappingID, newText).Scan(&nextVersion); err != nil {
			return err
		}

		if keepHistory {
			if _, err := tx.Exec(ctx, `
				INSERT INTO message_edit (mapping_id, version, text) VALUES ($1, $2, $3)
				ON CONFLICT (mapping_id, version) DO NOTHING
			`, mappingID, nextVersion, newText); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

// MarkDeleted flags a mapping as deleted — the real-time delete handler (C9)
// does not remove the row (the ledger is append-only per source message).
func (d *DB) MarkDeleted(ctx context.Context, mappingID int64) error {
	return retry.Do(ctx, "MarkDeleted", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			UPDATE message_mapping SET is_deleted = TRUE, deleted_at = now() WHERE id = $1
		`, mappingID)
		return err
	})
}

// RetryEligibleMappings returns up to limit failed mappings for a source
// whose retry_count is below maxRetries and whose source_message_id is past
// the source's last_processed_id checkpoint, oldest first — C8's retry scan
// input. The checkpoint is the last_processed_id of the source's latest
// history_full task (0 if none); failed mappings at or below it are not
// returned.
// protected-content skips are excluded by construction (they are
// status='skipped', never 'failed').
func (d *DB) RetryEligibleMappings(ctx context.Context, sourceChannelID int64, maxRetries, limit int) ([]*store.MessageMapping, error) {
	var out []*store.MessageMapping
	err := retry.Do(ctx, "RetryEligibleMappings", func(ctx context.Context) error {
		rows, err := d.Pool.Query(ctx, `
			SELECT `+mappingColumns+` FROM message_mapping mm
			WHERE mm.source_channel_id = $1 AND mm.status = 'failed' AND mm.retry_count < $2
			  AND mm.source_message_id > COALESCE((
				SELECT last_processed_id FROM sync_task
				WHERE source_channel_id = $1 AND task_type = 'history_full'
				ORDER BY id DESC LIMIT 1
			  ), 0)
			ORDER BY mm.source_message_id ASC
			LIMIT $3
		`, sourceChannelID, maxRetries, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = nil
		for rows.Next() {
			m, scanErr := scanMappingRows(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// MappingsByMediaGroup returns every mapping sharing mediaGroupID for a
// source, ordered by source_message_id — used to reassemble an album when
// only some of its items have arrived in a history/retry scan window.
func (d *DB) MappingsByMediaGroup(ctx context.Context, sourceChannelID, mediaGroupID int64) ([]*store.MessageMapping, error) {
	var out []*store.MessageMapping
	err := retry.Do(ctx, "MappingsByMediaGroup", func(ctx context.Context) error {
		rows, err := d.Pool.Query(ctx, `
			SELECT `+mappingColumns+` FROM message_mapping
			WHERE source_channel_id = $1 AND media_group_id = $2
			ORDER BY source_message_id ASC
		`, sourceChannelID, mediaGroupID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = nil
		for rows.Next() {
			m, scanErr := scanMappingRows(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// MaxSourceMessageID returns the highest source_message_id already mapped
// for a source, or 0 if none — history worker (C7) resumption checkpoint in
// addition to sync_task.last_processed_id.
func (d *DB) MaxSourceMessageID(ctx context.Context, sourceChannelID int64) (int64, error) {
	var max int64
	err := retry.Do(ctx, "MaxSourceMessageID", func(ctx context.Context) error {
		var v *int64
		if err := d.Pool.QueryRow(ctx, `
			SELECT MAX(source_message_id) FROM message_mapping WHERE source_channel_id = $1
		`, sourceChannelID).Scan(&v); err != nil {
			return err
		}
		if v != nil {
			max = *v
		}
		return nil
	})
	return max, err
}

// SourcesWithRetryEligibleMappings returns distinct source_channel_ids that
// have at least one 'failed' mapping older than olderThanSec — the
// retry-task creator scheduler's (C10) candidate scan.
func (d *DB) SourcesWithRetryEligibleMappings(ctx context.Context, olderThanSec int) ([]int64, error) {
	var out []int64
	err := retry.Do(ctx, "SourcesWithRetryEligibleMappings", func(ctx context.Context) error {
		rows, err := d.Pool.Query(ctx, `
			SELECT DISTINCT source_channel_id FROM message_mapping
			WHERE status = 'failed' AND mirrored_at IS NULL
			  AND sent_at < now() - ($1 || ' seconds')::interval
		`, olderThanSec)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = nil
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

// FindMappingBySourceMessageID is the lookup used when a real-time edit or
// delete update arrives, keyed purely on source_message_id.
func (d *DB) FindMappingBySourceMessageID(ctx context.Context, sourceChannelID, sourceMessageID int64) (*store.MessageMapping, error) {
	return d.GetMapping(ctx, sourceChannelID, sourceMessageID)
}
