package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/kurtskinny/mirrorsync/internal/store"
	"github.com/kurtskinny/mirrorsync/internal/store/retry"
)

// GetSourceChannel loads a single source by id. Returns nil, nil if absent.
func (d *DB) GetSourceChannel(ctx context.Context, id int64) (*store.SourceChannel, error) {
	var s store.SourceChannel
	err := retry.Do(ctx, "GetSourceChannel", func(ctx context.Context) error {
		return d.Pool.QueryRow(ctx, `
			SELECT id, identifier, numeric_id, access_hash, display_name, username,
			       mirror_mode, sync_status, is_active, is_protected, filter_mode,
			       filter_keywords, priority, subscribed_at, last_sync_at,
			       last_seen_message_id, member_count, description
			FROM source_channel WHERE id = $1
		`, id).Scan(
			&s.ID, &s.Identifier, &s.NumericID, &s.AccessHash, &s.DisplayName, &s.Username,
			&s.MirrorMode, &s.SyncStatus, &s.IsActive, &s.IsProtected, &s.FilterMode,
			&s.FilterKeywords, &s.Priority, &s.SubscribedAt, &s.LastSyncAt,
			&s.LastSeenMessageID, &s.MemberCount, &s.Description,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListActiveSources returns all sources eligible for scheduling consideration
// (is_active=true), ordered by priority for claim fairness.
func (d *DB) ListActiveSources(ctx context.Context) ([]*store.SourceChannel, error) {
	var out []*store.SourceChannel
	err := retry.Do(ctx, "ListActiveSources", func(ctx context.Context) error {
		rows, err := d.Pool.Query(ctx, `
			SELECT id, identifier, numeric_id, access_hash, display_name, username,
			       mirror_mode, sync_status, is_active, is_protected, filter_mode,
			       filter_keywords, priority, subscribed_at, last_sync_at,
			       last_seen_message_id, member_count, description
			FROM source_channel WHERE is_active = TRUE ORDER BY priority DESC, id ASC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = nil
		for rows.Next() {
			var s store.SourceChannel
			if err := rows.Scan(
				&s.ID, &s.Identifier, &s.NumericID, &s.AccessHash, &s.DisplayName, &s.Username,
				&s.MirrorMode, &s.SyncStatus, &s.IsActive, &s.IsProtected, &s.FilterMode,
				&s.FilterKeywords, &s.Priority, &s.SubscribedAt, &s.LastSyncAt,
				&s.LastSeenMessageID, &s.MemberCount, &s.Description,
			); err != nil {
				return err
			}
			out = append(out, &s)
		}
		return rows.Err()
	})
	return out, err
}

// GetMirrorChannel loads the mirror paired 1:1 with sourceChannelID.
func (d *DB) GetMirrorChannel(ctx context.Context, sourceChannelID int64) (*store.MirrorChannel, error) {
	var m store.MirrorChannel
	err := retry.Do(ctx, "GetMirrorChannel", func(ctx context.Context) error {
		return d.Pool.QueryRow(ctx, `
			SELECT id, source_channel_id, identifier, numeric_id, access_hash, name,
			       username, is_auto_created, invite_link, discussion_group_id
			FROM mirror_channel WHERE source_channel_id = $1
		`, sourceChannelID).Scan(
			&m.ID, &m.SourceChannelID, &m.Identifier, &m.NumericID, &m.AccessHash, &m.Name,
			&m.Username, &m.IsAutoCreated, &m.InviteLink, &m.DiscussionGroupID,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateSourceResolved persists the result of the resolve worker (C6):
// numeric id, access hash, display name, username, description, member
// count, protected flag, and the new sync_status.
func (d *DB) UpdateSourceResolved(ctx context.Context, s *store.SourceChannel) error {
	return retry.Do(ctx, "UpdateSourceResolved", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			UPDATE source_channel SET
				numeric_id = $2, access_hash = $3, display_name = $4, username = $5,
				description = $6, member_count = $7, is_protected = $8, sync_status = $9,
				identifier = $10
			WHERE id = $1
		`, s.ID, s.NumericID, s.AccessHash, s.DisplayName, s.Username,
			s.Description, s.MemberCount, s.IsProtected, s.SyncStatus, s.Identifier)
		return err
	})
}

// SetSourceSyncStatus flips sync_status alone, used by the health-check
// scheduler (C10) and by fail() (C4) when marking a source errored.
func (d *DB) SetSourceSyncStatus(ctx context.Context, sourceID int64, status store.SyncStatus) error {
	return retry.Do(ctx, "SetSourceSyncStatus", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx,
			`UPDATE source_channel SET sync_status = $2 WHERE id = $1`, sourceID, status)
		return err
	})
}

// SetSourceProtected marks is_protected once true; idempotent.
func (d *DB) SetSourceProtected(ctx context.Context, sourceID int64) error {
	return retry.Do(ctx, "SetSourceProtected", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx,
			`UPDATE source_channel SET is_protected = TRUE WHERE id = $1`, sourceID)
		return err
	})
}

// TouchLastSync updates last_sync_at / last_seen_message_id after a worker
// makes forward progress.
func (d *DB) TouchLastSync(ctx context.Context, sourceID int64, lastSeenMessageID int64) error {
	return retry.Do(ctx, "TouchLastSync", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx,
			`UPDATE source_channel SET last_sync_at = now(), last_seen_message_id = $2 WHERE id = $1`,
			sourceID, lastSeenMessageID)
		return err
	})
}

// SaveAutoCreatedMirror persists the numeric id / name / invite link / linked
// discussion group of a mirror channel created by the resolve worker.
func (d *DB) SaveAutoCreatedMirror(ctx context.Context, m *store.MirrorChannel) error {
	return retry.Do(ctx, "SaveAutoCreatedMirror", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			UPDATE mirror_channel SET
				identifier = $2, numeric_id = $3, access_hash = $4, name = $5,
				username = $6, invite_link = $7, discussion_group_id = $8
			WHERE id = $1
		`, m.ID, m.Identifier, m.NumericID, m.AccessHash, m.Name, m.Username,
			m.InviteLink, m.DiscussionGroupID)
		return err
	})
}

// InaccessibleErrorCodes lists the "inaccessible" error-class identifiers
// the health scheduler (C10) treats as proof a source should flip to error.
var InaccessibleErrorCodes = map[string]bool{
	"CHANNEL_PRIVATE":      true,
	"CHANNEL_INVALID":      true,
	"USERNAME_NOT_OCCUPIED": true,
	"PEER_ID_INVALID":      true,
	"AUTH_KEY_UNREGISTERED": true,
}
