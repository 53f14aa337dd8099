package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kurtskinny/mirrorsync/internal/infra/clock"
	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/store"
	"github.com/kurtskinny/mirrorsync/internal/store/retry"
)

// notifyChannel is the Postgres LISTEN/NOTIFY channel external consumers
// (the web UI) subscribe to for near-real-time task/source change feed.
const notifyChannel = "tg_back_sync_tasks_v1"

// notifyWarnInterval rate-limits the "NOTIFY failed" log line per §4.4.
const notifyWarnInterval = 10 * time.Second

var (
	notifyWarnMu   sync.Mutex
	notifyWarnedAt time.Time
)

func warnNotifyFailure(err error) {
	notifyWarnMu.Lock()
	defer notifyWarnMu.Unlock()
	if time.Since(notifyWarnedAt) < notifyWarnInterval {
		return
	}
	notifyWarnedAt = time.Now()
	logger.Warnf("postgres: NOTIFY %s failed: %v", notifyChannel, err)
}

// taskNotification is the JSON payload shape published on notifyChannel.
type taskNotification struct {
	TS              time.Time `json:"ts"`
	TaskID          *int64    `json:"task_id,omitempty"`
	SourceChannelID *int64    `json:"source_channel_id,omitempty"`
	TaskType        string    `json:"task_type,omitempty"`
	Status          string    `json:"status,omitempty"`
}

// RecordEvent inserts a sync_event row and best-effort publishes a NOTIFY on
// notifyChannel — publish failures are logged and swallowed, never escalated,
// since the event feed is an observability aid and must not block the
// pipeline it is reporting on.
func (d *DB) RecordEvent(ctx context.Context, level store.EventLevel, message string, sourceChannelID *int64) error {
	err := retry.Do(ctx, "RecordEvent", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			INSERT INTO sync_event (level, message, source_channel_id) VALUES ($1, $2, $3)
		`, level, store.TruncateMessage(message), sourceChannelID)
		return err
	})
	if err != nil {
		return err
	}

	d.notifyTaskChange(ctx, sourceChannelID, nil, "", string(level))
	return nil
}

// NotifyTaskStatus publishes a task-status-change notification — called by
// the task lifecycle mutators (pause/fail/complete) and the claimer after a
// successful claim, per §6's external notification-channel contract.
func (d *DB) NotifyTaskStatus(ctx context.Context, taskID, sourceChannelID int64, taskType, status string) {
	tid, sid := taskID, sourceChannelID
	d.notifyTaskChange(ctx, &sid, &tid, taskType, status)
}

func (d *DB) notifyTaskChange(ctx context.Context, sourceChannelID, taskID *int64, taskType, status string) {
	payload, err := json.Marshal(taskNotification{
		TS:              clock.Now(),
		TaskID:          taskID,
		SourceChannelID: sourceChannelID,
		TaskType:        taskType,
		Status:          status,
	})
	if err != nil {
		logger.Warnf("postgres: marshal notify payload: %v", err)
		return
	}

	if _, err := d.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		warnNotifyFailure(err)
	}
}

// RecentEvents returns the most recent limit sync_event rows, newest first —
// used by diagnostics/health endpoints if exposed.
func (d *DB) RecentEvents(ctx context.Context, limit int) ([]*store.SyncEvent, error) {
	var out []*store.SyncEvent
	err := retry.Do(ctx, "RecentEvents", func(ctx context.Context) error {
		rows, err := d.Pool.Query(ctx, `
			SELECT id, level, message, source_channel_id, created_at
			FROM sync_event ORDER BY created_at DESC LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = nil
		for rows.Next() {
			var e store.SyncEvent
			if err := rows.Scan(&e.ID, &e.Level, &e.Message, &e.SourceChannelID, &e.CreatedAt); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return rows.Err()
	})
	return out, err
}
