// Package tasks implements the task lifecycle mutators (C4) and the
// priority-ordered claimer (C5), grounded on
// internal/domain/notifications/queue.go's "explicit state transition
// returning the prior value" style, here expressed as a transaction against
// sync_task (SELECT ... FOR UPDATE of the prior row, then UPDATE) instead of
// an in-memory queue.
package tasks

import (
	"context"
	"fmt"

	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/store"
)

// Repository is the subset of the Postgres repository the lifecycle and
// claimer need.
type Repository interface {
	GetTask(ctx context.Context, id int64) (*store.SyncTask, error)
	CreateTask(ctx context.Context, sourceChannelID int64, taskType store.TaskType) (*store.SyncTask, error)
	ReviveTask(ctx context.Context, taskID int64) error
	FindTaskBySourceAndType(ctx context.Context, sourceChannelID int64, taskType store.TaskType) (*store.SyncTask, error)
	ClaimNextTask(ctx context.Context, taskType store.TaskType, runningSourceIDs []int64) (*store.SyncTask, error)
	PauseTask(ctx context.Context, taskID int64, reason string, progressCurrent, lastProcessedID *int64) (*store.SyncTask, error)
	FailTask(ctx context.Context, taskID int64, errMsg string) (*store.SyncTask, error)
	CompleteTask(ctx context.Context, taskID int64) (*store.SyncTask, error)
	UpdateProgress(ctx context.Context, taskID int64, current, total, lastProcessedID *int64) error
	RequeueRunningTasks(ctx context.Context) (int64, error)
	PausedTasksWithFloodWait(ctx context.Context) ([]*store.SyncTask, error)
	ResumeTask(ctx context.Context, taskID int64) error
	CountRunningExcludingRealtime(ctx context.Context) (int, error)

	SetSourceSyncStatus(ctx context.Context, sourceID int64, status store.SyncStatus) error

	RecordEvent(ctx context.Context, level store.EventLevel, message string, sourceChannelID *int64) error
	NotifyTaskStatus(ctx context.Context, taskID, sourceChannelID int64, taskType, status string)
}

// Lifecycle wraps Repository with the three atomic mutators C4 specifies,
// each emitting a sync_event and a LISTEN/NOTIFY on completion.
type Lifecycle struct {
	repo Repository
}

// New constructs a Lifecycle over repo.
func New(repo Repository) *Lifecycle {
	return &Lifecycle{repo: repo}
}

// Pause sets a task paused with reason and an optional progress snapshot.
func (l *Lifecycle) Pause(ctx context.Context, taskID int64, reason string, progressCurrent, lastProcessedID *int64) error {
	prior, err := l.repo.PauseTask(ctx, taskID, reason, progressCurrent, lastProcessedID)
	if err != nil {
		return fmt.Errorf("tasks: pause %d: %w", taskID, err)
	}
	if prior == nil {
		return fmt.Errorf("tasks: pause: task %d not found", taskID)
	}

	sid := prior.SourceChannelID
	l.emit(ctx, store.EventLevelWarn, fmt.Sprintf("task %d paused: %s", taskID, reason), &sid)
	l.repo.NotifyTaskStatus(ctx, taskID, prior.SourceChannelID, string(prior.TaskType), string(store.TaskStatusPaused))
	return nil
}

// Fail sets a task failed and, for resolve/history_full task types, also
// marks the owning source sync_status=error per §4.4.
func (l *Lifecycle) Fail(ctx context.Context, taskID int64, errMsg string) error {
	prior, err := l.repo.FailTask(ctx, taskID, errMsg)
	if err != nil {
		return fmt.Errorf("tasks: fail %d: %w", taskID, err)
	}
	if prior == nil {
		return fmt.Errorf("tasks: fail: task %d not found", taskID)
	}

	if prior.TaskType == store.TaskTypeResolve || prior.TaskType == store.TaskTypeHistoryFull {
		if err := l.repo.SetSourceSyncStatus(ctx, prior.SourceChannelID, store.SyncStatusError); err != nil {
			logger.Errorf("tasks: failed to mark source %d sync_status=error after task %d failure: %v",
				prior.SourceChannelID, taskID, err)
		}
	}

	sid := prior.SourceChannelID
	l.emit(ctx, store.EventLevelError, fmt.Sprintf("task %d failed: %s", taskID, errMsg), &sid)
	l.repo.NotifyTaskStatus(ctx, taskID, prior.SourceChannelID, string(prior.TaskType), string(store.TaskStatusFailed))
	return nil
}

// Complete marks a task completed and clears its last_error.
func (l *Lifecycle) Complete(ctx context.Context, taskID int64) error {
	prior, err := l.repo.CompleteTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("tasks: complete %d: %w", taskID, err)
	}
	if prior == nil {
		return fmt.Errorf("tasks: complete: task %d not found", taskID)
	}

	sid := prior.SourceChannelID
	l.emit(ctx, store.EventLevelInfo, fmt.Sprintf("task %d completed", taskID), &sid)
	l.repo.NotifyTaskStatus(ctx, taskID, prior.SourceChannelID, string(prior.TaskType), string(store.TaskStatusCompleted))
	return nil
}

func (l *Lifecycle) emit(ctx context.Context, level store.EventLevel, msg string, sourceID *int64) {
	if err := l.repo.RecordEvent(ctx, level, msg, sourceID); err != nil {
		logger.Warnf("tasks: record event failed: %v", err)
	}
}
