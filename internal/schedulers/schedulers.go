// Package schedulers implements the C10 ensure-loops: three independent,
// minimum-interval-gated background duties ticked from the supervisor (C11)
// loop, each a named step with debug logging, run repeatedly instead of
// once at startup.
package schedulers

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tgerr"

	"github.com/kurtskinny/mirrorsync/internal/chatservice"
	"github.com/kurtskinny/mirrorsync/internal/infra/clock"
	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/settings"
	"github.com/kurtskinny/mirrorsync/internal/store"
	"github.com/kurtskinny/mirrorsync/internal/store/postgres"
)

// Repository is the subset of the store the schedulers need.
type Repository interface {
	SourcesWithRetryEligibleMappings(ctx context.Context, olderThanSec int) ([]int64, error)
	FindTaskBySourceAndType(ctx context.Context, sourceChannelID int64, taskType store.TaskType) (*store.SyncTask, error)
	CreateTask(ctx context.Context, sourceChannelID int64, taskType store.TaskType) (*store.SyncTask, error)
	ReviveTask(ctx context.Context, taskID int64) error

	PausedTasksWithFloodWait(ctx context.Context) ([]*store.SyncTask, error)
	ResumeTask(ctx context.Context, taskID int64) error

	ListActiveSources(ctx context.Context) ([]*store.SourceChannel, error)
	GetSourceChannel(ctx context.Context, id int64) (*store.SourceChannel, error)
	UpdateSourceResolved(ctx context.Context, s *store.SourceChannel) error
	SetSourceSyncStatus(ctx context.Context, sourceID int64, status store.SyncStatus) error

	RecordEvent(ctx context.Context, level store.EventLevel, message string, sourceChannelID *int64) error
}

// HealthChecker is the narrow chat-service surface the health-check loop
// needs: a full-channel metadata fetch keyed by identifier.
type HealthChecker interface {
	ChannelMeta(ctx context.Context, identifier string) (chatservice.ChannelMeta, error)
}

// Ensurer runs the three independent scheduler duties, each self-gating on
// its own minimum interval so a single shared tick (driven by the
// supervisor) can call all three every iteration without over-firing.
type Ensurer struct {
	repo     Repository
	chat     HealthChecker
	settings *settings.Cache

	healthcheckEnabled     bool
	healthcheckIntervalSec int
	healthcheckBatchSize   int
	healthcheckRefreshSec  int

	lastRetryRun  time.Time
	lastFloodRun  time.Time
	lastHealthRun time.Time
	lastRefresh   time.Time

	healthRoster []int64
	healthCursor int
}

// New constructs an Ensurer from the env-derived scheduler knobs.
func New(repo Repository, chat HealthChecker, cache *settings.Cache,
	healthcheckEnabled bool, healthcheckIntervalSec, healthcheckBatchSize, healthcheckRefreshSec int) *Ensurer {
	return &Ensurer{
		repo:                   repo,
		chat:                   chat,
		settings:               cache,
		healthcheckEnabled:     healthcheckEnabled,
		healthcheckIntervalSec: healthcheckIntervalSec,
		healthcheckBatchSize:   healthcheckBatchSize,
		healthcheckRefreshSec:  healthcheckRefreshSec,
	}
}

const (
	minRetryCreatorInterval = 10 * time.Second
	minFloodWaitInterval    = 5 * time.Second
)

// Tick advances all three ensure-loops, each only actually doing work once
// its own minimum interval has elapsed since the last run.
func (e *Ensurer) Tick(ctx context.Context) {
	now := clock.Now()

	if now.Sub(e.lastRetryRun) >= minRetryCreatorInterval {
		e.lastRetryRun = now
		if err := e.ensureRetryTasks(ctx); err != nil {
			logger.Warnf("schedulers: retry-task creator failed: %v", err)
		}
	}

	if now.Sub(e.lastFloodRun) >= minFloodWaitInterval {
		e.lastFloodRun = now
		if err := e.ensureFloodWaitResume(ctx); err != nil {
			logger.Warnf("schedulers: flood-wait auto-resume failed: %v", err)
		}
	}

	if e.healthcheckEnabled {
		interval := time.Duration(e.healthcheckIntervalSec) * time.Second
		if now.Sub(e.lastHealthRun) >= interval {
			e.lastHealthRun = now
			if err := e.ensureHealthCheck(ctx); err != nil {
				logger.Warnf("schedulers: channel health check failed: %v", err)
			}
		}
	}
}

// ensureRetryTasks implements §4.10's retry-task creator: for every source
// with retry-eligible failed mappings older than retry_interval_sec, ensure
// a pending retry_failed task exists — creating one if absent, reviving a
// terminal one if present.
func (e *Ensurer) ensureRetryTasks(ctx context.Context) error {
	vals := e.settings.Get(ctx)
	sourceIDs, err := e.repo.SourcesWithRetryEligibleMappings(ctx, vals.RetryIntervalSec)
	if err != nil {
		return fmt.Errorf("scan retry-eligible sources: %w", err)
	}

	for _, sourceID := range sourceIDs {
		task, err := e.repo.FindTaskBySourceAndType(ctx, sourceID, store.TaskTypeRetryFailed)
		if err != nil {
			logger.Warnf("schedulers: find retry task for source %d failed: %v", sourceID, err)
			continue
		}
		if task == nil {
			if _, err := e.repo.CreateTask(ctx, sourceID, store.TaskTypeRetryFailed); err != nil {
				logger.Warnf("schedulers: create retry task for source %d failed: %v", sourceID, err)
			}
			continue
		}
		if task.Status == store.TaskStatusPending || task.Status == store.TaskStatusRunning || task.Status == store.TaskStatusPaused {
			continue
		}
		if err := e.repo.ReviveTask(ctx, task.ID); err != nil {
			logger.Warnf("schedulers: revive retry task %d failed: %v", task.ID, err)
		}
	}
	return nil
}

// ensureFloodWaitResume implements §4.10's FLOOD_WAIT auto-resume: a paused
// task whose last_error carries a FLOOD_WAIT of s seconds resumes once
// paused_at + (s+1)s has elapsed.
func (e *Ensurer) ensureFloodWaitResume(ctx context.Context) error {
	tasks, err := e.repo.PausedTasksWithFloodWait(ctx)
	if err != nil {
		return fmt.Errorf("scan paused flood-wait tasks: %w", err)
	}

	now := clock.Now()
	for _, task := range tasks {
		if task.PausedAt == nil {
			continue
		}
		sec, ok := chatservice.ParseFloodWaitSeconds(task.LastError)
		if !ok {
			continue
		}
		readyAt := task.PausedAt.Add(time.Duration(sec+1) * time.Second)
		if now.Before(readyAt) {
			continue
		}
		if err := e.repo.ResumeTask(ctx, task.ID); err != nil {
			logger.Warnf("schedulers: resume task %d failed: %v", task.ID, err)
			continue
		}
		msg := fmt.Sprintf("task %d auto-resumed after %ds FLOOD_WAIT", task.ID, sec)
		if err := e.repo.RecordEvent(ctx, store.EventLevelInfo, msg, &task.SourceChannelID); err != nil {
			logger.Warnf("schedulers: record flood-wait resume event failed: %v", err)
		}
	}
	return nil
}

// ensureHealthCheck implements §4.10's channel health check: round-robins
// active resolved sources one batch at a time, refreshing the roster every
// healthcheckRefreshSec.
func (e *Ensurer) ensureHealthCheck(ctx context.Context) error {
	now := clock.Now()
	if e.lastRefresh.IsZero() || now.Sub(e.lastRefresh) >= time.Duration(e.healthcheckRefreshSec)*time.Second {
		sources, err := e.repo.ListActiveSources(ctx)
		if err != nil {
			return fmt.Errorf("refresh active source roster: %w", err)
		}
		roster := make([]int64, 0, len(sources))
		for _, s := range sources {
			if s.NumericID != nil {
				roster = append(roster, s.ID)
			}
		}
		e.healthRoster = roster
		e.healthCursor = 0
		e.lastRefresh = now
	}

	if len(e.healthRoster) == 0 {
		return nil
	}

	batch := e.healthcheckBatchSize
	if batch <= 0 || batch > len(e.healthRoster) {
		batch = len(e.healthRoster)
	}

	for i := 0; i < batch; i++ {
		sourceID := e.healthRoster[e.healthCursor]
		e.healthCursor = (e.healthCursor + 1) % len(e.healthRoster)
		if err := e.checkOne(ctx, sourceID); err != nil {
			logger.Warnf("schedulers: health check for source %d failed: %v", sourceID, err)
		}
	}
	return nil
}

func (e *Ensurer) checkOne(ctx context.Context, sourceID int64) error {
	source, err := e.repo.GetSourceChannel(ctx, sourceID)
	if err != nil || source == nil {
		return err
	}

	meta, err := e.chat.ChannelMeta(ctx, source.Identifier)
	if err != nil {
		if rpcErr, ok := tgerr.As(err); ok && postgres.InaccessibleErrorCodes[rpcErr.Type] {
			if source.SyncStatus != store.SyncStatusError {
				return e.repo.SetSourceSyncStatus(ctx, sourceID, store.SyncStatusError)
			}
			return nil
		}
		return err
	}

	wasError := source.SyncStatus == store.SyncStatusError
	source.Description = meta.About
	source.MemberCount = meta.ParticipantsCount
	source.DisplayName = meta.Title
	source.Username = meta.Username
	source.IsProtected = meta.Protected
	source.AccessHash = meta.AccessHash
	if wasError {
		source.SyncStatus = store.SyncStatusPending
	}

	if err := e.repo.UpdateSourceResolved(ctx, source); err != nil {
		return fmt.Errorf("persist health-check refresh for source %d: %w", sourceID, err)
	}
	if wasError {
		task, ferr := e.repo.FindTaskBySourceAndType(ctx, sourceID, store.TaskTypeHistoryFull)
		if ferr == nil && task != nil {
			status := store.SyncStatusCompleted
			switch task.Status {
			case store.TaskStatusPending:
				status = store.SyncStatusPending
			case store.TaskStatusRunning:
				status = store.SyncStatusSyncing
			}
			_ = e.repo.SetSourceSyncStatus(ctx, sourceID, status)
		}
	}
	return nil
}
