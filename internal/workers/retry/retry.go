// Package retry implements the retry worker (C8): scans failed
// message_mapping rows under a retry budget and re-attempts mirroring them,
// grouping adjacent items by media_group_id in forward mode. Grounded on
// internal/workers/history's batch-flush shape, narrowed to a single fetch
// window instead of an open-ended scan.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"

	"github.com/kurtskinny/mirrorsync/internal/chatservice"
	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/settings"
	"github.com/kurtskinny/mirrorsync/internal/store"
	"github.com/kurtskinny/mirrorsync/internal/tasks"
)

const fetchLimit = 200

// Repository is the subset of the store the retry worker needs.
type Repository interface {
	GetTask(ctx context.Context, id int64) (*store.SyncTask, error)
	GetSourceChannel(ctx context.Context, id int64) (*store.SourceChannel, error)
	GetMirrorChannel(ctx context.Context, sourceChannelID int64) (*store.MirrorChannel, error)

	RetryEligibleMappings(ctx context.Context, sourceChannelID int64, maxRetries, limit int) ([]*store.MessageMapping, error)
	MarkMappingSuccess(ctx context.Context, id int64, mirrorMessageID int64) error
	MarkMappingSkipped(ctx context.Context, id int64, reason store.SkipReason, detail string) error
	MarkMappingSkippedAfterRetries(ctx context.Context, id int64, reason store.SkipReason, detail string) error
	MarkMappingFailed(ctx context.Context, id int64, detail string) error
}

// Worker is the C8 retry worker.
type Worker struct {
	repo      Repository
	lifecycle *tasks.Lifecycle
	chat      *chatservice.Client
	settings  *settings.Cache
}

// New constructs a Worker.
func New(repo Repository, lifecycle *tasks.Lifecycle, chat *chatservice.Client, cache *settings.Cache) *Worker {
	return &Worker{repo: repo, lifecycle: lifecycle, chat: chat, settings: cache}
}

// Run scans and retries eligible failed mappings for taskID's source, then
// completes the task.
func (w *Worker) Run(ctx context.Context, taskID int64) error {
	task, err := w.repo.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return fmt.Errorf("retry: load task %d: %w", taskID, err)
	}
	source, err := w.repo.GetSourceChannel(ctx, task.SourceChannelID)
	if err != nil || source == nil {
		return fmt.Errorf("retry: load source %d: %w", task.SourceChannelID, err)
	}

	vals := w.settings.Get(ctx)
	if vals.MaxRetryCount == 0 {
		return w.lifecycle.Complete(ctx, taskID)
	}

	mappings, err := w.repo.RetryEligibleMappings(ctx, source.ID, vals.MaxRetryCount, fetchLimit)
	if err != nil {
		return w.lifecycle.Fail(ctx, taskID, fmt.Sprintf("scan eligible mappings: %v", err))
	}
	if len(mappings) == 0 {
		return w.lifecycle.Complete(ctx, taskID)
	}

	mirror, err := w.repo.GetMirrorChannel(ctx, source.ID)
	if err != nil || mirror == nil {
		return w.lifecycle.Fail(ctx, taskID, fmt.Sprintf("load mirror: %v", err))
	}
	sourcePeer, err := w.chat.ResolvePeer(ctx, source.Identifier)
	if err != nil {
		return w.lifecycle.Fail(ctx, taskID, fmt.Sprintf("resolve source peer: %v", err))
	}
	mirrorPeer, err := w.chat.ResolvePeer(ctx, mirror.Identifier)
	if err != nil {
		return w.lifecycle.Fail(ctx, taskID, fmt.Sprintf("resolve mirror peer: %v", err))
	}

	groups := groupByMediaGroup(mappings, source.MirrorMode)

	for _, g := range groups {
		time.Sleep(time.Duration(vals.MirrorIntervalMs) * time.Millisecond)
		if err := w.retryGroup(ctx, vals, source, sourcePeer, mirrorPeer, g); err != nil {
			logger.Warnf("retry: group retry failed for source %d: %v", source.ID, err)
		}
	}

	return w.lifecycle.Complete(ctx, taskID)
}

// retryGroup re-attempts one group of mappings (a media-group batch in
// forward mode, or a single mapping otherwise), applying the §4.8 per-item
// retry-count/skip-after-max policy.
func (w *Worker) retryGroup(ctx context.Context, vals settings.Values, source *store.SourceChannel,
	sourcePeer, mirrorPeer tg.InputPeerClass, g []*store.MessageMapping) error {

	if source.MirrorMode == store.MirrorModeForward {
		ids := make([]int, len(g))
		for i, m := range g {
			ids[i] = int(m.SourceMessageID)
		}
		mirrorIDs, err := w.chat.ForwardAsCopy(ctx, sourcePeer, mirrorPeer, ids)
		if err != nil {
			w.applyFailure(ctx, vals, g, err)
			return err
		}
		for i, m := range g {
			if i < len(mirrorIDs) && mirrorIDs[i] != 0 {
				if err := w.repo.MarkMappingSuccess(ctx, m.ID, mirrorIDs[i]); err != nil {
					return err
				}
			} else {
				w.applyFailure(ctx, vals, []*store.MessageMapping{m}, fmt.Errorf("retry: missing recovered mirror id"))
			}
		}
		return nil
	}

	for _, m := range g {
		if m.Text == "" {
			if err := w.repo.MarkMappingSkipped(ctx, m.ID, store.SkipReasonUnsupportedType, "empty text in copy mode"); err != nil {
				return err
			}
			continue
		}
		id, err := w.chat.SendText(ctx, mirrorPeer, m.Text)
		if err != nil {
			w.applyFailure(ctx, vals, []*store.MessageMapping{m}, err)
			continue
		}
		if err := w.repo.MarkMappingSuccess(ctx, m.ID, id); err != nil {
			return err
		}
	}
	return nil
}

// applyFailure increments retry_count for each mapping in the group and
// converts to a terminal skip once the budget is exhausted, per §4.8.
func (w *Worker) applyFailure(ctx context.Context, vals settings.Values, g []*store.MessageMapping, err error) {
	class := chatservice.Classify(err)
	if class.Kind == chatservice.KindProtectedContent {
		return // protected-content mappings never re-enter the retry pool
	}
	for _, m := range g {
		nextCount := m.RetryCount + 1
		if nextCount >= vals.MaxRetryCount && vals.SkipAfterMaxRetry {
			if merr := w.repo.MarkMappingSkippedAfterRetries(ctx, m.ID, store.SkipReasonFailedTooManyTime, err.Error()); merr != nil {
				logger.Warnf("retry: mark skipped failed for mapping %d: %v", m.ID, merr)
			}
			continue
		}
		if merr := w.repo.MarkMappingFailed(ctx, m.ID, err.Error()); merr != nil {
			logger.Warnf("retry: mark failed failed for mapping %d: %v", m.ID, merr)
		}
	}
}

// groupByMediaGroup groups adjacent mappings sharing a non-nil media_group_id
// when mode is forward; in copy mode every mapping is its own group since
// copy mode sends text only, one message at a time.
func groupByMediaGroup(mappings []*store.MessageMapping, mode store.MirrorMode) [][]*store.MessageMapping {
	if mode != store.MirrorModeForward {
		out := make([][]*store.MessageMapping, len(mappings))
		for i, m := range mappings {
			out[i] = []*store.MessageMapping{m}
		}
		return out
	}

	var out [][]*store.MessageMapping
	for _, m := range mappings {
		if len(out) > 0 {
			last := out[len(out)-1]
			lastItem := last[len(last)-1]
			if m.MediaGroupID != nil && lastItem.MediaGroupID != nil && *m.MediaGroupID == *lastItem.MediaGroupID {
				out[len(out)-1] = append(last, m)
				continue
			}
		}
		out = append(out, []*store.MessageMapping{m})
	}
	return out
}
