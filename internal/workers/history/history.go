// Package history implements the history-backfill worker (C7): replays a
// source's historical messages in ascending order, resumable across
// restarts, writing one message_mapping row per source message. Grounded on
// the backfill service's "hour-at-a-time scan, opportunistic progress
// write, pause on stall" state machine (other_examples backfill service),
// re-targeted from hour ranges to message-id pages batched by grouped_id.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/kurtskinny/mirrorsync/internal/chatservice"
	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/lru"
	"github.com/kurtskinny/mirrorsync/internal/settings"
	"github.com/kurtskinny/mirrorsync/internal/store"
	"github.com/kurtskinny/mirrorsync/internal/tasks"
	"github.com/kurtskinny/mirrorsync/internal/util"
)

const (
	scanPageSize       = 100
	noProgressPauseAt  = 2
	progressFlushEvery = 2 * time.Second
	progressFlushDelta = 50
	cooperativeCheckEvery = 5 * time.Second
)

// Repository is the subset of the store the history worker reads/writes.
type Repository interface {
	GetTask(ctx context.Context, id int64) (*store.SyncTask, error)
	GetSourceChannel(ctx context.Context, id int64) (*store.SourceChannel, error)
	GetMirrorChannel(ctx context.Context, sourceChannelID int64) (*store.MirrorChannel, error)
	UpdateProgress(ctx context.Context, taskID int64, current, total, lastProcessedID *int64) error
	TouchLastSync(ctx context.Context, sourceID int64, lastSeenMessageID int64) error
	SetSourceProtected(ctx context.Context, sourceID int64) error

	GetMapping(ctx context.Context, sourceChannelID, sourceMessageID int64) (*store.MessageMapping, error)
	UpsertPendingMapping(ctx context.Context, m *store.MessageMapping) (*store.MessageMapping, bool, error)
	MarkMappingSuccess(ctx context.Context, id int64, mirrorMessageID int64) error
	MarkMappingSkipped(ctx context.Context, id int64, reason store.SkipReason, detail string) error
	MarkMappingFailed(ctx context.Context, id int64, detail string) error
}

// Worker is the C7 history-backfill worker.
type Worker struct {
	repo         Repository
	lifecycle    *tasks.Lifecycle
	chat         *chatservice.Client
	settings     *settings.Cache
	dedupe       *lru.Sets
	floodWaitMax int
	maxComments  int
	syncComments bool
}

// New constructs a Worker.
func New(repo Repository, lifecycle *tasks.Lifecycle, chat *chatservice.Client, cache *settings.Cache, dedupe *lru.Sets,
	floodWaitMaxSec, maxCommentsPerPost int, syncComments bool) *Worker {
	return &Worker{
		repo:         repo,
		lifecycle:    lifecycle,
		chat:         chat,
		settings:     cache,
		dedupe:       dedupe,
		floodWaitMax: floodWaitMaxSec,
		maxComments:  maxCommentsPerPost,
		syncComments: syncComments,
	}
}

// batch is a contiguous run of same-media-group (or singleton) messages
// about to be flushed as one forward/copy operation.
type batch struct {
	groupID *int64
	items   []*tg.Message
}

// Run drives the history state machine for taskID to completion, pause, or
// failure.
func (w *Worker) Run(ctx context.Context, taskID int64) error {
	task, err := w.repo.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return fmt.Errorf("history: load task %d: %w", taskID, err)
	}
	source, err := w.repo.GetSourceChannel(ctx, task.SourceChannelID)
	if err != nil || source == nil {
		return fmt.Errorf("history: load source %d: %w", task.SourceChannelID, err)
	}
	mirror, err := w.repo.GetMirrorChannel(ctx, source.ID)
	if err != nil || mirror == nil {
		return fmt.Errorf("history: load mirror for source %d: %w", source.ID, err)
	}

	sourcePeer, err := w.chat.ResolvePeer(ctx, source.Identifier)
	if err != nil {
		return w.fail(ctx, taskID, fmt.Sprintf("resolve source peer: %v", err))
	}
	mirrorPeer, err := w.chat.ResolvePeer(ctx, mirror.Identifier)
	if err != nil {
		return w.fail(ctx, taskID, fmt.Sprintf("resolve mirror peer: %v", err))
	}

	if task.ProgressTotal == nil {
		total, err := w.chat.CountHistory(ctx, sourcePeer)
		if err != nil {
			logger.Warnf("history: count history for source %d failed, continuing without a total: %v", source.ID, err)
		} else {
			t := int64(total)
			if err := w.repo.UpdateProgress(ctx, taskID, task.ProgressCurrent, &t, task.LastProcessedID); err != nil {
				logger.Warnf("history: persist progress_total failed: %v", err)
			}
		}
	}

	minID := int64(0)
	if task.LastProcessedID != nil {
		minID = *task.LastProcessedID
	}

	var progressCurrent int64
	if task.ProgressCurrent != nil {
		progressCurrent = *task.ProgressCurrent
	}

	lastFlushAt := time.Now()
	lastCheckAt := time.Now()
	lastFlushedProgress := progressCurrent
	consecutiveNoProgress := 0

	for {
		if time.Since(lastCheckAt) >= cooperativeCheckEvery {
			lastCheckAt = time.Now()
			stop, err := w.shouldStop(ctx, taskID, source.ID)
			if err != nil {
				logger.Warnf("history: cooperative check failed: %v", err)
			} else if stop {
				w.persistProgress(ctx, taskID, progressCurrent, minID)
				return nil
			}
		}

		msgs, err := w.chat.GetHistory(ctx, sourcePeer, int(minID), scanPageSize)
		if err != nil {
			return w.fail(ctx, taskID, fmt.Sprintf("fetch history: %v", err))
		}
		if len(msgs) == 0 {
			w.persistProgress(ctx, taskID, progressCurrent, minID)
			if err := w.repo.TouchLastSync(ctx, source.ID, minID); err != nil {
				logger.Warnf("history: touch last sync failed: %v", err)
			}
			return w.lifecycle.Complete(ctx, taskID)
		}

		batches := groupIntoBatches(msgs)
		roundProgress := int64(0)

		for _, b := range batches {
			n, stop, err := w.flushBatch(ctx, taskID, source, mirror, sourcePeer, mirrorPeer, b)
			if err != nil {
				if stop {
					w.persistProgress(ctx, taskID, progressCurrent, minID)
					return w.lifecycle.Pause(ctx, taskID, fmt.Sprintf("flush batch: %v", err), &progressCurrent, &minID)
				}
				return w.fail(ctx, taskID, fmt.Sprintf("flush batch: %v", err))
			}
			progressCurrent += n
			roundProgress += n
			minID = lastID(b)

			if stop {
				w.persistProgress(ctx, taskID, progressCurrent, minID)
				return nil
			}

			if time.Since(lastFlushAt) >= progressFlushEvery || progressCurrent-lastFlushedProgress >= progressFlushDelta {
				w.persistProgress(ctx, taskID, progressCurrent, minID)
				lastFlushAt = time.Now()
				lastFlushedProgress = progressCurrent
			}
		}

		if roundProgress == 0 {
			consecutiveNoProgress++
		} else {
			consecutiveNoProgress = 0
		}
		if consecutiveNoProgress >= noProgressPauseAt {
			w.persistProgress(ctx, taskID, progressCurrent, minID)
			return w.lifecycle.Pause(ctx, taskID, "no forward progress after two scan rounds", &progressCurrent, &minID)
		}
	}
}

func (w *Worker) shouldStop(ctx context.Context, taskID, sourceID int64) (bool, error) {
	task, err := w.repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil || task.Status != store.TaskStatusRunning {
		return true, nil
	}
	source, err := w.repo.GetSourceChannel(ctx, sourceID)
	if err != nil {
		return false, err
	}
	if source == nil || !source.IsActive {
		return true, nil
	}
	return false, nil
}

func (w *Worker) persistProgress(ctx context.Context, taskID, current, lastProcessedID int64) {
	if err := w.repo.UpdateProgress(ctx, taskID, &current, nil, &lastProcessedID); err != nil {
		logger.Warnf("history: persist progress failed: %v", err)
	}
}

func (w *Worker) fail(ctx context.Context, taskID int64, reason string) error {
	return w.lifecycle.Fail(ctx, taskID, reason)
}

// flushBatch forwards/sends one batch, writes mapping status transitions, and
// returns the count of messages advanced and whether the worker must stop
// (pause requested).
func (w *Worker) flushBatch(ctx context.Context, taskID int64, source *store.SourceChannel, mirror *store.MirrorChannel,
	sourcePeer, mirrorPeer tg.InputPeerClass, b batch) (int64, bool, error) {

	vals := w.settings.Get(ctx)

	enabled, keywords := vals.EffectiveKeywords(string(source.FilterMode), source.FilterKeywords)

	mappings := make([]*store.MessageMapping, 0, len(b.items))
	for _, msg := range b.items {
		info := chatservice.DescribeMessage(msg)

		if enabled && len(keywords) > 0 && !util.MatchesAny(info.Text, keywords) {
			m, _, err := w.repo.UpsertPendingMapping(ctx, &store.MessageMapping{
				SourceChannelID: source.ID, SourceMessageID: int64(msg.ID),
				MessageType: store.MessageType(info.Type), MediaGroupID: info.MediaGroupID,
				HasMedia: info.HasMedia, FileSize: info.FileSize, Text: info.Text, TextPreview: info.TextPreview,
			})
			if err != nil {
				return 0, false, err
			}
			if err := w.repo.MarkMappingSkipped(ctx, m.ID, store.SkipReasonFiltered, "message text did not match any filter keyword"); err != nil {
				return 0, false, err
			}
			continue
		}

		if info.FileSize > vals.MaxFileSizeBytes {
			m, _, err := w.repo.UpsertPendingMapping(ctx, &store.MessageMapping{
				SourceChannelID: source.ID, SourceMessageID: int64(msg.ID),
				MessageType: store.MessageType(info.Type), MediaGroupID: info.MediaGroupID,
				HasMedia: info.HasMedia, FileSize: info.FileSize, Text: info.Text, TextPreview: info.TextPreview,
			})
			if err != nil {
				return 0, false, err
			}
			if err := w.repo.MarkMappingSkipped(ctx, m.ID, store.SkipReasonFileTooLarge, "file exceeds max_file_size_bytes"); err != nil {
				return 0, false, err
			}
			continue
		}

		m, _, err := w.repo.UpsertPendingMapping(ctx, &store.MessageMapping{
			SourceChannelID: source.ID, SourceMessageID: int64(msg.ID),
			MessageType: store.MessageType(info.Type), MediaGroupID: info.MediaGroupID,
			HasMedia: info.HasMedia, FileSize: info.FileSize, Text: info.Text, TextPreview: info.TextPreview,
		})
		if err != nil {
			return 0, false, err
		}
		mappings = append(mappings, m)
	}

	if len(mappings) == 0 {
		return int64(len(b.items)), false, nil
	}

	time.Sleep(time.Duration(vals.MirrorIntervalMs) * time.Millisecond)

	if source.MirrorMode == store.MirrorModeCopy {
		return w.flushCopyMode(ctx, mirrorPeer, mappings)
	}
	return w.flushForwardMode(ctx, taskID, source, mirror, sourcePeer, mirrorPeer, b.items, mappings)
}

func (w *Worker) flushCopyMode(ctx context.Context, mirrorPeer tg.InputPeerClass, mappings []*store.MessageMapping) (int64, bool, error) {
	var advanced int64
	for _, m := range mappings {
		if m.Text == "" {
			if err := w.repo.MarkMappingSkipped(ctx, m.ID, store.SkipReasonUnsupportedType, "empty text in copy mode"); err != nil {
				return advanced, false, err
			}
			advanced++
			continue
		}
		id, err := w.chat.SendText(ctx, mirrorPeer, m.Text)
		if err != nil {
			class := chatservice.Classify(err)
			if stop, err2 := w.handleSendError(ctx, class, err, nil, []*store.MessageMapping{m}); err2 != nil || stop {
				return advanced, stop, err2
			}
			advanced++
			continue
		}
		if err := w.repo.MarkMappingSuccess(ctx, m.ID, id); err != nil {
			return advanced, false, err
		}
		advanced++
	}
	return advanced, false, nil
}

func (w *Worker) flushForwardMode(ctx context.Context, taskID int64, source *store.SourceChannel, mirror *store.MirrorChannel,
	sourcePeer, mirrorPeer tg.InputPeerClass, msgs []*tg.Message, mappings []*store.MessageMapping) (int64, bool, error) {

	ids := make([]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}

	mirrorIDs, err := w.chat.ForwardAsCopy(ctx, sourcePeer, mirrorPeer, ids)
	if err != nil {
		class := chatservice.Classify(err)
		stop, herr := w.handleSendError(ctx, class, err, &source.ID, mappings)
		return 0, stop, herr
	}

	anyMissing := false
	for i, m := range mappings {
		if i >= len(mirrorIDs) || mirrorIDs[i] == 0 {
			anyMissing = true
			continue
		}
		if err := w.repo.MarkMappingSuccess(ctx, m.ID, mirrorIDs[i]); err != nil {
			return 0, false, err
		}
	}
	if anyMissing {
		logger.Warnf("history: forward for source %d returned fewer mirror ids than requested; pausing for manual inspection", source.ID)
		return int64(len(msgs)), true, w.lifecycle.Pause(ctx, taskID, "forward returned incomplete mirror ids", nil, nil)
	}

	if w.syncComments && mirror.DiscussionGroupID != nil {
		w.postOriginalLinkComment(ctx, source, mirror, msgs[0])
		w.replayComments(ctx, source, mirror, sourcePeer, mirrorPeer, msgs[0], mirrorIDs[0])
	}

	return int64(len(msgs)), false, nil
}

// handleSendError applies §4.7's protected_content / flood_wait / other error
// policy to a whole batch. Returns whether the caller must stop the worker.
func (w *Worker) handleSendError(ctx context.Context, class chatservice.Classification, err error,
	sourceID *int64, mappings []*store.MessageMapping) (bool, error) {

	switch class.Kind {
	case chatservice.KindProtectedContent:
		if sourceID != nil {
			if serr := w.repo.SetSourceProtected(ctx, *sourceID); serr != nil {
				logger.Warnf("history: mark source protected failed: %v", serr)
			}
		}
		vals := w.settings.Get(ctx)
		if vals.SkipProtectedContent {
			for _, m := range mappings {
				if merr := w.repo.MarkMappingSkipped(ctx, m.ID, store.SkipReasonProtectedContent, err.Error()); merr != nil {
					return false, merr
				}
			}
			return false, nil
		}
		for _, m := range mappings {
			if merr := w.repo.MarkMappingFailed(ctx, m.ID, err.Error()); merr != nil {
				return false, merr
			}
		}
		return true, fmt.Errorf("protected content, skip disabled: %w", err)

	case chatservice.KindFloodWait:
		if class.FloodWaitSec <= w.floodWaitMax {
			time.Sleep(time.Duration(class.FloodWaitSec+1) * time.Second)
			return false, fmt.Errorf("flood_wait retry: %w", err)
		}
		for _, m := range mappings {
			if merr := w.repo.MarkMappingFailed(ctx, m.ID, err.Error()); merr != nil {
				return false, merr
			}
		}
		return true, fmt.Errorf("flood_wait exceeds max: %w", err)

	default:
		for _, m := range mappings {
			if merr := w.repo.MarkMappingFailed(ctx, m.ID, err.Error()); merr != nil {
				return false, merr
			}
		}
		return true, err
	}
}

func (w *Worker) postOriginalLinkComment(ctx context.Context, source *store.SourceChannel, mirror *store.MirrorChannel, anchor *tg.Message) {
	if w.dedupe.SeenLinkKey(lru.LinkKey(source.ID, int64(anchor.ID))) {
		return
	}
	link := chatservice.DeepLink(source.Username, deref(source.NumericID), int64(anchor.ID))
	discussionPeer := &tg.InputPeerChannel{ChannelID: *mirror.DiscussionGroupID}
	if _, err := w.chat.SendText(ctx, discussionPeer, link); err != nil {
		logger.Warnf("history: post original-link comment failed for source %d msg %d: %v", source.ID, anchor.ID, err)
	}
}

// replayComments implements §4.9's comment-channel mirroring for backfilled
// posts: it resolves anchor's auto-forwarded root message in the source's
// linked discussion group (tracking it against the mirrored post for later
// realtime comment mirroring), then replays up to max_comments_per_post of
// its existing replies into the mirror's discussion group, preserving
// album grouping.
func (w *Worker) replayComments(ctx context.Context, source *store.SourceChannel, mirror *store.MirrorChannel,
	sourcePeer, mirrorPeer tg.InputPeerClass, anchor *tg.Message, mirrorMessageID int64) {

	_, sourceRootID, err := w.chat.GetDiscussionMessage(ctx, sourcePeer, anchor.ID)
	if err != nil {
		logger.Warnf("history: resolve source discussion root for source %d msg %d failed: %v", source.ID, anchor.ID, err)
		return
	}
	w.dedupe.TrackDiscussionMessage(int64(sourceRootID), mirrorMessageID)

	if w.maxComments <= 0 {
		return
	}

	replies, err := w.chat.GetReplies(ctx, sourcePeer, anchor.ID, w.maxComments)
	if err != nil {
		logger.Warnf("history: fetch replies for source %d msg %d failed: %v", source.ID, anchor.ID, err)
		return
	}
	if len(replies) == 0 {
		return
	}

	mirrorDiscussionPeer, mirrorRootID, err := w.chat.GetDiscussionMessage(ctx, mirrorPeer, int(mirrorMessageID))
	if err != nil {
		logger.Warnf("history: resolve mirror discussion root for mirror msg %d failed: %v", mirrorMessageID, err)
		return
	}

	replayed := 0
	for _, g := range groupIntoBatches(replies) {
		if replayed >= w.maxComments {
			break
		}
		if w.dedupe.SeenLinkKey(lru.LinkKey(source.ID, int64(g.items[0].ID)+discussionReplayKeyOffset)) {
			continue
		}
		text := joinReplyText(g.items)
		if text == "" {
			replayed += len(g.items)
			continue
		}
		if _, err := w.chat.PostComment(ctx, mirrorDiscussionPeer, mirrorRootID, text); err != nil {
			logger.Warnf("history: reproduce comment %d for source %d failed: %v", g.items[0].ID, source.ID, err)
			continue
		}
		replayed += len(g.items)
	}
}

// discussionReplayKeyOffset keeps a replayed reply's dedupe key from
// colliding with the anchor post's own original-link dedupe key, since both
// are keyed by source_channel_id + a message id drawn from the same id space.
const discussionReplayKeyOffset = 1 << 40

// joinReplyText concatenates a grouped reply's per-item text (album caption
// plus any text-only items), preserving source order, blank if none carry text.
func joinReplyText(items []*tg.Message) string {
	var parts []string
	for _, m := range items {
		if m.Message != "" {
			parts = append(parts, m.Message)
		}
	}
	return strings.Join(parts, "\n")
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// groupIntoBatches splits ascending messages into contiguous runs that share
// a grouped_id, and singleton runs for ungrouped messages, preserving order.
func groupIntoBatches(msgs []*tg.Message) []batch {
	var out []batch
	for _, m := range msgs {
		var gid *int64
		if m.GroupedID != 0 {
			g := m.GroupedID
			gid = &g
		}
		if len(out) > 0 {
			last := &out[len(out)-1]
			if gid != nil && last.groupID != nil && *last.groupID == *gid {
				last.items = append(last.items, m)
				continue
			}
		}
		out = append(out, batch{groupID: gid, items: []*tg.Message{m}})
	}
	return out
}

func lastID(b batch) int64 {
	return int64(b.items[len(b.items)-1].ID)
}
