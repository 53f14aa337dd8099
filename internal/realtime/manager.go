// Package realtime implements the realtime manager (C9): one long-lived
// MTProto subscription per active source, three dispatcher-wide raw-update
// handlers shared across every subscription (new messages, edits, deletes),
// and per-group album buffering before forwarding, built on
// tg.UpdateDispatcher (OnNewChannelMessage/OnEditChannelMessage/
// OnDeleteChannelMessages registered once at startup) and
// internal/concurrency's debounced-execution primitive, keyed here by
// grouped_id instead of message id.
package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"github.com/kurtskinny/mirrorsync/internal/chatservice"
	"github.com/kurtskinny/mirrorsync/internal/concurrency"
	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/lru"
	"github.com/kurtskinny/mirrorsync/internal/settings"
	"github.com/kurtskinny/mirrorsync/internal/store"
	"github.com/kurtskinny/mirrorsync/internal/util"
)

// Repository is the subset of the store the realtime manager needs.
type Repository interface {
	GetSourceChannel(ctx context.Context, id int64) (*store.SourceChannel, error)
	GetMirrorChannel(ctx context.Context, sourceChannelID int64) (*store.MirrorChannel, error)
	FindTaskBySourceAndType(ctx context.Context, sourceChannelID int64, taskType store.TaskType) (*store.SyncTask, error)

	GetMapping(ctx context.Context, sourceChannelID, sourceMessageID int64) (*store.MessageMapping, error)
	UpsertPendingMapping(ctx context.Context, m *store.MessageMapping) (*store.MessageMapping, bool, error)
	MarkMappingSuccess(ctx context.Context, id int64, mirrorMessageID int64) error
	MarkMappingSkipped(ctx context.Context, id int64, reason store.SkipReason, detail string) error
	MarkMappingFailed(ctx context.Context, id int64, detail string) error
	RecordEdit(ctx context.Context, mappingID int64, newText string, keepHistory bool) error
	MarkDeleted(ctx context.Context, mappingID int64) error
}

// subscription tracks one source's live forwarding state.
type subscription struct {
	sourceID            int64
	sourcePeer          tg.InputPeerClass
	mirrorPeer          tg.InputPeerClass
	channelID           int64 // numeric channel id, to match incoming raw updates
	discussionChannelID int64 // source's own linked discussion group id, 0 if none
	mirror              *store.MirrorChannel
	source              *store.SourceChannel
	groupBuffer         map[int64][]*tg.Message
	groupMu             sync.Mutex
}

// Manager is the C9 realtime manager.
type Manager struct {
	repo     Repository
	chat     *chatservice.Client
	settings *settings.Cache
	dedupe   *lru.Sets
	debounce *concurrency.Debouncer

	mu   sync.RWMutex
	subs map[int64]*subscription // keyed by source_channel_id
}

// New constructs a Manager. The Debouncer's window is fixed at construction
// to defaultBufferMS (the media_group_buffer_ms setting read at startup);
// the debouncer does not support re-tuning its timeout per call, so a
// settings change only takes effect on the next process restart.
func New(repo Repository, chat *chatservice.Client, cache *settings.Cache, dedupe *lru.Sets, defaultBufferMS int) *Manager {
	return &Manager{
		repo:     repo,
		chat:     chat,
		settings: cache,
		dedupe:   dedupe,
		subs:     make(map[int64]*subscription),
		debounce: concurrency.NewDebouncer(defaultBufferMS),
	}
}

// Start arms the shared album debouncer against ctx's lifetime.
func (m *Manager) Start(ctx context.Context) {
	m.debounce.Start(ctx)
}

// RegisterHandlers attaches the three shared raw-update handlers (new
// messages, edits, deletes) to dispatch
// once at startup, per §4.9's "attached once" requirement.
func (m *Manager) RegisterHandlers(dispatch *tg.UpdateDispatcher) {
	dispatch.OnNewChannelMessage(m.onNewChannelMessage)
	dispatch.OnEditChannelMessage(m.onEditChannelMessage)
	dispatch.OnDeleteChannelMessages(m.onDeleteChannelMessages)
}

// Eligible reports whether source sourceID may start a realtime subscription:
// no pending/running history_full task exists for it, per §4.9's gating rule.
func (m *Manager) Eligible(ctx context.Context, sourceID int64) (bool, error) {
	task, err := m.repo.FindTaskBySourceAndType(ctx, sourceID, store.TaskTypeHistoryFull)
	if err != nil {
		return false, err
	}
	if task == nil {
		return true, nil
	}
	return task.Status != store.TaskStatusPending && task.Status != store.TaskStatusRunning, nil
}

// Subscribe starts (or is a no-op if already started) the live subscription
// for sourceID.
func (m *Manager) Subscribe(ctx context.Context, sourceID int64) error {
	m.mu.Lock()
	if _, ok := m.subs[sourceID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	source, err := m.repo.GetSourceChannel(ctx, sourceID)
	if err != nil || source == nil {
		return err
	}
	mirror, err := m.repo.GetMirrorChannel(ctx, sourceID)
	if err != nil || mirror == nil {
		return err
	}
	sourcePeer, err := m.chat.ResolvePeer(ctx, source.Identifier)
	if err != nil {
		return err
	}
	mirrorPeer, err := m.chat.ResolvePeer(ctx, mirror.Identifier)
	if err != nil {
		return err
	}

	var discussionChannelID int64
	if discussionPeer, ok, err := m.chat.LinkedDiscussionGroup(ctx, sourcePeer); err != nil {
		logger.Warnf("realtime: discussion group lookup for source %d failed: %v", sourceID, err)
	} else if ok {
		if id, ok := channelIDFromInputPeer(discussionPeer); ok {
			discussionChannelID = id
		}
	}

	sub := &subscription{
		sourceID:            sourceID,
		sourcePeer:          sourcePeer,
		mirrorPeer:          mirrorPeer,
		channelID:           deref(source.NumericID),
		discussionChannelID: discussionChannelID,
		mirror:              mirror,
		source:              source,
		groupBuffer:         make(map[int64][]*tg.Message),
	}

	m.mu.Lock()
	m.subs[sourceID] = sub
	m.mu.Unlock()
	return nil
}

// Unsubscribe pauses (removes) sourceID's live subscription — used when the
// source is toggled inactive, per §4.9.
func (m *Manager) Unsubscribe(sourceID int64) {
	m.mu.Lock()
	delete(m.subs, sourceID)
	m.mu.Unlock()
}

func (m *Manager) bySourceChannelID(channelID int64) *subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if s.channelID == channelID {
			return s
		}
	}
	return nil
}

// bySourceDiscussionChannelID finds the subscription whose source's own
// linked discussion group is channelID, for routing incoming comments.
func (m *Manager) bySourceDiscussionChannelID(channelID int64) *subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if s.discussionChannelID != 0 && s.discussionChannelID == channelID {
			return s
		}
	}
	return nil
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func channelIDFromInputPeer(p tg.InputPeerClass) (int64, bool) {
	if c, ok := p.(*tg.InputPeerChannel); ok {
		return c.ChannelID, true
	}
	return 0, false
}

// --- new message -----------------------------------------------------------

func (m *Manager) onNewChannelMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateNewChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	channelID, ok := channelIDFromPeer(msg.PeerID)
	if !ok {
		return nil
	}
	if dsub := m.bySourceDiscussionChannelID(channelID); dsub != nil {
		return m.handleSourceComment(ctx, dsub, msg)
	}
	sub := m.bySourceChannelID(channelID)
	if sub == nil {
		return nil
	}

	info := chatservice.DescribeMessage(msg)
	vals := m.settings.Get(ctx)

	if enabled, keywords := vals.EffectiveKeywords(string(sub.source.FilterMode), sub.source.FilterKeywords); enabled && len(keywords) > 0 && !util.MatchesAny(info.Text, keywords) {
		mapping, inserted, err := m.repo.UpsertPendingMapping(ctx, mappingFrom(sub.sourceID, msg, info))
		if err != nil || !inserted {
			return err
		}
		return m.repo.MarkMappingSkipped(ctx, mapping.ID, store.SkipReasonFiltered, "message text did not match any filter keyword")
	}

	if info.FileSize > vals.MaxFileSizeBytes {
		mapping, inserted, err := m.repo.UpsertPendingMapping(ctx, mappingFrom(sub.sourceID, msg, info))
		if err != nil || !inserted {
			return err
		}
		return m.repo.MarkMappingSkipped(ctx, mapping.ID, store.SkipReasonFileTooLarge, "file exceeds max_file_size_bytes")
	}

	mapping, inserted, err := m.repo.UpsertPendingMapping(ctx, mappingFrom(sub.sourceID, msg, info))
	if err != nil {
		return err
	}
	if !inserted {
		return nil // duplicate delivery, already handled
	}

	if info.MediaGroupID != nil && vals.GroupMediaMessages {
		m.bufferAlbum(ctx, sub, *info.MediaGroupID, msg)
		return nil
	}

	m.forwardSingle(ctx, sub, mapping, msg, info)
	return nil
}

func channelIDFromPeer(p tg.PeerClass) (int64, bool) {
	if c, ok := p.(*tg.PeerChannel); ok {
		return c.ChannelID, true
	}
	return 0, false
}

func mappingFrom(sourceID int64, msg *tg.Message, info chatservice.MessageInfo) *store.MessageMapping {
	return &store.MessageMapping{
		SourceChannelID: sourceID,
		SourceMessageID: int64(msg.ID),
		MessageType:     store.MessageType(info.Type),
		MediaGroupID:    info.MediaGroupID,
		HasMedia:        info.HasMedia,
		FileSize:        info.FileSize,
		Text:            info.Text,
		TextPreview:     info.TextPreview,
	}
}

// bufferAlbum appends msg to groupID's per-source buffer and (re)arms its
// flush timer, per §4.9's "timer re-arms on each new item" rule.
func (m *Manager) bufferAlbum(ctx context.Context, sub *subscription, groupID int64, msg *tg.Message) {
	sub.groupMu.Lock()
	sub.groupBuffer[groupID] = append(sub.groupBuffer[groupID], msg)
	sub.groupMu.Unlock()

	m.debounce.Do(groupID, func() {
		m.flushAlbum(ctx, sub, groupID)
	})
}

func (m *Manager) flushAlbum(ctx context.Context, sub *subscription, groupID int64) {
	sub.groupMu.Lock()
	items := sub.groupBuffer[groupID]
	delete(sub.groupBuffer, groupID)
	sub.groupMu.Unlock()
	if len(items) == 0 {
		return
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	ids := make([]int, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}

	if sub.source.MirrorMode == store.MirrorModeCopy {
		for _, it := range items {
			info := chatservice.DescribeMessage(it)
			mapping, err := m.repo.GetMapping(ctx, sub.sourceID, int64(it.ID))
			if err != nil || mapping == nil {
				continue
			}
			m.sendCopy(ctx, sub, mapping, info)
		}
		return
	}

	mirrorIDs, err := m.chat.ForwardAsCopy(ctx, sub.sourcePeer, sub.mirrorPeer, ids)
	if err != nil {
		logger.Warnf("realtime: forward album group %d for source %d failed: %v", groupID, sub.sourceID, err)
		for _, it := range items {
			if mapping, merr := m.repo.GetMapping(ctx, sub.sourceID, int64(it.ID)); merr == nil && mapping != nil {
				_ = m.repo.MarkMappingFailed(ctx, mapping.ID, err.Error())
			}
		}
		return
	}
	for i, it := range items {
		mapping, merr := m.repo.GetMapping(ctx, sub.sourceID, int64(it.ID))
		if merr != nil || mapping == nil {
			continue
		}
		if i < len(mirrorIDs) && mirrorIDs[i] != 0 {
			_ = m.repo.MarkMappingSuccess(ctx, mapping.ID, mirrorIDs[i])
		} else {
			logger.Warnf("realtime: album group %d missing recovered mirror id at index %d", groupID, i)
		}
	}
	if len(mirrorIDs) > 0 {
		m.maybePostComment(ctx, sub, items[0], mirrorIDs[0])
	}
}

func (m *Manager) forwardSingle(ctx context.Context, sub *subscription, mapping *store.MessageMapping, msg *tg.Message, info chatservice.MessageInfo) {
	if sub.source.MirrorMode == store.MirrorModeCopy {
		m.sendCopy(ctx, sub, mapping, info)
		return
	}

	mirrorIDs, err := m.chat.ForwardAsCopy(ctx, sub.sourcePeer, sub.mirrorPeer, []int{msg.ID})
	if err != nil {
		logger.Warnf("realtime: forward message %d for source %d failed: %v", msg.ID, sub.sourceID, err)
		_ = m.repo.MarkMappingFailed(ctx, mapping.ID, err.Error())
		return
	}
	if len(mirrorIDs) == 0 || mirrorIDs[0] == 0 {
		logger.Warnf("realtime: forward message %d for source %d returned no recovered mirror id", msg.ID, sub.sourceID)
		return
	}
	if err := m.repo.MarkMappingSuccess(ctx, mapping.ID, mirrorIDs[0]); err != nil {
		logger.Warnf("realtime: mark mapping success failed: %v", err)
		return
	}
	if info.Spoiler {
		// Re-edit to restore the spoiler flag the plain forward drops.
		if err := m.chat.EditText(ctx, sub.mirrorPeer, int(mirrorIDs[0]), info.Text); err != nil {
			logger.Warnf("realtime: spoiler re-edit failed for mirror message %d: %v", mirrorIDs[0], err)
		}
	}
	m.maybePostComment(ctx, sub, msg, mirrorIDs[0])
}

func (m *Manager) sendCopy(ctx context.Context, sub *subscription, mapping *store.MessageMapping, info chatservice.MessageInfo) {
	if info.Text == "" {
		if err := m.repo.MarkMappingSkipped(ctx, mapping.ID, store.SkipReasonUnsupportedType, "empty text in copy mode"); err != nil {
			logger.Warnf("realtime: mark skipped failed: %v", err)
		}
		return
	}
	id, err := m.chat.SendText(ctx, sub.mirrorPeer, info.Text)
	if err != nil {
		logger.Warnf("realtime: send_text for source %d failed: %v", sub.sourceID, err)
		_ = m.repo.MarkMappingFailed(ctx, mapping.ID, err.Error())
		return
	}
	_ = m.repo.MarkMappingSuccess(ctx, mapping.ID, id)
}

// maybePostComment posts the original-link comment for anchor into the
// mirror's discussion group (deduped per source message) and records anchor's
// source-side discussion root against mirrorMessageID, so a later source
// comment can be traced back to the mirror post it belongs to.
func (m *Manager) maybePostComment(ctx context.Context, sub *subscription, anchor *tg.Message, mirrorMessageID int64) {
	if sub.mirror.DiscussionGroupID == nil {
		return
	}
	if !m.dedupe.SeenLinkKey(lru.LinkKey(sub.sourceID, int64(anchor.ID))) {
		link := chatservice.DeepLink(sub.source.Username, sub.channelID, int64(anchor.ID))
		discussionPeer := &tg.InputPeerChannel{ChannelID: *sub.mirror.DiscussionGroupID}
		if _, err := m.chat.SendText(ctx, discussionPeer, link); err != nil {
			logger.Warnf("realtime: post original-link comment failed for source %d msg %d: %v", sub.sourceID, anchor.ID, err)
		}
	}
	m.trackDiscussionRoot(ctx, sub, anchor, mirrorMessageID)
}

// trackDiscussionRoot resolves anchor's auto-forwarded root message inside
// the source's own discussion group and records it against mirrorMessageID,
// so handleSourceComment can later map an incoming source comment's reply
// target back to the mirror post it was spawned from.
func (m *Manager) trackDiscussionRoot(ctx context.Context, sub *subscription, anchor *tg.Message, mirrorMessageID int64) {
	if sub.discussionChannelID == 0 || mirrorMessageID == 0 {
		return
	}
	_, rootID, err := m.chat.GetDiscussionMessage(ctx, sub.sourcePeer, anchor.ID)
	if err != nil {
		logger.Warnf("realtime: resolve source discussion root for post %d failed: %v", anchor.ID, err)
		return
	}
	m.dedupe.TrackDiscussionMessage(int64(rootID), mirrorMessageID)
}

// handleSourceComment reproduces a user comment posted in source's own
// discussion group as a comment on the corresponding mirror post, per §4.9's
// comment-channel mirroring. Dedupes by the source comment's own message id
// via the same DiscussionMessageIDs cache trackDiscussionRoot populates.
func (m *Manager) handleSourceComment(ctx context.Context, sub *subscription, msg *tg.Message) error {
	if sub.mirror.DiscussionGroupID == nil || msg.Message == "" {
		return nil
	}
	if _, seen := m.dedupe.LookupDiscussionMessage(int64(msg.ID)); seen {
		return nil
	}
	replyTo, ok := msg.ReplyTo.(*tg.MessageReplyHeader)
	if !ok || replyTo.ReplyToMsgID == 0 {
		return nil
	}
	mirrorPostID, tracked := m.dedupe.LookupDiscussionMessage(int64(replyTo.ReplyToMsgID))
	if !tracked {
		return nil // comment on a post we never forwarded, or root not tracked yet
	}

	mirrorDiscussionPeer, mirrorRootID, err := m.chat.GetDiscussionMessage(ctx, sub.mirrorPeer, int(mirrorPostID))
	if err != nil {
		logger.Warnf("realtime: resolve mirror discussion root for post %d failed: %v", mirrorPostID, err)
		return nil
	}
	id, err := m.chat.PostComment(ctx, mirrorDiscussionPeer, mirrorRootID, msg.Message)
	if err != nil {
		logger.Warnf("realtime: reproduce comment for source %d msg %d failed: %v", sub.sourceID, msg.ID, err)
		return nil
	}
	m.dedupe.TrackDiscussionMessage(int64(msg.ID), id)
	return nil
}

// --- edits -------------------------------------------------------------

func (m *Manager) onEditChannelMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateEditChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	channelID, ok := channelIDFromPeer(msg.PeerID)
	if !ok {
		return nil
	}
	sub := m.bySourceChannelID(channelID)
	if sub == nil {
		return nil
	}

	vals := m.settings.Get(ctx)
	if !vals.SyncMessageEdits {
		return nil
	}

	mapping, err := m.repo.GetMapping(ctx, sub.sourceID, int64(msg.ID))
	if err != nil || mapping == nil {
		return err
	}

	// Idempotent under reorder: an edit whose source text already matches is
	// a no-op, avoiding a spurious edit_count bump on redelivery.
	if mapping.Text == msg.Message {
		return nil
	}

	// An update carrying an edit_date no newer than what's already stored is
	// a stale redelivery (out-of-order update, or a dispatcher replay) — the
	// text-equality check above catches same-text replays, this catches a
	// genuinely older edit arriving after a newer one.
	editDate := time.Unix(int64(msg.EditDate), 0)
	if mapping.LastEditedAt != nil && !editDate.After(*mapping.LastEditedAt) {
		return nil
	}

	return m.repo.RecordEdit(ctx, mapping.ID, msg.Message, vals.KeepEditHistory)
}

// --- deletes -------------------------------------------------------------

func (m *Manager) onDeleteChannelMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	sub := m.bySourceChannelID(u.ChannelID)
	if sub == nil {
		return nil
	}

	vals := m.settings.Get(ctx)
	if !vals.SyncMessageDeletions {
		return nil
	}

	for _, id := range u.Messages {
		mapping, err := m.repo.GetMapping(ctx, sub.sourceID, int64(id))
		if err != nil {
			logger.Warnf("realtime: lookup mapping for deleted message %d failed: %v", id, err)
			continue
		}
		if mapping == nil {
			continue
		}
		if err := m.repo.MarkDeleted(ctx, mapping.ID); err != nil {
			logger.Warnf("realtime: mark deleted failed for mapping %d: %v", mapping.ID, err)
		}
	}
	return nil
}
