// Package resolve implements the resolve worker (C6): canonicalizes a
// source's identifier, persists its resolved metadata, and — when paired
// with an auto-created mirror — creates the mirror broadcast channel, links
// a discussion megagroup, and promotes configured admins. Grounded on
// internal/infra/telegram/peersmgr (dialog/peer resolution, RefreshDialogs)
// and internal/telegram/peersmgr/warmup_dialogs.go's "populate peer cache
// before first use" sequencing.
package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/kurtskinny/mirrorsync/internal/chatservice"
	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/lru"
	"github.com/kurtskinny/mirrorsync/internal/store"
)

const (
	maxMirrorTitleLen       = 120
	discussionLinkPollTries = 8
	discussionLinkPollWait  = 400 * time.Millisecond
	discussionSuffix        = " 评论区"
)

// adminRights is the full administrator rights grant per §4.6.
var adminRights = tg.ChatAdminRights{
	ChangeInfo:     true,
	PostMessages:   true,
	EditMessages:   true,
	DeleteMessages: true,
	BanUsers:       true,
	InviteUsers:    true,
	PinMessages:    true,
	AddAdmins:      true,
	Anonymous:      true,
	ManageCall:     true,
	Other:          true,
	ManageTopics:   true,
	PostStories:    true,
	EditStories:    true,
	DeleteStories:  true,
}

// Repository is the subset of the store the resolve worker needs.
type Repository interface {
	GetSourceChannel(ctx context.Context, id int64) (*store.SourceChannel, error)
	GetMirrorChannel(ctx context.Context, sourceChannelID int64) (*store.MirrorChannel, error)
	UpdateSourceResolved(ctx context.Context, s *store.SourceChannel) error
	SaveAutoCreatedMirror(ctx context.Context, m *store.MirrorChannel) error
}

// API is the subset of raw MTProto calls the resolve worker issues beyond
// what chatservice.Client's domain primitives expose.
type API interface {
	ChannelsCreateChannel(ctx context.Context, req *tg.ChannelsCreateChannelRequest) (tg.UpdatesClass, error)
	ChannelsEditAdmin(ctx context.Context, req *tg.ChannelsEditAdminRequest) (tg.UpdatesClass, error)
	ChannelsSetDiscussionGroup(ctx context.Context, req *tg.ChannelsSetDiscussionGroupRequest) (bool, error)
	MessagesExportChatInvite(ctx context.Context, req *tg.MessagesExportChatInviteRequest) (tg.ExportedChatInviteClass, error)
	ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error)
}

// Worker is the resolve worker (C6).
type Worker struct {
	repo          Repository
	api           API
	chat          *chatservice.Client
	dedupe        *lru.Sets
	adminIdentifiers []string
	mirrorTitlePrefix string
}

// New constructs a Worker.
func New(repo Repository, api API, chat *chatservice.Client, dedupe *lru.Sets, adminIdentifiers []string, mirrorTitlePrefix string) *Worker {
	return &Worker{
		repo:             repo,
		api:              api,
		chat:             chat,
		dedupe:           dedupe,
		adminIdentifiers: adminIdentifiers,
		mirrorTitlePrefix: mirrorTitlePrefix,
	}
}

// Run resolves sourceChannelID's identifier and, if applicable, provisions
// its auto-created mirror.
func (w *Worker) Run(ctx context.Context, sourceChannelID int64) error {
	source, err := w.repo.GetSourceChannel(ctx, sourceChannelID)
	if err != nil {
		return fmt.Errorf("resolve: load source %d: %w", sourceChannelID, err)
	}
	if source == nil {
		return fmt.Errorf("resolve: source %d not found", sourceChannelID)
	}

	peer, err := w.chat.ResolvePeer(ctx, source.Identifier)
	if err != nil {
		return fmt.Errorf("resolve: resolve peer %q: %w", source.Identifier, err)
	}

	full, err := w.api.ChannelsGetFullChannel(ctx, inputChannelFromPeer(peer))
	if err != nil {
		return fmt.Errorf("resolve: get full channel: %w", err)
	}

	channel := findChannel(full)
	if channel == nil {
		return fmt.Errorf("resolve: full channel response missing channel entity")
	}

	source.NumericID = ptr(channel.ID)
	source.AccessHash = ptr(channel.AccessHash)
	source.DisplayName = channel.Title
	source.Username = channel.Username
	source.IsProtected = channel.Noforwards
	source.Identifier = chatservice.CanonicalIdentifier(channel.Username, channel.ID)
	if full.FullChat != nil {
		if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
			source.Description = cf.About
			source.MemberCount = cf.ParticipantsCount
		}
	}
	source.SyncStatus = store.SyncStatusPending

	if err := w.repo.UpdateSourceResolved(ctx, source); err != nil {
		return fmt.Errorf("resolve: persist resolved source: %w", err)
	}

	mirror, err := w.repo.GetMirrorChannel(ctx, sourceChannelID)
	if err != nil {
		return fmt.Errorf("resolve: load mirror: %w", err)
	}
	if mirror != nil && mirror.IsAutoCreated && mirror.NumericID == nil {
		if err := w.provisionMirror(ctx, source, mirror); err != nil {
			return fmt.Errorf("resolve: provision mirror: %w", err)
		}
	}

	return nil
}

func (w *Worker) provisionMirror(ctx context.Context, source *store.SourceChannel, mirror *store.MirrorChannel) error {
	title := truncateTitle(w.mirrorTitlePrefix + source.DisplayName)

	updates, err := w.api.ChannelsCreateChannel(ctx, &tg.ChannelsCreateChannelRequest{
		Broadcast: true,
		Title:     title,
		About:     "",
	})
	if err != nil {
		return fmt.Errorf("create mirror channel: %w", err)
	}
	mirrorChannel := findChannelInUpdates(updates)
	if mirrorChannel == nil {
		return fmt.Errorf("create mirror channel: no channel entity in response")
	}

	mirror.NumericID = ptr(mirrorChannel.ID)
	mirror.AccessHash = ptr(mirrorChannel.AccessHash)
	mirror.Name = mirrorChannel.Title
	mirror.Username = mirrorChannel.Username
	mirror.Identifier = chatservice.CanonicalIdentifier(mirrorChannel.Username, mirrorChannel.ID)

	mirrorInput := &tg.InputChannel{ChannelID: mirrorChannel.ID, AccessHash: mirrorChannel.AccessHash}

	if invite, err := w.api.MessagesExportChatInvite(ctx, &tg.MessagesExportChatInviteRequest{
		Peer: &tg.InputPeerChannel{ChannelID: mirrorChannel.ID, AccessHash: mirrorChannel.AccessHash},
	}); err != nil {
		logger.Warnf("resolve: export invite link best-effort failed for mirror %d: %v", mirrorChannel.ID, err)
	} else if exported, ok := invite.(*tg.ChatInviteExported); ok {
		mirror.InviteLink = exported.Link
	}

	discussionGroupID, err := w.createAndLinkDiscussion(ctx, mirrorInput, mirrorChannel.Title)
	if err != nil {
		logger.Warnf("resolve: create/link discussion group failed for mirror %d: %v", mirrorChannel.ID, err)
	} else {
		mirror.DiscussionGroupID = ptr(discussionGroupID)
	}

	if err := w.repo.SaveAutoCreatedMirror(ctx, mirror); err != nil {
		return fmt.Errorf("persist auto-created mirror: %w", err)
	}

	w.promoteAdmins(ctx, mirrorChannel.ID, mirrorInput)
	return nil
}

func (w *Worker) createAndLinkDiscussion(ctx context.Context, broadcast *tg.InputChannel, mirrorTitle string) (int64, error) {
	updates, err := w.api.ChannelsCreateChannel(ctx, &tg.ChannelsCreateChannelRequest{
		Megagroup: true,
		Title:     mirrorTitle + discussionSuffix,
		About:     "",
	})
	if err != nil {
		return 0, fmt.Errorf("create discussion group: %w", err)
	}
	group := findChannelInUpdates(updates)
	if group == nil {
		return 0, fmt.Errorf("create discussion group: no channel entity in response")
	}

	groupInput := &tg.InputChannel{ChannelID: group.ID, AccessHash: group.AccessHash}
	if _, err := w.api.ChannelsSetDiscussionGroup(ctx, &tg.ChannelsSetDiscussionGroupRequest{
		Broadcast: broadcast,
		Group:     groupInput,
	}); err != nil {
		return 0, fmt.Errorf("link discussion group: %w", err)
	}

	for i := 0; i < discussionLinkPollTries; i++ {
		full, err := w.api.ChannelsGetFullChannel(ctx, broadcast)
		if err == nil && full.FullChat != nil {
			if cf, ok := full.FullChat.(*tg.ChannelFull); ok && cf.LinkedChatID == group.ID {
				return group.ID, nil
			}
		}
		time.Sleep(discussionLinkPollWait)
	}
	return group.ID, nil
}

func (w *Worker) promoteAdmins(ctx context.Context, channelID int64, channel *tg.InputChannel) {
	for _, identifier := range w.adminIdentifiers {
		key := fmt.Sprintf("%d:%s", channelID, identifier)
		if w.dedupe.SeenAdminPromotion(hashKey(key)) {
			continue
		}

		peer, err := w.chat.ResolvePeer(ctx, identifier)
		if err != nil {
			logger.Warnf("resolve: cannot resolve admin identifier %q: %v", identifier, err)
			continue
		}
		inputUser, ok := peerToInputUser(peer)
		if !ok {
			logger.Warnf("resolve: admin identifier %q did not resolve to a user", identifier)
			continue
		}

		_, err = w.api.ChannelsEditAdmin(ctx, &tg.ChannelsEditAdminRequest{
			Channel:     channel,
			UserID:      inputUser,
			AdminRights: adminRights,
			Rank:        "admin",
		})
		if err != nil && !isAlreadyParticipant(err) {
			logger.Warnf("resolve: promote admin %q on channel %d failed: %v", identifier, channelID, err)
		}
	}
}

func isAlreadyParticipant(err error) bool {
	return strings.Contains(err.Error(), "USER_ALREADY_PARTICIPANT")
}

func truncateTitle(title string) string {
	r := []rune(title)
	if len(r) <= maxMirrorTitleLen {
		return title
	}
	return string(r[:maxMirrorTitleLen-1]) + "…"
}

func ptr[T any](v T) *T { return &v }

func hashKey(s string) int64 {
	var h int64 = 1469598103934665603
	for _, b := range []byte(s) {
		h ^= int64(b)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

func inputChannelFromPeer(peer tg.InputPeerClass) tg.InputChannelClass {
	if p, ok := peer.(*tg.InputPeerChannel); ok {
		return &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash}
	}
	return &tg.InputChannelEmpty{}
}

func peerToInputUser(peer tg.InputPeerClass) (*tg.InputUser, bool) {
	if p, ok := peer.(*tg.InputPeerUser); ok {
		return &tg.InputUser{UserID: p.UserID, AccessHash: p.AccessHash}, true
	}
	return nil, false
}

func findChannel(full *tg.MessagesChatFull) *tg.Channel {
	for _, c := range full.Chats {
		if ch, ok := c.(*tg.Channel); ok {
			return ch
		}
	}
	return nil
}

func findChannelInUpdates(u tg.UpdatesClass) *tg.Channel {
	var chats []tg.ChatClass
	switch v := u.(type) {
	case *tg.Updates:
		chats = v.Chats
	case *tg.UpdatesCombined:
		chats = v.Chats
	}
	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok {
			return ch
		}
	}
	return nil
}
