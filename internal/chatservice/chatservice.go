// Package chatservice is the chat-service adapter (C3): peer resolution
// from free-form identifiers, forward/copy primitives, editing, and the
// error classifier every other component goes through for MTProto calls.
// Grounded on internal/adapters/telegram/notifier/client_sender.go (peer
// resolution via peersmgr, deterministic random_id construction) and
// internal/infra/telegram/connection (dead-connection / FLOOD_WAIT-aware
// retry wrapping).
package chatservice

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/gotd/td/tg"

	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/infra/telegram/peersmgr"
)

// Client wraps the MTProto tg.Client with peer resolution and the
// domain-specific send/forward/edit primitives the mirror pipeline needs.
type Client struct {
	api   *tg.Client
	peers *peersmgr.Service
}

// New constructs a Client bound to an authenticated tg.Client and the
// service's shared peer cache.
func New(api *tg.Client, peers *peersmgr.Service) *Client {
	return &Client{api: api, peers: peers}
}

// ResolvePeer resolves a free-form identifier into an InputPeerClass,
// dispatching on the parsed identifier shape. Invite-hash identifiers are
// not resolved: a bare hash cannot be turned into an InputPeer without
// joining the chat, no join is performed anywhere in the service, and
// ResolvePeer returns an error for them.
func (c *Client) ResolvePeer(ctx context.Context, identifier string) (tg.InputPeerClass, error) {
	parsed, err := ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	switch {
	case parsed.Username != "":
		return c.resolveUsername(ctx, parsed.Username)
	case parsed.NumericID != 0:
		return c.peers.InputPeerByKind(ctx, "channel", parsed.NumericID)
	case parsed.InviteHash != "":
		return nil, fmt.Errorf("chatservice: invite-hash identifier %q requires joining first", identifier)
	default:
		return nil, fmt.Errorf("chatservice: cannot resolve identifier %q", identifier)
	}
}

func (c *Client) resolveUsername(ctx context.Context, username string) (tg.InputPeerClass, error) {
	if username == "me" {
		return &tg.InputPeerSelf{}, nil
	}
	resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, fmt.Errorf("resolve username %q: %w", username, err)
	}
	switch peer := resolved.Peer.(type) {
	case *tg.PeerUser:
		for _, u := range resolved.Users {
			if user, ok := u.(*tg.User); ok && user.ID == peer.UserID {
				return &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}, nil
			}
		}
	case *tg.PeerChannel:
		for _, ch := range resolved.Chats {
			if channel, ok := ch.(*tg.Channel); ok && channel.ID == peer.ChannelID {
				return &tg.InputPeerChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}, nil
			}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: peer.ChatID}, nil
	}
	return nil, fmt.Errorf("chatservice: resolved username %q but entity not found in response", username)
}

// randomID generates a fresh random_id for a single send/forward, per
// MTProto's per-message idempotency convention.
func randomID() int64 {
	return int64(rand.Uint64N(1<<63 - 1)) // #nosec G404
}

// ForwardAsCopy forwards messageIDs from `from` to `to` with drop_author=true
// (so the mirror channel, not the source, appears as the author) and a
// per-message random id, per §4.3. Returns the resulting mirror message ids
// in the same order as the input ids, preferring UpdateMessageID
// cross-references in the response and falling back to positional
// new-message updates; an id that could not be recovered is zero.
func (c *Client) ForwardAsCopy(ctx context.Context, from, to tg.InputPeerClass, messageIDs []int) ([]int64, error) {
	randomIDs := make([]int64, len(messageIDs))
	for i := range randomIDs {
		randomIDs[i] = randomID()
	}

	updates, err := c.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   from,
		ID:         append([]int(nil), messageIDs...),
		RandomID:   randomIDs,
		ToPeer:     to,
		DropAuthor: true,
	})
	if err != nil {
		return nil, fmt.Errorf("forward messages: %w", err)
	}

	return recoverMessageIDs(updates, randomIDs), nil
}

// SendText sends plain text to peer, returning the new message id.
func (c *Client) SendText(ctx context.Context, peer tg.InputPeerClass, text string) (int64, error) {
	rid := randomID()
	updates, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rid,
	})
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	ids := recoverMessageIDs(updates, []int64{rid})
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

// SendFile sends a single already-uploaded media document/photo to peer with
// an optional caption, returning the new message id. media is expected to
// have been produced by the uploader (out of scope here; callers pass the
// InputMediaClass directly, keeping this adapter transport-agnostic about
// upload chunking).
func (c *Client) SendFile(ctx context.Context, peer tg.InputPeerClass, media tg.InputMediaClass, caption string, spoiler bool) (int64, error) {
	if spoiler {
		media = withSpoiler(media)
	}
	rid := randomID()
	updates, err := c.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    media,
		Message:  caption,
		RandomID: rid,
	})
	if err != nil {
		return 0, fmt.Errorf("send media: %w", err)
	}
	ids := recoverMessageIDs(updates, []int64{rid})
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

// SendAlbum sends a grouped-media batch via messages.sendMultiMedia,
// returning the new message ids in submission order.
func (c *Client) SendAlbum(ctx context.Context, peer tg.InputPeerClass, items []AlbumItem) ([]int64, error) {
	singleMedia := make([]tg.InputSingleMedia, 0, len(items))
	randomIDs := make([]int64, 0, len(items))
	for _, it := range items {
		rid := randomID()
		randomIDs = append(randomIDs, rid)
		media := it.Media
		if it.Spoiler {
			media = withSpoiler(media)
		}
		singleMedia = append(singleMedia, tg.InputSingleMedia{
			Media:    media,
			RandomID: rid,
			Message:  it.Caption,
		})
	}

	updates, err := c.api.MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
		Peer:       peer,
		MultiMedia: singleMedia,
	})
	if err != nil {
		return nil, fmt.Errorf("send multi media: %w", err)
	}
	return recoverMessageIDs(updates, randomIDs), nil
}

// AlbumItem is one item of a grouped-media send.
type AlbumItem struct {
	Media   tg.InputMediaClass
	Caption string
	Spoiler bool
}

// withSpoiler re-wraps media with Spoiler=true where the underlying type
// supports it (photos and documents), preserving the source's spoiler flag
// on re-edit per §4.9.
func withSpoiler(media tg.InputMediaClass) tg.InputMediaClass {
	switch m := media.(type) {
	case *tg.InputMediaUploadedPhoto:
		m.Spoiler = true
		return m
	case *tg.InputMediaUploadedDocument:
		m.Spoiler = true
		return m
	case *tg.InputMediaPhoto:
		m.Spoiler = true
		return m
	case *tg.InputMediaDocument:
		m.Spoiler = true
		return m
	default:
		return media
	}
}

// GetHistory lists up to limit messages from peer with id > minID, ascending
// by id — the primitive the history/retry workers (C7/C8) page through
// ascending source history with.
func (c *Client) GetHistory(ctx context.Context, peer tg.InputPeerClass, minID, limit int) ([]*tg.Message, error) {
	result, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		MinID: minID,
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	var raw []tg.MessageClass
	switch v := result.(type) {
	case *tg.MessagesMessages:
		raw = v.Messages
	case *tg.MessagesMessagesSlice:
		raw = v.Messages
	case *tg.MessagesChannelMessages:
		raw = v.Messages
	}

	out := make([]*tg.Message, 0, len(raw))
	for _, m := range raw {
		if msg, ok := m.(*tg.Message); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// CountHistory returns the server-reported total message count for peer,
// used by the history worker (C7) to size progress_total on a fresh run.
func (c *Client) CountHistory(ctx context.Context, peer tg.InputPeerClass) (int, error) {
	result, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	switch v := result.(type) {
	case *tg.MessagesMessagesSlice:
		return v.Count, nil
	case *tg.MessagesChannelMessages:
		return v.Count, nil
	case *tg.MessagesMessages:
		return len(v.Messages), nil
	default:
		return 0, nil
	}
}

// MessageInfo is the classifier's view of a single source message, used by
// the pre-skip decisions (disabled video, oversize media) and the
// message_mapping insert columns.
type MessageInfo struct {
	Type         string // mirrors store.MessageType values
	Text         string
	TextPreview  string
	MediaGroupID *int64
	HasMedia     bool
	FileSize     int64
	IsVideo      bool
	Spoiler      bool
}

const textPreviewLen = 120

// DescribeMessage classifies a raw chat-service message into the fields
// message_mapping stores and the pre-send decisions (video/oversize skip)
// need, per §4.7/§4.9.
func DescribeMessage(msg *tg.Message) MessageInfo {
	info := MessageInfo{Type: "text", Text: msg.Message}
	info.TextPreview = previewOf(msg.Message)

	if msg.GroupedID != 0 {
		gid := msg.GroupedID
		info.MediaGroupID = &gid
	}

	if msg.Media == nil {
		return info
	}
	info.HasMedia = true

	switch media := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		info.Type = "photo"
		if photo, ok := media.Photo.(*tg.Photo); ok {
			info.Spoiler = media.Spoiler
			for _, size := range photo.Sizes {
				if s, ok := size.(*tg.PhotoSize); ok && int64(s.Size) > info.FileSize {
					info.FileSize = int64(s.Size)
				}
			}
		}
	case *tg.MessageMediaDocument:
		if doc, ok := media.Document.(*tg.Document); ok {
			info.Spoiler = media.Spoiler
			info.FileSize = doc.Size
			info.Type = "document"
			for _, attr := range doc.Attributes {
				switch a := attr.(type) {
				case *tg.DocumentAttributeVideo:
					_ = a
					info.Type = "video"
					info.IsVideo = true
				case *tg.DocumentAttributeAudio:
					info.Type = "audio"
				case *tg.DocumentAttributeSticker:
					info.Type = "sticker"
				}
			}
		}
	default:
		info.Type = "other"
	}
	return info
}

func previewOf(text string) string {
	r := []rune(text)
	if len(r) <= textPreviewLen {
		return text
	}
	return string(r[:textPreviewLen-1]) + "…"
}

// ChannelMeta is the subset of a channel's full metadata the health-check
// scheduler (C10) refreshes into source_channel on each round-robin pass.
type ChannelMeta struct {
	Title             string
	Username          string
	About             string
	ParticipantsCount int
	Protected         bool
	AccessHash        *int64
}

// ChannelMeta fetches identifier's current full-channel metadata, used by
// the health-check scheduler (C10) to detect renames, description changes,
// and newly-restricted (noforwards) sources.
func (c *Client) ChannelMeta(ctx context.Context, identifier string) (ChannelMeta, error) {
	peer, err := c.ResolvePeer(ctx, identifier)
	if err != nil {
		return ChannelMeta{}, fmt.Errorf("resolve peer for health check: %w", err)
	}
	inputChannel, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return ChannelMeta{}, fmt.Errorf("chatservice: identifier %q is not a channel", identifier)
	}

	full, err := c.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{
		ChannelID:  inputChannel.ChannelID,
		AccessHash: inputChannel.AccessHash,
	})
	if err != nil {
		return ChannelMeta{}, fmt.Errorf("get full channel: %w", err)
	}

	var meta ChannelMeta
	for _, ch := range full.Chats {
		if channel, ok := ch.(*tg.Channel); ok && channel.ID == inputChannel.ChannelID {
			meta.Title = channel.Title
			meta.Username = channel.Username
			meta.Protected = channel.Noforwards
			meta.AccessHash = &channel.AccessHash
			break
		}
	}
	if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
		meta.About = cf.About
		meta.ParticipantsCount = cf.ParticipantsCount
	}
	return meta, nil
}

// EditText edits a previously sent mirror message's text in place.
func (c *Client) EditText(ctx context.Context, peer tg.InputPeerClass, messageID int, text string) error {
	_, err := c.api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer,
		ID:      messageID,
		Message: text,
	})
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// recoverMessageIDs maps the random ids used in a send/forward request back
// to the resulting message ids, per §4.3's "prefer UpdateMessageID
// cross-references, fall back to the adapter's response parser" rule.
func recoverMessageIDs(updates tg.UpdatesClass, randomIDs []int64) []int64 {
	result := make([]int64, len(randomIDs))

	byRandomID := make(map[int64]int)
	var newMessageIDsInOrder []int

	walkUpdates(updates, func(u tg.UpdateClass) {
		switch upd := u.(type) {
		case *tg.UpdateMessageID:
			byRandomID[upd.RandomID] = upd.ID
		case *tg.UpdateNewMessage:
			if id, ok := messageID(upd.Message); ok {
				newMessageIDsInOrder = append(newMessageIDsInOrder, id)
			}
		case *tg.UpdateNewChannelMessage:
			if id, ok := messageID(upd.Message); ok {
				newMessageIDsInOrder = append(newMessageIDsInOrder, id)
			}
		}
	})

	for i, rid := range randomIDs {
		if id, ok := byRandomID[rid]; ok {
			result[i] = int64(id)
		}
	}

	// Fallback: positional match against new-message updates when no
	// UpdateMessageID cross-reference was found for a given slot.
	missing := 0
	for _, v := range result {
		if v == 0 {
			missing++
		}
	}
	if missing > 0 && len(newMessageIDsInOrder) == len(randomIDs) {
		for i, v := range result {
			if v == 0 {
				result[i] = int64(newMessageIDsInOrder[i])
			}
		}
	}

	return result
}

func messageID(msg tg.MessageClass) (int, bool) {
	switch m := msg.(type) {
	case *tg.Message:
		return m.ID, true
	case *tg.MessageService:
		return m.ID, true
	default:
		return 0, false
	}
}

// walkUpdates flattens the Updates, UpdatesCombined and UpdateShort
// tg.UpdatesClass shapes into a single callback over their contained
// UpdateClass values. Any other shape (e.g. UpdateShortSentMessage) is only
// logged at debug level and yields no callbacks.
func walkUpdates(u tg.UpdatesClass, fn func(tg.UpdateClass)) {
	switch v := u.(type) {
	case *tg.Updates:
		for _, up := range v.Updates {
			fn(up)
		}
	case *tg.UpdatesCombined:
		for _, up := range v.Updates {
			fn(up)
		}
	case *tg.UpdateShort:
		fn(v.Update)
	default:
		logger.Debugf("chatservice: unhandled updates shape %T", u)
	}
}
