// Comment-channel mirroring primitives (§4.9): resolving a broadcast post's
// auto-forwarded root message inside its linked discussion group, reading
// existing replies, and posting a reply into a discussion group. Grounded on
// this adapter's own forward/send primitives in chatservice.go, extended to
// the messages.getDiscussionMessage / messages.getReplies MTProto calls
// Telegram clients use for the "View Discussion" flow.
package chatservice

import (
	"context"
	"fmt"
	"sort"

	"github.com/gotd/td/tg"
)

// LinkedDiscussionGroup resolves peer's (a broadcast channel's) linked
// discussion megagroup. ok is false when the channel has no linked group.
func (c *Client) LinkedDiscussionGroup(ctx context.Context, peer tg.InputPeerClass) (tg.InputPeerClass, bool, error) {
	inputChannel, ok := asInputChannel(peer)
	if !ok {
		return nil, false, fmt.Errorf("chatservice: discussion lookup requires a channel peer")
	}
	full, err := c.api.ChannelsGetFullChannel(ctx, inputChannel)
	if err != nil {
		return nil, false, fmt.Errorf("get full channel: %w", err)
	}
	cf, ok := full.FullChat.(*tg.ChannelFull)
	if !ok || cf.LinkedChatID == 0 {
		return nil, false, nil
	}
	for _, chat := range full.Chats {
		if ch, ok := chat.(*tg.Channel); ok && ch.ID == cf.LinkedChatID {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, true, nil
		}
	}
	return nil, false, nil
}

// GetDiscussionMessage resolves postID on broadcast peer to its
// auto-forwarded root message inside the linked discussion group, returning
// the discussion group's peer and the root message's id there.
func (c *Client) GetDiscussionMessage(ctx context.Context, peer tg.InputPeerClass, postID int) (tg.InputPeerClass, int, error) {
	result, err := c.api.MessagesGetDiscussionMessage(ctx, &tg.MessagesGetDiscussionMessageRequest{
		Peer:  peer,
		MsgID: postID,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("get discussion message: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, 0, fmt.Errorf("get discussion message: empty response for post %d", postID)
	}
	root, ok := result.Messages[len(result.Messages)-1].(*tg.Message)
	if !ok {
		return nil, 0, fmt.Errorf("get discussion message: unexpected message type for post %d", postID)
	}
	channelID, ok := peerChannelID(root.PeerID)
	if !ok {
		return nil, 0, fmt.Errorf("get discussion message: root message not in a channel")
	}
	for _, chat := range result.Chats {
		if ch, ok := chat.(*tg.Channel); ok && ch.ID == channelID {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, root.ID, nil
		}
	}
	return nil, 0, fmt.Errorf("get discussion message: discussion chat %d not in response", channelID)
}

// GetReplies returns up to limit existing replies to postID in peer's linked
// discussion group, oldest first.
func (c *Client) GetReplies(ctx context.Context, peer tg.InputPeerClass, postID, limit int) ([]*tg.Message, error) {
	result, err := c.api.MessagesGetReplies(ctx, &tg.MessagesGetRepliesRequest{
		Peer:  peer,
		MsgID: postID,
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get replies: %w", err)
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
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PostComment sends text into discussionPeer as a reply to rootMsgID,
// returning the new message id.
func (c *Client) PostComment(ctx context.Context, discussionPeer tg.InputPeerClass, rootMsgID int, text string) (int64, error) {
	rid := randomID()
	updates, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     discussionPeer,
		Message:  text,
		RandomID: rid,
		ReplyTo:  &tg.InputReplyToMessage{ReplyToMsgID: rootMsgID},
	})
	if err != nil {
		return 0, fmt.Errorf("post comment: %w", err)
	}
	ids := recoverMessageIDs(updates, []int64{rid})
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

func asInputChannel(peer tg.InputPeerClass) (*tg.InputChannel, bool) {
	p, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash}, true
}

func peerChannelID(p tg.PeerClass) (int64, bool) {
	c, ok := p.(*tg.PeerChannel)
	if !ok {
		return 0, false
	}
	return c.ChannelID, true
}
