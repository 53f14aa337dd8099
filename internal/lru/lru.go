// Package lru holds the bounded in-memory dedupe sets the real-time pipeline
// (C9) uses in place of the unbounded static maps a naive port would carry
// over: original-link rewriting keys, auto-channel-admin promotion keys, and
// discussion-group message id cross-references, each capped per §9.
package lru

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	originalLinkKeysCap     = 10000
	autoChannelAdminKeysCap = 10000
	discussionMessageIDsCap = 5000
)

// Sets bundles the three bounded caches the real-time pipeline shares.
type Sets struct {
	// OriginalLinkKeys dedupes "already rewrote this source link once"
	// decisions keyed by a composite source/message string.
	OriginalLinkKeys *lru.Cache[string, struct{}]

	// AutoChannelAdminKeys dedupes "already promoted this configured admin
	// on this auto-created mirror", keyed by a hash of the mirror channel id
	// and the admin identifier.
	AutoChannelAdminKeys *lru.Cache[int64, struct{}]

	// DiscussionMessageIDs maps a discussion-group message id back to the
	// mirror-channel post it was spawned from, so comment mirroring (§4.9)
	// can recognize replies belonging to a tracked post.
	DiscussionMessageIDs *lru.Cache[int64, int64]
}

// New constructs the three caches at their spec-mandated capacities.
func New() (*Sets, error) {
	links, err := lru.New[string, struct{}](originalLinkKeysCap)
	if err != nil {
		return nil, err
	}
	admins, err := lru.New[int64, struct{}](autoChannelAdminKeysCap)
	if err != nil {
		return nil, err
	}
	discussions, err := lru.New[int64, int64](discussionMessageIDsCap)
	if err != nil {
		return nil, err
	}
	return &Sets{
		OriginalLinkKeys:     links,
		AutoChannelAdminKeys: admins,
		DiscussionMessageIDs: discussions,
	}, nil
}

// LinkKey builds the original-link dedupe key shared by the realtime
// manager and the history worker, so a source message forwarded once during
// backfill and again after a restart-time re-subscription is only ever
// commented once.
func LinkKey(sourceID, sourceMessageID int64) string {
	return fmt.Sprintf("%d:%d", sourceID, sourceMessageID)
}

// SeenLinkKey reports whether key was already marked, marking it if not.
func (s *Sets) SeenLinkKey(key string) bool {
	if _, ok := s.OriginalLinkKeys.Get(key); ok {
		return true
	}
	s.OriginalLinkKeys.Add(key, struct{}{})
	return false
}

// SeenAdminPromotion reports whether the promotion key mirrorChannelID (the
// resolve worker passes a hash of channel id and admin identifier) was
// already marked, marking it if not.
func (s *Sets) SeenAdminPromotion(mirrorChannelID int64) bool {
	if _, ok := s.AutoChannelAdminKeys.Get(mirrorChannelID); ok {
		return true
	}
	s.AutoChannelAdminKeys.Add(mirrorChannelID, struct{}{})
	return false
}

// TrackDiscussionMessage records that discussionMessageID was spawned from
// mirrorPostID, for later comment-reply lookup.
func (s *Sets) TrackDiscussionMessage(discussionMessageID, mirrorPostID int64) {
	s.DiscussionMessageIDs.Add(discussionMessageID, mirrorPostID)
}

// LookupDiscussionMessage resolves a discussion-group message id back to its
// originating mirror post id, if tracked.
func (s *Sets) LookupDiscussionMessage(discussionMessageID int64) (int64, bool) {
	return s.DiscussionMessageIDs.Get(discussionMessageID)
}
