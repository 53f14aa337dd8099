package chatservice

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// inviteHashPattern matches the hash portion of an invite link, per §6.
var inviteHashPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParsedIdentifier is the decomposed form of a free-form chat identifier
// accepted by ResolvePeer: "@username", numeric "-100…" ids,
// "t.me/…"/"https://t.me/…" links, and invite-hash URLs ("+xxx",
// "joinchat/xxx").
type ParsedIdentifier struct {
	Username   string // without leading "@"
	NumericID  int64  // channel/chat numeric id, 0 if not a numeric identifier
	InviteHash string // invite link hash, empty if not an invite link
}

// ParseIdentifier decomposes a free-form identifier into its recognized
// form. Returns an error only if the string matches none of the accepted
// shapes.
func ParseIdentifier(raw string) (ParsedIdentifier, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedIdentifier{}, fmt.Errorf("chatservice: empty identifier")
	}

	if s == "me" {
		return ParsedIdentifier{Username: "me"}, nil
	}

	if strings.HasPrefix(s, "@") {
		return ParsedIdentifier{Username: strings.TrimPrefix(s, "@")}, nil
	}

	if hash, ok := inviteHashFromLink(s); ok {
		return ParsedIdentifier{InviteHash: hash}, nil
	}

	if strings.HasPrefix(s, "+") && inviteHashPattern.MatchString(s[1:]) {
		return ParsedIdentifier{InviteHash: s[1:]}, nil
	}

	if numericID, ok := numericIDFromCLink(s); ok {
		return ParsedIdentifier{NumericID: numericID}, nil
	}

	if username, ok := usernameFromLink(s); ok {
		return ParsedIdentifier{Username: username}, nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ParsedIdentifier{NumericID: canonicalNumericID(n)}, nil
	}

	// Bare username without "@" (e.g. as stored pre-normalization).
	if isLikelyUsername(s) {
		return ParsedIdentifier{Username: s}, nil
	}

	return ParsedIdentifier{}, fmt.Errorf("chatservice: unrecognized identifier %q", raw)
}

// inviteHashFromLink extracts the hash from "t.me/+xxx" or "t.me/joinchat/xxx"
// forms (with or without scheme).
func inviteHashFromLink(s string) (string, bool) {
	trimmed := stripTMePrefix(s)
	if trimmed == "" {
		return "", false
	}
	if strings.HasPrefix(trimmed, "+") {
		hash := trimmed[1:]
		if inviteHashPattern.MatchString(hash) {
			return hash, true
		}
	}
	if strings.HasPrefix(trimmed, "joinchat/") {
		hash := strings.TrimPrefix(trimmed, "joinchat/")
		if inviteHashPattern.MatchString(hash) {
			return hash, true
		}
	}
	return "", false
}

// numericIDFromCLink extracts the numeric channel id from the private-link
// form "t.me/c/<numeric_id>/<msg_id>".
func numericIDFromCLink(s string) (int64, bool) {
	trimmed := stripTMePrefix(s)
	if !strings.HasPrefix(trimmed, "c/") {
		return 0, false
	}
	rest := strings.TrimPrefix(trimmed, "c/")
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// usernameFromLink extracts "name" from "t.me/name" (not "t.me/c/…").
func usernameFromLink(s string) (string, bool) {
	trimmed := stripTMePrefix(s)
	if trimmed == "" || strings.HasPrefix(trimmed, "c/") {
		return "", false
	}
	// Strip a trailing "/<message_id>" deep-link suffix if present.
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

func stripTMePrefix(s string) string {
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(s, prefix) {
			return strings.TrimPrefix(s, prefix)
		}
	}
	return ""
}

func isLikelyUsername(s string) bool {
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return len(s) >= 5
}

// canonicalNumericID normalizes a bare "-100<id>" style channel id back to
// its unprefixed numeric id, mirroring how gotd/td expects channel ids.
func canonicalNumericID(n int64) int64 {
	const channelIDPrefix = -1000000000000
	if n <= channelIDPrefix {
		return channelIDPrefix - n
	}
	return n
}

// CanonicalIdentifier renders the stored identifier string per §6: a channel
// with a username renders as "@name"; otherwise a resolved numeric id renders
// as "-100<id>"; a bare "me" renders unchanged.
func CanonicalIdentifier(username string, numericID int64) string {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "me" {
		return username
	}
	if username != "" {
		return "@" + strings.ToLower(username)
	}
	if numericID != 0 {
		return fmt.Sprintf("-100%d", numericID)
	}
	return ""
}

// DeepLink builds the "https://t.me/<username>/<msg_id>" or
// "https://t.me/c/<numeric_id>/<msg_id>" source-message link per §6.
func DeepLink(username string, numericID int64, msgID int64) string {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", username, msgID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", numericID, msgID)
}
