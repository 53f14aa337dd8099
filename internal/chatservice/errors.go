// Error classification for the chat-service adapter (C3), grounded on
// internal/adapters/telegram/notifier/client_wait_extractor.go's use of
// tgerr to pull a FLOOD_WAIT duration out of an MTProto RPC error, extended
// to the full taxonomy spec.md §7 requires.
package chatservice

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/gotd/td/tgerr"
)

// Kind is one of the classifier's possible outcomes.
type Kind string

const (
	KindFloodWait        Kind = "flood_wait"
	KindProtectedContent Kind = "protected_content"
	KindMessageDeleted   Kind = "message_deleted"
	KindSessionInvalid   Kind = "session_invalid"
	KindFatalConfig      Kind = "fatal_config"
	KindTransient        Kind = "transient"
	KindOther            Kind = "other"
)

// Classification is the classifier's verdict for a single error.
type Classification struct {
	Kind         Kind
	FloodWaitSec int // only meaningful when Kind == KindFloodWait
}

// fatalConfigCodes abort startup outright: the API credentials themselves
// are wrong, not merely rate-limited or transient.
var fatalConfigCodes = map[string]bool{
	"API_ID_INVALID":         true,
	"API_ID_PUBLISHED_FLOOD": true,
	"APP_VERSION_INVALID":    true,
}

// sessionInvalidCodes mean the authenticated session itself was revoked.
var sessionInvalidCodes = map[string]bool{
	"AUTH_KEY_UNREGISTERED": true,
	"AUTH_KEY_INVALID":      true,
	"SESSION_REVOKED":       true,
	"USER_DEACTIVATED":      true,
	"USER_DEACTIVATED_BAN":  true,
}

// messageDeletedCodes mean the referenced source message no longer exists.
var messageDeletedCodes = map[string]bool{
	"MESSAGE_ID_INVALID":   true,
	"MESSAGE_DELETE_FORBIDDEN": true,
}

// protectedContentCodes mean the source enforces no-forward/no-save content.
var protectedContentCodes = map[string]bool{
	"CHAT_FORWARDS_RESTRICTED": true,
}

// transientSubstrings catch RPC/timeout/network/socket-close failures that
// are safe to retry but don't carry a structured error code.
var transientSubstrings = []string{
	"context deadline exceeded",
	"i/o timeout",
	"connection reset",
	"broken pipe",
	"eof",
	"rpc",
	"engine is closed",
	"retry limit reached",
	"use of closed network connection",
}

// floodWaitEnglishPattern matches Telegram's English-language FLOOD_WAIT
// phrasing: "A wait of 17 seconds is required".
var floodWaitEnglishPattern = regexp.MustCompile(`wait of (\d+) seconds? is required`)

// floodWaitCodePattern matches the bare "FLOOD_WAIT_<n>" RPC error type.
var floodWaitCodePattern = regexp.MustCompile(`FLOOD_WAIT_(\d+)`)

// Classify maps err onto the C3 error taxonomy.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindOther}
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return Classification{Kind: KindFloodWait, FloodWaitSec: int(wait.Seconds())}
	}
	if sec, ok := parseFloodWaitText(err.Error()); ok {
		return Classification{Kind: KindFloodWait, FloodWaitSec: sec}
	}

	if rpcErr, ok := tgerr.As(err); ok {
		switch {
		case fatalConfigCodes[rpcErr.Type]:
			return Classification{Kind: KindFatalConfig}
		case sessionInvalidCodes[rpcErr.Type]:
			return Classification{Kind: KindSessionInvalid}
		case messageDeletedCodes[rpcErr.Type]:
			return Classification{Kind: KindMessageDeleted}
		case protectedContentCodes[rpcErr.Type]:
			return Classification{Kind: KindProtectedContent}
		}
	}

	lower := strings.ToLower(err.Error())
	for _, substr := range transientSubstrings {
		if strings.Contains(lower, substr) {
			return Classification{Kind: KindTransient}
		}
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return Classification{Kind: KindTransient}
	}

	return Classification{Kind: KindOther}
}

// ParseFloodWaitSeconds extracts a FLOOD_WAIT duration from a stored
// last_error string — used by the auto-resume scheduler (C10), which only
// has the persisted text to work with, not the original error value.
func ParseFloodWaitSeconds(msg string) (int, bool) {
	return parseFloodWaitText(msg)
}

// parseFloodWaitText recognizes both "FLOOD_WAIT_<n>" and the English
// "A wait of <n> seconds is required" phrasing, per §4.3.
func parseFloodWaitText(msg string) (int, bool) {
	if m := floodWaitCodePattern.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	if m := floodWaitEnglishPattern.FindStringSubmatch(strings.ToLower(msg)); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	return 0, false
}
