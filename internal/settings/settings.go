// Package settings implements the operator-tunable knobs cache (C1): typed
// getters over the settings table, refreshed through a 5-second TTL with
// last-good-value fallback on DB failure, grounded on internal/infra/config's
// "parse with fallback, accumulate warnings" shape but re-targeted at a
// read-through DB cache instead of one-shot .env parsing.
package settings

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/util"
)

const ttl = 5 * time.Second

// warnInterval caps how often a DB-read failure is logged, per §4.1.
const warnInterval = time.Minute

// Values are this service's typed view of the settings table, with
// compile-time defaults used before the first successful read and whenever
// a key is absent.
type Values struct {
	SyncMessageEdits     bool
	KeepEditHistory      bool
	SyncMessageDeletions bool

	MirrorIntervalMs     int
	MaxFileSizeBytes     int64
	GroupMediaMessages   bool
	SkipProtectedContent bool
	MediaGroupBufferMs   int

	MessageFilterEnabled  bool
	MessageFilterKeywords []string

	MaxConcurrentTasks int

	MaxRetryCount     int
	RetryIntervalSec  int
	SkipAfterMaxRetry bool
}

// Defaults mirrors the compile-time fallback values used when the DB has
// never been written or a read fails with no prior successful snapshot.
func Defaults() Values {
	return Values{
		SyncMessageEdits:     true,
		KeepEditHistory:      true,
		SyncMessageDeletions: true,

		MirrorIntervalMs:     1000,
		MaxFileSizeBytes:     2 * 1024 * 1024 * 1024,
		GroupMediaMessages:   true,
		SkipProtectedContent: true,
		MediaGroupBufferMs:   2000,

		MessageFilterEnabled:  false,
		MessageFilterKeywords: nil,

		MaxConcurrentTasks: 3,

		MaxRetryCount:     5,
		RetryIntervalSec:  300,
		SkipAfterMaxRetry: true,
	}
}

// Store is the subset of the repository the cache reads from.
type Store interface {
	AllSettings(ctx context.Context) (map[string]json.RawMessage, error)
}

// Cache is the C1 settings cache: a 5s-TTL read-through view of Store with
// last-good fallback.
type Cache struct {
	store Store

	mu          sync.RWMutex
	current     Values
	fetchedAt   time.Time
	lastWarnAt  time.Time
	everFetched bool
}

// New constructs a Cache pre-seeded with compile-time defaults.
func New(store Store) *Cache {
	return &Cache{store: store, current: Defaults()}
}

// Get returns the current Values, refreshing from the store if the TTL has
// elapsed. On read failure it logs at most once per warnInterval and returns
// the last-good snapshot (or compile-time defaults if none yet).
func (c *Cache) Get(ctx context.Context) Values {
	c.mu.RLock()
	fresh := c.everFetched && time.Since(c.fetchedAt) < ttl
	snapshot := c.current
	c.mu.RUnlock()
	if fresh {
		return snapshot
	}

	raw, err := c.store.AllSettings(ctx)
	if err != nil {
		c.mu.Lock()
		if time.Since(c.lastWarnAt) >= warnInterval {
			logger.Warnf("settings: refresh failed, using last known values: %v", err)
			c.lastWarnAt = time.Now()
		}
		snapshot = c.current
		c.mu.Unlock()
		return snapshot
	}

	next := parse(raw, c.currentOrDefaults())

	c.mu.Lock()
	c.current = next
	c.fetchedAt = time.Now()
	c.everFetched = true
	snapshot = c.current
	c.mu.Unlock()
	return snapshot
}

func (c *Cache) currentOrDefaults() Values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func parse(raw map[string]json.RawMessage, fallback Values) Values {
	v := fallback

	getBool := func(key string, dst *bool) {
		if r, ok := raw[key]; ok {
			var b bool
			if err := json.Unmarshal(r, &b); err == nil {
				*dst = b
			}
		}
	}
	getInt := func(key string, dst *int, min, max int) {
		if r, ok := raw[key]; ok {
			var n int
			if err := json.Unmarshal(r, &n); err == nil && n >= min && n <= max {
				*dst = n
			}
		}
	}
	getInt64 := func(key string, dst *int64) {
		if r, ok := raw[key]; ok {
			var n int64
			if err := json.Unmarshal(r, &n); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	getString := func(key string) (string, bool) {
		if r, ok := raw[key]; ok {
			var s string
			if err := json.Unmarshal(r, &s); err == nil {
				return s, true
			}
		}
		return "", false
	}

	getBool("sync_message_edits", &v.SyncMessageEdits)
	getBool("keep_edit_history", &v.KeepEditHistory)
	getBool("sync_message_deletions", &v.SyncMessageDeletions)

	getInt("mirror_interval_ms", &v.MirrorIntervalMs, 0, 3_600_000)
	getInt64("max_file_size_bytes", &v.MaxFileSizeBytes)
	getBool("group_media_messages", &v.GroupMediaMessages)
	getBool("skip_protected_content", &v.SkipProtectedContent)
	getInt("media_group_buffer_ms", &v.MediaGroupBufferMs, 200, 10000)

	getBool("message_filter_enabled", &v.MessageFilterEnabled)
	if raw, ok := getString("message_filter_keywords"); ok {
		v.MessageFilterKeywords = util.NormalizeKeywords(raw, 200)
	}

	getInt("max_concurrent_tasks", &v.MaxConcurrentTasks, 1, 10)

	getInt("max_retry_count", &v.MaxRetryCount, 0, 100)
	getInt("retry_interval_sec", &v.RetryIntervalSec, 0, 86400)
	getBool("skip_after_max_retry", &v.SkipAfterMaxRetry)

	return v
}

// EffectiveKeywords resolves the message-filter keyword list for a specific
// source, honoring its per-channel filter_mode override: "disabled" turns
// filtering off regardless of the global switch, "custom" substitutes
// perChannelKeywords for the global list, "inherit" uses the global values
// unchanged.
func (v Values) EffectiveKeywords(filterMode string, perChannelKeywords string) (enabled bool, keywords []string) {
	switch filterMode {
	case "disabled":
		return false, nil
	case "custom":
		return true, util.NormalizeKeywords(perChannelKeywords, 200)
	default: // "inherit" or unset
		return v.MessageFilterEnabled, v.MessageFilterKeywords
	}
}
