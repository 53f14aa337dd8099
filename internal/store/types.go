// Package store defines the persistent data model of the mirroring service;
// the pgx/v5-backed repository that reads and writes it lives in the
// postgres subpackage. Every entity in this package is owned by the external
// web UI (source_channel, mirror_channel) or written exclusively by this
// service (sync_task, message_mapping, message_edit, sync_event, the
// heartbeat settings key).
package store

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// MirrorMode selects how a source's messages are republished.
type MirrorMode string

const (
	MirrorModeForward MirrorMode = "forward"
	MirrorModeCopy    MirrorMode = "copy"
)

// SyncStatus is the health/lifecycle status of a source_channel.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusError     SyncStatus = "error"
)

// MessageFilterMode controls whether a source uses the global keyword filter.
type MessageFilterMode string

const (
	FilterModeInherit  MessageFilterMode = "inherit"
	FilterModeDisabled MessageFilterMode = "disabled"
	FilterModeCustom   MessageFilterMode = "custom"
)

// TaskType enumerates sync_task.task_type.
type TaskType string

const (
	TaskTypeResolve      TaskType = "resolve"
	TaskTypeHistoryFull  TaskType = "history_full"
	TaskTypeRetryFailed  TaskType = "retry_failed"
	TaskTypeRealtime     TaskType = "realtime"
)

// TaskStatus enumerates sync_task.status.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCompleted TaskStatus = "completed"
)

// MessageStatus enumerates message_mapping.status.
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusSuccess MessageStatus = "success"
	MessageStatusSkipped MessageStatus = "skipped"
	MessageStatusFailed  MessageStatus = "failed"
)

// SkipReason enumerates message_mapping.skip_reason.
type SkipReason string

const (
	SkipReasonProtectedContent  SkipReason = "protected_content"
	SkipReasonMessageDeleted    SkipReason = "message_deleted"
	SkipReasonUnsupportedType   SkipReason = "unsupported_type"
	SkipReasonFileTooLarge      SkipReason = "file_too_large"
	SkipReasonFiltered          SkipReason = "filtered"
	SkipReasonFailedTooManyTime SkipReason = "failed_too_many_times"
)

// MessageType tags the kind of chat-service message a mapping represents.
type MessageType string

const (
	MessageTypeText    MessageType = "text"
	MessageTypePhoto   MessageType = "photo"
	MessageTypeVideo   MessageType = "video"
	MessageTypeDoc     MessageType = "document"
	MessageTypeAudio   MessageType = "audio"
	MessageTypeSticker MessageType = "sticker"
	MessageTypeOther   MessageType = "other"
)

// EventLevel enumerates sync_event.level.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// SourceChannel is an operator-registered source, owned by the UI.
type SourceChannel struct {
	ID                int64
	Identifier        string
	NumericID         *int64
	AccessHash        *int64
	DisplayName       string
	Username          string
	MirrorMode        MirrorMode
	SyncStatus        SyncStatus
	IsActive          bool
	IsProtected       bool
	FilterMode        MessageFilterMode
	FilterKeywords    string
	Priority          int
	SubscribedAt      time.Time
	LastSyncAt        *time.Time
	LastSeenMessageID *int64
	MemberCount       int
	Description       string
}

// MirrorChannel pairs 1:1 with a SourceChannel.
type MirrorChannel struct {
	ID              int64
	SourceChannelID int64
	Identifier      string
	NumericID       *int64
	AccessHash      *int64
	Name            string
	Username        string
	IsAutoCreated   bool
	InviteLink      string
	// DiscussionGroupID holds the numeric id of the linked discussion
	// megagroup, populated by the resolve worker (C6) when the mirror is
	// auto-created; nil means "not linked".
	DiscussionGroupID *int64
}

// SyncTask is a unit of work claimed and executed by the supervisor.
type SyncTask struct {
	ID              int64
	SourceChannelID int64
	TaskType        TaskType
	Status          TaskStatus
	CreatedAt       time.Time
	StartedAt       *time.Time
	PausedAt        *time.Time
	CompletedAt     *time.Time
	ProgressCurrent *int64
	ProgressTotal   *int64
	LastProcessedID *int64
	LastError       string
}

// MessageMapping is the per-message ledger row.
type MessageMapping struct {
	ID              int64
	SourceChannelID int64
	SourceMessageID int64
	MirrorMessageID *int64
	MessageType     MessageType
	MediaGroupID    *int64
	Status          MessageStatus
	SkipReason      *SkipReason
	ErrorMessage    string
	RetryCount      int
	HasMedia        bool
	FileSize        int64
	Text            string
	TextPreview     string
	SentAt          *time.Time
	MirroredAt      *time.Time
	LastEditedAt    *time.Time
	EditCount       int
	IsDeleted       bool
	DeletedAt       *time.Time
}

// MessageEdit is an append-only history row of a source-side edit.
type MessageEdit struct {
	ID        int64
	MappingID int64
	Version   int
	Text      string
	EditedAt  time.Time
}

// SyncEvent is an append-only observability log row.
type SyncEvent struct {
	ID              int64
	Level           EventLevel
	Message         string
	SourceChannelID *int64
	CreatedAt       time.Time
}

// Heartbeat reflects the JSON payload of the "mirror_service_heartbeat"
// settings key (see §6 of the external interfaces).
type Heartbeat struct {
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	StartedAt       time.Time `json:"started_at"`
	PID             int       `json:"pid"`
}

// TruncateMessage clamps an event/error message to the ≤2000 char limit
// mandated by §7, appending an ellipsis when truncated.
func TruncateMessage(msg string) string {
	const maxLen = 2000
	r := []rune(msg)
	if len(r) <= maxLen {
		return msg
	}
	return string(r[:maxLen-1]) + "…"
}

// Value/Scan implementations (Scan via scanStringEnum) let the narrow string-enum types above be
// used directly as pgx query parameters and scan targets without per-call casts.

func (m MirrorMode) Value() (driver.Value, error)        { return string(m), nil }
func (s SyncStatus) Value() (driver.Value, error)        { return string(s), nil }
func (m MessageFilterMode) Value() (driver.Value, error) { return string(m), nil }
func (t TaskType) Value() (driver.Value, error)          { return string(t), nil }
func (t TaskStatus) Value() (driver.Value, error)        { return string(t), nil }
func (m MessageStatus) Value() (driver.Value, error)     { return string(m), nil }
func (s SkipReason) Value() (driver.Value, error)        { return string(s), nil }
func (m MessageType) Value() (driver.Value, error)       { return string(m), nil }
func (e EventLevel) Value() (driver.Value, error)        { return string(e), nil }

func (m *MirrorMode) Scan(src any) error        { return scanStringEnum(src, (*string)(m)) }
func (s *SyncStatus) Scan(src any) error        { return scanStringEnum(src, (*string)(s)) }
func (m *MessageFilterMode) Scan(src any) error { return scanStringEnum(src, (*string)(m)) }
func (t *TaskType) Scan(src any) error          { return scanStringEnum(src, (*string)(t)) }
func (t *TaskStatus) Scan(src any) error        { return scanStringEnum(src, (*string)(t)) }
func (m *MessageStatus) Scan(src any) error     { return scanStringEnum(src, (*string)(m)) }
func (s *SkipReason) Scan(src any) error        { return scanStringEnum(src, (*string)(s)) }
func (m *MessageType) Scan(src any) error       { return scanStringEnum(src, (*string)(m)) }
func (e *EventLevel) Scan(src any) error        { return scanStringEnum(src, (*string)(e)) }

func scanStringEnum(src any, dst *string) error {
	switch v := src.(type) {
	case nil:
		*dst = ""
		return nil
	case string:
		*dst = v
		return nil
	case []byte:
		*dst = string(v)
		return nil
	default:
		return fmt.Errorf("store: cannot scan %T into string enum", src)
	}
}
